package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/koltyakov/devrelay/internal/auth"
	"github.com/koltyakov/devrelay/internal/domain"
	"github.com/koltyakov/devrelay/internal/store/sqlite"
)

// devrelay has two kinds of secrets: management API keys for operators and
// one device key per endpoint. Both are stored only as peppered hashes.
func runAPIKeyAdmin(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: devrelay apikey <create|list|revoke|rotate-device> [flags]")
		return 2
	}
	switch args[0] {
	case "create":
		return runAPIKeyCreate(ctx, args[1:])
	case "list":
		return runAPIKeyList(ctx, args[1:], os.Stdout)
	case "revoke":
		return runAPIKeyRevoke(ctx, args[1:])
	case "rotate-device":
		return runDeviceKeyRotate(ctx, args[1:])
	default:
		fmt.Fprintln(os.Stderr, "unknown apikey command:", args[0])
		return 2
	}
}

func (a *adminFlags) withPepper(pepper *string) *adminFlags {
	a.fs.StringVar(pepper, "api-key-pepper", envOr("DEVRELAY_API_KEY_PEPPER", ""), "hash pepper override")
	return a
}

func runAPIKeyCreate(ctx context.Context, args []string) int {
	var name, pepper string
	a := newAdminFlags("apikey-create").withPepper(&pepper)
	a.fs.StringVar(&name, "name", "operator", "label shown by apikey list")
	if err := a.fs.Parse(args); err != nil {
		return 2
	}

	store, code := openSQLiteStoreOrExit(a.dbPath)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	hash, plain, err := newHashedSecret(ctx, store, pepper, auth.GenerateAPIKey)
	if err != nil {
		fmt.Fprintln(os.Stderr, "apikey create error:", err)
		return 1
	}
	rec, err := store.CreateAPIKey(ctx, strings.TrimSpace(name), hash)
	if err != nil {
		fmt.Fprintln(os.Stderr, "apikey create error:", err)
		return 1
	}
	fmt.Println("id:", rec.ID)
	fmt.Println("name:", rec.Name)
	fmt.Println("api_key:", plain)
	fmt.Println("use as: Authorization: Bearer <api_key> on /v1 management routes")
	return 0
}

func runAPIKeyList(ctx context.Context, args []string, out io.Writer) int {
	var all bool
	a := newAdminFlags("apikey-list")
	a.fs.BoolVar(&all, "all", false, "include revoked keys")
	if err := a.fs.Parse(args); err != nil {
		return 2
	}

	store, code := openSQLiteStoreOrExit(a.dbPath)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	keys, err := store.ListAPIKeys(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "apikey list error:", err)
		return 1
	}
	writeAPIKeyTable(out, keys, all)
	return 0
}

func writeAPIKeyTable(out io.Writer, keys []domain.APIKey, all bool) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tCREATED")
	active, revoked := 0, 0
	for _, k := range keys {
		status := "active"
		if k.RevokedAt != nil {
			revoked++
			if !all {
				continue
			}
			status = "revoked " + k.RevokedAt.UTC().Format(time.DateOnly)
		} else {
			active++
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", k.ID, k.Name, status, k.CreatedAt.UTC().Format(time.RFC3339))
	}
	_ = tw.Flush()
	fmt.Fprintf(out, "%d active, %d revoked\n", active, revoked)
}

func runAPIKeyRevoke(ctx context.Context, args []string) int {
	var id string
	a := newAdminFlags("apikey-revoke")
	a.fs.StringVar(&id, "id", "", "key id")
	if err := a.fs.Parse(args); err != nil {
		return 2
	}
	if id == "" && a.fs.NArg() == 1 {
		id = a.fs.Arg(0)
	}
	if strings.TrimSpace(id) == "" {
		fmt.Fprintln(os.Stderr, "missing --id")
		return 2
	}

	store, code := openSQLiteStoreOrExit(a.dbPath)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	if err := store.RevokeAPIKey(ctx, id); err != nil {
		fmt.Fprintln(os.Stderr, "apikey revoke error:", err)
		return 1
	}
	fmt.Println("revoked:", id)
	return 0
}

// runDeviceKeyRotate issues a new device key for an endpoint. Connected
// devices stay online; the old key is refused from the next handshake.
func runDeviceKeyRotate(ctx context.Context, args []string) int {
	var endpointID, pepper string
	a := newAdminFlags("apikey-rotate-device").withPepper(&pepper)
	a.fs.StringVar(&endpointID, "endpoint", "", "endpoint id")
	if err := a.fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(endpointID) == "" {
		fmt.Fprintln(os.Stderr, "missing --endpoint")
		return 2
	}

	store, code := openSQLiteStoreOrExit(a.dbPath)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	ep, err := store.GetEndpoint(ctx, endpointID)
	if err != nil {
		fmt.Fprintln(os.Stderr, "apikey rotate-device error:", err)
		return 1
	}
	hash, plain, err := newHashedSecret(ctx, store, pepper, auth.GenerateEndpointKey)
	if err != nil {
		fmt.Fprintln(os.Stderr, "apikey rotate-device error:", err)
		return 1
	}
	if err := store.RotateEndpointKey(ctx, ep.ID, hash); err != nil {
		fmt.Fprintln(os.Stderr, "apikey rotate-device error:", err)
		return 1
	}
	fmt.Println("endpoint:", ep.ID)
	fmt.Println("name:", ep.Name)
	fmt.Println("owner:", ep.UserID)
	fmt.Println("device_key:", plain)
	return 0
}

// newHashedSecret generates a secret and hashes it with the pepper pinned
// in the store.
func newHashedSecret(ctx context.Context, store *sqlite.Store, pepper string, generate func() (string, error)) (hash, plain string, err error) {
	resolved, err := resolveServerPepper(ctx, store, pepper)
	if err != nil {
		return "", "", err
	}
	plain, err = generate()
	if err != nil {
		return "", "", fmt.Errorf("generate key: %w", err)
	}
	return auth.HashAPIKey(plain, resolved), plain, nil
}

func defaultDBPath() string {
	return envOr("DEVRELAY_DB_PATH", "./devrelay.db")
}

func openSQLiteStoreOrExit(dbPath string) (*sqlite.Store, int) {
	store, err := sqlite.Open(dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db error:", err)
		return nil, 1
	}
	return store, 0
}

package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/koltyakov/devrelay/internal/auth"
	"github.com/koltyakov/devrelay/internal/config"
	"github.com/koltyakov/devrelay/internal/domain"
	"github.com/koltyakov/devrelay/internal/events"
	ilog "github.com/koltyakov/devrelay/internal/log"
)

const publishTimeout = 5 * time.Second

// adminFlags are shared by every store administration command.
type adminFlags struct {
	fs           *flag.FlagSet
	dbPath       string
	redisURL     string
	redisChannel string
}

func newAdminFlags(name string) *adminFlags {
	a := &adminFlags{fs: flag.NewFlagSet(name, flag.ContinueOnError)}
	a.fs.StringVar(&a.dbPath, "db", defaultDBPath(), "sqlite db path")
	return a
}

// withRedis registers the flags used to notify running relays of a
// revocation.
func (a *adminFlags) withRedis() *adminFlags {
	a.fs.StringVar(&a.redisURL, "redis-url", envOr("DEVRELAY_REDIS_URL", ""), "Redis URL of running relays (optional)")
	a.fs.StringVar(&a.redisChannel, "redis-channel", envOr("DEVRELAY_REDIS_CHANNEL", config.DefaultServerConfig().RedisChannel), "Redis channel for revocation events")
	return a
}

// publishRevocation tells running relays to evict matching connections. A
// relay without Redis only notices at the next handshake.
func (a *adminFlags) publishRevocation(ctx context.Context, ev domain.RevocationEvent) {
	if strings.TrimSpace(a.redisURL) == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	bus, err := events.NewRedisBus(ctx, a.redisURL, a.redisChannel, ilog.Discard())
	if err != nil {
		fmt.Fprintln(os.Stderr, "warning: revocation not published:", err)
		return
	}
	defer func() { _ = bus.Close() }()
	if err := bus.Publish(ctx, ev); err != nil {
		fmt.Fprintln(os.Stderr, "warning: revocation not published:", err)
		return
	}
	fmt.Println("published:", a.redisChannel)
}

func runUserAdmin(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: devrelay user <create|ban|unban> [flags]")
		return 2
	}
	switch args[0] {
	case "create":
		return runUserCreate(ctx, args[1:])
	case "ban":
		return runUserBan(ctx, args[1:], true)
	case "unban":
		return runUserBan(ctx, args[1:], false)
	default:
		fmt.Fprintln(os.Stderr, "unknown user command:", args[0])
		return 2
	}
}

func runUserCreate(ctx context.Context, args []string) int {
	a := newAdminFlags("user-create")
	var name string
	a.fs.StringVar(&name, "name", "", "user display name")
	if err := a.fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(name) == "" {
		fmt.Fprintln(os.Stderr, "missing --name")
		return 2
	}

	store, code := openSQLiteStoreOrExit(a.dbPath)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	u, err := store.CreateUser(ctx, strings.TrimSpace(name))
	if err != nil {
		fmt.Fprintln(os.Stderr, "create user:", err)
		return 1
	}
	fmt.Println("id:", u.ID)
	fmt.Println("name:", u.Name)
	return 0
}

func runUserBan(ctx context.Context, args []string, ban bool) int {
	a := newAdminFlags("user-ban").withRedis()
	var id, reason string
	a.fs.StringVar(&id, "id", "", "user id")
	if ban {
		a.fs.StringVar(&reason, "reason", "", "ban reason shown to devices")
	}
	if err := a.fs.Parse(args); err != nil {
		return 2
	}
	if id == "" {
		fmt.Fprintln(os.Stderr, "missing --id")
		return 2
	}

	store, code := openSQLiteStoreOrExit(a.dbPath)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	var err error
	if ban {
		err = store.BanUser(ctx, id, reason)
	} else {
		err = store.UnbanUser(ctx, id)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "update user:", err)
		return 1
	}
	a.publishRevocation(ctx, domain.RevocationEvent{Kind: domain.SubjectUser, SubjectID: id, Revoked: ban, Reason: reason, At: time.Now().UTC()})
	if ban {
		fmt.Println("banned:", id)
	} else {
		fmt.Println("unbanned:", id)
	}
	return 0
}

func runEndpointAdmin(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: devrelay endpoint <create|list|mode|disable|enable> [flags]")
		return 2
	}
	switch args[0] {
	case "create":
		return runEndpointCreate(ctx, args[1:])
	case "list":
		return runEndpointList(ctx, args[1:])
	case "mode":
		return runEndpointMode(ctx, args[1:])
	case "disable":
		return runEndpointDisable(ctx, args[1:], true)
	case "enable":
		return runEndpointDisable(ctx, args[1:], false)
	default:
		fmt.Fprintln(os.Stderr, "unknown endpoint command:", args[0])
		return 2
	}
}

func runEndpointCreate(ctx context.Context, args []string) int {
	var userID, name, mode, header, pepper string
	a := newAdminFlags("endpoint-create").withPepper(&pepper)
	a.fs.StringVar(&userID, "user", "", "owning user id")
	a.fs.StringVar(&name, "name", "", "endpoint name")
	a.fs.StringVar(&mode, "mode", string(domain.ModeDirect), "forwarding mode: DIRECT|JSON|CUSTOM_HEADER")
	a.fs.StringVar(&header, "header", "", "prefix for CUSTOM_HEADER mode")
	if err := a.fs.Parse(args); err != nil {
		return 2
	}
	if userID == "" {
		fmt.Fprintln(os.Stderr, "missing --user")
		return 2
	}
	fm, err := domain.ParseForwardMode(mode)
	if err != nil {
		fmt.Fprintln(os.Stderr, "endpoint create error:", err)
		return 2
	}

	store, code := openSQLiteStoreOrExit(a.dbPath)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	hash, plain, err := newHashedSecret(ctx, store, pepper, auth.GenerateEndpointKey)
	if err != nil {
		fmt.Fprintln(os.Stderr, "endpoint create error:", err)
		return 1
	}
	ep, err := store.CreateEndpoint(ctx, userID, strings.TrimSpace(name), fm, header, hash)
	if err != nil {
		fmt.Fprintln(os.Stderr, "create endpoint:", err)
		return 1
	}
	fmt.Println("id:", ep.ID)
	fmt.Println("mode:", ep.Mode)
	fmt.Println("device_key:", plain)
	return 0
}

func runEndpointList(ctx context.Context, args []string) int {
	a := newAdminFlags("endpoint-list")
	var userID string
	a.fs.StringVar(&userID, "user", "", "only endpoints of this user")
	if err := a.fs.Parse(args); err != nil {
		return 2
	}

	store, code := openSQLiteStoreOrExit(a.dbPath)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	eps, err := store.ListEndpoints(ctx, userID)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list endpoints:", err)
		return 1
	}
	for _, ep := range eps {
		fmt.Printf("%s\t%s\tuser=%s\tmode=%s\tdisabled=%t\n", ep.ID, ep.Name, ep.UserID, ep.Mode, ep.DisabledAt != nil)
	}
	return 0
}

func runEndpointMode(ctx context.Context, args []string) int {
	a := newAdminFlags("endpoint-mode")
	var id, mode, header string
	a.fs.StringVar(&id, "id", "", "endpoint id")
	a.fs.StringVar(&mode, "mode", "", "forwarding mode: DIRECT|JSON|CUSTOM_HEADER")
	a.fs.StringVar(&header, "header", "", "prefix for CUSTOM_HEADER mode")
	if err := a.fs.Parse(args); err != nil {
		return 2
	}
	if id == "" {
		fmt.Fprintln(os.Stderr, "missing --id")
		return 2
	}
	fm, err := domain.ParseForwardMode(mode)
	if err != nil {
		fmt.Fprintln(os.Stderr, "endpoint mode error:", err)
		return 2
	}

	store, code := openSQLiteStoreOrExit(a.dbPath)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	if err := store.SetEndpointMode(ctx, id, fm, header); err != nil {
		fmt.Fprintln(os.Stderr, "set mode:", err)
		return 1
	}
	fmt.Println("mode:", fm)
	fmt.Fprintln(os.Stderr, "note: running relays keep the cached mode; use PUT /v1/endpoints/{endpoint}/mode to apply it live")
	return 0
}

func runEndpointDisable(ctx context.Context, args []string, disable bool) int {
	a := newAdminFlags("endpoint-disable").withRedis()
	var id, reason string
	a.fs.StringVar(&id, "id", "", "endpoint id")
	if disable {
		a.fs.StringVar(&reason, "reason", "", "disable reason shown to devices")
	}
	if err := a.fs.Parse(args); err != nil {
		return 2
	}
	if id == "" {
		fmt.Fprintln(os.Stderr, "missing --id")
		return 2
	}

	store, code := openSQLiteStoreOrExit(a.dbPath)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	var err error
	if disable {
		err = store.DisableEndpoint(ctx, id, reason)
	} else {
		err = store.EnableEndpoint(ctx, id)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "update endpoint:", err)
		return 1
	}
	a.publishRevocation(ctx, domain.RevocationEvent{Kind: domain.SubjectEndpoint, SubjectID: id, Revoked: disable, Reason: reason, At: time.Now().UTC()})
	if disable {
		fmt.Println("disabled:", id)
	} else {
		fmt.Println("enabled:", id)
	}
	return 0
}

func runGroupAdmin(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: devrelay group <create|add|remove|list> [flags]")
		return 2
	}
	switch args[0] {
	case "create":
		return runGroupCreate(ctx, args[1:])
	case "add":
		return runGroupMembers(ctx, args[1:], true)
	case "remove":
		return runGroupMembers(ctx, args[1:], false)
	case "list":
		return runGroupList(ctx, args[1:])
	default:
		fmt.Fprintln(os.Stderr, "unknown group command:", args[0])
		return 2
	}
}

func runGroupCreate(ctx context.Context, args []string) int {
	a := newAdminFlags("group-create")
	var userID, name string
	a.fs.StringVar(&userID, "user", "", "owning user id")
	a.fs.StringVar(&name, "name", "", "group name")
	if err := a.fs.Parse(args); err != nil {
		return 2
	}
	if userID == "" || strings.TrimSpace(name) == "" {
		fmt.Fprintln(os.Stderr, "missing --user or --name")
		return 2
	}

	store, code := openSQLiteStoreOrExit(a.dbPath)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	g, err := store.CreateGroup(ctx, userID, strings.TrimSpace(name))
	if err != nil {
		fmt.Fprintln(os.Stderr, "create group:", err)
		return 1
	}
	fmt.Println("id:", g.ID)
	fmt.Println("name:", g.Name)
	return 0
}

// runGroupMembers adds or removes the devices named as ENDPOINT/DEVICE
// positional arguments.
func runGroupMembers(ctx context.Context, args []string, add bool) int {
	a := newAdminFlags("group-members")
	var id string
	a.fs.StringVar(&id, "id", "", "group id")
	if err := a.fs.Parse(args); err != nil {
		return 2
	}
	if id == "" {
		fmt.Fprintln(os.Stderr, "missing --id")
		return 2
	}
	targets, err := parseTargets(a.fs.Args())
	if err != nil {
		fmt.Fprintln(os.Stderr, "group error:", err)
		return 2
	}

	store, code := openSQLiteStoreOrExit(a.dbPath)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	if add {
		err = store.AddGroupMembers(ctx, id, targets)
	} else {
		for _, t := range targets {
			if err = store.RemoveGroupMember(ctx, id, t); err != nil {
				break
			}
		}
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "update group:", err)
		return 1
	}
	fmt.Printf("group %s: %d member(s) updated\n", id, len(targets))
	return 0
}

func runGroupList(ctx context.Context, args []string) int {
	a := newAdminFlags("group-list")
	var id string
	a.fs.StringVar(&id, "id", "", "group id")
	if err := a.fs.Parse(args); err != nil {
		return 2
	}
	if id == "" {
		fmt.Fprintln(os.Stderr, "missing --id")
		return 2
	}

	store, code := openSQLiteStoreOrExit(a.dbPath)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	members, err := store.ListGroupMembers(ctx, id)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list group:", err)
		return 1
	}
	for _, m := range members {
		fmt.Printf("%s/%s\n", m.EndpointID, m.DeviceID)
	}
	return 0
}

func parseTargets(args []string) ([]domain.DeviceTarget, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("expected one or more ENDPOINT/DEVICE arguments")
	}
	out := make([]domain.DeviceTarget, 0, len(args))
	for _, raw := range args {
		ep, dev, ok := strings.Cut(strings.TrimSpace(raw), "/")
		ep, dev = strings.TrimSpace(ep), strings.TrimSpace(dev)
		if !ok || ep == "" || dev == "" {
			return nil, fmt.Errorf("invalid target %q, expected ENDPOINT/DEVICE", raw)
		}
		out = append(out, domain.DeviceTarget{EndpointID: ep, DeviceID: dev})
	}
	return out, nil
}

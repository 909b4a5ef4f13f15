package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/koltyakov/devrelay/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "devrelay.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedEndpoint(t *testing.T, s *Store, mode domain.ForwardMode, header string) (domain.User, domain.Endpoint) {
	t.Helper()
	ctx := context.Background()
	u, err := s.CreateUser(ctx, "acme")
	if err != nil {
		t.Fatal(err)
	}
	e, err := s.CreateEndpoint(ctx, u.ID, "sensors", mode, header, "hash-"+u.ID)
	if err != nil {
		t.Fatal(err)
	}
	return u, e
}

func TestOpenCreatesParentDirectory(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "devrelay.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer func() { _ = s.Close() }()

	if _, err := os.Stat(filepath.Dir(dbPath)); err != nil {
		t.Fatalf("expected parent directory to exist: %v", err)
	}
}

func TestOpenInMemory(t *testing.T) {
	t.Parallel()

	s, err := OpenWithOptions("file::memory:", OpenOptions{MaxOpenConns: 1, MaxIdleConns: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Close() }()
	if err := s.Ping(context.Background()); err != nil {
		t.Fatal(err)
	}
	// Migrations tolerate a second run.
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("re-migrate: %v", err)
	}
}

func TestUserBanLifecycle(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	u, err := s.CreateUser(ctx, " acme ")
	if err != nil {
		t.Fatal(err)
	}
	if u.Name != "acme" {
		t.Fatalf("expected trimmed name, got %q", u.Name)
	}

	if _, banned, err := s.UserBan(ctx, u.ID); err != nil || banned {
		t.Fatalf("new user must not be banned: %v %v", banned, err)
	}
	if err := s.BanUser(ctx, u.ID, "abuse"); err != nil {
		t.Fatal(err)
	}
	ban, banned, err := s.UserBan(ctx, u.ID)
	if err != nil || !banned {
		t.Fatalf("expected ban, got %v %v", banned, err)
	}
	if ban.Kind != domain.SubjectUser || ban.SubjectID != u.ID || ban.Reason != "abuse" || ban.EffectiveAt.IsZero() {
		t.Fatalf("unexpected ban state %+v", ban)
	}

	if err := s.UnbanUser(ctx, u.ID); err != nil {
		t.Fatal(err)
	}
	if _, banned, _ := s.UserBan(ctx, u.ID); banned {
		t.Fatal("expected unban to take effect immediately")
	}

	if _, banned, err := s.UserBan(ctx, "u_missing"); err != nil || banned {
		t.Fatalf("unknown user must not be banned: %v %v", banned, err)
	}
	if err := s.BanUser(ctx, "u_missing", ""); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestEndpointModeAndDisable(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	_, e := seedEndpoint(t, s, domain.ModeJSON, "")

	mode, header, err := s.EndpointMode(ctx, e.ID)
	if err != nil || mode != domain.ModeJSON || header != "" {
		t.Fatalf("unexpected mode %q %q %v", mode, header, err)
	}

	if err := s.SetEndpointMode(ctx, e.ID, domain.ModeCustomHeader, ""); !errors.Is(err, domain.ErrInvalidMode) {
		t.Fatalf("expected invalid mode for empty header, got %v", err)
	}
	if err := s.SetEndpointMode(ctx, e.ID, domain.ModeCustomHeader, "X1:"); err != nil {
		t.Fatal(err)
	}
	if mode, header, _ = s.EndpointMode(ctx, e.ID); mode != domain.ModeCustomHeader || header != "X1:" {
		t.Fatalf("mode change not persisted: %q %q", mode, header)
	}
	if _, _, err := s.EndpointMode(ctx, "ep_missing"); !errors.Is(err, domain.ErrEndpointNotFound) {
		t.Fatalf("expected ErrEndpointNotFound, got %v", err)
	}

	if err := s.DisableEndpoint(ctx, e.ID, "maintenance"); err != nil {
		t.Fatal(err)
	}
	ban, disabled, err := s.EndpointDisable(ctx, e.ID)
	if err != nil || !disabled || ban.Reason != "maintenance" || ban.Kind != domain.SubjectEndpoint {
		t.Fatalf("unexpected disable state %+v %v %v", ban, disabled, err)
	}
	got, err := s.GetEndpoint(ctx, e.ID)
	if err != nil || !got.Disabled() {
		t.Fatalf("expected endpoint disabled, got %+v %v", got, err)
	}

	if err := s.EnableEndpoint(ctx, e.ID); err != nil {
		t.Fatal(err)
	}
	if _, disabled, _ := s.EndpointDisable(ctx, e.ID); disabled {
		t.Fatal("expected enable to clear disable")
	}
	if err := s.EnableEndpoint(ctx, "ep_missing"); !errors.Is(err, domain.ErrEndpointNotFound) {
		t.Fatalf("expected ErrEndpointNotFound, got %v", err)
	}
}

func TestCreateEndpointValidates(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	u, err := s.CreateUser(ctx, "acme")
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name   string
		user   string
		mode   domain.ForwardMode
		header string
		want   error
	}{
		{name: "header on json", user: u.ID, mode: domain.ModeJSON, header: "X:", want: domain.ErrInvalidMode},
		{name: "unknown mode", user: u.ID, mode: "BROADCAST", want: domain.ErrInvalidMode},
		{name: "unknown user", user: "u_missing", mode: domain.ModeDirect, want: ErrUserNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.CreateEndpoint(ctx, tt.user, "x", tt.mode, tt.header, "h-"+tt.name); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestAuthenticateEndpoint(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	u, e := seedEndpoint(t, s, domain.ModeDirect, "")

	userID, err := s.AuthenticateEndpoint(ctx, e.ID, e.KeyHash)
	if err != nil || userID != u.ID {
		t.Fatalf("expected owner %s, got %q %v", u.ID, userID, err)
	}
	if _, err := s.AuthenticateEndpoint(ctx, e.ID, "wrong"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	list, err := s.ListEndpoints(ctx, u.ID)
	if err != nil || len(list) != 1 || list[0].ID != e.ID {
		t.Fatalf("unexpected endpoint list %+v %v", list, err)
	}
	if err := s.RotateEndpointKey(ctx, e.ID, "rotated-hash"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AuthenticateEndpoint(ctx, e.ID, e.KeyHash); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("old key must stop working after rotation, got %v", err)
	}
	if userID, err := s.AuthenticateEndpoint(ctx, e.ID, "rotated-hash"); err != nil || userID != u.ID {
		t.Fatalf("rotated key rejected: %q %v", userID, err)
	}
	if err := s.RotateEndpointKey(ctx, "ep_missing", "x"); !errors.Is(err, domain.ErrEndpointNotFound) {
		t.Fatalf("expected ErrEndpointNotFound, got %v", err)
	}
}

func TestGroupMembers(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	u, e := seedEndpoint(t, s, domain.ModeDirect, "")
	g, err := s.CreateGroup(ctx, u.ID, "floor-2")
	if err != nil {
		t.Fatal(err)
	}

	targets := []domain.DeviceTarget{
		{EndpointID: e.ID, DeviceID: "a"},
		{EndpointID: e.ID, DeviceID: "b"},
		{EndpointID: e.ID, DeviceID: "a"},
	}
	if err := s.AddGroupMembers(ctx, g.ID, targets); err != nil {
		t.Fatal(err)
	}
	members, err := s.ListGroupMembers(ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 distinct members, got %+v", members)
	}

	if err := s.RemoveGroupMember(ctx, g.ID, domain.DeviceTarget{EndpointID: e.ID, DeviceID: "a"}); err != nil {
		t.Fatal(err)
	}
	if members, _ = s.ListGroupMembers(ctx, g.ID); len(members) != 1 || members[0].DeviceID != "b" {
		t.Fatalf("unexpected members after remove %+v", members)
	}

	if _, err := s.ListGroupMembers(ctx, "g_missing"); !errors.Is(err, ErrGroupNotFound) {
		t.Fatalf("expected ErrGroupNotFound, got %v", err)
	}
	if err := s.AddGroupMembers(ctx, "g_missing", targets); !errors.Is(err, ErrGroupNotFound) {
		t.Fatalf("expected ErrGroupNotFound, got %v", err)
	}
}

func TestDataEventsAndResults(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	old := time.Now().UTC().Add(-2 * time.Hour)
	recent := time.Now().UTC()

	events := []domain.DataEvent{
		{EndpointID: "E", DeviceID: "A", Payload: []byte("hello"), ReceivedAt: old},
		{EndpointID: "E", DeviceID: "A", Payload: []byte(`{"t":21}`), Data: []byte(`{"t":21}`), ReceivedAt: recent},
	}
	for _, ev := range events {
		if err := s.HandleData(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.RecentDataEvents(ctx, "E", "A", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || string(got[0].Data) != `{"t":21}` || got[1].Data != nil || string(got[1].Payload) != "hello" {
		t.Fatalf("unexpected events %+v", got)
	}

	res := domain.CommandResult{
		CommandID: "cmd_1", EndpointID: "E", DeviceID: "A", Status: domain.CommandFailed,
		IssuedAt: old, ResolvedAt: old.Add(time.Second), Duration: time.Second, Error: "busy",
	}
	if err := s.HandleResult(ctx, res); err != nil {
		t.Fatal(err)
	}
	dup := res
	dup.Status = domain.CommandSuccess
	if err := s.HandleResult(ctx, dup); err != nil {
		t.Fatal(err)
	}
	stored, err := s.CommandResult(ctx, "cmd_1")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != domain.CommandFailed || stored.Error != "busy" || stored.Duration != time.Second {
		t.Fatalf("expected first resolution to stick, got %+v", stored)
	}

	n, err := s.PurgeDataEvents(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected old event and result purged, removed %d", n)
	}
	if _, err := s.CommandResult(ctx, "cmd_1"); !errors.Is(err, domain.ErrCommandNotFound) {
		t.Fatalf("expected purged result, got %v", err)
	}
	if got, _ = s.RecentDataEvents(ctx, "E", "A", 10); len(got) != 1 {
		t.Fatalf("expected recent event to survive, got %d", len(got))
	}
}

func TestAPIKeysAndPepper(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	k, err := s.CreateAPIKey(ctx, "ops", "h1")
	if err != nil {
		t.Fatal(err)
	}
	id, err := s.ResolveAPIKeyID(ctx, "h1")
	if err != nil || id != k.ID {
		t.Fatalf("expected %s, got %q %v", k.ID, id, err)
	}
	if err := s.RevokeAPIKey(ctx, k.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ResolveAPIKeyID(ctx, "h1"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected revoked key to stop resolving, got %v", err)
	}
	if err := s.RevokeAPIKey(ctx, k.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected second revoke to report no rows, got %v", err)
	}
	keys, err := s.ListAPIKeys(ctx)
	if err != nil || len(keys) != 1 || keys[0].RevokedAt == nil {
		t.Fatalf("unexpected keys %+v %v", keys, err)
	}

	pepper, err := s.ResolveServerPepper(ctx, "p1")
	if err != nil || pepper != "p1" {
		t.Fatalf("unexpected pepper %q %v", pepper, err)
	}
	if pepper, err = s.ResolveServerPepper(ctx, ""); err != nil || pepper != "p1" {
		t.Fatalf("expected stored pepper, got %q %v", pepper, err)
	}
	if _, err := s.ResolveServerPepper(ctx, "p2"); err == nil {
		t.Fatal("expected mismatched pepper to be rejected")
	}
}

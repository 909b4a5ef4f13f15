package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/koltyakov/devrelay/internal/domain"
)

func BenchmarkUserBanLookup(b *testing.B) {
	s, err := Open(filepath.Join(b.TempDir(), "bench.db"))
	if err != nil {
		b.Fatal(err)
	}
	defer func() { _ = s.Close() }()
	ctx := context.Background()
	u, err := s.CreateUser(ctx, "bench")
	if err != nil {
		b.Fatal(err)
	}

	for b.Loop() {
		if _, _, err := s.UserBan(ctx, u.ID); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkHandleData(b *testing.B) {
	s, err := Open(filepath.Join(b.TempDir(), "bench.db"))
	if err != nil {
		b.Fatal(err)
	}
	defer func() { _ = s.Close() }()
	ctx := context.Background()
	ev := domain.DataEvent{EndpointID: "E", DeviceID: "A", Payload: []byte(`{"t":21}`), Data: []byte(`{"t":21}`), ReceivedAt: time.Now()}

	for b.Loop() {
		if err := s.HandleData(ctx, ev); err != nil {
			b.Fatal(err)
		}
	}
}

package events

import (
	"strings"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/koltyakov/devrelay/internal/domain"
)

func TestDecodeNormalizesAndValidates(t *testing.T) {
	t.Parallel()

	ev, err := Decode([]byte(`{"kind":" USER ","subject_id":" u1 ","revoked":true,"reason":"abuse","at":"2026-01-02T03:04:05Z"}`))
	if err != nil {
		t.Fatal(err)
	}
	if ev.Kind != domain.SubjectUser || ev.SubjectID != "u1" || !ev.Revoked || ev.Reason != "abuse" {
		t.Fatalf("unexpected event: %+v", ev)
	}

	bad := []string{
		`not json`,
		`{"kind":"device","subject_id":"x","revoked":true}`,
		`{"kind":"endpoint","subject_id":"  ","revoked":true}`,
	}
	for _, in := range bad {
		if _, err := Decode([]byte(in)); err == nil {
			t.Fatalf("expected %s to be rejected", in)
		}
	}
}

func TestEncodeStampsTime(t *testing.T) {
	t.Parallel()

	b, err := Encode(domain.RevocationEvent{Kind: domain.SubjectEndpoint, SubjectID: "ep_1", Revoked: true})
	if err != nil {
		t.Fatal(err)
	}
	ev, err := Decode(b)
	if err != nil {
		t.Fatal(err)
	}
	if ev.At.IsZero() {
		t.Fatal("expected encode to stamp the event time")
	}
	if _, err := Encode(domain.RevocationEvent{Kind: "device", SubjectID: "x"}); err == nil {
		t.Fatal("expected unknown kind to be rejected on encode")
	}
}

func TestNewBusDefaultsChannel(t *testing.T) {
	t.Parallel()

	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer func() { _ = client.Close() }()

	b := newBus(client, " ", nil)
	if b.channel != DefaultChannel {
		t.Fatalf("expected default channel, got %q", b.channel)
	}
}

func TestNewRedisBusRejectsBadURL(t *testing.T) {
	t.Parallel()

	_, err := NewRedisBus(t.Context(), "http://not-redis", "", nil)
	if err == nil || !strings.Contains(err.Error(), "parse redis url") {
		t.Fatalf("expected url parse error, got %v", err)
	}
}

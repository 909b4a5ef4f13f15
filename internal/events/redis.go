// Package events carries revocation events between the admin plane and the
// relay over a Redis pub/sub channel, so bans applied by an external admin
// service evict live connections without polling.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/koltyakov/devrelay/internal/domain"
)

// DefaultChannel is the pub/sub channel used when none is configured.
const DefaultChannel = "devrelay:revocations"

const resubscribeDelay = 2 * time.Second

// Handler is invoked for every decoded event.
type Handler func(ctx context.Context, ev domain.RevocationEvent)

// Bus publishes and subscribes to revocation events on one channel.
type Bus struct {
	client  *redis.Client
	channel string
	log     *slog.Logger
}

// NewRedisBus connects to the Redis server at rawURL (redis:// or rediss://)
// and verifies it answers a PING.
func NewRedisBus(ctx context.Context, rawURL, channel string, logger *slog.Logger) (*Bus, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return newBus(client, channel, logger), nil
}

func newBus(client *redis.Client, channel string, logger *slog.Logger) *Bus {
	if strings.TrimSpace(channel) == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{client: client, channel: channel, log: logger}
}

// Publish sends ev to every subscriber.
func (b *Bus) Publish(ctx context.Context, ev domain.RevocationEvent) error {
	payload, err := Encode(ev)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, payload).Err()
}

// Subscribe delivers events to h until ctx is canceled. A dropped
// subscription is re-established after a short delay.
func (b *Bus) Subscribe(ctx context.Context, h Handler) error {
	for {
		err := b.subscribeOnce(ctx, h)
		if ctx.Err() != nil {
			return nil
		}
		b.log.Warn("revocation subscription lost", "channel", b.channel, "err", err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(resubscribeDelay):
		}
	}
}

func (b *Bus) subscribeOnce(ctx context.Context, h Handler) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer func() { _ = sub.Close() }()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	b.log.Info("subscribed to revocation events", "channel", b.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("subscription channel closed")
			}
			ev, err := Decode([]byte(msg.Payload))
			if err != nil {
				b.log.Warn("invalid revocation event", "channel", b.channel, "err", err)
				continue
			}
			h(ctx, ev)
		}
	}
}

// Close releases the Redis connection pool.
func (b *Bus) Close() error {
	return b.client.Close()
}

// Encode serializes ev for the channel.
func Encode(ev domain.RevocationEvent) ([]byte, error) {
	if err := validate(ev); err != nil {
		return nil, err
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	return json.Marshal(ev)
}

// Decode parses and validates a channel payload.
func Decode(payload []byte) (domain.RevocationEvent, error) {
	var ev domain.RevocationEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return domain.RevocationEvent{}, fmt.Errorf("decode revocation event: %w", err)
	}
	ev.Kind = domain.SubjectKind(strings.ToLower(strings.TrimSpace(string(ev.Kind))))
	ev.SubjectID = strings.TrimSpace(ev.SubjectID)
	if err := validate(ev); err != nil {
		return domain.RevocationEvent{}, err
	}
	return ev, nil
}

func validate(ev domain.RevocationEvent) error {
	switch ev.Kind {
	case domain.SubjectUser, domain.SubjectEndpoint:
	default:
		return fmt.Errorf("unknown revocation kind %q", ev.Kind)
	}
	if ev.SubjectID == "" {
		return errors.New("revocation event without subject id")
	}
	return nil
}

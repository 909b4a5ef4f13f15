// Package relay fans device frames out to peers on the same endpoint. Each
// peer has its own bounded [Outbox], so a slow reader never stalls the
// sender or other peers.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koltyakov/devrelay/internal/domain"
	"github.com/koltyakov/devrelay/internal/registry"
)

// DataSubmitter receives one event per relayed data frame. Submit must not
// block; it reports false when the event was dropped.
type DataSubmitter interface {
	SubmitData(ev domain.DataEvent) bool
}

// Stats is a snapshot of router counters.
type Stats struct {
	Relayed   uint64 `json:"relayed"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
}

// Router delivers inbound frames to every other device on the endpoint.
type Router struct {
	registry *registry.Registry
	modes    *ModeCache
	sink     DataSubmitter
	log      *slog.Logger
	now      func() time.Time

	relayed   atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// NewRouter wires a router. sink may be nil.
func NewRouter(reg *registry.Registry, modes *ModeCache, sink DataSubmitter, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry: reg,
		modes:    modes,
		sink:     sink,
		log:      logger,
		now:      time.Now,
	}
}

// Relay transforms payload once per the endpoint's mode and queues it to
// every peer of from. It returns how many peers accepted the frame.
func (r *Router) Relay(ctx context.Context, from registry.Conn, messageType int, payload []byte) int {
	now := r.now()
	r.relayed.Add(1)
	r.submit(from, payload, now)

	peers := r.registry.Peers(from.EndpointID(), from.DeviceID())
	if len(peers) == 0 {
		return 0
	}

	t, err := r.modes.Get(ctx, from.EndpointID())
	if err != nil {
		r.log.Warn("relay mode lookup failed", "endpoint_id", from.EndpointID(), "err", err)
		r.failed.Add(uint64(len(peers)))
		return 0
	}
	out := t.Transform(payload, now)
	if t.Mode() == domain.ModeJSON {
		messageType = websocket.TextMessage
	}

	accepted := 0
	for _, peer := range peers {
		err := peer.Send(messageType, out)
		switch {
		case err == nil:
			accepted++
		case errors.Is(err, domain.ErrQueueOverflow):
			accepted++
			r.dropped.Add(1)
			r.log.Debug("peer outbox full, dropped oldest frame",
				"endpoint_id", peer.EndpointID(), "device_id", peer.DeviceID())
		default:
			// The peer disconnected after the snapshot; treat as offline.
			r.failed.Add(1)
		}
	}
	r.delivered.Add(uint64(accepted))
	return accepted
}

// Stats returns current counters.
func (r *Router) Stats() Stats {
	return Stats{
		Relayed:   r.relayed.Load(),
		Delivered: r.delivered.Load(),
		Dropped:   r.dropped.Load(),
		Failed:    r.failed.Load(),
	}
}

func (r *Router) submit(from registry.Conn, payload []byte, now time.Time) {
	if r.sink == nil {
		return
	}
	ev := domain.DataEvent{
		EndpointID: from.EndpointID(),
		DeviceID:   from.DeviceID(),
		Payload:    payload,
		ReceivedAt: now,
	}
	if json.Valid(payload) {
		ev.Data = json.RawMessage(payload)
	}
	r.sink.SubmitData(ev)
}

// Package gate enforces user bans and endpoint disables at the connection
// boundary: once at handshake, and again whenever a revocation event names a
// connected subject. It keeps no cache, so a lifted ban takes effect on the
// very next handshake.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/koltyakov/devrelay/internal/domain"
	"github.com/koltyakov/devrelay/internal/registry"
	"github.com/koltyakov/devrelay/internal/relayproto"
)

// Revocations is the ban/disable collaborator. The bool result reports
// whether the subject is currently revoked.
type Revocations interface {
	UserBan(ctx context.Context, userID string) (domain.BanState, bool, error)
	EndpointDisable(ctx context.Context, endpointID string) (domain.BanState, bool, error)
}

// Connections is the view of live connections the gate sweeps on events.
type Connections interface {
	Endpoint(endpointID string) []registry.Conn
	Each(fn func(registry.Conn))
}

// ConnContext identifies a connection being checked.
type ConnContext struct {
	UserID     string
	EndpointID string
	DeviceID   string
}

// Decision is the outcome of a checkpoint.
type Decision struct {
	Allowed bool
	Ban     domain.BanState
}

// Reason is the human-readable denial text carried in the close frame.
func (d Decision) Reason() string {
	if d.Allowed {
		return ""
	}
	subject := "user banned"
	if d.Ban.Kind == domain.SubjectEndpoint {
		subject = "endpoint disabled"
	}
	if d.Ban.Reason == "" {
		return subject
	}
	return subject + ": " + d.Ban.Reason
}

// Err returns a [domain.ErrPolicyDenied] wrapping the reason, or nil.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return fmt.Errorf("%w: %s", domain.ErrPolicyDenied, d.Reason())
}

// Gate evaluates access decisions.
type Gate struct {
	revocations Revocations
	conns       Connections
	log         *slog.Logger

	denied  atomic.Uint64
	evicted atomic.Uint64
}

// New returns a gate backed by revocations that evicts from conns.
func New(revocations Revocations, conns Connections, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{revocations: revocations, conns: conns, log: logger}
}

// Checkpoint consults the collaborator for both subjects. Collaborator errors
// are returned as-is and callers must treat them as a denial.
func (g *Gate) Checkpoint(ctx context.Context, cc ConnContext) (Decision, error) {
	d, err := g.check(ctx, cc)
	if err == nil && !d.Allowed {
		g.denied.Add(1)
	}
	return d, err
}

func (g *Gate) check(ctx context.Context, cc ConnContext) (Decision, error) {
	if cc.UserID != "" {
		ban, banned, err := g.revocations.UserBan(ctx, cc.UserID)
		if err != nil {
			return Decision{}, fmt.Errorf("check user ban: %w", err)
		}
		if banned {
			ban.Kind = domain.SubjectUser
			ban.SubjectID = cc.UserID
			return Decision{Ban: ban}, nil
		}
	}
	ban, disabled, err := g.revocations.EndpointDisable(ctx, cc.EndpointID)
	if err != nil {
		return Decision{}, fmt.Errorf("check endpoint disable: %w", err)
	}
	if disabled {
		ban.Kind = domain.SubjectEndpoint
		ban.SubjectID = cc.EndpointID
		return Decision{Ban: ban}, nil
	}
	return Decision{Allowed: true}, nil
}

// HandleEvent evicts every live connection named by a revoke event and
// returns how many were closed. Lift events need no action, and a revoke
// event the store no longer agrees with is treated as stale.
func (g *Gate) HandleEvent(ctx context.Context, ev domain.RevocationEvent) int {
	if !ev.Revoked {
		g.log.Info("revocation lifted", "kind", ev.Kind, "subject_id", ev.SubjectID)
		return 0
	}

	var targets []registry.Conn
	switch ev.Kind {
	case domain.SubjectEndpoint:
		targets = g.conns.Endpoint(ev.SubjectID)
	case domain.SubjectUser:
		g.conns.Each(func(c registry.Conn) {
			if c.UserID() == ev.SubjectID {
				targets = append(targets, c)
			}
		})
	default:
		g.log.Warn("unknown revocation kind", "kind", ev.Kind, "subject_id", ev.SubjectID)
		return 0
	}

	closed := 0
	for _, c := range targets {
		d, evict := g.decisionFor(ctx, c, ev)
		if !evict {
			g.log.Info("stale revocation ignored", "kind", ev.Kind, "subject_id", ev.SubjectID,
				"endpoint_id", c.EndpointID(), "device_id", c.DeviceID())
			continue
		}
		c.Close(relayproto.ClosePolicyViolation, d.Reason())
		closed++
		g.log.Info("connection evicted",
			"endpoint_id", c.EndpointID(),
			"device_id", c.DeviceID(),
			"reason", d.Reason())
	}
	g.evicted.Add(uint64(closed))
	return closed
}

// decisionFor re-checks the stored state. A store that reports the
// connection allowed means the revocation was lifted after the event was
// sent, so evict is false. When the store is unreachable the event wins.
func (g *Gate) decisionFor(ctx context.Context, c registry.Conn, ev domain.RevocationEvent) (Decision, bool) {
	d, err := g.check(ctx, ConnContext{UserID: c.UserID(), EndpointID: c.EndpointID(), DeviceID: c.DeviceID()})
	switch {
	case err == nil && d.Allowed:
		return d, false
	case err == nil && d.Ban.Kind == ev.Kind:
		return d, true
	case err != nil:
		g.log.Warn("revocation re-check failed, using event", "subject_id", ev.SubjectID, "err", err)
	}
	return Decision{Ban: domain.BanState{
		Kind:        ev.Kind,
		SubjectID:   ev.SubjectID,
		Reason:      ev.Reason,
		EffectiveAt: ev.At,
	}}, true
}

// Stats returns the number of handshakes denied and connections evicted.
func (g *Gate) Stats() (denied, evicted uint64) {
	return g.denied.Load(), g.evicted.Load()
}

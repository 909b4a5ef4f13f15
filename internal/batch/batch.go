// Package batch fans one command out to many devices. A batch owns nothing
// but the list of command ids it issued; its status is always recomputed
// from the correlator.
package batch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/koltyakov/devrelay/internal/command"
	"github.com/koltyakov/devrelay/internal/domain"
)

// Issuer is the subset of the correlator a batch needs.
type Issuer interface {
	Issue(ctx context.Context, endpointID, deviceID string, payload []byte, timeout time.Duration) (string, error)
	Query(id string) (command.Snapshot, error)
}

// Leg is one device of a batch. CommandID is empty when the command could
// not be issued; Error then says why.
type Leg struct {
	Target    domain.DeviceTarget
	CommandID string
	Error     string
	ErrorCode string
	FailedAt  time.Time
}

// Batch is the immutable record of a sent batch.
type Batch struct {
	ID        string
	CreatedAt time.Time
	Legs      []Leg
}

// LegStatus is the live state of one leg.
type LegStatus struct {
	Target     domain.DeviceTarget  `json:"target"`
	CommandID  string               `json:"command_id,omitempty"`
	Status     domain.CommandStatus `json:"status"`
	Error      string               `json:"error,omitempty"`
	ErrorCode  string               `json:"error_code,omitempty"`
	DurationMS *int64               `json:"duration_ms,omitempty"`
}

// Status is a live aggregate over every leg.
type Status struct {
	BatchID string      `json:"batch_id"`
	Done    bool        `json:"done"`
	Success int         `json:"success"`
	Failed  int         `json:"failed"`
	Pending int         `json:"pending"`
	Timeout int         `json:"timeout"`
	Legs    []LegStatus `json:"legs"`
}

// Orchestrator sends and tracks batches.
type Orchestrator struct {
	issuer Issuer
	log    *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	batches map[string]*entry
	pinned  map[string]int // command id -> number of live batches holding it
}

type entry struct {
	batch  Batch
	doneAt time.Time
}

// NewOrchestrator returns an orchestrator delegating to issuer.
func NewOrchestrator(issuer Issuer, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		issuer:  issuer,
		log:     logger,
		now:     time.Now,
		batches: make(map[string]*entry),
		pinned:  make(map[string]int),
	}
}

// errCodeCanceled marks legs never issued because the caller went away.
const errCodeCanceled = "CANCELED"

// Send issues payload to every distinct target. Offline targets become
// immediately failed legs. When ctx ends part way, the remaining legs fail
// with the context error and the batch is still recorded and returned
// together with that error, so commands already issued stay reachable.
func (o *Orchestrator) Send(ctx context.Context, targets []domain.DeviceTarget, payload []byte, timeout time.Duration) (Batch, error) {
	b := Batch{
		ID:        uuid.NewString(),
		CreatedAt: o.now(),
	}
	var ctxErr error
	seen := make(map[domain.DeviceTarget]struct{}, len(targets))
	for _, t := range targets {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}

		leg := Leg{Target: t}
		if ctxErr != nil {
			leg.Error = ctxErr.Error()
			leg.ErrorCode = errCodeCanceled
			leg.FailedAt = o.now()
			b.Legs = append(b.Legs, leg)
			continue
		}
		id, err := o.issuer.Issue(ctx, t.EndpointID, t.DeviceID, payload, timeout)
		if err != nil && ctx.Err() != nil {
			ctxErr = ctx.Err()
			leg.Error = ctxErr.Error()
			leg.ErrorCode = errCodeCanceled
			leg.FailedAt = o.now()
		} else if err != nil {
			leg.Error = err.Error()
			leg.ErrorCode = domain.Code(err)
			leg.FailedAt = o.now()
			if domain.Code(err) == "" && !errors.Is(err, domain.ErrEndpointNotFound) {
				o.log.Warn("batch leg failed", "batch_id", b.ID, "endpoint_id", t.EndpointID, "device_id", t.DeviceID, "err", err)
			}
		}
		leg.CommandID = id
		b.Legs = append(b.Legs, leg)
	}

	o.mu.Lock()
	o.batches[b.ID] = &entry{batch: b}
	for _, leg := range b.Legs {
		if leg.CommandID != "" {
			o.pinned[leg.CommandID]++
		}
	}
	o.mu.Unlock()
	if ctxErr != nil {
		o.log.Warn("batch interrupted", "batch_id", b.ID, "legs", len(b.Legs), "err", ctxErr)
	}
	return b, ctxErr
}

// Status recomputes the aggregate of batch id from its legs.
func (o *Orchestrator) Status(id string) (Status, error) {
	o.mu.RLock()
	e, ok := o.batches[id]
	var b Batch
	if ok {
		b = e.batch
	}
	o.mu.RUnlock()
	if !ok {
		return Status{}, domain.ErrBatchNotFound
	}

	st := Status{BatchID: b.ID, Legs: make([]LegStatus, 0, len(b.Legs))}
	for _, leg := range b.Legs {
		ls := o.legStatus(leg)
		switch ls.Status {
		case domain.CommandSuccess:
			st.Success++
		case domain.CommandFailed:
			st.Failed++
		case domain.CommandTimeout:
			st.Timeout++
		default:
			st.Pending++
		}
		st.Legs = append(st.Legs, ls)
	}
	st.Done = st.Pending == 0

	if st.Done {
		now := o.now()
		o.mu.Lock()
		if e, ok := o.batches[id]; ok && e.doneAt.IsZero() {
			e.doneAt = now
		}
		o.mu.Unlock()
	}
	return st, nil
}

func (o *Orchestrator) legStatus(leg Leg) LegStatus {
	ls := LegStatus{Target: leg.Target, CommandID: leg.CommandID}
	if leg.CommandID == "" {
		ls.Status = domain.CommandFailed
		ls.Error = leg.Error
		ls.ErrorCode = leg.ErrorCode
		return ls
	}
	snap, err := o.issuer.Query(leg.CommandID)
	if err != nil {
		// The command record expired from the correlator.
		ls.Status = domain.CommandFailed
		ls.Error = err.Error()
		return ls
	}
	ls.Status = snap.Status
	ls.Error = snap.Error
	if snap.Status == domain.CommandTimeout {
		ls.ErrorCode = "TIMEOUT"
	}
	if d, ok := snap.Duration(); ok {
		ms := d.Milliseconds()
		ls.DurationMS = &ms
	}
	return ls
}

// Holds reports whether a retained batch still references commandID.
func (o *Orchestrator) Holds(commandID string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.pinned[commandID] > 0
}

// Purge forgets batches that were first seen complete before cutoff and
// releases their commands for the correlator to purge. Completion is
// recomputed here, so batches nobody polled still age out.
func (o *Orchestrator) Purge(cutoff time.Time) int {
	o.mu.RLock()
	ids := make([]string, 0, len(o.batches))
	for id := range o.batches {
		ids = append(ids, id)
	}
	o.mu.RUnlock()

	removed := 0
	for _, id := range ids {
		if st, err := o.Status(id); err != nil || !st.Done {
			continue
		}
		o.mu.Lock()
		e, ok := o.batches[id]
		if ok && !e.doneAt.IsZero() && e.doneAt.Before(cutoff) {
			for _, leg := range e.batch.Legs {
				if leg.CommandID == "" {
					continue
				}
				if o.pinned[leg.CommandID]--; o.pinned[leg.CommandID] <= 0 {
					delete(o.pinned, leg.CommandID)
				}
			}
			delete(o.batches, id)
			removed++
		}
		o.mu.Unlock()
	}
	return removed
}

// Len returns the number of retained batches.
func (o *Orchestrator) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.batches)
}

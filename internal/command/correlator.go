// Package command turns a control instruction into a correlated
// request/response. Each command moves from pending to exactly one of
// success, failed, or timeout; the first resolution wins and later ones are
// discarded.
package command

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"github.com/koltyakov/devrelay/internal/domain"
	"github.com/koltyakov/devrelay/internal/registry"
	"github.com/koltyakov/devrelay/internal/relayproto"
	"github.com/koltyakov/devrelay/internal/transform"
)

const (
	shardCount = 32

	DefaultTimeout    = 30 * time.Second
	DefaultMaxTimeout = 5 * time.Minute
	DefaultRetention  = 15 * time.Minute
)

// Locator finds the live connection for a device.
type Locator interface {
	Lookup(endpointID, deviceID string) (registry.Conn, bool)
}

// Transformers resolves the forwarding transformer of an endpoint.
type Transformers interface {
	Get(ctx context.Context, endpointID string) (transform.Transformer, error)
}

// ResultSubmitter receives one event per terminal resolution.
type ResultSubmitter interface {
	SubmitResult(res domain.CommandResult) bool
}

// Options configures a [Correlator].
type Options struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	Results        ResultSubmitter
	Logger         *slog.Logger
}

// Snapshot is a point-in-time copy of a command's state.
type Snapshot struct {
	ID         string               `json:"command_id"`
	EndpointID string               `json:"endpoint_id"`
	DeviceID   string               `json:"device_id"`
	Status     domain.CommandStatus `json:"status"`
	IssuedAt   time.Time            `json:"issued_at"`
	Deadline   time.Time            `json:"deadline"`
	ResolvedAt time.Time            `json:"resolved_at,omitzero"`
	Error      string               `json:"error,omitempty"`
}

// Duration is resolution time minus issue time. It is only defined once the
// command has resolved.
func (s Snapshot) Duration() (time.Duration, bool) {
	if !s.Status.Terminal() {
		return 0, false
	}
	return s.ResolvedAt.Sub(s.IssuedAt), true
}

// Stats is a snapshot of correlator counters.
type Stats struct {
	Pending   int    `json:"pending"`
	Issued    uint64 `json:"issued"`
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
	TimedOut  uint64 `json:"timed_out"`
	Offline   uint64 `json:"offline"`
	Malformed uint64 `json:"malformed_acks"`
}

type record struct {
	id         string
	endpointID string
	deviceID   string
	issuedAt   time.Time
	deadline   time.Time
	status     domain.CommandStatus
	resolvedAt time.Time
	errMsg     string
	done       chan struct{}
}

func (r *record) snapshot() Snapshot {
	return Snapshot{
		ID:         r.id,
		EndpointID: r.endpointID,
		DeviceID:   r.deviceID,
		Status:     r.status,
		IssuedAt:   r.issuedAt,
		Deadline:   r.deadline,
		ResolvedAt: r.resolvedAt,
		Error:      r.errMsg,
	}
}

type shard struct {
	mu      sync.Mutex
	records map[string]*record
}

// Correlator owns every in-flight and recently resolved command.
type Correlator struct {
	locator        Locator
	transformers   Transformers
	results        ResultSubmitter
	log            *slog.Logger
	defaultTimeout time.Duration
	maxTimeout     time.Duration
	now            func() time.Time

	shards   [shardCount]shard
	deadline *deadlineQueue

	pending   atomic.Int64
	issued    atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	timedOut  atomic.Uint64
	offline   atomic.Uint64
	malformed atomic.Uint64
}

// New returns a correlator. [Correlator.Run] must be running for deadlines
// to fire.
func New(locator Locator, transformers Transformers, opts Options) *Correlator {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.MaxTimeout <= 0 {
		opts.MaxTimeout = DefaultMaxTimeout
	}
	if opts.MaxTimeout < opts.DefaultTimeout {
		opts.MaxTimeout = opts.DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &Correlator{
		locator:        locator,
		transformers:   transformers,
		results:        opts.Results,
		log:            opts.Logger,
		defaultTimeout: opts.DefaultTimeout,
		maxTimeout:     opts.MaxTimeout,
		now:            time.Now,
		deadline:       newDeadlineQueue(),
	}
	for i := range c.shards {
		c.shards[i].records = make(map[string]*record)
	}
	return c
}

// ClampTimeout applies the default to non-positive values and caps the
// result at the configured maximum.
func (c *Correlator) ClampTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return c.defaultTimeout
	}
	if timeout > c.maxTimeout {
		return c.maxTimeout
	}
	return timeout
}

// Issue delivers payload to the device as a command frame and records it as
// pending. It fails with [domain.ErrDeviceOffline] when the device has no
// live connection or the connection dies during the write; no record is
// kept in that case.
func (c *Correlator) Issue(ctx context.Context, endpointID, deviceID string, payload []byte, timeout time.Duration) (string, error) {
	conn, ok := c.locator.Lookup(endpointID, deviceID)
	if !ok {
		c.offline.Add(1)
		return "", &domain.RelayError{EndpointID: endpointID, DeviceID: deviceID, Op: "issue command", Err: domain.ErrDeviceOffline}
	}
	tr, err := c.transformers.Get(ctx, endpointID)
	if err != nil {
		return "", &domain.RelayError{EndpointID: endpointID, DeviceID: deviceID, Op: "resolve forwarding mode", Err: err}
	}

	id, err := newCommandID()
	if err != nil {
		return "", err
	}
	now := c.now()
	rec := &record{
		id:         id,
		endpointID: endpointID,
		deviceID:   deviceID,
		issuedAt:   now,
		deadline:   now.Add(c.ClampTimeout(timeout)),
		status:     domain.CommandPending,
		done:       make(chan struct{}),
	}

	// Stored before the write so an immediate ack always finds its record.
	s := c.shard(id)
	s.mu.Lock()
	s.records[id] = rec
	s.mu.Unlock()
	c.pending.Add(1)

	out := tr.Transform(relayproto.CommandFrame(id, payload, now), now)
	messageType := websocket.TextMessage
	if !utf8.Valid(out) {
		messageType = websocket.BinaryMessage
	}
	if err := conn.Send(messageType, out); err != nil && !errors.Is(err, domain.ErrQueueOverflow) {
		s.mu.Lock()
		delete(s.records, id)
		s.mu.Unlock()
		c.pending.Add(-1)
		c.offline.Add(1)
		return "", &domain.RelayError{EndpointID: endpointID, DeviceID: deviceID, Op: "issue command", Err: fmt.Errorf("%w: %v", domain.ErrDeviceOffline, err)}
	}

	c.issued.Add(1)
	c.deadline.push(rec.deadline, id)
	c.log.Debug("command issued", "command_id", id, "endpoint_id", endpointID, "device_id", deviceID, "deadline", rec.deadline)
	return id, nil
}

// Acknowledge resolves a pending command to success or failed. It returns
// false when the command is unknown or already resolved.
func (c *Correlator) Acknowledge(id string, success bool, errMsg string) bool {
	status := domain.CommandSuccess
	if !success {
		status = domain.CommandFailed
	}
	return c.resolve(id, status, errMsg, c.now(), time.Time{})
}

// AcknowledgeFrom resolves id on behalf of the device that sent the ack.
// Acks for unknown commands or from a device other than the target return
// [domain.ErrMalformedAck]. A valid but late ack returns false, nil.
func (c *Correlator) AcknowledgeFrom(endpointID, deviceID string, ack relayproto.Ack) (bool, error) {
	s := c.shard(ack.CommandID)
	s.mu.Lock()
	rec, ok := s.records[ack.CommandID]
	matches := ok && rec.endpointID == endpointID && rec.deviceID == deviceID
	s.mu.Unlock()
	if !matches {
		c.malformed.Add(1)
		return false, &domain.RelayError{EndpointID: endpointID, DeviceID: deviceID, Op: "ack " + ack.CommandID, Err: domain.ErrMalformedAck}
	}
	return c.Acknowledge(ack.CommandID, ack.Success, ack.Error), nil
}

// Query returns the current state of id.
func (c *Correlator) Query(id string) (Snapshot, error) {
	s := c.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return Snapshot{}, domain.ErrCommandNotFound
	}
	return rec.snapshot(), nil
}

// Await blocks until id resolves or ctx is done, then returns its state. On
// ctx expiry the pending snapshot is returned together with ctx.Err().
func (c *Correlator) Await(ctx context.Context, id string) (Snapshot, error) {
	s := c.shard(id)
	s.mu.Lock()
	rec, ok := s.records[id]
	s.mu.Unlock()
	if !ok {
		return Snapshot{}, domain.ErrCommandNotFound
	}

	select {
	case <-rec.done:
	case <-ctx.Done():
		snap, err := c.Query(id)
		if err != nil {
			return snap, err
		}
		return snap, ctx.Err()
	}
	return c.Query(id)
}

// Purge drops resolved commands whose resolution is older than cutoff,
// skipping ids for which keep returns true. It returns the number removed.
func (c *Correlator) Purge(cutoff time.Time, keep func(id string) bool) int {
	removed := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		for id, rec := range s.records {
			if !rec.status.Terminal() || !rec.resolvedAt.Before(cutoff) {
				continue
			}
			if keep != nil && keep(id) {
				continue
			}
			delete(s.records, id)
			removed++
		}
		s.mu.Unlock()
	}
	return removed
}

// Stats returns current counters.
func (c *Correlator) Stats() Stats {
	return Stats{
		Pending:   int(c.pending.Load()),
		Issued:    c.issued.Load(),
		Succeeded: c.succeeded.Load(),
		Failed:    c.failed.Load(),
		TimedOut:  c.timedOut.Load(),
		Offline:   c.offline.Load(),
		Malformed: c.malformed.Load(),
	}
}

// Run drives deadline expiry until ctx is canceled.
func (c *Correlator) Run(ctx context.Context) error {
	timer := time.NewTimer(idleWait)
	defer timer.Stop()

	for {
		next, ok := c.deadline.peek()
		wait := idleWait
		if ok {
			wait = max(next.Sub(c.now()), 0)
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return nil
		case <-c.deadline.wake:
		case <-timer.C:
			c.expireDue()
		}
	}
}

func (c *Correlator) expireDue() {
	now := c.now()
	for _, id := range c.deadline.popDue(now) {
		if c.resolve(id, domain.CommandTimeout, domain.ErrCommandTimeout.Error(), now, now) {
			c.log.Info("command timed out", "command_id", id)
		}
	}
}

// resolve applies a terminal status if id is still pending. When notBefore
// is set the record's deadline must not be after it.
func (c *Correlator) resolve(id string, status domain.CommandStatus, errMsg string, at, notBefore time.Time) bool {
	s := c.shard(id)
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok || rec.status != domain.CommandPending {
		s.mu.Unlock()
		return false
	}
	if !notBefore.IsZero() && rec.deadline.After(notBefore) {
		s.mu.Unlock()
		return false
	}
	rec.status = status
	rec.resolvedAt = at
	rec.errMsg = errMsg
	close(rec.done)
	snap := rec.snapshot()
	s.mu.Unlock()

	c.pending.Add(-1)
	switch status {
	case domain.CommandSuccess:
		c.succeeded.Add(1)
	case domain.CommandFailed:
		c.failed.Add(1)
	case domain.CommandTimeout:
		c.timedOut.Add(1)
	}
	if c.results != nil {
		d, _ := snap.Duration()
		c.results.SubmitResult(domain.CommandResult{
			CommandID:  snap.ID,
			EndpointID: snap.EndpointID,
			DeviceID:   snap.DeviceID,
			Status:     snap.Status,
			IssuedAt:   snap.IssuedAt,
			ResolvedAt: snap.ResolvedAt,
			Duration:   d,
			Error:      snap.Error,
		})
	}
	return true
}

func (c *Correlator) shard(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &c.shards[h.Sum32()%shardCount]
}

func newCommandID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("crypto/rand: %w", err)
	}
	return "cmd_" + hex.EncodeToString(b), nil
}

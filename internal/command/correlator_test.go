package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/koltyakov/devrelay/internal/domain"
	"github.com/koltyakov/devrelay/internal/log"
	"github.com/koltyakov/devrelay/internal/registry"
	"github.com/koltyakov/devrelay/internal/relayproto"
	"github.com/koltyakov/devrelay/internal/transform"
)

type deviceConn struct {
	endpoint string
	device   string
	sendErr  error

	mu     sync.Mutex
	frames [][]byte
}

func (c *deviceConn) ID() string             { return c.endpoint + "/" + c.device }
func (c *deviceConn) EndpointID() string     { return c.endpoint }
func (c *deviceConn) DeviceID() string       { return c.device }
func (c *deviceConn) UserID() string         { return "u1" }
func (c *deviceConn) ConnectedAt() time.Time { return time.Time{} }
func (c *deviceConn) Close(int, string)      {}

func (c *deviceConn) Send(_ int, payload []byte) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, payload)
	return nil
}

func (c *deviceConn) last() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frames) == 0 {
		return ""
	}
	return string(c.frames[len(c.frames)-1])
}

type fixedModes map[string]transform.Transformer

func (m fixedModes) Get(_ context.Context, endpointID string) (transform.Transformer, error) {
	if t, ok := m[endpointID]; ok {
		return t, nil
	}
	return transform.Must(domain.ModeDirect, ""), nil
}

type resultLog struct {
	mu      sync.Mutex
	results []domain.CommandResult
}

func (r *resultLog) SubmitResult(res domain.CommandResult) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
	return true
}

func (r *resultLog) byID() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.results))
	for _, res := range r.results {
		out[res.CommandID]++
	}
	return out
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCorrelator(t *testing.T, modes fixedModes, opts Options) (*Correlator, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	if opts.Logger == nil {
		opts.Logger = log.Discard()
	}
	return New(reg, modes, opts), reg
}

func runCorrelator(t *testing.T, c *Correlator) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestIssueOfflineCreatesNoRecord(t *testing.T) {
	t.Parallel()

	c, _ := newTestCorrelator(t, nil, Options{})
	_, err := c.Issue(context.Background(), "E", "A", []byte(`{"cmd":"reboot"}`), time.Second)
	if !errors.Is(err, domain.ErrDeviceOffline) {
		t.Fatalf("expected ErrDeviceOffline, got %v", err)
	}
	if domain.Code(err) != "DEVICE_OFFLINE" {
		t.Fatalf("unexpected code %q", domain.Code(err))
	}
	st := c.Stats()
	if st.Pending != 0 || st.Issued != 0 || st.Offline != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
	if c.deadline.len() != 0 {
		t.Fatal("offline issue must not schedule a deadline")
	}
}

func TestIssueToDeadHandleIsOffline(t *testing.T) {
	t.Parallel()

	c, reg := newTestCorrelator(t, nil, Options{})
	reg.Register(&deviceConn{endpoint: "E", device: "A", sendErr: errors.New("outbox closed")})

	_, err := c.Issue(context.Background(), "E", "A", []byte(`{}`), time.Second)
	if !errors.Is(err, domain.ErrDeviceOffline) {
		t.Fatalf("expected ErrDeviceOffline, got %v", err)
	}
	if n := c.Purge(time.Now().Add(time.Hour), nil); n != 0 {
		t.Fatalf("expected no records to exist, purged %d", n)
	}
	if st := c.Stats(); st.Pending != 0 {
		t.Fatalf("expected no pending commands, got %d", st.Pending)
	}
}

func TestIssueWritesCommandFrame(t *testing.T) {
	t.Parallel()

	modes := fixedModes{
		"E": transform.Must(domain.ModeJSON, ""),
		"H": transform.Must(domain.ModeCustomHeader, "DEV:"),
	}
	c, reg := newTestCorrelator(t, modes, Options{})
	clock := &manualClock{now: time.UnixMilli(1000)}
	c.now = clock.Now

	jsonDev := &deviceConn{endpoint: "E", device: "A"}
	headerDev := &deviceConn{endpoint: "H", device: "A"}
	reg.Register(jsonDev)
	reg.Register(headerDev)

	id, err := c.Issue(context.Background(), "E", "A", []byte(`{"cmd":"reboot"}`), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(id, "cmd_") || len(id) != len("cmd_")+32 {
		t.Fatalf("unexpected command id %q", id)
	}
	want := fmt.Sprintf(`{"type":"command","commandId":"%s","data":{"cmd":"reboot"},"timestamp":1000}`, id)
	if got := jsonDev.last(); got != want {
		t.Fatalf("got %s, want %s", got, want)
	}

	id2, err := c.Issue(context.Background(), "H", "A", []byte(`{"cmd":"reboot"}`), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if got := headerDev.last(); !strings.HasPrefix(got, `DEV:{"type":"command","commandId":"`+id2+`"`) {
		t.Fatalf("unexpected custom header frame %s", got)
	}
}

func TestAcknowledgeSuccessRecordsDuration(t *testing.T) {
	t.Parallel()

	results := &resultLog{}
	c, reg := newTestCorrelator(t, nil, Options{Results: results})
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	c.now = clock.Now
	reg.Register(&deviceConn{endpoint: "E", device: "A"})

	id, err := c.Issue(context.Background(), "E", "A", []byte(`{"cmd":"reboot"}`), 3*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	snap, err := c.Query(id)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Status != domain.CommandPending {
		t.Fatalf("expected pending, got %s", snap.Status)
	}
	if _, ok := snap.Duration(); ok {
		t.Fatal("duration must be undefined while pending")
	}

	clock.Advance(time.Second)
	ok, err := c.AcknowledgeFrom("E", "A", relayproto.Ack{CommandID: id, Success: true})
	if err != nil || !ok {
		t.Fatalf("expected ack to resolve, ok=%v err=%v", ok, err)
	}

	snap, _ = c.Query(id)
	if snap.Status != domain.CommandSuccess {
		t.Fatalf("expected success, got %s", snap.Status)
	}
	if d, ok := snap.Duration(); !ok || d != time.Second {
		t.Fatalf("expected duration 1s, got %v (%v)", d, ok)
	}
	if c.Acknowledge(id, false, "late") {
		t.Fatal("second resolution must be rejected")
	}
	if got := results.byID()[id]; got != 1 {
		t.Fatalf("expected exactly one result event, got %d", got)
	}
}

func TestAcknowledgeFromWrongDeviceIsMalformed(t *testing.T) {
	t.Parallel()

	c, reg := newTestCorrelator(t, nil, Options{})
	reg.Register(&deviceConn{endpoint: "E", device: "A"})
	id, err := c.Issue(context.Background(), "E", "A", []byte(`{}`), time.Second)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := c.AcknowledgeFrom("E", "B", relayproto.Ack{CommandID: id, Success: true}); !errors.Is(err, domain.ErrMalformedAck) {
		t.Fatalf("expected ErrMalformedAck, got %v", err)
	}
	if _, err := c.AcknowledgeFrom("E", "A", relayproto.Ack{CommandID: "cmd_unknown"}); !errors.Is(err, domain.ErrMalformedAck) {
		t.Fatalf("expected ErrMalformedAck for unknown id, got %v", err)
	}
	if snap, _ := c.Query(id); snap.Status != domain.CommandPending {
		t.Fatalf("malformed ack must not resolve command, got %s", snap.Status)
	}
	if st := c.Stats(); st.Malformed != 2 {
		t.Fatalf("expected 2 malformed acks, got %d", st.Malformed)
	}
}

func TestTimeoutFiresAfterDeadlineAndLateAckIsRejected(t *testing.T) {
	t.Parallel()

	results := &resultLog{}
	c, reg := newTestCorrelator(t, nil, Options{Results: results})
	reg.Register(&deviceConn{endpoint: "E", device: "A"})
	runCorrelator(t, c)

	id, err := c.Issue(context.Background(), "E", "A", []byte(`{"cmd":"reboot"}`), 60*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snap, err := c.Await(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Status != domain.CommandTimeout {
		t.Fatalf("expected timeout, got %s", snap.Status)
	}
	if snap.ResolvedAt.Before(snap.Deadline) {
		t.Fatalf("timeout fired early: resolved %s deadline %s", snap.ResolvedAt, snap.Deadline)
	}
	if d, _ := snap.Duration(); d < 60*time.Millisecond {
		t.Fatalf("timeout duration shorter than timeout: %s", d)
	}

	ok, err := c.AcknowledgeFrom("E", "A", relayproto.Ack{CommandID: id, Success: true})
	if err != nil || ok {
		t.Fatalf("late ack must be a no-op, ok=%v err=%v", ok, err)
	}
	if snap, _ := c.Query(id); snap.Status != domain.CommandTimeout {
		t.Fatalf("status changed after late ack: %s", snap.Status)
	}
	if got := results.byID()[id]; got != 1 {
		t.Fatalf("expected exactly one result event, got %d", got)
	}
}

func TestAckAndDeadlineRaceResolvesOnce(t *testing.T) {
	t.Parallel()

	results := &resultLog{}
	c, reg := newTestCorrelator(t, nil, Options{Results: results})
	reg.Register(&deviceConn{endpoint: "E", device: "A"})
	runCorrelator(t, c)

	const n = 200
	ids := make([]string, n)
	for i := range ids {
		id, err := c.Issue(context.Background(), "E", "A", []byte(`{}`), 20*time.Millisecond)
		if err != nil {
			t.Fatal(err)
		}
		ids[i] = id
	}

	var wins atomic.Int64
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			time.Sleep(20 * time.Millisecond)
			if c.Acknowledge(id, true, "") {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	timeouts := 0
	for _, id := range ids {
		snap, err := c.Await(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		switch snap.Status {
		case domain.CommandTimeout:
			timeouts++
		case domain.CommandSuccess:
		default:
			t.Fatalf("unexpected status %s", snap.Status)
		}
	}
	if int(wins.Load())+timeouts != n {
		t.Fatalf("each command must resolve exactly once: acks=%d timeouts=%d", wins.Load(), timeouts)
	}
	for _, id := range ids {
		if got := results.byID()[id]; got != 1 {
			t.Fatalf("command %s emitted %d results", id, got)
		}
	}
	if st := c.Stats(); st.Pending != 0 {
		t.Fatalf("expected no pending commands, got %d", st.Pending)
	}
}

func TestClampTimeout(t *testing.T) {
	t.Parallel()

	c, reg := newTestCorrelator(t, nil, Options{DefaultTimeout: 2 * time.Second, MaxTimeout: time.Minute})
	reg.Register(&deviceConn{endpoint: "E", device: "A"})

	if got := c.ClampTimeout(0); got != 2*time.Second {
		t.Fatalf("expected default for zero timeout, got %s", got)
	}
	id, err := c.Issue(context.Background(), "E", "A", []byte(`{}`), time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	snap, _ := c.Query(id)
	if got := snap.Deadline.Sub(snap.IssuedAt); got != time.Minute {
		t.Fatalf("expected deadline clamped to 1m, got %s", got)
	}
}

func TestAwaitHonorsContext(t *testing.T) {
	t.Parallel()

	c, reg := newTestCorrelator(t, nil, Options{})
	reg.Register(&deviceConn{endpoint: "E", device: "A"})
	id, err := c.Issue(context.Background(), "E", "A", []byte(`{}`), time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	snap, err := c.Await(ctx, id)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if snap.Status != domain.CommandPending {
		t.Fatalf("expected pending snapshot, got %s", snap.Status)
	}
	if _, err := c.Await(context.Background(), "cmd_missing"); !errors.Is(err, domain.ErrCommandNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPurgeKeepsPendingAndPinned(t *testing.T) {
	t.Parallel()

	c, reg := newTestCorrelator(t, nil, Options{})
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	c.now = clock.Now
	reg.Register(&deviceConn{endpoint: "E", device: "A"})

	issue := func() string {
		id, err := c.Issue(context.Background(), "E", "A", []byte(`{}`), time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		return id
	}
	pending := issue()
	resolved := issue()
	pinned := issue()
	c.Acknowledge(resolved, true, "")
	c.Acknowledge(pinned, false, "boom")

	clock.Advance(time.Hour)
	removed := c.Purge(clock.Now().Add(-time.Minute), func(id string) bool { return id == pinned })
	if removed != 1 {
		t.Fatalf("expected 1 purged command, got %d", removed)
	}
	if _, err := c.Query(resolved); !errors.Is(err, domain.ErrCommandNotFound) {
		t.Fatalf("expected resolved command purged, got %v", err)
	}
	if _, err := c.Query(pending); err != nil {
		t.Fatalf("pending command must survive purge: %v", err)
	}
	if snap, err := c.Query(pinned); err != nil || snap.Error != "boom" {
		t.Fatalf("pinned command must survive purge: %+v %v", snap, err)
	}
}

func BenchmarkIssueAcknowledge(b *testing.B) {
	reg := registry.New()
	reg.Register(&deviceConn{endpoint: "E", device: "A"})
	c := New(reg, fixedModes{}, Options{Logger: log.Discard()})
	b.ReportAllocs()
	for b.Loop() {
		id, err := c.Issue(context.Background(), "E", "A", []byte(`{"cmd":"noop"}`), time.Minute)
		if err != nil {
			b.Fatal(err)
		}
		c.Acknowledge(id, true, "")
	}
}

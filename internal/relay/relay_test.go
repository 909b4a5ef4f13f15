package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koltyakov/devrelay/internal/domain"
	"github.com/koltyakov/devrelay/internal/registry"
)

type recordingConn struct {
	endpoint string
	device   string

	mu     sync.Mutex
	frames []Frame
	err    error
}

func (c *recordingConn) ID() string             { return c.endpoint + "/" + c.device }
func (c *recordingConn) EndpointID() string     { return c.endpoint }
func (c *recordingConn) DeviceID() string       { return c.device }
func (c *recordingConn) UserID() string         { return "u1" }
func (c *recordingConn) ConnectedAt() time.Time { return time.Time{} }
func (c *recordingConn) Close(int, string)      {}

func (c *recordingConn) Send(mt int, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.frames = append(c.frames, Frame{MessageType: mt, Payload: payload})
	return nil
}

func (c *recordingConn) received() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Frame(nil), c.frames...)
}

type staticModes map[string]struct {
	mode   domain.ForwardMode
	header string
}

func (m staticModes) EndpointMode(_ context.Context, id string) (domain.ForwardMode, string, error) {
	v, ok := m[id]
	if !ok {
		return "", "", domain.ErrEndpointNotFound
	}
	return v.mode, v.header, nil
}

type countingSink struct {
	mu     sync.Mutex
	events []domain.DataEvent
}

func (s *countingSink) SubmitData(ev domain.DataEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return true
}

func newTestRouter(modes staticModes, sink DataSubmitter) (*Router, *registry.Registry) {
	reg := registry.New()
	r := NewRouter(reg, NewModeCache(modes), sink, nil)
	r.now = func() time.Time { return time.UnixMilli(5000) }
	return r, reg
}

func TestRelayJSONModeWrapsRawText(t *testing.T) {
	t.Parallel()

	sink := &countingSink{}
	r, reg := newTestRouter(staticModes{"E": {mode: domain.ModeJSON}}, sink)
	a := &recordingConn{endpoint: "E", device: "A"}
	b := &recordingConn{endpoint: "E", device: "B"}
	reg.Register(a)
	reg.Register(b)

	if n := r.Relay(context.Background(), a, websocket.BinaryMessage, []byte("hello")); n != 1 {
		t.Fatalf("expected one peer to receive the frame, got %d", n)
	}

	got := b.received()
	if len(got) != 1 {
		t.Fatalf("expected 1 frame on B, got %d", len(got))
	}
	want := `{"type":"raw","data":"hello","timestamp":5000}`
	if string(got[0].Payload) != want {
		t.Fatalf("got %s, want %s", got[0].Payload, want)
	}
	if got[0].MessageType != websocket.TextMessage {
		t.Fatalf("expected json envelope to be sent as text, got %d", got[0].MessageType)
	}
	if len(a.received()) != 0 {
		t.Fatal("sender must not receive its own frame")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) != 1 || sink.events[0].DeviceID != "A" || string(sink.events[0].Payload) != "hello" {
		t.Fatalf("unexpected ingest events: %+v", sink.events)
	}
	if sink.events[0].Data != nil {
		t.Fatal("non-json payload must not carry structured data")
	}
}

func TestRelayCustomHeaderAndIsolation(t *testing.T) {
	t.Parallel()

	r, reg := newTestRouter(staticModes{
		"E": {mode: domain.ModeCustomHeader, header: "H:"},
		"F": {mode: domain.ModeDirect},
	}, nil)
	a := &recordingConn{endpoint: "E", device: "A"}
	b := &recordingConn{endpoint: "E", device: "B"}
	other := &recordingConn{endpoint: "F", device: "B"}
	reg.Register(a)
	reg.Register(b)
	reg.Register(other)

	r.Relay(context.Background(), a, websocket.BinaryMessage, []byte{0x01, 0x02})

	got := b.received()
	if len(got) != 1 || string(got[0].Payload) != "H:\x01\x02" {
		t.Fatalf("unexpected custom header output: %+v", got)
	}
	if got[0].MessageType != websocket.BinaryMessage {
		t.Fatal("custom header mode must keep the original message type")
	}
	if len(other.received()) != 0 {
		t.Fatal("frames must not cross endpoints")
	}
}

func TestRelayPreservesSenderOrder(t *testing.T) {
	t.Parallel()

	r, reg := newTestRouter(staticModes{"E": {mode: domain.ModeDirect}}, nil)
	a := &recordingConn{endpoint: "E", device: "A"}
	b := &recordingConn{endpoint: "E", device: "B"}
	reg.Register(a)
	reg.Register(b)

	for i := range 50 {
		r.Relay(context.Background(), a, websocket.BinaryMessage, []byte{byte(i)})
	}
	got := b.received()
	if len(got) != 50 {
		t.Fatalf("expected 50 frames, got %d", len(got))
	}
	for i, f := range got {
		if f.Payload[0] != byte(i) {
			t.Fatalf("frame %d out of order: %v", i, f.Payload)
		}
	}
}

func TestRelayCountsOverflowAndDeadPeers(t *testing.T) {
	t.Parallel()

	r, reg := newTestRouter(staticModes{"E": {mode: domain.ModeDirect}}, nil)
	a := &recordingConn{endpoint: "E", device: "A"}
	full := &recordingConn{endpoint: "E", device: "B", err: domain.ErrQueueOverflow}
	dead := &recordingConn{endpoint: "E", device: "C", err: ErrOutboxClosed}
	reg.Register(a)
	reg.Register(full)
	reg.Register(dead)

	if n := r.Relay(context.Background(), a, websocket.TextMessage, []byte("x")); n != 1 {
		t.Fatalf("expected overflowed peer to count as accepted, got %d", n)
	}
	st := r.Stats()
	if st.Relayed != 1 || st.Delivered != 1 || st.Dropped != 1 || st.Failed != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestModeCacheInvalidate(t *testing.T) {
	t.Parallel()

	modes := staticModes{"E": {mode: domain.ModeDirect}}
	cache := NewModeCache(modes)
	tr, err := cache.Get(context.Background(), "E")
	if err != nil || tr.Mode() != domain.ModeDirect {
		t.Fatalf("unexpected transformer: %v %v", tr, err)
	}
	if err := cache.Set("E", domain.ModeJSON, ""); err != nil {
		t.Fatal(err)
	}
	tr, _ = cache.Get(context.Background(), "E")
	if tr.Mode() != domain.ModeJSON {
		t.Fatalf("expected json after set, got %s", tr.Mode())
	}
	cache.Invalidate("E")
	tr, _ = cache.Get(context.Background(), "E")
	if tr.Mode() != domain.ModeDirect {
		t.Fatalf("expected reload from loader after invalidate, got %s", tr.Mode())
	}
	if _, err := cache.Get(context.Background(), "missing"); !errors.Is(err, domain.ErrEndpointNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := cache.Set("E", domain.ModeCustomHeader, ""); err == nil {
		t.Fatal("expected invalid header pairing to be rejected")
	}
}

type gatedModes struct {
	mu      sync.Mutex
	mode    domain.ForwardMode
	entered chan struct{}
	release chan struct{}
}

func (m *gatedModes) EndpointMode(context.Context, string) (domain.ForwardMode, string, error) {
	m.mu.Lock()
	mode := m.mode
	m.mu.Unlock()
	if m.entered != nil {
		close(m.entered)
		m.entered = nil
		<-m.release
	}
	return mode, "", nil
}

func (m *gatedModes) setMode(mode domain.ForwardMode) {
	m.mu.Lock()
	m.mode = mode
	m.mu.Unlock()
}

func TestModeCacheInvalidateDuringLoad(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	modes := &gatedModes{mode: domain.ModeDirect, entered: entered, release: make(chan struct{})}
	cache := NewModeCache(modes)

	stale := make(chan domain.ForwardMode, 1)
	go func() {
		tr, err := cache.Get(context.Background(), "E")
		if err != nil {
			stale <- ""
			return
		}
		stale <- tr.Mode()
	}()

	<-entered
	modes.setMode(domain.ModeJSON)
	cache.Invalidate("E")
	close(modes.release)

	if got := <-stale; got != domain.ModeDirect {
		t.Fatalf("in-flight load should see the mode it read, got %s", got)
	}
	tr, err := cache.Get(context.Background(), "E")
	if err != nil {
		t.Fatal(err)
	}
	if tr.Mode() != domain.ModeJSON {
		t.Fatalf("expected json after invalidate, got %s", tr.Mode())
	}
}

func TestOutboxDropsOldestWhenFull(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	var mu sync.Mutex
	var written []string

	o := newOutboxWithWriter(func(f Frame) error {
		once.Do(func() {
			close(started)
			<-release
		})
		mu.Lock()
		written = append(written, string(f.Payload))
		mu.Unlock()
		return nil
	}, nil, 2)
	defer o.Close()

	if _, err := o.Enqueue(Frame{Payload: []byte("blocked")}); err != nil {
		t.Fatal(err)
	}
	<-started

	for _, p := range []string{"1", "2", "3", "4"} {
		if _, err := o.Enqueue(Frame{Payload: []byte(p)}); err != nil {
			t.Fatal(err)
		}
	}
	if o.Dropped() != 2 {
		t.Fatalf("expected 2 dropped frames, got %d", o.Dropped())
	}
	close(release)

	deadline := time.Now().Add(2 * time.Second)
	for o.Written() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"blocked", "3", "4"}
	if len(written) != len(want) {
		t.Fatalf("got %v, want %v", written, want)
	}
	for i := range want {
		if written[i] != want[i] {
			t.Fatalf("got %v, want %v", written, want)
		}
	}
}

func TestOutboxStopDoesNotWaitForWriter(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	o := newOutboxWithWriter(func(Frame) error {
		close(started)
		<-release
		return nil
	}, nil, 4)

	if _, err := o.Enqueue(Frame{Payload: []byte("slow")}); err != nil {
		t.Fatal(err)
	}
	<-started

	stopped := make(chan struct{})
	go func() {
		o.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on an in-flight write")
	}
	if _, err := o.Enqueue(Frame{Payload: []byte("late")}); !errors.Is(err, ErrOutboxClosed) {
		t.Fatalf("expected ErrOutboxClosed after stop, got %v", err)
	}
	select {
	case <-o.Done():
		t.Fatal("writer exited before its write returned")
	default:
	}

	close(release)
	select {
	case <-o.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("writer did not exit after the write returned")
	}
}

func TestOutboxWriteErrorClosesTransport(t *testing.T) {
	t.Parallel()

	closed := make(chan struct{})
	o := newOutboxWithWriter(func(Frame) error {
		return errors.New("broken pipe")
	}, func() { close(closed) }, 4)

	if _, err := o.Enqueue(Frame{Payload: []byte("x")}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("expected transport close after write failure")
	}
	<-o.Done()
	if _, err := o.Enqueue(Frame{Payload: []byte("y")}); !errors.Is(err, ErrOutboxClosed) {
		t.Fatalf("expected ErrOutboxClosed, got %v", err)
	}
}

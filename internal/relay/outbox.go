package relay

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrOutboxClosed is returned by [Outbox.Enqueue] after the outbox stopped.
var ErrOutboxClosed = errors.New("outbox closed")

// DefaultOutboxSize is the per-connection queue capacity when none is set.
const DefaultOutboxSize = 256

// Frame is one queued outbound WebSocket message.
type Frame struct {
	MessageType int
	Payload     []byte
}

// Outbox is a bounded FIFO of outbound frames drained by a single writer
// goroutine. When full, the oldest queued frame is dropped to make room, so
// producers never block on a slow peer.
type Outbox struct {
	writeFn func(Frame) error
	closeFn func()

	mu    sync.Mutex
	ring  []Frame
	head  int
	count int

	notify   chan struct{}
	stop     chan struct{}
	done     chan struct{}
	closed   atomic.Bool
	stopOnce sync.Once
	dropped  atomic.Uint64
	written  atomic.Uint64
}

// NewOutbox starts a writer for conn. Each write carries writeTimeout as its
// deadline; a failed write closes conn and stops the outbox.
func NewOutbox(conn *websocket.Conn, writeTimeout time.Duration, capacity int) *Outbox {
	return newOutboxWithWriter(func(f Frame) error {
		if conn == nil {
			return ErrOutboxClosed
		}
		if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			_ = conn.Close()
			return err
		}
		if err := conn.WriteMessage(f.MessageType, f.Payload); err != nil {
			_ = conn.Close()
			return err
		}
		return nil
	}, func() {
		if conn != nil {
			_ = conn.Close()
		}
	}, capacity)
}

func newOutboxWithWriter(writeFn func(Frame) error, closeFn func(), capacity int) *Outbox {
	if capacity <= 0 {
		capacity = DefaultOutboxSize
	}
	o := &Outbox{
		writeFn: writeFn,
		closeFn: closeFn,
		ring:    make([]Frame, capacity),
		notify:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go o.run()
	return o
}

// Enqueue appends f without blocking. dropped reports whether the oldest
// queued frame was discarded to make room.
func (o *Outbox) Enqueue(f Frame) (dropped bool, err error) {
	if o.closed.Load() {
		return false, ErrOutboxClosed
	}

	o.mu.Lock()
	if o.count == len(o.ring) {
		o.ring[o.head] = Frame{}
		o.head = (o.head + 1) % len(o.ring)
		o.count--
		dropped = true
	}
	o.ring[(o.head+o.count)%len(o.ring)] = f
	o.count++
	o.mu.Unlock()

	if dropped {
		o.dropped.Add(1)
	}
	select {
	case o.notify <- struct{}{}:
	default:
	}
	return dropped, nil
}

// Len returns the number of queued frames.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.count
}

// Dropped returns how many frames were discarded because the queue was full.
func (o *Outbox) Dropped() uint64 { return o.dropped.Load() }

// Written returns how many frames reached the transport.
func (o *Outbox) Written() uint64 { return o.written.Load() }

// Done is closed once the writer goroutine has exited.
func (o *Outbox) Done() <-chan struct{} { return o.done }

// Stop rejects further frames and tells the writer to exit after its
// current write. It does not wait; use [Outbox.Done] for that.
func (o *Outbox) Stop() {
	o.closed.Store(true)
	o.signalStop()
}

// Close stops the writer, discards queued frames and waits for the writer to
// exit. It does not close the underlying transport.
func (o *Outbox) Close() {
	o.Stop()
	<-o.done
}

func (o *Outbox) run() {
	defer close(o.done)

	for {
		select {
		case <-o.stop:
			return
		case <-o.notify:
		}
		for {
			f, ok := o.pop()
			if !ok {
				break
			}
			if err := o.write(f); err != nil {
				o.closed.Store(true)
				if o.closeFn != nil {
					o.closeFn()
				}
				o.signalStop()
				return
			}
			o.written.Add(1)
			if o.closed.Load() {
				return
			}
		}
	}
}

func (o *Outbox) pop() (Frame, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.count == 0 {
		return Frame{}, false
	}
	f := o.ring[o.head]
	o.ring[o.head] = Frame{}
	o.head = (o.head + 1) % len(o.ring)
	o.count--
	return f, true
}

func (o *Outbox) write(f Frame) error {
	if o.writeFn == nil {
		return io.ErrClosedPipe
	}
	return o.writeFn(f)
}

func (o *Outbox) signalStop() {
	o.stopOnce.Do(func() {
		close(o.stop)
	})
}

package server

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koltyakov/devrelay/internal/domain"
	"github.com/koltyakov/devrelay/internal/relay"
	"github.com/koltyakov/devrelay/internal/relayproto"
)

const closeWriteTimeout = 2 * time.Second

// deviceConn is one live device WebSocket. Writes go through the outbox;
// only close frames and pings bypass it as control messages.
type deviceConn struct {
	id          string
	endpointID  string
	deviceID    string
	userID      string
	connectedAt time.Time

	ws     *websocket.Conn
	outbox *relay.Outbox

	closeOnce   sync.Once
	closed      chan struct{}
	closeCode   int
	closeReason string
}

func newDeviceConn(ws *websocket.Conn, endpointID, deviceID, userID string, writeTimeout time.Duration, outboxSize int) *deviceConn {
	now := time.Now()
	return &deviceConn{
		id:          fmt.Sprintf("%s/%s@%d", endpointID, deviceID, now.UnixNano()),
		endpointID:  endpointID,
		deviceID:    deviceID,
		userID:      userID,
		connectedAt: now,
		ws:          ws,
		outbox:      relay.NewOutbox(ws, writeTimeout, outboxSize),
		closed:      make(chan struct{}),
	}
}

func (c *deviceConn) ID() string             { return c.id }
func (c *deviceConn) EndpointID() string     { return c.endpointID }
func (c *deviceConn) DeviceID() string       { return c.deviceID }
func (c *deviceConn) UserID() string         { return c.userID }
func (c *deviceConn) ConnectedAt() time.Time { return c.connectedAt }

// Send queues a frame. A full queue drops the oldest frame and reports
// [domain.ErrQueueOverflow]; the new frame is still queued.
func (c *deviceConn) Send(messageType int, payload []byte) error {
	dropped, err := c.outbox.Enqueue(relay.Frame{MessageType: messageType, Payload: payload})
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrDeviceOffline, err)
	}
	if dropped {
		return domain.ErrQueueOverflow
	}
	return nil
}

// Close stops the outbox and returns at once; the close frame and socket
// teardown run in the background so a peer stuck mid-write cannot stall
// the caller. Only the first call has any effect.
func (c *deviceConn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = relayproto.CloseReason(reason)
		c.outbox.Stop()
		close(c.closed)
		go c.teardown(code, reason)
	})
}

func (c *deviceConn) teardown(code int, reason string) {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		relayproto.CloseMessage(code, reason),
		time.Now().Add(closeWriteTimeout))
	_ = c.ws.Close()
	<-c.outbox.Done()
}

// Done is closed once the connection has been closed by the server.
func (c *deviceConn) Done() <-chan struct{} { return c.closed }

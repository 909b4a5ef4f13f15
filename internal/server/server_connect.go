package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koltyakov/devrelay/internal/auth"
	"github.com/koltyakov/devrelay/internal/domain"
	"github.com/koltyakov/devrelay/internal/gate"
	"github.com/koltyakov/devrelay/internal/registry"
	"github.com/koltyakov/devrelay/internal/relayproto"
)

const (
	errCodeRateLimit    = "RATE_LIMITED"
	errCodeUnauthorized = "UNAUTHORIZED"
	errCodeUnavailable  = "UNAVAILABLE"
	maxDeviceIDLength   = 128
	handshakeTimeout    = 5 * time.Second
)

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	endpointID := strings.TrimSpace(r.PathValue("endpoint"))
	deviceID := strings.TrimSpace(r.URL.Query().Get("device"))
	if endpointID == "" || deviceID == "" || len(deviceID) > maxDeviceIDLength {
		writeError(w, http.StatusBadRequest, "device query parameter is required", "")
		return
	}
	if !s.connLimiter.allow(clientIP(r)) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded", errCodeRateLimit)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), handshakeTimeout)
	defer cancel()

	key, ok := auth.KeyFromRequest(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", errCodeUnauthorized)
		return
	}
	userID, err := s.store.AuthenticateEndpoint(ctx, endpointID, auth.HashAPIKey(key, s.cfg.APIKeyPepper))
	if err != nil {
		if errors.Is(err, domain.ErrUnauthorized) {
			writeError(w, http.StatusUnauthorized, "unauthorized", errCodeUnauthorized)
			return
		}
		s.log.Error("endpoint authentication failed", "endpoint_id", endpointID, "err", err)
		writeError(w, http.StatusServiceUnavailable, "authentication unavailable", errCodeUnavailable)
		return
	}

	// A failing collaborator denies the handshake; a ban is never assumed
	// lifted.
	decision, err := s.gate.Checkpoint(ctx, gate.ConnContext{UserID: userID, EndpointID: endpointID, DeviceID: deviceID})
	if err != nil {
		s.log.Error("access check failed", "endpoint_id", endpointID, "device_id", deviceID, "err", err)
		writeError(w, http.StatusServiceUnavailable, "access check unavailable", errCodeUnavailable)
		return
	}
	if !decision.Allowed {
		s.log.Info("handshake denied", "endpoint_id", endpointID, "device_id", deviceID, "reason", decision.Reason())
		writeError(w, http.StatusForbidden, decision.Reason(), domain.Code(decision.Err()))
		return
	}

	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "endpoint_id", endpointID, "device_id", deviceID, "err", err)
		return
	}

	c := newDeviceConn(ws, endpointID, deviceID, userID, s.cfg.WriteTimeout, s.cfg.OutboxSize)
	ws.SetReadLimit(s.cfg.MaxFrameBytes)
	if prev := s.registry.Register(c); prev != nil {
		s.log.Info("connection superseded", "endpoint_id", endpointID, "device_id", deviceID, "previous", prev.ID())
		prev.Close(relayproto.CloseSuperseded, relayproto.ReasonSuperseded)
	}
	// A ban that landed between the checkpoint and Register was swept
	// before this connection was visible, so check once more.
	if reason, denied := s.recheckAfterRegister(c); denied {
		s.registry.Unregister(c)
		c.Close(relayproto.ClosePolicyViolation, reason)
		s.log.Info("connection denied after register", "endpoint_id", endpointID, "device_id", deviceID, "reason", reason)
		return
	}
	s.log.Info("device connected", "endpoint_id", endpointID, "device_id", deviceID, "user_id", userID)

	s.conns.Add(1)
	go func() {
		defer s.conns.Done()
		s.readLoop(c)
	}()
}

func (s *Server) readLoop(c *deviceConn) {
	stopPing := make(chan struct{})
	defer func() {
		close(stopPing)
		s.registry.Unregister(c)
		c.Close(websocket.CloseNormalClosure, "")
		s.log.Info("device disconnected",
			"endpoint_id", c.endpointID,
			"device_id", c.deviceID,
			"close_code", c.closeCode,
			"dropped", c.outbox.Dropped())
	}()

	extendDeadline := func() {
		_ = c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	}
	extendDeadline()
	c.ws.SetPongHandler(func(string) error {
		extendDeadline()
		return nil
	})
	go s.pingLoop(c, stopPing)

	for {
		messageType, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Warn("device read error", "endpoint_id", c.endpointID, "device_id", c.deviceID, "err", err)
			}
			return
		}
		extendDeadline()
		s.handleFrame(c, messageType, payload)
	}
}

func (s *Server) handleFrame(c *deviceConn, messageType int, payload []byte) {
	switch relayproto.Classify(payload) {
	case relayproto.FrameAck:
		ack, ok := relayproto.ParseAck(payload)
		if !ok || !s.knownCommand(ack.CommandID) {
			s.router.Relay(context.Background(), c, messageType, payload)
			return
		}
		resolved, err := s.correlator.AcknowledgeFrom(c.endpointID, c.deviceID, ack)
		if err != nil {
			s.log.Debug("uncorrelated ack", "endpoint_id", c.endpointID, "device_id", c.deviceID, "command_id", ack.CommandID, "err", err)
			return
		}
		if !resolved {
			s.log.Debug("late ack ignored", "command_id", ack.CommandID)
		}
	case relayproto.FramePing:
		_ = c.Send(websocket.TextMessage, relayproto.Pong(time.Now()))
	default:
		s.router.Relay(context.Background(), c, messageType, payload)
	}
}

// knownCommand reports whether id names a command the correlator still
// holds. Device data that merely carries an unrelated command id is relayed.
func (s *Server) knownCommand(id string) bool {
	_, err := s.correlator.Query(id)
	return err == nil
}

func (s *Server) pingLoop(c *deviceConn, stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-c.Done():
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (s *Server) recheckAfterRegister(c *deviceConn) (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()
	decision, err := s.gate.Checkpoint(ctx, gate.ConnContext{UserID: c.userID, EndpointID: c.endpointID, DeviceID: c.deviceID})
	if err != nil {
		s.log.Error("access re-check failed", "endpoint_id", c.endpointID, "device_id", c.deviceID, "err", err)
		return "access check unavailable", true
	}
	if !decision.Allowed {
		return decision.Reason(), true
	}
	return "", false
}

// closeAllConnections sends going-away to every device and waits for the
// read loops to finish.
func (s *Server) closeAllConnections(timeout time.Duration) {
	s.registry.Each(func(c registry.Conn) {
		c.Close(relayproto.CloseGoingAway, "server shutting down")
	})
	waitGroupWait(&s.conns, timeout)
}

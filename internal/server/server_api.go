package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/koltyakov/devrelay/internal/auth"
	"github.com/koltyakov/devrelay/internal/batch"
	"github.com/koltyakov/devrelay/internal/command"
	"github.com/koltyakov/devrelay/internal/domain"
	"github.com/koltyakov/devrelay/internal/store/sqlite"
)

const (
	maxAPIBodyBytes = 1 << 20
	maxAwait        = time.Minute
	errCodeNotFound = "NOT_FOUND"
	errCodeInvalid  = "INVALID_REQUEST"
)

type apiKeyIDKey struct{}

func (s *Server) requireAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, ok := auth.BearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", errCodeUnauthorized)
			return
		}
		keyID, err := s.store.ResolveAPIKeyID(r.Context(), auth.HashAPIKey(key, s.cfg.APIKeyPepper))
		if err != nil {
			if !errors.Is(err, sql.ErrNoRows) {
				s.log.Error("api key lookup failed", "err", err)
				writeError(w, http.StatusServiceUnavailable, "authentication unavailable", errCodeUnavailable)
				return
			}
			writeError(w, http.StatusUnauthorized, "unauthorized", errCodeUnauthorized)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), apiKeyIDKey{}, keyID)))
	}
}

func apiKeyID(ctx context.Context) string {
	id, _ := ctx.Value(apiKeyIDKey{}).(string)
	return id
}

func (s *Server) handleIssueCommand(w http.ResponseWriter, r *http.Request) {
	endpointID, deviceID := r.PathValue("endpoint"), r.PathValue("device")
	var req domain.IssueCommandRequest
	if err := decodeJSONBody(w, r, maxAPIBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error(), errCodeInvalid)
		return
	}
	if len(req.Payload) == 0 {
		writeError(w, http.StatusBadRequest, "payload is required", errCodeInvalid)
		return
	}
	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	id, err := s.correlator.Issue(r.Context(), endpointID, deviceID, req.Payload, timeout)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.log.Info("command issued", "command_id", id, "endpoint_id", endpointID, "device_id", deviceID, "api_key_id", apiKeyID(r.Context()))
	writeJSON(w, http.StatusAccepted, domain.IssueCommandResponse{CommandID: id, Status: domain.CommandPending})
}

func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	wait, err := parseWait(r.URL.Query().Get("wait"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid wait duration", errCodeInvalid)
		return
	}

	var snap command.Snapshot
	if wait > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		snap, err = s.correlator.Await(ctx, id)
		cancel()
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			err = nil
		}
	} else {
		snap, err = s.correlator.Query(id)
	}
	if errors.Is(err, domain.ErrCommandNotFound) {
		s.writeStoredResult(w, r, id)
		return
	}
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commandStatusResponse(snap))
}

// writeStoredResult answers for commands already purged from memory.
func (s *Server) writeStoredResult(w http.ResponseWriter, r *http.Request, id string) {
	res, err := s.store.CommandResult(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	ms := res.Duration.Milliseconds()
	writeJSON(w, http.StatusOK, domain.CommandStatusResponse{
		CommandID:  res.CommandID,
		EndpointID: res.EndpointID,
		DeviceID:   res.DeviceID,
		Status:     res.Status,
		DurationMS: &ms,
		Error:      res.Error,
	})
}

func commandStatusResponse(snap command.Snapshot) domain.CommandStatusResponse {
	resp := domain.CommandStatusResponse{
		CommandID:  snap.ID,
		EndpointID: snap.EndpointID,
		DeviceID:   snap.DeviceID,
		Status:     snap.Status,
		Error:      snap.Error,
	}
	if d, ok := snap.Duration(); ok {
		ms := d.Milliseconds()
		resp.DurationMS = &ms
	}
	return resp
}

func (s *Server) handleSendBatch(w http.ResponseWriter, r *http.Request) {
	var req domain.SendBatchRequest
	if err := decodeJSONBody(w, r, maxAPIBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error(), errCodeInvalid)
		return
	}
	if len(req.Payload) == 0 {
		writeError(w, http.StatusBadRequest, "payload is required", errCodeInvalid)
		return
	}
	groupID := strings.TrimSpace(req.GroupID)
	if (groupID == "") == (len(req.Targets) == 0) {
		writeError(w, http.StatusBadRequest, "exactly one of group_id and targets is required", errCodeInvalid)
		return
	}

	targets := req.Targets
	if groupID != "" {
		members, err := s.store.ListGroupMembers(r.Context(), groupID)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		if len(members) == 0 {
			writeError(w, http.StatusBadRequest, "device group has no members", errCodeInvalid)
			return
		}
		targets = members
	}
	for _, t := range targets {
		if strings.TrimSpace(t.EndpointID) == "" || strings.TrimSpace(t.DeviceID) == "" {
			writeError(w, http.StatusBadRequest, "every target needs endpoint_id and device_id", errCodeInvalid)
			return
		}
	}

	b, err := s.batches.Send(r.Context(), targets, req.Payload, time.Duration(req.TimeoutMS)*time.Millisecond)
	if err != nil {
		if b.ID != "" {
			w.Header().Set("X-Batch-Id", b.ID)
		}
		s.writeDomainError(w, err)
		return
	}
	st, err := s.batches.Status(b.ID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.log.Info("batch sent", "batch_id", b.ID, "legs", len(b.Legs), "failed", st.Failed, "api_key_id", apiKeyID(r.Context()))
	writeJSON(w, http.StatusAccepted, batchStatusResponse(st))
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	st, err := s.batches.Status(r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batchStatusResponse(st))
}

func batchStatusResponse(st batch.Status) domain.BatchStatusResponse {
	resp := domain.BatchStatusResponse{
		BatchID: st.BatchID,
		Done:    st.Done,
		Success: st.Success,
		Failed:  st.Failed,
		Pending: st.Pending,
		Timeout: st.Timeout,
		Legs:    make([]domain.BatchLegResponse, 0, len(st.Legs)),
	}
	for _, leg := range st.Legs {
		resp.Legs = append(resp.Legs, domain.BatchLegResponse{
			EndpointID: leg.Target.EndpointID,
			DeviceID:   leg.Target.DeviceID,
			CommandID:  leg.CommandID,
			Status:     leg.Status,
			DurationMS: leg.DurationMS,
			Error:      leg.Error,
			ErrorCode:  leg.ErrorCode,
		})
	}
	return resp
}

func (s *Server) handleListOnline(w http.ResponseWriter, r *http.Request) {
	endpointID := r.PathValue("endpoint")
	devices := s.registry.ListOnline(endpointID)
	if devices == nil {
		devices = []string{}
	}
	writeJSON(w, http.StatusOK, domain.OnlineResponse{EndpointID: endpointID, Devices: devices})
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000", errCodeInvalid)
			return
		}
		limit = n
	}
	evs, err := s.store.RecentDataEvents(r.Context(), r.PathValue("endpoint"), r.PathValue("device"), limit)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	type eventResponse struct {
		Data       json.RawMessage `json:"data,omitempty"`
		Raw        string          `json:"raw,omitempty"`
		ReceivedAt time.Time       `json:"received_at"`
	}
	out := make([]eventResponse, 0, len(evs))
	for _, ev := range evs {
		item := eventResponse{Data: ev.Data, ReceivedAt: ev.ReceivedAt}
		if len(ev.Data) == 0 {
			item.Raw = string(ev.Payload)
		}
		out = append(out, item)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	endpointID := r.PathValue("endpoint")
	var req domain.SetModeRequest
	if err := decodeJSONBody(w, r, maxAPIBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error(), errCodeInvalid)
		return
	}
	mode, err := domain.ParseForwardMode(req.Mode)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if err := s.store.SetEndpointMode(r.Context(), endpointID, mode, req.CustomHeader); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.modes.Invalidate(endpointID)
	s.log.Info("forwarding mode changed", "endpoint_id", endpointID, "mode", mode)
	writeJSON(w, http.StatusOK, domain.SetModeRequest{Mode: string(mode), CustomHeader: req.CustomHeader})
}

func (s *Server) handleBanUser(w http.ResponseWriter, r *http.Request) {
	s.applyRevocation(w, r, domain.SubjectUser, r.PathValue("user"), true)
}

func (s *Server) handleUnbanUser(w http.ResponseWriter, r *http.Request) {
	s.applyRevocation(w, r, domain.SubjectUser, r.PathValue("user"), false)
}

func (s *Server) handleDisableEndpoint(w http.ResponseWriter, r *http.Request) {
	s.applyRevocation(w, r, domain.SubjectEndpoint, r.PathValue("endpoint"), true)
}

func (s *Server) handleEnableEndpoint(w http.ResponseWriter, r *http.Request) {
	s.applyRevocation(w, r, domain.SubjectEndpoint, r.PathValue("endpoint"), false)
}

// applyRevocation persists a ban or disable, evicts matching local
// connections, and publishes the event to other relay instances.
func (s *Server) applyRevocation(w http.ResponseWriter, r *http.Request, kind domain.SubjectKind, subjectID string, revoked bool) {
	var req domain.RevokeRequest
	if err := decodeJSONBody(w, r, maxAPIBodyBytes, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error(), errCodeInvalid)
		return
	}
	ctx := r.Context()
	var err error
	switch {
	case kind == domain.SubjectUser && revoked:
		err = s.store.BanUser(ctx, subjectID, req.Reason)
	case kind == domain.SubjectUser:
		err = s.store.UnbanUser(ctx, subjectID)
	case revoked:
		err = s.store.DisableEndpoint(ctx, subjectID, req.Reason)
	default:
		err = s.store.EnableEndpoint(ctx, subjectID)
	}
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	ev := domain.RevocationEvent{Kind: kind, SubjectID: subjectID, Revoked: revoked, Reason: req.Reason, At: time.Now().UTC()}
	evicted := s.gate.HandleEvent(ctx, ev)
	if s.bus != nil {
		if err := s.bus.Publish(ctx, ev); err != nil {
			s.log.Warn("failed to publish revocation event", "kind", kind, "subject_id", subjectID, "err", err)
		}
	}
	s.log.Info("revocation applied", "kind", kind, "subject_id", subjectID, "revoked", revoked, "evicted", evicted, "api_key_id", apiKeyID(ctx))
	writeJSON(w, http.StatusOK, map[string]any{
		"kind":       kind,
		"subject_id": subjectID,
		"revoked":    revoked,
		"evicted":    evicted,
	})
}

type statsResponse struct {
	Version     string `json:"version"`
	UptimeSec   int64  `json:"uptime_sec"`
	Connections int    `json:"connections"`
	Relay       any    `json:"relay"`
	Commands    any    `json:"commands"`
	Ingest      any    `json:"ingest"`
	Batches     int    `json:"batches"`
	Denied      uint64 `json:"handshakes_denied"`
	Evicted     uint64 `json:"connections_evicted"`
}

func (s *Server) stats() statsResponse {
	denied, evicted := s.gate.Stats()
	return statsResponse{
		Version:     s.version,
		UptimeSec:   int64(time.Since(s.startedAt).Seconds()),
		Connections: s.registry.Count(),
		Relay:       s.router.Stats(),
		Commands:    s.correlator.Stats(),
		Ingest:      s.dispatcher.Stats(),
		Batches:     s.batches.Len(),
		Denied:      denied,
		Evicted:     evicted,
	}
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.stats())
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable", errCodeUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// writeDomainError maps taxonomy errors to HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	code := domain.Code(err)
	switch {
	case errors.Is(err, domain.ErrDeviceOffline):
		writeError(w, http.StatusConflict, err.Error(), code)
	case errors.Is(err, domain.ErrCommandNotFound),
		errors.Is(err, domain.ErrBatchNotFound),
		errors.Is(err, domain.ErrEndpointNotFound),
		errors.Is(err, sqlite.ErrUserNotFound),
		errors.Is(err, sqlite.ErrGroupNotFound):
		writeError(w, http.StatusNotFound, err.Error(), errCodeNotFound)
	case errors.Is(err, domain.ErrInvalidMode):
		writeError(w, http.StatusBadRequest, err.Error(), errCodeInvalid)
	case errors.Is(err, domain.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized", errCodeUnauthorized)
	case errors.Is(err, domain.ErrPolicyDenied):
		writeError(w, http.StatusForbidden, err.Error(), code)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "request canceled", errCodeUnavailable)
	default:
		s.log.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error", "")
	}
}

func parseWait(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, errors.New("invalid wait")
	}
	return min(d, maxAwait), nil
}

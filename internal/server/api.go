// Package server exposes the filter engine to the companion app and the
// interception hook over HTTP.
package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rsclarke/flowgate/internal/api"
	"github.com/rsclarke/flowgate/internal/auth"
	"github.com/rsclarke/flowgate/internal/db"
	"github.com/rsclarke/flowgate/internal/events"
	"github.com/rsclarke/flowgate/internal/filter"
	"github.com/rsclarke/flowgate/internal/flow"
	"github.com/rsclarke/flowgate/internal/identity"
	"github.com/rsclarke/flowgate/internal/logging"
	"github.com/rsclarke/flowgate/internal/rules"
)

type contextKey string

const companionKeyIDContextKey contextKey = "companionKeyID"

const (
	maxBodyBytes = 1 << 20
	// touchInterval bounds how often a key's last_used_at is rewritten.
	touchInterval = 60
)

func getCompanionKeyID(r *http.Request) int64 {
	if id, ok := r.Context().Value(companionKeyIDContextKey).(int64); ok {
		return id
	}
	return 0
}

// ExecutableResolver names the executable of a process.
type ExecutableResolver interface {
	ExecutableID(pid int32) (string, error)
}

// APIServer serves companion commands, the interception hook and the
// notification stream.
type APIServer struct {
	DB     *sql.DB
	Engine *filter.Engine
	Proxy  *flow.Proxy
	Hub    *events.Hub
	Logger *zap.Logger

	// Executables fills in a bundle id the hook did not supply. Nil skips it.
	Executables ExecutableResolver
	// Stats reports daemon resource usage for the status route. Nil omits it.
	Stats func(ctx context.Context) (identity.SelfStats, error)
}

func (s *APIServer) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

// AuthMiddleware validates companion key authentication for every route.
func (s *APIServer) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, ok := auth.BearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		prefix, _, err := auth.ParseCompanionKey(key)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		stored, err := db.GetCompanionKeyByPrefix(s.DB, prefix)
		if err != nil || stored == nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		if stored.Revoked() {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		if !auth.VerifyCompanionKey(key, stored.KeyHash) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		if stored.LastUsedAt == nil || time.Now().Unix()-*stored.LastUsedAt >= touchInterval {
			if err := db.TouchCompanionKey(s.DB, stored.ID); err != nil {
				s.logger().Warn("failed to record key use", zap.String("key_prefix", prefix), zap.Error(err))
			}
		}

		ctx := context.WithValue(r.Context(), companionKeyIDContextKey, stored.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Handler returns the HTTP handler for the API server.
func (s *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /v1/users/{uid}/rules", s.handleUserRules)
	mux.HandleFunc("POST /v1/users/{uid}/suspension", s.handleSuspend)
	mux.HandleFunc("DELETE /v1/users/{uid}/suspension", s.handleEndSuspension)
	mux.HandleFunc("PUT /v1/users/{uid}/exemption", s.handleExemption)
	mux.HandleFunc("PUT /v1/users/{uid}/streaming", s.handleStreaming)
	mux.HandleFunc("DELETE /v1/users/{uid}", s.handleDisconnect)
	mux.HandleFunc("GET /v1/users/{uid}", s.handleUserSummary)
	mux.HandleFunc("POST /v1/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("GET /v1/observations", s.handleObservations)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	mux.HandleFunc("POST /v1/flows", s.handleNewFlow)
	mux.HandleFunc("POST /v1/flows/{id}/bytes", s.handleOutboundBytes)
	mux.HandleFunc("DELETE /v1/flows/{id}", s.handleForgetFlow)

	return s.AuthMiddleware(mux)
}

func (s *APIServer) handleUserRules(w http.ResponseWriter, r *http.Request) {
	uid, ok := pathUID(w, r)
	if !ok {
		return
	}
	var req api.RulesRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s.commandResult(w, r, uid, "userRules", s.Engine.UserRules(uid, req.RuleSet()))
}

func (s *APIServer) handleSuspend(w http.ResponseWriter, r *http.Request) {
	uid, ok := pathUID(w, r)
	if !ok {
		return
	}
	var req api.SuspendRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Seconds <= 0 {
		writeError(w, http.StatusBadRequest, "seconds must be positive")
		return
	}
	scope, err := rules.UnmarshalScope(req.Scope)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid scope")
		return
	}

	susp, err := s.Engine.SuspendFilter(uid, time.Duration(req.Seconds)*time.Second, scope)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, api.SuspendResponse{
		UserID:    uid,
		Scope:     rules.ScopeString(susp.Scope),
		ExpiresAt: susp.ExpiresAt,
	})
}

func (s *APIServer) handleEndSuspension(w http.ResponseWriter, r *http.Request) {
	uid, ok := pathUID(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, api.EndSuspensionResponse{UserID: uid, Ended: s.Engine.EndFilterSuspension(uid)})
}

func (s *APIServer) handleExemption(w http.ResponseWriter, r *http.Request) {
	uid, ok := pathUID(w, r)
	if !ok {
		return
	}
	var req api.ToggleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s.commandResult(w, r, uid, "setUserExemption", s.Engine.SetUserExemption(uid, req.Enabled))
}

func (s *APIServer) handleStreaming(w http.ResponseWriter, r *http.Request) {
	uid, ok := pathUID(w, r)
	if !ok {
		return
	}
	var req api.ToggleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s.Engine.SetBlockStreaming(uid, req.Enabled)
	writeJSON(w, http.StatusOK, api.StreamingResponse{UserID: uid, Enabled: req.Enabled})
}

func (s *APIServer) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	uid, ok := pathUID(w, r)
	if !ok {
		return
	}
	s.commandResult(w, r, uid, "disconnectUser", s.Engine.DisconnectUser(uid))
}

func (s *APIServer) handleUserSummary(w http.ResponseWriter, r *http.Request) {
	uid, ok := pathUID(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.Engine.UserSummary(uid))
}

func (s *APIServer) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	ended := s.Engine.CompanionHeartbeat()
	if ended == nil {
		ended = []uint32{}
	}
	writeJSON(w, http.StatusOK, api.HeartbeatResponse{
		CompanionAlive:   s.Engine.CompanionAlive(),
		SuspensionsEnded: ended,
	})
}

func (s *APIServer) handleObservations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.ObservationsResponse{
		Observations: s.Proxy.Observations(),
		PendingFlows: s.Proxy.Pending(),
	})
}

func (s *APIServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := api.StatusResponse{
		Users:          s.Engine.Users(),
		CompanionAlive: s.Engine.CompanionAlive(),
		Dirty:          s.Engine.Dirty(),
		PendingFlows:   s.Proxy.Pending(),
	}
	if s.Hub != nil {
		resp.Subscribers = s.Hub.Subscribers()
	}
	if s.Stats != nil {
		stats, err := s.Stats(r.Context())
		if err != nil {
			s.logger().Debug("process stats unavailable", zap.Error(err))
		} else {
			resp.Process = &stats
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *APIServer) handleNewFlow(w http.ResponseWriter, r *http.Request) {
	var req api.NewFlowRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	if req.BundleID == "" && req.PID > 0 && s.Executables != nil {
		if id, err := s.Executables.ExecutableID(req.PID); err == nil {
			req.BundleID = id
		} else {
			s.logger().Debug("executable unresolved", zap.Int32("pid", req.PID), zap.Error(err))
		}
	}
	v := s.Proxy.OnNewFlow(flow.NewFlow{
		ID:        req.ID,
		Token:     filter.AuditToken{PID: req.PID, UID: req.UID},
		BundleID:  req.BundleID,
		Hostname:  req.Hostname,
		IPAddress: req.IPAddress,
		URL:       req.URL,
		Port:      req.Port,
		Protocol:  req.Protocol,
	})
	writeJSON(w, http.StatusOK, api.FlowResponse{ID: req.ID, Verdict: v.String()})
}

func (s *APIServer) handleOutboundBytes(w http.ResponseWriter, r *http.Request) {
	id, ok := pathFlowID(w, r)
	if !ok {
		return
	}
	var req api.OutboundBytesRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	v := s.Proxy.OnOutboundBytes(id, req.Data)
	writeJSON(w, http.StatusOK, api.FlowResponse{ID: id, Verdict: v.String()})
}

func (s *APIServer) handleForgetFlow(w http.ResponseWriter, r *http.Request) {
	id, ok := pathFlowID(w, r)
	if !ok {
		return
	}
	if !s.Proxy.Forget(id) {
		writeError(w, http.StatusNotFound, "flow not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// commandResult answers a state mutation. A failed save still leaves the
// command applied in memory, so it is reported as unpersisted, not failed.
func (s *APIServer) commandResult(w http.ResponseWriter, r *http.Request, uid uint32, command string, err error) {
	switch {
	case err == nil:
		s.logger().Debug("command applied", zap.String("command", command), logging.UserID(uid),
			zap.Int64("companion_key_id", getCompanionKeyID(r)))
		writeJSON(w, http.StatusOK, api.CommandResponse{UserID: uid, Persisted: true})
	case errors.Is(err, filter.ErrPersist):
		s.logger().Warn("command applied but not persisted",
			zap.String("command", command), logging.UserID(uid), zap.Error(err))
		writeJSON(w, http.StatusOK, api.CommandResponse{UserID: uid, Persisted: false})
	default:
		s.logger().Error("command failed", zap.String("command", command), logging.UserID(uid), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "command failed")
	}
}

func pathUID(w http.ResponseWriter, r *http.Request) (uint32, bool) {
	uid, err := strconv.ParseUint(r.PathValue("uid"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid uid")
		return 0, false
	}
	return uint32(uid), true
}

func pathFlowID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid flow id")
		return uuid.Nil, false
	}
	return id, true
}

// decodeJSON reads exactly one JSON value into dst, rejecting unknown
// fields, oversized bodies and trailing data.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil {
		writeError(w, http.StatusBadRequest, "request body required")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxBytesErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxBytesErr):
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		case errors.Is(err, io.EOF):
			writeError(w, http.StatusBadRequest, "request body required")
		default:
			writeError(w, http.StatusBadRequest, "invalid JSON")
		}
		return false
	}
	if dec.Decode(&struct{}{}) != io.EOF {
		writeError(w, http.StatusBadRequest, "unexpected trailing data")
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, api.ErrorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(data); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

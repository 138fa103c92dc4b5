package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"grimm.is/fwguard/internal/engine"
	"grimm.is/fwguard/internal/firewall"
	"grimm.is/fwguard/internal/guard"
	"grimm.is/fwguard/internal/identity"
	"grimm.is/fwguard/internal/program"
)

// statusFor maps backend errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, program.ErrSetNotFound),
		errors.Is(err, program.ErrProgramMissing),
		errors.Is(err, firewall.ErrRuleNotFound):
		return http.StatusNotFound
	case errors.Is(err, program.ErrProgramExists),
		errors.Is(err, program.ErrLastProgram):
		return http.StatusConflict
	case errors.Is(err, identity.ErrInvalid),
		errors.Is(err, firewall.ErrInvalidRule):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrStopped),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	case errors.Is(err, guard.ErrEnumerate):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= 500 {
		s.logger.Warn("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	WriteError(w, code, err.Error())
}

func setParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("set"))
	if err != nil {
		WriteErrorCtx(w, r, http.StatusBadRequest, "invalid program set id %q", r.PathValue("set"))
		return uuid.Nil, false
	}
	return id, true
}

func decodeOr400(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := decodeBody(r, v); err != nil {
		WriteErrorCtx(w, r, http.StatusBadRequest, "invalid request body: %v", err)
		return false
	}
	return true
}

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	Uptime       string `json:"uptime"`
	GuardEnabled bool   `json:"guard_enabled"`
	GuardMode    string `json:"guard_mode"`
	Clients      int    `json:"ws_clients"`
	// Hub counters; zero when the event stream is disabled.
	EventsPublished uint64 `json:"events_published"`
	EventsDropped   uint64 `json:"events_dropped"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	enabled, err := s.backend.IsGuardEnabled(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	mode, err := s.backend.GuardMode(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := StatusResponse{
		Status:       "online",
		Version:      s.version,
		Uptime:       time.Since(s.started).Round(time.Second).String(),
		GuardEnabled: enabled,
		GuardMode:    mode.String(),
	}
	if s.ws != nil {
		resp.Clients = s.ws.Clients()
		resp.EventsPublished, resp.EventsDropped = s.ws.hub.Stats()
	}
	WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := s.backend.IsGuardEnabled(ctx); err != nil {
		WriteError(w, http.StatusServiceUnavailable, "engine unavailable", err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetPrograms(w http.ResponseWriter, r *http.Request) {
	sets, err := s.backend.GetPrograms(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if sets == nil {
		sets = []program.SetView{}
	}
	WriteJSON(w, http.StatusOK, sets)
}

// AddProgramRequest is the body of POST /api/programs. A nil Set creates a
// new set.
type AddProgramRequest struct {
	ID  identity.ID `json:"id"`
	Set uuid.UUID   `json:"set,omitempty"`
}

func (s *Server) handleAddProgram(w http.ResponseWriter, r *http.Request) {
	var req AddProgramRequest
	if !decodeOr400(w, r, &req) {
		return
	}
	set, err := s.backend.AddProgram(r.Context(), req.ID, req.Set)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, map[string]uuid.UUID{"set": set})
}

func (s *Server) handleUpdateProgram(w http.ResponseWriter, r *http.Request) {
	set, ok := setParam(w, r)
	if !ok {
		return
	}
	var cfg program.Config
	if !decodeOr400(w, r, &cfg) {
		return
	}
	if err := s.backend.UpdateProgram(r.Context(), set, cfg); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRemoveProgram deletes one program when the "id" query parameter is
// set, otherwise the whole set.
func (s *Server) handleRemoveProgram(w http.ResponseWriter, r *http.Request) {
	set, ok := setParam(w, r)
	if !ok {
		return
	}
	var id *identity.ID
	if raw := r.URL.Query().Get("id"); raw != "" {
		parsed, err := identity.Parse(raw)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		id = &parsed
	}
	if err := s.backend.RemoveProgram(r.Context(), set, id); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMergePrograms(w http.ResponseWriter, r *http.Request) {
	to, ok := setParam(w, r)
	if !ok {
		return
	}
	var req struct {
		From uuid.UUID `json:"from"`
	}
	if !decodeOr400(w, r, &req) {
		return
	}
	if err := s.backend.MergePrograms(r.Context(), to, req.From); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSplitPrograms(w http.ResponseWriter, r *http.Request) {
	from, ok := setParam(w, r)
	if !ok {
		return
	}
	var req struct {
		ID identity.ID `json:"id"`
	}
	if !decodeOr400(w, r, &req) {
		return
	}
	set, err := s.backend.SplitPrograms(r.Context(), from, req.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, map[string]uuid.UUID{"set": set})
}

func (s *Server) handleCleanUpPrograms(w http.ResponseWriter, r *http.Request) {
	n, err := s.backend.CleanUpPrograms(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]int{"removed": n})
}

func (s *Server) handleGetLog(w http.ResponseWriter, r *http.Request) {
	set, ok := setParam(w, r)
	if !ok {
		return
	}
	entries, err := s.backend.GetLog(r.Context(), set)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []program.LogEntry{}
	}
	WriteJSON(w, http.StatusOK, entries)
}

func (s *Server) handleGetSetRules(w http.ResponseWriter, r *http.Request) {
	set, ok := setParam(w, r)
	if !ok {
		return
	}
	rules, err := s.backend.GetRules(r.Context(), set)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	views, found := rules[set]
	if !found {
		s.fail(w, r, program.ErrSetNotFound)
		return
	}
	WriteJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.backend.GetRules(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, rules)
}

// UpdateRuleRequest is the body of PUT /api/rules. Expiration is a unix
// time; zero keeps the rule forever.
type UpdateRuleRequest struct {
	Rule       firewall.Rule `json:"rule"`
	Expiration uint64        `json:"expiration,omitempty"`
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	var req UpdateRuleRequest
	if !decodeOr400(w, r, &req) {
		return
	}
	ok, err := s.backend.UpdateRule(r.Context(), req.Rule, req.Expiration)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !ok {
		WriteErrorCtx(w, r, http.StatusUnprocessableEntity, "rule %q was not applied", req.Rule.Name)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveRule(w http.ResponseWriter, r *http.Request) {
	guid := r.PathValue("guid")
	ok, err := s.backend.RemoveRule(r.Context(), guid)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !ok {
		WriteErrorCtx(w, r, http.StatusUnprocessableEntity, "rule %s was not removed", guid)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ApprovalRequest is the body of POST /api/rules/approval. An empty GUID
// applies the mode to every rule.
type ApprovalRequest struct {
	Mode string `json:"mode"`
	GUID string `json:"guid,omitempty"`
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	var req ApprovalRequest
	if !decodeOr400(w, r, &req) {
		return
	}
	mode, err := guard.ParseApprovalMode(req.Mode)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	n, err := s.backend.SetRuleApproval(r.Context(), mode, req.GUID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]int{"changed": n})
}

func (s *Server) handleCleanUpRules(w http.ResponseWriter, r *http.Request) {
	all := r.URL.Query().Get("all") == "true"
	n, err := s.backend.CleanUpRules(r.Context(), all)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]int{"removed": n})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	rep, err := s.backend.LoadRules(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, rep)
}

func (s *Server) handleBlockInternet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Block bool `json:"block"`
	}
	if !decodeOr400(w, r, &req) {
		return
	}
	ok, err := s.backend.BlockInternet(r.Context(), req.Block)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !ok {
		WriteErrorCtx(w, r, http.StatusUnprocessableEntity, "block rules were not fully applied")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearLog(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.ClearLog(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetConnections(w http.ResponseWriter, r *http.Request) {
	conns, err := s.backend.GetConnections(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if conns == nil {
		conns = []engine.Connection{}
	}
	WriteJSON(w, http.StatusOK, conns)
}

// GuardState is the body of GET and PUT /api/guard. On PUT an empty Mode
// keeps the current mode.
type GuardState struct {
	Enabled bool   `json:"enabled"`
	Mode    string `json:"mode,omitempty"`
}

func (s *Server) handleGetGuard(w http.ResponseWriter, r *http.Request) {
	enabled, err := s.backend.IsGuardEnabled(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	mode, err := s.backend.GuardMode(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, GuardState{Enabled: enabled, Mode: mode.String()})
}

func (s *Server) handleSetGuard(w http.ResponseWriter, r *http.Request) {
	var req GuardState
	if !decodeOr400(w, r, &req) {
		return
	}
	if req.Mode != "" {
		if _, err := guard.ParseMode(req.Mode); err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if err := s.backend.SetGuard(r.Context(), req.Enabled, req.Mode); err != nil {
		s.fail(w, r, err)
		return
	}
	s.handleGetGuard(w, r)
}

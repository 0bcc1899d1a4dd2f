package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/dativo-io/latch/internal/agent"
	"github.com/dativo-io/latch/internal/approval"
	"github.com/dativo-io/latch/internal/audit"
	"github.com/dativo-io/latch/internal/evidence"
	"github.com/dativo-io/latch/internal/llm"
	"github.com/dativo-io/latch/internal/policy"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}

type historyMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messageRequest struct {
	Text    string           `json:"text"`
	History []historyMessage `json:"history,omitempty"`
}

// handleMessage is the HTTP channel: one request is one turn. Failed turns
// still answer 200 with the generic reply; the turn outcome is in "failed".
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "text is required")
		return
	}
	history := make([]llm.Message, 0, len(req.History))
	for _, m := range req.History {
		switch m.Role {
		case llm.RoleUser, llm.RoleAssistant:
			history = append(history, llm.Message{Role: m.Role, Content: m.Content})
		default:
			writeError(w, http.StatusBadRequest, "invalid_request", "history roles must be user or assistant")
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), turnTimeout)
	defer cancel()
	resp := s.turns.HandleTurn(ctx, agent.TurnRequest{Channel: "http", Text: req.Text, History: history})
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRulesList(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("all") == "true" {
		writeJSON(w, http.StatusOK, map[string]interface{}{"rules": s.rules.All()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rules": s.rules.ActiveRules()})
}

type approveRequest struct {
	Action string            `json:"action"`
	Scope  map[string]string `json:"scope,omitempty"`
	Level  string            `json:"level,omitempty"`
	Reason string            `json:"reason,omitempty"`
}

func (s *Server) handleRulesApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Action == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "action is required")
		return
	}
	if req.Level == "" {
		req.Level = policy.LevelNotify.String()
	}
	level, err := policy.ParseLevel(req.Level)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Reason == "" {
		req.Reason = "approved via API"
	}

	rec, created, err := s.rules.Approve(req.Action, req.Scope, level, req.Reason, approval.Provenance{Via: "api"})
	if errors.Is(err, approval.ErrCapacityExceeded) {
		writeError(w, http.StatusConflict, "capacity_exceeded", err.Error())
		return
	}
	if err != nil {
		log.Error().Err(err).Str("action", req.Action).Msg("rule_approve_failed")
		writeError(w, http.StatusInternalServerError, "internal", "could not store approval")
		return
	}
	if err := s.audit.Record(r.Context(), audit.EventRuleApproved, map[string]any{
		"rule_id": rec.ID, "action": rec.Action, "level": rec.Level.String(),
		"approval_count": rec.ApprovalCount, "via": "api",
	}); err != nil {
		log.Error().Err(err).Msg("audit_write_failed")
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]interface{}{"rule": rec, "created": created})
}

func (s *Server) handleRulesRevoke(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.rules.Revoke(id)
	if errors.Is(err, approval.ErrRuleNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "no active rule with that id")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("rule_id", id).Msg("rule_revoke_failed")
		writeError(w, http.StatusInternalServerError, "internal", "could not revoke rule")
		return
	}
	if err := s.audit.Record(r.Context(), audit.EventRuleRevoked, map[string]any{"rule_id": id, "via": "api"}); err != nil {
		log.Error().Err(err).Msg("audit_write_failed")
	}
	writeJSON(w, http.StatusOK, map[string]string{"revoked": id})
}

func (s *Server) handleRulesRatchet(w http.ResponseWriter, r *http.Request) {
	threshold := s.ratchetThreshold
	if v := r.URL.Query().Get("threshold"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid_request", "threshold must be a positive integer")
			return
		}
		threshold = n
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"threshold":  threshold,
		"candidates": s.rules.RatchetCandidates(threshold),
	})
}

type evaluateRequest struct {
	Action  string            `json:"action"`
	Context map[string]string `json:"context,omitempty"`
}

func (s *Server) handlePolicyEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Action == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "action is required")
		return
	}
	p, err := s.policies.Policy(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("policy_load_failed")
		writeError(w, http.StatusInternalServerError, "internal", "policy unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"posture":  p.Posture().String(),
		"decision": p.Evaluate(req.Action, req.Context),
	})
}

func (s *Server) handleEvidenceList(w http.ResponseWriter, r *http.Request) {
	if s.evidenceStore == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "evidence store not configured")
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	list, err := s.evidenceStore.List(r.Context(), evidence.Filter{
		Channel: q.Get("channel"),
		Outcome: q.Get("outcome"),
		Limit:   limit,
	})
	if err != nil {
		log.Error().Err(err).Msg("evidence_list_failed")
		writeError(w, http.StatusInternalServerError, "internal", "could not list evidence")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"evidence": list})
}

func (s *Server) handleEvidenceGet(w http.ResponseWriter, r *http.Request) {
	if s.evidenceStore == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "evidence store not configured")
		return
	}
	ev, err := s.evidenceStore.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, evidence.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "evidence not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "could not read evidence")
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleEvidenceVerify(w http.ResponseWriter, r *http.Request) {
	if s.evidenceStore == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "evidence store not configured")
		return
	}
	id := chi.URLParam(r, "id")
	valid, err := s.evidenceStore.Verify(r.Context(), id)
	if errors.Is(err, evidence.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "evidence not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "could not verify evidence")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "valid": valid})
}

package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/riskrun/internal/breaker"
	"github.com/sawpanic/riskrun/internal/gatekeeper"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("encode response failed")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleEvaluate runs one proposal through the gatekeeper. Policy rejections
// are 200s with approved=false: they are decisions, not request failures.
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var p gatekeeper.Proposal
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed proposal: " + err.Error()})
		return
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now().UTC()
	}

	d, err := s.gatekeeper.Evaluate(r.Context(), p)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type outcomeRequest struct {
	OutcomeID string    `json:"outcome_id"`
	AgentID   string    `json:"agent_id"`
	PnL       float64   `json:"pnl"`
	Timestamp time.Time `json:"timestamp"`
}

// handleOutcome ingests one closed trade. A persistence failure is a 503 so
// the execution layer redelivers with the same outcome id.
func (s *Server) handleOutcome(w http.ResponseWriter, r *http.Request) {
	var req outcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed outcome: " + err.Error()})
		return
	}
	if req.OutcomeID == "" || req.AgentID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "outcome_id and agent_id are required"})
		return
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now().UTC()
	}

	err := s.gatekeeper.RecordOutcome(r.Context(), breaker.Outcome{
		OutcomeID: req.OutcomeID,
		AgentID:   req.AgentID,
		PnL:       req.PnL,
		Timestamp: req.Timestamp,
	})
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"timestamp": time.Now().UTC(),
		"breakers":  s.gatekeeper.Snapshot(),
	})
}

type resetRequest struct {
	AgentID string `json:"agent_id,omitempty"`
	Kind    string `json:"kind"`
}

// handleReset is the privileged manual transition. The caller identity comes
// from a header so it is visible in access logs, and the endpoint is rate
// limited to keep a misbehaving script from hammering resets.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if !s.adminLimit.Allow() {
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "reset rate limit exceeded"})
		return
	}

	caller := r.Header.Get("X-Admin-Caller")
	if caller == "" {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "X-Admin-Caller header required"})
		return
	}

	var req resetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed reset request: " + err.Error()})
		return
	}

	kind := breaker.Kind(req.Kind)
	scope := breaker.PortfolioScope()
	if req.AgentID != "" {
		scope = breaker.AgentScope(req.AgentID)
	}

	if err := s.gatekeeper.AdminReset(r.Context(), caller, scope, kind); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "reset",
		"scope":  scope.String(),
		"kind":   string(kind),
	})
}

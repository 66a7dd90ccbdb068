package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jarvishome/jarvis-ocr/internal/pipeline"
	"github.com/jarvishome/jarvis-ocr/internal/validator"
)

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /internal/validation/callback", s.handleValidationCallback)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /status", s.handleStatus)
}

// errorResponse is the body for rejected callbacks.
type errorResponse struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

// handleValidationCallback receives the LLM proxy's verdict for a suspended
// job and hands it to the Resumer. A callback whose state has expired or
// was already claimed gets a 404, which the proxy treats as delivered.
func (s *Server) handleValidationCallback(w http.ResponseWriter, r *http.Request) {
	var payload validator.CallbackPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Code: "bad_callback", Detail: "malformed callback body: " + err.Error(),
		})
		return
	}
	stateKey := payload.StateKey()
	if stateKey == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Code: "bad_callback", Detail: "missing validation_state_key in metadata",
		})
		return
	}

	verdict := validator.ParseVerdict(&payload)
	s.logger.Info("received validation callback",
		"correlation_id", stateKey,
		"callback_job_id", payload.JobID,
		"is_valid", verdict.IsValid,
		"confidence", verdict.Confidence)

	err := s.resumer.Resume(r.Context(), stateKey, verdict)
	switch {
	case errors.Is(err, pipeline.ErrStateNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{
			Code: "state_not_found", Detail: "validation state not found or expired",
		})
	case err != nil:
		s.logger.Error("resume failed", "correlation_id", stateKey, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			Code: "internal_error", Detail: err.Error(),
		})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "processed": true})
	}
}

// handleHealth returns OK whenever the HTTP server is responding.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady returns OK only when the backing store answers a ping.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	st := s.queue.GetStatus(r.Context())
	if !st.Connected {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded", "redis": "unreachable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "redis": "ok"})
}

// handleStatus reports queue connectivity and depth.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.GetStatus(r.Context()))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

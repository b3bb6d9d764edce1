package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"nexus/internal/dispatch"
	"nexus/internal/openai"
	"nexus/internal/pool"
)

// statusFor maps a dispatch-path error onto its HTTP status, OpenAI
// error type, and machine-readable code ("" renders as null).
func statusFor(err error) (status int, errType, code string) {
	switch {
	case errors.Is(err, pool.ErrPoolExhausted):
		return http.StatusTooManyRequests, "rate_limit_error", "pool_exhausted"
	case errors.Is(err, pool.ErrBackendStartup):
		return http.StatusServiceUnavailable, "service_unavailable", "backend_startup_failed"
	case errors.Is(err, pool.ErrPoolClosed):
		return http.StatusServiceUnavailable, "service_unavailable", "shutting_down"
	case errors.Is(err, dispatch.ErrTimeout):
		return http.StatusGatewayTimeout, "timeout_error", "timeout"
	case errors.Is(err, dispatch.ErrBackendDispatch):
		return http.StatusInternalServerError, "claude_process_error", ""
	default:
		return http.StatusInternalServerError, "internal_error", ""
	}
}

// writeJSON encodes v with the given status. Encode failures are only
// logged; the status line is already on the wire.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to encode response", zap.Error(err))
	}
}

// writeError runs err through the taxonomy and writes the envelope.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, errType, code := statusFor(err)
	s.writeJSON(w, status, openai.NewErrorResponse(err.Error(), errType, code))
}

func (s *Server) badRequest(w http.ResponseWriter, message string) {
	s.writeJSON(w, http.StatusBadRequest, openai.NewErrorResponse(message, "invalid_request_error", ""))
}

func (s *Server) unauthorized(w http.ResponseWriter, message string) {
	s.writeJSON(w, http.StatusUnauthorized, openai.NewErrorResponse(message, "authentication_error", ""))
}

func (s *Server) notFound(w http.ResponseWriter, message string) {
	s.writeJSON(w, http.StatusNotFound, openai.NewErrorResponse(message, "not_found_error", ""))
}

func (s *Server) internalError(w http.ResponseWriter, message string) {
	s.writeJSON(w, http.StatusInternalServerError, openai.NewErrorResponse(message, "internal_error", ""))
}

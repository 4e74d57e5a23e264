package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/agentlab/internal/dialog"
	"github.com/xela07ax/agentlab/internal/domain"
	"github.com/xela07ax/agentlab/internal/infra"
	"github.com/xela07ax/agentlab/internal/nlu"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor переводит таксономию ошибок в HTTP-коды.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, dialog.ErrEntryNotFound), errors.Is(err, nlu.ErrIntentNotFound),
		errors.Is(err, nlu.ErrEntityNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, domain.ErrTrainingInProgress):
		return http.StatusConflict, "training_in_progress"
	case errors.Is(err, domain.ErrPortExhausted):
		return http.StatusServiceUnavailable, "port_exhausted"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("trace_id", infra.TraceIDFrom(r.Context())),
			zap.Error(err))
	}
	writeJSON(w, status, errorBody{Error: code, Message: err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: malformed JSON body: %v", domain.ErrInvalidRequest, err)
	}
	return nil
}

func agentID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid agent id %q", domain.ErrInvalidRequest, raw)
	}
	return id, nil
}

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/yubzen/agentstream/internal/events"
	"github.com/yubzen/agentstream/internal/middleware"
	"github.com/yubzen/agentstream/internal/protocol"
)

const maxRequestBodyBytes = 1 << 20

const (
	errorCodeInvalidRequest = "invalid_request"
	errorCodeInvalidEvent   = "invalid_event"
	errorCodeStateConflict  = "state_conflict"
	errorCodeUnavailable    = "unavailable"
	errorCodeRuntime        = "runtime_error"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiErrorResponse{
		Error: apiError{
			Code:    code,
			Message: message,
		},
	})
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, code := mapError(err)
	writeError(w, status, code, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSONBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}

	decoder := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("request body must contain exactly one JSON object")
	}

	return nil
}

func mapError(err error) (int, string) {
	switch {
	case errors.Is(err, events.ErrValidation):
		return http.StatusBadRequest, errorCodeInvalidEvent
	case errors.Is(err, middleware.ErrMissingInput):
		return http.StatusBadRequest, errorCodeInvalidRequest
	case errors.Is(err, protocol.ErrPatchFailed), errors.Is(err, protocol.ErrInvalidSnapshot):
		return http.StatusConflict, errorCodeStateConflict
	default:
		return http.StatusInternalServerError, errorCodeRuntime
	}
}

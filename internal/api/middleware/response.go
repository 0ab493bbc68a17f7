package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/dvloznov/expense-assistant/internal/pipeline"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error             string   `json:"error"`
	Message           string   `json:"message"`
	MissingCategories []string `json:"missingCategories,omitempty"`
	Index             *int     `json:"index,omitempty"`
}

// WriteJSON writes a JSON response.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// WriteError writes a JSON error response.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, ErrorBody{
		Error:   strings.ReplaceAll(http.StatusText(status), " ", ""),
		Message: message,
	})
}

// WritePipelineError maps a typed pipeline failure onto its HTTP status.
// It reports false when err carries no pipeline kind.
func WritePipelineError(w http.ResponseWriter, err error) bool {
	var pe *pipeline.Error
	if !errors.As(err, &pe) {
		return false
	}
	WriteJSON(w, StatusForKind(pe.Kind), ErrorBody{
		Error:             string(pe.Kind),
		Message:           pe.Message,
		MissingCategories: pe.MissingCategories,
		Index:             pe.Index,
	})
	return true
}

// StatusForKind returns the HTTP status of a pipeline failure kind.
func StatusForKind(kind pipeline.ErrorKind) int {
	switch kind {
	case pipeline.ErrConfiguration:
		return http.StatusServiceUnavailable
	case pipeline.ErrNoCategoriesConfigured, pipeline.ErrParsingFailure, pipeline.ErrCategoryNotFound:
		return http.StatusUnprocessableEntity
	case pipeline.ErrValidation:
		return http.StatusBadRequest
	case pipeline.ErrUpstreamUnavailable:
		return http.StatusBadGateway
	case pipeline.ErrUpstreamTimeout:
		return http.StatusGatewayTimeout
	case pipeline.ErrUpstreamRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

package transport

import (
	"errors"
	"net/http"

	"github.com/avvvet/intentpilot/internal/handlers"
	"github.com/avvvet/intentpilot/internal/llm"
	"github.com/avvvet/intentpilot/internal/models"
)

const statusError = "error"

// StatusFor maps a query failure to its HTTP status.
func StatusFor(err error) int {
	if errors.Is(err, handlers.ErrEmptyQuery) {
		return http.StatusBadRequest
	}
	switch llm.KindOf(err) {
	case llm.KindAuth:
		return http.StatusUnauthorized
	case llm.KindRateLimit:
		return http.StatusTooManyRequests
	case llm.KindModelAccess:
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

// ErrorBody is the JSON body sent with a failed query.
func ErrorBody(err error) models.ErrorResponse {
	return models.ErrorResponse{
		Error:  err.Error(),
		Status: statusError,
		Code:   codeFor(err),
	}
}

func codeFor(err error) string {
	switch {
	case errors.Is(err, handlers.ErrEmptyQuery):
		return models.ErrorBadRequest
	case errors.Is(err, handlers.ErrMalformedResponse), errors.Is(err, handlers.ErrClassification):
		return models.ErrorParseError
	}
	switch llm.KindOf(err) {
	case llm.KindAuth:
		return models.ErrorAuth
	case llm.KindRateLimit:
		return models.ErrorRateLimit
	case llm.KindModelAccess:
		return models.ErrorModelAccess
	}
	return models.ErrorLLMFailed
}

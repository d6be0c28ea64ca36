package llm

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/tmc/langchaingo/llms"
)

// ErrorKind classifies generation failures for the transport boundary.
type ErrorKind string

const (
	KindAuth        ErrorKind = "auth"
	KindRateLimit   ErrorKind = "rate_limit"
	KindModelAccess ErrorKind = "model_access"
	KindUnknown     ErrorKind = "unknown"
)

// BackendError is a classified generation backend failure.
type BackendError struct {
	Kind     ErrorKind
	Provider string
	Err      error
}

func (e *BackendError) Error() string {
	if e.Provider == "" {
		return fmt.Sprintf("generation backend (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("generation backend %s (%s): %v", e.Provider, e.Kind, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// NewBackendError wraps err with its classification.
func NewBackendError(provider string, err error) *BackendError {
	return &BackendError{Kind: Classify(err), Provider: provider, Err: err}
}

// KindOf returns the classification carried by err, classifying it on the
// fly when it was not produced by a backend.
func KindOf(err error) ErrorKind {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Kind
	}
	return Classify(err)
}

var (
	authMarkers = []string{
		"api key", "api_key", "apikey", "x-api-key", "unauthorized", "unauthenticated",
		"authentication", "invalid token",
	}
	rateMarkers = []string{
		"rate limit", "rate_limit", "ratelimit", "too many requests", "quota",
	}
	modelMarkers = []string{
		"model_not_found", "model not found", "does not have access", "no access to model",
		"permission denied", "forbidden",
	}

	// Status codes only count as whole numbers.
	authStatus  = regexp.MustCompile(`\b401\b`)
	rateStatus  = regexp.MustCompile(`\b429\b`)
	modelStatus = regexp.MustCompile(`\b403\b`)
)

// Classify inspects err: langchaingo's typed errors first, then the
// message text.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	var typed *llms.Error
	if errors.As(err, &typed) {
		switch typed.Code {
		case llms.ErrCodeAuthentication:
			return KindAuth
		case llms.ErrCodeRateLimit, llms.ErrCodeQuotaExceeded:
			return KindRateLimit
		case llms.ErrCodeResourceNotFound:
			return KindModelAccess
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, authMarkers) || authStatus.MatchString(msg):
		return KindAuth
	case containsAny(msg, rateMarkers) || rateStatus.MatchString(msg):
		return KindRateLimit
	case containsAny(msg, modelMarkers) || modelStatus.MatchString(msg):
		return KindModelAccess
	case strings.Contains(msg, "model") && strings.Contains(msg, "access"):
		return KindModelAccess
	}
	return KindUnknown
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

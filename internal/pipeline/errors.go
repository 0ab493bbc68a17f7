package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dvloznov/expense-assistant/internal/domain"
)

// ErrorKind classifies an expected pipeline failure.
type ErrorKind string

const (
	// Configuration failures are permanent until an operator fixes setup.
	ErrConfiguration          ErrorKind = "ConfigurationError"
	ErrNoCategoriesConfigured ErrorKind = "NoCategoriesConfigured"

	// Input failures are caller-correctable and shown to the end user.
	ErrParsingFailure   ErrorKind = "ParsingFailure"
	ErrValidation       ErrorKind = "ValidationError"
	ErrCategoryNotFound ErrorKind = "CategoryNotFound"

	// Upstream failures are transient and safe to retry at a higher layer.
	ErrUpstreamUnavailable ErrorKind = "UpstreamUnavailable"
	ErrUpstreamTimeout     ErrorKind = "UpstreamTimeout"
	ErrUpstreamRateLimited ErrorKind = "UpstreamRateLimited"
)

// Transient reports whether a failure of this kind may succeed on retry.
func (k ErrorKind) Transient() bool {
	switch k {
	case ErrUpstreamUnavailable, ErrUpstreamTimeout, ErrUpstreamRateLimited:
		return true
	}
	return false
}

// Error is the typed failure returned for every expected failure kind.
type Error struct {
	Kind    ErrorKind
	Message string

	// Index is the zero-based draft index for ValidationError, nil otherwise.
	Index *int

	// MissingCategories is the sorted unique list for CategoryNotFound.
	MissingCategories []string

	// Usage is set when the upstream call completed before the failure,
	// so the caller can still account for consumed tokens.
	Usage *domain.Usage

	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the ErrorKind of err if it is, or wraps, a *Error.
func KindOf(err error) (ErrorKind, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return "", false
}

func newError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func validationError(index int, format string, args ...interface{}) *Error {
	e := newError(ErrValidation, format, args...)
	e.Index = &index
	return e
}

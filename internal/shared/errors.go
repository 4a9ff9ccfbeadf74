package shared

import (
	"errors"
	"sort"
	"strings"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates malformed input supplied by the caller.
	ErrValidation = errors.New("validation failed")
	// ErrConfiguration indicates a data-integrity problem that must not be retried.
	ErrConfiguration = errors.New("configuration error")
	// ErrDuplicate indicates a uniqueness conflict.
	ErrDuplicate = errors.New("duplicate entry")
	// ErrForbidden indicates the principal lacks the required permission.
	ErrForbidden = errors.New("forbidden")
	// ErrUnauthenticated indicates that no principal was attached to the request.
	ErrUnauthenticated = errors.New("unauthenticated")
)

// ValidationError carries per-field validation messages.
type ValidationError struct {
	Fields map[string]string
}

// NewValidationError builds a ValidationError for a single field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: message}}
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Fields) == 0 {
		return ErrValidation.Error()
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return ErrValidation.Error() + ": " + strings.Join(parts, "; ")
}

// Is lets errors.Is(err, ErrValidation) match.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// UserSafeMessage returns a message that can be shown to API clients.
func UserSafeMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrValidation),
		errors.Is(err, ErrDuplicate),
		errors.Is(err, ErrForbidden),
		errors.Is(err, ErrConfiguration),
		errors.Is(err, ErrUnauthenticated):
		return err.Error()
	default:
		return "internal error"
	}
}

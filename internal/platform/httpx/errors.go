// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/odyssey-erp/menuauthz/internal/shared"
)

// Sentinel errors for domain layer.
var (
	ErrNotFound      = shared.ErrNotFound
	ErrDuplicate     = shared.ErrDuplicate
	ErrValidation    = shared.ErrValidation
	ErrForbidden     = shared.ErrForbidden
	ErrUnauthorized  = shared.ErrUnauthenticated
	ErrConfiguration = shared.ErrConfiguration
)

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	var validationErr *shared.ValidationError
	switch {
	case errors.As(err, &validationErr):
		JSON(w, http.StatusBadRequest, ProblemDetail{
			Title:  "Validation Failed",
			Status: http.StatusBadRequest,
			Detail: err.Error(),
			Fields: validationErr.Fields,
		})
	case errors.Is(err, ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrDuplicate):
		Problem(w, http.StatusConflict, "Duplicate", err.Error())
	case errors.Is(err, ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrForbidden):
		Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, ErrUnauthorized):
		Problem(w, http.StatusUnauthorized, "Unauthorized", err.Error())
	case errors.Is(err, ErrConfiguration):
		Problem(w, http.StatusInternalServerError, "Configuration Error", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

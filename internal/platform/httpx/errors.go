// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"
	"strconv"
)

// Sentinel errors for domain layer.
var (
	ErrNotFound   = errors.New("resource not found")
	ErrDuplicate  = errors.New("duplicate entry")
	ErrValidation = errors.New("validation failed")
)

// Mapping binds a domain sentinel to an HTTP status. RetryAfter, in seconds,
// is sent as the Retry-After header when positive.
type Mapping struct {
	Err        error
	Status     int
	Title      string
	RetryAfter int
}

// RespondError maps domain errors to HTTP responses using RFC7807. Module
// mappings are consulted before the generic sentinels.
func RespondError(w http.ResponseWriter, err error, mappings ...Mapping) {
	for _, m := range mappings {
		if errors.Is(err, m.Err) {
			if m.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(m.RetryAfter))
			}
			Problem(w, m.Status, m.Title, err.Error())
			return
		}
	}
	switch {
	case errors.Is(err, ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrDuplicate):
		Problem(w, http.StatusConflict, "Duplicate", err.Error())
	case errors.Is(err, ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

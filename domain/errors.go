package domain

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound is returned by stores when an entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConcurrencyConflict indicates that the underlying storage rejected an
	// update because a newer version of the entity is already persisted.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrStaleWrite marks data older than what is already cached. It is never
	// surfaced to users.
	ErrStaleWrite = errors.New("stale write")
)

// ErrorKind classifies a failed persistence request.
type ErrorKind string

const (
	KindValidation    ErrorKind = "validation"
	KindNotFound      ErrorKind = "not-found"
	KindForbidden     ErrorKind = "forbidden"
	KindConflict      ErrorKind = "conflict"
	KindRequestFailed ErrorKind = "request-failed"
)

// RequestError is the typed failure of a call to the persistence API.
type RequestError struct {
	Kind    ErrorKind
	Status  int
	Message string
	Err     error
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" && e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *RequestError) Unwrap() error { return e.Err }

// NewRequestError builds a RequestError.
func NewRequestError(kind ErrorKind, message string) *RequestError {
	return &RequestError{Kind: kind, Status: kind.Status(), Message: message}
}

// Status maps an error kind to its HTTP status code.
func (k ErrorKind) Status() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// KindFromStatus maps an HTTP status code back to an error kind.
func KindFromStatus(status int) ErrorKind {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return KindValidation
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindForbidden
	case http.StatusConflict, http.StatusPreconditionFailed:
		return KindConflict
	default:
		return KindRequestFailed
	}
}

// KindOf returns the kind of err. Any error that is not a RequestError
// (timeouts, transport failures) is KindRequestFailed.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Kind
	}
	if errors.Is(err, ErrNotFound) {
		return KindNotFound
	}
	return KindRequestFailed
}

// IsConflict reports whether err is a neighbor or version conflict.
func IsConflict(err error) bool { return KindOf(err) == KindConflict }

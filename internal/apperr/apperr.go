package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for the HTTP layer.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuth
	KindNotFound
	KindPrecondition
	KindConflict
	KindUpstream
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	case KindPrecondition:
		return "precondition"
	case KindConflict:
		return "conflict"
	case KindUpstream:
		return "upstream"
	case KindStorage:
		return "storage"
	default:
		return "internal"
	}
}

// Error is an application error with a kind and an optional cause.
// Status and Details are only set for upstream failures.
type Error struct {
	Kind    Kind
	Msg     string
	Err     error
	Status  int
	Details any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func Validation(format string, args ...any) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

func Auth(msg string) error {
	return &Error{Kind: KindAuth, Msg: msg}
}

func NotFound(what string) error {
	return &Error{Kind: KindNotFound, Msg: what + " not found"}
}

func Precondition(msg string) error {
	return &Error{Kind: KindPrecondition, Msg: msg}
}

func Conflict(msg string) error {
	return &Error{Kind: KindConflict, Msg: msg}
}

// Storage wraps a persistence failure.
func Storage(op string, err error) error {
	return &Error{Kind: KindStorage, Msg: op, Err: err}
}

// Upstream wraps a recognition service failure. status is the upstream HTTP
// status, or 0 when the service never answered.
func Upstream(msg string, status int, details any, err error) error {
	return &Error{Kind: KindUpstream, Msg: msg, Status: status, Details: details, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// HTTPStatus maps err to a response status code.
func HTTPStatus(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindValidation, KindPrecondition:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUpstream:
		if e.Status >= 400 {
			return e.Status
		}
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Message is the client-facing message of err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindStorage && e.Kind != KindInternal {
		return e.Msg
	}
	return err.Error()
}

// Details returns upstream diagnostic payload carried by err, if any.
func Details(err error) any {
	var e *Error
	if errors.As(err, &e) {
		return e.Details
	}
	return nil
}

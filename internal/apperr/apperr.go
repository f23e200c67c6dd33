// Package apperr classifies orchestrator failures and maps them to the
// structured message + status code results returned at API boundaries.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the failure class of an orchestrator error.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindNotFound    Kind = "not_found"
	KindConflict    Kind = "conflict"
	KindTransaction Kind = "transaction"
	KindInvariant   Kind = "invariant"
	KindExternal    Kind = "external"
)

// Error is a classified failure. Op names the step that failed.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.message(), e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.message())
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.message(), e.Err)
	default:
		return e.message()
	}
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) message() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind)
}

// Validation reports bad input detected before any mutation.
func Validation(message string) error {
	return &Error{Kind: KindValidation, Message: message}
}

// NotFound reports a missing referenced record.
func NotFound(message string, err error) error {
	return &Error{Kind: KindNotFound, Message: message, Err: err}
}

// Conflict reports a uniqueness violation surfaced by a store.
func Conflict(message string, err error) error {
	return &Error{Kind: KindConflict, Message: message, Err: err}
}

// Transaction reports a storage write failure mid-operation.
func Transaction(op string, err error) error {
	return &Error{Kind: KindTransaction, Op: op, Message: "transaction failed", Err: err}
}

// Invariant reports a state the operation must never produce.
func Invariant(op, message string) error {
	return &Error{Kind: KindInvariant, Op: op, Message: message}
}

// External reports a collaborator failure (payment gateway, file store).
func External(op string, err error) error {
	return &Error{Kind: KindExternal, Op: op, Message: "external collaborator failed", Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindTransaction for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransaction
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// Result is the user-visible outcome of an orchestrator operation.
type Result struct {
	Message    string `json:"message"`
	StatusCode int    `json:"statusCode"`
	Code       string `json:"code,omitempty"`
}

// Success builds a successful result.
func Success(message string, status int) Result {
	return Result{Message: message, StatusCode: status}
}

// From maps an error onto a Result. Messages of validation, not-found and
// conflict errors are shown verbatim; the others are reduced to their class
// so storage details never leak to callers.
func From(err error) Result {
	if err == nil {
		return Success("ok", http.StatusOK)
	}
	var e *Error
	if !errors.As(err, &e) {
		return Result{Message: "internal error", StatusCode: http.StatusInternalServerError, Code: "internal_error"}
	}
	switch e.Kind {
	case KindValidation:
		return Result{Message: e.message(), StatusCode: http.StatusBadRequest, Code: "invalid_request"}
	case KindNotFound:
		return Result{Message: e.message(), StatusCode: http.StatusNotFound, Code: "not_found"}
	case KindConflict:
		return Result{Message: e.message(), StatusCode: http.StatusConflict, Code: "conflict"}
	case KindInvariant:
		return Result{Message: e.message(), StatusCode: http.StatusInternalServerError, Code: "invariant_violation"}
	case KindExternal:
		return Result{Message: "upstream service failed", StatusCode: http.StatusBadGateway, Code: "external_error"}
	default:
		return Result{Message: "transaction failed", StatusCode: http.StatusInternalServerError, Code: "transaction_failed"}
	}
}

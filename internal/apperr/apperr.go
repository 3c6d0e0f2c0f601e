// Package apperr defines the tagged error kinds used across the quiz
// engine. Handlers translate kinds to HTTP status codes and surface the
// stable string code in the response envelope.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for transport mapping and retry policy.
type Kind int

const (
	KindValidation Kind = iota
	KindAuthRequired
	KindForbidden
	KindNotFound
	KindConflict
	KindPrecondition
	KindDeviceMismatch
	KindRateLimited
	KindUpstream
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthRequired:
		return "auth_required"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindPrecondition:
		return "precondition"
	case KindDeviceMismatch:
		return "device_mismatch"
	case KindRateLimited:
		return "rate_limited"
	case KindUpstream:
		return "upstream"
	default:
		return "internal"
	}
}

// HTTPStatus maps a kind to its transport status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthRequired:
		return http.StatusUnauthorized
	case KindForbidden, KindDeviceMismatch:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindPrecondition:
		return http.StatusUnprocessableEntity
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error is a kinded error with a stable machine-readable code.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a kinded error with a stable code.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap attaches a cause to a kinded error.
func Wrap(kind Kind, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

// Stable codes shared by more than one package. Codes used by a single
// package are declared next to their producer.
const (
	CodeQuizNotLive        = "QUIZ_NOT_LIVE"
	CodeQuizNotFound       = "QUIZ_NOT_FOUND"
	CodeInvalidTransition  = "INVALID_TRANSITION"
	CodeAlreadyFinalized   = "ALREADY_FINALIZED"
	CodeDeviceMismatch     = "DEVICE_MISMATCH"
	CodeJoinThrottled      = "JOIN_THROTTLED"
	CodeAdvancedPastSlot   = "ADVANCED_PAST_SLOT"
	CodeTimeExpired        = "TIME_EXPIRED"
	CodeQuestionNotInOrder = "QUESTION_NOT_IN_ORDER"
	CodeQuizTimeOver       = "QUIZ_TIME_OVER"
	CodeRapidAnswer        = "RAPID_ANSWER"
	CodeDuplicateWebhook   = "DUPLICATE_WEBHOOK"
)

// KindOf extracts the kind from err, defaulting to KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf extracts the stable code from err, defaulting to "INTERNAL".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "INTERNAL"
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

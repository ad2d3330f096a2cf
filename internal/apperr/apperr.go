// Package apperr defines the error taxonomy shared by the messaging core and its transports.
package apperr

import (
	"net/http"

	"github.com/pkg/errors"
)

type Code string

const (
	CodeInvalidArgument   Code = "INVALID_ARGUMENT"
	CodeUnauthenticated   Code = "UNAUTHENTICATED"
	CodePermissionDenied  Code = "PERMISSION_DENIED"
	CodeInsufficientFunds Code = "INSUFFICIENT_FUNDS"
	CodeNotFound          Code = "NOT_FOUND"
	CodeRateLimited       Code = "RATE_LIMITED"
	CodeTransientIO       Code = "TRANSIENT_IO"
	CodeInternal          Code = "INTERNAL"
)

// Error is an error carrying a Code that transports translate into status codes or error events
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func InvalidArgument(msg string) error {
	return New(CodeInvalidArgument, msg)
}

func Unauthenticated(msg string) error {
	return New(CodeUnauthenticated, msg)
}

func PermissionDenied(msg string) error {
	return New(CodePermissionDenied, msg)
}

func NotFound(msg string) error {
	return New(CodeNotFound, msg)
}

// TransientIO wraps a persistence or delivery failure
func TransientIO(msg string, cause error) error {
	return Wrap(CodeTransientIO, msg, cause)
}

var (
	ErrEmptyBody         = InvalidArgument("message body must not be empty")
	ErrMalformedIdentity = InvalidArgument("malformed identity")
	ErrSelfTarget        = InvalidArgument("source and target identity must differ")
	ErrUnauthenticated   = Unauthenticated("connection is not authenticated")
	ErrInvalidToken      = Unauthenticated("invalid identity token")
	ErrInsufficientFunds = New(CodeInsufficientFunds, "insufficient coins")
	ErrBlocked           = PermissionDenied("receiver does not accept messages from sender")
	ErrRateLimited       = New(CodeRateLimited, "too many messages")
)

// CodeOf returns the Code carried by err or CodeInternal when err carries none
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// MessageOf returns a message safe to show to a client. Causes are never exposed.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return http.StatusText(http.StatusInternalServerError)
}

// HTTPStatus maps a Code to the HTTP status used by the REST surface
func HTTPStatus(code Code) int {
	switch code {
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeInsufficientFunds:
		return http.StatusPaymentRequired
	case CodeNotFound:
		return http.StatusNotFound
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeTransientIO:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

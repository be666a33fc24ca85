// Package apperr classifies failures raised while serving a chat turn so the
// HTTP layer can map them to distinct status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindValidation Kind = "validation"
	KindStorage    Kind = "storage"
	KindUpstream   Kind = "upstream"
	KindStartup    Kind = "startup"
	KindInternal   Kind = "internal"
)

// Error carries a Kind alongside the wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause == nil {
		return e.Message
	}
	if e.Message == "" {
		return e.Cause.Error()
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func New(kind Kind, message string, cause error) error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func Validation(format string, args ...any) error {
	return New(KindValidation, fmt.Sprintf(format, args...), nil)
}

func Storage(message string, cause error) error {
	return New(KindStorage, message, cause)
}

func Upstream(message string, cause error) error {
	return New(KindUpstream, message, cause)
}

func Startup(message string, cause error) error {
	return New(KindStartup, message, cause)
}

// KindOf returns the kind of the outermost classified error in the chain.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps an error to the response code returned by the API.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

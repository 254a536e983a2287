package apperr

import (
	"errors"
	"fmt"
)

// Kind is the machine readable category of a failure.
type Kind string

const (
	KindUnknown             Kind = "internal_error"
	KindInvalidRequest      Kind = "invalid_request"
	KindUnsupportedFileType Kind = "unsupported_file_type"
	KindPreprocess          Kind = "preprocess_error"
	KindInference           Kind = "inference_error"
	KindNotFound            Kind = "not_found"
	KindUnauthorized        Kind = "unauthorized"
	KindStorage             Kind = "storage_error"
)

// Error carries a kind and a message that is safe to show to callers.
// Err holds the internal cause and is never rendered in responses.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New builds a classified error.
func New(kind Kind, message string, err error) error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// UnsupportedFileType reports a rejected upload by name.
func UnsupportedFileType(filename string) error {
	return &Error{
		Kind:    KindUnsupportedFileType,
		Message: fmt.Sprintf("unsupported file type: %q", filename),
	}
}

// NotFound is shared by missing and foreign resources so the two cannot be told apart.
func NotFound(resource string) error {
	return &Error{Kind: KindNotFound, Message: resource + " not found"}
}

// KindOf returns the kind of the first *Error in the chain, or KindUnknown.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindUnknown
}

// MessageOf returns the public message of the first *Error in the chain.
func MessageOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) && appErr.Message != "" {
		return appErr.Message
	}
	return "internal server error"
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

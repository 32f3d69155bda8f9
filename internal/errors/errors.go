package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
)

// Kind represents the category of an error
type Kind string

const (
	KindTransport Kind = "transport"
	KindTimeout   Kind = "timeout"
	KindStatus    Kind = "status"
	KindConfig    Kind = "config"
)

// AppError represents an error with a category attached
type AppError struct {
	Kind    Kind
	Message string
	Status  int
	Err     error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a new configuration error
func NewConfigError(message string, err error) *AppError {
	return &AppError{Kind: KindConfig, Message: message, Err: err}
}

// NewStatusError records a response whose status code is not 200
func NewStatusError(status int) *AppError {
	return &AppError{
		Kind:    KindStatus,
		Message: fmt.Sprintf("unexpected status %d %s", status, http.StatusText(status)),
		Status:  status,
	}
}

// ClassifyTransport wraps an error returned by http.Client.Do. Deadlines and
// net timeouts become KindTimeout, everything else KindTransport.
func ClassifyTransport(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return &AppError{Kind: KindTimeout, Message: "request timed out", Err: err}
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return &AppError{Kind: KindTimeout, Message: "request timed out", Err: err}
	}
	return &AppError{Kind: KindTransport, Message: "request failed", Err: err}
}

// KindOf returns the Kind of the first AppError in err's chain, or "" if none.
func KindOf(err error) Kind {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Kind
	}
	return ""
}

// IsKind reports whether err carries the given Kind
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

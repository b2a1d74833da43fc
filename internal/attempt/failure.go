package attempt

import (
	"errors"
	"fmt"
)

// FailureKind discriminates why an attempt failed.
type FailureKind string

const (
	FailureValidation FailureKind = "validation"
	FailureHTTPStatus FailureKind = "http_status"
	FailureTimeout    FailureKind = "timeout"
	FailureTransport  FailureKind = "transport"
)

// Failure is the terminal error of a failed attempt.
type Failure struct {
	Kind       FailureKind `json:"kind"`
	StatusCode int         `json:"status_code,omitempty"`
	Err        error       `json:"-"`
}

func (f *Failure) Error() string {
	if f == nil {
		return ""
	}
	switch {
	case f.Kind == FailureHTTPStatus:
		return fmt.Sprintf("%s: status %d", f.Kind, f.StatusCode)
	case f.Err != nil:
		return fmt.Sprintf("%s: %v", f.Kind, f.Err)
	}
	return string(f.Kind)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (f *Failure) Unwrap() error {
	if f == nil {
		return nil
	}
	return f.Err
}

// Message is the text shown to the user. It never carries raw errors.
func (f *Failure) Message() string {
	if f == nil {
		return ""
	}
	switch f.Kind {
	case FailureValidation:
		if errors.Is(f.Err, ErrTooLarge) {
			return "Only images up to 5MB can be uploaded."
		}
		return "Only image files can be uploaded."
	case FailureHTTPStatus:
		return fmt.Sprintf("The server returned an error (%d).", f.StatusCode)
	case FailureTimeout:
		return "The server is taking too long to respond. Please try again in a moment."
	default:
		return "Prediction failed. The server may be down or the image may be too large."
	}
}

// AsFailure extracts a *Failure from err.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

package action

import (
	"errors"
	"fmt"
)

// Error codes for the dispatch taxonomy. Recoverable codes drive the
// adapter-fallback and backoff path; the rest abort immediately.
const (
	CodeNotFound             = "not_found"
	CodeAmbiguousTarget      = "ambiguous_target"
	CodePolicyDenied         = "policy_denied"
	CodeConfirmationRejected = "confirmation_rejected"
	CodeAdapterUnavailable   = "adapter_unavailable"
	CodeElementNotFound      = "element_not_found"
	CodeElementNotVisible    = "element_not_visible"
	CodeOutOfBounds          = "out_of_bounds"
	CodeNoEligibleAdapter    = "no_eligible_adapter"
	CodeCancelled            = "cancelled"
	CodeMalformedRequest     = "malformed_request"
)

var recoverableCodes = map[string]bool{
	CodeAdapterUnavailable: true,
	CodeElementNotFound:    true,
	CodeElementNotVisible:  true,
	CodeOutOfBounds:        true,
	CodeNoEligibleAdapter:  true,
}

// Error is the structured error carried inside an Outcome. Recoverable
// errors are retried on another channel; fatal ones surface as-is.
type Error struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Target      string `json:"target,omitempty"`
	Channel     string `json:"channel,omitempty"`
	Recoverable bool   `json:"recoverable"`
	Cause       error  `json:"-"`
}

// NewError builds an Error with the recoverability implied by its code.
func NewError(code, message string) *Error {
	return &Error{
		Code:        code,
		Message:     message,
		Recoverable: recoverableCodes[code],
	}
}

// Errorf builds an Error with a formatted message.
func Errorf(code, format string, args ...interface{}) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Code
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Channel != "" {
		msg += " (channel=" + e.Channel + ")"
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// WithTarget annotates the error with the target it concerned.
func (e *Error) WithTarget(target string) *Error {
	e.Target = target
	return e
}

// WithChannel annotates the error with the channel that produced it.
func (e *Error) WithChannel(channel string) *Error {
	e.Channel = channel
	return e
}

// WithCause attaches the underlying error for %w-style unwrapping.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// IsRecoverable reports whether err is a recoverable dispatch error.
func IsRecoverable(err error) bool {
	var ae *Error
	if errors.As(err, &ae) && ae != nil {
		return ae.Recoverable
	}
	return false
}

// ErrorCode extracts the taxonomy code from err, or "" if it is not ours.
func ErrorCode(err error) string {
	var ae *Error
	if errors.As(err, &ae) && ae != nil {
		return ae.Code
	}
	return ""
}

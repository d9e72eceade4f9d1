// Package fault defines the error taxonomy shared across the service.
// Every externally visible error carries a stable machine-readable code and
// reason so SDKs can branch on cause without parsing human messages.
package fault

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeValidation   Code = "validation_error"
	CodeVerification Code = "verification_error"
	CodeReplay       Code = "replay_error"
	CodeTransition   Code = "transition_error"
	CodeDelivery     Code = "delivery_error"
)

type Error struct {
	Code    Code   `json:"code"`
	Reason  string `json:"reason"`
	Message string `json:"message"`

	// Transient marks a verification failure that may pass on a later
	// retry of the same proof. It is a server-side hint; the challenge
	// body carries its own retryable flag.
	Transient bool `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%s): %s", e.Code, e.Reason, e.Message)
}

func New(code Code, reason, message string) *Error {
	return &Error{Code: code, Reason: reason, Message: message}
}

func Validation(reason, message string) *Error {
	return New(CodeValidation, reason, message)
}

func Verification(reason, message string) *Error {
	return New(CodeVerification, reason, message)
}

// TransientVerification builds a verification error for an outcome that a
// later retry can still turn into a success, such as a transaction that is
// broadcast but not yet mined.
func TransientVerification(reason, message string) *Error {
	return &Error{Code: CodeVerification, Reason: reason, Message: message, Transient: true}
}

func Replay(reason, message string) *Error {
	return New(CodeReplay, reason, message)
}

func Transition(reason, message string) *Error {
	return New(CodeTransition, reason, message)
}

func Delivery(reason, message string) *Error {
	return New(CodeDelivery, reason, message)
}

// CodeOf extracts the taxonomy code from err, or "" for untyped errors.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// ReasonOf extracts the stable reason string from err, or "" for untyped errors.
func ReasonOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Reason
	}
	return ""
}

func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// IsTransient reports whether err is a verification failure worth retrying
// with the same proof.
func IsTransient(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Transient
	}
	return false
}

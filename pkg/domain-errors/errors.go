// Package dErrors provides coded domain errors.
//
// Services return these so callers can branch on the failure kind without
// string matching. Infrastructure layers return sentinels
// (pkg/platform/sentinel) and services translate them here at the boundary.
package dErrors

import (
	"errors"
	"fmt"
)

// Code classifies a domain failure.
type Code string

const (
	// CodeValidation covers malformed or missing input (bad ledger entry,
	// empty contact, unknown enum value).
	CodeValidation Code = "validation"

	// CodeNotFound means the referenced entity does not exist.
	CodeNotFound Code = "not_found"

	// CodeNotEligible means a state-machine precondition was violated
	// (archive before the retention deadline, grant outside PENDING).
	CodeNotEligible Code = "not_eligible"

	// CodeInvalidToken means a consent token failed subject binding or
	// digest verification.
	CodeInvalidToken Code = "invalid_token"

	// CodeTokenExpired means a consent token aged past its TTL.
	CodeTokenExpired Code = "token_expired"

	// CodeContactMismatch means the presented parent contact does not match
	// the contact on file.
	CodeContactMismatch Code = "contact_mismatch"

	// CodeConflict means a conditional claim update lost a race.
	CodeConflict Code = "conflict"

	// CodeStorage means a store collaborator failed; the enclosing
	// transaction has been rolled back and the operation is retryable.
	CodeStorage Code = "storage"

	// CodeTimeout means the operation's context deadline elapsed.
	CodeTimeout Code = "timeout"

	// CodeInternal is an unexpected failure with no better classification.
	CodeInternal Code = "internal"
)

// Error is a coded domain error, optionally wrapping a cause.
type Error struct {
	code  Code
	msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.code, e.msg)
}

func (e *Error) Unwrap() error { return e.cause }

// Code returns the classification of this error.
func (e *Error) Code() Code { return e.code }

// New creates a coded error without a cause.
func New(code Code, msg string) error {
	return &Error{code: code, msg: msg}
}

// Wrap annotates a cause with a code and message. A nil cause returns nil.
func Wrap(cause error, code Code, msg string) error {
	if cause == nil {
		return nil
	}
	return &Error{code: code, msg: msg, cause: cause}
}

// HasCode reports whether err or anything it wraps carries the given code.
func HasCode(err error, code Code) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.code == code
	}
	return false
}

// CodeOf extracts the code from err, defaulting to CodeInternal.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.code
	}
	return CodeInternal
}

// IsRetryable reports whether the failure is transient. Storage and timeout
// failures follow a rolled-back transaction and may be retried verbatim.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeStorage, CodeTimeout:
		return true
	}
	return false
}

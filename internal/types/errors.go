package types

import (
	"errors"
	"fmt"
)

// Kind is a stable, machine-readable error classification.
type Kind string

// Error kind constants
const (
	KindInvalidInput         Kind = "INVALID_INPUT"
	KindMissingRequiredField Kind = "MISSING_REQUIRED_FIELD"
	KindInvalidID            Kind = "INVALID_ID"
	KindInvalidStatus        Kind = "INVALID_STATUS"
	KindInvalidContentType   Kind = "INVALID_CONTENT_TYPE"
	KindTitleTooLong         Kind = "TITLE_TOO_LONG"
	KindNotFound             Kind = "NOT_FOUND"
	KindAlreadyExists        Kind = "ALREADY_EXISTS"
	KindConflict             Kind = "CONFLICT"
	KindImmutable            Kind = "IMMUTABLE"
	KindCycleDetected        Kind = "CYCLE_DETECTED"
	KindMemberRequired       Kind = "MEMBER_REQUIRED"
	KindConstraint           Kind = "CONSTRAINT"
)

// Error carries a Kind alongside the message so callers can branch on the
// classification without string matching.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.Err }

// E constructs a kinded error with a formatted message.
func E(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from an error chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsNotFound reports whether the error is a NOT_FOUND.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsConflict reports whether the error is an optimistic-concurrency CONFLICT.
func IsConflict(err error) bool { return KindOf(err) == KindConflict }

// IsImmutable reports whether the error is an IMMUTABLE violation.
func IsImmutable(err error) bool { return KindOf(err) == KindImmutable }

// IsCycle reports whether the error is a CYCLE_DETECTED.
func IsCycle(err error) bool { return KindOf(err) == KindCycleDetected }

// IsValidation reports whether the error is any validation variant the
// caller must fix before retrying.
func IsValidation(err error) bool {
	switch KindOf(err) {
	case KindInvalidInput, KindMissingRequiredField, KindInvalidID,
		KindInvalidStatus, KindInvalidContentType, KindTitleTooLong:
		return true
	}
	return false
}

// SyncError describes a failure against one external resource during a sync
// operation. Retryable failures (rate limits, 5xx, timeouts) may be retried
// with backoff; permanent failures must not be.
type SyncError struct {
	Provider   string `json:"provider"`
	Project    string `json:"project,omitempty"`
	ElementID  string `json:"element_id,omitempty"`
	ExternalID string `json:"external_id,omitempty"`
	Message    string `json:"message"`
	Code       string `json:"code,omitempty"`
	Retryable  bool   `json:"retryable"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	return fmt.Sprintf("sync %s/%s element=%s external=%s: %s (retryable=%t)",
		e.Provider, e.Project, e.ElementID, e.ExternalID, e.Message, e.Retryable)
}

// Unwrap returns the wrapped cause, if any.
func (e *SyncError) Unwrap() error { return e.Err }

// IsRetryable reports whether the error chain contains a retryable SyncError.
func IsRetryable(err error) bool {
	var se *SyncError
	return errors.As(err, &se) && se.Retryable
}

package types

import (
	"errors"
	"fmt"
)

// ErrorKind tags an Error so callers can branch without string matching.
// The transport edge maps kinds to HTTP statuses; the job runtime uses
// KindProviderTransient to decide whether a dispatch is retryable.
type ErrorKind string

const (
	KindValidation        ErrorKind = "validation"
	KindNotFound          ErrorKind = "not_found"
	KindConflict          ErrorKind = "conflict"
	KindDailyCapReached   ErrorKind = "daily_cap_reached"
	KindProviderTransient ErrorKind = "provider_transient"
	KindProviderFatal     ErrorKind = "provider_fatal"
	KindIntegrity         ErrorKind = "integrity"
	KindInternal          ErrorKind = "internal"
)

// Error is the tagged error value the core raises. Capacity is non-nil only
// for KindDailyCapReached so the caller can show how full the window is.
type Error struct {
	Kind     ErrorKind
	Message  string
	Capacity *RateStatus
	cause    error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Wrap attaches a cause while keeping the kind and message.
func (e *Error) Wrap(cause error) *Error {
	return &Error{Kind: e.Kind, Message: e.Message, Capacity: e.Capacity, cause: cause}
}

// Validationf builds a caller-input error.
func Validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// NotFoundf builds a missing-record error.
func NotFoundf(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// Conflictf builds a state-machine conflict error, e.g. editing a
// non-pending intent.
func Conflictf(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// CapReached builds the daily-cap error carrying the capacity snapshot.
func CapReached(status RateStatus) *Error {
	return &Error{
		Kind:     KindDailyCapReached,
		Message:  fmt.Sprintf("daily message cap reached (%d/%d)", status.SentToday, status.DailyCap),
		Capacity: &status,
	}
}

// Transientf builds a retryable provider error.
func Transientf(format string, args ...any) *Error {
	return &Error{Kind: KindProviderTransient, Message: fmt.Sprintf(format, args...)}
}

// Fatalf builds a non-retryable provider error.
func Fatalf(format string, args ...any) *Error {
	return &Error{Kind: KindProviderFatal, Message: fmt.Sprintf(format, args...)}
}

// Integrityf builds a tampering/decryption error.
func Integrityf(format string, args ...any) *Error {
	return &Error{Kind: KindIntegrity, Message: fmt.Sprintf(format, args...)}
}

// Internalf builds an unexpected-failure error.
func Internalf(format string, args ...any) *Error {
	return &Error{Kind: KindInternal, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the kind from err, or KindInternal for untagged errors.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether the job runtime should retry after err.
// Only transient provider failures are retried; everything else is settled
// on the first attempt.
func IsRetryable(err error) bool {
	return IsKind(err, KindProviderTransient)
}

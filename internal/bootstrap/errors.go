package bootstrap

import (
	"errors"
	"fmt"
)

// Error is returned by every Bootstrap operation that fails.
//
// Error codes:
//   - SharedContainerUnavailable: the group has no resolvable container
//   - StoreInitializationFailed: the store could not be opened, created or migrated
//   - StoreNotInitialized: teardown without a matching active stack
//   - AlreadyInitialized: setup while a stack is active
//   - InvalidArgument: empty or malformed store file name or group identifier
//   - TeardownFailed: the store reported an error while closing
//
// None of these are retried internally.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	StoreFileName      string
	AppGroupIdentifier string

	// Err is the underlying cause, if any.
	Err error
}

// ErrorCode categorizes bootstrap errors.
type ErrorCode string

const (
	ErrCodeSharedContainerUnavailable ErrorCode = "SHARED_CONTAINER_UNAVAILABLE"
	ErrCodeStoreInitializationFailed  ErrorCode = "STORE_INITIALIZATION_FAILED"
	ErrCodeStoreNotInitialized        ErrorCode = "STORE_NOT_INITIALIZED"
	ErrCodeAlreadyInitialized         ErrorCode = "ALREADY_INITIALIZED"
	ErrCodeInvalidArgument            ErrorCode = "INVALID_ARGUMENT"

	// ErrCodeTeardownFailed means the store reported an error while closing.
	// The stack is released regardless.
	ErrCodeTeardownFailed ErrorCode = "TEARDOWN_FAILED"
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.StoreFileName != "" || e.AppGroupIdentifier != "" {
		msg = fmt.Sprintf("%s (store=%s, group=%s)", msg, e.StoreFileName, e.AppGroupIdentifier)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf returns the bootstrap error code carried by err, or "" if err is
// not a bootstrap error.
func CodeOf(err error) ErrorCode {
	var be *Error
	if errors.As(err, &be) {
		return be.Code
	}
	return ""
}

// IsSharedContainerUnavailable reports whether err is a container resolution failure.
func IsSharedContainerUnavailable(err error) bool {
	return CodeOf(err) == ErrCodeSharedContainerUnavailable
}

// IsStoreInitializationFailed reports whether err is a store open/create/migrate failure.
func IsStoreInitializationFailed(err error) bool {
	return CodeOf(err) == ErrCodeStoreInitializationFailed
}

// IsStoreNotInitialized reports whether err is a teardown without an active stack.
func IsStoreNotInitialized(err error) bool {
	return CodeOf(err) == ErrCodeStoreNotInitialized
}

// IsAlreadyInitialized reports whether err is a second setup.
func IsAlreadyInitialized(err error) bool {
	return CodeOf(err) == ErrCodeAlreadyInitialized
}

// IsInvalidArgument reports whether err is an input validation failure.
func IsInvalidArgument(err error) bool {
	return CodeOf(err) == ErrCodeInvalidArgument
}

func newError(code ErrorCode, loc StoreLocation, message string, err error) *Error {
	return &Error{
		Code:               code,
		Message:            message,
		StoreFileName:      loc.StoreFileName,
		AppGroupIdentifier: loc.AppGroupIdentifier,
		Err:                err,
	}
}

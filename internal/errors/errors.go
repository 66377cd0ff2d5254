// Package errors defines the error taxonomy of the almabot service and
// helpers to classify errors by how the process should react to them.
//
// # Error Types
//
//   - LockError: the session directory is owned by someone else, or the
//     lock file could not be managed. Fatal at process start.
//   - ConnectionError: a failure of the messaging connection, tagged with a
//     Kind (InitializationFailure, TransientDisconnect, LogoutDisconnect).
//   - StoreError: persisted session state could not be read or wiped.
//     Logged and surfaced, never fatal to the controller.
//
// # Usage
//
//	err := errors.NewLockError("acquire", errors.ErrSessionLocked).WithDir(dir)
//
//	if errors.IsFatal(err) { os.Exit(1) }
//	if errors.IsRetryable(err) { scheduleRetry() }
//
// The package re-exports Is, As, Unwrap, New and Join so callers can import
// it in place of the standard library package.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Re-export standard library functions for convenience.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Lock-related sentinel errors
var (
	// ErrSessionLocked indicates that a live process already owns the session directory.
	ErrSessionLocked = New("session is locked by another process")
	// ErrLockRace indicates the lock file appeared between the staleness
	// check and the exclusive create.
	ErrLockRace = New("lost lock creation race")
	// ErrLockNotHeld indicates the lock file is gone or owned by someone else.
	ErrLockNotHeld = New("lock not held")
)

// Connection-related sentinel errors
var (
	// ErrInitFailed indicates the connection handle failed to initialize.
	ErrInitFailed = New("connection initialization failed")
	// ErrHandleDestroyed indicates an operation on a handle that was torn down.
	ErrHandleDestroyed = New("connection handle destroyed")
	// ErrNoHandle indicates there is currently no connection handle.
	ErrNoHandle = New("no connection handle")
	// ErrControllerClosed indicates the lifecycle controller was shut down.
	ErrControllerClosed = New("lifecycle controller closed")
)

// Store-related sentinel errors
var (
	// ErrWipeFailed indicates a session wipe left files behind.
	ErrWipeFailed = New("session wipe failed")
)

// -----------------------------------------------------------------------------
// Base Error
// -----------------------------------------------------------------------------

// ClassifiedError is implemented by every error type in this package.
type ClassifiedError interface {
	error
	Unwrap() error
	Severity() Severity
	IsRetryable() bool
	IsFatal() bool
}

type baseError struct {
	message   string
	cause     error
	severity  Severity
	retryable bool
	fatal     bool
}

func (e *baseError) Unwrap() error      { return e.cause }
func (e *baseError) Severity() Severity { return e.severity }
func (e *baseError) IsRetryable() bool  { return e.retryable }
func (e *baseError) IsFatal() bool      { return e.fatal }

func (e *baseError) format(prefix string, parts []string) string {
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", prefix, strings.Join(parts, ", "))
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// -----------------------------------------------------------------------------
// LockError
// -----------------------------------------------------------------------------

// LockError reports a failure to acquire or maintain the session lock.
// Lock contention is fatal: the process must exit rather than run lockless.
//
// Example:
//
//	err := errors.NewLockError("acquire", errors.ErrSessionLocked).WithDir("/data/session")
//	fmt.Println(err) // "lock error [dir=/data/session]: acquire: session is locked by another process"
type LockError struct {
	baseError
	Dir   string
	Owner string
}

// NewLockError creates a new LockError.
func NewLockError(message string, cause error) *LockError {
	return &LockError{
		baseError: baseError{
			message:  message,
			cause:    cause,
			severity: SeverityCritical,
			fatal:    true,
		},
	}
}

// WithDir adds the session directory to the error context.
func (e *LockError) WithDir(dir string) *LockError {
	e.Dir = dir
	return e
}

// WithOwner adds the current lock holder to the error context.
func (e *LockError) WithOwner(owner string) *LockError {
	e.Owner = owner
	return e
}

// Error returns the formatted error message.
func (e *LockError) Error() string {
	var parts []string
	if e.Dir != "" {
		parts = append(parts, "dir="+e.Dir)
	}
	if e.Owner != "" {
		parts = append(parts, "owner="+e.Owner)
	}
	return e.format("lock error", parts)
}

// -----------------------------------------------------------------------------
// ConnectionError
// -----------------------------------------------------------------------------

// Kind classifies a ConnectionError.
type Kind int

const (
	// KindInitialization: Initialize failed. Recoverable, not auto-retried.
	KindInitialization Kind = iota
	// KindTransientDisconnect: connection dropped. Retried, session kept.
	KindTransientDisconnect
	// KindLogoutDisconnect: remote revoked the session. Wiped, then retried.
	KindLogoutDisconnect
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindInitialization:
		return "initialization_failure"
	case KindTransientDisconnect:
		return "transient_disconnect"
	case KindLogoutDisconnect:
		return "logout_disconnect"
	default:
		return "unknown"
	}
}

// ConnectionError reports a failure of the messaging connection.
type ConnectionError struct {
	baseError
	Kind       Kind
	Generation uint64
	Reason     string
}

// NewConnectionError creates a ConnectionError of the given kind.
func NewConnectionError(kind Kind, message string, cause error) *ConnectionError {
	return &ConnectionError{
		baseError: baseError{
			message:   message,
			cause:     cause,
			severity:  SeverityError,
			retryable: kind != KindInitialization,
		},
		Kind: kind,
	}
}

// WithGeneration records which handle generation failed.
func (e *ConnectionError) WithGeneration(gen uint64) *ConnectionError {
	e.Generation = gen
	return e
}

// WithReason records the disconnect reason reported by the bridge.
func (e *ConnectionError) WithReason(reason string) *ConnectionError {
	e.Reason = reason
	return e
}

// Error returns the formatted error message.
func (e *ConnectionError) Error() string {
	parts := []string{"kind=" + e.Kind.String()}
	if e.Generation != 0 {
		parts = append(parts, fmt.Sprintf("generation=%d", e.Generation))
	}
	if e.Reason != "" {
		parts = append(parts, "reason="+e.Reason)
	}
	return e.format("connection error", parts)
}

// Is matches ErrInitFailed for initialization failures in addition to the
// wrapped cause.
func (e *ConnectionError) Is(target error) bool {
	return target == ErrInitFailed && e.Kind == KindInitialization
}

// -----------------------------------------------------------------------------
// StoreError
// -----------------------------------------------------------------------------

// StoreError reports an I/O failure against persisted session state.
type StoreError struct {
	baseError
	Op   string
	Path string
}

// NewStoreError creates a new StoreError for the given operation.
func NewStoreError(op, path string, cause error) *StoreError {
	return &StoreError{
		baseError: baseError{
			message:  op,
			cause:    cause,
			severity: SeverityWarning,
		},
		Op:   op,
		Path: path,
	}
}

// Error returns the formatted error message.
func (e *StoreError) Error() string {
	var parts []string
	if e.Path != "" {
		parts = append(parts, "path="+e.Path)
	}
	return e.format("store error", parts)
}

// -----------------------------------------------------------------------------
// Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable reports whether err is a transient condition worth retrying.
func IsRetryable(err error) bool {
	var ce ClassifiedError
	if As(err, &ce) {
		return ce.IsRetryable()
	}
	return false
}

// IsFatal reports whether err should terminate the process. Bare
// ErrSessionLocked and ErrLockRace count as fatal even when unwrapped.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var ce ClassifiedError
	if As(err, &ce) && ce.IsFatal() {
		return true
	}
	return Is(err, ErrSessionLocked) || Is(err, ErrLockRace)
}

// GetSeverity returns the severity of err, defaulting to SeverityError for
// errors outside this package.
func GetSeverity(err error) Severity {
	var ce ClassifiedError
	if As(err, &ce) {
		return ce.Severity()
	}
	return SeverityError
}

// KindOf returns the ConnectionError kind carried by err, if any.
func KindOf(err error) (Kind, bool) {
	var ce *ConnectionError
	if As(err, &ce) {
		return ce.Kind, true
	}
	return 0, false
}

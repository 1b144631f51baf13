package sandbox

import (
	"errors"
	"fmt"

	"algo-trace-engine/internal/governor"
)

// Sentinel errors for typed error checking.
var (
	ErrInvalidRequest    = errors.New("invalid execution request")
	ErrUnsupportedLang   = errors.New("unsupported language")
	ErrSecurityViolation = errors.New("security violation detected")
	ErrLaunch            = errors.New("sandbox launch failed")
	ErrResourceLimit     = errors.New("resource limit exceeded")
	ErrTimeout           = errors.New("execution timed out")
	ErrRuntime           = errors.New("submitted code failed")
	ErrBackendClosed     = errors.New("sandbox backend closed")
)

// ExecutionError wraps errors with execution context.
type ExecutionError struct {
	ExecID string
	Op     string // The operation that failed
	Err    error
}

func (e *ExecutionError) Error() string {
	if e.ExecID != "" {
		return fmt.Sprintf("execution %s: %s: %s", e.ExecID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// LimitError reports which ceiling the governor enforced. Wall-clock breaches
// match ErrTimeout; memory and CPU breaches match ErrResourceLimit.
type LimitError struct {
	Violation governor.Violation
}

func (e *LimitError) Error() string {
	return e.Violation.String()
}

func (e *LimitError) Is(target error) bool {
	if e.Violation.Limit == governor.LimitWallClock {
		return target == ErrTimeout
	}
	return target == ErrResourceLimit
}

// RuntimeError carries the diagnostic text of code that failed on its own.
type RuntimeError struct {
	Message  string
	ExitCode int
}

func (e *RuntimeError) Error() string {
	return e.Message
}

func (e *RuntimeError) Unwrap() error {
	return ErrRuntime
}

func launchError(execID, op string, err error) error {
	return &ExecutionError{ExecID: execID, Op: op, Err: fmt.Errorf("%w: %w", ErrLaunch, err)}
}

// IsTimeout returns true if the error is a wall-clock breach.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsResourceLimit returns true if the error is a memory or CPU breach.
func IsResourceLimit(err error) bool {
	return errors.Is(err, ErrResourceLimit)
}

// IsSecurityViolation returns true if the error is a security violation.
func IsSecurityViolation(err error) bool {
	return errors.Is(err, ErrSecurityViolation)
}

// BreachedLimit extracts the breached limit from err, if any.
func BreachedLimit(err error) (governor.Limit, bool) {
	var le *LimitError
	if errors.As(err, &le) {
		return le.Violation.Limit, true
	}
	return "", false
}

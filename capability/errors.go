package capability

import (
	"context"
	"errors"
	"fmt"
)

// ErrAlreadyRegistered is returned when a capability name is reused.
var ErrAlreadyRegistered = errors.New("capability already registered")

// UnknownCapabilityError is returned by Invoke for an unregistered name.
type UnknownCapabilityError struct {
	Name string
}

func (e *UnknownCapabilityError) Error() string {
	return fmt.Sprintf("unknown capability %q", e.Name)
}

// ArgumentValidationError is returned by Invoke when arguments do not match
// the capability's parameter schema.
type ArgumentValidationError struct {
	Capability string
	Err        error
}

func (e *ArgumentValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %v", e.Capability, e.Err)
}

func (e *ArgumentValidationError) Unwrap() error { return e.Err }

// ExecutionError reports that the command or lookup behind a capability
// failed. Handlers return it; the registry converts it into a failure Outcome.
type ExecutionError struct {
	Capability string
	Category   Category
	Err        error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Capability, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// FailureFromError converts any error into a failure Outcome with the most
// specific category available.
func FailureFromError(err error) Outcome {
	if err == nil {
		return FailureOutcome(CategoryExecution, "unknown error")
	}

	var (
		unknown *UnknownCapabilityError
		invalid *ArgumentValidationError
		exec    *ExecutionError
	)
	switch {
	case errors.As(err, &unknown):
		return FailureOutcome(CategoryUnknownCapability, "%s", err)
	case errors.As(err, &invalid):
		return FailureOutcome(CategoryInvalidArguments, "%s", err)
	case errors.As(err, &exec) && exec.Category != "":
		return FailureOutcome(exec.Category, "%s", err)
	case errors.Is(err, context.DeadlineExceeded):
		return FailureOutcome(CategoryTimeout, "%s", err)
	default:
		return FailureOutcome(CategoryExecution, "%s", err)
	}
}

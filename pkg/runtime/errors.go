package runtime

import (
	"fmt"
	"time"
)

// ErrorCode classifies runtime errors.
type ErrorCode int

const (
	ErrorCodeUnknownInstance ErrorCode = iota
	ErrorCodeUnknownMachine
	ErrorCodeUnknownComponent
	ErrorCodeInvalidState
	ErrorCodeGuardRejected
	ErrorCodeHookFailed
	ErrorCodePersistenceFailed
	ErrorCodeBrokerUnavailable
	ErrorCodeStopped
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeUnknownInstance:
		return "UNKNOWN_INSTANCE"
	case ErrorCodeUnknownMachine:
		return "UNKNOWN_MACHINE"
	case ErrorCodeUnknownComponent:
		return "UNKNOWN_COMPONENT"
	case ErrorCodeInvalidState:
		return "INVALID_STATE"
	case ErrorCodeGuardRejected:
		return "GUARD_REJECTED"
	case ErrorCodeHookFailed:
		return "HOOK_FAILED"
	case ErrorCodePersistenceFailed:
		return "PERSISTENCE_FAILED"
	case ErrorCodeBrokerUnavailable:
		return "BROKER_UNAVAILABLE"
	case ErrorCodeStopped:
		return "RUNTIME_STOPPED"
	}
	return "UNKNOWN"
}

// RuntimeError carries the failure context of a runtime operation.
type RuntimeError struct {
	Code       ErrorCode
	Message    string
	InstanceID string
	State      string
	Event      string
	Timestamp  time.Time
	Cause      error
}

func (e *RuntimeError) Error() string {
	if e.InstanceID != "" {
		return fmt.Sprintf("%s: %s (instance %s)", e.Code, e.Message, e.InstanceID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *RuntimeError) Unwrap() error {
	return e.Cause
}

func newError(code ErrorCode, instanceID, message string) *RuntimeError {
	return &RuntimeError{
		Code:       code,
		Message:    message,
		InstanceID: instanceID,
		Timestamp:  time.Now(),
	}
}

// IsCode reports whether err is a RuntimeError with the given code.
func IsCode(err error, code ErrorCode) bool {
	re, ok := err.(*RuntimeError)
	return ok && re.Code == code
}

package durable

import (
	"fmt"
)

// DispatchError wraps a failure encountered while routing a payload to a
// registered activity or orchestrator handler, before the engine's
// structured error taxonomy (engine.ErrCodeX) takes over.
type DispatchError struct {
	Type    string
	Message string
	Err     error
}

func (e *DispatchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// WrapDispatchError builds a DispatchError.
func WrapDispatchError(errType, msg string, err error) *DispatchError {
	return &DispatchError{
		Type:    errType,
		Message: msg,
		Err:     err,
	}
}

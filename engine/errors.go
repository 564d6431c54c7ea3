package engine

import (
	stderrors "errors"
	"fmt"

	durable "github.com/goliatone/go-durable"
	apperrors "github.com/goliatone/go-errors"
)

// Error kind codes, grounded on flow/runtime_errors.go's
// apperrors.New(...).WithTextCode(...) pattern.
const (
	ErrCodeUnregisteredFunction = "UNREGISTERED_FUNCTION"
	ErrCodeDeterminismViolation = "DETERMINISM_VIOLATION"
	ErrCodeVersionConflict      = "VERSION_CONFLICT"
	ErrCodeLeaseConflict        = "LEASE_CONFLICT"
	ErrCodeEventDecodeFailed    = "EVENT_DECODE_FAILED"
	ErrCodeStorage              = "STORAGE_ERROR"
	ErrCodeTerminated           = "TERMINATED"
	ErrCodeInputTooLarge        = "INPUT_TOO_LARGE"
	ErrCodeNotFound             = "INSTANCE_NOT_FOUND"
)

var (
	// ErrUnregisteredFunction: no user function matches function_name.
	ErrUnregisteredFunction = apperrors.New("no handler registered for function", apperrors.CategoryBadInput).
					WithTextCode(ErrCodeUnregisteredFunction)

	// ErrVersionConflict: detected on commit; the caller must discard its
	// work set and re-read.
	ErrVersionConflict = apperrors.New("instance version changed concurrently", apperrors.CategoryConflict).
				WithTextCode(ErrCodeVersionConflict)

	// ErrLeaseConflict: detected on renew or release; the executing host
	// has lost the lease and must discard its work set.
	ErrLeaseConflict = apperrors.New("lease is held by another host or expired", apperrors.CategoryConflict).
				WithTextCode(ErrCodeLeaseConflict)

	// ErrInstanceNotFound: GetState/GetFullState found no record.
	ErrInstanceNotFound = apperrors.New("instance not found", apperrors.CategoryExternal).
				WithTextCode(ErrCodeNotFound)

	// ErrInputTooLarge: StartNew/RaiseEvent payload exceeded max_input_size.
	// Wraps durable.ErrValidation so callers across package boundaries can
	// test for "this was a validation problem" without a hard engine
	// dependency.
	ErrInputTooLarge = apperrors.Wrap(durable.ErrValidation, apperrors.CategoryBadInput, "payload exceeds max_input_size").
				WithTextCode(ErrCodeInputTooLarge)
)

// NewDeterminismViolation builds the structured divergence error: it names exactly where replay diverged from history so a caller
// inspecting a terminated instance doesn't have to guess.
func NewDeterminismViolation(expectedChildID, actualChildID string, historyIndex int) *Failure {
	err := apperrors.New(
		fmt.Sprintf("replay diverged at history index %d: expected child %q, computed %q", historyIndex, expectedChildID, actualChildID),
		apperrors.CategoryConflict,
	).WithTextCode(ErrCodeDeterminismViolation).
		WithMetadata(map[string]any{
			"expected_child_id": expectedChildID,
			"actual_child_id":   actualChildID,
			"history_index":     historyIndex,
		})
	return failureFromError(err)
}

// NewTerminationFailure builds the terminal, completed-failed error used by
// Terminate.
func NewTerminationFailure(reason string) *Failure {
	err := apperrors.New(reason, apperrors.CategoryConflict).WithTextCode(ErrCodeTerminated)
	return failureFromError(err)
}

// NewUserFailure wraps an arbitrary user-orchestrator/activity error into
// the structured Failure stored on a history entry or a completed instance.
func NewUserFailure(err error) *Failure {
	if err == nil {
		return nil
	}
	var appErr *apperrors.Error
	if stderrors.As(err, &appErr) {
		return failureFromError(appErr)
	}
	return &Failure{Code: "USER_ERROR", Message: err.Error()}
}

func failureFromError(err *apperrors.Error) *Failure {
	return &Failure{
		Code:    err.TextCode,
		Message: err.Error(),
		Details: err.Metadata,
	}
}

// NewStorageError wraps a backend-level failure (a SQL error, a marshal
// failure) with the storage error code. Surfaced to the scheduler, which
// backs off and retries; it must never reach user orchestrator code.
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return apperrors.Wrap(err, apperrors.CategoryExternal, "storage operation failed: "+op).
		WithTextCode(ErrCodeStorage)
}

// IsVersionConflict reports whether err is (or wraps) ErrVersionConflict.
func IsVersionConflict(err error) bool {
	return stderrors.Is(err, ErrVersionConflict)
}

// IsLeaseConflict reports whether err is (or wraps) ErrLeaseConflict.
func IsLeaseConflict(err error) bool {
	return stderrors.Is(err, ErrLeaseConflict)
}

package durable

import "github.com/goliatone/go-errors"

// ErrValidation is a sentinel error used to mark validation failures,
// including oversized StartNew/RaiseEvent payloads (max_input_size).
// Wrappers can compare errors with errors.Is(err, ErrValidation) to
// propagate validation intent through additional layers.
var ErrValidation = errors.New("validation error", errors.CategoryValidation).
	WithTextCode("VALIDATION_FAILED")

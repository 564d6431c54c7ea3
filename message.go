package durable

import (
	"reflect"

	"github.com/goliatone/go-errors"
)

// Message is the interface activity and orchestrator inputs may implement
// to supply their own dispatch name and validation.
type Message interface {
	Type() string
	Validate() error
}

// IsNilMessage reports whether msg is a nil pointer, guarding against a
// typed-nil interface passed as an activity/orchestrator input.
func IsNilMessage(msg any) bool {
	if msg == nil {
		return true
	}

	v := reflect.ValueOf(msg)
	if v.Kind() != reflect.Ptr {
		return false
	}

	return v.IsNil()
}

// MessageHandler provides base validation for any typed message.
type MessageHandler[T any] struct{}

func (h *MessageHandler[T]) ValidateMessage(msg T) error {
	if IsNilMessage(msg) {
		return errors.New("nil message pointer", errors.CategoryValidation).
			WithTextCode("INVALID_MESSAGE")
	}

	if m, ok := any(msg).(Message); ok {
		if err := m.Validate(); err != nil {
			return errors.Wrap(err, errors.CategoryValidation, "message validation failed").
				WithTextCode("VALIDATION_FAILED")
		}
	}

	return nil
}

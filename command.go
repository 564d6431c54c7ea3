// Package durable provides the typed function-adapter vocabulary used to
// register orchestrator and activity handlers with the engine's function
// registry (see the registry package). It carries no engine state of its
// own.
package durable

import (
	"context"
	"reflect"
	"regexp"
	"strings"
)

// CommandFunc adapts a plain function to the Commander interface.
type CommandFunc[T any] func(ctx context.Context, msg T) error

// Execute calls the underlying function.
func (f CommandFunc[T]) Execute(ctx context.Context, msg T) error {
	return f(ctx, msg)
}

// Commander executes a side-effectful operation against a typed message.
// Activity handlers are Commanders whose T is the activity's input type
// and whose error is surfaced back through the orchestration context.
type Commander[T any] interface {
	Execute(ctx context.Context, msg T) error
}

// QueryFunc adapts a plain function to the Querier interface.
type QueryFunc[T any, R any] func(ctx context.Context, msg T) (R, error)

// Query calls the underlying function.
func (f QueryFunc[T, R]) Query(ctx context.Context, msg T) (R, error) {
	return f(ctx, msg)
}

// Querier returns a typed result for a typed message with no side effects
// beyond computing that result. registry.RegisterQuerier registers a
// Querier as an activity: its input is the deserialized activity input,
// its result is what gets serialized back into the history entry.
type Querier[T any, R any] interface {
	Query(ctx context.Context, msg T) (R, error)
}

// GetMessageType derives a stable dispatch name from a Go value, used as
// the default function_name when one isn't given explicitly at
// registration time.
func GetMessageType(msg any) string {
	if msg == nil {
		return "unknown_type"
	}

	v := reflect.ValueOf(msg)
	if v.Kind() == reflect.Ptr && v.IsNil() {
		return "unknown_type"
	}

	if msgTyper, ok := msg.(interface{ Type() string }); ok {
		return msgTyper.Type()
	}

	t := reflect.TypeOf(msg)
	if t == nil {
		return "unknown_type"
	}

	typeName := t.String()
	if t.Kind() == reflect.Ptr {
		typeName = typeName[1:]
		t = t.Elem()
	}

	pkgPath := t.PkgPath()
	if pkgPath != "" {
		parts := strings.Split(pkgPath, "/")
		pkgPath = parts[len(parts)-1]
	}

	txName := toSnakeCase(typeName)
	if pkgPath == "" {
		return txName
	}
	return pkgPath + "::" + txName
}

var snakeCasePattern = regexp.MustCompile("([a-z0-9])([A-Z])")

func toSnakeCase(s string) string {
	snake := snakeCasePattern.ReplaceAllString(s, "${1}_${2}")
	return strings.ToLower(snake)
}

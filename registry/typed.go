package registry

import (
	"context"
	"encoding/json"
	"time"

	durable "github.com/goliatone/go-durable"
	"github.com/goliatone/go-durable/engine"
	apperrors "github.com/goliatone/go-errors"
)

// RegisterOrchestrator wraps a typed orchestrator body into the
// engine.OrchestratorFunc shape and registers it under name. fn receives
// the already-decoded input; the returned value is marshaled into the
// instance's completed_result.
func RegisterOrchestrator[I, O any](reg *Registry, name string, fn func(octx *engine.OrchestrationContext, input I) (O, error)) error {
	wrapped := func(octx *engine.OrchestrationContext) ([]byte, error) {
		var in I
		if err := octx.GetInput(&in); err != nil {
			return nil, apperrors.Wrap(err, apperrors.CategoryBadInput, "decode orchestrator input").
				WithTextCode(engine.ErrCodeEventDecodeFailed)
		}
		if err := validateMessage(in); err != nil {
			return nil, err
		}
		out, err := fn(octx, in)
		if err != nil {
			return nil, err
		}
		return json.Marshal(out)
	}
	return reg.RegisterOrchestratorFunc(name, wrapped)
}

// RegisterActivity wraps a typed activity body into the engine.ActivityFunc
// shape and registers it under name. A durable.Result[O] is attached to
// the context so fn can report metadata (e.g. a sub-step count) without
// widening its own signature; RegisterActivity always records the
// invocation duration on it, grounded on result.go's documented use.
func RegisterActivity[I, O any](reg *Registry, name string, fn func(ctx context.Context, input I) (O, error)) error {
	wrapped := func(ctx context.Context, raw []byte) ([]byte, error) {
		var in I
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, apperrors.Wrap(err, apperrors.CategoryBadInput, "decode activity input").
					WithTextCode(engine.ErrCodeEventDecodeFailed)
			}
		}
		if err := validateMessage(in); err != nil {
			return nil, err
		}

		result := durable.NewResult[O]()
		started := time.Now()
		out, err := fn(durable.ContextWithResult[O](ctx, result), in)
		result.StoreWithMeta(out, map[string]any{"duration": time.Since(started)})
		if err != nil {
			result.StoreError(err)
			return nil, err
		}
		return json.Marshal(out)
	}
	return reg.RegisterActivityFunc(name, wrapped)
}

// validateMessage runs durable.Message's Validate hook against in, if in
// implements it. Most activity/orchestrator inputs are plain structs with
// no such hook and this is a no-op for them.
func validateMessage(in any) error {
	if durable.IsNilMessage(in) {
		return nil
	}
	msg, ok := in.(durable.Message)
	if !ok {
		return nil
	}
	if err := msg.Validate(); err != nil {
		return apperrors.Wrap(err, apperrors.CategoryBadInput, "validate message").
			WithTextCode(engine.ErrCodeEventDecodeFailed)
	}
	return nil
}

// RegisterCommander adapts a durable.Commander into an activity. If name
// is empty, durable.GetMessageType(zero value of T) supplies it, so a
// message implementing Type() can self-name its registration.
func RegisterCommander[T any](reg *Registry, name string, cmd durable.Commander[T]) error {
	if name == "" {
		var zero T
		name = durable.GetMessageType(zero)
	}
	return RegisterActivity(reg, name, func(ctx context.Context, input T) (struct{}, error) {
		return struct{}{}, cmd.Execute(ctx, input)
	})
}

// RegisterQuerier adapts a durable.Querier into an activity, analogous to
// RegisterCommander for side-effect-free, result-producing handlers.
func RegisterQuerier[T, R any](reg *Registry, name string, q durable.Querier[T, R]) error {
	if name == "" {
		var zero T
		name = durable.GetMessageType(zero)
	}
	return RegisterActivity(reg, name, q.Query)
}

// LookupOrDispatchError resolves functionName against reg, wrapping a miss
// into a durable.DispatchError so callers outside the engine's own error
// taxonomy (e.g. transport adapters) get a typed, unwrappable error.
func (r *Registry) LookupOrDispatchError(functionName string) (engine.OrchestratorFunc, error) {
	fn, ok := r.Lookup(functionName)
	if !ok {
		return nil, durable.WrapDispatchError("orchestrator", functionName, engine.ErrUnregisteredFunction)
	}
	return fn, nil
}

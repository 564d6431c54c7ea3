package engine

import (
	"context"
	"fmt"
	"time"

	durable "github.com/goliatone/go-durable"
)

// OrchestratorFunc is a registered function's replay body: deterministic
// user code driven entirely through the OrchestrationContext it is given.
type OrchestratorFunc func(ctx *OrchestrationContext) ([]byte, error)

// FunctionRegistry resolves a function_name to its replay body. Defined
// here (rather than depending on the registry package) so engine has no
// import-cycle with the dispatch table that implements it.
type FunctionRegistry interface {
	Lookup(functionName string) (OrchestratorFunc, bool)
}

// ActivityFunc is a registered activity's executable body, run directly by
// the scheduler host rather than replayed.
type ActivityFunc func(ctx context.Context, input []byte) ([]byte, error)

// ActivityRegistry resolves an activity's function_name to its body.
type ActivityRegistry interface {
	LookupActivity(functionName string) (ActivityFunc, bool)
}

// ReplayExecutor drives one replay pass of an instance against its
// function registry: construct the context, invoke the user
// function, and either return an incomplete WorkSet (the function
// suspended on a pending call) or a complete one (the function returned or
// failed permanently).
type ReplayExecutor struct {
	Functions FunctionRegistry
}

func NewReplayExecutor(functions FunctionRegistry) *ReplayExecutor {
	return &ReplayExecutor{Functions: functions}
}

// RunPass executes exactly one replay pass for inst and returns the
// resulting WorkSet. now is the wall-clock time to use for
// CurrentUtcDateTime and new history timestamps; callers pass the time at
// which the scheduler claimed this instance for dispatch.
func (e *ReplayExecutor) RunPass(stdCtx context.Context, inst *Instance, logger Logger, now time.Time) WorkSet {
	fn, ok := e.Functions.Lookup(inst.FunctionName)
	if !ok {
		return WorkSet{
			Complete:     true,
			FailureInfo:  failureFromError(ErrUnregisteredFunction),
			ReleaseLease: true,
		}
	}

	octx := newOrchestrationContext(stdCtx, inst, logger, now)
	completed, result, failure := e.invoke(octx, fn)

	ws := *octx.workSet
	if completed {
		ws.Complete = true
		ws.Result = result
		ws.FailureInfo = failure
	}
	// Always release the lease once a pass ends, whether it completed,
	// suspended on a pending activity/event, or suspended on a future
	// timer: execute_after (not the lease) is what governs when this
	// instance becomes a candidate again, so holding the lease for the
	// full lease duration on a suspended pass would just delay the next
	// poll cycle from reclaiming it once execute_after arrives.
	ws.ReleaseLease = true

	return ws
}

// invoke runs fn under octx, recovering the suspension sentinel and
// determinism-violation panics distinctly from a genuine user-code panic,
// which is handled the same way durable.MakePanicHandler handles any other
// unexpected panic in this codebase.
func (e *ReplayExecutor) invoke(octx *OrchestrationContext, fn OrchestratorFunc) (completed bool, result []byte, failure *Failure) {
	handler := durable.MakePanicHandler(func(funcName string, errVal any, stack []byte, fields ...map[string]any) {
		durable.DefaultPanicLogger(funcName, errVal, stack, fields...)
		completed = true
		failure = &Failure{
			Code:    "ORCHESTRATOR_PANIC",
			Message: fmt.Sprintf("%v", errVal),
		}
	})

	func() {
		defer handler(octx.instance.FunctionName, map[string]any{"instance_id": octx.instance.InstanceID})
		defer func() {
			if r := recover(); r != nil {
				switch v := r.(type) {
				case suspendSignal:
					completed = false
				case *Failure:
					completed = true
					failure = v
				default:
					panic(r)
				}
			}
		}()

		res, err := fn(octx)
		completed = true
		if err != nil {
			failure = NewUserFailure(err)
			return
		}
		result = res
	}()

	return completed, result, failure
}

package engine

import (
	"context"
	"encoding/json"
	"time"
)

// suspendSignal is the sentinel panic value the orchestration context uses
// to unwind a user function when it reaches a call whose outcome is not yet
// known. It is never a real error: the executor recovers it specifically
// and treats it as "nothing more to do this pass", distinguishing it from a
// genuine user panic via durable.MakePanicHandler.
type suspendSignal struct{}

// Future is returned by every suspending call on OrchestrationContext. Get
// either returns immediately with a replayed result, or unwinds the current
// pass via suspendSignal if the call has not resolved yet.
type Future struct {
	ctx     *OrchestrationContext
	childID string
	ready   bool
	result  []byte
	failure *Failure
}

// ChildInstanceID is the deterministic id this call was scheduled under.
func (f *Future) ChildInstanceID() string {
	return f.childID
}

// Get blocks (suspends the pass) until the call has a recorded outcome,
// then decodes the result into out (if out is non-nil and the call
// succeeded). A failed call returns its Failure as an error.
func (f *Future) Get(out any) error {
	if !f.ready {
		panic(suspendSignal{})
	}
	if f.failure != nil {
		return f.failure
	}
	if out != nil && len(f.result) > 0 {
		return json.Unmarshal(f.result, out)
	}
	return nil
}

// OrchestrationContext is the deterministic replay API user orchestrator
// functions are invoked with. It must never be retained past
// the function call it was passed to; every suspending method either
// returns a resolved Future or unwinds the goroutine via suspendSignal.
type OrchestrationContext struct {
	stdCtx   context.Context
	instance *Instance
	logger   Logger
	mark     *replayWatermark

	workSet   *WorkSet
	callIndex int
	now       time.Time

	// eventCursor tracks, per event name, how many already-pending queued
	// payloads this pass has claimed via WaitForEvent, so a second
	// WaitForEvent for the same name in the same pass doesn't re-claim the
	// same payload.
	eventCursor map[string]int
}

// newOrchestrationContext builds the context for one replay pass. now is
// the wall-clock time captured once at pass start.
func newOrchestrationContext(stdCtx context.Context, inst *Instance, logger Logger, now time.Time) *OrchestrationContext {
	mark := newReplayWatermark(len(inst.History))
	return &OrchestrationContext{
		stdCtx:      stdCtx,
		instance:    inst,
		logger:      newReplaySafeLogger(logger, mark),
		mark:        mark,
		workSet:     &WorkSet{ConsumedEvents: map[string]int{}},
		now:         now,
		eventCursor: map[string]int{},
	}
}

// InstanceID returns the id of the orchestration being replayed.
func (c *OrchestrationContext) InstanceID() string { return c.instance.InstanceID }

// ParentInstanceID returns the parent id, or "" for a root orchestration.
func (c *OrchestrationContext) ParentInstanceID() string { return c.instance.ParentInstanceID }

// FunctionName returns the registered function name this instance runs.
func (c *OrchestrationContext) FunctionName() string { return c.instance.FunctionName }

// GetInput decodes the orchestration's input into out.
func (c *OrchestrationContext) GetInput(out any) error {
	if out == nil || len(c.instance.Input) == 0 {
		return nil
	}
	return json.Unmarshal(c.instance.Input, out)
}

// CurrentUtcDateTime returns the deterministic "now" for this pass: stable
// across every call within one invocation, so computing
// fireAt := ctx.CurrentUtcDateTime().Add(d) twice in the same pass yields
// the same instant.
func (c *OrchestrationContext) CurrentUtcDateTime() time.Time { return c.now }

// Logger returns the replay-safe logger: emissions are suppressed while
// this pass is re-confirming history already recorded in a prior pass, and
// pass through once the replay catches up to new decisions.
func (c *OrchestrationContext) Logger() Logger { return c.logger }

// Done reports whether the underlying context was canceled (e.g. the host
// is shutting down), letting long user functions check for early exit
// between suspending calls.
func (c *OrchestrationContext) Done() <-chan struct{} {
	if c.stdCtx == nil {
		return nil
	}
	return c.stdCtx.Done()
}

func (c *OrchestrationContext) nextOrdinal() int {
	ord := c.callIndex
	c.callIndex++
	return ord
}

// historyAt returns the history entry recorded at this call's ordinal
// position in a prior pass. ordinal and position coincide because
// nextOrdinal assigns a single, shared, monotonically increasing counter to
// every suspending call in the order it is made, and history is appended in
// that same order on commit. If no entry exists yet at this position, the
// call site is new. If one exists but was recorded under a different child
// id, the orchestrator's code path has diverged from what was already
// committed, and that is a determinism violation, not a new call.
func (c *OrchestrationContext) historyAt(ordinal int, childID string) (HistoryEntry, bool) {
	if ordinal >= len(c.instance.History) {
		return HistoryEntry{}, false
	}
	entry := c.instance.History[ordinal]
	if entry.ChildInstanceID != childID {
		panic(NewDeterminismViolation(entry.ChildInstanceID, childID, ordinal))
	}
	return entry, true
}

// CallAsync schedules an activity invocation. The child id is
// derived deterministically from (instance id, call kind, function name,
// call ordinal, input); the same call site in a later pass reproduces the
// same id and, once
// resolved, the same Future without re-running the activity.
func (c *OrchestrationContext) CallAsync(functionName string, input any) *Future {
	return c.scheduleCall(KindActivity, functionName, input)
}

// CallSubOrchestratorAsync schedules a nested orchestration.
// The scheduler creates the child Instance the first time this history
// entry is committed; this call only records the intent.
func (c *OrchestrationContext) CallSubOrchestratorAsync(functionName string, input any) *Future {
	return c.scheduleCall(KindSubOrchestrator, functionName, input)
}

func (c *OrchestrationContext) scheduleCall(kind HistoryKind, functionName string, input any) *Future {
	var inputBytes []byte
	if input != nil {
		b, err := json.Marshal(input)
		if err == nil {
			inputBytes = b
		}
	}

	ordinal := c.nextOrdinal()
	childID := DeriveChildID(c.instance.InstanceID, kind, functionName, ordinal, inputBytes)

	if entry, ok := c.historyAt(ordinal, childID); ok {
		c.mark.advance()
		return c.resolvedFuture(childID, entry)
	}

	c.workSet.NewHistoryEntries = append(c.workSet.NewHistoryEntries, HistoryEntry{
		ChildInstanceID: childID,
		Kind:            kind,
		FunctionName:    functionName,
		Input:           inputBytes,
		Status:          HistoryScheduled,
		InitiatedAt:     c.now,
	})

	return &Future{ctx: c, childID: childID, ready: false}
}

// CreateTimer schedules a durable timer firing at fireAt.
func (c *OrchestrationContext) CreateTimer(fireAt time.Time) *Future {
	ordinal := c.nextOrdinal()
	childID := DeriveChildID(c.instance.InstanceID, KindTimer, "timer", ordinal, nil)

	if entry, ok := c.historyAt(ordinal, childID); ok {
		c.mark.advance()
		return c.resolvedFuture(childID, entry)
	}

	c.workSet.NewHistoryEntries = append(c.workSet.NewHistoryEntries, HistoryEntry{
		ChildInstanceID: childID,
		Kind:            KindTimer,
		FireAt:          fireAt,
		Status:          HistoryScheduled,
		InitiatedAt:     c.now,
	})
	if c.workSet.ExecuteAfter.IsZero() || fireAt.Before(c.workSet.ExecuteAfter) {
		c.workSet.ExecuteAfter = fireAt
	}

	return &Future{ctx: c, childID: childID, ready: false}
}

// WaitForEvent waits for an externally raised event by name.
// Multiple WaitForEvent calls for the same name are matched to raised
// payloads in FIFO order, using each call's position as the sequence
// tag so replay reproduces the same id->payload pairing.
func (c *OrchestrationContext) WaitForEvent(name string) *Future {
	ordinal := c.nextOrdinal()
	childID := DeriveChildID(c.instance.InstanceID, KindExternalEvent, name, ordinal, nil)

	if entry, ok := c.historyAt(ordinal, childID); ok {
		c.mark.advance()
		return c.resolvedFuture(childID, entry)
	}

	c.workSet.NewHistoryEntries = append(c.workSet.NewHistoryEntries, HistoryEntry{
		ChildInstanceID: childID,
		Kind:            KindExternalEvent,
		EventName:       name,
		Status:          HistoryScheduled,
		InitiatedAt:     c.now,
	})

	// A payload may already be queued (raised before this call site was
	// ever reached). Claim it synchronously instead of round-tripping
	// through a waiter slot.
	queued := c.instance.EventQueues[name]
	cursor := c.eventCursor[name]
	if cursor < len(queued) {
		payload := queued[cursor]
		c.eventCursor[name] = cursor + 1
		c.workSet.ConsumedEvents[name] = c.workSet.ConsumedEvents[name] + 1

		for i := range c.workSet.NewHistoryEntries {
			if c.workSet.NewHistoryEntries[i].ChildInstanceID == childID {
				c.workSet.NewHistoryEntries[i].Status = HistorySucceeded
				c.workSet.NewHistoryEntries[i].Result = payload
				c.workSet.NewHistoryEntries[i].CompletedAt = c.now
				break
			}
		}
		return &Future{ctx: c, childID: childID, ready: true, result: payload}
	}

	c.workSet.NewWaiters = append(c.workSet.NewWaiters, AwaitedEvent{
		ChildInstanceID: childID,
		Name:            name,
		SlotID:          ordinal,
	})

	return &Future{ctx: c, childID: childID, ready: false}
}

func (c *OrchestrationContext) resolvedFuture(childID string, entry HistoryEntry) *Future {
	switch entry.Status {
	case HistorySucceeded:
		return &Future{ctx: c, childID: childID, ready: true, result: entry.Result}
	case HistoryFailed:
		return &Future{ctx: c, childID: childID, ready: true, failure: entry.Error}
	default:
		return &Future{ctx: c, childID: childID, ready: false}
	}
}

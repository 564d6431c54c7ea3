// Package engine implements the durable orchestration runtime: the
// replay executor, orchestration context, lease-based scheduler, and the
// state-store contract that makes all of it atomic.
package engine

import "time"

// Status is the runtime status surfaced to clients, derived from an
// instance record.
type Status string

const (
	StatusPending    Status = "Pending"
	StatusRunning    Status = "Running"
	StatusCompleted  Status = "Completed"
	StatusFailed     Status = "Failed"
	StatusTerminated Status = "Terminated"
)

// HistoryKind identifies the kind of suspending call a history entry
// represents.
type HistoryKind string

const (
	KindActivity       HistoryKind = "activity"
	KindSubOrchestrator HistoryKind = "sub_orchestrator"
	KindTimer          HistoryKind = "timer"
	KindExternalEvent  HistoryKind = "external_event"
)

// HistoryStatus is the lifecycle of one history entry. It transitions only
// from Scheduled to one of {Succeeded, Failed}; never back.
type HistoryStatus string

const (
	HistoryScheduled HistoryStatus = "scheduled"
	HistorySucceeded HistoryStatus = "succeeded"
	HistoryFailed    HistoryStatus = "failed"
)

// HistoryEntry is one durable row in an instance's history, representing a
// single suspending call and its outcome.
type HistoryEntry struct {
	ChildInstanceID string        `json:"child_instance_id"`
	Kind            HistoryKind   `json:"kind"`
	FunctionName    string        `json:"function_name,omitempty"`
	Input           []byte        `json:"input,omitempty"`
	FireAt          time.Time     `json:"fire_at,omitempty"`
	EventName       string        `json:"event_name,omitempty"`
	Status          HistoryStatus `json:"status"`
	Result          []byte        `json:"result,omitempty"`
	Error           *Failure      `json:"error,omitempty"`
	InitiatedAt     time.Time     `json:"initiated_at"`
	CompletedAt     time.Time     `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of the entry, so stores can hand out history
// without callers mutating shared state (the deep-clone-on-access
// convention of flow/state_store.go's cloneStateRecord).
func (h HistoryEntry) Clone() HistoryEntry {
	c := h
	if h.Input != nil {
		c.Input = append([]byte(nil), h.Input...)
	}
	if h.Result != nil {
		c.Result = append([]byte(nil), h.Result...)
	}
	if h.Error != nil {
		errCopy := *h.Error
		c.Error = &errCopy
	}
	return c
}

// Failure is the structured, serializable error surfaced to user
// orchestrator code or recorded as an instance's completed_error.
type Failure struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (f *Failure) Error() string {
	if f == nil {
		return ""
	}
	return f.Code + ": " + f.Message
}

// AwaitedEvent is one FIFO slot in an instance's awaited_events record,
// representing a single WaitForEvent call site in the order replay will
// consume it.
type AwaitedEvent struct {
	ChildInstanceID string `json:"child_instance_id"`
	Name            string `json:"name"`
	SlotID          int    `json:"slot_id"`
}

// InstanceKind discriminates how the scheduler dispatches an instance.
// InstanceKindOrchestrator (the zero value) covers both root orchestrations
// and sub-orchestrators: they replay through the executor pass by pass.
// InstanceKindActivity instances run a single registered activity function
// to completion in one dispatch and are never replayed.
type InstanceKind string

const (
	InstanceKindOrchestrator InstanceKind = ""
	InstanceKindActivity     InstanceKind = "activity"
)

// Instance is the durable record for one orchestration, sub-orchestration,
// or activity invocation.
type Instance struct {
	InstanceID       string       `json:"instance_id"`
	FunctionName     string       `json:"function_name"`
	Input            []byte       `json:"input"`
	ParentInstanceID string       `json:"parent_instance_id,omitempty"`
	Kind             InstanceKind `json:"kind,omitempty"`

	ExecuteAfter time.Time `json:"execute_after"`

	// History preserves insertion order; child ids are unique per parent.
	History      []HistoryEntry `json:"history"`
	historyIndex map[string]int

	// EventQueues holds payloads delivered for a name that has no waiter yet.
	EventQueues map[string][][]byte `json:"event_queues,omitempty"`
	// AwaitedEvents is the FIFO of WaitForEvent call sites seen so far.
	AwaitedEvents []AwaitedEvent `json:"awaited_events,omitempty"`

	IsCompleted    bool     `json:"is_completed"`
	CompletedResult []byte  `json:"completed_result,omitempty"`
	CompletedError  *Failure `json:"completed_error,omitempty"`

	Version int64 `json:"version"`

	LeaseOwner     string    `json:"lease_owner,omitempty"`
	LeaseExpiresAt time.Time `json:"lease_expires_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasLease reports whether both lease fields are set: an instance is only
// ever claimed or not, never partially, so the two fields always agree.
func (i *Instance) HasLease() bool {
	return i.LeaseOwner != "" && !i.LeaseExpiresAt.IsZero()
}

// FindHistory returns the history entry with the given child id, if any.
func (i *Instance) FindHistory(childID string) (HistoryEntry, bool) {
	if i.historyIndex == nil {
		i.reindex()
	}
	idx, ok := i.historyIndex[childID]
	if !ok {
		return HistoryEntry{}, false
	}
	return i.History[idx], true
}

// historyIndexInvalidate drops the cached id->index map after History is
// mutated directly (e.g. appending new entries in ApplyWorkSet).
func (i *Instance) historyIndexInvalidate() {
	i.historyIndex = nil
}

func (i *Instance) reindex() {
	i.historyIndex = make(map[string]int, len(i.History))
	for idx, h := range i.History {
		i.historyIndex[h.ChildInstanceID] = idx
	}
}

// Status derives the client-facing runtime status from the record.
func (i *Instance) Status() Status {
	if !i.IsCompleted {
		if i.HasLease() {
			return StatusRunning
		}
		return StatusPending
	}
	if i.CompletedError != nil {
		if i.CompletedError.Code == ErrCodeTerminated {
			return StatusTerminated
		}
		return StatusFailed
	}
	return StatusCompleted
}

// Clone returns a deep copy of the instance record.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	c := *i
	c.historyIndex = nil

	c.Input = append([]byte(nil), i.Input...)
	c.CompletedResult = append([]byte(nil), i.CompletedResult...)
	if i.CompletedError != nil {
		errCopy := *i.CompletedError
		c.CompletedError = &errCopy
	}

	if i.History != nil {
		c.History = make([]HistoryEntry, len(i.History))
		for idx, h := range i.History {
			c.History[idx] = h.Clone()
		}
	}

	if i.EventQueues != nil {
		c.EventQueues = make(map[string][][]byte, len(i.EventQueues))
		for name, payloads := range i.EventQueues {
			cp := make([][]byte, len(payloads))
			for idx, p := range payloads {
				cp[idx] = append([]byte(nil), p...)
			}
			c.EventQueues[name] = cp
		}
	}

	if i.AwaitedEvents != nil {
		c.AwaitedEvents = append([]AwaitedEvent(nil), i.AwaitedEvents...)
	}

	return &c
}

// Candidate is the lightweight projection GetReadyCandidates returns,
// deliberately excluding history to keep polling cheap.
type Candidate struct {
	InstanceID     string
	FunctionName   string
	ExecuteAfter   time.Time
	Version        int64
	LeaseOwner     string
	LeaseExpiresAt time.Time
}

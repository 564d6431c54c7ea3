package engine

import (
	"context"
	"time"
)

// WorkSet is the batch of pending state mutations produced by one replay
// pass, committed atomically by ApplyWorkSet.
type WorkSet struct {
	// NewHistoryEntries are appended to the instance's history in order.
	NewHistoryEntries []HistoryEntry

	// ConsumedEvents records event_queues payloads consumed synchronously
	// during this pass (matched against an already-pending payload).
	ConsumedEvents map[string]int // event name -> number of payloads popped

	// NewWaiters records new AwaitedEvent slots added because no payload
	// was pending yet.
	NewWaiters []AwaitedEvent

	// ResolvedChildren updates already-recorded history entries (by child
	// id) with an outcome discovered out of band: a child activity or
	// sub-orchestrator instance completing, or a due timer firing. Unlike
	// NewHistoryEntries, these mutate existing rows rather than append.
	ResolvedChildren map[string]ChildResolution

	// ExecuteAfter, if non-zero, replaces the instance's execute_after when
	// it is earlier than the stored value (or the stored value is zero);
	// a later time never moves execute_after forward.
	ExecuteAfter time.Time

	// Complete, if true, marks the instance is_completed=true with the
	// given result/error (mutually exclusive).
	Complete    bool
	Result      []byte
	FailureInfo *Failure

	// ReleaseLease requests the lease be cleared as part of this same CAS.
	ReleaseLease bool
}

// ChildResolution is the outcome of a child activity or sub-orchestrator
// instance (or an empty success for a fired timer), applied to the parent's
// matching history entry by child id.
type ChildResolution struct {
	Result []byte
	Failed *Failure
}

// ListFilter narrows Store.List/Count results for management surfaces.
type ListFilter struct {
	FunctionName  string
	Status        Status
	CreatedAfter  time.Time
	CreatedBefore time.Time
	Limit         int
}

// Store is the state-store contract: a mapping from
// instance_id to instance record, every write atomic on a single record.
type Store interface {
	// SaveState upserts a full record. If expectedVersion >= 0, the write
	// fails with ErrVersionConflict unless the stored version matches.
	SaveState(ctx context.Context, inst *Instance, expectedVersion int64) error

	// GetState returns the full record, or ErrInstanceNotFound.
	GetState(ctx context.Context, instanceID string) (*Instance, error)

	// GetFullState is like GetState but additionally requires the caller
	// to prove lease ownership, protecting against stale reads by a host
	// that has already lost its lease.
	GetFullState(ctx context.Context, instanceID, expectedLeaseOwner string) (*Instance, error)

	// GetReadyCandidates returns up to max lightweight projections where
	// is_completed=false, execute_after<=now, and the lease is claimable.
	GetReadyCandidates(ctx context.Context, now time.Time, max int) ([]Candidate, error)

	// TryClaimLease, RenewLease, ReleaseLease: single-row CAS.
	TryClaimLease(ctx context.Context, instanceID, hostID string, duration time.Duration) (leased bool, newVersion int64, err error)
	RenewLease(ctx context.Context, instanceID, hostID string, duration time.Duration, expectedVersion int64) (bool, error)
	ReleaseLease(ctx context.Context, instanceID, hostID string, expectedVersion int64) (bool, error)

	// ApplyWorkSet commits a work set in one CAS keyed on expectedVersion.
	// Returns ErrVersionConflict if the version moved.
	ApplyWorkSet(ctx context.Context, instanceID string, expectedVersion int64, ws WorkSet) error

	// RaiseEvent atomically delivers payload to the earliest waiter for
	// event_name, or enqueues it if none exists. A no-op against a
	// completed instance.
	RaiseEvent(ctx context.Context, instanceID, eventName string, payload []byte) error

	// Terminate CAS-marks the instance completed with a termination
	// error, regardless of lease.
	Terminate(ctx context.Context, instanceID, reason string) error

	// Purge deletes the record (and, if cascade, its descendant DAG).
	Purge(ctx context.Context, instanceID string, cascade bool) (int, error)

	// Count and List support management surfaces and the maintenance
	// sweeper's retention-window purge.
	Count(ctx context.Context, filter ListFilter) (int, error)
	List(ctx context.Context, filter ListFilter) ([]*Instance, error)
}

package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_SaveStateVersionConflict(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.SaveState(ctx, &Instance{InstanceID: "i1"}, -1))

	got, err := store.GetState(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Version)

	err = store.SaveState(ctx, &Instance{InstanceID: "i1"}, 5)
	assert.ErrorIs(t, err, ErrVersionConflict)
}

func TestMemoryStore_LeaseLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.SaveState(ctx, &Instance{InstanceID: "i1"}, -1))

	claimed, v1, err := store.TryClaimLease(ctx, "i1", "host-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, _, err = store.TryClaimLease(ctx, "i1", "host-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, claimed, "an unexpired lease held by another host must not be reclaimable")

	renewed, err := store.RenewLease(ctx, "i1", "host-a", time.Minute, v1)
	require.NoError(t, err)
	assert.True(t, renewed)

	released, err := store.ReleaseLease(ctx, "i1", "host-a", v1+1)
	require.NoError(t, err)
	assert.True(t, released)

	claimed, _, err = store.TryClaimLease(ctx, "i1", "host-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed, "a released lease is immediately claimable by another host")
}

func TestMemoryStore_TryClaimLease_ExpiredIsReclaimable(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.SaveState(ctx, &Instance{
		InstanceID:     "i1",
		LeaseOwner:     "host-a",
		LeaseExpiresAt: time.Now().Add(-time.Minute),
	}, -1))

	claimed, _, err := store.TryClaimLease(ctx, "i1", "host-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed, "failover: an expired lease is claimable by a different host")
}

func TestMemoryStore_ApplyWorkSet_ResolvedChildrenPatchesExistingEntry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	inst := &Instance{
		InstanceID: "parent-1",
		History: []HistoryEntry{
			{ChildInstanceID: "child-1", Kind: KindSubOrchestrator, Status: HistoryScheduled},
		},
	}
	require.NoError(t, store.SaveState(ctx, inst, -1))

	err := store.ApplyWorkSet(ctx, "parent-1", 0, WorkSet{
		ResolvedChildren: map[string]ChildResolution{
			"child-1": {Result: []byte(`"done"`)},
		},
	})
	require.NoError(t, err)

	got, err := store.GetState(ctx, "parent-1")
	require.NoError(t, err)
	entry, ok := got.FindHistory("child-1")
	require.True(t, ok)
	assert.Equal(t, HistorySucceeded, entry.Status)
	assert.Equal(t, []byte(`"done"`), entry.Result)
	assert.False(t, entry.CompletedAt.IsZero())
}

func TestMemoryStore_ApplyWorkSet_IgnoredOnCompletedInstance(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	inst := &Instance{InstanceID: "i1", IsCompleted: true, CompletedResult: []byte(`"x"`)}
	require.NoError(t, store.SaveState(ctx, inst, -1))

	err := store.ApplyWorkSet(ctx, "i1", 0, WorkSet{NewHistoryEntries: []HistoryEntry{{ChildInstanceID: "a"}}})
	require.NoError(t, err)

	got, err := store.GetState(ctx, "i1")
	require.NoError(t, err)
	assert.Empty(t, got.History, "a completed instance must never accept further history mutations")
}

func TestMemoryStore_RaiseEvent_QueuesWhenNoWaiter(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.SaveState(ctx, &Instance{InstanceID: "i1"}, -1))

	require.NoError(t, store.RaiseEvent(ctx, "i1", "greeting", []byte(`"hi"`)))

	got, err := store.GetState(ctx, "i1")
	require.NoError(t, err)
	require.Len(t, got.EventQueues["greeting"], 1, "no waiter yet: payload is queued")
}

func TestMemoryStore_RaiseEvent_DeliversToExistingWaiter(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.SaveState(ctx, &Instance{InstanceID: "i1"}, -1))

	got, err := store.GetState(ctx, "i1")
	require.NoError(t, err)
	require.NoError(t, store.ApplyWorkSet(ctx, "i1", got.Version, WorkSet{
		NewHistoryEntries: []HistoryEntry{{ChildInstanceID: "wait-1", Kind: KindExternalEvent, EventName: "greeting", Status: HistoryScheduled}},
		NewWaiters:        []AwaitedEvent{{ChildInstanceID: "wait-1", Name: "greeting", SlotID: 0}},
	}))

	require.NoError(t, store.RaiseEvent(ctx, "i1", "greeting", []byte(`"hello"`)))

	got, err = store.GetState(ctx, "i1")
	require.NoError(t, err)
	entry, ok := got.FindHistory("wait-1")
	require.True(t, ok)
	assert.Equal(t, HistorySucceeded, entry.Status)
	assert.Equal(t, []byte(`"hello"`), entry.Result)
	assert.Empty(t, got.AwaitedEvents, "the consumed waiter slot is removed")
}

func TestMemoryStore_PurgeCascade(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.SaveState(ctx, &Instance{InstanceID: "parent"}, -1))
	require.NoError(t, store.SaveState(ctx, &Instance{InstanceID: "child-1", ParentInstanceID: "parent"}, -1))
	require.NoError(t, store.SaveState(ctx, &Instance{InstanceID: "child-2", ParentInstanceID: "parent"}, -1))

	n, err := store.Purge(ctx, "parent", true)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = store.GetState(ctx, "child-1")
	assert.ErrorIs(t, err, ErrInstanceNotFound)
}

func TestMemoryStore_PurgeNoCascadeLeavesChildren(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.SaveState(ctx, &Instance{InstanceID: "parent"}, -1))
	require.NoError(t, store.SaveState(ctx, &Instance{InstanceID: "child-1", ParentInstanceID: "parent"}, -1))

	n, err := store.Purge(ctx, "parent", false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.GetState(ctx, "child-1")
	assert.NoError(t, err)
}

func TestMemoryStore_ListFilters(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.SaveState(ctx, &Instance{InstanceID: "i1", FunctionName: "A"}, -1))
	require.NoError(t, store.SaveState(ctx, &Instance{InstanceID: "i2", FunctionName: "B"}, -1))

	out, err := store.List(ctx, ListFilter{FunctionName: "A"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "i1", out[0].InstanceID)
}

package engine

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewSQLiteStore(db, "")
	require.NoError(t, err)
	return store
}

func TestSQLiteStore_SaveAndGetState(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)

	require.NoError(t, store.SaveState(ctx, &Instance{InstanceID: "i1", FunctionName: "Greet"}, -1))

	got, err := store.GetState(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, "i1", got.InstanceID)
	assert.Equal(t, int64(0), got.Version)

	_, err = store.GetState(ctx, "missing")
	assert.ErrorIs(t, err, ErrInstanceNotFound)
}

func TestSQLiteStore_SaveAndGetState_RoundTripsKindAndParent(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)

	require.NoError(t, store.SaveState(ctx, &Instance{
		InstanceID:       "child-1",
		FunctionName:     "double",
		ParentInstanceID: "parent-1",
		Kind:             InstanceKindActivity,
	}, -1))

	got, err := store.GetState(ctx, "child-1")
	require.NoError(t, err)
	assert.Equal(t, InstanceKindActivity, got.Kind)
	assert.Equal(t, "parent-1", got.ParentInstanceID)
}

func TestSQLiteStore_ApplyWorkSet_AdvancesVersionAcrossSuccessiveCommits(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)
	require.NoError(t, store.SaveState(ctx, &Instance{InstanceID: "i1"}, -1))

	got, err := store.GetState(ctx, "i1")
	require.NoError(t, err)
	require.Equal(t, int64(0), got.Version)

	require.NoError(t, store.ApplyWorkSet(ctx, "i1", 0, WorkSet{
		NewHistoryEntries: []HistoryEntry{{ChildInstanceID: "a", Kind: KindActivity, Status: HistorySucceeded}},
	}))
	got, err = store.GetState(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version, "a second commit against a stale version must now be rejected")

	require.NoError(t, store.ApplyWorkSet(ctx, "i1", 1, WorkSet{
		NewHistoryEntries: []HistoryEntry{{ChildInstanceID: "b", Kind: KindActivity, Status: HistorySucceeded}},
	}))
	got, err = store.GetState(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Len(t, got.History, 2)

	err = store.ApplyWorkSet(ctx, "i1", 0, WorkSet{})
	assert.ErrorIs(t, err, ErrVersionConflict, "committing against the now-stale version 0 must fail")
}

func TestSQLiteStore_RaiseEvent_AdvancesVersion(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)
	require.NoError(t, store.SaveState(ctx, &Instance{InstanceID: "i1"}, -1))

	require.NoError(t, store.RaiseEvent(ctx, "i1", "go", []byte(`"payload"`)))
	got, err := store.GetState(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.Len(t, got.EventQueues["go"], 1)

	require.NoError(t, store.RaiseEvent(ctx, "i1", "go", []byte(`"second"`)))
	got, err = store.GetState(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version, "a second RaiseEvent must still advance the version, not collide with the first")
	assert.Len(t, got.EventQueues["go"], 2)
}

func TestSQLiteStore_Terminate_AdvancesVersionAndMarksCompleted(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)
	require.NoError(t, store.SaveState(ctx, &Instance{InstanceID: "i1"}, -1))

	require.NoError(t, store.Terminate(ctx, "i1", "operator requested"))
	got, err := store.GetState(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, StatusTerminated, got.Status())

	// Terminate is a no-op once already completed; the version must not
	// advance again.
	require.NoError(t, store.Terminate(ctx, "i1", "operator requested again"))
	got2, err := store.GetState(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got2.Version)
}

func TestSQLiteStore_LeaseLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)
	require.NoError(t, store.SaveState(ctx, &Instance{InstanceID: "i1"}, -1))

	claimed, v1, err := store.TryClaimLease(ctx, "i1", "host-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, _, err = store.TryClaimLease(ctx, "i1", "host-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, claimed)

	renewed, err := store.RenewLease(ctx, "i1", "host-a", time.Minute, v1)
	require.NoError(t, err)
	assert.True(t, renewed)

	got, err := store.GetFullState(ctx, "i1", "host-a")
	require.NoError(t, err)
	assert.Equal(t, "host-a", got.LeaseOwner)

	_, err = store.GetFullState(ctx, "i1", "host-b")
	assert.ErrorIs(t, err, ErrLeaseConflict)

	released, err := store.ReleaseLease(ctx, "i1", "host-a", got.Version)
	require.NoError(t, err)
	assert.True(t, released)

	claimed, _, err = store.TryClaimLease(ctx, "i1", "host-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestSQLiteStore_GetReadyCandidates_RespectsExecuteAfterAndLease(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)
	now := time.Now().UTC()

	require.NoError(t, store.SaveState(ctx, &Instance{InstanceID: "ready", ExecuteAfter: now.Add(-time.Minute)}, -1))
	require.NoError(t, store.SaveState(ctx, &Instance{InstanceID: "future", ExecuteAfter: now.Add(time.Hour)}, -1))
	require.NoError(t, store.SaveState(ctx, &Instance{InstanceID: "done", ExecuteAfter: now.Add(-time.Minute), IsCompleted: true}, -1))

	candidates, err := store.GetReadyCandidates(ctx, now, 10)
	require.NoError(t, err)
	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		ids = append(ids, c.InstanceID)
	}
	assert.ElementsMatch(t, []string{"ready"}, ids)
}

func TestSQLiteStore_PurgeCascade(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)
	require.NoError(t, store.SaveState(ctx, &Instance{InstanceID: "parent"}, -1))
	require.NoError(t, store.SaveState(ctx, &Instance{InstanceID: "child-1", ParentInstanceID: "parent"}, -1))
	require.NoError(t, store.SaveState(ctx, &Instance{InstanceID: "child-2", ParentInstanceID: "parent"}, -1))

	n, err := store.Purge(ctx, "parent", true)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = store.GetState(ctx, "child-1")
	assert.ErrorIs(t, err, ErrInstanceNotFound)
}

func TestSQLiteStore_ListFilters(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)
	require.NoError(t, store.SaveState(ctx, &Instance{InstanceID: "i1", FunctionName: "A"}, -1))
	require.NoError(t, store.SaveState(ctx, &Instance{InstanceID: "i2", FunctionName: "B"}, -1))

	out, err := store.List(ctx, ListFilter{FunctionName: "A"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "i1", out[0].InstanceID)

	n, err := store.Count(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

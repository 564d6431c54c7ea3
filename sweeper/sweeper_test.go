package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/goliatone/go-durable/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunRetentionSweep_PurgesOldCompletedInstancesOnly(t *testing.T) {
	ctx := context.Background()
	store := engine.NewMemoryStore()
	client := engine.NewClient(store)

	old := time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, store.SaveState(ctx, &engine.Instance{
		InstanceID:      "old-done",
		CreatedAt:       old,
		IsCompleted:     true,
		CompletedResult: []byte(`"ok"`),
	}, -1))
	require.NoError(t, store.SaveState(ctx, &engine.Instance{
		InstanceID:  "recent-done",
		CreatedAt:   time.Now().UTC(),
		IsCompleted: true,
	}, -1))
	require.NoError(t, store.SaveState(ctx, &engine.Instance{
		InstanceID: "old-pending",
		CreatedAt:  old,
	}, -1))

	sw := New(client, time.Hour, false)
	require.NoError(t, sw.RunRetentionSweep(ctx))

	_, err := store.GetState(ctx, "old-done")
	assert.ErrorIs(t, err, engine.ErrInstanceNotFound, "old completed instance is purged")

	_, err = store.GetState(ctx, "recent-done")
	assert.NoError(t, err, "a completed instance younger than the retention window survives")

	_, err = store.GetState(ctx, "old-pending")
	assert.NoError(t, err, "a pending (non-terminal) instance is never swept regardless of age")
}

func TestRunRetentionSweep_CascadesWhenConfigured(t *testing.T) {
	ctx := context.Background()
	store := engine.NewMemoryStore()
	client := engine.NewClient(store)

	old := time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, store.SaveState(ctx, &engine.Instance{
		InstanceID:  "parent",
		CreatedAt:   old,
		IsCompleted: true,
	}, -1))
	require.NoError(t, store.SaveState(ctx, &engine.Instance{
		InstanceID:       "child",
		ParentInstanceID: "parent",
		CreatedAt:        old,
	}, -1))

	sw := New(client, time.Hour, true)
	require.NoError(t, sw.RunRetentionSweep(ctx))

	_, err := store.GetState(ctx, "child")
	assert.ErrorIs(t, err, engine.ErrInstanceNotFound, "cascade purge removes descendants of a swept instance")
}

func TestRunRetentionSweep_ReportsListErrors(t *testing.T) {
	ctx := context.Background()
	sw := New(engine.NewClient(failingStore{}), time.Hour, false)
	err := sw.RunRetentionSweep(ctx)
	assert.Error(t, err)
}

func TestScheduleRetentionSweep_RejectsInvalidExpression(t *testing.T) {
	sw := New(engine.NewClient(engine.NewMemoryStore()), time.Hour, false)
	err := sw.ScheduleRetentionSweep("not a cron expression")
	assert.Error(t, err)
}

func TestScheduleRetentionSweep_AcceptsValidExpression(t *testing.T) {
	sw := New(engine.NewClient(engine.NewMemoryStore()), time.Hour, false)
	err := sw.ScheduleRetentionSweep("@daily")
	assert.NoError(t, err)
}

// failingStore implements engine.Store minimally enough to make List error
// for TestRunRetentionSweep_ReportsListErrors; every other method is unused
// by the sweep path and panics if reached.
type failingStore struct {
	engine.Store
}

func (failingStore) List(ctx context.Context, filter engine.ListFilter) ([]*engine.Instance, error) {
	return nil, assertionError("list failed")
}

type assertionError string

func (e assertionError) Error() string { return string(e) }

package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubRegistry implements FunctionRegistry and ActivityRegistry with plain
// maps, standing in for registry.Registry without importing it (this would
// otherwise cycle back through engine).
type stubRegistry struct {
	orchestrators map[string]OrchestratorFunc
	activities    map[string]ActivityFunc
}

func newStubRegistry() *stubRegistry {
	return &stubRegistry{orchestrators: map[string]OrchestratorFunc{}, activities: map[string]ActivityFunc{}}
}

func (r *stubRegistry) Lookup(name string) (OrchestratorFunc, bool) {
	fn, ok := r.orchestrators[name]
	return fn, ok
}

func (r *stubRegistry) LookupActivity(name string) (ActivityFunc, bool) {
	fn, ok := r.activities[name]
	return fn, ok
}

func waitUntilComplete(t *testing.T, store Store, instanceID string, timeout time.Duration) *Instance {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		inst, err := store.GetState(context.Background(), instanceID)
		require.NoError(t, err)
		if inst.IsCompleted {
			return inst
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("instance %s did not complete within %s", instanceID, timeout)
	return nil
}

func TestScheduler_ChainedActivities(t *testing.T) {
	reg := newStubRegistry()
	reg.activities["double"] = func(ctx context.Context, input []byte) ([]byte, error) {
		var n int
		require.NoError(t, json.Unmarshal(input, &n))
		return json.Marshal(n * 2)
	}
	reg.orchestrators["Chain"] = func(octx *OrchestrationContext) ([]byte, error) {
		var n int
		require.NoError(t, octx.GetInput(&n))

		var once int
		if err := octx.CallAsync("double", n).Get(&once); err != nil {
			return nil, err
		}
		var twice int
		if err := octx.CallAsync("double", once).Get(&twice); err != nil {
			return nil, err
		}
		return json.Marshal(twice)
	}

	store := NewMemoryStore()
	client := NewClient(store)
	sched := NewScheduler(store, reg, WithHostID("h1"), WithPollInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	require.NoError(t, client.StartNew(context.Background(), "chain-1", "Chain", 3))

	inst := waitUntilComplete(t, store, "chain-1", time.Second)
	var result int
	require.NoError(t, json.Unmarshal(inst.CompletedResult, &result))
	assert.Equal(t, 12, result)
}

func TestScheduler_FanOutFanIn(t *testing.T) {
	reg := newStubRegistry()
	reg.activities["square"] = func(ctx context.Context, input []byte) ([]byte, error) {
		var n int
		require.NoError(t, json.Unmarshal(input, &n))
		return json.Marshal(n * n)
	}
	reg.orchestrators["FanOut"] = func(octx *OrchestrationContext) ([]byte, error) {
		var ns []int
		require.NoError(t, octx.GetInput(&ns))

		futures := make([]*Future, len(ns))
		for i, n := range ns {
			futures[i] = octx.CallAsync("square", n)
		}
		out := make([]int, len(ns))
		for i, f := range futures {
			if err := f.Get(&out[i]); err != nil {
				return nil, err
			}
		}
		return json.Marshal(out)
	}

	store := NewMemoryStore()
	client := NewClient(store)
	sched := NewScheduler(store, reg, WithHostID("h1"), WithPollInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	require.NoError(t, client.StartNew(context.Background(), "fan-1", "FanOut", []int{1, 2, 3, 4}))

	inst := waitUntilComplete(t, store, "fan-1", time.Second)
	var out []int
	require.NoError(t, json.Unmarshal(inst.CompletedResult, &out))
	assert.Equal(t, []int{1, 4, 9, 16}, out)
}

func TestScheduler_TimerThenEvent(t *testing.T) {
	reg := newStubRegistry()
	reg.orchestrators["WaitAndGreet"] = func(octx *OrchestrationContext) ([]byte, error) {
		if err := octx.CreateTimer(octx.CurrentUtcDateTime().Add(10 * time.Millisecond)).Get(nil); err != nil {
			return nil, err
		}
		var greeting string
		if err := octx.WaitForEvent("go").Get(&greeting); err != nil {
			return nil, err
		}
		return json.Marshal(greeting)
	}

	store := NewMemoryStore()
	client := NewClient(store)
	sched := NewScheduler(store, reg, WithHostID("h1"), WithPollInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	require.NoError(t, client.StartNew(context.Background(), "wait-1", "WaitAndGreet", nil))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, client.RaiseEvent(context.Background(), "wait-1", "go", "hello"))

	inst := waitUntilComplete(t, store, "wait-1", time.Second)
	var greeting string
	require.NoError(t, json.Unmarshal(inst.CompletedResult, &greeting))
	assert.Equal(t, "hello", greeting)
}

func TestScheduler_SubOrchestratorWakesParent(t *testing.T) {
	reg := newStubRegistry()
	reg.orchestrators["Child"] = func(octx *OrchestrationContext) ([]byte, error) {
		var n int
		require.NoError(t, octx.GetInput(&n))
		return json.Marshal(n + 1)
	}
	reg.orchestrators["Parent"] = func(octx *OrchestrationContext) ([]byte, error) {
		var out int
		if err := octx.CallSubOrchestratorAsync("Child", 41).Get(&out); err != nil {
			return nil, err
		}
		return json.Marshal(out)
	}

	store := NewMemoryStore()
	client := NewClient(store)
	sched := NewScheduler(store, reg, WithHostID("h1"), WithPollInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	require.NoError(t, client.StartNew(context.Background(), "parent-1", "Parent", nil))

	inst := waitUntilComplete(t, store, "parent-1", time.Second)
	var out int
	require.NoError(t, json.Unmarshal(inst.CompletedResult, &out))
	assert.Equal(t, 42, out)
}

func TestScheduler_ActivitiesMaterializeAsChildInstances(t *testing.T) {
	ctx := context.Background()
	reg := newStubRegistry()
	reg.activities["double"] = func(ctx context.Context, input []byte) ([]byte, error) {
		var n int
		require.NoError(t, json.Unmarshal(input, &n))
		return json.Marshal(n * 2)
	}
	reg.orchestrators["Chain"] = func(octx *OrchestrationContext) ([]byte, error) {
		var n int
		require.NoError(t, octx.GetInput(&n))

		var once int
		if err := octx.CallAsync("double", n).Get(&once); err != nil {
			return nil, err
		}
		var twice int
		if err := octx.CallAsync("double", once).Get(&twice); err != nil {
			return nil, err
		}
		return json.Marshal(twice)
	}

	store := NewMemoryStore()
	client := NewClient(store)
	sched := NewScheduler(store, reg, WithHostID("h1"), WithPollInterval(5*time.Millisecond))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go sched.Run(runCtx)

	require.NoError(t, client.StartNew(ctx, "chain-materialize", "Chain", 3))
	waitUntilComplete(t, store, "chain-materialize", time.Second)

	children, err := store.List(ctx, ListFilter{})
	require.NoError(t, err)

	var activityChildren []*Instance
	for _, inst := range children {
		if inst.ParentInstanceID == "chain-materialize" {
			activityChildren = append(activityChildren, inst)
		}
	}

	require.Len(t, activityChildren, 2, "each CallAsync becomes its own child instance record")
	for _, child := range activityChildren {
		assert.Equal(t, InstanceKindActivity, child.Kind)
		assert.Equal(t, "double", child.FunctionName)
		assert.True(t, child.IsCompleted)
		assert.Equal(t, StatusCompleted, child.Status())
	}
}

func TestScheduler_LeaseRenewalKeepsLongActivityAlive(t *testing.T) {
	ctx := context.Background()
	reg := newStubRegistry()
	reg.activities["slow"] = func(ctx context.Context, input []byte) ([]byte, error) {
		time.Sleep(120 * time.Millisecond)
		return json.Marshal("done")
	}
	reg.orchestrators["RunSlow"] = func(octx *OrchestrationContext) ([]byte, error) {
		var out string
		if err := octx.CallAsync("slow", nil).Get(&out); err != nil {
			return nil, err
		}
		return json.Marshal(out)
	}

	store := NewMemoryStore()
	client := NewClient(store)
	sched := NewScheduler(store, reg,
		WithHostID("h1"),
		WithPollInterval(5*time.Millisecond),
		WithLeaseDuration(30*time.Millisecond),
		WithLeaseRenewalInterval(10*time.Millisecond),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go sched.Run(runCtx)

	require.NoError(t, client.StartNew(ctx, "slow-1", "RunSlow", nil))

	// Give the activity child time to materialize and start running, then
	// check midway through its 120ms sleep, well past the 30ms lease
	// duration it was claimed with: a second host must not be able to
	// claim it, which is only true if the renewal loop has kept refreshing
	// it.
	time.Sleep(60 * time.Millisecond)

	children, err := store.List(ctx, ListFilter{})
	require.NoError(t, err)
	var activityChild *Instance
	for _, inst := range children {
		if inst.ParentInstanceID == "slow-1" {
			activityChild = inst
		}
	}
	require.NotNil(t, activityChild, "activity child must have materialized by now")

	claimed, _, err := store.TryClaimLease(ctx, activityChild.InstanceID, "h2", time.Minute)
	require.NoError(t, err)
	assert.False(t, claimed, "a renewed lease must still be held by h1 well past the original lease duration")

	inst := waitUntilComplete(t, store, "slow-1", time.Second)
	var out string
	require.NoError(t, json.Unmarshal(inst.CompletedResult, &out))
	assert.Equal(t, "done", out)
}

func TestScheduler_LeaseFailoverToAnotherHost(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	reg := newStubRegistry()
	reg.orchestrators["Echo"] = func(octx *OrchestrationContext) ([]byte, error) {
		var in string
		if err := octx.GetInput(&in); err != nil {
			return nil, err
		}
		return json.Marshal(in)
	}

	input, err := json.Marshal("hi")
	require.NoError(t, err)
	inst := &Instance{InstanceID: "i1", FunctionName: "Echo", Input: input}
	require.NoError(t, store.SaveState(ctx, inst, -1))

	// host-a claims the lease and then, simulating a crash, never commits
	// or releases it.
	claimed, _, err := store.TryClaimLease(ctx, "i1", "host-a", 20*time.Millisecond)
	require.NoError(t, err)
	require.True(t, claimed)

	time.Sleep(30 * time.Millisecond)

	schedB := NewScheduler(store, reg, WithHostID("host-b"), WithLeaseDuration(time.Minute))
	dispatched, err := schedB.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, dispatched, "host-b reclaims the instance once host-a's lease has expired")

	got := waitUntilComplete(t, store, "i1", time.Second)
	var out string
	require.NoError(t, json.Unmarshal(got.CompletedResult, &out))
	assert.Equal(t, "hi", out)
}

func TestScheduler_UnregisteredFunctionFailsImmediately(t *testing.T) {
	reg := newStubRegistry()
	store := NewMemoryStore()
	client := NewClient(store)
	sched := NewScheduler(store, reg, WithHostID("h1"), WithPollInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	require.NoError(t, client.StartNew(context.Background(), "bad-1", "Nope", nil))

	inst := waitUntilComplete(t, store, "bad-1", time.Second)
	require.NotNil(t, inst.CompletedError)
	assert.Equal(t, StatusFailed, inst.Status())
}

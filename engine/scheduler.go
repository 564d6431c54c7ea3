package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goliatone/go-durable/runner"
)

// SchedulerRuntimeState mirrors the background poll loop's lifecycle,
// generalized from flow/outbox_dispatcher.go's DispatcherRuntimeState.
type SchedulerRuntimeState string

const (
	SchedulerStateIdle     SchedulerRuntimeState = "idle"
	SchedulerStateRunning  SchedulerRuntimeState = "running"
	SchedulerStateStopping SchedulerRuntimeState = "stopping"
	SchedulerStateStopped  SchedulerRuntimeState = "stopped"
)

// SchedulerStatus is a snapshot of the poll loop's last cycle.
type SchedulerStatus struct {
	HostID              string
	State               SchedulerRuntimeState
	LastRunAt           time.Time
	LastSuccessAt       time.Time
	LastError           string
	ConsecutiveFailures int
	LastCandidates      int
	LastDispatched      int
}

// SchedulerOption customizes a Scheduler at construction.
type SchedulerOption func(*Scheduler)

func WithHostID(hostID string) SchedulerOption {
	return func(s *Scheduler) { s.hostID = hostID }
}

func WithPollInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

func WithLeaseDuration(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.leaseDuration = d
		}
	}
}

func WithBatchSize(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

func WithSchedulerLogger(logger Logger) SchedulerOption {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithActivityTimeout bounds each individual activity attempt.
func WithActivityTimeout(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.activityTimeout = d }
}

// WithActivityMaxRetries sets how many host-side retries an activity gets
// before its failure is recorded as the history entry's outcome.
func WithActivityMaxRetries(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n >= 0 {
			s.activityMaxRetries = n
		}
	}
}

// WithLeaseRenewalInterval sets how often a held lease is renewed while an
// activity instance runs. Defaults to half the lease duration when unset or
// non-positive.
func WithLeaseRenewalInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.leaseRenewalInterval = d
		}
	}
}

// WithMaxConcurrency bounds how many ready candidates RunOnce dispatches at
// once. The default of 1 dispatches candidates one at a time.
func WithMaxConcurrency(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxConcurrency = n
		}
	}
}

// Scheduler is the polling loop that claims ready instances and dispatches
// them according to their kind: an orchestrator or sub-orchestrator
// instance runs one replay pass, materializing any newly scheduled
// activity/sub-orchestrator calls as their own child Instance records; an
// activity instance runs its registered function directly to completion.
// Either way the outcome is committed in one work set and, if the instance
// has a parent, propagated to wake it. Grounded on
// flow/outbox_dispatcher.go's OutboxDispatcher Run/RunOnce/Stop shape.
type Scheduler struct {
	store      Store
	leases     *LeaseManager
	executor   *ReplayExecutor
	functions  FunctionRegistry
	activities ActivityRegistry
	logger     Logger

	hostID         string
	pollInterval   time.Duration
	leaseDuration  time.Duration
	batchSize      int
	maxConcurrency int

	activityTimeout      time.Duration
	activityMaxRetries   int
	leaseRenewalInterval time.Duration

	stateMu sync.RWMutex
	status  SchedulerStatus

	runMu     sync.Mutex
	runCancel context.CancelFunc
	runDone   chan struct{}
	running   bool
}

// NewScheduler builds a Scheduler over store, dispatching orchestrations
// and activities found in registry (which must implement both
// FunctionRegistry and ActivityRegistry, as the registry package's
// Registry type does).
func NewScheduler(store Store, registry interface {
	FunctionRegistry
	ActivityRegistry
}, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		store:          store,
		executor:       NewReplayExecutor(registry),
		functions:      registry,
		activities:     registry,
		logger:         NewFmtLogger(nil),
		hostID:         "durable-host-1",
		pollInterval:   500 * time.Millisecond,
		leaseDuration:  30 * time.Second,
		batchSize:      50,
		maxConcurrency: 1,
		status:         SchedulerStatus{State: SchedulerStateIdle},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.leaseRenewalInterval <= 0 {
		s.leaseRenewalInterval = s.leaseDuration / 2
	}
	s.status.HostID = s.hostID
	s.leases = NewLeaseManager(store, s.hostID, s.leaseDuration)
	return s
}

// SchedulerOptionsFromConfig translates the scheduler-relevant fields of
// cfg into SchedulerOption values, so a host process can build its
// Scheduler directly from a parsed Config rather than repeating each field
// as a separate With... call.
func SchedulerOptionsFromConfig(cfg Config) []SchedulerOption {
	opts := []SchedulerOption{
		WithHostID(cfg.HostID),
		WithPollInterval(cfg.PollInterval),
		WithLeaseDuration(cfg.LeaseDuration),
		WithLeaseRenewalInterval(cfg.LeaseRenewalInterval),
		WithBatchSize(cfg.BatchSize),
	}
	if cfg.MaxConcurrentInstances > 0 {
		opts = append(opts, WithMaxConcurrency(cfg.MaxConcurrentInstances))
	}
	return opts
}

// Run starts the poll loop until ctx is canceled or Stop is called.
func (s *Scheduler) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.runMu.Lock()
	if s.running {
		s.runMu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	runDone := make(chan struct{})
	s.runCancel = cancel
	s.runDone = runDone
	s.running = true
	s.runMu.Unlock()

	s.setState(SchedulerStateRunning)
	logger := s.logger.WithContext(runCtx)
	logger.Info("scheduler poll loop started host=%s", s.hostID)

	defer func() {
		s.runMu.Lock()
		s.running = false
		s.runCancel = nil
		s.runDone = nil
		close(runDone)
		s.runMu.Unlock()
		s.setState(SchedulerStateStopped)
		logger.Info("scheduler poll loop stopped host=%s", s.hostID)
	}()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(runCtx); err != nil {
			logger.Warn("scheduler poll cycle failed: %v", err)
		}
		select {
		case <-runCtx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Stop cancels the running poll loop and waits for it to exit.
func (s *Scheduler) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.runMu.Lock()
	cancel := s.runCancel
	done := s.runDone
	running := s.running
	s.runMu.Unlock()

	if !running || cancel == nil || done == nil {
		s.setState(SchedulerStateStopped)
		return nil
	}

	s.setState(SchedulerStateStopping)
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the last recorded cycle snapshot.
func (s *Scheduler) Status() SchedulerStatus {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.status
}

func (s *Scheduler) setState(state SchedulerRuntimeState) {
	s.stateMu.Lock()
	s.status.State = state
	s.stateMu.Unlock()
}

// recordCycle updates the last-cycle snapshot returned by Status, per the
// field semantics documented on SchedulerStatus.
func (s *Scheduler) recordCycle(candidates, dispatched int, err error) {
	now := time.Now().UTC()

	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.status.LastRunAt = now
	s.status.LastCandidates = candidates
	s.status.LastDispatched = dispatched
	if err != nil {
		s.status.LastError = err.Error()
		s.status.ConsecutiveFailures++
		return
	}
	s.status.LastError = ""
	s.status.ConsecutiveFailures = 0
	s.status.LastSuccessAt = now
}

// RunOnce claims and dispatches one batch of ready instances, up to
// maxConcurrency at a time.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	now := time.Now().UTC()

	candidates, err := s.store.GetReadyCandidates(ctx, now, s.batchSize)
	if err != nil {
		s.recordCycle(0, 0, err)
		return 0, err
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ExecuteAfter.Before(candidates[j].ExecuteAfter) })

	var (
		mu         sync.Mutex
		dispatched int
		firstErr   error
		wg         sync.WaitGroup
	)
	sem := make(chan struct{}, s.maxConcurrency)

	for _, c := range candidates {
		instanceID := c.InstanceID
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			ok, err := s.dispatchOne(ctx, instanceID)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.logger.Warn("dispatch failed instance=%s err=%v", instanceID, err)
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			if ok {
				dispatched++
			}
		}()
	}
	wg.Wait()

	s.recordCycle(len(candidates), dispatched, firstErr)
	return dispatched, firstErr
}

// dispatchOne claims a single instance's lease and dispatches it according
// to its kind, committing the resulting work set and releasing the lease.
// Returns false (no error) if the lease could not be claimed, meaning
// another host is already handling this instance.
func (s *Scheduler) dispatchOne(ctx context.Context, instanceID string) (bool, error) {
	claimed, version, err := s.leases.Claim(ctx, instanceID)
	if err != nil {
		return false, err
	}
	if !claimed {
		return false, nil
	}

	inst, err := s.store.GetFullState(ctx, instanceID, s.hostID)
	if err != nil {
		return false, err
	}

	if inst.Kind == InstanceKindActivity {
		return s.dispatchActivity(ctx, inst, version)
	}
	return s.dispatchOrchestrator(ctx, inst, version)
}

// dispatchOrchestrator runs one replay pass over an orchestrator (or
// sub-orchestrator) instance, materializes any newly scheduled activity or
// sub-orchestrator calls as their own child Instance records, resolves due
// timers, commits the resulting work set, and wakes the parent if this
// instance just completed.
func (s *Scheduler) dispatchOrchestrator(ctx context.Context, inst *Instance, version int64) (bool, error) {
	now := time.Now().UTC()
	ws := s.executor.RunPass(ctx, inst, s.logger, now)

	s.resolveDueTimers(inst, &ws, now)
	if err := s.materializeChildren(ctx, inst, &ws); err != nil {
		return false, err
	}

	if err := s.store.ApplyWorkSet(ctx, inst.InstanceID, version, ws); err != nil {
		return false, err
	}

	if ws.Complete && inst.ParentInstanceID != "" {
		resolution := ChildResolution{Result: ws.Result, Failed: ws.FailureInfo}
		if err := s.wakeParent(ctx, inst.ParentInstanceID, inst.InstanceID, resolution); err != nil {
			s.logger.Warn("parent wake failed parent=%s child=%s err=%v", inst.ParentInstanceID, inst.InstanceID, err)
		}
	}

	return true, nil
}

// dispatchActivity runs a single activity instance's registered function to
// completion and commits the outcome directly; unlike an orchestrator
// instance it is never replayed. A background goroutine renews the lease
// at leaseRenewalInterval for as long as the call runs, since an activity's
// runtime is not bounded the way a replay pass is.
func (s *Scheduler) dispatchActivity(ctx context.Context, inst *Instance, version int64) (bool, error) {
	currentVersion, stop := s.startLeaseRenewal(ctx, inst.InstanceID, version)
	defer stop()

	var (
		result  []byte
		failure *Failure
	)
	fn, ok := s.activities.LookupActivity(inst.FunctionName)
	if !ok {
		failure = failureFromErrorOrWrap(ErrUnregisteredFunction)
	} else {
		out, err := runner.Invoke(ctx, runner.ActivityFunc(fn), inst.Input,
			runner.WithTimeout(s.activityTimeout),
			runner.WithMaxRetries(s.activityMaxRetries),
			runner.WithRetryStrategy(runner.ExponentialBackoffStrategy{Base: 100 * time.Millisecond, Factor: 2, Max: 5 * time.Second}),
		)
		if err != nil {
			failure = NewUserFailure(err)
		} else {
			result = out
		}
	}

	ws := WorkSet{Complete: true, Result: result, FailureInfo: failure, ReleaseLease: true}
	if err := s.store.ApplyWorkSet(ctx, inst.InstanceID, currentVersion.Load(), ws); err != nil {
		return false, err
	}

	if inst.ParentInstanceID != "" {
		resolution := ChildResolution{Result: result, Failed: failure}
		if err := s.wakeParent(ctx, inst.ParentInstanceID, inst.InstanceID, resolution); err != nil {
			s.logger.Warn("parent wake failed parent=%s child=%s err=%v", inst.ParentInstanceID, inst.InstanceID, err)
		}
	}

	return true, nil
}

// startLeaseRenewal keeps a claimed lease alive on a cadence of roughly
// half the lease duration for as long as a long-running dispatch (an
// activity invocation) holds it. The returned version tracks every
// successful renewal's version bump; the caller must use version.Load() as
// the expected version for its eventual commit rather than the version it
// started with. The caller must call stop once the call it is guarding has
// returned.
func (s *Scheduler) startLeaseRenewal(ctx context.Context, instanceID string, initialVersion int64) (version *atomic.Int64, stop func()) {
	version = &atomic.Int64{}
	version.Store(initialVersion)

	stopCh := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.leaseRenewalInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := s.leases.Renew(ctx, instanceID, version.Load())
				if err != nil {
					s.logger.Warn("lease renewal failed instance=%s err=%v", instanceID, err)
					return
				}
				if !ok {
					s.logger.Warn("lease renewal lost ownership instance=%s", instanceID)
					return
				}
				version.Add(1)
			}
		}
	}()

	return version, func() {
		close(stopCh)
		<-done
	}
}

// resolveDueTimers completes every timer history entry (new or previously
// committed) whose fire_at has passed, and forces an immediate re-poll so
// the orchestrator observes the resolution on its next pass. Nothing else
// advances a timer from Scheduled to Succeeded; CreateTimer only ever
// records intent.
func (s *Scheduler) resolveDueTimers(inst *Instance, ws *WorkSet, now time.Time) {
	resolvedAny := false

	for i := range ws.NewHistoryEntries {
		entry := &ws.NewHistoryEntries[i]
		if entry.Kind != KindTimer || entry.Status != HistoryScheduled {
			continue
		}
		if entry.FireAt.After(now) {
			continue
		}
		entry.Status = HistorySucceeded
		entry.CompletedAt = now
		resolvedAny = true
	}

	for _, entry := range inst.History {
		if entry.Kind != KindTimer || entry.Status != HistoryScheduled {
			continue
		}
		if entry.FireAt.After(now) {
			continue
		}
		if ws.ResolvedChildren == nil {
			ws.ResolvedChildren = map[string]ChildResolution{}
		}
		ws.ResolvedChildren[entry.ChildInstanceID] = ChildResolution{}
		resolvedAny = true
	}

	if resolvedAny && (ws.ExecuteAfter.IsZero() || now.Before(ws.ExecuteAfter)) {
		ws.ExecuteAfter = now
	}
}

// materializeChildren creates the child Instance record for every newly
// scheduled activity or sub-orchestrator call, if one doesn't already
// exist (idempotent against retried dispatch cycles). An activity call
// becomes an InstanceKindActivity record the scheduler dispatches directly;
// a sub-orchestrator call becomes an ordinary orchestrator record that
// replays through the executor like any other orchestration.
func (s *Scheduler) materializeChildren(ctx context.Context, inst *Instance, ws *WorkSet) error {
	for _, entry := range ws.NewHistoryEntries {
		var kind InstanceKind
		switch entry.Kind {
		case KindActivity:
			kind = InstanceKindActivity
		case KindSubOrchestrator:
			kind = InstanceKindOrchestrator
		default:
			continue
		}

		if _, err := s.store.GetState(ctx, entry.ChildInstanceID); err == nil {
			continue
		}

		child := &Instance{
			InstanceID:       entry.ChildInstanceID,
			FunctionName:     entry.FunctionName,
			Input:            entry.Input,
			ParentInstanceID: inst.InstanceID,
			Kind:             kind,
			ExecuteAfter:     time.Now().UTC(),
		}
		if err := s.store.SaveState(ctx, child, -1); err != nil {
			return err
		}
	}
	return nil
}

// wakeParent propagates a completed child's (activity or sub-orchestrator)
// outcome to the
// parent's matching history entry, retrying on version conflict since the
// parent may be concurrently dispatched by another poll cycle.
func (s *Scheduler) wakeParent(ctx context.Context, parentID, childID string, resolution ChildResolution) error {
	const maxAttempts = 5
	for attempt := 0; attempt < maxAttempts; attempt++ {
		parent, err := s.store.GetState(ctx, parentID)
		if err != nil {
			return err
		}
		if parent.IsCompleted {
			return nil
		}

		ws := WorkSet{ResolvedChildren: map[string]ChildResolution{childID: resolution}}
		err = s.store.ApplyWorkSet(ctx, parentID, parent.Version, ws)
		if err == nil {
			return nil
		}
		if !IsVersionConflict(err) {
			return err
		}
	}
	return fmt.Errorf("wake parent %s: version conflict after %d attempts", parentID, maxAttempts)
}

func failureFromErrorOrWrap(err error) *Failure {
	return NewUserFailure(err)
}

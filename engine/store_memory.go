package engine

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store implementation: a mutex-guarded map
// with deep-clone-on-read/write, grounded on flow/state_store.go's
// InMemoryStateStore.
type MemoryStore struct {
	mu        sync.Mutex
	instances map[string]*Instance
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{instances: make(map[string]*Instance)}
}

func (s *MemoryStore) SaveState(ctx context.Context, inst *Instance, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if expectedVersion >= 0 {
		if current, ok := s.instances[inst.InstanceID]; ok && current.Version != expectedVersion {
			return ErrVersionConflict
		}
	}

	clone := inst.Clone()
	now := time.Now().UTC()
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = now
	s.instances[inst.InstanceID] = clone
	return nil
}

func (s *MemoryStore) GetState(ctx context.Context, instanceID string) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[instanceID]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	return inst.Clone(), nil
}

func (s *MemoryStore) GetFullState(ctx context.Context, instanceID, expectedLeaseOwner string) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[instanceID]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	if inst.LeaseOwner != expectedLeaseOwner {
		return nil, ErrLeaseConflict
	}
	return inst.Clone(), nil
}

func (s *MemoryStore) GetReadyCandidates(ctx context.Context, now time.Time, max int) ([]Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Candidate
	for _, inst := range s.instances {
		if inst.IsCompleted {
			continue
		}
		if inst.ExecuteAfter.After(now) {
			continue
		}
		if inst.HasLease() && inst.LeaseExpiresAt.After(now) {
			continue
		}
		out = append(out, Candidate{
			InstanceID:     inst.InstanceID,
			FunctionName:   inst.FunctionName,
			ExecuteAfter:   inst.ExecuteAfter,
			Version:        inst.Version,
			LeaseOwner:     inst.LeaseOwner,
			LeaseExpiresAt: inst.LeaseExpiresAt,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out, nil
}

func (s *MemoryStore) TryClaimLease(ctx context.Context, instanceID, hostID string, duration time.Duration) (bool, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[instanceID]
	if !ok {
		return false, 0, ErrInstanceNotFound
	}

	now := time.Now().UTC()
	if inst.HasLease() && inst.LeaseExpiresAt.After(now) {
		return false, inst.Version, nil
	}

	inst.LeaseOwner = hostID
	inst.LeaseExpiresAt = now.Add(duration)
	inst.Version++
	inst.UpdatedAt = now
	return true, inst.Version, nil
}

func (s *MemoryStore) RenewLease(ctx context.Context, instanceID, hostID string, duration time.Duration, expectedVersion int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[instanceID]
	if !ok {
		return false, ErrInstanceNotFound
	}
	if inst.LeaseOwner != hostID || inst.Version != expectedVersion {
		return false, nil
	}

	now := time.Now().UTC()
	inst.LeaseExpiresAt = now.Add(duration)
	inst.Version++
	inst.UpdatedAt = now
	return true, nil
}

func (s *MemoryStore) ReleaseLease(ctx context.Context, instanceID, hostID string, expectedVersion int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[instanceID]
	if !ok {
		return false, ErrInstanceNotFound
	}
	if inst.LeaseOwner != hostID || inst.Version != expectedVersion {
		return false, nil
	}

	inst.LeaseOwner = ""
	inst.LeaseExpiresAt = time.Time{}
	inst.Version++
	inst.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryStore) ApplyWorkSet(ctx context.Context, instanceID string, expectedVersion int64, ws WorkSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[instanceID]
	if !ok {
		return ErrInstanceNotFound
	}
	if inst.Version != expectedVersion {
		return ErrVersionConflict
	}
	if inst.IsCompleted {
		// Terminal instances are immutable: nothing left to commit.
		return nil
	}

	applyWorkSetLocked(inst, ws)
	inst.Version++
	inst.UpdatedAt = time.Now().UTC()
	return nil
}

// applyWorkSetLocked mutates inst in place; caller holds the store mutex.
func applyWorkSetLocked(inst *Instance, ws WorkSet) {
	inst.History = append(inst.History, ws.NewHistoryEntries...)
	inst.historyIndexInvalidate()

	for name, n := range ws.ConsumedEvents {
		q := inst.EventQueues[name]
		if n > len(q) {
			n = len(q)
		}
		inst.EventQueues[name] = q[n:]
	}

	inst.AwaitedEvents = append(inst.AwaitedEvents, ws.NewWaiters...)

	if len(ws.ResolvedChildren) > 0 {
		now := time.Now().UTC()
		for i := range inst.History {
			res, ok := ws.ResolvedChildren[inst.History[i].ChildInstanceID]
			if !ok {
				continue
			}
			if res.Failed != nil {
				inst.History[i].Status = HistoryFailed
				inst.History[i].Error = res.Failed
			} else {
				inst.History[i].Status = HistorySucceeded
				inst.History[i].Result = res.Result
			}
			inst.History[i].CompletedAt = now
		}
		inst.ExecuteAfter = now
	}

	if !ws.ExecuteAfter.IsZero() {
		if inst.ExecuteAfter.IsZero() || ws.ExecuteAfter.Before(inst.ExecuteAfter) {
			inst.ExecuteAfter = ws.ExecuteAfter
		}
	}

	if ws.Complete {
		inst.IsCompleted = true
		inst.CompletedResult = ws.Result
		inst.CompletedError = ws.FailureInfo
	}

	if ws.ReleaseLease {
		inst.LeaseOwner = ""
		inst.LeaseExpiresAt = time.Time{}
	}
}

func (s *MemoryStore) RaiseEvent(ctx context.Context, instanceID, eventName string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[instanceID]
	if !ok {
		return ErrInstanceNotFound
	}
	if inst.IsCompleted {
		// Raising an event to a completed instance is a silent no-op.
		return nil
	}

	if waiterIdx := earliestWaiterIndex(inst, eventName); waiterIdx >= 0 {
		waiter := inst.AwaitedEvents[waiterIdx]
		inst.AwaitedEvents = append(inst.AwaitedEvents[:waiterIdx], inst.AwaitedEvents[waiterIdx+1:]...)

		for i := range inst.History {
			if inst.History[i].ChildInstanceID == waiter.ChildInstanceID {
				inst.History[i].Status = HistorySucceeded
				inst.History[i].Result = append([]byte(nil), payload...)
				inst.History[i].CompletedAt = time.Now().UTC()
				break
			}
		}
		inst.ExecuteAfter = time.Now().UTC()
	} else {
		if inst.EventQueues == nil {
			inst.EventQueues = make(map[string][][]byte)
		}
		inst.EventQueues[eventName] = append(inst.EventQueues[eventName], append([]byte(nil), payload...))
	}

	inst.Version++
	inst.UpdatedAt = time.Now().UTC()
	return nil
}

func earliestWaiterIndex(inst *Instance, eventName string) int {
	for i, w := range inst.AwaitedEvents {
		if w.Name == eventName {
			return i
		}
	}
	return -1
}

func (s *MemoryStore) Terminate(ctx context.Context, instanceID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[instanceID]
	if !ok {
		return ErrInstanceNotFound
	}
	if inst.IsCompleted {
		return nil
	}

	inst.IsCompleted = true
	inst.CompletedError = NewTerminationFailure(reason)
	inst.Version++
	inst.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) Purge(ctx context.Context, instanceID string, cascade bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[instanceID]; !ok {
		return 0, nil
	}
	delete(s.instances, instanceID)
	count := 1

	if cascade {
		var children []string
		for id, inst := range s.instances {
			if inst.ParentInstanceID == instanceID {
				children = append(children, id)
			}
		}
		for _, childID := range children {
			s.mu.Unlock()
			n, err := s.Purge(ctx, childID, true)
			s.mu.Lock()
			if err != nil {
				return count, err
			}
			count += n
		}
	}

	return count, nil
}

func (s *MemoryStore) Count(ctx context.Context, filter ListFilter) (int, error) {
	list, err := s.List(ctx, filter)
	if err != nil {
		return 0, err
	}
	return len(list), nil
}

func (s *MemoryStore) List(ctx context.Context, filter ListFilter) ([]*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Instance
	for _, inst := range s.instances {
		if filter.FunctionName != "" && inst.FunctionName != filter.FunctionName {
			continue
		}
		if filter.Status != "" && inst.Status() != filter.Status {
			continue
		}
		if !filter.CreatedAfter.IsZero() && inst.CreatedAt.Before(filter.CreatedAfter) {
			continue
		}
		if !filter.CreatedBefore.IsZero() && inst.CreatedAt.After(filter.CreatedBefore) {
			continue
		}
		out = append(out, inst.Clone())
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

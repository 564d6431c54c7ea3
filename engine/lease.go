package engine

import (
	"context"
	"time"
)

// LeaseManager layers the Store's single-row CAS lease primitives with a
// fixed duration and host identity, so the scheduler doesn't have to thread
// those through every call site.
type LeaseManager struct {
	store    Store
	hostID   string
	duration time.Duration
}

func NewLeaseManager(store Store, hostID string, duration time.Duration) *LeaseManager {
	return &LeaseManager{store: store, hostID: hostID, duration: duration}
}

// Claim attempts to take ownership of instanceID for this host.
func (m *LeaseManager) Claim(ctx context.Context, instanceID string) (bool, int64, error) {
	return m.store.TryClaimLease(ctx, instanceID, m.hostID, m.duration)
}

// Renew extends an already-held lease; callers use this from a long-running
// activity invocation to avoid another host reclaiming the instance
// mid-dispatch.
func (m *LeaseManager) Renew(ctx context.Context, instanceID string, expectedVersion int64) (bool, error) {
	return m.store.RenewLease(ctx, instanceID, m.hostID, m.duration, expectedVersion)
}

// Release gives up the lease early, normally after a successful commit so
// the instance becomes immediately claimable again rather than waiting out
// the lease window.
func (m *LeaseManager) Release(ctx context.Context, instanceID string, expectedVersion int64) (bool, error) {
	return m.store.ReleaseLease(ctx, instanceID, m.hostID, expectedVersion)
}

package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// childIDEnvelope is the normalized, field-ordered payload hashed to
// derive a deterministic child instance id. Field order is
// fixed by the struct tags below and never reordered, so re-running the
// orchestrator on the same history reproduces the same ids in the same
// order.
type childIDEnvelope struct {
	ParentInstanceID string `json:"parent_instance_id"`
	Kind             string `json:"kind"`
	Name             string `json:"name"`
	Ordinal          int    `json:"ordinal"`
	Input            string `json:"input,omitempty"`
}

// DeriveChildID computes the collision-resistant child instance id for one
// suspending call, grounded on the idempotency-key hashing in
// flow/idempotency_store.go (sha256 over a normalized JSON envelope,
// hex-encoded). name is the activity/sub-orchestrator function name or the
// awaited event name; ordinal is the per-parent sequence tag, hashed for
// every call kind, so it is what tells apart calls that have no input to
// hash (timers, event waits) or that repeat the same name and input.
func DeriveChildID(parentInstanceID string, kind HistoryKind, name string, ordinal int, input []byte) string {
	envelope := childIDEnvelope{
		ParentInstanceID: parentInstanceID,
		Kind:             string(kind),
		Name:             name,
		Ordinal:          ordinal,
		Input:            string(input),
	}

	raw, err := json.Marshal(envelope)
	if err != nil {
		// json.Marshal on this envelope cannot fail (all fields are
		// strings/ints); if it ever does, fall back to a stable
		// non-hashed id rather than panicking mid-replay.
		raw = []byte(fmt.Sprintf("%s|%s|%s|%d|%s", parentInstanceID, kind, name, ordinal, input))
	}

	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

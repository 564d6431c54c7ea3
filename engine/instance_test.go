package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstance_FindHistory(t *testing.T) {
	inst := &Instance{
		InstanceID: "root-1",
		History: []HistoryEntry{
			{ChildInstanceID: "a", Kind: KindActivity, Status: HistorySucceeded, Result: []byte(`"ok"`)},
			{ChildInstanceID: "b", Kind: KindTimer, Status: HistoryScheduled},
		},
	}

	entry, ok := inst.FindHistory("a")
	require.True(t, ok)
	assert.Equal(t, HistorySucceeded, entry.Status)

	_, ok = inst.FindHistory("missing")
	assert.False(t, ok)

	inst.History = append(inst.History, HistoryEntry{ChildInstanceID: "c", Kind: KindActivity})
	inst.historyIndexInvalidate()
	_, ok = inst.FindHistory("c")
	assert.True(t, ok, "reindex should pick up entries appended after the cache was invalidated")
}

func TestInstance_Status(t *testing.T) {
	inst := &Instance{}
	assert.Equal(t, StatusPending, inst.Status())

	inst.LeaseOwner = "host-1"
	inst.LeaseExpiresAt = time.Now().Add(time.Minute)
	assert.Equal(t, StatusRunning, inst.Status())

	inst.IsCompleted = true
	assert.Equal(t, StatusCompleted, inst.Status())

	inst.CompletedError = &Failure{Code: "SOME_FAILURE"}
	assert.Equal(t, StatusFailed, inst.Status())

	inst.CompletedError = &Failure{Code: ErrCodeTerminated}
	assert.Equal(t, StatusTerminated, inst.Status())
}

func TestInstance_CloneIsIndependent(t *testing.T) {
	orig := &Instance{
		InstanceID: "root-1",
		Input:      []byte(`"in"`),
		History: []HistoryEntry{
			{ChildInstanceID: "a", Result: []byte(`"r"`)},
		},
		EventQueues: map[string][][]byte{"e": {[]byte("p1")}},
	}

	clone := orig.Clone()
	clone.History[0].Result[0] = 'X'
	clone.EventQueues["e"][0][0] = 'X'
	clone.Input[0] = 'X'

	assert.Equal(t, byte('"'), orig.History[0].Result[0])
	assert.Equal(t, byte('p'), orig.EventQueues["e"][0][0])
	assert.Equal(t, byte('"'), orig.Input[0])
}

package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestJobKind_Valid(t *testing.T) {
	for _, k := range []JobKind{KindImageTo3D, KindTextTo3D, KindImageDetailVariation, KindTextDetailVariation} {
		assert.True(t, k.Valid(), string(k))
	}
	assert.False(t, JobKind("mesh_to_text").Valid())
	assert.False(t, JobKind("").Valid())
}

func TestJobState_Terminal(t *testing.T) {
	assert.False(t, StatePending.Terminal())
	assert.False(t, StateRunning.Terminal())
	assert.True(t, StateSucceeded.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.True(t, StateCancelled.Terminal())
}

func TestJobState_Active(t *testing.T) {
	assert.True(t, StatePending.Active())
	assert.True(t, StateRunning.Active())
	assert.False(t, StateSucceeded.Active())
	assert.False(t, StateFailed.Active())
	assert.False(t, StateCancelled.Active())
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from JobState
		to   JobState
		want bool
	}{
		{"pending to running", StatePending, StateRunning, true},
		{"pending to succeeded", StatePending, StateSucceeded, true},
		{"pending to failed", StatePending, StateFailed, true},
		{"pending to cancelled", StatePending, StateCancelled, true},
		{"running to succeeded", StateRunning, StateSucceeded, true},
		{"running to failed", StateRunning, StateFailed, true},
		{"running to cancelled", StateRunning, StateCancelled, true},
		{"running back to pending", StateRunning, StatePending, false},
		{"succeeded to running", StateSucceeded, StateRunning, false},
		{"failed to pending", StateFailed, StatePending, false},
		{"cancelled to running", StateCancelled, StateRunning, false},
		{"succeeded to failed", StateSucceeded, StateFailed, false},
		{"self transition pending", StatePending, StatePending, true},
		{"self transition succeeded", StateSucceeded, StateSucceeded, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

// Property: no sequence of attempted transitions ever moves a record out of a
// terminal state.
func TestCanTransition_TerminalIsAbsorbing(t *testing.T) {
	states := []JobState{StatePending, StateRunning, StateSucceeded, StateFailed, StateCancelled}

	rapid.Check(t, func(t *rapid.T) {
		state := StatePending
		steps := rapid.IntRange(1, 50).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			next := rapid.SampledFrom(states).Draw(t, "next")
			wasTerminal := state.Terminal()
			if CanTransition(state, next) {
				if wasTerminal && next != state {
					t.Fatalf("left terminal state %s for %s", state, next)
				}
				state = next
			}
		}
	})
}

func TestJobRecord_Clone(t *testing.T) {
	rec := &JobRecord{
		ID:    "job-1",
		Kind:  KindImageTo3D,
		State: StateFailed,
		Error: NewError(ErrServer, "boom"),
	}

	cp := rec.Clone()
	cp.State = StateRunning
	cp.Error.Message = "changed"

	assert.Equal(t, StateFailed, rec.State)
	assert.Equal(t, "boom", rec.Error.Message)

	var nilRec *JobRecord
	assert.Nil(t, nilRec.Clone())
}

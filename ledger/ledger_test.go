package ledger

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fishwowater/trellis-go/types"
)

func newRecord(id string, state types.JobState) *types.JobRecord {
	return &types.JobRecord{
		ID:    id,
		Kind:  types.KindImageTo3D,
		State: state,
	}
}

func TestLedger_AppendAndGet(t *testing.T) {
	l := New(10, zap.NewNop())

	require.NoError(t, l.Append(newRecord("a", types.StatePending)))
	got := l.Get("a")
	require.NotNil(t, got)
	assert.Equal(t, "a", got.ID)
	assert.False(t, got.CreatedAt.IsZero())

	assert.Nil(t, l.Get("missing"))
}

func TestLedger_AppendRejectsDuplicatesAndEmptyIDs(t *testing.T) {
	l := New(10, zap.NewNop())

	require.NoError(t, l.Append(newRecord("a", types.StatePending)))
	err := l.Append(newRecord("a", types.StatePending))
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))

	err = l.Append(&types.JobRecord{})
	require.Error(t, err)
}

func TestLedger_Update(t *testing.T) {
	l := New(10, zap.NewNop())
	require.NoError(t, l.Append(newRecord("a", types.StatePending)))

	updated, err := l.Update("a", func(r *types.JobRecord) {
		r.State = types.StateRunning
		r.Progress = "30%"
	})
	require.NoError(t, err)
	assert.Equal(t, types.StateRunning, updated.State)
	assert.Equal(t, "30%", updated.Progress)

	// Clone independence: mutating the returned record does not touch the ledger.
	updated.Progress = "oops"
	assert.Equal(t, "30%", l.Get("a").Progress)
}

func TestLedger_UpdateUnknownID(t *testing.T) {
	l := New(10, zap.NewNop())
	_, err := l.Update("missing", func(r *types.JobRecord) {})
	require.Error(t, err)
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}

func TestLedger_UpdateRejectsInvalidTransition(t *testing.T) {
	l := New(10, zap.NewNop())
	require.NoError(t, l.Append(newRecord("a", types.StateSucceeded)))

	_, err := l.Update("a", func(r *types.JobRecord) {
		r.State = types.StateRunning
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidTransition, types.GetErrorCode(err))

	// The rejected mutation is rolled back.
	assert.Equal(t, types.StateSucceeded, l.Get("a").State)
}

func TestLedger_TerminalFieldInvariants(t *testing.T) {
	l := New(10, zap.NewNop())
	require.NoError(t, l.Append(newRecord("a", types.StateRunning)))

	// artifact_url only survives on succeeded records.
	rec, err := l.Update("a", func(r *types.JobRecord) {
		r.ArtifactURL = "/results/a/model.glb"
	})
	require.NoError(t, err)
	assert.Empty(t, rec.ArtifactURL)

	rec, err = l.Update("a", func(r *types.JobRecord) {
		r.State = types.StateSucceeded
		r.ArtifactURL = "/results/a/model.glb"
	})
	require.NoError(t, err)
	assert.Equal(t, "/results/a/model.glb", rec.ArtifactURL)
	assert.Nil(t, rec.Error)
}

func TestLedger_ListMostRecentFirst(t *testing.T) {
	l := New(10, zap.NewNop())
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, l.Append(newRecord(id, types.StatePending)))
	}

	list := l.List(Filter{})
	require.Len(t, list, 3)
	assert.Equal(t, "c", list[0].ID)
	assert.Equal(t, "b", list[1].ID)
	assert.Equal(t, "a", list[2].ID)
}

func TestLedger_ListFilters(t *testing.T) {
	l := New(10, zap.NewNop())
	require.NoError(t, l.Append(newRecord("a", types.StatePending)))
	require.NoError(t, l.Append(&types.JobRecord{ID: "b", Kind: types.KindTextTo3D, State: types.StateFailed}))
	require.NoError(t, l.Append(newRecord("c", types.StateRunning)))

	assert.Len(t, l.List(Filter{Kind: types.KindTextTo3D}), 1)
	assert.Len(t, l.List(Filter{States: []types.JobState{types.StateFailed}}), 1)

	active := l.Active()
	require.Len(t, active, 2)
	assert.Equal(t, "c", active[0].ID)
	assert.Equal(t, "a", active[1].ID)
}

func TestLedger_EvictionSkipsActiveRecords(t *testing.T) {
	l := New(3, zap.NewNop())

	// Two active records, then flood with terminal ones.
	require.NoError(t, l.Append(newRecord("active-1", types.StatePending)))
	require.NoError(t, l.Append(newRecord("active-2", types.StateRunning)))
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Append(newRecord(fmt.Sprintf("done-%d", i), types.StateSucceeded)))
	}

	assert.NotNil(t, l.Get("active-1"), "active record must survive eviction")
	assert.NotNil(t, l.Get("active-2"), "active record must survive eviction")
	assert.Equal(t, 3, l.Len())
	// The newest terminal record survives, older ones were evicted.
	assert.NotNil(t, l.Get("done-4"))
	assert.Nil(t, l.Get("done-0"))
}

func TestLedger_EvictionKeepsAllActiveEvenOverCapacity(t *testing.T) {
	l := New(2, zap.NewNop())
	for i := 0; i < 4; i++ {
		require.NoError(t, l.Append(newRecord(fmt.Sprintf("run-%d", i), types.StateRunning)))
	}
	assert.Equal(t, 4, l.Len(), "active records are never evicted")
}

func TestLedger_ClearHistory(t *testing.T) {
	l := New(10, zap.NewNop())
	require.NoError(t, l.Append(newRecord("done", types.StateSucceeded)))
	require.NoError(t, l.Append(newRecord("failed", types.StateFailed)))
	require.NoError(t, l.Append(newRecord("running", types.StateRunning)))

	removed := l.ClearHistory()
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, l.Len())
	assert.NotNil(t, l.Get("running"))
	assert.Nil(t, l.Get("done"))
}

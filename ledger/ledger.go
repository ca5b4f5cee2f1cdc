// Package ledger holds the session's job history: an insertion-ordered,
// capacity-bounded collection of job records. The ledger is the only mutable
// shared state of the orchestrator; every mutation happens under its mutex
// and respects the job state machine.
package ledger

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fishwowater/trellis-go/types"
)

// Filter narrows List results.
type Filter struct {
	States []types.JobState
	Kind   types.JobKind
}

// Ledger is the ordered job history. Safe for concurrent use.
type Ledger struct {
	mu       sync.RWMutex
	capacity int
	// records in submission order, oldest first. Listing reverses.
	records []*types.JobRecord
	index   map[string]*types.JobRecord
	logger  *zap.Logger
}

// New creates a ledger retaining at most capacity records. Active records
// are exempt from eviction regardless of capacity.
func New(capacity int, logger *zap.Logger) *Ledger {
	if capacity < 1 {
		capacity = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		capacity: capacity,
		index:    make(map[string]*types.JobRecord),
		logger:   logger.With(zap.String("component", "ledger")),
	}
}

// Append adds a record and evicts the oldest terminal records if the ledger
// is over capacity.
func (l *Ledger) Append(record *types.JobRecord) error {
	if record == nil || record.ID == "" {
		return types.NewError(types.ErrInvalidRequest, "record must carry an id")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.index[record.ID]; exists {
		return types.NewError(types.ErrInvalidRequest, "duplicate job id: "+record.ID)
	}

	now := time.Now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	l.records = append(l.records, record)
	l.index[record.ID] = record

	l.evictLocked()

	l.logger.Debug("record appended",
		zap.String("id", record.ID),
		zap.String("kind", string(record.Kind)),
		zap.Int("size", len(l.records)),
	)
	return nil
}

// Get returns a clone of the record, or nil if unknown.
func (l *Ledger) Get(id string) *types.JobRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.index[id].Clone()
}

// Update applies mutator to the live record under the ledger lock and
// returns a clone of the result. The mutation is atomic: concurrent readers
// never observe a half-updated record. State changes outside the permitted
// transition edges are rejected and rolled back.
func (l *Ledger) Update(id string, mutator func(*types.JobRecord)) (*types.JobRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	record, ok := l.index[id]
	if !ok {
		return nil, types.NewError(types.ErrNotFound, "unknown job id: "+id)
	}

	before := *record
	mutator(record)

	if !types.CanTransition(before.State, record.State) {
		*record = before
		return nil, types.NewError(types.ErrInvalidTransition,
			"transition "+string(before.State)+" -> "+string(record.State)+" is not permitted")
	}

	// Terminal-state field invariants.
	if record.State != types.StateSucceeded {
		record.ArtifactURL = ""
	}
	if record.State != types.StateFailed {
		record.Error = nil
	}

	record.UpdatedAt = time.Now()
	return record.Clone(), nil
}

// List returns clones of matching records, most recent first.
func (l *Ledger) List(filter Filter) []*types.JobRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*types.JobRecord, 0, len(l.records))
	for i := len(l.records) - 1; i >= 0; i-- {
		r := l.records[i]
		if !matches(r, filter) {
			continue
		}
		out = append(out, r.Clone())
	}
	return out
}

// Active returns clones of all pending or running records, most recent
// first. The order is deterministic so poll ticks are reproducible.
func (l *Ledger) Active() []*types.JobRecord {
	return l.List(Filter{States: []types.JobState{types.StatePending, types.StateRunning}})
}

// Len returns the number of retained records.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// ClearHistory drops all terminal records and reports how many were removed.
// Active records keep polling and stay listed.
func (l *Ledger) ClearHistory() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.records[:0]
	removed := 0
	for _, r := range l.records {
		if r.State.Terminal() {
			delete(l.index, r.ID)
			removed++
			continue
		}
		kept = append(kept, r)
	}
	l.records = kept

	if removed > 0 {
		l.logger.Info("history cleared", zap.Int("removed", removed))
	}
	return removed
}

func matches(r *types.JobRecord, filter Filter) bool {
	if filter.Kind != "" && r.Kind != filter.Kind {
		return false
	}
	if len(filter.States) > 0 {
		found := false
		for _, s := range filter.States {
			if r.State == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// evictLocked removes the oldest terminal records while over capacity.
// Pending and running records are never evicted.
func (l *Ledger) evictLocked() {
	if len(l.records) <= l.capacity {
		return
	}

	over := len(l.records) - l.capacity
	kept := make([]*types.JobRecord, 0, len(l.records))
	for _, r := range l.records {
		if over > 0 && r.State.Terminal() {
			delete(l.index, r.ID)
			over--
			l.logger.Debug("record evicted", zap.String("id", r.ID))
			continue
		}
		kept = append(kept, r)
	}
	l.records = kept
}

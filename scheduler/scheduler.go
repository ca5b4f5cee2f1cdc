// Package scheduler drives every active job record toward a terminal state.
// A recurring tick polls the server for each pending or running job and folds
// the result into the ledger. Per-job failures never escape the tick: they
// become record-level error state, counted against the transient-failure
// ceiling.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fishwowater/trellis-go/client"
	"github.com/fishwowater/trellis-go/internal/metrics"
	"github.com/fishwowater/trellis-go/ledger"
	"github.com/fishwowater/trellis-go/types"
)

// Transport is the slice of the transport client the scheduler needs.
type Transport interface {
	Poll(ctx context.Context, jobID string) (*client.JobStatus, error)
	Cancel(ctx context.Context, jobID string) error
}

// Config configures the scheduler.
type Config struct {
	// Interval between ticks.
	Interval time.Duration
	// IdleSuspend stops the tick loop while no job is active. Submitting a
	// new job restarts it.
	IdleSuspend bool
	// TransientFailureCeiling is the number of consecutive connection-level
	// poll failures tolerated per job before it is marked failed.
	TransientFailureCeiling int
	// CancelAttempts bounds server cancel confirmations before a job is
	// marked cancelled locally with a warning.
	CancelAttempts int
}

// Scheduler owns the poll tick lifecycle.
type Scheduler struct {
	cfg       Config
	ledger    *ledger.Ledger
	transport Transport
	collector *metrics.Collector
	logger    *zap.Logger

	// OnUpdate, when set, is invoked with a clone of every record the tick
	// mutated. Used by the façade to push non-blocking UI notifications.
	OnUpdate func(*types.JobRecord)

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a scheduler. The collector may be nil.
func New(cfg Config, l *ledger.Ledger, transport Transport, collector *metrics.Collector, logger *zap.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 3 * time.Second
	}
	if cfg.TransientFailureCeiling < 1 {
		cfg.TransientFailureCeiling = 3
	}
	if cfg.CancelAttempts < 1 {
		cfg.CancelAttempts = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:       cfg,
		ledger:    l,
		transport: transport,
		collector: collector,
		logger:    logger.With(zap.String("component", "scheduler")),
	}
}

// Start launches the tick loop if it is not already running.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(runCtx)
	s.logger.Debug("scheduler started", zap.Duration("interval", s.cfg.Interval))
}

// Stop halts the tick loop and waits for the in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done
}

// Running reports whether the tick loop is live.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.running = false
			close(s.done)
			s.mu.Unlock()
			return
		case <-ticker.C:
			remaining := s.Tick(ctx)
			if remaining == 0 && s.cfg.IdleSuspend && s.suspendIfIdle() {
				return
			}
		}
	}
}

// suspendIfIdle stops the loop unless a record became active after the
// tick's snapshot. Submissions append to the ledger before calling Start,
// so re-checking under the lock closes the window where a Start would
// no-op against a loop that has already decided to exit.
func (s *Scheduler) suspendIfIdle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ledger.Active()) > 0 {
		return false
	}
	s.logger.Debug("no active jobs, suspending")
	s.running = false
	close(s.done)
	return true
}

// Tick advances every active record once and returns how many records remain
// active afterwards. Jobs are visited most-recent-submission-first, matching
// ledger display order; a failure on one job never blocks the others.
func (s *Scheduler) Tick(ctx context.Context) int {
	start := time.Now()

	for _, rec := range s.ledger.Active() {
		s.advance(ctx, rec)
	}

	remaining := len(s.ledger.Active())
	if s.collector != nil {
		s.collector.RecordPollTick(time.Since(start))
		s.collector.SetActiveJobs(remaining)
	}
	return remaining
}

// advance drives one record through a single poll step. All failures are
// converted into record state; nothing propagates past the tick boundary.
func (s *Scheduler) advance(ctx context.Context, rec *types.JobRecord) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic while advancing job",
				zap.String("id", rec.ID),
				zap.Any("panic", r),
			)
			s.applyUpdate(rec.ID, func(r2 *types.JobRecord) {
				r2.State = types.StateFailed
				r2.Error = types.NewError(types.ErrServer, fmt.Sprintf("internal error: %v", r))
			})
		}
	}()

	if rec.CancelRequested {
		s.confirmCancel(ctx, rec)
		return
	}

	status, err := s.transport.Poll(ctx, rec.ID)
	if err != nil {
		s.handlePollError(rec, err)
		return
	}

	if !status.Known {
		s.logger.Debug("unknown server status, skipping", zap.String("id", rec.ID))
		return
	}

	s.applyStatus(rec, status)
}

func (s *Scheduler) handlePollError(rec *types.JobRecord, err error) {
	code := types.GetErrorCode(err)
	if s.collector != nil {
		s.collector.RecordPollFailure(string(code))
	}

	if code == types.ErrNotFound {
		// The server no longer knows this job; the ledger entry is
		// inconsistent and cannot make progress.
		s.logger.Warn("job unknown to server", zap.String("id", rec.ID))
		s.applyUpdate(rec.ID, func(r *types.JobRecord) {
			r.State = types.StateFailed
			r.Error = types.NewError(types.ErrNotFound, "job no longer known to the server").WithCause(err)
		})
		return
	}

	if types.IsRetryable(err) {
		failures := rec.TransientFailures + 1
		if failures < s.cfg.TransientFailureCeiling {
			// Below the ceiling the failure stays invisible to the user.
			s.logger.Debug("transient poll failure",
				zap.String("id", rec.ID),
				zap.Int("failures", failures),
				zap.Error(err),
			)
			s.applyUpdate(rec.ID, func(r *types.JobRecord) {
				r.TransientFailures = failures
			})
			return
		}

		s.logger.Warn("transient failure ceiling exceeded",
			zap.String("id", rec.ID),
			zap.Int("failures", failures),
			zap.Error(err),
		)
		s.applyUpdate(rec.ID, func(r *types.JobRecord) {
			r.TransientFailures = failures
			r.State = types.StateFailed
			r.Error = types.NewError(types.ErrConnection,
				fmt.Sprintf("polling failed %d consecutive times", failures)).WithCause(err)
		})
		return
	}

	// Non-retryable poll failure.
	s.applyUpdate(rec.ID, func(r *types.JobRecord) {
		r.State = types.StateFailed
		if typed, ok := err.(*types.Error); ok {
			r.Error = typed
		} else {
			r.Error = types.NewError(types.ErrServer, "poll failed").WithCause(err)
		}
	})
}

func (s *Scheduler) applyStatus(rec *types.JobRecord, status *client.JobStatus) {
	if !types.CanTransition(rec.State, status.State) {
		s.logger.Warn("server reported impossible transition, ignoring",
			zap.String("id", rec.ID),
			zap.String("from", string(rec.State)),
			zap.String("to", string(status.State)),
		)
		return
	}

	from := rec.State
	updated := s.applyUpdate(rec.ID, func(r *types.JobRecord) {
		r.TransientFailures = 0
		r.Progress = status.Progress
		r.State = status.State
		if status.State == types.StateSucceeded {
			r.ArtifactURL = status.ArtifactURL
		}
		if status.State == types.StateFailed {
			r.Error = status.Err
			if r.Error == nil {
				r.Error = types.NewError(types.ErrServer, "server reported failure")
			}
		}
	})

	if updated != nil && updated.State != from {
		if s.collector != nil {
			s.collector.RecordTransition(string(from), string(updated.State))
		}
		s.logger.Info("job state changed",
			zap.String("id", rec.ID),
			zap.String("from", string(from)),
			zap.String("to", string(updated.State)),
		)
	}
}

// confirmCancel pushes a user cancellation toward the server. Confirmation
// transitions the record to cancelled; after the attempt budget is spent the
// record is cancelled locally with a recorded warning.
func (s *Scheduler) confirmCancel(ctx context.Context, rec *types.JobRecord) {
	err := s.transport.Cancel(ctx, rec.ID)
	if err == nil || types.GetErrorCode(err) == types.ErrNotFound {
		from := rec.State
		updated := s.applyUpdate(rec.ID, func(r *types.JobRecord) {
			r.State = types.StateCancelled
			r.CancelRequested = false
		})
		if updated != nil && s.collector != nil {
			s.collector.RecordTransition(string(from), string(types.StateCancelled))
		}
		return
	}

	attempts := rec.CancelAttempts + 1
	if attempts < s.cfg.CancelAttempts {
		s.logger.Debug("cancel not yet confirmed",
			zap.String("id", rec.ID),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		s.applyUpdate(rec.ID, func(r *types.JobRecord) {
			r.CancelAttempts = attempts
		})
		return
	}

	s.logger.Warn("cancel unconfirmed, marking cancelled locally",
		zap.String("id", rec.ID),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)
	s.applyUpdate(rec.ID, func(r *types.JobRecord) {
		r.CancelAttempts = attempts
		r.State = types.StateCancelled
		r.CancelRequested = false
		r.Warning = "cancellation not confirmed by server; marked cancelled locally"
	})
}

// applyUpdate wraps ledger.Update, logging instead of propagating errors and
// fanning updated records out to OnUpdate.
func (s *Scheduler) applyUpdate(id string, mutator func(*types.JobRecord)) *types.JobRecord {
	updated, err := s.ledger.Update(id, mutator)
	if err != nil {
		s.logger.Warn("ledger update rejected", zap.String("id", id), zap.Error(err))
		return nil
	}
	if s.OnUpdate != nil {
		s.OnUpdate(updated)
	}
	return updated
}

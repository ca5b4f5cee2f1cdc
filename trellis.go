// Package trellis orchestrates generative 3D jobs against a remote TRELLIS
// inference server: submission, non-blocking status polling, a bounded
// session ledger, cancellation/retry, and artifact import into a host scene.
//
// Usage:
//
//	cfg := config.DefaultConfig()
//	orc, err := trellis.New(cfg, trellis.WithSink(mySink))
//	rec, err := orc.SubmitImageTo3D(ctx, "chair.png", nil)
//
// The orchestrator owns the poll scheduler lifecycle: polling starts on the
// first submission and, with idle-suspend enabled, stops once no job is
// active.
package trellis

import (
	"context"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/fishwowater/trellis-go/client"
	"github.com/fishwowater/trellis-go/config"
	"github.com/fishwowater/trellis-go/importer"
	"github.com/fishwowater/trellis-go/internal/metrics"
	"github.com/fishwowater/trellis-go/ledger"
	"github.com/fishwowater/trellis-go/scheduler"
	"github.com/fishwowater/trellis-go/types"
)

// Transport is the full transport surface the orchestrator consumes.
// *client.Client implements it.
type Transport interface {
	Submit(ctx context.Context, kind types.JobKind, input client.SubmitInput, params types.GenerationParams) (string, error)
	Poll(ctx context.Context, jobID string) (*client.JobStatus, error)
	Cancel(ctx context.Context, jobID string) error
	FetchArtifact(ctx context.Context, artifactURL string) (io.ReadCloser, int64, error)
}

// Orchestrator is the command façade. All user-triggered operations go
// through it; only it and the poll scheduler mutate the ledger.
type Orchestrator struct {
	cfg       *config.Config
	logger    *zap.Logger
	transport Transport
	ledger    *ledger.Ledger
	scheduler *scheduler.Scheduler
	importer  *importer.Importer
	resolver  InputResolver
	notifier  Notifier
	sink      importer.Sink
	collector *metrics.Collector

	// inputs retains submission payloads per job id so a retry can resubmit
	// the exact original request.
	inputsMu sync.Mutex
	inputs   map[string]client.SubmitInput

	pollCtx context.Context
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithLogger sets a custom zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithTransport overrides the HTTP transport, mainly for tests.
func WithTransport(t Transport) Option {
	return func(o *Orchestrator) { o.transport = t }
}

// WithSink sets the host scene-import collaborator.
func WithSink(sink importer.Sink) Option {
	return func(o *Orchestrator) { o.sink = sink }
}

// WithResolver sets the host input-reference resolver.
func WithResolver(r InputResolver) Option {
	return func(o *Orchestrator) { o.resolver = r }
}

// WithNotifier sets the host UI notifier.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithMetrics sets the metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *Orchestrator) { o.collector = c }
}

// WithPollContext sets the context governing the background poll loop.
// Defaults to context.Background().
func WithPollContext(ctx context.Context) Option {
	return func(o *Orchestrator) { o.pollCtx = ctx }
}

// New creates an orchestrator from the configuration.
func New(cfg *config.Config, opts ...Option) (*Orchestrator, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:     cfg,
		inputs:  make(map[string]client.SubmitInput),
		pollCtx: context.Background(),
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.resolver == nil {
		o.resolver = FileResolver{}
	}
	if o.notifier == nil {
		o.notifier = NopNotifier{}
	}
	if o.sink == nil {
		o.sink = importer.NewFileSink(o.cfg.Importer.CacheDir)
	}
	if o.transport == nil {
		o.transport = client.New(client.Config{
			BaseURL:           cfg.API.BaseURL,
			Timeout:           cfg.API.Timeout,
			RequestsPerSecond: cfg.API.RequestsPerSecond,
		}, o.logger)
	}

	o.ledger = ledger.New(cfg.Ledger.Capacity, o.logger)

	imp, err := importer.New(importer.Config{CacheDir: cfg.Importer.CacheDir}, o.transport, o.sink, o.collector, o.logger)
	if err != nil {
		return nil, err
	}
	o.importer = imp

	o.scheduler = scheduler.New(scheduler.Config{
		Interval:                cfg.Poll.Interval,
		IdleSuspend:             cfg.Poll.IdleSuspend,
		TransientFailureCeiling: cfg.Poll.TransientFailureCeiling,
		CancelAttempts:          cfg.Poll.CancelAttempts,
	}, o.ledger, o.transport, o.collector, o.logger)
	o.scheduler.OnUpdate = o.notifyUpdate

	return o, nil
}

// Close stops the background poll loop.
func (o *Orchestrator) Close() {
	o.scheduler.Stop()
}

// SubmitImageTo3D submits an image-to-3D job. imageRef is resolved through
// the host input resolver (a file path with the default resolver). A nil
// params uses the configured defaults.
func (o *Orchestrator) SubmitImageTo3D(ctx context.Context, imageRef string, params *types.GenerationParams) (*types.JobRecord, error) {
	if imageRef == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "an input image is required")
	}
	name, data, err := o.resolver.Resolve(imageRef)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "failed to resolve input image").WithCause(err)
	}
	return o.submit(ctx, types.KindImageTo3D, client.SubmitInput{ImageName: name, Image: data}, params)
}

// SubmitTextTo3D submits a text-to-3D job.
func (o *Orchestrator) SubmitTextTo3D(ctx context.Context, prompt string, params *types.GenerationParams) (*types.JobRecord, error) {
	if prompt == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "a prompt is required")
	}
	return o.submit(ctx, types.KindTextTo3D, client.SubmitInput{Prompt: prompt}, params)
}

// SubmitImageDetailVariation re-textures an existing mesh conditioned on an
// image without changing its geometry.
func (o *Orchestrator) SubmitImageDetailVariation(ctx context.Context, meshRef, imageRef string, params *types.GenerationParams) (*types.JobRecord, error) {
	if meshRef == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "a source mesh is required")
	}
	if imageRef == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "a condition image is required")
	}
	_, mesh, err := o.resolver.Resolve(meshRef)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "failed to resolve source mesh").WithCause(err)
	}
	name, image, err := o.resolver.Resolve(imageRef)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "failed to resolve condition image").WithCause(err)
	}
	return o.submit(ctx, types.KindImageDetailVariation, client.SubmitInput{ImageName: name, Image: image, Mesh: mesh}, params)
}

// SubmitTextDetailVariation re-textures an existing mesh conditioned on a
// prompt without changing its geometry.
func (o *Orchestrator) SubmitTextDetailVariation(ctx context.Context, meshRef, prompt string, params *types.GenerationParams) (*types.JobRecord, error) {
	if meshRef == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "a source mesh is required")
	}
	if prompt == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "a prompt is required")
	}
	_, mesh, err := o.resolver.Resolve(meshRef)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "failed to resolve source mesh").WithCause(err)
	}
	return o.submit(ctx, types.KindTextDetailVariation, client.SubmitInput{Mesh: mesh, Prompt: prompt}, params)
}

func (o *Orchestrator) submit(ctx context.Context, kind types.JobKind, input client.SubmitInput, params *types.GenerationParams) (*types.JobRecord, error) {
	p := o.cfg.Params
	if params != nil {
		p = *params
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	jobID, err := o.transport.Submit(ctx, kind, input, p)
	if err != nil {
		return nil, err
	}

	record := &types.JobRecord{
		ID:        jobID,
		Kind:      kind,
		Params:    p,
		ImageName: input.ImageName,
		Prompt:    input.Prompt,
		State:     types.StatePending,
	}
	if err := o.ledger.Append(record); err != nil {
		return nil, err
	}

	o.rememberInput(jobID, input)
	if o.collector != nil {
		o.collector.RecordJobSubmitted(string(kind))
	}
	o.logger.Info("job submitted",
		zap.String("id", jobID),
		zap.String("kind", string(kind)),
	)
	o.notifier.Notify("job " + shortID(jobID) + " queued")

	o.scheduler.Start(o.pollCtx)
	return record.Clone(), nil
}

// Cancel requests cancellation of an active job. The record reflects the
// intent immediately; the scheduler confirms it with the server.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) (*types.JobRecord, error) {
	rec := o.ledger.Get(jobID)
	if rec == nil {
		return nil, types.NewError(types.ErrNotFound, "unknown job id: "+jobID)
	}
	if rec.State.Terminal() {
		return nil, types.NewError(types.ErrInvalidRequest,
			"job "+jobID+" is already "+string(rec.State))
	}

	updated, err := o.ledger.Update(jobID, func(r *types.JobRecord) {
		r.CancelRequested = true
		r.Progress = "cancelling"
	})
	if err != nil {
		return nil, err
	}

	o.notifier.Notify("cancelling job " + shortID(jobID))
	o.scheduler.Start(o.pollCtx)
	return updated, nil
}

// Retry resubmits a failed or cancelled job. It creates a fresh record
// referencing the old one; the old record is never mutated.
func (o *Orchestrator) Retry(ctx context.Context, jobID string) (*types.JobRecord, error) {
	old := o.ledger.Get(jobID)
	if old == nil {
		return nil, types.NewError(types.ErrNotFound, "unknown job id: "+jobID)
	}
	if old.State != types.StateFailed && old.State != types.StateCancelled {
		return nil, types.NewError(types.ErrInvalidRequest,
			"only failed or cancelled jobs can be retried, job "+jobID+" is "+string(old.State))
	}

	input, ok := o.recallInput(jobID)
	if !ok {
		return nil, types.NewError(types.ErrInvalidRequest,
			"original inputs of job "+jobID+" are no longer available")
	}

	newID, err := o.transport.Submit(ctx, old.Kind, input, old.Params)
	if err != nil {
		return nil, err
	}

	record := &types.JobRecord{
		ID:          newID,
		Kind:        old.Kind,
		Params:      old.Params,
		ImageName:   old.ImageName,
		Prompt:      old.Prompt,
		State:       types.StatePending,
		RetryCount:  old.RetryCount + 1,
		RetriedFrom: old.ID,
	}
	if err := o.ledger.Append(record); err != nil {
		return nil, err
	}

	o.rememberInput(newID, input)
	if o.collector != nil {
		o.collector.RecordJobSubmitted(string(old.Kind))
	}
	o.logger.Info("job retried",
		zap.String("id", newID),
		zap.String("retried_from", old.ID),
		zap.Int("retry_count", record.RetryCount),
	)
	o.notifier.Notify("job " + shortID(old.ID) + " retried as " + shortID(newID))

	o.scheduler.Start(o.pollCtx)
	return record.Clone(), nil
}

// ImportResult downloads and imports the artifact of a succeeded job,
// returning the host object handle. The job stays succeeded on failure so
// the import can be retried.
func (o *Orchestrator) ImportResult(ctx context.Context, jobID string) (string, error) {
	rec := o.ledger.Get(jobID)
	if rec == nil {
		return "", types.NewError(types.ErrNotFound, "unknown job id: "+jobID)
	}

	handle, err := o.importer.Import(ctx, rec)
	if err != nil {
		return "", err
	}
	o.notifier.Notify("job " + shortID(jobID) + " imported")
	return handle, nil
}

// ClearHistory removes all terminal records. Active jobs keep polling.
func (o *Orchestrator) ClearHistory() int {
	removed := o.ledger.ClearHistory()
	o.pruneInputs()
	return removed
}

// Jobs lists all known records, most recent first.
func (o *Orchestrator) Jobs() []*types.JobRecord {
	return o.ledger.List(ledger.Filter{})
}

// Job returns one record, or nil if unknown.
func (o *Orchestrator) Job(jobID string) *types.JobRecord {
	return o.ledger.Get(jobID)
}

// Polling reports whether the background poll loop is live.
func (o *Orchestrator) Polling() bool {
	return o.scheduler.Running()
}

func (o *Orchestrator) notifyUpdate(rec *types.JobRecord) {
	switch rec.State {
	case types.StateSucceeded:
		o.notifier.Notify("job " + shortID(rec.ID) + " succeeded")
	case types.StateFailed:
		msg := "job " + shortID(rec.ID) + " failed"
		if rec.Error != nil {
			msg += ": " + rec.Error.Message
		}
		o.notifier.Notify(msg)
	case types.StateCancelled:
		o.notifier.Notify("job " + shortID(rec.ID) + " cancelled")
	}
}

func (o *Orchestrator) rememberInput(jobID string, input client.SubmitInput) {
	o.inputsMu.Lock()
	defer o.inputsMu.Unlock()
	o.inputs[jobID] = input
	// Evicted records cannot be retried, so their payloads are dropped too.
	for id := range o.inputs {
		if o.ledger.Get(id) == nil {
			delete(o.inputs, id)
		}
	}
}

func (o *Orchestrator) recallInput(jobID string) (client.SubmitInput, bool) {
	o.inputsMu.Lock()
	defer o.inputsMu.Unlock()
	input, ok := o.inputs[jobID]
	return input, ok
}

func (o *Orchestrator) pruneInputs() {
	o.inputsMu.Lock()
	defer o.inputsMu.Unlock()
	for id := range o.inputs {
		if o.ledger.Get(id) == nil {
			delete(o.inputs, id)
		}
	}
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

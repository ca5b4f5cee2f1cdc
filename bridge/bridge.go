// Package bridge exposes the orchestrator over a local HTTP API so host
// tooling in other processes (editor panels, scripts) can submit and track
// jobs without linking the Go module directly.
package bridge

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fishwowater/trellis-go/config"
	"github.com/fishwowater/trellis-go/internal/metrics"
	"github.com/fishwowater/trellis-go/types"
)

// Service is the orchestrator surface the bridge exposes.
// *trellis.Orchestrator implements it.
type Service interface {
	SubmitImageTo3D(ctx context.Context, imageRef string, params *types.GenerationParams) (*types.JobRecord, error)
	SubmitTextTo3D(ctx context.Context, prompt string, params *types.GenerationParams) (*types.JobRecord, error)
	SubmitImageDetailVariation(ctx context.Context, meshRef, imageRef string, params *types.GenerationParams) (*types.JobRecord, error)
	SubmitTextDetailVariation(ctx context.Context, meshRef, prompt string, params *types.GenerationParams) (*types.JobRecord, error)
	Cancel(ctx context.Context, jobID string) (*types.JobRecord, error)
	Retry(ctx context.Context, jobID string) (*types.JobRecord, error)
	ImportResult(ctx context.Context, jobID string) (string, error)
	ClearHistory() int
	Jobs() []*types.JobRecord
	Job(jobID string) *types.JobRecord
}

// Server is the bridge HTTP server.
type Server struct {
	cfg       config.BridgeConfig
	service   Service
	collector *metrics.Collector
	gatherer  prometheus.Gatherer
	logger    *zap.Logger
	http      *http.Server
}

// Option configures the server.
type Option func(*Server)

// WithMetrics wires the collector for request metrics and the gatherer
// backing GET /metrics.
func WithMetrics(c *metrics.Collector, g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.collector = c
		s.gatherer = g
	}
}

// NewServer creates a bridge server around the orchestrator.
func NewServer(cfg config.BridgeConfig, service Service, logger *zap.Logger, opts ...Option) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":7333"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		cfg:     cfg,
		service: service,
		logger:  logger.With(zap.String("component", "bridge")),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}

	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Router builds the HTTP routing table. Exposed separately so tests can
// drive it through httptest without a listener.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		s.observe,
	)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/jobs", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Get("/", s.handleList)
		r.Delete("/", s.handleClearHistory)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Post("/cancel", s.handleCancel)
			r.Post("/retry", s.handleRetry)
			r.Post("/import", s.handleImport)
		})
	})

	return r
}

// Start runs the listener until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("bridge listening", zap.String("addr", s.cfg.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}

// observe logs each request and feeds the HTTP metrics.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		// The route pattern keeps the metric label set bounded; raw paths
		// would mint a new series per job id.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}

		elapsed := time.Since(start)
		if s.collector != nil {
			s.collector.RecordHTTPRequest(r.Method, path, strconv.Itoa(ww.Status()), elapsed)
		}
		s.logger.Debug("request handled",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", elapsed),
		)
	})
}

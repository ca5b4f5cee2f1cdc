// Command trellis runs the generation orchestrator with its local HTTP
// bridge, so host tooling can submit and track 3D generation jobs.
//
// Usage:
//
//	trellis serve                       # start the orchestrator and bridge
//	trellis serve --config config.yaml  # with a config file
//	trellis version                     # show version information
//	trellis health                      # probe a running bridge
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	trellis "github.com/fishwowater/trellis-go"
	"github.com/fishwowater/trellis-go/bridge"
	"github.com/fishwowater/trellis-go/config"
	"github.com/fishwowater/trellis-go/internal/metrics"
)

// Injected at build time.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}

	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := cfg.Log.BuildLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting trellis orchestrator",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
		zap.String("server", cfg.API.BaseURL),
	)

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector("trellis", registry, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orc, err := trellis.New(cfg,
		trellis.WithLogger(logger),
		trellis.WithMetrics(collector),
		trellis.WithPollContext(ctx),
	)
	if err != nil {
		logger.Fatal("failed to create orchestrator", zap.Error(err))
	}
	defer orc.Close()

	// serve exists to expose the API, so the bridge runs regardless of the
	// embedding-oriented enabled flag.
	server := bridge.NewServer(cfg.Bridge, orc, logger,
		bridge.WithMetrics(collector, registry),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Fatal("bridge failed", zap.Error(err))
		}
		return
	}

	if err := server.Shutdown(context.Background()); err != nil {
		logger.Warn("bridge shutdown incomplete", zap.Error(err))
	}
	logger.Info("trellis stopped")
}

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:7333", "Bridge address")
	fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/healthz")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("OK")
}

func printVersion() {
	fmt.Printf("trellis %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`trellis - 3D generation job orchestrator

Usage:
  trellis serve [--config config.yaml]   Start the orchestrator and HTTP bridge
  trellis version                         Show version information
  trellis health [--addr URL]             Probe a running bridge
  trellis help                            Show this help`)
}

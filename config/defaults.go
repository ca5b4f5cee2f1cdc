package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/fishwowater/trellis-go/types"
)

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		API:      DefaultAPIConfig(),
		Poll:     DefaultPollConfig(),
		Ledger:   DefaultLedgerConfig(),
		Importer: DefaultImporterConfig(),
		Params:   types.DefaultGenerationParams(),
		Bridge:   DefaultBridgeConfig(),
		Log:      DefaultLogConfig(),
	}
}

// DefaultAPIConfig returns the default transport client configuration.
func DefaultAPIConfig() APIConfig {
	return APIConfig{
		BaseURL:           "http://localhost:5000",
		Timeout:           30 * time.Second,
		RequestsPerSecond: 4,
	}
}

// DefaultPollConfig returns the default poll scheduler configuration.
// The 3 second interval matches the backend's recommended refresh cadence.
func DefaultPollConfig() PollConfig {
	return PollConfig{
		Interval:                3 * time.Second,
		IdleSuspend:             true,
		TransientFailureCeiling: 3,
		CancelAttempts:          3,
	}
}

// DefaultLedgerConfig returns the default ledger configuration.
func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{
		Capacity: 50,
	}
}

// DefaultImporterConfig returns the default importer configuration.
func DefaultImporterConfig() ImporterConfig {
	return ImporterConfig{
		CacheDir: filepath.Join(os.TempDir(), "trellis_cache"),
	}
}

// DefaultBridgeConfig returns the default bridge configuration.
func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		Enabled:         false,
		Addr:            ":7333",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// DefaultLogConfig returns the default log configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:       "info",
		Format:      "json",
		OutputPaths: []string{"stdout"},
	}
}

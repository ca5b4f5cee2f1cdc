// Package config provides unified configuration loading for trellis-go.
// Precedence: defaults, then YAML file, then environment variables.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("trellis.yaml").
//	    WithEnvPrefix("TRELLIS").
//	    Load()
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fishwowater/trellis-go/types"
)

// Config is the complete configuration of the orchestrator.
type Config struct {
	// API configures the remote inference server connection.
	API APIConfig `yaml:"api" env:"API"`

	// Poll configures the poll scheduler.
	Poll PollConfig `yaml:"poll" env:"POLL"`

	// Ledger configures the in-memory job ledger.
	Ledger LedgerConfig `yaml:"ledger" env:"LEDGER"`

	// Importer configures artifact download and caching.
	Importer ImporterConfig `yaml:"importer" env:"IMPORTER"`

	// Params holds the generation parameter defaults applied when a
	// submission does not override them.
	Params types.GenerationParams `yaml:"params" env:"PARAMS"`

	// Bridge configures the optional local control server.
	Bridge BridgeConfig `yaml:"bridge" env:"BRIDGE"`

	// Log configures structured logging.
	Log LogConfig `yaml:"log" env:"LOG"`
}

// APIConfig configures the transport client.
type APIConfig struct {
	// Base URL of the TRELLIS inference server.
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// Hard per-call timeout. Exceeding it surfaces as a connection error.
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// Request rate cap toward the server (requests per second).
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"REQUESTS_PER_SECOND"`
}

// PollConfig configures the poll scheduler.
type PollConfig struct {
	// Interval between poll ticks.
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
	// IdleSuspend stops ticking while no job is active.
	IdleSuspend bool `yaml:"idle_suspend" env:"IDLE_SUSPEND"`
	// TransientFailureCeiling is the number of consecutive connection
	// failures tolerated per job before it is marked failed.
	TransientFailureCeiling int `yaml:"transient_failure_ceiling" env:"TRANSIENT_FAILURE_CEILING"`
	// CancelAttempts bounds server cancel confirmations before a job is
	// marked cancelled locally with a warning.
	CancelAttempts int `yaml:"cancel_attempts" env:"CANCEL_ATTEMPTS"`
}

// LedgerConfig configures the job ledger.
type LedgerConfig struct {
	// Capacity caps the number of retained records. Active records are
	// never evicted even above capacity.
	Capacity int `yaml:"capacity" env:"CAPACITY"`
}

// ImporterConfig configures artifact download and caching.
type ImporterConfig struct {
	// CacheDir holds downloaded artifact payloads keyed by URL.
	CacheDir string `yaml:"cache_dir" env:"CACHE_DIR"`
}

// BridgeConfig configures the optional local HTTP bridge.
type BridgeConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Addr    string `yaml:"addr" env:"ADDR"`
	// ReadTimeout and WriteTimeout bound bridge request handling.
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// LogConfig configures zap logging.
type LogConfig struct {
	// Level: debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json, console.
	Format string `yaml:"format" env:"FORMAT"`
	// OutputPaths passed through to zap.
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
}

// Loader loads configuration with builder-style options.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "TRELLIS",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator adds a configuration validator.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load resolves the configuration.
// Precedence: defaults, then YAML file, then environment variables.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// Comma separated string slices.
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// MustLoad loads configuration, panicking on failure.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate checks the resolved configuration.
func (c *Config) Validate() error {
	var errs []string

	if c.API.BaseURL == "" {
		errs = append(errs, "api.base_url must be set")
	}
	if c.API.Timeout <= 0 {
		errs = append(errs, "api.timeout must be positive")
	}
	if c.Poll.Interval <= 0 {
		errs = append(errs, "poll.interval must be positive")
	}
	if c.Poll.TransientFailureCeiling < 1 {
		errs = append(errs, "poll.transient_failure_ceiling must be >= 1")
	}
	if c.Ledger.Capacity < 1 {
		errs = append(errs, "ledger.capacity must be >= 1")
	}
	if err := c.Params.Validate(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

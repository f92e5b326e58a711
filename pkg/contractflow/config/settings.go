package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/randalmurphal/contractflow/pkg/contractflow/retry"
	"gopkg.in/yaml.v3"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Environment variables that override file settings when set.
const (
	EnvStorageDriver = "CONTRACTFLOW_STORAGE_DRIVER"
	EnvSQLitePath    = "CONTRACTFLOW_SQLITE_PATH"
	EnvPostgresDSN   = "CONTRACTFLOW_POSTGRES_DSN"
	EnvRedisURL      = "CONTRACTFLOW_REDIS_URL"
	EnvLogLevel      = "CONTRACTFLOW_LOG_LEVEL"
)

// ErrInvalidSettings indicates settings that cannot be used.
var ErrInvalidSettings = errors.New("invalid settings")

// Settings is the typed view of a contractflow configuration file.
//
// Example:
//
//	storage:
//	  driver: postgres
//	  dsn: ${CONTRACTFLOW_POSTGRES_DSN}
//	redis:
//	  url: redis://localhost:6379/0
//	worker:
//	  concurrency: 8
//	  queues: {contracts: 6, default: 1}
//	retry:
//	  contract_analysis: {max_attempts: 3, initial_delay: 2s}
//	recovery:
//	  orphan_after: 10m
type Settings struct {
	Storage  StorageSettings
	Redis    RedisSettings
	Worker   WorkerSettings
	Recovery RecoverySettings
	Log      LogSettings

	// Retry holds per-category policy overrides.
	Retry map[retry.Category]retry.Policy
}

// StorageSettings selects the registry and checkpoint backend.
type StorageSettings struct {
	Driver   string
	Path     string // sqlite
	DSN      string // postgres
	Schema   string // postgres
	MaxConns int32  // postgres
}

// RedisSettings configures progress publishing, leases and asynq.
type RedisSettings struct {
	URL         string
	ProgressTTL time.Duration
	LeaseTTL    time.Duration
}

// WorkerSettings configures the asynq server and client.
type WorkerSettings struct {
	Concurrency     int
	Queue           string
	Queues          map[string]int
	MaxRetry        int
	TaskTimeout     time.Duration
	ShutdownTimeout time.Duration
	Heartbeat       time.Duration
}

// RecoverySettings configures orphan detection and pipeline checks.
type RecoverySettings struct {
	OrphanAfter      time.Duration
	QualityThreshold float64
}

// LogSettings configures the CLI's log handler.
type LogSettings struct {
	Level  string
	Format string // text, json, tint
}

// Defaults returns settings for a local, single-process setup.
func Defaults() Settings {
	return Settings{
		Storage: StorageSettings{Driver: DriverSQLite, Path: "contractflow.db", MaxConns: 10},
		Redis: RedisSettings{
			URL:         "redis://localhost:6379/0",
			ProgressTTL: 24 * time.Hour,
			LeaseTTL:    30 * time.Minute,
		},
		Worker: WorkerSettings{
			Concurrency:     4,
			Queue:           "contracts",
			MaxRetry:        3,
			TaskTimeout:     30 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
			Heartbeat:       30 * time.Second,
		},
		Recovery: RecoverySettings{OrphanAfter: 10 * time.Minute, QualityThreshold: 0.5},
		Log:      LogSettings{Level: "info", Format: "tint"},
		Retry:    map[retry.Category]retry.Policy{},
	}
}

// Load returns Defaults overlaid with the settings file at path, then with
// the CONTRACTFLOW_* environment overrides, and validates the result. An
// empty path skips the file.
func Load(path string) (Settings, error) {
	s := Defaults()
	if path != "" {
		cfg, err := ReadFile(path)
		if err != nil {
			return Settings{}, err
		}
		if s, err = FromConfig(cfg); err != nil {
			return Settings{}, err
		}
	}
	s.applyEnv()
	return s, s.Validate()
}

// Settings file formats.
const (
	FormatYAML = "yaml"
	FormatJSON = "json"
)

var formatByExt = map[string]string{
	".yaml": FormatYAML,
	".yml":  FormatYAML,
	".json": FormatJSON,
}

// ReadFile reads a settings file into a Config. The format follows the
// extension. ${VAR} and $VAR references are expanded before decoding, so
// secrets such as the postgres DSN can stay in the environment.
func ReadFile(path string) (Config, error) {
	format, ok := formatByExt[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return Config{}, fmt.Errorf("%w: settings file %s must be .yaml, .yml or .json", ErrInvalidSettings, path)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read settings %s: %w", path, err)
	}
	cfg, err := Decode([]byte(os.ExpandEnv(string(raw))), format)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Decode parses settings data in format.
func Decode(data []byte, format string) (Config, error) {
	var m map[string]any
	var err error
	switch format {
	case FormatYAML:
		err = yaml.Unmarshal(data, &m)
	case FormatJSON:
		err = json.Unmarshal(data, &m)
	default:
		return Config{}, fmt.Errorf("%w: unknown settings format %q", ErrInvalidSettings, format)
	}
	if err != nil {
		return Config{}, fmt.Errorf("%w: decode %s: %w", ErrInvalidSettings, format, err)
	}
	return New(m), nil
}

// FromConfig builds settings from a loaded Config over Defaults.
func FromConfig(c Config) (Settings, error) {
	s := Defaults()

	st := c.Section("storage")
	s.Storage.Driver = st.String("driver", s.Storage.Driver)
	s.Storage.Path = st.String("path", s.Storage.Path)
	s.Storage.DSN = st.String("dsn", s.Storage.DSN)
	s.Storage.Schema = st.String("schema", s.Storage.Schema)
	s.Storage.MaxConns = int32(st.Int("max_conns", int(s.Storage.MaxConns)))

	rd := c.Section("redis")
	s.Redis.URL = rd.String("url", s.Redis.URL)
	s.Redis.ProgressTTL = rd.Duration("progress_ttl", s.Redis.ProgressTTL)
	s.Redis.LeaseTTL = rd.Duration("lease_ttl", s.Redis.LeaseTTL)

	wk := c.Section("worker")
	s.Worker.Concurrency = wk.Int("concurrency", s.Worker.Concurrency)
	s.Worker.Queue = wk.String("queue", s.Worker.Queue)
	s.Worker.Queues = wk.IntMap("queues")
	s.Worker.MaxRetry = wk.Int("max_retry", s.Worker.MaxRetry)
	s.Worker.TaskTimeout = wk.Duration("task_timeout", s.Worker.TaskTimeout)
	s.Worker.ShutdownTimeout = wk.Duration("shutdown_timeout", s.Worker.ShutdownTimeout)
	s.Worker.Heartbeat = wk.Duration("heartbeat", s.Worker.Heartbeat)

	rc := c.Section("recovery")
	s.Recovery.OrphanAfter = rc.Duration("orphan_after", s.Recovery.OrphanAfter)
	s.Recovery.QualityThreshold = rc.Float("quality_threshold", s.Recovery.QualityThreshold)

	lg := c.Section("log")
	s.Log.Level = lg.String("level", s.Log.Level)
	s.Log.Format = lg.String("format", s.Log.Format)

	rt := c.Section("retry")
	for _, key := range rt.Keys() {
		p, err := policy(retry.Category(key), rt.Section(key))
		if err != nil {
			return Settings{}, err
		}
		s.Retry[retry.Category(key)] = p
	}
	return s, nil
}

// policy overlays one category's keys on its default policy.
func policy(cat retry.Category, c Config) (retry.Policy, error) {
	p := retry.DefaultPolicy(cat)
	p.MaxAttempts = c.Int("max_attempts", p.MaxAttempts)
	p.InitialDelay = c.Duration("initial_delay", p.InitialDelay)
	p.MaxDelay = c.Duration("max_delay", p.MaxDelay)
	p.ExponentialBase = c.Float("exponential_base", p.ExponentialBase)
	p.BackoffFactor = c.Float("backoff_factor", p.BackoffFactor)
	p.Jitter = c.Bool("jitter", p.Jitter)

	if c.Has("strategy") {
		switch st := retry.Strategy(c.String("strategy", "")); st {
		case retry.StrategyExponential, retry.StrategyLinear, retry.StrategyFixed, retry.StrategyImmediate:
			p.Strategy = st
		default:
			return p, fmt.Errorf("%w: retry.%s.strategy %q", ErrInvalidSettings, cat, c.String("strategy", ""))
		}
	}
	if p.MaxAttempts < 1 {
		return p, fmt.Errorf("%w: retry.%s.max_attempts must be at least 1", ErrInvalidSettings, cat)
	}
	return p, nil
}

// applyEnv overrides connection settings from the environment.
func (s *Settings) applyEnv() {
	if v := os.Getenv(EnvStorageDriver); v != "" {
		s.Storage.Driver = v
	}
	if v := os.Getenv(EnvSQLitePath); v != "" {
		s.Storage.Path = v
	}
	if v := os.Getenv(EnvPostgresDSN); v != "" {
		s.Storage.DSN = v
	}
	if v := os.Getenv(EnvRedisURL); v != "" {
		s.Redis.URL = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		s.Log.Level = v
	}
}

// Validate checks that the selected backend is usable.
func (s Settings) Validate() error {
	switch s.Storage.Driver {
	case DriverMemory:
	case DriverSQLite:
		if s.Storage.Path == "" {
			return fmt.Errorf("%w: storage.path is required for sqlite", ErrInvalidSettings)
		}
	case DriverPostgres:
		if s.Storage.DSN == "" {
			return fmt.Errorf("%w: storage.dsn is required for postgres", ErrInvalidSettings)
		}
	default:
		return fmt.Errorf("%w: unknown storage driver %q", ErrInvalidSettings, s.Storage.Driver)
	}
	if s.Worker.Concurrency < 1 {
		return fmt.Errorf("%w: worker.concurrency must be at least 1", ErrInvalidSettings)
	}
	if s.Recovery.QualityThreshold < 0 || s.Recovery.QualityThreshold > 1 {
		return fmt.Errorf("%w: recovery.quality_threshold must be within 0..1", ErrInvalidSettings)
	}
	return nil
}

// RetryOptions returns manager options installing the policy overrides.
func (s Settings) RetryOptions() []retry.ManagerOption {
	opts := make([]retry.ManagerOption, 0, len(s.Retry))
	for cat, p := range s.Retry {
		opts = append(opts, retry.WithPolicy(cat, p))
	}
	return opts
}

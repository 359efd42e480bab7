// Package config loads service configuration from the environment and the
// JSON app registry document.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/phtran-dev/saola-eventq/internal/policy"
)

// Backend kinds selectable at startup.
const (
	BackendSQLite  = "sqlite"
	BackendSpanner = "spanner"
)

// Config is the environment-derived service configuration.
type Config struct {
	// Backend selects the storage engine: sqlite or spanner.
	Backend string `env:"EVENTQ_BACKEND" envDefault:"sqlite"`

	// DBPath is the sqlite database file.
	DBPath string `env:"EVENTQ_DB_PATH" envDefault:"data/saola-eventq.db"`

	// SpannerDatabase is the full database path
	// (projects/P/instances/I/databases/D); required for the spanner backend.
	SpannerDatabase string `env:"EVENTQ_SPANNER_DATABASE"`

	MaxRetry      int           `env:"EVENTQ_MAX_RETRY" envDefault:"5"`
	QueryLimit    int           `env:"EVENTQ_QUERY_LIMIT" envDefault:"20"`
	ThrottleDelay time.Duration `env:"EVENTQ_THROTTLE_DELAY" envDefault:"100ms"`

	// FirstPriorityTypes are served by the synchronous scheduler tier; every
	// other app type goes to the async tier.
	FirstPriorityTypes []string `env:"EVENTQ_FIRST_PRIORITY_TYPES" envDefault:"Ris,StoreServer"`

	// LockDurations maps app type to lease duration for claimed events.
	LockDurations       map[string]time.Duration `env:"EVENTQ_LOCK_DURATIONS" envDefault:"Ris:5s,StoreServer:5s,Transfer:900s,Exporter:900s,StoreSCU:900s"`
	DefaultLockDuration time.Duration            `env:"EVENTQ_DEFAULT_LOCK_DURATION" envDefault:"900s"`

	// AppsFile points at the JSON app registry; empty means no apps.
	AppsFile string `env:"EVENTQ_APPS_FILE"`

	// HTTPAddr is the listen address of the REST surface.
	HTTPAddr string `env:"EVENTQ_HTTP_ADDR" envDefault:":8085"`

	// ImagingServerURL is the REST surface used for resource metadata and
	// remote job inspection.
	ImagingServerURL string `env:"EVENTQ_IMAGING_SERVER_URL" envDefault:"http://localhost:8042"`

	// Job cache admission-control hint.
	EnableJobCache bool     `env:"EVENTQ_ENABLE_JOB_CACHE" envDefault:"false"`
	JobCacheLimit  int      `env:"EVENTQ_JOB_CACHE_LIMIT" envDefault:"100"`
	JobCacheTypes  []string `env:"EVENTQ_JOB_CACHE_TYPES" envDefault:"DicomModalityStore"`

	LogLevel string `env:"EVENTQ_LOG_LEVEL" envDefault:"info"`
}

// Load parses and validates configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendSQLite:
		if c.DBPath == "" {
			return fmt.Errorf("EVENTQ_DB_PATH is required for the sqlite backend")
		}
	case BackendSpanner:
		if c.SpannerDatabase == "" {
			return fmt.Errorf("EVENTQ_SPANNER_DATABASE is required for the spanner backend")
		}
	default:
		return fmt.Errorf("unknown backend %q (want %s or %s)", c.Backend, BackendSQLite, BackendSpanner)
	}
	if c.MaxRetry < 0 {
		return fmt.Errorf("EVENTQ_MAX_RETRY must not be negative")
	}
	if c.QueryLimit <= 0 {
		return fmt.Errorf("EVENTQ_QUERY_LIMIT must be positive")
	}
	if c.ThrottleDelay <= 0 {
		return fmt.Errorf("EVENTQ_THROTTLE_DELAY must be positive")
	}
	return nil
}

// Policy derives the scheduling policy from the configuration.
func (c *Config) Policy() *policy.Policy {
	return policy.New(
		c.MaxRetry,
		c.QueryLimit,
		c.ThrottleDelay,
		c.FirstPriorityTypes,
		c.LockDurations,
		c.DefaultLockDuration,
	)
}

// Package config defines service configuration structures and loading hooks.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverScylla   = "scylla"
)

// maxTokenDecimals mirrors the allocation calculator's bound.
const maxTokenDecimals = 36

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// Addr configures the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr"`

	// StoreDriver selects the epoch and run store: memory, postgres or scylla.
	StoreDriver string `koanf:"store_driver"`
	PostgresDSN string `koanf:"postgres_dsn"`
	// ScyllaHosts is a comma separated contact point list.
	ScyllaHosts    string `koanf:"scylla_hosts"`
	ScyllaKeyspace string `koanf:"scylla_keyspace"`
	// AutoMigrate creates missing tables on start.
	AutoMigrate bool `koanf:"auto_migrate"`

	// RPCURL is the chain endpoint. Empty selects the simulated ledger.
	RPCURL             string `koanf:"rpc_url"`
	TokenAddress       string `koanf:"token_address"`
	TokenDecimals      int    `koanf:"token_decimals"`
	TreasuryAddress    string `koanf:"treasury_address"`
	TreasuryPrivateKey string `koanf:"treasury_private_key"`
	ChainID            int64  `koanf:"chain_id"`
	// SimulatedBalance funds the simulated treasury.
	SimulatedBalance string `koanf:"simulated_balance"`

	TransferConcurrency int `koanf:"transfer_concurrency"`
	TransferMaxRetries  int `koanf:"transfer_max_retries"`
	RetryInitialDelayMS int `koanf:"retry_initial_delay_ms"`
	RetryMaxDelayMS     int `koanf:"retry_max_delay_ms"`
	// RunTimeoutS bounds a distribution run's execute phase; 0 disables it.
	RunTimeoutS int `koanf:"run_timeout_s"`

	// CapToAvailable scales the payout down to the available treasury
	// balance instead of aborting with insufficient funds.
	CapToAvailable bool `koanf:"cap_to_available"`

	// Schedule is a standard cron expression for the lifecycle sweep.
	// Empty disables the scheduler.
	Schedule string `koanf:"schedule"`

	// CORSOrigins is a comma separated list of browser origins allowed to
	// call the HTTP API. Empty disables CORS handling.
	CORSOrigins string `koanf:"cors_origins"`
}

// New creates a Config with defaults.
func New() *Config {
	return &Config{
		LogLevel:            "info",
		Addr:                ":9080",
		StoreDriver:         DriverMemory,
		ScyllaKeyspace:      "rewards",
		AutoMigrate:         true,
		TokenDecimals:       18,
		ChainID:             1,
		TreasuryAddress:     "0x000000000000000000000000000000000000dEaD",
		SimulatedBalance:    "1000000",
		TransferConcurrency: 5,
		TransferMaxRetries:  2,
		RetryInitialDelayMS: 500,
		RetryMaxDelayMS:     5_000,
		RunTimeoutS:         600,
		Schedule:            "*/5 * * * *",
	}
}

// Hosts returns the Scylla contact points.
func (c *Config) Hosts() []string { return splitList(c.ScyllaHosts) }

// AllowedOrigins returns the CORS origins.
func (c *Config) AllowedOrigins() []string { return splitList(c.CORSOrigins) }

func splitList(raw string) []string {
	var out []string
	for _, v := range strings.Split(raw, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// RunTimeout returns the run deadline as a duration.
func (c *Config) RunTimeout() time.Duration { return time.Duration(c.RunTimeoutS) * time.Second }

// Simulated reports whether transfers go to the in-memory ledger.
func (c *Config) Simulated() bool { return c.RPCURL == "" }

// Validate checks field ranges and cross-field requirements.
func (c *Config) Validate() error {
	switch {
	case c.Addr == "":
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	case c.TokenDecimals < 0 || c.TokenDecimals > maxTokenDecimals:
		return fmt.Errorf("%w: token_decimals %d outside [0,%d]", ErrInvalidConfig, c.TokenDecimals, maxTokenDecimals)
	case c.TransferConcurrency <= 0:
		return fmt.Errorf("%w: transfer_concurrency must be positive", ErrInvalidConfig)
	case c.TransferMaxRetries < 0:
		return fmt.Errorf("%w: transfer_max_retries must not be negative", ErrInvalidConfig)
	case c.RetryInitialDelayMS < 0 || c.RetryMaxDelayMS < c.RetryInitialDelayMS:
		return fmt.Errorf("%w: retry delays %dms..%dms", ErrInvalidConfig, c.RetryInitialDelayMS, c.RetryMaxDelayMS)
	case c.RunTimeoutS < 0:
		return fmt.Errorf("%w: run_timeout_s must not be negative", ErrInvalidConfig)
	}

	switch c.StoreDriver {
	case DriverMemory:
	case DriverPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("%w: postgres_dsn is required for the postgres driver", ErrInvalidConfig)
		}
	case DriverScylla:
		if len(c.Hosts()) == 0 || c.ScyllaKeyspace == "" {
			return fmt.Errorf("%w: scylla_hosts and scylla_keyspace are required for the scylla driver", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown store_driver %q", ErrInvalidConfig, c.StoreDriver)
	}

	if c.Simulated() {
		if c.TreasuryAddress == "" {
			return fmt.Errorf("%w: treasury_address is required", ErrInvalidConfig)
		}
	} else {
		if c.TokenAddress == "" || c.ChainID <= 0 {
			return fmt.Errorf("%w: token_address and chain_id are required with rpc_url", ErrInvalidConfig)
		}
		if c.TreasuryPrivateKey == "" && c.TreasuryAddress == "" {
			return fmt.Errorf("%w: treasury_private_key or treasury_address is required with rpc_url", ErrInvalidConfig)
		}
	}

	if c.Schedule != "" {
		if _, err := cron.ParseStandard(c.Schedule); err != nil {
			return fmt.Errorf("%w: schedule %q: %w", ErrInvalidConfig, c.Schedule, err)
		}
	}
	return nil
}

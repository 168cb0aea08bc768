// Package service wires the distribution engine from configuration and
// owns the lifecycle of its backing resources.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/okian/scanreward/internal/adapters/chain"
	"github.com/okian/scanreward/internal/adapters/performance"
	"github.com/okian/scanreward/internal/adapters/repository"
	"github.com/okian/scanreward/internal/config"
	"github.com/okian/scanreward/internal/domain/executor"
	"github.com/okian/scanreward/internal/domain/ranking"
	"github.com/okian/scanreward/internal/domain/treasury"
	"github.com/okian/scanreward/pkg/logger"
	"github.com/okian/scanreward/pkg/retry"
	"github.com/shopspring/decimal"
)

// Token moves and reports the reward token.
type Token interface {
	executor.Transferer
	treasury.BalanceProvider
}

// Service builds and owns the engine, its store, and the scheduler.
type Service struct {
	mu sync.RWMutex

	cfg *config.Config

	store       repository.Store
	performance ranking.PerformanceProvider
	token       Token
	treasury    string
	engine      *Engine
	scheduler   *Scheduler

	withScheduler bool
	started       bool
	startedAt     time.Time

	logger logger.Logger
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithStore injects a store instead of opening one from config.
func WithStore(st repository.Store) Option {
	return func(s *Service) { s.store = st }
}

// WithPerformanceProvider injects the performance feed.
func WithPerformanceProvider(p ranking.PerformanceProvider) Option {
	return func(s *Service) { s.performance = p }
}

// WithToken injects the token adapter and the treasury account it pays from.
func WithToken(t Token, treasuryAccount string) Option {
	return func(s *Service) {
		s.token = t
		s.treasury = treasuryAccount
	}
}

// WithScheduler enables the cron sweep when a schedule is configured.
func WithScheduler() Option {
	return func(s *Service) { s.withScheduler = true }
}

// New constructs a Service for cfg. Nothing is opened until Start.
func New(cfg *config.Config, opts ...Option) *Service {
	if cfg == nil {
		cfg = config.New()
	}
	s := &Service{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start opens the store, the performance feed and the token adapter, and
// builds the engine.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("service")
	}
	s.logger.Info(ctx, "starting distribution service...", logger.String("store", s.cfg.StoreDriver))

	if s.store == nil {
		if err := s.openStore(ctx); err != nil {
			return err
		}
	}
	if s.performance == nil {
		s.performance = performance.NewStatic()
	}
	if s.token == nil {
		if err := s.openToken(ctx); err != nil {
			s.closeStore()
			return err
		}
	}

	ledger := treasury.NewLedger(s.treasury, s.token, s.store)
	exec := executor.New(s.store, s.token,
		executor.WithConcurrency(s.cfg.TransferConcurrency),
		executor.WithRetry(s.retryConfig()),
		executor.WithRunTimeout(s.cfg.RunTimeout()),
	)
	s.engine = NewEngine(s.store, ranking.New(s.performance), ledger, exec,
		WithTokenDecimals(int32(s.cfg.TokenDecimals)),
		WithCapToAvailable(s.cfg.CapToAvailable),
	)

	if s.withScheduler && s.cfg.Schedule != "" {
		sched, err := NewScheduler(s.engine, s.store, s.cfg.Schedule)
		if err != nil {
			s.closeStore()
			return err
		}
		s.scheduler = sched
		s.scheduler.Start()
		s.logger.Info(ctx, "scheduler started",
			logger.String("schedule", s.cfg.Schedule),
			logger.Time("next", s.scheduler.Next()),
		)
	}

	s.started = true
	s.startedAt = time.Now()
	s.logger.Info(ctx, "distribution service started",
		logger.String("treasury", s.treasury),
		logger.Bool("simulated", s.cfg.Simulated()),
		logger.Int("concurrency", s.cfg.TransferConcurrency),
	)
	return nil
}

// Stop halts the scheduler and closes the store.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	s.logger.Info(ctx, "stopping distribution service...")
	if s.scheduler != nil {
		s.scheduler.Stop(ctx)
		s.scheduler = nil
	}
	s.closeStore()
	s.started = false
	s.logger.Info(ctx, "distribution service stopped")
}

// Engine returns the engine; nil before Start.
func (s *Service) Engine() *Engine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// Store returns the active store; nil before Start unless injected.
func (s *Service) Store() repository.Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store
}

// Performance returns the active performance feed.
func (s *Service) Performance() ranking.PerformanceProvider {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.performance
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]interface{}{
		"started":     s.started,
		"storeDriver": s.cfg.StoreDriver,
		"simulated":   s.cfg.Simulated(),
		"concurrency": s.cfg.TransferConcurrency,
		"treasury":    s.treasury,
	}
	if s.started {
		stats["uptimeSeconds"] = int64(time.Since(s.startedAt).Seconds())
		stats["inFlight"] = s.engine.InFlight()
	}
	if s.scheduler != nil {
		stats["schedule"] = s.cfg.Schedule
		stats["nextSweep"] = s.scheduler.Next().UTC().Format(time.RFC3339)
	}
	return stats
}

func (s *Service) openStore(ctx context.Context) error {
	switch s.cfg.StoreDriver {
	case config.DriverMemory:
		s.store = repository.NewMemoryStore()
		if s.performance == nil {
			s.performance = performance.NewStatic()
		}

	case config.DriverPostgres:
		pg, err := repository.OpenPostgres(ctx, s.cfg.PostgresDSN)
		if err != nil {
			return err
		}
		perf := performance.NewPostgres(pg.DB())
		if s.cfg.AutoMigrate {
			if err := pg.Migrate(ctx); err != nil {
				_ = pg.Close()
				return err
			}
			if err := perf.Migrate(ctx); err != nil {
				_ = pg.Close()
				return err
			}
		}
		s.store = pg
		if s.performance == nil {
			s.performance = perf
		}

	case config.DriverScylla:
		sc, err := repository.OpenScylla(repository.ScyllaConfig{
			Hosts:    s.cfg.Hosts(),
			Keyspace: s.cfg.ScyllaKeyspace,
		})
		if err != nil {
			return err
		}
		if s.cfg.AutoMigrate {
			if err := sc.Migrate(ctx); err != nil {
				_ = sc.Close()
				return err
			}
		}
		s.store = sc

	default:
		return fmt.Errorf("%w: %q", repository.ErrUnknownDriver, s.cfg.StoreDriver)
	}

	if s.performance == nil {
		// Scylla has no relational participant data; performance must be injected.
		s.closeStore()
		return fmt.Errorf("%w: no performance provider for store driver %q", config.ErrInvalidConfig, s.cfg.StoreDriver)
	}
	return nil
}

func (s *Service) openToken(ctx context.Context) error {
	if s.cfg.Simulated() {
		balance, err := decimal.NewFromString(s.cfg.SimulatedBalance)
		if err != nil {
			return fmt.Errorf("%w: simulated_balance: %w", config.ErrInvalidConfig, err)
		}
		s.token = chain.NewSimulated(s.cfg.TreasuryAddress, balance)
		s.treasury = s.cfg.TreasuryAddress
		s.logger.Warn(ctx, "no rpc_url configured, using the simulated token ledger")
		return nil
	}

	tok, err := chain.Dial(ctx, s.cfg.RPCURL, chain.Config{
		TokenAddress: s.cfg.TokenAddress,
		Decimals:     int32(s.cfg.TokenDecimals),
		PrivateKey:   s.cfg.TreasuryPrivateKey,
		ChainID:      s.cfg.ChainID,
	})
	if err != nil {
		return err
	}
	s.token = tok
	s.treasury = s.cfg.TreasuryAddress
	if addr := tok.Address(); addr != "" {
		s.treasury = addr
	}
	return nil
}

func (s *Service) retryConfig() retry.Config {
	rc := *retry.DefaultConfig()
	rc.MaxRetries = s.cfg.TransferMaxRetries
	if s.cfg.RetryInitialDelayMS > 0 {
		rc.InitialDelay = time.Duration(s.cfg.RetryInitialDelayMS) * time.Millisecond
	}
	if s.cfg.RetryMaxDelayMS > 0 {
		rc.MaxDelay = time.Duration(s.cfg.RetryMaxDelayMS) * time.Millisecond
	}
	return rc
}

func (s *Service) closeStore() {
	if s.store == nil {
		return
	}
	if err := s.store.Close(); err != nil {
		s.logger.Warn(context.Background(), "closing store", logger.Error(err))
	}
	s.store = nil
}

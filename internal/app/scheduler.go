package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/okian/scanreward/internal/adapters/repository"
	"github.com/okian/scanreward/internal/domain/model"
	"github.com/okian/scanreward/pkg/logger"
	"github.com/okian/scanreward/pkg/metrics"
	"github.com/robfig/cron/v3"
)

// SchedulerOption applies a configuration option to the Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerLogger sets a custom logger.
func WithSchedulerLogger(l logger.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSchedulerClock replaces time.Now for lifecycle decisions.
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// SweepReport lists what one sweep changed.
type SweepReport struct {
	Activated   []string
	Closed      []string
	Distributed []string
	Failed      map[string]error
}

// Scheduler moves epochs through their lifecycle by wall clock and pays out
// closed epochs on a cron schedule.
type Scheduler struct {
	cron   *cron.Cron
	entry  cron.EntryID
	engine *Engine
	store  repository.EpochStore
	now    func() time.Time
	logger logger.Logger

	mu sync.Mutex
	// exhausted holds epochs whose payout failed terminally (no
	// participants); they are not retried by this process.
	exhausted map[string]bool
}

// NewScheduler builds a scheduler firing on spec, a standard five field
// cron expression evaluated in UTC.
func NewScheduler(engine *Engine, store repository.EpochStore, spec string, opts ...SchedulerOption) (*Scheduler, error) {
	s := &Scheduler{
		engine:    engine,
		store:     store,
		now:       time.Now,
		logger:    logger.Get().Named("scheduler"),
		exhausted: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}

	cl := cronLogger{l: s.logger}
	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	id, err := s.cron.AddFunc(spec, func() {
		if _, err := s.Sweep(context.Background()); err != nil {
			s.logger.Error(context.Background(), "sweep failed", logger.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule %q: %w", spec, err)
	}
	s.entry = id
	return s, nil
}

// Start begins firing sweeps.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the schedule and waits for a running sweep, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn(ctx, "stopped without waiting for the running sweep")
	}
}

// Next returns the time of the next sweep.
func (s *Scheduler) Next() time.Time { return s.cron.Entry(s.entry).Next }

// Sweep runs one lifecycle pass: expired ACTIVE epochs close, due PENDING
// epochs open (or close directly if their window already passed), and every
// CLOSED epoch not yet distributed is paid out.
func (s *Scheduler) Sweep(ctx context.Context) (SweepReport, error) {
	report := SweepReport{Failed: make(map[string]error)}
	now := s.now()

	open, err := s.store.ListEpochs(ctx, model.EpochActive, model.EpochPending)
	if err != nil {
		return report, fmt.Errorf("list open epochs: %w", err)
	}
	for _, e := range open {
		if e.Status == model.EpochActive && !now.Before(e.EndsAt) {
			s.transition(ctx, e.ID, model.EpochClosed, &report)
		}
	}
	for _, e := range open {
		if e.Status != model.EpochPending {
			continue
		}
		switch {
		case !now.Before(e.EndsAt):
			s.transition(ctx, e.ID, model.EpochClosed, &report)
		case !now.Before(e.StartsAt):
			s.transition(ctx, e.ID, model.EpochActive, &report)
		}
	}

	closed, err := s.store.ListEpochs(ctx, model.EpochClosed)
	if err != nil {
		return report, fmt.Errorf("list closed epochs: %w", err)
	}
	for _, e := range closed {
		if e.Distributed || s.isExhausted(e.ID) {
			continue
		}
		res, err := s.engine.Distribute(ctx, e.ID)
		switch {
		case errors.Is(err, model.ErrNoParticipants):
			s.markExhausted(e.ID)
			report.Failed[e.ID] = err
		case err != nil:
			report.Failed[e.ID] = err
		case res.Discarded:
			// Another trigger owns this epoch.
		default:
			report.Distributed = append(report.Distributed, e.ID)
		}
		if err != nil {
			metrics.RecordError("scheduler", "distribute")
			s.logger.Warn(ctx, "scheduled distribution did not complete",
				logger.String("epoch_id", e.ID), logger.Error(err))
		}
	}

	if len(report.Activated)+len(report.Closed)+len(report.Distributed)+len(report.Failed) > 0 {
		s.logger.Info(ctx, "sweep finished",
			logger.Int("activated", len(report.Activated)),
			logger.Int("closed", len(report.Closed)),
			logger.Int("distributed", len(report.Distributed)),
			logger.Int("failed", len(report.Failed)),
		)
	}
	return report, nil
}

func (s *Scheduler) transition(ctx context.Context, id string, to model.EpochStatus, report *SweepReport) {
	if _, err := s.store.TransitionEpoch(ctx, id, to); err != nil {
		if errors.Is(err, repository.ErrActiveEpochExists) {
			s.logger.Debug(ctx, "activation deferred, another epoch is active", logger.String("epoch_id", id))
			return
		}
		s.logger.Warn(ctx, "epoch transition failed",
			logger.String("epoch_id", id), logger.String("to", string(to)), logger.Error(err))
		report.Failed[id] = err
		return
	}
	s.logger.Info(ctx, "epoch transitioned", logger.String("epoch_id", id), logger.String("to", string(to)))
	if to == model.EpochActive {
		report.Activated = append(report.Activated, id)
	} else {
		report.Closed = append(report.Closed, id)
	}
}

func (s *Scheduler) isExhausted(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exhausted[id]
}

func (s *Scheduler) markExhausted(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exhausted[id] = true
}

// cronLogger routes cron's own messages into the service logger.
type cronLogger struct{ l logger.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(context.Background(), "cron: "+msg, logger.Any("kv", keysAndValues))
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(context.Background(), "cron: "+msg, logger.Error(err), logger.Any("kv", keysAndValues))
}

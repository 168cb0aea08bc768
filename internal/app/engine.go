package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/okian/scanreward/internal/adapters/repository"
	"github.com/okian/scanreward/internal/domain/allocation"
	"github.com/okian/scanreward/internal/domain/executor"
	"github.com/okian/scanreward/internal/domain/guard"
	"github.com/okian/scanreward/internal/domain/model"
	"github.com/okian/scanreward/internal/domain/ranking"
	"github.com/okian/scanreward/internal/domain/treasury"
	"github.com/okian/scanreward/pkg/logger"
	"github.com/okian/scanreward/pkg/metrics"
	"github.com/shopspring/decimal"
)

// EngineOption applies a configuration option to the Engine.
type EngineOption func(*Engine)

// WithTokenDecimals sets the token's minimum unit for allocation rounding.
func WithTokenDecimals(d int32) EngineOption {
	return func(e *Engine) { e.decimals = d }
}

// WithCapToAvailable scales payouts down to the available treasury balance
// instead of aborting with insufficient funds.
func WithCapToAvailable(enabled bool) EngineOption {
	return func(e *Engine) { e.capToAvailable = enabled }
}

// WithGuard replaces the in-process in-flight guard.
func WithGuard(g guard.Guard) EngineOption {
	return func(e *Engine) {
		if g != nil {
			e.guard = g
		}
	}
}

// WithEngineLogger sets a custom logger.
func WithEngineLogger(l logger.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithEngineClock replaces time.Now.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Engine is the single entry point for paying out an epoch. It sequences
// load and guard, ranking, allocation, the treasury pre-flight and the
// transfer batch.
type Engine struct {
	store          repository.Store
	ranker         ranking.Ranker
	ledger         *treasury.Ledger
	executor       *executor.Executor
	guard          guard.Guard
	decimals       int32
	capToAvailable bool
	logger         logger.Logger
	now            func() time.Time
}

// NewEngine wires an Engine from its collaborators.
func NewEngine(store repository.Store, ranker ranking.Ranker, ledger *treasury.Ledger, exec *executor.Executor, opts ...EngineOption) *Engine {
	e := &Engine{
		store:    store,
		ranker:   ranker,
		ledger:   ledger,
		executor: exec,
		decimals: allocation.DefaultTokenDecimals,
		logger:   logger.Get().Named("engine"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.guard == nil {
		e.guard = guard.NewInMemory()
	}
	return e
}

// Distribute pays out a closed epoch exactly once.
//
// An already distributed epoch returns its recorded history without any
// transfer. Engine-level aborts (no participants, insufficient funds) return
// an ABORTED result together with the wrapped sentinel; nothing is paid and
// nothing is persisted. A concurrent trigger for the same epoch gets an
// ABORTED(CONFLICT) result and a nil error.
func (e *Engine) Distribute(ctx context.Context, epochID string) (model.DistributionResult, error) {
	log := e.logger.With(logger.String("epoch_id", epochID))
	if !e.guard.TryAcquire(ctx, epochID) {
		log.Warn(ctx, "distribution already in flight")
		return e.conflict(epochID, model.RunDistribute), nil
	}
	defer e.guard.Release(ctx, epochID)

	epoch, err := e.store.LoadEpoch(ctx, epochID)
	if err != nil {
		return model.DistributionResult{EpochID: epochID, Status: model.RunNotStarted}, fmt.Errorf("distribute: %w", err)
	}
	if epoch.Distributed {
		log.Info(ctx, "epoch already distributed, returning recorded result")
		return e.DistributionHistory(ctx, epochID)
	}
	if epoch.Status != model.EpochClosed {
		return model.DistributionResult{EpochID: epochID, Status: model.RunNotStarted},
			fmt.Errorf("epoch %s is %s: %w", epochID, epoch.Status, model.ErrEpochNotClosed)
	}

	ranked, err := e.ranker.Rank(ctx, epochID)
	if err != nil {
		if errors.Is(err, model.ErrNoParticipants) {
			log.Warn(ctx, "no eligible participants")
			return e.aborted(epochID, model.RunDistribute, epoch.PoolSize, model.AbortNoParticipants), err
		}
		return model.DistributionResult{EpochID: epochID, Status: model.RunNotStarted}, fmt.Errorf("rank epoch %s: %w", epochID, err)
	}

	runs, err := e.store.ListRuns(ctx, epochID)
	if err != nil {
		return model.DistributionResult{EpochID: epochID, Status: model.RunNotStarted}, fmt.Errorf("load runs for epoch %s: %w", epochID, err)
	}
	paid, paidTotal := model.PaidAgents(runs)

	calcOpts := []allocation.Option{allocation.WithTokenDecimals(e.decimals)}
	if e.capToAvailable {
		available, err := e.ledger.Available(ctx)
		if err != nil {
			return model.DistributionResult{EpochID: epochID, Status: model.RunNotStarted}, err
		}
		// Earlier partial runs already left the treasury; they are part of the plan.
		calcOpts = append(calcOpts, allocation.WithAvailableCap(decimal.Max(available, decimal.Zero).Add(paidTotal)))
	}
	plan, err := allocation.Calculate(ranked, epoch.PoolSize, epoch.BaseAllocation, calcOpts...)
	if err != nil {
		return model.DistributionResult{EpochID: epochID, Status: model.RunNotStarted}, fmt.Errorf("allocate epoch %s: %w", epochID, err)
	}
	if plan.Capped {
		metrics.RecordCappedRun()
		log.Warn(ctx, "payout capped to available treasury balance",
			logger.String("pool", epoch.PoolSize.String()),
			logger.String("allocated", plan.Total().String()),
		)
	}

	reservation, err := e.ledger.Reserve(ctx, dueAmount(plan.Allocations, paid))
	if err != nil {
		if errors.Is(err, model.ErrInsufficientFunds) {
			res := e.aborted(epochID, model.RunDistribute, plan.Pool, model.AbortInsufficientFunds)
			res.Allocated = plan.Total()
			return res, err
		}
		return model.DistributionResult{EpochID: epochID, Status: model.RunNotStarted}, err
	}
	defer reservation.Release()

	return e.executor.Execute(ctx, executor.Request{
		EpochID:     epochID,
		Kind:        model.RunDistribute,
		Allocations: plan.Allocations,
		Pool:        plan.Pool,
		Capped:      plan.Capped,
		OnPaid:      reservation.Settle,
	})
}

// RetryFailed re-pays the recipients whose latest outcome for a distributed
// epoch is FAILED. Wallet addresses are refreshed from the performance feed
// when it still lists the agent, so a corrected address is picked up.
func (e *Engine) RetryFailed(ctx context.Context, epochID string) (model.DistributionResult, error) {
	log := e.logger.With(logger.String("epoch_id", epochID))
	if !e.guard.TryAcquire(ctx, epochID) {
		log.Warn(ctx, "distribution already in flight")
		return e.conflict(epochID, model.RunRetryFailed), nil
	}
	defer e.guard.Release(ctx, epochID)

	epoch, err := e.store.LoadEpoch(ctx, epochID)
	if err != nil {
		return model.DistributionResult{EpochID: epochID, Status: model.RunNotStarted}, fmt.Errorf("retry failed: %w", err)
	}
	if !epoch.Distributed {
		return model.DistributionResult{EpochID: epochID, Status: model.RunNotStarted},
			fmt.Errorf("retry epoch %s: %w", epochID, model.ErrNotDistributed)
	}
	runs, err := e.store.ListRuns(ctx, epochID)
	if err != nil {
		return model.DistributionResult{EpochID: epochID, Status: model.RunNotStarted}, fmt.Errorf("load runs for epoch %s: %w", epochID, err)
	}
	history, _ := model.Consolidate(runs)

	wallets := make(map[string]string)
	if ranked, err := e.ranker.Rank(ctx, epochID); err == nil {
		for _, p := range ranked {
			wallets[p.AgentID] = p.WalletAddress
		}
	} else {
		log.Warn(ctx, "performance feed unavailable, retrying with recorded wallets", logger.Error(err))
	}

	var retry []model.Allocation
	for _, tr := range history.Results {
		if tr.Status != model.TransferFailed {
			continue
		}
		wallet := tr.WalletAddress
		if w, ok := wallets[tr.AgentID]; ok && w != "" {
			wallet = w
		}
		retry = append(retry, model.Allocation{
			Rank:          tr.Rank,
			AgentID:       tr.AgentID,
			WalletAddress: wallet,
			Amount:        tr.Amount,
		})
	}
	if len(retry) == 0 {
		log.Info(ctx, "no failed transfers to retry")
		now := e.now()
		return model.DistributionResult{
			EpochID: epochID, Kind: model.RunRetryFailed, Status: model.RunCompleted,
			Pool: history.Pool, StartedAt: now, FinishedAt: now,
		}, nil
	}

	reservation, err := e.ledger.Reserve(ctx, model.SumAmounts(retry))
	if err != nil {
		if errors.Is(err, model.ErrInsufficientFunds) {
			res := e.aborted(epochID, model.RunRetryFailed, history.Pool, model.AbortInsufficientFunds)
			res.Allocated = model.SumAmounts(retry)
			return res, err
		}
		return model.DistributionResult{EpochID: epochID, Status: model.RunNotStarted}, err
	}
	defer reservation.Release()

	log.Info(ctx, "retrying failed transfers", logger.Int("count", len(retry)))
	return e.executor.Execute(ctx, executor.Request{
		EpochID:     epochID,
		Kind:        model.RunRetryFailed,
		Allocations: retry,
		Pool:        history.Pool,
		Capped:      history.Capped,
		OnPaid:      reservation.Settle,
	})
}

// TreasuryStatus reports the treasury balances.
func (e *Engine) TreasuryStatus(ctx context.Context) (model.TreasuryStatus, error) {
	return e.ledger.Status(ctx)
}

// DistributionHistory returns the consolidated outcome of every counted run
// of an epoch. model.ErrNotFound is returned for an unknown epoch or one
// that has no run yet.
func (e *Engine) DistributionHistory(ctx context.Context, epochID string) (model.DistributionResult, error) {
	if _, err := e.store.LoadEpoch(ctx, epochID); err != nil {
		return model.DistributionResult{}, fmt.Errorf("history: %w", err)
	}
	runs, err := e.store.ListRuns(ctx, epochID)
	if err != nil {
		return model.DistributionResult{}, fmt.Errorf("load runs for epoch %s: %w", epochID, err)
	}
	out, ok := model.Consolidate(runs)
	if !ok {
		return model.DistributionResult{}, fmt.Errorf("no distribution recorded for epoch %s: %w", epochID, model.ErrNotFound)
	}
	return out, nil
}

// Runs returns every recorded run of an epoch, discarded ones included.
func (e *Engine) Runs(ctx context.Context, epochID string) ([]model.DistributionResult, error) {
	return e.store.ListRuns(ctx, epochID)
}

// Epoch returns one epoch.
func (e *Engine) Epoch(ctx context.Context, epochID string) (model.Epoch, error) {
	return e.store.LoadEpoch(ctx, epochID)
}

// Epochs lists epochs, optionally filtered by status.
func (e *Engine) Epochs(ctx context.Context, statuses ...model.EpochStatus) ([]model.Epoch, error) {
	return e.store.ListEpochs(ctx, statuses...)
}

// InFlight reports how many epochs this process is distributing right now.
func (e *Engine) InFlight() int64 { return e.guard.Size() }

func (e *Engine) conflict(epochID string, kind model.RunKind) model.DistributionResult {
	metrics.RecordConflict()
	res := e.aborted(epochID, kind, decimal.Zero, model.AbortConflict)
	res.Discarded = true
	return res
}

func (e *Engine) aborted(epochID string, kind model.RunKind, pool decimal.Decimal, reason model.AbortReason) model.DistributionResult {
	now := e.now()
	res := model.DistributionResult{
		RunID:      uuid.NewString(),
		EpochID:    epochID,
		Kind:       kind,
		Pool:       pool,
		Allocated:  decimal.Zero,
		StartedAt:  now,
		FinishedAt: now,
	}
	res.Abort(reason)
	metrics.RecordRun(string(kind), string(res.Status), string(reason), 0)
	return res
}

// dueAmount is what the batch will still pay: allocations to agents without
// an earlier success.
func dueAmount(allocs []model.Allocation, paid map[string]bool) decimal.Decimal {
	due := decimal.Zero
	for _, a := range allocs {
		if !paid[a.AgentID] && a.Amount.IsPositive() {
			due = due.Add(a.Amount)
		}
	}
	return due
}

// Package executor pays out a computed allocation list as a batch of
// independent transfers and records the outcome of every one of them.
//
// A batch is not atomic: one recipient's failure never blocks or undoes
// another's payment. The epoch is marked distributed through the store's
// compare-and-set only after every transfer has resolved.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/okian/scanreward/internal/adapters/mq/queue"
	"github.com/okian/scanreward/internal/adapters/mq/worker"
	"github.com/okian/scanreward/internal/domain/model"
	"github.com/okian/scanreward/pkg/logger"
	"github.com/okian/scanreward/pkg/metrics"
	"github.com/okian/scanreward/pkg/retry"
	"github.com/shopspring/decimal"
)

// Transferer moves tokens from the treasury to a recipient. key names the
// payment and is repeated on every attempt for it, so an implementation can
// recognise a retry of a send whose outcome it never learned.
// Implementations classify failures by wrapping model.ErrTransient or
// model.ErrPermanent; only ErrTransient failures are retried, and an
// unclassified error ends the transfer on its first attempt.
type Transferer interface {
	Transfer(ctx context.Context, key, to string, amount decimal.Decimal) (txRef string, err error)
}

// Store is the persistence the executor needs.
type Store interface {
	LoadEpoch(ctx context.Context, id string) (model.Epoch, error)
	MarkDistributed(ctx context.Context, id string, at time.Time) error
	AppendRun(ctx context.Context, run *model.DistributionResult) error
	ListRuns(ctx context.Context, epochID string) ([]model.DistributionResult, error)
}

// Request describes one batch.
type Request struct {
	EpochID     string
	Kind        model.RunKind
	Allocations []model.Allocation
	// Pool and Capped are copied onto the result for auditing.
	Pool   decimal.Decimal
	Capped bool
	// OnPaid, when set, is called with the amount of every successful
	// transfer as soon as it returns.
	OnPaid func(amount decimal.Decimal)
}

// Executor runs distribution batches.
type Executor struct {
	store       Store
	transferer  Transferer
	concurrency int
	retry       retry.Config
	runTimeout  time.Duration
	logger      logger.Logger
	now         func() time.Time
	newRunID    func() string
}

// New creates an Executor.
func New(store Store, transferer Transferer, opts ...Option) *Executor {
	e := &Executor{
		store:       store,
		transferer:  transferer,
		concurrency: worker.DefaultConcurrency,
		retry:       *retry.DefaultConfig(),
		runTimeout:  10 * time.Minute,
		logger:      logger.Get().Named("executor"),
		now:         time.Now,
		newRunID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs the batch described by req and persists its result.
//
// For a DISTRIBUTE run the epoch must not be distributed yet; losing the
// race on MarkDistributed yields an ABORTED(CONFLICT) result flagged
// Discarded and a nil error. A run that hits its deadline ends
// ABORTED(TIMEOUT), is not marked distributed, and returns ErrTimeout.
// A RETRY_FAILED run requires a distributed epoch and never marks it.
func (e *Executor) Execute(ctx context.Context, req Request) (model.DistributionResult, error) {
	if req.Kind == "" {
		req.Kind = model.RunDistribute
	}
	started := e.now()
	res := model.DistributionResult{
		RunID:     e.newRunID(),
		EpochID:   req.EpochID,
		Kind:      req.Kind,
		Status:    model.RunNotStarted,
		Capped:    req.Capped,
		Pool:      req.Pool,
		Allocated: model.SumAmounts(req.Allocations),
		StartedAt: started,
	}
	log := e.logger.With(
		logger.String("epoch_id", req.EpochID),
		logger.String("run_id", res.RunID),
		logger.String("kind", string(req.Kind)),
	)

	metrics.RunStarted()
	defer metrics.RunFinished()
	defer func() {
		metrics.RecordRun(string(res.Kind), string(res.Status), string(res.AbortReason),
			float64(e.now().Sub(started).Milliseconds()))
	}()

	epoch, err := e.store.LoadEpoch(ctx, req.EpochID)
	if err != nil {
		return res, fmt.Errorf("load epoch %s: %w", req.EpochID, err)
	}

	switch req.Kind {
	case model.RunDistribute:
		if epoch.Distributed {
			log.Warn(ctx, "epoch already distributed, nothing to do")
			metrics.RecordConflict()
			res.Discarded = true
			res.Abort(model.AbortConflict)
			res.FinishedAt = e.now()
			return res, e.persist(ctx, log, &res)
		}
	case model.RunRetryFailed:
		if !epoch.Distributed {
			return res, fmt.Errorf("retry epoch %s: %w", req.EpochID, model.ErrNotDistributed)
		}
	default:
		return res, fmt.Errorf("unknown run kind %q", req.Kind)
	}

	paid, err := e.paidRecipients(ctx, req.EpochID)
	if err != nil {
		return res, err
	}

	res.Status = model.RunInProgress
	res.Results = make([]model.TransferResult, len(req.Allocations))
	var pending []int
	for i := range req.Allocations {
		a := &req.Allocations[i]
		tr := &res.Results[i]
		*tr = model.TransferResult{
			EpochID:       req.EpochID,
			RunID:         res.RunID,
			AgentID:       a.AgentID,
			WalletAddress: a.WalletAddress,
			Rank:          a.Rank,
			Amount:        a.Amount,
		}
		switch {
		case paid[a.AgentID]:
			e.skip(tr, model.SkipAlreadyPaid)
		case !a.Amount.IsPositive():
			e.skip(tr, model.SkipZeroAmount)
		default:
			pending = append(pending, i)
		}
	}

	timedOut := e.transferAll(ctx, log, req, &res, pending)

	res.SortResults()
	switch {
	case timedOut:
		res.Abort(model.AbortTimeout)
		res.FinishedAt = e.now()
		log.Warn(ctx, "run deadline reached, epoch left open for resume",
			logger.Int("succeeded", res.Succeeded),
			logger.Int("skipped", res.Skipped),
		)
		if err := e.persist(ctx, log, &res); err != nil {
			return res, err
		}
		return res, fmt.Errorf("epoch %s: %w", req.EpochID, model.ErrTimeout)

	case req.Kind == model.RunDistribute:
		res.Complete()
		markCtx := context.WithoutCancel(ctx)
		if err := e.store.MarkDistributed(markCtx, req.EpochID, e.now()); err != nil {
			if !errors.Is(err, model.ErrConflict) {
				res.FinishedAt = e.now()
				_ = e.persist(ctx, log, &res)
				return res, fmt.Errorf("mark epoch %s distributed: %w", req.EpochID, err)
			}
			log.Warn(ctx, "lost distribution race, discarding run", logger.Error(err))
			metrics.RecordConflict()
			res.Discarded = true
			res.Abort(model.AbortConflict)
		}

	default:
		res.Complete()
	}

	res.FinishedAt = e.now()
	log.Info(ctx, "run finished",
		logger.String("status", string(res.Status)),
		logger.Int("succeeded", res.Succeeded),
		logger.Int("failed", res.Failed),
		logger.Int("skipped", res.Skipped),
		logger.Duration("took", res.FinishedAt.Sub(started)),
	)
	return res, e.persist(ctx, log, &res)
}

// transferAll fans the pending allocations out over a worker pool and waits
// for all of them. It reports whether the deadline cut the batch short.
func (e *Executor) transferAll(ctx context.Context, log logger.Logger, req Request, res *model.DistributionResult, pending []int) bool {
	if len(pending) == 0 {
		return false
	}

	runCtx := ctx
	if e.runTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.runTimeout)
		defer cancel()
	}
	// Transfers already on the wire are never abandoned, so they run on a
	// context that ignores the run deadline.
	detached := context.WithoutCancel(runCtx)

	var cutShort atomic.Bool
	expired := func() error {
		if err := runCtx.Err(); err != nil {
			return fmt.Errorf("%w: %w", model.ErrTimeout, err)
		}
		return nil
	}

	handler := worker.HandlerFunc(func(_ context.Context, j queue.Job) { //nolint:gocritic // hugeParam: Job is passed by value for channel semantics
		tr := &res.Results[j.Index]
		if expired() != nil {
			cutShort.Store(true)
			e.skip(tr, model.SkipDeadlineReached)
			return
		}
		if e.pay(detached, log, tr, expired, req.OnPaid) {
			cutShort.Store(true)
		}
	})

	q := queue.NewInMemoryQueue(queue.WithCapacity(len(pending)))
	pool := worker.NewPool(min(e.concurrency, len(pending)), q, handler, worker.WithLogger(log))
	pool.Start(detached)
	for _, idx := range pending {
		job := queue.Job{Index: idx, EpochID: req.EpochID, RunID: res.RunID, Allocation: req.Allocations[idx]}
		if err := q.Enqueue(detached, job); err != nil {
			e.fail(&res.Results[idx], 0, fmt.Errorf("enqueue transfer: %w", err))
		}
	}
	_ = pool.Drain(detached)
	return cutShort.Load()
}

// pay performs one transfer with retries. It reports whether the deadline
// refused an attempt.
func (e *Executor) pay(ctx context.Context, log logger.Logger, tr *model.TransferResult, expired func() error, onPaid func(decimal.Decimal)) bool {
	cfg := e.retry
	cfg.ShouldRetry = func(err error, _ int) bool { return errors.Is(err, model.ErrTransient) }
	cfg.BeforeAttempt = func(attempt int) error {
		if attempt == 1 {
			return nil
		}
		return expired()
	}
	cfg.OnRetry = func(error, int, time.Duration) { metrics.RecordTransferRetry() }

	start := e.now()
	txLog := log.With(logger.String("agent_id", tr.AgentID), logger.Int("rank", tr.Rank))
	ref, attempts, err := retry.Do(ctx, &cfg, txLog, func(ctx context.Context) (string, error) {
		return e.transferer.Transfer(ctx, tr.PaymentKey(), tr.WalletAddress, tr.Amount)
	})
	latency := float64(e.now().Sub(start).Milliseconds())

	if err != nil {
		refused := errors.Is(err, retry.ErrAttemptRefused)
		e.fail(tr, attempts, err)
		metrics.RecordTransfer(string(model.TransferFailed), tr.Amount.InexactFloat64(), latency)
		txLog.Error(ctx, "transfer failed", logger.Int("attempts", attempts), logger.Error(err))
		return refused
	}

	if onPaid != nil {
		onPaid(tr.Amount)
	}
	tr.Status = model.TransferSuccess
	tr.TxReference = ref
	tr.Attempts = attempts
	tr.CompletedAt = e.now()
	metrics.RecordTransfer(string(model.TransferSuccess), tr.Amount.InexactFloat64(), latency)
	txLog.Info(ctx, "transfer sent", logger.String("tx", ref), logger.String("amount", tr.Amount.String()))
	return false
}

func (e *Executor) skip(tr *model.TransferResult, reason string) {
	tr.Status = model.TransferSkipped
	tr.SkipReason = reason
	tr.CompletedAt = e.now()
	metrics.RecordTransfer(string(model.TransferSkipped), 0, 0)
}

func (e *Executor) fail(tr *model.TransferResult, attempts int, err error) {
	tr.Status = model.TransferFailed
	tr.Error = err.Error()
	tr.Attempts = attempts
	tr.CompletedAt = e.now()
}

// paidRecipients returns every agent with a SUCCESS in an earlier run of the
// epoch.
func (e *Executor) paidRecipients(ctx context.Context, epochID string) (map[string]bool, error) {
	runs, err := e.store.ListRuns(ctx, epochID)
	if err != nil {
		return nil, fmt.Errorf("load prior runs for epoch %s: %w", epochID, err)
	}
	paid, _ := model.PaidAgents(runs)
	return paid, nil
}

func (e *Executor) persist(ctx context.Context, log logger.Logger, res *model.DistributionResult) error {
	if err := e.store.AppendRun(context.WithoutCancel(ctx), res); err != nil {
		metrics.RecordError("executor", "persist")
		log.Error(ctx, "failed to persist run", logger.Error(err))
		return fmt.Errorf("persist run %s: %w", res.RunID, err)
	}
	return nil
}

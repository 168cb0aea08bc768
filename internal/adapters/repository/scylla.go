package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/gocql/gocql"
	"github.com/okian/scanreward/internal/domain/model"
	"github.com/okian/scanreward/pkg/logger"
	"github.com/okian/scanreward/pkg/metrics"
	"github.com/shopspring/decimal"
)

const scyllaBackend = "scylla"

// Amounts are stored as text so no precision is lost between decimal types.
var scyllaSchema = []string{
	`CREATE TABLE IF NOT EXISTS epochs (
		id text PRIMARY KEY,
		name text,
		sequence bigint,
		pool_size text,
		base_allocation text,
		starts_at timestamp,
		ends_at timestamp,
		status text,
		distributed boolean,
		distributed_at timestamp,
		version bigint
	)`,
	`CREATE TABLE IF NOT EXISTS distribution_runs (
		epoch_id text,
		started_at timestamp,
		run_id text,
		kind text,
		status text,
		abort_reason text,
		capped boolean,
		discarded boolean,
		pool text,
		allocated text,
		succeeded int,
		failed int,
		skipped int,
		finished_at timestamp,
		PRIMARY KEY ((epoch_id), started_at, run_id)
	)`,
	`CREATE TABLE IF NOT EXISTS transfer_results (
		epoch_id text,
		run_id text,
		agent_id text,
		wallet_address text,
		rank int,
		amount text,
		status text,
		tx_reference text,
		error text,
		skip_reason text,
		attempts int,
		completed_at timestamp,
		PRIMARY KEY ((epoch_id), run_id, agent_id)
	)`,
}

const epochColumns = "id, name, sequence, pool_size, base_allocation, starts_at, ends_at, status, distributed, distributed_at, version"

// ScyllaConfig holds cluster connection settings.
type ScyllaConfig struct {
	Hosts       []string
	Keyspace    string
	Timeout     time.Duration
	ConnectWait time.Duration
	Retries     int
}

// ScyllaStore implements Store on ScyllaDB/Cassandra. The distributed flag
// and epoch creation use lightweight transactions (Paxos), which serialize
// per partition.
type ScyllaStore struct {
	session *gocql.Session
	cfg     settings
}

var _ Store = (*ScyllaStore)(nil)

// OpenScylla creates a session against the configured cluster.
func OpenScylla(c ScyllaConfig, opts ...Option) (*ScyllaStore, error) {
	if len(c.Hosts) == 0 || c.Keyspace == "" {
		return nil, fmt.Errorf("%w: scylla hosts and keyspace are required", ErrMissingConnection)
	}
	cluster := gocql.NewCluster(c.Hosts...)
	cluster.Keyspace = c.Keyspace
	cluster.Consistency = gocql.Quorum
	cluster.SerialConsistency = gocql.Serial
	if c.Timeout > 0 {
		cluster.Timeout = c.Timeout
	}
	if c.ConnectWait > 0 {
		cluster.ConnectTimeout = c.ConnectWait
	}
	if c.Retries > 0 {
		cluster.RetryPolicy = &gocql.SimpleRetryPolicy{NumRetries: c.Retries}
	}
	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("create scylla session: %w", err)
	}
	return &ScyllaStore{session: session, cfg: newSettings("store.scylla", opts)}, nil
}

// Migrate creates the tables this store owns.
func (s *ScyllaStore) Migrate(ctx context.Context) error {
	for _, stmt := range scyllaSchema {
		if err := s.session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("migrate scylla schema: %w", err)
		}
	}
	return nil
}

// CreateEpoch implements EpochStore.
func (s *ScyllaStore) CreateEpoch(ctx context.Context, e model.Epoch) error {
	start := time.Now()
	defer func() { metrics.RecordStoreLatency(scyllaBackend, "create_epoch", since(start)) }()

	if err := e.Validate(); err != nil {
		return err
	}
	existing, err := s.ListEpochs(ctx)
	if err != nil {
		return err
	}
	for i := range existing {
		if existing[i].Sequence == e.Sequence {
			return fmt.Errorf("%w: sequence %d", ErrDuplicateEpoch, e.Sequence)
		}
		if e.Status == model.EpochActive && existing[i].Status == model.EpochActive {
			return ErrActiveEpochExists
		}
	}

	prev := map[string]any{}
	applied, err := s.session.Query(
		`INSERT INTO epochs (`+epochColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS`,
		e.ID, e.Name, e.Sequence, e.PoolSize.String(), e.BaseAllocation.String(),
		e.StartsAt.UTC(), e.EndsAt.UTC(), string(e.Status), e.Distributed, nullableTime(e.DistributedAt), int64(1),
	).WithContext(ctx).MapScanCAS(prev)
	if err != nil {
		return s.logError(ctx, "create epoch", err, e.ID)
	}
	if !applied {
		return fmt.Errorf("%w: %s", ErrDuplicateEpoch, e.ID)
	}
	return nil
}

// LoadEpoch implements EpochStore.
func (s *ScyllaStore) LoadEpoch(ctx context.Context, id string) (model.Epoch, error) {
	start := time.Now()
	defer func() { metrics.RecordStoreLatency(scyllaBackend, "load_epoch", since(start)) }()

	var row scyllaEpoch
	err := s.session.Query(`SELECT `+epochColumns+` FROM epochs WHERE id = ?`, id).
		WithContext(ctx).
		Scan(row.dest()...)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return model.Epoch{}, fmt.Errorf("epoch %s: %w", id, model.ErrNotFound)
		}
		return model.Epoch{}, s.logError(ctx, "load epoch", err, id)
	}
	return row.toModel()
}

// ListEpochs implements EpochStore. Epochs are few, so a full scan sorted
// client side is acceptable.
func (s *ScyllaStore) ListEpochs(ctx context.Context, statuses ...model.EpochStatus) ([]model.Epoch, error) {
	iter := s.session.Query(`SELECT ` + epochColumns + ` FROM epochs`).WithContext(ctx).Iter()
	var out []model.Epoch
	var row scyllaEpoch
	for iter.Scan(row.dest()...) {
		e, err := row.toModel()
		if err != nil {
			_ = iter.Close()
			return nil, err
		}
		if matchesStatus(e.Status, statuses) {
			out = append(out, e)
		}
		row = scyllaEpoch{}
	}
	if err := iter.Close(); err != nil {
		return nil, s.logError(ctx, "list epochs", err, "")
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// TransitionEpoch implements EpochStore with an optimistic version check.
// The single-ACTIVE rule is checked with a scan before the conditional write
// and so is only advisory across concurrent writers on this backend.
func (s *ScyllaStore) TransitionEpoch(ctx context.Context, id string, to model.EpochStatus) (model.Epoch, error) {
	e, err := s.LoadEpoch(ctx, id)
	if err != nil {
		return model.Epoch{}, err
	}
	if !e.Status.CanTransitionTo(to) {
		return model.Epoch{}, fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, e.Status, to)
	}
	if to == model.EpochActive {
		active, err := s.ListEpochs(ctx, model.EpochActive)
		if err != nil {
			return model.Epoch{}, err
		}
		for i := range active {
			if active[i].ID != id {
				return model.Epoch{}, fmt.Errorf("%w: %s", ErrActiveEpochExists, active[i].ID)
			}
		}
	}

	prev := map[string]any{}
	applied, err := s.session.Query(
		`UPDATE epochs SET status = ?, version = ? WHERE id = ? IF version = ?`,
		string(to), e.Version+1, id, e.Version,
	).WithContext(ctx).MapScanCAS(prev)
	if err != nil {
		return model.Epoch{}, s.logError(ctx, "transition epoch", err, id)
	}
	if !applied {
		return model.Epoch{}, fmt.Errorf("epoch %s: %w", id, ErrConcurrentUpdate)
	}
	e.Status = to
	e.Version++
	return e, nil
}

// MarkDistributed implements EpochStore as a lightweight transaction.
func (s *ScyllaStore) MarkDistributed(ctx context.Context, id string, at time.Time) error {
	start := time.Now()
	defer func() { metrics.RecordStoreLatency(scyllaBackend, "mark_distributed", since(start)) }()

	prev := map[string]any{}
	applied, err := s.session.Query(
		`UPDATE epochs SET distributed = true, distributed_at = ? WHERE id = ? IF distributed = false`,
		at.UTC(), id,
	).WithContext(ctx).MapScanCAS(prev)
	if err != nil {
		return s.logError(ctx, "mark distributed", err, id)
	}
	if applied {
		return nil
	}
	// A non-applied LWT echoes the current row; an absent row echoes nothing.
	if _, exists := prev["distributed"]; !exists {
		return fmt.Errorf("epoch %s: %w", id, model.ErrNotFound)
	}
	return fmt.Errorf("epoch %s: %w", id, model.ErrConflict)
}

// AppendRun implements RunStore with a logged batch so a run and its
// results land together.
func (s *ScyllaStore) AppendRun(ctx context.Context, run *model.DistributionResult) error {
	start := time.Now()
	defer func() { metrics.RecordStoreLatency(scyllaBackend, "append_run", since(start)) }()

	if run == nil || run.RunID == "" || run.EpochID == "" {
		return fmt.Errorf("append run: missing run or epoch id")
	}
	batch := s.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(`INSERT INTO distribution_runs (epoch_id, started_at, run_id, kind, status, abort_reason, capped, discarded, pool, allocated, succeeded, failed, skipped, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.EpochID, run.StartedAt.UTC(), run.RunID, string(run.Kind), string(run.Status), string(run.AbortReason),
		run.Capped, run.Discarded, run.Pool.String(), run.Allocated.String(),
		run.Succeeded, run.Failed, run.Skipped, run.FinishedAt.UTC())
	for i := range run.Results {
		tr := &run.Results[i]
		batch.Query(`INSERT INTO transfer_results (epoch_id, run_id, agent_id, wallet_address, rank, amount, status, tx_reference, error, skip_reason, attempts, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.EpochID, run.RunID, tr.AgentID, tr.WalletAddress, tr.Rank, tr.Amount.String(), string(tr.Status),
			tr.TxReference, tr.Error, tr.SkipReason, tr.Attempts, tr.CompletedAt.UTC())
	}
	if err := s.session.ExecuteBatch(batch); err != nil {
		return s.logError(ctx, "append run", err, run.EpochID)
	}
	return nil
}

// ListRuns implements RunStore.
func (s *ScyllaStore) ListRuns(ctx context.Context, epochID string) ([]model.DistributionResult, error) {
	start := time.Now()
	defer func() { metrics.RecordStoreLatency(scyllaBackend, "list_runs", since(start)) }()

	var heads []runRow
	iter := s.session.Query(`SELECT run_id, kind, status, abort_reason, capped, discarded, pool, allocated, succeeded, failed, skipped, started_at, finished_at
		FROM distribution_runs WHERE epoch_id = ?`, epochID).WithContext(ctx).Iter()
	var (
		h               runRow
		pool, allocated string
		decodeErr       error
	)
	for iter.Scan(&h.RunID, &h.Kind, &h.Status, &h.AbortReason, &h.Capped, &h.Discarded, &pool, &allocated,
		&h.Succeeded, &h.Failed, &h.Skipped, &h.StartedAt, &h.FinishedAt) {
		h.EpochID = epochID
		if decodeErr = h.setAmounts(pool, allocated); decodeErr != nil {
			break
		}
		heads = append(heads, h)
		h = runRow{}
	}
	if err := errors.Join(iter.Close(), decodeErr); err != nil {
		return nil, s.logError(ctx, "list runs", err, epochID)
	}
	if len(heads) == 0 {
		return nil, nil
	}

	rows, err := s.scanTransfers(ctx, `SELECT epoch_id, run_id, agent_id, wallet_address, rank, amount, status, tx_reference, error, skip_reason, attempts, completed_at
		FROM transfer_results WHERE epoch_id = ?`, epochID)
	if err != nil {
		return nil, s.logError(ctx, "list transfer results", err, epochID)
	}
	return assembleRuns(heads, rows), nil
}

// DistributedTotal implements RunStore.
func (s *ScyllaStore) DistributedTotal(ctx context.Context) (decimal.Decimal, error) {
	rows, err := s.scanTransfers(ctx, `SELECT epoch_id, run_id, agent_id, wallet_address, rank, amount, status, tx_reference, error, skip_reason, attempts, completed_at
		FROM transfer_results WHERE status = ? ALLOW FILTERING`, string(model.TransferSuccess))
	if err != nil {
		return decimal.Zero, s.logError(ctx, "distributed total", err, "")
	}
	total := decimal.Zero
	for i := range rows {
		total = total.Add(rows[i].Amount)
	}
	return total, nil
}

// Close shuts the session down.
func (s *ScyllaStore) Close() error {
	s.session.Close()
	return nil
}

func (s *ScyllaStore) scanTransfers(ctx context.Context, stmt string, args ...any) ([]transferRow, error) {
	iter := s.session.Query(stmt, args...).WithContext(ctx).Iter()
	var (
		out       []transferRow
		r         transferRow
		amount    string
		decodeErr error
	)
	for iter.Scan(&r.EpochID, &r.RunID, &r.AgentID, &r.WalletAddress, &r.Rank, &amount, &r.Status,
		&r.TxReference, &r.Error, &r.SkipReason, &r.Attempts, &r.CompletedAt) {
		if decodeErr = r.setAmount(amount); decodeErr != nil {
			break
		}
		out = append(out, r)
		r = transferRow{}
	}
	if err := errors.Join(iter.Close(), decodeErr); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *ScyllaStore) logError(ctx context.Context, op string, err error, epochID string) error {
	metrics.RecordError("store", scyllaBackend)
	s.cfg.logger.Error(ctx, "scylla operation failed",
		logger.String("op", op),
		logger.String("epoch_id", epochID),
		logger.Error(err),
	)
	return fmt.Errorf("%s: %w", op, err)
}

type scyllaEpoch struct {
	id, name, pool, base, status string
	sequence, version            int64
	startsAt, endsAt, distAt     time.Time
	distributed                  bool
}

func (r *scyllaEpoch) dest() []any {
	return []any{&r.id, &r.name, &r.sequence, &r.pool, &r.base, &r.startsAt, &r.endsAt, &r.status, &r.distributed, &r.distAt, &r.version}
}

func (r *scyllaEpoch) toModel() (model.Epoch, error) {
	pool, err := decimal.NewFromString(r.pool)
	if err != nil {
		return model.Epoch{}, fmt.Errorf("epoch %s pool_size %q: %w", r.id, r.pool, err)
	}
	base, err := decimal.NewFromString(r.base)
	if err != nil {
		return model.Epoch{}, fmt.Errorf("epoch %s base_allocation %q: %w", r.id, r.base, err)
	}
	e := model.Epoch{
		ID:             r.id,
		Name:           r.name,
		Sequence:       r.sequence,
		PoolSize:       pool,
		BaseAllocation: base,
		StartsAt:       r.startsAt.UTC(),
		EndsAt:         r.endsAt.UTC(),
		Status:         model.EpochStatus(r.status),
		Distributed:    r.distributed,
		Version:        r.version,
	}
	if !r.distAt.IsZero() {
		at := r.distAt.UTC()
		e.DistributedAt = &at
	}
	return e, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// setAmounts decodes the text-encoded pool and allocated columns.
func (h *runRow) setAmounts(pool, allocated string) error {
	var err error
	if h.Pool, err = decimal.NewFromString(pool); err != nil {
		return fmt.Errorf("run %s pool %q: %w", h.RunID, pool, err)
	}
	if h.Allocated, err = decimal.NewFromString(allocated); err != nil {
		return fmt.Errorf("run %s allocated %q: %w", h.RunID, allocated, err)
	}
	return nil
}

// setAmount decodes the text-encoded amount column.
func (r *transferRow) setAmount(amount string) error {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return fmt.Errorf("run %s agent %s amount %q: %w", r.RunID, r.AgentID, amount, err)
	}
	r.Amount = d
	return nil
}

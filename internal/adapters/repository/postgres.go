package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/okian/scanreward/internal/domain/model"
	"github.com/okian/scanreward/pkg/logger"
	"github.com/okian/scanreward/pkg/metrics"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const postgresBackend = "postgres"

const pingTimeout = 5 * time.Second

// singleActiveIndex admits at most one ACTIVE row. ensureNoActive only sees
// committed ACTIVE rows, so two transactions activating different epochs
// both pass it; the index rejects the second commit.
const singleActiveIndex = "epochs_single_active"

const createSingleActiveIndex = "CREATE UNIQUE INDEX IF NOT EXISTS " + singleActiveIndex +
	" ON epochs ((true)) WHERE status = '" + string(model.EpochActive) + "'"

// PostgresStore implements Store on PostgreSQL through gorm.
type PostgresStore struct {
	db  *gorm.DB
	cfg settings
}

var _ Store = (*PostgresStore)(nil)

// OpenPostgres connects to dsn and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string, opts ...Option) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("%w: postgres dsn is required", ErrMissingConnection)
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open gorm postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("resolve postgres sql db handle: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewPostgresStore(db, opts...), nil
}

// NewPostgresStore wraps an existing gorm handle.
func NewPostgresStore(db *gorm.DB, opts ...Option) *PostgresStore {
	return &PostgresStore{db: db, cfg: newSettings("store.postgres", opts)}
}

// DB exposes the gorm handle so other adapters can share the pool.
func (s *PostgresStore) DB() *gorm.DB { return s.db }

// Migrate creates or updates the tables this store owns.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&epochRow{}, &runRow{}, &transferRow{}); err != nil {
		return fmt.Errorf("migrate distribution tables: %w", err)
	}
	if err := s.db.WithContext(ctx).Exec(createSingleActiveIndex).Error; err != nil {
		return fmt.Errorf("create %s index: %w", singleActiveIndex, err)
	}
	return nil
}

// CreateEpoch implements EpochStore.
func (s *PostgresStore) CreateEpoch(ctx context.Context, e model.Epoch) error {
	start := time.Now()
	defer func() { metrics.RecordStoreLatency(postgresBackend, "create_epoch", since(start)) }()

	if err := e.Validate(); err != nil {
		return err
	}
	e.Version = 1
	row := epochRowFromModel(e)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if e.Status == model.EpochActive {
			if err := ensureNoActive(tx, e.ID); err != nil {
				return err
			}
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		if uerr := uniqueViolation(err, e.ID); uerr != nil {
			return uerr
		}
		if isDomainError(err) {
			return err
		}
		return s.logError(ctx, "create epoch", err, e.ID)
	}
	return nil
}

// LoadEpoch implements EpochStore.
func (s *PostgresStore) LoadEpoch(ctx context.Context, id string) (model.Epoch, error) {
	start := time.Now()
	defer func() { metrics.RecordStoreLatency(postgresBackend, "load_epoch", since(start)) }()

	var row epochRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.Epoch{}, fmt.Errorf("epoch %s: %w", id, model.ErrNotFound)
		}
		return model.Epoch{}, s.logError(ctx, "load epoch", err, id)
	}
	return row.toModel(), nil
}

// ListEpochs implements EpochStore.
func (s *PostgresStore) ListEpochs(ctx context.Context, statuses ...model.EpochStatus) ([]model.Epoch, error) {
	q := s.db.WithContext(ctx).Order("sequence ASC")
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, st := range statuses {
			names[i] = string(st)
		}
		q = q.Where("status IN ?", names)
	}
	var rows []epochRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, s.logError(ctx, "list epochs", err, "")
	}
	out := make([]model.Epoch, len(rows))
	for i := range rows {
		out[i] = rows[i].toModel()
	}
	return out, nil
}

// TransitionEpoch implements EpochStore. The row is locked for the duration
// of the check so concurrent transitions serialize.
func (s *PostgresStore) TransitionEpoch(ctx context.Context, id string, to model.EpochStatus) (model.Epoch, error) {
	start := time.Now()
	defer func() { metrics.RecordStoreLatency(postgresBackend, "transition_epoch", since(start)) }()

	var out model.Epoch
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row epochRow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("epoch %s: %w", id, model.ErrNotFound)
			}
			return err
		}
		from := model.EpochStatus(row.Status)
		if !from.CanTransitionTo(to) {
			return fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, from, to)
		}
		if to == model.EpochActive {
			if err := ensureNoActive(tx, id); err != nil {
				return err
			}
		}
		res := tx.Model(&epochRow{}).
			Where("id = ? AND version = ?", id, row.Version).
			Updates(map[string]any{"status": string(to), "version": gorm.Expr("version + 1")})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("epoch %s: %w", id, ErrConcurrentUpdate)
		}
		row.Status = string(to)
		row.Version++
		out = row.toModel()
		return nil
	})
	if err != nil {
		if uerr := uniqueViolation(err, id); uerr != nil {
			return model.Epoch{}, uerr
		}
		if isDomainError(err) {
			return model.Epoch{}, err
		}
		return model.Epoch{}, s.logError(ctx, "transition epoch", err, id)
	}
	return out, nil
}

// MarkDistributed implements EpochStore as a single conditional UPDATE.
func (s *PostgresStore) MarkDistributed(ctx context.Context, id string, at time.Time) error {
	start := time.Now()
	defer func() { metrics.RecordStoreLatency(postgresBackend, "mark_distributed", since(start)) }()

	res := s.db.WithContext(ctx).Model(&epochRow{}).
		Where("id = ? AND distributed = ?", id, false).
		Updates(map[string]any{
			"distributed":    true,
			"distributed_at": at.UTC(),
			"version":        gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return s.logError(ctx, "mark distributed", res.Error, id)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&epochRow{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return s.logError(ctx, "mark distributed", err, id)
	}
	if count == 0 {
		return fmt.Errorf("epoch %s: %w", id, model.ErrNotFound)
	}
	return fmt.Errorf("epoch %s: %w", id, model.ErrConflict)
}

// AppendRun implements RunStore.
func (s *PostgresStore) AppendRun(ctx context.Context, run *model.DistributionResult) error {
	start := time.Now()
	defer func() { metrics.RecordStoreLatency(postgresBackend, "append_run", since(start)) }()

	if run == nil || run.RunID == "" || run.EpochID == "" {
		return fmt.Errorf("append run: missing run or epoch id")
	}
	head := runRowFromModel(run)
	rows := make([]transferRow, len(run.Results))
	for i := range run.Results {
		rows[i] = transferRowFromModel(run.EpochID, run.RunID, &run.Results[i])
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&head).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.CreateInBatches(&rows, transferBatchSize).Error
	})
	if err != nil {
		return s.logError(ctx, "append run", err, run.EpochID)
	}
	return nil
}

// ListRuns implements RunStore.
func (s *PostgresStore) ListRuns(ctx context.Context, epochID string) ([]model.DistributionResult, error) {
	start := time.Now()
	defer func() { metrics.RecordStoreLatency(postgresBackend, "list_runs", since(start)) }()

	var heads []runRow
	if err := s.db.WithContext(ctx).Where("epoch_id = ?", epochID).Order("started_at ASC").Find(&heads).Error; err != nil {
		return nil, s.logError(ctx, "list runs", err, epochID)
	}
	if len(heads) == 0 {
		return nil, nil
	}
	var rows []transferRow
	if err := s.db.WithContext(ctx).Where("epoch_id = ?", epochID).Order("rank ASC, agent_id ASC").Find(&rows).Error; err != nil {
		return nil, s.logError(ctx, "list transfer results", err, epochID)
	}
	return assembleRuns(heads, rows), nil
}

// DistributedTotal implements RunStore.
func (s *PostgresStore) DistributedTotal(ctx context.Context) (decimal.Decimal, error) {
	var total decimal.Decimal
	row := s.db.WithContext(ctx).Model(&transferRow{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("status = ?", string(model.TransferSuccess)).
		Row()
	if err := row.Scan(&total); err != nil {
		return decimal.Zero, s.logError(ctx, "distributed total", err, "")
	}
	return total, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func ensureNoActive(tx *gorm.DB, exceptID string) error {
	var active []epochRow
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("status = ? AND id <> ?", string(model.EpochActive), exceptID).
		Find(&active).Error; err != nil {
		return err
	}
	if len(active) > 0 {
		return fmt.Errorf("%w: %s", ErrActiveEpochExists, active[0].ID)
	}
	return nil
}

func (s *PostgresStore) logError(ctx context.Context, op string, err error, epochID string) error {
	metrics.RecordError("store", postgresBackend)
	s.cfg.logger.Error(ctx, "postgres operation failed",
		logger.String("op", op),
		logger.String("epoch_id", epochID),
		logger.Error(err),
	)
	return fmt.Errorf("%s: %w", op, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// uniqueViolation translates a unique violation on epochs into the store's
// sentinels. It returns nil for any other error.
func uniqueViolation(err error, id string) error {
	if !isUniqueViolation(err) {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.ConstraintName == singleActiveIndex {
		return fmt.Errorf("%w: activating %s", ErrActiveEpochExists, id)
	}
	return fmt.Errorf("%w: %s", ErrDuplicateEpoch, id)
}

func isDomainError(err error) bool {
	for _, target := range []error{model.ErrNotFound, model.ErrInvalidTransition, ErrConcurrentUpdate} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

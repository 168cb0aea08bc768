package repository

import (
	"time"

	"github.com/okian/scanreward/internal/domain/model"
	"github.com/shopspring/decimal"
)

const transferBatchSize = 200

type epochRow struct {
	ID             string          `gorm:"column:id;primaryKey;size:64"`
	Name           string          `gorm:"column:name"`
	Sequence       int64           `gorm:"column:sequence;uniqueIndex"`
	PoolSize       decimal.Decimal `gorm:"column:pool_size;type:numeric(78,18)"`
	BaseAllocation decimal.Decimal `gorm:"column:base_allocation;type:numeric(78,18)"`
	StartsAt       time.Time       `gorm:"column:starts_at"`
	EndsAt         time.Time       `gorm:"column:ends_at"`
	Status         string          `gorm:"column:status;size:16;index"`
	Distributed    bool            `gorm:"column:distributed;not null;default:false"`
	DistributedAt  *time.Time      `gorm:"column:distributed_at"`
	Version        int64           `gorm:"column:version;not null;default:1"`
}

func (epochRow) TableName() string { return "epochs" }

func epochRowFromModel(e model.Epoch) epochRow {
	return epochRow{
		ID:             e.ID,
		Name:           e.Name,
		Sequence:       e.Sequence,
		PoolSize:       e.PoolSize,
		BaseAllocation: e.BaseAllocation,
		StartsAt:       e.StartsAt.UTC(),
		EndsAt:         e.EndsAt.UTC(),
		Status:         string(e.Status),
		Distributed:    e.Distributed,
		DistributedAt:  e.DistributedAt,
		Version:        e.Version,
	}
}

func (r *epochRow) toModel() model.Epoch {
	e := model.Epoch{
		ID:             r.ID,
		Name:           r.Name,
		Sequence:       r.Sequence,
		PoolSize:       r.PoolSize,
		BaseAllocation: r.BaseAllocation,
		StartsAt:       r.StartsAt.UTC(),
		EndsAt:         r.EndsAt.UTC(),
		Status:         model.EpochStatus(r.Status),
		Distributed:    r.Distributed,
		Version:        r.Version,
	}
	if r.DistributedAt != nil {
		at := r.DistributedAt.UTC()
		e.DistributedAt = &at
	}
	return e
}

type runRow struct {
	RunID       string          `gorm:"column:run_id;primaryKey;size:64"`
	EpochID     string          `gorm:"column:epoch_id;size:64;index:idx_runs_epoch_started,priority:1"`
	Kind        string          `gorm:"column:kind;size:16"`
	Status      string          `gorm:"column:status;size:32"`
	AbortReason string          `gorm:"column:abort_reason;size:32"`
	Capped      bool            `gorm:"column:capped"`
	Discarded   bool            `gorm:"column:discarded"`
	Pool        decimal.Decimal `gorm:"column:pool;type:numeric(78,18)"`
	Allocated   decimal.Decimal `gorm:"column:allocated;type:numeric(78,18)"`
	Succeeded   int             `gorm:"column:succeeded"`
	Failed      int             `gorm:"column:failed"`
	Skipped     int             `gorm:"column:skipped"`
	StartedAt   time.Time       `gorm:"column:started_at;index:idx_runs_epoch_started,priority:2"`
	FinishedAt  time.Time       `gorm:"column:finished_at"`
}

func (runRow) TableName() string { return "distribution_runs" }

func runRowFromModel(r *model.DistributionResult) runRow {
	return runRow{
		RunID:       r.RunID,
		EpochID:     r.EpochID,
		Kind:        string(r.Kind),
		Status:      string(r.Status),
		AbortReason: string(r.AbortReason),
		Capped:      r.Capped,
		Discarded:   r.Discarded,
		Pool:        r.Pool,
		Allocated:   r.Allocated,
		Succeeded:   r.Succeeded,
		Failed:      r.Failed,
		Skipped:     r.Skipped,
		StartedAt:   r.StartedAt.UTC(),
		FinishedAt:  r.FinishedAt.UTC(),
	}
}

func (r *runRow) toModel() model.DistributionResult {
	return model.DistributionResult{
		RunID:       r.RunID,
		EpochID:     r.EpochID,
		Kind:        model.RunKind(r.Kind),
		Status:      model.RunStatus(r.Status),
		AbortReason: model.AbortReason(r.AbortReason),
		Capped:      r.Capped,
		Discarded:   r.Discarded,
		Pool:        r.Pool,
		Allocated:   r.Allocated,
		Succeeded:   r.Succeeded,
		Failed:      r.Failed,
		Skipped:     r.Skipped,
		StartedAt:   r.StartedAt.UTC(),
		FinishedAt:  r.FinishedAt.UTC(),
	}
}

// transferRow is append-only; (epoch_id, agent_id, run_id) is unique.
type transferRow struct {
	EpochID       string          `gorm:"column:epoch_id;primaryKey;size:64"`
	AgentID       string          `gorm:"column:agent_id;primaryKey;size:128"`
	RunID         string          `gorm:"column:run_id;primaryKey;size:64"`
	WalletAddress string          `gorm:"column:wallet_address;size:64"`
	Rank          int             `gorm:"column:rank"`
	Amount        decimal.Decimal `gorm:"column:amount;type:numeric(78,18)"`
	Status        string          `gorm:"column:status;size:16;index"`
	TxReference   string          `gorm:"column:tx_reference;size:80"`
	Error         string          `gorm:"column:error"`
	SkipReason    string          `gorm:"column:skip_reason"`
	Attempts      int             `gorm:"column:attempts"`
	CompletedAt   time.Time       `gorm:"column:completed_at"`
}

func (transferRow) TableName() string { return "transfer_results" }

func transferRowFromModel(epochID, runID string, tr *model.TransferResult) transferRow {
	return transferRow{
		EpochID:       epochID,
		AgentID:       tr.AgentID,
		RunID:         runID,
		WalletAddress: tr.WalletAddress,
		Rank:          tr.Rank,
		Amount:        tr.Amount,
		Status:        string(tr.Status),
		TxReference:   tr.TxReference,
		Error:         tr.Error,
		SkipReason:    tr.SkipReason,
		Attempts:      tr.Attempts,
		CompletedAt:   tr.CompletedAt.UTC(),
	}
}

func (r *transferRow) toModel() model.TransferResult {
	return model.TransferResult{
		EpochID:       r.EpochID,
		RunID:         r.RunID,
		AgentID:       r.AgentID,
		WalletAddress: r.WalletAddress,
		Rank:          r.Rank,
		Amount:        r.Amount,
		Status:        model.TransferStatus(r.Status),
		TxReference:   r.TxReference,
		Error:         r.Error,
		SkipReason:    r.SkipReason,
		Attempts:      r.Attempts,
		CompletedAt:   r.CompletedAt.UTC(),
	}
}

// assembleRuns attaches transfer rows to their run headers, keeping the
// header order and sorting each run's results by rank.
func assembleRuns(heads []runRow, rows []transferRow) []model.DistributionResult {
	byRun := make(map[string][]model.TransferResult, len(heads))
	for i := range rows {
		byRun[rows[i].RunID] = append(byRun[rows[i].RunID], rows[i].toModel())
	}
	out := make([]model.DistributionResult, len(heads))
	for i := range heads {
		out[i] = heads[i].toModel()
		out[i].Results = byRun[heads[i].RunID]
		out[i].SortResults()
	}
	return out
}

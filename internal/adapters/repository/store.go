// Package repository persists epochs and distribution runs.
//
// The epoch's distributed flag is the one value written with compare-and-set
// semantics; every backend implements MarkDistributed as a conditional
// update that fails with model.ErrConflict when the flag is already set.
// Runs and their transfer results are append-only.
package repository

import (
	"context"
	"time"

	"github.com/okian/scanreward/internal/domain/model"
	"github.com/shopspring/decimal"
)

// EpochStore provides access to epoch records.
type EpochStore interface {
	// CreateEpoch stores a new epoch. ErrDuplicateEpoch if the id or sequence exists.
	CreateEpoch(ctx context.Context, e model.Epoch) error

	// LoadEpoch returns model.ErrNotFound for unknown ids.
	LoadEpoch(ctx context.Context, id string) (model.Epoch, error)

	// ListEpochs returns epochs ordered by sequence, optionally filtered by status.
	ListEpochs(ctx context.Context, statuses ...model.EpochStatus) ([]model.Epoch, error)

	// TransitionEpoch moves an epoch forward in its lifecycle. At most one
	// epoch may be ACTIVE.
	TransitionEpoch(ctx context.Context, id string, to model.EpochStatus) (model.Epoch, error)

	// MarkDistributed sets the distributed flag exactly once.
	MarkDistributed(ctx context.Context, id string, at time.Time) error
}

// RunStore records distribution runs.
type RunStore interface {
	AppendRun(ctx context.Context, run *model.DistributionResult) error

	// ListRuns returns an epoch's runs, oldest first, results in rank order.
	ListRuns(ctx context.Context, epochID string) ([]model.DistributionResult, error)

	// DistributedTotal sums every SUCCESS transfer ever recorded.
	DistributedTotal(ctx context.Context) (decimal.Decimal, error)
}

// Store is a complete backend.
type Store interface {
	EpochStore
	RunStore
	Close() error
}

func matchesStatus(s model.EpochStatus, statuses []model.EpochStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, want := range statuses {
		if s == want {
			return true
		}
	}
	return false
}

func since(start time.Time) float64 { return float64(time.Since(start).Microseconds()) / 1000 }

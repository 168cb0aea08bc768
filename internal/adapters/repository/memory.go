package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/okian/scanreward/internal/domain/model"
	"github.com/okian/scanreward/pkg/logger"
	"github.com/shopspring/decimal"
)

// MemoryStore is an in-process Store. It is the default backend for local
// runs and the reference the other backends are tested against.
type MemoryStore struct {
	mu     sync.RWMutex
	epochs map[string]model.Epoch
	runs   map[string][]model.DistributionResult
	cfg    settings
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		epochs: make(map[string]model.Epoch),
		runs:   make(map[string][]model.DistributionResult),
		cfg:    newSettings("store.memory", opts),
	}
}

// CreateEpoch implements EpochStore.
func (m *MemoryStore) CreateEpoch(ctx context.Context, e model.Epoch) error {
	if err := e.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.epochs[e.ID]; ok {
		return fmt.Errorf("%w: id %s", ErrDuplicateEpoch, e.ID)
	}
	for _, other := range m.epochs {
		if other.Sequence == e.Sequence {
			return fmt.Errorf("%w: sequence %d", ErrDuplicateEpoch, e.Sequence)
		}
		if e.Status == model.EpochActive && other.Status == model.EpochActive {
			return ErrActiveEpochExists
		}
	}
	e.Version = 1
	m.epochs[e.ID] = cloneEpoch(e)
	m.cfg.logger.Debug(ctx, "epoch created", logger.String("epoch_id", e.ID))
	return nil
}

// LoadEpoch implements EpochStore.
func (m *MemoryStore) LoadEpoch(_ context.Context, id string) (model.Epoch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.epochs[id]
	if !ok {
		return model.Epoch{}, fmt.Errorf("epoch %s: %w", id, model.ErrNotFound)
	}
	return cloneEpoch(e), nil
}

// ListEpochs implements EpochStore.
func (m *MemoryStore) ListEpochs(_ context.Context, statuses ...model.EpochStatus) ([]model.Epoch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Epoch, 0, len(m.epochs))
	for _, e := range m.epochs {
		if matchesStatus(e.Status, statuses) {
			out = append(out, cloneEpoch(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// TransitionEpoch implements EpochStore.
func (m *MemoryStore) TransitionEpoch(ctx context.Context, id string, to model.EpochStatus) (model.Epoch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.epochs[id]
	if !ok {
		return model.Epoch{}, fmt.Errorf("epoch %s: %w", id, model.ErrNotFound)
	}
	if !e.Status.CanTransitionTo(to) {
		return model.Epoch{}, fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, e.Status, to)
	}
	if to == model.EpochActive {
		for otherID, other := range m.epochs {
			if otherID != id && other.Status == model.EpochActive {
				return model.Epoch{}, fmt.Errorf("%w: %s", ErrActiveEpochExists, otherID)
			}
		}
	}
	from := e.Status
	e.Status = to
	e.Version++
	m.epochs[id] = e
	m.cfg.logger.Info(ctx, "epoch transitioned",
		logger.String("epoch_id", id),
		logger.String("from", string(from)),
		logger.String("to", string(to)),
	)
	return cloneEpoch(e), nil
}

// MarkDistributed implements EpochStore.
func (m *MemoryStore) MarkDistributed(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.epochs[id]
	if !ok {
		return fmt.Errorf("epoch %s: %w", id, model.ErrNotFound)
	}
	if e.Distributed {
		return fmt.Errorf("epoch %s: %w", id, model.ErrConflict)
	}
	at = at.UTC()
	e.Distributed = true
	e.DistributedAt = &at
	e.Version++
	m.epochs[id] = e
	return nil
}

// AppendRun implements RunStore.
func (m *MemoryStore) AppendRun(_ context.Context, run *model.DistributionResult) error {
	if run == nil || run.RunID == "" || run.EpochID == "" {
		return fmt.Errorf("append run: missing run or epoch id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.runs[run.EpochID] {
		if existing.RunID == run.RunID {
			return fmt.Errorf("append run %s: already recorded", run.RunID)
		}
	}
	m.runs[run.EpochID] = append(m.runs[run.EpochID], cloneRun(*run))
	return nil
}

// ListRuns implements RunStore.
func (m *MemoryStore) ListRuns(_ context.Context, epochID string) ([]model.DistributionResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	runs := m.runs[epochID]
	out := make([]model.DistributionResult, len(runs))
	for i := range runs {
		out[i] = cloneRun(runs[i])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// DistributedTotal implements RunStore.
func (m *MemoryStore) DistributedTotal(_ context.Context) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := decimal.Zero
	for _, runs := range m.runs {
		for i := range runs {
			for _, tr := range runs[i].Results {
				if tr.Status == model.TransferSuccess {
					total = total.Add(tr.Amount)
				}
			}
		}
	}
	return total, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }

func cloneEpoch(e model.Epoch) model.Epoch {
	if e.DistributedAt != nil {
		at := *e.DistributedAt
		e.DistributedAt = &at
	}
	return e
}

func cloneRun(r model.DistributionResult) model.DistributionResult {
	r.Results = append([]model.TransferResult(nil), r.Results...)
	return r
}

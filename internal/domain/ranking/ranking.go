// Package ranking orders an epoch's participating agents for payout.
//
// Ordering: win rate DESC, then total calls DESC, then agent id ASC. The last
// key makes the order total, so equal inputs always rank identically.
package ranking

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/okian/scanreward/internal/domain/model"
	"github.com/okian/scanreward/pkg/logger"
)

// PerformanceProvider supplies per-agent statistics for an epoch.
type PerformanceProvider interface {
	Performance(ctx context.Context, epochID string) ([]model.ScannerPerformance, error)
}

// Ranker produces the payout order for an epoch.
type Ranker interface {
	Rank(ctx context.Context, epochID string) ([]model.ScannerPerformance, error)
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// Service ranks agents using a PerformanceProvider.
type Service struct {
	provider PerformanceProvider
	logger   logger.Logger
}

// New creates a ranking Service.
func New(provider PerformanceProvider, opts ...Option) *Service {
	s := &Service{
		provider: provider,
		logger:   logger.Get().Named("ranking"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// less reports whether a ranks ahead of b.
func less(a, b *model.ScannerPerformance) bool {
	if a.WinRate != b.WinRate {
		return a.WinRate > b.WinRate
	}
	if a.TotalCalls != b.TotalCalls {
		return a.TotalCalls > b.TotalCalls
	}
	return a.AgentID < b.AgentID
}

// Rank fetches, validates, filters and orders the epoch's agents. Agents
// without calls are dropped; ErrNoParticipants is returned when none remain.
func (s *Service) Rank(ctx context.Context, epochID string) ([]model.ScannerPerformance, error) {
	start := time.Now()
	perf, err := s.provider.Performance(ctx, epochID)
	if err != nil {
		return nil, fmt.Errorf("load performance for epoch %s: %w", epochID, err)
	}

	ranked, err := Order(perf)
	if err != nil {
		return nil, fmt.Errorf("rank epoch %s: %w", epochID, err)
	}

	s.logger.Info(ctx, "epoch ranked",
		logger.String("epoch_id", epochID),
		logger.Int("reported", len(perf)),
		logger.Int("participants", len(ranked)),
		logger.Duration("took", time.Since(start)),
	)
	return ranked, nil
}

// Order validates and sorts perf without touching the input slice.
func Order(perf []model.ScannerPerformance) ([]model.ScannerPerformance, error) {
	seen := make(map[string]struct{}, len(perf))
	out := make([]model.ScannerPerformance, 0, len(perf))
	for i := range perf {
		p := perf[i]
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[p.AgentID]; dup {
			return nil, fmt.Errorf("%w: agent %s reported twice", model.ErrInvalidPerformance, p.AgentID)
		}
		seen[p.AgentID] = struct{}{}
		if p.TotalCalls == 0 {
			continue
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, model.ErrNoParticipants
	}
	sort.SliceStable(out, func(i, j int) bool { return less(&out[i], &out[j]) })
	return out, nil
}

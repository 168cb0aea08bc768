// Package performance provides the per-epoch scanner performance feeds the
// ranking service consumes.
package performance

import (
	"context"
	"sync"

	"github.com/okian/scanreward/internal/domain/model"
	"github.com/okian/scanreward/internal/domain/ranking"
)

// Static serves performance records held in memory. It backs the memory
// store driver and tests.
type Static struct {
	mu     sync.RWMutex
	epochs map[string][]model.ScannerPerformance
}

var _ ranking.PerformanceProvider = (*Static)(nil)

// NewStatic returns an empty provider.
func NewStatic() *Static {
	return &Static{epochs: make(map[string][]model.ScannerPerformance)}
}

// Set replaces the records for epochID.
func (s *Static) Set(epochID string, perf []model.ScannerPerformance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epochs[epochID] = append([]model.ScannerPerformance(nil), perf...)
}

// Performance returns a copy of the records for epochID. An unknown epoch has
// no participants.
func (s *Static) Performance(_ context.Context, epochID string) ([]model.ScannerPerformance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.ScannerPerformance(nil), s.epochs[epochID]...), nil
}

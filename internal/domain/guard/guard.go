// Package guard tracks epochs with a distribution run in flight in this
// process, so a second trigger is turned away before it does any work.
//
// It complements, never replaces, the store-level compare-and-set on the
// epoch's distributed flag: two processes can still race, and the store
// decides the winner.
package guard

import (
	"context"
	"sync"
	"sync/atomic"
)

// Guard records epochs that are currently being distributed.
type Guard interface {
	// TryAcquire atomically claims id. It returns false when id is already held.
	TryAcquire(ctx context.Context, id string) bool

	// Release frees id. Releasing an id that is not held is a no-op.
	Release(ctx context.Context, id string)

	// Held reports whether id is currently claimed.
	Held(id string) bool

	Size() int64
}

// Option applies a configuration option to the in-memory guard.
type Option func(*inMemoryGuard)

// WithOnContention registers a callback invoked whenever TryAcquire is refused.
func WithOnContention(fn func(id string)) Option {
	return func(g *inMemoryGuard) {
		g.onContention = fn
	}
}

type inMemoryGuard struct {
	mu           sync.Mutex
	held         map[string]struct{}
	size         atomic.Int64
	onContention func(id string)
}

// NewInMemory creates an empty guard.
func NewInMemory(opts ...Option) Guard {
	g := &inMemoryGuard{held: make(map[string]struct{})}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *inMemoryGuard) TryAcquire(_ context.Context, id string) bool {
	g.mu.Lock()
	if _, busy := g.held[id]; busy {
		g.mu.Unlock()
		if g.onContention != nil {
			g.onContention(id)
		}
		return false
	}
	g.held[id] = struct{}{}
	g.size.Add(1)
	g.mu.Unlock()
	return true
}

func (g *inMemoryGuard) Release(_ context.Context, id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.held[id]; ok {
		delete(g.held, id)
		g.size.Add(-1)
	}
}

func (g *inMemoryGuard) Held(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.held[id]
	return ok
}

func (g *inMemoryGuard) Size() int64 { return g.size.Load() }

// Package model contains the domain types shared by the distribution pipeline.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// EpochStatus is the lifecycle state of an epoch.
type EpochStatus string

// Epoch lifecycle states. Transitions only move forward.
const (
	EpochPending EpochStatus = "PENDING"
	EpochActive  EpochStatus = "ACTIVE"
	EpochClosed  EpochStatus = "CLOSED"
)

func (s EpochStatus) order() int {
	switch s {
	case EpochPending:
		return 0
	case EpochActive:
		return 1
	case EpochClosed:
		return 2
	default:
		return -1
	}
}

// Valid reports whether s is a known status.
func (s EpochStatus) Valid() bool { return s.order() >= 0 }

// CanTransitionTo reports whether s may move to next. Any forward move is
// allowed (PENDING -> CLOSED covers a manual close before the window opened).
func (s EpochStatus) CanTransitionTo(next EpochStatus) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	return next.order() > s.order()
}

// Epoch is a scored competition window with a reward pool.
type Epoch struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Sequence       int64           `json:"sequence"`
	PoolSize       decimal.Decimal `json:"pool_size"`
	BaseAllocation decimal.Decimal `json:"base_allocation"`
	StartsAt       time.Time       `json:"starts_at"`
	EndsAt         time.Time       `json:"ends_at"`
	Status         EpochStatus     `json:"status"`
	Distributed    bool            `json:"distributed"`
	DistributedAt  *time.Time      `json:"distributed_at,omitempty"`
	// Version increments on every write; stores use it for optimistic checks.
	Version int64 `json:"version"`
}

// Validate checks the epoch's field invariants.
func (e *Epoch) Validate() error {
	switch {
	case strings.TrimSpace(e.ID) == "":
		return fmt.Errorf("%w: missing id", ErrInvalidEpoch)
	case !e.StartsAt.Before(e.EndsAt):
		return fmt.Errorf("%w: start %s not before end %s", ErrInvalidEpoch, e.StartsAt, e.EndsAt)
	case !e.Status.Valid():
		return fmt.Errorf("%w: unknown status %q", ErrInvalidEpoch, e.Status)
	case e.PoolSize.IsNegative():
		return fmt.Errorf("%w: negative pool", ErrInvalidEpoch)
	case !e.BaseAllocation.IsPositive():
		return fmt.Errorf("%w: base allocation must be positive", ErrInvalidEpoch)
	case e.Distributed && e.DistributedAt == nil:
		return fmt.Errorf("%w: distributed without timestamp", ErrInvalidEpoch)
	}
	return nil
}

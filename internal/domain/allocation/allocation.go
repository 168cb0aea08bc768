// Package allocation turns a ranking into concrete token amounts.
//
// Rank r (1-based) gets raw weight base/r. Each amount is pool*w/sum(w),
// floored to the token's minimum unit, and the rounding residual is credited
// to rank 1 so that the amounts sum to the pool exactly. Arithmetic runs on
// exact rationals; only the final amounts are truncated.
package allocation

import (
	"fmt"
	"math/big"

	"github.com/okian/scanreward/internal/domain/model"
	"github.com/shopspring/decimal"
)

const (
	// DefaultTokenDecimals matches the usual ERC-20 precision.
	DefaultTokenDecimals int32 = 18

	maxTokenDecimals int32 = 36

	// weightPrecision is only used for the informational Weight field.
	weightPrecision int32 = 18
)

// Plan is the calculator output for one run.
type Plan struct {
	Allocations []model.Allocation
	// Pool is the amount actually allocated; less than the epoch pool when capped.
	Pool   decimal.Decimal
	Capped bool
}

// Total returns the sum of all allocated amounts.
func (p Plan) Total() decimal.Decimal { return model.SumAmounts(p.Allocations) }

// Option configures a calculation.
type Option func(*calculator)

// WithTokenDecimals sets the token's minimum unit as a number of decimals.
func WithTokenDecimals(d int32) Option {
	return func(c *calculator) { c.decimals = d }
}

// WithAvailableCap scales the plan down to available when the pool exceeds it.
func WithAvailableCap(available decimal.Decimal) Option {
	return func(c *calculator) {
		c.available = available
		c.capped = true
	}
}

type calculator struct {
	decimals  int32
	available decimal.Decimal
	capped    bool
}

// Calculate computes the allocations for ranked, which must already be in
// payout order.
func Calculate(ranked []model.ScannerPerformance, pool, base decimal.Decimal, opts ...Option) (Plan, error) {
	c := calculator{decimals: DefaultTokenDecimals}
	for _, opt := range opts {
		opt(&c)
	}

	switch {
	case c.decimals < 0 || c.decimals > maxTokenDecimals:
		return Plan{}, fmt.Errorf("%w: token decimals %d out of range", model.ErrInvalidEpoch, c.decimals)
	case pool.IsNegative():
		return Plan{}, fmt.Errorf("%w: negative pool %s", model.ErrInvalidEpoch, pool)
	case !base.IsPositive():
		return Plan{}, fmt.Errorf("%w: base allocation %s must be positive", model.ErrInvalidEpoch, base)
	case len(ranked) == 0:
		return Plan{}, model.ErrNoParticipants
	}

	effective := pool.Truncate(c.decimals)
	plan := Plan{}
	if c.capped {
		avail := c.available.Truncate(c.decimals)
		if avail.IsNegative() {
			avail = decimal.Zero
		}
		if avail.LessThan(effective) {
			effective = avail
			plan.Capped = true
		}
	}
	plan.Pool = effective

	weights := make([]*big.Rat, len(ranked))
	sum := new(big.Rat)
	baseRat := base.Rat()
	for i := range ranked {
		weights[i] = new(big.Rat).Quo(baseRat, new(big.Rat).SetInt64(int64(i+1)))
		sum.Add(sum, weights[i])
	}

	poolRat := effective.Rat()
	allocated := decimal.Zero
	plan.Allocations = make([]model.Allocation, len(ranked))
	for i, p := range ranked {
		share := new(big.Rat).Mul(poolRat, weights[i])
		share.Quo(share, sum)
		amount := floorRat(share, c.decimals)
		allocated = allocated.Add(amount)

		plan.Allocations[i] = model.Allocation{
			Rank:          i + 1,
			AgentID:       p.AgentID,
			DisplayName:   p.DisplayName,
			WalletAddress: p.WalletAddress,
			Amount:        amount,
			Weight:        base.DivRound(decimal.NewFromInt(int64(i+1)), weightPrecision),
			WinRate:       p.WinRate,
			TotalCalls:    p.TotalCalls,
			Conviction:    p.Conviction,
		}
	}

	if residual := effective.Sub(allocated); residual.IsPositive() {
		plan.Allocations[0].Amount = plan.Allocations[0].Amount.Add(residual)
	}
	return plan, nil
}

// floorRat truncates a non-negative rational to the given number of decimals.
func floorRat(r *big.Rat, decimals int32) decimal.Decimal {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	num := new(big.Int).Mul(r.Num(), scale)
	num.Quo(num, r.Denom())
	return decimal.NewFromBigInt(num, -decimals)
}

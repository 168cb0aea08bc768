// Package treasury tracks the treasury account's balance against in-flight
// distribution batches and gatekeeps new batches on available funds.
package treasury

import (
	"context"
	"fmt"
	"sync"

	"github.com/okian/scanreward/internal/domain/model"
	"github.com/okian/scanreward/pkg/logger"
	"github.com/okian/scanreward/pkg/metrics"
	"github.com/shopspring/decimal"
)

// BalanceProvider reports the on-chain token balance of an account.
type BalanceProvider interface {
	BalanceOf(ctx context.Context, account string) (decimal.Decimal, error)
}

// DistributionTotaler reports the amount ever paid out successfully.
type DistributionTotaler interface {
	DistributedTotal(ctx context.Context) (decimal.Decimal, error)
}

// Option applies a configuration option to the Ledger.
type Option func(*Ledger)

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(t *Ledger) {
		if l != nil {
			t.logger = l
		}
	}
}

// Ledger is safe for concurrent use.
type Ledger struct {
	account  string
	balances BalanceProvider
	history  DistributionTotaler
	logger   logger.Logger

	mu        sync.Mutex
	allocated decimal.Decimal
	nextID    uint64
	open      map[uint64]decimal.Decimal
}

// NewLedger creates a Ledger for account.
func NewLedger(account string, balances BalanceProvider, history DistributionTotaler, opts ...Option) *Ledger {
	l := &Ledger{
		account:   account,
		balances:  balances,
		history:   history,
		logger:    logger.Get().Named("treasury"),
		allocated: decimal.Zero,
		open:      make(map[uint64]decimal.Decimal),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Account returns the treasury account address.
func (l *Ledger) Account() string { return l.account }

// Status returns a fresh view of the treasury.
func (l *Ledger) Status(ctx context.Context) (model.TreasuryStatus, error) {
	total, err := l.balances.BalanceOf(ctx, l.account)
	if err != nil {
		return model.TreasuryStatus{}, fmt.Errorf("treasury balance: %w", err)
	}
	distributed := decimal.Zero
	if l.history != nil {
		if distributed, err = l.history.DistributedTotal(ctx); err != nil {
			return model.TreasuryStatus{}, fmt.Errorf("distributed total: %w", err)
		}
	}

	l.mu.Lock()
	allocated := l.allocated
	l.mu.Unlock()

	st := model.TreasuryStatus{
		Account:     l.account,
		Total:       total,
		Allocated:   allocated,
		Distributed: distributed,
		Available:   total.Sub(allocated),
	}
	metrics.UpdateTreasury(total.InexactFloat64(), allocated.InexactFloat64(), distributed.InexactFloat64())
	return st, nil
}

// Available returns total balance minus open reservations.
func (l *Ledger) Available(ctx context.Context) (decimal.Decimal, error) {
	total, err := l.balances.BalanceOf(ctx, l.account)
	if err != nil {
		return decimal.Zero, fmt.Errorf("treasury balance: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return total.Sub(l.allocated), nil
}

// Reserve earmarks amount for a batch. It is all or nothing: when the
// available balance is short, ErrInsufficientFunds is returned and nothing
// is reserved.
func (l *Ledger) Reserve(ctx context.Context, amount decimal.Decimal) (*Reservation, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("reserve negative amount %s", amount)
	}
	total, err := l.balances.BalanceOf(ctx, l.account)
	if err != nil {
		return nil, fmt.Errorf("treasury balance: %w", err)
	}

	l.mu.Lock()
	available := total.Sub(l.allocated)
	if available.LessThan(amount) {
		l.mu.Unlock()
		l.logger.Warn(ctx, "reservation refused",
			logger.String("requested", amount.String()),
			logger.String("available", available.String()),
		)
		return nil, fmt.Errorf("%w: need %s, available %s", model.ErrInsufficientFunds, amount, available)
	}
	l.nextID++
	id := l.nextID
	l.open[id] = amount
	l.allocated = l.allocated.Add(amount)
	allocated := l.allocated
	l.mu.Unlock()

	metrics.UpdateTreasuryAllocated(allocated.InexactFloat64())
	l.logger.Debug(ctx, "reserved", logger.String("amount", amount.String()), logger.String("allocated", allocated.String()))
	return &Reservation{ledger: l, id: id, Amount: amount}, nil
}

func (l *Ledger) release(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	amount, ok := l.open[id]
	if !ok {
		return
	}
	delete(l.open, id)
	l.allocated = l.allocated.Sub(amount)
	metrics.UpdateTreasuryAllocated(l.allocated.InexactFloat64())
}

func (l *Ledger) settle(id uint64, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	open, ok := l.open[id]
	if !ok || !amount.IsPositive() {
		return
	}
	amount = decimal.Min(amount, open)
	l.open[id] = open.Sub(amount)
	l.allocated = l.allocated.Sub(amount)
	metrics.UpdateTreasuryAllocated(l.allocated.InexactFloat64())
}

// Reservation is an open earmark on the treasury.
type Reservation struct {
	ledger *Ledger
	id     uint64
	once   sync.Once
	Amount decimal.Decimal
}

// Settle marks amount of the reservation as paid. A transfer the node has
// accepted already shows in the account balance, so it stops counting as
// allocated. Settling more than is still open settles the remainder.
func (r *Reservation) Settle(amount decimal.Decimal) {
	if r == nil {
		return
	}
	r.ledger.settle(r.id, amount)
}

// Release returns the unsettled rest of the reservation. Calling it more
// than once is a no-op.
func (r *Reservation) Release() {
	if r == nil {
		return
	}
	r.once.Do(func() { r.ledger.release(r.id) })
}

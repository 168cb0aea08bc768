package chain

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/okian/scanreward/internal/domain/model"
	"github.com/shopspring/decimal"
)

// Simulated is an in-memory token ledger used when no RPC endpoint is
// configured. Transfers move balance from the treasury and return a
// deterministic pseudo hash.
type Simulated struct {
	mu       sync.Mutex
	treasury string
	balances map[string]decimal.Decimal
	sent     uint64
}

// NewSimulated creates a ledger with treasury funded by balance.
func NewSimulated(treasury string, balance decimal.Decimal) *Simulated {
	return &Simulated{
		treasury: treasury,
		balances: map[string]decimal.Decimal{treasury: balance},
	}
}

// Fund sets account's balance.
func (s *Simulated) Fund(account string, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[account] = amount
}

// BalanceOf implements the balance provider.
func (s *Simulated) BalanceOf(_ context.Context, account string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[account], nil
}

// Transfer implements the transfer provider. Sends never fail in flight,
// so the payment key is not needed.
func (s *Simulated) Transfer(_ context.Context, _, to string, amount decimal.Decimal) (string, error) {
	if !common.IsHexAddress(to) {
		return "", fmt.Errorf("%w: invalid recipient address %q", model.ErrPermanent, to)
	}
	if !amount.IsPositive() {
		return "", fmt.Errorf("%w: amount %s must be positive", model.ErrPermanent, amount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.balances[s.treasury].LessThan(amount) {
		return "", fmt.Errorf("%w: transfer amount exceeds balance", model.ErrPermanent)
	}
	s.balances[s.treasury] = s.balances[s.treasury].Sub(amount)
	s.balances[to] = s.balances[to].Add(amount)
	s.sent++
	hash := crypto.Keccak256Hash([]byte(fmt.Sprintf("%s|%s|%s|%d", s.treasury, to, amount, s.sent)))
	return hash.Hex(), nil
}

// Sent returns the number of successful transfers.
func (s *Simulated) Sent() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

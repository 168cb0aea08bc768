package model

import "github.com/shopspring/decimal"

// Allocation is a computed payout for one ranked agent. It only lives for
// the duration of a run; the persisted record is the TransferResult.
type Allocation struct {
	Rank          int             `json:"rank"`
	AgentID       string          `json:"agent_id"`
	DisplayName   string          `json:"display_name"`
	WalletAddress string          `json:"wallet_address"`
	Amount        decimal.Decimal `json:"amount"`
	Weight        decimal.Decimal `json:"weight"`
	WinRate       float64         `json:"win_rate"`
	TotalCalls    int64           `json:"total_calls"`
	Conviction    float64         `json:"conviction"`
}

// SumAmounts returns the total of all allocation amounts.
func SumAmounts(allocs []Allocation) decimal.Decimal {
	total := decimal.Zero
	for _, a := range allocs {
		total = total.Add(a.Amount)
	}
	return total
}

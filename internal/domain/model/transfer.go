package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransferStatus is the outcome of one attempted payment.
type TransferStatus string

// Transfer outcomes.
const (
	TransferSuccess TransferStatus = "SUCCESS"
	TransferFailed  TransferStatus = "FAILED"
	TransferSkipped TransferStatus = "SKIPPED"
)

// Skip reasons recorded on SKIPPED results.
const (
	SkipAlreadyPaid     = "already paid in an earlier run"
	SkipDeadlineReached = "run deadline reached before attempt"
	SkipZeroAmount      = "zero amount"
)

// TransferResult is the persisted outcome of one allocation within a run.
// TxReference is set iff SUCCESS, Error iff FAILED, SkipReason iff SKIPPED.
type TransferResult struct {
	EpochID       string          `json:"epoch_id"`
	RunID         string          `json:"run_id"`
	AgentID       string          `json:"agent_id"`
	WalletAddress string          `json:"wallet_address"`
	Rank          int             `json:"rank"`
	Amount        decimal.Decimal `json:"amount"`
	Status        TransferStatus  `json:"status"`
	TxReference   string          `json:"tx_reference,omitempty"`
	Error         string          `json:"error,omitempty"`
	SkipReason    string          `json:"skip_reason,omitempty"`
	Attempts      int             `json:"attempts"`
	CompletedAt   time.Time       `json:"completed_at"`
}

// PaymentKey identifies the payment this result records. It is the same for
// every run of the epoch, so a resumed or retried payment keeps its key.
func (t *TransferResult) PaymentKey() string {
	return t.EpochID + "/" + t.AgentID
}

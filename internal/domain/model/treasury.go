package model

import "github.com/shopspring/decimal"

// TreasuryStatus is a derived view of the treasury account.
type TreasuryStatus struct {
	Account     string          `json:"account"`
	Total       decimal.Decimal `json:"total"`
	Allocated   decimal.Decimal `json:"allocated"`
	Distributed decimal.Decimal `json:"distributed"`
	Available   decimal.Decimal `json:"available"`
}

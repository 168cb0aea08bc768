package model

import (
	"fmt"
	"math"
	"strings"
)

// ScannerPerformance is one agent's scored activity within an epoch, as
// reported by the performance pipeline. All numeric fields are required;
// adapters decide how missing source values map onto them.
type ScannerPerformance struct {
	AgentID       string  `json:"agent_id"`
	DisplayName   string  `json:"display_name"`
	WalletAddress string  `json:"wallet_address"`
	TotalCalls    int64   `json:"total_calls"`
	WinRate       float64 `json:"win_rate"`
	// Conviction is a secondary quality signal; carried through to the
	// allocation for auditing, not used for ordering.
	Conviction float64 `json:"conviction"`
}

// Validate rejects records that cannot be ranked.
func (p *ScannerPerformance) Validate() error {
	switch {
	case strings.TrimSpace(p.AgentID) == "":
		return fmt.Errorf("%w: missing agent id", ErrInvalidPerformance)
	case math.IsNaN(p.WinRate) || p.WinRate < 0 || p.WinRate > 1:
		return fmt.Errorf("%w: agent %s win rate %v outside [0,1]", ErrInvalidPerformance, p.AgentID, p.WinRate)
	case p.TotalCalls < 0:
		return fmt.Errorf("%w: agent %s negative call count", ErrInvalidPerformance, p.AgentID)
	case math.IsNaN(p.Conviction) || math.IsInf(p.Conviction, 0):
		return fmt.Errorf("%w: agent %s conviction not finite", ErrInvalidPerformance, p.AgentID)
	}
	return nil
}

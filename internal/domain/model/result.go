package model

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// RunStatus is the state of a distribution run.
type RunStatus string

// Run states. COMPLETED, COMPLETED_WITH_FAILURES and ABORTED are terminal.
const (
	RunNotStarted            RunStatus = "NOT_STARTED"
	RunInProgress            RunStatus = "IN_PROGRESS"
	RunCompleted             RunStatus = "COMPLETED"
	RunCompletedWithFailures RunStatus = "COMPLETED_WITH_FAILURES"
	RunAborted               RunStatus = "ABORTED"
)

// AbortReason qualifies an ABORTED run.
type AbortReason string

// Abort reasons.
const (
	AbortNone              AbortReason = ""
	AbortInsufficientFunds AbortReason = "INSUFFICIENT_FUNDS"
	AbortNoParticipants    AbortReason = "NO_PARTICIPANTS"
	AbortConflict          AbortReason = "CONFLICT"
	AbortTimeout           AbortReason = "TIMEOUT"
)

// RunKind distinguishes the initial payout from operator retries.
type RunKind string

// Run kinds.
const (
	RunDistribute  RunKind = "DISTRIBUTE"
	RunRetryFailed RunKind = "RETRY_FAILED"
)

// DistributionResult is the structured outcome of a run, and the shape of
// the audit history for an epoch.
type DistributionResult struct {
	RunID       string           `json:"run_id"`
	EpochID     string           `json:"epoch_id"`
	Kind        RunKind          `json:"kind"`
	Status      RunStatus        `json:"status"`
	AbortReason AbortReason      `json:"abort_reason,omitempty"`
	Capped      bool             `json:"capped"`
	// Discarded marks a run that lost the markDistributed race.
	Discarded  bool             `json:"discarded"`
	Pool       decimal.Decimal  `json:"pool"`
	Allocated  decimal.Decimal  `json:"allocated"`
	Results    []TransferResult `json:"results"`
	Succeeded  int              `json:"succeeded"`
	Failed     int              `json:"failed"`
	Skipped    int              `json:"skipped"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
}

// Attempted reports whether the run reached the transfer phase.
func (r *DistributionResult) Attempted() bool {
	switch r.AbortReason {
	case AbortInsufficientFunds, AbortNoParticipants:
		return false
	}
	return r.Status != RunNotStarted
}

// Tally recomputes the aggregate counts from Results.
func (r *DistributionResult) Tally() {
	r.Succeeded, r.Failed, r.Skipped = 0, 0, 0
	for _, tr := range r.Results {
		switch tr.Status {
		case TransferSuccess:
			r.Succeeded++
		case TransferFailed:
			r.Failed++
		case TransferSkipped:
			r.Skipped++
		}
	}
}

// Complete sets the terminal status of a run that was not aborted.
func (r *DistributionResult) Complete() {
	r.Tally()
	r.AbortReason = AbortNone
	if r.Failed > 0 {
		r.Status = RunCompletedWithFailures
		return
	}
	r.Status = RunCompleted
}

// Abort marks the run aborted for reason.
func (r *DistributionResult) Abort(reason AbortReason) {
	r.Tally()
	r.Status = RunAborted
	r.AbortReason = reason
}

// SortResults orders results by rank, then agent id.
func (r *DistributionResult) SortResults() {
	sort.SliceStable(r.Results, func(i, j int) bool {
		if r.Results[i].Rank != r.Results[j].Rank {
			return r.Results[i].Rank < r.Results[j].Rank
		}
		return r.Results[i].AgentID < r.Results[j].AgentID
	})
}

// Consolidate folds the runs of one epoch (ordered oldest first) into a
// single audit view. Discarded runs are ignored. Per recipient, a SUCCESS
// from any run wins; otherwise the most recent outcome is kept. ok is false
// when no run counts.
func Consolidate(runs []DistributionResult) (DistributionResult, bool) {
	var kept []DistributionResult
	for _, run := range runs {
		if !run.Discarded {
			kept = append(kept, run)
		}
	}
	if len(kept) == 0 {
		return DistributionResult{}, false
	}

	first, last := kept[0], kept[len(kept)-1]
	out := DistributionResult{
		RunID:      last.RunID,
		EpochID:    last.EpochID,
		Kind:       last.Kind,
		Capped:     first.Capped,
		Pool:       first.Pool,
		Allocated:  first.Allocated,
		StartedAt:  first.StartedAt,
		FinishedAt: last.FinishedAt,
	}

	byAgent := make(map[string]TransferResult)
	for _, run := range kept {
		for _, tr := range run.Results {
			prev, seen := byAgent[tr.AgentID]
			if seen && prev.Status == TransferSuccess {
				continue
			}
			if seen && tr.Status == TransferSkipped && tr.SkipReason == SkipAlreadyPaid {
				continue
			}
			byAgent[tr.AgentID] = tr
		}
	}
	out.Results = make([]TransferResult, 0, len(byAgent))
	for _, tr := range byAgent {
		out.Results = append(out.Results, tr)
	}
	out.SortResults()

	if last.Status == RunAborted {
		out.Abort(last.AbortReason)
		return out, true
	}
	out.Complete()
	return out, true
}

// PaidAgents returns every agent with a SUCCESS in any of runs and the total
// paid to them. Discarded runs count: their transfers still moved tokens.
func PaidAgents(runs []DistributionResult) (map[string]bool, decimal.Decimal) {
	paid := make(map[string]bool)
	total := decimal.Zero
	for i := range runs {
		for _, tr := range runs[i].Results {
			if tr.Status == TransferSuccess && !paid[tr.AgentID] {
				paid[tr.AgentID] = true
				total = total.Add(tr.Amount)
			}
		}
	}
	return paid, total
}

package model

import "errors"

// Sentinel error kinds shared by the distribution pipeline. Callers match
// them with errors.Is; producers wrap them with context.
var (
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("epoch already distributed")
	ErrNoParticipants     = errors.New("no participants")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrTransient          = errors.New("transient transfer error")
	ErrPermanent          = errors.New("permanent transfer error")
	ErrTimeout            = errors.New("distribution run timed out")
	ErrEpochNotClosed     = errors.New("epoch not closed")
	ErrNotDistributed     = errors.New("epoch not distributed")
	ErrInvalidEpoch       = errors.New("invalid epoch")
	ErrInvalidPerformance = errors.New("invalid scanner performance")
	ErrInvalidTransition  = errors.New("invalid epoch status transition")
)

package domain

import "errors"

var (
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrNoEligibleRequisite    = errors.New("no eligible requisite")
	ErrNoEligibleTrader       = errors.New("no eligible trader")
	ErrExtractionFailed       = errors.New("amount extraction failed")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrAlreadyTerminal        = errors.New("already in terminal state")

	// ErrBalanceInvariant is fatal: a mutation would leave a balance negative.
	ErrBalanceInvariant = errors.New("balance invariant violated")

	ErrNotFound          = errors.New("not found")
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrInvalidRate       = errors.New("rate must be positive")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrRelationDisabled  = errors.New("trader merchant relation disabled")
	ErrConflict          = errors.New("conflicting record exists")
	ErrNotAssigned       = errors.New("payout not held by trader")
)

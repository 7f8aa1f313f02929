package models

import "github.com/pkg/errors"

// Error kinds returned by the ledger, the deal registry and the escrow coordinator.
// Callers classify failures with errors.Is; wrapped messages carry the detail.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrPersistence       = errors.New("persistence failure")
	ErrBusy              = errors.New("store busy, retry")

	// ErrDuplicateIdentifier is retried inside the deal registry and never
	// returned to callers of the escrow coordinator.
	ErrDuplicateIdentifier = errors.New("duplicate identifier")
)

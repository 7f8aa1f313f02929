package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventKind names a notification the UI layer should deliver
type EventKind string

const (
	// EventDealJoined tells the seller a buyer reserved funds
	EventDealJoined EventKind = "deal_joined"
	// EventDealTransferred tells the buyer the seller reported delivery
	EventDealTransferred EventKind = "deal_transferred"
	// EventDealCompleted tells both parties escrow was released
	EventDealCompleted EventKind = "deal_completed"
	// EventBalanceAdjusted tells a user the owner changed their balance
	EventBalanceAdjusted EventKind = "balance_adjusted"
)

// Event is emitted by the escrow coordinator after a transaction commits
type Event struct {
	ID         uuid.UUID
	Kind       EventKind
	DealID     string
	Recipients []int64
	Amount     decimal.Decimal
	OccurredAt time.Time
}

// NewEvent stamps an event with a fresh id and the current time.
func NewEvent(kind EventKind, dealID string, amount decimal.Decimal, recipients ...int64) Event {
	return Event{
		ID:         uuid.New(),
		Kind:       kind,
		DealID:     dealID,
		Recipients: recipients,
		Amount:     amount,
		OccurredAt: time.Now().UTC(),
	}
}

package models

import (
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// DealStatus represents the lifecycle position of a deal
type DealStatus string

const (
	// StatusOpen indicates a deal waiting for a buyer
	StatusOpen DealStatus = "open"
	// StatusInProcess indicates a joined deal whose buyer funds are held in escrow
	StatusInProcess DealStatus = "in_process"
	// StatusTransferred indicates the seller reported the item as delivered
	StatusTransferred DealStatus = "transferred"
	// StatusCompleted indicates the buyer confirmed receipt and escrow was released
	StatusCompleted DealStatus = "completed"
)

// ParseDealStatus converts a stored status into the closed enum.
func ParseDealStatus(s string) (DealStatus, error) {
	switch st := DealStatus(s); st {
	case StatusOpen, StatusInProcess, StatusTransferred, StatusCompleted:
		return st, nil
	}
	return "", errors.Errorf("unknown deal status %q", s)
}

// Next returns the only status a deal may move to from s.
// Completed is terminal and has no successor.
func (s DealStatus) Next() (DealStatus, bool) {
	switch s {
	case StatusOpen:
		return StatusInProcess, true
	case StatusInProcess:
		return StatusTransferred, true
	case StatusTransferred:
		return StatusCompleted, true
	}
	return "", false
}

// HoldsEscrow reports whether a deal in status s carries reserved buyer funds.
func (s DealStatus) HoldsEscrow() bool {
	return s == StatusInProcess || s == StatusTransferred
}

// User is an account in the internal ledger
type User struct {
	ID          int64
	DisplayName string
	Balance     decimal.Decimal
	CreatedAt   time.Time
}

// Deal is one trade agreement between a seller and, once joined, a buyer
type Deal struct {
	ID              string
	ItemType        string
	ItemName        string
	ItemDescription string
	Price           decimal.Decimal
	SellerID        int64
	BuyerID         *int64 // nil until joined
	Status          DealStatus
	EscrowAmount    decimal.Decimal
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// HasBuyer reports whether the deal has been joined.
func (d Deal) HasBuyer() bool {
	return d.BuyerID != nil
}

// IsBuyer reports whether userID joined the deal.
func (d Deal) IsBuyer(userID int64) bool {
	return d.BuyerID != nil && *d.BuyerID == userID
}

// Participants returns the seller followed by the buyer, if any.
func (d Deal) Participants() []int64 {
	if d.BuyerID == nil {
		return []int64{d.SellerID}
	}
	return []int64{d.SellerID, *d.BuyerID}
}

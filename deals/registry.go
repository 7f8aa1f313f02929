// Package deals owns deal records and the lifecycle state machine
// open → in_process → transferred → completed.
package deals

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/slashbinslashnoname/p2p-telegram-escrow/db"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/models"
)

// maxIDAttempts bounds identifier collision retries in Create.
const maxIDAttempts = 32

const dealColumns = "id, item_type, item_name, item_description, price, seller_id, buyer_id, status, escrow_amount, created_at, updated_at"

// Registry reads and transitions deals through q.
type Registry struct {
	q   db.Querier
	ids IDGenerator
	now func() time.Time
}

// NewRegistry returns a registry allocating identifiers from ids.
func NewRegistry(q db.Querier, ids IDGenerator) *Registry {
	return &Registry{q: q, ids: ids, now: func() time.Time { return time.Now().UTC() }}
}

// Create stores a new open deal with zero escrow under a fresh identifier.
func (r *Registry) Create(ctx context.Context, sellerID int64, itemType, itemName, itemDescription string, price decimal.Decimal) (models.Deal, error) {
	if err := models.CheckPositive(price); err != nil {
		return models.Deal{}, err
	}

	now := r.now()
	deal := models.Deal{
		ItemType:        strings.TrimSpace(itemType),
		ItemName:        strings.TrimSpace(itemName),
		ItemDescription: strings.TrimSpace(itemDescription),
		Price:           models.RoundAmount(price),
		SellerID:        sellerID,
		Status:          models.StatusOpen,
		EscrowAmount:    decimal.Zero,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		deal.ID = r.ids.Next()
		err := r.insert(ctx, deal)
		if err == nil {
			return deal, nil
		}
		if !errors.Is(err, models.ErrDuplicateIdentifier) {
			return models.Deal{}, err
		}
	}
	return models.Deal{}, errors.Wrapf(models.ErrPersistence, "no free deal identifier after %d attempts", maxIDAttempts)
}

func (r *Registry) insert(ctx context.Context, d models.Deal) error {
	_, err := r.q.ExecContext(ctx,
		"INSERT INTO deals ("+dealColumns+") VALUES (?, ?, ?, ?, ?, ?, NULL, ?, ?, ?, ?)",
		d.ID, d.ItemType, d.ItemName, d.ItemDescription, d.Price, d.SellerID, string(d.Status), d.EscrowAmount, d.CreatedAt, d.UpdatedAt,
	)
	if db.IsUniqueViolation(err) {
		return errors.Wrapf(models.ErrDuplicateIdentifier, "deal %s", d.ID)
	}
	return db.Fail(err, "create deal %s", d.ID)
}

// Find returns the deal with the given id.
func (r *Registry) Find(ctx context.Context, id string) (models.Deal, error) {
	row := r.q.QueryRowContext(ctx, "SELECT "+dealColumns+" FROM deals WHERE id = ?", id)
	d, err := scanDeal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Deal{}, errors.Wrapf(models.ErrNotFound, "deal %s", id)
	}
	if err != nil {
		return models.Deal{}, db.Fail(err, "read deal %s", id)
	}
	return d, nil
}

// FindActiveByParticipant returns the most recent deal in status where userID
// is the seller or the buyer.
func (r *Registry) FindActiveByParticipant(ctx context.Context, userID int64, status models.DealStatus) (models.Deal, error) {
	row := r.q.QueryRowContext(ctx,
		"SELECT "+dealColumns+" FROM deals WHERE status = ? AND (seller_id = ? OR buyer_id = ?) ORDER BY created_at DESC, id LIMIT 1",
		string(status), userID, userID,
	)
	d, err := scanDeal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Deal{}, errors.Wrapf(models.ErrNotFound, "no %s deal for user %d", status, userID)
	}
	if err != nil {
		return models.Deal{}, db.Fail(err, "find %s deal for user %d", status, userID)
	}
	return d, nil
}

// ListByParticipant returns up to limit deals of userID, newest first.
func (r *Registry) ListByParticipant(ctx context.Context, userID int64, limit int) ([]models.Deal, error) {
	return r.list(ctx,
		"SELECT "+dealColumns+" FROM deals WHERE seller_id = ? OR buyer_id = ? ORDER BY created_at DESC, id LIMIT ?",
		userID, userID, clampLimit(limit),
	)
}

// ListOpen returns up to limit joinable deals, newest first.
func (r *Registry) ListOpen(ctx context.Context, limit int) ([]models.Deal, error) {
	return r.list(ctx,
		"SELECT "+dealColumns+" FROM deals WHERE status = ? ORDER BY created_at DESC, id LIMIT ?",
		string(models.StatusOpen), clampLimit(limit),
	)
}

// EscrowTotal sums the escrow currently held across all deals.
func (r *Registry) EscrowTotal(ctx context.Context) (decimal.Decimal, error) {
	rows, err := r.q.QueryContext(ctx, "SELECT escrow_amount FROM deals WHERE status IN (?, ?)",
		string(models.StatusInProcess), string(models.StatusTransferred))
	if err != nil {
		return decimal.Zero, db.Fail(err, "sum escrow")
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var amt decimal.Decimal
		if err := rows.Scan(&amt); err != nil {
			return decimal.Zero, db.Fail(err, "scan escrow")
		}
		total = total.Add(amt)
	}
	return total, db.Fail(rows.Err(), "sum escrow")
}

// MarkJoined attaches buyerID to an open deal and moves it to in_process,
// recording the price as held escrow. The caller reserves the funds.
func (r *Registry) MarkJoined(ctx context.Context, id string, buyerID int64) (models.Deal, error) {
	d, err := r.Find(ctx, id)
	if err != nil {
		return models.Deal{}, err
	}
	if d.Status != models.StatusOpen {
		return models.Deal{}, errors.Wrapf(models.ErrInvalidTransition, "deal %s is not open (%s)", id, d.Status)
	}
	if buyerID == d.SellerID {
		return models.Deal{}, errors.Wrapf(models.ErrUnauthorized, "user %d cannot join own deal %s", buyerID, id)
	}

	now := r.now()
	res, err := r.q.ExecContext(ctx,
		"UPDATE deals SET buyer_id = ?, status = ?, escrow_amount = price, updated_at = ? WHERE id = ? AND status = ? AND buyer_id IS NULL",
		buyerID, string(models.StatusInProcess), now, id, string(models.StatusOpen),
	)
	if err := guarded(res, err, id, models.StatusOpen); err != nil {
		return models.Deal{}, err
	}

	d.BuyerID = &buyerID
	d.Status = models.StatusInProcess
	d.EscrowAmount = d.Price
	d.UpdatedAt = now
	return d, nil
}

// MarkTransferred records the seller's delivery of an in_process deal.
func (r *Registry) MarkTransferred(ctx context.Context, id string, actorID int64) (models.Deal, error) {
	d, err := r.Find(ctx, id)
	if err != nil {
		return models.Deal{}, err
	}
	if actorID != d.SellerID {
		return models.Deal{}, errors.Wrapf(models.ErrUnauthorized, "user %d is not the seller of deal %s", actorID, id)
	}
	return r.advance(ctx, d, models.StatusInProcess, d.EscrowAmount)
}

// MarkCompleted closes a transferred deal on the buyer's confirmation and
// returns the escrow that was held, for the caller to release to the seller.
func (r *Registry) MarkCompleted(ctx context.Context, id string, actorID int64) (models.Deal, decimal.Decimal, error) {
	d, err := r.Find(ctx, id)
	if err != nil {
		return models.Deal{}, decimal.Zero, err
	}
	if !d.IsBuyer(actorID) {
		return models.Deal{}, decimal.Zero, errors.Wrapf(models.ErrUnauthorized, "user %d is not the buyer of deal %s", actorID, id)
	}

	held := d.EscrowAmount
	d, err = r.advance(ctx, d, models.StatusTransferred, decimal.Zero)
	if err != nil {
		return models.Deal{}, decimal.Zero, err
	}
	return d, held, nil
}

// advance moves d from the required status to its successor.
func (r *Registry) advance(ctx context.Context, d models.Deal, from models.DealStatus, escrow decimal.Decimal) (models.Deal, error) {
	if d.Status != from {
		return models.Deal{}, errors.Wrapf(models.ErrInvalidTransition, "deal %s is %s, expected %s", d.ID, d.Status, from)
	}
	to, _ := from.Next()

	now := r.now()
	res, err := r.q.ExecContext(ctx,
		"UPDATE deals SET status = ?, escrow_amount = ?, updated_at = ? WHERE id = ? AND status = ?",
		string(to), escrow, now, d.ID, string(from),
	)
	if err := guarded(res, err, d.ID, from); err != nil {
		return models.Deal{}, err
	}

	d.Status = to
	d.EscrowAmount = escrow
	d.UpdatedAt = now
	return d, nil
}

// guarded turns a status-conditioned UPDATE that matched nothing into ErrInvalidTransition.
func guarded(res sql.Result, err error, id string, from models.DealStatus) error {
	if err != nil {
		return db.Fail(err, "update deal %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return db.Fail(err, "update deal %s", id)
	}
	if n == 0 {
		return errors.Wrapf(models.ErrInvalidTransition, "deal %s left %s concurrently", id, from)
	}
	return nil
}

func (r *Registry) list(ctx context.Context, query string, args ...interface{}) ([]models.Deal, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, db.Fail(err, "list deals")
	}
	defer rows.Close()

	var out []models.Deal
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, db.Fail(err, "scan deal")
		}
		out = append(out, d)
	}
	return out, db.Fail(rows.Err(), "list deals")
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDeal(s scanner) (models.Deal, error) {
	var (
		d      models.Deal
		buyer  sql.NullInt64
		status string
	)
	err := s.Scan(&d.ID, &d.ItemType, &d.ItemName, &d.ItemDescription, &d.Price, &d.SellerID,
		&buyer, &status, &d.EscrowAmount, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return models.Deal{}, err
	}
	if d.Status, err = models.ParseDealStatus(status); err != nil {
		return models.Deal{}, err
	}
	if buyer.Valid {
		id := buyer.Int64
		d.BuyerID = &id
	}
	return d, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 20
	case limit > 100:
		return 100
	}
	return limit
}

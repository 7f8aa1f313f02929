// Package ledger owns per-user balances.
//
// A Ledger is bound to a db.Querier. Mutations are compare-and-swap updates on
// the stored balance, so they are safe on their own, but callers composing
// several of them into one business operation run them on the transaction
// handed out by db.Database.Atomically.
package ledger

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/slashbinslashnoname/p2p-telegram-escrow/db"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/models"
)

// Ledger reads and mutates balances through q.
type Ledger struct {
	q   db.Querier
	now func() time.Time
}

// New returns a ledger working through q.
func New(q db.Querier) *Ledger {
	return &Ledger{q: q, now: func() time.Time { return time.Now().UTC() }}
}

// Balance returns the balance of userID, or zero for an unknown user.
// Unknown users are not materialized.
func (l *Ledger) Balance(ctx context.Context, userID int64) (decimal.Decimal, error) {
	bal, found, err := l.balance(ctx, userID)
	if err != nil || !found {
		return decimal.Zero, err
	}
	return bal, nil
}

// User returns the stored account of userID.
func (l *Ledger) User(ctx context.Context, userID int64) (models.User, error) {
	var u models.User
	err := l.q.QueryRowContext(ctx,
		"SELECT user_id, display_name, balance, created_at FROM users WHERE user_id = ?",
		userID,
	).Scan(&u.ID, &u.DisplayName, &u.Balance, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, errors.Wrapf(models.ErrNotFound, "user %d", userID)
	}
	if err != nil {
		return models.User{}, db.Fail(err, "read user %d", userID)
	}
	return u, nil
}

// EnsureAccount creates a zero-balance account if absent. A non-empty
// displayName replaces the stored one.
func (l *Ledger) EnsureAccount(ctx context.Context, userID int64, displayName string) error {
	now := l.now()
	var err error
	if displayName == "" {
		_, err = l.q.ExecContext(ctx,
			"INSERT OR IGNORE INTO users (user_id, display_name, balance, created_at, updated_at) VALUES (?, '', '0', ?, ?)",
			userID, now, now,
		)
	} else {
		_, err = l.q.ExecContext(ctx, `
			INSERT INTO users (user_id, display_name, balance, created_at, updated_at) VALUES (?, ?, '0', ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET display_name = excluded.display_name, updated_at = excluded.updated_at`,
			userID, displayName, now, now,
		)
	}
	return db.Fail(err, "ensure account %d", userID)
}

// Reserve debits amount from userID iff the balance covers it.
func (l *Ledger) Reserve(ctx context.Context, userID int64, amount decimal.Decimal) error {
	if err := models.CheckPositive(amount); err != nil {
		return err
	}
	amount = models.RoundAmount(amount)

	bal, found, err := l.balance(ctx, userID)
	if err != nil {
		return err
	}
	if !found || bal.LessThan(amount) {
		return errors.Wrapf(models.ErrInsufficientFunds, "user %d has %s, needs %s", userID, bal, amount)
	}
	return l.swap(ctx, userID, bal, bal.Sub(amount))
}

// Credit adds amount to userID, creating the account if needed.
func (l *Ledger) Credit(ctx context.Context, userID int64, amount decimal.Decimal) error {
	if err := models.CheckPositive(amount); err != nil {
		return err
	}
	_, err := l.add(ctx, userID, models.RoundAmount(amount))
	return err
}

// Adjust adds a signed delta to userID and returns the new balance. The
// result may be negative: this is the owner's administrative override.
func (l *Ledger) Adjust(ctx context.Context, userID int64, delta decimal.Decimal) (decimal.Decimal, error) {
	delta = models.RoundAmount(delta)
	if delta.IsZero() {
		return decimal.Zero, errors.Wrap(models.ErrInvalidAmount, "adjustment must not be zero")
	}
	return l.add(ctx, userID, delta)
}

// Total sums every balance in the ledger.
func (l *Ledger) Total(ctx context.Context) (decimal.Decimal, error) {
	rows, err := l.q.QueryContext(ctx, "SELECT balance FROM users")
	if err != nil {
		return decimal.Zero, db.Fail(err, "sum balances")
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var bal decimal.Decimal
		if err := rows.Scan(&bal); err != nil {
			return decimal.Zero, db.Fail(err, "scan balance")
		}
		total = total.Add(bal)
	}
	return total, db.Fail(rows.Err(), "sum balances")
}

func (l *Ledger) add(ctx context.Context, userID int64, delta decimal.Decimal) (decimal.Decimal, error) {
	bal, found, err := l.balance(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	if !found {
		now := l.now()
		_, err := l.q.ExecContext(ctx,
			"INSERT INTO users (user_id, display_name, balance, created_at, updated_at) VALUES (?, '', ?, ?, ?)",
			userID, delta, now, now,
		)
		if err != nil {
			return decimal.Zero, db.Fail(err, "create account %d", userID)
		}
		return delta, nil
	}

	next := bal.Add(delta)
	if err := l.swap(ctx, userID, bal, next); err != nil {
		return decimal.Zero, err
	}
	return next, nil
}

func (l *Ledger) balance(ctx context.Context, userID int64) (decimal.Decimal, bool, error) {
	var bal decimal.Decimal
	err := l.q.QueryRowContext(ctx, "SELECT balance FROM users WHERE user_id = ?", userID).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, db.Fail(err, "read balance of user %d", userID)
	}
	return bal, true, nil
}

// swap writes next only if the stored balance is still prev.
func (l *Ledger) swap(ctx context.Context, userID int64, prev, next decimal.Decimal) error {
	res, err := l.q.ExecContext(ctx,
		"UPDATE users SET balance = ?, updated_at = ? WHERE user_id = ? AND balance = ?",
		models.RoundAmount(next), l.now(), userID, prev,
	)
	if err != nil {
		return db.Fail(err, "update balance of user %d", userID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return db.Fail(err, "update balance of user %d", userID)
	}
	if n == 0 {
		return errors.Wrapf(models.ErrBusy, "balance of user %d changed concurrently", userID)
	}
	return nil
}

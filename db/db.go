package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/slashbinslashnoname/p2p-telegram-escrow/models"
)

// DefaultLockTimeout bounds how long an operation waits for the writer.
const DefaultLockTimeout = 5 * time.Second

// Querier is the subset of *sql.DB, *sql.Conn and *sql.Tx used by the ledger and the registry.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Database wraps the SQL database connection holding users and deals.
// It is the single serialization point: one connection, one transaction at a time.
type Database struct {
	db          *sql.DB
	lockTimeout time.Duration
}

// NewDatabase initializes the database connection and schema
func NewDatabase(dbPath string, lockTimeout time.Duration) (*Database, error) {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}

	dsn := fmt.Sprintf(
		"file:%s?_journal_mode=WAL&_synchronous=FULL&_foreign_keys=on&_busy_timeout=%d&_txlock=immediate",
		dbPath, lockTimeout.Milliseconds(),
	)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// Initialize database schema
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			user_id INTEGER PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			balance TEXT NOT NULL DEFAULT '0',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);
		CREATE TABLE IF NOT EXISTS deals (
			id TEXT PRIMARY KEY,
			item_type TEXT NOT NULL,
			item_name TEXT NOT NULL,
			item_description TEXT NOT NULL,
			price TEXT NOT NULL,
			seller_id INTEGER NOT NULL,
			buyer_id INTEGER,
			status TEXT NOT NULL,
			escrow_amount TEXT NOT NULL DEFAULT '0',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			FOREIGN KEY(seller_id) REFERENCES users(user_id),
			FOREIGN KEY(buyer_id) REFERENCES users(user_id)
		);
		CREATE INDEX IF NOT EXISTS deals_seller_status ON deals(seller_id, status);
		CREATE INDEX IF NOT EXISTS deals_buyer_status ON deals(buyer_id, status);
	`)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create schema")
	}

	return &Database{db: db, lockTimeout: lockTimeout}, nil
}

// Atomically runs fn inside one transaction. It waits at most the lock timeout
// for the writer; once the transaction has begun, cancelling ctx no longer
// aborts it. Any error from fn rolls back every statement fn issued.
func (d *Database) Atomically(ctx context.Context, fn func(q Querier) error) error {
	conn, err := d.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	txCtx := context.WithoutCancel(ctx)
	tx, err := conn.BeginTx(txCtx, nil)
	if err != nil {
		return Fail(err, "begin transaction")
	}

	if err := fn(detachedTx{tx: tx, ctx: txCtx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Wrapf(err, "rollback failed: %v", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return Fail(err, "commit transaction")
	}
	return nil
}

// Read runs fn against the latest committed state without opening a write transaction.
func (d *Database) Read(ctx context.Context, fn func(q Querier) error) error {
	conn, err := d.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	return fn(conn)
}

// detachedTx runs every statement under the transaction's own context, so a
// caller cancelling mid-transaction cannot leave it half applied.
type detachedTx struct {
	tx  *sql.Tx
	ctx context.Context
}

func (t detachedTx) ExecContext(_ context.Context, query string, args ...interface{}) (sql.Result, error) {
	return t.tx.ExecContext(t.ctx, query, args...)
}

func (t detachedTx) QueryContext(_ context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return t.tx.QueryContext(t.ctx, query, args...)
}

func (t detachedTx) QueryRowContext(_ context.Context, query string, args ...interface{}) *sql.Row {
	return t.tx.QueryRowContext(t.ctx, query, args...)
}

func (d *Database) acquire(ctx context.Context) (*sql.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "acquire store")
	}

	waitCtx, cancel := context.WithTimeout(ctx, d.lockTimeout)
	defer cancel()

	conn, err := d.db.Conn(waitCtx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), "acquire store")
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, errors.Wrapf(models.ErrBusy, "store not available within %s", d.lockTimeout)
		}
		return nil, Fail(err, "acquire connection")
	}
	return conn, nil
}

// Fail classifies a driver error: lock contention becomes ErrBusy, anything
// else ErrPersistence. A nil err stays nil.
func Fail(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && (sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked) {
		return errors.Wrapf(models.ErrBusy, "%s: %v", msg, err)
	}
	return errors.Wrapf(models.ErrPersistence, "%s: %v", msg, err)
}

// IsUniqueViolation reports whether err is a primary key or unique constraint failure.
func IsUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLStore implements Store using database/sql.
// It supports both Postgres (lib/pq) and SQLite (modernc.org/sqlite).
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		user_id BIGINT PRIMARY KEY,
		balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
		subscribed BOOLEAN NOT NULL DEFAULT FALSE,
		subscription_until TIMESTAMP NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		user_id BIGINT NOT NULL,
		amount_delta BIGINT NOT NULL,
		balance_after BIGINT NOT NULL,
		reason TEXT NOT NULL,
		actor TEXT NOT NULL,
		operation_id TEXT NOT NULL UNIQUE,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_entries_user ON ledger_entries (user_id, created_at)`,
}

// Init creates the accounts and ledger_entries tables.
func (s *SQLStore) Init(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ledger schema: %w", err)
		}
	}
	return nil
}

const (
	openQuery = `INSERT INTO accounts (user_id, balance, subscribed, created_at, updated_at)
		VALUES ($1, 0, FALSE, $2, $2)
		ON CONFLICT (user_id) DO NOTHING`

	profileQuery = `SELECT balance, subscribed, subscription_until FROM accounts WHERE user_id = $1`

	subscriptionQuery = `UPDATE accounts SET subscribed = $1, subscription_until = $2, updated_at = $3 WHERE user_id = $4`

	debitQuery = `UPDATE accounts SET balance = balance - $1, updated_at = $3
		WHERE user_id = $2 AND balance >= $1
		RETURNING balance`

	creditQuery = `UPDATE accounts SET balance = balance + $1, updated_at = $3
		WHERE user_id = $2
		RETURNING balance`

	balanceQuery = `SELECT balance FROM accounts WHERE user_id = $1`

	insertEntryQuery = `INSERT INTO ledger_entries
		(id, user_id, amount_delta, balance_after, reason, actor, operation_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (operation_id) DO NOTHING`

	entriesQuery = `SELECT id, user_id, amount_delta, balance_after, reason, actor, operation_id, created_at
		FROM ledger_entries WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`
)

func (s *SQLStore) Open(ctx context.Context, userID int64) error {
	if _, err := s.db.ExecContext(ctx, openQuery, userID, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to open account: %w", err)
	}
	return nil
}

func (s *SQLStore) Profile(ctx context.Context, userID int64) (Profile, error) {
	var (
		p     = Profile{UserID: userID}
		until sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, profileQuery, userID).Scan(&p.Balance, &p.Subscribed, &until)
	if errors.Is(err, sql.ErrNoRows) {
		return Profile{}, ErrUserNotFound
	}
	if err != nil {
		return Profile{}, fmt.Errorf("failed to read profile: %w", err)
	}
	if until.Valid {
		t := until.Time
		p.SubscriptionUntil = &t
	}
	return p, nil
}

func (s *SQLStore) SetSubscription(ctx context.Context, userID int64, active bool, until *time.Time) error {
	var untilArg any
	if until != nil {
		untilArg = until.UTC()
	}
	res, err := s.db.ExecContext(ctx, subscriptionQuery, active, untilArg, time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("failed to set subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// Debit runs the conditional decrement and the entry insert in one
// transaction. The WHERE clause is the balance check; there is no
// separate read before the write.
func (s *SQLStore) Debit(ctx context.Context, entry Entry, amount int64) (int64, int64, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, false, fmt.Errorf("failed to begin debit: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var newBalance int64
	err = tx.QueryRowContext(ctx, debitQuery, amount, entry.UserID, entry.Timestamp).Scan(&newBalance)
	if errors.Is(err, sql.ErrNoRows) {
		var current int64
		err = tx.QueryRowContext(ctx, balanceQuery, entry.UserID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, 0, false, ErrUserNotFound
		}
		if err != nil {
			return 0, 0, false, fmt.Errorf("failed to read balance: %w", err)
		}
		return 0, current, false, nil
	}
	if err != nil {
		return 0, 0, false, fmt.Errorf("failed to debit: %w", err)
	}

	inserted, err := insertEntry(ctx, tx, entry, -amount, newBalance)
	if err != nil {
		return 0, 0, false, err
	}
	if !inserted {
		return 0, 0, false, ErrDuplicateOperation
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, false, fmt.Errorf("failed to commit debit: %w", err)
	}
	return newBalance, newBalance, true, nil
}

// Credit increments the balance and inserts the entry. A conflicting
// operation_id rolls the increment back.
func (s *SQLStore) Credit(ctx context.Context, entry Entry, amount int64) (int64, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("failed to begin credit: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var newBalance int64
	err = tx.QueryRowContext(ctx, creditQuery, amount, entry.UserID, entry.Timestamp).Scan(&newBalance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, ErrUserNotFound
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to credit: %w", err)
	}

	inserted, err := insertEntry(ctx, tx, entry, amount, newBalance)
	if err != nil {
		return 0, false, err
	}
	if !inserted {
		if err := tx.Rollback(); err != nil {
			return 0, false, fmt.Errorf("failed to roll back duplicate credit: %w", err)
		}
		var current int64
		if err := s.db.QueryRowContext(ctx, balanceQuery, entry.UserID).Scan(&current); err != nil {
			return 0, false, fmt.Errorf("failed to read balance: %w", err)
		}
		return current, false, nil
	}
	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("failed to commit credit: %w", err)
	}
	return newBalance, true, nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, e Entry, delta, balanceAfter int64) (bool, error) {
	res, err := tx.ExecContext(ctx, insertEntryQuery,
		e.ID, e.UserID, delta, balanceAfter, string(e.Reason), e.Actor, e.OperationID, e.Timestamp,
	)
	if err != nil {
		return false, fmt.Errorf("failed to append ledger entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *SQLStore) Entries(ctx context.Context, userID int64, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, entriesQuery, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]Entry, 0)
	for rows.Next() {
		var (
			e      Entry
			reason string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.AmountDelta, &e.BalanceAfter, &reason, &e.Actor, &e.OperationID, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Reason = Reason(reason)
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(result) == 0 {
		if _, err := s.Profile(ctx, userID); err != nil {
			return nil, err
		}
	}
	return result, nil
}

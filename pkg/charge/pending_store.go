package charge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/stargate/pkg/ledger"
)

// MemoryPendingStore implements PendingStore in memory.
type MemoryPendingStore struct {
	mu  sync.RWMutex
	ops map[string]Pending
}

func NewMemoryPendingStore() *MemoryPendingStore {
	return &MemoryPendingStore{ops: make(map[string]Pending)}
}

func (s *MemoryPendingStore) Put(ctx context.Context, p Pending) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops[p.OperationID] = p
	return nil
}

func (s *MemoryPendingStore) Get(ctx context.Context, operationID string) (Pending, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.ops[operationID]
	if !ok {
		return Pending{}, ErrNotFound
	}
	return p, nil
}

func (s *MemoryPendingStore) Delete(ctx context.Context, operationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ops, operationID)
	return nil
}

func (s *MemoryPendingStore) Expired(ctx context.Context, now time.Time, limit int) ([]Pending, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Pending, 0)
	for _, p := range s.ops {
		if !p.Deadline.After(now) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SQLPendingStore implements PendingStore using database/sql.
// It supports both Postgres and SQLite.
type SQLPendingStore struct {
	db *sql.DB
}

func NewSQLPendingStore(db *sql.DB) *SQLPendingStore {
	return &SQLPendingStore{db: db}
}

var pendingSchema = []string{
	`CREATE TABLE IF NOT EXISTS pending_operations (
		operation_id TEXT PRIMARY KEY,
		user_id BIGINT NOT NULL,
		amount BIGINT NOT NULL,
		reason TEXT NOT NULL,
		actor TEXT NOT NULL,
		conversation_key TEXT NOT NULL,
		locale TEXT NOT NULL,
		deadline TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pending_operations_deadline ON pending_operations (deadline)`,
}

// Init creates the pending_operations table.
func (s *SQLPendingStore) Init(ctx context.Context) error {
	for _, stmt := range pendingSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("pending schema: %w", err)
		}
	}
	return nil
}

const pendingColumns = `operation_id, user_id, amount, reason, actor, conversation_key, locale, deadline, created_at`

func (s *SQLPendingStore) Put(ctx context.Context, p Pending) error {
	query := `
		INSERT INTO pending_operations (` + pendingColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (operation_id) DO UPDATE SET deadline = EXCLUDED.deadline
	`
	_, err := s.db.ExecContext(ctx, query,
		p.OperationID, p.UserID, p.Amount, string(p.Reason), p.Actor,
		p.ConversationKey, p.Locale, p.Deadline.UTC(), p.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to persist pending operation: %w", err)
	}
	return nil
}

func scanPending(row interface{ Scan(...any) error }) (Pending, error) {
	var (
		p      Pending
		reason string
	)
	err := row.Scan(&p.OperationID, &p.UserID, &p.Amount, &reason, &p.Actor,
		&p.ConversationKey, &p.Locale, &p.Deadline, &p.CreatedAt)
	p.Reason = ledger.Reason(reason)
	return p, err
}

func (s *SQLPendingStore) Get(ctx context.Context, operationID string) (Pending, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pendingColumns+` FROM pending_operations WHERE operation_id = $1`, operationID)
	p, err := scanPending(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Pending{}, ErrNotFound
	}
	if err != nil {
		return Pending{}, fmt.Errorf("failed to get pending operation: %w", err)
	}
	return p, nil
}

func (s *SQLPendingStore) Delete(ctx context.Context, operationID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_operations WHERE operation_id = $1`, operationID); err != nil {
		return fmt.Errorf("failed to delete pending operation: %w", err)
	}
	return nil
}

func (s *SQLPendingStore) Expired(ctx context.Context, now time.Time, limit int) ([]Pending, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pendingColumns+` FROM pending_operations WHERE deadline <= $1 ORDER BY deadline LIMIT $2`,
		now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired operations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]Pending, 0)
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

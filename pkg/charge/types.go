// Package charge wraps every paid operation in reserve, attempt, then
// commit or compensate. A debit made through a Runner is either matched by
// a successful completion or refunded with a credit whose operation id is
// derived from the debit's, so retries can never refund twice.
package charge

import (
	"context"
	"errors"
	"time"

	"github.com/Mindburn-Labs/stargate/pkg/ledger"
)

var (
	// ErrCompensationFailed means the refund could not be applied after all
	// retries. The operation stays pending and the sweeper retries it.
	ErrCompensationFailed = errors.New("charge: compensation failed")
	// ErrNotFound is returned by pending stores for unknown operation ids.
	ErrNotFound = errors.New("charge: pending operation not found")
)

// RefundID derives the compensating credit's operation id.
func RefundID(operationID string) string {
	return "refund:" + operationID
}

// Status is the outcome of Run.
type Status string

const (
	// StatusDenied: the balance did not cover the amount; nothing was debited.
	StatusDenied Status = "denied"
	// StatusAccepted: debited and the attempt was accepted; awaiting Settle.
	StatusAccepted Status = "accepted"
	// StatusCompensated: debited, the attempt failed, the refund was applied.
	StatusCompensated Status = "compensated"
	// StatusRefundPending: debited, the attempt failed, the refund is still owed.
	StatusRefundPending Status = "refund_pending"
)

// Charge describes one paid operation.
type Charge struct {
	UserID      int64
	Amount      int64
	Reason      ledger.Reason
	Actor       string
	OperationID string
	// ConversationKey and Locale route the completion back to the user.
	ConversationKey string
	Locale          string
}

// Attempt triggers the downstream work for an already-debited operation.
// A returned error means the work was rejected and will not complete.
type Attempt func(ctx context.Context, operationID string) error

// Result reports what Run did.
type Result struct {
	Status      Status
	OperationID string
	Debit       ledger.DebitResult
	// AttemptErr is the rejection returned by the attempt, if any.
	AttemptErr error
}

// Pending is a debited operation waiting for its completion signal.
type Pending struct {
	OperationID     string        `json:"operation_id"`
	UserID          int64         `json:"user_id"`
	Amount          int64         `json:"amount"`
	Reason          ledger.Reason `json:"reason"`
	Actor           string        `json:"actor"`
	ConversationKey string        `json:"conversation_key"`
	Locale          string        `json:"locale"`
	Deadline        time.Time     `json:"deadline"`
	CreatedAt       time.Time     `json:"created_at"`
}

// Outcome is the completion signal for a pending operation.
type Outcome struct {
	Success bool
	Error   string
}

// Settlement reports what Settle did.
type Settlement struct {
	Pending  Pending
	Found    bool
	Refunded bool
	// AlreadyRefunded is set when a failed completion found its refund
	// applied by someone else, typically the sweeper.
	AlreadyRefunded bool
}

// Ledger is the subset of the balance ledger the runner needs.
type Ledger interface {
	CheckAndDebit(ctx context.Context, m ledger.Mutation) (ledger.DebitResult, error)
	Credit(ctx context.Context, m ledger.Mutation) (ledger.CreditResult, error)
}

// PendingStore persists pending operations.
type PendingStore interface {
	// Put inserts or replaces a pending operation.
	Put(ctx context.Context, p Pending) error
	// Get returns ErrNotFound for unknown ids.
	Get(ctx context.Context, operationID string) (Pending, error)
	// Delete is a no-op for unknown ids.
	Delete(ctx context.Context, operationID string) error
	// Expired lists operations whose deadline is at or before now, oldest first.
	Expired(ctx context.Context, now time.Time, limit int) ([]Pending, error)
}

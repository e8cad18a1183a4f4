// Package ledger is the balance ledger protocol: reading a user's star
// balance, debiting it atomically, crediting it at most once per
// operation, and appending an immutable audit entry for every mutation.
//
// Atomicity lives in the stores. A debit is a single conditional
// "decrement only if balance >= amount" at the storage layer, never a
// read followed by a write.
package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUserNotFound is returned for every read or mutation of an unknown user.
	ErrUserNotFound = errors.New("ledger: user not found")
	// ErrInvalidAmount is returned when an amount is zero or negative.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")
	// ErrMissingOperationID is returned when a credit has no operation id.
	ErrMissingOperationID = errors.New("ledger: operation_id is required")
	// ErrDuplicateOperation is returned when a debit reuses an operation id.
	ErrDuplicateOperation = errors.New("ledger: duplicate operation")
	// ErrUnavailable wraps store failures (connection loss, timeouts).
	ErrUnavailable = errors.New("ledger: store unavailable")
)

// Reason is the business reason recorded on an entry.
type Reason string

const (
	ReasonImage      Reason = "image_generation"
	ReasonVideo      Reason = "video_generation"
	ReasonSpeech     Reason = "speech_synthesis"
	ReasonTraining   Reason = "model_training"
	ReasonTopUp      Reason = "top_up"
	ReasonRefund     Reason = "refund"
	ReasonAdjustment Reason = "adjustment"
)

// DenyInsufficientFunds is the only denial reason a debit produces.
const DenyInsufficientFunds = "insufficient_funds"

// Entry is an immutable audit record appended on every balance mutation.
type Entry struct {
	ID           string    `json:"id"`
	UserID       int64     `json:"user_id"`
	AmountDelta  int64     `json:"amount_delta"` // negative for debits
	BalanceAfter int64     `json:"balance_after"`
	Reason       Reason    `json:"reason"`
	Actor        string    `json:"actor"`
	OperationID  string    `json:"operation_id"`
	Timestamp    time.Time `json:"timestamp"`
}

// Profile is the combined subscription and balance snapshot of a user.
type Profile struct {
	UserID            int64      `json:"user_id"`
	Balance           int64      `json:"balance"`
	Subscribed        bool       `json:"subscribed"`
	SubscriptionUntil *time.Time `json:"subscription_until,omitempty"`
}

// Active reports whether the subscription is active at now.
func (p Profile) Active(now time.Time) bool {
	if !p.Subscribed {
		return false
	}
	return p.SubscriptionUntil == nil || p.SubscriptionUntil.After(now)
}

// Mutation describes a debit or credit request.
type Mutation struct {
	UserID      int64
	Amount      int64
	Reason      Reason
	Actor       string
	OperationID string
}

// DebitResult is Debited{NewBalance} or Denied{insufficient_funds, CurrentBalance}.
type DebitResult struct {
	Debited        bool   `json:"debited"`
	NewBalance     int64  `json:"new_balance,omitempty"`
	CurrentBalance int64  `json:"current_balance"`
	DenyReason     string `json:"deny_reason,omitempty"`
	Entry          *Entry `json:"entry,omitempty"`
}

// CreditResult reports whether a credit was applied. A replayed operation
// id returns Applied=false with the current balance.
type CreditResult struct {
	Applied    bool   `json:"applied"`
	NewBalance int64  `json:"new_balance"`
	Entry      *Entry `json:"entry,omitempty"`
}

// Store is the persistence contract for balances and entries.
// Implementations must make Debit and Credit atomic per user.
type Store interface {
	// Open creates an account with a zero balance if it does not exist.
	Open(ctx context.Context, userID int64) error

	// Profile reads subscription status and balance in one lookup.
	Profile(ctx context.Context, userID int64) (Profile, error)

	// SetSubscription updates the subscription status of an account.
	SetSubscription(ctx context.Context, userID int64, active bool, until *time.Time) error

	// Debit decrements the balance by amount only if balance >= amount and
	// appends entry. ok=false leaves the balance unchanged and appends nothing.
	Debit(ctx context.Context, entry Entry, amount int64) (newBalance, current int64, ok bool, err error)

	// Credit increments the balance and appends entry unless entry.OperationID
	// was already recorded, in which case applied=false.
	Credit(ctx context.Context, entry Entry, amount int64) (newBalance int64, applied bool, err error)

	// Entries returns up to limit entries for a user, newest first.
	Entries(ctx context.Context, userID int64, limit int) ([]Entry, error)
}

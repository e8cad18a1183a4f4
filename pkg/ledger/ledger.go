package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "github.com/Mindburn-Labs/stargate/pkg/ledger"

// DefaultHistoryLimit bounds History when the caller passes no limit.
const DefaultHistoryLimit = 50

// Ledger validates requests, stamps entries and delegates the atomic
// mutation to a Store.
type Ledger struct {
	store  Store
	logger *slog.Logger
	clock  func() time.Time
	tracer trace.Tracer

	debits   metric.Int64Counter
	denials  metric.Int64Counter
	credits  metric.Int64Counter
	replayed metric.Int64Counter
}

// New creates a ledger over store.
func New(store Store) *Ledger {
	meter := otel.Meter(instrumentation)
	l := &Ledger{
		store:  store,
		logger: slog.Default().With("component", "ledger"),
		clock:  time.Now,
		tracer: otel.Tracer(instrumentation),
	}
	l.debits, _ = meter.Int64Counter("stargate.ledger.debits", metric.WithUnit("{debit}"))
	l.denials, _ = meter.Int64Counter("stargate.ledger.denials", metric.WithUnit("{denial}"))
	l.credits, _ = meter.Int64Counter("stargate.ledger.credits", metric.WithUnit("{credit}"))
	l.replayed, _ = meter.Int64Counter("stargate.ledger.credits_replayed", metric.WithUnit("{credit}"))
	return l
}

// WithClock overrides clock for testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// WithLogger overrides the component logger.
func (l *Ledger) WithLogger(logger *slog.Logger) *Ledger {
	l.logger = logger
	return l
}

func count(ctx context.Context, c metric.Int64Counter, reason Reason) {
	if c != nil {
		c.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", string(reason))))
	}
}

// unavailable wraps store failures, leaving domain errors untouched.
func unavailable(err error) error {
	if err == nil ||
		errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrDuplicateOperation) ||
		errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

// Open creates an account and grants initial stars when initial > 0.
// Opening an existing account only applies the grant once per user.
func (l *Ledger) Open(ctx context.Context, userID int64, initial int64, actor string) error {
	if initial < 0 {
		return ErrInvalidAmount
	}
	if err := l.store.Open(ctx, userID); err != nil {
		return unavailable(err)
	}
	if initial == 0 {
		return nil
	}
	_, err := l.Credit(ctx, Mutation{
		UserID:      userID,
		Amount:      initial,
		Reason:      ReasonTopUp,
		Actor:       actor,
		OperationID: fmt.Sprintf("open:%d", userID),
	})
	return err
}

// Balance returns the current balance. Unknown users yield ErrUserNotFound.
func (l *Ledger) Balance(ctx context.Context, userID int64) (int64, error) {
	p, err := l.Lookup(ctx, userID)
	if err != nil {
		return 0, err
	}
	return p.Balance, nil
}

// Lookup returns subscription status and balance in one read.
func (l *Ledger) Lookup(ctx context.Context, userID int64) (Profile, error) {
	p, err := l.store.Profile(ctx, userID)
	if err != nil {
		return Profile{}, unavailable(err)
	}
	return p, nil
}

// SetSubscription activates or deactivates a subscription. A nil until
// means no expiry.
func (l *Ledger) SetSubscription(ctx context.Context, userID int64, active bool, until *time.Time) error {
	if err := l.store.SetSubscription(ctx, userID, active, until); err != nil {
		return unavailable(err)
	}
	l.logger.InfoContext(ctx, "subscription updated", "user_id", userID, "active", active)
	return nil
}

func (l *Ledger) entry(m Mutation) Entry {
	return Entry{
		ID:          uuid.NewString(),
		UserID:      m.UserID,
		Reason:      m.Reason,
		Actor:       m.Actor,
		OperationID: m.OperationID,
		Timestamp:   l.clock().UTC(),
	}
}

// CheckAndDebit debits m.Amount if and only if the balance covers it.
// Denial is a result, not an error. An empty operation id is replaced
// with a fresh one.
func (l *Ledger) CheckAndDebit(ctx context.Context, m Mutation) (DebitResult, error) {
	if m.Amount <= 0 {
		return DebitResult{}, ErrInvalidAmount
	}
	if m.OperationID == "" {
		m.OperationID = uuid.NewString()
	}
	ctx, span := l.tracer.Start(ctx, "ledger.CheckAndDebit", trace.WithAttributes(
		attribute.Int64("user_id", m.UserID),
		attribute.Int64("amount", m.Amount),
		attribute.String("reason", string(m.Reason)),
	))
	defer span.End()

	e := l.entry(m)
	newBalance, current, ok, err := l.store.Debit(ctx, e, m.Amount)
	if err != nil {
		span.RecordError(err)
		l.logger.ErrorContext(ctx, "debit failed", "user_id", m.UserID, "operation_id", m.OperationID, "error", err)
		return DebitResult{}, unavailable(err)
	}
	if !ok {
		count(ctx, l.denials, m.Reason)
		l.logger.InfoContext(ctx, "debit denied",
			"user_id", m.UserID, "amount", m.Amount, "balance", current, "reason", m.Reason)
		return DebitResult{CurrentBalance: current, DenyReason: DenyInsufficientFunds}, nil
	}

	e.AmountDelta = -m.Amount
	e.BalanceAfter = newBalance
	count(ctx, l.debits, m.Reason)
	l.logger.InfoContext(ctx, "debited",
		"user_id", m.UserID, "amount", m.Amount, "balance", newBalance,
		"reason", m.Reason, "operation_id", m.OperationID)
	return DebitResult{Debited: true, NewBalance: newBalance, CurrentBalance: newBalance, Entry: &e}, nil
}

// Credit adds m.Amount at most once per operation id.
func (l *Ledger) Credit(ctx context.Context, m Mutation) (CreditResult, error) {
	if m.Amount <= 0 {
		return CreditResult{}, ErrInvalidAmount
	}
	if m.OperationID == "" {
		return CreditResult{}, ErrMissingOperationID
	}
	ctx, span := l.tracer.Start(ctx, "ledger.Credit", trace.WithAttributes(
		attribute.Int64("user_id", m.UserID),
		attribute.Int64("amount", m.Amount),
		attribute.String("reason", string(m.Reason)),
	))
	defer span.End()

	e := l.entry(m)
	newBalance, applied, err := l.store.Credit(ctx, e, m.Amount)
	if err != nil {
		span.RecordError(err)
		l.logger.ErrorContext(ctx, "credit failed", "user_id", m.UserID, "operation_id", m.OperationID, "error", err)
		return CreditResult{}, unavailable(err)
	}
	if !applied {
		count(ctx, l.replayed, m.Reason)
		l.logger.InfoContext(ctx, "credit already applied", "user_id", m.UserID, "operation_id", m.OperationID)
		return CreditResult{NewBalance: newBalance}, nil
	}

	e.AmountDelta = m.Amount
	e.BalanceAfter = newBalance
	count(ctx, l.credits, m.Reason)
	l.logger.InfoContext(ctx, "credited",
		"user_id", m.UserID, "amount", m.Amount, "balance", newBalance,
		"reason", m.Reason, "operation_id", m.OperationID)
	return CreditResult{Applied: true, NewBalance: newBalance, Entry: &e}, nil
}

// History returns up to limit entries, newest first.
func (l *Ledger) History(ctx context.Context, userID int64, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	entries, err := l.store.Entries(ctx, userID, limit)
	if err != nil {
		return nil, unavailable(err)
	}
	return entries, nil
}

package charge

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

	"github.com/Mindburn-Labs/stargate/pkg/ledger"
	"github.com/Mindburn-Labs/stargate/pkg/notify"
)

const instrumentation = "github.com/Mindburn-Labs/stargate/pkg/charge"

// DefaultDeadline is how long an accepted operation may stay pending
// before the sweeper treats it as failed.
const DefaultDeadline = 15 * time.Minute

// Runner debits, attempts and compensates paid operations.
type Runner struct {
	ledger   Ledger
	pending  PendingStore
	notifier notify.Notifier
	backoff  Backoff
	deadline time.Duration
	clock    func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	logger   *slog.Logger

	compensations metric.Int64Counter
	failures      metric.Int64Counter
}

// NewRunner creates a runner with default backoff and deadline.
func NewRunner(l Ledger, pending PendingStore) *Runner {
	meter := otel.Meter(instrumentation)
	r := &Runner{
		ledger:   l,
		pending:  pending,
		notifier: notify.Nop{},
		backoff:  DefaultBackoff(),
		deadline: DefaultDeadline,
		clock:    time.Now,
		sleep:    sleepContext,
		logger:   slog.Default().With("component", "charge"),
	}
	r.compensations, _ = meter.Int64Counter("stargate.charge.compensations", metric.WithUnit("{refund}"))
	r.failures, _ = meter.Int64Counter("stargate.charge.compensation_failures", metric.WithUnit("{refund}"))
	return r
}

func (r *Runner) WithNotifier(n notify.Notifier) *Runner {
	r.notifier = n
	return r
}

func (r *Runner) WithBackoff(b Backoff) *Runner {
	r.backoff = b
	return r
}

func (r *Runner) WithDeadline(d time.Duration) *Runner {
	r.deadline = d
	return r
}

// WithClock overrides clock and sleep for testing.
func (r *Runner) WithClock(clock func() time.Time, sleep func(context.Context, time.Duration) error) *Runner {
	r.clock = clock
	if sleep != nil {
		r.sleep = sleep
	}
	return r
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run debits c.Amount, invokes attempt, and refunds when the attempt fails.
// A denial or a compensated failure is a Result, not an error. The error
// return is reserved for ledger failures and for refunds still owed.
func (r *Runner) Run(ctx context.Context, c Charge, attempt Attempt) (Result, error) {
	if c.OperationID == "" {
		c.OperationID = uuid.NewString()
	}
	res, err := r.ledger.CheckAndDebit(ctx, ledger.Mutation{
		UserID:      c.UserID,
		Amount:      c.Amount,
		Reason:      c.Reason,
		Actor:       c.Actor,
		OperationID: c.OperationID,
	})
	if err != nil {
		return Result{OperationID: c.OperationID}, fmt.Errorf("debit %s: %w", c.OperationID, err)
	}
	result := Result{OperationID: c.OperationID, Debit: res}
	if !res.Debited {
		result.Status = StatusDenied
		return result, nil
	}

	now := r.clock()
	p := Pending{
		OperationID:     c.OperationID,
		UserID:          c.UserID,
		Amount:          c.Amount,
		Reason:          c.Reason,
		Actor:           c.Actor,
		ConversationKey: c.ConversationKey,
		Locale:          c.Locale,
		Deadline:        now.Add(r.deadline),
		CreatedAt:       now,
	}
	// Record before attempting so a crash mid-attempt is picked up by Sweep.
	if err := r.pending.Put(ctx, p); err != nil {
		result.AttemptErr = fmt.Errorf("track pending operation: %w", err)
		return r.failAttempt(ctx, p, result)
	}

	if err := attempt(ctx, c.OperationID); err != nil {
		result.AttemptErr = err
		return r.failAttempt(ctx, p, result)
	}
	result.Status = StatusAccepted
	r.logger.InfoContext(ctx, "paid operation accepted",
		"operation_id", c.OperationID, "user_id", c.UserID, "amount", c.Amount)
	return result, nil
}

func (r *Runner) failAttempt(ctx context.Context, p Pending, result Result) (Result, error) {
	r.logger.WarnContext(ctx, "paid operation rejected",
		"operation_id", p.OperationID, "user_id", p.UserID, "error", result.AttemptErr)

	if _, err := r.compensate(ctx, p, result.AttemptErr.Error()); err != nil {
		// Due now, so the next sweep retries the refund.
		p.Deadline = r.clock()
		if perr := r.pending.Put(context.WithoutCancel(ctx), p); perr != nil {
			r.logger.ErrorContext(ctx, "failed to persist owed refund", "operation_id", p.OperationID, "error", perr)
		}
		result.Status = StatusRefundPending
		return result, err
	}
	if err := r.pending.Delete(context.WithoutCancel(ctx), p.OperationID); err != nil {
		r.logger.WarnContext(ctx, "failed to clear pending operation", "operation_id", p.OperationID, "error", err)
	}
	result.Status = StatusCompensated
	return result, nil
}

// Settle applies a completion signal. Success clears the pending record;
// failure refunds then clears it. Unknown or already settled ids are a
// no-op with Found=false.
func (r *Runner) Settle(ctx context.Context, operationID string, outcome Outcome) (Settlement, error) {
	p, err := r.pending.Get(ctx, operationID)
	if errors.Is(err, ErrNotFound) {
		r.logger.InfoContext(ctx, "completion for unknown or settled operation", "operation_id", operationID)
		return Settlement{}, nil
	}
	if err != nil {
		return Settlement{}, fmt.Errorf("settle %s: %w", operationID, err)
	}

	s := Settlement{Pending: p, Found: true}
	if !outcome.Success {
		applied, err := r.compensate(ctx, p, outcome.Error)
		if err != nil {
			return s, err
		}
		s.Refunded, s.AlreadyRefunded = applied, !applied
	}
	if err := r.pending.Delete(ctx, operationID); err != nil {
		return s, fmt.Errorf("settle %s: %w", operationID, err)
	}
	r.logger.InfoContext(ctx, "operation settled",
		"operation_id", operationID, "success", outcome.Success, "refunded", s.Refunded)
	return s, nil
}

// Sweep refunds every pending operation whose deadline passed. It returns
// the operations whose refund it applied; refunds already applied by a
// concurrent Settle are cleared without being returned. Failures stay
// pending for the next sweep.
func (r *Runner) Sweep(ctx context.Context, now time.Time) ([]Pending, error) {
	expired, err := r.pending.Expired(ctx, now, 100)
	if err != nil {
		return nil, fmt.Errorf("sweep: %w", err)
	}
	var (
		refunded []Pending
		errs     []error
	)
	for _, p := range expired {
		applied, err := r.compensate(ctx, p, "completion deadline exceeded")
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := r.pending.Delete(ctx, p.OperationID); err != nil {
			errs = append(errs, err)
			continue
		}
		if applied {
			refunded = append(refunded, p)
		}
	}
	if len(expired) > 0 {
		r.logger.InfoContext(ctx, "sweep finished", "expired", len(expired), "refunded", len(refunded))
	}
	return refunded, errors.Join(errs...)
}

// compensate credits the debited amount back with retries and reports
// whether this call applied the credit. Caller cancellation does not abort
// a refund.
func (r *Runner) compensate(ctx context.Context, p Pending, cause string) (bool, error) {
	ctx = context.WithoutCancel(ctx)
	m := ledger.Mutation{
		UserID:      p.UserID,
		Amount:      p.Amount,
		Reason:      ledger.ReasonRefund,
		Actor:       "compensation",
		OperationID: RefundID(p.OperationID),
	}
	attrs := metric.WithAttributes(attribute.String("reason", string(p.Reason)))

	attempts := max(r.backoff.MaxAttempts, 1)
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := r.sleep(ctx, r.backoff.Delay(p.OperationID, i)); err != nil {
			lastErr = err
			break
		}
		res, err := r.ledger.Credit(ctx, m)
		if err == nil {
			if r.compensations != nil {
				r.compensations.Add(ctx, 1, attrs)
			}
			r.logger.InfoContext(ctx, "compensated",
				"operation_id", p.OperationID, "user_id", p.UserID, "amount", p.Amount,
				"applied", res.Applied, "cause", cause)
			return res.Applied, nil
		}
		lastErr = err
		if errors.Is(err, ledger.ErrUserNotFound) || errors.Is(err, ledger.ErrInvalidAmount) {
			break
		}
	}

	if r.failures != nil {
		r.failures.Add(ctx, 1, attrs)
	}
	r.logger.ErrorContext(ctx, "compensation failed",
		"operation_id", p.OperationID, "user_id", p.UserID, "amount", p.Amount, "error", lastErr)
	r.notifier.Notify(ctx, notify.Alert{
		Severity: notify.SeverityCritical,
		Subject:  "refund owed",
		Message:  "compensating credit could not be applied",
		Fields: map[string]any{
			"operation_id": p.OperationID,
			"user_id":      p.UserID,
			"amount":       p.Amount,
			"cause":        cause,
			"error":        lastErr.Error(),
		},
	})
	return false, fmt.Errorf("%w: %s: %w", ErrCompensationFailed, p.OperationID, lastErr)
}

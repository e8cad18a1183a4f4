// Package gate is the admission step in front of every paid scene. It
// checks the user's subscription and balance in one lookup and either
// forwards into the paid scene or ends the flow with a localized reply.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Mindburn-Labs/stargate/pkg/ledger"
	"github.com/Mindburn-Labs/stargate/pkg/locale"
	"github.com/Mindburn-Labs/stargate/pkg/notify"
	"github.com/Mindburn-Labs/stargate/pkg/pricing"
	"github.com/Mindburn-Labs/stargate/pkg/scene"
)

// Session parameters written on admission.
const (
	ParamRequiredCost = "required_cost"
	ParamQuote        = "quote"
)

// Outcome is the terminal state of one gate invocation.
type Outcome string

const (
	Admitted                Outcome = "admitted"
	DeniedInsufficientFunds Outcome = "denied_insufficient_funds"
	DeniedNoSubscription    Outcome = "denied_no_subscription"
	DeniedUserUnknown       Outcome = "denied_user_unknown"
	Errored                 Outcome = "errored"
)

// ErrInvalidQuote is reported when a quote carries no positive total.
var ErrInvalidQuote = errors.New("gate: quote total must be positive")

// Directory returns subscription status and balance in one read.
// Unknown users yield ledger.ErrUserNotFound.
type Directory interface {
	Lookup(ctx context.Context, userID int64) (ledger.Profile, error)
}

// Gate decides admission into paid scenes.
type Gate struct {
	dir        Directory
	startScene string
	notifier   notify.Notifier
	clock      func() time.Time
	logger     *slog.Logger
	decisions  metric.Int64Counter
}

// New creates a gate that redirects unknown and unsubscribed users into
// startScene.
func New(dir Directory, startScene string) *Gate {
	g := &Gate{
		dir:        dir,
		startScene: startScene,
		notifier:   notify.Nop{},
		clock:      time.Now,
		logger:     slog.Default().With("component", "gate"),
	}
	g.decisions, _ = otel.Meter("github.com/Mindburn-Labs/stargate/pkg/gate").
		Int64Counter("stargate.gate.decisions", metric.WithUnit("{decision}"))
	return g
}

func (g *Gate) WithNotifier(n notify.Notifier) *Gate {
	g.notifier = n
	return g
}

// WithClock overrides clock for testing.
func (g *Gate) WithClock(clock func() time.Time) *Gate {
	g.clock = clock
	return g
}

// Admit runs the gate for the session in c. On admission the quote's total
// is stored as required_cost, the quote itself under quote, and target is
// entered. Every other outcome leaves or redirects the session itself; the
// returned error is only for failures while doing so.
func (g *Gate) Admit(ctx context.Context, c *scene.Context, target string, q pricing.Quote) (Outcome, error) {
	userID := c.UserID()
	var (
		profile ledger.Profile
		err     error
	)
	if q.Total <= 0 {
		err = fmt.Errorf("%w: %s quoted %d", ErrInvalidQuote, q.Operation, q.Total)
	} else {
		profile, err = g.dir.Lookup(ctx, userID)
	}

	var outcome Outcome
	switch {
	case errors.Is(err, ledger.ErrUserNotFound):
		outcome = DeniedUserUnknown
	case err != nil:
		outcome = Errored
	case !profile.Active(g.clock()):
		outcome = DeniedNoSubscription
	case profile.Balance < q.Total:
		outcome = DeniedInsufficientFunds
	default:
		outcome = Admitted
	}
	g.record(ctx, c, target, q, profile, outcome, err)

	switch outcome {
	case DeniedUserUnknown:
		if err := c.Reply(ctx, locale.StartProfileNotFound); err != nil {
			return outcome, err
		}
		return outcome, c.Enter(ctx, g.startScene, nil)

	case DeniedNoSubscription:
		if err := c.Reply(ctx, locale.StartSubscriptionRequired); err != nil {
			return outcome, err
		}
		return outcome, c.Enter(ctx, g.startScene, nil)

	case DeniedInsufficientFunds:
		if err := c.Reply(ctx, locale.GateShortfall, q.Total, profile.Balance); err != nil {
			return outcome, err
		}
		return outcome, c.Leave()

	case Errored:
		g.notifier.Notify(ctx, notify.Alert{
			Severity: notify.SeverityWarning,
			Subject:  "admission failed",
			Message:  err.Error(),
			Fields:   map[string]any{"user_id": userID, "target": target},
		})
		if err := c.Leave(); err != nil {
			return outcome, err
		}
		return outcome, c.Reply(ctx, locale.ErrorGeneric)
	}

	return outcome, c.Enter(ctx, target, map[string]any{
		ParamRequiredCost: q.Total,
		ParamQuote:        q,
	})
}

func (g *Gate) record(ctx context.Context, c *scene.Context, target string, q pricing.Quote, p ledger.Profile, outcome Outcome, err error) {
	if g.decisions != nil {
		g.decisions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("outcome", string(outcome)),
			attribute.String("operation", string(q.Operation)),
		))
	}
	attrs := []any{
		"conversation_key", c.Turn.Key,
		"user_id", c.UserID(),
		"target", target,
		"required_cost", q.Total,
		"outcome", outcome,
	}
	if err != nil && outcome == Errored {
		g.logger.ErrorContext(ctx, "gate admission failed", append(attrs, "error", err)...)
		return
	}
	g.logger.InfoContext(ctx, "gate decision", append(attrs, "balance", p.Balance)...)
}

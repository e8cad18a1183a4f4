package flows

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/stargate/pkg/charge"
	"github.com/Mindburn-Labs/stargate/pkg/gate"
	"github.com/Mindburn-Labs/stargate/pkg/generation"
	"github.com/Mindburn-Labs/stargate/pkg/ledger"
	"github.com/Mindburn-Labs/stargate/pkg/locale"
	"github.com/Mindburn-Labs/stargate/pkg/notify"
	"github.com/Mindburn-Labs/stargate/pkg/pricing"
	"github.com/Mindburn-Labs/stargate/pkg/scene"
)

var (
	confirmWords = []string{"yes", "y", "да", "/yes"}
	declineWords = []string{"no", "n", "нет", "/no"}
)

var reasons = map[pricing.Operation]ledger.Reason{
	pricing.OperationImage:    ledger.ReasonImage,
	pricing.OperationVideo:    ledger.ReasonVideo,
	pricing.OperationSpeech:   ledger.ReasonSpeech,
	pricing.OperationTraining: ledger.ReasonTraining,
}

func oneOf(s string, words []string) bool {
	for _, w := range words {
		if strings.EqualFold(s, w) {
			return true
		}
	}
	return false
}

// paid builds the scene the gate admits into. It confirms the price, then
// charges through the Charger so a failed request is always refunded.
func (f *flows) paid(id string, op pricing.Operation) scene.Definition {
	return scene.Definition{ID: id, Steps: []scene.Step{
		func(ctx context.Context, c *scene.Context) error {
			cost, ok := c.Session.Int64(gate.ParamRequiredCost)
			if !ok {
				return f.fail(ctx, c, fmt.Errorf("%s entered without %s", id, gate.ParamRequiredCost))
			}
			if err := c.Reply(ctx, locale.PaidConfirm, cost); err != nil {
				return err
			}
			return c.Advance()
		},
		f.Interceptor.TextStep(func(ctx context.Context, c *scene.Context) error {
			answer := input(c)
			switch {
			case oneOf(answer, declineWords):
				if err := c.Reply(ctx, locale.PaidDeclined); err != nil {
					return err
				}
				return c.Leave()
			case !oneOf(answer, confirmWords):
				return c.Reply(ctx, locale.PaidInvalidAnswer)
			}
			return f.charge(ctx, c, op)
		}),
	}}
}

func (f *flows) charge(ctx context.Context, c *scene.Context, op pricing.Operation) error {
	cost, _ := c.Session.Int64(gate.ParamRequiredCost)
	var q pricing.Quote
	if err := c.Session.Decode(gate.ParamQuote, &q); err != nil {
		return f.fail(ctx, c, err)
	}

	req := generation.Request{
		Kind:      op,
		Prompt:    c.Session.String(paramPrompt),
		ModelRef:  c.Session.String(paramModel),
		UserID:    c.UserID(),
		UIContext: generation.UIContext{ConversationKey: c.Turn.Key, Locale: c.Locale()},
	}
	if op == pricing.OperationVideo || op == pricing.OperationTraining {
		req.Units = q.Units
	}

	res, err := f.Charger.Run(ctx, charge.Charge{
		UserID:          c.UserID(),
		Amount:          cost,
		Reason:          reasons[op],
		Actor:           "user",
		ConversationKey: c.Turn.Key,
		Locale:          c.Locale(),
	}, func(ctx context.Context, operationID string) error {
		req.OperationID = operationID
		return f.Generator.Request(ctx, req)
	})

	if err != nil && res.Status != charge.StatusRefundPending {
		f.Notifier.Notify(ctx, notify.Alert{
			Severity: notify.SeverityWarning,
			Subject:  "paid operation aborted",
			Message:  err.Error(),
			Fields:   map[string]any{"user_id": c.UserID(), "operation": string(op), "amount": cost},
		})
		return f.fail(ctx, c, err)
	}
	if lerr := c.Leave(); lerr != nil {
		return lerr
	}

	switch res.Status {
	case charge.StatusDenied:
		return c.Reply(ctx, locale.GateShortfall, cost, res.Debit.CurrentBalance)
	case charge.StatusAccepted:
		return c.Reply(ctx, locale.PaidAccepted, cost, res.Debit.NewBalance)
	case charge.StatusCompensated:
		return c.Reply(ctx, locale.PaidRefunded, cost)
	default:
		// The runner has already alerted the operator and the sweeper
		// retries the refund.
		if !errors.Is(err, charge.ErrCompensationFailed) {
			f.Logger.WarnContext(ctx, "unexpected charge status", "status", res.Status, "error", err)
		}
		return c.Reply(ctx, locale.PaidRefundPending, cost)
	}
}

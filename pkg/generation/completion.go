package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Mindburn-Labs/stargate/pkg/charge"
	"github.com/Mindburn-Labs/stargate/pkg/locale"
	"github.com/Mindburn-Labs/stargate/pkg/scene"
)

// Settler applies completion outcomes to pending charges.
type Settler interface {
	Settle(ctx context.Context, operationID string, outcome charge.Outcome) (charge.Settlement, error)
}

// Notifier settles completions and tells the user about them.
type Notifier struct {
	settler Settler
	sink    scene.Sink
	logger  *slog.Logger
}

func NewNotifier(settler Settler, sink scene.Sink) *Notifier {
	return &Notifier{
		settler: settler,
		sink:    sink,
		logger:  slog.Default().With("component", "generation"),
	}
}

// Complete settles c and forwards the artifact, or a refund notice, to the
// conversation that paid. Completions for unknown or already settled
// operations are ignored, so backend retries are safe. A failure whose
// refund the sweeper already announced sends nothing.
func (n *Notifier) Complete(ctx context.Context, c Completion) error {
	if c.OperationID == "" {
		return errors.New("generation: completion without operation id")
	}
	s, err := n.settler.Settle(ctx, c.OperationID, charge.Outcome{Success: c.Success, Error: c.Error})
	if err != nil && !(s.Found && errors.Is(err, charge.ErrCompensationFailed)) {
		return fmt.Errorf("complete %s: %w", c.OperationID, err)
	}
	if !s.Found || s.AlreadyRefunded {
		return nil
	}

	p := s.Pending
	msg := scene.Message{Locale: p.Locale}
	switch {
	case c.Success:
		msg.Key, msg.URL = locale.GenerationReady, c.ArtifactURL
	case s.Refunded:
		msg.Key, msg.Args = locale.GenerationFailedRefunded, []any{p.Amount}
	default:
		msg.Key, msg.Args = locale.PaidRefundPending, []any{p.Amount}
	}
	if serr := n.sink.Send(ctx, p.ConversationKey, msg); serr != nil {
		n.logger.WarnContext(ctx, "failed to deliver completion",
			"operation_id", c.OperationID, "conversation_key", p.ConversationKey, "error", serr)
	}
	return err
}

// Refunded tells the user that a job which never completed was refunded.
// It is the sweeper's refund hook.
func (n *Notifier) Refunded(ctx context.Context, p charge.Pending) {
	msg := scene.Message{Locale: p.Locale, Key: locale.GenerationFailedRefunded, Args: []any{p.Amount}}
	if err := n.sink.Send(ctx, p.ConversationKey, msg); err != nil {
		n.logger.WarnContext(ctx, "failed to deliver refund notice",
			"operation_id", p.OperationID, "conversation_key", p.ConversationKey, "error", err)
	}
}

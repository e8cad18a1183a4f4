// Package scene is the conversation engine: it sequences the ordered steps
// of named scenes for a session, one turn at a time.
//
// State changes go through Transition; the engine applies the returned
// effects to the session, runs steps, and persists the session after
// every turn whether or not the step failed. There is no rollback.
package scene

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "github.com/Mindburn-Labs/stargate/pkg/scene"

// maxChainedSteps bounds how many steps one turn may run through nested
// Enter, Select and Call.
const maxChainedSteps = 32

var ErrStepLoop = errors.New("scene: too many chained steps in one turn")

// Turn is one incoming user message.
type Turn struct {
	Key    string `json:"key"`
	UserID int64  `json:"user_id"`
	Locale string `json:"locale"`
	Text   string `json:"text,omitempty"`
	// Choice carries an inline selection (button payload) instead of text.
	Choice string `json:"choice,omitempty"`
}

// Message is localized output: a catalog key plus arguments.
type Message struct {
	Locale string `json:"locale"`
	Key    string `json:"key"`
	Args   []any  `json:"args,omitempty"`
	// URL links a generated artifact.
	URL string `json:"url,omitempty"`
}

// Sink delivers output to a conversation.
type Sink interface {
	Send(ctx context.Context, conversationKey string, msg Message) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, conversationKey string, msg Message) error

func (f SinkFunc) Send(ctx context.Context, key string, msg Message) error {
	return f(ctx, key, msg)
}

// Engine dispatches turns to scene steps.
type Engine struct {
	scenes Scenes
	store  Store
	sink   Sink
	locks  *keyLock
	clock  func() time.Time
	logger *slog.Logger
	tracer trace.Tracer
}

// NewEngine creates an engine.
func NewEngine(scenes Scenes, store Store, sink Sink) *Engine {
	return &Engine{
		scenes: scenes,
		store:  store,
		sink:   sink,
		locks:  newKeyLock(),
		clock:  time.Now,
		logger: slog.Default().With("component", "scene"),
		tracer: otel.Tracer(instrumentation),
	}
}

// WithClock overrides clock for testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Dispatch runs the step at the session's cursor. With no active scene it
// returns ErrNoActiveScene and the caller routes the turn elsewhere.
func (e *Engine) Dispatch(ctx context.Context, turn Turn) error {
	return e.withSession(ctx, turn, func(ctx context.Context, c *Context) error {
		return e.apply(ctx, c, Deliver{})
	})
}

// Start enters sceneID for the turn's session, replacing any active scene.
func (e *Engine) Start(ctx context.Context, turn Turn, sceneID string, params map[string]any) error {
	return e.withSession(ctx, turn, func(ctx context.Context, c *Context) error {
		return e.apply(ctx, c, Enter{SceneID: sceneID, Params: params})
	})
}

// Handle dispatches turn, entering fallback when no scene is active.
func (e *Engine) Handle(ctx context.Context, turn Turn, fallback string) error {
	return e.withSession(ctx, turn, func(ctx context.Context, c *Context) error {
		if c.Session.SceneID == "" {
			return e.apply(ctx, c, Enter{SceneID: fallback})
		}
		return e.apply(ctx, c, Deliver{})
	})
}

// Session returns a copy of the stored session, or ErrSessionNotFound.
func (e *Engine) Session(ctx context.Context, key string) (*Session, error) {
	return e.store.Get(ctx, key)
}

func (e *Engine) withSession(ctx context.Context, turn Turn, fn func(context.Context, *Context) error) error {
	ctx, span := e.tracer.Start(ctx, "scene.turn", trace.WithAttributes(
		attribute.String("conversation_key", turn.Key),
	))
	defer span.End()

	unlock := e.locks.Lock(turn.Key)
	defer unlock()

	sess, err := e.store.Get(ctx, turn.Key)
	if errors.Is(err, ErrSessionNotFound) {
		sess = NewSession(turn.Key, turn.UserID, turn.Locale)
	} else if err != nil {
		return fmt.Errorf("load session %s: %w", turn.Key, err)
	}
	if turn.Locale != "" {
		sess.Locale = turn.Locale
	}
	if turn.UserID != 0 {
		sess.UserID = turn.UserID
	}
	c := &Context{Turn: turn, Session: sess, engine: e}

	runErr := fn(ctx, c)
	if runErr != nil {
		span.RecordError(runErr)
	}
	if errors.Is(runErr, ErrNoActiveScene) && sess.Idle() {
		return runErr
	}
	if err := e.persist(ctx, sess); err != nil {
		return errors.Join(runErr, err)
	}
	if runErr != nil && !errors.Is(runErr, ErrNoActiveScene) {
		e.logger.ErrorContext(ctx, "step failed",
			"conversation_key", turn.Key, "scene", sess.SceneID, "cursor", sess.Cursor, "error", runErr)
	}
	return runErr
}

func (e *Engine) persist(ctx context.Context, sess *Session) error {
	if sess.Idle() {
		if err := e.store.Delete(ctx, sess.Key); err != nil {
			return fmt.Errorf("delete session %s: %w", sess.Key, err)
		}
		return nil
	}
	sess.UpdatedAt = e.clock().UTC()
	if err := e.store.Set(ctx, sess); err != nil {
		return fmt.Errorf("save session %s: %w", sess.Key, err)
	}
	return nil
}

// apply runs Transition and interprets its effects against c.Session.
func (e *Engine) apply(ctx context.Context, c *Context, ev Event) error {
	next, effects, err := Transition(c.Session.State(), ev, e.scenes)
	if err != nil {
		return err
	}
	c.Session.setState(next)

	for _, eff := range effects {
		switch eff := eff.(type) {
		case MergeParams:
			c.Session.merge(eff.Params)
		case ClearParams:
			c.Session.clear()
		case PushFrame:
			c.Session.Pending = append(c.Session.Pending, eff.Frame)
		case PopFrame:
			if n := len(c.Session.Pending); n > 0 {
				c.Session.Pending = c.Session.Pending[:n-1]
			}
		case ClearFrames:
			c.Session.Pending = nil
		case RunStep:
			if err := e.run(ctx, c, eff); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) run(ctx context.Context, c *Context, eff RunStep) error {
	c.steps++
	if c.steps > maxChainedSteps {
		return fmt.Errorf("%w: %s/%d", ErrStepLoop, eff.SceneID, eff.Cursor)
	}
	def, ok := e.scenes.Lookup(eff.SceneID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownScene, eff.SceneID)
	}
	return def.Steps[eff.Cursor](ctx, c)
}

func (e *Engine) top(c *Context) *Frame {
	n := len(c.Session.Pending)
	if n == 0 {
		return nil
	}
	f := c.Session.Pending[n-1]
	return &f
}

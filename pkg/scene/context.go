package scene

import "context"

// Context is what a step sees: the current turn, the session, and the
// engine operations that act on them within this turn.
type Context struct {
	Turn    Turn
	Session *Session

	engine *Engine
	steps  int
}

// Text is the turn's free text.
func (c *Context) Text() string { return c.Turn.Text }

// Locale is the session's active locale.
func (c *Context) Locale() string { return c.Session.Locale }

// UserID is the session owner.
func (c *Context) UserID() int64 { return c.Session.UserID }

// Enter sets the scene, cursor 0, merges params and runs step 0 now.
func (c *Context) Enter(ctx context.Context, sceneID string, params map[string]any) error {
	return c.engine.apply(ctx, c, Enter{SceneID: sceneID, Params: params})
}

// Advance moves to the next step; it runs on the next turn.
func (c *Context) Advance() error {
	return c.engine.apply(context.Background(), c, Advance{})
}

// Rewind moves back one step (not below 0) so it re-runs on the next turn.
func (c *Context) Rewind() error {
	return c.engine.apply(context.Background(), c, Rewind{})
}

// SelectStep jumps to index and runs it within this turn.
func (c *Context) SelectStep(ctx context.Context, index int) error {
	return c.engine.apply(ctx, c, Select{Index: index})
}

// Leave clears the scene, cursor and params. Idempotent.
func (c *Context) Leave() error {
	return c.engine.apply(context.Background(), c, Leave{})
}

// Call suspends the current scene and enters sceneID.
func (c *Context) Call(ctx context.Context, sceneID string, params map[string]any) error {
	return c.engine.apply(ctx, c, Call{SceneID: sceneID, Params: params})
}

// Return resumes the most recently suspended scene without running it.
func (c *Context) Return() error {
	return c.engine.apply(context.Background(), c, Return{To: c.engine.top(c)})
}

// Reset leaves the scene and drops every suspended scene.
func (c *Context) Reset() error {
	return c.engine.apply(context.Background(), c, Reset{})
}

// Reply sends a localized message to this conversation.
func (c *Context) Reply(ctx context.Context, key string, args ...any) error {
	return c.Send(ctx, Message{Key: key, Args: args})
}

// Send delivers msg, defaulting its locale to the session's.
func (c *Context) Send(ctx context.Context, msg Message) error {
	if msg.Locale == "" {
		msg.Locale = c.Session.Locale
	}
	return c.engine.sink.Send(ctx, c.Turn.Key, msg)
}

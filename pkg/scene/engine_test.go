package scene

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *recordingSink) Send(_ context.Context, _ string, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recordingSink) keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.msgs))
	for _, m := range r.msgs {
		out = append(out, m.Key)
	}
	return out
}

var errBoom = errors.New("boom")

// echoScene asks for a name, validates it and greets.
func echoScene() Definition {
	return Definition{ID: "echo", Steps: []Step{
		func(ctx context.Context, c *Context) error {
			if err := c.Reply(ctx, "ask_name"); err != nil {
				return err
			}
			return c.Advance()
		},
		func(ctx context.Context, c *Context) error {
			if c.Text() == "" {
				_ = c.Reply(ctx, "empty")
				return nil // stay on this step
			}
			c.Session.Set("name", c.Text())
			if err := c.Reply(ctx, "hello", c.Text()); err != nil {
				return err
			}
			return c.Advance()
		},
		func(ctx context.Context, c *Context) error {
			if c.Text() == "fail" {
				c.Session.Set("half_applied", true)
				return errBoom
			}
			if err := c.Reply(ctx, "bye", c.Session.String("name")); err != nil {
				return err
			}
			return c.Leave()
		},
	}}
}

func newTestEngine(t *testing.T, defs ...Definition) (*Engine, *recordingSink, *MemoryStore) {
	t.Helper()
	r := NewRegistry()
	r.MustRegister(Definition{ID: "menu", Steps: []Step{func(ctx context.Context, c *Context) error {
		return c.Reply(ctx, "menu")
	}}})
	r.MustRegister(defs...)
	sink := &recordingSink{}
	store := NewMemoryStore(time.Minute)
	return NewEngine(r, store, sink), sink, store
}

func turn(text string) Turn {
	return Turn{Key: "chat:1", UserID: 1, Locale: "en", Text: text}
}

func TestEngine_EnterRunsStepZeroAndAdvanceWaits(t *testing.T) {
	ctx := context.Background()
	e, sink, store := newTestEngine(t, echoScene())

	require.NoError(t, e.Start(ctx, turn("/echo"), "echo", map[string]any{"source": "test"}))
	assert.Equal(t, []string{"ask_name"}, sink.keys())

	s, err := store.Get(ctx, "chat:1")
	require.NoError(t, err)
	assert.Equal(t, "echo", s.SceneID)
	assert.Equal(t, 1, s.Cursor, "advance moves the cursor without running the next step")
	assert.Equal(t, "test", s.String("source"))

	require.NoError(t, e.Dispatch(ctx, turn("Ada")))
	require.NoError(t, e.Dispatch(ctx, turn("ok")))
	assert.Equal(t, []string{"ask_name", "hello", "bye"}, sink.keys())

	_, err = store.Get(ctx, "chat:1")
	assert.ErrorIs(t, err, ErrSessionNotFound, "leaving clears the session")
}

func TestEngine_StepIsReentrant(t *testing.T) {
	ctx := context.Background()
	e, sink, store := newTestEngine(t, echoScene())

	require.NoError(t, e.Start(ctx, turn(""), "echo", nil))
	require.NoError(t, e.Dispatch(ctx, turn("")))
	require.NoError(t, e.Dispatch(ctx, turn("")))
	require.NoError(t, e.Dispatch(ctx, turn("Bob")))
	assert.Equal(t, []string{"ask_name", "empty", "empty", "hello"}, sink.keys())

	s, _ := store.Get(ctx, "chat:1")
	assert.Equal(t, "Bob", s.String("name"))
}

func TestEngine_NoActiveScene(t *testing.T) {
	e, sink, store := newTestEngine(t)
	err := e.Dispatch(context.Background(), turn("hi"))
	assert.ErrorIs(t, err, ErrNoActiveScene)
	assert.Empty(t, sink.keys())
	assert.Zero(t, store.Len())
}

func TestEngine_HandleFallsBack(t *testing.T) {
	e, sink, _ := newTestEngine(t)
	require.NoError(t, e.Handle(context.Background(), turn("hi"), "menu"))
	assert.Equal(t, []string{"menu"}, sink.keys())
}

func TestEngine_UnknownScene(t *testing.T) {
	e, _, _ := newTestEngine(t)
	assert.ErrorIs(t, e.Start(context.Background(), turn(""), "missing", nil), ErrUnknownScene)
}

func TestEngine_FailedStepIsPersistedWithoutRollback(t *testing.T) {
	ctx := context.Background()
	e, _, store := newTestEngine(t, echoScene())

	require.NoError(t, e.Start(ctx, turn(""), "echo", nil))
	require.NoError(t, e.Dispatch(ctx, turn("Ada")))
	err := e.Dispatch(ctx, turn("fail"))
	assert.ErrorIs(t, err, errBoom)

	s, err := store.Get(ctx, "chat:1")
	require.NoError(t, err)
	assert.Equal(t, 2, s.Cursor)
	assert.Equal(t, true, s.Params["half_applied"])
}

func TestEngine_SelectStepRunsImmediately(t *testing.T) {
	ctx := context.Background()
	var ran []int
	step := func(i int) Step {
		return func(ctx context.Context, c *Context) error {
			ran = append(ran, i)
			if i == 0 && c.Turn.Choice == "jump" {
				return c.SelectStep(ctx, 2)
			}
			return nil
		}
	}
	e, _, store := newTestEngine(t, Definition{ID: "branch", Steps: []Step{step(0), step(1), step(2)}})

	require.NoError(t, e.Start(ctx, Turn{Key: "chat:1", Choice: "jump"}, "branch", nil))
	assert.Equal(t, []int{0, 2}, ran)
	s, _ := store.Get(ctx, "chat:1")
	assert.Equal(t, 2, s.Cursor)
}

func TestEngine_RewindRepeatsStep(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	def := Definition{ID: "ask", Steps: []Step{
		func(ctx context.Context, c *Context) error { return c.Advance() },
		func(ctx context.Context, c *Context) error {
			calls.Add(1)
			if c.Text() != "42" {
				// move back and forward so the same step re-runs next turn
				if err := c.Rewind(); err != nil {
					return err
				}
				return c.Advance()
			}
			return c.Leave()
		},
	}}
	e, _, store := newTestEngine(t, def)
	require.NoError(t, e.Start(ctx, turn(""), "ask", nil))
	require.NoError(t, e.Dispatch(ctx, turn("x")))
	s, _ := store.Get(ctx, "chat:1")
	assert.Equal(t, 1, s.Cursor)
	require.NoError(t, e.Dispatch(ctx, turn("42")))
	assert.Equal(t, int32(2), calls.Load())
}

func TestEngine_CallAndReturn(t *testing.T) {
	ctx := context.Background()
	caller := Definition{ID: "caller", Steps: []Step{
		func(ctx context.Context, c *Context) error { return c.Advance() },
		func(ctx context.Context, c *Context) error {
			if c.Text() == "help" {
				return c.Call(ctx, "callee", nil)
			}
			return c.Reply(ctx, "caller_step_1")
		},
	}}
	callee := Definition{ID: "callee", Steps: []Step{
		func(ctx context.Context, c *Context) error {
			if err := c.Reply(ctx, "callee"); err != nil {
				return err
			}
			return c.Return()
		},
	}}
	e, sink, store := newTestEngine(t, caller, callee)

	require.NoError(t, e.Start(ctx, turn(""), "caller", nil))
	require.NoError(t, e.Dispatch(ctx, turn("help")))
	s, _ := store.Get(ctx, "chat:1")
	assert.Equal(t, "caller", s.SceneID)
	assert.Equal(t, 1, s.Cursor)
	assert.Empty(t, s.Pending)

	require.NoError(t, e.Dispatch(ctx, turn("go")))
	assert.Equal(t, []string{"callee", "caller_step_1"}, sink.keys())
}

func TestEngine_ResetClearsStack(t *testing.T) {
	ctx := context.Background()
	callee := Definition{ID: "callee", Steps: []Step{
		noop,
		func(ctx context.Context, c *Context) error { return c.Reset() },
	}}
	caller := Definition{ID: "caller", Steps: []Step{
		func(ctx context.Context, c *Context) error { return c.Call(ctx, "callee", nil) },
	}}
	e, _, store := newTestEngine(t, caller, callee)

	require.NoError(t, e.Start(ctx, turn(""), "caller", nil))
	s, _ := store.Get(ctx, "chat:1")
	require.Len(t, s.Pending, 1)

	// move the callee to its second step directly
	s.Cursor = 1
	require.NoError(t, store.Set(ctx, s))
	require.NoError(t, e.Dispatch(ctx, turn("cancel")))
	_, err := store.Get(ctx, "chat:1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestEngine_StepLoopIsBounded(t *testing.T) {
	loop := Definition{ID: "loop", Steps: []Step{
		func(ctx context.Context, c *Context) error { return c.SelectStep(ctx, 0) },
	}}
	e, _, _ := newTestEngine(t, loop)
	assert.ErrorIs(t, e.Start(context.Background(), turn(""), "loop", nil), ErrStepLoop)
}

func TestEngine_TurnsForOneKeyAreSerialized(t *testing.T) {
	ctx := context.Background()
	var (
		inFlight atomic.Int32
		overlap  atomic.Bool
	)
	slow := Definition{ID: "slow", Steps: []Step{
		func(ctx context.Context, c *Context) error {
			if inFlight.Add(1) > 1 {
				overlap.Store(true)
			}
			time.Sleep(5 * time.Millisecond)
			n, _ := c.Session.Int64("n")
			c.Session.Set("n", n+1)
			inFlight.Add(-1)
			return nil
		},
	}}
	e, _, store := newTestEngine(t, slow)
	require.NoError(t, e.Start(ctx, turn(""), "slow", nil))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, e.Dispatch(ctx, turn("")))
		}()
	}
	wg.Wait()

	assert.False(t, overlap.Load())
	s, _ := store.Get(ctx, "chat:1")
	n, _ := s.Int64("n")
	assert.Equal(t, int64(11), n)
}

func TestMemoryStore_IdleSessionsExpire(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(20 * time.Millisecond)
	s := NewSession("k", 1, "en")
	s.SceneID, s.Cursor = "image", 1
	s.Set("quote", map[string]any{"total": 5})
	require.NoError(t, store.Set(ctx, s))

	_, err := store.Get(ctx, "k")
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)
	_, err = store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestTextStep_GuardShortCircuits(t *testing.T) {
	var ran bool
	step := TextStep(
		func(ctx context.Context, c *Context) (bool, error) { return c.Text() == "stop", nil },
		func(ctx context.Context, c *Context) error { ran = true; return nil },
	)
	c := &Context{Turn: Turn{Text: "stop"}, Session: NewSession("k", 1, "en")}
	require.NoError(t, step(context.Background(), c))
	assert.False(t, ran)

	c.Turn.Text = "go"
	require.NoError(t, step(context.Background(), c))
	assert.True(t, ran)
}

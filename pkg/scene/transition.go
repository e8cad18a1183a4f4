package scene

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownScene   = errors.New("scene: unknown scene")
	ErrStepOutOfRange = errors.New("scene: step out of range")
	ErrNoActiveScene  = errors.New("scene: no active scene")
	ErrEmptyStack     = errors.New("scene: no pending scene to return to")
)

// State is Idle or Active.
type State interface{ isState() }

// Idle means no scene is active; turns are routed elsewhere.
type Idle struct{}

// Active is a scene positioned at a step.
type Active struct {
	SceneID string
	Cursor  int
}

func (Idle) isState()   {}
func (Active) isState() {}

// Event is an input to Transition.
type Event interface{ isEvent() }

type (
	// Enter activates a scene at step 0 and runs it.
	Enter struct {
		SceneID string
		Params  map[string]any
	}
	// Advance moves to the next step without running it.
	Advance struct{}
	// Rewind moves to the previous step without running it.
	Rewind struct{}
	// Select jumps to a step and runs it in the same turn.
	Select struct{ Index int }
	// Leave deactivates the scene and clears its params.
	Leave struct{}
	// Call suspends the current scene on the pending stack and enters another.
	Call struct {
		SceneID string
		Params  map[string]any
	}
	// Return resumes the frame on top of the pending stack without running it.
	// To is nil when the stack is empty.
	Return struct{ To *Frame }
	// Reset is Leave that also drops the pending stack.
	Reset struct{}
	// Deliver runs the step at the current cursor for an incoming turn.
	Deliver struct{}
)

func (Enter) isEvent()   {}
func (Advance) isEvent() {}
func (Rewind) isEvent()  {}
func (Select) isEvent()  {}
func (Leave) isEvent()   {}
func (Call) isEvent()    {}
func (Return) isEvent()  {}
func (Reset) isEvent()   {}
func (Deliver) isEvent() {}

// Effect is a side effect the engine performs after a transition.
type Effect interface{ isEffect() }

type (
	RunStep struct {
		SceneID string
		Cursor  int
	}
	MergeParams struct{ Params map[string]any }
	ClearParams struct{}
	PushFrame   struct{ Frame Frame }
	PopFrame    struct{}
	ClearFrames struct{}
)

func (RunStep) isEffect()     {}
func (MergeParams) isEffect() {}
func (ClearParams) isEffect() {}
func (PushFrame) isEffect()   {}
func (PopFrame) isEffect()    {}
func (ClearFrames) isEffect() {}

// Scenes resolves scene ids to definitions.
type Scenes interface {
	Lookup(sceneID string) (Definition, bool)
}

// Transition is the pure state machine behind the engine. It never
// touches a store or a transport; effects are applied by the caller in
// order.
func Transition(s State, ev Event, scenes Scenes) (State, []Effect, error) {
	switch ev := ev.(type) {
	case Enter:
		if _, ok := scenes.Lookup(ev.SceneID); !ok {
			return s, nil, fmt.Errorf("%w: %q", ErrUnknownScene, ev.SceneID)
		}
		next := Active{SceneID: ev.SceneID, Cursor: 0}
		return next, withParams(ev.Params, RunStep{SceneID: ev.SceneID, Cursor: 0}), nil

	case Call:
		cur, ok := s.(Active)
		if !ok {
			return s, nil, ErrNoActiveScene
		}
		if _, ok := scenes.Lookup(ev.SceneID); !ok {
			return s, nil, fmt.Errorf("%w: %q", ErrUnknownScene, ev.SceneID)
		}
		next := Active{SceneID: ev.SceneID, Cursor: 0}
		effects := []Effect{PushFrame{Frame: Frame{SceneID: cur.SceneID, Cursor: cur.Cursor}}}
		effects = append(effects, withParams(ev.Params, RunStep{SceneID: ev.SceneID, Cursor: 0})...)
		return next, effects, nil

	case Return:
		if ev.To == nil {
			return s, nil, ErrEmptyStack
		}
		if _, ok := scenes.Lookup(ev.To.SceneID); !ok {
			return s, nil, fmt.Errorf("%w: %q", ErrUnknownScene, ev.To.SceneID)
		}
		return Active{SceneID: ev.To.SceneID, Cursor: ev.To.Cursor}, []Effect{PopFrame{}}, nil

	case Leave:
		return Idle{}, []Effect{ClearParams{}}, nil

	case Reset:
		return Idle{}, []Effect{ClearParams{}, ClearFrames{}}, nil
	}

	// The remaining events need an active scene.
	cur, ok := s.(Active)
	if !ok {
		return s, nil, ErrNoActiveScene
	}
	def, ok := scenes.Lookup(cur.SceneID)
	if !ok {
		return s, nil, fmt.Errorf("%w: %q", ErrUnknownScene, cur.SceneID)
	}

	switch ev := ev.(type) {
	case Advance:
		if cur.Cursor+1 >= len(def.Steps) {
			return s, nil, fmt.Errorf("%w: %s has no step %d", ErrStepOutOfRange, cur.SceneID, cur.Cursor+1)
		}
		return Active{SceneID: cur.SceneID, Cursor: cur.Cursor + 1}, nil, nil

	case Rewind:
		return Active{SceneID: cur.SceneID, Cursor: max(cur.Cursor-1, 0)}, nil, nil

	case Select:
		if ev.Index < 0 || ev.Index >= len(def.Steps) {
			return s, nil, fmt.Errorf("%w: %s has no step %d", ErrStepOutOfRange, cur.SceneID, ev.Index)
		}
		next := Active{SceneID: cur.SceneID, Cursor: ev.Index}
		return next, []Effect{RunStep{SceneID: cur.SceneID, Cursor: ev.Index}}, nil

	case Deliver:
		if cur.Cursor < 0 || cur.Cursor >= len(def.Steps) {
			return s, nil, fmt.Errorf("%w: %s has no step %d", ErrStepOutOfRange, cur.SceneID, cur.Cursor)
		}
		return cur, []Effect{RunStep{SceneID: cur.SceneID, Cursor: cur.Cursor}}, nil
	}

	return s, nil, fmt.Errorf("scene: unhandled event %T", ev)
}

func withParams(params map[string]any, run RunStep) []Effect {
	if len(params) == 0 {
		return []Effect{run}
	}
	return []Effect{MergeParams{Params: params}, run}
}

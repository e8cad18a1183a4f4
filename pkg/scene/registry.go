package scene

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrDuplicateScene = errors.New("scene: duplicate scene id")
	ErrEmptyScene     = errors.New("scene: scene has no steps")
)

// Step handles one turn at one cursor position. It must read params fresh
// on every call; the same step may run many times.
type Step func(ctx context.Context, c *Context) error

// Definition is a named, ordered list of steps.
type Definition struct {
	ID    string
	Steps []Step
}

// Registry maps scene ids to definitions. Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	scenes map[string]Definition
}

func NewRegistry() *Registry {
	return &Registry{scenes: make(map[string]Definition)}
}

// Register adds a scene definition.
func (r *Registry) Register(def Definition) error {
	if def.ID == "" {
		return fmt.Errorf("scene: empty scene id")
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("%w: %s", ErrEmptyScene, def.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.scenes[def.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateScene, def.ID)
	}
	r.scenes[def.ID] = def
	return nil
}

// MustRegister is Register for static wiring; it panics on error.
func (r *Registry) MustRegister(defs ...Definition) {
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			panic(err)
		}
	}
}

func (r *Registry) Lookup(sceneID string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.scenes[sceneID]
	return def, ok
}

// IDs lists registered scenes in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.scenes))
	for id := range r.scenes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

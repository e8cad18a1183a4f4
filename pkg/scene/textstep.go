package scene

import "context"

// Guard runs before a free-text step. handled=true means the guard
// consumed the turn and the step must not run.
type Guard func(ctx context.Context, c *Context) (handled bool, err error)

// TextStep wraps a step that interprets free text so guard always runs
// first.
func TextStep(guard Guard, step Step) Step {
	return func(ctx context.Context, c *Context) error {
		handled, err := guard(ctx, c)
		if err != nil || handled {
			return err
		}
		return step(ctx, c)
	}
}

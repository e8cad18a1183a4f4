package flows

import (
	"context"
	"errors"
	"strings"

	"github.com/Mindburn-Labs/stargate/pkg/ledger"
	"github.com/Mindburn-Labs/stargate/pkg/locale"
	"github.com/Mindburn-Labs/stargate/pkg/scene"
)

const choiceBalance = "balance"

var menuChoices = map[string]string{
	"image":    Image,
	"video":    Video,
	"speech":   Speech,
	"training": Training,
}

func (f *flows) menu() scene.Definition {
	return scene.Definition{ID: Menu, Steps: []scene.Step{
		func(ctx context.Context, c *scene.Context) error {
			if err := c.Reply(ctx, locale.MenuMain); err != nil {
				return err
			}
			return c.Advance()
		},
		f.Interceptor.TextStep(func(ctx context.Context, c *scene.Context) error {
			choice := strings.ToLower(input(c))
			if choice == choiceBalance {
				return f.showBalance(ctx, c)
			}
			target, ok := menuChoices[choice]
			if !ok {
				return c.Reply(ctx, locale.MenuMain)
			}
			return c.Enter(ctx, target, nil)
		}),
	}}
}

func (f *flows) showBalance(ctx context.Context, c *scene.Context) error {
	p, err := f.Directory.Lookup(ctx, c.UserID())
	if errors.Is(err, ledger.ErrUserNotFound) {
		if err := c.Reply(ctx, locale.StartProfileNotFound); err != nil {
			return err
		}
		return c.Enter(ctx, Start, nil)
	}
	if err != nil {
		return f.fail(ctx, c, err)
	}
	d := f.Calculator.Display(p.Balance)
	return c.Reply(ctx, locale.BalanceShow, p.Balance, d.USD.StringFixed(2))
}

func (f *flows) help() scene.Definition {
	return scene.Definition{ID: Help, Steps: []scene.Step{
		func(ctx context.Context, c *scene.Context) error {
			if err := c.Reply(ctx, locale.HelpText); err != nil {
				return err
			}
			return c.Leave()
		},
	}}
}

// start is the onboarding entry point. Accounts and subscriptions are
// provisioned outside the conversation.
func (f *flows) start() scene.Definition {
	return scene.Definition{ID: Start, Steps: []scene.Step{
		func(ctx context.Context, c *scene.Context) error {
			if err := c.Reply(ctx, locale.StartWelcome); err != nil {
				return err
			}
			return c.Leave()
		},
	}}
}

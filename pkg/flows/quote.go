package flows

import (
	"context"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/Mindburn-Labs/stargate/pkg/locale"
	"github.com/Mindburn-Labs/stargate/pkg/pricing"
	"github.com/Mindburn-Labs/stargate/pkg/scene"
)

// askPrompt replies key and moves on to the step that reads the answer.
func askPrompt(key string, args ...any) scene.Step {
	return func(ctx context.Context, c *scene.Context) error {
		if err := c.Reply(ctx, key, args...); err != nil {
			return err
		}
		return c.Advance()
	}
}

func (f *flows) models() []string {
	keys := make([]string, 0, len(f.Calculator.Config().Models))
	for k := range f.Calculator.Config().Models {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// image: prompt, then model, then the gate.
func (f *flows) image() scene.Definition {
	return scene.Definition{ID: Image, Steps: []scene.Step{
		askPrompt(locale.ImageAskPrompt),
		f.Interceptor.TextStep(func(ctx context.Context, c *scene.Context) error {
			prompt := input(c)
			if prompt == "" {
				return c.Reply(ctx, locale.ImageAskPrompt)
			}
			c.Session.Set(paramPrompt, prompt)
			if err := c.Reply(ctx, locale.ImageChooseModel, strings.Join(f.models(), ", ")); err != nil {
				return err
			}
			return c.Advance()
		}),
		f.Interceptor.TextStep(func(ctx context.Context, c *scene.Context) error {
			models := f.models()
			i := slices.IndexFunc(models, func(m string) bool { return strings.EqualFold(m, input(c)) })
			if i < 0 {
				return c.Reply(ctx, locale.ImageInvalidModel, strings.Join(models, ", "))
			}
			q, err := f.Calculator.QuoteModel(pricing.OperationImage, models[i])
			if err != nil {
				return f.fail(ctx, c, err)
			}
			c.Session.Set(paramModel, models[i])
			_, err = f.Gate.Admit(ctx, c, ImagePaid, q)
			return err
		}),
	}}
}

// video: prompt, then duration in seconds, priced per second.
func (f *flows) video() scene.Definition {
	return scene.Definition{ID: Video, Steps: []scene.Step{
		askPrompt(locale.VideoAskPrompt),
		f.Interceptor.TextStep(func(ctx context.Context, c *scene.Context) error {
			prompt := input(c)
			if prompt == "" {
				return c.Reply(ctx, locale.VideoAskPrompt)
			}
			c.Session.Set(paramPrompt, prompt)
			if err := c.Reply(ctx, locale.VideoAskDuration, f.MaxVideoSeconds); err != nil {
				return err
			}
			return c.Advance()
		}),
		f.Interceptor.TextStep(func(ctx context.Context, c *scene.Context) error {
			seconds, ok := parseBounded(input(c), f.MaxVideoSeconds)
			if !ok {
				return c.Reply(ctx, locale.VideoInvalidDuration, f.MaxVideoSeconds)
			}
			q, err := f.Calculator.QuoteUnits(pricing.OperationVideo, seconds)
			if err != nil {
				return f.fail(ctx, c, err)
			}
			_, err = f.Gate.Admit(ctx, c, VideoPaid, q)
			return err
		}),
	}}
}

// speech: the text to voice, priced per character.
func (f *flows) speech() scene.Definition {
	return scene.Definition{ID: Speech, Steps: []scene.Step{
		askPrompt(locale.SpeechAskText),
		f.Interceptor.TextStep(func(ctx context.Context, c *scene.Context) error {
			text := strings.TrimSpace(c.Text())
			if text == "" {
				return c.Reply(ctx, locale.SpeechEmptyText)
			}
			q, err := f.Calculator.QuoteUnits(pricing.OperationSpeech, int64(utf8.RuneCountInString(text)))
			if err != nil {
				return f.fail(ctx, c, err)
			}
			c.Session.Set(paramPrompt, text)
			_, err = f.Gate.Admit(ctx, c, SpeechPaid, q)
			return err
		}),
	}}
}

// training: number of steps, quoted in stars and both display currencies.
func (f *flows) training() scene.Definition {
	return scene.Definition{ID: Training, Steps: []scene.Step{
		askPrompt(locale.TrainingAskSteps),
		f.Interceptor.TextStep(func(ctx context.Context, c *scene.Context) error {
			steps, ok := parseBounded(input(c), f.MaxTrainingSteps)
			if !ok {
				return c.Reply(ctx, locale.TrainingInvalidSteps, f.MaxTrainingSteps)
			}
			cfg := f.Calculator.Config()
			rates := cfg.TrainingRates()
			if err := c.Reply(ctx, locale.TrainingQuote, steps,
				pricing.TrainingCost(steps, rates).StringFixed(2),
				pricing.TrainingCostUSD(steps, rates).StringFixed(2),
				pricing.TrainingCostLocal(steps, rates).StringFixed(2),
				cfg.LocalCurrency,
			); err != nil {
				return err
			}
			_, err := f.Gate.Admit(ctx, c, TrainingPaid, f.Calculator.QuoteTraining(steps))
			return err
		}),
	}}
}

// parseBounded accepts a whole number in [1, limit].
func parseBounded(s string, limit int64) (int64, bool) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 1 || n > limit {
		return 0, false
	}
	return n, true
}

// Package flows defines the concrete scenes: the menu, help and onboarding
// scenes, one quoting scene per paid operation, and the paid scene each
// quoting scene forwards into through the balance gate.
package flows

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/Mindburn-Labs/stargate/pkg/charge"
	"github.com/Mindburn-Labs/stargate/pkg/gate"
	"github.com/Mindburn-Labs/stargate/pkg/generation"
	"github.com/Mindburn-Labs/stargate/pkg/intercept"
	"github.com/Mindburn-Labs/stargate/pkg/locale"
	"github.com/Mindburn-Labs/stargate/pkg/notify"
	"github.com/Mindburn-Labs/stargate/pkg/pricing"
	"github.com/Mindburn-Labs/stargate/pkg/scene"
)

// Scene ids.
const (
	Menu         = "menu"
	Help         = "help"
	Start        = "start"
	Image        = "image"
	ImagePaid    = "image_paid"
	Video        = "video"
	VideoPaid    = "video_paid"
	Speech       = "speech"
	SpeechPaid   = "speech_paid"
	Training     = "training"
	TrainingPaid = "training_paid"
)

// Session parameters set by the quoting scenes.
const (
	paramPrompt = "prompt"
	paramModel  = "model"
)

const (
	DefaultMaxVideoSeconds  = 10
	DefaultMaxTrainingSteps = 5000
)

// Charger runs a paid operation through debit, attempt and compensation.
type Charger interface {
	Run(ctx context.Context, c charge.Charge, attempt charge.Attempt) (charge.Result, error)
}

// Deps are the collaborators the scenes use.
type Deps struct {
	Calculator  *pricing.Calculator
	Gate        *gate.Gate
	Directory   gate.Directory
	Charger     Charger
	Generator   generation.Client
	Interceptor *intercept.Interceptor
	Notifier    notify.Notifier
	Logger      *slog.Logger

	MaxVideoSeconds  int64
	MaxTrainingSteps int64
}

type flows struct {
	Deps
}

// Register adds every scene to reg.
func Register(reg *scene.Registry, d Deps) error {
	if d.Calculator == nil || d.Gate == nil || d.Directory == nil || d.Charger == nil || d.Interceptor == nil {
		return errors.New("flows: missing dependency")
	}
	if d.Generator == nil {
		d.Generator = generation.Unconfigured
	}
	if d.Notifier == nil {
		d.Notifier = notify.Nop{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default().With("component", "flows")
	}
	if d.MaxVideoSeconds <= 0 {
		d.MaxVideoSeconds = DefaultMaxVideoSeconds
	}
	if d.MaxTrainingSteps <= 0 {
		d.MaxTrainingSteps = DefaultMaxTrainingSteps
	}
	f := &flows{Deps: d}

	defs := []scene.Definition{
		f.menu(), f.help(), f.start(),
		f.image(), f.video(), f.speech(), f.training(),
		f.paid(ImagePaid, pricing.OperationImage),
		f.paid(VideoPaid, pricing.OperationVideo),
		f.paid(SpeechPaid, pricing.OperationSpeech),
		f.paid(TrainingPaid, pricing.OperationTraining),
	}
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// input is the turn's button payload, or its trimmed text.
func input(c *scene.Context) string {
	if c.Turn.Choice != "" {
		return c.Turn.Choice
	}
	return strings.TrimSpace(c.Text())
}

// fail ends the scene after an internal error. The user only sees the
// generic message; the error is logged.
func (f *flows) fail(ctx context.Context, c *scene.Context, err error) error {
	f.Logger.ErrorContext(ctx, "flow aborted",
		"conversation_key", c.Turn.Key, "scene", c.Session.SceneID, "error", err)
	if lerr := c.Leave(); lerr != nil {
		return lerr
	}
	return c.Reply(ctx, locale.ErrorGeneric)
}

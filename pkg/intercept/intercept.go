// Package intercept recognizes cancel and help keywords at the start of
// every free-text step.
//
// Matching is an exact, case-insensitive comparison after trimming and NFC
// normalization. Keyword sets are per base language and never shared: a
// Russian session does not react to the English "cancel".
package intercept

import (
	"context"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/stargate/pkg/locale"
	"github.com/Mindburn-Labs/stargate/pkg/scene"
)

// Match is the result of Check.
type Match int

const (
	MatchNone Match = iota
	MatchCancel
	MatchHelp
)

func (m Match) String() string {
	switch m {
	case MatchCancel:
		return "cancel"
	case MatchHelp:
		return "help"
	default:
		return "none"
	}
}

// DefaultKeywords returns the built-in keyword sets.
func DefaultKeywords() map[string]locale.Keywords {
	return map[string]locale.Keywords{
		"en": {Cancel: []string{"cancel", "/cancel", "stop"}, Help: []string{"help", "/help"}},
		"ru": {Cancel: []string{"отмена", "стоп"}, Help: []string{"помощь", "справка"}},
	}
}

type keywordSet struct {
	cancel map[string]struct{}
	help   map[string]struct{}
}

// Options configures an Interceptor.
type Options struct {
	MenuScene string
	HelpScene string
	// Keywords replaces the default set of each locale it names.
	Keywords map[string]locale.Keywords
}

// Interceptor checks turns against the keyword sets and redirects the
// conversation on a match.
type Interceptor struct {
	sets      map[language.Base]keywordSet
	fallback  language.Base
	menuScene string
	helpScene string
	logger    *slog.Logger
	matches   metric.Int64Counter
}

// New creates an interceptor. Locale keys that do not parse are ignored.
func New(opts Options) *Interceptor {
	kw := DefaultKeywords()
	for loc, set := range opts.Keywords {
		kw[loc] = set
	}
	en, _ := language.English.Base()
	i := &Interceptor{
		sets:      make(map[language.Base]keywordSet, len(kw)),
		fallback:  en,
		menuScene: opts.MenuScene,
		helpScene: opts.HelpScene,
		logger:    slog.Default().With("component", "intercept"),
	}
	for loc, set := range kw {
		tag, err := language.Parse(loc)
		if err != nil {
			i.logger.Warn("ignoring keywords for unparsable locale", "locale", loc, "error", err)
			continue
		}
		base, _ := tag.Base()
		i.sets[base] = keywordSet{cancel: fold(set.Cancel), help: fold(set.Help)}
	}
	i.matches, _ = otel.Meter("github.com/Mindburn-Labs/stargate/pkg/intercept").
		Int64Counter("stargate.intercept.matches", metric.WithUnit("{match}"))
	return i
}

func normalize(s string) string {
	return cases.Fold().String(norm.NFC.String(strings.TrimSpace(s)))
}

func fold(words []string) map[string]struct{} {
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		if n := normalize(w); n != "" {
			out[n] = struct{}{}
		}
	}
	return out
}

// set returns the keyword set of loc's base language. Locales without a
// set use English.
func (i *Interceptor) set(loc string) keywordSet {
	if tag, err := language.Parse(loc); err == nil {
		base, _ := tag.Base()
		if s, ok := i.sets[base]; ok {
			return s
		}
	}
	return i.sets[i.fallback]
}

// Check classifies text under loc.
func (i *Interceptor) Check(text, loc string) Match {
	n := normalize(text)
	if n == "" {
		return MatchNone
	}
	s := i.set(loc)
	if _, ok := s.cancel[n]; ok {
		return MatchCancel
	}
	if _, ok := s.help[n]; ok {
		return MatchHelp
	}
	return MatchNone
}

// Intercept applies Check to the turn. On cancel it confirms, drops the
// session state and enters the menu. On help it leaves the current scene
// and enters help. A non-None result means the caller must stop.
func (i *Interceptor) Intercept(ctx context.Context, c *scene.Context) (Match, error) {
	m := i.Check(c.Text(), c.Locale())
	if m == MatchNone {
		return m, nil
	}
	if i.matches != nil {
		i.matches.Add(ctx, 1, metric.WithAttributes(attribute.String("match", m.String())))
	}
	i.logger.InfoContext(ctx, "turn intercepted",
		"conversation_key", c.Turn.Key, "scene", c.Session.SceneID, "match", m.String())

	switch m {
	case MatchCancel:
		if err := c.Reply(ctx, locale.CancelConfirmed); err != nil {
			return m, err
		}
		if err := c.Reset(); err != nil {
			return m, err
		}
		return m, c.Enter(ctx, i.menuScene, nil)
	default:
		if err := c.Leave(); err != nil {
			return m, err
		}
		return m, c.Enter(ctx, i.helpScene, nil)
	}
}

// Guard adapts Intercept to scene.Guard.
func (i *Interceptor) Guard(ctx context.Context, c *scene.Context) (bool, error) {
	m, err := i.Intercept(ctx, c)
	return m != MatchNone, err
}

// TextStep wraps a free-text step so the interceptor runs first.
func (i *Interceptor) TextStep(step scene.Step) scene.Step {
	return scene.TextStep(i.Guard, step)
}

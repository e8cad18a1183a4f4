// Package locale renders message keys into English or Russian text, or into
// any locale given overrides, using golang.org/x/text/message. Unknown
// locales fall back to English.
package locale

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
	"gopkg.in/yaml.v3"
)

// Message keys.
const (
	MenuMain                  = "menu.main"
	HelpText                  = "help.text"
	StartWelcome              = "start.welcome"
	StartProfileNotFound      = "start.profile_not_found"
	StartSubscriptionRequired = "start.subscription_required"
	CancelConfirmed           = "cancel.confirmed"
	ErrorGeneric              = "error.generic"
	GateShortfall             = "gate.shortfall"
	ImageAskPrompt            = "image.ask_prompt"
	ImageChooseModel          = "image.choose_model"
	ImageInvalidModel         = "image.invalid_model"
	VideoAskPrompt            = "video.ask_prompt"
	VideoAskDuration          = "video.ask_duration"
	VideoInvalidDuration      = "video.invalid_duration"
	SpeechAskText             = "speech.ask_text"
	SpeechEmptyText           = "speech.empty_text"
	TrainingAskSteps          = "training.ask_steps"
	TrainingInvalidSteps      = "training.invalid_steps"
	TrainingQuote             = "training.quote"
	PaidConfirm               = "paid.confirm"
	PaidInvalidAnswer         = "paid.invalid_answer"
	PaidDeclined              = "paid.declined"
	PaidAccepted              = "paid.accepted"
	PaidRefunded              = "paid.refunded"
	PaidRefundPending         = "paid.refund_pending"
	GenerationReady           = "generation.ready"
	GenerationFailedRefunded  = "generation.failed_refunded"
	BalanceShow               = "balance.show"
)

var defaultMessages = map[language.Tag]map[string]string{
	language.English: {
		MenuMain:                  "Main menu. Send image, video, speech or training to start.",
		HelpText:                  "Send cancel at any time to stop. Each generation costs stars; your balance is shown before you pay.",
		StartWelcome:              "Welcome! Activate a subscription to start generating.",
		StartProfileNotFound:      "Your profile was not found. Let's set it up.",
		StartSubscriptionRequired: "An active subscription is required for this feature.",
		CancelConfirmed:           "Cancelled.",
		ErrorGeneric:              "Something went wrong. Please try again later.",
		GateShortfall:             "This costs %d stars but your balance is %d. Top up and try again.",
		ImageAskPrompt:            "Describe the image you want.",
		ImageChooseModel:          "Choose a model: %s",
		ImageInvalidModel:         "Unknown model. Choose one of: %s",
		VideoAskPrompt:            "Describe the video you want.",
		VideoAskDuration:          "How many seconds long (1 to %d)?",
		VideoInvalidDuration:      "Send a whole number of seconds from 1 to %d.",
		SpeechAskText:             "Send the text to voice.",
		SpeechEmptyText:           "The text is empty. Send the text to voice.",
		TrainingAskSteps:          "How many training steps?",
		TrainingInvalidSteps:      "Send a whole number of steps from 1 to %d.",
		TrainingQuote:             "%d steps cost %s stars (about $%s, %s %s).",
		PaidConfirm:               "This costs %d stars. Reply yes to confirm or no to stop.",
		PaidInvalidAnswer:         "Reply yes or no.",
		PaidDeclined:              "Nothing was charged.",
		PaidAccepted:              "Started. %d stars debited, balance %d.",
		PaidRefunded:              "The request failed. %d stars were returned to your balance.",
		PaidRefundPending:         "The request failed. Your %d stars will be returned shortly.",
		GenerationReady:           "Your result is ready.",
		GenerationFailedRefunded:  "Generation failed. %d stars were returned to your balance.",
		BalanceShow:               "Balance: %d stars (about $%s).",
	},
	language.Russian: {
		MenuMain:                  "Главное меню. Отправьте image, video, speech или training.",
		HelpText:                  "Отправьте «отмена», чтобы остановиться. Каждая генерация стоит звёзды; баланс показывается до оплаты.",
		StartWelcome:              "Добро пожаловать! Оформите подписку, чтобы начать.",
		StartProfileNotFound:      "Профиль не найден. Давайте его создадим.",
		StartSubscriptionRequired: "Для этой функции нужна активная подписка.",
		CancelConfirmed:           "Отменено.",
		ErrorGeneric:              "Что-то пошло не так. Попробуйте позже.",
		GateShortfall:             "Стоимость %d звёзд, а на балансе %d. Пополните баланс и попробуйте снова.",
		ImageAskPrompt:            "Опишите изображение.",
		ImageChooseModel:          "Выберите модель: %s",
		ImageInvalidModel:         "Неизвестная модель. Доступны: %s",
		VideoAskPrompt:            "Опишите видео.",
		VideoAskDuration:          "Длительность в секундах (от 1 до %d)?",
		VideoInvalidDuration:      "Отправьте целое число секунд от 1 до %d.",
		SpeechAskText:             "Отправьте текст для озвучки.",
		SpeechEmptyText:           "Текст пустой. Отправьте текст для озвучки.",
		TrainingAskSteps:          "Сколько шагов обучения?",
		TrainingInvalidSteps:      "Отправьте целое число шагов от 1 до %d.",
		TrainingQuote:             "%d шагов стоят %s звёзд (около $%s, %s %s).",
		PaidConfirm:               "Стоимость %d звёзд. Ответьте «да» для подтверждения или «нет».",
		PaidInvalidAnswer:         "Ответьте «да» или «нет».",
		PaidDeclined:              "Средства не списаны.",
		PaidAccepted:              "Запущено. Списано %d звёзд, баланс %d.",
		PaidRefunded:              "Запрос не выполнен. %d звёзд возвращены на баланс.",
		PaidRefundPending:         "Запрос не выполнен. %d звёзд скоро вернутся на баланс.",
		GenerationReady:           "Результат готов.",
		GenerationFailedRefunded:  "Генерация не удалась. %d звёзд возвращены на баланс.",
		BalanceShow:               "Баланс: %d звёзд (около $%s).",
	},
}

// Supported lists the locales with a full message set.
var Supported = []language.Tag{language.English, language.Russian}

// Catalog renders message keys.
type Catalog struct {
	builder *catalog.Builder
	tags    []language.Tag
	matcher language.Matcher
}

// New builds a catalog from the built-in messages plus overrides, keyed by
// locale then message key.
func New(overrides map[string]map[string]string) (*Catalog, error) {
	b := catalog.NewBuilder(catalog.Fallback(language.English))
	for tag, msgs := range defaultMessages {
		for key, text := range msgs {
			if err := b.SetString(tag, key, text); err != nil {
				return nil, fmt.Errorf("locale %s/%s: %w", tag, key, err)
			}
		}
	}
	tags := slices.Clone(Supported)
	for loc, msgs := range overrides {
		tag, err := language.Parse(loc)
		if err != nil {
			return nil, fmt.Errorf("locale override %q: %w", loc, err)
		}
		base := Base(tag)
		if !slices.Contains(tags, base) {
			// A partially translated locale starts from the English set.
			for key, text := range defaultMessages[language.English] {
				if err := b.SetString(base, key, text); err != nil {
					return nil, fmt.Errorf("locale %s/%s: %w", loc, key, err)
				}
			}
			tags = append(tags, base)
		}
		for key, text := range msgs {
			if err := b.SetString(base, key, text); err != nil {
				return nil, fmt.Errorf("locale %s/%s: %w", loc, key, err)
			}
		}
	}
	return &Catalog{builder: b, tags: tags, matcher: language.NewMatcher(tags)}, nil
}

// Tag resolves a locale string to a built-in or overridden locale, English
// when unknown.
func (c *Catalog) Tag(locale string) language.Tag {
	tag, err := language.Parse(locale)
	if err != nil {
		return language.English
	}
	_, idx, conf := c.matcher.Match(tag)
	if conf == language.No {
		return language.English
	}
	return c.tags[idx]
}

// Render formats key in locale.
func (c *Catalog) Render(locale, key string, args ...any) string {
	p := message.NewPrinter(c.Tag(locale), message.Catalog(c.builder))
	return p.Sprintf(key, args...)
}

// Base reduces a tag to its base language ("ru-RU" -> "ru").
func Base(tag language.Tag) language.Tag {
	base, _ := tag.Base()
	return language.Make(base.String())
}

// File is the optional locales YAML document: keyword overrides for the
// interceptor and message overrides for the catalog.
type File struct {
	Keywords map[string]Keywords          `yaml:"keywords"`
	Messages map[string]map[string]string `yaml:"messages"`
}

// Keywords are the literal cancel and help words of one locale.
type Keywords struct {
	Cancel []string `yaml:"cancel"`
	Help   []string `yaml:"help"`
}

// LoadFile reads a locales YAML file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load locales %q: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse locales %q: %w", path, err)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("locales %q: %w", path, err)
	}
	return &f, nil
}

// Validate rejects keyword sets that share a literal across locales, which
// would make a keyword match in more than one language.
func (f *File) Validate() error {
	owner := make(map[string]string)
	locs := make([]string, 0, len(f.Keywords))
	for loc := range f.Keywords {
		locs = append(locs, loc)
	}
	slices.Sort(locs)
	for _, loc := range locs {
		kw := f.Keywords[loc]
		for _, w := range append(slices.Clone(kw.Cancel), kw.Help...) {
			w = strings.ToLower(strings.TrimSpace(w))
			if prev, ok := owner[w]; ok && prev != loc {
				return fmt.Errorf("keyword %q is used by both %s and %s", w, prev, loc)
			}
			owner[w] = loc
		}
	}
	return nil
}

package pricing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Operation names the kind of paid work being quoted.
type Operation string

const (
	OperationImage    Operation = "image"
	OperationVideo    Operation = "video"
	OperationSpeech   Operation = "speech"
	OperationTraining Operation = "training"
)

// Quote is an ephemeral price computed for one scene instance.
// It is never persisted beyond scene exit.
type Quote struct {
	Operation Operation       `json:"operation"`
	Units     int64           `json:"units"`
	UnitCost  decimal.Decimal `json:"unit_cost"`
	Markup    decimal.Decimal `json:"markup"`
	ModelKey  string          `json:"model_key,omitempty"`
	Total     int64           `json:"total"`
	QuotedAt  time.Time       `json:"quoted_at"`
}

// Calculator binds the pure conversions to one configuration and clock.
type Calculator struct {
	cfg   *Config
	clock func() time.Time
}

// NewCalculator creates a calculator for cfg.
func NewCalculator(cfg *Config) *Calculator {
	return &Calculator{cfg: cfg, clock: time.Now}
}

// WithClock overrides clock for testing.
func (c *Calculator) WithClock(clock func() time.Time) *Calculator {
	c.clock = clock
	return c
}

// Config returns the configuration the calculator was built with.
func (c *Calculator) Config() *Config {
	return c.cfg
}

// atLeastMinimum raises a floored total to the configured minimum charge.
func (c *Calculator) atLeastMinimum(total int64) int64 {
	return max(total, c.cfg.MinCharge())
}

// QuoteModel prices one generation on a model with a base price and markup.
func (c *Calculator) QuoteModel(op Operation, modelKey string) (Quote, error) {
	total, err := FinalPrice(modelKey, c.cfg)
	if err != nil {
		return Quote{}, fmt.Errorf("quote %s/%s: %w", op, modelKey, err)
	}
	m := c.cfg.Models[modelKey]
	return Quote{
		Operation: op,
		Units:     1,
		UnitCost:  m.BasePriceUSD,
		Markup:    m.MarkupRate,
		ModelKey:  modelKey,
		Total:     c.atLeastMinimum(total),
		QuotedAt:  c.clock(),
	}, nil
}

// QuoteUnits prices an operation billed per unit (characters, seconds).
// The unit count is converted to dollars and then floored to stars, but
// never below the minimum charge.
func (c *Calculator) QuoteUnits(op Operation, units int64) (Quote, error) {
	unitCost, err := c.cfg.UnitCost(string(op))
	if err != nil {
		return Quote{}, err
	}
	usd := decimal.NewFromInt(units).Mul(unitCost)
	return Quote{
		Operation: op,
		Units:     units,
		UnitCost:  unitCost,
		Markup:    decimal.Zero,
		Total:     c.atLeastMinimum(UnitsToStars(usd, c.cfg.StarCostUSD)),
		QuotedAt:  c.clock(),
	}, nil
}

// QuoteTraining prices a training run of the given number of steps.
func (c *Calculator) QuoteTraining(steps int64) Quote {
	rates := c.cfg.TrainingRates()
	return Quote{
		Operation: OperationTraining,
		Units:     steps,
		UnitCost:  rates.CostPerStepInStars,
		Markup:    decimal.Zero,
		Total:     c.atLeastMinimum(TrainingDebit(steps, rates)),
		QuotedAt:  c.clock(),
	}
}

// Display is a star amount projected to display currencies.
type Display struct {
	Stars int64
	USD   decimal.Decimal
	Local decimal.Decimal
}

// Display projects stars to USD and the local currency.
func (c *Calculator) Display(stars int64) Display {
	return Display{
		Stars: stars,
		USD:   StarsToUSD(stars, c.cfg.StarCostUSD),
		Local: StarsToLocal(stars, c.cfg.StarCostUSD, c.cfg.LocalPerUSD),
	}
}

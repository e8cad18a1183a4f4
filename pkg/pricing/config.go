package pricing

import (
	"errors"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when a pricing configuration fails validation.
var ErrInvalidConfig = errors.New("pricing: invalid config")

// Model is the pricing entry for one generation model.
type Model struct {
	BasePriceUSD decimal.Decimal
	MarkupRate   decimal.Decimal
}

// Config is the read-only pricing configuration.
type Config struct {
	StarCostUSD        decimal.Decimal
	LocalPerUSD        decimal.Decimal
	LocalCurrency      string
	CostPerStepInStars decimal.Decimal
	Models             map[string]Model
	// Units maps an operation (e.g. "speech", "video") to its USD cost per unit.
	Units map[string]decimal.Decimal
	// MinChargeStars is the smallest total a quote may carry. Values below
	// one are treated as one: a paid operation never debits zero.
	MinChargeStars int64
}

// MinCharge returns the effective minimum charge in stars.
func (c *Config) MinCharge() int64 {
	return max(c.MinChargeStars, 1)
}

// TrainingRates returns the training multipliers of this configuration.
func (c *Config) TrainingRates() TrainingRates {
	return TrainingRates{
		CostPerStepInStars: c.CostPerStepInStars,
		StarCostUSD:        c.StarCostUSD,
		LocalPerUSD:        c.LocalPerUSD,
	}
}

// UnitCost returns the USD cost of one unit of the named operation.
func (c *Config) UnitCost(operation string) (decimal.Decimal, error) {
	u, ok := c.Units[operation]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownUnit, operation)
	}
	return u, nil
}

// Validate checks the invariants the calculator relies on.
func (c *Config) Validate() error {
	if !c.StarCostUSD.IsPositive() {
		return fmt.Errorf("%w: star_cost_usd must be positive", ErrInvalidConfig)
	}
	if c.MinChargeStars < 0 {
		return fmt.Errorf("%w: min_charge_stars must not be negative", ErrInvalidConfig)
	}
	if c.LocalPerUSD.IsNegative() || c.CostPerStepInStars.IsNegative() {
		return fmt.Errorf("%w: rates must not be negative", ErrInvalidConfig)
	}
	for key, m := range c.Models {
		if m.BasePriceUSD.IsNegative() || m.MarkupRate.IsNegative() {
			return fmt.Errorf("%w: model %q has a negative price or markup", ErrInvalidConfig, key)
		}
	}
	for op, u := range c.Units {
		if !u.IsPositive() {
			return fmt.Errorf("%w: unit price for %q must be positive", ErrInvalidConfig, op)
		}
	}
	return nil
}

// fileConfig is the on-disk YAML layout.
type fileConfig struct {
	StarCostUSD        float64              `yaml:"star_cost_usd"`
	LocalPerUSD        float64              `yaml:"local_per_usd"`
	LocalCurrency      string               `yaml:"local_currency"`
	CostPerStepInStars float64              `yaml:"cost_per_step_in_stars"`
	Models             map[string]fileModel `yaml:"models"`
	Units              map[string]float64   `yaml:"units"`
	MinChargeStars     *int64               `yaml:"min_charge_stars"`
}

type fileModel struct {
	BasePriceUSD float64 `yaml:"base_price_usd"`
	MarkupRate   float64 `yaml:"markup_rate"`
}

// ParseConfig decodes and validates a YAML pricing document.
func ParseConfig(data []byte) (*Config, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse pricing: %w", err)
	}

	cfg := &Config{
		StarCostUSD:        decimal.NewFromFloat(fc.StarCostUSD),
		LocalPerUSD:        decimal.NewFromFloat(fc.LocalPerUSD),
		LocalCurrency:      fc.LocalCurrency,
		CostPerStepInStars: decimal.NewFromFloat(fc.CostPerStepInStars),
		Models:             make(map[string]Model, len(fc.Models)),
		Units:              make(map[string]decimal.Decimal, len(fc.Units)),
	}
	if fc.MinChargeStars != nil {
		cfg.MinChargeStars = *fc.MinChargeStars
	}
	if cfg.LocalCurrency == "" {
		cfg.LocalCurrency = "RUB"
	}
	for key, m := range fc.Models {
		cfg.Models[key] = Model{
			BasePriceUSD: decimal.NewFromFloat(m.BasePriceUSD),
			MarkupRate:   decimal.NewFromFloat(m.MarkupRate),
		}
	}
	for op, u := range fc.Units {
		cfg.Units[op] = decimal.NewFromFloat(u)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig reads a YAML pricing file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load pricing %q: %w", path, err)
	}
	return ParseConfig(data)
}

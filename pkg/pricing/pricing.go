// Package pricing converts between raw units (steps, model base prices,
// characters) and stars, and between stars and display currencies.
//
// Every function here is pure. Amounts that are actually debited are
// floored to whole stars; display and training projections are rounded to
// two decimals. The two policies are kept per function and must not be
// merged.
package pricing

import (
	"errors"

	"github.com/shopspring/decimal"
)

// ErrUnknownModel is returned when a model key has no pricing entry.
var ErrUnknownModel = errors.New("pricing: unknown model")

// ErrUnknownUnit is returned when an operation has no unit price.
var ErrUnknownUnit = errors.New("pricing: unknown unit price")

var (
	one     = decimal.NewFromInt(1)
	display = int32(2)
)

// DollarsToStars converts a USD amount to stars without rounding.
// Used for display only. Returns zero when starCostUSD is not positive.
func DollarsToStars(amountUSD, starCostUSD decimal.Decimal) decimal.Decimal {
	if !starCostUSD.IsPositive() {
		return decimal.Zero
	}
	return amountUSD.Div(starCostUSD)
}

// UnitsToStars returns floor(amount / unitCostUSD). The result is an amount
// that will be debited. Returns zero for a non-positive unit cost or a
// negative amount.
func UnitsToStars(amount, unitCostUSD decimal.Decimal) int64 {
	if !unitCostUSD.IsPositive() || amount.IsNegative() {
		return 0
	}
	q, _ := amount.QuoRem(unitCostUSD, 0)
	return q.IntPart()
}

// TrainingRates are the fixed multipliers used to price model training.
type TrainingRates struct {
	CostPerStepInStars decimal.Decimal
	StarCostUSD        decimal.Decimal
	LocalPerUSD        decimal.Decimal
}

// TrainingCost is round(steps * CostPerStepInStars, 2).
func TrainingCost(steps int64, rates TrainingRates) decimal.Decimal {
	return trainingStars(steps, rates).Round(display)
}

// TrainingCostUSD projects the training cost to dollars, rounded to 2 decimals.
func TrainingCostUSD(steps int64, rates TrainingRates) decimal.Decimal {
	return trainingStars(steps, rates).Mul(rates.StarCostUSD).Round(display)
}

// TrainingCostLocal projects the training cost to the local currency,
// rounded to 2 decimals. It is computed from the unrounded dollar value.
func TrainingCostLocal(steps int64, rates TrainingRates) decimal.Decimal {
	return trainingStars(steps, rates).Mul(rates.StarCostUSD).Mul(rates.LocalPerUSD).Round(display)
}

// TrainingDebit is the whole-star amount debited for a training run.
// Debits floor, like UnitsToStars.
func TrainingDebit(steps int64, rates TrainingRates) int64 {
	return TrainingCost(steps, rates).Floor().IntPart()
}

func trainingStars(steps int64, rates TrainingRates) decimal.Decimal {
	if steps <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(steps).Mul(rates.CostPerStepInStars)
}

// FinalPrice is floor(base * (1 + markup) / starCost) for a registered model.
func FinalPrice(modelKey string, cfg *Config) (int64, error) {
	m, ok := cfg.Models[modelKey]
	if !ok {
		return 0, ErrUnknownModel
	}
	if !cfg.StarCostUSD.IsPositive() {
		return 0, ErrInvalidConfig
	}
	gross := m.BasePriceUSD.Mul(one.Add(m.MarkupRate))
	q, _ := gross.QuoRem(cfg.StarCostUSD, 0)
	return q.IntPart(), nil
}

// StarsToUSD converts stars to dollars for display, rounded to 2 decimals.
func StarsToUSD(stars int64, starCostUSD decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(stars).Mul(starCostUSD).Round(display)
}

// StarsToLocal converts stars to the local currency for display, rounded
// to 2 decimals.
func StarsToLocal(stars int64, starCostUSD, localPerUSD decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(stars).Mul(starCostUSD).Mul(localPerUSD).Round(display)
}

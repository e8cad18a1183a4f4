package pricing

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestDollarsToStars(t *testing.T) {
	assert.True(t, DollarsToStars(decimal.Zero, d("0.013")).IsZero())
	assert.True(t, DollarsToStars(d("0.013"), d("0.013")).Equal(decimal.NewFromInt(1)))
	assert.True(t, DollarsToStars(d("1.30"), d("0.013")).Equal(decimal.NewFromInt(100)))
	// Display only: no rounding.
	assert.Equal(t, "0.5", DollarsToStars(d("0.0065"), d("0.013")).String())
	assert.True(t, DollarsToStars(d("5"), decimal.Zero).IsZero())
}

func TestUnitsToStars(t *testing.T) {
	tests := []struct {
		amount, unit string
		want         int64
	}{
		{"0", "0.013", 0},
		{"1", "0.013", 76},
		{"0.3", "0.1", 3},
		{"0.99", "0.5", 1},
		{"10", "3", 3},
		{"1", "0", 0},
		{"-5", "1", 0},
	}
	for _, tt := range tests {
		got := UnitsToStars(d(tt.amount), d(tt.unit))
		assert.Equal(t, tt.want, got, "UnitsToStars(%s, %s)", tt.amount, tt.unit)
	}
}

func TestTrainingCost(t *testing.T) {
	rates := TrainingRates{
		CostPerStepInStars: d("2"),
		StarCostUSD:        d("0.013"),
		LocalPerUSD:        d("95.5"),
	}
	assert.Equal(t, "6.00", TrainingCost(3, rates).StringFixed(2))
	assert.True(t, TrainingCost(3, rates).Equal(d("6")))

	// 3 * 2 * 0.013 = 0.078 -> 0.08
	assert.Equal(t, "0.08", TrainingCostUSD(3, rates).StringFixed(2))
	// 0.078 * 95.5 = 7.449 -> 7.45, computed from the unrounded dollars
	assert.Equal(t, "7.45", TrainingCostLocal(3, rates).StringFixed(2))

	assert.True(t, TrainingCost(0, rates).IsZero())
	assert.True(t, TrainingCost(-4, rates).IsZero())
}

func TestTrainingDebitFloors(t *testing.T) {
	rates := TrainingRates{CostPerStepInStars: d("0.335")}
	// 7 * 0.335 = 2.345 -> rounded 2.35 -> debit 2
	assert.Equal(t, "2.35", TrainingCost(7, rates).StringFixed(2))
	assert.Equal(t, int64(2), TrainingDebit(7, rates))
}

func testConfig() *Config {
	return &Config{
		StarCostUSD:        d("0.013"),
		LocalPerUSD:        d("95"),
		LocalCurrency:      "RUB",
		CostPerStepInStars: d("0.5"),
		Models: map[string]Model{
			"flux-pro":  {BasePriceUSD: d("0.05"), MarkupRate: d("0.5")},
			"kling-1.6": {BasePriceUSD: d("0.28"), MarkupRate: d("0.3")},
		},
		Units: map[string]decimal.Decimal{
			"speech": d("0.0003"),
			"video":  d("0.05"),
		},
	}
}

func TestFinalPrice(t *testing.T) {
	cfg := testConfig()

	// 0.05 * 1.5 / 0.013 = 5.769... -> 5
	p, err := FinalPrice("flux-pro", cfg)
	require.NoError(t, err)
	assert.Equal(t, int64(5), p)

	// 0.28 * 1.3 / 0.013 = 28
	p, err = FinalPrice("kling-1.6", cfg)
	require.NoError(t, err)
	assert.Equal(t, int64(28), p)

	again, err := FinalPrice("kling-1.6", cfg)
	require.NoError(t, err)
	assert.Equal(t, p, again)

	_, err = FinalPrice("missing", cfg)
	assert.ErrorIs(t, err, ErrUnknownModel)
}

func TestCalculator_Quotes(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	calc := NewCalculator(testConfig()).WithClock(func() time.Time { return now })

	q, err := calc.QuoteModel(OperationImage, "flux-pro")
	require.NoError(t, err)
	assert.Equal(t, int64(5), q.Total)
	assert.Equal(t, "flux-pro", q.ModelKey)
	assert.Equal(t, now, q.QuotedAt)

	// 1000 chars * 0.0003 = 0.30 USD / 0.013 = 23.07 -> 23
	q, err = calc.QuoteUnits(OperationSpeech, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(23), q.Total)

	_, err = calc.QuoteUnits(OperationTraining, 10)
	assert.ErrorIs(t, err, ErrUnknownUnit)

	q = calc.QuoteTraining(1000)
	assert.Equal(t, int64(500), q.Total)

	disp := calc.Display(100)
	assert.Equal(t, "1.30", disp.USD.StringFixed(2))
	assert.Equal(t, "123.50", disp.Local.StringFixed(2))
}

func TestParseConfig(t *testing.T) {
	doc := []byte(`
star_cost_usd: 0.013
local_per_usd: 95
cost_per_step_in_stars: 0.5
models:
  flux-pro:
    base_price_usd: 0.05
    markup_rate: 0.5
units:
  speech: 0.0003
`)
	cfg, err := ParseConfig(doc)
	require.NoError(t, err)
	assert.Equal(t, "RUB", cfg.LocalCurrency)
	assert.True(t, cfg.StarCostUSD.Equal(d("0.013")))
	assert.True(t, cfg.Models["flux-pro"].MarkupRate.Equal(d("0.5")))

	_, err = ParseConfig([]byte("star_cost_usd: 0\n"))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = ParseConfig([]byte("star_cost_usd: 0.01\nunits:\n  speech: 0\n"))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestShippedConfig(t *testing.T) {
	cfg, err := LoadConfig("../../config/pricing.yaml")
	require.NoError(t, err)
	assert.Equal(t, "RUB", cfg.LocalCurrency)

	for key, want := range map[string]int64{"flux-pro": 6, "flux-dev": 3, "sdxl": 3} {
		got, err := FinalPrice(key, cfg)
		require.NoError(t, err, key)
		assert.Equal(t, want, got, key)
	}
	_, err = cfg.UnitCost("video")
	assert.NoError(t, err)
	_, err = cfg.UnitCost("speech")
	assert.NoError(t, err)
}

// Quotes that floor to zero stars are raised to the minimum charge so a
// paid operation always debits something.
func TestCalculator_MinimumCharge(t *testing.T) {
	cfg, err := LoadConfig("../../config/pricing.yaml")
	require.NoError(t, err)
	assert.Equal(t, int64(1), cfg.MinCharge())
	calc := NewCalculator(cfg)

	// 433 chars * 0.00003 / 0.013 = 0.999 -> floors to 0
	assert.Zero(t, UnitsToStars(d("0.01299"), cfg.StarCostUSD))
	q, err := calc.QuoteUnits(OperationSpeech, 433)
	require.NoError(t, err)
	assert.Equal(t, int64(1), q.Total)

	for _, steps := range []int64{1, 2} {
		assert.Zero(t, TrainingDebit(steps, cfg.TrainingRates()), steps)
		assert.Equal(t, int64(1), calc.QuoteTraining(steps).Total, steps)
	}
	// Prices above the minimum are untouched.
	assert.Equal(t, int64(2), calc.QuoteTraining(5).Total)

	// A literal config without a minimum still never quotes zero.
	assert.Equal(t, int64(1), NewCalculator(&Config{StarCostUSD: d("1")}).QuoteTraining(1).Total)
}

func TestParseConfig_MinChargeStars(t *testing.T) {
	cfg, err := ParseConfig([]byte("star_cost_usd: 0.01\nmin_charge_stars: 3\nunits:\n  speech: 0.0001\n"))
	require.NoError(t, err)
	q, err := NewCalculator(cfg).QuoteUnits(OperationSpeech, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), q.Total)

	_, err = ParseConfig([]byte("star_cost_usd: 0.01\nmin_charge_stars: -1\n"))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

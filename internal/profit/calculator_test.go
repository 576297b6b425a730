package profit

import (
	"testing"

	"makerbot/internal/rules"
	"makerbot/internal/schema"
	"makerbot/pkg/exception"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yanun0323/errors"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newCalculator(t *testing.T, tick string, makerFeeBps string) *Calculator {
	t.Helper()
	v, err := rules.NewValidator(schema.InstrumentRules{
		Symbol:      "BTCUSDT",
		PriceTick:   d(tick),
		QtyStep:     d("0.0001"),
		MinQty:      d("0.0001"),
		MinNotional: d("10"),
		MakerFeeBps: d(makerFeeBps),
		TakerFeeBps: d(makerFeeBps),
	})
	require.NoError(t, err)
	return NewCalculator(v, d(makerFeeBps))
}

func TestTargetExitPriceTenPercentMargin(t *testing.T) {
	c := newCalculator(t, "0.01", "10")
	cfg := schema.Configuration{MinProfitPctNet: 0.10, ExtraFeeSafetyBps: 5}

	target, err := c.TargetExitPrice(d("100"), d("1"), cfg)
	require.NoError(t, err)
	assert.Equal(t, "110.25", target.StringFixed(2))
	assert.True(t, target.Equal(d("110.25")))
}

func TestTargetExitPriceRoundsUp(t *testing.T) {
	c := newCalculator(t, "0.5", "10")
	cfg := schema.Configuration{MinProfitPctNet: 0.01, ExtraFeeSafetyBps: 0}

	// raw floor is above 101.2 so the next half tick is 101.5
	target, err := c.TargetExitPrice(d("100"), d("1"), cfg)
	require.NoError(t, err)
	assert.True(t, target.Equal(d("101.5")), "target %s", target)
}

func TestTargetExitPriceInvalidParameters(t *testing.T) {
	c := newCalculator(t, "0.01", "10")

	testCases := []struct {
		desc  string
		entry string
		cfg   schema.Configuration
	}{
		{"zero margin", "100", schema.Configuration{MinProfitPctNet: 0}},
		{"negative margin", "100", schema.Configuration{MinProfitPctNet: -0.1}},
		{"zero entry", "0", schema.Configuration{MinProfitPctNet: 0.1}},
		{"negative entry", "-5", schema.Configuration{MinProfitPctNet: 0.1}},
		{"negative safety", "100", schema.Configuration{MinProfitPctNet: 0.1, ExtraFeeSafetyBps: -1}},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			_, err := c.TargetExitPrice(d(tc.entry), d("1"), tc.cfg)
			require.True(t, errors.Is(err, exception.ErrInvalidParameters))
		})
	}
}

func TestTargetExitPriceHoldsNetFloor(t *testing.T) {
	entries := []string{"0.0001234", "1", "99.99", "100", "27123.45", "60000"}
	margins := []float64{0.0001, 0.003, 0.01, 0.1, 0.25}
	fees := []string{"0", "1", "7.5", "10", "25"}
	safeties := []float64{0, 1, 5, 20}
	ticks := []string{"0.00000001", "0.01", "0.5"}

	for _, tick := range ticks {
		for _, fee := range fees {
			c := newCalculator(t, tick, fee)
			for _, entry := range entries {
				for _, m := range margins {
					for _, s := range safeties {
						cfg := schema.Configuration{MinProfitPctNet: m, ExtraFeeSafetyBps: s}
						target, err := c.TargetExitPrice(d(entry), d("1"), cfg)
						require.NoError(t, err)

						net := NetProfitPct(d(entry), target, d(fee))
						assert.GreaterOrEqualf(t, net, m-1e-12,
							"entry=%s m=%v fee=%s safety=%v tick=%s target=%s net=%v", entry, m, fee, s, tick, target, net)
						assert.Truef(t, target.Mod(d(tick)).IsZero(), "target %s not on tick %s", target, tick)

						raw, err := RawExitPrice(d(entry), m, d(fee), s)
						require.NoError(t, err)
						assert.True(t, target.GreaterThanOrEqual(raw.Truncate(12)))
					}
				}
			}
		}
	}
}

func TestNetProfitPct(t *testing.T) {
	assert.InDelta(t, 0.0, NetProfitPct(d("100"), d("100"), d("0")), 1e-12)
	assert.InDelta(t, 0.1, NetProfitPct(d("100"), d("110"), d("0")), 1e-12)
	assert.Less(t, NetProfitPct(d("100"), d("100"), d("10")), 0.0)
	assert.Equal(t, 0.0, NetProfitPct(d("0"), d("100"), d("10")))
}

func TestTradesToTarget(t *testing.T) {
	assert.Equal(t, 0, TradesToTarget(0, 1000, 0.1))
	assert.Equal(t, 0, TradesToTarget(2000, 1000, 0.1))
	assert.Equal(t, 8, TradesToTarget(100, 200, 0.1))
	assert.Equal(t, 1, TradesToTarget(100, 105, 0.1))
}

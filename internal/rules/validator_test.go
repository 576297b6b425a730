package rules

import (
	"testing"

	"makerbot/internal/schema"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func btcRules() schema.InstrumentRules {
	return schema.InstrumentRules{
		Symbol:      "BTCUSDT",
		PriceTick:   d("0.01"),
		QtyStep:     d("0.0001"),
		MinQty:      d("0.0001"),
		MinNotional: d("10"),
		MakerFeeBps: d("10"),
		TakerFeeBps: d("10"),
	}
}

func TestNewValidatorRejectsBrokenRules(t *testing.T) {
	r := btcRules()
	r.PriceTick = decimal.Zero
	_, err := NewValidator(r)
	require.Error(t, err)

	r = btcRules()
	r.QtyStep = d("-1")
	_, err = NewValidator(r)
	require.Error(t, err)

	r = btcRules()
	r.MakerFeeBps = d("-0.5")
	_, err = NewValidator(r)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	v, err := NewValidator(btcRules())
	require.NoError(t, err)

	testCases := []struct {
		desc     string
		price    string
		qty      string
		expected Violation
	}{
		{"small btc order", "60000", "0.0049", Valid},
		{"boundary notional", "100", "0.1", Valid},
		{"below notional", "99.99", "0.1", BelowMinNotional},
		{"zero qty", "1000000", "0", BelowMinQty},
		{"negative qty", "100", "-0.1", BelowMinQty},
		{"price off tick", "100.005", "1", PriceNotOnTick},
		{"qty off step", "100", "0.00015", QuantityNotOnStep},
		{"negative price", "-1", "1", NonPositive},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			assert.Equal(t, tc.expected, v.Validate(d(tc.price), d(tc.qty)))
		})
	}
}

func TestValidateBelowMinQty(t *testing.T) {
	r := btcRules()
	r.MinQty = d("0.001")
	v, err := NewValidator(r)
	require.NoError(t, err)

	assert.Equal(t, BelowMinQty, v.Validate(d("60000"), d("0.0009")))
	assert.Equal(t, Valid, v.Validate(d("60000"), d("0.001")))
}

func TestValidateQuantityRoundedToZero(t *testing.T) {
	v, err := NewValidator(btcRules())
	require.NoError(t, err)

	qty := v.RoundQuantityDown(d("0.00005"))
	require.True(t, qty.IsZero(), qty.String())
	assert.Equal(t, BelowMinQty, v.Validate(d("60000"), qty))
}

func TestRoundingIdempotence(t *testing.T) {
	v, err := NewValidator(btcRules())
	require.NoError(t, err)

	aligned := []string{"110.25", "0.01", "60000", "12345.67"}
	for _, p := range aligned {
		assert.True(t, d(p).Equal(v.RoundPriceUp(d(p))), "price %s", p)
		assert.True(t, d(p).Equal(v.RoundPriceDown(d(p))), "price %s", p)
	}

	steps := []string{"0.0049", "1", "0.0001", "2.5"}
	for _, q := range steps {
		assert.True(t, d(q).Equal(v.RoundQuantityDown(d(q))), "qty %s", q)
	}
}

func TestRoundingDirection(t *testing.T) {
	v, err := NewValidator(btcRules())
	require.NoError(t, err)

	assert.Equal(t, "110.23", v.RoundPriceUp(d("110.2202")).StringFixed(2))
	assert.Equal(t, "110.22", v.RoundPriceDown(d("110.2299")).StringFixed(2))
	assert.Equal(t, "0.0049", v.RoundQuantityDown(d("0.00499999")).StringFixed(4))
	assert.Equal(t, Valid, v.Validate(v.RoundPriceUp(d("60000.001")), v.RoundQuantityDown(d("0.00491"))))
}

func TestMeetsQueries(t *testing.T) {
	v, err := NewValidator(btcRules())
	require.NoError(t, err)

	assert.True(t, v.MeetsMinNotional(d("60000"), d("0.0049")))
	assert.True(t, v.MeetsMinNotional(d("100"), d("0.1")))
	assert.False(t, v.MeetsMinNotional(d("100"), d("0.0999")))
	assert.True(t, v.MeetsMinQty(d("0.0001")))
	assert.False(t, v.MeetsMinQty(d("0.00009")))
}

func TestViolationString(t *testing.T) {
	assert.Equal(t, "BelowMinNotional", BelowMinNotional.String())
	assert.Equal(t, "QuantityNotOnStep", QuantityNotOnStep.String())
	assert.True(t, Valid.OK())
	assert.False(t, PriceNotOnTick.OK())
}

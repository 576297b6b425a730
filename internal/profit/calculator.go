package profit

import (
	"math"

	"makerbot/internal/schema"
	"makerbot/pkg/exception"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
)

var (
	one = decimal.NewFromInt(1)
	two = decimal.NewFromInt(2)
)

// Rounder rounds a price to the venue tick, never downward.
type Rounder interface {
	RoundPriceUp(price decimal.Decimal) decimal.Decimal
}

// Calculator computes exit prices that hold the net profit floor after two maker fee legs.
type Calculator struct {
	rounder     Rounder
	makerFeeBps decimal.Decimal
}

// NewCalculator binds a rounder and the session's maker fee.
func NewCalculator(rounder Rounder, makerFeeBps decimal.Decimal) *Calculator {
	return &Calculator{
		rounder:     rounder,
		makerFeeBps: makerFeeBps,
	}
}

// MakerFeeBps returns the maker fee the calculator prices with.
func (c *Calculator) MakerFeeBps() decimal.Decimal {
	return c.makerFeeBps
}

// TargetExitPrice returns the tick-aligned minimum exit price for the configuration.
func (c *Calculator) TargetExitPrice(entryPrice, quantity decimal.Decimal, cfg schema.Configuration) (decimal.Decimal, error) {
	if quantity.IsNegative() {
		return decimal.Zero, errors.Wrapf(exception.ErrInvalidParameters, "quantity %s", quantity)
	}
	raw, err := RawExitPrice(entryPrice, cfg.MinProfitPctNet, c.makerFeeBps, cfg.ExtraFeeSafetyBps)
	if err != nil {
		return decimal.Zero, err
	}
	return c.rounder.RoundPriceUp(raw), nil
}

// RawExitPrice is the unrounded exit price floor:
//
//	max(entry*(1 + m + 2f + s), entry*(1+f)*(1+m)/(1-f))
//
// where m is the net margin, f the maker fee rate and s the safety buffer rate.
// The second term covers the exit-leg fee on the larger exit notional.
func RawExitPrice(entryPrice decimal.Decimal, minProfitPctNet float64, makerFeeBps decimal.Decimal, extraFeeSafetyBps float64) (decimal.Decimal, error) {
	if !entryPrice.IsPositive() {
		return decimal.Zero, errors.Wrapf(exception.ErrInvalidParameters, "entry price %s", entryPrice)
	}
	if minProfitPctNet <= 0 || math.IsNaN(minProfitPctNet) || math.IsInf(minProfitPctNet, 0) {
		return decimal.Zero, errors.Wrapf(exception.ErrInvalidParameters, "min profit pct net %v", minProfitPctNet)
	}
	if makerFeeBps.IsNegative() || extraFeeSafetyBps < 0 {
		return decimal.Zero, errors.Wrapf(exception.ErrInvalidParameters, "maker fee %s bps, safety %v bps", makerFeeBps, extraFeeSafetyBps)
	}

	margin := decimal.NewFromFloat(minProfitPctNet)
	fee := schema.BpsToRate(makerFeeBps)
	if fee.GreaterThanOrEqual(one) {
		return decimal.Zero, errors.Wrapf(exception.ErrInvalidParameters, "maker fee %s bps", makerFeeBps)
	}
	safety := schema.BpsToRate(decimal.NewFromFloat(extraFeeSafetyBps))

	additive := entryPrice.Mul(one.Add(margin).Add(two.Mul(fee)).Add(safety))
	exact := entryPrice.Mul(one.Add(fee)).Mul(one.Add(margin)).Div(one.Sub(fee))
	return decimal.Max(additive, exact), nil
}

// NetProfitPct is the realized margin of a round trip where both legs pay the maker fee,
// relative to the entry cost including its fee.
func NetProfitPct(entryPrice, exitPrice, makerFeeBps decimal.Decimal) float64 {
	if !entryPrice.IsPositive() {
		return 0
	}
	fee := schema.BpsToRate(makerFeeBps)
	cost := entryPrice.Mul(one.Add(fee))
	revenue := exitPrice.Mul(one.Sub(fee))
	return revenue.Sub(cost).Div(cost).InexactFloat64()
}

// TradesToTarget estimates how many round trips at netGain compound current into target.
func TradesToTarget(current, target, netGain float64) int {
	if current <= 0 || target <= current {
		return 0
	}
	g := 1 + math.Max(netGain, 1e-6)
	return int(math.Ceil(math.Log(target/current) / math.Log(g)))
}

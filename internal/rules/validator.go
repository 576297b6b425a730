package rules

import (
	"makerbot/internal/schema"
	"makerbot/pkg/exception"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
)

// Violation is the reason an order fails the venue filters.
type Violation uint8

const (
	Valid Violation = iota
	BelowMinNotional
	BelowMinQty
	PriceNotOnTick
	QuantityNotOnStep
	// NonPositive is reported for a price at or below zero only.
	NonPositive
)

func (v Violation) String() string {
	switch v {
	case Valid:
		return "Valid"
	case BelowMinNotional:
		return "BelowMinNotional"
	case BelowMinQty:
		return "BelowMinQty"
	case PriceNotOnTick:
		return "PriceNotOnTick"
	case QuantityNotOnStep:
		return "QuantityNotOnStep"
	case NonPositive:
		return "NonPositive"
	default:
		return "Unknown"
	}
}

// OK reports whether the order passed every filter.
func (v Violation) OK() bool {
	return v == Valid
}

// Validator answers rounding and filter queries over one InstrumentRules snapshot.
type Validator struct {
	rules schema.InstrumentRules
}

// NewValidator checks the snapshot is usable and wraps it.
func NewValidator(r schema.InstrumentRules) (*Validator, error) {
	if !r.PriceTick.IsPositive() {
		return nil, errors.Wrapf(exception.ErrInvalidRules, "price tick %s", r.PriceTick)
	}
	if !r.QtyStep.IsPositive() {
		return nil, errors.Wrapf(exception.ErrInvalidRules, "qty step %s", r.QtyStep)
	}
	if r.MinQty.IsNegative() || r.MinNotional.IsNegative() {
		return nil, errors.Wrapf(exception.ErrInvalidRules, "min qty %s, min notional %s", r.MinQty, r.MinNotional)
	}
	if r.MakerFeeBps.IsNegative() || r.TakerFeeBps.IsNegative() {
		return nil, errors.Wrapf(exception.ErrInvalidRules, "maker fee %s bps, taker fee %s bps", r.MakerFeeBps, r.TakerFeeBps)
	}
	return &Validator{rules: r}, nil
}

// Rules returns the underlying snapshot.
func (v *Validator) Rules() schema.InstrumentRules {
	return v.rules
}

// RoundPriceUp rounds to the next tick at or above price.
func (v *Validator) RoundPriceUp(price decimal.Decimal) decimal.Decimal {
	return roundUp(price, v.rules.PriceTick)
}

// RoundPriceDown rounds to the tick at or below price.
func (v *Validator) RoundPriceDown(price decimal.Decimal) decimal.Decimal {
	return roundDown(price, v.rules.PriceTick)
}

// RoundQuantityDown rounds to the step at or below qty.
func (v *Validator) RoundQuantityDown(qty decimal.Decimal) decimal.Decimal {
	return roundDown(qty, v.rules.QtyStep)
}

// MeetsMinNotional reports price*qty >= minNotional.
func (v *Validator) MeetsMinNotional(price, qty decimal.Decimal) bool {
	return price.Mul(qty).GreaterThanOrEqual(v.rules.MinNotional)
}

// MeetsMinQty reports qty >= minQty.
func (v *Validator) MeetsMinQty(qty decimal.Decimal) bool {
	return qty.GreaterThanOrEqual(v.rules.MinQty)
}

// Validate applies the venue filters in the order the venue reports them.
func (v *Validator) Validate(price, qty decimal.Decimal) Violation {
	if !price.IsPositive() {
		return NonPositive
	}
	if !qty.IsPositive() {
		return BelowMinQty
	}
	if !onGrid(price, v.rules.PriceTick) {
		return PriceNotOnTick
	}
	if !onGrid(qty, v.rules.QtyStep) {
		return QuantityNotOnStep
	}
	if !v.MeetsMinQty(qty) {
		return BelowMinQty
	}
	if !v.MeetsMinNotional(price, qty) {
		return BelowMinNotional
	}
	return Valid
}

func roundUp(value, increment decimal.Decimal) decimal.Decimal {
	if !increment.IsPositive() {
		return value
	}
	return value.Div(increment).Ceil().Mul(increment)
}

func roundDown(value, increment decimal.Decimal) decimal.Decimal {
	if !increment.IsPositive() {
		return value
	}
	return value.Div(increment).Floor().Mul(increment)
}

func onGrid(value, increment decimal.Decimal) bool {
	if !increment.IsPositive() {
		return true
	}
	return value.Mod(increment).IsZero()
}

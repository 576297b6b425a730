package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

var bpsDenominator = decimal.NewFromInt(10_000)

// BpsToRate converts basis points into a fraction (10 bps -> 0.001).
func BpsToRate(bps decimal.Decimal) decimal.Decimal {
	return bps.Div(bpsDenominator)
}

// InstrumentRules is the per-session snapshot of a symbol's trading filters and fees.
type InstrumentRules struct {
	Symbol      string
	BaseAsset   string
	QuoteAsset  string
	PriceTick   decimal.Decimal
	QtyStep     decimal.Decimal
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
	MakerFeeBps decimal.Decimal
	TakerFeeBps decimal.Decimal
}

// MakerFeeRate returns the maker fee as a fraction of notional.
func (r InstrumentRules) MakerFeeRate() decimal.Decimal {
	return BpsToRate(r.MakerFeeBps)
}

// TakerFeeRate returns the taker fee as a fraction of notional.
func (r InstrumentRules) TakerFeeRate() decimal.Decimal {
	return BpsToRate(r.TakerFeeBps)
}

// Fill is a completed execution reported by the venue.
type Fill struct {
	OrderID  string
	Side     Side
	Price    decimal.Decimal
	Qty      decimal.Decimal
	FilledAt time.Time
}

// Balances are the free amounts of the instrument's base and quote assets.
type Balances struct {
	Base  decimal.Decimal
	Quote decimal.Decimal
}

// Value returns the portfolio estimate in quote units at the given price.
func (b Balances) Value(price decimal.Decimal) decimal.Decimal {
	return b.Quote.Add(b.Base.Mul(price))
}

// PositionID identifies an open position across rearm cycles.
type PositionID uint64

// Position is inventory bought by an entry order that still needs an exit.
type Position struct {
	ID         PositionID
	EntryPrice decimal.Decimal
	Quantity   decimal.Decimal
	OpenedAt   time.Time
}

// RewardRecord is the outcome of one terminal exit order.
type RewardRecord struct {
	ConfigurationID ConfigurationID
	PositionID      PositionID
	OrderID         string
	Outcome         Outcome
	NetProfitPct    float64
	DurationSeconds float64
	EntryPrice      decimal.Decimal
	ExitPrice       decimal.Decimal
	Quantity        decimal.Decimal
	ClosedAt        time.Time
}

// Filled reports whether the exit order executed.
func (r RewardRecord) Filled() bool {
	return r.Outcome == OutcomeFilled
}

// Scored reports whether the record carries information for the bandit.
// Rejected orders never rested on the book.
func (r RewardRecord) Scored() bool {
	return r.Outcome == OutcomeFilled || r.Outcome == OutcomeCancelled
}

// Reward is the value fed into the bandit statistics.
func (r RewardRecord) Reward() float64 {
	if r.Outcome != OutcomeFilled {
		return 0
	}
	return r.NetProfitPct
}

// OrderEvent is one row of the append-only order log.
type OrderEvent struct {
	PositionID      PositionID
	OrderID         string
	Side            Side
	State           string
	Price           decimal.Decimal
	Quantity        decimal.Decimal
	ConfigurationID ConfigurationID
	Note            string
	At              time.Time
}

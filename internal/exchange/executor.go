package exchange

import (
	"context"

	"makerbot/internal/schema"

	"github.com/shopspring/decimal"
)

// CancelStatus is the venue's answer to a cancel request.
type CancelStatus uint8

const (
	CancelStatusUnknown CancelStatus = iota
	CancelStatusCancelled
	CancelStatusAlreadyFilled
	CancelStatusNotFound
)

func (s CancelStatus) String() string {
	switch s {
	case CancelStatusCancelled:
		return "Cancelled"
	case CancelStatusAlreadyFilled:
		return "AlreadyFilled"
	case CancelStatusNotFound:
		return "NotFound"
	default:
		return "Unknown"
	}
}

// PlaceResult is returned for an accepted maker order.
type PlaceResult struct {
	OrderID string
}

// CancelResult carries the fill details when the order filled before the cancel landed.
type CancelResult struct {
	Status      CancelStatus
	FilledPrice decimal.Decimal
	FilledQty   decimal.Decimal
}

// Executor places and cancels maker orders on a venue, live or simulated.
// Both variants share the contract below, including the rounding and filter
// checks applied before an order is accepted.
type Executor interface {
	Name() string
	Ping(ctx context.Context) error
	GetInstrumentRules(ctx context.Context, symbol string) (schema.InstrumentRules, error)
	GetMarketPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetBalances(ctx context.Context, symbol string) (schema.Balances, error)

	// PlaceMakerOrder returns exception.ErrCrossingRejected when the order would take liquidity.
	PlaceMakerOrder(ctx context.Context, symbol string, side schema.Side, price, qty decimal.Decimal) (PlaceResult, error)
	CancelOrder(ctx context.Context, symbol string, orderID string) (CancelResult, error)
	CancelAll(ctx context.Context, symbol string) error

	// SubscribeFills streams completed fills until ctx is done.
	SubscribeFills(ctx context.Context) (<-chan schema.Fill, error)
}

package og

import (
	"time"

	"makerbot/internal/schema"
	"makerbot/pkg/exception"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
)

// OrderState tracks the lifecycle of an exit order.
type OrderState uint8

const (
	OrderStateUnknown OrderState = iota
	OrderStatePendingSubmit
	OrderStateOpen
	OrderStateRearmPending
	OrderStateFilled
	OrderStateCancelled
	OrderStateRejected
)

func (s OrderState) String() string {
	switch s {
	case OrderStatePendingSubmit:
		return "PENDING_SUBMIT"
	case OrderStateOpen:
		return "OPEN"
	case OrderStateRearmPending:
		return "REARM_PENDING"
	case OrderStateFilled:
		return "FILLED"
	case OrderStateCancelled:
		return "CANCELLED"
	case OrderStateRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

func (s OrderState) IsTerminal() bool {
	switch s {
	case OrderStateFilled, OrderStateCancelled, OrderStateRejected:
		return true
	default:
		return false
	}
}

// Outcome maps a terminal state to the persisted outcome.
func (s OrderState) Outcome() schema.Outcome {
	switch s {
	case OrderStateFilled:
		return schema.OutcomeFilled
	case OrderStateCancelled:
		return schema.OutcomeCancelled
	case OrderStateRejected:
		return schema.OutcomeRejected
	default:
		return schema.OutcomeUnknown
	}
}

// REARM_PENDING may fall back to OPEN when the cancel itself fails.
var _transitions = map[OrderState][]OrderState{
	OrderStatePendingSubmit: {OrderStateOpen, OrderStateRejected},
	OrderStateOpen:          {OrderStateRearmPending, OrderStateFilled, OrderStateCancelled},
	OrderStateRearmPending:  {OrderStatePendingSubmit, OrderStateOpen, OrderStateFilled, OrderStateRejected},
}

func canTransition(from, to OrderState) bool {
	for _, next := range _transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// WorkingOrder is the exit order of one open position.
type WorkingOrder struct {
	PositionID      schema.PositionID
	OrderID         string
	Side            schema.Side
	EntryPrice      decimal.Decimal
	Quantity        decimal.Decimal
	TargetExitPrice decimal.Decimal
	// Config priced TargetExitPrice and supplies the rearm threshold and TTL.
	Config      schema.Configuration
	OpenedAt    time.Time
	CreatedAt   time.Time
	LastRearmAt time.Time
	Rearms      int
	State       OrderState
}

func (o *WorkingOrder) transition(to OrderState) error {
	if !canTransition(o.State, to) {
		return errors.Wrap(exception.ErrOrderInvalidTransition, "transition").
			With("position", o.PositionID).
			With("from", o.State.String()).
			With("to", to.String())
	}
	o.State = to
	return nil
}

// Position returns the position the order is the exit of.
func (o WorkingOrder) Position() schema.Position {
	return schema.Position{
		ID:         o.PositionID,
		EntryPrice: o.EntryPrice,
		Quantity:   o.Quantity,
		OpenedAt:   o.OpenedAt,
	}
}

// RearmReason is a bit set of the conditions that made an order stale.
type RearmReason uint8

const (
	RearmReasonNone      RearmReason = 0
	RearmReasonDeviation RearmReason = 1 << 0
	RearmReasonTTL       RearmReason = 1 << 1
)

func (r RearmReason) String() string {
	switch r {
	case RearmReasonNone:
		return "none"
	case RearmReasonDeviation:
		return "deviation"
	case RearmReasonTTL:
		return "ttl"
	default:
		return "deviation+ttl"
	}
}

// Trigger reports why o should be rearmed at the given market price and time.
// Both conditions may hold at once; the caller still rearms only once.
func Trigger(o WorkingOrder, market decimal.Decimal, now time.Time) RearmReason {
	reason := RearmReasonNone
	if o.TargetExitPrice.IsPositive() && market.IsPositive() {
		deviation := market.Sub(o.TargetExitPrice).Abs().Div(o.TargetExitPrice).InexactFloat64()
		if deviation > o.Config.RearmThresholdPct {
			reason |= RearmReasonDeviation
		}
	}
	if ttl := o.Config.OrderTTL(); ttl > 0 && now.Sub(o.CreatedAt) > ttl {
		reason |= RearmReasonTTL
	}
	return reason
}

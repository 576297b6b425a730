package og

import (
	"context"
	"time"

	"makerbot/internal/exchange"
	"makerbot/internal/profit"
	"makerbot/internal/rules"
	"makerbot/internal/schema"
	"makerbot/pkg/exception"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

// Listener receives every order event and exactly one record per terminal order.
type Listener interface {
	OnOrderEvent(schema.OrderEvent)
	OnTerminal(schema.RewardRecord)
}

type nopListener struct{}

func (nopListener) OnOrderEvent(schema.OrderEvent)  {}
func (nopListener) OnTerminal(schema.RewardRecord) {}

// SubmitStatus is the result of placing an exit order.
type SubmitStatus uint8

const (
	SubmitStatusUnknown SubmitStatus = iota
	SubmitStatusAccepted
	// SubmitStatusConstraintViolation never reaches the exchange and creates no state.
	SubmitStatusConstraintViolation
	SubmitStatusInvalidParameters
	// SubmitStatusCrossingRejected means the exit would have taken liquidity.
	SubmitStatusCrossingRejected
	// SubmitStatusRejected means the venue kept failing until retries ran out.
	SubmitStatusRejected
)

func (s SubmitStatus) String() string {
	switch s {
	case SubmitStatusAccepted:
		return "Accepted"
	case SubmitStatusConstraintViolation:
		return "ConstraintViolation"
	case SubmitStatusInvalidParameters:
		return "InvalidParameters"
	case SubmitStatusCrossingRejected:
		return "CrossingRejected"
	case SubmitStatusRejected:
		return "Rejected"
	default:
		return "Unknown"
	}
}

type SubmitOutcome struct {
	Status    SubmitStatus
	Violation rules.Violation
	Order     WorkingOrder
	Err       error
}

// RearmStatus is the result of one rearm evaluation.
type RearmStatus uint8

const (
	RearmStatusNone RearmStatus = iota
	RearmStatusRearmed
	// RearmStatusFilled means the cancel lost the race against a fill.
	RearmStatusFilled
	// RearmStatusCancelFailed leaves the order OPEN for the next tick.
	RearmStatusCancelFailed
	// RearmStatusResubmitFailed closes the order as REJECTED; Submit says why.
	RearmStatusResubmitFailed
)

func (s RearmStatus) String() string {
	switch s {
	case RearmStatusRearmed:
		return "Rearmed"
	case RearmStatusFilled:
		return "Filled"
	case RearmStatusCancelFailed:
		return "CancelFailed"
	case RearmStatusResubmitFailed:
		return "ResubmitFailed"
	default:
		return "None"
	}
}

type RearmOutcome struct {
	Status RearmStatus
	Reason RearmReason
	Submit SubmitOutcome
	Record schema.RewardRecord
	Err    error
}

type Option struct {
	Symbol     string
	Validator  *rules.Validator
	Calculator *profit.Calculator
	Executor   exchange.Executor
	Retry      exchange.RetryPolicy
	Listener   Listener
	Now        func() time.Time
}

// Manager owns the exit order of every open position. All transitions are
// driven by one caller at a time; the registry refuses overlapping transitions
// of the same order.
type Manager struct {
	symbol     string
	validator  *rules.Validator
	calculator *profit.Calculator
	executor   exchange.Executor
	retry      exchange.RetryPolicy
	listener   Listener
	now        func() time.Time

	reg *registry
}

func NewManager(opt Option) (*Manager, error) {
	if opt.Validator == nil || opt.Calculator == nil || opt.Executor == nil {
		return nil, exception.ErrNilInstance
	}
	if opt.Listener == nil {
		opt.Listener = nopListener{}
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	return &Manager{
		symbol:     opt.Symbol,
		validator:  opt.Validator,
		calculator: opt.Calculator,
		executor:   opt.Executor,
		retry:      opt.Retry,
		listener:   opt.Listener,
		now:        opt.Now,
		reg:        newRegistry(),
	}, nil
}

// Submit prices and places the exit order of pos under cfg.
func (m *Manager) Submit(ctx context.Context, pos schema.Position, cfg schema.Configuration) SubmitOutcome {
	return m.SubmitWithFloor(ctx, pos, cfg, decimal.Zero)
}

// SubmitWithFloor is Submit with a lower bound on the exit price, used after a
// crossing rejection to move the order back to the maker side of the book.
func (m *Manager) SubmitWithFloor(ctx context.Context, pos schema.Position, cfg schema.Configuration, floor decimal.Decimal) SubmitOutcome {
	if pos.ID == 0 {
		return SubmitOutcome{Status: SubmitStatusUnknown, Err: exception.ErrInvalidArgument}
	}
	now := m.now()
	o := WorkingOrder{
		PositionID: pos.ID,
		Side:       schema.SideSell,
		EntryPrice: pos.EntryPrice,
		OpenedAt:   pos.OpenedAt,
		State:      OrderStatePendingSubmit,
	}
	if o.OpenedAt.IsZero() {
		o.OpenedAt = now
	}
	if out, ok := m.price(&o, pos.Quantity, cfg, floor, now); !ok {
		return out
	}

	if err := m.reg.insert(o); err != nil {
		return SubmitOutcome{Status: SubmitStatusUnknown, Order: o, Err: err}
	}
	defer m.reg.release(o.PositionID)

	m.emit(o, "submit")
	return m.place(ctx, o)
}

// price fills in the target, quantity and config of o. It reports false with
// the failing outcome when the order must not reach the exchange.
func (m *Manager) price(o *WorkingOrder, qty decimal.Decimal, cfg schema.Configuration, floor decimal.Decimal, now time.Time) (SubmitOutcome, bool) {
	target, err := m.calculator.TargetExitPrice(o.EntryPrice, qty, cfg)
	if err != nil {
		logs.Errorf("position %d: price exit, err: %+v", o.PositionID, err)
		return SubmitOutcome{Status: SubmitStatusInvalidParameters, Order: *o, Err: err}, false
	}
	if floor.IsPositive() {
		if f := m.validator.RoundPriceUp(floor); f.GreaterThan(target) {
			target = f
		}
	}
	qty = m.validator.RoundQuantityDown(qty)

	o.TargetExitPrice = target
	o.Quantity = qty
	o.Config = cfg
	o.CreatedAt = now

	if v := m.validator.Validate(target, qty); !v.OK() {
		logs.Errorf("position %d: exit %s x %s violates %s, not submitted", o.PositionID, target, qty, v)
		return SubmitOutcome{Status: SubmitStatusConstraintViolation, Violation: v, Order: *o}, false
	}
	return SubmitOutcome{}, true
}

// place sends an acquired PENDING_SUBMIT order to the exchange.
func (m *Manager) place(ctx context.Context, o WorkingOrder) SubmitOutcome {
	res, err := exchange.Do(ctx, m.retry, "place", func(ctx context.Context) (exchange.PlaceResult, error) {
		return m.executor.PlaceMakerOrder(ctx, m.symbol, o.Side, o.TargetExitPrice, o.Quantity)
	})
	if err == nil && res.OrderID == "" {
		err = exception.ErrOrderEmptyID
	}

	if err == nil {
		if terr := o.transition(OrderStateOpen); terr != nil {
			return SubmitOutcome{Status: SubmitStatusUnknown, Order: o, Err: terr}
		}
		o.OrderID = res.OrderID
		m.reg.store(o)
		m.emit(o, "open")
		return SubmitOutcome{Status: SubmitStatusAccepted, Order: o}
	}

	status := SubmitStatusRejected
	if errors.Is(err, exception.ErrCrossingRejected) {
		status = SubmitStatusCrossingRejected
		logs.Infof("position %d: exit %s would cross, rejected", o.PositionID, o.TargetExitPrice)
	} else {
		logs.Errorf("position %d: place exit %s x %s, err: %+v", o.PositionID, o.TargetExitPrice, o.Quantity, err)
	}
	if terr := o.transition(OrderStateRejected); terr != nil {
		return SubmitOutcome{Status: SubmitStatusUnknown, Order: o, Err: terr}
	}
	m.finish(o, o.TargetExitPrice, decimal.Zero, m.now(), status.String())
	return SubmitOutcome{Status: status, Order: o, Err: err}
}

// EvaluateRearm cancels and reprices the order of position id when it is
// stale at market and now. The replacement is priced with live, so a new
// configuration is picked up here and not before.
func (m *Manager) EvaluateRearm(ctx context.Context, id schema.PositionID, market decimal.Decimal, now time.Time, live schema.Configuration) RearmOutcome {
	o, err := m.reg.acquire(id)
	if err != nil {
		return RearmOutcome{Err: err}
	}
	defer m.reg.release(id)

	if o.State != OrderStateOpen {
		return RearmOutcome{Err: exception.ErrOrderNotOpen}
	}
	reason := Trigger(o, market, now)
	if reason == RearmReasonNone {
		return RearmOutcome{Status: RearmStatusNone}
	}

	if err := o.transition(OrderStateRearmPending); err != nil {
		return RearmOutcome{Reason: reason, Err: err}
	}
	m.reg.store(o)
	m.emit(o, "rearm "+reason.String())

	res, err := exchange.Do(ctx, m.retry, "cancel", func(ctx context.Context) (exchange.CancelResult, error) {
		return m.executor.CancelOrder(ctx, m.symbol, o.OrderID)
	})
	if err == nil && res.Status == exchange.CancelStatusUnknown {
		err = exception.ErrVenue
	}
	if err != nil {
		logs.Errorf("position %d: cancel %s for rearm, err: %+v", id, o.OrderID, err)
		_ = o.transition(OrderStateOpen)
		m.reg.store(o)
		return RearmOutcome{Status: RearmStatusCancelFailed, Reason: reason, Err: err}
	}

	if res.Status == exchange.CancelStatusAlreadyFilled {
		price, qty := res.FilledPrice, res.FilledQty
		if !price.IsPositive() {
			price = o.TargetExitPrice
		}
		if !qty.IsPositive() {
			qty = o.Quantity
		}
		_ = o.transition(OrderStateFilled)
		rec := m.finish(o, price, qty, now, "filled during rearm")
		return RearmOutcome{Status: RearmStatusFilled, Reason: reason, Record: rec}
	}

	// Cancelled or NotFound: the old order is off the book.
	prevTarget := o.TargetExitPrice
	o.OrderID = ""
	o.LastRearmAt = now
	o.Rearms++
	if out, ok := m.price(&o, o.Quantity, live, decimal.Zero, now); !ok {
		_ = o.transition(OrderStateRejected)
		rec := m.finish(o, o.TargetExitPrice, decimal.Zero, now, out.Status.String())
		out.Order = o
		return RearmOutcome{Status: RearmStatusResubmitFailed, Reason: reason, Submit: out, Record: rec}
	}
	_ = o.transition(OrderStatePendingSubmit)
	m.reg.store(o)
	logs.Infof("position %d: rearm (%s) %s -> %s", id, reason, prevTarget, o.TargetExitPrice)

	out := m.place(ctx, o)
	if out.Status != SubmitStatusAccepted {
		return RearmOutcome{Status: RearmStatusResubmitFailed, Reason: reason, Submit: out}
	}
	return RearmOutcome{Status: RearmStatusRearmed, Reason: reason, Submit: out}
}

// OnFill closes the order matching fill.OrderID as FILLED.
func (m *Manager) OnFill(fill schema.Fill) (schema.RewardRecord, error) {
	if fill.OrderID == "" {
		return schema.RewardRecord{}, exception.ErrOrderEmptyID
	}
	id, ok := m.reg.lookup(fill.OrderID)
	if !ok {
		return schema.RewardRecord{}, exception.ErrOrderUnknown
	}
	if !fill.Price.IsPositive() || !fill.Qty.IsPositive() {
		return schema.RewardRecord{}, exception.ErrOrderInvalidFill
	}

	o, err := m.reg.acquire(id)
	if err != nil {
		return schema.RewardRecord{}, err
	}
	defer m.reg.release(id)

	if err := o.transition(OrderStateFilled); err != nil {
		return schema.RewardRecord{}, err
	}
	at := fill.FilledAt
	if at.IsZero() {
		at = m.now()
	}
	return m.finish(o, fill.Price, fill.Qty, at, "filled"), nil
}

// CancelAll cancels every OPEN order. Orders that turn out to be filled are
// closed as FILLED; failures leave the order OPEN and are returned joined.
func (m *Manager) CancelAll(ctx context.Context) error {
	var errs []error
	for _, snap := range m.Open() {
		o, err := m.reg.acquire(snap.PositionID)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		res, err := exchange.Do(ctx, m.retry, "cancel", func(ctx context.Context) (exchange.CancelResult, error) {
			return m.executor.CancelOrder(ctx, m.symbol, o.OrderID)
		})
		switch {
		case err != nil:
			errs = append(errs, err)
		case res.Status == exchange.CancelStatusAlreadyFilled:
			price, qty := res.FilledPrice, res.FilledQty
			if !price.IsPositive() {
				price = o.TargetExitPrice
			}
			if !qty.IsPositive() {
				qty = o.Quantity
			}
			_ = o.transition(OrderStateFilled)
			m.finish(o, price, qty, m.now(), "filled before cancel")
		default:
			_ = o.transition(OrderStateCancelled)
			m.finish(o, o.TargetExitPrice, decimal.Zero, m.now(), "cancelled")
		}
		m.reg.release(o.PositionID)
	}
	return errors.Join(errs...)
}

// finish emits the terminal record of o and drops it from tracking.
func (m *Manager) finish(o WorkingOrder, price, qty decimal.Decimal, at time.Time, note string) schema.RewardRecord {
	rec := schema.RewardRecord{
		ConfigurationID: o.Config.ID,
		PositionID:      o.PositionID,
		OrderID:         o.OrderID,
		Outcome:         o.State.Outcome(),
		DurationSeconds: at.Sub(o.OpenedAt).Seconds(),
		EntryPrice:      o.EntryPrice,
		ExitPrice:       price,
		Quantity:        qty,
		ClosedAt:        at,
	}
	if o.State == OrderStateFilled {
		rec.NetProfitPct = profit.NetProfitPct(o.EntryPrice, price, m.calculator.MakerFeeBps())
	}

	m.reg.store(o)
	m.emit(o, note)
	m.reg.remove(o.PositionID)
	m.listener.OnTerminal(rec)
	logs.Infof("position %d: %s order %s at %s, net %.4f%%, config #%d",
		o.PositionID, o.State, o.OrderID, price, rec.NetProfitPct*100, o.Config.ID)
	return rec
}

func (m *Manager) emit(o WorkingOrder, note string) {
	m.listener.OnOrderEvent(schema.OrderEvent{
		PositionID:      o.PositionID,
		OrderID:         o.OrderID,
		Side:            o.Side,
		State:           o.State.String(),
		Price:           o.TargetExitPrice,
		Quantity:        o.Quantity,
		ConfigurationID: o.Config.ID,
		Note:            note,
		At:              m.now(),
	})
}

// Open returns the OPEN orders ordered by position id.
func (m *Manager) Open() []WorkingOrder {
	return m.reg.snapshot(func(o WorkingOrder) bool {
		return o.State == OrderStateOpen
	})
}

// Order returns the working order of position id.
func (m *Manager) Order(id schema.PositionID) (WorkingOrder, bool) {
	return m.reg.get(id)
}

// Tracks reports whether orderID belongs to a working exit order.
func (m *Manager) Tracks(orderID string) bool {
	_, ok := m.reg.lookup(orderID)
	return ok
}

// Len returns the number of tracked orders.
func (m *Manager) Len() int {
	return m.reg.size()
}

package paper

import (
	"context"
	"sync"
	"time"

	"makerbot/internal/exchange"
	"makerbot/internal/rules"
	"makerbot/internal/schema"
	"makerbot/pkg/exception"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

const _fillBufferSize = 4096

// Option configures a Simulator.
type Option struct {
	Rules        schema.InstrumentRules
	Feed         Feed
	InitialBase  decimal.Decimal
	InitialQuote decimal.Decimal
	Now          func() time.Time
}

type restingOrder struct {
	id    string
	side  schema.Side
	price decimal.Decimal
	qty   decimal.Decimal
}

// Simulator is an in-process maker venue. Orders rest until the feed trades
// strictly through their price, then fill in full at the order price.
type Simulator struct {
	mu        sync.Mutex
	validator *rules.Validator
	feed      Feed
	now       func() time.Time

	last    decimal.Decimal
	resting map[string]*restingOrder
	filled  map[string]schema.Fill

	base  decimal.Decimal
	quote decimal.Decimal

	failures int
	fills    chan schema.Fill
}

var _ exchange.Executor = (*Simulator)(nil)

func New(opt Option) (*Simulator, error) {
	if opt.Feed == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "paper feed")
	}
	validator, err := rules.NewValidator(opt.Rules)
	if err != nil {
		return nil, err
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	return &Simulator{
		validator: validator,
		feed:      opt.Feed,
		now:       opt.Now,
		resting:   make(map[string]*restingOrder),
		filled:    make(map[string]schema.Fill),
		base:      opt.InitialBase,
		quote:     opt.InitialQuote,
		fills:     make(chan schema.Fill, _fillBufferSize),
	}, nil
}

func (s *Simulator) Name() string {
	return "paper"
}

// InjectFailures makes the next n order calls fail with a venue error.
func (s *Simulator) InjectFailures(n int) {
	s.mu.Lock()
	s.failures = n
	s.mu.Unlock()
}

func (s *Simulator) takeFailure() bool {
	if s.failures <= 0 {
		return false
	}
	s.failures--
	return true
}

func (s *Simulator) Ping(ctx context.Context) error {
	_, err := s.GetMarketPrice(ctx, s.validator.Rules().Symbol)
	return err
}

func (s *Simulator) GetInstrumentRules(_ context.Context, symbol string) (schema.InstrumentRules, error) {
	r := s.validator.Rules()
	if symbol != r.Symbol {
		return schema.InstrumentRules{}, errors.Wrap(exception.ErrSymbolNotFound, "paper rules").With("symbol", symbol)
	}
	return r, nil
}

// GetMarketPrice advances the feed and matches resting orders against the new price.
func (s *Simulator) GetMarketPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if symbol != s.validator.Rules().Symbol {
		return decimal.Zero, errors.Wrap(exception.ErrSymbolNotFound, "paper price").With("symbol", symbol)
	}
	price, err := s.feed.Next(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	price = s.validator.RoundPriceDown(price)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = price
	s.match(price)
	return price, nil
}

func (s *Simulator) match(price decimal.Decimal) {
	for id, o := range s.resting {
		switch o.side {
		case schema.SideSell:
			if !price.GreaterThan(o.price) {
				continue
			}
		case schema.SideBuy:
			if !price.LessThan(o.price) {
				continue
			}
		}
		s.settle(o)
		delete(s.resting, id)
	}
}

func (s *Simulator) settle(o *restingOrder) {
	fee := s.validator.Rules().MakerFeeRate()
	notional := o.price.Mul(o.qty)
	switch o.side {
	case schema.SideBuy:
		s.base = s.base.Add(o.qty.Mul(decimal.NewFromInt(1).Sub(fee)))
	case schema.SideSell:
		s.quote = s.quote.Add(notional.Mul(decimal.NewFromInt(1).Sub(fee)))
	}

	fill := schema.Fill{
		OrderID:  o.id,
		Side:     o.side,
		Price:    o.price,
		Qty:      o.qty,
		FilledAt: s.now(),
	}
	s.filled[o.id] = fill
	select {
	case s.fills <- fill:
	default:
		logs.Errorf("paper fill buffer full, drop fill notification, order: %s", o.id)
	}
}

func (s *Simulator) GetBalances(_ context.Context, symbol string) (schema.Balances, error) {
	if symbol != s.validator.Rules().Symbol {
		return schema.Balances{}, errors.Wrap(exception.ErrSymbolNotFound, "paper balances").With("symbol", symbol)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return schema.Balances{Base: s.base, Quote: s.quote}, nil
}

func (s *Simulator) PlaceMakerOrder(_ context.Context, symbol string, side schema.Side, price, qty decimal.Decimal) (exchange.PlaceResult, error) {
	if symbol != s.validator.Rules().Symbol {
		return exchange.PlaceResult{}, errors.Wrap(exception.ErrSymbolNotFound, "paper place").With("symbol", symbol)
	}
	if !side.IsAvailable() {
		return exchange.PlaceResult{}, errors.Wrap(exception.ErrInvalidArgument, "paper place side").With("side", side)
	}
	if v := s.validator.Validate(price, qty); !v.OK() {
		return exchange.PlaceResult{}, errors.Wrap(exception.ErrInvalidArgument, "paper place filter").With("violation", v.String())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.takeFailure() {
		return exchange.PlaceResult{}, errors.Wrap(exception.ErrVenue, "paper place injected failure")
	}
	if s.last.IsPositive() && crosses(side, price, s.last, s.validator.Rules().PriceTick) {
		return exchange.PlaceResult{}, errors.Wrap(exception.ErrCrossingRejected, "paper place").
			With("side", side.String()).
			With("price", price.String()).
			With("market", s.last.String())
	}

	switch side {
	case schema.SideBuy:
		cost := price.Mul(qty)
		if cost.GreaterThan(s.quote) {
			return exchange.PlaceResult{}, errors.Wrap(exception.ErrVenue, "paper place insufficient quote")
		}
		s.quote = s.quote.Sub(cost)
	case schema.SideSell:
		if qty.GreaterThan(s.base) {
			return exchange.PlaceResult{}, errors.Wrap(exception.ErrVenue, "paper place insufficient base")
		}
		s.base = s.base.Sub(qty)
	}

	id := "paper-" + uuid.NewString()
	s.resting[id] = &restingOrder{id: id, side: side, price: price, qty: qty}
	return exchange.PlaceResult{OrderID: id}, nil
}

// crosses treats last as the best bid and last+tick as the best ask.
func crosses(side schema.Side, price, last, tick decimal.Decimal) bool {
	switch side {
	case schema.SideSell:
		return price.LessThanOrEqual(last)
	case schema.SideBuy:
		return price.GreaterThanOrEqual(last.Add(tick))
	default:
		return false
	}
}

func (s *Simulator) CancelOrder(_ context.Context, symbol string, orderID string) (exchange.CancelResult, error) {
	if symbol != s.validator.Rules().Symbol {
		return exchange.CancelResult{}, errors.Wrap(exception.ErrSymbolNotFound, "paper cancel").With("symbol", symbol)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.takeFailure() {
		return exchange.CancelResult{}, errors.Wrap(exception.ErrVenue, "paper cancel injected failure")
	}
	if fill, ok := s.filled[orderID]; ok {
		return exchange.CancelResult{
			Status:      exchange.CancelStatusAlreadyFilled,
			FilledPrice: fill.Price,
			FilledQty:   fill.Qty,
		}, nil
	}
	o, ok := s.resting[orderID]
	if !ok {
		return exchange.CancelResult{Status: exchange.CancelStatusNotFound}, nil
	}
	s.release(o)
	delete(s.resting, orderID)
	return exchange.CancelResult{Status: exchange.CancelStatusCancelled}, nil
}

func (s *Simulator) release(o *restingOrder) {
	switch o.side {
	case schema.SideBuy:
		s.quote = s.quote.Add(o.price.Mul(o.qty))
	case schema.SideSell:
		s.base = s.base.Add(o.qty)
	}
}

func (s *Simulator) CancelAll(_ context.Context, symbol string) error {
	if symbol != s.validator.Rules().Symbol {
		return errors.Wrap(exception.ErrSymbolNotFound, "paper cancel all").With("symbol", symbol)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, o := range s.resting {
		s.release(o)
		delete(s.resting, id)
	}
	return nil
}

// SubscribeFills returns the simulator's fill stream. It is a single shared channel.
func (s *Simulator) SubscribeFills(ctx context.Context) (<-chan schema.Fill, error) {
	out := make(chan schema.Fill, _fillBufferSize)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case f := <-s.fills:
				select {
				case out <- f:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Resting returns the number of open simulated orders.
func (s *Simulator) Resting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.resting)
}

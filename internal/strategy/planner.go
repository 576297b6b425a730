package strategy

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"makerbot/internal/exchange"
	"makerbot/internal/rules"
	"makerbot/internal/schema"
	"makerbot/pkg/exception"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

type PlannerOption struct {
	Symbol    string
	Grid      GridOption
	EntryTTL  time.Duration
	Validator *rules.Validator
	Executor  exchange.Executor
	Retry     exchange.RetryPolicy
	Now       func() time.Time
}

// Entry is a resting maker BUY placed by the planner.
type Entry struct {
	OrderID         string
	Price           decimal.Decimal
	Quantity        decimal.Decimal
	ConfigurationID schema.ConfigurationID
	CreatedAt       time.Time
}

// Planner places maker BUY entries on grid dips and turns their fills into
// positions. At most one entry rests at a time.
type Planner struct {
	symbol    string
	ttl       time.Duration
	grid      *Grid
	validator *rules.Validator
	executor  exchange.Executor
	retry     exchange.RetryPolicy
	now       func() time.Time

	pending map[string]Entry
	update  atomic.Pointer[plannerUpdate]
}

type plannerUpdate struct {
	grid GridOption
	ttl  time.Duration
}

func NewPlanner(opt PlannerOption) (*Planner, error) {
	if opt.Validator == nil || opt.Executor == nil {
		return nil, exception.ErrNilInstance
	}
	if opt.EntryTTL <= 0 {
		opt.EntryTTL = 5 * time.Minute
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	return &Planner{
		symbol:    opt.Symbol,
		ttl:       opt.EntryTTL,
		grid:      NewGrid(opt.Grid),
		validator: opt.Validator,
		executor:  opt.Executor,
		retry:     opt.Retry,
		now:       opt.Now,
		pending:   make(map[string]Entry),
	}, nil
}

// Step expires stale entries, updates the grid and places a new entry when the
// grid asks for one. Entries found filled while expiring are returned as fills
// and must be passed to OnFill.
func (p *Planner) Step(ctx context.Context, market decimal.Decimal, bal schema.Balances, cfg schema.Configuration) ([]schema.Fill, Decision, error) {
	if u := p.update.Swap(nil); u != nil {
		p.grid.Reconfigure(u.grid)
		if u.ttl > 0 {
			p.ttl = u.ttl
		}
		opt := p.grid.Option()
		logs.Infof("entry planner reconfigured: spacing %.2f%% max %.2f%% ttl %s", opt.SpacingPct*100, opt.MaxSpacingPct*100, p.ttl)
	}

	now := p.now()
	fills, err := p.expire(ctx, now)

	p.grid.Observe(market.InexactFloat64())
	decision := p.grid.Decide(bal.Base.InexactFloat64(), bal.Quote.InexactFloat64(), cfg.RiskFraction)
	if !decision.Buy || len(p.pending) > 0 || err != nil {
		return fills, decision, err
	}

	tick := p.validator.Rules().PriceTick
	price := p.validator.RoundPriceDown(market.Sub(tick))
	if !price.IsPositive() {
		return fills, decision, nil
	}
	budget := bal.Quote.Mul(decimal.NewFromFloat(decision.RiskFraction))
	qty := p.validator.RoundQuantityDown(budget.Div(price))
	if v := p.validator.Validate(price, qty); !v.OK() {
		logs.Infof("entry skipped, %s x %s (budget %s) %s", price, qty, budget.StringFixed(2), v)
		return fills, decision, nil
	}

	res, err := exchange.Do(ctx, p.retry, "place entry", func(ctx context.Context) (exchange.PlaceResult, error) {
		return p.executor.PlaceMakerOrder(ctx, p.symbol, schema.SideBuy, price, qty)
	})
	if err != nil {
		if errors.Is(err, exception.ErrCrossingRejected) {
			logs.Infof("entry %s would cross, skipped", price)
			return fills, decision, nil
		}
		return fills, decision, err
	}

	p.pending[res.OrderID] = Entry{
		OrderID:         res.OrderID,
		Price:           price,
		Quantity:        qty,
		ConfigurationID: cfg.ID,
		CreatedAt:       now,
	}
	p.grid.Bought(price.InexactFloat64())
	logs.Infof("entry %s BUY %s @ %s, drop %.2f%% spacing %.2f%% inventory %.1f%% risk %.1f%%",
		res.OrderID, qty, price, decision.Drop*100, decision.Spacing*100, decision.InventoryRatio*100, decision.RiskFraction*100)
	return fills, decision, nil
}

func (p *Planner) expire(ctx context.Context, now time.Time) ([]schema.Fill, error) {
	var fills []schema.Fill
	var errs []error
	for _, e := range p.Pending() {
		if now.Sub(e.CreatedAt) <= p.ttl {
			continue
		}
		res, err := exchange.Do(ctx, p.retry, "cancel entry", func(ctx context.Context) (exchange.CancelResult, error) {
			return p.executor.CancelOrder(ctx, p.symbol, e.OrderID)
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if res.Status == exchange.CancelStatusAlreadyFilled {
			fills = append(fills, filledEntry(e, res, now))
			continue
		}
		delete(p.pending, e.OrderID)
		logs.Infof("entry %s expired after %s", e.OrderID, p.ttl)
	}
	return fills, errors.Join(errs...)
}

// filledEntry stays pending so OnFill can turn it into a position.
func filledEntry(e Entry, res exchange.CancelResult, at time.Time) schema.Fill {
	fill := schema.Fill{
		OrderID:  e.OrderID,
		Side:     schema.SideBuy,
		Price:    res.FilledPrice,
		Qty:      res.FilledQty,
		FilledAt: at,
	}
	if !fill.Price.IsPositive() {
		fill.Price = e.Price
	}
	if !fill.Qty.IsPositive() {
		fill.Qty = e.Quantity
	}
	return fill
}

// OnFill converts a fill of a pending entry into a position. The quantity is
// net of the maker fee charged in the base asset.
func (p *Planner) OnFill(fill schema.Fill) (schema.Position, bool) {
	if _, ok := p.pending[fill.OrderID]; !ok {
		return schema.Position{}, false
	}
	delete(p.pending, fill.OrderID)

	openedAt := fill.FilledAt
	if openedAt.IsZero() {
		openedAt = p.now()
	}
	fee := p.validator.Rules().MakerFeeRate()
	return schema.Position{
		EntryPrice: fill.Price,
		Quantity:   fill.Qty.Mul(decimal.NewFromInt(1).Sub(fee)),
		OpenedAt:   openedAt,
	}, true
}

// Pending returns the resting entries ordered by creation.
func (p *Planner) Pending() []Entry {
	out := make([]Entry, 0, len(p.pending))
	for _, e := range p.pending {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// CancelAll withdraws every resting entry and returns the ones that had filled.
func (p *Planner) CancelAll(ctx context.Context) ([]schema.Fill, error) {
	var fills []schema.Fill
	var errs []error
	for _, e := range p.Pending() {
		res, err := exchange.Do(ctx, p.retry, "cancel entry", func(ctx context.Context) (exchange.CancelResult, error) {
			return p.executor.CancelOrder(ctx, p.symbol, e.OrderID)
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if res.Status == exchange.CancelStatusAlreadyFilled {
			fills = append(fills, filledEntry(e, res, p.now()))
			continue
		}
		delete(p.pending, e.OrderID)
	}
	return fills, errors.Join(errs...)
}

// Reconfigure queues new grid settings. Safe to call from any goroutine; the
// change applies at the next Step.
func (p *Planner) Reconfigure(opt GridOption, entryTTL time.Duration) {
	p.update.Store(&plannerUpdate{grid: opt, ttl: entryTTL})
}

func (p *Planner) Grid() *Grid {
	return p.grid
}

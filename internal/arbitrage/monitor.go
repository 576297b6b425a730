package arbitrage

import (
	"context"
	"time"

	"makerbot/internal/obs"

	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"
)

// EdgePct is the net return of buying at buyPrice and selling at sellPrice
// after both fees and a safety margin of extraBps on each leg.
func EdgePct(buyPrice, sellPrice, buyFee, sellFee, extraBps float64) float64 {
	if buyPrice <= 0 || sellPrice <= 0 {
		return 0
	}
	extra := extraBps / 10_000
	cost := buyPrice * (1 + buyFee + extra)
	revenue := sellPrice * (1 - sellFee - extra)
	return (revenue - cost) / cost
}

type MonitorOption struct {
	Base  string
	Quote string
	// Fees are fractions of notional paid for taking liquidity on each venue.
	PrimaryFee   float64
	SecondaryFee float64
	ExtraBps     float64
	MinEdgePct   float64
	Interval     time.Duration
	Metrics      *obs.Metrics
}

// Opportunity is one direction of a cross-venue check.
type Opportunity struct {
	Direction string
	BuyVenue  string
	SellVenue string
	BuyPrice  float64
	SellPrice float64
	EdgePct   float64
	Signal    bool
}

// Monitor compares the top of book of two venues and reports edges. It never
// places orders or moves funds.
type Monitor struct {
	primary   Source
	secondary Source
	opt       MonitorOption
}

func NewMonitor(primary, secondary Source, opt MonitorOption) *Monitor {
	if opt.Interval <= 0 {
		opt.Interval = 15 * time.Second
	}
	return &Monitor{primary: primary, secondary: secondary, opt: opt}
}

// Check reads both venues once and evaluates both directions.
func (m *Monitor) Check(ctx context.Context) ([]Opportunity, error) {
	a, err := m.primary.BestBidAsk(ctx, m.opt.Base, m.opt.Quote)
	if err != nil {
		return nil, err
	}
	b, err := m.secondary.BestBidAsk(ctx, m.opt.Base, m.opt.Quote)
	if err != nil {
		return nil, err
	}

	out := []Opportunity{
		m.evaluate(a, b, m.opt.PrimaryFee, m.opt.SecondaryFee),
		m.evaluate(b, a, m.opt.SecondaryFee, m.opt.PrimaryFee),
	}
	for _, o := range out {
		m.opt.Metrics.ObserveArbitrage(o.Direction, o.EdgePct, o.Signal)
	}
	return out, nil
}

func (m *Monitor) evaluate(buy, sell Quote, buyFee, sellFee float64) Opportunity {
	o := Opportunity{
		Direction: buy.Venue + "->" + sell.Venue,
		BuyVenue:  buy.Venue,
		SellVenue: sell.Venue,
		BuyPrice:  buy.Ask.InexactFloat64(),
		SellPrice: sell.Bid.InexactFloat64(),
	}
	o.EdgePct = EdgePct(o.BuyPrice, o.SellPrice, buyFee, sellFee, m.opt.ExtraBps)
	o.Signal = o.EdgePct >= m.opt.MinEdgePct
	return o
}

// Run checks on every interval until ctx is done or the process shuts down.
func (m *Monitor) Run(ctx context.Context) {
	logs.Infof("arbitrage monitor %s/%s %s vs %s every %s, min edge %.3f%%",
		m.opt.Base, m.opt.Quote, m.primary.Name(), m.secondary.Name(), m.opt.Interval, m.opt.MinEdgePct*100)

	ticker := time.NewTicker(m.opt.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-sys.Shutdown():
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			ops, err := m.Check(ctx)
			if err != nil {
				logs.Errorf("arbitrage check, err: %+v", err)
				continue
			}
			for _, o := range ops {
				if o.Signal {
					logs.Infof("arbitrage edge %s: buy %.8f sell %.8f net %.4f%%", o.Direction, o.BuyPrice, o.SellPrice, o.EdgePct*100)
				}
			}
		}
	}
}

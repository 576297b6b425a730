package scheduler

import (
	"context"
	"time"

	"makerbot/internal/bandit"
	"makerbot/internal/bus"
	"makerbot/internal/exchange"
	"makerbot/internal/obs"
	"makerbot/internal/og"
	"makerbot/internal/schema"
	"makerbot/internal/store"
	"makerbot/internal/strategy"
	"makerbot/pkg/exception"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"
)

type Option struct {
	Symbol    string
	Interval  time.Duration
	PriceTick decimal.Decimal
	Executor  exchange.Executor
	Lifecycle *og.Manager
	Bandit    *bandit.Manager
	Journal   *Journal
	Store     store.Store
	// Planner is optional; without it the loop only manages exits.
	Planner *strategy.Planner
	// Fills is optional; nil means fills only arrive through cancel results.
	Fills        *bus.Queue[schema.Fill]
	Retry        exchange.RetryPolicy
	Metrics      *obs.Metrics
	CancelOnStop bool
	StopTimeout  time.Duration
	// BacklogMaxDelay caps the wait between retries of a venue-rejected exit.
	BacklogMaxDelay time.Duration
	Now             func() time.Time
}

// backlogEntry is a position without an exit on the book. Crossing entries
// carry a price floor and retry every tick; rejected entries back off.
type backlogEntry struct {
	pos     schema.Position
	floor   decimal.Decimal
	since   time.Time
	rejects int
	next    time.Time
}

// Scheduler is the single control loop. Every lifecycle transition happens on
// the goroutine running Tick, one order at a time.
type Scheduler struct {
	symbol       string
	interval     time.Duration
	tick         decimal.Decimal
	executor     exchange.Executor
	lifecycle    *og.Manager
	bandit       *bandit.Manager
	journal      *Journal
	store        store.Store
	planner      *strategy.Planner
	fills        *bus.Queue[schema.Fill]
	retry        exchange.RetryPolicy
	metrics      *obs.Metrics
	cancelOnStop bool
	stopTimeout  time.Duration
	backoff      exchange.RetryPolicy
	now          func() time.Time

	ticks    uint64
	episodes uint64
	market   decimal.Decimal
	backlog  []backlogEntry
	unbooked []schema.Position
}

func New(opt Option) (*Scheduler, error) {
	if opt.Executor == nil || opt.Lifecycle == nil || opt.Bandit == nil || opt.Journal == nil || opt.Store == nil {
		return nil, exception.ErrNilInstance
	}
	if opt.Interval <= 0 {
		opt.Interval = 5 * time.Second
	}
	if opt.StopTimeout <= 0 {
		opt.StopTimeout = 30 * time.Second
	}
	if opt.BacklogMaxDelay <= 0 {
		opt.BacklogMaxDelay = 10 * time.Minute
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	return &Scheduler{
		symbol:       opt.Symbol,
		interval:     opt.Interval,
		tick:         opt.PriceTick,
		executor:     opt.Executor,
		lifecycle:    opt.Lifecycle,
		bandit:       opt.Bandit,
		journal:      opt.Journal,
		store:        opt.Store,
		planner:      opt.Planner,
		fills:        opt.Fills,
		retry:        opt.Retry,
		metrics:      opt.Metrics,
		cancelOnStop: opt.CancelOnStop,
		stopTimeout:  opt.StopTimeout,
		backoff:      exchange.RetryPolicy{Delay: opt.Interval, MaxDelay: opt.BacklogMaxDelay},
		now:          opt.Now,
	}, nil
}

// Episode returns the running episode.
func (s *Scheduler) Episode() *Episode {
	return s.journal.Current()
}

// Backlog returns the number of positions waiting for an exit order.
func (s *Scheduler) Backlog() int {
	return len(s.backlog) + len(s.unbooked)
}

// Resume submits exits for positions left open by a previous run.
func (s *Scheduler) Resume(ctx context.Context, positions []schema.Position) {
	s.ensureEpisode(s.now())
	for _, pos := range positions {
		logs.Infof("resume position %d: %s @ %s", pos.ID, pos.Quantity, pos.EntryPrice)
		s.submit(ctx, pos, decimal.Zero)
	}
}

// Run ticks until ctx is done, then drains. Exchange calls already in flight
// when ctx ends are finished under their own timeouts.
func (s *Scheduler) Run(ctx context.Context) error {
	work := context.WithoutCancel(ctx)
	s.ensureEpisode(s.now())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(work)
	for {
		select {
		case <-ctx.Done():
			s.drain(work)
			return nil
		case <-ticker.C:
			s.Tick(work)
		}
	}
}

// Tick runs one pass of the loop: fills, rearm checks, backlog, entries and
// finally the episode boundary.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()
	s.ticks++
	s.ensureEpisode(now)

	if s.fills != nil {
		s.fills.Drain(func(f schema.Fill) {
			s.isolate("fill", func() { s.handleFill(ctx, f) })
		})
	}

	market, err := exchange.Do(ctx, s.retry, "price", func(ctx context.Context) (decimal.Decimal, error) {
		return s.executor.GetMarketPrice(ctx, s.symbol)
	})
	if err != nil {
		logs.Errorf("tick %d: market price, err: %+v", s.ticks, err)
		s.metrics.IncTickError("price")
	} else {
		s.market = market
		s.metrics.SetMarketPrice(market.InexactFloat64())
		live := s.journal.Current().Config

		for _, o := range s.lifecycle.Open() {
			s.isolate("rearm", func() { s.rearm(ctx, o, market, now, live) })
		}
		s.isolate("backlog", func() { s.retryBacklog(ctx, now) })
		if s.planner != nil {
			s.isolate("entry", func() { s.plan(ctx, market, live) })
		}
	}

	s.checkEpisode(now)
	s.metrics.SetOpenOrders(len(s.lifecycle.Open()))
	s.metrics.SetBacklog(s.Backlog())
}

// isolate keeps one failing stage or order from stopping the tick.
func (s *Scheduler) isolate(stage string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logs.Errorf("tick %d: %s panic recovered: %v", s.ticks, stage, r)
			s.metrics.IncTickError(stage)
		}
	}()
	fn()
}

func (s *Scheduler) ensureEpisode(now time.Time) {
	if s.journal.Current() == nil {
		s.checkEpisode(now)
	}
}

// checkEpisode asks the bandit for a new configuration once the running
// episode is done. Open orders keep their targets until their own rearm.
func (s *Scheduler) checkEpisode(now time.Time) bool {
	cur := s.journal.Current()
	if cur != nil && !cur.Done(now) {
		return false
	}

	sel := s.bandit.SelectNext()
	s.episodes++
	next := newEpisode(sel, now, s.episodes)
	s.journal.begin(next)
	s.metrics.StartEpisode(sel.Config.ID)

	if cur != nil {
		logs.Infof("episode %d ended after %d trades in %s", cur.Seq, cur.Trades(), now.Sub(cur.StartedAt).Round(time.Second))
	}
	logs.Infof("episode %d: %s (%s)", next.Seq, sel.Config, sel.Reason)
	return true
}

func (s *Scheduler) rearm(ctx context.Context, o og.WorkingOrder, market decimal.Decimal, now time.Time, live schema.Configuration) {
	res := s.lifecycle.EvaluateRearm(ctx, o.PositionID, market, now, live)
	if res.Err != nil && res.Status == og.RearmStatusNone {
		logs.Errorf("tick %d: evaluate position %d, err: %+v", s.ticks, o.PositionID, res.Err)
		s.metrics.IncTickError("rearm")
		return
	}
	switch res.Status {
	case og.RearmStatusResubmitFailed:
		s.afterSubmit(o.Position(), res.Submit)
	case og.RearmStatusCancelFailed:
		s.metrics.IncTickError("cancel")
	}
}

func (s *Scheduler) handleFill(ctx context.Context, fill schema.Fill) {
	if s.lifecycle.Tracks(fill.OrderID) {
		if _, err := s.lifecycle.OnFill(fill); err != nil {
			logs.Errorf("apply fill %s, err: %+v", fill.OrderID, err)
		}
		return
	}
	if s.planner != nil {
		if pos, ok := s.planner.OnFill(fill); ok {
			logs.Infof("entry %s filled: %s @ %s", fill.OrderID, fill.Qty, fill.Price)
			s.book(ctx, pos)
			return
		}
	}
	logs.Infof("fill %s matches no working order, ignored", fill.OrderID)
}

// book stores a new position and places its exit.
func (s *Scheduler) book(ctx context.Context, pos schema.Position) {
	id, err := s.store.OpenPosition(ctx, pos)
	if err != nil {
		logs.Errorf("open position for entry @ %s, err: %+v", pos.EntryPrice, err)
		s.unbooked = append(s.unbooked, pos)
		return
	}
	pos.ID = id
	s.submit(ctx, pos, decimal.Zero)
}

func (s *Scheduler) submit(ctx context.Context, pos schema.Position, floor decimal.Decimal) {
	out := s.lifecycle.SubmitWithFloor(ctx, pos, s.journal.Current().Config, floor)
	s.afterSubmit(pos, out)
}

// afterSubmit routes positions whose exit did not make it onto the book.
func (s *Scheduler) afterSubmit(pos schema.Position, out og.SubmitOutcome) {
	s.requeue(backlogEntry{pos: pos, since: s.now()}, out)
}

func (s *Scheduler) requeue(e backlogEntry, out og.SubmitOutcome) {
	switch out.Status {
	case og.SubmitStatusAccepted:
	case og.SubmitStatusCrossingRejected:
		e.floor, e.rejects, e.next = decimal.Zero, 0, time.Time{}
		if s.market.IsPositive() {
			e.floor = s.market.Add(s.tick)
		}
		s.backlog = append(s.backlog, e)
	case og.SubmitStatusRejected:
		e.floor = decimal.Zero
		e.rejects++
		wait := s.backoff.Wait(e.rejects)
		e.next = s.now().Add(wait)
		logs.Errorf("position %d exit rejected %d times, next try in %s", e.pos.ID, e.rejects, wait)
		s.backlog = append(s.backlog, e)
	case og.SubmitStatusConstraintViolation, og.SubmitStatusInvalidParameters:
		logs.Errorf("position %d parked, exit not submittable: %s %s", e.pos.ID, out.Status, out.Violation)
	default:
		logs.Errorf("position %d submit: %s, err: %+v", e.pos.ID, out.Status, out.Err)
	}
}

func (s *Scheduler) retryBacklog(ctx context.Context, now time.Time) {
	unbooked := s.unbooked
	s.unbooked = nil
	for _, pos := range unbooked {
		s.book(ctx, pos)
	}

	pending := s.backlog
	s.backlog = nil
	for _, e := range pending {
		if now.Before(e.next) {
			s.backlog = append(s.backlog, e)
			continue
		}
		floor := e.floor
		if floor.IsPositive() && s.market.IsPositive() {
			floor = decimal.Max(floor, s.market.Add(s.tick))
		}
		logs.Infof("retry exit of position %d, waiting %s, floor %s", e.pos.ID, now.Sub(e.since).Round(time.Second), floor)
		out := s.lifecycle.SubmitWithFloor(ctx, e.pos, s.journal.Current().Config, floor)
		s.requeue(e, out)
	}
}

func (s *Scheduler) plan(ctx context.Context, market decimal.Decimal, live schema.Configuration) {
	bal, err := exchange.Do(ctx, s.retry, "balances", func(ctx context.Context) (schema.Balances, error) {
		return s.executor.GetBalances(ctx, s.symbol)
	})
	if err != nil {
		logs.Errorf("tick %d: balances, err: %+v", s.ticks, err)
		s.metrics.IncTickError("balances")
		return
	}
	s.metrics.SetEquity(bal.Value(market).InexactFloat64())

	fills, _, err := s.planner.Step(ctx, market, bal, live)
	for _, f := range fills {
		s.handleFill(ctx, f)
	}
	if err != nil {
		logs.Errorf("tick %d: entry planner, err: %+v", s.ticks, err)
		s.metrics.IncTickError("entry")
	}
}

func (s *Scheduler) drain(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.stopTimeout)
	defer cancel()

	drained := 0
	if s.fills != nil {
		drained = s.fills.Drain(func(f schema.Fill) {
			s.isolate("fill", func() { s.handleFill(ctx, f) })
		})
	}

	if s.cancelOnStop {
		if s.planner != nil {
			fills, err := s.planner.CancelAll(ctx)
			for _, f := range fills {
				if pos, ok := s.planner.OnFill(f); ok {
					if _, err := s.store.OpenPosition(ctx, pos); err != nil {
						logs.Errorf("open position on stop, err: %+v", err)
					}
				}
			}
			if err != nil {
				logs.Errorf("cancel entries on stop, err: %+v", err)
			}
		}
		if err := s.lifecycle.CancelAll(ctx); err != nil {
			logs.Errorf("cancel exits on stop, err: %+v", err)
		}
	}

	logs.Infof("scheduler stopped after %d ticks: drained %d fills, %d exits open, %d positions waiting",
		s.ticks, drained, s.lifecycle.Len(), s.Backlog())
	for _, l := range s.metrics.Latencies() {
		logs.Infof("exchange %s: calls=%d errors=%d avg=%s max=%s", l.Op, l.Count, l.Errors, l.Avg, l.Max)
	}
}

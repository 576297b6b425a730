package scheduler

import (
	"context"
	"testing"
	"time"

	"makerbot/internal/bandit"
	"makerbot/internal/bus"
	"makerbot/internal/exchange"
	"makerbot/internal/exchange/paper"
	"makerbot/internal/obs"
	"makerbot/internal/og"
	"makerbot/internal/profit"
	"makerbot/internal/rules"
	"makerbot/internal/schema"
	"makerbot/internal/store"
	"makerbot/internal/strategy"
	"makerbot/pkg/exception"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yanun0323/errors"
)

const _symbol = "BTCUSDT"

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testRules() schema.InstrumentRules {
	return schema.InstrumentRules{
		Symbol:      _symbol,
		PriceTick:   d("0.01"),
		QtyStep:     d("0.0001"),
		MinQty:      d("0.0001"),
		MinNotional: d("10"),
		MakerFeeBps: d("10"),
		TakerFeeBps: d("10"),
	}
}

func testCandidates(ttlSeconds int) []schema.Configuration {
	base := schema.Configuration{
		RiskFraction:      0.35,
		MinProfitPctNet:   0.01,
		ExtraFeeSafetyBps: 5,
		RearmThresholdPct: 0.02,
		OrderTTLSeconds:   ttlSeconds,
		EpisodeTrades:     5,
		EpisodeMinutes:    30,
	}
	a, b := base, base
	a.ID, a.Name = 1, "tight"
	b.ID, b.Name = 2, "wide"
	b.MinProfitPctNet = 0.015
	return []schema.Configuration{a, b}
}

type harnessOption struct {
	ttlSeconds   int
	planner      bool
	cancelOnStop bool
	wrap         func(*paper.Simulator) exchange.Executor
}

type harness struct {
	sim       *paper.Simulator
	feed      *paper.ManualFeed
	store     *store.Memory
	bandit    *bandit.Manager
	lifecycle *og.Manager
	fills     *bus.Queue[schema.Fill]
	sched     *Scheduler
	now       *time.Time
}

func newHarness(t *testing.T, opt harnessOption) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := &harness{
		feed:  paper.NewManualFeed(d("100")),
		store: store.NewMemory(),
		fills: bus.NewQueue[schema.Fill](64),
		now:   new(time.Time),
	}
	*h.now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return *h.now }

	var err error
	h.sim, err = paper.New(paper.Option{
		Rules:        testRules(),
		Feed:         h.feed,
		InitialBase:  d("1"),
		InitialQuote: d("1000"),
		Now:          clock,
	})
	require.NoError(t, err)
	_, err = h.sim.GetMarketPrice(ctx, _symbol)
	require.NoError(t, err)
	ch, err := h.sim.SubscribeFills(ctx)
	require.NoError(t, err)
	go h.fills.Pump(ctx, ch, nil)

	var exec exchange.Executor = h.sim
	if opt.wrap != nil {
		exec = opt.wrap(h.sim)
	}

	policy, err := bandit.NewPolicy(bandit.PolicyEpsilonGreedy, 0, 0)
	require.NoError(t, err)
	h.bandit, err = bandit.NewManager(testCandidates(opt.ttlSeconds), policy, 1)
	require.NoError(t, err)

	metrics := obs.NewMetrics(prometheus.NewRegistry())
	retry := exchange.RetryPolicy{
		Attempts: 2,
		Timeout:  time.Second,
		Delay:    time.Millisecond,
		MaxDelay: 2 * time.Millisecond,
		Observe:  metrics.ObserveExchange,
	}
	journal := NewJournal(h.store, h.bandit, metrics)

	v, err := rules.NewValidator(testRules())
	require.NoError(t, err)
	h.lifecycle, err = og.NewManager(og.Option{
		Symbol:     _symbol,
		Validator:  v,
		Calculator: profit.NewCalculator(v, v.Rules().MakerFeeBps),
		Executor:   exec,
		Retry:      retry,
		Listener:   journal,
		Now:        clock,
	})
	require.NoError(t, err)

	var planner *strategy.Planner
	if opt.planner {
		planner, err = strategy.NewPlanner(strategy.PlannerOption{
			Symbol:    _symbol,
			Grid:      strategy.GridOption{SpacingPct: 0.01},
			EntryTTL:  time.Minute,
			Validator: v,
			Executor:  exec,
			Retry:     retry,
			Now:       clock,
		})
		require.NoError(t, err)
	}

	h.sched, err = New(Option{
		Symbol:          _symbol,
		Interval:        time.Hour,
		PriceTick:       v.Rules().PriceTick,
		Executor:        exec,
		Lifecycle:       h.lifecycle,
		Bandit:          h.bandit,
		Journal:         journal,
		Store:           h.store,
		Planner:         planner,
		Fills:           h.fills,
		Retry:           retry,
		Metrics:         metrics,
		CancelOnStop:    opt.cancelOnStop,
		Now:             clock,
		BacklogMaxDelay: 4 * time.Hour,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) tick(t *testing.T, price string) {
	t.Helper()
	h.feed.Set(d(price))
	h.sched.Tick(context.Background())
}

func (h *harness) waitFills(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.fills.Len() >= n }, time.Second, 5*time.Millisecond)
}

// openPositions books n positions of 0.1 @ 100 and resumes their exits.
func (h *harness) openPositions(t *testing.T, n int) []schema.PositionID {
	t.Helper()
	ctx := context.Background()
	positions := make([]schema.Position, 0, n)
	ids := make([]schema.PositionID, 0, n)
	for i := 0; i < n; i++ {
		pos := schema.Position{EntryPrice: d("100"), Quantity: d("0.1"), OpenedAt: *h.now}
		id, err := h.store.OpenPosition(ctx, pos)
		require.NoError(t, err)
		pos.ID = id
		positions = append(positions, pos)
		ids = append(ids, id)
	}
	h.sched.Resume(ctx, positions)
	return ids
}

func (h *harness) selections() int {
	total := 0
	for _, arm := range h.bandit.Arms() {
		total += arm.Stats.Selections
	}
	return total
}

func TestEpisodeEndsAfterTradeBudget(t *testing.T) {
	h := newHarness(t, harnessOption{ttlSeconds: 3600})
	h.openPositions(t, 5)
	require.Equal(t, 5, h.lifecycle.Len())
	first := h.sched.Episode()
	require.NotNil(t, first)
	assert.Equal(t, schema.ConfigurationID(1), first.Config.ID)
	assert.Equal(t, 1, h.selections())

	h.tick(t, "101.30")
	assert.Same(t, first, h.sched.Episode(), "fills not applied yet")

	h.waitFills(t, 5)
	h.tick(t, "101.30")

	assert.Zero(t, h.lifecycle.Len())
	assert.Equal(t, 5, first.Trades())
	next := h.sched.Episode()
	assert.NotSame(t, first, next)
	assert.Equal(t, uint64(2), next.Seq)
	assert.Equal(t, schema.ConfigurationID(2), next.Config.ID, "untried candidate comes next")
	assert.Equal(t, 2, h.selections(), "one selection per boundary")

	arms := h.bandit.Arms()
	assert.Equal(t, 5, arms[0].Stats.Count)
	assert.Greater(t, arms[0].Stats.Mean(), 0.0)

	open, err := h.store.LoadOpenPositions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestEpisodeEndsAfterTimeBudgetWithoutTouchingOrders(t *testing.T) {
	h := newHarness(t, harnessOption{ttlSeconds: 7200})
	ids := h.openPositions(t, 1)
	before, ok := h.lifecycle.Order(ids[0])
	require.True(t, ok)
	first := h.sched.Episode()

	*h.now = h.now.Add(29 * time.Minute)
	h.tick(t, "100")
	assert.Same(t, first, h.sched.Episode())

	*h.now = h.now.Add(time.Minute)
	h.tick(t, "100")
	next := h.sched.Episode()
	assert.NotSame(t, first, next)
	assert.Equal(t, schema.ConfigurationID(2), next.Config.ID)
	assert.Equal(t, 2, h.selections())

	after, ok := h.lifecycle.Order(ids[0])
	require.True(t, ok)
	assert.Equal(t, before.OrderID, after.OrderID, "swap never cancels resting exits")
	assert.Equal(t, schema.ConfigurationID(1), after.Config.ID)
	assert.True(t, before.TargetExitPrice.Equal(after.TargetExitPrice))
	assert.Equal(t, 1, h.sim.Resting())
}

type panickyExecutor struct {
	*paper.Simulator
	poison string
}

func (p *panickyExecutor) CancelOrder(ctx context.Context, symbol string, orderID string) (exchange.CancelResult, error) {
	if orderID == p.poison {
		panic("venue client exploded")
	}
	return p.Simulator.CancelOrder(ctx, symbol, orderID)
}

func TestTickIsolatesFailingOrder(t *testing.T) {
	exec := &panickyExecutor{}
	h := newHarness(t, harnessOption{
		ttlSeconds: 600,
		wrap: func(sim *paper.Simulator) exchange.Executor {
			exec.Simulator = sim
			return exec
		},
	})
	ids := h.openPositions(t, 2)
	first, ok := h.lifecycle.Order(ids[0])
	require.True(t, ok)
	second, ok := h.lifecycle.Order(ids[1])
	require.True(t, ok)
	exec.poison = first.OrderID

	*h.now = h.now.Add(11 * time.Minute)
	require.NotPanics(t, func() { h.tick(t, "100") })

	rearmed, ok := h.lifecycle.Order(ids[1])
	require.True(t, ok)
	assert.Equal(t, 1, rearmed.Rearms)
	assert.NotEqual(t, second.OrderID, rearmed.OrderID)
	assert.Equal(t, og.OrderStateOpen, rearmed.State)

	stuck, ok := h.lifecycle.Order(ids[0])
	require.True(t, ok)
	assert.Zero(t, stuck.Rearms)
}

func TestCrossingExitWaitsInBacklog(t *testing.T) {
	h := newHarness(t, harnessOption{ttlSeconds: 3600})
	h.tick(t, "102")

	ids := h.openPositions(t, 1)
	_, ok := h.lifecycle.Order(ids[0])
	assert.False(t, ok, "crossing exit is not tracked")
	assert.Equal(t, 1, h.sched.Backlog())

	h.tick(t, "102")
	assert.Zero(t, h.sched.Backlog())
	o, ok := h.lifecycle.Order(ids[0])
	require.True(t, ok)
	assert.Equal(t, og.OrderStateOpen, o.State)
	assert.True(t, d("102.01").Equal(o.TargetExitPrice), o.TargetExitPrice.String())

	trades, err := h.store.LoadHistoricalRewards(context.Background())
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, schema.OutcomeRejected, trades[0].Outcome)
	assert.Zero(t, h.bandit.Arms()[0].Stats.Count, "rejections are not scored")
}

type rejectingVenue struct {
	*paper.Simulator
	reject bool
	places int
}

func (r *rejectingVenue) PlaceMakerOrder(ctx context.Context, symbol string, side schema.Side, price, qty decimal.Decimal) (exchange.PlaceResult, error) {
	r.places++
	if r.reject {
		return exchange.PlaceResult{}, errors.Wrap(exception.ErrVenue, "insufficient balance")
	}
	return r.Simulator.PlaceMakerOrder(ctx, symbol, side, price, qty)
}

func TestRejectedExitBacksOff(t *testing.T) {
	venue := &rejectingVenue{reject: true}
	h := newHarness(t, harnessOption{
		ttlSeconds: 3600,
		wrap: func(sim *paper.Simulator) exchange.Executor {
			venue.Simulator = sim
			return venue
		},
	})
	rejected := func() int {
		trades, err := h.store.LoadHistoricalRewards(context.Background())
		require.NoError(t, err)
		return len(trades)
	}

	h.tick(t, "102")
	ids := h.openPositions(t, 1)
	assert.Equal(t, 1, h.sched.Backlog())
	assert.Equal(t, 2, venue.places, "two attempts per submit")
	assert.Equal(t, 1, rejected())

	h.tick(t, "102")
	h.tick(t, "102")
	assert.Equal(t, 2, venue.places, "no retry before the first delay")
	assert.Equal(t, 1, rejected())

	*h.now = h.now.Add(time.Hour)
	h.tick(t, "102")
	assert.Equal(t, 4, venue.places)
	assert.Equal(t, 2, rejected())

	*h.now = h.now.Add(time.Hour)
	h.tick(t, "102")
	assert.Equal(t, 4, venue.places, "second delay doubles")

	*h.now = h.now.Add(time.Hour)
	h.tick(t, "102")
	assert.Equal(t, 6, venue.places)
	assert.Equal(t, 3, rejected())

	venue.reject = false
	*h.now = h.now.Add(4 * time.Hour)
	h.tick(t, "100")
	assert.Zero(t, h.sched.Backlog())
	o, ok := h.lifecycle.Order(ids[0])
	require.True(t, ok)
	assert.Equal(t, og.OrderStateOpen, o.State)
	assert.True(t, o.TargetExitPrice.LessThan(d("102")), "no crossing floor for a venue rejection: %s", o.TargetExitPrice)
}

func TestPaperRoundTrip(t *testing.T) {
	h := newHarness(t, harnessOption{ttlSeconds: 3600, planner: true})

	h.tick(t, "100")
	h.tick(t, "98.9")
	assert.Equal(t, 1, h.sim.Resting(), "entry placed on the dip")

	h.tick(t, "98.5")
	h.waitFills(t, 1)
	h.tick(t, "98.6")

	open, err := h.store.LoadOpenPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.True(t, d("98.89").Equal(open[0].EntryPrice))
	exit, ok := h.lifecycle.Order(open[0].ID)
	require.True(t, ok)
	assert.True(t, exit.TargetExitPrice.GreaterThan(d("99.88")), exit.TargetExitPrice.String())
	assert.True(t, d("3.5356").Equal(exit.Quantity), exit.Quantity.String())

	h.tick(t, "101")
	h.waitFills(t, 1)
	h.tick(t, "101")

	assert.Zero(t, h.lifecycle.Len())
	trades, err := h.store.LoadHistoricalRewards(context.Background())
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, schema.OutcomeFilled, trades[0].Outcome)
	assert.True(t, exit.TargetExitPrice.Equal(trades[0].ExitPrice))
	assert.GreaterOrEqual(t, trades[0].NetProfitPct, 0.0099)

	open, err = h.store.LoadOpenPositions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open)
	assert.Equal(t, 1, h.bandit.Arms()[0].Stats.Count)
	assert.Equal(t, 1, h.sched.Episode().Trades())
}

func TestRunCancelsOnStop(t *testing.T) {
	h := newHarness(t, harnessOption{ttlSeconds: 3600, cancelOnStop: true})
	h.openPositions(t, 1)
	require.Equal(t, 1, h.sim.Resting())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.sched.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}

	assert.Zero(t, h.sim.Resting())
	assert.Zero(t, h.lifecycle.Len())
	trades, err := h.store.LoadHistoricalRewards(context.Background())
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, schema.OutcomeCancelled, trades[0].Outcome)
	assert.Equal(t, 1, h.bandit.Arms()[0].Stats.Count)
	assert.Zero(t, h.bandit.Arms()[0].Stats.Sum)
}

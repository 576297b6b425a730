package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"makerbot/internal/arbitrage"
	"makerbot/internal/bandit"
	"makerbot/internal/bus"
	"makerbot/internal/exchange"
	"makerbot/internal/obs"
	"makerbot/internal/og"
	"makerbot/internal/ops"
	"makerbot/internal/profit"
	"makerbot/internal/rules"
	"makerbot/internal/scheduler"
	"makerbot/internal/schema"
	"makerbot/internal/store"
	"makerbot/internal/strategy"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"
)

const _fillQueueSize = 1024

type runtimeConfig struct {
	v atomic.Pointer[ops.Loaded]
}

func newRuntimeConfig(loaded ops.Loaded) *runtimeConfig {
	var rc runtimeConfig
	rc.v.Store(&loaded)
	return &rc
}

func (r *runtimeConfig) Load() ops.Loaded {
	return *r.v.Load()
}

func (r *runtimeConfig) Update(loaded ops.Loaded) {
	r.v.Store(&loaded)
}

func main() {
	configPath := flag.String("config", ops.ConfigPath("config.json"), "Path to JSON config")
	envFile := flag.String("env-file", ".env", "Optional KEY=VALUE file with credentials")
	configReload := flag.Duration("config-reload-interval", 5*time.Second, "Config reload interval (0=disable)")
	flag.Parse()

	if err := ops.LoadEnvFile(*envFile); err != nil {
		log.Fatalf("env file load failed: %+v", err)
	}
	loaded, err := ops.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %+v", err)
	}
	secrets, err := ops.LoadSecrets(string(loaded.Mode))
	if err != nil {
		log.Fatalf("secrets load failed: %+v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-sys.Shutdown()
		logs.Info("shutdown signal received")
		cancel()
	}()

	runtime := newRuntimeConfig(loaded)
	if err := run(ctx, runtime, secrets, *configPath, *configReload); err != nil {
		log.Fatalf("makerbot failed: %+v", err)
	}
}

func run(ctx context.Context, runtime *runtimeConfig, secrets ops.Secrets, configPath string, reload time.Duration) error {
	loaded := runtime.Load()
	logs.Infof("makerbot starting: symbol=%s mode=%s testnet=%v candidates=%d", loaded.Symbol, loaded.Mode, loaded.UseTestnet, len(loaded.Candidates))

	metrics := obs.NewMetrics(prometheus.DefaultRegisterer)
	if loaded.MetricsAddr != "" {
		srv := serveMetrics(loaded.MetricsAddr)
		defer shutdownServer(srv)
	}
	if loaded.ProfilerAddress != "" {
		stop, err := startProfiler(loaded.ProfilerAddress, loaded)
		if err != nil {
			return err
		}
		defer stop()
	}

	retry := exchange.DefaultRetryPolicy()
	retry.Attempts = loaded.Exchange.MaxRetries
	retry.Timeout = loaded.Exchange.CallTimeout
	retry.Observe = metrics.ObserveExchange

	executor, err := newExecutor(ctx, loaded, secrets, retry)
	if err != nil {
		return err
	}
	if _, err := exchange.Do(ctx, retry, "ping", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, executor.Ping(ctx)
	}); err != nil {
		return err
	}
	instrument, err := exchange.Do(ctx, retry, "rules", func(ctx context.Context) (schema.InstrumentRules, error) {
		return executor.GetInstrumentRules(ctx, loaded.Symbol)
	})
	if err != nil {
		return err
	}
	logs.Infof("%s rules: tick=%s step=%s min_qty=%s min_notional=%s maker_fee=%sbps",
		executor.Name(), instrument.PriceTick, instrument.QtyStep, instrument.MinQty, instrument.MinNotional, instrument.MakerFeeBps)

	validator, err := rules.NewValidator(instrument)
	if err != nil {
		return err
	}
	calculator := profit.NewCalculator(validator, instrument.MakerFeeBps)

	st, err := openStore(ctx, loaded)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logs.Errorf("close store, err: %+v", err)
		}
	}()

	policy, err := bandit.NewPolicy(loaded.Bandit.Policy, loaded.Bandit.Epsilon, loaded.Bandit.UCBC)
	if err != nil {
		return err
	}
	arms, err := bandit.NewManager(loaded.Candidates, policy, loaded.Bandit.Seed)
	if err != nil {
		return err
	}
	history, err := st.LoadHistoricalRewards(ctx)
	if err != nil {
		return err
	}
	logs.Infof("bandit %s seeded with %d of %d historical trades", arms.PolicyName(), arms.Seed(history), len(history))

	journal := scheduler.NewJournal(st, arms, metrics)
	lifecycle, err := og.NewManager(og.Option{
		Symbol:     loaded.Symbol,
		Validator:  validator,
		Calculator: calculator,
		Executor:   executor,
		Retry:      retry,
		Listener:   journal,
	})
	if err != nil {
		return err
	}

	var planner *strategy.Planner
	if loaded.Grid.Enabled {
		planner, err = strategy.NewPlanner(strategy.PlannerOption{
			Symbol:    loaded.Symbol,
			Grid:      loaded.Grid.Option,
			EntryTTL:  loaded.Grid.EntryTTL,
			Validator: validator,
			Executor:  executor,
			Retry:     retry,
		})
		if err != nil {
			return err
		}
	}

	fills := bus.NewQueue[schema.Fill](_fillQueueSize)
	src, err := executor.SubscribeFills(ctx)
	if err != nil {
		return err
	}
	go fills.Pump(ctx, src, func(f schema.Fill, err error) {
		metrics.IncQueueDrop()
		logs.Errorf("drop fill of order %s, err: %+v", f.OrderID, err)
	})

	sched, err := scheduler.New(scheduler.Option{
		Symbol:       loaded.Symbol,
		Interval:     loaded.PollInterval,
		PriceTick:    instrument.PriceTick,
		Executor:     executor,
		Lifecycle:    lifecycle,
		Bandit:       arms,
		Journal:      journal,
		Store:        st,
		Planner:      planner,
		Fills:        fills,
		Retry:        retry,
		Metrics:      metrics,
		CancelOnStop: loaded.CancelOnStop,
	})
	if err != nil {
		return err
	}

	if err := resume(ctx, loaded, executor, st, sched, retry); err != nil {
		return err
	}
	logTarget(ctx, loaded, executor, retry)

	if configPath != "" && reload > 0 {
		go ops.Watch(ctx, configPath, reload, func(next ops.Loaded) {
			runtime.Update(next)
			if planner != nil {
				planner.Reconfigure(next.Grid.Option, next.Grid.EntryTTL)
			}
		})
	}
	if loaded.Arbitrage.Enabled {
		monitor, err := newArbitrageMonitor(instrument, loaded, metrics)
		if err != nil {
			return err
		}
		go monitor.Run(ctx)
	}

	if err := sched.Run(ctx); err != nil {
		return err
	}
	for _, arm := range arms.Arms() {
		logs.Infof("arm %s: count=%d mean=%.6f", arm.Config, arm.Stats.Count, arm.Stats.Mean())
	}
	logs.Info("makerbot stopped")
	return nil
}

func openStore(ctx context.Context, loaded ops.Loaded) (store.Store, error) {
	if !loaded.HasDatabase() {
		logs.Info("no database configured, trades are kept in memory")
		return store.NewMemory(), nil
	}
	st, err := store.NewPostgres(ctx, loaded.Database)
	if err != nil {
		return nil, err
	}
	logs.Infof("store connected: %s", loaded.Database.Redacted())
	return st, nil
}

// resume clears stale orders and re-submits exits for positions the store
// still holds open.
func resume(ctx context.Context, loaded ops.Loaded, executor exchange.Executor, st store.Store, sched *scheduler.Scheduler, retry exchange.RetryPolicy) error {
	if loaded.CancelOpenOrdersOnStart {
		if _, err := exchange.Do(ctx, retry, "cancel_all", func(ctx context.Context) (struct{}, error) {
			return struct{}{}, executor.CancelAll(ctx, loaded.Symbol)
		}); err != nil {
			return err
		}
		logs.Infof("cancelled open %s orders", loaded.Symbol)
	}
	if !loaded.ResumeOnStart {
		return nil
	}
	positions, err := st.LoadOpenPositions(ctx)
	if err != nil {
		return err
	}
	logs.Infof("resuming %d open positions", len(positions))
	sched.Resume(ctx, positions)
	return nil
}

func logTarget(ctx context.Context, loaded ops.Loaded, executor exchange.Executor, retry exchange.RetryPolicy) {
	if loaded.TargetBalance <= 0 {
		return
	}
	price, err := exchange.Do(ctx, retry, "price", func(ctx context.Context) (decimal.Decimal, error) {
		return executor.GetMarketPrice(ctx, loaded.Symbol)
	})
	if err != nil {
		logs.Errorf("target estimate skipped, err: %+v", err)
		return
	}
	bal, err := exchange.Do(ctx, retry, "balances", func(ctx context.Context) (schema.Balances, error) {
		return executor.GetBalances(ctx, loaded.Symbol)
	})
	if err != nil {
		logs.Errorf("target estimate skipped, err: %+v", err)
		return
	}

	equity := bal.Value(price).InexactFloat64()
	for _, c := range loaded.Candidates {
		logs.Infof("target %.2f from %.2f: about %d trades at %s", loaded.TargetBalance, equity,
			profit.TradesToTarget(equity, loaded.TargetBalance, c.MinProfitPctNet*c.RiskFraction), c)
	}
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logs.Infof("serving metrics on %s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logs.Errorf("metrics server, err: %+v", err)
		}
	}()
	return srv
}

func shutdownServer(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

func startProfiler(addr string, loaded ops.Loaded) (func(), error) {
	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: "makerbot",
		ServerAddress:   addr,
		Tags: map[string]string{
			"symbol": loaded.Symbol,
			"mode":   string(loaded.Mode),
		},
		Logger: profilerLogger{},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
		},
	})
	if err != nil {
		return nil, err
	}
	return func() {
		_ = profiler.Stop()
	}, nil
}

type profilerLogger struct{}

func (profilerLogger) Infof(_ string, _ ...interface{})  {}
func (profilerLogger) Debugf(_ string, _ ...interface{}) {}
func (profilerLogger) Errorf(format string, args ...interface{}) {
	logs.Errorf("pyroscope: "+format, args...)
}

func newArbitrageMonitor(instrument schema.InstrumentRules, loaded ops.Loaded, metrics *obs.Metrics) (*arbitrage.Monitor, error) {
	client := &http.Client{Timeout: loaded.Exchange.CallTimeout}
	primary, err := arbitrage.NewSource("binance", client, "")
	if err != nil {
		return nil, err
	}
	secondary, err := arbitrage.NewSource(loaded.Arbitrage.Secondary, client, "")
	if err != nil {
		return nil, err
	}
	return arbitrage.NewMonitor(primary, secondary, arbitrage.MonitorOption{
		Base:         instrument.BaseAsset,
		Quote:        instrument.QuoteAsset,
		PrimaryFee:   instrument.TakerFeeRate().InexactFloat64(),
		SecondaryFee: loaded.Arbitrage.SecondaryFee,
		ExtraBps:     loaded.Arbitrage.ExtraBps,
		MinEdgePct:   loaded.Arbitrage.MinEdgePct,
		Interval:     loaded.Arbitrage.Interval,
		Metrics:      metrics,
	}), nil
}

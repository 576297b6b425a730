package ops

import (
	"os"
	"strconv"
	"strings"
	"time"

	"makerbot/internal/bandit"
	"makerbot/internal/schema"
	"makerbot/internal/strategy"
	"makerbot/pkg/conn"
	"makerbot/pkg/exception"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
)

// FileConfig mirrors the JSON config layout.
type FileConfig struct {
	Symbol                  string   `json:"symbol"`
	Mode                    string   `json:"mode"`
	UseTestnet              *bool    `json:"use_testnet"`
	PollIntervalSeconds     int      `json:"poll_interval_seconds"`
	RiskFraction            float64  `json:"risk_fraction"`
	MinProfitPctNet         float64  `json:"min_profit_pct_net"`
	ExtraFeeSafetyBps       *float64 `json:"extra_fee_safety_bps"`
	RearmThresholdPct       float64  `json:"rearm_threshold_pct"`
	OrderTTLSeconds         int      `json:"order_ttl_seconds"`
	EpisodeTrades           int      `json:"episode_trades"`
	EpisodeMinutes          int      `json:"episode_minutes"`
	TargetBalance           float64  `json:"target_balance"`
	CancelOpenOrdersOnStart *bool    `json:"cancel_open_orders_on_start"`
	ResumeOnStart           *bool    `json:"resume_on_start"`
	CancelOnStop            bool     `json:"cancel_on_stop"`

	Bandit    BanditConfig    `json:"bandit"`
	Grid      GridConfig      `json:"grid"`
	Exchange  ExchangeConfig  `json:"exchange"`
	Paper     PaperConfig     `json:"paper"`
	Database  DatabaseConfig  `json:"database"`
	Arbitrage ArbitrageConfig `json:"arbitrage"`
	Metrics   MetricsConfig   `json:"metrics"`
	Profiler  ProfilerConfig  `json:"profiler"`
}

// BanditConfig lists the candidates explicitly or describes how to generate them.
type BanditConfig struct {
	Policy                 string                 `json:"policy"`
	NumConfigs             int                    `json:"num_configs"`
	MinProfitPctRange      [2]float64             `json:"min_profit_pct_range"`
	RearmThresholdPctRange [2]float64             `json:"rearm_threshold_pct_range"`
	ExplorationEps         *float64               `json:"exploration_eps"`
	UCBC                   float64                `json:"ucb_c"`
	Seed                   int64                  `json:"seed"`
	Candidates             []schema.Configuration `json:"candidates"`
}

type GridConfig struct {
	Enabled         *bool   `json:"enabled"`
	SpacingPct      float64 `json:"spacing_pct"`
	MaxSpacingPct   float64 `json:"max_spacing_pct"`
	EntryTTLSeconds int     `json:"entry_ttl_seconds"`
}

type ExchangeConfig struct {
	CallTimeoutMs int `json:"call_timeout_ms"`
	MaxRetries    int `json:"max_retries"`
	RecvWindowMs  int `json:"recv_window_ms"`
}

// PaperConfig drives the simulator. Instrument filters default to BTCUSDT spot.
type PaperConfig struct {
	StartPrice    string  `json:"start_price"`
	QuoteBalance  string  `json:"quote_balance"`
	BaseBalance   string  `json:"base_balance"`
	VolatilityBps float64 `json:"volatility_bps"`
	Seed          int64   `json:"seed"`
	PriceSource   string  `json:"price_source"`
	PriceTick     string  `json:"price_tick"`
	QtyStep       string  `json:"qty_step"`
	MinNotional   string  `json:"min_notional"`
	MakerFeeBps   string  `json:"maker_fee_bps"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type ArbitrageConfig struct {
	Enabled           bool    `json:"enabled"`
	SecondaryExchange string  `json:"secondary_exchange"`
	MinEdgePctNet     float64 `json:"min_edge_pct_net"`
	IntervalSeconds   int     `json:"interval_seconds"`
	SecondaryFeeBps   float64 `json:"secondary_fee_bps"`
	ExtraBps          float64 `json:"extra_bps"`
}

type MetricsConfig struct {
	Addr string `json:"addr"`
}

type ProfilerConfig struct {
	ServerAddress string `json:"server_address"`
}

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	Symbol                  string
	Mode                    schema.Mode
	UseTestnet              bool
	PollInterval            time.Duration
	TargetBalance           float64
	CancelOpenOrdersOnStart bool
	ResumeOnStart           bool
	CancelOnStop            bool

	Candidates []schema.Configuration
	Bandit     BanditSettings
	Grid       GridSettings
	Exchange   ExchangeSettings
	Paper      PaperSettings

	// Database is zero when no database is configured.
	Database        conn.Option
	Arbitrage       ArbitrageSettings
	MetricsAddr     string
	ProfilerAddress string
}

type BanditSettings struct {
	Policy  string
	Epsilon float64
	UCBC    float64
	Seed    int64
}

type GridSettings struct {
	Enabled  bool
	Option   strategy.GridOption
	EntryTTL time.Duration
}

type ExchangeSettings struct {
	CallTimeout time.Duration
	MaxRetries  int
	RecvWindow  time.Duration
}

type PaperSettings struct {
	StartPrice    decimal.Decimal
	QuoteBalance  decimal.Decimal
	BaseBalance   decimal.Decimal
	VolatilityBps float64
	Seed          int64

	// PriceSource is "random" or "live".
	PriceSource string
	PriceTick   decimal.Decimal
	QtyStep     decimal.Decimal
	MinNotional decimal.Decimal
	MakerFeeBps decimal.Decimal
}

type ArbitrageSettings struct {
	Enabled      bool
	Secondary    string
	MinEdgePct   float64
	Interval     time.Duration
	SecondaryFee float64
	ExtraBps     float64
}

// HasDatabase reports whether a PostgreSQL store is configured.
func (l Loaded) HasDatabase() bool {
	return l.Database.ConnString != "" || l.Database.Host != ""
}

// Load reads a JSON config file and resolves it. The DATABASE_DSN environment
// variable overrides the database section.
func Load(path string) (Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Loaded{}, errors.Wrap(err, "read config").With("path", path)
	}
	return Parse(data)
}

// Parse resolves raw JSON into a validated configuration.
func Parse(data []byte) (Loaded, error) {
	var cfg FileConfig
	if err := sonic.ConfigStd.Unmarshal(data, &cfg); err != nil {
		return Loaded{}, errors.Wrap(err, "decode config")
	}
	return resolve(cfg)
}

func resolve(cfg FileConfig) (Loaded, error) {
	loaded := Loaded{
		Symbol:                  strings.ToUpper(strings.TrimSpace(cfg.Symbol)),
		Mode:                    schema.Mode(strings.ToUpper(strings.TrimSpace(cfg.Mode))),
		UseTestnet:              boolOr(cfg.UseTestnet, true),
		PollInterval:            secondsOr(cfg.PollIntervalSeconds, 10),
		TargetBalance:           cfg.TargetBalance,
		CancelOpenOrdersOnStart: boolOr(cfg.CancelOpenOrdersOnStart, true),
		ResumeOnStart:           boolOr(cfg.ResumeOnStart, true),
		CancelOnStop:            cfg.CancelOnStop,
		MetricsAddr:             cfg.Metrics.Addr,
		ProfilerAddress:         cfg.Profiler.ServerAddress,
	}
	if loaded.Symbol == "" {
		loaded.Symbol = "BTCUSDT"
	}
	if cfg.Mode == "" {
		loaded.Mode = schema.ModePaper
	}
	if !loaded.Mode.IsAvailable() {
		return Loaded{}, errors.Wrap(exception.ErrConfigInvalid, "mode must be LIVE or PAPER").With("mode", cfg.Mode)
	}
	if loaded.TargetBalance < 0 {
		return Loaded{}, errors.Wrap(exception.ErrConfigInvalid, "target_balance must be >= 0")
	}

	candidates, err := resolveCandidates(cfg)
	if err != nil {
		return Loaded{}, err
	}
	loaded.Candidates = candidates

	loaded.Bandit = BanditSettings{
		Policy:  strings.ToLower(strings.TrimSpace(cfg.Bandit.Policy)),
		Epsilon: floatOr(cfg.Bandit.ExplorationEps, 0.25),
		UCBC:    cfg.Bandit.UCBC,
		Seed:    cfg.Bandit.Seed,
	}
	if loaded.Bandit.UCBC <= 0 {
		loaded.Bandit.UCBC = 1
	}
	if loaded.Bandit.Epsilon < 0 || loaded.Bandit.Epsilon > 1 {
		return Loaded{}, errors.Wrap(exception.ErrConfigInvalid, "bandit.exploration_eps must be in [0, 1]")
	}
	if _, err := bandit.NewPolicy(loaded.Bandit.Policy, loaded.Bandit.Epsilon, loaded.Bandit.UCBC); err != nil {
		return Loaded{}, errors.Wrap(exception.ErrConfigInvalid, err.Error())
	}
	if loaded.Bandit.Seed == 0 {
		loaded.Bandit.Seed = time.Now().UnixNano()
	}

	loaded.Grid = GridSettings{
		Enabled: boolOr(cfg.Grid.Enabled, true),
		Option: strategy.GridOption{
			SpacingPct:    cfg.Grid.SpacingPct,
			MaxSpacingPct: cfg.Grid.MaxSpacingPct,
		},
		EntryTTL: secondsOr(cfg.Grid.EntryTTLSeconds, 300),
	}
	if cfg.Grid.SpacingPct < 0 || cfg.Grid.MaxSpacingPct < 0 {
		return Loaded{}, errors.Wrap(exception.ErrConfigInvalid, "grid spacing must be >= 0")
	}

	loaded.Exchange = ExchangeSettings{
		CallTimeout: millisOr(cfg.Exchange.CallTimeoutMs, 10_000),
		MaxRetries:  cfg.Exchange.MaxRetries,
		RecvWindow:  millisOr(cfg.Exchange.RecvWindowMs, 5_000),
	}
	if loaded.Exchange.MaxRetries <= 0 {
		loaded.Exchange.MaxRetries = 5
	}

	paper, err := resolvePaper(cfg.Paper)
	if err != nil {
		return Loaded{}, err
	}
	loaded.Paper = paper

	loaded.Database = resolveDatabase(cfg.Database)

	loaded.Arbitrage = ArbitrageSettings{
		Enabled:      cfg.Arbitrage.Enabled,
		Secondary:    strings.ToLower(strings.TrimSpace(cfg.Arbitrage.SecondaryExchange)),
		MinEdgePct:   cfg.Arbitrage.MinEdgePctNet,
		Interval:     secondsOr(cfg.Arbitrage.IntervalSeconds, 15),
		SecondaryFee: cfg.Arbitrage.SecondaryFeeBps / 10_000,
		ExtraBps:     cfg.Arbitrage.ExtraBps,
	}
	if loaded.Arbitrage.Secondary == "" {
		loaded.Arbitrage.Secondary = "okx"
	}
	if cfg.Arbitrage.SecondaryFeeBps == 0 {
		loaded.Arbitrage.SecondaryFee = 0.001
	}
	if loaded.Arbitrage.MinEdgePct == 0 {
		loaded.Arbitrage.MinEdgePct = 0.003
	}

	return loaded, nil
}

// resolveCandidates validates explicit candidates, or spreads NumConfigs
// candidates linearly across the configured ranges. Fields a candidate leaves
// empty inherit the top-level values.
func resolveCandidates(cfg FileConfig) ([]schema.Configuration, error) {
	base := schema.Configuration{
		RiskFraction:      cfg.RiskFraction,
		MinProfitPctNet:   cfg.MinProfitPctNet,
		ExtraFeeSafetyBps: floatOr(cfg.ExtraFeeSafetyBps, 10),
		RearmThresholdPct: cfg.RearmThresholdPct,
		OrderTTLSeconds:   cfg.OrderTTLSeconds,
		EpisodeTrades:     cfg.EpisodeTrades,
		EpisodeMinutes:    cfg.EpisodeMinutes,
	}
	if base.RiskFraction == 0 {
		base.RiskFraction = 0.25
	}
	if base.MinProfitPctNet == 0 {
		base.MinProfitPctNet = 0.001
	}
	if base.RearmThresholdPct == 0 {
		base.RearmThresholdPct = 0.015
	}
	if base.OrderTTLSeconds == 0 {
		base.OrderTTLSeconds = 1800
	}
	if base.EpisodeTrades == 0 {
		base.EpisodeTrades = 8
	}
	if base.EpisodeMinutes == 0 {
		base.EpisodeMinutes = 30
	}

	var out []schema.Configuration
	if len(cfg.Bandit.Candidates) > 0 {
		out = make([]schema.Configuration, 0, len(cfg.Bandit.Candidates))
		for i, c := range cfg.Bandit.Candidates {
			out = append(out, inherit(c, base, i))
		}
	} else {
		out = GenerateCandidates(base, cfg.Bandit.NumConfigs, cfg.Bandit.MinProfitPctRange, cfg.Bandit.RearmThresholdPctRange)
	}
	if len(out) == 0 {
		return nil, exception.ErrConfigNoCandidate
	}

	seen := make(map[schema.ConfigurationID]struct{}, len(out))
	for _, c := range out {
		if err := c.Validate(); err != nil {
			return nil, errors.Wrap(exception.ErrConfigInvalid, err.Error())
		}
		if _, ok := seen[c.ID]; ok {
			return nil, errors.Wrap(exception.ErrConfigInvalid, "duplicate candidate id").With("id", c.ID)
		}
		seen[c.ID] = struct{}{}
	}
	return out, nil
}

func inherit(c, base schema.Configuration, i int) schema.Configuration {
	if c.ID == 0 {
		c.ID = schema.ConfigurationID(i + 1)
	}
	if c.Name == "" {
		c.Name = candidateName(c.ID)
	}
	if c.RiskFraction == 0 {
		c.RiskFraction = base.RiskFraction
	}
	if c.MinProfitPctNet == 0 {
		c.MinProfitPctNet = base.MinProfitPctNet
	}
	if c.ExtraFeeSafetyBps == 0 {
		c.ExtraFeeSafetyBps = base.ExtraFeeSafetyBps
	}
	if c.RearmThresholdPct == 0 {
		c.RearmThresholdPct = base.RearmThresholdPct
	}
	if c.OrderTTLSeconds == 0 {
		c.OrderTTLSeconds = base.OrderTTLSeconds
	}
	if c.EpisodeTrades == 0 {
		c.EpisodeTrades = base.EpisodeTrades
	}
	if c.EpisodeMinutes == 0 {
		c.EpisodeMinutes = base.EpisodeMinutes
	}
	return c
}

// GenerateCandidates builds n candidates from base, interpolating the profit
// target and rearm threshold linearly from the low to the high end of each
// range. A zero range keeps the base value.
func GenerateCandidates(base schema.Configuration, n int, profitRange, rearmRange [2]float64) []schema.Configuration {
	if n <= 0 {
		n = 1
	}
	steps := float64(max(1, n-1))
	out := make([]schema.Configuration, 0, n)
	for i := 0; i < n; i++ {
		c := base
		c.ID = schema.ConfigurationID(i + 1)
		c.Name = candidateName(c.ID)
		if profitRange != [2]float64{} {
			c.MinProfitPctNet = profitRange[0] + (profitRange[1]-profitRange[0])*float64(i)/steps
		}
		if rearmRange != [2]float64{} {
			c.RearmThresholdPct = rearmRange[0] + (rearmRange[1]-rearmRange[0])*float64(i)/steps
		}
		out = append(out, c)
	}
	return out
}

func candidateName(id schema.ConfigurationID) string {
	return "cfg-" + strconv.Itoa(int(id))
}

func resolvePaper(cfg PaperConfig) (PaperSettings, error) {
	p := PaperSettings{
		VolatilityBps: cfg.VolatilityBps,
		Seed:          cfg.Seed,
		PriceSource:   strings.ToLower(strings.TrimSpace(cfg.PriceSource)),
	}
	if p.VolatilityBps <= 0 {
		p.VolatilityBps = 8
	}
	if p.Seed == 0 {
		p.Seed = 42
	}
	switch p.PriceSource {
	case "":
		p.PriceSource = "random"
	case "random", "live":
	default:
		return PaperSettings{}, errors.Wrap(exception.ErrConfigInvalid, "paper.price_source must be random or live").With("price_source", cfg.PriceSource)
	}

	fields := []struct {
		name  string
		raw   string
		def   string
		out   *decimal.Decimal
		allow bool
	}{
		{name: "start_price", raw: cfg.StartPrice, def: "60000", out: &p.StartPrice},
		{name: "quote_balance", raw: cfg.QuoteBalance, def: "1000", out: &p.QuoteBalance},
		{name: "base_balance", raw: cfg.BaseBalance, def: "0", out: &p.BaseBalance, allow: true},
		{name: "price_tick", raw: cfg.PriceTick, def: "0.01", out: &p.PriceTick},
		{name: "qty_step", raw: cfg.QtyStep, def: "0.00001", out: &p.QtyStep},
		{name: "min_notional", raw: cfg.MinNotional, def: "5", out: &p.MinNotional},
		{name: "maker_fee_bps", raw: cfg.MakerFeeBps, def: "10", out: &p.MakerFeeBps, allow: true},
	}
	for _, f := range fields {
		raw := strings.TrimSpace(f.raw)
		if raw == "" {
			raw = f.def
		}
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return PaperSettings{}, errors.Wrap(exception.ErrConfigInvalid, "paper."+f.name).With("value", f.raw)
		}
		if v.IsNegative() || (!f.allow && !v.IsPositive()) {
			return PaperSettings{}, errors.Wrap(exception.ErrConfigInvalid, "paper."+f.name+" out of range").With("value", f.raw)
		}
		*f.out = v
	}
	return p, nil
}

func resolveDatabase(cfg DatabaseConfig) conn.Option {
	dsn := DatabaseDSN()
	if dsn == "" {
		dsn = strings.TrimSpace(cfg.DSN)
	}
	return conn.Option{
		ConnString: dsn,
		Host:       cfg.Host,
		Port:       cfg.Port,
		User:       cfg.User,
		Password:   cfg.Password,
		Database:   cfg.Name,
	}
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func floatOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func secondsOr(v int, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Second
}

func millisOr(v int, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Millisecond
}

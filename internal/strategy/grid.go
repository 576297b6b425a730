package strategy

import "math"

// GridOption tunes the dip-buying grid.
type GridOption struct {
	// SpacingPct is the minimum drop from the reference price that triggers a buy.
	SpacingPct float64
	// MaxSpacingPct caps the volatility-widened spacing.
	MaxSpacingPct float64
	// ResetPct moves the reference up once price recovers this far above it.
	ResetPct float64
	// VolDecay is the EWMA weight of the previous volatility estimate.
	VolDecay float64
}

func DefaultGridOption() GridOption {
	return GridOption{
		SpacingPct:    0.006,
		MaxSpacingPct: 0.02,
		ResetPct:      0.003,
		VolDecay:      0.9,
	}
}

// Decision is the grid's view of one tick.
type Decision struct {
	Buy            bool
	Reference      float64
	Drop           float64
	Spacing        float64
	InventoryRatio float64
	RiskFraction   float64
}

// Grid tracks a reference price and an EWMA of absolute returns.
// It is not safe for concurrent use.
type Grid struct {
	opt  GridOption
	ref  float64
	last float64
	vol  float64
}

func NewGrid(opt GridOption) *Grid {
	return &Grid{opt: opt.normalize()}
}

func (opt GridOption) normalize() GridOption {
	def := DefaultGridOption()
	if opt.SpacingPct <= 0 {
		opt.SpacingPct = def.SpacingPct
	}
	if opt.MaxSpacingPct < opt.SpacingPct {
		opt.MaxSpacingPct = math.Max(def.MaxSpacingPct, opt.SpacingPct)
	}
	if opt.ResetPct <= 0 {
		opt.ResetPct = def.ResetPct
	}
	if opt.VolDecay <= 0 || opt.VolDecay >= 1 {
		opt.VolDecay = def.VolDecay
	}
	return opt
}

// Reconfigure replaces the spacing settings and keeps the observed state.
func (g *Grid) Reconfigure(opt GridOption) {
	g.opt = opt.normalize()
}

func (g *Grid) Option() GridOption {
	return g.opt
}

// Observe feeds a new market price.
func (g *Grid) Observe(price float64) {
	if price <= 0 {
		return
	}
	if g.last > 0 {
		ret := math.Abs(price-g.last) / g.last
		g.vol = g.opt.VolDecay*g.vol + (1-g.opt.VolDecay)*ret
	}
	g.last = price
	if g.ref <= 0 || price > g.ref*(1+g.opt.ResetPct) {
		g.ref = price
	}
}

// Spacing is max(SpacingPct, min(MaxSpacingPct, 2*vol)).
func (g *Grid) Spacing() float64 {
	return math.Max(g.opt.SpacingPct, math.Min(g.opt.MaxSpacingPct, 2*g.vol))
}

func (g *Grid) Volatility() float64 {
	return g.vol
}

func (g *Grid) Reference() float64 {
	return g.ref
}

// Decide evaluates the last observed price against free balances.
// Inventory above 70% of equity pauses buying; above 50% halves the risk.
func (g *Grid) Decide(freeBase, freeQuote, riskFraction float64) Decision {
	d := Decision{
		Reference: g.ref,
		Spacing:   g.Spacing(),
	}
	if g.last <= 0 || g.ref <= 0 {
		return d
	}

	baseValue := freeBase * g.last
	total := baseValue + freeQuote
	if total > 0 {
		d.InventoryRatio = baseValue / total
	}
	d.RiskFraction = InventoryThrottle(riskFraction, d.InventoryRatio)
	d.Drop = (g.ref - g.last) / g.ref
	d.Buy = d.Drop >= d.Spacing && d.RiskFraction > 0
	return d
}

// Bought resets the reference to the entry price so one dip buys once.
func (g *Grid) Bought(price float64) {
	if price > 0 {
		g.ref = price
	}
}

func InventoryThrottle(riskFraction, inventoryRatio float64) float64 {
	switch {
	case inventoryRatio > 0.70:
		return 0
	case inventoryRatio > 0.50:
		return riskFraction * 0.5
	default:
		return riskFraction
	}
}

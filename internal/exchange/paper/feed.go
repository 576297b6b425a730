package paper

import (
	"context"
	"math"
	"math/rand"
	"sync"

	"makerbot/pkg/exception"

	"github.com/shopspring/decimal"
)

// Feed supplies the simulated last-trade price.
type Feed interface {
	Next(ctx context.Context) (decimal.Decimal, error)
}

// ManualFeed returns whatever price was last set.
type ManualFeed struct {
	mu    sync.Mutex
	price decimal.Decimal
}

func NewManualFeed(price decimal.Decimal) *ManualFeed {
	return &ManualFeed{price: price}
}

func (f *ManualFeed) Set(price decimal.Decimal) {
	f.mu.Lock()
	f.price = price
	f.mu.Unlock()
}

func (f *ManualFeed) Next(context.Context) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.price.IsPositive() {
		return decimal.Zero, exception.ErrNoMarketPrice
	}
	return f.price, nil
}

// RandomWalkFeed moves the price by a seeded log-normal step on every call.
type RandomWalkFeed struct {
	mu     sync.Mutex
	rng    *rand.Rand
	price  float64
	stddev float64
}

// NewRandomWalkFeed starts at price; volatilityBps is the per-step standard deviation.
func NewRandomWalkFeed(price decimal.Decimal, volatilityBps float64, seed int64) *RandomWalkFeed {
	return &RandomWalkFeed{
		rng:    rand.New(rand.NewSource(seed)),
		price:  price.InexactFloat64(),
		stddev: volatilityBps / 10_000,
	}
}

func (f *RandomWalkFeed) Next(context.Context) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.price <= 0 {
		return decimal.Zero, exception.ErrNoMarketPrice
	}
	f.price *= math.Exp(f.rng.NormFloat64() * f.stddev)
	return decimal.NewFromFloat(f.price), nil
}

// PriceGetter is satisfied by a live executor used read-only for market data.
type PriceGetter interface {
	GetMarketPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// LiveFeed reads real prices from a venue while orders stay simulated.
type LiveFeed struct {
	getter PriceGetter
	symbol string
}

func NewLiveFeed(getter PriceGetter, symbol string) *LiveFeed {
	return &LiveFeed{getter: getter, symbol: symbol}
}

func (f *LiveFeed) Next(ctx context.Context) (decimal.Decimal, error) {
	return f.getter.GetMarketPrice(ctx, f.symbol)
}

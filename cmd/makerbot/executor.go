package main

import (
	"context"
	"strings"

	"makerbot/internal/exchange"
	"makerbot/internal/exchange/binance"
	"makerbot/internal/exchange/paper"
	"makerbot/internal/ops"
	"makerbot/internal/schema"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"
)

var _quoteAssets = []string{"USDT", "USDC", "FDUSD", "BUSD", "TUSD", "BTC", "ETH", "BNB", "EUR", "TRY"}

// newExecutor picks the venue once per process. LIVE talks to Binance, PAPER
// simulates maker fills against a random walk or the live Binance ticker.
func newExecutor(ctx context.Context, loaded ops.Loaded, secrets ops.Secrets, retry exchange.RetryPolicy) (exchange.Executor, error) {
	if loaded.Mode == schema.ModeLive {
		client, err := binance.New(binance.Option{
			APIKey:     secrets.APIKey,
			APISecret:  secrets.APISecret,
			Testnet:    loaded.UseTestnet,
			RecvWindow: loaded.Exchange.RecvWindow,
		})
		if err != nil {
			return nil, err
		}
		logs.Infof("live executor on binance (testnet=%v)", loaded.UseTestnet)
		return client, nil
	}

	p := loaded.Paper
	instrument := paperRules(loaded.Symbol, p)
	var feed paper.Feed = paper.NewRandomWalkFeed(p.StartPrice, p.VolatilityBps, p.Seed)
	if p.PriceSource == "live" {
		md := binance.NewMarketData(binance.Option{Testnet: loaded.UseTestnet})
		live, err := exchange.Do(ctx, retry, "rules", func(ctx context.Context) (schema.InstrumentRules, error) {
			return md.GetInstrumentRules(ctx, loaded.Symbol)
		})
		if err != nil {
			return nil, err
		}
		live.MakerFeeBps, live.TakerFeeBps = p.MakerFeeBps, p.MakerFeeBps
		instrument = live
		feed = paper.NewLiveFeed(md, loaded.Symbol)
	}

	sim, err := paper.New(paper.Option{
		Rules:        instrument,
		Feed:         feed,
		InitialBase:  p.BaseBalance,
		InitialQuote: p.QuoteBalance,
	})
	if err != nil {
		return nil, err
	}
	logs.Infof("paper executor: %s prices, %s %s + %s %s",
		p.PriceSource, p.QuoteBalance, instrument.QuoteAsset, p.BaseBalance, instrument.BaseAsset)
	return sim, nil
}

func paperRules(symbol string, p ops.PaperSettings) schema.InstrumentRules {
	base, quote := splitSymbol(symbol)
	return schema.InstrumentRules{
		Symbol:      symbol,
		BaseAsset:   base,
		QuoteAsset:  quote,
		PriceTick:   p.PriceTick,
		QtyStep:     p.QtyStep,
		MinQty:      p.QtyStep,
		MinNotional: p.MinNotional,
		MakerFeeBps: p.MakerFeeBps,
		TakerFeeBps: decimal.Max(p.MakerFeeBps, decimal.NewFromInt(10)),
	}
}

func splitSymbol(symbol string) (string, string) {
	for _, q := range _quoteAssets {
		if len(symbol) > len(q) && strings.HasSuffix(symbol, q) {
			return strings.TrimSuffix(symbol, q), q
		}
	}
	return symbol, ""
}

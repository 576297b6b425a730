package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"makerbot/internal/exchange"
	"makerbot/internal/exchange/binance"
	"makerbot/internal/ops"
	"makerbot/internal/schema"
)

// healthcheck verifies connectivity and symbol rules without placing orders.
func main() {
	configPath := flag.String("config", ops.ConfigPath("config.json"), "Path to JSON config")
	envFile := flag.String("env-file", ".env", "Optional KEY=VALUE file with credentials")
	timeout := flag.Duration("timeout", 20*time.Second, "Overall timeout")
	flag.Parse()

	if err := check(*configPath, *envFile, *timeout); err != nil {
		fmt.Printf("FAIL: %+v\n", err)
		os.Exit(1)
	}
	fmt.Println("OK")
}

func check(configPath, envFile string, timeout time.Duration) error {
	if err := ops.LoadEnvFile(envFile); err != nil {
		return err
	}
	loaded, err := ops.Load(configPath)
	if err != nil {
		return err
	}

	opt := binance.Option{Testnet: loaded.UseTestnet, RecvWindow: loaded.Exchange.RecvWindow}
	var client *binance.Client
	if loaded.Mode == schema.ModeLive {
		secrets, err := ops.LoadSecrets(string(loaded.Mode))
		if err != nil {
			return err
		}
		opt.APIKey, opt.APISecret = secrets.APIKey, secrets.APISecret
		if client, err = binance.New(opt); err != nil {
			return err
		}
	} else {
		client = binance.NewMarketData(opt)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	retry := exchange.DefaultRetryPolicy()
	retry.Attempts, retry.Timeout = 3, loaded.Exchange.CallTimeout

	if _, err := exchange.Do(ctx, retry, "ping", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, client.Ping(ctx)
	}); err != nil {
		return err
	}
	r, err := exchange.Do(ctx, retry, "rules", func(ctx context.Context) (schema.InstrumentRules, error) {
		return client.GetInstrumentRules(ctx, loaded.Symbol)
	})
	if err != nil {
		return err
	}
	fmt.Printf("%s %s (testnet=%v): tick=%s step=%s min_notional=%s maker_fee=%sbps\n",
		client.Name(), r.Symbol, loaded.UseTestnet, r.PriceTick, r.QtyStep, r.MinNotional, r.MakerFeeBps)

	if loaded.Mode == schema.ModeLive {
		bal, err := exchange.Do(ctx, retry, "balances", func(ctx context.Context) (schema.Balances, error) {
			return client.GetBalances(ctx, loaded.Symbol)
		})
		if err != nil {
			return err
		}
		fmt.Printf("free %s %s, %s %s\n", bal.Base, r.BaseAsset, bal.Quote, r.QuoteAsset)
	}
	return nil
}

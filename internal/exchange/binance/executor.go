package binance

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"makerbot/internal/exchange"
	"makerbot/internal/schema"
	"makerbot/pkg/exception"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

var _ exchange.Executor = (*Client)(nil)

func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/v3/ping", nil, authNone, nil)
}

// GetInstrumentRules reads the symbol filters and the account's maker and
// taker commission. The result is cached for the session.
func (c *Client) GetInstrumentRules(ctx context.Context, symbol string) (schema.InstrumentRules, error) {
	c.mu.Lock()
	r, ok := c.rules[symbol]
	c.mu.Unlock()
	if ok {
		return r, nil
	}

	q := url.Values{}
	q.Set("symbol", symbol)
	var info exchangeInfoResponse
	if err := c.do(ctx, http.MethodGet, "/api/v3/exchangeInfo", q, authNone, &info); err != nil {
		return schema.InstrumentRules{}, err
	}
	if len(info.Symbols) == 0 || info.Symbols[0].Symbol != symbol {
		return schema.InstrumentRules{}, errors.Wrap(exception.ErrSymbolNotFound, "exchange info").With("symbol", symbol)
	}

	r, err := parseRules(info.Symbols[0])
	if err != nil {
		return schema.InstrumentRules{}, err
	}
	r.MakerFeeBps, r.TakerFeeBps = c.commission(ctx, symbol)

	c.mu.Lock()
	c.rules[symbol] = r
	c.mu.Unlock()
	return r, nil
}

func parseRules(s symbolInfo) (schema.InstrumentRules, error) {
	r := schema.InstrumentRules{
		Symbol:     s.Symbol,
		BaseAsset:  s.BaseAsset,
		QuoteAsset: s.QuoteAsset,
	}
	for _, f := range s.Filters {
		switch f.FilterType {
		case "PRICE_FILTER":
			r.PriceTick = parseDecimal(f.TickSize)
		case "LOT_SIZE":
			r.QtyStep = parseDecimal(f.StepSize)
			r.MinQty = parseDecimal(f.MinQty)
		case "MIN_NOTIONAL", "NOTIONAL":
			r.MinNotional = parseDecimal(f.MinNotional)
		}
	}
	if !r.PriceTick.IsPositive() || !r.QtyStep.IsPositive() {
		return r, errors.Wrap(exception.ErrInvalidRules, "parse filters").With("symbol", s.Symbol)
	}
	return r, nil
}

// commission falls back to 10 bps when the account endpoint is unavailable.
func (c *Client) commission(ctx context.Context, symbol string) (maker, taker decimal.Decimal) {
	fallback := decimal.NewFromInt(_defaultMakerBps)
	if c.apiKey == "" {
		return fallback, fallback
	}
	q := url.Values{}
	q.Set("symbol", symbol)
	var resp commissionResponse
	if err := c.do(ctx, http.MethodGet, "/api/v3/account/commission", q, authSigned, &resp); err != nil {
		logs.Errorf("binance commission of %s unavailable, use %s bps, err: %+v", symbol, fallback, err)
		return fallback, fallback
	}

	bps := decimal.NewFromInt(10_000)
	maker = parseDecimal(resp.StandardCommission.Maker).Mul(bps)
	taker = parseDecimal(resp.StandardCommission.Taker).Mul(bps)
	if maker.IsNegative() {
		maker = fallback
	}
	if taker.IsNegative() {
		taker = fallback
	}
	return maker, taker
}

func (c *Client) GetMarketPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	var resp tickerPriceResponse
	if err := c.do(ctx, http.MethodGet, "/api/v3/ticker/price", q, authNone, &resp); err != nil {
		return decimal.Zero, err
	}
	price := parseDecimal(resp.Price)
	if !price.IsPositive() {
		return decimal.Zero, errors.Wrap(exception.ErrNoMarketPrice, "ticker price").With("symbol", symbol)
	}
	return price, nil
}

func (c *Client) GetBalances(ctx context.Context, symbol string) (schema.Balances, error) {
	r, err := c.GetInstrumentRules(ctx, symbol)
	if err != nil {
		return schema.Balances{}, err
	}

	q := url.Values{}
	q.Set("omitZeroBalances", "true")
	var resp accountResponse
	if err := c.do(ctx, http.MethodGet, "/api/v3/account", q, authSigned, &resp); err != nil {
		return schema.Balances{}, err
	}

	var bal schema.Balances
	for _, b := range resp.Balances {
		switch strings.ToUpper(b.Asset) {
		case r.BaseAsset:
			bal.Base = parseDecimal(b.Free)
		case r.QuoteAsset:
			bal.Quote = parseDecimal(b.Free)
		}
	}
	return bal, nil
}

func (c *Client) PlaceMakerOrder(ctx context.Context, symbol string, side schema.Side, price, qty decimal.Decimal) (exchange.PlaceResult, error) {
	if !side.IsAvailable() {
		return exchange.PlaceResult{}, errors.Wrap(exception.ErrInvalidArgument, "place side").With("side", side)
	}

	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("side", side.String())
	q.Set("type", "LIMIT_MAKER")
	q.Set("price", price.String())
	q.Set("quantity", qty.String())
	q.Set("newClientOrderId", "mb-"+strings.ReplaceAll(uuid.NewString(), "-", ""))
	q.Set("newOrderRespType", "RESULT")

	var resp orderResponse
	if err := c.do(ctx, http.MethodPost, "/api/v3/order", q, authSigned, &resp); err != nil {
		return exchange.PlaceResult{}, err
	}
	if resp.OrderID == 0 {
		return exchange.PlaceResult{}, errors.Wrap(exception.ErrVenue, "place order without id").With("client_id", resp.ClientOrderID)
	}
	return exchange.PlaceResult{OrderID: strconv.FormatInt(resp.OrderID, 10)}, nil
}

// CancelOrder asks the venue for the order when the cancel is refused, so a
// fill that won the race is reported instead of lost.
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID string) (exchange.CancelResult, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("orderId", orderID)

	var resp orderResponse
	err := c.do(ctx, http.MethodDelete, "/api/v3/order", q, authSigned, &resp)
	if err == nil {
		return exchange.CancelResult{Status: exchange.CancelStatusCancelled}, nil
	}

	if code := errorCode(err); code != codeCancelRejected && code != codeNoSuchOrder {
		return exchange.CancelResult{}, err
	}
	return c.queryOrder(ctx, symbol, orderID)
}

func (c *Client) queryOrder(ctx context.Context, symbol string, orderID string) (exchange.CancelResult, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("orderId", orderID)

	var resp orderResponse
	err := c.do(ctx, http.MethodGet, "/api/v3/order", q, authSigned, &resp)
	if err != nil {
		if errorCode(err) == codeNoSuchOrder {
			return exchange.CancelResult{Status: exchange.CancelStatusNotFound}, nil
		}
		return exchange.CancelResult{}, err
	}

	switch resp.Status {
	case "FILLED":
		qty := parseDecimal(resp.ExecutedQty)
		price := parseDecimal(resp.Price)
		if quote := parseDecimal(resp.CummulativeQuoteQty); quote.IsPositive() && qty.IsPositive() {
			price = quote.Div(qty)
		}
		return exchange.CancelResult{Status: exchange.CancelStatusAlreadyFilled, FilledPrice: price, FilledQty: qty}, nil
	case "NEW", "PARTIALLY_FILLED", "PENDING_NEW":
		return exchange.CancelResult{}, errors.Wrap(exception.ErrVenue, "cancel refused for live order").
			With("order", orderID).
			With("status", resp.Status)
	default:
		return exchange.CancelResult{Status: exchange.CancelStatusNotFound}, nil
	}
}

func (c *Client) CancelAll(ctx context.Context, symbol string) error {
	q := url.Values{}
	q.Set("symbol", symbol)
	err := c.do(ctx, http.MethodDelete, "/api/v3/openOrders", q, authSigned, nil)
	if errorCode(err) == codeCancelRejected {
		return nil
	}
	return err
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero
	}
	return d
}

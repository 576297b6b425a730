package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"makerbot/internal/exchange"
	"makerbot/internal/schema"
	"makerbot/pkg/exception"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yanun0323/errors"
)

const (
	_symbol = "BTCUSDT"
	_key    = "test-key"
	_secret = "test-secret"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type route struct {
	status int
	body   string
}

type fakeVenue struct {
	t      *testing.T
	mu     sync.Mutex
	routes map[string]route
	seen   []url.Values
}

func newFakeVenue(t *testing.T, routes map[string]route) (*fakeVenue, *Client) {
	t.Helper()
	v := &fakeVenue{t: t, routes: routes}
	srv := httptest.NewServer(http.HandlerFunc(v.serve))
	t.Cleanup(srv.Close)

	c, err := New(Option{
		APIKey:    _key,
		APISecret: _secret,
		BaseURL:   srv.URL,
		Now:       func() time.Time { return time.UnixMilli(1_700_000_000_000) },
	})
	require.NoError(t, err)
	return v, c
}

func (v *fakeVenue) serve(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.RawQuery
	if r.Method == http.MethodPost || r.Method == http.MethodPut {
		body, _ := io.ReadAll(r.Body)
		raw = string(body)
	}
	q, err := url.ParseQuery(raw)
	assert.NoError(v.t, err)

	if sig := q.Get("signature"); sig != "" {
		assert.Equal(v.t, _key, r.Header.Get("X-MBX-APIKEY"))
		unsigned, _ := url.ParseQuery(raw)
		unsigned.Del("signature")
		mac := hmac.New(sha256.New, []byte(_secret))
		_, _ = io.WriteString(mac, unsigned.Encode())
		assert.Equal(v.t, hex.EncodeToString(mac.Sum(nil)), sig, "signature of %s", r.URL.Path)
	}

	v.mu.Lock()
	v.seen = append(v.seen, q)
	rt, ok := v.routes[r.Method+" "+r.URL.Path]
	v.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":-1,"msg":"no route"}`))
		return
	}
	if rt.status == 0 {
		rt.status = http.StatusOK
	}
	w.WriteHeader(rt.status)
	_, _ = w.Write([]byte(rt.body))
}

func (v *fakeVenue) last() url.Values {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.seen[len(v.seen)-1]
}

const _exchangeInfo = `{"symbols":[{"symbol":"BTCUSDT","status":"TRADING","baseAsset":"BTC","quoteAsset":"USDT",
"orderTypes":["LIMIT","LIMIT_MAKER"],"filters":[
{"filterType":"PRICE_FILTER","minPrice":"0.01","maxPrice":"1000000.00","tickSize":"0.01000000"},
{"filterType":"LOT_SIZE","minQty":"0.00001000","maxQty":"9000.00000000","stepSize":"0.00001000"},
{"filterType":"NOTIONAL","minNotional":"5.00000000","applyMinToMarket":true}]}]}`

func TestNewRequiresCredentials(t *testing.T) {
	_, err := New(Option{APIKey: _key})
	assert.True(t, errors.Is(err, exception.ErrMissingCredentials))
}

func TestGetInstrumentRules(t *testing.T) {
	testCases := []struct {
		desc       string
		commission route
		maker      string
		taker      string
	}{
		{
			desc:       "account commission",
			commission: route{body: `{"symbol":"BTCUSDT","standardCommission":{"maker":"0.00075000","taker":"0.00100000"}}`},
			maker:      "7.5",
			taker:      "10",
		},
		{
			desc:       "commission unavailable",
			commission: route{status: http.StatusForbidden, body: `{"code":-2015,"msg":"Invalid API-key"}`},
			maker:      "10",
			taker:      "10",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			_, c := newFakeVenue(t, map[string]route{
				"GET /api/v3/exchangeInfo":       {body: _exchangeInfo},
				"GET /api/v3/account/commission": tc.commission,
			})

			r, err := c.GetInstrumentRules(context.Background(), _symbol)
			require.NoError(t, err)
			assert.Equal(t, "BTC", r.BaseAsset)
			assert.Equal(t, "USDT", r.QuoteAsset)
			assert.True(t, d("0.01").Equal(r.PriceTick), r.PriceTick.String())
			assert.True(t, d("0.00001").Equal(r.QtyStep), r.QtyStep.String())
			assert.True(t, d("0.00001").Equal(r.MinQty), r.MinQty.String())
			assert.True(t, d("5").Equal(r.MinNotional), r.MinNotional.String())
			assert.True(t, d(tc.maker).Equal(r.MakerFeeBps), r.MakerFeeBps.String())
			assert.True(t, d(tc.taker).Equal(r.TakerFeeBps), r.TakerFeeBps.String())
		})
	}
}

func TestGetInstrumentRulesUnknownSymbol(t *testing.T) {
	_, c := newFakeVenue(t, map[string]route{
		"GET /api/v3/exchangeInfo": {body: `{"symbols":[]}`},
	})
	_, err := c.GetInstrumentRules(context.Background(), _symbol)
	assert.True(t, errors.Is(err, exception.ErrSymbolNotFound))
}

func TestMarketDataClientUsesPublicEndpoints(t *testing.T) {
	v := &fakeVenue{t: t, routes: map[string]route{
		"GET /api/v3/exchangeInfo": {body: _exchangeInfo},
		"GET /api/v3/ticker/price": {body: `{"symbol":"BTCUSDT","price":"64000.00000000"}`},
	}}
	srv := httptest.NewServer(http.HandlerFunc(v.serve))
	defer srv.Close()

	c := NewMarketData(Option{APIKey: _key, APISecret: _secret, BaseURL: srv.URL})
	ctx := context.Background()

	r, err := c.GetInstrumentRules(ctx, _symbol)
	require.NoError(t, err)
	assert.True(t, d("10").Equal(r.MakerFeeBps))

	price, err := c.GetMarketPrice(ctx, _symbol)
	require.NoError(t, err)
	assert.True(t, d("64000").Equal(price))

	v.mu.Lock()
	defer v.mu.Unlock()
	require.Len(t, v.seen, 2)
	for _, q := range v.seen {
		assert.Empty(t, q.Get("signature"))
	}
}

func TestGetMarketPriceAndBalances(t *testing.T) {
	_, c := newFakeVenue(t, map[string]route{
		"GET /api/v3/exchangeInfo":       {body: _exchangeInfo},
		"GET /api/v3/account/commission": {status: http.StatusForbidden, body: `{"code":-2015,"msg":"denied"}`},
		"GET /api/v3/ticker/price":       {body: `{"symbol":"BTCUSDT","price":"64250.12000000"}`},
		"GET /api/v3/account": {body: `{"balances":[
			{"asset":"BTC","free":"0.01500000","locked":"0.00100000"},
			{"asset":"USDT","free":"250.50000000","locked":"0.00000000"},
			{"asset":"BNB","free":"1.00000000","locked":"0.00000000"}]}`},
	})
	ctx := context.Background()

	price, err := c.GetMarketPrice(ctx, _symbol)
	require.NoError(t, err)
	assert.True(t, d("64250.12").Equal(price))

	bal, err := c.GetBalances(ctx, _symbol)
	require.NoError(t, err)
	assert.True(t, d("0.015").Equal(bal.Base), bal.Base.String())
	assert.True(t, d("250.5").Equal(bal.Quote), bal.Quote.String())
}

func TestPlaceMakerOrder(t *testing.T) {
	v, c := newFakeVenue(t, map[string]route{
		"POST /api/v3/order": {body: `{"symbol":"BTCUSDT","orderId":28,"clientOrderId":"mb-1","status":"NEW","type":"LIMIT_MAKER","side":"SELL"}`},
	})

	res, err := c.PlaceMakerOrder(context.Background(), _symbol, schema.SideSell, d("64300.5"), d("0.0015"))
	require.NoError(t, err)
	assert.Equal(t, "28", res.OrderID)

	q := v.last()
	assert.Equal(t, "LIMIT_MAKER", q.Get("type"))
	assert.Equal(t, "SELL", q.Get("side"))
	assert.Equal(t, "64300.5", q.Get("price"))
	assert.Equal(t, "0.0015", q.Get("quantity"))
	assert.True(t, strings.HasPrefix(q.Get("newClientOrderId"), "mb-"))
	assert.LessOrEqual(t, len(q.Get("newClientOrderId")), 36)
	assert.Equal(t, "1700000000000", q.Get("timestamp"))
}

func TestPlaceMakerOrderErrors(t *testing.T) {
	testCases := []struct {
		desc     string
		body     string
		crossing bool
	}{
		{
			desc:     "would take liquidity",
			body:     `{"code":-2010,"msg":"Order would immediately match and take."}`,
			crossing: true,
		},
		{
			desc: "insufficient balance",
			body: `{"code":-2010,"msg":"Account has insufficient balance for requested action."}`,
		},
		{
			desc: "filter failure",
			body: `{"code":-1013,"msg":"Filter failure: PRICE_FILTER"}`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			_, c := newFakeVenue(t, map[string]route{
				"POST /api/v3/order": {status: http.StatusBadRequest, body: tc.body},
			})
			_, err := c.PlaceMakerOrder(context.Background(), _symbol, schema.SideSell, d("1"), d("1"))
			require.Error(t, err)
			assert.Equal(t, tc.crossing, errors.Is(err, exception.ErrCrossingRejected))
			assert.Equal(t, !tc.crossing, errors.Is(err, exception.ErrVenue))
			assert.Equal(t, tc.crossing, !exchange.Retryable(err))
		})
	}
}

func TestCancelOrder(t *testing.T) {
	unknown := route{status: http.StatusBadRequest, body: `{"code":-2011,"msg":"Unknown order sent."}`}
	testCases := []struct {
		desc   string
		cancel route
		query  route
		status exchange.CancelStatus
		price  string
		qty    string
	}{
		{
			desc:   "cancelled",
			cancel: route{body: `{"symbol":"BTCUSDT","orderId":28,"status":"CANCELED"}`},
			status: exchange.CancelStatusCancelled,
		},
		{
			desc:   "filled before cancel",
			cancel: unknown,
			query:  route{body: `{"orderId":28,"price":"100.00","executedQty":"0.5","cummulativeQuoteQty":"50.00","status":"FILLED"}`},
			status: exchange.CancelStatusAlreadyFilled,
			price:  "100",
			qty:    "0.5",
		},
		{
			desc:   "already cancelled",
			cancel: unknown,
			query:  route{body: `{"orderId":28,"price":"100.00","executedQty":"0","status":"CANCELED"}`},
			status: exchange.CancelStatusNotFound,
		},
		{
			desc:   "never existed",
			cancel: unknown,
			query:  route{status: http.StatusBadRequest, body: `{"code":-2013,"msg":"Order does not exist."}`},
			status: exchange.CancelStatusNotFound,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			_, c := newFakeVenue(t, map[string]route{
				"DELETE /api/v3/order": tc.cancel,
				"GET /api/v3/order":    tc.query,
			})
			res, err := c.CancelOrder(context.Background(), _symbol, "28")
			require.NoError(t, err)
			assert.Equal(t, tc.status, res.Status)
			if tc.price != "" {
				assert.True(t, d(tc.price).Equal(res.FilledPrice), res.FilledPrice.String())
				assert.True(t, d(tc.qty).Equal(res.FilledQty), res.FilledQty.String())
			}
		})
	}
}

func TestCancelOrderVenueFailure(t *testing.T) {
	_, c := newFakeVenue(t, map[string]route{
		"DELETE /api/v3/order": {status: http.StatusServiceUnavailable, body: `service unavailable`},
	})
	_, err := c.CancelOrder(context.Background(), _symbol, "28")
	require.Error(t, err)
	assert.True(t, errors.Is(err, exception.ErrVenue))
	assert.True(t, exchange.Retryable(err))
}

func TestVenueErrorKeepsCode(t *testing.T) {
	_, c := newFakeVenue(t, map[string]route{
		"POST /api/v3/order": {status: http.StatusBadRequest, body: `{"code":-2010,"msg":"Order would immediately match and take."}`},
	})
	_, err := c.PlaceMakerOrder(context.Background(), _symbol, schema.SideSell, d("1"), d("1"))
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, codeOrderRejected, apiErr.Code)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, http.MethodPost, apiErr.Method)
	assert.Equal(t, "/api/v3/order", apiErr.Path)
	assert.Equal(t, codeOrderRejected, errorCode(err))
	assert.Contains(t, err.Error(), "POST /api/v3/order")
}

func TestCancelAllWithoutOpenOrders(t *testing.T) {
	_, c := newFakeVenue(t, map[string]route{
		"DELETE /api/v3/openOrders": {status: http.StatusBadRequest, body: `{"code":-2011,"msg":"Unknown order sent."}`},
	})
	assert.NoError(t, c.CancelAll(context.Background(), _symbol))
}

func TestFillFromReport(t *testing.T) {
	payload := `{"e":"executionReport","E":1499405658658,"s":"BTCUSDT","c":"mb-abc","S":"SELL","o":"LIMIT_MAKER",
"f":"GTC","q":"0.50000000","p":"100.00000000","P":"0.00000000","F":"0.00000000","g":-1,"C":"","x":"TRADE",
"X":"FILLED","r":"NONE","i":4293153,"l":"0.20000000","z":"0.50000000","L":"100.00000000","n":"0.00005",
"N":"USDT","T":1499405658657,"t":77,"I":8641984,"w":false,"m":true,"M":false,"O":1499405658600,
"Z":"50.00000000","Y":"20.00000000","Q":"0.00000000","W":1499405658600}`

	var report executionReport
	require.NoError(t, sonic.ConfigFastest.Unmarshal([]byte(payload), &report))

	fill, ok := fillFromReport(report)
	require.True(t, ok)
	assert.Equal(t, "4293153", fill.OrderID)
	assert.Equal(t, schema.SideSell, fill.Side)
	assert.True(t, d("100").Equal(fill.Price), fill.Price.String())
	assert.True(t, d("0.5").Equal(fill.Qty), fill.Qty.String())
	assert.Equal(t, int64(1499405658657), fill.FilledAt.UnixMilli())

	report.Status = "PARTIALLY_FILLED"
	_, ok = fillFromReport(report)
	assert.False(t, ok)
}

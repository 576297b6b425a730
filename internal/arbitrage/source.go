package arbitrage

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"makerbot/pkg/exception"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
)

const (
	_binanceRestUrl = "https://api.binance.com"
	_okxRestUrl     = "https://www.okx.com"
	_bybitRestUrl   = "https://api.bybit.com"
)

// Quote is the top of book of one venue.
type Quote struct {
	Venue string
	Bid   decimal.Decimal
	Ask   decimal.Decimal
	At    time.Time
}

func (q Quote) Valid() bool {
	return q.Bid.IsPositive() && q.Ask.IsPositive() && !q.Bid.GreaterThan(q.Ask)
}

// Source reads the best bid and ask of a spot pair from public market data.
type Source interface {
	Name() string
	BestBidAsk(ctx context.Context, base, quote string) (Quote, error)
}

// NewSource returns the public ticker of the named venue. baseURL may be empty.
func NewSource(name string, client *http.Client, baseURL string) (Source, error) {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	pick := func(def string) string {
		if baseURL != "" {
			return strings.TrimRight(baseURL, "/")
		}
		return def
	}

	switch strings.ToLower(strings.TrimSpace(name)) {
	case "binance":
		return &binanceSource{rest: rest{client: client, baseURL: pick(_binanceRestUrl)}}, nil
	case "okx":
		return &okxSource{rest: rest{client: client, baseURL: pick(_okxRestUrl)}}, nil
	case "bybit":
		return &bybitSource{rest: rest{client: client, baseURL: pick(_bybitRestUrl)}}, nil
	default:
		return nil, errors.Wrap(exception.ErrUnsupportedVenue, "new source").With("venue", name)
	}
}

type rest struct {
	client  *http.Client
	baseURL string
}

func (r rest) get(ctx context.Context, path string, q url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return errors.Wrap(err, "new request").With("path", path)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "send request").With("path", path)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return errors.Wrap(exception.ErrVenue, "unexpected status").With("path", path).With("status", resp.StatusCode)
	}
	if err := sonic.ConfigFastest.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decode response").With("path", path)
	}
	return nil
}

func quoteOf(venue, bid, ask string) (Quote, error) {
	b, errBid := decimal.NewFromString(bid)
	a, errAsk := decimal.NewFromString(ask)
	q := Quote{Venue: venue, Bid: b, Ask: a, At: time.Now()}
	if errBid != nil || errAsk != nil || !q.Valid() {
		return Quote{}, errors.Wrap(exception.ErrNoMarketPrice, "parse top of book").
			With("venue", venue).
			With("bid", bid).
			With("ask", ask)
	}
	return q, nil
}

type binanceSource struct {
	rest
}

func (s *binanceSource) Name() string {
	return "binance"
}

func (s *binanceSource) BestBidAsk(ctx context.Context, base, quote string) (Quote, error) {
	q := url.Values{}
	q.Set("symbol", strings.ToUpper(base+quote))
	var resp struct {
		Symbol   string `json:"symbol"`
		BidPrice string `json:"bidPrice"`
		AskPrice string `json:"askPrice"`
	}
	if err := s.get(ctx, "/api/v3/ticker/bookTicker", q, &resp); err != nil {
		return Quote{}, err
	}
	return quoteOf(s.Name(), resp.BidPrice, resp.AskPrice)
}

type okxSource struct {
	rest
}

func (s *okxSource) Name() string {
	return "okx"
}

func (s *okxSource) BestBidAsk(ctx context.Context, base, quote string) (Quote, error) {
	q := url.Values{}
	q.Set("instId", strings.ToUpper(base+"-"+quote))
	var resp struct {
		Code string `json:"code"`
		Msg  string `json:"msg"`
		Data []struct {
			InstID string `json:"instId"`
			BidPx  string `json:"bidPx"`
			AskPx  string `json:"askPx"`
		} `json:"data"`
	}
	if err := s.get(ctx, "/api/v5/market/ticker", q, &resp); err != nil {
		return Quote{}, err
	}
	if resp.Code != "0" || len(resp.Data) == 0 {
		return Quote{}, errors.Wrap(exception.ErrVenue, "okx ticker").With("code", resp.Code).With("msg", resp.Msg)
	}
	return quoteOf(s.Name(), resp.Data[0].BidPx, resp.Data[0].AskPx)
}

type bybitSource struct {
	rest
}

func (s *bybitSource) Name() string {
	return "bybit"
}

func (s *bybitSource) BestBidAsk(ctx context.Context, base, quote string) (Quote, error) {
	q := url.Values{}
	q.Set("category", "spot")
	q.Set("symbol", strings.ToUpper(base+quote))
	var resp struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			List []struct {
				Symbol    string `json:"symbol"`
				Bid1Price string `json:"bid1Price"`
				Ask1Price string `json:"ask1Price"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := s.get(ctx, "/v5/market/tickers", q, &resp); err != nil {
		return Quote{}, err
	}
	if resp.RetCode != 0 || len(resp.Result.List) == 0 {
		return Quote{}, errors.Wrap(exception.ErrVenue, "bybit ticker").With("code", resp.RetCode).With("msg", resp.RetMsg)
	}
	return quoteOf(s.Name(), resp.Result.List[0].Bid1Price, resp.Result.List[0].Ask1Price)
}

package binance

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"makerbot/internal/exchange"
	"makerbot/internal/schema"
	"makerbot/pkg/exception"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"
)

const (
	_binanceBaseUrl        = "https://api.binance.com"
	_binanceBaseUrlTestnet = "https://testnet.binance.vision"

	_binanceStreamUrl        = "wss://stream.binance.com:9443/ws"
	_binanceStreamUrlTestnet = "wss://stream.testnet.binance.vision/ws"

	_defaultRecvWindow = 5 * time.Second
	_defaultMakerBps   = 10
)

// Error codes returned by the spot API.
const (
	codeListenKeyMissing = -1125
	codeOrderRejected    = -2010
	codeCancelRejected   = -2011
	codeNoSuchOrder      = -2013
)

type Option struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow time.Duration
	HTTPClient *http.Client
	// BaseURL and StreamURL override the endpoints picked by Testnet.
	BaseURL   string
	StreamURL string
	// Reconnect paces attempts to reopen a lost user-data stream.
	Reconnect exchange.RetryPolicy
	Now       func() time.Time
}

// Client is the live spot executor. Orders are sent as LIMIT_MAKER so the
// venue itself refuses anything that would take liquidity.
type Client struct {
	apiKey     string
	apiSecret  string
	baseURL    string
	streamURL  string
	recvWindow time.Duration
	client     *http.Client
	reconnect  exchange.RetryPolicy
	now        func() time.Time

	mu    sync.Mutex
	rules map[string]schema.InstrumentRules
}

func New(opt Option) (*Client, error) {
	if opt.APIKey == "" || opt.APISecret == "" {
		return nil, exception.ErrMissingCredentials
	}
	return newClient(opt), nil
}

// NewMarketData returns a client limited to public endpoints. It feeds real
// prices and instrument rules to the paper simulator without credentials.
func NewMarketData(opt Option) *Client {
	opt.APIKey, opt.APISecret = "", ""
	return newClient(opt)
}

func newClient(opt Option) *Client {
	baseURL, streamURL := _binanceBaseUrl, _binanceStreamUrl
	if opt.Testnet {
		baseURL, streamURL = _binanceBaseUrlTestnet, _binanceStreamUrlTestnet
	}
	if opt.BaseURL != "" {
		baseURL = opt.BaseURL
	}
	if opt.StreamURL != "" {
		streamURL = opt.StreamURL
	}
	if opt.RecvWindow <= 0 {
		opt.RecvWindow = _defaultRecvWindow
	}
	if opt.HTTPClient == nil {
		opt.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if opt.Reconnect.Delay <= 0 {
		opt.Reconnect = exchange.RetryPolicy{Delay: time.Second, MaxDelay: time.Minute, Jitter: 0.2}
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}

	return &Client{
		apiKey:     opt.APIKey,
		apiSecret:  opt.APISecret,
		baseURL:    strings.TrimRight(baseURL, "/"),
		streamURL:  strings.TrimRight(streamURL, "/"),
		recvWindow: opt.RecvWindow,
		client:     opt.HTTPClient,
		reconnect:  opt.Reconnect,
		now:        opt.Now,
		rules:      make(map[string]schema.InstrumentRules),
	}
}

func (c *Client) Name() string {
	return "binance"
}

func (c *Client) sign(q url.Values) string {
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	_, _ = io.WriteString(mac, q.Encode())
	return hex.EncodeToString(mac.Sum(nil))
}

type authMode uint8

const (
	authNone authMode = iota
	authKey
	authSigned
)

// do sends one request and decodes a 2xx body into out. Venue errors come back
// as a bare *APIError that unwraps to the matching exception sentinel.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, auth authMode, out any) error {
	if q == nil {
		q = url.Values{}
	}
	if auth == authSigned {
		q.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
		q.Set("recvWindow", strconv.FormatInt(c.recvWindow.Milliseconds(), 10))
		q.Set("signature", c.sign(q))
	}

	target := c.baseURL + path
	var body io.Reader
	if method == http.MethodPost || method == http.MethodPut {
		body = bytes.NewBufferString(q.Encode())
	} else if len(q) > 0 {
		target += "?" + q.Encode()
	}

	r, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return errors.Wrap(err, "new request").With("path", path)
	}
	if body != nil {
		r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if auth != authNone {
		r.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	resp, err := c.client.Do(r)
	if err != nil {
		return errors.Wrap(err, "send request").With("path", path)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read response").With("path", path)
	}

	if resp.StatusCode/100 != 2 {
		apiErr := &APIError{Method: method, Path: path, Status: resp.StatusCode}
		if err := sonic.ConfigFastest.Unmarshal(payload, apiErr); err != nil || apiErr.Code == 0 {
			apiErr.Message = strings.TrimSpace(string(payload))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := sonic.ConfigFastest.Unmarshal(payload, out); err != nil {
		return errors.Wrap(err, "decode response").With("path", path)
	}
	return nil
}

package binance

import (
	"fmt"
	"strings"

	"makerbot/pkg/exception"

	"github.com/yanun0323/errors"
)

// APIError is the venue's {"code","msg"} error body. It is returned
// unwrapped so the code survives errors.As.
type APIError struct {
	Method  string `json:"-"`
	Path    string `json:"-"`
	Status  int    `json:"-"`
	Code    int    `json:"code"`
	Message string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance: %s %s, status %d, code %d, %s", e.Method, e.Path, e.Status, e.Code, e.Message)
}

// Unwrap maps venue codes onto exception sentinels.
func (e *APIError) Unwrap() error {
	if e.Code == codeOrderRejected && strings.Contains(strings.ToLower(e.Message), "immediately match") {
		return exception.ErrCrossingRejected
	}
	return exception.ErrVenue
}

// errorCode returns the venue code carried by err, or 0.
func errorCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}

type symbolFilter struct {
	FilterType  string `json:"filterType"`
	TickSize    string `json:"tickSize"`
	StepSize    string `json:"stepSize"`
	MinQty      string `json:"minQty"`
	MinNotional string `json:"minNotional"`
}

type symbolInfo struct {
	Symbol     string         `json:"symbol"`
	Status     string         `json:"status"`
	BaseAsset  string         `json:"baseAsset"`
	QuoteAsset string         `json:"quoteAsset"`
	OrderTypes []string       `json:"orderTypes"`
	Filters    []symbolFilter `json:"filters"`
}

type exchangeInfoResponse struct {
	Symbols []symbolInfo `json:"symbols"`
}

type commissionResponse struct {
	Symbol             string `json:"symbol"`
	StandardCommission struct {
		Maker string `json:"maker"`
		Taker string `json:"taker"`
	} `json:"standardCommission"`
}

type tickerPriceResponse struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

type accountResponse struct {
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

type orderResponse struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	Price               string `json:"price"`
	OrigQty             string `json:"origQty"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Status              string `json:"status"`
	Type                string `json:"type"`
	Side                string `json:"side"`
	TransactTime        int64  `json:"transactTime"`
	UpdateTime          int64  `json:"updateTime"`
}

type listenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

// executionReport is the user-data stream order update. Keys differing only
// in case are all declared so none of them lands in the wrong field.
type executionReport struct {
	EventType       string `json:"e"`
	EventTime       int64  `json:"E"`
	Symbol          string `json:"s"`
	ClientOrderID   string `json:"c"`
	OrigClientID    string `json:"C"`
	Side            string `json:"S"`
	OrderType       string `json:"o"`
	Price           string `json:"p"`
	StopPrice       string `json:"P"`
	Quantity        string `json:"q"`
	QuoteQty        string `json:"Q"`
	ExecutionType   string `json:"x"`
	Status          string `json:"X"`
	OrderID         int64  `json:"i"`
	Ignore          int64  `json:"I"`
	LastQty         string `json:"l"`
	LastPrice       string `json:"L"`
	CumulativeQty   string `json:"z"`
	CumulativeQuote string `json:"Z"`
	Commission      string `json:"n"`
	CommissionAsset string `json:"N"`
	TransactTime    int64  `json:"T"`
	TradeID         int64  `json:"t"`
	CreatedTime     int64  `json:"O"`
	IsWorking       bool   `json:"w"`
	WorkingTime     int64  `json:"W"`
	IsMaker         bool   `json:"m"`
	Ignored         bool   `json:"M"`
}

package binance

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"makerbot/internal/schema"
	"makerbot/pkg/exception"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"
	"github.com/yanun0323/pkg/ws"
)

const (
	_listenKeyKeepAlive    = 30 * time.Minute
	_fillBufferSize        = 1024
	_eventListenKeyExpired = "listenKeyExpired"
)

func (c *Client) createListenKey(ctx context.Context) (string, error) {
	var resp listenKeyResponse
	if err := c.do(ctx, http.MethodPost, "/api/v3/userDataStream", nil, authKey, &resp); err != nil {
		return "", err
	}
	if resp.ListenKey == "" {
		return "", errors.Wrap(exception.ErrVenue, "empty listen key")
	}
	return resp.ListenKey, nil
}

func (c *Client) keepAliveListenKey(ctx context.Context, key string) error {
	q := url.Values{}
	q.Set("listenKey", key)
	return c.do(ctx, http.MethodPut, "/api/v3/userDataStream", q, authKey, nil)
}

func (c *Client) closeListenKey(ctx context.Context, key string) error {
	q := url.Values{}
	q.Set("listenKey", key)
	return c.do(ctx, http.MethodDelete, "/api/v3/userDataStream", q, authKey, nil)
}

// userStream is one listen key and the websocket reading it.
type userStream struct {
	key         string
	wss         *ws.WebSocket
	messages    <-chan ws.Message
	unsubscribe func()
}

func (c *Client) openUserStream(ctx context.Context) (*userStream, error) {
	key, err := c.createListenKey(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "create listen key")
	}

	wss := ws.New(ctx, c.streamURL+"/"+key)
	messages, unsubscribe := wss.Subscribe()
	if err := wss.Start(ctx); err != nil {
		unsubscribe()
		wss.Close()
		c.releaseListenKey(key)
		return nil, errors.Wrap(err, "start user data stream")
	}
	return &userStream{key: key, wss: wss, messages: messages, unsubscribe: unsubscribe}, nil
}

func (c *Client) closeUserStream(s *userStream) {
	s.unsubscribe()
	s.wss.Close()
	c.releaseListenKey(s.key)
}

// SubscribeFills opens the user-data stream and forwards every fully filled
// order as a Fill until ctx is done or the process shuts down. A lost stream
// is reopened under a new listen key.
func (c *Client) SubscribeFills(ctx context.Context) (<-chan schema.Fill, error) {
	stream, err := c.openUserStream(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan schema.Fill, _fillBufferSize)
	go func() {
		defer close(out)

		for {
			err := c.forwardFills(ctx, stream, out)
			c.closeUserStream(stream)
			if err == nil {
				return
			}
			logs.Errorf("binance user data stream lost, resubscribing, err: %+v", err)

			if stream = c.reopenUserStream(ctx); stream == nil {
				return
			}
		}
	}()

	return out, nil
}

// reopenUserStream retries until a stream opens. It returns nil once ctx is
// done or the process shuts down.
func (c *Client) reopenUserStream(ctx context.Context) *userStream {
	for attempt := 1; ; attempt++ {
		if !sleep(ctx, c.reconnect.Wait(attempt)) {
			return nil
		}
		stream, err := c.openUserStream(ctx)
		if err == nil {
			logs.Infof("binance user data stream reopened after %d attempts", attempt)
			return stream
		}
		logs.Errorf("binance reopen user data stream, attempt %d, err: %+v", attempt, err)
	}
}

// forwardFills pumps one stream into out. It returns nil on shutdown and the
// cause when the stream can no longer deliver fills.
func (c *Client) forwardFills(ctx context.Context, stream *userStream, out chan<- schema.Fill) error {
	keepAlive := time.NewTicker(_listenKeyKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-sys.Shutdown():
			return nil
		case <-ctx.Done():
			return nil
		case <-keepAlive.C:
			if err := c.keepAliveListenKey(ctx, stream.key); err != nil {
				if errorCode(err) == codeListenKeyMissing {
					return errors.Wrap(exception.ErrStreamClosed, "listen key gone")
				}
				logs.Errorf("binance keep alive listen key, err: %+v", err)
			}
		case m, ok := <-stream.messages:
			if !ok {
				return exception.ErrStreamClosed
			}

			report, ok := ws.ReadMessage[executionReport](m)
			if !ok {
				continue
			}
			if report.EventType == _eventListenKeyExpired {
				return errors.Wrap(exception.ErrStreamClosed, "listen key expired")
			}
			fill, ok := fillFromReport(report)
			if !ok {
				continue
			}

			select {
			case out <- fill:
			default:
				logs.Errorf("binance fill buffer full, drop fill notification, order: %s", fill.OrderID)
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-sys.Shutdown():
		return false
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *Client) releaseListenKey(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.closeListenKey(ctx, key); err != nil {
		logs.Errorf("binance close listen key, err: %+v", err)
	}
}

// fillFromReport accepts only reports of orders that are completely filled.
func fillFromReport(r executionReport) (schema.Fill, bool) {
	if r.EventType != "executionReport" || r.Status != "FILLED" || r.OrderID == 0 {
		return schema.Fill{}, false
	}

	qty := parseDecimal(r.CumulativeQty)
	if !qty.IsPositive() {
		qty = parseDecimal(r.Quantity)
	}
	price := parseDecimal(r.Price)
	if quote := parseDecimal(r.CumulativeQuote); quote.IsPositive() && qty.IsPositive() {
		price = quote.Div(qty)
	}
	if !price.IsPositive() || !qty.IsPositive() {
		return schema.Fill{}, false
	}

	return schema.Fill{
		OrderID:  strconv.FormatInt(r.OrderID, 10),
		Side:     schema.ParseSide(r.Side),
		Price:    price,
		Qty:      qty,
		FilledAt: time.UnixMilli(r.TransactTime),
	}, true
}

package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"makerbot/internal/exchange"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const _filledReport = `{"e":"executionReport","E":1499405658658,"s":"BTCUSDT","c":"mb-abc","S":"SELL","o":"LIMIT_MAKER",
"q":"0.50000000","p":"100.00000000","x":"TRADE","X":"FILLED","i":4293153,"z":"0.50000000","Z":"50.00000000","T":1499405658657}`

// fakeUserStream hands out numbered listen keys and serves one websocket per key.
type fakeUserStream struct {
	t        *testing.T
	upgrader websocket.Upgrader
	frames   map[string]string

	mu       sync.Mutex
	created  int
	released []string
}

func (f *fakeUserStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/api/v3/userDataStream" && r.Method == http.MethodPost:
		f.mu.Lock()
		f.created++
		key := fmt.Sprintf("key-%d", f.created)
		f.mu.Unlock()
		_, _ = fmt.Fprintf(w, `{"listenKey":%q}`, key)
	case r.URL.Path == "/api/v3/userDataStream" && r.Method == http.MethodDelete:
		f.mu.Lock()
		f.released = append(f.released, r.URL.Query().Get("listenKey"))
		f.mu.Unlock()
		_, _ = w.Write([]byte(`{}`))
	case strings.HasPrefix(r.URL.Path, "/ws/"):
		conn, err := f.upgrader.Upgrade(w, r, nil)
		if !assert.NoError(f.t, err) {
			return
		}
		defer conn.Close()
		if frame, ok := f.frames[strings.TrimPrefix(r.URL.Path, "/ws/")]; ok {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(frame))
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeUserStream) snapshot() (int, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created, append([]string(nil), f.released...)
}

func TestSubscribeFillsReopensExpiredStream(t *testing.T) {
	fs := &fakeUserStream{
		t: t,
		frames: map[string]string{
			"key-1": `{"e":"listenKeyExpired","E":1576653824250,"listenKey":"key-1"}`,
			"key-2": _filledReport,
		},
	}
	srv := httptest.NewServer(fs)
	t.Cleanup(srv.Close)

	c, err := New(Option{
		APIKey:    _key,
		APISecret: _secret,
		BaseURL:   srv.URL,
		StreamURL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		Reconnect: exchange.RetryPolicy{Delay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	fills, err := c.SubscribeFills(ctx)
	require.NoError(t, err)

	select {
	case fill, ok := <-fills:
		require.True(t, ok, "fill channel closed before the reopened stream delivered")
		assert.Equal(t, "4293153", fill.OrderID)
		assert.True(t, d("100").Equal(fill.Price), fill.Price.String())
	case <-time.After(10 * time.Second):
		t.Fatal("no fill from the reopened stream")
	}

	created, released := fs.snapshot()
	assert.Equal(t, 2, created)
	assert.Contains(t, released, "key-1")
}

func TestSubscribeFillsStopsWithContext(t *testing.T) {
	fs := &fakeUserStream{t: t}
	srv := httptest.NewServer(fs)
	t.Cleanup(srv.Close)

	c, err := New(Option{
		APIKey:    _key,
		APISecret: _secret,
		BaseURL:   srv.URL,
		StreamURL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	fills, err := c.SubscribeFills(ctx)
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-fills:
		assert.False(t, ok)
	case <-time.After(10 * time.Second):
		t.Fatal("fill channel left open after cancel")
	}
	created, released := fs.snapshot()
	assert.Equal(t, 1, created)
	assert.Equal(t, []string{"key-1"}, released)
}

package feed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/blinkmarket/flash-engine/internal/model"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// priceServer sends frames to each client and then holds the socket open.
func priceServer(t *testing.T, frames ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(url string) Config {
	cfg := DefaultConfig()
	cfg.URL = url
	cfg.Grace = 50 * time.Millisecond
	cfg.SimulateEvery = 10 * time.Millisecond
	cfg.ReconnectAfterClose = 20 * time.Millisecond
	cfg.ReconnectAfterFailure = 20 * time.Millisecond
	cfg.HandshakeTimeout = time.Second
	return cfg
}

func TestSubscribe_NoAssets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Assets = nil
	if _, err := Subscribe(context.Background(), cfg, nil); !errors.Is(err, ErrNoAssets) {
		t.Fatalf("expected ErrNoAssets, got %v", err)
	}
}

func TestClient_LiveFrames(t *testing.T) {
	srv := priceServer(t,
		`{"type":"oracle_prices","data":{"asset_id":"BTCUSD","price":"96500.5"}}`,
		`{"data":{"asset_id":"DOGEUSD","price":"0.2"}}`,
		`not json`,
		`{"data":{"asset_id":"ETHUSD","price":"0x56bc75e2d63100000"}}`,
	)
	c, err := Subscribe(context.Background(), testConfig(wsURL(srv)), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	eventually(t, 2*time.Second, func() bool { return len(c.Snapshot()) == 2 }, "two live prices")

	snap := c.Snapshot()
	btc := snap["BTC"]
	if btc.Price != 96500.5 || btc.Oracle != model.OracleLiveFeed || btc.FeedID != "BTCUSD" {
		t.Errorf("BTC sample = %+v", btc)
	}
	if p, _ := snap.Price("ETH"); p != 100 {
		t.Errorf("ETH = %v, want 100", p)
	}
	if _, ok := snap["DOGE"]; ok {
		t.Error("unsubscribed asset should be ignored")
	}
	if !c.Live() || !c.Connected() || c.Simulating() {
		t.Errorf("live=%v connected=%v simulating=%v", c.Live(), c.Connected(), c.Simulating())
	}
}

func TestClient_FallsBackToSimulation(t *testing.T) {
	// Nothing listens on this port once the server is closed.
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	cfg := testConfig(url)
	cfg.ReconnectAfterFailure = time.Hour
	c, err := Subscribe(context.Background(), cfg, nil)
	if err != nil {
		t.Fatal(err)
	}

	eventually(t, 2*time.Second, func() bool { return len(c.Snapshot()) == 4 }, "simulated prices")

	if !c.Simulating() || !c.Connected() || c.Live() {
		t.Errorf("simulating=%v connected=%v live=%v", c.Simulating(), c.Connected(), c.Live())
	}
	for asset, s := range c.Snapshot() {
		seed := DefaultSeeds[asset]
		if s.Oracle != model.OracleSimulated {
			t.Errorf("%s oracle = %s", asset, s.Oracle)
		}
		if s.Price < seed.Base-seed.Spread/2 || s.Price > seed.Base+seed.Spread/2 {
			t.Errorf("%s = %v outside %v ± %v", asset, s.Price, seed.Base, seed.Spread/2)
		}
	}

	c.Close()
	if c.Simulating() || c.Connected() {
		t.Error("Close should stop the simulator")
	}
	before := c.Snapshot()["BTC"].ObservedAt
	time.Sleep(50 * time.Millisecond)
	if after := c.Snapshot()["BTC"].ObservedAt; !after.Equal(before) {
		t.Error("prices changed after Close")
	}
}

func TestClient_SimulatesOnlySubscribedAssets(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	cfg := testConfig(url)
	cfg.Assets = []string{"BTC"}
	c, err := Subscribe(context.Background(), cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if c.Connected() {
		t.Fatal("should not report connected before the grace period")
	}
	eventually(t, 2*time.Second, func() bool { return len(c.Snapshot()) > 0 }, "a simulated BTC sample")

	snap := c.Snapshot()
	if len(snap) != 1 || snap["BTC"].Oracle != model.OracleSimulated {
		t.Errorf("snapshot = %+v", snap)
	}
	if !c.Connected() {
		t.Error("simulation should report connected")
	}
}

func TestClient_SilentSocketSuppressesSimulation(t *testing.T) {
	srv := priceServer(t)
	c, err := Subscribe(context.Background(), testConfig(wsURL(srv)), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	eventually(t, 2*time.Second, c.Connected, "socket open")
	time.Sleep(150 * time.Millisecond)
	if c.Simulating() || len(c.Snapshot()) != 0 {
		t.Errorf("simulating=%v snapshot=%v", c.Simulating(), c.Snapshot())
	}
}

func TestClient_LiveFrameStopsSimulation(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Refuse the handshake until the simulator has had time to start.
		if attempts.Add(1) < 4 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"data":{"asset_id":"BTCUSD","price":"90000"}}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	cfg := testConfig(wsURL(srv))
	cfg.Grace = 10 * time.Millisecond
	cfg.ReconnectAfterFailure = 40 * time.Millisecond
	c, err := Subscribe(context.Background(), cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	eventually(t, 2*time.Second, c.Simulating, "simulation to start")
	eventually(t, 2*time.Second, func() bool {
		s := c.Snapshot()["BTC"]
		return s.Oracle == model.OracleLiveFeed && s.Price == 90000
	}, "live BTC price")

	if c.Simulating() {
		t.Error("simulation should stop once the socket delivers")
	}
	if !c.Live() {
		t.Error("socket should be open")
	}
}

func TestClient_ReconnectsAfterClose(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns.Add(1)
		conn.Close()
	}))
	defer srv.Close()

	c, err := Subscribe(context.Background(), testConfig(wsURL(srv)), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	eventually(t, 2*time.Second, func() bool { return conns.Load() >= 3 }, "repeated reconnects")
}

func TestClient_CloseAndFailureBackoffsAreSeparate(t *testing.T) {
	// acceptThenClose upgrades and immediately hangs up; refuse fails the
	// handshake so the dial itself errors.
	acceptThenClose := func(n *atomic.Int32) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			n.Add(1)
			conn.Close()
		}
	}
	refuse := func(n *atomic.Int32) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			n.Add(1)
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
		}
	}

	tests := []struct {
		name         string
		handler      func(*atomic.Int32) http.HandlerFunc
		afterClose   time.Duration
		afterFailure time.Duration
		wantRepeated bool
	}{
		{"closed socket uses close backoff", acceptThenClose, 20 * time.Millisecond, time.Hour, true},
		{"closed socket ignores failure backoff", acceptThenClose, time.Hour, 20 * time.Millisecond, false},
		{"failed dial uses failure backoff", refuse, time.Hour, 20 * time.Millisecond, true},
		{"failed dial ignores close backoff", refuse, 20 * time.Millisecond, time.Hour, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var attempts atomic.Int32
			srv := httptest.NewServer(tt.handler(&attempts))
			defer srv.Close()

			cfg := testConfig(wsURL(srv))
			cfg.ReconnectAfterClose = tt.afterClose
			cfg.ReconnectAfterFailure = tt.afterFailure
			c, err := Subscribe(context.Background(), cfg, nil)
			if err != nil {
				t.Fatal(err)
			}

			if tt.wantRepeated {
				eventually(t, 2*time.Second, func() bool { return attempts.Load() >= 3 }, "repeated attempts")
			} else {
				time.Sleep(200 * time.Millisecond)
				if n := attempts.Load(); n != 1 {
					t.Errorf("attempts = %d, want 1 while the hour-long backoff runs", n)
				}
			}

			c.Close()
			n := attempts.Load()
			time.Sleep(100 * time.Millisecond)
			// A handshake cancelled by Close may still reach the server once.
			if after := attempts.Load(); after > n+1 {
				t.Errorf("dialed after Close: %d -> %d", n, after)
			}
		})
	}
}

func TestClient_SeededSimulationIsReproducible(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	walk := func(seed uint64) model.Snapshot {
		cfg := testConfig(url)
		cfg.Assets = []string{"BTC", "ETH"}
		cfg.SimulateEvery = time.Hour
		cfg.ReconnectAfterFailure = time.Hour
		cfg.RandSeed = seed
		c, err := Subscribe(context.Background(), cfg, nil)
		if err != nil {
			t.Fatal(err)
		}
		defer c.Close()
		eventually(t, 2*time.Second, func() bool { return len(c.Snapshot()) == 2 }, "simulated prices")
		return c.Snapshot()
	}

	a, b, other := walk(42), walk(42), walk(43)
	for _, asset := range []string{"BTC", "ETH"} {
		if a[asset].Price != b[asset].Price {
			t.Errorf("%s: same seed gave %v and %v", asset, a[asset].Price, b[asset].Price)
		}
	}
	if a["BTC"].Price == other["BTC"].Price && a["ETH"].Price == other["ETH"].Price {
		t.Error("different seeds gave the same walk")
	}
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	srv := priceServer(t)
	c, err := Subscribe(context.Background(), testConfig(wsURL(srv)), nil)
	if err != nil {
		t.Fatal(err)
	}
	eventually(t, 2*time.Second, c.Live, "socket open")

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if c.Live() {
		t.Error("socket should be closed")
	}
}

func TestClient_ContextCancel(t *testing.T) {
	srv := priceServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	c, err := Subscribe(ctx, testConfig(wsURL(srv)), nil)
	if err != nil {
		t.Fatal(err)
	}
	eventually(t, 2*time.Second, c.Live, "socket open")
	cancel()
	eventually(t, 2*time.Second, func() bool { return !c.Live() }, "socket to close")
	c.Close()
}

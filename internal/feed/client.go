// Package feed keeps a live price subscription to an external WebSocket
// stream. It normalizes loosely shaped frames into PriceSamples, reconnects
// forever on failure, and falls back to simulated prices when the stream
// never delivers anything.
package feed

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/blinkmarket/flash-engine/internal/metrics"
	"github.com/blinkmarket/flash-engine/internal/model"
)

// ErrNoAssets is returned when subscribing to an empty asset set.
var ErrNoAssets = errors.New("feed: no assets to subscribe")

// DefaultURL is the signed price stream endpoint.
const DefaultURL = "wss://feed.stork-oracle.network/v1/stork_signed_prices"

// Config controls the subscription. Zero durations take the defaults.
type Config struct {
	URL                   string
	Assets                []string
	Grace                 time.Duration // wait before simulating
	SimulateEvery         time.Duration
	ReconnectAfterClose   time.Duration
	ReconnectAfterFailure time.Duration
	HandshakeTimeout      time.Duration
	Seeds                 map[string]Seed
	RandSeed              uint64 // seeds the simulator's walk; 0 seeds from the clock
}

// DefaultConfig returns the standard feed configuration for BTC, ETH, SUI, SOL.
func DefaultConfig() Config {
	return Config{
		URL:                   DefaultURL,
		Assets:                []string{"BTC", "ETH", "SUI", "SOL"},
		Grace:                 5 * time.Second,
		SimulateEvery:         time.Second,
		ReconnectAfterClose:   3 * time.Second,
		ReconnectAfterFailure: 5 * time.Second,
		HandshakeTimeout:      10 * time.Second,
		Seeds:                 DefaultSeeds,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.URL == "" {
		c.URL = def.URL
	}
	if c.Grace <= 0 {
		c.Grace = def.Grace
	}
	if c.SimulateEvery <= 0 {
		c.SimulateEvery = def.SimulateEvery
	}
	if c.ReconnectAfterClose <= 0 {
		c.ReconnectAfterClose = def.ReconnectAfterClose
	}
	if c.ReconnectAfterFailure <= 0 {
		c.ReconnectAfterFailure = def.ReconnectAfterFailure
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.Seeds == nil {
		c.Seeds = def.Seeds
	}
	return c
}

type eventKind int

const (
	evOpened eventKind = iota
	evDialFailed
	evMessage
	evClosed
)

type event struct {
	kind eventKind
	conn *websocket.Conn
	data []byte
	err  error
}

// Client is a live price subscription. All connection, reconnect and
// simulation state is owned by a single loop goroutine; readers only see
// the published snapshot and status flags.
type Client struct {
	cfg        Config
	subscribed map[string]bool
	dialer     *websocket.Dialer
	logger     *slog.Logger
	now        func() time.Time
	sim        *simulator

	mu         sync.RWMutex
	prices     model.Snapshot
	socketOpen bool
	simulating bool

	events    chan event
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Subscribe opens the subscription and returns immediately; the first
// connection attempt runs in the background. The subscription lives until
// Close is called or ctx is cancelled.
func Subscribe(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if len(cfg.Assets) == 0 {
		return nil, ErrNoAssets
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	subscribed := make(map[string]bool, len(cfg.Assets))
	for _, a := range cfg.Assets {
		subscribed[a] = true
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &Client{
		cfg:        cfg,
		subscribed: subscribed,
		dialer:     &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		logger:     logger.With(slog.String("component", "price_feed")),
		now:        time.Now,
		sim:        newSimulator(cfg.Assets, cfg.Seeds, simRand(cfg.RandSeed)),
		prices:     make(model.Snapshot, len(cfg.Assets)),
		events:     make(chan event),
		cancel:     cancel,
	}

	c.wg.Add(1)
	go c.run(ctx)
	return c, nil
}

func simRand(seed uint64) *rand.Rand {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return rand.New(rand.NewPCG(seed, 0xfeed))
}

// Snapshot returns a copy of the current samples keyed by asset symbol.
func (c *Client) Snapshot() model.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(model.Snapshot, len(c.prices))
	for k, v := range c.prices {
		out[k] = v
	}
	return out
}

// Connected reports whether prices are flowing: the socket is open or the
// simulator is standing in for it.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.socketOpen || c.simulating
}

// Live reports whether the socket itself is open.
func (c *Client) Live() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.socketOpen
}

// Simulating reports whether the fallback simulator is running.
func (c *Client) Simulating() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.simulating
}

// Close tears the subscription down: the socket is closed and every pending
// reconnect, grace and simulation timer is cancelled before Close returns.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.wg.Wait()
		c.logger.Info("price feed closed")
	})
	return nil
}

func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()

	var (
		conn   *websocket.Conn
		retry  *time.Timer
		retryC <-chan time.Time
		sim    *time.Ticker
		simC   <-chan time.Time
	)
	grace := time.NewTimer(c.cfg.Grace)

	stopSim := func() {
		if sim == nil {
			return
		}
		sim.Stop()
		sim, simC = nil, nil
		c.setSimulating(false)
		c.logger.Info("price simulation stopped")
	}
	scheduleRetry := func(after time.Duration, reason string) {
		retry = time.NewTimer(after)
		retryC = retry.C
		metrics.FeedReconnects.WithLabelValues(reason).Inc()
		c.logger.Info("price feed reconnect scheduled", slog.Duration("after", after), slog.String("reason", reason))
	}

	defer func() {
		grace.Stop()
		if retry != nil {
			retry.Stop()
		}
		stopSim()
		if conn != nil {
			conn.Close()
		}
		c.setSocketOpen(false)
	}()

	c.dial(ctx)

	for {
		select {
		case <-ctx.Done():
			return

		case <-grace.C:
			if c.Connected() || len(c.Snapshot()) > 0 {
				continue
			}
			c.logger.Warn("no live prices after grace period, starting simulation",
				slog.Duration("grace", c.cfg.Grace))
			sim = time.NewTicker(c.cfg.SimulateEvery)
			simC = sim.C
			c.setSimulating(true)
			c.simulateStep()

		case <-simC:
			c.simulateStep()

		case <-retryC:
			retry, retryC = nil, nil
			c.dial(ctx)

		case ev := <-c.events:
			switch ev.kind {
			case evOpened:
				conn = ev.conn
				c.setSocketOpen(true)
				stopSim()
				c.logger.Info("connected to price feed", slog.String("url", c.cfg.URL))
				c.read(ctx, conn)

			case evDialFailed:
				c.logger.Error("price feed dial failed", slog.String("url", c.cfg.URL), slog.String("error", ev.err.Error()))
				scheduleRetry(c.cfg.ReconnectAfterFailure, "dial_failed")

			case evMessage:
				if c.apply(ev.data) {
					stopSim()
				}

			case evClosed:
				c.setSocketOpen(false)
				if conn != nil {
					conn.Close()
					conn = nil
				}
				c.logger.Warn("price feed disconnected", slog.String("error", errString(ev.err)))
				scheduleRetry(c.cfg.ReconnectAfterClose, "closed")
			}
		}
	}
}

// dial connects in the background and reports the outcome to the loop.
func (c *Client) dial(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
		if err != nil {
			c.send(ctx, event{kind: evDialFailed, err: err})
			return
		}
		if !c.send(ctx, event{kind: evOpened, conn: conn}) {
			conn.Close()
		}
	}()
}

// read pumps frames from conn into the loop until the socket fails.
func (c *Client) read(ctx context.Context, conn *websocket.Conn) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				c.send(ctx, event{kind: evClosed, err: err})
				return
			}
			if !c.send(ctx, event{kind: evMessage, data: data}) {
				return
			}
		}
	}()
}

func (c *Client) send(ctx context.Context, ev event) bool {
	select {
	case c.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// apply stores the quote carried by data and reports whether a sample was
// written. Malformed frames and unsubscribed assets are dropped.
func (c *Client) apply(data []byte) bool {
	q, ok := ParseMessage(data)
	if !ok {
		metrics.FeedMessages.WithLabelValues("malformed").Inc()
		c.logger.Debug("dropping malformed price frame", slog.Int("bytes", len(data)))
		return false
	}

	key := Symbol(q.FeedID)
	if !c.subscribed[key] && !c.subscribed[q.FeedID] {
		metrics.FeedMessages.WithLabelValues("ignored").Inc()
		return false
	}

	c.store(model.PriceSample{
		Asset:      key,
		FeedID:     q.FeedID,
		Price:      q.Price,
		ObservedAt: c.now(),
		Oracle:     model.OracleLiveFeed,
	})
	metrics.FeedMessages.WithLabelValues("applied").Inc()
	return true
}

func (c *Client) simulateStep() {
	for _, s := range c.sim.next(c.now()) {
		c.store(s)
	}
}

func (c *Client) store(s model.PriceSample) {
	c.mu.Lock()
	c.prices[s.Asset] = s
	c.mu.Unlock()
}

func (c *Client) setSocketOpen(open bool) {
	c.mu.Lock()
	c.socketOpen = open
	c.mu.Unlock()
	metrics.SetFlag(metrics.FeedConnected, open)
}

func (c *Client) setSimulating(on bool) {
	c.mu.Lock()
	c.simulating = on
	c.mu.Unlock()
	metrics.SetFlag(metrics.FeedSimulating, on)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

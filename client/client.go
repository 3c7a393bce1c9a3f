// Package client implements the Backend Client (spec §4.2): a long-lived
// connection to one backend that multiplexes a control-plane HTTP interface,
// a streaming channel for progress/previews, and a liveness watchdog with
// exponential-backoff reconnect plus a polling fallback.
package client

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/arkeep-io/comfyfleet/comfyerrors"
	"github.com/arkeep-io/comfyfleet/events"
)

// Config holds everything needed to connect to one backend.
type Config struct {
	// ID is the caller-assigned identifier. If empty, the host string is
	// used until the streaming channel's first session frame rebinds it
	// (spec §4.2 "A frame whose data.sid is set rebinds the client's
	// clientId").
	ID string

	// Host is the backend's base URL, e.g. "http://10.0.0.5:8188".
	Host string

	Credentials Credentials

	// HTTPClient, if set, is used for all control-plane requests. Defaults
	// to a *http.Client with a 30s timeout.
	HTTPClient *http.Client

	// WSTimeout is the liveness watchdog's staleness threshold (spec §4.2).
	// Defaults to 10s; the watchdog ticks every WSTimeout/2.
	WSTimeout time.Duration

	// PollInterval is the polling fallback's tick period. Defaults to 2s
	// (spec §4.2 "Polling fallback").
	PollInterval time.Duration

	// Logger defaults to zap.NewNop() if nil.
	Logger *zap.Logger

	// dialer is overridable in tests to avoid real network I/O.
	dialer func() Channel

	// reconnectBackoffBase is the base delay the reconnect ladder scales from
	// (spec §4.2 "exponential backoff"). Overridable in tests so the ladder
	// doesn't take real seconds to exercise; defaults to 1s.
	reconnectBackoffBase time.Duration
}

func (c *Config) setDefaults() {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if c.WSTimeout <= 0 {
		c.WSTimeout = 10 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.dialer == nil {
		c.dialer = func() Channel { return newWSChannel() }
	}
	if c.reconnectBackoffBase <= 0 {
		c.reconnectBackoffBase = time.Second
	}
}

// Client owns one backend connection. The zero value is not usable;
// construct with New.
type Client struct {
	cfg    Config
	logger *zap.Logger
	hub    *events.Hub

	pollLimiter *rate.Limiter

	mu           sync.RWMutex
	id           string
	osType       OSType
	ready        bool
	destroyed    bool
	lastActivity time.Time

	// streaming state, guarded by streamMu (separate from mu so HTTP
	// accessors never contend with the stream goroutine's bookkeeping).
	streamMu      sync.Mutex
	channel       Channel
	streaming     bool // true once the channel has had at least one successful open
	polling       bool
	reconnecting  bool
	cancelStream  context.CancelFunc
	watchdogTimer *time.Ticker
	pollTicker    *time.Ticker
	stopCh        chan struct{}
	stopOnce      sync.Once
}

// New constructs a Client for one backend. Call Init before using it.
func New(cfg Config) *Client {
	cfg.setDefaults()
	id := cfg.ID
	if id == "" {
		id = cfg.Host
	}
	return &Client{
		cfg:         cfg,
		logger:      cfg.Logger.Named("client").With(zap.String("host", cfg.Host)),
		hub:         events.New(),
		pollLimiter: rate.NewLimiter(rate.Every(200*time.Millisecond), 5),
		id:          id,
		osType:      OSUnknown,
		stopCh:      make(chan struct{}),
	}
}

// State returns a snapshot of the client's current state (spec §3).
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return State{
		ID:           c.id,
		Host:         c.cfg.Host,
		OSType:       c.osType,
		Ready:        c.ready,
		Destroyed:    c.destroyed,
		LastActivity: c.lastActivity,
		Credentials:  c.cfg.Credentials.Kind,
	}
}

// ID returns the client's current identifier (may change once the backend
// assigns a session id over the streaming channel).
func (c *Client) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

func (c *Client) rebindID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id == "" || c.id == id {
		return
	}
	c.logger.Debug("client id rebound by backend session", zap.String("old", c.id), zap.String("new", id))
	c.id = id
}

func (c *Client) touchActivity() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Client) isDestroyed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.destroyed
}

// On subscribes handler to events of kind emitted by this client.
func (c *Client) On(kind events.Kind, handler events.Handler) events.Subscription {
	return c.hub.On(kind, handler)
}

// OnAll subscribes handler to every event this client emits.
func (c *Client) OnAll(handler events.Handler) events.Subscription {
	return c.hub.OnAll(handler)
}

// Off removes a subscription returned by On/OnAll.
func (c *Client) Off(sub events.Subscription) {
	c.hub.Off(sub)
}

func (c *Client) emit(kind events.Kind, data any) {
	c.hub.Emit(events.Event{Kind: kind, Data: data})
}

// Init health-probes the backend until it responds or maxTries is reached,
// then discovers OS type, probes optional features, and opens the streaming
// channel (spec §4.2). Idempotent: a second call on an already-ready client
// returns immediately.
func (c *Client) Init(ctx context.Context, maxTries int, delay time.Duration) error {
	if c.isDestroyed() {
		return comfyerrors.ErrDestroyed
	}
	if c.State().Ready {
		return nil
	}
	if maxTries <= 0 {
		maxTries = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxTries; attempt++ {
		if _, err := c.GetQueue(ctx); err != nil {
			lastErr = err
			var httpErr *comfyerrors.HTTPError
			if isAuthError(err, &httpErr) {
				c.emit("auth_error", err)
				return fmt.Errorf("init: %w", comfyerrors.ErrAuth)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}
		lastErr = nil
		break
	}
	if lastErr != nil {
		return fmt.Errorf("init: health probe failed after %d attempts: %w", maxTries, lastErr)
	}

	if err := c.discoverOS(ctx); err != nil {
		c.logger.Warn("os discovery failed, proceeding with Unknown", zap.Error(err))
	}

	c.probeFeatures(ctx)

	c.startStream(ctx)

	c.mu.Lock()
	c.ready = true
	c.mu.Unlock()

	return nil
}

func isAuthError(err error, out **comfyerrors.HTTPError) bool {
	var he *comfyerrors.HTTPError
	if ok := asHTTPError(err, &he); ok {
		*out = he
		return he.Status == http.StatusUnauthorized
	}
	return false
}

func (c *Client) discoverOS(ctx context.Context) error {
	stats, err := c.GetSystemStats(ctx)
	if err != nil {
		return err
	}
	os := normalizeOS(stats.OS)
	c.mu.Lock()
	c.osType = os
	c.mu.Unlock()
	return nil
}

func normalizeOS(raw string) OSType {
	switch strings.ToUpper(raw) {
	case "POSIX", "LINUX", "DARWIN":
		return OSPOSIX
	case "NT", "WINDOWS":
		return OSNT
	default:
		return OSUnknown
	}
}

// probeFeatures tests optional server-side capability objects (manager,
// monitoring). Capability loss is non-fatal (spec §4.2 "Extensions").
func (c *Client) probeFeatures(ctx context.Context) {
	// Feature detection for manager/monitor extensions is out of scope for
	// the core (spec §1 "Out of scope"); the probe is a no-op placeholder
	// kept here so Init's four-step sequence (probe, OS, features, stream)
	// matches spec §4.2 exactly and future extension objects have a single
	// call site to hook into.
}

// Destroy is idempotent: cancels timers, closes the streaming channel
// forcefully, clears listeners, and marks the client destroyed (spec §4.2).
func (c *Client) Destroy() error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil
	}
	c.destroyed = true
	c.ready = false
	c.mu.Unlock()

	c.stopOnce.Do(func() { close(c.stopCh) })

	c.streamMu.Lock()
	if c.cancelStream != nil {
		c.cancelStream()
	}
	if c.watchdogTimer != nil {
		c.watchdogTimer.Stop()
	}
	if c.pollTicker != nil {
		c.pollTicker.Stop()
	}
	ch := c.channel
	c.channel = nil
	c.streamMu.Unlock()

	if ch != nil {
		_ = ch.Close(true)
	}

	c.hub.Clear()
	return nil
}

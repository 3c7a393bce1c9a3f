package client

import (
	"context"
	"encoding/json"
	"math/rand"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/arkeep-io/comfyfleet/events"
)

// Channel abstracts the streaming transport so tests can substitute a fake
// without opening real sockets (spec §4.2 "streaming channel").
type Channel interface {
	// Open dials the backend and blocks until the connection is established
	// or ctx is done / the dial fails.
	Open(ctx context.Context, host, clientID string, headers map[string]string) error
	// ReadFrame blocks for the next frame. messageType is
	// websocket.BinaryMessage or websocket.TextMessage.
	ReadFrame() (messageType int, data []byte, err error)
	// Close closes the channel. force skips the close handshake.
	Close(force bool) error
}

// wsChannel is the production Channel, backed by gorilla/websocket.
type wsChannel struct {
	conn *websocket.Conn
}

func newWSChannel() Channel {
	return &wsChannel{}
}

func (w *wsChannel) Open(ctx context.Context, host, clientID string, headers map[string]string) error {
	u := strings.Replace(host, "http://", "ws://", 1)
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.TrimRight(u, "/") + "/ws?clientId=" + clientID

	h := make(map[string][]string, len(headers))
	for k, v := range headers {
		h[k] = []string{v}
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u, h)
	if err != nil {
		return err
	}
	w.conn = conn
	return nil
}

func (w *wsChannel) ReadFrame() (int, []byte, error) {
	return w.conn.ReadMessage()
}

func (w *wsChannel) Close(force bool) error {
	if w.conn == nil {
		return nil
	}
	if !force {
		_ = w.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}
	return w.conn.Close()
}

// streamEnvelope mirrors the backend's {"type":..., "data":...} text frame.
type streamEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// startStream opens the streaming channel and, on success, launches the
// read-loop and liveness watchdog goroutines. If the initial open fails, it
// falls back to polling immediately rather than returning an error — a
// backend with no streaming support is still usable (spec §4.2 "Polling
// fallback").
func (c *Client) startStream(ctx context.Context) {
	streamCtx, cancel := context.WithCancel(ctx)

	c.streamMu.Lock()
	c.cancelStream = cancel
	c.streamMu.Unlock()

	ch := c.cfg.dialer()
	headers := c.cfg.Credentials.header()
	hdr := make(map[string]string, len(headers))
	for k := range headers {
		hdr[k] = headers.Get(k)
	}

	if err := ch.Open(streamCtx, c.cfg.Host, c.ID(), hdr); err != nil {
		c.logger.Warn("streaming channel unavailable, falling back to polling", zap.Error(err))
		c.startPolling(streamCtx)
		return
	}

	c.streamMu.Lock()
	c.channel = ch
	c.streaming = true
	c.streamMu.Unlock()

	c.emit("connected", nil)

	go c.readLoop(streamCtx, ch)
	c.startWatchdog(streamCtx)
}

func (c *Client) readLoop(ctx context.Context, ch Channel) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgType, data, err := ch.ReadFrame()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			c.logger.Warn("stream read failed, attempting reconnect", zap.Error(err))
			c.reconnect(ctx)
			return
		}

		c.touchActivity()

		switch msgType {
		case websocket.BinaryMessage:
			c.handleBinaryFrame(data)
		case websocket.TextMessage:
			c.handleTextFrame(data)
		}
	}
}

// handleBinaryFrame parses a preview-image frame: a 4-byte big-endian event
// type (1 == preview image) followed by a 4-byte image format word and the
// raw image bytes (spec §4.2 "binary frames carry preview images").
func (c *Client) handleBinaryFrame(data []byte) {
	if len(data) < 8 {
		return
	}
	eventType := beUint32(data[0:4])
	if eventType != 1 {
		return
	}
	formatWord := beUint32(data[4:8])
	mime := "image/jpeg"
	if formatWord == 2 {
		mime = "image/png"
	}
	c.emit("preview", map[string]any{
		"mime":  mime,
		"image": data[8:],
	})
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func (c *Client) handleTextFrame(data []byte) {
	var env streamEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Debug("discarding malformed stream frame", zap.Error(err))
		return
	}

	var session struct {
		Data struct {
			Sid string `json:"sid"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &session); err == nil && session.Data.Sid != "" {
		c.rebindID(session.Data.Sid)
	}

	if env.Type == "logs" {
		c.handleLogsFrame(env.Data)
		return
	}

	kind := events.Kind(env.Type)
	var payload any
	if len(env.Data) > 0 {
		_ = json.Unmarshal(env.Data, &payload)
	}
	c.emit(kind, payload)
}

// handleLogsFrame re-emits a "logs" frame as a "terminal" event carrying only
// its first log entry, if any (spec §4.2 "logs frames are delivered to
// subscribers as terminal events carrying the first log entry, if any"),
// matching the {Entries []string} shape GetTerminalLogs reads over REST.
func (c *Client) handleLogsFrame(data json.RawMessage) {
	var payload struct {
		Entries []string `json:"entries"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		c.logger.Debug("discarding malformed logs frame", zap.Error(err))
		return
	}
	if len(payload.Entries) == 0 {
		return
	}
	c.emit("terminal", payload.Entries[0])
}

// backoffDelay implements clamp(base*2^(n-1), base, 15*base) with +/-30%
// jitter (spec §4.2 "exponential backoff"), n starting at 1. base is
// configurable (client.Config.reconnectBackoffBase) so tests can exercise
// the ladder without waiting on real wall-clock seconds.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	ceiling := 15 * base
	d := base << uint(attempt-1)
	if d > ceiling || d <= 0 {
		d = ceiling
	}
	if d < base {
		d = base
	}
	jitter := 1 + (rand.Float64()*0.6 - 0.3)
	return time.Duration(float64(d) * jitter)
}

const maxReconnectAttempts = 10

// reconnect retries opening the streaming channel with exponential backoff,
// falling back to polling after maxReconnectAttempts failures (spec §4.2).
func (c *Client) reconnect(ctx context.Context) {
	c.streamMu.Lock()
	if c.reconnecting {
		c.streamMu.Unlock()
		return
	}
	c.reconnecting = true
	c.streaming = false
	c.streamMu.Unlock()

	defer func() {
		c.streamMu.Lock()
		c.reconnecting = false
		c.streamMu.Unlock()
	}()

	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoffDelay(c.cfg.reconnectBackoffBase, attempt)):
		}

		if c.isDestroyed() {
			return
		}

		ch := c.cfg.dialer()
		headers := c.cfg.Credentials.header()
		hdr := make(map[string]string, len(headers))
		for k := range headers {
			hdr[k] = headers.Get(k)
		}

		if err := ch.Open(ctx, c.cfg.Host, c.ID(), hdr); err != nil {
			c.logger.Warn("reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		c.streamMu.Lock()
		c.channel = ch
		c.streaming = true
		c.streamMu.Unlock()

		c.emit("reconnected", map[string]any{"attempt": attempt})
		go c.readLoop(ctx, ch)
		return
	}

	c.logger.Warn("streaming reconnect exhausted, falling back to polling", zap.Int("attempts", maxReconnectAttempts))
	c.emit("reconnection_failed", nil)
	c.startPolling(ctx)
}

// startWatchdog ticks every cfg.WSTimeout/2 and reconnects if no activity
// has been observed within cfg.WSTimeout (spec §4.2 "liveness watchdog").
func (c *Client) startWatchdog(ctx context.Context) {
	interval := c.cfg.WSTimeout / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)

	c.streamMu.Lock()
	c.watchdogTimer = ticker
	c.streamMu.Unlock()

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.mu.RLock()
				stale := time.Since(c.lastActivity) > c.cfg.WSTimeout
				c.mu.RUnlock()
				if stale {
					c.logger.Warn("stream watchdog detected staleness, reconnecting")
					c.streamMu.Lock()
					ch := c.channel
					c.channel = nil
					c.streamMu.Unlock()
					if ch != nil {
						_ = ch.Close(true)
					}
					go c.reconnect(ctx)
					return
				}
			}
		}
	}()
}

// startPolling begins polling GET /queue at cfg.PollInterval as a substitute
// for the streaming channel (spec §4.2 "Polling fallback"), emitting each
// successful response as a "status" event.
func (c *Client) startPolling(ctx context.Context) {
	c.streamMu.Lock()
	if c.polling {
		c.streamMu.Unlock()
		return
	}
	c.polling = true
	ticker := time.NewTicker(c.cfg.PollInterval)
	c.pollTicker = ticker
	c.streamMu.Unlock()

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				if !c.pollLimiter.Allow() {
					continue
				}
				status, err := c.GetQueue(ctx)
				if err != nil {
					c.logger.Debug("poll tick failed", zap.Error(err))
					continue
				}
				c.emit("status", status)
			}
		}
	}()
}

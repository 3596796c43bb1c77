// Package stream maintains the live bar subscription: one WebSocket
// connection to the data provider, normalization of inbound messages into
// model.Bar values, and reconnect with exponential backoff.
//
// The wire format is the provider's JSON bar message:
//
//	{"T":"b","S":"SPY","o":100.1,"h":100.9,"l":99.8,"c":100.5,"v":1200,"t":"2024-03-01T10:00:00Z"}
//
// delivered either standalone or batched into a JSON array per frame,
// preceded by an {"action":"auth",...} handshake and an
// {"action":"subscribe","bars":[...]} frame after each (re)connect.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"phase-enginev1/internal/model"
	"phase-enginev1/internal/ringbuf"
)

// ConnState is the manager's connection state.
type ConnState int32

const (
	Disconnected ConnState = iota
	Connecting
	Subscribed
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Subscribed:
		return "SUBSCRIBED"
	default:
		return "DISCONNECTED"
	}
}

// Config holds the stream manager configuration.
type Config struct {
	// URL of the provider's bar WebSocket, e.g. "wss://stream.example.com/v2/iex".
	URL string

	APIKey    string
	APISecret string

	// TF is the timeframe in seconds stamped onto inbound bars.
	TF int

	// BaseDelay is the first reconnect delay. Defaults to 1s.
	BaseDelay time.Duration
	// Multiplier grows the delay after each consecutive failure. Defaults to 2.
	Multiplier float64
	// MaxDelay caps the backoff. Defaults to 30s.
	MaxDelay time.Duration
	// MaxAttempts is the number of consecutive failures tolerated before
	// Run surfaces *StreamUnavailableError. Defaults to 10.
	MaxAttempts int

	// RingSize is the capacity of the buffer between the read loop and the
	// bar channel. Defaults to 4096.
	RingSize int
}

func (c *Config) defaults() {
	if c.BaseDelay == 0 {
		c.BaseDelay = time.Second
	}
	if c.Multiplier == 0 {
		c.Multiplier = 2
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 10
	}
	if c.RingSize == 0 {
		c.RingSize = 4096
	}
}

// MalformedMessageError reports an inbound message that could not be
// normalized into a bar. Dropped and logged, never fatal.
type MalformedMessageError struct {
	Reason string
	Raw    string
}

func (e *MalformedMessageError) Error() string {
	return fmt.Sprintf("malformed stream message (%s): %s", e.Reason, e.Raw)
}

// StreamUnavailableError reports that the reconnect attempt budget is
// exhausted. Fatal for the live feed until externally restarted.
type StreamUnavailableError struct {
	URL      string
	Attempts int
	LastErr  error
}

func (e *StreamUnavailableError) Error() string {
	return fmt.Sprintf("stream unavailable after %d attempts (%s): %v", e.Attempts, e.URL, e.LastErr)
}

func (e *StreamUnavailableError) Unwrap() error { return e.LastErr }

// Manager owns the live subscription. Subscription membership is maintained
// independently of connection state, so a transient drop never loses the
// watch-list.
type Manager struct {
	cfg  Config
	log  *slog.Logger
	ring *ringbuf.Ring

	mu   sync.Mutex
	subs map[string]struct{}
	conn *websocket.Conn

	state atomic.Int32

	// Optional hooks for metrics.
	OnReconnect  func()
	OnMalformed  func(err error)
	OnDroppedBar func(bar model.Bar)
}

// NewManager creates a stream manager. Symbols are added via Subscribe.
func NewManager(cfg Config, log *slog.Logger) *Manager {
	cfg.defaults()
	return &Manager{
		cfg:  cfg,
		log:  log,
		ring: ringbuf.New(cfg.RingSize),
		subs: make(map[string]struct{}),
	}
}

// State returns the current connection state.
func (m *Manager) State() ConnState {
	return ConnState(m.state.Load())
}

// Subscribe adds symbols to the watch-list. If a connection is live, the
// updated subscription is pushed immediately; otherwise it is applied on the
// next (re)connect.
func (m *Manager) Subscribe(symbols ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range symbols {
		m.subs[s] = struct{}{}
	}
	m.pushSubscriptionLocked()
}

// Unsubscribe removes symbols from the watch-list.
func (m *Manager) Unsubscribe(symbols ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range symbols {
		delete(m.subs, s)
	}
	m.pushSubscriptionLocked()
}

// Symbols returns the current watch-list.
func (m *Manager) Symbols() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.subs))
	for s := range m.subs {
		out = append(out, s)
	}
	return out
}

// pushSubscriptionLocked sends the current watch-list over a live connection.
// Transport errors are left for the read loop to surface.
func (m *Manager) pushSubscriptionLocked() {
	if m.conn == nil {
		return
	}
	syms := make([]string, 0, len(m.subs))
	for s := range m.subs {
		syms = append(syms, s)
	}
	if err := m.conn.WriteJSON(subscribeFrame{Action: "subscribe", Bars: syms}); err != nil {
		m.log.Warn("subscription update failed", "err", err)
	}
}

// Overflow returns the count of bars dropped on ring-buffer overflow.
func (m *Manager) Overflow() uint64 { return m.ring.Overflow() }

// backoffDelay returns the delay before reconnect attempt n (0-based):
// BaseDelay * Multiplier^n, capped at MaxDelay.
func (m *Manager) backoffDelay(attempt int) time.Duration {
	d := float64(m.cfg.BaseDelay)
	for i := 0; i < attempt; i++ {
		d *= m.cfg.Multiplier
		if d >= float64(m.cfg.MaxDelay) {
			return m.cfg.MaxDelay
		}
	}
	if d > float64(m.cfg.MaxDelay) {
		return m.cfg.MaxDelay
	}
	return time.Duration(d)
}

// Run connects and streams normalized bars into barCh until ctx is cancelled
// or the consecutive-failure budget is exhausted. On reconnect the full
// watch-list is re-subscribed. Backoff delays are cancellable by ctx.
func (m *Manager) Run(ctx context.Context, barCh chan<- model.Bar) error {
	defer m.state.Store(int32(Disconnected))

	go m.emit(ctx, barCh)

	failures := 0
	var lastErr error
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		subscribed, err := m.runOnce(ctx)
		if err == nil {
			// Clean shutdown via ctx.
			return ctx.Err()
		}
		if subscribed {
			// The session was established; this disconnect starts a fresh
			// failure episode, so the attempt budget and backoff reset.
			failures = 0
		}
		lastErr = err
		failures++
		m.state.Store(int32(Disconnected))

		if failures >= m.cfg.MaxAttempts {
			return &StreamUnavailableError{URL: m.cfg.URL, Attempts: failures, LastErr: lastErr}
		}

		delay := m.backoffDelay(failures - 1)
		m.log.Warn("stream disconnected, reconnecting",
			"err", err, "delay", delay.String(), "failures", failures)
		if m.OnReconnect != nil {
			m.OnReconnect()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

type authFrame struct {
	Action string `json:"action"`
	Key    string `json:"key"`
	Secret string `json:"secret"`
}

type subscribeFrame struct {
	Action string   `json:"action"`
	Bars   []string `json:"bars"`
}

// runOnce makes one connection attempt: dial, authenticate, subscribe, then
// read until disconnect or ctx cancellation. A nil error means ctx ended;
// subscribed reports whether the session got as far as a live subscription.
func (m *Manager) runOnce(ctx context.Context) (subscribed bool, err error) {
	m.state.Store(int32(Connecting))

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, m.cfg.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(authFrame{Action: "auth", Key: m.cfg.APIKey, Secret: m.cfg.APISecret}); err != nil {
		return false, fmt.Errorf("auth: %w", err)
	}

	m.mu.Lock()
	m.conn = conn
	m.pushSubscriptionLocked()
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()
	}()

	m.state.Store(int32(Subscribed))
	m.log.Info("stream connected", "url", m.cfg.URL, "symbols", len(m.Symbols()))

	// Close the connection when ctx is cancelled so ReadMessage unblocks.
	go func() {
		<-ctx.Done()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return true, nil
			default:
			}
			return true, fmt.Errorf("read: %w", err)
		}

		bars, err := parseBars(raw, m.cfg.TF)
		if err != nil {
			m.log.Warn("dropping malformed message", "err", err)
			if m.OnMalformed != nil {
				m.OnMalformed(err)
			}
		}

		for _, bar := range bars {
			if !m.ring.Push(bar) {
				m.log.Warn("bar ring full, dropping bar", "symbol", bar.Symbol)
				if m.OnDroppedBar != nil {
					m.OnDroppedBar(bar)
				}
			}
		}
	}
}

// emit drains the ring into barCh. Single consumer paired with the read
// loop's single producer.
func (m *Manager) emit(ctx context.Context, barCh chan<- model.Bar) {
	for {
		bar, ok := m.ring.Pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Millisecond):
			}
			continue
		}
		select {
		case barCh <- bar:
		case <-ctx.Done():
			return
		}
	}
}

// wireBar is the provider's bar message.
type wireBar struct {
	Type   string  `json:"T"`
	Symbol string  `json:"S"`
	Open   float64 `json:"o"`
	High   float64 `json:"h"`
	Low    float64 `json:"l"`
	Close  float64 `json:"c"`
	Volume int64   `json:"v"`
	TS     string  `json:"t"`
}

// parseBars normalizes one inbound frame. The provider batches messages into
// JSON arrays; a bare object is accepted too. Control messages are skipped;
// malformed elements surface as an error without discarding the valid bars
// alongside them.
func parseBars(raw []byte, tf int) ([]model.Bar, error) {
	raw = bytes.TrimSpace(raw)

	elems := []json.RawMessage{raw}
	if len(raw) > 0 && raw[0] == '[' {
		if err := json.Unmarshal(raw, &elems); err != nil {
			return nil, &MalformedMessageError{Reason: "invalid json", Raw: string(raw)}
		}
	}

	var bars []model.Bar
	var firstErr error
	for _, e := range elems {
		bar, ok, err := parseBar(e, tf)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			bars = append(bars, bar)
		}
	}
	return bars, firstErr
}

// parseBar normalizes a raw message. ok=false with nil error marks a
// non-bar control message (acks, status frames) that is silently skipped.
func parseBar(raw []byte, tf int) (model.Bar, bool, error) {
	var w wireBar
	if err := json.Unmarshal(raw, &w); err != nil {
		return model.Bar{}, false, &MalformedMessageError{Reason: "invalid json", Raw: string(raw)}
	}
	if w.Type != "b" {
		return model.Bar{}, false, nil
	}
	if w.Symbol == "" {
		return model.Bar{}, false, &MalformedMessageError{Reason: "missing symbol", Raw: string(raw)}
	}
	if w.Open <= 0 || w.High <= 0 || w.Low <= 0 || w.Close <= 0 {
		return model.Bar{}, false, &MalformedMessageError{Reason: "non-positive price", Raw: string(raw)}
	}
	if w.High < w.Low {
		return model.Bar{}, false, &MalformedMessageError{Reason: "high below low", Raw: string(raw)}
	}
	ts, err := time.Parse(time.RFC3339, w.TS)
	if err != nil {
		return model.Bar{}, false, &MalformedMessageError{Reason: "bad timestamp", Raw: string(raw)}
	}
	return model.Bar{
		Symbol: w.Symbol,
		TF:     tf,
		TS:     ts.UTC(),
		Open:   w.Open,
		High:   w.High,
		Low:    w.Low,
		Close:  w.Close,
		Volume: w.Volume,
	}, true, nil
}

package stream

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"phase-enginev1/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestBackoffDelay_Schedule(t *testing.T) {
	m := NewManager(Config{BaseDelay: time.Second, Multiplier: 2, MaxDelay: 30 * time.Second}, testLogger())

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, w := range want {
		if got := m.backoffDelay(i); got != w {
			t.Errorf("attempt %d: delay %v, want %v", i, got, w)
		}
	}
	if got := m.backoffDelay(20); got != 30*time.Second {
		t.Errorf("cap: delay %v, want 30s", got)
	}
}

func TestParseBar(t *testing.T) {
	valid := `{"T":"b","S":"SPY","o":100.1,"h":100.9,"l":99.8,"c":100.5,"v":1200,"t":"2024-03-01T10:00:00Z"}`

	bar, ok, err := parseBar([]byte(valid), 300)
	if err != nil || !ok {
		t.Fatalf("valid bar rejected: ok=%v err=%v", ok, err)
	}
	if bar.Symbol != "SPY" || bar.TF != 300 || bar.Close != 100.5 || bar.Volume != 1200 {
		t.Errorf("bad normalization: %+v", bar)
	}
	if !bar.TS.Equal(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("bad timestamp: %v", bar.TS)
	}

	// Control frames are skipped without error.
	_, ok, err = parseBar([]byte(`{"T":"subscription","bars":["SPY"]}`), 300)
	if ok || err != nil {
		t.Errorf("control frame: ok=%v err=%v, want skipped", ok, err)
	}

	malformed := []struct {
		name string
		raw  string
	}{
		{"invalid json", `{"T":"b","S":`},
		{"missing symbol", `{"T":"b","o":1,"h":1,"l":1,"c":1,"t":"2024-03-01T10:00:00Z"}`},
		{"non-positive price", `{"T":"b","S":"SPY","o":0,"h":1,"l":1,"c":1,"t":"2024-03-01T10:00:00Z"}`},
		{"high below low", `{"T":"b","S":"SPY","o":1,"h":1,"l":2,"c":1,"t":"2024-03-01T10:00:00Z"}`},
		{"bad timestamp", `{"T":"b","S":"SPY","o":1,"h":2,"l":1,"c":1,"t":"yesterday"}`},
	}
	for _, tc := range malformed {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := parseBar([]byte(tc.raw), 300)
			var mm *MalformedMessageError
			if !errors.As(err, &mm) {
				t.Fatalf("expected MalformedMessageError, got %v", err)
			}
		})
	}
}

func TestParseBars_ArrayFrames(t *testing.T) {
	// The provider batches messages: one frame carries an array mixing
	// control acks and bar payloads.
	frame := `[{"T":"success","msg":"authenticated"},` +
		`{"T":"b","S":"SPY","o":100.1,"h":100.9,"l":99.8,"c":100.5,"v":1200,"t":"2024-03-01T10:00:00Z"},` +
		`{"T":"b","S":"QQQ","o":380.0,"h":381.0,"l":379.5,"c":380.5,"v":900,"t":"2024-03-01T10:00:00Z"}]`

	bars, err := parseBars([]byte(frame), 300)
	if err != nil {
		t.Fatalf("array frame rejected: %v", err)
	}
	if len(bars) != 2 || bars[0].Symbol != "SPY" || bars[1].Symbol != "QQQ" {
		t.Fatalf("array frame parsed to %+v, want SPY and QQQ bars", bars)
	}

	// A bare object still parses.
	bars, err = parseBars([]byte(`{"T":"b","S":"SPY","o":1,"h":2,"l":1,"c":1.5,"v":10,"t":"2024-03-01T10:00:00Z"}`), 300)
	if err != nil || len(bars) != 1 {
		t.Fatalf("bare object: bars=%v err=%v", bars, err)
	}

	// A malformed element is reported without losing its valid siblings.
	mixed := `[{"T":"b","S":"SPY","o":0,"h":1,"l":1,"c":1,"t":"2024-03-01T10:00:00Z"},` +
		`{"T":"b","S":"QQQ","o":380.0,"h":381.0,"l":379.5,"c":380.5,"v":900,"t":"2024-03-01T10:00:00Z"}]`
	bars, err = parseBars([]byte(mixed), 300)
	var mm *MalformedMessageError
	if !errors.As(err, &mm) {
		t.Fatalf("expected MalformedMessageError, got %v", err)
	}
	if len(bars) != 1 || bars[0].Symbol != "QQQ" {
		t.Errorf("valid sibling lost: %+v", bars)
	}
}

func TestSubscriptionBookkeeping(t *testing.T) {
	m := NewManager(Config{URL: "ws://unused"}, testLogger())

	m.Subscribe("SPY", "QQQ")
	m.Subscribe("SPY") // idempotent
	m.Unsubscribe("QQQ")
	m.Subscribe("IWM")

	got := m.Symbols()
	sort.Strings(got)
	want := []string{"IWM", "SPY"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("watch-list = %v, want %v", got, want)
	}
	if m.State() != Disconnected {
		t.Errorf("state = %s, want DISCONNECTED", m.State())
	}
}

func TestRun_StreamUnavailableAfterAttemptBudget(t *testing.T) {
	m := NewManager(Config{
		URL:         "ws://127.0.0.1:1", // nothing listens here
		BaseDelay:   time.Millisecond,
		Multiplier:  2,
		MaxAttempts: 3,
	}, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := m.Run(ctx, make(chan model.Bar, 1))
	var su *StreamUnavailableError
	if !errors.As(err, &su) {
		t.Fatalf("expected StreamUnavailableError, got %v", err)
	}
	if su.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", su.Attempts)
	}
	if su.LastErr == nil {
		t.Error("fatal error lost the underlying cause")
	}
}

func TestRun_FailureBudgetResetsAfterSubscribe(t *testing.T) {
	const barMsg = `{"T":"b","S":"SPY","o":100.1,"h":100.9,"l":99.8,"c":100.5,"v":1200,"t":"2024-03-01T10:00:00Z"}`

	// Three sessions subscribe cleanly and each deliver a bar before the
	// connection drops; afterwards the server refuses every handshake.
	var conns atomic.Int32
	var upgrader websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if conns.Add(1) > 3 {
			http.Error(w, "gone", http.StatusServiceUnavailable)
			return
		}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		var frame map[string]interface{}
		c.ReadJSON(&frame) // auth
		c.ReadJSON(&frame) // subscribe
		c.WriteMessage(websocket.TextMessage, []byte(barMsg))
	}))
	defer srv.Close()

	m := NewManager(Config{
		URL:         "ws" + strings.TrimPrefix(srv.URL, "http"),
		APIKey:      "k",
		APISecret:   "s",
		TF:          300,
		BaseDelay:   time.Millisecond,
		Multiplier:  2,
		MaxAttempts: 2,
	}, testLogger())
	m.Subscribe("SPY")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	barCh := make(chan model.Bar, 8)
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, barCh) }()

	// Each clean session resets the budget, so all three connections get
	// through even though MaxAttempts is smaller than the session count.
	for i := 0; i < 3; i++ {
		select {
		case <-barCh:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for bar from session %d", i+1)
		}
	}

	// Only once failures are consecutive does the budget exhaust.
	select {
	case err := <-done:
		var su *StreamUnavailableError
		if !errors.As(err, &su) {
			t.Fatalf("expected StreamUnavailableError, got %v", err)
		}
		if su.Attempts != 2 {
			t.Errorf("attempts = %d, want 2", su.Attempts)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not surface StreamUnavailableError")
	}
}

func TestRun_StreamsBarsAndResubscribesOnReconnect(t *testing.T) {
	const barMsg = `{"T":"b","S":"SPY","o":100.1,"h":100.9,"l":99.8,"c":100.5,"v":1200,"t":"2024-03-01T10:00:00Z"}`

	var (
		mu       sync.Mutex
		subSeen  [][]string
		upgrader websocket.Upgrader
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()

		var auth map[string]string
		if err := c.ReadJSON(&auth); err != nil || auth["action"] != "auth" {
			t.Errorf("bad auth frame: %v %v", auth, err)
			return
		}
		var sub struct {
			Action string   `json:"action"`
			Bars   []string `json:"bars"`
		}
		if err := c.ReadJSON(&sub); err != nil {
			return
		}
		mu.Lock()
		subSeen = append(subSeen, sub.Bars)
		mu.Unlock()

		c.WriteMessage(websocket.TextMessage, []byte(`{"T":"success","msg":"authenticated"}`))
		c.WriteMessage(websocket.TextMessage, []byte(barMsg))
		// Drop the connection to force a reconnect.
	}))
	defer srv.Close()

	m := NewManager(Config{
		URL:         "ws" + strings.TrimPrefix(srv.URL, "http"),
		APIKey:      "k",
		APISecret:   "s",
		TF:          300,
		BaseDelay:   time.Millisecond,
		Multiplier:  2,
		MaxAttempts: 50,
	}, testLogger())
	m.Subscribe("SPY")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	barCh := make(chan model.Bar, 8)
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, barCh) }()

	// One bar per connection; two bars prove a successful reconnect.
	for i := 0; i < 2; i++ {
		select {
		case b := <-barCh:
			if b.Symbol != "SPY" || b.Close != 100.5 {
				t.Fatalf("bar %d malformed: %+v", i, b)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for bar %d", i)
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop on ctx cancellation")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(subSeen) < 2 {
		t.Fatalf("expected at least 2 subscriptions, got %d", len(subSeen))
	}
	for i, bars := range subSeen[:2] {
		if len(bars) != 1 || bars[0] != "SPY" {
			t.Errorf("connection %d subscribed %v, want [SPY]", i, bars)
		}
	}
}

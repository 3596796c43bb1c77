// Package redis persists bars, phase states and signals to Redis for
// downstream consumers: SET latest + XADD stream + PUBLISH per write, all
// pipelined into one roundtrip.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"phase-enginev1/internal/model"
	"phase-enginev1/internal/phase"
	"phase-enginev1/internal/risk"
)

const (
	// Streams keep roughly a 3h window of bars; signals keep a fixed count.
	barWindowSeconds = 10800
	signalMaxLen     = 1000
	defaultLatestTTL = 30 * time.Minute
)

// WriterConfig configures the Redis writer.
type WriterConfig struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
}

// Writer writes bars, phase states and signals to Redis.
type Writer struct {
	client *goredis.Client

	// OnWrite reports the duration of each bar pipeline, when set.
	OnWrite func(d time.Duration)
}

// Client returns the underlying Redis client for health checks.
func (w *Writer) Client() *goredis.Client { return w.client }

// New creates a new Redis Writer and pings the server.
func New(cfg WriterConfig) (*Writer, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return &Writer{client: client}, nil
}

// Run reads bars from barCh and writes them to Redis.
// Blocks until ctx is cancelled or barCh is closed.
func (w *Writer) Run(ctx context.Context, barCh <-chan model.Bar) {
	for {
		select {
		case <-ctx.Done():
			return
		case bar, ok := <-barCh:
			if !ok {
				return
			}
			w.writeBar(ctx, bar)
		}
	}
}

// barMaxLen returns a stream MAXLEN proportional to the timeframe, floored.
func barMaxLen(tf int) int64 {
	if tf <= 0 {
		return 200
	}
	maxLen := int64(barWindowSeconds/tf) + 100
	if maxLen < 200 {
		maxLen = 200
	}
	return maxLen
}

// writeBar performs pipelined writes for one bar.
func (w *Writer) writeBar(ctx context.Context, bar model.Bar) {
	jsonData := string(bar.JSON())
	latestKey := fmt.Sprintf("bar:%ds:latest:%s", bar.TF, bar.Symbol)
	pubsubCh := fmt.Sprintf("pub:bar:%ds:%s", bar.TF, bar.Symbol)

	pipe := w.client.Pipeline()

	// SET latest bar with TTL
	pipe.Set(ctx, latestKey, jsonData, defaultLatestTTL)

	// XADD to stream with auto-trimming
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: bar.StreamKey(),
		MaxLen: barMaxLen(bar.TF),
		Approx: true,
		Values: map[string]interface{}{
			"data": jsonData,
		},
	})

	// PUBLISH to pubsub channel
	pipe.Publish(ctx, pubsubCh, jsonData)

	start := time.Now()
	_, err := pipe.Exec(ctx)
	if err != nil {
		log.Printf("[redis] bar pipeline error for %s: %v", bar.Key(), err)
	}
	if w.OnWrite != nil {
		w.OnWrite(time.Since(start))
	}
}

// phasePayload is the persisted form of a phase state.
type phasePayload struct {
	Symbol          string    `json:"symbol"`
	TF              int       `json:"tf"`
	Phase           string    `json:"phase"`
	Dir             string    `json:"dir"`
	EnteredAt       time.Time `json:"entered_at"`
	ConsecutiveBars int       `json:"consecutive_bars"`
}

// WritePhase persists the latest phase state for a series: SET latest +
// PUBLISH (phases are point-in-time, no stream history kept here).
func (w *Writer) WritePhase(ctx context.Context, symbol string, tf int, st phase.State) {
	data, _ := json.Marshal(phasePayload{
		Symbol:          symbol,
		TF:              tf,
		Phase:           st.Phase.String(),
		Dir:             st.Dir.String(),
		EnteredAt:       st.EnteredAt,
		ConsecutiveBars: st.ConsecutiveBars,
	})
	jsonData := string(data)

	latestKey := fmt.Sprintf("phase:%ds:latest:%s", tf, symbol)
	pubsubCh := fmt.Sprintf("pub:phase:%ds:%s", tf, symbol)

	pipe := w.client.Pipeline()
	pipe.Set(ctx, latestKey, jsonData, defaultLatestTTL)
	pipe.Publish(ctx, pubsubCh, jsonData)

	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[redis] phase pipeline error for %s: %v", symbol, err)
	}
}

// signalPayload wraps a signal with its sizing for persistence.
type signalPayload struct {
	model.Signal
	Quantity     int64   `json:"quantity"`
	StopDistance float64 `json:"stop_distance"`
	RiskAmount   float64 `json:"risk_amount"`
}

// WriteSignal appends a sized signal to the symbol's signal stream and
// publishes it for live subscribers.
func (w *Writer) WriteSignal(ctx context.Context, sig model.Signal, size risk.SizeResult) {
	data, _ := json.Marshal(signalPayload{
		Signal:       sig,
		Quantity:     size.Quantity,
		StopDistance: size.StopDistance,
		RiskAmount:   size.RiskAmount,
	})
	jsonData := string(data)

	pubsubCh := "pub:signal:" + sig.Symbol

	pipe := w.client.Pipeline()
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: sig.StreamKey(),
		MaxLen: signalMaxLen,
		Approx: true,
		Values: map[string]interface{}{"data": jsonData},
	})
	pipe.Publish(ctx, pubsubCh, jsonData)

	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[redis] signal pipeline error for %s: %v", sig.Symbol, err)
	}
}

// Close closes the Redis client.
func (w *Writer) Close() error {
	return w.client.Close()
}

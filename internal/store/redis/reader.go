package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"phase-enginev1/internal/model"
)

// ReaderConfig configures the Redis reader.
type ReaderConfig struct {
	Addr     string
	Password string
	DB       int
}

// Reader reads back persisted bars and phase states, primarily for warm
// starting the engine from the cache before the history client is consulted.
type Reader struct {
	client *goredis.Client
}

// NewReader creates a new Redis Reader and pings the server.
func NewReader(cfg ReaderConfig) (*Reader, error) {
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

	log.Printf("[redis-reader] connected to %s", cfg.Addr)
	return &Reader{client: client}, nil
}

// RecentBars reads up to n most recent bars for a series from its stream,
// returned in ascending timestamp order. A missing stream returns an empty
// slice, not an error.
func (r *Reader) RecentBars(ctx context.Context, symbol string, tf, n int) ([]model.Bar, error) {
	streamKey := "bar:" + itoa(tf) + "s:" + symbol

	msgs, err := r.client.XRevRangeN(ctx, streamKey, "+", "-", int64(n)).Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis xrevrange %s: %w", streamKey, err)
	}

	bars := make([]model.Bar, 0, len(msgs))
	for _, m := range msgs {
		data, ok := m.Values["data"].(string)
		if !ok {
			continue
		}
		var b model.Bar
		if err := json.Unmarshal([]byte(data), &b); err != nil {
			log.Printf("[redis-reader] skipping undecodable bar in %s: %v", streamKey, err)
			continue
		}
		bars = append(bars, b)
	}

	// XREVRANGE returns newest-first.
	sort.Slice(bars, func(i, j int) bool { return bars[i].TS.Before(bars[j].TS) })
	return bars, nil
}

// LatestPhase reads the last persisted phase payload for a series. ok=false
// when none is cached.
func (r *Reader) LatestPhase(ctx context.Context, symbol string, tf int) (json.RawMessage, bool, error) {
	key := fmt.Sprintf("phase:%ds:latest:%s", tf, symbol)
	val, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return json.RawMessage(val), true, nil
}

// SubscribeChannel subscribes to a pubsub channel (signals, phases, bars).
func (r *Reader) SubscribeChannel(ctx context.Context, channel string) *goredis.PubSub {
	return r.client.Subscribe(ctx, channel)
}

// Close closes the Redis client.
func (r *Reader) Close() error {
	return r.client.Close()
}

// itoa is a minimal int-to-string for key construction.
func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	buf := [20]byte{}
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

package model

import (
	"encoding/json"
	"time"
)

// Bar represents one OHLCV sample for a single instrument and timeframe.
// TF is the bar interval in seconds (e.g. 300 = 5 minutes).
// Prices are float64 in the instrument's quote currency.
type Bar struct {
	Symbol string    `json:"symbol"`
	TF     int       `json:"tf"`     // timeframe in seconds
	TS     time.Time `json:"ts"`     // bar open time (UTC)
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
}

// Key returns a unique key for this bar's series: "symbol:TFs".
func (b *Bar) Key() string {
	return SeriesKey(b.Symbol, b.TF)
}

// StreamKey returns the Redis stream key: "bar:{TF}s:{symbol}".
func (b *Bar) StreamKey() string {
	return "bar:" + itoa(b.TF) + "s:" + b.Symbol
}

// JSON returns the JSON-encoded bar (ignoring errors for hot-path usage).
func (b *Bar) JSON() []byte {
	buf, _ := json.Marshal(b)
	return buf
}

// SeriesKey builds the "symbol:TFs" key used for per-series maps.
func SeriesKey(symbol string, tf int) string {
	return symbol + ":" + itoa(tf) + "s"
}

// itoa is a minimal int-to-string without importing strconv in hot path.
func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	buf := [20]byte{}
	i := len(buf)
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

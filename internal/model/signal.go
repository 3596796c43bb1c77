package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// SignalKind is the kind of trading signal. It is a closed set: switches over
// SignalKind should enumerate all three constants so that adding a kind is a
// compile-visible change.
type SignalKind int

const (
	LongEntry SignalKind = iota
	ShortEntry
	Exit
)

func (k SignalKind) String() string {
	switch k {
	case LongEntry:
		return "LONG_ENTRY"
	case ShortEntry:
		return "SHORT_ENTRY"
	case Exit:
		return "EXIT"
	default:
		return "UNKNOWN"
	}
}

// MarshalJSON encodes the kind as its string name so stream consumers see
// "LONG_ENTRY" rather than an opaque ordinal.
func (k SignalKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON accepts the string name form produced by MarshalJSON.
func (k *SignalKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "LONG_ENTRY":
		*k = LongEntry
	case "SHORT_ENTRY":
		*k = ShortEntry
	case "EXIT":
		*k = Exit
	default:
		return fmt.Errorf("unknown signal kind %q", s)
	}
	return nil
}

// Direction is a trade/trend direction: +1 long/up, -1 short/down, 0 none.
type Direction int

const (
	Flat  Direction = 0
	Long  Direction = 1
	Short Direction = -1
)

func (d Direction) String() string {
	switch d {
	case Long:
		return "long"
	case Short:
		return "short"
	default:
		return "flat"
	}
}

// Signal is an entry or exit trading signal. Immutable once created; it is
// handed to the consuming side exactly once.
type Signal struct {
	Symbol       string     `json:"symbol"`
	TF           int        `json:"tf"` // timeframe in seconds
	Kind         SignalKind `json:"kind"`
	TriggerPrice float64    `json:"trigger_price"`
	StopPrice    float64    `json:"stop_price"` // 0 for EXIT signals
	GeneratedAt  time.Time  `json:"generated_at"`
	Reason       string     `json:"reason"`
}

// StreamKey returns the Redis stream key: "signal:{symbol}".
func (s *Signal) StreamKey() string {
	return "signal:" + s.Symbol
}

// JSON returns the JSON-encoded signal.
func (s *Signal) JSON() []byte {
	b, _ := json.Marshal(s)
	return b
}

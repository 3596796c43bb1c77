// Package signal derives entry and exit trading signals from a phase
// classification and indicator snapshot. The generator is stateless per
// call: entry idempotence against open positions is owned by the caller.
package signal

import (
	"fmt"
	"math"

	"phase-enginev1/internal/indicator"
	"phase-enginev1/internal/model"
	"phase-enginev1/internal/phase"
)

// Config tunes signal generation.
type Config struct {
	// Tolerance is the fractional band around the reference EMA within
	// which the close counts as "pulled back to" it. Default 0.001.
	Tolerance float64 `yaml:"tolerance"`

	// StopDistances maps timeframe seconds to a stop distance expressed in
	// minimum price increments.
	StopDistances map[int]int `yaml:"stop_distances"`

	// MinIncrement is the instrument's minimum price increment. Default 0.01.
	MinIncrement float64 `yaml:"min_increment"`
}

// DefaultConfig returns the standard tuning: 0.1% pullback tolerance and
// the stop table for 5-minute through 4-hour bars.
func DefaultConfig() Config {
	return Config{
		Tolerance: 0.001,
		StopDistances: map[int]int{
			300:   15, // 5 min
			900:   20, // 15 min
			3600:  30, // 1 hour
			14400: 50, // 4 hours
		},
		MinIncrement: 0.01,
	}
}

// UnknownTimeframeError reports a bar timeframe with no stop-distance entry.
type UnknownTimeframeError struct {
	Symbol string
	TF     int
}

func (e *UnknownTimeframeError) Error() string {
	return fmt.Sprintf("no stop distance configured for %s tf=%ds", e.Symbol, e.TF)
}

// Generator evaluates the entry and exit rule tables.
type Generator struct {
	cfg Config
}

// NewGenerator builds a generator, filling zero config fields with defaults.
func NewGenerator(cfg Config) *Generator {
	d := DefaultConfig()
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = d.Tolerance
	}
	if len(cfg.StopDistances) == 0 {
		cfg.StopDistances = d.StopDistances
	}
	if cfg.MinIncrement <= 0 {
		cfg.MinIncrement = d.MinIncrement
	}
	return &Generator{cfg: cfg}
}

// Entries evaluates the entry rules against the latest bar. At most one
// entry is returned: the SAR side condition makes long and short entries
// mutually exclusive on a single bar. A bar whose timeframe has no stop
// distance configured fails with *UnknownTimeframeError.
func (g *Generator) Entries(bar model.Bar, snap indicator.Snapshot, st phase.State) ([]model.Signal, error) {
	if st.Phase == phase.Unordered {
		return nil, nil
	}

	if g.longEntry(bar.Close, snap) {
		sig, err := g.entry(bar, model.LongEntry, "close reconfirmed above fast ema with sar support")
		if err != nil {
			return nil, err
		}
		return []model.Signal{sig}, nil
	}
	if g.shortEntry(bar.Close, snap) {
		sig, err := g.entry(bar, model.ShortEntry, "close rejected below medium ema with sar resistance")
		if err != nil {
			return nil, err
		}
		return []model.Signal{sig}, nil
	}
	return nil, nil
}

// longEntry: close pulled back to within the tolerance band of the fast EMA,
// closed back above it, and SAR sits below price.
func (g *Generator) longEntry(close float64, s indicator.Snapshot) bool {
	if s.FastEMA == 0 || !s.SARBelowPrice {
		return false
	}
	return close > s.FastEMA && math.Abs(close-s.FastEMA)/s.FastEMA <= g.cfg.Tolerance
}

// shortEntry mirrors longEntry around the medium EMA with SAR above price.
func (g *Generator) shortEntry(close float64, s indicator.Snapshot) bool {
	if s.MediumEMA == 0 || s.SARBelowPrice {
		return false
	}
	return close < s.MediumEMA && math.Abs(s.MediumEMA-close)/s.MediumEMA <= g.cfg.Tolerance
}

func (g *Generator) entry(bar model.Bar, kind model.SignalKind, reason string) (model.Signal, error) {
	units, ok := g.cfg.StopDistances[bar.TF]
	if !ok {
		return model.Signal{}, &UnknownTimeframeError{Symbol: bar.Symbol, TF: bar.TF}
	}
	dist := float64(units) * g.cfg.MinIncrement

	stop := bar.Close - dist
	if kind == model.ShortEntry {
		stop = bar.Close + dist
	}
	return model.Signal{
		Symbol:       bar.Symbol,
		TF:           bar.TF,
		Kind:         kind,
		TriggerPrice: bar.Close,
		StopPrice:    stop,
		GeneratedAt:  bar.TS,
		Reason:       reason,
	}, nil
}

// Exit reports whether the SAR has flipped against an open position's
// direction, with trailing-stop semantics: the signal recommends closing,
// the consuming order layer decides execution.
func (g *Generator) Exit(bar model.Bar, snap indicator.Snapshot, posDir model.Direction) (model.Signal, bool) {
	flipped := (posDir == model.Long && !snap.SARBelowPrice) ||
		(posDir == model.Short && snap.SARBelowPrice)
	if !flipped {
		return model.Signal{}, false
	}
	return model.Signal{
		Symbol:       bar.Symbol,
		TF:           bar.TF,
		Kind:         model.Exit,
		TriggerPrice: bar.Close,
		GeneratedAt:  bar.TS,
		Reason:       "sar flipped against " + posDir.String() + " position",
	}, true
}

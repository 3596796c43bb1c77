// Package indicator computes the technical indicators that feed phase
// classification: the 13/34/89 EMA ladder with slopes, Parabolic SAR, MACD
// and a momentum score.
//
// All computation is per-call over a read-only bar window. The only carried
// state is the Parabolic SAR recurrence, returned to the caller as a small
// value object to be re-supplied on the next call; when no carried state
// exists, SAR is recomputed from the full window.
package indicator

import (
	"fmt"

	"phase-enginev1/internal/model"
)

// Config holds indicator periods and coefficients. Zero values fall back to
// the documented defaults.
type Config struct {
	FastPeriod   int `yaml:"fast_period"`   // EMA fast period (default 13)
	MediumPeriod int `yaml:"medium_period"` // EMA medium period (default 34)
	SlowPeriod   int `yaml:"slow_period"`   // EMA slow period (default 89)

	SARStep float64 `yaml:"sar_step"` // SAR acceleration step and initial AF (default 0.02)
	SARMax  float64 `yaml:"sar_max"`  // SAR acceleration cap (default 0.2)

	MACDFastPeriod   int `yaml:"macd_fast_period"`   // default 12
	MACDSlowPeriod   int `yaml:"macd_slow_period"`   // default 26
	MACDSignalPeriod int `yaml:"macd_signal_period"` // default 9

	MomentumLookback int `yaml:"momentum_lookback"` // bars for rate-of-change momentum (default 5)
}

// DefaultConfig returns the standard configuration.
func DefaultConfig() Config {
	return Config{
		FastPeriod:       13,
		MediumPeriod:     34,
		SlowPeriod:       89,
		SARStep:          0.02,
		SARMax:           0.2,
		MACDFastPeriod:   12,
		MACDSlowPeriod:   26,
		MACDSignalPeriod: 9,
		MomentumLookback: 5,
	}
}

func (c Config) normalize() Config {
	d := DefaultConfig()
	if c.FastPeriod <= 0 {
		c.FastPeriod = d.FastPeriod
	}
	if c.MediumPeriod <= 0 {
		c.MediumPeriod = d.MediumPeriod
	}
	if c.SlowPeriod <= 0 {
		c.SlowPeriod = d.SlowPeriod
	}
	if c.SARStep <= 0 {
		c.SARStep = d.SARStep
	}
	if c.SARMax <= 0 {
		c.SARMax = d.SARMax
	}
	if c.MACDFastPeriod <= 0 {
		c.MACDFastPeriod = d.MACDFastPeriod
	}
	if c.MACDSlowPeriod <= 0 {
		c.MACDSlowPeriod = d.MACDSlowPeriod
	}
	if c.MACDSignalPeriod <= 0 {
		c.MACDSignalPeriod = d.MACDSignalPeriod
	}
	if c.MomentumLookback <= 0 {
		c.MomentumLookback = d.MomentumLookback
	}
	return c
}

// MinBars returns the minimum window length Compute accepts: one bar more
// than the largest configured period, so every series has a previous value
// for slope calculation.
func (c Config) MinBars() int {
	c = c.normalize()
	maxP := c.SlowPeriod
	for _, p := range []int{c.FastPeriod, c.MediumPeriod, c.MACDSlowPeriod, c.MomentumLookback} {
		if p > maxP {
			maxP = p
		}
	}
	return maxP + 1
}

// Snapshot is the derived indicator state for the latest bar of a window.
// It is ephemeral: recomputed per call and never persisted independently of
// the bars it derives from.
type Snapshot struct {
	FastEMA   float64
	MediumEMA float64
	SlowEMA   float64

	// Slopes are one-bar EMA deltas normalized by the previous value.
	FastSlope   float64
	MediumSlope float64
	SlowSlope   float64

	SAR           float64
	SARBelowPrice bool // true when SAR sits below the close (uptrend side)

	MACDLine   float64
	MACDSignal float64
	MACDHist   float64

	// Momentum is the fractional change of close over the configured lookback.
	Momentum float64
}

// InsufficientDataError reports a window shorter than Config.MinBars().
type InsufficientDataError struct {
	Symbol string
	Need   int
	Have   int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data for %s: need %d bars, have %d", e.Symbol, e.Need, e.Have)
}

// Compute derives a Snapshot from the window's latest bar. carried is the
// SAR state from the previous call for this series, or nil for a cold start;
// the updated state is returned and must be re-supplied on the next call.
// Short windows fail with *InsufficientDataError; bars are never padded or
// extrapolated.
func Compute(bars []model.Bar, cfg Config, carried *SARState) (Snapshot, SARState, error) {
	cfg = cfg.normalize()

	if need := cfg.MinBars(); len(bars) < need {
		sym := ""
		if len(bars) > 0 {
			sym = bars[0].Symbol
		}
		return Snapshot{}, SARState{}, &InsufficientDataError{Symbol: sym, Need: need, Have: len(bars)}
	}

	closes := make([]float64, len(bars))
	for i := range bars {
		closes[i] = bars[i].Close
	}

	fast := emaSeries(closes, cfg.FastPeriod)
	medium := emaSeries(closes, cfg.MediumPeriod)
	slow := emaSeries(closes, cfg.SlowPeriod)

	n := len(closes) - 1
	snap := Snapshot{
		FastEMA:     fast[n],
		MediumEMA:   medium[n],
		SlowEMA:     slow[n],
		FastSlope:   slope(fast[n-1], fast[n]),
		MediumSlope: slope(medium[n-1], medium[n]),
		SlowSlope:   slope(slow[n-1], slow[n]),
	}

	snap.MACDLine, snap.MACDSignal, snap.MACDHist = macd(closes,
		cfg.MACDFastPeriod, cfg.MACDSlowPeriod, cfg.MACDSignalPeriod)

	snap.Momentum = momentum(closes, cfg.MomentumLookback)

	var sar SARState
	if carried != nil {
		sar = carried.step(bars[n].High, bars[n].Low, cfg.SARStep, cfg.SARMax)
	} else {
		sar = sarFromWindow(bars, cfg.SARStep, cfg.SARMax)
	}
	snap.SAR = sar.Value
	snap.SARBelowPrice = sar.Value < closes[n]

	return snap, sar, nil
}

// slope returns the one-step delta normalized by the previous value.
func slope(prev, cur float64) float64 {
	if prev == 0 {
		return 0
	}
	return (cur - prev) / prev
}

// momentum returns the fractional rate of change of close over lookback bars.
func momentum(closes []float64, lookback int) float64 {
	n := len(closes) - 1
	base := closes[n-lookback]
	if base == 0 {
		return 0
	}
	return (closes[n] - base) / base
}

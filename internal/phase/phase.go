// Package phase classifies trend maturity from an indicator snapshot.
//
// The classifier is a deterministic state machine over four phases. Checks
// are occlusive and evaluated in a fixed order, so a bar that superficially
// matches several phases resolves to exactly one.
package phase

import (
	"time"

	"phase-enginev1/internal/indicator"
	"phase-enginev1/internal/model"
)

// Phase is the categorical judgment of trend maturity. The set is closed;
// switches over Phase should enumerate all four constants.
type Phase int

const (
	Unordered Phase = iota // EMA ladder interleaved, no structure
	Emerging               // fast EMA clear of both others, slopes not yet confirming
	Trending               // full ladder ordering with confirming slopes and momentum
	Pullback               // price retraced into the fast/medium band with structure intact
)

func (p Phase) String() string {
	switch p {
	case Emerging:
		return "EMERGING"
	case Trending:
		return "TRENDING"
	case Pullback:
		return "PULLBACK"
	default:
		return "UNORDERED"
	}
}

// State is the per-series classification state. It is mutated only by
// Classify, exactly once per bar.
type State struct {
	Phase           Phase
	Dir             model.Direction // trend direction the phase refers to; Flat for UNORDERED
	EnteredAt       time.Time       // timestamp of the bar that entered this phase
	ConsecutiveBars int
}

// Config tunes the classifier.
type Config struct {
	// MomentumNoiseFloor is the minimum momentum magnitude that counts as
	// trend confirmation. Default 0.001 (0.1% over the lookback).
	MomentumNoiseFloor float64 `yaml:"momentum_noise_floor"`

	// RequirePullbackSlopes additionally demands medium and slow slopes
	// keep the trend's sign for a PULLBACK classification. Off by default:
	// the medium/slow ordering check alone is authoritative.
	RequirePullbackSlopes bool `yaml:"require_pullback_slopes"`
}

// DefaultConfig returns the standard classifier tuning.
func DefaultConfig() Config {
	return Config{MomentumNoiseFloor: 0.001}
}

// Classifier maps indicator snapshots to phases.
type Classifier struct {
	cfg Config
}

// NewClassifier builds a classifier; a zero noise floor falls back to the
// default.
func NewClassifier(cfg Config) *Classifier {
	if cfg.MomentumNoiseFloor <= 0 {
		cfg.MomentumNoiseFloor = DefaultConfig().MomentumNoiseFloor
	}
	return &Classifier{cfg: cfg}
}

// Classify evaluates one bar and returns the updated state. prev is the
// state produced for the previous bar of the same series (zero value for the
// first bar). Check order is authoritative: TRENDING occludes PULLBACK,
// PULLBACK occludes EMERGING, and the first match terminates evaluation.
func (c *Classifier) Classify(snap indicator.Snapshot, close float64, ts time.Time, prev State) State {
	if dir := c.trendingDir(snap); dir != model.Flat {
		return advance(prev, Trending, dir, ts)
	}
	if dir := c.pullbackDir(snap, close, prev); dir != model.Flat {
		return advance(prev, Pullback, dir, ts)
	}
	if dir := emergingDir(snap); dir != model.Flat {
		return advance(prev, Emerging, dir, ts)
	}
	return advance(prev, Unordered, model.Flat, ts)
}

// trendingDir reports the direction of a confirmed trend: full EMA ladder
// ordering, all slopes sharing the trend's sign and momentum above the noise
// floor on the same side.
func (c *Classifier) trendingDir(s indicator.Snapshot) model.Direction {
	up := s.FastEMA > s.MediumEMA && s.MediumEMA > s.SlowEMA &&
		s.FastSlope > 0 && s.MediumSlope > 0 && s.SlowSlope > 0 &&
		s.Momentum > c.cfg.MomentumNoiseFloor
	if up {
		return model.Long
	}
	down := s.FastEMA < s.MediumEMA && s.MediumEMA < s.SlowEMA &&
		s.FastSlope < 0 && s.MediumSlope < 0 && s.SlowSlope < 0 &&
		s.Momentum < -c.cfg.MomentumNoiseFloor
	if down {
		return model.Short
	}
	return model.Flat
}

// pullbackDir classifies a retracement. Only reachable from a prior TRENDING
// or EMERGING state: price sits in the fast/medium band (inclusive), the
// medium/slow ordering of the prior trend is still intact, and momentum no
// longer confirms the trend.
func (c *Classifier) pullbackDir(s indicator.Snapshot, close float64, prev State) model.Direction {
	if prev.Phase != Trending && prev.Phase != Emerging {
		return model.Flat
	}
	switch prev.Dir {
	case model.Long:
		if s.MediumEMA <= s.SlowEMA {
			return model.Flat // structure broken
		}
		if close < s.MediumEMA || close > s.FastEMA {
			return model.Flat
		}
		if s.Momentum > c.cfg.MomentumNoiseFloor {
			return model.Flat // momentum still confirming, not a pullback
		}
		if c.cfg.RequirePullbackSlopes && (s.MediumSlope <= 0 || s.SlowSlope <= 0) {
			return model.Flat
		}
		return model.Long
	case model.Short:
		if s.MediumEMA >= s.SlowEMA {
			return model.Flat
		}
		if close > s.MediumEMA || close < s.FastEMA {
			return model.Flat
		}
		if s.Momentum < -c.cfg.MomentumNoiseFloor {
			return model.Flat
		}
		if c.cfg.RequirePullbackSlopes && (s.MediumSlope >= 0 || s.SlowSlope >= 0) {
			return model.Flat
		}
		return model.Short
	}
	return model.Flat
}

// emergingDir reports an early, unconfirmed trend: fast EMA clear of both
// medium and slow on one side. Reached only when the TRENDING and PULLBACK
// checks have already failed.
func emergingDir(s indicator.Snapshot) model.Direction {
	if s.FastEMA > s.MediumEMA && s.FastEMA > s.SlowEMA {
		return model.Long
	}
	if s.FastEMA < s.MediumEMA && s.FastEMA < s.SlowEMA {
		return model.Short
	}
	return model.Flat
}

// advance applies the classification to the state: same phase and direction
// extend the run, anything else starts a new one.
func advance(prev State, p Phase, dir model.Direction, ts time.Time) State {
	if prev.ConsecutiveBars > 0 && prev.Phase == p && prev.Dir == dir {
		prev.ConsecutiveBars++
		return prev
	}
	return State{Phase: p, Dir: dir, EnteredAt: ts, ConsecutiveBars: 1}
}

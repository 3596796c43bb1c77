// Package risk converts signals into bounded position sizes under a fixed
// per-trade risk budget.
package risk

import (
	"fmt"
	"math"

	"phase-enginev1/internal/model"
)

// Parameters is the risk configuration supplied by the surrounding
// application. The core never mutates it.
type Parameters struct {
	RiskPerTradeFraction float64 `yaml:"risk_per_trade_fraction"`
	// MaxOpenPositions caps concurrent open positions. Zero blocks all
	// entries; there is no unlimited setting.
	MaxOpenPositions int     `yaml:"max_open_positions"`
	AccountSize      float64 `yaml:"account_size"`
}

// SizeResult is the derived position size. Output-only, never stored.
type SizeResult struct {
	Quantity     int64
	StopDistance float64
	RiskAmount   float64
}

// ZeroStopDistanceError reports a degenerate signal whose stop distance is
// not positive. The signal must be discarded, not retried: the same inputs
// reproduce the same result.
type ZeroStopDistanceError struct {
	Symbol       string
	TriggerPrice float64
	StopPrice    float64
}

func (e *ZeroStopDistanceError) Error() string {
	return fmt.Sprintf("zero stop distance for %s: trigger=%.4f stop=%.4f",
		e.Symbol, e.TriggerPrice, e.StopPrice)
}

// PositionLimitError reports that the open-position cap is already reached.
// This is an expected steady-state condition, not an anomaly.
type PositionLimitError struct {
	Symbol string
	Open   int
	Max    int
}

func (e *PositionLimitError) Error() string {
	return fmt.Sprintf("position limit reached for %s: %d open, max %d", e.Symbol, e.Open, e.Max)
}

// Size computes the position size for an entry signal. openPositions is the
// caller's current open-position count. Failing with an error rather than a
// zero-quantity result lets callers distinguish "no trade" from a zero-size
// trade.
func Size(sig model.Signal, params Parameters, openPositions int) (SizeResult, error) {
	if openPositions >= params.MaxOpenPositions {
		return SizeResult{}, &PositionLimitError{
			Symbol: sig.Symbol,
			Open:   openPositions,
			Max:    params.MaxOpenPositions,
		}
	}

	dist := math.Abs(sig.TriggerPrice - sig.StopPrice)
	if dist <= 0 {
		return SizeResult{}, &ZeroStopDistanceError{
			Symbol:       sig.Symbol,
			TriggerPrice: sig.TriggerPrice,
			StopPrice:    sig.StopPrice,
		}
	}

	riskAmount := params.AccountSize * params.RiskPerTradeFraction
	return SizeResult{
		Quantity:     int64(math.Floor(riskAmount / dist)),
		StopDistance: dist,
		RiskAmount:   riskAmount,
	}, nil
}

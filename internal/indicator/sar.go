package indicator

import "phase-enginev1/internal/model"

// SARState is the carried Parabolic SAR recurrence: trend side, acceleration
// factor, extreme point and the SAR value itself. It is the only indicator
// state that survives across Compute calls; advancing it with the same bar
// sequence always yields the same values as a cold recompute of that window.
type SARState struct {
	Uptrend bool
	AF      float64
	EP      float64
	Value   float64
}

// step advances the recurrence by one bar. On each bar the SAR moves toward
// the extreme point by AF; penetration of the SAR by price flips the trend,
// resets AF to stepSize and swaps SAR with the extreme point.
func (s SARState) step(high, low, stepSize, maxAF float64) SARState {
	sar := s.Value + s.AF*(s.EP-s.Value)

	if s.Uptrend {
		if low < sar {
			// Reversal to downtrend.
			return SARState{Uptrend: false, AF: stepSize, EP: low, Value: s.EP}
		}
		next := SARState{Uptrend: true, AF: s.AF, EP: s.EP, Value: sar}
		if high > s.EP {
			next.EP = high
			next.AF = minf(s.AF+stepSize, maxAF)
		}
		return next
	}

	if high > sar {
		// Reversal to uptrend.
		return SARState{Uptrend: true, AF: stepSize, EP: high, Value: s.EP}
	}
	next := SARState{Uptrend: false, AF: s.AF, EP: s.EP, Value: sar}
	if low < s.EP {
		next.EP = low
		next.AF = minf(s.AF+stepSize, maxAF)
	}
	return next
}

// sarFromWindow cold-starts the recurrence: the first bar seeds an uptrend
// with SAR at its low and the extreme point at its high, then the state is
// advanced through the remaining bars.
func sarFromWindow(bars []model.Bar, stepSize, maxAF float64) SARState {
	s := SARState{
		Uptrend: true,
		AF:      stepSize,
		EP:      bars[0].High,
		Value:   bars[0].Low,
	}
	for i := 1; i < len(bars); i++ {
		s = s.step(bars[i].High, bars[i].Low, stepSize, maxAF)
	}
	return s
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

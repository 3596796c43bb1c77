package indicator

// emaSeries computes an exponential moving average over closes with
// k = 2/(period+1), seeding the recurrence with the first close. The full
// series is returned so callers can take slopes from adjacent values.
func emaSeries(closes []float64, period int) []float64 {
	out := make([]float64, len(closes))
	if len(closes) == 0 {
		return out
	}
	k := 2.0 / (float64(period) + 1.0)
	out[0] = closes[0]
	for i := 1; i < len(closes); i++ {
		out[i] = closes[i]*k + out[i-1]*(1.0-k)
	}
	return out
}

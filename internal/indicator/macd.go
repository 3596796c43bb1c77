package indicator

// macd computes the MACD line (fast EMA - slow EMA), its signal line
// (EMA of the MACD line) and the histogram for the last element of closes.
func macd(closes []float64, fastP, slowP, signalP int) (line, signal, hist float64) {
	fast := emaSeries(closes, fastP)
	slow := emaSeries(closes, slowP)

	diff := make([]float64, len(closes))
	for i := range closes {
		diff[i] = fast[i] - slow[i]
	}
	sig := emaSeries(diff, signalP)

	n := len(closes) - 1
	return diff[n], sig[n], diff[n] - sig[n]
}

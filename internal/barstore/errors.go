package barstore

import (
	"fmt"
	"time"

	"phase-enginev1/internal/model"
)

// OutOfOrderBarError reports an append whose timestamp is not strictly
// greater than the series' last timestamp.
type OutOfOrderBarError struct {
	Symbol string
	TF     int
	Last   time.Time
	Got    time.Time
}

func (e *OutOfOrderBarError) Error() string {
	return fmt.Sprintf("out-of-order bar for %s (tf=%ds): got ts=%s, last ts=%s",
		e.Symbol, e.TF, e.Got.Format(time.RFC3339), e.Last.Format(time.RFC3339))
}

// OverlapConflictError reports a backfilled bar that disagrees with an
// already-stored bar at the same timestamp.
type OverlapConflictError struct {
	Symbol   string
	TF       int
	TS       time.Time
	Existing model.Bar
	Incoming model.Bar
}

func (e *OverlapConflictError) Error() string {
	return fmt.Sprintf("backfill overlap conflict for %s (tf=%ds) at %s: existing OHLC=%.4f/%.4f/%.4f/%.4f, incoming OHLC=%.4f/%.4f/%.4f/%.4f",
		e.Symbol, e.TF, e.TS.Format(time.RFC3339),
		e.Existing.Open, e.Existing.High, e.Existing.Low, e.Existing.Close,
		e.Incoming.Open, e.Incoming.High, e.Incoming.Low, e.Incoming.Close)
}

// InsufficientDataError reports a window request larger than the stored series.
type InsufficientDataError struct {
	Symbol string
	TF     int
	Need   int
	Have   int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data for %s (tf=%ds): need %d bars, have %d",
		e.Symbol, e.TF, e.Need, e.Have)
}

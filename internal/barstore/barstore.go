// Package barstore provides an append-only, symbol-keyed store of OHLCV bars.
//
// Each (symbol, timeframe) pair owns one ordered series. The stream manager
// is the only live writer; indicator/classifier stages read windows. A single
// mutex per series serializes append vs. window-read so a manual backfill and
// the live stream cannot corrupt ordering.
package barstore

import (
	"sync"

	"phase-enginev1/internal/model"
)

// Store holds the bar series for all tracked (symbol, timeframe) pairs.
type Store struct {
	mu     sync.RWMutex
	series map[string]*series
}

type series struct {
	mu   sync.Mutex
	bars []model.Bar
}

// New creates an empty Store.
func New() *Store {
	return &Store{series: make(map[string]*series, 16)}
}

func (s *Store) get(symbol string, tf int) *series {
	key := model.SeriesKey(symbol, tf)

	s.mu.RLock()
	sr, ok := s.series[key]
	s.mu.RUnlock()
	if ok {
		return sr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sr, ok = s.series[key]; ok {
		return sr
	}
	sr = &series{bars: make([]model.Bar, 0, 256)}
	s.series[key] = sr
	return sr
}

// Append adds a bar to the end of its series. The bar's timestamp must be
// strictly greater than the series' last timestamp; otherwise the append
// fails with *OutOfOrderBarError and the series is left unchanged.
func (s *Store) Append(bar model.Bar) error {
	sr := s.get(bar.Symbol, bar.TF)

	sr.mu.Lock()
	defer sr.mu.Unlock()

	if n := len(sr.bars); n > 0 {
		last := sr.bars[n-1].TS
		if !bar.TS.After(last) {
			return &OutOfOrderBarError{
				Symbol: bar.Symbol,
				TF:     bar.TF,
				Last:   last,
				Got:    bar.TS,
			}
		}
	}
	sr.bars = append(sr.bars, bar)
	return nil
}

// MergeBackfill merges an ordered historical range into the series,
// deduplicating by timestamp. If a backfilled bar disagrees with an existing
// bar's OHLC values it fails with *OverlapConflictError and the series is
// left unchanged. Returns the number of bars actually inserted.
func (s *Store) MergeBackfill(symbol string, tf int, bars []model.Bar) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}
	sr := s.get(symbol, tf)

	sr.mu.Lock()
	defer sr.mu.Unlock()

	// Validate the incoming range is itself strictly ascending.
	for i := 1; i < len(bars); i++ {
		if !bars[i].TS.After(bars[i-1].TS) {
			return 0, &OutOfOrderBarError{
				Symbol: symbol,
				TF:     tf,
				Last:   bars[i-1].TS,
				Got:    bars[i].TS,
			}
		}
	}

	// First pass: verify overlaps agree before mutating anything.
	existing := make(map[int64]model.Bar, len(sr.bars))
	for _, b := range sr.bars {
		existing[b.TS.UnixNano()] = b
	}
	inserted := 0
	for _, b := range bars {
		have, ok := existing[b.TS.UnixNano()]
		if !ok {
			inserted++
			continue
		}
		if have.Open != b.Open || have.High != b.High || have.Low != b.Low || have.Close != b.Close {
			return 0, &OverlapConflictError{
				Symbol:   symbol,
				TF:       tf,
				TS:       b.TS,
				Existing: have,
				Incoming: b,
			}
		}
	}
	if inserted == 0 {
		return 0, nil
	}

	// Second pass: merge-sort the two ascending runs.
	merged := make([]model.Bar, 0, len(sr.bars)+inserted)
	i, j := 0, 0
	for i < len(sr.bars) && j < len(bars) {
		a, b := sr.bars[i], bars[j]
		switch {
		case a.TS.Before(b.TS):
			merged = append(merged, a)
			i++
		case b.TS.Before(a.TS):
			merged = append(merged, b)
			j++
		default: // duplicate, already verified identical
			merged = append(merged, a)
			i++
			j++
		}
	}
	merged = append(merged, sr.bars[i:]...)
	merged = append(merged, bars[j:]...)
	sr.bars = merged
	return inserted, nil
}

// Window returns the last n bars of the series as a copied, read-only view.
// Fails with *InsufficientDataError if fewer than n bars exist.
func (s *Store) Window(symbol string, tf int, n int) ([]model.Bar, error) {
	sr := s.get(symbol, tf)

	sr.mu.Lock()
	defer sr.mu.Unlock()

	if len(sr.bars) < n {
		return nil, &InsufficientDataError{
			Symbol: symbol,
			TF:     tf,
			Need:   n,
			Have:   len(sr.bars),
		}
	}
	out := make([]model.Bar, n)
	copy(out, sr.bars[len(sr.bars)-n:])
	return out, nil
}

// Len returns the number of bars stored for a series.
func (s *Store) Len(symbol string, tf int) int {
	sr := s.get(symbol, tf)
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return len(sr.bars)
}

// LastTS returns the timestamp of the newest bar, or ok=false when empty.
func (s *Store) LastTS(symbol string, tf int) (ts int64, ok bool) {
	sr := s.get(symbol, tf)
	sr.mu.Lock()
	defer sr.mu.Unlock()
	if len(sr.bars) == 0 {
		return 0, false
	}
	return sr.bars[len(sr.bars)-1].TS.Unix(), true
}

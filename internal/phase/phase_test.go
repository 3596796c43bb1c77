package phase

import (
	"math/rand"
	"testing"
	"time"

	"phase-enginev1/internal/indicator"
	"phase-enginev1/internal/model"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func upSnap() indicator.Snapshot {
	return indicator.Snapshot{
		FastEMA: 103, MediumEMA: 102, SlowEMA: 101,
		FastSlope: 0.002, MediumSlope: 0.001, SlowSlope: 0.0005,
		Momentum: 0.01,
	}
}

func TestClassify_Table(t *testing.T) {
	c := NewClassifier(DefaultConfig())

	cases := []struct {
		name     string
		snap     indicator.Snapshot
		close    float64
		prev     State
		wantPh   Phase
		wantDir  model.Direction
	}{
		{
			name: "confirmed uptrend", snap: upSnap(), close: 104,
			wantPh: Trending, wantDir: model.Long,
		},
		{
			name: "confirmed downtrend",
			snap: indicator.Snapshot{
				FastEMA: 101, MediumEMA: 102, SlowEMA: 103,
				FastSlope: -0.002, MediumSlope: -0.001, SlowSlope: -0.0005,
				Momentum: -0.01,
			},
			close: 100, wantPh: Trending, wantDir: model.Short,
		},
		{
			name: "momentum below noise floor blocks trending",
			snap: func() indicator.Snapshot {
				s := upSnap()
				s.Momentum = 0.0005
				return s
			}(),
			close:  104,
			wantPh: Emerging, wantDir: model.Long,
		},
		{
			name: "one slope against blocks trending",
			snap: func() indicator.Snapshot {
				s := upSnap()
				s.SlowSlope = -0.0001
				return s
			}(),
			close:  104,
			wantPh: Emerging, wantDir: model.Long,
		},
		{
			name: "pullback from trending: close in fast/medium band, momentum faded",
			snap: indicator.Snapshot{
				FastEMA: 103, MediumEMA: 102, SlowEMA: 101,
				FastSlope: -0.0005, MediumSlope: 0.0005, SlowSlope: 0.0005,
				Momentum: -0.002,
			},
			close: 102.5,
			prev:  State{Phase: Trending, Dir: model.Long, ConsecutiveBars: 5, EnteredAt: t0},
			wantPh: Pullback, wantDir: model.Long,
		},
		{
			name: "same bar without trending history is not a pullback",
			snap: indicator.Snapshot{
				FastEMA: 103, MediumEMA: 102, SlowEMA: 101,
				FastSlope: -0.0005, MediumSlope: 0.0005, SlowSlope: 0.0005,
				Momentum: -0.002,
			},
			close:  102.5,
			wantPh: Emerging, wantDir: model.Long,
		},
		{
			name: "broken medium/slow ordering falls through pullback",
			snap: indicator.Snapshot{
				FastEMA: 103, MediumEMA: 100, SlowEMA: 101,
				Momentum: -0.002,
			},
			close:  101.5,
			prev:   State{Phase: Trending, Dir: model.Long, ConsecutiveBars: 5, EnteredAt: t0},
			wantPh: Emerging, wantDir: model.Long,
		},
		{
			name: "short pullback from short trend",
			snap: indicator.Snapshot{
				FastEMA: 101, MediumEMA: 102, SlowEMA: 103,
				Momentum: 0.002,
			},
			close: 101.5,
			prev:  State{Phase: Trending, Dir: model.Short, ConsecutiveBars: 3, EnteredAt: t0},
			wantPh: Pullback, wantDir: model.Short,
		},
		{
			name: "interleaved ladder is unordered",
			snap: indicator.Snapshot{
				FastEMA: 102, MediumEMA: 103, SlowEMA: 101,
			},
			close:  102,
			wantPh: Unordered, wantDir: model.Flat,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := c.Classify(tc.snap, tc.close, t0.Add(time.Minute), tc.prev)
			if got.Phase != tc.wantPh || got.Dir != tc.wantDir {
				t.Errorf("got %s/%s, want %s/%s", got.Phase, got.Dir, tc.wantPh, tc.wantDir)
			}
		})
	}
}

func TestClassify_FastAtMediumBoundaryIsPullback(t *testing.T) {
	// Fast EMA dipped to exactly the medium value with close on the band
	// edge: still PULLBACK, not UNORDERED.
	c := NewClassifier(DefaultConfig())
	snap := indicator.Snapshot{
		FastEMA: 102, MediumEMA: 102, SlowEMA: 101,
		Momentum: -0.001,
	}
	prev := State{Phase: Trending, Dir: model.Long, ConsecutiveBars: 10, EnteredAt: t0}
	got := c.Classify(snap, 102, t0.Add(time.Minute), prev)
	if got.Phase != Pullback {
		t.Errorf("boundary bar classified %s, want PULLBACK", got.Phase)
	}
}

func TestClassify_ConsecutiveBarCount(t *testing.T) {
	c := NewClassifier(DefaultConfig())
	snap := upSnap()

	st := c.Classify(snap, 104, t0, State{})
	if st.ConsecutiveBars != 1 || !st.EnteredAt.Equal(t0) {
		t.Fatalf("first classification: %+v", st)
	}
	st = c.Classify(snap, 104, t0.Add(time.Minute), st)
	if st.ConsecutiveBars != 2 || !st.EnteredAt.Equal(t0) {
		t.Fatalf("continued phase should extend run: %+v", st)
	}

	// Phase change resets the run and stamps the new entry time.
	flat := indicator.Snapshot{FastEMA: 102, MediumEMA: 103, SlowEMA: 101}
	st = c.Classify(flat, 102, t0.Add(2*time.Minute), st)
	if st.Phase != Unordered || st.ConsecutiveBars != 1 || !st.EnteredAt.Equal(t0.Add(2*time.Minute)) {
		t.Fatalf("phase change should reset run: %+v", st)
	}
}

func TestClassify_PullbackUnreachableFromPullback(t *testing.T) {
	c := NewClassifier(DefaultConfig())
	snap := indicator.Snapshot{
		FastEMA: 103, MediumEMA: 102, SlowEMA: 101,
		Momentum: -0.002,
	}
	prev := State{Phase: Pullback, Dir: model.Long, ConsecutiveBars: 1, EnteredAt: t0}
	got := c.Classify(snap, 102.5, t0.Add(time.Minute), prev)
	if got.Phase == Pullback {
		t.Error("PULLBACK must not be re-entered from PULLBACK; a continued retrace reclassifies")
	}
}

func TestClassify_TrendingEmergingMutuallyExclusive(t *testing.T) {
	// Property: no snapshot classifies TRENDING on one evaluation and
	// EMERGING on another; the first-match order makes the outcome unique.
	c := NewClassifier(DefaultConfig())
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 5000; i++ {
		snap := indicator.Snapshot{
			FastEMA:     100 + rng.Float64()*10,
			MediumEMA:   100 + rng.Float64()*10,
			SlowEMA:     100 + rng.Float64()*10,
			FastSlope:   (rng.Float64() - 0.5) * 0.01,
			MediumSlope: (rng.Float64() - 0.5) * 0.01,
			SlowSlope:   (rng.Float64() - 0.5) * 0.01,
			Momentum:    (rng.Float64() - 0.5) * 0.05,
		}
		a := c.Classify(snap, 105, t0, State{})
		b := c.Classify(snap, 105, t0, State{})
		if a != b {
			t.Fatalf("non-deterministic classification for %+v", snap)
		}
		if a.Phase == Trending && c.trendingDir(snap) == model.Flat {
			t.Fatalf("TRENDING without trending conditions: %+v", snap)
		}
	}
}

func TestClassify_RisingSeriesReachesTrendingAndHolds(t *testing.T) {
	// A strictly monotonically rising 200-bar series must reach TRENDING
	// within a bounded number of bars and stay there while slopes remain
	// positive.
	cfg := indicator.DefaultConfig()
	c := NewClassifier(DefaultConfig())

	closes := make([]float64, 200)
	for i := range closes {
		closes[i] = 100 + float64(i)*0.5
	}
	bars := make([]model.Bar, len(closes))
	for i, cl := range closes {
		bars[i] = model.Bar{
			Symbol: "SPY", TF: 300, TS: t0.Add(time.Duration(i) * 5 * time.Minute),
			Open: cl, High: cl + 0.25, Low: cl - 0.25, Close: cl, Volume: 100,
		}
	}

	var st State
	var carried *indicator.SARState
	firstTrending := -1
	for i := cfg.MinBars(); i <= len(bars); i++ {
		snap, sar, err := indicator.Compute(bars[:i], cfg, carried)
		if err != nil {
			t.Fatalf("compute at %d: %v", i, err)
		}
		carried = &sar
		st = c.Classify(snap, bars[i-1].Close, bars[i-1].TS, st)
		if st.Phase == Trending && firstTrending < 0 {
			firstTrending = i
		}
		if firstTrending >= 0 && st.Phase != Trending {
			t.Fatalf("left TRENDING at bar %d while series still rising", i)
		}
	}
	if firstTrending < 0 {
		t.Fatal("never reached TRENDING on a monotonically rising series")
	}
	if firstTrending > cfg.MinBars()+40 {
		t.Errorf("TRENDING reached too late: bar %d", firstTrending)
	}
}

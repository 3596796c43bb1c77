package engine

import (
	"log/slog"
	"testing"
	"time"

	"phase-enginev1/internal/barstore"
	"phase-enginev1/internal/indicator"
	"phase-enginev1/internal/model"
	"phase-enginev1/internal/phase"
	"phase-enginev1/internal/risk"
	"phase-enginev1/internal/signal"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// testConfig uses short periods so pipelines warm up in a handful of bars,
// and a wide pullback tolerance so entries trigger on synthetic trends.
func testConfig() Config {
	return Config{
		Indicator: indicator.Config{
			FastPeriod: 2, MediumPeriod: 3, SlowPeriod: 4,
			SARStep: 0.02, SARMax: 0.2,
			MACDFastPeriod: 2, MACDSlowPeriod: 3, MACDSignalPeriod: 2,
			MomentumLookback: 1,
		},
		Phase:  phase.Config{MomentumNoiseFloor: 0.0001},
		Signal: signal.Config{Tolerance: 0.2, StopDistances: map[int]int{300: 15}, MinIncrement: 0.01},
		Risk:   risk.Parameters{RiskPerTradeFraction: 0.02, MaxOpenPositions: 5, AccountSize: 100000},
	}
}

func mkBar(sym string, i int, close float64) model.Bar {
	return model.Bar{
		Symbol: sym, TF: 300, TS: t0.Add(time.Duration(i) * 5 * time.Minute),
		Open: close - 0.2, High: close + 0.3, Low: close - 0.3, Close: close, Volume: 100,
	}
}

func drain(e *Engine) []SizedSignal {
	var out []SizedSignal
	for {
		select {
		case s := <-e.Signals():
			out = append(out, s)
		default:
			return out
		}
	}
}

func TestEngine_SingleLongEntryPerOpenPosition(t *testing.T) {
	e := New(testConfig(), barstore.New(), testLogger())

	for i := 0; i < 30; i++ {
		if err := e.OnBar(mkBar("SPY", i, 100+float64(i)*0.5)); err != nil {
			t.Fatalf("bar %d rejected: %v", i, err)
		}
	}

	sigs := drain(e)
	if len(sigs) == 0 {
		t.Fatal("no signals on a clean uptrend")
	}

	entries := 0
	for _, s := range sigs {
		if s.Signal.Kind == model.LongEntry {
			entries++
		}
	}
	if entries != 1 {
		t.Fatalf("expected exactly one LONG_ENTRY while position open, got %d", entries)
	}

	first := sigs[0]
	if first.Signal.Kind != model.LongEntry {
		t.Fatalf("first signal = %s, want LONG_ENTRY", first.Signal.Kind)
	}
	// risk 2000 over a 0.15 stop distance.
	if first.Size.Quantity != 13333 {
		t.Errorf("quantity = %d, want 13333", first.Size.Quantity)
	}
	if first.Phase.Phase != phase.Trending {
		t.Errorf("entry phase = %s, want TRENDING", first.Phase.Phase)
	}
	if e.OpenDirection("SPY", 300) != model.Long {
		t.Errorf("open direction = %s, want long", e.OpenDirection("SPY", 300))
	}
}

func TestEngine_ExitOnSARFlip(t *testing.T) {
	e := New(testConfig(), barstore.New(), testLogger())

	i := 0
	for ; i < 30; i++ {
		if err := e.OnBar(mkBar("SPY", i, 100+float64(i)*0.5)); err != nil {
			t.Fatalf("bar %d rejected: %v", i, err)
		}
	}
	drain(e) // discard the entry

	if e.OpenDirection("SPY", 300) != model.Long {
		t.Fatal("expected an open long before the reversal")
	}

	// Collapse the trend: lows fall fast enough to penetrate the SAR.
	top := 100 + float64(i-1)*0.5
	var exitSeen bool
	for j := 0; j < 10 && !exitSeen; j++ {
		if err := e.OnBar(mkBar("SPY", i+j, top-float64(j+1)*5)); err != nil {
			t.Fatalf("reversal bar %d rejected: %v", j, err)
		}
		for _, s := range drain(e) {
			if s.Signal.Kind == model.Exit {
				exitSeen = true
				break
			}
		}
	}
	if !exitSeen {
		t.Fatal("SAR flip never produced an EXIT signal")
	}
	if e.OpenDirection("SPY", 300) == model.Long {
		t.Error("long position still open after exit")
	}
}

func TestEngine_OutOfOrderBarIsolated(t *testing.T) {
	e := New(testConfig(), barstore.New(), testLogger())

	if err := e.OnBar(mkBar("SPY", 5, 100)); err != nil {
		t.Fatalf("first bar rejected: %v", err)
	}
	if err := e.OnBar(mkBar("SPY", 5, 101)); err == nil {
		t.Fatal("duplicate timestamp accepted")
	}
	// A different symbol is unaffected by SPY's data error.
	if err := e.OnBar(mkBar("QQQ", 0, 300)); err != nil {
		t.Fatalf("independent symbol rejected: %v", err)
	}
}

func TestEngine_WarmupProducesNothing(t *testing.T) {
	e := New(testConfig(), barstore.New(), testLogger())

	for i := 0; i < 4; i++ { // below MinBars()=5
		if err := e.OnBar(mkBar("SPY", i, 100+float64(i))); err != nil {
			t.Fatalf("warmup bar %d errored: %v", i, err)
		}
	}
	if sigs := drain(e); len(sigs) != 0 {
		t.Errorf("signals during warmup: %+v", sigs)
	}
	if _, ok := e.PhaseState("SPY", 300); ok {
		t.Error("phase state exists before first classification")
	}
}

func TestEngine_BackfillMergesAndContinues(t *testing.T) {
	e := New(testConfig(), barstore.New(), testLogger())

	hist := make([]model.Bar, 10)
	for i := range hist {
		hist[i] = mkBar("SPY", i, 100+float64(i)*0.5)
	}
	n, err := e.Backfill("SPY", 300, hist)
	if err != nil || n != 10 {
		t.Fatalf("backfill: n=%d err=%v", n, err)
	}

	// Live bars continue the series seamlessly.
	if err := e.OnBar(mkBar("SPY", 10, 105)); err != nil {
		t.Fatalf("live bar after backfill rejected: %v", err)
	}
	if _, ok := e.PhaseState("SPY", 300); !ok {
		t.Error("no classification after warm start")
	}
}

func TestEngine_PhaseChangeHook(t *testing.T) {
	e := New(testConfig(), barstore.New(), testLogger())

	var transitions []phase.Phase
	e.OnPhaseChange = func(symbol string, tf int, from, to phase.State) {
		if symbol != "SPY" || tf != 300 {
			t.Errorf("hook got %s/%d", symbol, tf)
		}
		transitions = append(transitions, to.Phase)
	}

	for i := 0; i < 30; i++ {
		e.OnBar(mkBar("SPY", i, 100+float64(i)*0.5))
	}
	drain(e)

	if len(transitions) == 0 {
		t.Fatal("no phase transitions observed")
	}
	last := transitions[len(transitions)-1]
	if last != phase.Trending {
		t.Errorf("final transition to %s, want TRENDING", last)
	}
}

func TestEngine_DroppedEntryDoesNotOpenPosition(t *testing.T) {
	cfg := testConfig()
	cfg.SignalBuffer = 1
	e := New(cfg, barstore.New(), testLogger())

	dropped := 0
	e.OnDroppedSignal = func(SizedSignal) { dropped++ }

	// SPY's entry fills the one-slot channel; QQQ's entry on the same trend
	// has nowhere to go and must be dropped.
	for i := 0; i < 30; i++ {
		c := 100 + float64(i)*0.5
		if err := e.OnBar(mkBar("SPY", i, c)); err != nil {
			t.Fatalf("SPY bar %d rejected: %v", i, err)
		}
		if err := e.OnBar(mkBar("QQQ", i, c)); err != nil {
			t.Fatalf("QQQ bar %d rejected: %v", i, err)
		}
	}

	if e.OpenDirection("SPY", 300) != model.Long {
		t.Fatal("expected an open SPY long")
	}
	if dropped == 0 {
		t.Fatal("no signal was dropped on the full channel")
	}
	if got := e.OpenDirection("QQQ", 300); got != model.Flat {
		t.Fatalf("QQQ direction = %s after dropped entry, want flat", got)
	}

	// Once the channel drains, the next qualifying bar enters for real.
	drain(e)
	for i := 30; i < 40 && e.OpenDirection("QQQ", 300) == model.Flat; i++ {
		if err := e.OnBar(mkBar("QQQ", i, 100+float64(i)*0.5)); err != nil {
			t.Fatalf("QQQ bar %d rejected: %v", i, err)
		}
		drain(e)
	}
	if e.OpenDirection("QQQ", 300) != model.Long {
		t.Error("entry never delivered after the channel drained")
	}
}

func TestEngine_ReplayIsDeterministic(t *testing.T) {
	mk := func() []SizedSignal {
		e := New(testConfig(), barstore.New(), testLogger())
		for i := 0; i < 60; i++ {
			c := 100 + float64(i)*0.5
			if i > 40 {
				c = 120 - float64(i-40)*3
			}
			e.OnBar(mkBar("SPY", i, c))
		}
		return drain(e)
	}

	a, b := mk(), mk()
	if len(a) != len(b) {
		t.Fatalf("replay produced %d vs %d signals", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("signal %d differs:\n%+v\n%+v", i, a[i], b[i])
		}
	}
}

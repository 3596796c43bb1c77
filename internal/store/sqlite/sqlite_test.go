package sqlite

import (
	"path/filepath"
	"testing"
	"time"

	"phase-enginev1/internal/model"
	"phase-enginev1/internal/risk"
)

func testBar(symbol string, tf int, ts int64, close float64) model.Bar {
	return model.Bar{
		Symbol: symbol,
		TF:     tf,
		TS:     time.Unix(ts, 0).UTC(),
		Open:   close - 0.5,
		High:   close + 0.5,
		Low:    close - 1,
		Close:  close,
		Volume: 1000,
	}
}

func TestWriterReader_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bars.db")

	w, err := New(WriterConfig{DBPath: path})
	if err != nil {
		t.Fatalf("writer init: %v", err)
	}
	defer w.Close()

	bars := []model.Bar{
		testBar("SPY", 300, 1700000000, 450.10),
		testBar("SPY", 300, 1700000300, 450.55),
		testBar("SPY", 300, 1700000600, 451.00),
		testBar("QQQ", 300, 1700000000, 380.00),
	}
	if err := w.InsertBars(bars); err != nil {
		t.Fatalf("insert: %v", err)
	}

	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("reader init: %v", err)
	}
	defer r.Close()

	got, err := r.LoadBars("SPY", 300, 0)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("loaded %d bars, want 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if !got[i].TS.After(got[i-1].TS) {
			t.Errorf("bars not ascending at %d: %v then %v", i, got[i-1].TS, got[i].TS)
		}
	}
	if got[2].Close != 451.00 || got[2].Volume != 1000 {
		t.Errorf("bar fields lost: %+v", got[2])
	}

	// afterTS filter excludes the first bar.
	got, err = r.LoadBars("SPY", 300, 1700000000)
	if err != nil {
		t.Fatalf("load after: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("loaded %d bars after cutoff, want 2", len(got))
	}
}

func TestWriter_UpsertReplacesBar(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bars.db")
	w, err := New(WriterConfig{DBPath: path})
	if err != nil {
		t.Fatalf("writer init: %v", err)
	}
	defer w.Close()

	if err := w.InsertBars([]model.Bar{testBar("SPY", 300, 1700000000, 450.00)}); err != nil {
		t.Fatal(err)
	}
	// Same (symbol, tf, ts) amends in place.
	if err := w.InsertBars([]model.Bar{testBar("SPY", 300, 1700000000, 449.50)}); err != nil {
		t.Fatal(err)
	}

	r, err := NewReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	got, err := r.LoadBars("SPY", 300, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Close != 449.50 {
		t.Errorf("upsert failed: %+v", got)
	}
}

func TestLastTimestampAndSymbols(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bars.db")
	w, err := New(WriterConfig{DBPath: path})
	if err != nil {
		t.Fatalf("writer init: %v", err)
	}
	defer w.Close()

	ts, err := w.LastTimestamp("SPY", 300)
	if err != nil || ts != 0 {
		t.Fatalf("empty store LastTimestamp = %d, %v; want 0, nil", ts, err)
	}

	w.InsertBars([]model.Bar{
		testBar("SPY", 300, 1700000000, 450),
		testBar("SPY", 300, 1700000300, 451),
		testBar("SPY", 900, 1700000900, 452),
	})

	ts, err = w.LastTimestamp("SPY", 300)
	if err != nil || ts != 1700000300 {
		t.Errorf("LastTimestamp = %d, %v; want 1700000300", ts, err)
	}

	r, err := NewReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	syms, err := r.Symbols()
	if err != nil {
		t.Fatal(err)
	}
	if len(syms["SPY"]) != 2 {
		t.Errorf("SPY tfs = %v, want [300 900]", syms["SPY"])
	}
}

func TestInsertSignal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bars.db")
	w, err := New(WriterConfig{DBPath: path})
	if err != nil {
		t.Fatalf("writer init: %v", err)
	}
	defer w.Close()

	sig := model.Signal{
		Symbol:       "SPY",
		TF:           300,
		Kind:         model.LongEntry,
		TriggerPrice: 450.10,
		StopPrice:    449.95,
		GeneratedAt:  time.Unix(1700000300, 0).UTC(),
		Reason:       "price rejoined fast EMA with SAR support",
	}
	size := risk.SizeResult{Quantity: 6666, StopDistance: 0.15, RiskAmount: 1000}
	if err := w.InsertSignal(sig, size); err != nil {
		t.Fatalf("insert signal: %v", err)
	}

	var kind string
	var qty int64
	err = w.DB().QueryRow(`SELECT kind, quantity FROM signals WHERE symbol = 'SPY'`).Scan(&kind, &qty)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if kind != "LONG_ENTRY" || qty != 6666 {
		t.Errorf("stored kind=%s qty=%d", kind, qty)
	}
}

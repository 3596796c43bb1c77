// Command backtest replays stored bars from SQLite through the full
// indicator/phase/signal pipeline, printing every emitted signal and a
// phase-occupancy summary. No network access is required.
//
// Usage:
//
//	go run ./cmd/backtest --db=data/bars.db --symbol=SPY --tf=300
package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"

	"phase-enginev1/config"
	"phase-enginev1/internal/barstore"
	"phase-enginev1/internal/engine"
	"phase-enginev1/internal/phase"
	sqlitestore "phase-enginev1/internal/store/sqlite"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	dbPath := flag.String("db", "data/bars.db", "Path to SQLite database")
	symbol := flag.String("symbol", "", "Symbol to replay (default: all stored)")
	tf := flag.Int("tf", 300, "Timeframe in seconds")
	fromTS := flag.Int64("from", 0, "Unix timestamp to start replay from (0=all)")
	strategyPath := flag.String("strategy", "strategy.yaml", "Strategy YAML (defaults apply if missing)")
	flag.Parse()

	strategy, err := config.LoadStrategy(*strategyPath)
	if err != nil {
		log.Fatalf("[backtest] strategy config: %v", err)
	}

	reader, err := sqlitestore.NewReader(*dbPath)
	if err != nil {
		log.Fatalf("[backtest] sqlite open failed: %v", err)
	}
	defer reader.Close()

	symbols := []string{*symbol}
	if *symbol == "" {
		stored, err := reader.Symbols()
		if err != nil {
			log.Fatalf("[backtest] list symbols failed: %v", err)
		}
		symbols = symbols[:0]
		for sym, tfs := range stored {
			for _, storedTF := range tfs {
				if storedTF == *tf {
					symbols = append(symbols, sym)
					break
				}
			}
		}
	}
	if len(symbols) == 0 {
		log.Fatalf("[backtest] no stored series for tf=%ds", *tf)
	}

	// Quiet logger: the replay output is the product here.
	slogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	store := barstore.New()
	eng := engine.New(strategy, store, slogger)

	transitions := 0
	phaseBars := map[phase.Phase]int{}
	eng.OnPhaseChange = func(sym string, _ int, from, to phase.State) {
		transitions++
		fmt.Printf("[%s] %s  %s -> %s (%s)\n",
			to.EnteredAt.Format("2006-01-02 15:04"), sym, from.Phase, to.Phase, to.Dir)
	}

	processed := 0
	signals := 0
	for _, sym := range symbols {
		bars, err := reader.LoadBars(sym, *tf, *fromTS)
		if err != nil {
			log.Fatalf("[backtest] load %s failed: %v", sym, err)
		}

		for _, bar := range bars {
			if err := eng.OnBar(bar); err != nil {
				log.Printf("[backtest] %s bar rejected: %v", sym, err)
				continue
			}
			processed++
			if st, ok := eng.PhaseState(sym, *tf); ok {
				phaseBars[st.Phase]++
			}

			drainSignals(eng, &signals)
		}
	}
	drainSignals(eng, &signals)

	fmt.Println()
	fmt.Printf("bars processed:    %d\n", processed)
	fmt.Printf("phase transitions: %d\n", transitions)
	fmt.Printf("signals emitted:   %d\n", signals)
	for _, p := range []phase.Phase{phase.Trending, phase.Pullback, phase.Emerging, phase.Unordered} {
		if n := phaseBars[p]; n > 0 {
			fmt.Printf("  %-10s %6d bars (%.1f%%)\n", p, n, 100*float64(n)/float64(processed))
		}
	}
}

func drainSignals(eng *engine.Engine, count *int) {
	for {
		select {
		case sized := <-eng.Signals():
			*count++
			fmt.Printf("[%s] %s  %s @ %.2f stop %.2f qty %d risk %.2f\n",
				sized.Signal.GeneratedAt.Format("2006-01-02 15:04"),
				sized.Signal.Symbol, sized.Signal.Kind,
				sized.Signal.TriggerPrice, sized.Signal.StopPrice,
				sized.Size.Quantity, sized.Size.RiskAmount)
		default:
			return
		}
	}
}

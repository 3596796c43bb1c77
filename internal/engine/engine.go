// Package engine coordinates the per-bar pipeline: bar store append,
// indicator computation, phase classification, signal generation and risk
// sizing. It owns all per-symbol mutable state (phase, carried SAR, open
// position direction), keeping the downstream stages pure.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"phase-enginev1/internal/barstore"
	"phase-enginev1/internal/indicator"
	"phase-enginev1/internal/model"
	"phase-enginev1/internal/phase"
	"phase-enginev1/internal/risk"
	"phase-enginev1/internal/signal"
)

// Config assembles the stage configurations.
type Config struct {
	Indicator indicator.Config `yaml:"indicator"`
	Phase     phase.Config     `yaml:"phase"`
	Signal    signal.Config    `yaml:"signal"`
	Risk      risk.Parameters  `yaml:"risk"`

	// WindowSize is the number of bars handed to the indicator pipeline per
	// bar. Raised to Indicator.MinBars() when smaller.
	WindowSize int `yaml:"window_size"`

	// SignalBuffer is the capacity of the outbound signal channel.
	// Defaults to 256.
	SignalBuffer int `yaml:"signal_buffer"`
}

// SizedSignal is an emitted signal with its risk sizing. Exit signals carry
// a zero SizeResult: they close whatever quantity is open.
type SizedSignal struct {
	Signal model.Signal
	Size   risk.SizeResult
	Phase  phase.State
}

// symbolState is the per-series mutable state. Owned exclusively by the
// engine; one bar per series is processed at a time.
type symbolState struct {
	phase   phase.State
	sar     *indicator.SARState
	openDir model.Direction
}

// Engine runs the classification pipeline.
type Engine struct {
	cfg        Config
	log        *slog.Logger
	store      *barstore.Store
	classifier *phase.Classifier
	gen        *signal.Generator

	mu     sync.Mutex
	states map[string]*symbolState

	sigCh chan SizedSignal

	// Optional hooks for metrics and notification.
	OnPhaseChange   func(symbol string, tf int, from, to phase.State)
	OnDroppedSignal func(sig SizedSignal)
	OnBarRejected   func(err error)
	OnCompute       func(d time.Duration)
}

// New builds an engine around a bar store.
func New(cfg Config, store *barstore.Store, log *slog.Logger) *Engine {
	if min := cfg.Indicator.MinBars(); cfg.WindowSize < min {
		cfg.WindowSize = min
	}
	if cfg.SignalBuffer <= 0 {
		cfg.SignalBuffer = 256
	}
	return &Engine{
		cfg:        cfg,
		log:        log,
		store:      store,
		classifier: phase.NewClassifier(cfg.Phase),
		gen:        signal.NewGenerator(cfg.Signal),
		states:     make(map[string]*symbolState),
		sigCh:      make(chan SizedSignal, cfg.SignalBuffer),
	}
}

// Signals returns the outbound signal channel. Each signal is delivered at
// most once; a full channel drops the signal through OnDroppedSignal.
func (e *Engine) Signals() <-chan SizedSignal { return e.sigCh }

// Run consumes bars until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, barCh <-chan model.Bar) {
	for {
		select {
		case <-ctx.Done():
			return
		case bar, ok := <-barCh:
			if !ok {
				return
			}
			if err := e.OnBar(bar); err != nil {
				e.log.Warn("bar rejected", "symbol", bar.Symbol, "err", err)
				if e.OnBarRejected != nil {
					e.OnBarRejected(err)
				}
			}
		}
	}
}

// OnBar processes one bar through the full pipeline. Data errors are
// returned to the caller and never affect other symbols' state.
func (e *Engine) OnBar(bar model.Bar) error {
	if err := e.store.Append(bar); err != nil {
		return err
	}

	win, err := e.store.Window(bar.Symbol, bar.TF, e.cfg.WindowSize)
	if err != nil {
		var ins *barstore.InsufficientDataError
		if errors.As(err, &ins) {
			return nil // still warming up
		}
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	key := model.SeriesKey(bar.Symbol, bar.TF)
	st, ok := e.states[key]
	if !ok {
		st = &symbolState{}
		e.states[key] = st
	}

	computeStart := time.Now()
	snap, sar, err := indicator.Compute(win, e.cfg.Indicator, st.sar)
	if err != nil {
		return err
	}
	st.sar = &sar
	if e.OnCompute != nil {
		e.OnCompute(time.Since(computeStart))
	}

	prev := st.phase
	st.phase = e.classifier.Classify(snap, bar.Close, bar.TS, prev)
	if st.phase.Phase != prev.Phase || st.phase.Dir != prev.Dir {
		e.log.Info("phase change",
			"symbol", bar.Symbol, "tf", bar.TF,
			"from", prev.Phase.String(), "to", st.phase.Phase.String(),
			"dir", st.phase.Dir.String())
		if e.OnPhaseChange != nil {
			e.OnPhaseChange(bar.Symbol, bar.TF, prev, st.phase)
		}
	}

	// Exit first: a SAR flip closes the open position before any re-entry
	// is considered on the same bar.
	if st.openDir != model.Flat {
		if sig, ok := e.gen.Exit(bar, snap, st.openDir); ok {
			e.emit(SizedSignal{Signal: sig, Phase: st.phase})
			st.openDir = model.Flat
		}
	}

	// No stacked entries per symbol: the engine owns open-position state
	// precisely so the stateless generator stays idempotent per position.
	if st.openDir != model.Flat {
		return nil
	}

	sigs, err := e.gen.Entries(bar, snap, st.phase)
	if err != nil {
		return err
	}
	for _, sig := range sigs {
		size, err := risk.Size(sig, e.cfg.Risk, e.openCountLocked())
		if err != nil {
			var pl *risk.PositionLimitError
			if errors.As(err, &pl) {
				e.log.Debug("entry skipped at position limit", "symbol", sig.Symbol)
				continue
			}
			// Degenerate signal: discard, never retry.
			e.log.Warn("signal discarded", "symbol", sig.Symbol, "err", err)
			continue
		}
		if !e.emit(SizedSignal{Signal: sig, Size: size, Phase: st.phase}) {
			continue
		}
		if sig.Kind == model.LongEntry {
			st.openDir = model.Long
		} else {
			st.openDir = model.Short
		}
	}
	return nil
}

// Backfill merges historical bars and cold-restarts the carried SAR state so
// the next compute derives it from the amended window.
func (e *Engine) Backfill(symbol string, tf int, bars []model.Bar) (int, error) {
	n, err := e.store.MergeBackfill(symbol, tf, bars)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	if st, ok := e.states[model.SeriesKey(symbol, tf)]; ok {
		st.sar = nil
	}
	e.mu.Unlock()
	return n, nil
}

// PhaseState returns the current classification for a series.
func (e *Engine) PhaseState(symbol string, tf int) (phase.State, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[model.SeriesKey(symbol, tf)]
	if !ok {
		return phase.State{}, false
	}
	return st.phase, true
}

// OpenDirection returns the engine's view of the open position for a series.
func (e *Engine) OpenDirection(symbol string, tf int) model.Direction {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.states[model.SeriesKey(symbol, tf)]; ok {
		return st.openDir
	}
	return model.Flat
}

// openCountLocked counts series with an open position. Callers hold e.mu.
func (e *Engine) openCountLocked() int {
	n := 0
	for _, st := range e.states {
		if st.openDir != model.Flat {
			n++
		}
	}
	return n
}

// emit reports whether the signal reached the channel; callers must not
// account for a position no consumer will ever see.
func (e *Engine) emit(s SizedSignal) bool {
	select {
	case e.sigCh <- s:
		return true
	default:
		e.log.Warn("signal channel full, dropping signal",
			"symbol", s.Signal.Symbol, "kind", s.Signal.Kind.String())
		if e.OnDroppedSignal != nil {
			e.OnDroppedSignal(s)
		}
		return false
	}
}

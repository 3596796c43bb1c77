// Command phaseengine is the live service: it streams bars over WebSocket,
// runs the indicator/phase/signal pipeline, persists bars and signals to
// Redis and SQLite, and serves Prometheus metrics and health endpoints.
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"phase-enginev1/config"
	"phase-enginev1/internal/barstore"
	"phase-enginev1/internal/engine"
	"phase-enginev1/internal/history"
	"phase-enginev1/internal/logger"
	"phase-enginev1/internal/metrics"
	"phase-enginev1/internal/model"
	"phase-enginev1/internal/notification"
	"phase-enginev1/internal/phase"
	redisstore "phase-enginev1/internal/store/redis"
	sqlitestore "phase-enginev1/internal/store/sqlite"
	"phase-enginev1/internal/stream"
)

func main() {
	// Local development convenience; in production the env comes from the
	// process manager.
	_ = godotenv.Load()

	cfg := config.Load()
	slogger := logger.Init("phaseengine", slog.LevelInfo)
	slogger.Info("starting", "symbols", cfg.Symbols, "tf", cfg.TF)

	strategy, err := config.LoadStrategy(cfg.StrategyPath)
	if err != nil {
		log.Fatalf("[phaseengine] strategy config: %v", err)
	}

	symbols := cfg.ParseSymbols()
	if len(symbols) == 0 {
		log.Fatalf("[phaseengine] no symbols configured")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- Metrics & health ----
	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	health.SetSymbols(symbols)
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	// ---- SQLite (durable store, off the hot path) ----
	os.MkdirAll("data", 0o755)
	sqlWriter, err := sqlitestore.New(sqlitestore.WriterConfig{DBPath: cfg.SQLitePath})
	if err != nil {
		log.Fatalf("[phaseengine] sqlite init: %v", err)
	}
	defer sqlWriter.Close()
	sqlWriter.OnCommit = func(n int, d time.Duration) { prom.SQLiteCommitDur.Observe(d.Seconds()) }
	health.SetSQLiteOK(true)

	// ---- Redis (cache + pubsub), circuit-breaker protected ----
	var buffered *redisstore.BufferedWriter
	redisWriter, err := redisstore.New(redisstore.WriterConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		slogger.Warn("redis unavailable, continuing without cache", "err", err)
		health.SetRedisConnected(false)
	} else {
		health.SetRedisConnected(true)
		cb := redisstore.NewCircuitBreaker(5, 10*time.Second)
		cb.OnStateChange = func(from, to redisstore.State) {
			prom.RedisCircuitBreakerState.Set(float64(to))
			if to == redisstore.StateOpen {
				prom.RedisCircuitBreakerTrips.Inc()
			}
			slogger.Warn("redis circuit breaker transition", "from", from.String(), "to", to.String())
		}
		redisWriter.OnWrite = func(d time.Duration) { prom.RedisWriteDur.Observe(d.Seconds()) }
		buffered = redisstore.NewBufferedWriter(ctx, redisWriter, cb, 10000)
		buffered.OnBuffer = func() { prom.RedisBufferedWrites.Inc() }
	}

	if redisWriter != nil {
		health.StartLivenessChecker(ctx, redisWriter.Client(), sqlWriter.DB(), 10*time.Second)
	} else {
		health.StartLivenessChecker(ctx, nil, sqlWriter.DB(), 10*time.Second)
	}

	// ---- Notifications ----
	notifier := buildNotifier(slogger)

	// ---- Engine ----
	store := barstore.New()
	eng := engine.New(strategy, store, slogger)
	eng.OnPhaseChange = func(symbol string, tf int, from, to phase.State) {
		prom.PhaseTransitions.WithLabelValues(to.Phase.String()).Inc()
		if buffered != nil {
			buffered.Underlying().WritePhase(ctx, symbol, tf, to)
		}
	}
	eng.OnDroppedSignal = func(s engine.SizedSignal) {
		prom.SignalsDropped.Inc()
	}
	eng.OnBarRejected = func(err error) {
		prom.BarsRejected.Inc()
	}
	eng.OnCompute = func(d time.Duration) {
		prom.IndicatorComputeDur.Observe(d.Seconds())
	}
	health.SetEngineOK(true)

	// ---- Warm start: replay stored bars, then fill the gap from history ----
	histClient := history.NewClient(history.Config{
		BaseURL:    cfg.HistoryURL,
		APIKey:     cfg.APIKey,
		APISecret:  cfg.APISecret,
		TOTPSecret: cfg.TOTPSecret,
	}, slogger)

	sqlReader, err := sqlitestore.NewReader(cfg.SQLitePath)
	if err != nil {
		log.Fatalf("[phaseengine] sqlite reader: %v", err)
	}
	defer sqlReader.Close()

	var cache cacheReader
	if redisWriter != nil {
		redisReader, err := redisstore.NewReader(redisstore.ReaderConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			slogger.Warn("redis reader unavailable, warm start from sqlite only", "err", err)
		} else {
			defer redisReader.Close()
			cache = redisReader
		}
	}

	for _, sym := range symbols {
		warmStart(ctx, slogger, eng, cache, sqlReader, sqlWriter, histClient, strategy, sym, cfg.TF)
	}

	// ---- Stream manager ----
	mgr := stream.NewManager(stream.Config{
		URL:       cfg.StreamURL,
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
		TF:        cfg.TF,
	}, slogger)
	mgr.OnReconnect = func() {
		prom.WSReconnects.Inc()
		health.SetStreamConnected(false)
	}
	mgr.OnMalformed = func(err error) {
		prom.MalformedMessages.Inc()
	}
	mgr.OnDroppedBar = func(bar model.Bar) {
		prom.DroppedBars.Inc()
	}
	mgr.Subscribe(symbols...)

	// Poll the connection state into metrics; the hooks only see edges.
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		var lastOverflow uint64
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st := mgr.State()
				prom.StreamState.Set(float64(st))
				health.SetStreamConnected(st == stream.Subscribed)
				if of := mgr.Overflow(); of > lastOverflow {
					prom.RingBufOverflow.Add(float64(of - lastOverflow))
					lastOverflow = of
				}
			}
		}
	}()

	// ---- Pipeline channels ----
	streamCh := make(chan model.Bar, 5000)
	engineCh := make(chan model.Bar, 5000)
	sqliteCh := make(chan model.Bar, 5000)

	go sqlWriter.Run(ctx, sqliteCh)
	go eng.Run(ctx, engineCh)

	// Tee inbound bars to the engine and both stores. The engine send blocks
	// (it is the reason the process exists); store sends never block the
	// pipeline.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case bar, ok := <-streamCh:
				if !ok {
					return
				}
				prom.BarsTotal.Inc()
				prom.BarLag.Set(time.Since(bar.TS).Seconds())
				health.SetLastBarTime(bar.TS)

				select {
				case engineCh <- bar:
				case <-ctx.Done():
					return
				}
				select {
				case sqliteCh <- bar:
				default:
					prom.DroppedBars.Inc()
				}
				if buffered != nil {
					buffered.WriteBar(bar)
				}
			}
		}
	}()

	// ---- Signal consumer ----
	go func() {
		for sized := range eng.Signals() {
			prom.SignalsTotal.WithLabelValues(sized.Signal.Kind.String()).Inc()
			if buffered != nil {
				buffered.WriteSignal(sized.Signal, sized.Size)
			}
			if err := sqlWriter.InsertSignal(sized.Signal, sized.Size); err != nil {
				slogger.Error("signal persist failed", "err", err)
			}
			alert := notification.FromSignal(sized.Signal, sized.Size)
			if err := notifier.Send(ctx, alert); err != nil {
				slogger.Error("notification failed", "symbol", sized.Signal.Symbol, "err", err)
			}
		}
	}()

	// ---- Daily backfill reconciliation ----
	c := cron.New()
	if _, err := c.AddFunc(cfg.BackfillCron, func() {
		for _, sym := range symbols {
			backfillGap(ctx, slogger, eng, sqlWriter, histClient, sym, cfg.TF)
		}
	}); err != nil {
		log.Fatalf("[phaseengine] bad backfill cron %q: %v", cfg.BackfillCron, err)
	}
	c.Start()
	defer c.Stop()

	// ---- Run the stream until shutdown or permanent failure ----
	streamErr := make(chan error, 1)
	go func() {
		streamErr <- mgr.Run(ctx, streamCh)
	}()

	select {
	case <-sigCh:
		slogger.Info("shutdown signal received")
	case err := <-streamErr:
		var unavailable *stream.StreamUnavailableError
		if errors.As(err, &unavailable) {
			slogger.Error("stream permanently unavailable", "attempts", unavailable.Attempts, "err", err)
			notifier.Send(context.Background(), notification.StreamDown(err))
			health.SetEngineOK(false)
		} else if err != nil {
			slogger.Error("stream stopped", "err", err)
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Stop(shutdownCtx)
	if redisWriter != nil {
		redisWriter.Close()
	}
	slogger.Info("stopped")
}

// cacheReader is the warm-start view of the Redis reader.
type cacheReader interface {
	RecentBars(ctx context.Context, symbol string, tf, n int) ([]model.Bar, error)
}

// durableReader is the warm-start view of the SQLite reader.
type durableReader interface {
	LoadBars(symbol string, tf int, afterTS int64) ([]model.Bar, error)
}

// loadWarmBars returns the stored bars to replay on startup, preferring the
// Redis cache and falling back to SQLite when the cache is cold or down.
func loadWarmBars(ctx context.Context, log *slog.Logger, cache cacheReader, durable durableReader, symbol string, tf, n int, cutoff int64) []model.Bar {
	if cache != nil {
		bars, err := cache.RecentBars(ctx, symbol, tf, n)
		if err != nil {
			log.Warn("cache warm start failed, falling back to sqlite", "symbol", symbol, "err", err)
		} else if len(bars) > 0 {
			return bars
		}
	}
	bars, err := durable.LoadBars(symbol, tf, cutoff)
	if err != nil {
		log.Error("warm start load failed", "symbol", symbol, "err", err)
		return nil
	}
	return bars
}

// warmStart replays stored bars into the engine and fetches any bars missed
// since the last run from the history API.
func warmStart(ctx context.Context, log *slog.Logger, eng *engine.Engine, cache cacheReader, reader durableReader, writer *sqlitestore.Writer, hist *history.Client, strategy engine.Config, symbol string, tf int) {
	// Replay the most recent window plus slack; older bars do not affect
	// the carried indicator state enough to matter.
	need := strategy.Indicator.MinBars() * 3
	cutoff := time.Now().Add(-time.Duration(need*tf) * time.Second).Unix()

	stored := loadWarmBars(ctx, log, cache, reader, symbol, tf, need, cutoff)
	if len(stored) > 0 {
		if n, err := eng.Backfill(symbol, tf, stored); err != nil {
			log.Error("warm start replay failed", "symbol", symbol, "err", err)
		} else {
			log.Info("warm start replayed", "symbol", symbol, "bars", n)
		}
	}

	backfillGap(ctx, log, eng, writer, hist, symbol, tf)
}

// backfillGap fetches bars between the last stored timestamp and now and
// feeds them through the engine's backfill path.
func backfillGap(ctx context.Context, log *slog.Logger, eng *engine.Engine, writer *sqlitestore.Writer, hist *history.Client, symbol string, tf int) {
	lastTS, err := writer.LastTimestamp(symbol, tf)
	if err != nil {
		log.Error("backfill last timestamp failed", "symbol", symbol, "err", err)
		return
	}

	start := time.Unix(lastTS, 0).Add(time.Duration(tf) * time.Second)
	if lastTS == 0 {
		start = time.Now().Add(-24 * time.Hour)
	}
	end := time.Now()
	if !start.Before(end) {
		return
	}

	bars, err := hist.Bars(ctx, symbol, tf, start, end)
	if err != nil {
		var noData *history.NoDataAvailableError
		if errors.As(err, &noData) {
			log.Info("no history to backfill", "symbol", symbol)
			return
		}
		log.Error("history fetch failed", "symbol", symbol, "err", err)
		return
	}

	if err := writer.InsertBars(bars); err != nil {
		log.Error("backfill persist failed", "symbol", symbol, "err", err)
	}
	if n, err := eng.Backfill(symbol, tf, bars); err != nil {
		log.Error("backfill merge failed", "symbol", symbol, "err", err)
	} else {
		log.Info("backfilled", "symbol", symbol, "fetched", len(bars), "merged", n)
	}
}

// buildNotifier picks the notification channel from the environment:
// Telegram when bot credentials are set, a webhook when a URL is set,
// otherwise log-only.
func buildNotifier(log *slog.Logger) notification.Notifier {
	if token, chatID := os.Getenv("TELEGRAM_BOT_TOKEN"), os.Getenv("TELEGRAM_CHAT_ID"); token != "" && chatID != "" {
		log.Info("notifications via telegram")
		return notification.NewTelegramNotifier(token, chatID)
	}
	if url := os.Getenv("WEBHOOK_URL"); url != "" {
		log.Info("notifications via webhook", "url", url)
		return notification.NewWebhookNotifier(url)
	}
	log.Info("notifications via log only")
	return notification.NewLogNotifier()
}

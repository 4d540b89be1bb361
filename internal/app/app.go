package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"funding-sniper/internal/alerts"
	"funding-sniper/internal/binance/rest"
	"funding-sniper/internal/binance/ws"
	"funding-sniper/internal/clock"
	"funding-sniper/internal/config"
	"funding-sniper/internal/engine"
	"funding-sniper/internal/exec"
	"funding-sniper/internal/history"
	"funding-sniper/internal/ledger"
	"funding-sniper/internal/market"
	"funding-sniper/internal/metrics"
	"funding-sniper/internal/reconcile"
	"funding-sniper/internal/selector"
	"funding-sniper/internal/spread"

	"go.uber.org/zap"
)

// App owns every component and drives the engine from a single foreground
// loop. The engine itself never starts goroutines; all liveness lives here.
type App struct {
	cfg        *config.Config
	log        *zap.Logger
	store      *ledger.Store
	rest       *rest.Client
	ws         *ws.Client
	clock      *clock.Synchronizer
	feed       *market.Feed
	spreads    *spread.Cache
	selector   *selector.Selector
	executor   *exec.Executor
	engine     *engine.Engine
	reconciler *reconcile.Reconciler
	trades     *ledger.Worker
	history    *history.Writer
	metrics    *metrics.Metrics
	prom       *metrics.Prometheus
	alerts     *alerts.Telegram
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	apiKey := strings.TrimSpace(os.Getenv("BINANCE_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("BINANCE_API_KEY is required")
	}
	apiSecret := strings.TrimSpace(os.Getenv("BINANCE_API_SECRET"))
	if apiSecret == "" {
		return nil, errors.New("BINANCE_API_SECRET is required")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Ledger.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := ledger.NewStore(cfg.Ledger.SQLitePath)
	if err != nil {
		return nil, err
	}

	m := metrics.NewNoop()
	var prom *metrics.Prometheus
	if cfg.Metrics.Enabled {
		prom = metrics.NewPrometheus()
		m = prom.Metrics
	}

	restClient := rest.New(cfg.REST.BaseURL, apiKey, apiSecret, cfg.REST.Timeout, cfg.REST.RequestsPerSec, log)
	wsClient := ws.New(cfg.WS.URL, cfg.WS.ReconnectDelay, cfg.WS.PingInterval, cfg.WS.ReadTimeout, log)
	wsClient.OnReconnect(m.FeedReconnects.Inc)
	sync := clock.New(restClient, cfg.Clock.SyncInterval, cfg.Clock.RTTWarning, log)
	restClient.SetTimeSource(sync.Now)
	policy := market.NewPolicy(cfg.Symbols.Allow, cfg.Symbols.Deny)
	feed := market.NewFeed(wsClient, policy, sync, log)
	spreads := spread.NewCache(restClient, feed, cfg.Strategy.DefaultSpread, cfg.Strategy.SpreadTTL, cfg.Strategy.SpreadRefreshRate, m.SpreadRefreshes, log)
	sel := selector.New(feed, spreads, cfg.Strategy.MinFundingRate, cfg.Strategy.MaxSpread, log)
	executor := exec.New(restClient, m, log)

	trades := ledger.NewWorker(store, cfg.Ledger.QueueSize, m, log)
	hist, err := history.New(cfg.History, log)
	if err != nil {
		store.Close()
		return nil, err
	}
	var sink ledger.Sink = trades
	if hist != nil {
		sink = fanoutSink{worker: trades, history: hist}
	}

	eng := engine.New(engineParams(cfg), sync, sel, feed, executor, restClient, store, sink, m, log)
	rec := reconcile.New(reconcile.Params{
		Interval:          cfg.Reconcile.Interval,
		HotInterval:       cfg.Reconcile.HotInterval,
		HotWindow:         cfg.Reconcile.HotWindow,
		PositionTimeout:   cfg.Reconcile.PositionTimeout,
		QuantityTolerance: cfg.Close.QuantityTolerance,
	}, engineMachine{eng}, restClient, log)

	return &App{
		cfg:        cfg,
		log:        log,
		store:      store,
		rest:       restClient,
		ws:         wsClient,
		clock:      sync,
		feed:       feed,
		spreads:    spreads,
		selector:   sel,
		executor:   executor,
		engine:     eng,
		reconciler: rec,
		trades:     trades,
		history:    hist,
		metrics:    m,
		prom:       prom,
		alerts:     alerts.NewTelegram(cfg.Telegram, log),
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	if a.history != nil {
		defer a.history.Close()
	}

	// Every deadline downstream is measured against corrected time, so the
	// first sync must succeed before anything trades.
	if err := a.clock.Sync(ctx); err != nil {
		return err
	}
	offset, _ := a.clock.Offset()
	a.log.Info("clock synchronized", zap.Duration("offset", offset))
	a.clock.Start(ctx)

	if err := a.engine.Resume(ctx); err != nil {
		return err
	}

	if err := a.feed.Start(ctx); err != nil {
		return err
	}
	a.trades.Start(ctx)
	if a.history != nil {
		a.history.Start(ctx)
		go a.sampleLoop(ctx)
	}
	if a.prom != nil && a.cfg.Metrics.Listen != "" {
		go a.serveMetrics(ctx)
	}

	ticker := time.NewTicker(a.cfg.Strategy.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.trades.Wait()
			return ctx.Err()
		case <-ticker.C:
			now := a.clock.Now()
			action, err := a.engine.Evaluate(ctx, now)
			if err != nil {
				a.log.Warn("engine evaluate failed", zap.String("action", string(action)), zap.Error(err))
			}
			a.notify(ctx, action, err)
			if err := a.reconciler.Tick(ctx, a.clock.Now()); err != nil {
				a.log.Warn("reconcile tick failed", zap.Error(err))
			}
		}
	}
}

// notify pushes an operator alert for outcomes that may need hands-on
// attention. Routine entries and closes stay in the logs.
func (a *App) notify(ctx context.Context, action engine.Action, evalErr error) {
	var message string
	switch action {
	case engine.ActionForceClosed:
		message = "force close invoked"
		if evalErr != nil {
			message = fmt.Sprintf("force close failed: %v", evalErr)
		}
	case engine.ActionEntryAbandoned:
		if evalErr != nil {
			message = fmt.Sprintf("entry abandoned: %v", evalErr)
		}
	}
	if message == "" {
		return
	}
	if err := a.alerts.Send(ctx, message); err != nil {
		a.log.Warn("alert send failed", zap.Error(err))
	}
}

// sampleLoop mirrors the live funding table into the warehouse on a fixed
// cadence.
func (a *App) sampleLoop(ctx context.Context) {
	interval := a.cfg.History.SampleInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := a.clock.Now()
			for _, snap := range a.feed.Table() {
				a.history.EnqueueSample(history.FundingSample{
					Time:           now,
					Symbol:         snap.Symbol,
					FundingRate:    snap.FundingRate,
					MarkPrice:      snap.MarkPrice,
					Spread:         a.spreads.Get(snap.Symbol),
					NextSettlement: snap.NextSettlement,
				})
			}
		}
	}
}

func (a *App) serveMetrics(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.prom.Handler())
	srv := &http.Server{Addr: a.cfg.Metrics.Listen, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	a.log.Info("metrics listening", zap.String("addr", a.cfg.Metrics.Listen))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.log.Warn("metrics server stopped", zap.Error(err))
	}
}

func engineParams(cfg *config.Config) engine.Params {
	return engine.Params{
		MarginUSD:          cfg.Strategy.MarginUSD,
		Leverage:           cfg.Strategy.Leverage,
		EntryLead:          cfg.Strategy.EntryLead,
		EntryWindow:        cfg.Strategy.EntryWindow,
		EntryLockCooldown:  cfg.Strategy.EntryLockCooldown,
		MaxEntryRetry:      cfg.Strategy.MaxEntryRetry,
		EntryRetryInterval: cfg.Strategy.EntryRetryInterval,
		LeverageCacheTTL:   cfg.Strategy.LeverageCacheTTL,
		CloseStrategy:      engine.CloseStrategy(cfg.Close.Strategy),
		CloseLead:          cfg.Close.Lead,
		CloseDelay:         cfg.Close.DelayAfterEntry,
		MaxCloseRetry:      cfg.Close.MaxRetry,
		CloseRetryInterval: cfg.Close.RetryInterval,
		ForceCloseGrace:    cfg.Close.ForceCloseGrace,
		QuantityTolerance:  cfg.Close.QuantityTolerance,
		TradingHourStart:   cfg.Strategy.TradingHourStart,
		TradingHourEnd:     cfg.Strategy.TradingHourEnd,
	}
}

// engineMachine narrows the engine to the reconciler's view of it.
type engineMachine struct {
	eng *engine.Engine
}

func (m engineMachine) CloseInProgress() bool { return m.eng.CloseInProgress() }

func (m engineMachine) LocalPosition() (string, float64, bool) {
	pos, ok := m.eng.LocalPosition()
	if !ok {
		return "", 0, false
	}
	return pos.Symbol, pos.Quantity, true
}

func (m engineMachine) ApplyAuthoritative(auth rest.Position) { m.eng.ApplyAuthoritative(auth) }

func (m engineMachine) ClearFlat(reason string) { m.eng.ClearFlat(reason) }

func (m engineMachine) ForceCloseSymbol(ctx context.Context, symbol, reason string) error {
	_, err := m.eng.ForceCloseSymbol(ctx, symbol, reason)
	return err
}

func (m engineMachine) LastSettlement() time.Time { return m.eng.LastSettlement() }

// fanoutSink records a finished trade both to the local ledger and to the
// history warehouse.
type fanoutSink struct {
	worker  *ledger.Worker
	history *history.Writer
}

func (s fanoutSink) Record(trade ledger.TradeRecord) {
	s.worker.Record(trade)
	s.history.EnqueueTrade(trade)
}

package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"funding-sniper/internal/config"
	"funding-sniper/internal/ledger"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// FundingSample is one periodic observation of a symbol's funding state,
// written to the warehouse for offline threshold tuning.
type FundingSample struct {
	Time           time.Time
	Symbol         string
	FundingRate    float64
	MarkPrice      float64
	Spread         float64
	NextSettlement time.Time
}

// Writer mirrors funding samples and completed trades into Postgres. All
// enqueue paths are non-blocking: when the warehouse lags, samples drop and
// the bot keeps trading.
type Writer struct {
	db         *sql.DB
	log        *zap.Logger
	schema     string
	samples    chan FundingSample
	trades     chan ledger.TradeRecord
	started    atomic.Bool
	dropSample atomic.Uint64
	dropTrade  atomic.Uint64
}

func New(cfg config.HistoryConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("history dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	writer := &Writer{
		db:      db,
		log:     log,
		schema:  schema,
		samples: make(chan FundingSample, queueSize),
		trades:  make(chan ledger.TradeRecord, queueSize),
	}
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueueSample(sample FundingSample) {
	if w == nil {
		return
	}
	select {
	case w.samples <- sample:
		return
	default:
		if w.dropSample.Add(1) == 1 && w.log != nil {
			w.log.Warn("history sample queue full")
		}
	}
}

func (w *Writer) EnqueueTrade(trade ledger.TradeRecord) {
	if w == nil {
		return
	}
	select {
	case w.trades <- trade:
		return
	default:
		if w.dropTrade.Add(1) == 1 && w.log != nil {
			w.log.Warn("history trade queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sample := <-w.samples:
			w.writeSample(ctx, sample)
		case trade := <-w.trades:
			w.writeTrade(ctx, trade)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("history db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		symbol TEXT NOT NULL,
		funding_rate DOUBLE PRECISION NOT NULL,
		mark_price DOUBLE PRECISION NOT NULL,
		spread DOUBLE PRECISION NOT NULL,
		next_settlement TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (ts, symbol)
	)`, w.table("funding_samples"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		entry_ts TIMESTAMPTZ NOT NULL,
		exit_ts TIMESTAMPTZ NOT NULL,
		symbol TEXT NOT NULL,
		direction TEXT NOT NULL,
		quantity DOUBLE PRECISION NOT NULL,
		entry_price DOUBLE PRECISION NOT NULL,
		exit_price DOUBLE PRECISION NOT NULL,
		pnl DOUBLE PRECISION NOT NULL,
		funding_rate DOUBLE PRECISION NOT NULL,
		order_id BIGINT NOT NULL,
		retries INTEGER NOT NULL
	)`, w.table("trade_history"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescaledb extension ensure failed", zap.Error(err))
		}
		return nil
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("funding_samples"))); err != nil && w.log != nil {
		w.log.Warn("funding_samples hypertable create failed", zap.Error(err))
	}
	return nil
}

func (w *Writer) writeSample(ctx context.Context, sample FundingSample) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, symbol, funding_rate, mark_price, spread, next_settlement
	) VALUES (
		$1,$2,$3,$4,$5,$6
	)
	ON CONFLICT (ts, symbol) DO UPDATE SET
		funding_rate = EXCLUDED.funding_rate,
		mark_price = EXCLUDED.mark_price,
		spread = EXCLUDED.spread,
		next_settlement = EXCLUDED.next_settlement`, w.table("funding_samples"))
	if _, err := w.db.ExecContext(ctx, query,
		sample.Time,
		sample.Symbol,
		sample.FundingRate,
		sample.MarkPrice,
		sample.Spread,
		sample.NextSettlement,
	); err != nil && w.log != nil {
		w.log.Warn("funding sample insert failed", zap.Error(err))
	}
}

func (w *Writer) writeTrade(ctx context.Context, trade ledger.TradeRecord) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		entry_ts, exit_ts, symbol, direction, quantity, entry_price, exit_price, pnl, funding_rate, order_id, retries
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
	)`, w.table("trade_history"))
	if _, err := w.db.ExecContext(ctx, query,
		trade.EntryTime,
		trade.ExitTime,
		trade.Symbol,
		trade.Direction,
		trade.Quantity,
		trade.EntryPrice,
		trade.ExitPrice,
		trade.PnL,
		trade.FundingRate,
		trade.OrderID,
		trade.RetryCount,
	); err != nil && w.log != nil {
		w.log.Warn("trade history insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}

package ledger

import (
	"context"
	"sync"
	"time"

	"funding-sniper/internal/metrics"

	"go.uber.org/zap"
)

const insertTimeout = 3 * time.Second

// TradeWriter persists one finalized trade.
type TradeWriter interface {
	InsertTrade(ctx context.Context, trade TradeRecord) error
}

// Worker consumes finalized trades through a bounded queue and writes them
// in arrival order. The queue decouples post-close bookkeeping from the
// control loop's deadlines: when it fills up, trades are dropped and counted
// rather than stalling the caller.
type Worker struct {
	writer  TradeWriter
	queue   chan TradeRecord
	metrics *metrics.Metrics
	log     *zap.Logger

	startOnce sync.Once
	done      chan struct{}
}

func NewWorker(writer TradeWriter, queueSize int, m *metrics.Metrics, log *zap.Logger) *Worker {
	if queueSize <= 0 {
		queueSize = 64
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Worker{
		writer:  writer,
		queue:   make(chan TradeRecord, queueSize),
		metrics: m,
		log:     log,
		done:    make(chan struct{}),
	}
}

// Record enqueues one finalized trade without blocking.
func (w *Worker) Record(trade TradeRecord) {
	select {
	case w.queue <- trade:
	default:
		w.metrics.TradesDropped.Inc()
		w.log.Warn("ledger queue full, trade dropped",
			zap.String("symbol", trade.Symbol),
			zap.Int64("order_id", trade.OrderID),
		)
	}
}

// Start launches the consumer. It drains whatever is queued before
// returning when ctx is canceled.
func (w *Worker) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		go w.run(ctx)
	})
}

// Wait blocks until the consumer has exited.
func (w *Worker) Wait() {
	<-w.done
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case trade := <-w.queue:
			w.write(trade)
		case <-ctx.Done():
			for {
				select {
				case trade := <-w.queue:
					w.write(trade)
				default:
					return
				}
			}
		}
	}
}

func (w *Worker) write(trade TradeRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
	defer cancel()
	if err := w.writer.InsertTrade(ctx, trade); err != nil {
		w.log.Warn("trade insert failed",
			zap.String("symbol", trade.Symbol),
			zap.Int64("order_id", trade.OrderID),
			zap.Error(err),
		)
		return
	}
	w.metrics.TradesRecorded.Inc()
	w.log.Info("trade recorded",
		zap.String("symbol", trade.Symbol),
		zap.String("direction", trade.Direction),
		zap.Float64("quantity", trade.Quantity),
		zap.Float64("pnl", trade.PnL),
		zap.Int("retries", trade.RetryCount),
	)
}

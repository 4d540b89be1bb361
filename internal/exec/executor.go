package exec

import (
	"context"
	"errors"
	"time"

	"funding-sniper/internal/binance/rest"
	"funding-sniper/internal/metrics"

	"go.uber.org/zap"
)

// Request describes one market order. Close and force-close paths must set
// ReduceOnly so they can never flip or enlarge a position.
type Request struct {
	Symbol     string
	Side       string
	Quantity   float64
	ReduceOnly bool
}

// Fill is the measured result of a placement.
type Fill struct {
	OrderID     int64
	AvgPrice    float64
	ExecutedQty float64
	Latency     time.Duration
}

// OrderAPI is the venue call the executor wraps.
type OrderAPI interface {
	PlaceMarketOrder(ctx context.Context, symbol, side string, quantity float64, reduceOnly bool) (rest.Order, error)
}

// Executor is a thin, measured wrapper over order placement. It does not
// retry: retry policy belongs to the decision layer above it.
type Executor struct {
	api     OrderAPI
	metrics *metrics.Metrics
	log     *zap.Logger
}

func New(api OrderAPI, m *metrics.Metrics, log *zap.Logger) *Executor {
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Executor{api: api, metrics: m, log: log}
}

// Market submits one market order and measures its round trip.
func (e *Executor) Market(ctx context.Context, req Request) (Fill, error) {
	if req.Symbol == "" {
		return Fill{}, errors.New("order symbol is required")
	}
	if req.Side != rest.SideBuy && req.Side != rest.SideSell {
		return Fill{}, errors.New("order side must be BUY or SELL")
	}
	if req.Quantity <= 0 {
		return Fill{}, errors.New("order quantity must be > 0")
	}
	start := time.Now()
	order, err := e.api.PlaceMarketOrder(ctx, req.Symbol, req.Side, req.Quantity, req.ReduceOnly)
	latency := time.Since(start)
	e.metrics.OrderLatency.Observe(latency.Seconds())
	if err != nil {
		e.metrics.OrdersFailed.Inc()
		e.log.Warn("order placement failed",
			zap.String("symbol", req.Symbol),
			zap.String("side", req.Side),
			zap.Float64("quantity", req.Quantity),
			zap.Bool("reduce_only", req.ReduceOnly),
			zap.Duration("latency", latency),
			zap.Error(err),
		)
		return Fill{Latency: latency}, err
	}
	e.metrics.OrdersPlaced.Inc()
	e.log.Info("order placed",
		zap.String("symbol", req.Symbol),
		zap.String("side", req.Side),
		zap.Float64("quantity", req.Quantity),
		zap.Bool("reduce_only", req.ReduceOnly),
		zap.Int64("order_id", order.OrderID),
		zap.Float64("avg_price", order.AvgPrice),
		zap.Duration("latency", latency),
	)
	return Fill{
		OrderID:     order.OrderID,
		AvgPrice:    order.AvgPrice,
		ExecutedQty: order.ExecutedQty,
		Latency:     latency,
	}, nil
}

package exec

import (
	"context"
	"errors"
	"testing"

	"funding-sniper/internal/binance/rest"
	"funding-sniper/internal/metrics"

	"go.uber.org/zap"
)

type mockOrderAPI struct {
	order      rest.Order
	err        error
	calls      int
	lastSymbol string
	lastSide   string
	lastQty    float64
	lastReduce bool
}

func (m *mockOrderAPI) PlaceMarketOrder(ctx context.Context, symbol, side string, quantity float64, reduceOnly bool) (rest.Order, error) {
	m.calls++
	m.lastSymbol = symbol
	m.lastSide = side
	m.lastQty = quantity
	m.lastReduce = reduceOnly
	return m.order, m.err
}

type countingCounter struct {
	n int
}

func (c *countingCounter) Inc() { c.n++ }

type recordingObserver struct {
	values []float64
}

func (o *recordingObserver) Observe(v float64) { o.values = append(o.values, v) }

func testMetrics() (*metrics.Metrics, *countingCounter, *countingCounter, *recordingObserver) {
	m := metrics.NewNoop()
	placed := &countingCounter{}
	failed := &countingCounter{}
	latency := &recordingObserver{}
	m.OrdersPlaced = placed
	m.OrdersFailed = failed
	m.OrderLatency = latency
	return m, placed, failed, latency
}

func TestMarketSuccess(t *testing.T) {
	api := &mockOrderAPI{order: rest.Order{OrderID: 42, AvgPrice: 43001.5, ExecutedQty: 3}}
	m, placed, failed, latency := testMetrics()
	executor := New(api, m, zap.NewNop())

	fill, err := executor.Market(context.Background(), Request{Symbol: "BTCUSDT", Side: rest.SideBuy, Quantity: 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fill.OrderID != 42 || fill.AvgPrice != 43001.5 || fill.ExecutedQty != 3 {
		t.Fatalf("unexpected fill: %+v", fill)
	}
	if api.lastSymbol != "BTCUSDT" || api.lastSide != rest.SideBuy || api.lastQty != 3 || api.lastReduce {
		t.Fatalf("unexpected api call: %+v", api)
	}
	if placed.n != 1 || failed.n != 0 {
		t.Fatalf("unexpected counters: placed=%d failed=%d", placed.n, failed.n)
	}
	if len(latency.values) != 1 {
		t.Fatalf("expected 1 latency observation, got %d", len(latency.values))
	}
}

func TestMarketFailureCounts(t *testing.T) {
	api := &mockOrderAPI{err: errors.New("rejected")}
	m, placed, failed, _ := testMetrics()
	executor := New(api, m, zap.NewNop())

	if _, err := executor.Market(context.Background(), Request{Symbol: "BTCUSDT", Side: rest.SideSell, Quantity: 1, ReduceOnly: true}); err == nil {
		t.Fatalf("expected error")
	}
	if !api.lastReduce {
		t.Fatalf("reduce-only flag must pass through")
	}
	if placed.n != 0 || failed.n != 1 {
		t.Fatalf("unexpected counters: placed=%d failed=%d", placed.n, failed.n)
	}
}

func TestMarketValidation(t *testing.T) {
	api := &mockOrderAPI{}
	executor := New(api, nil, zap.NewNop())
	cases := []Request{
		{Side: rest.SideBuy, Quantity: 1},
		{Symbol: "BTCUSDT", Side: "HOLD", Quantity: 1},
		{Symbol: "BTCUSDT", Side: rest.SideBuy, Quantity: 0},
	}
	for _, req := range cases {
		if _, err := executor.Market(context.Background(), req); err == nil {
			t.Fatalf("expected validation error for %+v", req)
		}
	}
	if api.calls != 0 {
		t.Fatalf("invalid requests must never reach the venue, got %d calls", api.calls)
	}
}

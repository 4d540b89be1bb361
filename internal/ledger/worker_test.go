package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"funding-sniper/internal/metrics"

	"go.uber.org/zap"
)

type mockWriter struct {
	mu     sync.Mutex
	trades []TradeRecord
	err    error
}

func (m *mockWriter) InsertTrade(ctx context.Context, trade TradeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.trades = append(m.trades, trade)
	return nil
}

func (m *mockWriter) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.trades)
}

type countingCounter struct {
	mu sync.Mutex
	n  int
}

func (c *countingCounter) Inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *countingCounter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func TestWorkerWritesQueuedTrades(t *testing.T) {
	writer := &mockWriter{}
	recorded := &countingCounter{}
	m := metrics.NewNoop()
	m.TradesRecorded = recorded
	worker := NewWorker(writer, 8, m, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	worker.Start(ctx)
	worker.Record(TradeRecord{Symbol: "BTCUSDT", OrderID: 1})
	worker.Record(TradeRecord{Symbol: "ETHUSDT", OrderID: 2})

	deadline := time.Now().Add(2 * time.Second)
	for writer.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	worker.Wait()

	if writer.count() != 2 {
		t.Fatalf("expected 2 trades written, got %d", writer.count())
	}
	if recorded.count() != 2 {
		t.Fatalf("expected 2 recorded metric increments, got %d", recorded.count())
	}
}

func TestWorkerDrainsQueueOnShutdown(t *testing.T) {
	writer := &mockWriter{}
	worker := NewWorker(writer, 8, nil, zap.NewNop())

	// Queue before the consumer starts, then cancel immediately: the run
	// loop must still flush what is queued.
	worker.Record(TradeRecord{Symbol: "BTCUSDT", OrderID: 1})
	worker.Record(TradeRecord{Symbol: "ETHUSDT", OrderID: 2})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	worker.Start(ctx)
	worker.Wait()

	if writer.count() != 2 {
		t.Fatalf("expected queued trades flushed on shutdown, got %d", writer.count())
	}
}

func TestWorkerRecordDropsWhenFull(t *testing.T) {
	writer := &mockWriter{}
	dropped := &countingCounter{}
	m := metrics.NewNoop()
	m.TradesDropped = dropped
	worker := NewWorker(writer, 1, m, zap.NewNop())

	// No consumer running: the second record must drop, not block.
	done := make(chan struct{})
	go func() {
		worker.Record(TradeRecord{OrderID: 1})
		worker.Record(TradeRecord{OrderID: 2})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Record blocked on a full queue")
	}
	if dropped.count() != 1 {
		t.Fatalf("expected 1 dropped trade, got %d", dropped.count())
	}
}

func TestWorkerKeepsRunningOnWriteError(t *testing.T) {
	writer := &mockWriter{err: errors.New("disk full")}
	worker := NewWorker(writer, 8, nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	worker.Start(ctx)

	worker.Record(TradeRecord{OrderID: 1})
	time.Sleep(50 * time.Millisecond)

	writer.mu.Lock()
	writer.err = nil
	writer.mu.Unlock()
	worker.Record(TradeRecord{OrderID: 2})

	deadline := time.Now().Add(2 * time.Second)
	for writer.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	worker.Wait()
	if writer.count() != 1 {
		t.Fatalf("expected the post-error trade written, got %d", writer.count())
	}
}

package market

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"funding-sniper/internal/binance/ws"

	"go.uber.org/zap"
)

// FundingSnapshot is the live per-instrument view from the rate feed.
// Each feed batch overwrites a symbol's snapshot wholesale, last write wins.
type FundingSnapshot struct {
	Symbol         string
	FundingRate    float64
	MarkPrice      float64
	NextSettlement time.Time
	LastUpdate     time.Time
}

// Clock supplies corrected time for snapshot stamps.
type Clock interface {
	Now() time.Time
}

// Feed owns the funding-rate table. One background task receives the stream
// and applies batches; everything else reads through the accessors.
type Feed struct {
	ws     *ws.Client
	policy Policy
	clock  Clock
	log    *zap.Logger

	mu    sync.RWMutex
	table map[string]FundingSnapshot
}

func NewFeed(wsClient *ws.Client, policy Policy, clock Clock, log *zap.Logger) *Feed {
	return &Feed{
		ws:     wsClient,
		policy: policy,
		clock:  clock,
		log:    log,
		table:  make(map[string]FundingSnapshot),
	}
}

// Start subscribes to the market-wide mark-price stream and runs the read
// loop in the background. The ws client reconnects on its own.
func (f *Feed) Start(ctx context.Context) error {
	if f.ws == nil {
		return nil
	}
	if err := f.ws.Connect(ctx); err != nil {
		return err
	}
	sub := map[string]any{
		"method": "SUBSCRIBE",
		"params": []string{"!markPrice@arr"},
		"id":     1,
	}
	if err := f.ws.Subscribe(ctx, sub); err != nil {
		return err
	}
	go func() {
		_ = f.ws.Run(ctx, f.handleMessage)
	}()
	return nil
}

// Apply overwrites the snapshots for every policy-approved update in the
// batch. This is the feed's host-facing boundary operation.
func (f *Feed) Apply(batch []FundingSnapshot) {
	if len(batch) == 0 {
		return
	}
	now := f.clock.Now()
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, snap := range batch {
		if !f.policy.Allowed(snap.Symbol) {
			continue
		}
		snap.LastUpdate = now
		f.table[snap.Symbol] = snap
	}
}

// Snapshot returns one symbol's latest state.
func (f *Feed) Snapshot(symbol string) (FundingSnapshot, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	snap, ok := f.table[symbol]
	return snap, ok
}

// MarkPrice returns the latest mark price for one symbol.
func (f *Feed) MarkPrice(symbol string) (float64, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	snap, ok := f.table[symbol]
	if !ok || snap.MarkPrice <= 0 {
		return 0, false
	}
	return snap.MarkPrice, true
}

// Table returns a copy of every tracked snapshot.
func (f *Feed) Table() []FundingSnapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]FundingSnapshot, 0, len(f.table))
	for _, snap := range f.table {
		out = append(out, snap)
	}
	return out
}

// Size reports how many instruments the table currently tracks.
func (f *Feed) Size() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.table)
}

func (f *Feed) handleMessage(msg json.RawMessage) {
	batch, ok, err := ParseBatch(msg)
	if err != nil {
		f.log.Debug("feed decode error", zap.Error(err))
		return
	}
	if !ok {
		// Subscription acks and other non-payload frames are expected.
		return
	}
	f.Apply(batch)
}

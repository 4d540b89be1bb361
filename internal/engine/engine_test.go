package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"funding-sniper/internal/binance/rest"
	"funding-sniper/internal/exec"
	"funding-sniper/internal/ledger"
	"funding-sniper/internal/metrics"
	"funding-sniper/internal/selector"
	"funding-sniper/internal/state"

	"go.uber.org/zap"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type mockOpps struct {
	opp      selector.Opportunity
	ok       bool
	validate bool
}

func (m *mockOpps) Select(ctx context.Context, now time.Time) (selector.Opportunity, bool) {
	return m.opp, m.ok
}

func (m *mockOpps) Validate(ctx context.Context, opp selector.Opportunity, now time.Time) bool {
	return m.validate
}

type mockMarks struct {
	price float64
	ok    bool
}

func (m mockMarks) MarkPrice(symbol string) (float64, bool) { return m.price, m.ok }

type orderCall struct {
	req exec.Request
}

// mockOrders replays a scripted sequence of results; extra calls repeat the
// last entry.
type mockOrders struct {
	script []func(req exec.Request) (exec.Fill, error)
	calls  []orderCall
	clock  *testClock
	step   time.Duration
}

func (m *mockOrders) Market(ctx context.Context, req exec.Request) (exec.Fill, error) {
	m.calls = append(m.calls, orderCall{req: req})
	if m.clock != nil && m.step > 0 {
		m.clock.Advance(m.step)
	}
	idx := len(m.calls) - 1
	if idx >= len(m.script) {
		idx = len(m.script) - 1
	}
	return m.script[idx](req)
}

func fillOK(fill exec.Fill) func(exec.Request) (exec.Fill, error) {
	return func(exec.Request) (exec.Fill, error) { return fill, nil }
}

func fillErr(err error) func(exec.Request) (exec.Fill, error) {
	return func(exec.Request) (exec.Fill, error) { return exec.Fill{}, err }
}

type mockVenue struct {
	positions     []rest.Position
	positionsErr  error
	balance       float64
	tickerPrice   float64
	leverageCalls int
	leverageErr   error
}

func (m *mockVenue) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	m.leverageCalls++
	return m.leverageErr
}

func (m *mockVenue) TickerPrice(ctx context.Context, symbol string) (float64, error) {
	if m.tickerPrice <= 0 {
		return 0, errors.New("no ticker")
	}
	return m.tickerPrice, nil
}

func (m *mockVenue) Positions(ctx context.Context) ([]rest.Position, error) {
	if m.positionsErr != nil {
		return nil, m.positionsErr
	}
	return m.positions, nil
}

func (m *mockVenue) AvailableBalance(ctx context.Context, asset string) (float64, error) {
	return m.balance, nil
}

type memStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string]string)}
}

func (s *memStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.data[key]
	return value, ok, nil
}

func (s *memStore) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *memStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *memStore) Close() error { return nil }

type captureSink struct {
	mu     sync.Mutex
	trades []ledger.TradeRecord
}

func (s *captureSink) Record(trade ledger.TradeRecord) {
	s.mu.Lock()
	s.trades = append(s.trades, trade)
	s.mu.Unlock()
}

type countingCounter struct {
	n int
}

func (c *countingCounter) Inc() { c.n++ }

func testParams() Params {
	return Params{
		MarginUSD:          100,
		Leverage:           5,
		EntryLead:          5 * time.Second,
		EntryWindow:        3 * time.Second,
		EntryLockCooldown:  30 * time.Second,
		MaxEntryRetry:      3,
		EntryRetryInterval: time.Millisecond,
		LeverageCacheTTL:   time.Hour,
		CloseStrategy:      CloseCareful,
		CloseLead:          2 * time.Second,
		MaxCloseRetry:      3,
		CloseRetryInterval: time.Millisecond,
		ForceCloseGrace:    10 * time.Second,
		QuantityTolerance:  0.001,
	}
}

type harness struct {
	clock  *testClock
	opps   *mockOpps
	orders *mockOrders
	venue  *mockVenue
	store  *memStore
	sink   *captureSink
	engine *Engine
}

func newHarness(t *testing.T, params Params, marks mockMarks) *harness {
	t.Helper()
	h := &harness{
		clock:  &testClock{now: time.Date(2024, 5, 1, 7, 59, 56, 0, time.UTC)},
		opps:   &mockOpps{},
		orders: &mockOrders{},
		venue:  &mockVenue{balance: 1000, tickerPrice: 100},
		store:  newMemStore(),
		sink:   &captureSink{},
	}
	h.orders.clock = h.clock
	h.engine = New(params, h.clock, h.opps, marks, h.orders, h.venue, h.store, h.sink, metrics.NewNoop(), zap.NewNop())
	return h
}

func (h *harness) arm(settlement time.Time) {
	h.opps.opp = selector.Opportunity{
		Symbol:         "BTCUSDT",
		FundingRate:    -0.0015,
		NetProfit:      0.0013,
		Spread:         0.0002,
		NextSettlement: settlement,
		Direction:      selector.DirectionLong,
	}
	h.opps.ok = true
	h.opps.validate = true
}

func TestEntryHappyPath(t *testing.T) {
	h := newHarness(t, testParams(), mockMarks{price: 100, ok: true})
	h.orders.script = []func(exec.Request) (exec.Fill, error){
		fillOK(exec.Fill{OrderID: 7, AvgPrice: 100.02, ExecutedQty: 5}),
	}
	settlement := h.clock.Now().Add(4 * time.Second)
	h.arm(settlement)

	action, err := h.engine.Evaluate(context.Background(), h.clock.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if action != ActionEntered {
		t.Fatalf("expected entered, got %s", action)
	}
	if h.engine.State() != StateOpen {
		t.Fatalf("expected OPEN, got %s", h.engine.State())
	}
	if len(h.orders.calls) != 1 {
		t.Fatalf("expected 1 order, got %d", len(h.orders.calls))
	}
	req := h.orders.calls[0].req
	if req.Side != rest.SideBuy || req.Quantity != 5 || req.ReduceOnly {
		t.Fatalf("unexpected entry order: %+v", req)
	}
	if h.venue.leverageCalls != 1 {
		t.Fatalf("expected 1 leverage call, got %d", h.venue.leverageCalls)
	}
	pos, ok := h.engine.LocalPosition()
	if !ok || pos.Symbol != "BTCUSDT" || pos.Quantity != 5 || pos.EntryPrice != 100.02 {
		t.Fatalf("unexpected position: %+v ok=%v", pos, ok)
	}
	if _, ok, _ := h.store.Get(context.Background(), state.PositionSnapshotKey); !ok {
		t.Fatalf("expected position snapshot persisted")
	}
}

func TestEntryWindowGating(t *testing.T) {
	h := newHarness(t, testParams(), mockMarks{price: 100, ok: true})
	h.orders.script = []func(exec.Request) (exec.Fill, error){
		fillOK(exec.Fill{OrderID: 1, AvgPrice: 100, ExecutedQty: 5}),
	}

	// Too early: lead 10s > 5s.
	h.arm(h.clock.Now().Add(10 * time.Second))
	if action, _ := h.engine.Evaluate(context.Background(), h.clock.Now()); action != ActionNone {
		t.Fatalf("expected no action outside the window, got %s", action)
	}
	// Window missed: lead 1s < 5s-3s.
	h.arm(h.clock.Now().Add(time.Second))
	if action, _ := h.engine.Evaluate(context.Background(), h.clock.Now()); action != ActionNone {
		t.Fatalf("expected no action past the window, got %s", action)
	}
	// In window: lead 3s.
	h.arm(h.clock.Now().Add(3 * time.Second))
	if action, _ := h.engine.Evaluate(context.Background(), h.clock.Now()); action != ActionEntered {
		t.Fatalf("expected entry inside the window")
	}
}

func TestEntryRevalidationRejects(t *testing.T) {
	h := newHarness(t, testParams(), mockMarks{price: 100, ok: true})
	h.arm(h.clock.Now().Add(4 * time.Second))
	h.opps.validate = false

	action, err := h.engine.Evaluate(context.Background(), h.clock.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if action != ActionNone || len(h.orders.calls) != 0 {
		t.Fatalf("failed revalidation must place no order: action=%s calls=%d", action, len(h.orders.calls))
	}
	if h.engine.State() != StateIdle {
		t.Fatalf("expected IDLE, got %s", h.engine.State())
	}
}

func TestEntryRetriesStopAtSettlement(t *testing.T) {
	params := testParams()
	params.MaxEntryRetry = 100
	h := newHarness(t, params, mockMarks{price: 100, ok: true})
	// Every attempt fails and costs 2s of clock; the settlement deadline
	// must stop the sequence before the retry budget does.
	h.orders.script = []func(exec.Request) (exec.Fill, error){
		fillErr(errors.New("overloaded")),
	}
	h.orders.step = 2 * time.Second
	h.arm(h.clock.Now().Add(4 * time.Second))

	abandoned := &countingCounter{}
	h.engine.metrics.EntriesAbandoned = abandoned

	action, err := h.engine.Evaluate(context.Background(), h.clock.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if action != ActionEntryAbandoned {
		t.Fatalf("expected abandoned, got %s", action)
	}
	if len(h.orders.calls) != 2 {
		t.Fatalf("expected 2 attempts before the deadline, got %d", len(h.orders.calls))
	}
	if h.engine.State() != StateIdle {
		t.Fatalf("expected IDLE after abandon, got %s", h.engine.State())
	}
	if abandoned.n != 1 {
		t.Fatalf("expected abandon counted, got %d", abandoned.n)
	}
}

func TestEntryAbandonOnUnrecoverable(t *testing.T) {
	h := newHarness(t, testParams(), mockMarks{price: 100, ok: true})
	h.orders.script = []func(exec.Request) (exec.Fill, error){
		fillErr(&rest.APIError{Status: 401, Msg: "unauthorized"}),
	}
	h.arm(h.clock.Now().Add(4 * time.Second))

	action, err := h.engine.Evaluate(context.Background(), h.clock.Now())
	if err == nil {
		t.Fatalf("expected error surfaced")
	}
	if action != ActionEntryAbandoned || len(h.orders.calls) != 1 {
		t.Fatalf("unrecoverable errors must not retry: action=%s calls=%d", action, len(h.orders.calls))
	}
}

func TestInsufficientBalanceRejectsEntry(t *testing.T) {
	h := newHarness(t, testParams(), mockMarks{price: 100, ok: true})
	h.venue.balance = 50
	h.arm(h.clock.Now().Add(4 * time.Second))

	action, err := h.engine.Evaluate(context.Background(), h.clock.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if action != ActionEntryAbandoned || len(h.orders.calls) != 0 {
		t.Fatalf("expected rejection before any order: action=%s calls=%d", action, len(h.orders.calls))
	}
}

func enterPosition(t *testing.T, h *harness) time.Time {
	t.Helper()
	h.orders.script = []func(exec.Request) (exec.Fill, error){
		fillOK(exec.Fill{OrderID: 7, AvgPrice: 100, ExecutedQty: 5}),
	}
	settlement := h.clock.Now().Add(4 * time.Second)
	h.arm(settlement)
	if action, err := h.engine.Evaluate(context.Background(), h.clock.Now()); err != nil || action != ActionEntered {
		t.Fatalf("setup entry failed: action=%v err=%v", action, err)
	}
	h.opps.ok = false
	return settlement
}

func TestCloseAtLead(t *testing.T) {
	h := newHarness(t, testParams(), mockMarks{price: 100.5, ok: true})
	settlement := enterPosition(t, h)
	h.orders.script = append(h.orders.script,
		fillOK(exec.Fill{OrderID: 8, AvgPrice: 100.5, ExecutedQty: 5}),
	)

	// One second before the close lead: hold.
	early := settlement.Add(-3 * time.Second)
	if action, _ := h.engine.Evaluate(context.Background(), early); action != ActionNone {
		t.Fatalf("expected hold before close lead, got %s", action)
	}
	// At the close lead: close.
	action, err := h.engine.Evaluate(context.Background(), settlement.Add(-2*time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if action != ActionClosed {
		t.Fatalf("expected closed, got %s", action)
	}
	if h.engine.State() != StateIdle {
		t.Fatalf("expected IDLE after close, got %s", h.engine.State())
	}
	closeReq := h.orders.calls[1].req
	if closeReq.Side != rest.SideSell || !closeReq.ReduceOnly || closeReq.Quantity != 5 {
		t.Fatalf("unexpected close order: %+v", closeReq)
	}
	if len(h.sink.trades) != 1 {
		t.Fatalf("expected 1 trade record, got %d", len(h.sink.trades))
	}
	trade := h.sink.trades[0]
	if trade.Symbol != "BTCUSDT" || trade.Direction != "long" {
		t.Fatalf("unexpected trade: %+v", trade)
	}
	wantPnL := (100.5 - 100.0) * 5
	if diff := trade.PnL - wantPnL; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected pnl %.2f, got %.2f", wantPnL, trade.PnL)
	}
	if _, ok, _ := h.store.Get(context.Background(), state.PositionSnapshotKey); ok {
		t.Fatalf("snapshot must be cleared after close")
	}
}

func TestCloseRetryUsesAuthoritativeQuantity(t *testing.T) {
	h := newHarness(t, testParams(), mockMarks{price: 100, ok: true})
	settlement := enterPosition(t, h)
	// First close attempt fails; the exchange then reports only 3 of the 5
	// actually open. The retry must be sized to the exchange, not the book.
	h.venue.positions = []rest.Position{{Symbol: "BTCUSDT", Quantity: 3, EntryPrice: 100}}
	h.orders.script = append(h.orders.script,
		fillErr(errors.New("transient")),
		fillOK(exec.Fill{OrderID: 9, AvgPrice: 100.1, ExecutedQty: 3}),
	)

	action, err := h.engine.Evaluate(context.Background(), settlement.Add(-2*time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if action != ActionClosed {
		t.Fatalf("expected closed, got %s", action)
	}
	if len(h.orders.calls) != 3 {
		t.Fatalf("expected entry + 2 close attempts, got %d", len(h.orders.calls))
	}
	retry := h.orders.calls[2].req
	if retry.Quantity != 3 || retry.Side != rest.SideSell || !retry.ReduceOnly {
		t.Fatalf("retry must use authoritative quantity: %+v", retry)
	}
}

func TestCloseRetryFindsAlreadyFlat(t *testing.T) {
	h := newHarness(t, testParams(), mockMarks{price: 100, ok: true})
	settlement := enterPosition(t, h)
	// The first close reports failure but actually executed; the exchange
	// shows flat on the retry's pre-check, so no second order goes out.
	h.venue.positions = nil
	h.orders.script = append(h.orders.script,
		fillErr(errors.New("timeout")),
	)

	action, err := h.engine.Evaluate(context.Background(), settlement.Add(-2*time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if action != ActionClosed {
		t.Fatalf("expected closed, got %s", action)
	}
	if len(h.orders.calls) != 2 {
		t.Fatalf("no order should follow a flat pre-check, got %d calls", len(h.orders.calls))
	}
	if len(h.sink.trades) != 1 {
		t.Fatalf("expected finalized trade, got %d", len(h.sink.trades))
	}
}

func TestCloseExhaustionForceCloses(t *testing.T) {
	h := newHarness(t, testParams(), mockMarks{price: 100, ok: true})
	settlement := enterPosition(t, h)
	h.venue.positions = []rest.Position{{Symbol: "BTCUSDT", Quantity: 5, EntryPrice: 100}}
	h.orders.script = append(h.orders.script,
		fillErr(errors.New("transient")),
		fillErr(errors.New("transient")),
		fillErr(errors.New("transient")),
		fillOK(exec.Fill{OrderID: 10, AvgPrice: 99.9, ExecutedQty: 5}),
	)
	forced := &countingCounter{}
	h.engine.metrics.ForceCloses = forced

	action, err := h.engine.Evaluate(context.Background(), settlement.Add(-2*time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if action != ActionForceClosed {
		t.Fatalf("expected force close, got %s", action)
	}
	if forced.n != 1 {
		t.Fatalf("expected force close counted, got %d", forced.n)
	}
	last := h.orders.calls[len(h.orders.calls)-1].req
	if !last.ReduceOnly || last.Quantity != 5 || last.Side != rest.SideSell {
		t.Fatalf("unexpected force close order: %+v", last)
	}
	if h.engine.State() != StateIdle {
		t.Fatalf("expected IDLE, got %s", h.engine.State())
	}
}

func TestForceCloseAfterGracePeriod(t *testing.T) {
	h := newHarness(t, testParams(), mockMarks{price: 100, ok: true})
	settlement := enterPosition(t, h)
	h.venue.positions = []rest.Position{{Symbol: "BTCUSDT", Quantity: 5, EntryPrice: 100}}
	h.orders.script = append(h.orders.script,
		fillOK(exec.Fill{OrderID: 11, AvgPrice: 100, ExecutedQty: 5}),
	)

	action, err := h.engine.Evaluate(context.Background(), settlement.Add(11*time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if action != ActionForceClosed {
		t.Fatalf("grace overrun must go straight to force close, got %s", action)
	}
}

func TestForceCloseFailureStillClears(t *testing.T) {
	h := newHarness(t, testParams(), mockMarks{price: 100, ok: true})
	settlement := enterPosition(t, h)
	h.venue.positions = []rest.Position{{Symbol: "BTCUSDT", Quantity: 5, EntryPrice: 100}}
	h.orders.script = append(h.orders.script,
		fillErr(errors.New("down")),
	)

	action, err := h.engine.Evaluate(context.Background(), settlement.Add(11*time.Second))
	if err == nil {
		t.Fatalf("expected force close failure surfaced")
	}
	if action != ActionForceClosed {
		t.Fatalf("expected force close action, got %s", action)
	}
	if _, ok := h.engine.LocalPosition(); ok {
		t.Fatalf("failed force close must still clear local bookkeeping")
	}
	if h.engine.State() != StateIdle {
		t.Fatalf("expected IDLE, got %s", h.engine.State())
	}
}

func TestEntryLockAfterClose(t *testing.T) {
	h := newHarness(t, testParams(), mockMarks{price: 100, ok: true})
	settlement := enterPosition(t, h)
	h.orders.script = append(h.orders.script,
		fillOK(exec.Fill{OrderID: 12, AvgPrice: 100, ExecutedQty: 5}),
	)
	if action, _ := h.engine.Evaluate(context.Background(), settlement.Add(-2*time.Second)); action != ActionClosed {
		t.Fatalf("setup close failed")
	}

	// A fresh opportunity right after the close must wait out the lock.
	closeTime := h.clock.Now()
	h.arm(closeTime.Add(4 * time.Second))
	if action, _ := h.engine.Evaluate(context.Background(), closeTime.Add(time.Second)); action != ActionNone {
		t.Fatalf("expected entry lock to hold")
	}
	h.arm(closeTime.Add(31 * time.Second).Add(4 * time.Second))
	if action, _ := h.engine.Evaluate(context.Background(), closeTime.Add(31*time.Second)); action != ActionEntered {
		t.Fatalf("expected entry after lock expiry")
	}
}

func TestLeverageCachePreventsRepeatCalls(t *testing.T) {
	h := newHarness(t, testParams(), mockMarks{price: 100, ok: true})
	settlement := enterPosition(t, h)
	h.orders.script = append(h.orders.script,
		fillOK(exec.Fill{OrderID: 13, AvgPrice: 100, ExecutedQty: 5}),
		fillOK(exec.Fill{OrderID: 14, AvgPrice: 100, ExecutedQty: 5}),
	)
	if action, _ := h.engine.Evaluate(context.Background(), settlement.Add(-2*time.Second)); action != ActionClosed {
		t.Fatalf("setup close failed")
	}
	// Second round on the same symbol inside the cache TTL.
	h.clock.Advance(time.Minute)
	h.arm(h.clock.Now().Add(4 * time.Second))
	if action, _ := h.engine.Evaluate(context.Background(), h.clock.Now()); action != ActionEntered {
		t.Fatalf("expected second entry")
	}
	if h.venue.leverageCalls != 1 {
		t.Fatalf("expected leverage set once within TTL, got %d", h.venue.leverageCalls)
	}
}

func TestLeverageCacheExpiresByTTL(t *testing.T) {
	h := newHarness(t, testParams(), mockMarks{price: 100, ok: true})
	settlement := enterPosition(t, h)
	h.orders.script = append(h.orders.script,
		fillOK(exec.Fill{OrderID: 15, AvgPrice: 100, ExecutedQty: 5}),
		fillOK(exec.Fill{OrderID: 16, AvgPrice: 100, ExecutedQty: 5}),
	)
	if action, _ := h.engine.Evaluate(context.Background(), settlement.Add(-2*time.Second)); action != ActionClosed {
		t.Fatalf("setup close failed")
	}
	// Past the cache TTL the leverage call must repeat.
	h.clock.Advance(2 * time.Hour)
	h.arm(h.clock.Now().Add(4 * time.Second))
	if action, _ := h.engine.Evaluate(context.Background(), h.clock.Now()); action != ActionEntered {
		t.Fatalf("expected second entry")
	}
	if h.venue.leverageCalls != 2 {
		t.Fatalf("expected a fresh leverage call after the TTL, got %d", h.venue.leverageCalls)
	}
}

func TestTradingHoursGate(t *testing.T) {
	params := testParams()
	params.TradingHourStart = 9
	params.TradingHourEnd = 17
	h := newHarness(t, params, mockMarks{price: 100, ok: true})
	h.arm(h.clock.Now().Add(4 * time.Second)) // harness clock is 07:59 UTC

	if action, _ := h.engine.Evaluate(context.Background(), h.clock.Now()); action != ActionNone {
		t.Fatalf("expected no entry outside trading hours")
	}
	if len(h.orders.calls) != 0 {
		t.Fatalf("no orders expected outside trading hours")
	}
}

func TestSinglePositionInvariant(t *testing.T) {
	h := newHarness(t, testParams(), mockMarks{price: 100, ok: true})
	enterPosition(t, h)
	// Opportunity stream keeps firing but the engine already holds.
	h.arm(h.clock.Now().Add(4 * time.Second))
	for i := 0; i < 3; i++ {
		if action, _ := h.engine.Evaluate(context.Background(), h.clock.Now()); action != ActionNone {
			t.Fatalf("expected hold while a position is open, got %s", action)
		}
	}
	if len(h.orders.calls) != 1 {
		t.Fatalf("expected no further orders, got %d", len(h.orders.calls))
	}
}

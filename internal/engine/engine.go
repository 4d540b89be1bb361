package engine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"funding-sniper/internal/binance/rest"
	"funding-sniper/internal/exec"
	"funding-sniper/internal/ledger"
	"funding-sniper/internal/metrics"
	"funding-sniper/internal/selector"
	"funding-sniper/internal/state"

	"go.uber.org/zap"
)

// Engine is the timed state machine governing entry, close and force-close
// against the settlement clock. It is driven by a single foreground loop:
// Evaluate blocks through network calls, which is acceptable for a machine
// that manages exactly one position.
type Engine struct {
	params  Params
	clock   Clock
	opps    OpportunitySource
	marks   MarkSource
	orders  OrderSubmitter
	venue   Venue
	store   state.Store
	sink    ledger.Sink
	metrics *metrics.Metrics
	log     *zap.Logger

	mu             sync.Mutex
	st             State
	position       *Position
	entryLockUntil time.Time
	closing        bool
	closeAt        time.Time
	lastSettlement time.Time
	levSetAt       map[string]time.Time
}

func New(params Params, clock Clock, opps OpportunitySource, marks MarkSource, orders OrderSubmitter, venue Venue, store state.Store, sink ledger.Sink, m *metrics.Metrics, log *zap.Logger) *Engine {
	if params.BalanceAsset == "" {
		params.BalanceAsset = "USDT"
	}
	if sink == nil {
		sink = ledger.NopSink{}
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Engine{
		params:   params,
		clock:    clock,
		opps:     opps,
		marks:    marks,
		orders:   orders,
		venue:    venue,
		store:    store,
		sink:     sink,
		metrics:  m,
		log:      log,
		st:       StateIdle,
		levSetAt: make(map[string]time.Time),
	}
}

// State returns the current machine state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st
}

// Evaluate drives one state-machine decision at corrected time now. It is
// the engine's host-facing boundary operation.
func (e *Engine) Evaluate(ctx context.Context, now time.Time) (Action, error) {
	e.mu.Lock()
	st := e.st
	closing := e.closing
	var pos Position
	if e.position != nil {
		pos = *e.position
	}
	e.mu.Unlock()

	switch st {
	case StateIdle:
		return e.evaluateIdle(ctx, now)
	case StateOpen:
		if closing {
			return ActionNone, nil
		}
		return e.evaluateOpen(ctx, now, pos)
	default:
		// Transient states are only observable if a second driver sneaks
		// in; the guards above make that a no-op.
		return ActionNone, nil
	}
}

func (e *Engine) evaluateIdle(ctx context.Context, now time.Time) (Action, error) {
	e.mu.Lock()
	locked := now.Before(e.entryLockUntil)
	e.mu.Unlock()
	if locked {
		return ActionNone, nil
	}
	if !e.withinTradingHours(now) {
		return ActionNone, nil
	}
	opp, ok := e.opps.Select(ctx, now)
	if !ok {
		return ActionNone, nil
	}
	lead := opp.NextSettlement.Sub(now)
	if lead > e.params.EntryLead || lead <= 0 {
		return ActionNone, nil
	}
	if lead < e.params.EntryLead-e.params.EntryWindow {
		// Too deep into the lead window to enter safely; wait for the
		// next settlement.
		return ActionNone, nil
	}
	e.step(StepEntryWindowOpen{
		Symbol:     opp.Symbol,
		Rate:       opp.FundingRate,
		NetProfit:  opp.NetProfit,
		Settlement: opp.NextSettlement,
	})
	// Market conditions may have shifted since selection.
	if !e.opps.Validate(ctx, opp, e.clock.Now()) {
		e.step(StepEntryRejected{Symbol: opp.Symbol, Reason: "revalidation failed"})
		return ActionNone, nil
	}
	return e.runEntry(ctx, opp)
}

func (e *Engine) runEntry(ctx context.Context, opp selector.Opportunity) (Action, error) {
	e.setState(StateEntryPending)

	if err := e.ensureLeverage(ctx, opp.Symbol); err != nil {
		if rest.IsUnrecoverable(err) {
			return e.abandonEntry(opp.Symbol, 0, "leverage unrecoverable"), err
		}
		e.log.Warn("leverage set failed, proceeding with venue default", zap.String("symbol", opp.Symbol), zap.Error(err))
	}

	free, err := e.venue.AvailableBalance(ctx, e.params.BalanceAsset)
	if err != nil {
		if rest.IsUnrecoverable(err) {
			return e.abandonEntry(opp.Symbol, 0, "balance check unrecoverable"), err
		}
		e.log.Warn("balance check failed, proceeding", zap.Error(err))
	} else if free < e.params.MarginUSD {
		e.step(StepEntryRejected{Symbol: opp.Symbol, Reason: "insufficient balance"})
		return e.abandonEntry(opp.Symbol, 0, "insufficient balance"), nil
	}

	price, ok := e.marks.MarkPrice(opp.Symbol)
	if !ok {
		price, err = e.venue.TickerPrice(ctx, opp.Symbol)
		if err != nil {
			return e.abandonEntry(opp.Symbol, 0, "no reference price"), err
		}
	}
	quantity := math.Floor(e.params.MarginUSD * float64(e.params.Leverage) / price)
	if quantity < 1 {
		quantity = 1
	}
	side := rest.SideSell
	if opp.Direction == selector.DirectionLong {
		side = rest.SideBuy
	}

	retry := retryState{startedAt: e.clock.Now(), deadline: opp.NextSettlement}
	for {
		fill, err := e.orders.Market(ctx, exec.Request{
			Symbol:   opp.Symbol,
			Side:     side,
			Quantity: quantity,
		})
		if err == nil {
			return e.commitEntry(opp, side, quantity, price, fill), nil
		}
		retry.attempts++
		e.step(StepEntryRetry{Symbol: opp.Symbol, Attempt: retry.attempts, Err: err})
		if rest.IsUnrecoverable(err) {
			return e.abandonEntry(opp.Symbol, retry.attempts, "unrecoverable error"), err
		}
		if retry.attempts >= e.params.MaxEntryRetry {
			return e.abandonEntry(opp.Symbol, retry.attempts, "retry budget exhausted"), nil
		}
		if !e.clock.Now().Before(retry.deadline) {
			return e.abandonEntry(opp.Symbol, retry.attempts, "settlement deadline reached"), nil
		}
		select {
		case <-ctx.Done():
			return e.abandonEntry(opp.Symbol, retry.attempts, "context canceled"), ctx.Err()
		case <-time.After(e.params.EntryRetryInterval):
		}
	}
}

func (e *Engine) commitEntry(opp selector.Opportunity, side string, quantity, refPrice float64, fill exec.Fill) Action {
	now := e.clock.Now()
	entryPrice := fill.AvgPrice
	if entryPrice <= 0 {
		entryPrice = refPrice
	}
	filledQty := fill.ExecutedQty
	if filledQty <= 0 {
		filledQty = quantity
	}
	pos := Position{
		Symbol:      opp.Symbol,
		Direction:   opp.Direction,
		Quantity:    filledQty,
		EntryPrice:  entryPrice,
		EntryTime:   now,
		FundingRate: opp.FundingRate,
		OrderID:     fill.OrderID,
		Settlement:  opp.NextSettlement,
	}
	e.mu.Lock()
	e.position = &pos
	e.st = StateOpen
	e.entryLockUntil = now.Add(e.params.EntryLockCooldown)
	e.lastSettlement = opp.NextSettlement
	if e.params.CloseDelay > 0 {
		e.closeAt = now.Add(e.params.CloseDelay)
	} else {
		e.closeAt = time.Time{}
	}
	e.mu.Unlock()
	e.persistPosition(pos)
	e.step(StepEntryFilled{
		Symbol:   pos.Symbol,
		Side:     side,
		Quantity: pos.Quantity,
		Price:    pos.EntryPrice,
		OrderID:  pos.OrderID,
	})
	return ActionEntered
}

func (e *Engine) abandonEntry(symbol string, attempts int, reason string) Action {
	e.mu.Lock()
	e.st = StateIdle
	e.position = nil
	e.mu.Unlock()
	e.metrics.EntriesAbandoned.Inc()
	e.step(StepEntryAbandoned{Symbol: symbol, Attempts: attempts, Reason: reason})
	return ActionEntryAbandoned
}

func (e *Engine) evaluateOpen(ctx context.Context, now time.Time, pos Position) (Action, error) {
	if !pos.Settlement.IsZero() && now.After(pos.Settlement.Add(e.params.ForceCloseGrace)) {
		if !e.beginClosing() {
			return ActionNone, nil
		}
		return e.runForceClose(ctx, pos.Symbol, "settlement grace period exceeded")
	}

	trigger := ""
	e.mu.Lock()
	closeAt := e.closeAt
	e.mu.Unlock()
	if !closeAt.IsZero() && !now.Before(closeAt) {
		trigger = "post-entry delay"
	}
	if trigger == "" && !pos.Settlement.IsZero() && !now.Before(pos.Settlement.Add(-e.params.CloseLead)) {
		trigger = "close lead reached"
	}
	if trigger == "" && pos.Settlement.IsZero() {
		// An adopted position with no known settlement is closed at the
		// first opportunity rather than held blind.
		trigger = "unknown settlement"
	}
	if trigger == "" {
		return ActionNone, nil
	}
	if !e.beginClosing() {
		return ActionNone, nil
	}
	e.step(StepCloseTriggered{Symbol: pos.Symbol, Trigger: trigger})
	e.setState(StateClosePending)
	switch e.params.CloseStrategy {
	case CloseFast:
		return e.closeFast(ctx, pos)
	default:
		return e.closeCareful(ctx, pos)
	}
}

// closeFast submits one reduce-only order from recorded bookkeeping with no
// pre-checks, optimized purely for latency. Its only fallback is ForceClose.
func (e *Engine) closeFast(ctx context.Context, pos Position) (Action, error) {
	fill, err := e.orders.Market(ctx, exec.Request{
		Symbol:     pos.Symbol,
		Side:       closingSide(pos.Direction),
		Quantity:   pos.Quantity,
		ReduceOnly: true,
	})
	if err != nil {
		e.step(StepCloseRetry{Symbol: pos.Symbol, Attempt: 1, Err: err})
		return e.runForceClose(ctx, pos.Symbol, "fast close failed")
	}
	e.finalizeClose(pos, fill, 0)
	return ActionClosed, nil
}

// closeCareful trusts recorded bookkeeping on the first attempt and
// reconciles against the authoritative exchange position on every retry.
func (e *Engine) closeCareful(ctx context.Context, pos Position) (Action, error) {
	direction := pos.Direction
	quantity := pos.Quantity
	var livePrice float64
	retry := retryState{startedAt: e.clock.Now(), deadline: pos.Settlement.Add(e.params.ForceCloseGrace)}
	for attempt := 1; attempt <= e.params.MaxCloseRetry; attempt++ {
		if attempt > 1 {
			auth, err := e.authoritativeFor(ctx, pos.Symbol)
			if err != nil {
				e.log.Warn("authoritative position fetch failed", zap.String("symbol", pos.Symbol), zap.Error(err))
			} else if auth == nil || math.Abs(auth.Quantity) <= e.params.QuantityTolerance {
				// The venue says we are flat already.
				e.finalizeClose(pos, exec.Fill{AvgPrice: livePrice}, retry.attempts)
				return ActionClosed, nil
			} else {
				newDirection := selector.DirectionShort
				if auth.Quantity > 0 {
					newDirection = selector.DirectionLong
				}
				newQuantity := math.Abs(auth.Quantity)
				if newDirection != direction || math.Abs(newQuantity-quantity) > e.params.QuantityTolerance {
					e.step(StepCloseCorrected{
						Symbol:       pos.Symbol,
						LocalQty:     quantity,
						ExchangeQty:  auth.Quantity,
						NewDirection: string(newDirection),
					})
				}
				direction = newDirection
				quantity = newQuantity
			}
		}
		if p, err := e.venue.TickerPrice(ctx, pos.Symbol); err == nil && p > 0 {
			livePrice = p
		}
		fill, err := e.orders.Market(ctx, exec.Request{
			Symbol:     pos.Symbol,
			Side:       closingSide(direction),
			Quantity:   quantity,
			ReduceOnly: true,
		})
		if err == nil {
			if fill.AvgPrice <= 0 {
				fill.AvgPrice = livePrice
			}
			pos.Direction = direction
			pos.Quantity = quantity
			e.finalizeClose(pos, fill, retry.attempts)
			return ActionClosed, nil
		}
		retry.attempts++
		e.step(StepCloseRetry{Symbol: pos.Symbol, Attempt: retry.attempts, Err: err})
		if rest.IsUnrecoverable(err) {
			break
		}
		if !pos.Settlement.IsZero() && e.clock.Now().After(retry.deadline) {
			// Safety net: the grace period preempts the retry sequence.
			break
		}
		if attempt < e.params.MaxCloseRetry {
			select {
			case <-ctx.Done():
				e.endClosing()
				return ActionNone, ctx.Err()
			case <-time.After(e.params.CloseRetryInterval):
			}
		}
	}
	return e.runForceClose(ctx, pos.Symbol, "close retries exhausted")
}

// runForceClose re-reads the authoritative position, ignoring local
// bookkeeping, and issues one reduce-only order sized to it. It is terminal
// recovery: a failure leaves an operator-visible warning and the machine
// still returns to Idle rather than retrying forever. Engine bookkeeping is
// touched only when the flattened symbol is the tracked one; an untracked
// orphan on another symbol must never destroy the live position's state.
func (e *Engine) runForceClose(ctx context.Context, symbol, reason string) (Action, error) {
	e.metrics.ForceCloses.Inc()
	defer e.endClosing()

	e.mu.Lock()
	tracked := e.position != nil && e.position.Symbol == symbol
	e.mu.Unlock()

	auth, err := e.authoritativeFor(ctx, symbol)
	if err != nil {
		e.step(StepForceCloseFailed{Symbol: symbol, Err: fmt.Errorf("position fetch: %w", err)})
		if tracked {
			e.clearPosition()
		}
		return ActionForceClosed, err
	}
	if auth == nil || math.Abs(auth.Quantity) <= e.params.QuantityTolerance {
		e.step(StepForceCloseInvoked{Symbol: symbol, Reason: reason + " (already flat)", Quantity: 0})
		if tracked {
			e.clearPosition()
		}
		return ActionForceClosed, nil
	}
	quantity := math.Abs(auth.Quantity)
	e.step(StepForceCloseInvoked{Symbol: symbol, Reason: reason, Quantity: quantity})
	side := rest.SideBuy
	if auth.Quantity > 0 {
		side = rest.SideSell
	}
	fill, err := e.orders.Market(ctx, exec.Request{
		Symbol:     symbol,
		Side:       side,
		Quantity:   quantity,
		ReduceOnly: true,
	})
	if err != nil {
		e.step(StepForceCloseFailed{Symbol: symbol, Err: err})
		if tracked {
			e.clearPosition()
		}
		return ActionForceClosed, err
	}
	e.mu.Lock()
	var pos Position
	if tracked && e.position != nil {
		pos = *e.position
	} else {
		pos = Position{Symbol: symbol, EntryPrice: auth.EntryPrice, EntryTime: e.clock.Now()}
		if auth.Quantity > 0 {
			pos.Direction = selector.DirectionLong
		} else {
			pos.Direction = selector.DirectionShort
		}
	}
	e.mu.Unlock()
	pos.Quantity = quantity
	if tracked {
		e.finalizeClose(pos, fill, 0)
	} else {
		e.recordClose(pos, fill, 0)
	}
	return ActionForceClosed, nil
}

// finalizeClose destroys the tracked position, emits the trade record, and
// re-arms the entry lock.
func (e *Engine) finalizeClose(pos Position, fill exec.Fill, retries int) {
	now := e.clock.Now()
	e.mu.Lock()
	e.position = nil
	e.st = StateIdle
	e.closing = false
	e.closeAt = time.Time{}
	e.entryLockUntil = now.Add(e.params.EntryLockCooldown)
	e.mu.Unlock()
	if err := state.ClearPositionSnapshot(context.Background(), e.store); err != nil {
		e.log.Warn("position snapshot clear failed", zap.Error(err))
	}
	e.recordClose(pos, fill, retries)
}

// recordClose emits the close steps and the trade record without touching
// engine bookkeeping. Untracked positions flattened by the reconciler come
// through here directly.
func (e *Engine) recordClose(pos Position, fill exec.Fill, retries int) {
	now := e.clock.Now()
	exitPrice := fill.AvgPrice
	if exitPrice <= 0 {
		if mark, ok := e.marks.MarkPrice(pos.Symbol); ok {
			exitPrice = mark
		} else {
			exitPrice = pos.EntryPrice
		}
	}
	pnl := (exitPrice - pos.EntryPrice) * pos.Quantity
	if pos.Direction == selector.DirectionShort {
		pnl = -pnl
	}
	e.step(StepCloseFilled{Symbol: pos.Symbol, Quantity: pos.Quantity, Price: exitPrice, OrderID: fill.OrderID})
	e.sink.Record(ledger.TradeRecord{
		Symbol:      pos.Symbol,
		Direction:   string(pos.Direction),
		Quantity:    pos.Quantity,
		EntryPrice:  pos.EntryPrice,
		ExitPrice:   exitPrice,
		PnL:         pnl,
		FundingRate: pos.FundingRate,
		OrderID:     pos.OrderID,
		EntryTime:   pos.EntryTime,
		ExitTime:    now,
		RetryCount:  retries,
	})
	e.step(StepTradeFinalized{Symbol: pos.Symbol, PnL: pnl, Retries: retries})
}

func (e *Engine) ensureLeverage(ctx context.Context, symbol string) error {
	now := e.clock.Now()
	e.mu.Lock()
	setAt, ok := e.levSetAt[symbol]
	e.mu.Unlock()
	if ok && now.Sub(setAt) < e.params.LeverageCacheTTL {
		return nil
	}
	if err := e.venue.SetLeverage(ctx, symbol, e.params.Leverage); err != nil {
		return err
	}
	e.mu.Lock()
	e.levSetAt[symbol] = now
	e.mu.Unlock()
	return nil
}

func (e *Engine) authoritativeFor(ctx context.Context, symbol string) (*rest.Position, error) {
	positions, err := e.venue.Positions(ctx)
	if err != nil {
		return nil, err
	}
	for i := range positions {
		if positions[i].Symbol == symbol {
			return &positions[i], nil
		}
	}
	return nil, nil
}

func (e *Engine) withinTradingHours(now time.Time) bool {
	start, end := e.params.TradingHourStart, e.params.TradingHourEnd
	if start == end {
		return true
	}
	hour := now.UTC().Hour()
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

func (e *Engine) beginClosing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closing {
		return false
	}
	e.closing = true
	return true
}

func (e *Engine) endClosing() {
	e.mu.Lock()
	e.closing = false
	if e.position == nil {
		e.st = StateIdle
	} else {
		e.st = StateOpen
	}
	e.mu.Unlock()
}

func (e *Engine) setState(st State) {
	e.mu.Lock()
	e.st = st
	e.mu.Unlock()
}

func (e *Engine) clearPosition() {
	e.mu.Lock()
	e.position = nil
	e.st = StateIdle
	e.mu.Unlock()
	if err := state.ClearPositionSnapshot(context.Background(), e.store); err != nil {
		e.log.Warn("position snapshot clear failed", zap.Error(err))
	}
}

func (e *Engine) persistPosition(pos Position) {
	snapshot := state.PositionSnapshot{
		Symbol:       pos.Symbol,
		Direction:    string(pos.Direction),
		Quantity:     pos.Quantity,
		EntryPrice:   pos.EntryPrice,
		EntryTimeMS:  pos.EntryTime.UnixMilli(),
		FundingRate:  pos.FundingRate,
		OrderID:      pos.OrderID,
		SettlementMS: pos.Settlement.UnixMilli(),
	}
	if err := state.SavePositionSnapshot(context.Background(), e.store, snapshot); err != nil {
		e.log.Warn("position snapshot save failed", zap.Error(err))
	}
}

func (e *Engine) step(s Step) {
	s.Log(e.log)
}

func closingSide(direction selector.Direction) string {
	if direction == selector.DirectionLong {
		return rest.SideSell
	}
	return rest.SideBuy
}

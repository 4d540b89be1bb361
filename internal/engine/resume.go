package engine

import (
	"context"
	"math"
	"time"

	"funding-sniper/internal/binance/rest"
	"funding-sniper/internal/selector"
	"funding-sniper/internal/state"

	"go.uber.org/zap"
)

// Resume restores the machine's state after a restart. The authoritative
// exchange position list decides whether a persisted position is still real;
// the persisted snapshot only fills in bookkeeping the venue cannot report.
func (e *Engine) Resume(ctx context.Context) error {
	positions, err := e.venue.Positions(ctx)
	if err != nil {
		return err
	}
	snapshot, hasSnapshot, err := state.LoadPositionSnapshot(ctx, e.store)
	if err != nil {
		e.log.Warn("position snapshot load failed", zap.Error(err))
		hasSnapshot = false
	}
	for _, auth := range positions {
		if math.Abs(auth.Quantity) <= e.params.QuantityTolerance {
			continue
		}
		pos := positionFromAuthoritative(auth)
		if hasSnapshot && snapshot.Symbol == auth.Symbol {
			pos.FundingRate = snapshot.FundingRate
			pos.OrderID = snapshot.OrderID
			if snapshot.EntryTimeMS > 0 {
				pos.EntryTime = time.UnixMilli(snapshot.EntryTimeMS).UTC()
			}
			if snapshot.SettlementMS > 0 {
				pos.Settlement = time.UnixMilli(snapshot.SettlementMS).UTC()
			}
		}
		if pos.EntryTime.IsZero() {
			pos.EntryTime = e.clock.Now()
		}
		e.mu.Lock()
		e.position = &pos
		e.st = StateOpen
		if !pos.Settlement.IsZero() {
			e.lastSettlement = pos.Settlement
		}
		e.mu.Unlock()
		e.log.Info("resumed open position from exchange",
			zap.String("symbol", pos.Symbol),
			zap.String("direction", string(pos.Direction)),
			zap.Float64("quantity", pos.Quantity),
		)
		return nil
	}
	if hasSnapshot {
		// The exchange reports flat: the persisted record is stale.
		if err := state.ClearPositionSnapshot(ctx, e.store); err != nil {
			e.log.Warn("stale position snapshot clear failed", zap.Error(err))
		}
	}
	return nil
}

// CloseInProgress reports whether a close sequence currently owns the
// position, so competing triggers stand down.
func (e *Engine) CloseInProgress() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closing
}

// LocalPosition returns a copy of the tracked position, if any.
func (e *Engine) LocalPosition() (Position, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.position == nil {
		return Position{}, false
	}
	return *e.position, true
}

// LastSettlement returns the most recent settlement deadline the engine
// acted on, for the reconciler's post-settlement hot window.
func (e *Engine) LastSettlement() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSettlement
}

// ApplyAuthoritative corrects the tracked position in place where it
// disagrees with the exchange. Authoritative state always wins.
func (e *Engine) ApplyAuthoritative(auth rest.Position) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.position == nil || e.position.Symbol != auth.Symbol {
		return
	}
	quantity := math.Abs(auth.Quantity)
	direction := selector.DirectionShort
	if auth.Quantity > 0 {
		direction = selector.DirectionLong
	}
	changed := false
	if math.Abs(e.position.Quantity-quantity) > e.params.QuantityTolerance {
		e.position.Quantity = quantity
		changed = true
	}
	if e.position.Direction != direction {
		e.position.Direction = direction
		changed = true
	}
	if auth.EntryPrice > 0 && e.position.EntryPrice != auth.EntryPrice {
		e.position.EntryPrice = auth.EntryPrice
		changed = true
	}
	if changed {
		e.log.Warn("local position corrected from exchange",
			zap.String("symbol", auth.Symbol),
			zap.Float64("quantity", quantity),
			zap.String("direction", string(direction)),
		)
	}
}

// ClearFlat destroys the tracked position because the exchange reports zero
// quantity for it.
func (e *Engine) ClearFlat(reason string) {
	e.mu.Lock()
	hadPosition := e.position != nil
	symbol := ""
	if hadPosition {
		symbol = e.position.Symbol
	}
	e.position = nil
	if !e.closing {
		e.st = StateIdle
	}
	e.mu.Unlock()
	if !hadPosition {
		return
	}
	if err := state.ClearPositionSnapshot(context.Background(), e.store); err != nil {
		e.log.Warn("position snapshot clear failed", zap.Error(err))
	}
	e.log.Warn("local position dropped, exchange reports flat",
		zap.String("symbol", symbol),
		zap.String("reason", reason),
	)
}

// ForceCloseSymbol runs terminal recovery for one symbol unless a close is
// already in progress.
func (e *Engine) ForceCloseSymbol(ctx context.Context, symbol, reason string) (Action, error) {
	if !e.beginClosing() {
		return ActionNone, nil
	}
	return e.runForceClose(ctx, symbol, reason)
}

func positionFromAuthoritative(auth rest.Position) Position {
	direction := selector.DirectionShort
	if auth.Quantity > 0 {
		direction = selector.DirectionLong
	}
	return Position{
		Symbol:     auth.Symbol,
		Direction:  direction,
		Quantity:   math.Abs(auth.Quantity),
		EntryPrice: auth.EntryPrice,
	}
}

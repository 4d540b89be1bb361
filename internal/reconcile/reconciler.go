package reconcile

import (
	"context"
	"math"
	"time"

	"funding-sniper/internal/binance/rest"

	"go.uber.org/zap"
)

// Machine is the slice of the trading engine the reconciler corrects.
type Machine interface {
	CloseInProgress() bool
	LocalPosition() (symbol string, quantity float64, ok bool)
	ApplyAuthoritative(auth rest.Position)
	ClearFlat(reason string)
	ForceCloseSymbol(ctx context.Context, symbol, reason string) error
	LastSettlement() time.Time
}

// PositionLister reads the venue's authoritative position list.
type PositionLister interface {
	Positions(ctx context.Context) ([]rest.Position, error)
}

type Params struct {
	Interval          time.Duration
	HotInterval       time.Duration
	HotWindow         time.Duration
	PositionTimeout   time.Duration
	QuantityTolerance float64
}

// Reconciler periodically compares local bookkeeping against the exchange
// and resolves every divergence in the exchange's favor. Around settlements
// it tightens its cadence and treats any position the engine does not know
// about as a failed close that must be flattened immediately.
type Reconciler struct {
	params Params
	engine Machine
	venue  PositionLister
	log    *zap.Logger

	next      time.Time
	firstSeen map[string]time.Time
}

func New(params Params, engine Machine, venue PositionLister, log *zap.Logger) *Reconciler {
	return &Reconciler{
		params:    params,
		engine:    engine,
		venue:     venue,
		log:       log,
		firstSeen: make(map[string]time.Time),
	}
}

// Tick runs one reconcile pass when due. The host drives it from the same
// foreground loop as the engine, so passes never overlap.
func (r *Reconciler) Tick(ctx context.Context, now time.Time) error {
	if now.Before(r.next) {
		return nil
	}
	hot := r.inHotWindow(now)
	interval := r.params.Interval
	if hot {
		interval = r.params.HotInterval
	}
	r.next = now.Add(interval)

	if r.engine.CloseInProgress() {
		// The close sequence does its own authoritative reads; stepping in
		// here would race it.
		return nil
	}

	positions, err := r.venue.Positions(ctx)
	if err != nil {
		r.log.Warn("reconcile position fetch failed", zap.Error(err))
		return err
	}

	open := make(map[string]rest.Position, len(positions))
	for _, p := range positions {
		if math.Abs(p.Quantity) > r.params.QuantityTolerance {
			open[p.Symbol] = p
		}
	}

	localSymbol, _, hasLocal := r.engine.LocalPosition()
	if hasLocal {
		if auth, ok := open[localSymbol]; ok {
			r.engine.ApplyAuthoritative(auth)
			delete(open, localSymbol)
		} else {
			r.engine.ClearFlat("reconcile")
		}
	}

	r.handleOrphans(ctx, now, open, hot)
	return nil
}

// handleOrphans deals with exchange positions the engine has no record of.
// In the hot window they are assumed to be failed closes and flattened at
// once; otherwise they get PositionTimeout to resolve themselves (a human
// may be holding them deliberately) before being flattened.
func (r *Reconciler) handleOrphans(ctx context.Context, now time.Time, open map[string]rest.Position, hot bool) {
	for symbol := range r.firstSeen {
		if _, ok := open[symbol]; !ok {
			delete(r.firstSeen, symbol)
		}
	}
	for symbol, auth := range open {
		seen, ok := r.firstSeen[symbol]
		if !ok {
			r.firstSeen[symbol] = now
			seen = now
			r.log.Warn("untracked position on exchange",
				zap.String("symbol", symbol),
				zap.Float64("quantity", auth.Quantity),
			)
		}
		if !hot && now.Sub(seen) < r.params.PositionTimeout {
			continue
		}
		reason := "untracked position timeout"
		if hot {
			reason = "untracked position after settlement"
		}
		if err := r.engine.ForceCloseSymbol(ctx, symbol, reason); err != nil {
			r.log.Error("untracked position flatten failed",
				zap.String("symbol", symbol),
				zap.Error(err),
			)
			continue
		}
		delete(r.firstSeen, symbol)
	}
}

func (r *Reconciler) inHotWindow(now time.Time) bool {
	last := r.engine.LastSettlement()
	if last.IsZero() {
		return false
	}
	since := now.Sub(last)
	return since >= 0 && since <= r.params.HotWindow
}

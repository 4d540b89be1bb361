package engine

import (
	"context"
	"time"

	"funding-sniper/internal/binance/rest"
	"funding-sniper/internal/exec"
	"funding-sniper/internal/selector"
)

type State string

const (
	StateIdle         State = "IDLE"
	StateEntryPending State = "ENTRY_PENDING"
	StateOpen         State = "OPEN"
	StateClosePending State = "CLOSE_PENDING"
)

// Action reports what one Evaluate call did, for the host loop's logs.
type Action string

const (
	ActionNone           Action = "none"
	ActionEntered        Action = "entered"
	ActionEntryAbandoned Action = "entry_abandoned"
	ActionClosed         Action = "closed"
	ActionForceClosed    Action = "force_closed"
)

type CloseStrategy string

const (
	CloseFast    CloseStrategy = "fast"
	CloseCareful CloseStrategy = "careful"
)

// Position is the engine's record of the single open position. At most one
// exists at any time; it is created only on a confirmed fill and destroyed
// only on a confirmed close, force-close, or a flat reconciliation.
type Position struct {
	Symbol      string
	Direction   selector.Direction
	Quantity    float64
	EntryPrice  float64
	EntryTime   time.Time
	FundingRate float64
	OrderID     int64
	Settlement  time.Time
}

// retryState is scoped to one entry or close attempt sequence.
type retryState struct {
	attempts  int
	startedAt time.Time
	deadline  time.Time
}

// Params carries the engine's static configuration.
type Params struct {
	MarginUSD          float64
	Leverage           int
	BalanceAsset       string
	EntryLead          time.Duration
	EntryWindow        time.Duration
	EntryLockCooldown  time.Duration
	MaxEntryRetry      int
	EntryRetryInterval time.Duration
	LeverageCacheTTL   time.Duration
	CloseStrategy      CloseStrategy
	CloseLead          time.Duration
	CloseDelay         time.Duration
	MaxCloseRetry      int
	CloseRetryInterval time.Duration
	ForceCloseGrace    time.Duration
	QuantityTolerance  float64
	TradingHourStart   int
	TradingHourEnd     int
}

// Clock is the corrected time source every deadline is measured against.
type Clock interface {
	Now() time.Time
}

// OpportunitySource picks and re-validates candidates.
type OpportunitySource interface {
	Select(ctx context.Context, now time.Time) (selector.Opportunity, bool)
	Validate(ctx context.Context, opp selector.Opportunity, now time.Time) bool
}

// MarkSource supplies the latest known mark price.
type MarkSource interface {
	MarkPrice(symbol string) (float64, bool)
}

// OrderSubmitter submits one measured market order.
type OrderSubmitter interface {
	Market(ctx context.Context, req exec.Request) (exec.Fill, error)
}

// Venue covers the non-order REST calls the engine needs.
type Venue interface {
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	TickerPrice(ctx context.Context, symbol string) (float64, error)
	Positions(ctx context.Context) ([]rest.Position, error)
	AvailableBalance(ctx context.Context, asset string) (float64, error)
}

package ledger

import "time"

// TradeRecord is the finalized outcome of one completed round trip, emitted
// to the ledger sink after every close. The engine does not depend on what
// the sink does with it.
type TradeRecord struct {
	Symbol      string
	Direction   string
	Quantity    float64
	EntryPrice  float64
	ExitPrice   float64
	PnL         float64
	FundingRate float64
	OrderID     int64
	EntryTime   time.Time
	ExitTime    time.Time
	RetryCount  int
}

// Sink accepts finalized trades. Record must not block the caller.
type Sink interface {
	Record(trade TradeRecord)
}

// NopSink discards trades.
type NopSink struct{}

func (NopSink) Record(TradeRecord) {}

package engine

import (
	"time"

	"go.uber.org/zap"
)

// Step is one tagged execution event. Each kind carries a fixed, typed
// payload so required fields are checked at compile time rather than living
// in optional key/value bags.
type Step interface {
	Log(log *zap.Logger)
}

type StepEntryWindowOpen struct {
	Symbol     string
	Rate       float64
	NetProfit  float64
	Settlement time.Time
}

func (s StepEntryWindowOpen) Log(log *zap.Logger) {
	log.Info("entry window open",
		zap.String("symbol", s.Symbol),
		zap.Float64("funding_rate", s.Rate),
		zap.Float64("net_profit", s.NetProfit),
		zap.Time("settlement", s.Settlement),
	)
}

type StepEntryRejected struct {
	Symbol string
	Reason string
}

func (s StepEntryRejected) Log(log *zap.Logger) {
	log.Info("entry rejected",
		zap.String("symbol", s.Symbol),
		zap.String("reason", s.Reason),
	)
}

type StepEntryFilled struct {
	Symbol   string
	Side     string
	Quantity float64
	Price    float64
	OrderID  int64
}

func (s StepEntryFilled) Log(log *zap.Logger) {
	log.Info("entry filled",
		zap.String("symbol", s.Symbol),
		zap.String("side", s.Side),
		zap.Float64("quantity", s.Quantity),
		zap.Float64("price", s.Price),
		zap.Int64("order_id", s.OrderID),
	)
}

type StepEntryRetry struct {
	Symbol  string
	Attempt int
	Err     error
}

func (s StepEntryRetry) Log(log *zap.Logger) {
	log.Warn("entry attempt failed",
		zap.String("symbol", s.Symbol),
		zap.Int("attempt", s.Attempt),
		zap.Error(s.Err),
	)
}

type StepEntryAbandoned struct {
	Symbol   string
	Attempts int
	Reason   string
}

func (s StepEntryAbandoned) Log(log *zap.Logger) {
	log.Warn("entry abandoned",
		zap.String("symbol", s.Symbol),
		zap.Int("attempts", s.Attempts),
		zap.String("reason", s.Reason),
	)
}

type StepCloseTriggered struct {
	Symbol  string
	Trigger string
}

func (s StepCloseTriggered) Log(log *zap.Logger) {
	log.Info("close triggered",
		zap.String("symbol", s.Symbol),
		zap.String("trigger", s.Trigger),
	)
}

type StepCloseRetry struct {
	Symbol  string
	Attempt int
	Err     error
}

func (s StepCloseRetry) Log(log *zap.Logger) {
	log.Warn("close attempt failed",
		zap.String("symbol", s.Symbol),
		zap.Int("attempt", s.Attempt),
		zap.Error(s.Err),
	)
}

type StepCloseCorrected struct {
	Symbol       string
	LocalQty     float64
	ExchangeQty  float64
	NewDirection string
}

func (s StepCloseCorrected) Log(log *zap.Logger) {
	log.Warn("close size corrected from exchange position",
		zap.String("symbol", s.Symbol),
		zap.Float64("local_quantity", s.LocalQty),
		zap.Float64("exchange_quantity", s.ExchangeQty),
		zap.String("direction", s.NewDirection),
	)
}

type StepCloseFilled struct {
	Symbol   string
	Quantity float64
	Price    float64
	OrderID  int64
}

func (s StepCloseFilled) Log(log *zap.Logger) {
	log.Info("close filled",
		zap.String("symbol", s.Symbol),
		zap.Float64("quantity", s.Quantity),
		zap.Float64("price", s.Price),
		zap.Int64("order_id", s.OrderID),
	)
}

type StepForceCloseInvoked struct {
	Symbol   string
	Reason   string
	Quantity float64
}

func (s StepForceCloseInvoked) Log(log *zap.Logger) {
	log.Warn("force close invoked",
		zap.String("symbol", s.Symbol),
		zap.String("reason", s.Reason),
		zap.Float64("quantity", s.Quantity),
	)
}

type StepForceCloseFailed struct {
	Symbol string
	Err    error
}

func (s StepForceCloseFailed) Log(log *zap.Logger) {
	log.Error("force close failed, manual intervention required",
		zap.String("symbol", s.Symbol),
		zap.Error(s.Err),
	)
}

type StepTradeFinalized struct {
	Symbol  string
	PnL     float64
	Retries int
}

func (s StepTradeFinalized) Log(log *zap.Logger) {
	log.Info("trade finalized",
		zap.String("symbol", s.Symbol),
		zap.Float64("pnl", s.PnL),
		zap.Int("retries", s.Retries),
	)
}

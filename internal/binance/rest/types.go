package rest

import (
	"bytes"
	"fmt"

	"github.com/shopspring/decimal"
)

// Num is a wire-level numeric field. The venue encodes most numbers as JSON
// strings; some endpoints use bare numbers. Both decode into an exact decimal
// and convert to float64 at the package boundary.
type Num struct {
	decimal.Decimal
}

func (n *Num) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		n.Decimal = decimal.Zero
		return nil
	}
	d, err := decimal.NewFromString(string(data))
	if err != nil {
		return fmt.Errorf("decode numeric %q: %w", data, err)
	}
	n.Decimal = d
	return nil
}

func (n Num) Float64() float64 {
	f, _ := n.Decimal.Float64()
	return f
}

// Depth is a top-of-book snapshot.
type Depth struct {
	Symbol  string
	BestBid float64
	BestAsk float64
}

// Order is the acknowledged result of an order placement.
type Order struct {
	OrderID     int64
	Symbol      string
	Status      string
	AvgPrice    float64
	ExecutedQty float64
}

// Position is one entry of the venue's authoritative position list.
// Quantity is signed: positive long, negative short.
type Position struct {
	Symbol     string
	Quantity   float64
	EntryPrice float64
	MarkPrice  float64
}

// Sides and order types accepted by PlaceOrder.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

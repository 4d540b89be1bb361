package market

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type wireNum struct {
	decimal.Decimal
}

func (n *wireNum) UnmarshalJSON(data []byte) error {
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

type wireUpdate struct {
	Event           string  `json:"e"`
	Symbol          string  `json:"s"`
	MarkPrice       wireNum `json:"p"`
	FundingRate     wireNum `json:"r"`
	NextFundingTime int64   `json:"T"`
}

// ParseBatch decodes one stream frame into funding snapshots. Frames arrive
// either as a bare array of mark-price events or wrapped in a combined-stream
// envelope; subscription acks carry neither and return ok=false with no
// error.
func ParseBatch(raw json.RawMessage) ([]FundingSnapshot, bool, error) {
	payload := bytes.TrimSpace(raw)
	if len(payload) == 0 {
		return nil, false, nil
	}
	if payload[0] == '{' {
		var envelope struct {
			Stream string          `json:"stream"`
			Data   json.RawMessage `json:"data"`
			Result json.RawMessage `json:"result"`
			ID     json.RawMessage `json:"id"`
		}
		if err := json.Unmarshal(payload, &envelope); err != nil {
			return nil, false, err
		}
		if len(envelope.Data) > 0 {
			payload = bytes.TrimSpace(envelope.Data)
		} else if len(envelope.ID) > 0 {
			// Subscription acknowledgment: {"result":null,"id":1}.
			return nil, false, nil
		} else {
			// Single event object.
			return parseUpdates(append([]byte("["), append(payload, ']')...))
		}
	}
	if payload[0] != '[' {
		return nil, false, fmt.Errorf("unexpected frame shape: %q", snippet(payload))
	}
	return parseUpdates(payload)
}

func parseUpdates(payload []byte) ([]FundingSnapshot, bool, error) {
	var updates []wireUpdate
	if err := json.Unmarshal(payload, &updates); err != nil {
		return nil, false, err
	}
	batch := make([]FundingSnapshot, 0, len(updates))
	for _, upd := range updates {
		if upd.Symbol == "" {
			continue
		}
		if upd.Event != "" && upd.Event != "markPriceUpdate" {
			continue
		}
		rate, _ := upd.FundingRate.Float64()
		mark, _ := upd.MarkPrice.Float64()
		snap := FundingSnapshot{
			Symbol:      upd.Symbol,
			FundingRate: rate,
			MarkPrice:   mark,
		}
		if upd.NextFundingTime > 0 {
			snap.NextSettlement = time.UnixMilli(upd.NextFundingTime).UTC()
		}
		batch = append(batch, snap)
	}
	if len(batch) == 0 {
		return nil, false, nil
	}
	return batch, true, nil
}

func snippet(b []byte) string {
	if len(b) > 64 {
		b = b[:64]
	}
	return string(b)
}

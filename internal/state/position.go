package state

import (
	"context"
	"encoding/json"
	"strings"
)

const PositionSnapshotKey = "engine:position"

// PositionSnapshot is the persisted record of the single open position, used
// to resume in the right state after a restart.
type PositionSnapshot struct {
	Symbol         string  `json:"symbol"`
	Direction      string  `json:"direction"`
	Quantity       float64 `json:"quantity"`
	EntryPrice     float64 `json:"entry_price"`
	EntryTimeMS    int64   `json:"entry_time_ms"`
	FundingRate    float64 `json:"funding_rate"`
	OrderID        int64   `json:"order_id"`
	SettlementMS   int64   `json:"settlement_ms"`
}

func LoadPositionSnapshot(ctx context.Context, store Store) (PositionSnapshot, bool, error) {
	if store == nil {
		return PositionSnapshot{}, false, nil
	}
	raw, ok, err := store.Get(ctx, PositionSnapshotKey)
	if err != nil {
		return PositionSnapshot{}, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return PositionSnapshot{}, false, nil
	}
	var snapshot PositionSnapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return PositionSnapshot{}, false, err
	}
	return snapshot, true, nil
}

func SavePositionSnapshot(ctx context.Context, store Store, snapshot PositionSnapshot) error {
	if store == nil {
		return nil
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return store.Set(ctx, PositionSnapshotKey, string(payload))
}

func ClearPositionSnapshot(ctx context.Context, store Store) error {
	if store == nil {
		return nil
	}
	return store.Delete(ctx, PositionSnapshotKey)
}

package state

import (
	"context"
	"encoding/json"
	"strings"
)

const StatusKey = "controller:last_status"

// StatusRecord is the last published controller status. It is written for
// operators and post-mortems only; the controller never restores from it.
type StatusRecord struct {
	State          string  `json:"state"`
	StateSinceMS   int64   `json:"state_since_ms"`
	Reason         string  `json:"reason"`
	PositionID     string  `json:"position_id,omitempty"`
	AnchorEquity   float64 `json:"anchor_equity"`
	Equity         float64 `json:"equity"`
	RealizedPnL    float64 `json:"realized_pnl"`
	RealizedVolume float64 `json:"realized_volume"`
	FailureReason  string  `json:"failure_reason,omitempty"`
	UpdatedAtMS    int64   `json:"updated_at_ms"`
}

func LoadStatus(ctx context.Context, store Store) (StatusRecord, bool, error) {
	if store == nil {
		return StatusRecord{}, false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, StatusKey)
	if err != nil {
		return StatusRecord{}, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return StatusRecord{}, false, nil
	}
	var record StatusRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return StatusRecord{}, false, err
	}
	return record, true, nil
}

func SaveStatus(ctx context.Context, store Store, record StatusRecord) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return store.Set(ctx, StatusKey, string(payload))
}

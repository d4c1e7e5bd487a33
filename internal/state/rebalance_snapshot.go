package state

import (
	"context"
	"encoding/json"
	"strings"
)

const RebalanceSnapshotKey = "rebalance:last_snapshot"

// RebalanceSnapshot mirrors the control loop's position state so a restart
// can resume a half-finished cycle.
type RebalanceSnapshot struct {
	Phase      string `json:"phase"`
	Resume     string `json:"resume,omitempty"`
	CycleID    string `json:"cycle_id,omitempty"`
	PositionID string `json:"position_id,omitempty"`
	TickLower  int    `json:"tick_lower"`
	TickUpper  int    `json:"tick_upper"`
	LowerBound string `json:"lower_bound,omitempty"`
	UpperBound string `json:"upper_bound,omitempty"`
	// PendingTickLower/Upper are the ticks of a mint that has not been reconciled.
	PendingTickLower int      `json:"pending_tick_lower,omitempty"`
	PendingTickUpper int      `json:"pending_tick_upper,omitempty"`
	KnownIDs         []string `json:"known_ids,omitempty"`
	Unreconciled     bool     `json:"unreconciled,omitempty"`
	MintAttempt      int      `json:"mint_attempt,omitempty"`
	UpdatedAtMS      int64    `json:"updated_at_ms"`
}

func LoadRebalanceSnapshot(ctx context.Context, store Store) (RebalanceSnapshot, bool, error) {
	if store == nil {
		return RebalanceSnapshot{}, false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, RebalanceSnapshotKey)
	if err != nil {
		return RebalanceSnapshot{}, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return RebalanceSnapshot{}, false, nil
	}
	var snapshot RebalanceSnapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return RebalanceSnapshot{}, false, err
	}
	return snapshot, true, nil
}

func SaveRebalanceSnapshot(ctx context.Context, store Store, snapshot RebalanceSnapshot) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return store.Set(ctx, RebalanceSnapshotKey, string(payload))
}

package app

import (
	"math/big"

	"lp-rebalancer/internal/ledger"
	"lp-rebalancer/internal/rebalance"
	"lp-rebalancer/internal/strategy"
	"lp-rebalancer/internal/timescale"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

func (a *App) recordObservation(snap ledger.PoolSnapshot, price decimal.Decimal, bounds strategy.PriceBounds, decision strategy.Decision) {
	if a.timescale == nil {
		return
	}
	a.timescale.EnqueueObservation(timescale.Observation{
		Time:       a.clock.Now().UTC(),
		Pool:       snap.Address.Hex(),
		Tick:       snap.Tick,
		Price:      price.String(),
		LowerBound: bounds.Lower.String(),
		UpperBound: bounds.Upper.String(),
		Decision:   string(decision),
		PositionID: idString(a.tracker.PositionID()),
	})
}

func (a *App) recordLiquidation(cycleID string, res *rebalance.LiquidationResult) {
	if a.timescale == nil {
		return
	}
	status := "confirmed"
	if res.Skipped {
		status = "skipped"
	}
	a.timescale.EnqueueEvent(timescale.RebalanceEvent{
		Time:       a.clock.Now().UTC(),
		CycleID:    cycleID,
		Step:       "liquidate",
		Status:     status,
		PositionID: idString(res.PositionID),
		TxHash:     txHex(res.TxHash, res.Skipped),
	})
}

func (a *App) recordMint(cycleID string, positionID *big.Int, res rebalance.MintResult) {
	if a.timescale == nil {
		return
	}
	a.timescale.EnqueueEvent(timescale.RebalanceEvent{
		Time:       a.clock.Now().UTC(),
		CycleID:    cycleID,
		Step:       "mint",
		Status:     "confirmed",
		PositionID: idString(positionID),
		TickLower:  res.Ticks.Lower,
		TickUpper:  res.Ticks.Upper,
		TxHash:     res.TxHash.Hex(),
		Detail:     "price " + res.Price.String(),
	})
}

func (a *App) recordReconciled(cycleID string, oldID, newID *big.Int, ticks strategy.TickRange) {
	if a.timescale == nil {
		return
	}
	a.timescale.EnqueueEvent(timescale.RebalanceEvent{
		Time:          a.clock.Now().UTC(),
		CycleID:       cycleID,
		Step:          "reconcile",
		Status:        "confirmed",
		PositionID:    idString(oldID),
		NewPositionID: idString(newID),
		TickLower:     ticks.Lower,
		TickUpper:     ticks.Upper,
	})
}

func (a *App) recordFailure(cycleID, step string, err error) {
	if a.timescale == nil {
		return
	}
	a.timescale.EnqueueEvent(timescale.RebalanceEvent{
		Time:       a.clock.Now().UTC(),
		CycleID:    cycleID,
		Step:       step,
		Status:     "failed",
		PositionID: idString(a.tracker.PositionID()),
		Detail:     err.Error(),
	})
}

func txHex(hash common.Hash, skipped bool) string {
	if skipped {
		return ""
	}
	return hash.Hex()
}

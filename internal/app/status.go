package app

import (
	"context"
	"fmt"

	"lp-rebalancer/internal/rebalance"
	"lp-rebalancer/internal/strategy"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Status is one read-only view of the pool against the tracked position.
type Status struct {
	Pool       common.Address
	Tick       int
	Price      decimal.Decimal
	PositionID string
	Range      strategy.TickRange
	Bounds     strategy.PriceBounds
	Decision   strategy.Decision
	Phase      strategy.State
	CycleID    string
	// NextRange is where a rebalance at the current tick would place the position.
	NextRange strategy.TickRange
}

// Status loads persisted state and reads the pool once without sending
// transactions or writing state.
func (a *App) Status(ctx context.Context) (Status, error) {
	defer a.Close()
	a.readOnly = true
	if err := a.bootstrap(ctx); err != nil {
		return Status{}, err
	}
	snap, err := a.pool.Snapshot(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("%w: pool snapshot: %v", rebalance.ErrStateReadFailed, err)
	}
	price := a.conv.PriceFromTick(snap.Tick)
	pos := a.tracker.Position()
	out := Status{
		Pool:       snap.Address,
		Tick:       snap.Tick,
		Price:      price,
		PositionID: idString(pos.ID),
		Range:      pos.Range,
		Bounds:     a.tracker.Bounds(),
		Phase:      a.machine.Current(),
	}
	if pos.ID != nil {
		out.Decision = strategy.Decide(price, out.Bounds)
	}
	if a.cycle != nil {
		out.CycleID = a.cycle.ID
	}
	next, err := a.manager.ComputeNewBounds(snap.Tick, snap.TickSpacing, a.intent)
	if err != nil {
		return out, err
	}
	out.NextRange = next
	return out, nil
}

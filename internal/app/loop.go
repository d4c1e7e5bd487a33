package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"lp-rebalancer/internal/ledger"
	"lp-rebalancer/internal/rebalance"
	"lp-rebalancer/internal/state"
	"lp-rebalancer/internal/strategy"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// cycle is the rebalance in progress. It lives until the new position is
// reconciled, so retries keep the same transaction labels.
type cycle struct {
	ID           string
	MintAttempt  int
	KnownIDs     []*big.Int
	Pending      strategy.TickRange
	Unreconciled bool
}

func (a *App) bootstrap(ctx context.Context) error {
	snap, err := a.pool.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("%w: pool snapshot: %v", rebalance.ErrStateReadFailed, err)
	}
	a.poolKey = ledger.PoolKey{Token0: snap.Token0, Token1: snap.Token1, Fee: snap.FeeTier}

	saved, ok, err := state.LoadRebalanceSnapshot(ctx, a.store)
	if err != nil {
		a.log.Warn("rebalance snapshot load failed", zap.Error(err))
	}
	if ok && a.restore(saved) {
		a.log.Info("restored rebalance state",
			zap.String("phase", string(a.machine.Current())),
			zap.String("position_id", idString(a.tracker.PositionID())),
			zap.String("cycle_id", saved.CycleID),
		)
		a.publishBounds()
		return nil
	}

	if id := a.cfg.Position.ID(); id != nil {
		pos, err := a.positions.GetPosition(ctx, id)
		if err != nil {
			return fmt.Errorf("%w: position %s: %v", rebalance.ErrStateReadFailed, id, err)
		}
		a.track(pos.ID, strategy.TickRange{Lower: pos.TickLower, Upper: pos.TickUpper})
		a.persist(ctx)
		return nil
	}

	ids, err := a.positions.ListPositions(ctx, a.wallet, a.poolKey)
	if err != nil {
		return fmt.Errorf("%w: list positions: %v", rebalance.ErrStateReadFailed, err)
	}
	for i := len(ids) - 1; i >= 0; i-- {
		pos, err := a.positions.GetPosition(ctx, ids[i])
		if err != nil {
			return fmt.Errorf("%w: position %s: %v", rebalance.ErrStateReadFailed, ids[i], err)
		}
		if pos.Empty() {
			continue
		}
		a.track(pos.ID, strategy.TickRange{Lower: pos.TickLower, Upper: pos.TickUpper})
		a.persist(ctx)
		return nil
	}

	// Nothing to watch yet: open the first position from the mint step.
	a.cycle = &cycle{ID: uuid.NewString(), KnownIDs: ids}
	a.machine.Restore(strategy.StateLiquidated, "")
	a.log.Info("no active position, opening one", zap.String("cycle_id", a.cycle.ID))
	a.persist(ctx)
	return nil
}

func (a *App) track(id *big.Int, ticks strategy.TickRange) {
	bounds := a.tracker.Track(id, ticks)
	a.log.Info("tracking position",
		zap.String("position_id", idString(id)),
		zap.Int("tick_lower", ticks.Lower),
		zap.Int("tick_upper", ticks.Upper),
		zap.Stringer("lower_bound", bounds.Lower),
		zap.Stringer("upper_bound", bounds.Upper),
	)
	a.publishBounds()
}

func (a *App) publishBounds() {
	bounds := a.tracker.Bounds()
	a.metrics.LowerBound.Set(bounds.Lower.InexactFloat64())
	a.metrics.UpperBound.Set(bounds.Upper.InexactFloat64())
}

func (a *App) tick(ctx context.Context) error {
	a.metrics.Polls.Inc()
	if a.cycle != nil {
		if a.cycle.Unreconciled {
			return a.reconcile(ctx)
		}
		return a.runCycle(ctx)
	}

	snap, err := a.pool.Snapshot(ctx)
	if err != nil {
		a.metrics.StateReadFailed.Inc()
		return fmt.Errorf("%w: pool snapshot: %v", rebalance.ErrStateReadFailed, err)
	}
	price := a.conv.PriceFromTick(snap.Tick)
	bounds := a.tracker.Bounds()
	decision := strategy.Decide(price, bounds)

	a.metrics.PoolPrice.Set(price.InexactFloat64())
	a.metrics.PoolTick.Set(float64(snap.Tick))
	a.recordObservation(snap, price, bounds, decision)
	a.log.Info("pool polled",
		zap.Int("tick", snap.Tick),
		zap.Stringer("price", price),
		zap.Stringer("lower_bound", bounds.Lower),
		zap.Stringer("upper_bound", bounds.Upper),
		zap.String("decision", string(decision)),
	)
	if !decision.Breach() {
		return nil
	}

	a.metrics.Breaches.Inc()
	ids, err := a.positions.ListPositions(ctx, a.wallet, a.poolKey)
	if err != nil {
		a.metrics.StateReadFailed.Inc()
		return fmt.Errorf("%w: list positions: %v", rebalance.ErrStateReadFailed, err)
	}
	a.cycle = &cycle{ID: uuid.NewString(), KnownIDs: ids}
	a.log.Warn("price out of bounds, rebalancing",
		zap.String("cycle_id", a.cycle.ID),
		zap.String("decision", string(decision)),
		zap.String("position_id", idString(a.tracker.PositionID())),
	)
	a.persist(ctx)
	return a.runCycle(ctx)
}

func (a *App) runCycle(ctx context.Context) error {
	c := a.cycle
	positionID := a.tracker.PositionID()
	res, err := a.manager.Run(ctx, rebalance.Cycle{ID: c.ID, MintAttempt: c.MintAttempt}, positionID, a.intent)
	if res.Liquidation != nil {
		a.recordLiquidation(c.ID, res.Liquidation)
	}
	if err != nil {
		a.cycleFailed(ctx, c, err)
		a.persist(ctx)
		return err
	}

	c.Pending = res.Mint.Ticks
	c.Unreconciled = true
	a.recordMint(c.ID, positionID, res.Mint)
	a.persist(ctx)
	return a.reconcile(ctx)
}

func (a *App) cycleFailed(ctx context.Context, c *cycle, err error) {
	step := "rebalance"
	switch {
	case errors.Is(err, rebalance.ErrLiquidationFailed):
		step = "liquidate"
		a.metrics.LiquidationFailed.Inc()
		if resend(err) {
			if ferr := a.executor.Forget(ctx, c.ID+":withdraw"); ferr != nil {
				a.log.Warn("failed to clear withdrawal record", zap.Error(ferr))
			}
		}
	case errors.Is(err, rebalance.ErrRouteToRatioFailed):
		step = "route"
		a.metrics.RouteFailed.Inc()
	case errors.Is(err, rebalance.ErrMintFailed):
		step = "mint"
		a.metrics.MintFailed.Inc()
		if resend(err) {
			c.MintAttempt++
		}
	case errors.Is(err, rebalance.ErrStateReadFailed):
		step = "read"
		a.metrics.StateReadFailed.Inc()
	}
	if errors.Is(err, rebalance.ErrConfirmationTimeout) {
		a.metrics.ConfirmationTimeouts.Inc()
	}
	a.log.Error("rebalance step failed",
		zap.String("cycle_id", c.ID),
		zap.String("step", step),
		zap.String("phase", string(a.machine.Current())),
		zap.String("resume", string(a.machine.Resume())),
		zap.Error(err),
	)
	a.recordFailure(c.ID, step, err)
	a.notify(ctx, step+"_failed", fmt.Sprintf("rebalance %s failed (cycle %s): %v", step, c.ID, err))
}

// resend reports whether the failed transaction is final and the step must
// send a new one.
func resend(err error) bool {
	return errors.Is(err, ledger.ErrTxReverted) || errors.Is(err, ledger.ErrTxDropped)
}

// reconcile finds the position the last mint created and makes it active.
func (a *App) reconcile(ctx context.Context) error {
	c := a.cycle
	ids, err := a.positions.ListPositions(ctx, a.wallet, a.poolKey)
	if err != nil {
		a.metrics.ReconcileFailed.Inc()
		return fmt.Errorf("%w: list positions: %v", rebalance.ErrReconcileFailed, err)
	}
	newID, count := newPosition(c.KnownIDs, ids)
	if newID == nil {
		a.metrics.ReconcileFailed.Inc()
		a.log.Warn("minted position not listed yet", zap.String("cycle_id", c.ID))
		return fmt.Errorf("%w: no new position after mint", rebalance.ErrReconcileFailed)
	}
	if count > 1 {
		a.log.Warn("several new positions after mint, taking the highest id",
			zap.String("cycle_id", c.ID),
			zap.Int("count", count),
			zap.String("position_id", newID.String()),
		)
	}

	pos, err := a.positions.GetPosition(ctx, newID)
	if err != nil {
		a.metrics.ReconcileFailed.Inc()
		return fmt.Errorf("%w: position %s: %v", rebalance.ErrReconcileFailed, newID, err)
	}
	// A retried mint can reuse a transaction built at an earlier price, so the
	// minted range comes from the chain rather than the last computation.
	ticks := strategy.TickRange{Lower: pos.TickLower, Upper: pos.TickUpper}
	if ticks != c.Pending {
		a.log.Warn("minted range differs from last computed range",
			zap.String("cycle_id", c.ID),
			zap.Int("tick_lower", ticks.Lower),
			zap.Int("tick_upper", ticks.Upper),
			zap.Int("computed_lower", c.Pending.Lower),
			zap.Int("computed_upper", c.Pending.Upper),
		)
	}

	oldID := a.tracker.PositionID()
	a.track(newID, ticks)
	a.manager.Done()
	if err := a.executor.Forget(ctx, c.ID); err != nil {
		a.log.Warn("failed to clear transaction records", zap.String("cycle_id", c.ID), zap.Error(err))
	}
	a.cycle = nil
	a.persist(ctx)

	a.metrics.Rebalances.Inc()
	a.recordReconciled(c.ID, oldID, newID, ticks)
	bounds := a.tracker.Bounds()
	a.notify(ctx, "rebalanced", fmt.Sprintf("rebalanced into position %s, ticks %d..%d, bounds %s..%s",
		newID, ticks.Lower, ticks.Upper, bounds.Lower, bounds.Upper))
	return nil
}

// newPosition returns the highest id in current that is not in known, and
// how many such ids there are.
func newPosition(known, current []*big.Int) (*big.Int, int) {
	seen := make(map[string]struct{}, len(known))
	for _, id := range known {
		seen[id.String()] = struct{}{}
	}
	var fresh []*big.Int
	for _, id := range current {
		if _, ok := seen[id.String()]; !ok {
			fresh = append(fresh, id)
		}
	}
	if len(fresh) == 0 {
		return nil, 0
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i].Cmp(fresh[j]) < 0 })
	return new(big.Int).Set(fresh[len(fresh)-1]), len(fresh)
}

func (a *App) notify(ctx context.Context, key, msg string) {
	if a.alerts == nil {
		return
	}
	if err := a.alerts.Notify(ctx, key, msg); err != nil {
		a.log.Warn("alert send failed", zap.Error(err))
	}
}

func (a *App) persist(ctx context.Context) {
	if a.store == nil || a.readOnly {
		return
	}
	pos := a.tracker.Position()
	bounds := a.tracker.Bounds()
	snap := state.RebalanceSnapshot{
		Phase:       string(a.machine.Current()),
		Resume:      string(a.machine.Resume()),
		PositionID:  idString(pos.ID),
		TickLower:   pos.Range.Lower,
		TickUpper:   pos.Range.Upper,
		UpdatedAtMS: a.clock.Now().UnixMilli(),
	}
	if !bounds.IsZero() {
		snap.LowerBound = bounds.Lower.String()
		snap.UpperBound = bounds.Upper.String()
	}
	if c := a.cycle; c != nil {
		snap.CycleID = c.ID
		snap.MintAttempt = c.MintAttempt
		snap.Unreconciled = c.Unreconciled
		snap.PendingTickLower = c.Pending.Lower
		snap.PendingTickUpper = c.Pending.Upper
		for _, id := range c.KnownIDs {
			snap.KnownIDs = append(snap.KnownIDs, id.String())
		}
	}
	if err := state.SaveRebalanceSnapshot(ctx, a.store, snap); err != nil {
		a.log.Warn("rebalance snapshot save failed", zap.Error(err))
	}
}

// restore loads a persisted snapshot. It reports false when the snapshot
// holds nothing to resume from.
func (a *App) restore(snap state.RebalanceSnapshot) bool {
	if snap.PositionID != "" {
		id, ok := new(big.Int).SetString(snap.PositionID, 10)
		if !ok {
			a.log.Warn("ignoring snapshot with bad position id", zap.String("position_id", snap.PositionID))
			return false
		}
		a.tracker.Track(id, strategy.TickRange{Lower: snap.TickLower, Upper: snap.TickUpper})
	}
	if snap.CycleID == "" {
		return snap.PositionID != ""
	}

	c := &cycle{
		ID:           snap.CycleID,
		MintAttempt:  snap.MintAttempt,
		Pending:      strategy.TickRange{Lower: snap.PendingTickLower, Upper: snap.PendingTickUpper},
		Unreconciled: snap.Unreconciled,
	}
	for _, raw := range snap.KnownIDs {
		if id, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10); ok {
			c.KnownIDs = append(c.KnownIDs, id)
		}
	}
	switch phase := strategy.State(snap.Phase); {
	case c.Unreconciled || phase == strategy.StateMinted:
		c.Unreconciled = true
		a.machine.Restore(strategy.StateMinted, "")
	case phase == strategy.StateLiquidated || phase == strategy.StateSwappingAndMinting:
		a.machine.Restore(strategy.StateLiquidated, "")
	case phase == strategy.StateFailed:
		a.machine.Restore(strategy.StateFailed, strategy.State(snap.Resume))
	case snap.PositionID == "":
		a.machine.Restore(strategy.StateLiquidated, "")
	default:
		a.machine.Restore(strategy.StateIdle, "")
	}
	a.cycle = c
	return true
}

func idString(id *big.Int) string {
	if id == nil {
		return ""
	}
	return id.String()
}

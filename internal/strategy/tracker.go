package strategy

import (
	"math/big"

	"lp-rebalancer/internal/pricing"
)

// Tracker holds the active position id and its price bounds.
type Tracker struct {
	conv     pricing.Converter
	position ActivePosition
	bounds   PriceBounds
}

func NewTracker(conv pricing.Converter) *Tracker {
	return &Tracker{conv: conv}
}

// Track replaces the active position and derives bounds from its ticks. Price
// falls as tick rises, so the upper tick gives the lower bound.
func (t *Tracker) Track(id *big.Int, ticks TickRange) PriceBounds {
	t.position = ActivePosition{ID: cloneID(id), Range: ticks}
	t.bounds = BoundsForRange(t.conv, ticks)
	return t.bounds
}

func (t *Tracker) SetID(id *big.Int) {
	t.position.ID = cloneID(id)
}

func (t *Tracker) Bounds() PriceBounds {
	return t.bounds
}

func (t *Tracker) Position() ActivePosition {
	return ActivePosition{ID: cloneID(t.position.ID), Range: t.position.Range}
}

func (t *Tracker) PositionID() *big.Int {
	return cloneID(t.position.ID)
}

func BoundsForRange(conv pricing.Converter, ticks TickRange) PriceBounds {
	return PriceBounds{
		Lower: conv.PriceFromTick(ticks.Upper),
		Upper: conv.PriceFromTick(ticks.Lower),
	}
}

func cloneID(id *big.Int) *big.Int {
	if id == nil {
		return nil
	}
	return new(big.Int).Set(id)
}

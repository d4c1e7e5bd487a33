package strategy

import (
	"math/big"

	"github.com/shopspring/decimal"
)

type State string

type Event string

const (
	StateIdle               State = "IDLE"
	StateFetchingPosition   State = "FETCHING_POSITION"
	StateLiquidating        State = "LIQUIDATING"
	StateLiquidated         State = "LIQUIDATED"
	StateSwappingAndMinting State = "SWAPPING_AND_MINTING"
	StateMinted             State = "MINTED"
	StateFailed             State = "FAILED"
)

const (
	EventFetch      Event = "FETCH"
	EventLiquidate  Event = "LIQUIDATE"
	EventLiquidated Event = "LIQUIDATED"
	EventMint       Event = "MINT"
	EventMinted     Event = "MINTED"
	EventFail       Event = "FAIL"
	EventRecover    Event = "RECOVER"
	EventDone       Event = "DONE"
)

type Decision string

const (
	WithinLimits Decision = "WITHIN_LIMITS"
	BelowLower   Decision = "BELOW_LOWER"
	AboveUpper   Decision = "ABOVE_UPPER"
)

func (d Decision) Breach() bool {
	return d == BelowLower || d == AboveUpper
}

type PriceBounds struct {
	Lower decimal.Decimal
	Upper decimal.Decimal
}

func (b PriceBounds) IsZero() bool {
	return b.Lower.IsZero() && b.Upper.IsZero()
}

type RebalanceIntent struct {
	DollarAmount   decimal.Decimal
	LowerMarginUSD decimal.Decimal
	UpperMarginUSD decimal.Decimal
	// FixedWidthSpacings > 0 replaces the dollar margins with a band of that
	// many tick spacings on each side of the current tick.
	FixedWidthSpacings int
}

type TickRange struct {
	Lower int
	Upper int
}

type ActivePosition struct {
	ID    *big.Int
	Range TickRange
}

// Package pricing converts between pool ticks and quote-currency prices.
//
// All arithmetic is decimal. Prices are rounded to a fixed number of decimal
// places before they are used for margin and sizing math, so tick boundaries
// depend on that rounding.
package pricing

import (
	"errors"
	"math/big"

	"github.com/shopspring/decimal"
)

const (
	DefaultPlaces  int32 = 2
	TestModePlaces int32 = 4

	MinTick = -887272
	MaxTick = 887272

	// fractional digits kept by every intermediate step of 1.0001^n.
	powPrecision int32 = 40
)

var (
	ErrNonPositivePrice = errors.New("dollar per tick must be positive")
	ErrInvalidAmount    = errors.New("amount must be positive")

	tickBase = decimal.RequireFromString("1.0001")
	tickStep = decimal.RequireFromString("0.0001")
	half     = decimal.RequireFromString("0.5")
)

// Converter binds token decimals and display precision for one pool.
type Converter struct {
	Decimals0 int
	Decimals1 int
	Places    int32
}

func NewConverter(decimals0, decimals1 int, places int32) Converter {
	if places < 0 {
		places = DefaultPlaces
	}
	return Converter{Decimals0: decimals0, Decimals1: decimals1, Places: places}
}

func (c Converter) PriceFromTick(tick int) decimal.Decimal {
	return PriceFromTick(tick, c.Decimals0, c.Decimals1, c.Places)
}

func (c Converter) TickMargin(tick int, dollarMargin decimal.Decimal) (int, error) {
	return TickMarginFromDollarMargin(tick, dollarMargin, c.Decimals0, c.Decimals1, c.Places)
}

// PriceFromTick returns the token0 price of one token1 at tick:
// 1 / (1.0001^tick / 10^(decimals1-decimals0)), rounded half away from zero.
func PriceFromTick(tick, decimals0, decimals1 int, places int32) decimal.Decimal {
	scale := decimal.New(1, int32(decimals1-decimals0))
	factor := tickPow(absInt(tick))
	var quote decimal.Decimal
	if tick < 0 {
		quote = scale.Mul(factor)
	} else {
		quote = scale.DivRound(factor, powPrecision)
	}
	return quote.Round(places)
}

// TickMarginFromDollarMargin converts a dollar distance from the price at tick
// into a whole number of ticks, using the rounded price.
func TickMarginFromDollarMargin(tick int, dollarMargin decimal.Decimal, decimals0, decimals1 int, places int32) (int, error) {
	dollarPerTick := PriceFromTick(tick, decimals0, decimals1, places).Mul(tickStep)
	if dollarPerTick.Sign() <= 0 {
		return 0, ErrNonPositivePrice
	}
	return int(dollarMargin.Div(dollarPerTick).Floor().IntPart()), nil
}

// NearestUsableTick snaps tick to the closest multiple of spacing, halves
// rounding toward positive infinity, kept inside the valid tick range.
func NearestUsableTick(tick, spacing int) int {
	if spacing <= 0 {
		return tick
	}
	rounded := floorDiv(2*tick+spacing, 2*spacing) * spacing
	if rounded < MinTick {
		rounded += spacing
	} else if rounded > MaxTick {
		rounded -= spacing
	}
	return rounded
}

// TokenAmountsForUSD splits totalUSD evenly between the two tokens and
// returns raw token amounts. token0 is the quote currency.
func TokenAmountsForUSD(totalUSD, price decimal.Decimal, decimals0, decimals1 int) (*big.Int, *big.Int, error) {
	if totalUSD.Sign() <= 0 || price.Sign() <= 0 {
		return nil, nil, ErrInvalidAmount
	}
	side := totalUSD.Mul(half).Floor()
	amount0 := side.Shift(int32(decimals0)).Truncate(0)
	amount1 := side.Shift(int32(decimals1)).Div(price).Truncate(0)
	return amount0.BigInt(), amount1.BigInt(), nil
}

// tickPow computes 1.0001^n by square-and-multiply, rounding every product to
// powPrecision fractional digits.
func tickPow(n int) decimal.Decimal {
	result := decimal.NewFromInt(1)
	base := tickBase
	for n > 0 {
		if n&1 == 1 {
			result = result.Mul(base).Round(powPrecision)
		}
		n >>= 1
		if n > 0 {
			base = base.Mul(base).Round(powPrecision)
		}
	}
	return result
}

func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

package pricing

import (
	"math/big"
)

const floatPrec = 256

var q96 = new(big.Float).SetPrec(floatPrec).SetInt(new(big.Int).Lsh(big.NewInt(1), 96))

// SqrtRatioAtTick approximates sqrt(1.0001^tick) * 2^96.
func SqrtRatioAtTick(tick int) *big.Float {
	ratio, _, err := big.ParseFloat(tickPow(absInt(tick)).String(), 10, floatPrec, big.ToNearestEven)
	if err != nil {
		return new(big.Float).SetPrec(floatPrec)
	}
	if tick < 0 {
		ratio = new(big.Float).SetPrec(floatPrec).Quo(big.NewFloat(1).SetPrec(floatPrec), ratio)
	}
	root := new(big.Float).SetPrec(floatPrec).Sqrt(ratio)
	return root.Mul(root, q96)
}

// AmountsForLiquidity returns the token amounts held by liquidity between
// tickLower and tickUpper at the given pool sqrt price.
func AmountsForLiquidity(liquidity, sqrtPriceX96 *big.Int, tickLower, tickUpper int) (*big.Int, *big.Int) {
	amount0, amount1 := new(big.Int), new(big.Int)
	if liquidity == nil || liquidity.Sign() == 0 || sqrtPriceX96 == nil || tickLower >= tickUpper {
		return amount0, amount1
	}
	l := new(big.Float).SetPrec(floatPrec).SetInt(liquidity)
	p := new(big.Float).SetPrec(floatPrec).SetInt(sqrtPriceX96)
	a := SqrtRatioAtTick(tickLower)
	b := SqrtRatioAtTick(tickUpper)

	switch {
	case p.Cmp(a) <= 0:
		amount0 = amount0Delta(l, a, b)
	case p.Cmp(b) < 0:
		amount0 = amount0Delta(l, p, b)
		amount1 = amount1Delta(l, a, p)
	default:
		amount1 = amount1Delta(l, a, b)
	}
	return amount0, amount1
}

// L * (upper - lower) * 2^96 / (upper * lower)
func amount0Delta(l, lower, upper *big.Float) *big.Int {
	num := newFloat().Sub(upper, lower)
	num.Mul(num, l)
	num.Mul(num, q96)
	den := newFloat().Mul(upper, lower)
	out, _ := num.Quo(num, den).Int(nil)
	return out
}

// L * (upper - lower) / 2^96
func amount1Delta(l, lower, upper *big.Float) *big.Int {
	num := newFloat().Sub(upper, lower)
	num.Mul(num, l)
	out, _ := num.Quo(num, q96).Int(nil)
	return out
}

func newFloat() *big.Float {
	return new(big.Float).SetPrec(floatPrec)
}

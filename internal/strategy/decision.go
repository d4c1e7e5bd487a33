package strategy

import "github.com/shopspring/decimal"

// Decide reports whether price sits inside bounds, inclusive at both ends.
func Decide(price decimal.Decimal, bounds PriceBounds) Decision {
	if price.LessThan(bounds.Lower) {
		return BelowLower
	}
	if price.GreaterThan(bounds.Upper) {
		return AboveUpper
	}
	return WithinLimits
}

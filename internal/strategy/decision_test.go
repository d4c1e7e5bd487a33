package strategy

import (
	"math/big"
	"testing"

	"lp-rebalancer/internal/pricing"

	"github.com/shopspring/decimal"
)

func TestDecideInclusiveBounds(t *testing.T) {
	bounds := PriceBounds{
		Lower: decimal.RequireFromString("1866.88"),
		Upper: decimal.RequireFromString("2280.19"),
	}
	cases := []struct {
		price string
		want  Decision
	}{
		{"1866.88", WithinLimits},
		{"2280.19", WithinLimits},
		{"2063.22", WithinLimits},
		{"1866.87", BelowLower},
		{"2280.20", AboveUpper},
		{"0", BelowLower},
	}
	for _, tc := range cases {
		if got := Decide(decimal.RequireFromString(tc.price), bounds); got != tc.want {
			t.Fatalf("price %s: expected %s, got %s", tc.price, tc.want, got)
		}
	}
}

func TestDecisionBreach(t *testing.T) {
	if WithinLimits.Breach() {
		t.Fatalf("within limits is not a breach")
	}
	if !BelowLower.Breach() || !AboveUpper.Breach() {
		t.Fatalf("expected both sides to be breaches")
	}
}

func TestTrackerBoundsFromTicks(t *testing.T) {
	tracker := NewTracker(pricing.NewConverter(6, 18, pricing.DefaultPlaces))
	bounds := tracker.Track(big.NewInt(42), TickRange{Lower: 199000, Upper: 201000})
	if !bounds.Lower.Equal(decimal.RequireFromString("1866.88")) {
		t.Fatalf("expected lower 1866.88, got %s", bounds.Lower)
	}
	if !bounds.Upper.Equal(decimal.RequireFromString("2280.19")) {
		t.Fatalf("expected upper 2280.19, got %s", bounds.Upper)
	}
	id := tracker.PositionID()
	id.SetInt64(7)
	if tracker.PositionID().Int64() != 42 {
		t.Fatalf("tracker id must not alias callers")
	}
}

package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(float64)
}

type Metrics struct {
	Polls                Counter
	Breaches             Counter
	Rebalances           Counter
	StateReadFailed      Counter
	LiquidationFailed    Counter
	RouteFailed          Counter
	MintFailed           Counter
	ConfirmationTimeouts Counter
	ReconcileFailed      Counter

	PoolPrice  Gauge
	LowerBound Gauge
	UpperBound Gauge
	PoolTick   Gauge
}

type noopCounter struct{}

func (noopCounter) Inc() {}

type noopGauge struct{}

func (noopGauge) Set(float64) {}

func NewNoop() *Metrics {
	n := noopCounter{}
	g := noopGauge{}
	return &Metrics{
		Polls:                n,
		Breaches:             n,
		Rebalances:           n,
		StateReadFailed:      n,
		LiquidationFailed:    n,
		RouteFailed:          n,
		MintFailed:           n,
		ConfirmationTimeouts: n,
		ReconcileFailed:      n,
		PoolPrice:            g,
		LowerBound:           g,
		UpperBound:           g,
		PoolTick:             g,
	}
}

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "lp_rebalancer"

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      name,
			Help:      help,
		})
		registry.MustRegister(c)
		return c
	}
	gauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Name:      name,
			Help:      help,
		})
		registry.MustRegister(g)
		return g
	}

	m := &Metrics{
		Polls:                counter("polls_total", "Total number of pool polls."),
		Breaches:             counter("breaches_total", "Total number of polls with the price outside the bounds."),
		Rebalances:           counter("rebalances_total", "Total number of completed rebalances."),
		StateReadFailed:      counter("state_read_failed_total", "Total number of failed pool or position reads."),
		LiquidationFailed:    counter("liquidation_failed_total", "Total number of failed liquidations."),
		RouteFailed:          counter("route_failed_total", "Total number of route-to-ratio calls without a usable route."),
		MintFailed:           counter("mint_failed_total", "Total number of failed mints."),
		ConfirmationTimeouts: counter("confirmation_timeouts_total", "Total number of transactions not confirmed in time."),
		ReconcileFailed:      counter("reconcile_failed_total", "Total number of failed new position lookups."),
		PoolPrice:            gauge("pool_price", "Pool price in quote currency per base token."),
		LowerBound:           gauge("lower_bound", "Lower price bound of the active position."),
		UpperBound:           gauge("upper_bound", "Upper price bound of the active position."),
		PoolTick:             gauge("pool_tick", "Current pool tick."),
	}

	return &Prometheus{
		Metrics:  m,
		registry: registry,
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

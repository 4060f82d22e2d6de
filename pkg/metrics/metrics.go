package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps the Prometheus collectors of a swap node.
type Metrics struct {
	registry *prometheus.Registry

	ordersPlaced   prometheus.Counter
	openOrders     prometheus.Gauge
	fillsAccepted  prometheus.Counter
	fillsRejected  *prometheus.CounterVec
	escrowChanges  *prometheus.CounterVec
	sweeperRefunds *prometheus.CounterVec
	bids           *prometheus.CounterVec
	chainCalls     *prometheus.HistogramVec
	chainRetries   *prometheus.CounterVec
	gossip         *prometheus.CounterVec
}

// New creates a registry and registers the node metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		ordersPlaced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orders_placed_total",
			Help: "Total number of accepted maker orders.",
		}),
		openOrders: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orders_open",
			Help: "Current number of open orders.",
		}),
		fillsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fills_accepted_total",
			Help: "Total number of fills recorded by the order book.",
		}),
		fillsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fills_rejected_total",
			Help: "Total number of rejected fills by error kind.",
		}, []string{"kind"}),
		escrowChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_transitions_total",
			Help: "Escrow state transitions observed by the coordinator.",
		}, []string{"side", "state"}),
		sweeperRefunds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sweeper_refunds_total",
			Help: "Refunds issued by the sweeper by outcome.",
		}, []string{"outcome"}),
		bids: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "resolver_bids_total",
			Help: "Resolver bid outcomes.",
		}, []string{"outcome"}),
		chainCalls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chain_call_seconds",
			Help:    "Latency of chain adapter calls.",
			Buckets: prometheus.DefBuckets,
		}, []string{"chain", "call"}),
		chainRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chain_call_retries_total",
			Help: "Retried chain calls after an external failure.",
		}, []string{"chain", "call"}),
		gossip: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "order_gossip_total",
			Help: "Orders exchanged with peers by direction and outcome.",
		}, []string{"direction", "outcome"}),
	}

	registry.MustRegister(
		m.ordersPlaced, m.openOrders, m.fillsAccepted, m.fillsRejected,
		m.escrowChanges, m.sweeperRefunds, m.bids, m.chainCalls, m.chainRetries, m.gossip,
	)
	return m
}

// Handler exposes the metrics registry via HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) IncOrderPlaced() { m.ordersPlaced.Inc() }

func (m *Metrics) SetOpenOrders(n int) { m.openOrders.Set(float64(n)) }

func (m *Metrics) IncFillAccepted() { m.fillsAccepted.Inc() }

// IncFillRejected counts a rejected fill under its error kind.
func (m *Metrics) IncFillRejected(kind string) { m.fillsRejected.WithLabelValues(kind).Inc() }

func (m *Metrics) IncEscrowTransition(side, state string) {
	m.escrowChanges.WithLabelValues(side, state).Inc()
}

func (m *Metrics) IncSweeperRefund(outcome string) { m.sweeperRefunds.WithLabelValues(outcome).Inc() }

func (m *Metrics) IncBid(outcome string) { m.bids.WithLabelValues(outcome).Inc() }

// ObserveChainCall records the latency of one adapter call.
func (m *Metrics) ObserveChainCall(chain, call string, d time.Duration) {
	m.chainCalls.WithLabelValues(chain, call).Observe(d.Seconds())
}

// IncGossip counts orders published ("out") or received ("in") over p2p.
func (m *Metrics) IncGossip(direction, outcome string) {
	m.gossip.WithLabelValues(direction, outcome).Inc()
}

func (m *Metrics) IncChainRetry(chain, call string) {
	m.chainRetries.WithLabelValues(chain, call).Inc()
}

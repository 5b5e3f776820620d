package submux

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the engine's prometheus instrumentation, grounded on how
// adred-codev-ws_poc/go-server-2 and corpix-atlas wire client_golang into
// a long-lived connection manager: a handful of counters/gauges
// registered once, sampled by whatever mux exposes /metrics in the
// caller's process.
type Metrics struct {
	registrySize   prometheus.Gauge
	connections    prometheus.Gauge
	freeSlots      prometheus.Gauge
	subscribes     prometheus.Counter
	unsubscribes   prometheus.Counter
	timeouts       prometheus.Counter
	reattaches     prometheus.Counter
	connectRetries prometheus.Counter
}

// NewMetrics constructs and registers the engine's metrics against reg.
// Pass prometheus.NewRegistry() (or prometheus.DefaultRegisterer) from the
// caller; this package never reaches for the global default implicitly.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		registrySize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "submux", Name: "registry_size",
			Help: "Number of (channel, shard) pairs currently hosted.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "submux", Name: "connections",
			Help: "Number of live ConnectionEntry values across all shards.",
		}),
		freeSlots: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "submux", Name: "free_slots",
			Help: "Sum of free subscription slots across all ConnectionEntry values.",
		}),
		subscribes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "submux", Name: "subscribes_total",
			Help: "Completed subscribe/psubscribe operations.",
		}),
		unsubscribes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "submux", Name: "unsubscribes_total",
			Help: "Completed unsubscribe/punsubscribe operations.",
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "submux", Name: "ack_timeouts_total",
			Help: "Subscribe/unsubscribe ACK watchdog firings.",
		}),
		reattaches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "submux", Name: "reattaches_total",
			Help: "Reattach operations performed after topology or connection loss.",
		}),
		connectRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "submux", Name: "connect_retries_total",
			Help: "Pub/sub connection acquisition retries.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.registrySize, m.connections, m.freeSlots,
			m.subscribes, m.unsubscribes, m.timeouts, m.reattaches, m.connectRetries,
		)
	}
	return m
}

func (m *Metrics) observeSubscribe()   { m.subscribes.Inc() }
func (m *Metrics) observeUnsubscribe() { m.unsubscribes.Inc() }
func (m *Metrics) observeTimeout()     { m.timeouts.Inc() }
func (m *Metrics) observeReattach()    { m.reattaches.Inc() }
func (m *Metrics) observeConnectRetry() { m.connectRetries.Inc() }

func (m *Metrics) setSnapshot(s Stats) {
	m.registrySize.Set(float64(s.RegistrySize))
	m.connections.Set(float64(s.Connections))
	m.freeSlots.Set(float64(s.FreeSlots))
}

// Package metrics wires the node's observable counters and gauges into
// prometheus/client_golang.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the counters and gauges the daemon exposes on /metrics.
// A nil *Metrics is safe to call methods on (every method guards against
// it), so collaborators can be wired with metrics optional.
type Metrics struct {
	rpcsSent     *prometheus.CounterVec
	rpcTimeouts  *prometheus.CounterVec
	rpcErrors    *prometheus.CounterVec
	lookups      *prometheus.CounterVec
	bucketSplits prometheus.Counter
	blacklisted  prometheus.Counter
	routingNodes prometheus.Gauge
	storedItems  prometheus.Gauge
}

// New registers a fresh set of collectors against reg and returns the
// bundle. Pass prometheus.NewRegistry() in tests to avoid collisions with
// the global default registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		rpcsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "p4p2p",
			Subsystem: "dht",
			Name:      "rpcs_sent_total",
			Help:      "RPCs sent, by message type.",
		}, []string{"type"}),
		rpcTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "p4p2p",
			Subsystem: "dht",
			Name:      "rpc_timeouts_total",
			Help:      "RPCs that timed out waiting for a reply, by message type.",
		}, []string{"type"}),
		rpcErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "p4p2p",
			Subsystem: "dht",
			Name:      "rpc_errors_total",
			Help:      "RPCs that failed for a reason other than timeout, by message type.",
		}, []string{"type"}),
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "p4p2p",
			Subsystem: "dht",
			Name:      "lookups_total",
			Help:      "Completed lookups, by mode and outcome.",
		}, []string{"mode", "outcome"}),
		bucketSplits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "p4p2p",
			Subsystem: "dht",
			Name:      "bucket_splits_total",
			Help:      "Routing table bucket splits.",
		}),
		blacklisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "p4p2p",
			Subsystem: "dht",
			Name:      "blacklisted_total",
			Help:      "Contacts blacklisted for protocol violations.",
		}),
		routingNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "p4p2p",
			Subsystem: "dht",
			Name:      "routing_table_contacts",
			Help:      "Contacts currently held across all buckets.",
		}),
		storedItems: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "p4p2p",
			Subsystem: "dht",
			Name:      "datastore_items",
			Help:      "Items currently held in the local datastore.",
		}),
	}
	reg.MustRegister(
		m.rpcsSent, m.rpcTimeouts, m.rpcErrors, m.lookups,
		m.bucketSplits, m.blacklisted, m.routingNodes, m.storedItems,
	)
	return m
}

func (m *Metrics) RPCSent(msgType string) {
	if m == nil {
		return
	}
	m.rpcsSent.WithLabelValues(msgType).Inc()
}

func (m *Metrics) RPCTimeout(msgType string) {
	if m == nil {
		return
	}
	m.rpcTimeouts.WithLabelValues(msgType).Inc()
}

func (m *Metrics) RPCError(msgType string) {
	if m == nil {
		return
	}
	m.rpcErrors.WithLabelValues(msgType).Inc()
}

func (m *Metrics) LookupCompleted(mode string, outcome string) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(mode, outcome).Inc()
}

func (m *Metrics) BucketSplit() {
	if m == nil {
		return
	}
	m.bucketSplits.Inc()
}

func (m *Metrics) Blacklisted() {
	if m == nil {
		return
	}
	m.blacklisted.Inc()
}

func (m *Metrics) SetRoutingTableContacts(n int) {
	if m == nil {
		return
	}
	m.routingNodes.Set(float64(n))
}

func (m *Metrics) SetDatastoreItems(n int) {
	if m == nil {
		return
	}
	m.storedItems.Set(float64(n))
}

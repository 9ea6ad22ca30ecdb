package eventmesh

import (
	"expvar"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsSeq generates unique IDs for expvar namespacing across nodes.
var metricsSeq atomic.Int64

// Metrics tracks operational counters for an EventService and its
// Transport. Counters are lock-free (atomic int64) and published to expvar
// under the "eventmesh.<seq>." prefix for inspection via /debug/vars.
type Metrics struct {
	EventsQueued    atomic.Int64 // accepted by Topic.SendEvent
	EventsDropped   atomic.Int64 // delivery queue full
	EventsDiscarded atomic.Int64 // no transport configured
	SendFailures    atomic.Int64 // Transport.SendEvent returned an error

	EventsReceived      atomic.Int64 // envelopes routed to a topic
	EventsDelivered     atomic.Int64 // successful handler invocations
	EventsUndeliverable atomic.Int64 // no deserializer for the type tag
	DeserializeFailures atomic.Int64
	HandlerFailures     atomic.Int64

	FramesSent       atomic.Int64
	FramesReceived   atomic.Int64
	FramesDropped    atomic.Int64 // peer send queue full
	FramesCorrupt    atomic.Int64
	EchoesSuppressed atomic.Int64

	PeerConnects    atomic.Int64
	PeerDisconnects atomic.Int64
	DialFailures    atomic.Int64
	Reconciles      atomic.Int64

	mu     sync.Mutex
	gauges map[string]func() int
}

type counterDef struct {
	name string
	help string
	get  func(*Metrics) *atomic.Int64
}

var counterDefs = []counterDef{
	{"events_queued", "Events accepted for delivery.", func(m *Metrics) *atomic.Int64 { return &m.EventsQueued }},
	{"events_dropped", "Events dropped because the delivery queue was full.", func(m *Metrics) *atomic.Int64 { return &m.EventsDropped }},
	{"events_discarded", "Events discarded because no transport was configured.", func(m *Metrics) *atomic.Int64 { return &m.EventsDiscarded }},
	{"send_failures", "Transport send errors.", func(m *Metrics) *atomic.Int64 { return &m.SendFailures }},
	{"events_received", "Envelopes routed to a local topic.", func(m *Metrics) *atomic.Int64 { return &m.EventsReceived }},
	{"events_delivered", "Successful handler invocations.", func(m *Metrics) *atomic.Int64 { return &m.EventsDelivered }},
	{"events_undeliverable", "Envelopes with no deserializer for their type tag.", func(m *Metrics) *atomic.Int64 { return &m.EventsUndeliverable }},
	{"deserialize_failures", "Deserializer errors and panics.", func(m *Metrics) *atomic.Int64 { return &m.DeserializeFailures }},
	{"handler_failures", "Handler errors and panics.", func(m *Metrics) *atomic.Int64 { return &m.HandlerFailures }},
	{"frames_sent", "Frames handed to peer writers.", func(m *Metrics) *atomic.Int64 { return &m.FramesSent }},
	{"frames_received", "Frames read from peers.", func(m *Metrics) *atomic.Int64 { return &m.FramesReceived }},
	{"frames_dropped", "Frames dropped because a peer queue was full.", func(m *Metrics) *atomic.Int64 { return &m.FramesDropped }},
	{"frames_corrupt", "Inbound frames that failed to decode.", func(m *Metrics) *atomic.Int64 { return &m.FramesCorrupt }},
	{"echoes_suppressed", "Inbound frames discarded as self-echo.", func(m *Metrics) *atomic.Int64 { return &m.EchoesSuppressed }},
	{"peer_connects", "Peer connections established.", func(m *Metrics) *atomic.Int64 { return &m.PeerConnects }},
	{"peer_disconnects", "Peer connections lost.", func(m *Metrics) *atomic.Int64 { return &m.PeerDisconnects }},
	{"dial_failures", "Failed outbound dials.", func(m *Metrics) *atomic.Int64 { return &m.DialFailures }},
	{"reconciles", "Completed reconcile cycles.", func(m *Metrics) *atomic.Int64 { return &m.Reconciles }},
}

var gaugeDefs = []struct{ name, help string }{
	{"active_topics", "Topics currently subscribed to the transport."},
	{"live_peers", "Open outbound peer connections."},
}

// NewMetrics creates a Metrics instance and publishes all counters to expvar.
// Each call gets a unique expvar prefix via a monotonic sequence.
func NewMetrics() *Metrics {
	m := &Metrics{gauges: make(map[string]func() int)}

	// Several nodes commonly share one process in tests and the demo.
	seq := metricsSeq.Add(1)
	prefix := "eventmesh." + strconv.FormatInt(seq, 10) + "."

	for _, d := range counterDefs {
		expvar.Publish(prefix+d.name, atomicVar(d.get(m)))
	}
	for _, g := range gaugeDefs {
		name := g.name
		expvar.Publish(prefix+name, expvar.Func(func() any { return m.gauge(name) }))
	}
	return m
}

// atomicVar wraps an *atomic.Int64 as an expvar.Var.
func atomicVar(v *atomic.Int64) expvar.Var {
	return expvar.Func(func() any {
		return v.Load()
	})
}

func (m *Metrics) setGauge(name string, fn func() int) {
	m.mu.Lock()
	m.gauges[name] = fn
	m.mu.Unlock()
}

func (m *Metrics) gauge(name string) int64 {
	m.mu.Lock()
	fn := m.gauges[name]
	m.mu.Unlock()
	if fn == nil {
		return 0
	}
	return int64(fn())
}

// Snapshot returns all metric values as a map, suitable for JSON serialization.
func (m *Metrics) Snapshot() map[string]int64 {
	snap := make(map[string]int64, len(counterDefs)+len(gaugeDefs))
	for _, d := range counterDefs {
		snap[d.name] = d.get(m).Load()
	}
	for _, g := range gaugeDefs {
		snap[g.name] = m.gauge(g.name)
	}
	return snap
}

// metricsCollector exports a Metrics snapshot as Prometheus metrics.
type metricsCollector struct {
	m        *Metrics
	counters []*prometheus.Desc
	gauges   []*prometheus.Desc
}

// NewCollector returns a prometheus.Collector for m. Every series carries a
// constant node label.
func NewCollector(m *Metrics, nodeID string) prometheus.Collector {
	labels := prometheus.Labels{"node": nodeID}
	c := &metricsCollector{m: m}
	for _, d := range counterDefs {
		c.counters = append(c.counters, prometheus.NewDesc("eventmesh_"+d.name+"_total", d.help, nil, labels))
	}
	for _, g := range gaugeDefs {
		c.gauges = append(c.gauges, prometheus.NewDesc("eventmesh_"+g.name, g.help, nil, labels))
	}
	return c
}

func (c *metricsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.counters {
		ch <- d
	}
	for _, d := range c.gauges {
		ch <- d
	}
}

func (c *metricsCollector) Collect(ch chan<- prometheus.Metric) {
	for i, d := range counterDefs {
		ch <- prometheus.MustNewConstMetric(c.counters[i], prometheus.CounterValue, float64(d.get(c.m).Load()))
	}
	for i, g := range gaugeDefs {
		ch <- prometheus.MustNewConstMetric(c.gauges[i], prometheus.GaugeValue, float64(c.m.gauge(g.name)))
	}
}

// Package metrics exposes Prometheus collectors for a mesh node.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pmesh"

// Metrics owns a private registry so several nodes can live in one process.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	Peers             prometheus.Gauge
	Datagrams         *prometheus.CounterVec
	ChunksSent        prometheus.Counter
	ChunksReceived    prometheus.Counter
	BytesSent         prometheus.Counter
	BytesReceived     prometheus.Counter
	TransfersFinished *prometheus.CounterVec
	BusyRejections    prometheus.Counter
	PeersEvicted      prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers",
			Help:      "Known peers in the registry.",
		}),
		Datagrams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "datagrams_total",
			Help:      "Discovery datagrams received, by result.",
		}, []string{"result"}),
		ChunksSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transfer",
			Name:      "chunks_sent_total",
			Help:      "File chunks written to peers.",
		}),
		ChunksReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transfer",
			Name:      "chunks_received_total",
			Help:      "File chunks stored from peers.",
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transfer",
			Name:      "bytes_sent_total",
			Help:      "Raw file bytes sent.",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transfer",
			Name:      "bytes_received_total",
			Help:      "Raw file bytes received.",
		}),
		TransfersFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transfer",
			Name:      "finished_total",
			Help:      "Transfers leaving the tracker, by direction and final state.",
		}, []string{"direction", "state"}),
		BusyRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transfer",
			Name:      "busy_rejections_total",
			Help:      "File requests refused because the concurrency cap was reached.",
		}),
		PeersEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peers_evicted_total",
			Help:      "Peers removed for staleness.",
		}),
	}

	m.registry.MustRegister(
		m.Peers, m.Datagrams, m.ChunksSent, m.ChunksReceived, m.BytesSent,
		m.BytesReceived, m.TransfersFinished, m.BusyRejections, m.PeersEvicted,
		prometheus.NewGoCollector(),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SetPeers(n int) {
	if m != nil {
		m.Peers.Set(float64(n))
	}
}

func (m *Metrics) Datagram(result string) {
	if m != nil {
		m.Datagrams.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) ChunkSent(n int) {
	if m != nil {
		m.ChunksSent.Inc()
		m.BytesSent.Add(float64(n))
	}
}

func (m *Metrics) ChunkReceived(n int) {
	if m != nil {
		m.ChunksReceived.Inc()
		m.BytesReceived.Add(float64(n))
	}
}

func (m *Metrics) TransferFinished(direction, state string) {
	if m != nil {
		m.TransfersFinished.WithLabelValues(direction, state).Inc()
	}
}

func (m *Metrics) Busy() {
	if m != nil {
		m.BusyRejections.Inc()
	}
}

func (m *Metrics) Evicted(n int) {
	if m != nil {
		m.PeersEvicted.Add(float64(n))
	}
}

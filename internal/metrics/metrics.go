// Package metrics exposes Prometheus counters for link traffic and replay
// outcomes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/mirage/internal/ir"
	"github.com/roach88/mirage/internal/protocol"
	"github.com/roach88/mirage/internal/replay"
	"github.com/roach88/mirage/internal/transport"
)

type Metrics struct {
	MessagesTotal   *prometheus.CounterVec
	MessagesDropped *prometheus.CounterVec
	BatchesTotal    *prometheus.CounterVec
	OperationsTotal *prometheus.CounterVec
}

var _ transport.Observer = (*Metrics)(nil)

func New(reg prometheus.Registerer) *Metrics {
	metrics := &Metrics{
		MessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mirage_messages_total",
			Help: "total number of protocol messages",
		}, []string{"direction", "type"}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mirage_messages_dropped_total",
			Help: "total number of inbound messages dropped",
		}, []string{"reason"}),
		BatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mirage_batches_total",
			Help: "total number of replayed batches",
		}, []string{"status"}),
		OperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mirage_operations_total",
			Help: "total number of replayed operations",
		}, []string{"kind", "code"}),
	}

	metrics.Enable(reg)
	return metrics
}

func (m *Metrics) Enable(reg prometheus.Registerer) {
	reg.MustRegister(m.MessagesTotal)
	reg.MustRegister(m.MessagesDropped)
	reg.MustRegister(m.BatchesTotal)
	reg.MustRegister(m.OperationsTotal)
}

func (m *Metrics) Disable(reg prometheus.Registerer) {
	reg.Unregister(m.MessagesTotal)
	reg.Unregister(m.MessagesDropped)
	reg.Unregister(m.BatchesTotal)
	reg.Unregister(m.OperationsTotal)
}

// MessageSent implements transport.Observer.
func (m *Metrics) MessageSent(t protocol.Type) {
	m.MessagesTotal.WithLabelValues("out", string(t)).Inc()
}

// MessageReceived implements transport.Observer.
func (m *Metrics) MessageReceived(t protocol.Type) {
	m.MessagesTotal.WithLabelValues("in", string(t)).Inc()
}

// MessageDropped implements transport.Observer.
func (m *Metrics) MessageDropped(reason string) {
	m.MessagesDropped.WithLabelValues(reason).Inc()
}

// ObserveBatch counts one replayed batch and each of its operations.
// Successful operations are counted under code "ok".
func (m *Metrics) ObserveBatch(_ ir.Batch, results []replay.Result) {
	status := "ok"
	for _, r := range results {
		code := "ok"
		if r.Failed() {
			status = "partial"
			code = string(replay.CodeOf(r.Err))
			if code == "" {
				code = "unknown"
			}
		}
		m.OperationsTotal.WithLabelValues(string(r.Op.Kind), code).Inc()
	}
	m.BatchesTotal.WithLabelValues(status).Inc()
}

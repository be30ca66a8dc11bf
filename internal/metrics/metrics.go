// Package metrics holds the Prometheus collectors of the indexing pipeline
// and the attachment store. A nil *Metrics records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	journalEvents  *prometheus.CounterVec
	jobsProcessed  *prometheus.CounterVec
	attachments    *prometheus.CounterVec
	indexerTailing prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		journalEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mailindex",
			Subsystem: "indexer",
			Name:      "journal_events_total",
			Help:      "Journal events seen by the indexer, by outcome.",
		}, []string{"outcome"}),
		jobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mailindex",
			Subsystem: "worker",
			Name:      "jobs_total",
			Help:      "Indexing jobs processed, by queue, action and result.",
		}, []string{"queue", "action", "result"}),
		attachments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mailindex",
			Subsystem: "attachments",
			Name:      "operations_total",
			Help:      "Attachment store operations, by operation.",
		}, []string{"op"}),
		indexerTailing: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mailindex",
			Subsystem: "indexer",
			Name:      "tailing",
			Help:      "1 while this process is tailing the journal.",
		}),
	}
	reg.MustRegister(m.journalEvents, m.jobsProcessed, m.attachments, m.indexerTailing)
	return m
}

func (m *Metrics) JournalEvent(outcome string) {
	if m == nil {
		return
	}
	m.journalEvents.WithLabelValues(outcome).Inc()
}

func (m *Metrics) JobProcessed(queue, action, result string) {
	if m == nil {
		return
	}
	m.jobsProcessed.WithLabelValues(queue, action, result).Inc()
}

func (m *Metrics) Attachment(op string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.attachments.WithLabelValues(op).Add(float64(n))
}

func (m *Metrics) SetTailing(on bool) {
	if m == nil {
		return
	}
	if on {
		m.indexerTailing.Set(1)
	} else {
		m.indexerTailing.Set(0)
	}
}

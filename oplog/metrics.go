package oplog

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors updated by workers.
// All series carry a "source" label with the source identity.
type Metrics struct {
	EntriesRead       *prometheus.CounterVec
	EntriesSkipped    *prometheus.CounterVec
	DocumentsUpserted *prometheus.CounterVec
	DocumentsDeleted  *prometheus.CounterVec
	DocumentsNotFound *prometheus.CounterVec
	ResolveFailures   *prometheus.CounterVec
	CheckpointCommits *prometheus.CounterVec
	ColdStarts        *prometheus.CounterVec
	BatchLength       *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EntriesRead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oplogsync",
			Name:      "entries_read_total",
			Help:      "Oplog entries read from the tailing cursor.",
		}, []string{"source"}),
		EntriesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oplogsync",
			Name:      "entries_skipped_total",
			Help:      "Drained entries that produced no fetch, by reason.",
		}, []string{"source", "reason"}),
		DocumentsUpserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oplogsync",
			Name:      "documents_upserted_total",
			Help:      "Documents forwarded to the sink.",
		}, []string{"source"}),
		DocumentsDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oplogsync",
			Name:      "documents_deleted_total",
			Help:      "Deletions forwarded to the sink.",
		}, []string{"source"}),
		DocumentsNotFound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oplogsync",
			Name:      "documents_not_found_total",
			Help:      "Changed documents that no longer existed when resolved.",
		}, []string{"source"}),
		ResolveFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oplogsync",
			Name:      "resolve_failures_total",
			Help:      "Resolver cycles abandoned after exhausting retries.",
		}, []string{"source"}),
		CheckpointCommits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oplogsync",
			Name:      "checkpoint_commits_total",
			Help:      "Checkpoints persisted.",
		}, []string{"source"}),
		ColdStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oplogsync",
			Name:      "cold_starts_total",
			Help:      "Full namespace dumps performed.",
		}, []string{"source"}),
		BatchLength: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "oplogsync",
			Name:      "batch_length",
			Help:      "Entries waiting in the shared batch.",
		}, []string{"source"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.EntriesRead,
			m.EntriesSkipped,
			m.DocumentsUpserted,
			m.DocumentsDeleted,
			m.DocumentsNotFound,
			m.ResolveFailures,
			m.CheckpointCommits,
			m.ColdStarts,
			m.BatchLength,
		)
	}
	return m
}

func metricsOrDefault(m *Metrics) *Metrics {
	if m == nil {
		return NewMetrics(nil)
	}
	return m
}

// Package metrics exposes GET /metrics (SPEC_FULL.md's added interface),
// backed by the same prometheus/client_golang and prometheus/common
// libraries the teacher imports for its own Prometheus client, here used
// for their far more common purpose: exposition via promauto/promhttp
// rather than the teacher's querying use of the client API.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CRCFaults counts frames rejected by the codec for CRC mismatch,
	// per SPEC_FULL.md §4.1's S2 scenario.
	CRCFaults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "timingcore",
		Name:      "codec_crc_faults_total",
		Help:      "Frames rejected for CRC mismatch, by track.",
	}, []string{"track_id"})

	// DecodeErrors counts every other decode rejection kind.
	DecodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "timingcore",
		Name:      "codec_decode_errors_total",
		Help:      "Frames rejected by the codec, by track and error kind.",
	}, []string{"track_id", "kind"})

	// SeqGaps counts detected gaps in a client's per-boot sequence number.
	SeqGaps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "timingcore",
		Name:      "ingest_seq_gaps_total",
		Help:      "Detected gaps in client-reported sequence numbers.",
	}, []string{"track_id", "client_id"})

	// DedupeSuppressions counts envelopes discarded as duplicates, labeled by
	// layer. Only the processor's per-actor LRU ("actor_lru") reports here;
	// broker and projection suppressions are not counted.
	DedupeSuppressions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "timingcore",
		Name:      "dedupe_suppressions_total",
		Help:      "Envelopes suppressed as duplicates, by layer.",
	}, []string{"track_id", "layer"})

	// DLQRate counts envelopes routed to the dead-letter subject.
	DLQRate = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "timingcore",
		Name:      "dead_letters_total",
		Help:      "Envelopes published to the dead-letter subject, by source.",
	}, []string{"source"})

	// ConsumerLag tracks each fanout subscriber's outbound queue depth.
	ConsumerLag = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "timingcore",
		Name:      "fanout_consumer_lag",
		Help:      "Outbound buffer depth per live subscriber connection.",
	}, []string{"track_id"})

	// AuditRecords counts discarded passings, by reason.
	AuditRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "timingcore",
		Name:      "audit_records_total",
		Help:      "Passings discarded from race logic, by reason.",
	}, []string{"track_id", "reason"})
)

// Handler returns the http.Handler to mount at GET /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CxdbMetrics groups the turn-store domain metrics on top of the package's
// existing Counter/Gauge/Histogram custom-metric registry (metrics.go), the
// same way UpdateServerMetrics layers server metrics over it.
type CxdbMetrics struct {
	AppendsTotal    *prometheus.CounterVec
	ReadsTotal      *prometheus.CounterVec
	RejectionsTotal *prometheus.CounterVec

	AppendDuration *prometheus.HistogramVec
	ReadDuration   *prometheus.HistogramVec

	BlobPackBytes  prometheus.Gauge
	TurnCount      prometheus.Gauge
	S3MirrorLagSec prometheus.Gauge
}

var cxdbMetrics *CxdbMetrics

// GetCxdbMetrics returns the process-wide cxdb domain metrics, registering
// them on first use the same way GetMetrics lazily builds *Metrics.
func GetCxdbMetrics() *CxdbMetrics {
	if cxdbMetrics != nil {
		return cxdbMetrics
	}

	cxdbMetrics = &CxdbMetrics{
		AppendsTotal:    Counter("cxdb_appends_total", "Total number of turn appends", "result"),
		ReadsTotal:      Counter("cxdb_reads_total", "Total number of turn reads", "op", "result"),
		RejectionsTotal: Counter("cxdb_rejections_total", "Total number of rejected writes", "reason"),
		AppendDuration: Histogram("cxdb_append_duration_seconds", "Turn append latency in seconds",
			[]float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1}),
		ReadDuration: Histogram("cxdb_read_duration_seconds", "Turn read latency in seconds",
			prometheus.DefBuckets, "op"),
		BlobPackBytes:  Gauge("cxdb_blob_pack_bytes", "Total size of blob pack files on disk").WithLabelValues(),
		TurnCount:      Gauge("cxdb_turn_count", "Total number of turns stored").WithLabelValues(),
		S3MirrorLagSec: Gauge("cxdb_s3_mirror_lag_seconds", "Seconds since the S3 mirror last caught up").WithLabelValues(),
	}
	return cxdbMetrics
}

// RecordAppend records the outcome and latency of a store.Append/Create/Fork call.
func (m *CxdbMetrics) RecordAppend(ok bool, duration time.Duration) {
	result := "ok"
	if !ok {
		result = "error"
	}
	m.AppendsTotal.WithLabelValues(result).Inc()
	m.AppendDuration.WithLabelValues().Observe(duration.Seconds())
}

// RecordRead records the outcome and latency of a store read operation
// (get_last, get_before, get_range_by_depth, get_head, query).
func (m *CxdbMetrics) RecordRead(op string, ok bool, duration time.Duration) {
	result := "ok"
	if !ok {
		result = "error"
	}
	m.ReadsTotal.WithLabelValues(op, result).Inc()
	m.ReadDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordRejection counts a write rejected by an invariant check (parent
// mismatch, digest mismatch, and so on).
func (m *CxdbMetrics) RecordRejection(reason string) {
	m.RejectionsTotal.WithLabelValues(reason).Inc()
}

// UpdateBlobPackBytes reports the combined size of the blobstore's pack files.
func (m *CxdbMetrics) UpdateBlobPackBytes(bytes int64) {
	m.BlobPackBytes.Set(float64(bytes))
}

// UpdateTurnCount reports the total number of turns currently stored.
func (m *CxdbMetrics) UpdateTurnCount(count int64) {
	m.TurnCount.Set(float64(count))
}

// UpdateS3MirrorLag reports how far behind the S3 mirror is.
func (m *CxdbMetrics) UpdateS3MirrorLag(lag time.Duration) {
	m.S3MirrorLagSec.Set(lag.Seconds())
}

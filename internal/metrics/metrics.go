package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Repair outcomes.
const (
	OutcomeComplete = "complete"
	OutcomePartial  = "partial"
	OutcomeFailed   = "failed"
)

var (
	repairsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "salvage_repairs_total",
		Help: "Total repairs by strategy and outcome",
	}, []string{"strategy", "outcome"})

	repairFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "salvage_repair_failures_total",
		Help: "Total failed repairs by error type",
	}, []string{"error_type"})

	repairBytesReadTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "salvage_repair_bytes_read_total",
		Help: "Total input bytes consumed by repairs",
	}, []string{"strategy"})

	repairBytesWrittenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "salvage_repair_bytes_written_total",
		Help: "Total output bytes produced by repairs",
	}, []string{"strategy"})

	nalUnitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "salvage_nal_units_total",
		Help: "Total NAL units written to repaired streams",
	}, []string{"strategy"})

	recoveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "salvage_recoveries_total",
		Help: "Total resynchronisations after anomalous NAL lengths",
	}, []string{"strategy"})

	recoveredBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "salvage_recovery_skipped_bytes_total",
		Help: "Total input bytes discarded while resynchronising",
	}, []string{"strategy"})

	sideTrackBlocksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "salvage_side_track_blocks_total",
		Help: "Total side-track and metadata blocks skipped",
	}, []string{"kind"})

	repairDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "salvage_repair_duration_seconds",
		Help:    "Repair duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 16), // 10ms to ~5.5m
	}, []string{"strategy"})

	jobsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "salvage_jobs_active",
		Help: "Number of repair jobs currently running",
	})
)

// Sample is what one finished repair contributes.
type Sample struct {
	Strategy        string
	Outcome         string
	BytesRead       int64
	BytesWritten    int64
	NALUnits        int64
	Recoveries      int
	RecoveredBytes  int64
	SideTrackBlocks int
	MetadataBlocks  int
	Seconds         float64
}

// RecordRepair records a finished repair, complete or partial.
func RecordRepair(s Sample) {
	repairsTotal.WithLabelValues(s.Strategy, s.Outcome).Inc()
	repairBytesReadTotal.WithLabelValues(s.Strategy).Add(float64(s.BytesRead))
	repairBytesWrittenTotal.WithLabelValues(s.Strategy).Add(float64(s.BytesWritten))
	nalUnitsTotal.WithLabelValues(s.Strategy).Add(float64(s.NALUnits))
	recoveriesTotal.WithLabelValues(s.Strategy).Add(float64(s.Recoveries))
	recoveredBytesTotal.WithLabelValues(s.Strategy).Add(float64(s.RecoveredBytes))
	sideTrackBlocksTotal.WithLabelValues("side_track").Add(float64(s.SideTrackBlocks))
	sideTrackBlocksTotal.WithLabelValues("metadata").Add(float64(s.MetadataBlocks))
	repairDuration.WithLabelValues(s.Strategy).Observe(s.Seconds)
}

// RecordFailure records a repair that produced no output.
func RecordFailure(strategy, errorType string) {
	repairsTotal.WithLabelValues(strategy, OutcomeFailed).Inc()
	repairFailuresTotal.WithLabelValues(errorType).Inc()
}

// JobStarted increments the active job gauge.
func JobStarted() {
	jobsActive.Inc()
}

// JobFinished decrements the active job gauge.
func JobFinished() {
	jobsActive.Dec()
}

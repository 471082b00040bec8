package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pool metrics
	PoolBlocksTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "caravan_pool_blocks_total",
			Help: "Total number of blocks in the memory pool",
		},
	)

	PoolBlocksFree = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "caravan_pool_blocks_free",
			Help: "Number of blocks currently on the free list",
		},
	)

	PoolAllocRefused = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caravan_pool_alloc_refused_total",
			Help: "Block allocations refused by priority threshold",
		},
		[]string{"priority"},
	)

	// Cache metrics
	BundlesStored = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "caravan_bundles_stored_total",
			Help: "Total number of bundles accepted into storage",
		},
	)

	BundlesExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "caravan_bundles_expired_total",
			Help: "Total number of stored bundles dropped at end of lifetime",
		},
	)

	BundlesRetransmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "caravan_bundles_retransmitted_total",
			Help: "Total number of retransmission attempts from storage",
		},
	)

	CacheEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "caravan_cache_entries",
			Help: "Cache entries by state list",
		},
		[]string{"list"},
	)

	// Custody metrics
	CustodyAccepted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "caravan_custody_accepted_total",
			Help: "Total number of custody-tracked bundles accepted",
		},
	)

	CustodyAcked = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "caravan_custody_acked_total",
			Help: "Total number of stored bundles released by a custody acknowledgement",
		},
	)

	DacsGenerated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "caravan_dacs_generated_total",
			Help: "Total number of DACS bundles closed and sent",
		},
	)

	// Routing metrics
	BundlesForwarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caravan_bundles_forwarded_total",
			Help: "Bundles moved between interfaces by disposition",
		},
		[]string{"disposition"},
	)

	MaintenancePasses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "caravan_maintenance_passes_total",
			Help: "Total number of maintenance passes completed",
		},
	)

	MaintenanceDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "caravan_maintenance_duration_seconds",
			Help:    "Time taken for a maintenance pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// CLA metrics
	ClaIngressBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "caravan_cla_ingress_bytes_total",
			Help: "Total bytes received from convergence-layer adapters",
		},
	)

	ClaEgressBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "caravan_cla_egress_bytes_total",
			Help: "Total bytes handed to convergence-layer adapters",
		},
	)

	DecodeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caravan_decode_errors_total",
			Help: "Bundle decode failures by cause",
		},
		[]string{"cause"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(PoolBlocksTotal)
	prometheus.MustRegister(PoolBlocksFree)
	prometheus.MustRegister(PoolAllocRefused)
	prometheus.MustRegister(BundlesStored)
	prometheus.MustRegister(BundlesExpired)
	prometheus.MustRegister(BundlesRetransmitted)
	prometheus.MustRegister(CacheEntries)
	prometheus.MustRegister(CustodyAccepted)
	prometheus.MustRegister(CustodyAcked)
	prometheus.MustRegister(DacsGenerated)
	prometheus.MustRegister(BundlesForwarded)
	prometheus.MustRegister(MaintenancePasses)
	prometheus.MustRegister(MaintenanceDuration)
	prometheus.MustRegister(ClaIngressBytes)
	prometheus.MustRegister(ClaEgressBytes)
	prometheus.MustRegister(DecodeErrors)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

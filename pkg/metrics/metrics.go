package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the crawler.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Fetch client
	FetchRequestsTotal  *prometheus.CounterVec
	FetchRetriesTotal   prometheus.Counter
	FetchRequestLatency *prometheus.HistogramVec

	// Paginated walks
	PagesTotal          *prometheus.CounterVec
	DuplicatesSkipped   prometheus.Counter
	WalksTotal          *prometheus.CounterVec
	RecordsFetchedTotal prometheus.Counter

	// Batch coordinator
	BatchesTotal    *prometheus.CounterVec
	BatchesInFlight prometheus.Gauge

	// Importer
	ImportsTotal        *prometheus.CounterVec
	AddressesDiscovered prometheus.Histogram

	// Persistence
	RecordsPersistedTotal *prometheus.CounterVec
	CheckpointUpdates     prometheus.Counter

	// Background tasks
	TasksTotal *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default returns the process-wide metrics registered on the default registry
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = NewMetrics(prometheus.DefaultRegisterer, "")
	})
	return defaultMetrics
}

// NewMetrics creates and registers all crawler metrics on reg
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "crawler"
	}
	factory := promauto.With(reg)

	return &Metrics{
		FetchRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "requests_total",
			Help:      "Total ledger API requests by outcome",
		}, []string{"outcome"}),
		FetchRetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "retries_total",
			Help:      "Total retries after retryable ledger API failures",
		}),
		FetchRequestLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "request_duration_seconds",
			Help:      "Ledger API request duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"action"}),

		PagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "walk",
			Name:      "pages_total",
			Help:      "Total pages walked by direction",
		}, []string{"direction"}),
		DuplicatesSkipped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "walk",
			Name:      "duplicates_skipped_total",
			Help:      "Total records dropped because their identity key was already seen",
		}),
		WalksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "walk",
			Name:      "walks_total",
			Help:      "Total paginated walks by outcome",
		}, []string{"outcome"}),
		RecordsFetchedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "walk",
			Name:      "records_total",
			Help:      "Total unique records produced by walks",
		}),

		BatchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "batches_total",
			Help:      "Total batch tasks by terminal state",
		}, []string{"state"}),
		BatchesInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "batches_in_flight",
			Help:      "Batch tasks submitted and not yet terminal",
		}),

		ImportsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "importer",
			Name:      "imports_total",
			Help:      "Total import submissions by outcome",
		}, []string{"outcome"}),
		AddressesDiscovered: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "importer",
			Name:      "addresses_discovered",
			Help:      "Unique addresses discovered per import run",
			Buckets:   prometheus.ExponentialBuckets(10, 4, 7),
		}),

		RecordsPersistedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "records_persisted_total",
			Help:      "Total records written by write strategy",
		}, []string{"strategy"}),
		CheckpointUpdates: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "checkpoint_updates_total",
			Help:      "Total checkpoint updates",
		}),

		TasksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "tasks_total",
			Help:      "Total background tasks by kind and state",
		}, []string{"kind", "state"}),
	}
}

// ObserveFetch records one ledger API request
func (m *Metrics) ObserveFetch(action, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.FetchRequestsTotal.WithLabelValues(outcome).Inc()
	m.FetchRequestLatency.WithLabelValues(action).Observe(d.Seconds())
}

// IncRetry records one retry
func (m *Metrics) IncRetry() {
	if m == nil {
		return
	}
	m.FetchRetriesTotal.Inc()
}

// IncPage records one page walked in the given direction ("forward" or "backward")
func (m *Metrics) IncPage(direction string) {
	if m == nil {
		return
	}
	m.PagesTotal.WithLabelValues(direction).Inc()
}

// AddDuplicates records records dropped by deduplication
func (m *Metrics) AddDuplicates(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.DuplicatesSkipped.Add(float64(n))
}

// ObserveWalk records the end of a walk
func (m *Metrics) ObserveWalk(complete bool, records int) {
	if m == nil {
		return
	}
	outcome := "complete"
	if !complete {
		outcome = "partial"
	}
	m.WalksTotal.WithLabelValues(outcome).Inc()
	m.RecordsFetchedTotal.Add(float64(records))
}

// BatchSubmitted records a batch task entering the queue
func (m *Metrics) BatchSubmitted() {
	if m == nil {
		return
	}
	m.BatchesInFlight.Inc()
}

// BatchFinished records a batch task reaching a terminal state
func (m *Metrics) BatchFinished(state string) {
	if m == nil {
		return
	}
	m.BatchesInFlight.Dec()
	m.BatchesTotal.WithLabelValues(state).Inc()
}

// ObserveImport records an import submission outcome
// ("started", "cached", "duplicate", "completed", "failed")
func (m *Metrics) ObserveImport(outcome string) {
	if m == nil {
		return
	}
	m.ImportsTotal.WithLabelValues(outcome).Inc()
}

// ObserveAddresses records the size of a discovered address set
func (m *Metrics) ObserveAddresses(n int) {
	if m == nil {
		return
	}
	m.AddressesDiscovered.Observe(float64(n))
}

// AddPersisted records records written with a strategy
func (m *Metrics) AddPersisted(strategy string, n int) {
	if m == nil {
		return
	}
	m.RecordsPersistedTotal.WithLabelValues(strategy).Add(float64(n))
}

// IncCheckpoint records a checkpoint update
func (m *Metrics) IncCheckpoint() {
	if m == nil {
		return
	}
	m.CheckpointUpdates.Inc()
}

// ObserveTask records a task state transition
func (m *Metrics) ObserveTask(kind, state string) {
	if m == nil {
		return
	}
	m.TasksTotal.WithLabelValues(kind, state).Inc()
}

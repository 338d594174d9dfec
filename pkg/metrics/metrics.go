package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task Registry metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "necrocode_tasks_total",
			Help: "Total number of tasks by state",
		},
		[]string{"spec_name", "state"},
	)

	TasksetVersion = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "necrocode_taskset_version",
			Help: "Current version of a taskset",
		},
		[]string{"spec_name"},
	)

	EventJournalFallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "necrocode_event_journal_fallbacks_total",
			Help: "Total number of event journal writes that fell back to the local fallback file",
		},
		[]string{"spec_name"},
	)

	RegistryLockWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "necrocode_registry_lock_wait_seconds",
			Help:    "Time spent waiting to acquire a per-spec registry lock",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Workspace Pool metrics
	SlotAllocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "necrocode_slot_allocations_total",
			Help: "Total number of slot allocations by pool",
		},
		[]string{"pool_name"},
	)

	SlotAllocationLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "necrocode_slot_allocation_latency_seconds",
			Help:    "Time taken to allocate a slot",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"pool_name"},
	)

	SlotCleanupDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "necrocode_slot_cleanup_duration_seconds",
			Help:    "Time taken to run pre/post allocation cleanup on a slot",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"pool_name", "phase"},
	)

	SlotErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "necrocode_slot_errors_total",
			Help: "Total number of slots quarantined into ERROR state",
		},
		[]string{"pool_name"},
	)

	// Dispatcher metrics
	QueueSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "necrocode_queue_size",
			Help: "Current number of tasks waiting in the dispatcher queue",
		},
	)

	GlobalRunningTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "necrocode_global_running_total",
			Help: "Current number of runners running across all agent pools",
		},
	)

	PoolRunningTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "necrocode_pool_running_total",
			Help: "Current number of runners running per agent pool",
		},
		[]string{"pool_name"},
	)

	PoolUtilization = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "necrocode_pool_utilization_ratio",
			Help: "Current utilization ratio (running / max_concurrency) per agent pool",
		},
		[]string{"pool_name"},
	)

	TaskWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "necrocode_task_wait_duration_seconds",
			Help:    "Time a task spends in the queue before assignment",
			Buckets: prometheus.DefBuckets,
		},
	)

	RunnerLaunchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "necrocode_runner_launches_total",
			Help: "Total number of runner launches by pool and outcome",
		},
		[]string{"pool_name", "outcome"},
	)

	RunnerTimeoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "necrocode_runner_timeouts_total",
			Help: "Total number of runners marked FAILED by heartbeat timeout",
		},
		[]string{"pool_name"},
	)

	TaskRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "necrocode_task_retries_total",
			Help: "Total number of task retry attempts scheduled",
		},
		[]string{"spec_name"},
	)

	DeadlocksDetectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "necrocode_deadlocks_detected_total",
			Help: "Total number of dependency cycles detected among non-terminal tasks",
		},
	)

	DispatchCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "necrocode_dispatch_cycle_duration_seconds",
			Help:    "Time taken for one dispatcher main-loop tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Agent Runner metrics
	RunnerPhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "necrocode_runner_phase_duration_seconds",
			Help:    "Time taken by each Agent Runner phase",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"phase"},
	)

	RunnerFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "necrocode_runner_failures_total",
			Help: "Total number of runner failures by phase",
		},
		[]string{"phase"},
	)
)

func init() {
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(TasksetVersion)
	prometheus.MustRegister(EventJournalFallbacksTotal)
	prometheus.MustRegister(RegistryLockWaitDuration)

	prometheus.MustRegister(SlotAllocationsTotal)
	prometheus.MustRegister(SlotAllocationLatency)
	prometheus.MustRegister(SlotCleanupDuration)
	prometheus.MustRegister(SlotErrorsTotal)

	prometheus.MustRegister(QueueSize)
	prometheus.MustRegister(GlobalRunningTotal)
	prometheus.MustRegister(PoolRunningTotal)
	prometheus.MustRegister(PoolUtilization)
	prometheus.MustRegister(TaskWaitDuration)
	prometheus.MustRegister(RunnerLaunchesTotal)
	prometheus.MustRegister(RunnerTimeoutsTotal)
	prometheus.MustRegister(TaskRetriesTotal)
	prometheus.MustRegister(DeadlocksDetectedTotal)
	prometheus.MustRegister(DispatchCycleDuration)

	prometheus.MustRegister(RunnerPhaseDuration)
	prometheus.MustRegister(RunnerFailuresTotal)
}

// Handler returns the Prometheus HTTP handler for metrics scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

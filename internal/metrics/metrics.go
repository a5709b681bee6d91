package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "replisync"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Admin API requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	taskOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Sync task transitions by outcome (completed, retried, failed, cancelled).",
		},
		[]string{"outcome"},
	)

	queueLength = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_length",
		Help:      "Tasks currently held by the sync queue.",
	})

	runningTasks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "running_tasks",
		Help:      "Tasks in flight against the remote store.",
	})

	syncDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Duration of full reconciliation passes.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"result"},
	)
)

const (
	OutcomeCompleted = "completed"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(httpRequests, taskOutcomes, queueLength, runningTasks, syncDuration)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

func IncTask(outcome string) {
	taskOutcomes.WithLabelValues(outcome).Inc()
}

func SetQueueLength(n int) {
	queueLength.Set(float64(n))
}

func SetRunning(n int) {
	runningTasks.Set(float64(n))
}

// ObserveSync records a reconciliation pass; ok selects the result label.
func ObserveSync(d time.Duration, ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	syncDuration.WithLabelValues(result).Observe(d.Seconds())
}

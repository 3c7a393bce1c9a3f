package pool

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors a Pool reports through. Nil-safe
// at every call site in dispatcher.go, so a Pool built without SetMetrics
// runs with no observability overhead.
type Metrics struct {
	QueueDepth  prometheus.Gauge
	JobsTotal   *prometheus.CounterVec
	JobDuration prometheus.Histogram
}

// NewMetrics builds and registers a Metrics set against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "comfyfleet",
			Subsystem: "pool",
			Name:      "queue_depth",
			Help:      "Number of jobs currently waiting in the dispatcher's weighted queue.",
		}),
		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "comfyfleet",
			Subsystem: "pool",
			Name:      "jobs_total",
			Help:      "Jobs completed, labeled by result.",
		}, []string{"result"}),
		JobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "comfyfleet",
			Subsystem: "pool",
			Name:      "job_duration_seconds",
			Help:      "Wall-clock time from client selection to job completion.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.QueueDepth, m.JobsTotal, m.JobDuration)
	return m
}

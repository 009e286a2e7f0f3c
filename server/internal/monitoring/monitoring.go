package monitoring

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricNamespace = "generate3d"

	metricNameGenerationLatency = "server_generation_latency"
	metricNameRequests          = "server_requests_total"
	metricNameQueueWait         = "server_queue_wait"
	metricNameRunTime           = "server_task_run_time"
	metricNameMeshFiles         = "server_mesh_files_total"
	metricNameQueuedTasks       = "server_queued_tasks"
	metricNameInProgressTasks   = "server_in_progress_tasks"

	metricLabelStatusCode = "status_code"
)

// MetricsMonitoring is an interface for monitoring metrics.
type MetricsMonitoring interface {
	ObserveGenerationLatency(statusCode int, latency time.Duration)
	ObserveTask(queueWait, runTime time.Duration, files int)
}

type processor interface {
	NumQueuedTasks() int32
	NumInProgressTasks() int
}

// MetricsMonitor holds and updates Prometheus metrics.
type MetricsMonitor struct {
	reg        prometheus.Registerer
	collectors []prometheus.Collector

	generationLatencyHistVec *prometheus.HistogramVec
	requestsCounterVec       *prometheus.CounterVec
	queueWaitHist            prometheus.Histogram
	runTimeHist              prometheus.Histogram
	meshFilesCounter         prometheus.Counter
}

// latencyBuckets are the buckets for the latencies from 100ms to 10 minutes.
var latencyBuckets = []float64{
	.1, .2, .5, 1, 2, 5, 10, 30, 60, 120, 180, 240, 300, 450, 600,
}

// NewMetricsMonitor returns a new MetricsMonitor registered to reg.
func NewMetricsMonitor(reg prometheus.Registerer, p processor) *MetricsMonitor {
	m := &MetricsMonitor{
		reg: reg,
		generationLatencyHistVec: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricNamespace,
				Name:      metricNameGenerationLatency,
				Help:      "Latency of generation requests in seconds.",
				Buckets:   latencyBuckets,
			},
			[]string{metricLabelStatusCode},
		),
		requestsCounterVec: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      metricNameRequests,
				Help:      "Number of generation requests.",
			},
			[]string{metricLabelStatusCode},
		),
		queueWaitHist: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricNamespace,
			Name:      metricNameQueueWait,
			Help:      "Time tasks spent in the queue in seconds.",
			Buckets:   latencyBuckets,
		}),
		runTimeHist: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricNamespace,
			Name:      metricNameRunTime,
			Help:      "Time workers spent on tasks in seconds.",
			Buckets:   latencyBuckets,
		}),
		meshFilesCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      metricNameMeshFiles,
			Help:      "Number of mesh files written.",
		}),
	}
	m.collectors = []prometheus.Collector{
		m.generationLatencyHistVec,
		m.requestsCounterVec,
		m.queueWaitHist,
		m.runTimeHist,
		m.meshFilesCounter,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricNamespace,
			Name:      metricNameQueuedTasks,
			Help:      "Number of queued tasks.",
		}, func() float64 {
			return float64(p.NumQueuedTasks())
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricNamespace,
			Name:      metricNameInProgressTasks,
			Help:      "Number of tasks being processed.",
		}, func() float64 {
			return float64(p.NumInProgressTasks())
		}),
	}
	reg.MustRegister(m.collectors...)
	return m
}

// ObserveGenerationLatency observes the latency of a generation request.
func (m *MetricsMonitor) ObserveGenerationLatency(statusCode int, latency time.Duration) {
	code := strconv.Itoa(statusCode)
	m.generationLatencyHistVec.WithLabelValues(code).Observe(latency.Seconds())
	m.requestsCounterVec.WithLabelValues(code).Inc()
}

// ObserveTask observes the timings of a processed task.
func (m *MetricsMonitor) ObserveTask(queueWait, runTime time.Duration, files int) {
	m.queueWaitHist.Observe(queueWait.Seconds())
	m.runTimeHist.Observe(runTime.Seconds())
	m.meshFilesCounter.Add(float64(files))
}

// UnregisterAllCollectors unregisters all collectors.
func (m *MetricsMonitor) UnregisterAllCollectors() {
	for _, c := range m.collectors {
		m.reg.Unregister(c)
	}
}

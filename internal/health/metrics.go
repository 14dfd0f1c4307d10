package health

import (
	"strconv"
	"time"

	"github.com/fetchmux/pkg/transfer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for fetchmux. It implements
// transfer.Observer.
type Metrics struct {
	TransfersAdmitted  prometheus.Counter
	TransfersCompleted *prometheus.CounterVec
	TransferDuration   prometheus.Histogram
	ReceivedBytes      prometheus.Counter
	TransfersPaused    prometheus.Gauge
	ActiveTransfers    prometheus.Gauge
	QueuedJobs         prometheus.Gauge
	JobsTotal          *prometheus.CounterVec
	TargetHealth       *prometheus.GaugeVec
}

var _ transfer.Observer = (*Metrics)(nil)

// NewMetrics creates all metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TransfersAdmitted: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "fetchmux",
				Name:      "transfers_admitted_total",
				Help:      "Total number of transfers admitted into the engine",
			},
		),
		TransfersCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fetchmux",
				Name:      "transfers_completed_total",
				Help:      "Total number of completed transfers by result and code",
			},
			[]string{"result", "code"},
		),
		TransferDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "fetchmux",
				Name:      "transfer_duration_seconds",
				Help:      "Transfer duration from admission to completion",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 16), // 5ms to ~160s
			},
		),
		ReceivedBytes: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "fetchmux",
				Name:      "received_bytes_total",
				Help:      "Total body bytes delivered by the engine",
			},
		),
		TransfersPaused: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "fetchmux",
				Name:      "transfers_paused",
				Help:      "Number of transfers currently paused",
			},
		),
		ActiveTransfers: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "fetchmux",
				Name:      "active_transfers",
				Help:      "Number of transfers reported running by the last pump",
			},
		),
		QueuedJobs: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "fetchmux",
				Name:      "queued_jobs",
				Help:      "Number of jobs waiting to be started",
			},
		),
		JobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fetchmux",
				Name:      "jobs_total",
				Help:      "Total number of finished jobs by result",
			},
			[]string{"result"},
		),
		TargetHealth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "fetchmux",
				Name:      "target_health",
				Help:      "Health status of each probed target (1=healthy, 0=unhealthy)",
			},
			[]string{"target"},
		),
	}
}

// TransferAdmitted implements transfer.Observer.
func (m *Metrics) TransferAdmitted(string) {
	m.TransfersAdmitted.Inc()
}

// BytesReceived implements transfer.Observer.
func (m *Metrics) BytesReceived(n int) {
	m.ReceivedBytes.Add(float64(n))
}

// TransferPaused implements transfer.Observer.
func (m *Metrics) TransferPaused(paused bool) {
	if paused {
		m.TransfersPaused.Inc()
	} else {
		m.TransfersPaused.Dec()
	}
}

// TransferCompleted implements transfer.Observer.
func (m *Metrics) TransferCompleted(status int, _ int64, elapsed time.Duration) {
	result := "success"
	if status < 0 || status >= 400 {
		result = "error"
	}
	m.TransfersCompleted.WithLabelValues(result, strconv.Itoa(status)).Inc()
	m.TransferDuration.Observe(elapsed.Seconds())
}

// SetActiveTransfers updates the active transfers metric.
func (m *Metrics) SetActiveTransfers(count int) {
	m.ActiveTransfers.Set(float64(count))
}

// SetQueuedJobs updates the queued jobs metric.
func (m *Metrics) SetQueuedJobs(count int) {
	m.QueuedJobs.Set(float64(count))
}

// RecordJob counts a finished job.
func (m *Metrics) RecordJob(success bool) {
	if success {
		m.JobsTotal.WithLabelValues("success").Inc()
	} else {
		m.JobsTotal.WithLabelValues("error").Inc()
	}
}

// SetTargetHealth updates the health status for a target.
func (m *Metrics) SetTargetHealth(target string, healthy bool) {
	if healthy {
		m.TargetHealth.WithLabelValues(target).Set(1)
	} else {
		m.TargetHealth.WithLabelValues(target).Set(0)
	}
}

package flow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for worker and engine activity,
// namespaced "taskflow". All Engine call sites tolerate a nil *Metrics,
// so metrics are strictly opt-in.
//
//	registry := prometheus.NewRegistry()
//	engine := flow.New(st, flow.WithMetrics(flow.NewMetrics(registry)))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
type Metrics struct {
	// ClaimsTotal counts successful claims per queue.
	ClaimsTotal *prometheus.CounterVec

	// ClaimErrorsTotal counts failed claim attempts (store errors, not
	// empty queues).
	ClaimErrorsTotal prometheus.Counter

	// TasksInflight tracks tasks currently processing in this worker.
	TasksInflight prometheus.Gauge

	// TaskDuration observes handler execution time per task type and
	// outcome ("success" or "failure").
	TaskDuration *prometheus.HistogramVec

	// RetriesTotal counts reschedules with backoff per task type.
	RetriesTotal *prometheus.CounterVec

	// DeadLettersTotal counts dead-lettered tasks per task type.
	DeadLettersTotal *prometheus.CounterVec

	// InstancesFinished counts instances reaching a terminal status,
	// labeled "completed" or "failed".
	InstancesFinished *prometheus.CounterVec
}

// NewMetrics registers the engine metrics on reg and returns them. Use
// prometheus.DefaultRegisterer to expose via the default handler.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ClaimsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskflow",
			Name:      "claims_total",
			Help:      "Tasks claimed by this worker, by queue.",
		}, []string{"queue"}),
		ClaimErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "taskflow",
			Name:      "claim_errors_total",
			Help:      "Claim attempts that failed with a store error.",
		}),
		TasksInflight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskflow",
			Name:      "tasks_inflight",
			Help:      "Tasks currently processing in this worker.",
		}),
		TaskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "taskflow",
			Name:      "task_duration_seconds",
			Help:      "Handler execution time by task type and outcome.",
			Buckets:   []float64{.005, .025, .1, .5, 1, 5, 15, 60, 300},
		}, []string{"type", "outcome"}),
		RetriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskflow",
			Name:      "retries_total",
			Help:      "Tasks rescheduled with backoff, by task type.",
		}, []string{"type"}),
		DeadLettersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskflow",
			Name:      "dead_letters_total",
			Help:      "Tasks dead-lettered after exhausting retries, by task type.",
		}, []string{"type"}),
		InstancesFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskflow",
			Name:      "instances_finished_total",
			Help:      "Workflow instances reaching a terminal status.",
		}, []string{"status"}),
	}
}

func (m *Metrics) claim(queue string) {
	if m != nil {
		m.ClaimsTotal.WithLabelValues(queue).Inc()
	}
}

func (m *Metrics) claimError() {
	if m != nil {
		m.ClaimErrorsTotal.Inc()
	}
}

func (m *Metrics) inflight(delta float64) {
	if m != nil {
		m.TasksInflight.Add(delta)
	}
}

func (m *Metrics) taskDone(taskType string, success bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.TaskDuration.WithLabelValues(taskType, outcome).Observe(elapsed.Seconds())
}

func (m *Metrics) retry(taskType string) {
	if m != nil {
		m.RetriesTotal.WithLabelValues(taskType).Inc()
	}
}

func (m *Metrics) deadLetter(taskType string) {
	if m != nil {
		m.DeadLettersTotal.WithLabelValues(taskType).Inc()
	}
}

func (m *Metrics) instanceFinished(status string) {
	if m != nil {
		m.InstancesFinished.WithLabelValues(status).Inc()
	}
}

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the engine's Prometheus instrumentation surface.
type Metrics struct {
	registry *prometheus.Registry

	TasksEnqueued    *prometheus.CounterVec
	TasksCompleted   *prometheus.CounterVec
	TasksFailed      *prometheus.CounterVec
	QueueDepth       *prometheus.GaugeVec
	PollLatency      prometheus.Histogram
	TimerFireDelay   prometheus.Histogram
	DecisionConflict prometheus.Counter
	CallbackResults  *prometheus.CounterVec
	WorkflowsClosed  *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		TasksEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linkflow_matching_tasks_enqueued_total",
			Help: "Tasks accepted by the matching service.",
		}, []string{"namespace", "task_queue"}),
		TasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linkflow_matching_tasks_completed_total",
			Help: "Tasks acknowledged by workers.",
		}, []string{"namespace", "task_queue"}),
		TasksFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linkflow_matching_tasks_failed_total",
			Help: "Task failures reported to matching.",
		}, []string{"namespace", "task_queue"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "linkflow_matching_queue_depth",
			Help: "Pending tasks per queue.",
		}, []string{"namespace", "task_queue"}),
		PollLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "linkflow_matching_poll_latency_seconds",
			Help:    "Time from task schedule to dispatch.",
			Buckets: prometheus.DefBuckets,
		}),
		TimerFireDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "linkflow_timer_fire_delay_seconds",
			Help:    "Lag between a timer's fire time and its delivery.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		DecisionConflict: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "linkflow_engine_decision_conflicts_total",
			Help: "Optimistic lock conflicts during decision batches.",
		}),
		CallbackResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linkflow_callback_results_total",
			Help: "Callback delivery outcomes.",
		}, []string{"event", "outcome"}),
		WorkflowsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linkflow_workflows_closed_total",
			Help: "Workflows reaching a terminal status.",
		}, []string{"status"}),
	}

	registry.MustRegister(
		m.TasksEnqueued,
		m.TasksCompleted,
		m.TasksFailed,
		m.QueueDepth,
		m.PollLatency,
		m.TimerFireDelay,
		m.DecisionConflict,
		m.CallbackResults,
		m.WorkflowsClosed,
	)

	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

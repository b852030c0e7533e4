package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the prometheus collectors shared by the services. One
// instance is created at bootstrap and passed down explicitly.
type Metrics struct {
	Registry *prometheus.Registry

	OrchestrationsStarted  *prometheus.CounterVec
	OrchestrationsRejected *prometheus.CounterVec
	OrchestrationsStopped  prometheus.Counter
	CommandsPublished      *prometheus.CounterVec
	CommandsConsumed       *prometheus.CounterVec
	EventsPublished        *prometheus.CounterVec
	EventsConsumed         *prometheus.CounterVec
	ActivityDuration       *prometheus.HistogramVec
	ActivityFailures       *prometheus.CounterVec
	QueueDepth             *prometheus.GaugeVec
	HealthTicks            *prometheus.CounterVec
	ScheduleFires          prometheus.Counter
	ScheduleArmFailures    prometheus.Counter
}

// New creates the collectors on a fresh registry.
func New(serviceName string) *Metrics {
	registry := prometheus.NewRegistry()
	labels := prometheus.Labels{"service": serviceName}

	m := &Metrics{
		Registry: registry,
		OrchestrationsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "orchestrations_started_total",
			Help:        "Orchestrations started, by flow id.",
			ConstLabels: labels,
		}, []string{"flow_id"}),
		OrchestrationsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "orchestrations_rejected_total",
			Help:        "Orchestration starts rejected, by gate.",
			ConstLabels: labels,
		}, []string{"reason"}),
		OrchestrationsStopped: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "orchestrations_stopped_total",
			Help:        "Orchestrations stopped.",
			ConstLabels: labels,
		}),
		CommandsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "activity_commands_published_total",
			Help:        "Execute-activity commands published, by flow and step.",
			ConstLabels: labels,
		}, []string{"flow_id", "step_id"}),
		CommandsConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "activity_commands_consumed_total",
			Help:        "Execute-activity commands consumed, by flow and step.",
			ConstLabels: labels,
		}, []string{"flow_id", "step_id"}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "activity_events_published_total",
			Help:        "Activity events published, by status.",
			ConstLabels: labels,
		}, []string{"flow_id", "step_id", "status"}),
		EventsConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "activity_events_consumed_total",
			Help:        "Activity events consumed, by status.",
			ConstLabels: labels,
		}, []string{"flow_id", "step_id", "status"}),
		ActivityDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "activity_duration_seconds",
			Help:        "Activity execution duration.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"processor_id"}),
		ActivityFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "activity_failures_total",
			Help:        "Failed activity executions, by kind.",
			ConstLabels: labels,
		}, []string{"processor_id", "kind"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "processor_queue_depth",
			Help:        "Items in-flight or awaiting processing, per queue.",
			ConstLabels: labels,
		}, []string{"queue"}),
		HealthTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "health_monitor_ticks_total",
			Help:        "Health monitor ticks, by outcome.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		ScheduleFires: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "schedule_fires_total",
			Help:        "Cron schedule fires.",
			ConstLabels: labels,
		}),
		ScheduleArmFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "schedule_arm_failures_total",
			Help:        "Failures arming the cron scheduler at start.",
			ConstLabels: labels,
		}),
	}

	registry.MustRegister(
		m.OrchestrationsStarted,
		m.OrchestrationsRejected,
		m.OrchestrationsStopped,
		m.CommandsPublished,
		m.CommandsConsumed,
		m.EventsPublished,
		m.EventsConsumed,
		m.ActivityDuration,
		m.ActivityFailures,
		m.QueueDepth,
		m.HealthTicks,
		m.ScheduleFires,
		m.ScheduleArmFailures,
	)

	return m
}

package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for gza
type Metrics struct {
	// Task lifecycle
	TasksClaimed   prometheus.Counter
	TasksFinished  *prometheus.CounterVec
	TaskDuration   *prometheus.HistogramVec
	TasksInFlight  prometheus.Gauge
	ClaimConflicts prometheus.Counter

	// Provider runs
	ProviderRuns     *prometheus.CounterVec
	ProviderDuration *prometheus.HistogramVec
	ProviderTokens   *prometheus.CounterVec
	ProviderCostUSD  *prometheus.CounterVec
	ProviderTurns    *prometheus.HistogramVec

	// Worktrees
	WIPSaves     prometheus.Counter
	WIPRestores  *prometheus.CounterVec
	ReviewDiffs  *prometheus.CounterVec
	ImageRebuild *prometheus.CounterVec

	// Notifications
	WebhookDeliveries *prometheus.CounterVec
}

// NewMetrics creates a Metrics instance with all metrics registered on registry
func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		TasksClaimed: factory.NewCounter(prometheus.CounterOpts{
			Name: "gza_tasks_claimed_total",
			Help: "Total number of tasks claimed by workers",
		}),
		TasksFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gza_tasks_finished_total",
				Help: "Total number of tasks reaching a terminal state",
			},
			[]string{"type", "status", "reason"},
		),
		TaskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gza_task_duration_seconds",
				Help:    "Task execution duration in seconds",
				Buckets: []float64{30, 60, 120, 300, 600, 1200, 1800, 3600},
			},
			[]string{"type"},
		),
		TasksInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gza_tasks_in_flight",
			Help: "Number of tasks currently executing in this process",
		}),
		ClaimConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "gza_claim_errors_total",
			Help: "Claims rolled back and reported as no task available",
		}),

		ProviderRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gza_provider_runs_total",
				Help: "Total number of agent subprocess runs",
			},
			[]string{"provider", "error_type"},
		),
		ProviderDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gza_provider_duration_seconds",
				Help:    "Agent subprocess wall-clock duration in seconds",
				Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 2400},
			},
			[]string{"provider"},
		),
		ProviderTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gza_provider_tokens_total",
				Help: "Total tokens consumed by agent runs",
			},
			[]string{"provider", "model", "token_type"},
		),
		ProviderCostUSD: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gza_provider_cost_usd_total",
				Help: "Total estimated cost of agent runs in USD",
			},
			[]string{"provider", "model"},
		),
		ProviderTurns: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gza_provider_turns",
				Help:    "Computed turns per agent run",
				Buckets: []float64{1, 5, 10, 20, 35, 50, 75, 100},
			},
			[]string{"provider"},
		),

		WIPSaves: factory.NewCounter(prometheus.CounterOpts{
			Name: "gza_wip_saves_total",
			Help: "Work-in-progress saves after failed or interrupted runs",
		}),
		WIPRestores: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gza_wip_restores_total",
				Help: "Work-in-progress restores on resume",
			},
			[]string{"source"},
		),
		ReviewDiffs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gza_review_diffs_total",
				Help: "Review diff contexts built, by tier",
			},
			[]string{"tier"},
		),
		ImageRebuild: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gza_docker_image_builds_total",
				Help: "Docker image builds triggered by freshness checks",
			},
			[]string{"cli"},
		),

		WebhookDeliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gza_webhook_deliveries_total",
				Help: "Webhook deliveries by event and outcome",
			},
			[]string{"event", "outcome"},
		),
	}
}

// ObserveTask records a task reaching a terminal state
func (m *Metrics) ObserveTask(taskType, status, reason string, d time.Duration) {
	if m == nil {
		return
	}
	m.TasksFinished.WithLabelValues(taskType, status, reason).Inc()
	m.TaskDuration.WithLabelValues(taskType).Observe(d.Seconds())
}

// ObserveProviderRun records the figures of one agent run
func (m *Metrics) ObserveProviderRun(provider, model, errorType string, d time.Duration, turns, inputTokens, outputTokens int, costUSD float64) {
	if m == nil {
		return
	}
	m.ProviderRuns.WithLabelValues(provider, errorType).Inc()
	m.ProviderDuration.WithLabelValues(provider).Observe(d.Seconds())
	m.ProviderTurns.WithLabelValues(provider).Observe(float64(turns))
	m.ProviderTokens.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	m.ProviderTokens.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	m.ProviderCostUSD.WithLabelValues(provider, model).Add(costUSD)
}

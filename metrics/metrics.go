// Package metrics exposes engine activity as Prometheus metrics.
// Recorder implements engagement.Recorder; pass it with
// engagement.WithRecorder and mount Handler on /metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/engagement-engine/engagement"
)

const namespace = "engagement"

// Recorder owns one registry so several engines (or tests) never collide on
// the global default registry.
type Recorder struct {
	registry *prometheus.Registry

	eventsProcessed      *prometheus.CounterVec
	eventLatency         *prometheus.HistogramVec
	achievementsUnlocked *prometheus.CounterVec
	tasksCompleted       *prometheus.CounterVec
	levelsReached        *prometheus.CounterVec
	retries              prometheus.Counter
	reconcileRuns        prometheus.Counter
	reconcileAccounts    prometheus.Gauge
	reconcileMismatches  prometheus.Gauge
	ingestMessages       *prometheus.CounterVec
}

var _ engagement.Recorder = (*Recorder)(nil)

// New creates a Recorder with Go runtime and process collectors attached.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Recorder{
		registry: reg,

		// ─── Ingestion ──────────────────────────────────────────────
		eventsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_processed_total",
			Help:      "Events submitted to the engine by type and outcome.",
		}, []string{"type", "outcome"}),
		eventLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_duration_seconds",
			Help:      "Time to process one event, including retries.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
		}, []string{"type"}),
		retries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "concurrent_modification_retries_total",
			Help:      "Ingestion attempts retried after a concurrent modification.",
		}),

		// ─── Progression ────────────────────────────────────────────
		achievementsUnlocked: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "achievements_unlocked_total",
			Help:      "Achievement unlocks by achievement.",
		}, []string{"achievement"}),
		tasksCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "challenge_tasks_completed_total",
			Help:      "Challenge task completions by challenge.",
		}, []string{"challenge"}),
		levelsReached: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "levels_reached_total",
			Help:      "Level-ups by the level reached.",
		}, []string{"level"}),

		// ─── Reconciliation ─────────────────────────────────────────
		reconcileRuns: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliation_runs_total",
			Help:      "Completed reconciliation passes.",
		}),
		reconcileAccounts: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reconciliation_accounts",
			Help:      "Accounts checked by the last reconciliation pass.",
		}),
		reconcileMismatches: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reconciliation_mismatches",
			Help:      "Accounts that disagreed with their ledger in the last pass.",
		}),

		// ─── Transport ──────────────────────────────────────────────
		ingestMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_messages_total",
			Help:      "Messages read from an ingestion source by result.",
		}, []string{"source", "result"}),
	}
}

func (r *Recorder) EventProcessed(t engagement.EventType, outcome string, elapsed time.Duration) {
	r.eventsProcessed.WithLabelValues(string(t), outcome).Inc()
	r.eventLatency.WithLabelValues(string(t)).Observe(elapsed.Seconds())
}

func (r *Recorder) AchievementUnlocked(id engagement.AchievementID) {
	r.achievementsUnlocked.WithLabelValues(string(id)).Inc()
}

func (r *Recorder) TaskCompleted(id engagement.ChallengeID) {
	r.tasksCompleted.WithLabelValues(string(id)).Inc()
}

func (r *Recorder) LevelReached(level int) {
	r.levelsReached.WithLabelValues(strconv.Itoa(level)).Inc()
}

func (r *Recorder) Retried() { r.retries.Inc() }

func (r *Recorder) Reconciled(accounts, mismatches int) {
	r.reconcileRuns.Inc()
	r.reconcileAccounts.Set(float64(accounts))
	r.reconcileMismatches.Set(float64(mismatches))
}

// IngestMessage counts one message read by an ingestion source. result is
// applied, duplicate, rejected or failed.
func (r *Recorder) IngestMessage(source, result string) {
	r.ingestMessages.WithLabelValues(source, result).Inc()
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Package observability records anti-cheat events, fencing failures,
// finalize latency and the FSM timeline, and drives the automatic
// actions derived from repeated abuse signals.
package observability

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/quizarena/quizarena/internal/persistence"
	"github.com/quizarena/quizarena/internal/quiz"
)

// Thresholds for the derived alerts.
const (
	// suspiciousMismatches marks the user after this many device
	// mismatches in one day.
	suspiciousMismatches = 3
	// blockMismatches temp-blocks the user after this many.
	blockMismatches = 5
	// blockDuration is the temp-block length.
	blockDuration = 24 * time.Hour
)

// Metrics is the prometheus registry slice owned by the hooks.
type Metrics struct {
	AntiCheatEvents  *prometheus.CounterVec
	FencingFailures  *prometheus.CounterVec
	FinalizeDuration *prometheus.HistogramVec
	Transitions      *prometheus.CounterVec
	WSConnects       prometheus.Counter
	WSDisconnects    prometheus.Counter
	WSActive         prometheus.Gauge
	AnswerLatency    prometheus.Histogram
}

// NewMetrics builds and registers the engine metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AntiCheatEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quizarena_anticheat_events_total",
				Help: "Total anti-cheat events by kind",
			},
			[]string{"kind"},
		),
		FencingFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quizarena_fencing_failures_total",
				Help: "Operations that lost a coordinator fence",
			},
			[]string{"operation"},
		),
		FinalizeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quizarena_finalize_duration_seconds",
				Help:    "Finalization latency by result",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"result"},
		),
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quizarena_fsm_transitions_total",
				Help: "Quiz lifecycle transitions by target state",
			},
			[]string{"to"},
		),
		WSConnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quizarena_ws_connects_total",
			Help: "WebSocket connections accepted",
		}),
		WSDisconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quizarena_ws_disconnects_total",
			Help: "WebSocket connections closed",
		}),
		WSActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quizarena_ws_active_connections",
			Help: "Currently connected WebSocket clients",
		}),
		AnswerLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "quizarena_answer_latency_seconds",
			Help:    "Answer ingestion handler latency",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),
	}
	reg.MustRegister(
		m.AntiCheatEvents, m.FencingFailures, m.FinalizeDuration,
		m.Transitions, m.WSConnects, m.WSDisconnects, m.WSActive,
		m.AnswerLatency,
	)
	return m
}

// Hooks is the recording surface handed to the services.
type Hooks struct {
	store   persistence.Store
	metrics *Metrics

	// ForceLogout, when set, revokes the user's sessions after a
	// temp block. Wired to the push hub's force-disconnect.
	ForceLogout func(userID string)
}

// New builds hooks over the store and metrics.
func New(store persistence.Store, metrics *Metrics) *Hooks {
	return &Hooks{store: store, metrics: metrics}
}

// RecordCheat persists the event, bumps the counter and applies the
// derived automatic actions for repeat offenders. Recording failures
// are logged, never propagated into the hot path.
func (h *Hooks) RecordCheat(ctx context.Context, ev quiz.AntiCheatEvent) {
	h.metrics.AntiCheatEvents.WithLabelValues(ev.Kind).Inc()
	if err := h.store.Cheat().Record(ctx, ev); err != nil {
		log.Error().Err(err).Str("kind", ev.Kind).Str("user", ev.UserID).
			Msg("failed to record anti-cheat event")
		return
	}

	if ev.Kind != quiz.CheatDeviceMismatch {
		return
	}
	n, err := h.store.Cheat().CountByUserKind(ctx, ev.Date, ev.UserID, ev.Kind)
	if err != nil {
		log.Error().Err(err).Msg("anti-cheat count failed")
		return
	}
	switch {
	case n >= blockMismatches:
		if err := h.store.Users().BlockUntil(ctx, ev.UserID, time.Now().Add(blockDuration)); err != nil {
			log.Error().Err(err).Str("user", ev.UserID).Msg("temp block failed")
		}
		if h.ForceLogout != nil {
			h.ForceLogout(ev.UserID)
		}
		log.Warn().Str("user", ev.UserID).Int("mismatches", n).Msg("user temp-blocked for repeated device mismatch")
	case n >= suspiciousMismatches:
		if err := h.store.Users().MarkSuspicious(ctx, ev.UserID); err != nil {
			log.Error().Err(err).Str("user", ev.UserID).Msg("mark suspicious failed")
		}
	}
}

// RecordFencingFailure notes an operation that lost its fence.
func (h *Hooks) RecordFencingFailure(operation string) {
	h.metrics.FencingFailures.WithLabelValues(operation).Inc()
	log.Warn().Str("operation", operation).Msg("fencing failure")
}

// RecordFinalize records latency and outcome of a finalization run.
func (h *Hooks) RecordFinalize(d time.Duration, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	h.metrics.FinalizeDuration.WithLabelValues(result).Observe(d.Seconds())
}

// RecordTransition notes a lifecycle move for the FSM timeline.
func (h *Hooks) RecordTransition(date string, from, to quiz.State) {
	h.metrics.Transitions.WithLabelValues(string(to)).Inc()
	log.Info().Str("date", date).Str("from", string(from)).Str("to", string(to)).
		Msg("quiz transition")
}

// WSConnected / WSDisconnected track the push channel population.
func (h *Hooks) WSConnected() {
	h.metrics.WSConnects.Inc()
	h.metrics.WSActive.Inc()
}

func (h *Hooks) WSDisconnected() {
	h.metrics.WSDisconnects.Inc()
	h.metrics.WSActive.Dec()
}

// ObserveAnswerLatency feeds the answer-path histogram.
func (h *Hooks) ObserveAnswerLatency(d time.Duration) {
	h.metrics.AnswerLatency.Observe(d.Seconds())
}

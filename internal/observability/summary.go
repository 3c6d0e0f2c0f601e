package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog/log"
)

// Summary is the operational snapshot the health endpoint embeds.
type Summary struct {
	ActiveWSConnections float64 `json:"activeWsConnections"`
	AnswersObserved     uint64  `json:"answersObserved"`
	AntiCheatEvents     float64 `json:"antiCheatEvents"`
	FencingFailures     float64 `json:"fencingFailures"`
}

// Summarize gathers the registry and extracts the handful of families
// worth surfacing on /health.
func Summarize(g prometheus.Gatherer) Summary {
	var s Summary
	families, err := g.Gather()
	if err != nil {
		log.Error().Err(err).Msg("metrics gather failed")
		return s
	}
	for _, fam := range families {
		switch fam.GetName() {
		case "quizarena_ws_active_connections":
			s.ActiveWSConnections = gaugeValue(fam)
		case "quizarena_answer_latency_seconds":
			s.AnswersObserved = histogramCount(fam)
		case "quizarena_anticheat_events_total":
			s.AntiCheatEvents = counterSum(fam)
		case "quizarena_fencing_failures_total":
			s.FencingFailures = counterSum(fam)
		}
	}
	return s
}

func gaugeValue(fam *dto.MetricFamily) float64 {
	total := 0.0
	for _, m := range fam.GetMetric() {
		total += m.GetGauge().GetValue()
	}
	return total
}

func counterSum(fam *dto.MetricFamily) float64 {
	total := 0.0
	for _, m := range fam.GetMetric() {
		total += m.GetCounter().GetValue()
	}
	return total
}

func histogramCount(fam *dto.MetricFamily) uint64 {
	var total uint64
	for _, m := range fam.GetMetric() {
		total += m.GetHistogram().GetSampleCount()
	}
	return total
}

package metrics

import (
	"time"

	"adaptive-limiter/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics agrupa os coletores Prometheus do limiter
type Metrics struct {
	Decisions          *prometheus.CounterVec
	ThreatScore        prometheus.Histogram
	RiskLevels         *prometheus.CounterVec
	AdaptiveMultiplier prometheus.Gauge
	StoreErrors        *prometheus.CounterVec
	EvaluationDuration prometheus.Histogram
	AccessListSize     *prometheus.GaugeVec
	PatternReloads     *prometheus.CounterVec
}

// New registra os coletores em reg; nil usa o registry padrão
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		Decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "adaptive_limiter_decisions_total",
			Help: "Total number of rate limit decisions by category and outcome",
		}, []string{"category", "outcome"}),
		ThreatScore: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "adaptive_limiter_threat_score",
			Help:    "Distribution of per-request threat scores",
			Buckets: []float64{0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		}),
		RiskLevels: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "adaptive_limiter_risk_levels_total",
			Help: "Total number of assessments by risk level",
		}, []string{"risk"}),
		AdaptiveMultiplier: factory.NewGauge(prometheus.GaugeOpts{
			Name: "adaptive_limiter_multiplier",
			Help: "Current global adaptive multiplier",
		}),
		StoreErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "adaptive_limiter_store_errors_total",
			Help: "Total number of shared store failures by operation",
		}, []string{"operation"}),
		EvaluationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "adaptive_limiter_evaluation_duration_seconds",
			Help:    "Duration of request evaluations in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		AccessListSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "adaptive_limiter_access_list_size",
			Help: "Current number of entries per access list",
		}, []string{"list"}),
		PatternReloads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "adaptive_limiter_pattern_reloads_total",
			Help: "Total number of threat pattern reloads by status",
		}, []string{"status"}),
	}
}

func (m *Metrics) ObserveDecision(result *domain.EvaluationResult, elapsed time.Duration) {
	m.Decisions.WithLabelValues(string(result.Category), string(result.Outcome)).Inc()
	m.EvaluationDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveThreat(assessment domain.ThreatAssessment) {
	m.ThreatScore.Observe(assessment.Score)
	m.RiskLevels.WithLabelValues(string(assessment.Risk)).Inc()
}

func (m *Metrics) SetMultiplier(value float64) {
	m.AdaptiveMultiplier.Set(value)
}

func (m *Metrics) IncrementStoreErrors(operation string) {
	m.StoreErrors.WithLabelValues(operation).Inc()
}

func (m *Metrics) SetAccessListSizes(deny, allow int) {
	m.AccessListSize.WithLabelValues(string(domain.DenyList)).Set(float64(deny))
	m.AccessListSize.WithLabelValues(string(domain.AllowList)).Set(float64(allow))
}

func (m *Metrics) IncrementPatternReloads(status string) {
	m.PatternReloads.WithLabelValues(status).Inc()
}

package metrics

import (
	"strings"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "finrag_query_duration_seconds",
			Help:    "End-to-end query duration in seconds by terminal state",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 60},
		},
		[]string{"state"},
	)

	QueryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finrag_query_total",
			Help: "Total number of queries by terminal state and reason",
		},
		[]string{"state", "reason"},
	)

	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "finrag_stage_duration_seconds",
			Help:    "Time spent reaching each pipeline state",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"stage"},
	)

	RetrievalPathLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "finrag_retrieval_path_latency_seconds",
			Help:    "Vector search latency per retrieval path",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 4},
		},
		[]string{"path"},
	)

	RetrievalPathTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finrag_retrieval_path_total",
			Help: "Retrieval path executions by outcome",
		},
		[]string{"path", "status"},
	)

	RetrievalHits = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "finrag_retrieval_hits",
			Help:    "Hits kept per retrieval path after stratification",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 30},
		},
		[]string{"path"},
	)

	CandidateCount = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "finrag_candidate_sentences",
			Help:    "Candidate sentences per query after each evidence stage",
			Buckets: []float64{0, 5, 10, 25, 50, 100, 200, 400},
		},
		[]string{"stage"},
	)

	ContextTokens = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "finrag_context_tokens",
			Help:    "Tokens in the assembled narrative context",
			Buckets: []float64{0, 500, 1000, 2000, 4000, 8000, 16000, 32000},
		},
	)

	KPILookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finrag_kpi_lookups_total",
			Help: "KPI records returned by disclosure outcome",
		},
		[]string{"outcome"},
	)

	CitationValidation = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finrag_citation_validation_total",
			Help: "Answers by citation validation outcome",
		},
		[]string{"outcome"},
	)

	SynthesisAttempts = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "finrag_synthesis_attempts",
			Help:    "Generation attempts per answered query",
			Buckets: []float64{1, 2, 3, 4},
		},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finrag_llm_tokens_total",
			Help: "Total LLM tokens used",
		},
		[]string{"model", "type"},
	)

	LLMCost = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finrag_llm_cost_usd_total",
			Help: "Estimated LLM cost in USD",
		},
		[]string{"model"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finrag_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finrag_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	AuditDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "finrag_audit_dropped_total",
			Help: "Audit records dropped because the queue was full",
		},
	)

	ConfigVersion = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "finrag_config_version",
			Help: "Version of the active configuration snapshot",
		},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "finrag_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)
)

var registerOnce sync.Once

// Init registers every collector with the default registry. Safe to call
// more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			QueryDuration,
			QueryTotal,
			StageDuration,
			RetrievalPathLatency,
			RetrievalPathTotal,
			RetrievalHits,
			CandidateCount,
			ContextTokens,
			KPILookups,
			CitationValidation,
			SynthesisAttempts,
			LLMTokensUsed,
			LLMCost,
			CacheHits,
			CacheMisses,
			AuditDropped,
			ConfigVersion,
			CircuitBreakerState,
		)
	})
}

// PathLabel folds variant-N origins into one label to bound cardinality.
func PathLabel(origin string) string {
	if strings.HasPrefix(origin, "variant-") {
		return "variant"
	}
	return origin
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}

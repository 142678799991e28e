// Package metrics holds the Prometheus instrumentation for the engine.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Registry holds all Prometheus metrics for the engine.
type Registry struct {
	// Ingestion
	PostsIngested *prometheus.CounterVec
	IngestErrors  *prometheus.CounterVec

	// Trace pipeline
	TraceDuration *prometheus.HistogramVec
	ActiveTraces  prometheus.Gauge
	GraphNodes    prometheus.Gauge
	GraphEdges    *prometheus.GaugeVec

	// Similarity
	SimilarityCacheHits   prometheus.Counter
	SimilarityCacheMisses prometheus.Counter

	// Ledger
	LedgerAppends  *prometheus.CounterVec
	LedgerDenials  *prometheus.CounterVec
	ExportBundles  prometheus.Counter
	ChainVerifies  *prometheus.CounterVec
}

// NewRegistry creates a Registry and registers everything with the given
// Prometheus registerer. Passing nil uses the default registerer.
func NewRegistry(reg prometheus.Registerer) *Registry {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	r := &Registry{
		PostsIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "viraltrace_posts_ingested_total",
				Help: "Total posts accepted into the content store by platform",
			},
			[]string{"platform"},
		),

		IngestErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "viraltrace_ingest_errors_total",
				Help: "Total ingestion failures by reason",
			},
			[]string{"reason"},
		),

		TraceDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "viraltrace_trace_duration_seconds",
				Help:    "Duration of trace pipeline stages in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"stage", "result"},
		),

		ActiveTraces: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "viraltrace_active_traces",
				Help: "Number of trace sessions currently running",
			},
		),

		GraphNodes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "viraltrace_graph_nodes",
				Help: "Node count of the most recently built propagation graph",
			},
		),

		GraphEdges: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "viraltrace_graph_edges",
				Help: "Edge count of the most recently built propagation graph by kind",
			},
			[]string{"kind"},
		),

		SimilarityCacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "viraltrace_similarity_cache_hits_total",
				Help: "Total similarity score cache hits",
			},
		),

		SimilarityCacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "viraltrace_similarity_cache_misses_total",
				Help: "Total similarity score cache misses",
			},
		),

		LedgerAppends: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "viraltrace_ledger_appends_total",
				Help: "Total evidence records appended by action",
			},
			[]string{"action"},
		),

		LedgerDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "viraltrace_ledger_denials_total",
				Help: "Total authorization denials by check",
			},
			[]string{"check"},
		),

		ExportBundles: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "viraltrace_export_bundles_total",
				Help: "Total disclosure bundles exported",
			},
		),

		ChainVerifies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "viraltrace_chain_verifies_total",
				Help: "Total chain verification runs by outcome",
			},
			[]string{"outcome"},
		),
	}

	reg.MustRegister(
		r.PostsIngested,
		r.IngestErrors,
		r.TraceDuration,
		r.ActiveTraces,
		r.GraphNodes,
		r.GraphEdges,
		r.SimilarityCacheHits,
		r.SimilarityCacheMisses,
		r.LedgerAppends,
		r.LedgerDenials,
		r.ExportBundles,
		r.ChainVerifies,
	)

	return r
}

// StageTimer tracks execution time for a trace pipeline stage.
type StageTimer struct {
	metrics *Registry
	stage   string
	start   time.Time
}

// StartStageTimer begins timing a pipeline stage.
func (r *Registry) StartStageTimer(stage string) *StageTimer {
	return &StageTimer{
		metrics: r,
		stage:   stage,
		start:   time.Now(),
	}
}

// Stop completes the stage timing and records the observation.
func (t *StageTimer) Stop(result string) {
	duration := time.Since(t.start)
	t.metrics.TraceDuration.WithLabelValues(t.stage, result).Observe(duration.Seconds())

	log.Debug().
		Str("stage", t.stage).
		Str("result", result).
		Dur("duration", duration).
		Msg("trace stage completed")
}

// RecordDenial classifies a denial reason into a coarse check label so the
// counter cardinality stays bounded.
func (r *Registry) RecordDenial(reason string) {
	r.LedgerDenials.WithLabelValues(denialCheck(reason)).Inc()
}

func denialCheck(reason string) string {
	switch {
	case strings.Contains(reason, "expired"), strings.Contains(reason, "not yet valid"):
		return "validity"
	case strings.Contains(reason, "platform"):
		return "platform_scope"
	case strings.Contains(reason, "account"):
		return "account_scope"
	case strings.Contains(reason, "pii"):
		return "pii_export"
	case strings.Contains(reason, "not permitted"):
		return "action_policy"
	case strings.Contains(reason, "authorization"):
		return "authorization_lookup"
	default:
		return "other"
	}
}

// Handler returns the Prometheus scrape handler.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}

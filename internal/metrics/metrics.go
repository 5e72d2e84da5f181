// Package metrics exposes Prometheus instrumentation for the collector and
// the enrichment pipeline. Construct one Metrics per process against the
// registerer passed to New; the app and the tests each build their own
// registry, so counters start fresh.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is what the pipeline and collector record against.
type Recorder interface {
	RecordStageCall(stage string, success bool, latency time.Duration, tokens int)
	RecordHarvest(subSource string, fetched, unique int)
	RecordHarvestError(subSource string)
	RecordCredentialCooldown(index int)
	RecordQueueDepth(waiting, active int)
	RecordMentionCreated()
}

// Metrics is the Prometheus-backed Recorder.
type Metrics struct {
	stageCalls   *prometheus.CounterVec
	stageErrors  *prometheus.CounterVec
	stageLatency *prometheus.HistogramVec
	stageTokens  *prometheus.CounterVec

	harvestFetched *prometheus.CounterVec
	harvestUnique  *prometheus.CounterVec
	harvestErrors  *prometheus.CounterVec
	cooldowns      *prometheus.CounterVec

	queueWaiting prometheus.Gauge
	queueActive  prometheus.Gauge
	mentions     prometheus.Counter
}

// New creates a Metrics and registers every collector on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		stageCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "soluv_stage_calls_total",
			Help: "Pipeline stage executions by stage and outcome.",
		}, []string{"stage", "outcome"}),
		stageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "soluv_stage_errors_total",
			Help: "Pipeline stage failures by stage.",
		}, []string{"stage"}),
		stageLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "soluv_stage_latency_seconds",
			Help:    "Pipeline stage latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		stageTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "soluv_stage_tokens_total",
			Help: "LLM tokens consumed by stage.",
		}, []string{"stage"}),
		harvestFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "soluv_harvest_fetched_total",
			Help: "Posts returned by the listing API per subsource.",
		}, []string{"subsource"}),
		harvestUnique: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "soluv_harvest_unique_total",
			Help: "Posts surviving dedup per subsource.",
		}, []string{"subsource"}),
		harvestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "soluv_harvest_errors_total",
			Help: "Failed strategy executions per subsource.",
		}, []string{"subsource"}),
		cooldowns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "soluv_credential_cooldowns_total",
			Help: "Cooldowns applied per credential index.",
		}, []string{"credential"}),
		queueWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "soluv_queue_waiting",
			Help: "Jobs waiting in the orchestrator queue.",
		}),
		queueActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "soluv_queue_active",
			Help: "Jobs currently being processed.",
		}),
		mentions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "soluv_mentions_created_total",
			Help: "Mention rows written.",
		}),
	}

	reg.MustRegister(
		m.stageCalls, m.stageErrors, m.stageLatency, m.stageTokens,
		m.harvestFetched, m.harvestUnique, m.harvestErrors, m.cooldowns,
		m.queueWaiting, m.queueActive, m.mentions,
	)
	return m
}

// RecordStageCall records one stage execution.
func (m *Metrics) RecordStageCall(stage string, success bool, latency time.Duration, tokens int) {
	outcome := "success"
	if !success {
		outcome = "failure"
		m.stageErrors.WithLabelValues(stage).Inc()
	}
	m.stageCalls.WithLabelValues(stage, outcome).Inc()
	m.stageLatency.WithLabelValues(stage).Observe(latency.Seconds())
	if tokens > 0 {
		m.stageTokens.WithLabelValues(stage).Add(float64(tokens))
	}
}

// RecordHarvest records one strategy's yield.
func (m *Metrics) RecordHarvest(subSource string, fetched, unique int) {
	m.harvestFetched.WithLabelValues(subSource).Add(float64(fetched))
	m.harvestUnique.WithLabelValues(subSource).Add(float64(unique))
}

// RecordHarvestError records a failed strategy execution.
func (m *Metrics) RecordHarvestError(subSource string) {
	m.harvestErrors.WithLabelValues(subSource).Inc()
}

// RecordCredentialCooldown records a cooldown being applied.
func (m *Metrics) RecordCredentialCooldown(index int) {
	m.cooldowns.WithLabelValues(strconv.Itoa(index)).Inc()
}

// RecordQueueDepth records current queue gauges.
func (m *Metrics) RecordQueueDepth(waiting, active int) {
	m.queueWaiting.Set(float64(waiting))
	m.queueActive.Set(float64(active))
}

// RecordMentionCreated counts one mention row.
func (m *Metrics) RecordMentionCreated() {
	m.mentions.Inc()
}

// Handler serves the registry over HTTP for /metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Nop is a Recorder that discards everything. Used where metrics are
// optional.
type Nop struct{}

func (Nop) RecordStageCall(string, bool, time.Duration, int) {}
func (Nop) RecordHarvest(string, int, int)                   {}
func (Nop) RecordHarvestError(string)                        {}
func (Nop) RecordCredentialCooldown(int)                     {}
func (Nop) RecordQueueDepth(int, int)                        {}
func (Nop) RecordMentionCreated()                            {}

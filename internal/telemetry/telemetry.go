package telemetry

import (
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mohammad-safakhou/deepsearch/config"
)

// Telemetry provides request metrics and LLM cost tracking. Counters are
// registered on the default prometheus registry and served on /metrics.
type Telemetry struct {
	config config.TelemetryConfig
	logger *log.Logger

	requests       *prometheus.CounterVec
	searchDuration prometheus.Histogram
	crawlDuration  prometheus.Histogram
	llmTokens      *prometheus.CounterVec
	llmCost        *prometheus.CounterVec
	cacheHits      *prometheus.CounterVec
	tierMoves      *prometheus.CounterVec

	costTracker *CostTracker
}

// CostTracker tracks accumulated LLM spend per model.
type CostTracker struct {
	mu          sync.RWMutex
	ModelCosts  map[string]float64
	TotalCost   float64
	TotalTokens int64
}

var (
	registerOnce sync.Once
	shared       struct {
		requests       *prometheus.CounterVec
		searchDuration prometheus.Histogram
		crawlDuration  prometheus.Histogram
		llmTokens      *prometheus.CounterVec
		llmCost        *prometheus.CounterVec
		cacheHits      *prometheus.CounterVec
		tierMoves      *prometheus.CounterVec
	}
)

// NewTelemetry creates a telemetry instance. Prometheus collectors are
// process-wide, so repeated construction reuses the same collectors.
func NewTelemetry(cfg config.TelemetryConfig) *Telemetry {
	registerOnce.Do(func() {
		shared.requests = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "deepsearch_requests_total",
			Help: "Requests handled, by mode and outcome.",
		}, []string{"mode", "status"})
		shared.searchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "deepsearch_search_duration_seconds",
			Help:    "Wall time of the search provider call.",
			Buckets: prometheus.DefBuckets,
		})
		shared.crawlDuration = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "deepsearch_crawl_duration_seconds",
			Help:    "Wall time of the crawl fan-out.",
			Buckets: prometheus.DefBuckets,
		})
		shared.llmTokens = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "deepsearch_llm_tokens_total",
			Help: "Tokens consumed per model.",
		}, []string{"model"})
		shared.llmCost = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "deepsearch_llm_cost_dollars_total",
			Help: "Estimated spend per model.",
		}, []string{"model"})
		shared.cacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "deepsearch_cache_requests_total",
			Help: "Completion cache lookups, by outcome.",
		}, []string{"outcome"})
		shared.tierMoves = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "deepsearch_memory_tier_transitions_total",
			Help: "Session tier transitions.",
		}, []string{"from", "to"})
	})

	return &Telemetry{
		config:         cfg,
		logger:         log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		requests:       shared.requests,
		searchDuration: shared.searchDuration,
		crawlDuration:  shared.crawlDuration,
		llmTokens:      shared.llmTokens,
		llmCost:        shared.llmCost,
		cacheHits:      shared.cacheHits,
		tierMoves:      shared.tierMoves,
		costTracker:    &CostTracker{ModelCosts: make(map[string]float64)},
	}
}

// RecordRequest records a completed request with its outcome.
func (t *Telemetry) RecordRequest(mode string, success bool) {
	if !t.config.Enabled {
		return
	}
	status := "ok"
	if !success {
		status = "error"
	}
	t.requests.WithLabelValues(mode, status).Inc()
}

// RecordSearch records search/crawl timings.
func (t *Telemetry) RecordSearch(searchTime, crawlTime time.Duration) {
	if !t.config.Enabled {
		return
	}
	t.searchDuration.Observe(searchTime.Seconds())
	t.crawlDuration.Observe(crawlTime.Seconds())
}

// RecordLLM records token usage and spend for a served completion.
func (t *Telemetry) RecordLLM(model string, tokens int64, cost float64) {
	if !t.config.Enabled {
		return
	}
	t.llmTokens.WithLabelValues(model).Add(float64(tokens))
	if t.config.CostTracking {
		t.llmCost.WithLabelValues(model).Add(cost)
		t.costTracker.mu.Lock()
		t.costTracker.ModelCosts[model] += cost
		t.costTracker.TotalCost += cost
		t.costTracker.TotalTokens += tokens
		t.costTracker.mu.Unlock()
	}
}

// RecordCache records a completion cache lookup outcome.
func (t *Telemetry) RecordCache(hit bool) {
	if !t.config.Enabled {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	t.cacheHits.WithLabelValues(outcome).Inc()
}

// RecordTierTransition records a memory tier move.
func (t *Telemetry) RecordTierTransition(from, to string) {
	if !t.config.Enabled {
		return
	}
	t.tierMoves.WithLabelValues(from, to).Inc()
}

// TotalCost returns accumulated spend across all models.
func (t *Telemetry) TotalCost() float64 {
	t.costTracker.mu.RLock()
	defer t.costTracker.mu.RUnlock()
	return t.costTracker.TotalCost
}

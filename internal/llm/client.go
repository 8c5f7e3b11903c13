package llm

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/mohammad-safakhou/deepsearch/config"
	"github.com/mohammad-safakhou/deepsearch/internal/telemetry"
)

// Balanced-strategy weights. The score for a candidate is
// balancedPriorityWeight*normalizedPriority + balancedCostWeight*normalizedCost,
// both min-max normalized over the candidate set; the lowest score wins and
// priority breaks ties.
const (
	balancedPriorityWeight = 0.6
	balancedCostWeight     = 0.4
)

type modelHealth struct {
	healthy     bool
	lastChecked time.Time
}

// Client routes completion requests across the configured model catalog.
type Client struct {
	cfg       config.LLMConfig
	transport Transport
	telemetry *telemetry.Telemetry
	logger    *log.Logger

	mu      sync.RWMutex
	catalog []config.LLMModel // models with credentials present
	health  map[string]modelHealth

	stop     chan struct{}
	stopOnce sync.Once
}

// NewClient builds a routing client. Models whose API key env is set (or not
// required) form the catalog; the rest are logged and skipped. All models
// start healthy and the background loop refreshes their state.
func NewClient(cfg config.LLMConfig, transport Transport, tele *telemetry.Telemetry, logger *log.Logger) (*Client, error) {
	if transport == nil {
		return nil, fmt.Errorf("llm transport is required")
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[LLM] ", log.LstdFlags)
	}

	c := &Client{
		cfg:       cfg,
		transport: transport,
		telemetry: tele,
		logger:    logger,
		health:    make(map[string]modelHealth),
		stop:      make(chan struct{}),
	}

	for _, m := range cfg.Models {
		if m.APIKeyEnv != "" && os.Getenv(m.APIKeyEnv) == "" {
			logger.Printf("model %s (%s) skipped: missing %s", m.Name, m.Provider, m.APIKeyEnv)
			continue
		}
		c.catalog = append(c.catalog, m)
		c.health[m.Name] = modelHealth{healthy: true}
	}
	sort.SliceStable(c.catalog, func(i, j int) bool { return c.catalog[i].Priority < c.catalog[j].Priority })

	if len(c.catalog) == 0 {
		return nil, fmt.Errorf("no LLM providers available: configure at least one API key")
	}
	return c, nil
}

// StartHealthChecks runs periodic reachability probes until Close is called.
func (c *Client) StartHealthChecks(ctx context.Context) {
	interval := c.cfg.HealthInterval
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		c.refreshHealth(ctx)
		for {
			select {
			case <-ticker.C:
				c.refreshHealth(ctx)
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			}
		}
	}()
}

// Close stops the health loop.
func (c *Client) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Client) refreshHealth(ctx context.Context) {
	for _, m := range c.snapshot() {
		pctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err := c.transport.Ping(pctx, m)
		cancel()
		c.mu.Lock()
		c.health[m.Name] = modelHealth{healthy: err == nil, lastChecked: time.Now()}
		c.mu.Unlock()
		if err != nil {
			c.logger.Printf("model %s unhealthy: %v", m.Name, err)
		}
	}
}

func (c *Client) snapshot() []config.LLMModel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]config.LLMModel, len(c.catalog))
	copy(out, c.catalog)
	return out
}

// HealthCheck reports the current catalog health without issuing new probes.
func (c *Client) HealthCheck() Health {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h := Health{TotalConfigured: len(c.catalog)}
	for _, m := range c.catalog {
		if c.health[m.Name].healthy {
			h.HealthyModels = append(h.HealthyModels, m.Name)
		} else {
			h.UnhealthyModels = append(h.UnhealthyModels, m.Name)
		}
	}
	h.Status = "unhealthy"
	if len(h.HealthyModels) > 0 {
		h.Status = "healthy"
	}
	return h
}

// Models returns the catalog with health state, ordered by priority.
func (c *Client) Models() []ModelStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ModelStatus, 0, len(c.catalog))
	for _, m := range c.catalog {
		hs := c.health[m.Name]
		out = append(out, ModelStatus{LLMModel: m, Available: true, Healthy: hs.healthy, LastChecked: hs.lastChecked})
	}
	return out
}

// SetHealthy overrides a model's health state. Used by probes and tests.
func (c *Client) SetHealthy(model string, healthy bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.health[model]; ok {
		c.health[model] = modelHealth{healthy: healthy, lastChecked: time.Now()}
	}
}

// candidates returns healthy models matching the task type, priority-ordered.
func (c *Client) candidates(taskType string) []config.LLMModel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []config.LLMModel
	for _, m := range c.catalog {
		if !c.health[m.Name].healthy {
			continue
		}
		if taskType != "" && !supportsTask(m, taskType) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func supportsTask(m config.LLMModel, taskType string) bool {
	if len(m.TaskTypes) == 0 {
		return taskType == "general"
	}
	for _, t := range m.TaskTypes {
		if t == taskType {
			return true
		}
	}
	return false
}

// selectModel applies the request's strategy over the healthy candidate set.
func (c *Client) selectModel(req Request) (config.LLMModel, error) {
	if req.Model != "" {
		for _, m := range c.candidates("") {
			if m.Name == req.Model {
				return m, nil
			}
		}
		c.logger.Printf("requested model %s not available, falling back to auto-selection", req.Model)
	}

	taskType := req.TaskType
	if taskType == "" {
		taskType = "general"
	}
	cands := c.candidates(taskType)
	if len(cands) == 0 {
		return config.LLMModel{}, fmt.Errorf("%w for task type %q", ErrNoHealthyModels, taskType)
	}

	strategy := req.Strategy
	if strategy == "" {
		strategy = c.cfg.DefaultStrategy
	}
	switch strategy {
	case "cost":
		best := cands[0]
		for _, m := range cands[1:] {
			if m.CostPer1K < best.CostPer1K {
				best = m
			}
		}
		return best, nil
	case "performance":
		return cands[0], nil // already priority-ordered
	default: // balanced
		return pickBalanced(cands), nil
	}
}

func pickBalanced(cands []config.LLMModel) config.LLMModel {
	if len(cands) == 1 {
		return cands[0]
	}
	minP, maxP := cands[0].Priority, cands[0].Priority
	minC, maxC := cands[0].CostPer1K, cands[0].CostPer1K
	for _, m := range cands[1:] {
		if m.Priority < minP {
			minP = m.Priority
		}
		if m.Priority > maxP {
			maxP = m.Priority
		}
		if m.CostPer1K < minC {
			minC = m.CostPer1K
		}
		if m.CostPer1K > maxC {
			maxC = m.CostPer1K
		}
	}
	norm := func(v, lo, hi float64) float64 {
		if hi <= lo {
			return 0
		}
		return (v - lo) / (hi - lo)
	}
	best := cands[0]
	bestScore := balancedPriorityWeight*norm(float64(best.Priority), float64(minP), float64(maxP)) +
		balancedCostWeight*norm(best.CostPer1K, minC, maxC)
	for _, m := range cands[1:] {
		score := balancedPriorityWeight*norm(float64(m.Priority), float64(minP), float64(maxP)) +
			balancedCostWeight*norm(m.CostPer1K, minC, maxC)
		if score < bestScore || (score == bestScore && m.Priority < best.Priority) {
			best, bestScore = m, score
		}
	}
	return best
}

// fallbackAfter returns the remaining healthy task-matched candidates after a
// failed model, priority-ordered.
func (c *Client) fallbackAfter(failed string, taskType string) []config.LLMModel {
	var out []config.LLMModel
	for _, m := range c.candidates(taskType) {
		if m.Name != failed {
			out = append(out, m)
		}
	}
	return out
}

// Completion selects a model and runs a synchronous completion, falling back
// across remaining candidates on provider error.
func (c *Client) Completion(ctx context.Context, req Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("messages are required")
	}
	model, err := c.selectModel(req)
	if err != nil {
		return nil, err
	}

	retries := c.cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	taskType := req.TaskType
	if taskType == "" {
		taskType = "general"
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		start := time.Now()
		content, tokens, finish, err := c.transport.Complete(ctx, model, req)
		if err == nil {
			resp := &Response{
				Content:      content,
				Provider:     model.Provider,
				Model:        model.Name,
				TokensUsed:   tokens,
				Cost:         float64(tokens) / 1000.0 * model.CostPer1K,
				FinishReason: finish,
				Latency:      time.Since(start),
			}
			if c.telemetry != nil {
				c.telemetry.RecordLLM(model.Name, tokens, resp.Cost)
			}
			return resp, nil
		}
		lastErr = err
		c.logger.Printf("attempt %d failed with %s: %v", attempt+1, model.Name, err)
		c.SetHealthy(model.Name, false)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		remaining := c.fallbackAfter(model.Name, taskType)
		if len(remaining) == 0 {
			break
		}
		model = remaining[0]
		c.logger.Printf("falling back to %s", model.Name)
	}
	return nil, fmt.Errorf("all LLM providers failed: %w", lastErr)
}

// StreamCompletion selects a model and starts a streamed completion. Errors
// before the first byte trigger fallback; errors mid-stream surface as a
// terminal chunk with Err set.
func (c *Client) StreamCompletion(ctx context.Context, req Request) (*Stream, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("messages are required")
	}
	model, err := c.selectModel(req)
	if err != nil {
		return nil, err
	}

	retries := c.cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	taskType := req.TaskType
	if taskType == "" {
		taskType = "general"
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		chunks, err := c.transport.Stream(ctx, model, req)
		if err == nil {
			return &Stream{Chunks: chunks, Provider: model.Provider, Model: model.Name}, nil
		}
		lastErr = err
		c.logger.Printf("stream attempt %d failed with %s: %v", attempt+1, model.Name, err)
		c.SetHealthy(model.Name, false)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		remaining := c.fallbackAfter(model.Name, taskType)
		if len(remaining) == 0 {
			break
		}
		model = remaining[0]
		c.logger.Printf("falling back to %s", model.Name)
	}
	return nil, fmt.Errorf("all LLM providers failed: %w", lastErr)
}

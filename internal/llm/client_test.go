package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/mohammad-safakhou/deepsearch/config"
)

type stubTransport struct {
	failModels map[string]bool
	served     []string
}

func (s *stubTransport) Complete(ctx context.Context, model config.LLMModel, req Request) (string, int64, string, error) {
	s.served = append(s.served, model.Name)
	if s.failModels[model.Name] {
		return "", 0, "", errors.New("provider down")
	}
	return "answer from " + model.Name, 100, "stop", nil
}

func (s *stubTransport) Stream(ctx context.Context, model config.LLMModel, req Request) (<-chan StreamChunk, error) {
	s.served = append(s.served, model.Name)
	if s.failModels[model.Name] {
		return nil, errors.New("provider down")
	}
	ch := make(chan StreamChunk, 1)
	ch <- StreamChunk{Content: "chunk", FinishReason: "stop"}
	close(ch)
	return ch, nil
}

func (s *stubTransport) Ping(ctx context.Context, model config.LLMModel) error {
	if s.failModels[model.Name] {
		return errors.New("provider down")
	}
	return nil
}

// Models without an api_key_env are admitted to the catalog unconditionally.
func testCatalog() []config.LLMModel {
	return []config.LLMModel{
		{Name: "premium", Provider: "openai", Priority: 1, CostPer1K: 0.50, TaskTypes: []string{"general", "search"}},
		{Name: "midrange", Provider: "groq", Priority: 2, CostPer1K: 0.10, TaskTypes: []string{"general", "search", "followup"}},
		{Name: "local", Provider: "ollama", Priority: 3, CostPer1K: 0.0, TaskTypes: []string{"general"}},
	}
}

func newTestClient(t *testing.T, transport Transport, strategy string) *Client {
	t.Helper()
	c, err := NewClient(config.LLMConfig{
		Models:          testCatalog(),
		DefaultStrategy: strategy,
		MaxRetries:      2,
	}, transport, nil, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestSelectModelPerformance(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, &stubTransport{}, "performance")
	m, err := c.selectModel(Request{TaskType: "general"})
	if err != nil {
		t.Fatal(err)
	}
	if m.Name != "premium" {
		t.Errorf("performance strategy picked %s, want premium", m.Name)
	}
}

func TestSelectModelCost(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, &stubTransport{}, "cost")
	m, err := c.selectModel(Request{TaskType: "general"})
	if err != nil {
		t.Fatal(err)
	}
	if m.Name != "local" {
		t.Errorf("cost strategy picked %s, want local", m.Name)
	}
}

func TestSelectModelCostNearFree(t *testing.T) {
	t.Parallel()
	// A near-free remote model must beat a pricier one even when both are
	// cheap in absolute terms.
	c, err := NewClient(config.LLMConfig{
		Models: []config.LLMModel{
			{Name: "cheap", Provider: "groq", Priority: 1, CostPer1K: 0.01, TaskTypes: []string{"general"}},
			{Name: "cheaper", Provider: "ollama", Priority: 2, CostPer1K: 0.001, TaskTypes: []string{"general"}},
		},
		DefaultStrategy: "cost",
	}, &stubTransport{}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	m, err := c.selectModel(Request{})
	if err != nil {
		t.Fatal(err)
	}
	if m.Name != "cheaper" {
		t.Errorf("cost strategy picked %s, want cheaper", m.Name)
	}
}

func TestSelectModelBalanced(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, &stubTransport{}, "balanced")
	// premium: prio norm 0, cost norm 1 -> 0.4
	// midrange: prio norm 0.5, cost norm 0.2 -> 0.38
	// local: prio norm 1, cost norm 0 -> 0.6
	m, err := c.selectModel(Request{TaskType: "general"})
	if err != nil {
		t.Fatal(err)
	}
	if m.Name != "midrange" {
		t.Errorf("balanced strategy picked %s, want midrange", m.Name)
	}
}

func TestSelectModelTaskTypeFilter(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, &stubTransport{}, "cost")
	m, err := c.selectModel(Request{TaskType: "followup"})
	if err != nil {
		t.Fatal(err)
	}
	if m.Name != "midrange" {
		t.Errorf("followup task picked %s, want midrange", m.Name)
	}
}

func TestCompletionFallbackChain(t *testing.T) {
	t.Parallel()
	tr := &stubTransport{failModels: map[string]bool{"premium": true}}
	c := newTestClient(t, tr, "performance")

	resp, err := c.Completion(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
		TaskType: "general",
	})
	if err != nil {
		t.Fatalf("Completion: %v", err)
	}
	if resp.Model != "midrange" {
		t.Errorf("served by %s, want midrange fallback", resp.Model)
	}
	if len(tr.served) != 2 {
		t.Errorf("expected 2 attempts, got %d (%v)", len(tr.served), tr.served)
	}
	// The failed model must be marked unhealthy for subsequent requests.
	h := c.HealthCheck()
	for _, name := range h.HealthyModels {
		if name == "premium" {
			t.Error("failed model still reported healthy")
		}
	}
}

func TestCompletionNoHealthyModels(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, &stubTransport{}, "balanced")
	c.SetHealthy("premium", false)
	c.SetHealthy("midrange", false)
	c.SetHealthy("local", false)

	_, err := c.Completion(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if !errors.Is(err, ErrNoHealthyModels) {
		t.Errorf("expected ErrNoHealthyModels, got %v", err)
	}
}

func TestCompletionCostAccounting(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, &stubTransport{}, "performance")
	resp, err := c.Completion(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	want := 100.0 / 1000.0 * 0.50
	if resp.Cost != want {
		t.Errorf("cost = %f, want %f", resp.Cost, want)
	}
}

func TestExplicitModelOverrideFallsBackWhenUnavailable(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, &stubTransport{}, "performance")
	c.SetHealthy("premium", false)

	m, err := c.selectModel(Request{Model: "premium", TaskType: "general"})
	if err != nil {
		t.Fatal(err)
	}
	if m.Name == "premium" {
		t.Error("unhealthy explicit model was selected")
	}
}

func TestStreamCompletionFallback(t *testing.T) {
	t.Parallel()
	tr := &stubTransport{failModels: map[string]bool{"premium": true}}
	c := newTestClient(t, tr, "performance")

	stream, err := c.StreamCompletion(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
		TaskType: "general",
	})
	if err != nil {
		t.Fatal(err)
	}
	if stream.Model != "midrange" {
		t.Errorf("stream served by %s, want midrange", stream.Model)
	}
	var got string
	for chunk := range stream.Chunks {
		got += chunk.Content
	}
	if got != "chunk" {
		t.Errorf("stream content = %q", got)
	}
}

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/mohammad-safakhou/deepsearch/config"
	"github.com/mohammad-safakhou/deepsearch/internal/llm"
)

func testCache(t *testing.T) *Cache {
	t.Helper()
	// No redis host configured, so the in-process fallback is exercised.
	return New(config.CacheConfig{TTL: time.Minute}, nil)
}

func TestFingerprintNormalization(t *testing.T) {
	t.Parallel()
	meta := Metadata{Provider: "openai", Model: "gpt-4o-mini"}
	a := Fingerprint([]llm.Message{{Role: "User", Content: "  what is Go?  "}}, meta)
	b := Fingerprint([]llm.Message{{Role: "user", Content: "what is Go?"}}, meta)
	if a != b {
		t.Error("whitespace and role case must not change the fingerprint")
	}
}

func TestFingerprintDivergence(t *testing.T) {
	t.Parallel()
	msgs := []llm.Message{{Role: "user", Content: "what is Go?"}}
	base := Fingerprint(msgs, Metadata{Provider: "openai", Model: "gpt-4o-mini"})

	if got := Fingerprint(msgs, Metadata{Provider: "openai", Model: "gpt-4o"}); got == base {
		t.Error("different model must change the fingerprint")
	}
	if got := Fingerprint(msgs, Metadata{Provider: "groq", Model: "gpt-4o-mini"}); got == base {
		t.Error("different provider must change the fingerprint")
	}
	other := []llm.Message{{Role: "user", Content: "what is Rust?"}}
	if got := Fingerprint(other, Metadata{Provider: "openai", Model: "gpt-4o-mini"}); got == base {
		t.Error("different content must change the fingerprint")
	}
}

func TestFingerprintMessageBoundaries(t *testing.T) {
	t.Parallel()
	meta := Metadata{Provider: "openai", Model: "m"}
	a := Fingerprint([]llm.Message{{Role: "user", Content: "ab"}, {Role: "user", Content: "c"}}, meta)
	b := Fingerprint([]llm.Message{{Role: "user", Content: "a"}, {Role: "user", Content: "bc"}}, meta)
	if a == b {
		t.Error("message boundaries must be part of the fingerprint")
	}
}

func TestGetPutRoundTrip(t *testing.T) {
	t.Parallel()
	c := testCache(t)
	ctx := context.Background()
	msgs := []llm.Message{{Role: "user", Content: "question"}}
	meta := Metadata{Provider: "openai", Model: "gpt-4o-mini"}

	if got := c.Get(ctx, msgs, meta); got != nil {
		t.Fatal("unexpected hit on empty cache")
	}

	c.Put(ctx, msgs, meta, &llm.Response{Content: "cached answer", Provider: "openai", Model: "gpt-4o-mini"})

	got := c.Get(ctx, msgs, meta)
	if got == nil {
		t.Fatal("expected hit after put")
	}
	if got.Content != "cached answer" {
		t.Errorf("content = %q", got.Content)
	}
	if !got.Cached {
		t.Error("cached flag must be set on hits")
	}
}

func TestPutIgnoresEmptyResponses(t *testing.T) {
	t.Parallel()
	c := testCache(t)
	ctx := context.Background()
	msgs := []llm.Message{{Role: "user", Content: "q"}}
	meta := Metadata{Provider: "p", Model: "m"}

	c.Put(ctx, msgs, meta, &llm.Response{Content: ""})
	if got := c.Get(ctx, msgs, meta); got != nil {
		t.Error("empty completions must not be cached")
	}
}

func TestReplayReassembly(t *testing.T) {
	t.Parallel()
	resp := &llm.Response{Content: "héllo wörld, this is a chunked replay", Provider: "openai", Model: "gpt-4o-mini"}
	stream := Replay(context.Background(), resp, 5, 0)

	var got string
	var finish string
	count := 0
	for chunk := range stream.Chunks {
		got += chunk.Content
		finish = chunk.FinishReason
		count++
	}
	if got != resp.Content {
		t.Errorf("reassembled %q, want %q", got, resp.Content)
	}
	if finish != "stop" {
		t.Errorf("final finish reason = %q, want stop", finish)
	}
	if count < 2 {
		t.Errorf("expected multiple chunks, got %d", count)
	}
	if stream.Provider != "openai" || stream.Model != "gpt-4o-mini" {
		t.Error("replayed stream must carry the original routing metadata")
	}
}

func TestReplayCancellation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stream := Replay(ctx, &llm.Response{Content: "some long content here"}, 4, 50*time.Millisecond)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-stream.Chunks:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("replay did not stop after cancellation")
		}
	}
}

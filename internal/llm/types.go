package llm

import (
	"context"
	"errors"
	"time"

	"github.com/mohammad-safakhou/deepsearch/config"
)

// Message is a single chat message in a completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes a completion request. Model is an explicit override; when
// empty the client selects a model from the catalog using TaskType and
// Strategy.
type Request struct {
	Messages    []Message `json:"messages"`
	Model       string    `json:"model,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	TaskType    string    `json:"task_type,omitempty"` // general, search, summary, followup
	Strategy    string    `json:"strategy,omitempty"`  // cost, performance, balanced
}

// Response is a completed (non-streamed) completion. Provider and Model record
// what actually served the request, which may differ from the initial
// selection after fallback.
type Response struct {
	Content      string        `json:"content"`
	Provider     string        `json:"provider"`
	Model        string        `json:"model"`
	TokensUsed   int64         `json:"tokens_used"`
	Cost         float64       `json:"cost"`
	FinishReason string        `json:"finish_reason"`
	Latency      time.Duration `json:"latency"`
	Cached       bool          `json:"cached"`
}

// StreamChunk is one increment of a streamed completion. A chunk with Err set
// terminates the stream; a chunk with FinishReason set is the last content
// chunk.
type StreamChunk struct {
	Content      string `json:"content,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
	Err          error  `json:"-"`
}

// Stream is a finite, non-restartable sequence of delta chunks. A consumer
// that aborts must re-issue the whole request.
type Stream struct {
	Chunks   <-chan StreamChunk
	Provider string
	Model    string
}

// Health reports the routing client's view of the catalog.
type Health struct {
	Status          string   `json:"status"` // healthy or unhealthy
	HealthyModels   []string `json:"healthy_models"`
	UnhealthyModels []string `json:"unhealthy_models"`
	TotalConfigured int      `json:"total_configured"`
}

// ModelStatus is one catalog entry plus its current health state.
type ModelStatus struct {
	config.LLMModel
	Available   bool      `json:"available"`
	Healthy     bool      `json:"healthy"`
	LastChecked time.Time `json:"last_checked"`
}

// Transport performs raw completion calls against a single provider/model.
type Transport interface {
	// Complete returns content, total tokens used, and the finish reason.
	Complete(ctx context.Context, model config.LLMModel, req Request) (string, int64, string, error)
	// Stream starts a streamed completion; the channel is closed after the
	// terminal chunk. An error before the first byte is returned directly so
	// the caller can fall back to another model.
	Stream(ctx context.Context, model config.LLMModel, req Request) (<-chan StreamChunk, error)
	// Ping performs a minimal reachability probe for the model.
	Ping(ctx context.Context, model config.LLMModel) error
}

// ErrNoHealthyModels is returned when no healthy model satisfies the request's
// task type. The client never degrades to an arbitrary model.
var ErrNoHealthyModels = errors.New("no healthy models available")

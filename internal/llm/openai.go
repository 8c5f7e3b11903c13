package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mohammad-safakhou/deepsearch/config"
)

// HTTPTransport talks to providers through their OpenAI-compatible chat
// completion surfaces. One implementation serves the whole catalog; the base
// URL is derived from the provider when the model does not set one.
type HTTPTransport struct {
	client *http.Client
}

func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPTransport{client: &http.Client{Timeout: timeout}}
}

func baseURL(m config.LLMModel) string {
	if m.BaseURL != "" {
		if m.Provider == "ollama" && !strings.HasSuffix(m.BaseURL, "/v1") {
			return strings.TrimSuffix(m.BaseURL, "/") + "/v1"
		}
		return strings.TrimSuffix(m.BaseURL, "/")
	}
	switch m.Provider {
	case "openai":
		return "https://api.openai.com/v1"
	case "anthropic":
		return "https://api.anthropic.com/v1"
	case "google":
		return "https://generativelanguage.googleapis.com/v1beta/openai"
	case "groq":
		return "https://api.groq.com/openai/v1"
	case "ollama":
		return "http://localhost:11434/v1"
	default:
		return "https://api.openai.com/v1"
	}
}

func apiKey(m config.LLMModel) string {
	if m.APIKeyEnv == "" {
		return "ollama" // dummy key for keyless local hosting
	}
	return os.Getenv(m.APIKeyEnv)
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

func buildChatRequest(m config.LLMModel, req Request, stream bool) chatRequest {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = m.MaxTokens
		if maxTokens > 2000 {
			maxTokens = 2000
		}
	}
	return chatRequest{
		Model:       m.Name,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   maxTokens,
		Stream:      stream,
	}
}

func (t *HTTPTransport) post(ctx context.Context, m config.LLMModel, body chatRequest) (*http.Response, error) {
	key := apiKey(m)
	if key == "" {
		return nil, fmt.Errorf("%s API key not configured", m.Provider)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", baseURL(m)+"/chat/completions", bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+key)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("%s status %d: %s", m.Provider, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return resp, nil
}

// Complete runs a synchronous chat completion.
func (t *HTTPTransport) Complete(ctx context.Context, m config.LLMModel, req Request) (string, int64, string, error) {
	resp, err := t.post(ctx, m, buildChatRequest(m, req, false))
	if err != nil {
		return "", 0, "", err
	}
	defer resp.Body.Close()

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			TotalTokens int64 `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", 0, "", fmt.Errorf("decode: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", 0, "", fmt.Errorf("no choices")
	}
	return out.Choices[0].Message.Content, out.Usage.TotalTokens, out.Choices[0].FinishReason, nil
}

// Stream runs a streamed chat completion, decoding the provider's SSE frames
// into delta chunks. The channel closes after the terminal chunk.
func (t *HTTPTransport) Stream(ctx context.Context, m config.LLMModel, req Request) (<-chan StreamChunk, error) {
	resp, err := t.post(ctx, m, buildChatRequest(m, req, true))
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamChunk)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}
			var frame struct {
				Choices []struct {
					Delta struct {
						Content string `json:"content"`
					} `json:"delta"`
					FinishReason string `json:"finish_reason"`
				} `json:"choices"`
			}
			if err := json.Unmarshal([]byte(data), &frame); err != nil {
				continue // tolerate provider keep-alives and malformed frames
			}
			if len(frame.Choices) == 0 {
				continue
			}
			chunk := StreamChunk{Content: frame.Choices[0].Delta.Content, FinishReason: frame.Choices[0].FinishReason}
			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			select {
			case ch <- StreamChunk{Err: fmt.Errorf("stream read: %w", err)}:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}

// Ping issues a one-token completion to verify the model is reachable.
func (t *HTTPTransport) Ping(ctx context.Context, m config.LLMModel) error {
	_, _, _, err := t.Complete(ctx, m, Request{
		Messages:  []Message{{Role: "user", Content: "test"}},
		MaxTokens: 1,
	})
	return err
}

package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	visionBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai"
	visionModel   = "gemini-2.0-flash"
)

// VisionExtractor describes media content that cannot be crawled as text.
type VisionExtractor interface {
	Describe(ctx context.Context, mediaURL, contentType, query string) (string, error)
}

// geminiVision extracts media descriptions through Gemini's OpenAI-compatible
// chat surface. Images are attached as image_url parts; video pages are
// described from their URL.
type geminiVision struct {
	apiKey string
	client *http.Client
}

func newGeminiVision(apiKey string, timeout time.Duration) *geminiVision {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &geminiVision{apiKey: apiKey, client: &http.Client{Timeout: timeout}}
}

func (g *geminiVision) Describe(ctx context.Context, mediaURL, contentType, query string) (string, error) {
	prompt := fmt.Sprintf(
		"Describe the content at this %s in 2-4 sentences, focusing on what is relevant to the question %q.",
		contentType, query)

	var content any
	if contentType == ContentTypeImage {
		content = []map[string]any{
			{"type": "text", "text": prompt},
			{"type": "image_url", "image_url": map[string]string{"url": mediaURL}},
		}
	} else {
		content = prompt + "\nURL: " + mediaURL
	}

	payload, err := json.Marshal(map[string]any{
		"model":      visionModel,
		"messages":   []map[string]any{{"role": "user", "content": content}},
		"max_tokens": 512,
	})
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", visionBaseURL+"/chat/completions", bytes.NewBuffer(payload))
	if err != nil {
		return "", fmt.Errorf("request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("vision call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("vision status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("empty vision response")
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

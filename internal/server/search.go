package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/deepsearch/internal/cache"
	"github.com/mohammad-safakhou/deepsearch/internal/llm"
	"github.com/mohammad-safakhou/deepsearch/internal/search"
	"github.com/mohammad-safakhou/deepsearch/utils"
)

const answerWindowWords = 400

type searchRequest struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results,omitempty"`
	Model      string `json:"model,omitempty"`
	Strategy   string `json:"strategy,omitempty"`
	NoCache    bool   `json:"no_cache,omitempty"`
}

// handleSearch streams a search-mode answer: discover and crawl sources, then
// synthesize a cited answer over SSE. Cache hits replay through the chunker
// so the stream shape is identical either way.
func (s *Server) handleSearch(c echo.Context) error {
	var req searchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}

	ctx := c.Request().Context()

	health := s.search.HealthCheck(ctx)
	if !health.Overall {
		s.telemetry.RecordRequest("search", false)
		return echo.NewHTTPError(http.StatusServiceUnavailable,
			fmt.Sprintf("search unavailable: %s", health.FailureCause()))
	}

	sse, err := newSSEWriter(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	_ = sse.send(searchEvent{Type: "status", Message: "searching and crawling sources"})

	if ticker := search.DetectTicker(req.Query); ticker != "" {
		_ = sse.send(searchEvent{Type: "ticker", Content: ticker})
	}

	resp, err := s.search.Search(ctx, req.Query, search.Options{
		MaxResults:        req.MaxResults,
		RetryFailedCrawls: s.cfg.Search.RetryFailedCrawls,
		FilterResults:     s.cfg.Search.FilterResults,
	})
	if err != nil {
		s.telemetry.RecordRequest("search", false)
		_ = sse.send(searchEvent{
			Type: "error", Message: err.Error(),
			Suggestion: "verify the search provider API key and retry",
		})
		return nil
	}

	for _, w := range resp.Warnings {
		_ = sse.send(searchEvent{Type: "warning", Message: w.Message, Details: w.Details})
	}
	_ = sse.send(searchEvent{Type: "sources", Content: resp.Results})

	messages := answerMessages(req.Query, resp.Results)
	meta := cache.Metadata{Provider: "router", Model: "task:search"}

	var (
		stream    *llm.Stream
		cachedHit bool
	)
	if !req.NoCache {
		if cached := s.cache.Get(ctx, messages, meta); cached != nil {
			s.telemetry.RecordCache(true)
			cachedHit = true
			stream = cache.Replay(ctx, cached, s.cfg.Cache.ChunkSize, s.cfg.Cache.ChunkDelay)
		} else {
			s.telemetry.RecordCache(false)
		}
	}
	if stream == nil {
		_ = sse.send(searchEvent{Type: "status", Message: "generating answer"})
		stream, err = s.llm.StreamCompletion(ctx, llm.Request{
			Messages: messages,
			Model:    req.Model,
			Strategy: req.Strategy,
			TaskType: "search",
		})
		if err != nil {
			s.telemetry.RecordRequest("search", false)
			_ = sse.send(searchEvent{
				Type: "error", Message: err.Error(),
				Suggestion: "configure at least one LLM provider API key",
			})
			return nil
		}
	}

	var full strings.Builder
	streamFailed := false
	for chunk := range stream.Chunks {
		if chunk.Err != nil {
			streamFailed = true
			_ = sse.send(searchEvent{Type: "error", Message: chunk.Err.Error()})
			break
		}
		if chunk.Content != "" {
			full.WriteString(chunk.Content)
			_ = sse.send(searchEvent{Type: "text", Content: chunk.Content})
		}
	}
	if streamFailed {
		s.telemetry.RecordRequest("search", false)
		return nil
	}

	if !cachedHit && !req.NoCache && full.Len() > 0 {
		s.cache.Put(ctx, messages, meta, &llm.Response{
			Content:      full.String(),
			Provider:     stream.Provider,
			Model:        stream.Model,
			FinishReason: "stop",
		})
	}

	s.sendFollowUps(c, sse, req.Query, full.String())

	llmHealth := s.llm.HealthCheck()
	_ = sse.send(searchEvent{Type: "metrics", Content: map[string]any{
		"search_time_ms":     resp.SearchTime.Milliseconds(),
		"crawl_time_ms":      resp.CrawlTime.Milliseconds(),
		"total_results":      resp.TotalResults,
		"successful_crawls":  resp.SuccessfulCrawls,
		"llm_provider":       stream.Provider,
		"llm_model":          stream.Model,
		"cached_response":    cachedHit,
		"healthy_llm_models": len(llmHealth.HealthyModels),
	}})
	_ = sse.send(searchEvent{Type: "complete"})

	s.telemetry.RecordRequest("search", true)
	return nil
}

func (s *Server) sendFollowUps(c echo.Context, sse *sseWriter, query, answer string) {
	if answer == "" {
		return
	}
	fctx, cancel := contextWithTimeout(c, 30*time.Second)
	defer cancel()
	resp, err := s.llm.Completion(fctx, llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: "Generate exactly 3 short follow-up questions a curious reader would ask next. One per line, no numbering."},
			{Role: "user", Content: fmt.Sprintf("Original question: %s\n\nAnswer summary:\n%s", query, utils.Truncate(answer, 2000))},
		},
		Temperature: 0.3,
		TaskType:    "followup",
	})
	if err != nil {
		s.logger.Printf("follow-up generation failed: %v", err)
		return
	}
	var questions []string
	for _, line := range strings.Split(resp.Content, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-*0123456789. "))
		if line == "" {
			continue
		}
		questions = append(questions, line)
		if len(questions) == 3 {
			break
		}
	}
	if len(questions) > 0 {
		_ = sse.send(searchEvent{Type: "follow_up_questions", Content: questions})
	}
}

// answerMessages builds the cited-answer prompt over the crawled sources,
// using the query-relevant window of each document.
func answerMessages(query string, results []search.Result) []llm.Message {
	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "[%d] %s\nURL: %s\n", i+1, r.Title, r.URL)
		text := r.Content
		if text == "" {
			text = r.Description
		}
		b.WriteString(search.SelectRelevant(text, query, answerWindowWords))
		b.WriteString("\n\n")
	}
	system := "You are a search assistant. Answer using only the numbered sources, " +
		"citing them inline as [n]. Say so when the sources do not cover the question."
	user := fmt.Sprintf("Question: %s\n\nSources:\n%s\nAnswer the question.", query, b.String())
	return []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}
}

// handleSearchHealth reports search pipeline dependency health.
func (s *Server) handleSearchHealth(c echo.Context) error {
	ctx, cancel := contextWithTimeout(c, 10*time.Second)
	defer cancel()
	h := s.search.HealthCheck(ctx)
	code := http.StatusOK
	if !h.Overall {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, h)
}

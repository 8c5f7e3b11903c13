package search

import (
	"time"
)

// Content types assigned by URL classification.
const (
	ContentTypeWeb   = "web"
	ContentTypeVideo = "video"
	ContentTypeImage = "image"
)

// Result is one retrieved source. A result with Success=false but a non-empty
// Description is retained as a low-fidelity citation source.
type Result struct {
	URL         string `json:"url"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Content     string `json:"content,omitempty"`
	Markdown    string `json:"markdown,omitempty"`
	ContentType string `json:"content_type"`
	Success     bool   `json:"success"`
	Rank        int    `json:"rank"`
	SourceQuery string `json:"source_query,omitempty"`
}

// Options controls a single search invocation. Seen carries canonical URLs
// already collected by the caller, so dedup holds across repeated invocations
// (research phases share one set).
type Options struct {
	MaxResults        int
	CrawlTimeout      time.Duration
	RetryFailedCrawls bool
	FilterResults     bool
	Seen              map[string]struct{}
}

// Warning is a partial-degradation notice: the request proceeds with reduced
// fidelity.
type Warning struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Response is the outcome of one search invocation.
type Response struct {
	Results          []Result      `json:"results"`
	Warnings         []Warning     `json:"warnings,omitempty"`
	SearchTime       time.Duration `json:"search_time"`
	CrawlTime        time.Duration `json:"crawl_time"`
	TotalResults     int           `json:"total_results"`
	SuccessfulCrawls int           `json:"successful_crawls"`
}

// Health reports per-dependency reachability. Overall=false is fatal for
// callers; Overall=true with VisionConfigured=false is degraded but usable.
type Health struct {
	SearchProvider   bool `json:"search_provider"`
	Crawler          bool `json:"crawler"`
	VisionExtractor  bool `json:"vision_extractor"`
	VisionConfigured bool `json:"vision_configured"`
	Overall          bool `json:"overall"`
}

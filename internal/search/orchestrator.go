package search

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mohammad-safakhou/deepsearch/config"
	"github.com/mohammad-safakhou/deepsearch/internal/telemetry"
	"github.com/mohammad-safakhou/deepsearch/tools/web_fetch"
	"github.com/mohammad-safakhou/deepsearch/tools/web_search"
	"github.com/mohammad-safakhou/deepsearch/utils"
)

// Orchestrator fans a query out to the search provider and the crawler,
// merges and classifies the results, and enforces canonical-URL dedup.
type Orchestrator struct {
	searcher    web_search.WebSearcher
	fetcher     web_fetch.WebFetcher
	vision      VisionExtractor
	cfg         config.SearchConfig
	concurrency int
	logger      *log.Logger
	telemetry   *telemetry.Telemetry
}

// NewOrchestrator wires the provider and fetcher from configuration.
func NewOrchestrator(cfg config.SearchConfig, tele *telemetry.Telemetry, logger *log.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[SEARCH] ", log.LstdFlags)
	}

	apiKey := cfg.SerperAPIKey
	if cfg.Provider == "brave" {
		apiKey = cfg.BraveAPIKey
	}
	searcher, err := web_search.NewWebSearcher(web_search.Provider(cfg.Provider), apiKey)
	if err != nil {
		return nil, fmt.Errorf("search provider: %w", err)
	}

	fetcher, err := web_fetch.NewWebFetcher(web_fetch.FetcherType(cfg.Fetcher), cfg.CrawlTimeout, cfg.MaxChars)
	if err != nil {
		return nil, fmt.Errorf("crawler: %w", err)
	}

	concurrency := cfg.CrawlConcurrency
	if concurrency <= 0 {
		concurrency = 5
	}

	var vision VisionExtractor
	if cfg.VisionAPIKey != "" {
		vision = newGeminiVision(cfg.VisionAPIKey, cfg.CrawlTimeout)
	}

	return &Orchestrator{
		searcher:    searcher,
		fetcher:     fetcher,
		vision:      vision,
		cfg:         cfg,
		concurrency: concurrency,
		logger:      logger,
		telemetry:   tele,
	}, nil
}

// Search runs the full pipeline: discover candidates, crawl bounded by the
// crawl timeout, classify, dedupe, and merge in deterministic order. Provider
// unavailability is fatal; individual crawl failures degrade to snippet-only
// results.
func (o *Orchestrator) Search(ctx context.Context, query string, opts Options) (*Response, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query is required")
	}
	maxResults := opts.MaxResults
	if maxResults <= 0 {
		maxResults = o.cfg.MaxResults
	}
	crawlTimeout := opts.CrawlTimeout
	if crawlTimeout <= 0 {
		crawlTimeout = o.cfg.CrawlTimeout
	}

	searchStart := time.Now()
	hits, err := o.searcher.Discover(ctx, query, maxResults)
	if err != nil {
		return nil, fmt.Errorf("search provider %s unavailable: %w", o.searcher.Name(), err)
	}
	searchTime := time.Since(searchStart)

	// Dedup against the caller's accumulated set before spending crawl budget.
	seen := opts.Seen
	if seen == nil {
		seen = make(map[string]struct{})
	}
	type candidate struct {
		url, title, snippet string
		contentType         string
		rank                int
	}
	var candidates []candidate
	for _, h := range hits {
		canon := utils.CanonicalURL(h.URL)
		if canon == "" {
			continue
		}
		if _, dup := seen[canon]; dup {
			continue
		}
		seen[canon] = struct{}{}
		ct, _ := Classify(h.URL)
		candidates = append(candidates, candidate{url: h.URL, title: h.Title, snippet: h.Snippet, contentType: ct, rank: h.Rank})
	}

	resp := &Response{SearchTime: searchTime, TotalResults: len(candidates)}

	var (
		mu            sync.Mutex
		results       = make([]Result, len(candidates))
		visionWarning bool
	)

	crawlStart := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)
	for i, cand := range candidates {
		i, cand := i, cand
		g.Go(func() error {
			res := Result{
				URL:         cand.url,
				Title:       cand.title,
				Description: cand.snippet,
				ContentType: cand.contentType,
				Rank:        cand.rank,
				SourceQuery: query,
			}

			switch cand.contentType {
			case ContentTypeVideo, ContentTypeImage:
				// Media extraction needs a vision-capable provider; without
				// one the result degrades to snippet-only and the request
				// proceeds with a warning, never a failure.
				if o.vision == nil {
					mu.Lock()
					visionWarning = true
					mu.Unlock()
					res.Success = false
				} else {
					desc, err := o.vision.Describe(gctx, cand.url, cand.contentType, query)
					if err != nil {
						o.logger.Printf("vision extraction %s failed: %v", cand.url, err)
						res.Success = false
					} else {
						res.Content = desc
						res.Success = true
					}
				}
			default:
				crawled := o.crawl(gctx, cand.url, crawlTimeout, opts.RetryFailedCrawls)
				if crawled != nil {
					res.Content = crawled.Text
					res.Markdown = crawled.Markdown
					if crawled.Title != "" {
						res.Title = crawled.Title
					}
					res.Success = true
				}
			}

			mu.Lock()
			results[i] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	resp.CrawlTime = time.Since(crawlStart)

	if visionWarning {
		resp.Warnings = append(resp.Warnings, Warning{
			Type:    "vision_unavailable",
			Message: "video/image extraction degraded to snippets",
			Details: "no vision-capable provider key configured",
		})
	}

	// Indexed writes keep per-candidate order; sort by original rank for the
	// deterministic merge guarantee.
	for _, r := range results {
		if r.URL == "" {
			continue
		}
		if !r.Success && opts.FilterResults && strings.TrimSpace(r.Description) == "" {
			continue
		}
		if r.Success {
			resp.SuccessfulCrawls++
		}
		resp.Results = append(resp.Results, r)
	}
	sort.SliceStable(resp.Results, func(i, j int) bool { return resp.Results[i].Rank < resp.Results[j].Rank })

	if o.telemetry != nil {
		o.telemetry.RecordSearch(resp.SearchTime, resp.CrawlTime)
	}
	return resp, nil
}

// crawl attempts a bounded full-content fetch, retrying once when configured.
// Returns nil when the page could not be crawled.
func (o *Orchestrator) crawl(ctx context.Context, url string, timeout time.Duration, retry bool) *crawlResult {
	attempts := 1
	if retry {
		attempts = 2
	}
	for attempt := 0; attempt < attempts; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		res, err := o.fetcher.Exec(cctx, url)
		cancel()
		if err == nil && res.Text != "" {
			return &crawlResult{Text: res.Text, Markdown: res.Markdown, Title: res.Title}
		}
		if err != nil {
			o.logger.Printf("crawl %s attempt %d failed: %v", url, attempt+1, err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
	return nil
}

type crawlResult struct {
	Text     string
	Markdown string
	Title    string
}

// HealthCheck probes the orchestrator's dependencies. Callers must treat
// Overall=false as fatal; Overall=true with VisionConfigured=false is a
// degraded-but-usable state.
func (o *Orchestrator) HealthCheck(ctx context.Context) Health {
	h := Health{
		Crawler:          o.fetcher != nil,
		VisionConfigured: o.vision != nil,
	}
	h.VisionExtractor = h.VisionConfigured
	if err := o.searcher.Ping(ctx); err != nil {
		o.logger.Printf("search provider health check failed: %v", err)
	} else {
		h.SearchProvider = true
	}
	h.Overall = h.SearchProvider && h.Crawler
	return h
}

// Unhealthy reasons distinguish which dependency is down for error reporting.
func (h Health) FailureCause() string {
	switch {
	case !h.SearchProvider:
		return "search provider down"
	case !h.Crawler:
		return "crawler down"
	case !h.VisionConfigured:
		return "vision key missing"
	default:
		return ""
	}
}

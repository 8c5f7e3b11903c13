package research

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
	"github.com/mohammad-safakhou/deepsearch/internal/cache"
	"github.com/mohammad-safakhou/deepsearch/internal/llm"
	"github.com/mohammad-safakhou/deepsearch/internal/search"
	"github.com/mohammad-safakhou/deepsearch/internal/telemetry"
	"github.com/mohammad-safakhou/deepsearch/utils"
)

// Searcher is the slice of the search orchestrator the research loop needs.
type Searcher interface {
	Search(ctx context.Context, query string, opts search.Options) (*search.Response, error)
	HealthCheck(ctx context.Context) search.Health
}

// Completer is the slice of the LLM routing client the research loop needs.
type Completer interface {
	Completion(ctx context.Context, req llm.Request) (*llm.Response, error)
	StreamCompletion(ctx context.Context, req llm.Request) (*llm.Stream, error)
}

// CompletionCache is consulted before synthesis generation.
type CompletionCache interface {
	Get(ctx context.Context, messages []llm.Message, meta cache.Metadata) *llm.Response
	Put(ctx context.Context, messages []llm.Message, meta cache.Metadata, resp *llm.Response)
}

// SessionStore checkpoints sessions into the temporal memory hierarchy.
type SessionStore interface {
	StoreActiveSession(ctx context.Context, sess *Session) error
	CheckpointSession(ctx context.Context, sess *Session) error
	CompleteResearchSession(ctx context.Context, sess *Session) error
}

// Orchestrator drives the multi-phase deep-research state machine. Phases run
// strictly sequentially; query variants within a phase fan out concurrently.
type Orchestrator struct {
	cfg       config.ResearchConfig
	searcher  Searcher
	completer Completer
	cache     CompletionCache
	store     SessionStore
	telemetry *telemetry.Telemetry
	logger    *log.Logger
}

func NewOrchestrator(cfg config.ResearchConfig, searcher Searcher, completer Completer, compCache CompletionCache, store SessionStore, tele *telemetry.Telemetry, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.New(log.Writer(), "[RESEARCH] ", log.LstdFlags)
	}
	return &Orchestrator{
		cfg:       cfg,
		searcher:  searcher,
		completer: completer,
		cache:     compCache,
		store:     store,
		telemetry: tele,
		logger:    logger,
	}
}

// Replay pacing for cache hits; matches the feel of live token streaming.
const (
	replayChunkRunes = 48
	replayChunkDelay = 20 * time.Millisecond
)

// EstimateCompletion returns a rough wall-time estimate for a research type.
func EstimateCompletion(researchType string) time.Duration {
	phases, err := PhaseSetFor(researchType)
	if err != nil {
		return 0
	}
	return time.Duration(len(phases))*45*time.Second + 15*time.Second
}

// Run executes all phases of the session, emitting progress events through
// emit and checkpointing after every phase transition. Cancellation leaves
// the session in_progress and resumable; a failed final persistence write
// marks the session failed.
func (o *Orchestrator) Run(ctx context.Context, sess *Session, emit func(Event)) error {
	if emit == nil {
		emit = func(Event) {}
	}
	phases, err := PhaseSetFor(sess.ResearchType)
	if err != nil {
		return err
	}

	sess.SetStatus(StatusInProgress)
	sess.StartedAt = time.Now()
	sess.LastAccessed = sess.StartedAt
	if err := o.store.StoreActiveSession(ctx, sess); err != nil {
		return fmt.Errorf("store active session: %w", err)
	}

	emit(Event{
		Type: EventSessionStarted, SessionID: sess.ID, ResearchType: sess.ResearchType,
		Activity:         "research started",
		EstimatedSeconds: int(EstimateCompletion(sess.ResearchType).Seconds()),
	})

	seen := make(map[string]struct{})
	// Percent budget: phases cover 0-80, synthesis 80-95, follow-ups to 100.
	phaseSpan := 80 / len(phases)

	for i, phase := range phases {
		if ctx.Err() != nil {
			o.checkpoint(context.Background(), sess)
			return ctx.Err()
		}

		rec := PhaseRecord{Name: phase, Status: StatusInProgress, StartedAt: time.Now(), ResultCounts: make(map[string]int)}
		sess.CurrentPhase = phase
		basePct := i * phaseSpan

		emit(Event{
			Type: EventProgress, SessionID: sess.ID, Phase: phase, Percent: basePct,
			Activity: fmt.Sprintf("starting %s phase", phase),
		})

		health := o.searcher.HealthCheck(ctx)
		if !health.Overall {
			rec.Status = StatusFailed
			rec.CompletedAt = time.Now()
			sess.Phases = append(sess.Phases, rec)
			o.fail(ctx, sess, emit, fmt.Sprintf("search dependencies unavailable: %s", health.FailureCause()))
			return fmt.Errorf("phase %s: %s", phase, health.FailureCause())
		}

		rec.Queries = GenerateQueries(sess.Query, phase, o.cfg.QueriesPerPhase)
		emit(Event{
			Type: EventProgress, SessionID: sess.ID, Phase: phase, Percent: basePct + phaseSpan/4,
			Activity: "executing searches",
			Details:  fmt.Sprintf("%d query variants generated", len(rec.Queries)),
		})

		perQuery := o.runQueries(ctx, rec.Queries, sess.MaxSourcesPerPhase)
		if ctx.Err() != nil {
			o.checkpoint(context.Background(), sess)
			return ctx.Err()
		}

		// Deterministic merge: queries in generation order, results already in
		// rank order, global dedup by canonical URL.
		var fresh []search.Result
		for qi, q := range rec.Queries {
			resp := perQuery[qi]
			if resp == nil {
				rec.ResultCounts[q] = 0
				continue
			}
			rec.ResultCounts[q] = len(resp.Results)
			for _, r := range resp.Results {
				canon := utils.CanonicalURL(r.URL)
				if _, dup := seen[canon]; dup {
					continue
				}
				seen[canon] = struct{}{}
				fresh = append(fresh, r)
			}
		}
		sess.Sources = append(sess.Sources, fresh...)

		rec.Status = StatusCompleted
		rec.CompletedAt = time.Now()
		sess.Phases = append(sess.Phases, rec)
		sess.LastAccessed = time.Now()

		if len(fresh) > 0 {
			emit(Event{Type: EventSources, SessionID: sess.ID, Phase: phase, Sources: fresh})
		}
		emit(Event{
			Type: EventProgress, SessionID: sess.ID, Phase: phase, Percent: basePct + phaseSpan,
			Activity: fmt.Sprintf("%s phase completed", phase),
			Details:  fmt.Sprintf("%d new sources", len(fresh)),
		})

		o.checkpoint(ctx, sess)
	}

	// Cap the merged set by original search rank before synthesis.
	capN := o.cfg.SourceCap
	if capN <= 0 {
		capN = 15
	}
	sort.SliceStable(sess.Sources, func(i, j int) bool { return sess.Sources[i].Rank < sess.Sources[j].Rank })
	if len(sess.Sources) > capN {
		sess.Sources = sess.Sources[:capN]
	}

	emit(Event{
		Type: EventProgress, SessionID: sess.ID, Percent: 82,
		Activity: "synthesizing findings", Details: fmt.Sprintf("%d sources selected", len(sess.Sources)),
	})

	if err := o.synthesize(ctx, sess, emit); err != nil {
		o.fail(ctx, sess, emit, err.Error())
		return err
	}

	emit(Event{Type: EventProgress, SessionID: sess.ID, Percent: 95, Activity: "generating follow-up questions"})
	o.followUps(ctx, sess, emit)

	sess.SetStatus(StatusCompleted)
	sess.CompletedAt = time.Now()
	sess.LastAccessed = sess.CompletedAt
	if err := o.store.CompleteResearchSession(ctx, sess); err != nil {
		// An unpersisted completed session is indistinguishable from data
		// loss, so the final write failing fails the session.
		sess.Status = StatusFailed
		emit(Event{Type: EventSessionError, SessionID: sess.ID, Err: fmt.Sprintf("persisting session: %v", err)})
		return fmt.Errorf("persist completed session: %w", err)
	}

	if o.telemetry != nil {
		o.telemetry.RecordRequest("research", true)
	}
	emit(Event{
		Type: EventCompleted, SessionID: sess.ID, Percent: 100,
		SourcesAnalyzed: len(sess.Sources), ResearchType: sess.ResearchType,
	})
	emit(Event{Type: EventSessionCompleted, SessionID: sess.ID})
	return nil
}

// runQueries executes the phase's query variants with bounded parallelism.
// Individual failures yield nil entries; the phase continues with partial
// results.
func (o *Orchestrator) runQueries(ctx context.Context, queries []string, maxSources int) []*search.Response {
	concurrency := o.cfg.QueryConcurrency
	if concurrency <= 0 {
		concurrency = 3
	}
	if maxSources <= 0 {
		maxSources = o.cfg.MaxSourcesPerPhase
	}
	results := make([]*search.Response, len(queries))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, q := range queries {
		i, q := i, q
		g.Go(func() error {
			resp, err := o.searcher.Search(gctx, q, search.Options{
				MaxResults:        maxSources,
				RetryFailedCrawls: true,
				FilterResults:     true,
			})
			if err != nil {
				o.logger.Printf("query %q failed: %v", q, err)
				return nil
			}
			mu.Lock()
			results[i] = resp
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (o *Orchestrator) synthesize(ctx context.Context, sess *Session, emit func(Event)) error {
	messages := SynthesisMessages(sess.Query, sess.Sources, sess.IncludeCitations)
	meta := cache.Metadata{Provider: "router", Model: "task:search"}

	if o.cache != nil {
		if cached := o.cache.Get(ctx, messages, meta); cached != nil {
			if o.telemetry != nil {
				o.telemetry.RecordCache(true)
			}
			// A hit streams in the same incremental shape as fresh
			// generation.
			replay := cache.Replay(ctx, cached, replayChunkRunes, replayChunkDelay)
			for chunk := range replay.Chunks {
				if chunk.Content != "" {
					emit(Event{Type: EventContent, SessionID: sess.ID, Content: chunk.Content})
				}
			}
			sess.Analysis = cached.Content
			return nil
		}
		if o.telemetry != nil {
			o.telemetry.RecordCache(false)
		}
	}

	stream, err := o.completer.StreamCompletion(ctx, llm.Request{
		Messages:    messages,
		Temperature: 0.7,
		TaskType:    "search",
	})
	if err != nil {
		return fmt.Errorf("synthesis: %w", err)
	}

	var full strings.Builder
	for chunk := range stream.Chunks {
		if chunk.Err != nil {
			return fmt.Errorf("synthesis stream: %w", chunk.Err)
		}
		if chunk.Content != "" {
			full.WriteString(chunk.Content)
			emit(Event{Type: EventContent, SessionID: sess.ID, Content: chunk.Content})
		}
	}
	if full.Len() == 0 {
		return fmt.Errorf("synthesis produced no content")
	}
	sess.Analysis = full.String()

	if o.cache != nil {
		o.cache.Put(ctx, messages, meta, &llm.Response{
			Content: sess.Analysis, Provider: stream.Provider, Model: stream.Model, FinishReason: "stop",
		})
	}
	return nil
}

// followUps is best-effort: failures are logged, never fatal.
func (o *Orchestrator) followUps(ctx context.Context, sess *Session, emit func(Event)) {
	resp, err := o.completer.Completion(ctx, llm.Request{
		Messages:    FollowUpMessages(sess.Query, sess.Analysis),
		Temperature: 0.3,
		TaskType:    "followup",
	})
	if err != nil {
		o.logger.Printf("follow-up generation failed: %v", err)
		return
	}
	sess.FollowUps = ParseFollowUps(resp.Content)
	if len(sess.FollowUps) > 0 {
		emit(Event{Type: EventSuggestions, SessionID: sess.ID, Suggestions: sess.FollowUps})
	}
}

func (o *Orchestrator) checkpoint(ctx context.Context, sess *Session) {
	if err := o.store.CheckpointSession(ctx, sess); err != nil {
		o.logger.Printf("checkpoint session %s: %v", sess.ID, err)
	}
}

func (o *Orchestrator) fail(ctx context.Context, sess *Session, emit func(Event), reason string) {
	sess.SetStatus(StatusFailed)
	sess.CompletedAt = time.Now()
	if err := o.store.CompleteResearchSession(ctx, sess); err != nil {
		o.logger.Printf("persist failed session %s: %v", sess.ID, err)
	}
	if o.telemetry != nil {
		o.telemetry.RecordRequest("research", false)
	}
	emit(Event{Type: EventSessionError, SessionID: sess.ID, Err: reason})
}

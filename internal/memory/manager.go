package memory

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/blevesearch/bleve"
	"github.com/gorhill/cronexpr"

	"github.com/mohammad-safakhou/deepsearch/config"
	"github.com/mohammad-safakhou/deepsearch/internal/research"
	"github.com/mohammad-safakhou/deepsearch/internal/telemetry"
)

// Manager owns the temporal session hierarchy. Active sessions live in
// process memory; completed sessions age through hot, warm, cold and trash in
// sqlite on a fixed schedule, and reads from warm or cold promote the session
// back to hot.
type Manager struct {
	cfg       config.MemoryConfig
	active    *activeStore
	store     *tierStore
	index     bleve.Index
	telemetry *telemetry.Telemetry
	logger    *log.Logger
	stop      chan struct{}
}

type indexDoc struct {
	ID       string `json:"id"`
	Query    string `json:"query"`
	Analysis string `json:"analysis"`
	UserID   string `json:"user_id"`
}

func NewManager(cfg config.MemoryConfig, tele *telemetry.Telemetry, logger *log.Logger) (*Manager, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[MEMORY] ", log.LstdFlags)
	}
	store, err := newTierStore(cfg.Path)
	if err != nil {
		return nil, err
	}

	// The text index is rebuilt from sqlite at startup, so it stays in
	// memory and never needs its own migration story.
	index, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		store.close()
		return nil, fmt.Errorf("create search index: %w", err)
	}

	m := &Manager{
		cfg:       cfg,
		active:    newActiveStore(cfg.ActiveMax),
		store:     store,
		index:     index,
		telemetry: tele,
		logger:    logger,
		stop:      make(chan struct{}),
	}
	if err := m.reindex(context.Background()); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

func (m *Manager) reindex(ctx context.Context) error {
	docs, err := m.store.allForIndex(ctx)
	if err != nil {
		return fmt.Errorf("reindex: %w", err)
	}
	batch := m.index.NewBatch()
	for _, d := range docs {
		if err := batch.Index(d.ID, d); err != nil {
			return fmt.Errorf("reindex %s: %w", d.ID, err)
		}
	}
	if err := m.index.Batch(batch); err != nil {
		return fmt.Errorf("reindex batch: %w", err)
	}
	m.logger.Printf("indexed %d stored sessions", len(docs))
	return nil
}

// StoreActiveSession registers a new or resumed session in the active tier
// and claims write ownership for the calling research run.
func (m *Manager) StoreActiveSession(ctx context.Context, sess *research.Session) error {
	return m.active.put(sess)
}

// CheckpointSession persists the current in-progress state. The session stays
// active; the durable copy exists so an interrupted run remains inspectable.
func (m *Manager) CheckpointSession(ctx context.Context, sess *research.Session) error {
	if err := m.active.update(sess); err != nil {
		return err
	}
	rec := &TierRecord{
		Session:       sess,
		Tier:          TierActive,
		LastAccessed:  time.Now(),
		TierEnteredAt: sess.StartedAt,
	}
	if err := m.store.upsert(ctx, rec); err != nil {
		return err
	}
	return m.indexSession(sess)
}

// CompleteResearchSession moves a terminal session from active to hot and
// releases write ownership.
func (m *Manager) CompleteResearchSession(ctx context.Context, sess *research.Session) error {
	prev := m.active.remove(sess.ID)
	accessCount := 1
	if prev != nil {
		accessCount = prev.AccessCount
	}
	rec := &TierRecord{
		Session:       sess,
		Tier:          TierHot,
		AccessCount:   accessCount,
		LastAccessed:  time.Now(),
		PromotedFrom:  TierActive,
		TierEnteredAt: time.Now(),
	}
	if err := m.store.upsert(ctx, rec); err != nil {
		return err
	}
	if m.telemetry != nil {
		m.telemetry.RecordTierTransition(string(TierActive), string(TierHot))
	}
	return m.indexSession(sess)
}

func (m *Manager) indexSession(sess *research.Session) error {
	return m.index.Index(sess.ID, indexDoc{
		ID: sess.ID, Query: sess.Query, Analysis: sess.Analysis, UserID: sess.UserID,
	})
}

// GetSession resolves a session anywhere in the hierarchy. Reads from warm or
// cold promote the session back to hot with its origin tier recorded. Trash
// is invisible to reads.
func (m *Manager) GetSession(ctx context.Context, id string) (*TierRecord, error) {
	if rec, ok := m.active.get(id); ok {
		return rec, nil
	}
	rec, err := m.store.get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch rec.Tier {
	case TierTrash:
		return nil, ErrNotFound
	case TierWarm, TierCold:
		from := rec.Tier
		if err := m.store.moveTier(ctx, id, from, TierHot, true); err != nil {
			return nil, err
		}
		rec.PromotedFrom = from
		rec.Tier = TierHot
		rec.AccessCount++
		rec.LastAccessed = time.Now()
		rec.TierEnteredAt = time.Now()
		if m.telemetry != nil {
			m.telemetry.RecordTierTransition(string(from), string(TierHot))
		}
		m.logger.Printf("session %s promoted %s -> hot", id, from)
	default:
		// Hot and checkpointed-active rows only get their access stamp.
		// Tier residency keeps aging, so repeated reads cannot pin a
		// session in hot forever.
		if err := m.store.touch(ctx, id); err == nil {
			rec.AccessCount++
			rec.LastAccessed = time.Now()
		}
	}
	return rec, nil
}

// SearchSessions lists sessions across all visible tiers with optional
// status, free-text and user filters. Search is read-only and never changes
// tier placement.
func (m *Manager) SearchSessions(ctx context.Context, q SearchQuery) (*SearchResult, error) {
	var ids []string
	if q.Text != "" {
		matched, err := m.textMatch(q.Text)
		if err != nil {
			return nil, err
		}
		ids = matched
	}

	recs, total, breakdown, err := m.store.search(ctx, q, ids)
	if err != nil {
		return nil, err
	}

	// Active sessions are authoritative in memory; replace any checkpointed
	// copies with the live state.
	for _, rec := range recs {
		if live, ok := m.active.get(rec.Session.ID); ok {
			rec.Session = live.Session
			rec.Tier = TierActive
		}
	}

	limit := q.Limit
	if limit <= 0 || limit > 50 {
		limit = 50
	}
	page := q.Page
	if page < 1 {
		page = 1
	}
	return &SearchResult{
		Sessions:  recs,
		Total:     total,
		Page:      page,
		Limit:     limit,
		TierCount: breakdown,
	}, nil
}

func (m *Manager) textMatch(text string) ([]string, error) {
	mq := bleve.NewMatchQuery(text)
	req := bleve.NewSearchRequest(mq)
	req.Size = 500
	res, err := m.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("text search: %w", err)
	}
	ids := make([]string, 0, len(res.Hits))
	for _, hit := range res.Hits {
		ids = append(ids, hit.ID)
	}
	return ids, nil
}

// Stats reports per-tier counts. Durable counts come straight from sqlite;
// the active count comes from process memory, and any checkpointed rows for
// live sessions are folded out so a session is never counted twice.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	counts, err := m.store.counts(ctx)
	if err != nil {
		return nil, err
	}

	// Every non-trash durable row is indexed, including checkpointed
	// active rows that survived a restart; capture the baseline before
	// the live adjustment below.
	durable := 0
	for tier, n := range counts {
		if tier != TierTrash {
			durable += n
		}
	}

	// Live sessions with a checkpointed row would otherwise count twice.
	reconciled := 0
	for _, rec := range m.active.list() {
		if _, err := m.store.get(ctx, rec.Session.ID); err == nil {
			reconciled++
		}
	}
	counts[TierActive] += m.active.count() - reconciled

	st := &Stats{Counts: counts, ActiveMax: m.cfg.ActiveMax, Reconciled: reconciled}
	for _, n := range counts {
		st.Total += n
	}

	indexed, err := m.index.DocCount()
	if err != nil {
		return nil, fmt.Errorf("index count: %w", err)
	}
	if int(indexed) != durable {
		return st, fmt.Errorf("%w: %d indexed, %d stored", ErrStatsIntegrity, indexed, durable)
	}
	return st, nil
}

// StartCleanup launches the background demotion loop. The schedule is either
// a plain duration ("10m") or a cron expression.
func (m *Manager) StartCleanup() error {
	next, err := scheduleFunc(m.cfg.CleanupSchedule)
	if err != nil {
		return err
	}
	go func() {
		for {
			wait := next(time.Now())
			select {
			case <-m.stop:
				return
			case <-time.After(wait):
			}
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			if err := m.Cleanup(ctx); err != nil {
				m.logger.Printf("cleanup pass failed: %v", err)
			}
			cancel()
		}
	}()
	return nil
}

func scheduleFunc(spec string) (func(time.Time) time.Duration, error) {
	if d, err := time.ParseDuration(spec); err == nil {
		if d <= 0 {
			return nil, fmt.Errorf("cleanup schedule must be positive")
		}
		return func(time.Time) time.Duration { return d }, nil
	}
	expr, err := cronexpr.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("cleanup schedule %q is neither a duration nor a cron expression: %w", spec, err)
	}
	return func(now time.Time) time.Duration { return expr.Next(now).Sub(now) }, nil
}

// Cleanup runs one demotion pass: hot past its window moves to warm, warm to
// cold, cold to trash, and trash past its window is purged for good.
func (m *Manager) Cleanup(ctx context.Context) error {
	now := time.Now()
	day := 24 * time.Hour
	moves := []struct {
		from, to Tier
		age      time.Duration
	}{
		{TierHot, TierWarm, time.Duration(m.cfg.Tiers.HotDays) * day},
		{TierWarm, TierCold, time.Duration(m.cfg.Tiers.WarmDays) * day},
		{TierCold, TierTrash, time.Duration(m.cfg.Tiers.ColdDays) * day},
	}
	for _, mv := range moves {
		ids, err := m.store.olderThan(ctx, mv.from, now.Add(-mv.age))
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := m.store.moveTier(ctx, id, mv.from, mv.to, false); err != nil {
				m.logger.Printf("demote %s %s -> %s: %v", id, mv.from, mv.to, err)
				continue
			}
			if mv.to == TierTrash {
				if err := m.index.Delete(id); err != nil {
					m.logger.Printf("deindex %s: %v", id, err)
				}
			}
			if m.telemetry != nil {
				m.telemetry.RecordTierTransition(string(mv.from), string(mv.to))
			}
		}
		if len(ids) > 0 {
			m.logger.Printf("demoted %d sessions %s -> %s", len(ids), mv.from, mv.to)
		}
	}

	purgeIDs, err := m.store.olderThan(ctx, TierTrash, now.Add(-time.Duration(m.cfg.Tiers.TrashDays)*day))
	if err != nil {
		return err
	}
	for _, id := range purgeIDs {
		if err := m.store.delete(ctx, id); err != nil {
			m.logger.Printf("purge %s: %v", id, err)
		}
	}
	if len(purgeIDs) > 0 {
		m.logger.Printf("purged %d trashed sessions", len(purgeIDs))
	}
	return nil
}

// Close stops the cleanup loop and releases the store and index.
func (m *Manager) Close() error {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	if err := m.index.Close(); err != nil {
		m.logger.Printf("close index: %v", err)
	}
	return m.store.close()
}

package memory

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mohammad-safakhou/deepsearch/config"
	"github.com/mohammad-safakhou/deepsearch/internal/research"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(config.MemoryConfig{
		Path:      "", // in-memory sqlite
		ActiveMax: 10,
		Tiers:     config.TierDurations{HotDays: 3, WarmDays: 7, ColdDays: 30, TrashDays: 7},
	}, nil, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func newSession(id, query string) *research.Session {
	now := time.Now()
	return &research.Session{
		ID: id, Query: query, ResearchType: research.TypeFoundation,
		Status: research.StatusInProgress, CreatedAt: now, StartedAt: now, LastAccessed: now,
	}
}

func TestConcurrentWriterRejected(t *testing.T) {
	t.Parallel()
	m := testManager(t)
	ctx := context.Background()
	sess := newSession("s1", "topic")

	if err := m.StoreActiveSession(ctx, sess); err != nil {
		t.Fatal(err)
	}
	if err := m.StoreActiveSession(ctx, newSession("s1", "topic again")); !errors.Is(err, ErrSessionBusy) {
		t.Errorf("second writer got %v, want ErrSessionBusy", err)
	}

	// Ownership releases on completion, after which the id is terminal and a
	// fresh claim over the active tier is allowed again.
	sess.Status = research.StatusCompleted
	if err := m.CompleteResearchSession(ctx, sess); err != nil {
		t.Fatal(err)
	}
	if err := m.StoreActiveSession(ctx, newSession("s1", "rerun")); err != nil {
		t.Errorf("claim after completion failed: %v", err)
	}
}

func TestActiveCapacityLimit(t *testing.T) {
	t.Parallel()
	m, err := NewManager(config.MemoryConfig{ActiveMax: 1, Tiers: config.TierDurations{HotDays: 3, WarmDays: 7, ColdDays: 30, TrashDays: 7}}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	ctx := context.Background()

	if err := m.StoreActiveSession(ctx, newSession("a", "q")); err != nil {
		t.Fatal(err)
	}
	if err := m.StoreActiveSession(ctx, newSession("b", "q")); !errors.Is(err, ErrActiveFull) {
		t.Errorf("over-capacity claim got %v, want ErrActiveFull", err)
	}
}

func TestCompleteMovesToHot(t *testing.T) {
	t.Parallel()
	m := testManager(t)
	ctx := context.Background()
	sess := newSession("s2", "go generics")
	sess.Analysis = "analysis text"

	if err := m.StoreActiveSession(ctx, sess); err != nil {
		t.Fatal(err)
	}
	sess.Status = research.StatusCompleted
	if err := m.CompleteResearchSession(ctx, sess); err != nil {
		t.Fatal(err)
	}

	rec, err := m.GetSession(ctx, "s2")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Tier != TierHot {
		t.Errorf("tier = %s, want hot", rec.Tier)
	}
	if rec.Session.Analysis != "analysis text" {
		t.Errorf("analysis lost through persistence: %q", rec.Session.Analysis)
	}
}

func TestGetSessionPromotesFromWarmAndCold(t *testing.T) {
	t.Parallel()
	m := testManager(t)
	ctx := context.Background()

	for _, tier := range []Tier{TierWarm, TierCold} {
		id := "promote-" + string(tier)
		sess := newSession(id, "aged query")
		sess.Status = research.StatusCompleted
		rec := &TierRecord{Session: sess, Tier: tier, AccessCount: 2, LastAccessed: time.Now(), TierEnteredAt: time.Now()}
		if err := m.store.upsert(ctx, rec); err != nil {
			t.Fatal(err)
		}

		got, err := m.GetSession(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if got.Tier != TierHot {
			t.Errorf("read from %s left tier = %s, want hot", tier, got.Tier)
		}
		if got.PromotedFrom != tier {
			t.Errorf("promoted_from = %s, want %s", got.PromotedFrom, tier)
		}
		if got.AccessCount != 3 {
			t.Errorf("access count = %d, want 3", got.AccessCount)
		}

		// The promotion is durable, not just reflected in the return value.
		stored, err := m.store.get(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if stored.Tier != TierHot {
			t.Errorf("stored tier = %s, want hot", stored.Tier)
		}
	}
}

func TestGetSessionTrashInvisible(t *testing.T) {
	t.Parallel()
	m := testManager(t)
	ctx := context.Background()

	sess := newSession("trashed", "old query")
	rec := &TierRecord{Session: sess, Tier: TierTrash, LastAccessed: time.Now(), TierEnteredAt: time.Now()}
	if err := m.store.upsert(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if _, err := m.GetSession(ctx, "trashed"); !errors.Is(err, ErrNotFound) {
		t.Errorf("trash read got %v, want ErrNotFound", err)
	}
}

func TestSearchSessionsFiltersAndPaginates(t *testing.T) {
	t.Parallel()
	m := testManager(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		sess := newSession(fmt.Sprintf("f%d", i), fmt.Sprintf("kubernetes networking part %d", i))
		sess.Status = research.StatusCompleted
		sess.CreatedAt = time.Now().Add(time.Duration(i) * time.Minute)
		if err := m.StoreActiveSession(ctx, sess); err != nil {
			t.Fatal(err)
		}
		if err := m.CompleteResearchSession(ctx, sess); err != nil {
			t.Fatal(err)
		}
	}
	failed := newSession("failed-1", "doomed query about rust")
	failed.Status = research.StatusFailed
	if err := m.StoreActiveSession(ctx, failed); err != nil {
		t.Fatal(err)
	}
	if err := m.CompleteResearchSession(ctx, failed); err != nil {
		t.Fatal(err)
	}

	res, err := m.SearchSessions(ctx, SearchQuery{Status: "completed", SortBy: "created_at", Order: "asc", Limit: 2, Page: 1})
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 5 {
		t.Errorf("total = %d, want 5 completed", res.Total)
	}
	if len(res.Sessions) != 2 {
		t.Errorf("page size = %d, want 2", len(res.Sessions))
	}
	if res.TierCount[TierHot] != 5 {
		t.Errorf("tier breakdown hot = %d, want 5", res.TierCount[TierHot])
	}

	page2, err := m.SearchSessions(ctx, SearchQuery{Status: "completed", SortBy: "created_at", Order: "asc", Limit: 2, Page: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(page2.Sessions) != 2 {
		t.Fatalf("page 2 size = %d, want 2", len(page2.Sessions))
	}
	if page2.Sessions[0].Session.ID == res.Sessions[0].Session.ID {
		t.Error("pagination returned overlapping pages")
	}
}

func TestSearchSessionsFreeText(t *testing.T) {
	t.Parallel()
	m := testManager(t)
	ctx := context.Background()

	a := newSession("t1", "postgres replication lag")
	a.Status = research.StatusCompleted
	b := newSession("t2", "sourdough starter maintenance")
	b.Status = research.StatusCompleted
	for _, sess := range []*research.Session{a, b} {
		if err := m.StoreActiveSession(ctx, sess); err != nil {
			t.Fatal(err)
		}
		if err := m.CompleteResearchSession(ctx, sess); err != nil {
			t.Fatal(err)
		}
	}

	res, err := m.SearchSessions(ctx, SearchQuery{Text: "replication"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 1 || len(res.Sessions) != 1 || res.Sessions[0].Session.ID != "t1" {
		t.Errorf("free-text search returned %+v", res)
	}

	// Searching must not change placement.
	rec, err := m.store.get(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Tier != TierHot {
		t.Errorf("search moved session to %s", rec.Tier)
	}
}

func TestSearchSessionsRepeatableResults(t *testing.T) {
	t.Parallel()
	m := testManager(t)
	ctx := context.Background()

	sess := newSession("r1", "idempotent listing")
	sess.Status = research.StatusCompleted
	if err := m.StoreActiveSession(ctx, sess); err != nil {
		t.Fatal(err)
	}
	if err := m.CompleteResearchSession(ctx, sess); err != nil {
		t.Fatal(err)
	}

	first, err := m.SearchSessions(ctx, SearchQuery{})
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.SearchSessions(ctx, SearchQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if first.Total != second.Total || len(first.Sessions) != len(second.Sessions) {
		t.Errorf("repeated search diverged: %d/%d vs %d/%d",
			first.Total, len(first.Sessions), second.Total, len(second.Sessions))
	}
}

func TestStatsCountsEachSessionOnce(t *testing.T) {
	t.Parallel()
	m := testManager(t)
	ctx := context.Background()

	// An active session that has been checkpointed exists both in process
	// memory and in sqlite; stats must count it once.
	sess := newSession("dual", "checkpointed topic")
	if err := m.StoreActiveSession(ctx, sess); err != nil {
		t.Fatal(err)
	}
	if err := m.CheckpointSession(ctx, sess); err != nil {
		t.Fatal(err)
	}

	done := newSession("done", "finished topic")
	done.Status = research.StatusCompleted
	if err := m.StoreActiveSession(ctx, done); err != nil {
		t.Fatal(err)
	}
	if err := m.CompleteResearchSession(ctx, done); err != nil {
		t.Fatal(err)
	}

	st, err := m.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Counts[TierActive] != 1 {
		t.Errorf("active count = %d, want 1", st.Counts[TierActive])
	}
	if st.Counts[TierHot] != 1 {
		t.Errorf("hot count = %d, want 1", st.Counts[TierHot])
	}
	if st.Total != 2 {
		t.Errorf("total = %d, want 2", st.Total)
	}
	if st.Reconciled != 1 {
		t.Errorf("reconciled = %d, want 1", st.Reconciled)
	}
}

func TestGetSessionConcurrentReads(t *testing.T) {
	t.Parallel()
	m := testManager(t)
	ctx := context.Background()

	if err := m.StoreActiveSession(ctx, newSession("busy", "contended topic")); err != nil {
		t.Fatal(err)
	}

	const readers, reads = 8, 100
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < reads; j++ {
				if _, err := m.GetSession(ctx, "busy"); err != nil {
					t.Errorf("GetSession: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	rec, err := m.GetSession(ctx, "busy")
	if err != nil {
		t.Fatal(err)
	}
	// 1 on claim + readers*reads + this read.
	if want := 1 + readers*reads + 1; rec.AccessCount != want {
		t.Errorf("access count = %d, want %d", rec.AccessCount, want)
	}
}

func TestStatsSurvivesRestart(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "memory.db")
	cfg := config.MemoryConfig{
		Path:      path,
		ActiveMax: 10,
		Tiers:     config.TierDurations{HotDays: 3, WarmDays: 7, ColdDays: 30, TrashDays: 7},
	}

	m, err := NewManager(cfg, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	// One checkpointed in-progress session and one completed one.
	sess := newSession("interrupted", "long running topic")
	if err := m.StoreActiveSession(ctx, sess); err != nil {
		t.Fatal(err)
	}
	if err := m.CheckpointSession(ctx, sess); err != nil {
		t.Fatal(err)
	}
	done := newSession("done", "finished topic")
	done.Status = research.StatusCompleted
	if err := m.StoreActiveSession(ctx, done); err != nil {
		t.Fatal(err)
	}
	if err := m.CompleteResearchSession(ctx, done); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}

	// The checkpointed row is durable but no longer live after a restart;
	// stats must still reconcile with the rebuilt index.
	m2, err := NewManager(cfg, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m2.Close() })

	st, err := m2.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats after restart: %v", err)
	}
	if st.Counts[TierActive] != 1 {
		t.Errorf("active count = %d, want the checkpointed row", st.Counts[TierActive])
	}
	if st.Counts[TierHot] != 1 {
		t.Errorf("hot count = %d, want 1", st.Counts[TierHot])
	}
	if st.Total != 2 {
		t.Errorf("total = %d, want 2", st.Total)
	}
}

func TestGetSessionHotReadKeepsResidency(t *testing.T) {
	t.Parallel()
	m := testManager(t)
	ctx := context.Background()
	entered := time.Now().Add(-48 * time.Hour)

	sess := newSession("resident", "frequently read topic")
	sess.Status = research.StatusCompleted
	rec := &TierRecord{Session: sess, Tier: TierHot, AccessCount: 1, LastAccessed: entered, TierEnteredAt: entered}
	if err := m.store.upsert(ctx, rec); err != nil {
		t.Fatal(err)
	}

	got, err := m.GetSession(ctx, "resident")
	if err != nil {
		t.Fatal(err)
	}
	if got.AccessCount != 2 {
		t.Errorf("access count = %d, want 2", got.AccessCount)
	}

	// The read stamps access metadata but must not restart hot residency,
	// otherwise a periodically read session never ages out.
	stored, err := m.store.get(ctx, "resident")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Tier != TierHot {
		t.Errorf("tier = %s, want hot", stored.Tier)
	}
	if !stored.TierEnteredAt.Equal(entered) {
		t.Errorf("tier_entered_at moved from %s to %s on a same-tier read", entered, stored.TierEnteredAt)
	}
	if !stored.LastAccessed.After(entered) {
		t.Error("last_accessed not stamped by the read")
	}
}

func TestCleanupDemotesAndPurges(t *testing.T) {
	t.Parallel()
	m := testManager(t)
	ctx := context.Background()
	old := time.Now().Add(-40 * 24 * time.Hour)

	seed := func(id string, tier Tier) {
		sess := newSession(id, "aged "+id)
		sess.Status = research.StatusCompleted
		rec := &TierRecord{Session: sess, Tier: tier, LastAccessed: old, TierEnteredAt: old}
		if err := m.store.upsert(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}
	seed("aged-hot", TierHot)
	seed("aged-warm", TierWarm)
	seed("aged-cold", TierCold)
	seed("aged-trash", TierTrash)

	if err := m.Cleanup(ctx); err != nil {
		t.Fatal(err)
	}

	want := map[string]Tier{
		"aged-hot":  TierWarm,
		"aged-warm": TierCold,
		"aged-cold": TierTrash,
	}
	for id, tier := range want {
		rec, err := m.store.get(ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if rec.Tier != tier {
			t.Errorf("%s demoted to %s, want %s", id, rec.Tier, tier)
		}
	}
	if _, err := m.store.get(ctx, "aged-trash"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expired trash not purged: %v", err)
	}
}

func TestCleanupFreshSessionsUntouched(t *testing.T) {
	t.Parallel()
	m := testManager(t)
	ctx := context.Background()

	sess := newSession("fresh", "new topic")
	sess.Status = research.StatusCompleted
	rec := &TierRecord{Session: sess, Tier: TierHot, LastAccessed: time.Now(), TierEnteredAt: time.Now()}
	if err := m.store.upsert(ctx, rec); err != nil {
		t.Fatal(err)
	}

	if err := m.Cleanup(ctx); err != nil {
		t.Fatal(err)
	}
	got, err := m.store.get(ctx, "fresh")
	if err != nil {
		t.Fatal(err)
	}
	if got.Tier != TierHot {
		t.Errorf("fresh session moved to %s", got.Tier)
	}
}

func TestScheduleFunc(t *testing.T) {
	t.Parallel()
	next, err := scheduleFunc("10m")
	if err != nil {
		t.Fatal(err)
	}
	if d := next(time.Now()); d != 10*time.Minute {
		t.Errorf("duration schedule = %s", d)
	}

	next, err = scheduleFunc("0 * * * *")
	if err != nil {
		t.Fatalf("cron schedule rejected: %v", err)
	}
	if d := next(time.Now()); d <= 0 || d > time.Hour {
		t.Errorf("cron next = %s, want within the hour", d)
	}

	if _, err := scheduleFunc("not-a-schedule"); err == nil {
		t.Error("invalid schedule accepted")
	}
}

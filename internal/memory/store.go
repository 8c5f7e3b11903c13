package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mohammad-safakhou/deepsearch/internal/research"
)

// tierStore is the durable backing for the hot/warm/cold/trash tiers. The
// full session is stored as a JSON payload; placement metadata lives in
// dedicated columns so tier scans never deserialize payloads.
type tierStore struct {
	db *sql.DB
}

func newTierStore(path string) (*tierStore, error) {
	dsn := path
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	// A single writer avoids SQLITE_BUSY under concurrent checkpoints.
	db.SetMaxOpenConns(1)
	s := &tierStore{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *tierStore) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id              TEXT PRIMARY KEY,
		user_id         TEXT NOT NULL DEFAULT '',
		query           TEXT NOT NULL,
		research_type   TEXT NOT NULL,
		status          TEXT NOT NULL,
		tier            TEXT NOT NULL,
		access_count    INTEGER NOT NULL DEFAULT 0,
		promoted_from   TEXT NOT NULL DEFAULT '',
		payload         TEXT NOT NULL,
		created_at      TIMESTAMP NOT NULL,
		last_accessed   TIMESTAMP NOT NULL,
		tier_entered_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_tier ON sessions(tier);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_tier_entered ON sessions(tier, tier_entered_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *tierStore) upsert(ctx context.Context, rec *TierRecord) error {
	payload, err := json.Marshal(rec.Session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, query, research_type, status, tier, access_count, promoted_from, payload, created_at, last_accessed, tier_entered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			tier = excluded.tier,
			access_count = excluded.access_count,
			promoted_from = excluded.promoted_from,
			payload = excluded.payload,
			last_accessed = excluded.last_accessed,
			tier_entered_at = excluded.tier_entered_at`,
		rec.Session.ID, rec.Session.UserID, rec.Session.Query, rec.Session.ResearchType,
		string(rec.Session.Status), string(rec.Tier), rec.AccessCount, string(rec.PromotedFrom),
		string(payload), rec.Session.CreatedAt, rec.LastAccessed, rec.TierEnteredAt)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", rec.Session.ID, err)
	}
	return nil
}

func (s *tierStore) get(ctx context.Context, id string) (*TierRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tier, access_count, promoted_from, payload, last_accessed, tier_entered_at
		FROM sessions WHERE id = ?`, id)
	return scanRecord(row)
}

func (s *tierStore) delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	return err
}

// moveTier re-files a session, stamping the transition metadata. Timestamps
// are always bound from Go so the column format stays uniform.
func (s *tierStore) moveTier(ctx context.Context, id string, from, to Tier, touchAccess bool) error {
	now := time.Now()
	touch := ""
	args := []any{string(to), string(from), now}
	if touchAccess {
		touch = ", access_count = access_count + 1, last_accessed = ?"
		args = append(args, now)
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET tier = ?, promoted_from = ?, tier_entered_at = ?`+touch+` WHERE id = ?`,
		args...)
	if err != nil {
		return fmt.Errorf("move session %s to %s: %w", id, to, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// touch stamps a read without changing tier placement or residency.
func (s *tierStore) touch(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET access_count = access_count + 1, last_accessed = ? WHERE id = ?`,
		time.Now(), id)
	if err != nil {
		return fmt.Errorf("touch session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// olderThan returns ids in a tier whose tier residency started before cutoff.
func (s *tierStore) olderThan(ctx context.Context, tier Tier, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM sessions WHERE tier = ? AND tier_entered_at < ?`, string(tier), cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *tierStore) counts(ctx context.Context) (map[Tier]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tier, COUNT(*) FROM sessions GROUP BY tier`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[Tier]int)
	for rows.Next() {
		var tier string
		var n int
		if err := rows.Scan(&tier, &n); err != nil {
			return nil, err
		}
		out[Tier(tier)] = n
	}
	return out, rows.Err()
}

// search filters on the indexed columns; free-text matching is handled by the
// bleve index upstream, which passes the matched id set in ids (nil means no
// text filter).
func (s *tierStore) search(ctx context.Context, q SearchQuery, ids []string) ([]*TierRecord, int, map[Tier]int, error) {
	where := "WHERE tier != 'trash'"
	var args []any
	if q.UserID != "" {
		where += " AND user_id = ?"
		args = append(args, q.UserID)
	}
	if q.Status != "" {
		where += " AND status = ?"
		args = append(args, q.Status)
	}
	if ids != nil {
		if len(ids) == 0 {
			return nil, 0, map[Tier]int{}, nil
		}
		where += " AND id IN (?" + strings.Repeat(",?", len(ids)-1) + ")"
		for _, id := range ids {
			args = append(args, id)
		}
	}

	breakdown := make(map[Tier]int)
	total := 0
	rows, err := s.db.QueryContext(ctx, `SELECT tier, COUNT(*) FROM sessions `+where+` GROUP BY tier`, args...)
	if err != nil {
		return nil, 0, nil, err
	}
	for rows.Next() {
		var tier string
		var n int
		if err := rows.Scan(&tier, &n); err != nil {
			rows.Close()
			return nil, 0, nil, err
		}
		breakdown[Tier(tier)] = n
		total += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, nil, err
	}

	orderCol := map[string]string{
		"created_at":    "created_at",
		"last_accessed": "last_accessed",
		"query":         "query",
	}[q.SortBy]
	if orderCol == "" {
		orderCol = "created_at"
	}
	dir := "DESC"
	if q.Order == "asc" {
		dir = "ASC"
	}

	limit := q.Limit
	if limit <= 0 || limit > 50 {
		limit = 50
	}
	page := q.Page
	if page < 1 {
		page = 1
	}
	args = append(args, limit, (page-1)*limit)

	rows, err = s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT tier, access_count, promoted_from, payload, last_accessed, tier_entered_at
		FROM sessions %s ORDER BY %s %s, id ASC LIMIT ? OFFSET ?`, where, orderCol, dir), args...)
	if err != nil {
		return nil, 0, nil, err
	}
	defer rows.Close()

	var recs []*TierRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, nil, err
		}
		recs = append(recs, rec)
	}
	return recs, total, breakdown, rows.Err()
}

// allForIndex streams (id, query, analysis, user_id) for bleve reindexing.
func (s *tierStore) allForIndex(ctx context.Context) ([]indexDoc, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, payload FROM sessions WHERE tier != 'trash'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var docs []indexDoc
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		var sess research.Session
		if err := json.Unmarshal([]byte(payload), &sess); err != nil {
			continue
		}
		docs = append(docs, indexDoc{ID: id, Query: sess.Query, Analysis: sess.Analysis, UserID: sess.UserID})
	}
	return docs, rows.Err()
}

func (s *tierStore) close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*TierRecord, error) {
	var (
		tier, promotedFrom, payload string
		accessCount                 int
		lastAccessed, tierEnteredAt time.Time
	)
	err := row.Scan(&tier, &accessCount, &promotedFrom, &payload, &lastAccessed, &tierEnteredAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var sess research.Session
	if err := json.Unmarshal([]byte(payload), &sess); err != nil {
		return nil, fmt.Errorf("decode session payload: %w", err)
	}
	return &TierRecord{
		Session:       &sess,
		Tier:          Tier(tier),
		AccessCount:   accessCount,
		PromotedFrom:  Tier(promotedFrom),
		LastAccessed:  lastAccessed,
		TierEnteredAt: tierEnteredAt,
	}, nil
}

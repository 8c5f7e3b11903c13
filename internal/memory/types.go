package memory

import (
	"errors"
	"time"

	"github.com/mohammad-safakhou/deepsearch/internal/research"
)

// Tier names the temporal storage classes, ordered by recency of access.
// active lives only in process memory; the rest are durable.
type Tier string

const (
	TierActive Tier = "active"
	TierHot    Tier = "hot"
	TierWarm   Tier = "warm"
	TierCold   Tier = "cold"
	TierTrash  Tier = "trash"
)

var (
	// ErrNotFound is returned when a session id resolves to no tier.
	ErrNotFound = errors.New("session not found")
	// ErrSessionBusy is returned when a writer already owns the session.
	ErrSessionBusy = errors.New("session has a concurrent writer")
	// ErrActiveFull is returned when the active tier is at capacity.
	ErrActiveFull = errors.New("active session limit reached")
	// ErrStatsIntegrity is returned when tier counts and the searchable
	// index disagree.
	ErrStatsIntegrity = errors.New("tier counts diverge from search index")
)

// TierRecord is a session together with its placement metadata.
type TierRecord struct {
	Session       *research.Session `json:"session"`
	Tier          Tier              `json:"tier"`
	AccessCount   int               `json:"access_count"`
	LastAccessed  time.Time         `json:"last_accessed"`
	PromotedFrom  Tier              `json:"promoted_from,omitempty"`
	TierEnteredAt time.Time         `json:"tier_entered_at"`
}

// Stats summarizes the hierarchy for the stats endpoint.
type Stats struct {
	Counts       map[Tier]int `json:"counts"`
	Total        int          `json:"total"`
	ActiveMax    int          `json:"active_max"`
	Reconciled   int          `json:"reconciled"`
	OldestWarmAt time.Time    `json:"oldest_warm_at,omitempty"`
}

// SearchQuery filters SearchSessions.
type SearchQuery struct {
	UserID string
	Status string // pending, in_progress, completed, failed, or empty
	Text   string // free-text over query and analysis
	SortBy string // created_at, last_accessed, query
	Order  string // asc or desc
	Page   int    // 1-based
	Limit  int    // capped at 50
}

// SearchResult is one page of matched sessions with a tier breakdown of the
// whole match set.
type SearchResult struct {
	Sessions  []*TierRecord `json:"sessions"`
	Total     int           `json:"total"`
	Page      int           `json:"page"`
	Limit     int           `json:"limit"`
	TierCount map[Tier]int  `json:"tier_breakdown"`
}

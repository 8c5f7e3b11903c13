package research

import (
	"fmt"
	"time"

	"github.com/mohammad-safakhou/deepsearch/internal/search"
)

// Status is a session or phase lifecycle state. Transitions are monotonic:
// pending → in_progress → {completed, failed}; terminal states never revert.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether s is a terminal state.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// Phase is a named stage of deep research with its own query modifiers.
type Phase string

const (
	PhaseFoundation  Phase = "foundation"
	PhasePerspective Phase = "perspective"
	PhaseTrend       Phase = "trend"
	PhaseSynthesis   Phase = "synthesis"
)

// Research types accepted at session start.
const (
	TypeFoundation    = "foundation"
	TypePerspective   = "perspective"
	TypeTrend         = "trend"
	TypeSynthesis     = "synthesis"
	TypeComprehensive = "comprehensive"
)

// PhaseSetFor maps a research type to its ordered phase set. Every set starts
// with the foundation phase.
func PhaseSetFor(researchType string) ([]Phase, error) {
	switch researchType {
	case TypeFoundation:
		return []Phase{PhaseFoundation}, nil
	case TypePerspective:
		return []Phase{PhaseFoundation, PhasePerspective}, nil
	case TypeTrend:
		return []Phase{PhaseFoundation, PhaseTrend}, nil
	case TypeSynthesis, TypeComprehensive:
		return []Phase{PhaseFoundation, PhasePerspective, PhaseTrend, PhaseSynthesis}, nil
	default:
		return nil, fmt.Errorf("unknown research type %q", researchType)
	}
}

// PhaseRecord captures one phase's execution.
type PhaseRecord struct {
	Name         Phase          `json:"name"`
	Status       Status         `json:"status"`
	Queries      []string       `json:"queries"`
	ResultCounts map[string]int `json:"result_counts,omitempty"`
	StartedAt    time.Time      `json:"started_at,omitempty"`
	CompletedAt  time.Time      `json:"completed_at,omitempty"`
}

// Session is a deep-research run. It is created at research start, mutated by
// the orchestrator after every phase, and owned by the temporal memory
// manager once it reaches a terminal state.
type Session struct {
	ID           string `json:"session_id"`
	UserID       string `json:"user_id"`
	Query        string `json:"query"`
	ResearchType string `json:"research_type"`
	// Per-session knobs captured at start; zero MaxSourcesPerPhase means the
	// configured default.
	MaxSourcesPerPhase int             `json:"max_sources_per_phase,omitempty"`
	IncludeCitations   bool            `json:"include_citations"`
	Status             Status          `json:"status"`
	CurrentPhase       Phase           `json:"current_phase,omitempty"`
	Phases             []PhaseRecord   `json:"phases"`
	Sources            []search.Result `json:"sources"`
	Analysis           string          `json:"analysis,omitempty"`
	FollowUps          []string        `json:"follow_ups,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	StartedAt          time.Time       `json:"started_at,omitempty"`
	CompletedAt        time.Time       `json:"completed_at,omitempty"`
	LastAccessed       time.Time       `json:"last_accessed"`
}

// SetStatus enforces monotonic transitions; invalid transitions are ignored
// and reported false.
func (s *Session) SetStatus(next Status) bool {
	if s.Status.Terminal() {
		return false
	}
	if s.Status == StatusInProgress && next == StatusPending {
		return false
	}
	s.Status = next
	return true
}

// EventType enumerates the closed set of research progress events.
type EventType string

const (
	EventSessionStarted   EventType = "session_started"
	EventProgress         EventType = "detailed_progress_update"
	EventSources          EventType = "sources"
	EventContent          EventType = "content"
	EventSuggestions      EventType = "suggestions"
	EventCompleted        EventType = "completed"
	EventSessionCompleted EventType = "session_completed"
	EventSessionError     EventType = "session_error"
)

// Event is one progress notification. Only the fields relevant to the event
// type are populated; the set of types is closed.
type Event struct {
	Type             EventType       `json:"type"`
	SessionID        string          `json:"session_id"`
	Phase            Phase           `json:"current_phase,omitempty"`
	Percent          int             `json:"percent,omitempty"`
	Activity         string          `json:"current_activity,omitempty"`
	Details          string          `json:"details,omitempty"`
	Content          string          `json:"content,omitempty"`
	Sources          []search.Result `json:"sources,omitempty"`
	Suggestions      []string        `json:"suggestions,omitempty"`
	SourcesAnalyzed  int             `json:"sources_analyzed,omitempty"`
	ResearchType     string          `json:"research_type,omitempty"`
	EstimatedSeconds int             `json:"estimated_completion_time,omitempty"`
	Err              string          `json:"error,omitempty"`
}

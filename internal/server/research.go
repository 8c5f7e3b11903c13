package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/deepsearch/internal/memory"
	"github.com/mohammad-safakhou/deepsearch/internal/research"
)

type startResearchRequest struct {
	Query              string `json:"query"`
	ResearchType       string `json:"research_type,omitempty"`
	UserID             string `json:"user_id,omitempty"`
	MaxSourcesPerPhase int    `json:"max_sources_per_phase,omitempty"`
	IncludeCitations   *bool  `json:"include_citations,omitempty"`
}

const maxSourcesPerPhaseLimit = 50

type startResearchResponse struct {
	SessionID        string `json:"session_id"`
	Status           string `json:"status"`
	ResearchType     string `json:"research_type"`
	EstimatedSeconds int    `json:"estimated_completion_seconds"`
	StreamURL        string `json:"stream_url"`
}

// handleStartResearch accepts a deep-research request and returns
// immediately; the run proceeds in the background and progress is consumed
// from the stream endpoint.
func (s *Server) handleStartResearch(c echo.Context) error {
	var req startResearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	if req.ResearchType == "" {
		req.ResearchType = research.TypeComprehensive
	}
	if _, err := research.PhaseSetFor(req.ResearchType); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.MaxSourcesPerPhase < 0 || req.MaxSourcesPerPhase > maxSourcesPerPhaseLimit {
		return echo.NewHTTPError(http.StatusBadRequest, "max_sources_per_phase out of range")
	}
	includeCitations := true
	if req.IncludeCitations != nil {
		includeCitations = *req.IncludeCitations
	}

	sess := &research.Session{
		ID:                 uuid.NewString(),
		UserID:             req.UserID,
		Query:              req.Query,
		ResearchType:       req.ResearchType,
		MaxSourcesPerPhase: req.MaxSourcesPerPhase,
		IncludeCitations:   includeCitations,
		Status:             research.StatusPending,
		CreatedAt:          time.Now(),
		LastAccessed:       time.Now(),
	}

	s.broker.open(sess.ID)
	go func() {
		// The run outlives the HTTP request that started it.
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
		defer cancel()
		defer s.broker.finish(sess.ID)
		if err := s.research.Run(ctx, sess, s.broker.publish); err != nil {
			s.logger.Printf("research session %s ended with error: %v", sess.ID, err)
		}
	}()

	return c.JSON(http.StatusAccepted, startResearchResponse{
		SessionID:        sess.ID,
		Status:           string(research.StatusPending),
		ResearchType:     sess.ResearchType,
		EstimatedSeconds: int(research.EstimateCompletion(sess.ResearchType).Seconds()),
		StreamURL:        "/api/research/sessions/" + sess.ID + "/stream",
	})
}

// handleResearchStream replays the session's event history and follows live
// events over SSE until the run finishes or the client disconnects.
func (s *Server) handleResearchStream(c echo.Context) error {
	id := c.Param("id")
	ch, known, cancel := s.broker.subscribe(id)
	if !known {
		// Not an in-process run; a stored session still gets a terminal
		// snapshot so old session ids remain streamable.
		rec, err := s.memory.GetSession(c.Request().Context(), id)
		if err == memory.ErrNotFound {
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		sse, err := newSSEWriter(c)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return sse.send(snapshotEvent(rec))
	}
	defer cancel()

	sse, err := newSSEWriter(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if err := sse.send(ev); err != nil {
				return nil
			}
		}
	}
}

func snapshotEvent(rec *memory.TierRecord) research.Event {
	sess := rec.Session
	ev := research.Event{
		SessionID:       sess.ID,
		ResearchType:    sess.ResearchType,
		SourcesAnalyzed: len(sess.Sources),
	}
	switch sess.Status {
	case research.StatusCompleted:
		ev.Type = research.EventSessionCompleted
		ev.Percent = 100
		ev.Content = sess.Analysis
		ev.Suggestions = sess.FollowUps
	case research.StatusFailed:
		ev.Type = research.EventSessionError
		ev.Err = "research failed"
	default:
		ev.Type = research.EventProgress
		ev.Phase = sess.CurrentPhase
		ev.Activity = "in progress"
	}
	return ev
}

// handleGetSession returns the session wherever it lives in the memory
// hierarchy; warm and cold reads promote it back to hot.
func (s *Server) handleGetSession(c echo.Context) error {
	rec, err := s.memory.GetSession(c.Request().Context(), c.Param("id"))
	if err == memory.ErrNotFound {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, rec)
}

// handleListSessions lists and searches stored sessions. Listing never moves
// sessions between tiers.
func (s *Server) handleListSessions(c echo.Context) error {
	q := memory.SearchQuery{
		UserID: c.QueryParam("user_id"),
		Status: c.QueryParam("status"),
		Text:   c.QueryParam("q"),
		SortBy: c.QueryParam("sort_by"),
		Order:  c.QueryParam("order"),
	}
	if v := c.QueryParam("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			q.Page = n
		}
	}
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			q.Limit = n
		}
	}
	switch q.Status {
	case "", "pending", "in_progress", "completed", "failed":
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "invalid status filter")
	}
	switch q.SortBy {
	case "", "created_at", "last_accessed", "query":
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "invalid sort_by")
	}

	res, err := s.memory.SearchSessions(c.Request().Context(), q)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, res)
}

// handleMemoryStats reports per-tier session counts.
func (s *Server) handleMemoryStats(c echo.Context) error {
	st, err := s.memory.Stats(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, st)
}

package server

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohammad-safakhou/deepsearch/config"
	"github.com/mohammad-safakhou/deepsearch/internal/cache"
	"github.com/mohammad-safakhou/deepsearch/internal/llm"
	"github.com/mohammad-safakhou/deepsearch/internal/memory"
	"github.com/mohammad-safakhou/deepsearch/internal/research"
	"github.com/mohammad-safakhou/deepsearch/internal/search"
	"github.com/mohammad-safakhou/deepsearch/internal/telemetry"
)

// Server ties the search pipeline, LLM router, completion cache, research
// orchestrator and temporal memory behind one HTTP surface.
type Server struct {
	cfg       *config.Config
	logger    *log.Logger
	telemetry *telemetry.Telemetry
	llm       *llm.Client
	cache     *cache.Cache
	search    *search.Orchestrator
	research  *research.Orchestrator
	memory    *memory.Manager
	broker    *sessionBroker
}

// Run builds all components from configuration and serves until interrupted.
func Run(cfg *config.Config) error {
	logger := log.New(os.Stdout, "[SERVER] ", log.LstdFlags)

	tele := telemetry.NewTelemetry(cfg.Telemetry)

	transport := llm.NewHTTPTransport(cfg.LLM.Timeout)
	llmClient, err := llm.NewClient(cfg.LLM, transport, tele, nil)
	if err != nil {
		return err
	}
	defer llmClient.Close()

	searchOrch, err := search.NewOrchestrator(cfg.Search, tele, nil)
	if err != nil {
		return err
	}

	mem, err := memory.NewManager(cfg.Memory, tele, nil)
	if err != nil {
		return err
	}
	defer mem.Close()

	compCache := cache.New(cfg.Cache, nil)
	researchOrch := research.NewOrchestrator(cfg.Research, searchOrch, llmClient, compCache, mem, tele, nil)

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		telemetry: tele,
		llm:       llmClient,
		cache:     compCache,
		search:    searchOrch,
		research:  researchOrch,
		memory:    mem,
		broker:    newSessionBroker(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	llmClient.StartHealthChecks(ctx)
	if err := mem.StartCleanup(); err != nil {
		return err
	}

	e := echo.New()
	e.HideBanner = true
	e.Debug = cfg.General.Debug
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.HTTPErrorHandler = httpErrorHandler(logger)

	s.registerRoutes(e)

	errCh := make(chan error, 1)
	go func() { errCh <- e.Start(cfg.General.Listen) }()
	logger.Printf("listening on %s", cfg.General.Listen)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Printf("received %s, shutting down", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return e.Shutdown(shutdownCtx)
}

func (s *Server) registerRoutes(e *echo.Echo) {
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api")
	api.POST("/search", s.handleSearch)
	api.GET("/search/health", s.handleSearchHealth)

	api.POST("/research/sessions", s.handleStartResearch)
	api.GET("/research/sessions", s.handleListSessions)
	api.GET("/research/sessions/:id", s.handleGetSession)
	api.GET("/research/sessions/:id/stream", s.handleResearchStream)

	api.GET("/llm/health", s.handleLLMHealth)
	api.GET("/llm/models", s.handleLLMModels)

	api.GET("/memory/stats", s.handleMemoryStats)
}

// handleLLMHealth reports catalog health from the background probe state.
func (s *Server) handleLLMHealth(c echo.Context) error {
	h := s.llm.HealthCheck()
	code := http.StatusOK
	if h.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, h)
}

// handleLLMModels lists the configured catalog with per-model health.
func (s *Server) handleLLMModels(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"models":     s.llm.Models(),
		"total_cost": s.telemetry.TotalCost(),
	})
}

// httpErrorHandler normalizes error responses to {"error": "..."} and logs
// server-side failures.
func httpErrorHandler(logger *log.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		code := http.StatusInternalServerError
		msg := "internal server error"
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if m, ok := he.Message.(string); ok {
				msg = m
			}
		}
		if code >= http.StatusInternalServerError {
			logger.Printf("%s %s failed: %v", c.Request().Method, c.Request().URL.Path, err)
		}
		if err := c.JSON(code, map[string]string{"error": msg}); err != nil {
			logger.Printf("error response write failed: %v", err)
		}
	}
}

func contextWithTimeout(c echo.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request().Context(), d)
}

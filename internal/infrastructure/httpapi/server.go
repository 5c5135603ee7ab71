package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"CommunityPress/internal/domain"
	"CommunityPress/internal/ports"
	"CommunityPress/internal/usecase"
)

const apiKeyHeader = "X-API-Key"

// Server exposes the operator API for triggering pipeline jobs and managing
// newsletter approval.
type Server struct {
	echo         *echo.Echo
	orchestrator *usecase.Orchestrator
	contents     ports.ContentStore
	newsletters  ports.NewsletterStore
	lookback     time.Duration
	logger       *slog.Logger
}

// Deps collects the server's collaborators.
type Deps struct {
	Orchestrator *usecase.Orchestrator
	Contents     ports.ContentStore
	Newsletters  ports.NewsletterStore
	Lookback     time.Duration
	APIKey       string
	Logger       *slog.Logger
}

// NewServer builds the echo router with all routes registered.
func NewServer(deps Deps) *Server {
	s := &Server{
		orchestrator: deps.Orchestrator,
		contents:     deps.Contents,
		newsletters:  deps.Newsletters,
		lookback:     deps.Lookback,
		logger:       deps.Logger,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())

	e.GET("/healthz", s.healthz)

	admin := e.Group("/admin", apiKeyAuth(deps.APIKey))
	admin.POST("/trigger-scrape", s.triggerScrape)
	admin.POST("/trigger-filter", s.triggerFilter)
	admin.POST("/newsletters/generate", s.generateNewsletter)
	admin.POST("/newsletters/send", s.sendNewsletter)
	admin.POST("/newsletters/:id/approve", s.approveNewsletter)
	admin.POST("/newsletters/:id/reject", s.rejectNewsletter)
	admin.GET("/newsletters/:id", s.getNewsletter)
	admin.GET("/content/pending", s.pendingContent)
	admin.GET("/content/:id", s.getContent)
	admin.GET("/content/approved", s.approvedContent)
	admin.GET("/stats", s.stats)

	s.echo = e
	return s
}

// Start serves HTTP on the given address until the listener fails or
// Shutdown is called.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func apiKeyAuth(key string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if key == "" {
				return next(c)
			}
			if c.Request().Header.Get(apiKeyHeader) != key {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid api key"})
			}
			return next(c)
		}
	}
}

func (s *Server) healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) triggerScrape(c echo.Context) error {
	stats, ran, err := s.orchestrator.TriggerScrape(c.Request().Context())
	if err != nil {
		return s.errorResponse(c, err)
	}
	if !ran {
		return c.JSON(http.StatusAccepted, map[string]string{"status": "in_progress"})
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "completed", "stats": stats})
}

func (s *Server) triggerFilter(c echo.Context) error {
	stats, ran, err := s.orchestrator.TriggerFilter(c.Request().Context())
	if err != nil {
		return s.errorResponse(c, err)
	}
	if !ran {
		return c.JSON(http.StatusAccepted, map[string]string{"status": "in_progress"})
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "completed", "stats": stats})
}

func (s *Server) generateNewsletter(c echo.Context) error {
	id, ran, err := s.orchestrator.TriggerCompose(c.Request().Context())
	if err != nil {
		return s.errorResponse(c, err)
	}
	if !ran {
		return c.JSON(http.StatusAccepted, map[string]string{"status": "in_progress"})
	}
	return c.JSON(http.StatusCreated, map[string]any{"status": "pending_approval", "newsletter_id": id})
}

func (s *Server) sendNewsletter(c echo.Context) error {
	receipt, err := s.orchestrator.TriggerSend(c.Request().Context())
	if err != nil {
		return s.errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, receipt)
}

func (s *Server) approveNewsletter(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return s.errorResponse(c, err)
	}
	receipt, err := s.orchestrator.Approve(c.Request().Context(), id)
	if err != nil {
		return s.errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, receipt)
}

func (s *Server) rejectNewsletter(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return s.errorResponse(c, err)
	}
	if err := s.orchestrator.Reject(c.Request().Context(), id); err != nil {
		return s.errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "rejected"})
}

func (s *Server) getNewsletter(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return s.errorResponse(c, err)
	}
	newsletter, err := s.newsletters.Get(c.Request().Context(), id)
	if err != nil {
		return s.errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, newsletter)
}

func (s *Server) getContent(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return s.errorResponse(c, err)
	}
	item, err := s.contents.GetContent(c.Request().Context(), id)
	if err != nil {
		return s.errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, item)
}

func (s *Server) pendingContent(c echo.Context) error {
	items, err := s.contents.ListUnfiltered(c.Request().Context(), 200)
	if err != nil {
		return s.errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"count": len(items), "items": items})
}

func (s *Server) approvedContent(c echo.Context) error {
	since := time.Now().Add(-s.lookback)
	if raw := c.QueryParam("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return s.errorResponse(c, domain.NewValidation("since", "must be RFC3339"))
		}
		since = parsed
	}

	items, err := s.contents.ListApprovedSince(c.Request().Context(), since)
	if err != nil {
		return s.errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"count": len(items), "items": items})
}

func (s *Server) stats(c echo.Context) error {
	stats, err := s.contents.Stats(c.Request().Context())
	if err != nil {
		return s.errorResponse(c, err)
	}

	payload := map[string]any{
		"content":    stats,
		"next_fires": s.orchestrator.NextFireTimes(),
	}
	if pending := s.orchestrator.PendingNewsletterID(); pending != uuid.Nil {
		payload["pending_newsletter_id"] = pending
	}
	return c.JSON(http.StatusOK, payload)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, domain.NewValidation("id", "must be a UUID")
	}
	return id, nil
}

// errorResponse maps the domain error taxonomy onto HTTP statuses.
func (s *Server) errorResponse(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrNotApproved):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrInsufficientContent):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrClassification), errors.Is(err, domain.ErrDelivery):
		status = http.StatusBadGateway
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.Path(), "error", err)
	}

	return c.JSON(status, map[string]string{"error": err.Error()})
}

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"CommunityPress/internal/config"
	"CommunityPress/internal/infrastructure/httpapi"
	"CommunityPress/internal/infrastructure/llm"
	"CommunityPress/internal/infrastructure/mailer"
	"CommunityPress/internal/infrastructure/parser"
	"CommunityPress/internal/infrastructure/storage"
	"CommunityPress/internal/logging"
	"CommunityPress/internal/scanner"
	"CommunityPress/internal/usecase"
)

// Application wires configs to use cases and lifecycle orchestration.
type Application struct {
	cfg          config.Config
	logger       *slog.Logger
	pool         *pgxpool.Pool
	orchestrator *usecase.Orchestrator
	server       *httpapi.Server
}

// New builds the full application: storage, scanners, AI and mail clients,
// use cases, the scheduler, and the admin API.
func New(ctx context.Context, cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level)
	}

	pool, err := storage.Connect(ctx, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := storage.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	contents := storage.NewContentStore(pool)
	newsletters := storage.NewNewsletterStore(pool)
	states := storage.NewStateStore(pool)

	registry := scanner.NewRegistry()
	registry.Register(parser.NewHTMLScanner(nil, baseLogger.With("component", "scanner.html")))
	registry.Register(parser.NewRSSScanner(nil))

	source := parser.NewStrategySource(registry, cfg.Sites, baseLogger.With("component", "source"))

	aiClient := llm.NewClient(cfg.AI)
	campaigns := mailer.NewClient(cfg.Mailer)

	ingestor := usecase.NewIngestor(source, contents, baseLogger.With("component", "ingest"))
	filter := usecase.NewFilterEngine(contents, aiClient, cfg.AI.MaxConcurrent, baseLogger.With("component", "filter"))
	composer := usecase.NewComposer(contents, newsletters, aiClient, usecase.ComposerOptions{
		Title:       cfg.Newsletter.Title,
		PreviewText: cfg.Newsletter.PreviewText,
		Selection:   usecase.FeaturedSelection(cfg.Newsletter.FeaturedSelection),
	}, baseLogger.With("component", "composer"))
	delivery := usecase.NewDeliveryGateway(newsletters, campaigns, baseLogger.With("component", "delivery"))

	orchestrator := usecase.NewOrchestrator(usecase.Options{
		ScrapeInterval:  cfg.Scheduler.ScrapeInterval(),
		FilterDelay:     cfg.Scheduler.FilterDelay(),
		ComposeWeekday:  cfg.Scheduler.ComposeWeekday(),
		ComposeHour:     cfg.Scheduler.ComposeHour,
		ComposeMinute:   cfg.Scheduler.ComposeMinute,
		GracePeriod:     cfg.Scheduler.GracePeriod(),
		AutoApprove:     cfg.Scheduler.AutoApproveEnabled(),
		Lookback:        cfg.Scheduler.Lookback(),
		FilterBatchSize: cfg.Scheduler.FilterBatchSize,
		Location:        cfg.Scheduler.Location(),
		ManagerEmail:    cfg.Newsletter.ManagerEmail,
		PreviewText:     cfg.Newsletter.PreviewText,
	}, usecase.OrchestratorDeps{
		Ingestor:    ingestor,
		Filter:      filter,
		Composer:    composer,
		Delivery:    delivery,
		Contents:    contents,
		Newsletters: newsletters,
		Mailer:      campaigns,
		State:       states,
		Logger:      baseLogger.With("component", "orchestrator"),
	})

	server := httpapi.NewServer(httpapi.Deps{
		Orchestrator: orchestrator,
		Contents:     contents,
		Newsletters:  newsletters,
		Lookback:     cfg.Scheduler.Lookback(),
		APIKey:       cfg.Server.AdminAPIKey,
		Logger:       baseLogger.With("component", "http"),
	})

	return &Application{
		cfg:          cfg,
		logger:       baseLogger,
		pool:         pool,
		orchestrator: orchestrator,
		server:       server,
	}, nil
}

// Run starts the scheduler and the admin API, then blocks until ctx is
// cancelled, shutting both down cleanly.
func (a *Application) Run(ctx context.Context) error {
	if err := a.orchestrator.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := a.server.Start(a.cfg.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	a.logger.Info("application started", "addr", a.cfg.Server.Addr)

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		return fmt.Errorf("admin server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown", "error", err)
	}

	a.orchestrator.Wait()
	a.pool.Close()

	a.logger.Info("application stopped")
	return nil
}

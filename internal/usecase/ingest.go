package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"CommunityPress/internal/domain"
	"CommunityPress/internal/ports"
)

// Ingestor runs the scrape adapters and feeds their output into the content
// store, deduplicating by fingerprint.
type Ingestor struct {
	source ports.ContentSource
	store  ports.ContentStore
	logger *slog.Logger
}

// NewIngestor constructs the scrape-and-store workflow.
func NewIngestor(source ports.ContentSource, store ports.ContentStore, logger *slog.Logger) *Ingestor {
	return &Ingestor{source: source, store: store, logger: logger}
}

// Run fetches from all configured sources and ingests each item. Malformed
// items are counted and skipped; a store failure aborts the run since every
// following item would fail the same way.
func (i *Ingestor) Run(ctx context.Context) (domain.IngestStats, error) {
	items, err := i.source.Fetch(ctx)
	if err != nil {
		return domain.IngestStats{}, fmt.Errorf("fetch sources: %w", err)
	}

	stats := domain.IngestStats{Found: len(items)}
	for _, item := range items {
		result, err := i.store.Ingest(ctx, item)
		if err != nil {
			if errors.Is(err, domain.ErrValidation) {
				stats.Invalid++
				i.logger.Warn("dropping invalid item", "url", item.URL, "error", err)
				continue
			}
			return stats, fmt.Errorf("ingest %s: %w", item.URL, err)
		}

		switch result {
		case ports.IngestInserted:
			stats.Inserted++
		case ports.IngestDeduplicated:
			stats.Deduplicated++
		}
	}

	i.logger.Info("scrape run complete",
		"found", stats.Found,
		"inserted", stats.Inserted,
		"deduplicated", stats.Deduplicated,
		"invalid", stats.Invalid)

	return stats, nil
}

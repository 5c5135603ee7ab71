package ports

import (
	"context"
	"time"

	"github.com/google/uuid"

	"CommunityPress/internal/domain"
)

// IngestResult distinguishes a fresh insert from a fingerprint no-op.
type IngestResult string

const (
	IngestInserted     IngestResult = "inserted"
	IngestDeduplicated IngestResult = "deduplicated"
)

// ContentStore persists scraped items and their filter verdicts.
type ContentStore interface {
	// Ingest inserts the item in scraped state, or reports deduplicated
	// when its fingerprint already exists among non-deleted items.
	Ingest(ctx context.Context, item domain.RawItem) (IngestResult, error)
	// ListUnfiltered returns items in scraped state, oldest first. The
	// caller (orchestrator) serializes filter runs, so a single batch is
	// never handed to two concurrent workers.
	ListUnfiltered(ctx context.Context, limit int) ([]domain.ContentItem, error)
	// RecordVerdict writes an immutable verdict and advances the item's
	// state. Fails with domain.ErrNotFound when the item is absent and
	// domain.ErrConflict when a verdict already exists.
	RecordVerdict(ctx context.Context, contentID uuid.UUID, verdict domain.FilterVerdict) error
	// ListApprovedSince returns approved items published at or after the
	// cutoff, grouped by source type then chronological.
	ListApprovedSince(ctx context.Context, cutoff time.Time) ([]domain.ContentItem, error)
	// MarkUsed transitions all given items to used atomically. Fails with
	// domain.ErrConflict if any item is not currently filtered_approved.
	MarkUsed(ctx context.Context, contentIDs []uuid.UUID) error
	// GetContent returns one item by id.
	GetContent(ctx context.Context, id uuid.UUID) (domain.ContentItem, error)
	// GetVerdict returns the verdict for a content item, if any.
	GetVerdict(ctx context.Context, contentID uuid.UUID) (domain.FilterVerdict, error)
	// Stats summarizes pipeline counts for the admin surface.
	Stats(ctx context.Context) (domain.ContentStats, error)
}

// NewsletterStore persists newsletter issues.
type NewsletterStore interface {
	// Create inserts a draft. Fails with domain.ErrConflict when another
	// newsletter is already in draft or pending_approval.
	Create(ctx context.Context, newsletter domain.Newsletter) error
	Get(ctx context.Context, id uuid.UUID) (domain.Newsletter, error)
	// FindInFlight returns the newsletter currently in draft or
	// pending_approval, or domain.ErrNotFound.
	FindInFlight(ctx context.Context) (domain.Newsletter, error)
	// Transition performs a compare-and-swap status update: it succeeds
	// only while the row still holds the expected status, so concurrent
	// triggers cannot race past each other. update mutates auxiliary
	// fields (campaign id, timestamps) inside the same write.
	Transition(ctx context.Context, id uuid.UUID, from, to domain.NewsletterStatus, update func(*domain.Newsletter)) error
}

// StateStore durably persists SchedulerState under a well-known key.
type StateStore interface {
	Load(ctx context.Context) (domain.SchedulerState, error)
	Save(ctx context.Context, state domain.SchedulerState) error
}

// ContentSource pulls raw items from the configured scraper adapters.
type ContentSource interface {
	Fetch(ctx context.Context) ([]domain.RawItem, error)
}

// ReasoningClient sends a prompt to the external AI provider and returns the
// raw text reply. Callers own the parsing contract.
type ReasoningClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// CampaignClient talks to the email-campaign provider.
type CampaignClient interface {
	// CreateCampaign registers a campaign and returns its provider id.
	CreateCampaign(ctx context.Context, subject, previewText, htmlBody, plainText string) (string, error)
	// SendTest dispatches a preview of the campaign to the given addresses.
	SendTest(ctx context.Context, campaignID string, recipients []string) error
	// SendCampaign submits the campaign to the full audience.
	SendCampaign(ctx context.Context, campaignID string) error
}

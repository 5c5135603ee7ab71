package domain

import (
	"time"

	"github.com/google/uuid"
)

// NewsletterStatus tracks an issue through draft -> pending_approval ->
// approved -> sent. sent and failed are terminal.
type NewsletterStatus string

const (
	NewsletterDraft           NewsletterStatus = "draft"
	NewsletterPendingApproval NewsletterStatus = "pending_approval"
	NewsletterApproved        NewsletterStatus = "approved"
	NewsletterSent            NewsletterStatus = "sent"
	NewsletterFailed          NewsletterStatus = "failed"
)

// InFlight reports whether the status blocks creation of a new issue.
func (s NewsletterStatus) InFlight() bool {
	return s == NewsletterDraft || s == NewsletterPendingApproval
}

// Terminal reports whether no further transitions are allowed.
func (s NewsletterStatus) Terminal() bool {
	return s == NewsletterSent || s == NewsletterFailed
}

// Newsletter is one assembled issue. ContentIDs is ordered: the featured
// story first, then digest items grouped by county and source type.
type Newsletter struct {
	ID              uuid.UUID
	Status          NewsletterStatus
	Subject         string
	CutoffFrom      time.Time
	CutoffTo        time.Time
	FeaturedStory   string
	FeaturedStoryID uuid.UUID
	ContentIDs      []uuid.UUID
	HTMLBody        string
	PlainTextBody   string
	CampaignID      string
	CreatedAt       time.Time
	PreviewSentAt   time.Time
	SentAt          time.Time
}

// DeliveryReceipt identifies a completed campaign send. CampaignID is the
// provider-side idempotency key.
type DeliveryReceipt struct {
	NewsletterID uuid.UUID
	CampaignID   string
	SentAt       time.Time
}

// SchedulerState is the only orchestrator state that survives restarts.
type SchedulerState struct {
	PendingNewsletterID uuid.UUID            `json:"pending_newsletter_id"`
	NextFireTimes       map[string]time.Time `json:"next_fire_times"`
}

// FilterStats aggregates the outcome of one batch filtering run.
type FilterStats struct {
	Approved int `json:"approved"`
	Rejected int `json:"rejected"`
	Errored  int `json:"errored"`
}

// IngestStats aggregates the outcome of one scrape run.
type IngestStats struct {
	Found        int `json:"found"`
	Inserted     int `json:"inserted"`
	Deduplicated int `json:"deduplicated"`
	Invalid      int `json:"invalid"`
}

// ContentStats backs the stats-overview admin operation.
type ContentStats struct {
	Total        int            `json:"total"`
	Scraped      int            `json:"scraped"`
	Approved     int            `json:"approved"`
	Rejected     int            `json:"rejected"`
	Used         int            `json:"used"`
	BySourceType map[string]int `json:"by_source_type"`
	ByCounty     map[string]int `json:"by_county"`
}

package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SourceType categorizes where a content item was scraped from.
type SourceType string

const (
	SourceNews       SourceType = "news"
	SourceGovernment SourceType = "government"
	SourceSocial     SourceType = "social"
)

// ContentState tracks a content item through the pipeline. Transitions are
// monotonic: scraped -> filtered_approved/filtered_rejected -> used, where
// used is only reachable from filtered_approved.
type ContentState string

const (
	StateScraped          ContentState = "scraped"
	StateFilteredApproved ContentState = "filtered_approved"
	StateFilteredRejected ContentState = "filtered_rejected"
	StateUsed             ContentState = "used"
)

// ContentItem is a scraped piece of news, government, or social content.
type ContentItem struct {
	ID          uuid.UUID
	SourceType  SourceType
	SourceName  string
	County      string
	URL         string
	Title       string
	Body        string
	PublishedAt time.Time
	Fingerprint string
	State       ContentState
	ScrapedAt   time.Time
}

// RawItem is the tuple produced by scraper adapters before ingestion.
type RawItem struct {
	SourceType  SourceType
	SourceName  string
	County      string
	URL         string
	Title       string
	Body        string
	PublishedAt time.Time
}

// Decision is the outcome of AI classification.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// FilterVerdict records the classification of one content item. At most one
// verdict exists per item and it is immutable once written.
type FilterVerdict struct {
	ContentID  uuid.UUID
	Decision   Decision
	Rationale  string
	Confidence float64
	Event      EventDetails
	FilteredAt time.Time
}

// EventDetails is the calendar metadata the classifier extracts when an item
// announces an upcoming event. Date carries day precision; Time is "HH:MM"
// or empty when the source never mentions one.
type EventDetails struct {
	IsEvent  bool
	Date     time.Time
	Time     string
	Location string
}

// HasDate reports whether the event carries a usable calendar date.
func (e EventDetails) HasDate() bool {
	return e.IsEvent && !e.Date.IsZero()
}

// Fingerprint derives the stable dedup hash from a normalized URL and title.
func Fingerprint(rawURL, title string) string {
	sum := sha256.Sum256([]byte(NormalizeURL(rawURL) + "\n" + strings.ToLower(strings.TrimSpace(title))))
	return hex.EncodeToString(sum[:])
}

// trackingParams are stripped during URL normalization so re-scrapes with
// different campaign tags still deduplicate.
var trackingParams = []string{"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content", "fbclid"}

// NormalizeURL lowercases the scheme and host, removes fragments and known
// tracking parameters, and trims trailing slashes.
func NormalizeURL(rawURL string) string {
	trimmed := strings.TrimSpace(rawURL)
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Host == "" {
		return strings.ToLower(trimmed)
	}

	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Fragment = ""

	query := parsed.Query()
	for _, param := range trackingParams {
		query.Del(param)
	}
	parsed.RawQuery = query.Encode()

	parsed.Path = strings.TrimSuffix(parsed.Path, "/")
	return parsed.String()
}

// Validate checks the fields ingestion requires.
func (r RawItem) Validate() error {
	switch r.SourceType {
	case SourceNews, SourceGovernment, SourceSocial:
	default:
		return NewValidation("source_type", "must be news, government, or social")
	}
	if strings.TrimSpace(r.URL) == "" {
		return NewValidation("url", "must not be empty")
	}
	if strings.TrimSpace(r.Title) == "" && strings.TrimSpace(r.Body) == "" {
		return NewValidation("title", "title and body must not both be empty")
	}
	return nil
}

package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"CommunityPress/internal/domain"
	"CommunityPress/internal/ports"
)

// classificationPrompt embeds the curation rubric. The reply must be a bare
// JSON object so the decision can be parsed mechanically.
const classificationPrompt = `You are a content curator for a local community newsletter.

Analyze the following content and decide whether it belongs in the newsletter.

APPROVE if any of these apply:
- Positive or neutral informational content
- Community events (festivals, fundraisers, openings, concerts, markets)
- Business announcements and local promotions
- Achievement stories and recognition
- Public meeting notices and civic engagement opportunities
- Health, wellness, and educational opportunities
- Local sports and community service activities

REJECT if any of these apply:
- Negative news (crime, accidents, fatalities) unless commemorative
- Political controversy or divisive partisan content
- Complaints, negative reviews, or criticism
- Spam, ads without local relevance, or irrelevant content
- National or international news without a local connection

CONTENT TO ANALYZE:
Source: %s (%s)
Title: %s
Published: %s
Body: %s

Respond with ONLY a valid JSON object (no markdown, no code blocks):
{"decision": "approve" or "reject",
 "rationale": "one sentence",
 "confidence": 0.0 to 1.0,
 "is_event": true or false,
 "event_date": "YYYY-MM-DD" or null (extract if this announces an event),
 "event_time": "HH:MM" or null (24-hour format if mentioned),
 "event_location": "Location name/address" or null}`

// maxBodyChars bounds how much article body is embedded in the prompt.
const maxBodyChars = 4000

// FilterEngine classifies scraped content through the reasoning provider.
type FilterEngine struct {
	store         ports.ContentStore
	client        ports.ReasoningClient
	maxConcurrent int64
	logger        *slog.Logger
	now           func() time.Time
}

// NewFilterEngine constructs the classification workflow. maxConcurrent
// bounds parallel provider calls; values below one fall back to serial.
func NewFilterEngine(store ports.ContentStore, client ports.ReasoningClient, maxConcurrent int, logger *slog.Logger) *FilterEngine {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &FilterEngine{
		store:         store,
		client:        client,
		maxConcurrent: int64(maxConcurrent),
		logger:        logger,
		now:           time.Now,
	}
}

// Classify builds the rubric prompt for one item and parses the provider's
// decision. A malformed reply or provider failure yields ErrClassification
// and leaves the item untouched for a later retry; it is never rejected by
// default.
func (f *FilterEngine) Classify(ctx context.Context, item domain.ContentItem) (domain.FilterVerdict, error) {
	body := item.Body
	if len(body) > maxBodyChars {
		body = body[:maxBodyChars]
	}

	prompt := fmt.Sprintf(classificationPrompt,
		item.SourceName, item.SourceType, item.Title,
		item.PublishedAt.Format(time.RFC3339), body)

	reply, err := f.client.Complete(ctx, prompt)
	if err != nil {
		return domain.FilterVerdict{}, fmt.Errorf("%w: provider call: %v", domain.ErrClassification, err)
	}

	verdict, err := parseDecision(reply)
	if err != nil {
		return domain.FilterVerdict{}, fmt.Errorf("%w: %v", domain.ErrClassification, err)
	}

	verdict.ContentID = item.ID
	verdict.FilteredAt = f.now().UTC()
	return verdict, nil
}

// FilterPending classifies up to batchSize unfiltered items. Items are
// processed concurrently under the configured bound; each failure is
// isolated and counted, never aborting sibling items.
func (f *FilterEngine) FilterPending(ctx context.Context, batchSize int) (domain.FilterStats, error) {
	items, err := f.store.ListUnfiltered(ctx, batchSize)
	if err != nil {
		return domain.FilterStats{}, fmt.Errorf("list unfiltered: %w", err)
	}

	var (
		sem   = semaphore.NewWeighted(f.maxConcurrent)
		wg    sync.WaitGroup
		mu    sync.Mutex
		stats domain.FilterStats
	)

	for _, item := range items {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}

		wg.Add(1)
		go func(item domain.ContentItem) {
			defer wg.Done()
			defer sem.Release(1)

			verdict, err := f.Classify(ctx, item)
			if err != nil {
				f.logger.Warn("classification failed, item left for retry", "content_id", item.ID, "error", err)
				mu.Lock()
				stats.Errored++
				mu.Unlock()
				return
			}

			if err := f.store.RecordVerdict(ctx, item.ID, verdict); err != nil {
				f.logger.Warn("recording verdict failed", "content_id", item.ID, "error", err)
				mu.Lock()
				stats.Errored++
				mu.Unlock()
				return
			}

			mu.Lock()
			if verdict.Decision == domain.DecisionApprove {
				stats.Approved++
			} else {
				stats.Rejected++
			}
			mu.Unlock()
		}(item)
	}

	wg.Wait()

	f.logger.Info("filter run complete",
		"batch", len(items),
		"approved", stats.Approved,
		"rejected", stats.Rejected,
		"errored", stats.Errored)

	return stats, nil
}

// parseDecision extracts the structured verdict from a provider reply. The
// primary contract is a JSON object; a bare APPROVE/REJECT token is honored
// as a fallback for providers that drop the wrapper.
func parseDecision(reply string) (domain.FilterVerdict, error) {
	cleaned := stripCodeFences(reply)

	var parsed struct {
		Decision      string  `json:"decision"`
		Rationale     string  `json:"rationale"`
		Confidence    float64 `json:"confidence"`
		IsEvent       bool    `json:"is_event"`
		EventDate     string  `json:"event_date"`
		EventTime     string  `json:"event_time"`
		EventLocation string  `json:"event_location"`
	}
	if err := json.Unmarshal([]byte(cleaned), &parsed); err == nil {
		decision, err := normalizeDecision(parsed.Decision)
		if err != nil {
			return domain.FilterVerdict{}, err
		}
		return domain.FilterVerdict{
			Decision:   decision,
			Rationale:  parsed.Rationale,
			Confidence: clampConfidence(parsed.Confidence),
			Event:      parseEvent(parsed.IsEvent, parsed.EventDate, parsed.EventTime, parsed.EventLocation),
		}, nil
	}

	upper := strings.ToUpper(cleaned)
	hasApprove := strings.Contains(upper, "APPROVE")
	hasReject := strings.Contains(upper, "REJECT")
	switch {
	case hasApprove && !hasReject:
		return domain.FilterVerdict{Decision: domain.DecisionApprove, Rationale: cleaned}, nil
	case hasReject && !hasApprove:
		return domain.FilterVerdict{Decision: domain.DecisionReject, Rationale: cleaned}, nil
	}

	return domain.FilterVerdict{}, fmt.Errorf("no recognizable decision in reply %q", truncate(reply, 120))
}

// parseEvent keeps whatever calendar metadata the reply carries. A date the
// provider formatted outside YYYY-MM-DD is dropped rather than failing the
// whole verdict.
func parseEvent(isEvent bool, date, clock, location string) domain.EventDetails {
	event := domain.EventDetails{
		IsEvent:  isEvent,
		Time:     strings.TrimSpace(clock),
		Location: strings.TrimSpace(location),
	}
	if parsed, err := time.Parse("2006-01-02", strings.TrimSpace(date)); err == nil {
		event.Date = parsed
	}
	return event
}

func normalizeDecision(raw string) (domain.Decision, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "approve", "approved":
		return domain.DecisionApprove, nil
	case "reject", "rejected":
		return domain.DecisionReject, nil
	}
	return "", fmt.Errorf("unknown decision %q", raw)
}

func stripCodeFences(reply string) string {
	cleaned := strings.TrimSpace(reply)
	if !strings.HasPrefix(cleaned, "```") {
		return cleaned
	}

	cleaned = strings.TrimPrefix(cleaned, "```")
	if idx := strings.Index(cleaned, "```"); idx >= 0 {
		cleaned = cleaned[:idx]
	}
	cleaned = strings.TrimPrefix(cleaned, "json")
	return strings.TrimSpace(cleaned)
}

func clampConfidence(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func truncate(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	return text[:limit] + "..."
}

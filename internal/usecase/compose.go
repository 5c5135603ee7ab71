package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"CommunityPress/internal/domain"
	"CommunityPress/internal/ports"
)

// featuredStoryPrompt requests the ~200-word highlight for the top item.
const featuredStoryPrompt = `You are writing for a local community newsletter.

Write an engaging highlight piece of about 200 words for this story. Use a
professional, upbeat, community-focused voice. Include the who, what, when,
and where. Do not include a headline, just the body text.

Title: %s
Source: %s
Content: %s`

// subjectLinePrompt requests a short subject line for the issue.
const subjectLinePrompt = `Generate a compelling email subject line for a local
community newsletter. Maximum 50 characters, warm local feel, no ALL CAPS, no
clickbait, no "Newsletter:" prefix.

Top story: %s

Return only the subject line text, nothing else.`

// The community calendar lists events dated within two weeks of the issue,
// capped so the section stays scannable.
const (
	calendarWindow    = 14 * 24 * time.Hour
	maxCalendarEvents = 10
)

// FeaturedSelection names the rule used to pick the featured story.
type FeaturedSelection string

const (
	SelectByConfidence FeaturedSelection = "confidence"
	SelectByRecency    FeaturedSelection = "recency"
)

// ComposerOptions carries editorial configuration into the composer.
type ComposerOptions struct {
	Title       string
	PreviewText string
	Selection   FeaturedSelection
}

// Composer assembles approved content into a draft newsletter.
type Composer struct {
	contents    ports.ContentStore
	newsletters ports.NewsletterStore
	client      ports.ReasoningClient
	opts        ComposerOptions
	logger      *slog.Logger
	now         func() time.Time
}

// NewComposer constructs the newsletter assembly workflow.
func NewComposer(contents ports.ContentStore, newsletters ports.NewsletterStore, client ports.ReasoningClient, opts ComposerOptions, logger *slog.Logger) *Composer {
	if opts.Selection == "" {
		opts.Selection = SelectByConfidence
	}
	return &Composer{
		contents:    contents,
		newsletters: newsletters,
		client:      client,
		opts:        opts,
		logger:      logger,
		now:         time.Now,
	}
}

// Compose drafts a newsletter covering [cutoffFrom, cutoffTo]. It fails with
// ErrConflict while another issue is in flight and ErrInsufficientContent when
// the window holds no approved items; no empty issue is ever created. Content
// is not marked used here: that happens only once the issue is approved, so an
// abandoned draft releases its content.
func (c *Composer) Compose(ctx context.Context, cutoffFrom, cutoffTo time.Time) (domain.Newsletter, error) {
	if _, err := c.newsletters.FindInFlight(ctx); err == nil {
		return domain.Newsletter{}, fmt.Errorf("another newsletter is in flight: %w", domain.ErrConflict)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.Newsletter{}, fmt.Errorf("check in-flight newsletter: %w", err)
	}

	approved, err := c.contents.ListApprovedSince(ctx, cutoffFrom)
	if err != nil {
		return domain.Newsletter{}, fmt.Errorf("list approved content: %w", err)
	}

	var items []domain.ContentItem
	for _, item := range approved {
		if !item.PublishedAt.After(cutoffTo) {
			items = append(items, item)
		}
	}

	if len(items) == 0 {
		return domain.Newsletter{}, fmt.Errorf("no approved content between %s and %s: %w",
			cutoffFrom.Format(time.RFC3339), cutoffTo.Format(time.RFC3339), domain.ErrInsufficientContent)
	}

	featured := c.selectFeatured(ctx, items)
	featuredStory := c.writeFeaturedStory(ctx, featured)
	subject := c.writeSubject(ctx, featured)

	var digest []domain.ContentItem
	for _, item := range items {
		if item.ID != featured.ID {
			digest = append(digest, item)
		}
	}
	groups := groupByCounty(digest)

	contentIDs := make([]uuid.UUID, 0, len(items))
	contentIDs = append(contentIDs, featured.ID)
	for _, group := range groups {
		for _, item := range group.Items {
			contentIDs = append(contentIDs, item.ID)
		}
	}

	issue := renderInput{
		Title:         c.opts.Title,
		Subject:       subject,
		Date:          c.now(),
		FeaturedTitle: featured.Title,
		FeaturedStory: featuredStory,
		FeaturedURL:   featured.URL,
		Groups:        groups,
		Events:        c.upcomingEvents(ctx, items, c.now()),
	}

	htmlBody, err := renderHTML(issue)
	if err != nil {
		return domain.Newsletter{}, fmt.Errorf("render newsletter: %w", err)
	}

	newsletter := domain.Newsletter{
		ID:              uuid.New(),
		Status:          domain.NewsletterDraft,
		Subject:         subject,
		CutoffFrom:      cutoffFrom,
		CutoffTo:        cutoffTo,
		FeaturedStory:   featuredStory,
		FeaturedStoryID: featured.ID,
		ContentIDs:      contentIDs,
		HTMLBody:        htmlBody,
		PlainTextBody:   renderPlainText(issue),
		CreatedAt:       c.now().UTC(),
	}

	if err := c.newsletters.Create(ctx, newsletter); err != nil {
		return domain.Newsletter{}, fmt.Errorf("create newsletter: %w", err)
	}

	c.logger.Info("newsletter drafted",
		"newsletter_id", newsletter.ID,
		"items", len(items),
		"featured", featured.ID)

	return newsletter, nil
}

// selectFeatured picks the featured story deterministically per the
// configured rule: highest verdict confidence (recency breaking ties) or
// plain recency.
func (c *Composer) selectFeatured(ctx context.Context, items []domain.ContentItem) domain.ContentItem {
	best := items[0]

	if c.opts.Selection == SelectByRecency {
		for _, item := range items[1:] {
			if item.PublishedAt.After(best.PublishedAt) {
				best = item
			}
		}
		return best
	}

	bestConfidence := c.confidence(ctx, best)
	for _, item := range items[1:] {
		confidence := c.confidence(ctx, item)
		if confidence > bestConfidence ||
			(confidence == bestConfidence && item.PublishedAt.After(best.PublishedAt)) {
			best = item
			bestConfidence = confidence
		}
	}

	return best
}

// upcomingEvents assembles the community calendar from the issue's items:
// verdicts flagged as events whose date falls between the issue day and the
// calendar horizon, ordered by date then time.
func (c *Composer) upcomingEvents(ctx context.Context, items []domain.ContentItem, issueDate time.Time) []calendarEvent {
	dayStart := time.Date(issueDate.Year(), issueDate.Month(), issueDate.Day(), 0, 0, 0, 0, time.UTC)
	horizon := dayStart.Add(calendarWindow)

	var events []calendarEvent
	for _, item := range items {
		verdict, err := c.contents.GetVerdict(ctx, item.ID)
		if err != nil || !verdict.Event.HasDate() {
			continue
		}
		if verdict.Event.Date.Before(dayStart) || verdict.Event.Date.After(horizon) {
			continue
		}
		events = append(events, calendarEvent{
			Date:     verdict.Event.Date,
			Time:     verdict.Event.Time,
			Title:    item.Title,
			Location: verdict.Event.Location,
			URL:      item.URL,
		})
	}

	sort.Slice(events, func(i, j int) bool {
		if !events[i].Date.Equal(events[j].Date) {
			return events[i].Date.Before(events[j].Date)
		}
		return events[i].Time < events[j].Time
	})
	if len(events) > maxCalendarEvents {
		events = events[:maxCalendarEvents]
	}

	return events
}

func (c *Composer) confidence(ctx context.Context, item domain.ContentItem) float64 {
	verdict, err := c.contents.GetVerdict(ctx, item.ID)
	if err != nil {
		return 0
	}
	return verdict.Confidence
}

// writeFeaturedStory asks the provider for the highlight and falls back to
// the item's own text on any failure. This call never blocks drafting.
func (c *Composer) writeFeaturedStory(ctx context.Context, featured domain.ContentItem) string {
	body := featured.Body
	if len(body) > maxBodyChars {
		body = body[:maxBodyChars]
	}

	prompt := fmt.Sprintf(featuredStoryPrompt, featured.Title, featured.SourceName, body)
	story, err := c.client.Complete(ctx, prompt)
	if err != nil || strings.TrimSpace(story) == "" {
		c.logger.Warn("featured story generation failed, using source text", "content_id", featured.ID, "error", err)
		return fallbackStory(featured)
	}

	return strings.TrimSpace(story)
}

func (c *Composer) writeSubject(ctx context.Context, featured domain.ContentItem) string {
	subject, err := c.client.Complete(ctx, fmt.Sprintf(subjectLinePrompt, featured.Title))
	subject = strings.TrimSpace(subject)
	if err != nil || subject == "" || len(subject) > 80 {
		return fmt.Sprintf("%s — %s", c.opts.Title, c.now().Format("January 2, 2006"))
	}
	return subject
}

func fallbackStory(item domain.ContentItem) string {
	body := strings.TrimSpace(item.Body)
	if body == "" {
		return item.Title
	}
	if len(body) > 1200 {
		body = body[:1200]
	}
	return body
}

// groupByCounty builds the digest sections: counties alphabetically (items
// without a county last), then source type, then chronological.
func groupByCounty(items []domain.ContentItem) []digestGroup {
	byCounty := map[string][]domain.ContentItem{}
	for _, item := range items {
		byCounty[item.County] = append(byCounty[item.County], item)
	}

	counties := make([]string, 0, len(byCounty))
	for county := range byCounty {
		counties = append(counties, county)
	}
	sort.Slice(counties, func(i, j int) bool {
		if (counties[i] == "") != (counties[j] == "") {
			return counties[j] == ""
		}
		return counties[i] < counties[j]
	})

	groups := make([]digestGroup, 0, len(counties))
	for _, county := range counties {
		members := byCounty[county]
		sort.Slice(members, func(i, j int) bool {
			if members[i].SourceType != members[j].SourceType {
				return members[i].SourceType < members[j].SourceType
			}
			return members[i].PublishedAt.Before(members[j].PublishedAt)
		})
		groups = append(groups, digestGroup{County: county, Items: members})
	}

	return groups
}

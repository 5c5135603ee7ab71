package usecase

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"CommunityPress/internal/domain"
	"CommunityPress/internal/ports"
)

// memContentStore is an in-memory ports.ContentStore with the same
// invariants as the postgres implementation.
type memContentStore struct {
	mu       sync.Mutex
	items    map[uuid.UUID]domain.ContentItem
	verdicts map[uuid.UUID]domain.FilterVerdict
}

var _ ports.ContentStore = (*memContentStore)(nil)

func newMemContentStore() *memContentStore {
	return &memContentStore{
		items:    map[uuid.UUID]domain.ContentItem{},
		verdicts: map[uuid.UUID]domain.FilterVerdict{},
	}
}

func (s *memContentStore) Ingest(_ context.Context, raw domain.RawItem) (ports.IngestResult, error) {
	if err := raw.Validate(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	fingerprint := domain.Fingerprint(raw.URL, raw.Title)
	for _, item := range s.items {
		if item.Fingerprint == fingerprint {
			return ports.IngestDeduplicated, nil
		}
	}

	id := uuid.New()
	s.items[id] = domain.ContentItem{
		ID:          id,
		SourceType:  raw.SourceType,
		SourceName:  raw.SourceName,
		County:      raw.County,
		URL:         raw.URL,
		Title:       raw.Title,
		Body:        raw.Body,
		PublishedAt: raw.PublishedAt,
		Fingerprint: fingerprint,
		State:       domain.StateScraped,
		ScrapedAt:   time.Now(),
	}
	return ports.IngestInserted, nil
}

func (s *memContentStore) ListUnfiltered(_ context.Context, limit int) ([]domain.ContentItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.ContentItem
	for _, item := range s.items {
		if item.State == domain.StateScraped {
			out = append(out, item)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *memContentStore) RecordVerdict(_ context.Context, contentID uuid.UUID, verdict domain.FilterVerdict) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[contentID]
	if !ok {
		return domain.ErrNotFound
	}
	if _, exists := s.verdicts[contentID]; exists || item.State != domain.StateScraped {
		return domain.ErrConflict
	}

	s.verdicts[contentID] = verdict
	if verdict.Decision == domain.DecisionApprove {
		item.State = domain.StateFilteredApproved
	} else {
		item.State = domain.StateFilteredRejected
	}
	s.items[contentID] = item
	return nil
}

func (s *memContentStore) ListApprovedSince(_ context.Context, cutoff time.Time) ([]domain.ContentItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.ContentItem
	for _, item := range s.items {
		if item.State == domain.StateFilteredApproved && !item.PublishedAt.Before(cutoff) {
			out = append(out, item)
		}
	}
	return out, nil
}

func (s *memContentStore) MarkUsed(_ context.Context, contentIDs []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range contentIDs {
		item, ok := s.items[id]
		if !ok || item.State != domain.StateFilteredApproved {
			return fmt.Errorf("item %s not approved: %w", id, domain.ErrConflict)
		}
	}
	for _, id := range contentIDs {
		item := s.items[id]
		item.State = domain.StateUsed
		s.items[id] = item
	}
	return nil
}

func (s *memContentStore) GetContent(_ context.Context, id uuid.UUID) (domain.ContentItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return domain.ContentItem{}, domain.ErrNotFound
	}
	return item, nil
}

func (s *memContentStore) GetVerdict(_ context.Context, contentID uuid.UUID) (domain.FilterVerdict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	verdict, ok := s.verdicts[contentID]
	if !ok {
		return domain.FilterVerdict{}, domain.ErrNotFound
	}
	return verdict, nil
}

func (s *memContentStore) Stats(_ context.Context) (domain.ContentStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := domain.ContentStats{
		BySourceType: map[string]int{},
		ByCounty:     map[string]int{},
	}
	for _, item := range s.items {
		stats.Total++
		switch item.State {
		case domain.StateScraped:
			stats.Scraped++
		case domain.StateFilteredApproved:
			stats.Approved++
		case domain.StateFilteredRejected:
			stats.Rejected++
		case domain.StateUsed:
			stats.Used++
		}
		stats.BySourceType[string(item.SourceType)]++
		stats.ByCounty[item.County]++
	}
	return stats, nil
}

func (s *memContentStore) get(id uuid.UUID) domain.ContentItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items[id]
}

func (s *memContentStore) add(item domain.ContentItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	s.items[item.ID] = item
}

func (s *memContentStore) addVerdict(verdict domain.FilterVerdict) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verdicts[verdict.ContentID] = verdict
}

// memNewsletterStore is an in-memory ports.NewsletterStore with CAS
// transitions and the single-in-flight constraint.
type memNewsletterStore struct {
	mu          sync.Mutex
	newsletters map[uuid.UUID]domain.Newsletter
}

var _ ports.NewsletterStore = (*memNewsletterStore)(nil)

func newMemNewsletterStore() *memNewsletterStore {
	return &memNewsletterStore{newsletters: map[uuid.UUID]domain.Newsletter{}}
}

func (s *memNewsletterStore) Create(_ context.Context, newsletter domain.Newsletter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.newsletters {
		if existing.Status.InFlight() {
			return fmt.Errorf("newsletter %s in flight: %w", existing.ID, domain.ErrConflict)
		}
	}
	s.newsletters[newsletter.ID] = newsletter
	return nil
}

func (s *memNewsletterStore) Get(_ context.Context, id uuid.UUID) (domain.Newsletter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	newsletter, ok := s.newsletters[id]
	if !ok {
		return domain.Newsletter{}, domain.ErrNotFound
	}
	return newsletter, nil
}

func (s *memNewsletterStore) FindInFlight(_ context.Context) (domain.Newsletter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, newsletter := range s.newsletters {
		if newsletter.Status.InFlight() {
			return newsletter, nil
		}
	}
	return domain.Newsletter{}, domain.ErrNotFound
}

func (s *memNewsletterStore) Transition(_ context.Context, id uuid.UUID, from, to domain.NewsletterStatus, update func(*domain.Newsletter)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	newsletter, ok := s.newsletters[id]
	if !ok {
		return domain.ErrNotFound
	}
	if newsletter.Status != from {
		return fmt.Errorf("status is %s, expected %s: %w", newsletter.Status, from, domain.ErrConflict)
	}

	newsletter.Status = to
	if update != nil {
		update(&newsletter)
	}
	s.newsletters[id] = newsletter
	return nil
}

// memStateStore is an in-memory ports.StateStore.
type memStateStore struct {
	mu    sync.Mutex
	state domain.SchedulerState
	saves int
}

var _ ports.StateStore = (*memStateStore)(nil)

func (s *memStateStore) Load(context.Context) (domain.SchedulerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, nil
}

func (s *memStateStore) Save(_ context.Context, state domain.SchedulerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.saves++
	return nil
}

func (s *memStateStore) current() domain.SchedulerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// fakeReasoner answers prompts via a caller-supplied function.
type fakeReasoner struct {
	mu      sync.Mutex
	calls   int
	respond func(prompt string) (string, error)
}

var _ ports.ReasoningClient = (*fakeReasoner)(nil)

func (f *fakeReasoner) Complete(_ context.Context, prompt string) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.respond(prompt)
}

func (f *fakeReasoner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeCampaignClient records provider calls and fails on demand.
type fakeCampaignClient struct {
	mu         sync.Mutex
	created    int
	tests      [][]string
	sends      []string
	createErr  error
	testErr    error
	sendErr    error
	campaignID string
}

var _ ports.CampaignClient = (*fakeCampaignClient)(nil)

func (f *fakeCampaignClient) CreateCampaign(_ context.Context, _, _, _, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created++
	if f.campaignID != "" {
		return f.campaignID, nil
	}
	return fmt.Sprintf("campaign-%d", f.created), nil
}

func (f *fakeCampaignClient) SendTest(_ context.Context, campaignID string, recipients []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.testErr != nil {
		return f.testErr
	}
	f.tests = append(f.tests, recipients)
	return nil
}

func (f *fakeCampaignClient) SendCampaign(_ context.Context, campaignID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sends = append(f.sends, campaignID)
	return nil
}

func (f *fakeCampaignClient) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

// fakeSource returns a fixed batch of raw items.
type fakeSource struct {
	items []domain.RawItem
	err   error
}

var _ ports.ContentSource = (*fakeSource)(nil)

func (f *fakeSource) Fetch(context.Context) ([]domain.RawItem, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.items, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

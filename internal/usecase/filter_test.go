package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CommunityPress/internal/domain"
)

func TestParseDecision(t *testing.T) {
	tests := []struct {
		name       string
		reply      string
		decision   domain.Decision
		confidence float64
		wantErr    bool
	}{
		{
			name:       "bare json approve",
			reply:      `{"decision": "approve", "rationale": "community event", "confidence": 0.9}`,
			decision:   domain.DecisionApprove,
			confidence: 0.9,
		},
		{
			name:       "fenced json reject",
			reply:      "```json\n{\"decision\": \"reject\", \"rationale\": \"crime story\", \"confidence\": 0.8}\n```",
			decision:   domain.DecisionReject,
			confidence: 0.8,
		},
		{
			name:       "past tense decision",
			reply:      `{"decision": "approved", "rationale": "", "confidence": 0.7}`,
			decision:   domain.DecisionApprove,
			confidence: 0.7,
		},
		{
			name:       "confidence clamped",
			reply:      `{"decision": "reject", "rationale": "", "confidence": 3.5}`,
			decision:   domain.DecisionReject,
			confidence: 1,
		},
		{
			name:     "bare token fallback",
			reply:    "APPROVE - this is a nice festival announcement",
			decision: domain.DecisionApprove,
		},
		{
			name:    "both tokens is ambiguous",
			reply:   "I would APPROVE but could also REJECT",
			wantErr: true,
		},
		{
			name:    "garbage",
			reply:   "I cannot help with that.",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict, err := parseDecision(tt.reply)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.decision, verdict.Decision)
			assert.InDelta(t, tt.confidence, verdict.Confidence, 0.001)
		})
	}
}

func TestParseDecisionEventFields(t *testing.T) {
	verdict, err := parseDecision(`{"decision": "approve", "rationale": "farmers market",
		"confidence": 0.85, "is_event": true, "event_date": "2026-09-12",
		"event_time": "09:00", "event_location": "Downtown Commons"}`)
	require.NoError(t, err)

	assert.True(t, verdict.Event.IsEvent)
	assert.True(t, verdict.Event.HasDate())
	assert.Equal(t, time.Date(2026, 9, 12, 0, 0, 0, 0, time.UTC), verdict.Event.Date)
	assert.Equal(t, "09:00", verdict.Event.Time)
	assert.Equal(t, "Downtown Commons", verdict.Event.Location)
}

func TestParseDecisionBadEventDateDropped(t *testing.T) {
	verdict, err := parseDecision(`{"decision": "approve", "rationale": "concert",
		"confidence": 0.7, "is_event": true, "event_date": "next Saturday"}`)
	require.NoError(t, err)

	assert.True(t, verdict.Event.IsEvent)
	assert.False(t, verdict.Event.HasDate(), "unparseable date must not produce a calendar entry")
}

func TestClassifyProviderFailure(t *testing.T) {
	store := newMemContentStore()
	reasoner := &fakeReasoner{respond: func(string) (string, error) {
		return "", errors.New("provider down")
	}}
	engine := NewFilterEngine(store, reasoner, 2, testLogger())

	item := domain.ContentItem{ID: uuid.New(), SourceType: domain.SourceNews, Title: "something"}
	_, err := engine.Classify(context.Background(), item)
	require.ErrorIs(t, err, domain.ErrClassification)
}

func TestFilterPendingIsolatesFailures(t *testing.T) {
	store := newMemContentStore()
	var ids []uuid.UUID
	for i := 0; i < 10; i++ {
		id := uuid.New()
		ids = append(ids, id)
		store.add(domain.ContentItem{
			ID:          id,
			SourceType:  domain.SourceNews,
			SourceName:  "Rocky Mount Telegram",
			County:      "nash",
			Title:       fmt.Sprintf("story %d", i),
			Body:        "a community fundraiser",
			PublishedAt: time.Now(),
			State:       domain.StateScraped,
		})
	}

	// One item draws a malformed reply; the other nine classify cleanly.
	reasoner := &fakeReasoner{respond: func(prompt string) (string, error) {
		if strings.Contains(prompt, "story 3") {
			return "sorry, I had trouble with this one", nil
		}
		return `{"decision": "approve", "rationale": "local event", "confidence": 0.9}`, nil
	}}
	engine := NewFilterEngine(store, reasoner, 4, testLogger())

	stats, err := engine.FilterPending(context.Background(), 100)
	require.NoError(t, err)

	assert.Equal(t, 9, stats.Approved)
	assert.Equal(t, 0, stats.Rejected)
	assert.Equal(t, 1, stats.Errored)

	// The failed item stays scraped with no verdict, ready for retry; it is
	// never rejected by default.
	for _, id := range ids {
		item := store.get(id)
		if item.Title == "story 3" {
			assert.Equal(t, domain.StateScraped, item.State)
			_, err := store.GetVerdict(context.Background(), id)
			assert.ErrorIs(t, err, domain.ErrNotFound)
			continue
		}
		assert.Equal(t, domain.StateFilteredApproved, item.State)
	}
}

func TestFilterPendingRetriesFailedItemNextRun(t *testing.T) {
	store := newMemContentStore()
	id := uuid.New()
	store.add(domain.ContentItem{
		ID:         id,
		SourceType: domain.SourceGovernment,
		Title:      "council agenda",
		State:      domain.StateScraped,
	})

	broken := true
	reasoner := &fakeReasoner{respond: func(string) (string, error) {
		if broken {
			return "", errors.New("rate limited")
		}
		return `{"decision": "reject", "rationale": "procedural notice", "confidence": 0.6}`, nil
	}}
	engine := NewFilterEngine(store, reasoner, 1, testLogger())

	stats, err := engine.FilterPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Errored)
	assert.Equal(t, domain.StateScraped, store.get(id).State)

	broken = false
	stats, err = engine.FilterPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Rejected)
	assert.Equal(t, domain.StateFilteredRejected, store.get(id).State)
}

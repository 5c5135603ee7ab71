package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CommunityPress/internal/domain"
)

type orchestratorFixture struct {
	contents    *memContentStore
	newsletters *memNewsletterStore
	states      *memStateStore
	mailer      *fakeCampaignClient
	orch        *Orchestrator
}

func newOrchestratorFixture(t *testing.T, opts Options) *orchestratorFixture {
	t.Helper()

	contents := newMemContentStore()
	newsletters := newMemNewsletterStore()
	states := &memStateStore{}
	mailer := &fakeCampaignClient{}
	reasoner := okReasoner()

	if opts.Lookback == 0 {
		opts.Lookback = 7 * 24 * time.Hour
	}
	opts.ComposeWeekday = time.Thursday
	opts.ComposeHour = 8
	opts.ManagerEmail = "manager@example.com"

	orch := NewOrchestrator(opts, OrchestratorDeps{
		Ingestor:    NewIngestor(&fakeSource{}, contents, testLogger()),
		Filter:      NewFilterEngine(contents, reasoner, 2, testLogger()),
		Composer:    newTestComposer(contents, newsletters, reasoner),
		Delivery:    NewDeliveryGateway(newsletters, mailer, testLogger()),
		Contents:    contents,
		Newsletters: newsletters,
		Mailer:      mailer,
		State:       states,
		Logger:      testLogger(),
	})

	return &orchestratorFixture{
		contents:    contents,
		newsletters: newsletters,
		states:      states,
		mailer:      mailer,
		orch:        orch,
	}
}

func (f *orchestratorFixture) seedApproved(t *testing.T, title string) domain.ContentItem {
	t.Helper()
	return approvedItem(f.contents, title, "nash", domain.SourceNews, time.Now().Add(-time.Hour), 0.9)
}

func (f *orchestratorFixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, f.orch.Start(ctx))
	t.Cleanup(func() {
		cancel()
		f.orch.Wait()
	})
}

func TestTriggerCoalescesWhileRunning(t *testing.T) {
	f := newOrchestratorFixture(t, Options{})

	f.orch.jobLocks[JobFilter].Lock()
	defer f.orch.jobLocks[JobFilter].Unlock()

	stats, ran, err := f.orch.TriggerFilter(context.Background())
	require.NoError(t, err)
	assert.False(t, ran, "duplicate trigger must coalesce, not queue")
	assert.Zero(t, stats)
}

func TestComposeDispatchesPreview(t *testing.T) {
	f := newOrchestratorFixture(t, Options{AutoApprove: false})
	item := f.seedApproved(t, "greenway ribbon cutting")

	id, ran, err := f.orch.TriggerCompose(context.Background())
	require.NoError(t, err)
	require.True(t, ran)

	newsletter, err := f.newsletters.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.NewsletterPendingApproval, newsletter.Status)
	assert.NotEmpty(t, newsletter.CampaignID)
	assert.False(t, newsletter.PreviewSentAt.IsZero())

	require.Len(t, f.mailer.tests, 1)
	assert.Equal(t, []string{"manager@example.com"}, f.mailer.tests[0])

	// The pending id must be durable before the trigger returns.
	assert.Equal(t, id, f.states.current().PendingNewsletterID)
	assert.Equal(t, id, f.orch.PendingNewsletterID())

	// Drafting must not consume content.
	assert.Equal(t, domain.StateFilteredApproved, f.contents.get(item.ID).State)
}

func TestApproveSendsAndConsumesContent(t *testing.T) {
	f := newOrchestratorFixture(t, Options{AutoApprove: false})
	item := f.seedApproved(t, "splash pad opens saturday")

	id, _, err := f.orch.TriggerCompose(context.Background())
	require.NoError(t, err)

	receipt, err := f.orch.Approve(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, receipt.NewsletterID)
	assert.NotEmpty(t, receipt.CampaignID)

	newsletter, err := f.newsletters.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.NewsletterSent, newsletter.Status)

	assert.Equal(t, domain.StateUsed, f.contents.get(item.ID).State)
	assert.Equal(t, uuid.Nil, f.states.current().PendingNewsletterID)
	assert.Equal(t, 1, f.mailer.sendCount())
}

func TestApproveAbortsSendWhenConsumeFails(t *testing.T) {
	f := newOrchestratorFixture(t, Options{AutoApprove: false})
	item := f.seedApproved(t, "library expansion vote")

	id, _, err := f.orch.TriggerCompose(context.Background())
	require.NoError(t, err)

	// Another writer grabbed the item between compose and approve, so
	// MarkUsed conflicts. The campaign must not reach subscribers while the
	// issue's content could still be offered to a later issue.
	used := f.contents.get(item.ID)
	used.State = domain.StateUsed
	f.contents.add(used)

	_, err = f.orch.Approve(context.Background(), id)
	require.ErrorIs(t, err, domain.ErrConflict)
	assert.Zero(t, f.mailer.sendCount())

	// The approve transition stands and the pending state survives, so the
	// operator can retry once the conflict is resolved.
	newsletter, err := f.newsletters.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.NewsletterApproved, newsletter.Status)
	assert.Equal(t, id, f.states.current().PendingNewsletterID)
}

func TestAutoApproveAfterGrace(t *testing.T) {
	f := newOrchestratorFixture(t, Options{AutoApprove: true, GracePeriod: 30 * time.Millisecond})
	f.seedApproved(t, "founders day parade")

	id, _, err := f.orch.TriggerCompose(context.Background())
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		newsletter, err := f.newsletters.Get(context.Background(), id)
		return err == nil && newsletter.Status == domain.NewsletterSent
	}, 2*time.Second, 10*time.Millisecond, "grace expiry must auto-approve and send")

	assert.Equal(t, uuid.Nil, f.states.current().PendingNewsletterID)
}

func TestRejectCancelsAutoApprove(t *testing.T) {
	f := newOrchestratorFixture(t, Options{AutoApprove: true, GracePeriod: 50 * time.Millisecond})
	item := f.seedApproved(t, "roadwork announcement")

	id, _, err := f.orch.TriggerCompose(context.Background())
	require.NoError(t, err)

	require.NoError(t, f.orch.Reject(context.Background(), id))

	// Give the cancelled timer a chance to misfire before asserting.
	time.Sleep(150 * time.Millisecond)

	newsletter, err := f.newsletters.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.NewsletterFailed, newsletter.Status)
	assert.Zero(t, f.mailer.sendCount())

	// Rejected content stays approved for a future issue.
	assert.Equal(t, domain.StateFilteredApproved, f.contents.get(item.ID).State)
	assert.Equal(t, uuid.Nil, f.states.current().PendingNewsletterID)
}

func TestTriggerSendWithoutPending(t *testing.T) {
	f := newOrchestratorFixture(t, Options{})

	_, err := f.orch.TriggerSend(context.Background())
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTriggerSendBypassesGrace(t *testing.T) {
	f := newOrchestratorFixture(t, Options{AutoApprove: true, GracePeriod: time.Hour})
	f.seedApproved(t, "chamber mixer thursday")

	id, _, err := f.orch.TriggerCompose(context.Background())
	require.NoError(t, err)

	receipt, err := f.orch.TriggerSend(context.Background())
	require.NoError(t, err)
	assert.Equal(t, id, receipt.NewsletterID)

	newsletter, err := f.newsletters.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.NewsletterSent, newsletter.Status)
}

func TestRestartResumesRemainingGrace(t *testing.T) {
	f := newOrchestratorFixture(t, Options{AutoApprove: true, GracePeriod: 200 * time.Millisecond})

	// A newsletter was pending approval when the previous process died; most
	// of its grace window has already elapsed.
	id := uuid.New()
	require.NoError(t, f.newsletters.Create(context.Background(), domain.Newsletter{
		ID:            id,
		Status:        domain.NewsletterPendingApproval,
		CampaignID:    "cmp-restart",
		PreviewSentAt: time.Now().Add(-150 * time.Millisecond),
	}))
	require.NoError(t, f.states.Save(context.Background(), domain.SchedulerState{PendingNewsletterID: id}))

	f.start(t)

	assert.Eventually(t, func() bool {
		newsletter, err := f.newsletters.Get(context.Background(), id)
		return err == nil && newsletter.Status == domain.NewsletterSent
	}, 2*time.Second, 10*time.Millisecond, "remaining grace must be honored after restart")
}

func TestRestartFiresElapsedGraceImmediately(t *testing.T) {
	f := newOrchestratorFixture(t, Options{AutoApprove: true, GracePeriod: 50 * time.Millisecond})

	id := uuid.New()
	require.NoError(t, f.newsletters.Create(context.Background(), domain.Newsletter{
		ID:            id,
		Status:        domain.NewsletterPendingApproval,
		CampaignID:    "cmp-overdue",
		PreviewSentAt: time.Now().Add(-time.Hour),
	}))
	require.NoError(t, f.states.Save(context.Background(), domain.SchedulerState{PendingNewsletterID: id}))

	f.start(t)

	assert.Eventually(t, func() bool {
		newsletter, err := f.newsletters.Get(context.Background(), id)
		return err == nil && newsletter.Status == domain.NewsletterSent
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRestartResumesApprovedDelivery(t *testing.T) {
	f := newOrchestratorFixture(t, Options{})

	// Crash landed between approval and send.
	id := uuid.New()
	require.NoError(t, f.newsletters.Create(context.Background(), domain.Newsletter{
		ID:         id,
		Status:     domain.NewsletterApproved,
		CampaignID: "cmp-approved",
	}))
	require.NoError(t, f.states.Save(context.Background(), domain.SchedulerState{PendingNewsletterID: id}))

	f.start(t)

	newsletter, err := f.newsletters.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.NewsletterSent, newsletter.Status)
	assert.Equal(t, uuid.Nil, f.states.current().PendingNewsletterID)
}

func TestRestartClearsTerminalPending(t *testing.T) {
	f := newOrchestratorFixture(t, Options{})

	id := uuid.New()
	require.NoError(t, f.newsletters.Create(context.Background(), domain.Newsletter{
		ID:     id,
		Status: domain.NewsletterSent,
	}))
	require.NoError(t, f.states.Save(context.Background(), domain.SchedulerState{PendingNewsletterID: id}))

	f.start(t)

	assert.Equal(t, uuid.Nil, f.states.current().PendingNewsletterID)
	assert.Equal(t, uuid.Nil, f.orch.PendingNewsletterID())
}

func TestRejectedContentReappearsSentContentDoesNot(t *testing.T) {
	f := newOrchestratorFixture(t, Options{AutoApprove: false})
	itemA := f.seedApproved(t, "story A")

	// First issue carries A but gets rejected; A must stay available.
	first, _, err := f.orch.TriggerCompose(context.Background())
	require.NoError(t, err)
	require.NoError(t, f.orch.Reject(context.Background(), first))

	// Second issue picks A up again and is sent this time.
	second, _, err := f.orch.TriggerCompose(context.Background())
	require.NoError(t, err)
	newsletter, err := f.newsletters.Get(context.Background(), second)
	require.NoError(t, err)
	assert.Contains(t, newsletter.ContentIDs, itemA.ID)

	_, err = f.orch.Approve(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, domain.StateUsed, f.contents.get(itemA.ID).State)

	// A third issue must not see A anymore, only fresh content.
	itemB := f.seedApproved(t, "story B")
	third, _, err := f.orch.TriggerCompose(context.Background())
	require.NoError(t, err)
	newsletter, err = f.newsletters.Get(context.Background(), third)
	require.NoError(t, err)
	assert.Contains(t, newsletter.ContentIDs, itemB.ID)
	assert.NotContains(t, newsletter.ContentIDs, itemA.ID)
}

func TestNextComposeTime(t *testing.T) {
	f := newOrchestratorFixture(t, Options{})

	// Monday 2026-03-02 noon UTC; the next Thursday 08:00 is 2026-03-05.
	from := time.Date(2026, time.March, 2, 12, 0, 0, 0, time.UTC)
	next := f.orch.nextComposeTime(from)
	assert.Equal(t, time.Date(2026, time.March, 5, 8, 0, 0, 0, time.UTC), next)

	// From Thursday 09:00 the job rolls over a full week.
	from = time.Date(2026, time.March, 5, 9, 0, 0, 0, time.UTC)
	next = f.orch.nextComposeTime(from)
	assert.Equal(t, time.Date(2026, time.March, 12, 8, 0, 0, 0, time.UTC), next)
}

package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"CommunityPress/internal/domain"
	"CommunityPress/internal/ports"
)

// Named jobs owned by the orchestrator. Scheduled firings and manual
// triggers funnel through the same per-job entry points.
const (
	JobScrape  = "scrape"
	JobFilter  = "filter"
	JobCompose = "compose"
)

// Options carries the operator-configured scheduling policy.
type Options struct {
	ScrapeInterval  time.Duration
	FilterDelay     time.Duration
	ComposeWeekday  time.Weekday
	ComposeHour     int
	ComposeMinute   int
	GracePeriod     time.Duration
	AutoApprove     bool
	Lookback        time.Duration
	FilterBatchSize int
	Location        *time.Location
	ManagerEmail    string
	PreviewText     string
}

// Orchestrator drives the recurring pipeline jobs and owns the one piece of
// cross-restart state: the newsletter awaiting approval.
type Orchestrator struct {
	opts        Options
	ingestor    *Ingestor
	filter      *FilterEngine
	composer    *Composer
	delivery    *DeliveryGateway
	contents    ports.ContentStore
	newsletters ports.NewsletterStore
	mailer      ports.CampaignClient
	state       ports.StateStore
	logger      *slog.Logger
	now         func() time.Time

	// Per-job locks serialize each named job; TryLock turns a duplicate
	// trigger into a coalesced no-op instead of a queued second run.
	jobLocks map[string]*sync.Mutex

	mu         sync.Mutex
	pendingID  uuid.UUID
	nextFires  map[string]time.Time
	graceTimer *time.Timer

	wg sync.WaitGroup
}

// OrchestratorDeps wires all collaborators into the orchestrator.
type OrchestratorDeps struct {
	Ingestor    *Ingestor
	Filter      *FilterEngine
	Composer    *Composer
	Delivery    *DeliveryGateway
	Contents    ports.ContentStore
	Newsletters ports.NewsletterStore
	Mailer      ports.CampaignClient
	State       ports.StateStore
	Logger      *slog.Logger
}

// NewOrchestrator constructs the scheduler.
func NewOrchestrator(opts Options, deps OrchestratorDeps) *Orchestrator {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.FilterBatchSize <= 0 {
		opts.FilterBatchSize = 100
	}

	return &Orchestrator{
		opts:        opts,
		ingestor:    deps.Ingestor,
		filter:      deps.Filter,
		composer:    deps.Composer,
		delivery:    deps.Delivery,
		contents:    deps.Contents,
		newsletters: deps.Newsletters,
		mailer:      deps.Mailer,
		state:       deps.State,
		logger:      deps.Logger,
		now:         time.Now,
		jobLocks: map[string]*sync.Mutex{
			JobScrape:  {},
			JobFilter:  {},
			JobCompose: {},
		},
		nextFires: map[string]time.Time{},
	}
}

// Start restores durable state, reconciles any pending newsletter, and
// launches the recurring job loops. It returns once the loops are running;
// cancel ctx and call Wait to stop.
func (o *Orchestrator) Start(ctx context.Context) error {
	persisted, err := o.state.Load(ctx)
	if err != nil {
		return fmt.Errorf("load scheduler state: %w", err)
	}

	o.mu.Lock()
	for name, fireAt := range persisted.NextFireTimes {
		o.nextFires[name] = fireAt
	}
	o.mu.Unlock()

	if err := o.reconcilePending(ctx, persisted.PendingNewsletterID); err != nil {
		return fmt.Errorf("reconcile pending newsletter: %w", err)
	}

	o.startLoop(ctx, JobScrape, o.opts.ScrapeInterval, o.opts.ScrapeInterval, func(ctx context.Context) {
		if _, _, err := o.TriggerScrape(ctx); err != nil {
			o.logger.Error("scheduled scrape failed", "error", err)
		}
	})
	// The filter trails each scrape by the configured delay so freshly
	// scraped items land in the very next classification pass.
	o.startLoop(ctx, JobFilter, o.opts.ScrapeInterval+o.opts.FilterDelay, o.opts.ScrapeInterval, func(ctx context.Context) {
		if _, _, err := o.TriggerFilter(ctx); err != nil {
			o.logger.Error("scheduled filter failed", "error", err)
		}
	})
	o.startComposeLoop(ctx)

	o.logger.Info("orchestrator started",
		"scrape_interval", o.opts.ScrapeInterval,
		"compose_day", o.opts.ComposeWeekday,
		"grace_period", o.opts.GracePeriod)

	return nil
}

// Wait blocks until all job loops have exited.
func (o *Orchestrator) Wait() {
	o.wg.Wait()

	o.mu.Lock()
	if o.graceTimer != nil {
		o.graceTimer.Stop()
		o.graceTimer = nil
	}
	o.mu.Unlock()
}

// reconcilePending restores the approval timeline after a restart. The
// remaining grace is always recomputed from the persisted preview_sent_at,
// never from process uptime, so a restart can neither extend nor skip the
// approval window.
func (o *Orchestrator) reconcilePending(ctx context.Context, pendingID uuid.UUID) error {
	if pendingID == uuid.Nil {
		return nil
	}

	newsletter, err := o.newsletters.Get(ctx, pendingID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			o.logger.Warn("pending newsletter vanished, clearing state", "newsletter_id", pendingID)
			return o.setPending(ctx, uuid.Nil)
		}
		return err
	}

	switch newsletter.Status {
	case domain.NewsletterPendingApproval:
		o.mu.Lock()
		o.pendingID = pendingID
		o.mu.Unlock()
		if o.opts.AutoApprove {
			remaining := newsletter.PreviewSentAt.Add(o.opts.GracePeriod).Sub(o.now())
			o.armGraceTimer(pendingID, remaining)
			o.logger.Info("restored pending newsletter",
				"newsletter_id", pendingID,
				"grace_remaining", remaining)
		}
	case domain.NewsletterApproved:
		// Crashed between approval and send; the gateway is idempotent,
		// so finishing the send is safe.
		o.mu.Lock()
		o.pendingID = pendingID
		o.mu.Unlock()
		o.logger.Info("resuming delivery of approved newsletter", "newsletter_id", pendingID)
		if _, err := o.Approve(ctx, pendingID); err != nil {
			o.logger.Error("resumed delivery failed", "newsletter_id", pendingID, "error", err)
		}
	default:
		o.logger.Info("pending newsletter already terminal, clearing state",
			"newsletter_id", pendingID, "status", newsletter.Status)
		return o.setPending(ctx, uuid.Nil)
	}

	return nil
}

// TriggerScrape runs the scrape job. ran is false when another invocation is
// already in flight: the duplicate trigger coalesces into a no-op success.
func (o *Orchestrator) TriggerScrape(ctx context.Context) (stats domain.IngestStats, ran bool, err error) {
	lock := o.jobLocks[JobScrape]
	if !lock.TryLock() {
		return domain.IngestStats{}, false, nil
	}
	defer lock.Unlock()

	stats, err = o.ingestor.Run(ctx)
	return stats, true, err
}

// TriggerFilter runs the classification job over the pending batch.
func (o *Orchestrator) TriggerFilter(ctx context.Context) (stats domain.FilterStats, ran bool, err error) {
	lock := o.jobLocks[JobFilter]
	if !lock.TryLock() {
		return domain.FilterStats{}, false, nil
	}
	defer lock.Unlock()

	stats, err = o.filter.FilterPending(ctx, o.opts.FilterBatchSize)
	return stats, true, err
}

// TriggerCompose drafts a newsletter for the lookback window and dispatches
// the preview to the manager, leaving the issue in pending_approval.
func (o *Orchestrator) TriggerCompose(ctx context.Context) (id uuid.UUID, ran bool, err error) {
	lock := o.jobLocks[JobCompose]
	if !lock.TryLock() {
		return uuid.Nil, false, nil
	}
	defer lock.Unlock()

	now := o.now()
	newsletter, err := o.composer.Compose(ctx, now.Add(-o.opts.Lookback), now)
	if err != nil {
		return uuid.Nil, true, err
	}

	if err := o.dispatchPreview(ctx, newsletter); err != nil {
		return uuid.Nil, true, err
	}

	return newsletter.ID, true, nil
}

// dispatchPreview creates the provider campaign, test-sends it to the
// manager, and moves the draft to pending_approval. The pending id is
// persisted before success is reported.
func (o *Orchestrator) dispatchPreview(ctx context.Context, newsletter domain.Newsletter) error {
	campaignID, err := o.mailer.CreateCampaign(ctx, newsletter.Subject, o.opts.PreviewText, newsletter.HTMLBody, newsletter.PlainTextBody)
	if err != nil {
		o.failDraft(ctx, newsletter.ID)
		return fmt.Errorf("%w: create campaign: %v", domain.ErrDelivery, err)
	}

	if err := o.mailer.SendTest(ctx, campaignID, []string{o.opts.ManagerEmail}); err != nil {
		o.failDraft(ctx, newsletter.ID)
		return fmt.Errorf("%w: send preview: %v", domain.ErrDelivery, err)
	}

	previewSentAt := o.now().UTC()
	err = o.newsletters.Transition(ctx, newsletter.ID, domain.NewsletterDraft, domain.NewsletterPendingApproval, func(n *domain.Newsletter) {
		n.CampaignID = campaignID
		n.PreviewSentAt = previewSentAt
	})
	if err != nil {
		return fmt.Errorf("mark pending approval: %w", err)
	}

	if err := o.setPending(ctx, newsletter.ID); err != nil {
		return err
	}

	if o.opts.AutoApprove {
		o.armGraceTimer(newsletter.ID, o.opts.GracePeriod)
	}

	o.logger.Info("preview dispatched",
		"newsletter_id", newsletter.ID,
		"campaign_id", campaignID,
		"manager", o.opts.ManagerEmail,
		"auto_approve", o.opts.AutoApprove)

	return nil
}

func (o *Orchestrator) failDraft(ctx context.Context, id uuid.UUID) {
	if err := o.newsletters.Transition(ctx, id, domain.NewsletterDraft, domain.NewsletterFailed, nil); err != nil {
		o.logger.Error("marking draft failed", "newsletter_id", id, "error", err)
	}
}

// Approve moves the pending newsletter to approved, consumes its content,
// and hands it to the delivery gateway. Both the operator action and the
// grace-period expiry land here.
func (o *Orchestrator) Approve(ctx context.Context, id uuid.UUID) (domain.DeliveryReceipt, error) {
	o.cancelGraceTimer(id)

	newsletter, err := o.newsletters.Get(ctx, id)
	if err != nil {
		return domain.DeliveryReceipt{}, fmt.Errorf("load newsletter: %w", err)
	}

	switch newsletter.Status {
	case domain.NewsletterPendingApproval:
		// A concurrent approval may have won; fall through to the
		// idempotent send instead of reporting a conflict.
		won := true
		if err := o.newsletters.Transition(ctx, id, domain.NewsletterPendingApproval, domain.NewsletterApproved, nil); err != nil {
			if !errors.Is(err, domain.ErrConflict) {
				return domain.DeliveryReceipt{}, fmt.Errorf("approve newsletter: %w", err)
			}
			won = false
		}
		// The loser of a concurrent approval sees the winner's consumption
		// as a conflict. Any other failure aborts the send: an issue whose
		// items were not consumed would offer them to a later issue again.
		if err := o.contents.MarkUsed(ctx, newsletter.ContentIDs); err != nil {
			if won || !errors.Is(err, domain.ErrConflict) {
				return domain.DeliveryReceipt{}, fmt.Errorf("consume content: %w", err)
			}
		}
	case domain.NewsletterApproved:
		// Retry after an earlier consume or send failure, or a restart
		// resume. A conflict means a previous attempt already consumed
		// the whole set; MarkUsed is atomic, so partial sets cannot occur.
		if err := o.contents.MarkUsed(ctx, newsletter.ContentIDs); err != nil && !errors.Is(err, domain.ErrConflict) {
			return domain.DeliveryReceipt{}, fmt.Errorf("consume content: %w", err)
		}
	}

	return o.sendAfterApproval(ctx, id)
}

func (o *Orchestrator) sendAfterApproval(ctx context.Context, id uuid.UUID) (domain.DeliveryReceipt, error) {
	receipt, err := o.delivery.Send(ctx, id)
	if err != nil {
		if clearErr := o.setPending(ctx, uuid.Nil); clearErr != nil {
			o.logger.Error("clearing pending state", "error", clearErr)
		}
		return domain.DeliveryReceipt{}, err
	}

	if err := o.setPending(ctx, uuid.Nil); err != nil {
		return receipt, err
	}

	return receipt, nil
}

// Reject discards the pending newsletter and cancels its approval timer.
// The content is not marked used, so it remains available to a future
// compose run.
func (o *Orchestrator) Reject(ctx context.Context, id uuid.UUID) error {
	o.cancelGraceTimer(id)

	if err := o.newsletters.Transition(ctx, id, domain.NewsletterPendingApproval, domain.NewsletterFailed, nil); err != nil {
		return fmt.Errorf("reject newsletter: %w", err)
	}

	if err := o.setPending(ctx, uuid.Nil); err != nil {
		return err
	}

	o.logger.Info("newsletter rejected", "newsletter_id", id)
	return nil
}

// TriggerSend sends the pending newsletter immediately, bypassing any
// remaining grace period.
func (o *Orchestrator) TriggerSend(ctx context.Context) (domain.DeliveryReceipt, error) {
	o.mu.Lock()
	pendingID := o.pendingID
	o.mu.Unlock()

	if pendingID == uuid.Nil {
		return domain.DeliveryReceipt{}, fmt.Errorf("no pending newsletter: %w", domain.ErrNotFound)
	}

	return o.Approve(ctx, pendingID)
}

// PendingNewsletterID exposes the current pending issue, if any.
func (o *Orchestrator) PendingNewsletterID() uuid.UUID {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pendingID
}

// NextFireTimes reports the schedule for the admin surface.
func (o *Orchestrator) NextFireTimes() map[string]time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()

	fires := make(map[string]time.Time, len(o.nextFires))
	for name, fireAt := range o.nextFires {
		fires[name] = fireAt
	}
	return fires
}

// setPending updates the in-memory pending id and writes it durably before
// returning, keeping memory and storage within one transition of each other.
func (o *Orchestrator) setPending(ctx context.Context, id uuid.UUID) error {
	o.mu.Lock()
	o.pendingID = id
	state := o.snapshotLocked()
	o.mu.Unlock()

	if err := o.state.Save(ctx, state); err != nil {
		return fmt.Errorf("persist scheduler state: %w", err)
	}
	return nil
}

func (o *Orchestrator) snapshotLocked() domain.SchedulerState {
	fires := make(map[string]time.Time, len(o.nextFires))
	for name, fireAt := range o.nextFires {
		fires[name] = fireAt
	}
	return domain.SchedulerState{PendingNewsletterID: o.pendingID, NextFireTimes: fires}
}

// armGraceTimer schedules auto-approval. A non-positive remaining duration
// fires on the next tick: an already-elapsed window approves immediately
// after restart rather than waiting a fresh grace period.
func (o *Orchestrator) armGraceTimer(id uuid.UUID, remaining time.Duration) {
	if remaining < 0 {
		remaining = 0
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.graceTimer != nil {
		o.graceTimer.Stop()
	}
	o.graceTimer = time.AfterFunc(remaining, func() {
		o.logger.Info("grace period elapsed, auto-approving", "newsletter_id", id)
		if _, err := o.Approve(context.Background(), id); err != nil {
			o.logger.Error("auto-approval failed", "newsletter_id", id, "error", err)
		}
	})
}

// cancelGraceTimer stops the auto-approval timer for the given newsletter.
func (o *Orchestrator) cancelGraceTimer(id uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.pendingID == id && o.graceTimer != nil {
		o.graceTimer.Stop()
		o.graceTimer = nil
	}
}

// startLoop runs a fixed-interval job. The first firing honors a persisted
// next-fire time still in the future; otherwise it fires after the initial
// delay, then every interval.
func (o *Orchestrator) startLoop(ctx context.Context, name string, initial, interval time.Duration, run func(context.Context)) {
	if interval <= 0 {
		return
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		delay := initial
		for {
			fireAt := o.nextFireTime(ctx, name, func(now time.Time) time.Time {
				return now.Add(delay)
			})
			delay = interval

			timer := time.NewTimer(fireAt.Sub(o.now()))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				run(ctx)
				o.clearFireTime(ctx, name)
			}
		}
	}()
}

// startComposeLoop runs the weekly compose job at the configured local time.
func (o *Orchestrator) startComposeLoop(ctx context.Context) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for {
			fireAt := o.nextFireTime(ctx, JobCompose, o.nextComposeTime)

			timer := time.NewTimer(fireAt.Sub(o.now()))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				if _, _, err := o.TriggerCompose(ctx); err != nil {
					if errors.Is(err, domain.ErrInsufficientContent) {
						o.logger.Warn("no newsletter generated", "error", err)
					} else {
						o.logger.Error("scheduled compose failed", "error", err)
					}
				}
				o.clearFireTime(ctx, JobCompose)
			}
		}
	}()
}

// nextComposeTime finds the next configured weekday/hour/minute in the
// scheduler's timezone.
func (o *Orchestrator) nextComposeTime(now time.Time) time.Time {
	local := now.In(o.opts.Location)
	candidate := time.Date(local.Year(), local.Month(), local.Day(),
		o.opts.ComposeHour, o.opts.ComposeMinute, 0, 0, o.opts.Location)

	for candidate.Weekday() != o.opts.ComposeWeekday || !candidate.After(local) {
		candidate = candidate.AddDate(0, 0, 1)
	}

	return candidate
}

// nextFireTime returns the persisted fire time when still in the future,
// otherwise computes and persists a fresh one.
func (o *Orchestrator) nextFireTime(ctx context.Context, jobName string, next func(time.Time) time.Time) time.Time {
	now := o.now()

	o.mu.Lock()
	fireAt, ok := o.nextFires[jobName]
	if !ok || !fireAt.After(now) {
		fireAt = next(now)
		o.nextFires[jobName] = fireAt
	}
	state := o.snapshotLocked()
	o.mu.Unlock()

	if err := o.state.Save(ctx, state); err != nil {
		o.logger.Warn("persisting schedule", "job", jobName, "error", err)
	}

	return fireAt
}

func (o *Orchestrator) clearFireTime(ctx context.Context, jobName string) {
	o.mu.Lock()
	delete(o.nextFires, jobName)
	state := o.snapshotLocked()
	o.mu.Unlock()

	if err := o.state.Save(ctx, state); err != nil {
		o.logger.Warn("persisting schedule", "job", jobName, "error", err)
	}
}

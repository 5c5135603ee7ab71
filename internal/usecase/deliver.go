package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"CommunityPress/internal/domain"
	"CommunityPress/internal/ports"
)

// DeliveryGateway submits approved newsletters to the campaign provider.
type DeliveryGateway struct {
	newsletters ports.NewsletterStore
	mailer      ports.CampaignClient
	logger      *slog.Logger
	now         func() time.Time
}

// NewDeliveryGateway constructs the delivery workflow.
func NewDeliveryGateway(newsletters ports.NewsletterStore, mailer ports.CampaignClient, logger *slog.Logger) *DeliveryGateway {
	return &DeliveryGateway{
		newsletters: newsletters,
		mailer:      mailer,
		logger:      logger,
		now:         time.Now,
	}
}

// Send submits the newsletter's campaign. Idempotent: a newsletter already
// sent returns its existing receipt instead of creating a duplicate
// campaign. A provider failure moves the newsletter to failed and is not
// auto-retried; re-sending to subscribers requires an explicit re-trigger.
func (d *DeliveryGateway) Send(ctx context.Context, id uuid.UUID) (domain.DeliveryReceipt, error) {
	newsletter, err := d.newsletters.Get(ctx, id)
	if err != nil {
		return domain.DeliveryReceipt{}, fmt.Errorf("load newsletter: %w", err)
	}

	if newsletter.Status == domain.NewsletterSent {
		return receipt(newsletter), nil
	}

	if newsletter.Status != domain.NewsletterApproved {
		return domain.DeliveryReceipt{}, fmt.Errorf("newsletter %s is %s: %w", id, newsletter.Status, domain.ErrNotApproved)
	}

	if newsletter.CampaignID == "" {
		return domain.DeliveryReceipt{}, fmt.Errorf("%w: newsletter %s has no campaign", domain.ErrDelivery, id)
	}

	if err := d.mailer.SendCampaign(ctx, newsletter.CampaignID); err != nil {
		if transitionErr := d.newsletters.Transition(ctx, id, domain.NewsletterApproved, domain.NewsletterFailed, nil); transitionErr != nil {
			d.logger.Error("marking newsletter failed", "newsletter_id", id, "error", transitionErr)
		}
		return domain.DeliveryReceipt{}, fmt.Errorf("%w: %v", domain.ErrDelivery, err)
	}

	sentAt := d.now().UTC()
	err = d.newsletters.Transition(ctx, id, domain.NewsletterApproved, domain.NewsletterSent, func(n *domain.Newsletter) {
		n.SentAt = sentAt
	})
	if err != nil {
		// A concurrent trigger may have recorded the send first; the
		// campaign went out once either way, so return that receipt.
		if errors.Is(err, domain.ErrConflict) {
			if current, getErr := d.newsletters.Get(ctx, id); getErr == nil && current.Status == domain.NewsletterSent {
				return receipt(current), nil
			}
		}
		return domain.DeliveryReceipt{}, fmt.Errorf("record send: %w", err)
	}

	d.logger.Info("newsletter sent", "newsletter_id", id, "campaign_id", newsletter.CampaignID)

	return domain.DeliveryReceipt{
		NewsletterID: id,
		CampaignID:   newsletter.CampaignID,
		SentAt:       sentAt,
	}, nil
}

func receipt(newsletter domain.Newsletter) domain.DeliveryReceipt {
	return domain.DeliveryReceipt{
		NewsletterID: newsletter.ID,
		CampaignID:   newsletter.CampaignID,
		SentAt:       newsletter.SentAt,
	}
}

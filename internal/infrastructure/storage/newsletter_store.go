package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"CommunityPress/internal/domain"
	"CommunityPress/internal/ports"
)

var newsletterColumns = []string{
	"id", "status", "subject", "cutoff_from", "cutoff_to", "featured_story",
	"featured_id", "content_ids", "html_body", "plain_text_body",
	"campaign_id", "created_at", "preview_sent_at", "sent_at",
}

// NewsletterStore persists newsletter issues in Postgres.
type NewsletterStore struct {
	db DB
}

var _ ports.NewsletterStore = (*NewsletterStore)(nil)

// NewNewsletterStore wires a pgx-backed implementation.
func NewNewsletterStore(db DB) *NewsletterStore {
	return &NewsletterStore{db: db}
}

// Create inserts a draft. The partial unique index on in-flight statuses
// turns a concurrent second draft into a conflict at the data layer.
func (s *NewsletterStore) Create(ctx context.Context, newsletter domain.Newsletter) error {
	createdAt := newsletter.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query, args, err := builder.
		Insert("newsletters").
		Columns("id", "status", "subject", "cutoff_from", "cutoff_to",
			"featured_story", "featured_id", "content_ids", "html_body",
			"plain_text_body", "campaign_id", "created_at").
		Values(
			newsletter.ID,
			newsletter.Status,
			newsletter.Subject,
			newsletter.CutoffFrom,
			newsletter.CutoffTo,
			newsletter.FeaturedStory,
			nullableUUID(newsletter.FeaturedStoryID),
			newsletter.ContentIDs,
			newsletter.HTMLBody,
			newsletter.PlainTextBody,
			newsletter.CampaignID,
			createdAt,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		if pgErrorCode(err) == pgUniqueViolation {
			return fmt.Errorf("a newsletter is already in flight: %w", domain.ErrConflict)
		}
		return fmt.Errorf("insert newsletter: %w", err)
	}

	return nil
}

// Get loads one newsletter by id.
func (s *NewsletterStore) Get(ctx context.Context, id uuid.UUID) (domain.Newsletter, error) {
	return s.queryOne(ctx, sq.Eq{"id": id})
}

// FindInFlight returns the newsletter currently in draft or pending_approval.
func (s *NewsletterStore) FindInFlight(ctx context.Context) (domain.Newsletter, error) {
	return s.queryOne(ctx, sq.Eq{"status": []domain.NewsletterStatus{
		domain.NewsletterDraft, domain.NewsletterPendingApproval,
	}})
}

// Transition performs a compare-and-swap status update inside a transaction.
// The row is locked, checked against the expected status, mutated by update,
// and written back; a mismatched status is a conflict.
func (s *NewsletterStore) Transition(ctx context.Context, id uuid.UUID, from, to domain.NewsletterStatus, update func(*domain.Newsletter)) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}

	return finishTx(ctx, tx, s.transitionTx(ctx, tx, id, from, to, update))
}

func (s *NewsletterStore) transitionTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, from, to domain.NewsletterStatus, update func(*domain.Newsletter)) error {
	query, args, err := builder.
		Select(newsletterColumns...).
		From("newsletters").
		Where(sq.Eq{"id": id}).
		Suffix("FOR UPDATE").
		ToSql()
	if err != nil {
		return fmt.Errorf("build select: %w", err)
	}

	newsletter, err := scanNewsletter(tx.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("newsletter %s: %w", id, domain.ErrNotFound)
		}
		return fmt.Errorf("load newsletter: %w", err)
	}

	if newsletter.Status != from {
		return fmt.Errorf("newsletter %s is %s, expected %s: %w", id, newsletter.Status, from, domain.ErrConflict)
	}

	newsletter.Status = to
	if update != nil {
		update(&newsletter)
	}

	updateSQL, args, err := builder.
		Update("newsletters").
		Set("status", newsletter.Status).
		Set("subject", newsletter.Subject).
		Set("featured_story", newsletter.FeaturedStory).
		Set("html_body", newsletter.HTMLBody).
		Set("plain_text_body", newsletter.PlainTextBody).
		Set("campaign_id", newsletter.CampaignID).
		Set("preview_sent_at", nullableTime(newsletter.PreviewSentAt)).
		Set("sent_at", nullableTime(newsletter.SentAt)).
		Where(sq.Eq{"id": id, "status": from}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}

	tag, err := tx.Exec(ctx, updateSQL, args...)
	if err != nil {
		return fmt.Errorf("update newsletter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("newsletter %s changed concurrently: %w", id, domain.ErrConflict)
	}

	return nil
}

func (s *NewsletterStore) queryOne(ctx context.Context, where sq.Eq) (domain.Newsletter, error) {
	query, args, err := builder.
		Select(newsletterColumns...).
		From("newsletters").
		Where(where).
		OrderBy("created_at DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return domain.Newsletter{}, fmt.Errorf("build select: %w", err)
	}

	newsletter, err := scanNewsletter(s.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Newsletter{}, fmt.Errorf("newsletter: %w", domain.ErrNotFound)
		}
		return domain.Newsletter{}, fmt.Errorf("query newsletter: %w", err)
	}

	return newsletter, nil
}

func scanNewsletter(row pgx.Row) (domain.Newsletter, error) {
	var (
		newsletter    domain.Newsletter
		featuredID    *uuid.UUID
		previewSentAt sql.NullTime
		sentAt        sql.NullTime
	)

	err := row.Scan(
		&newsletter.ID, &newsletter.Status, &newsletter.Subject,
		&newsletter.CutoffFrom, &newsletter.CutoffTo,
		&newsletter.FeaturedStory, &featuredID, &newsletter.ContentIDs,
		&newsletter.HTMLBody, &newsletter.PlainTextBody,
		&newsletter.CampaignID, &newsletter.CreatedAt,
		&previewSentAt, &sentAt,
	)
	if err != nil {
		return domain.Newsletter{}, err
	}

	if featuredID != nil {
		newsletter.FeaturedStoryID = *featuredID
	}
	if previewSentAt.Valid {
		newsletter.PreviewSentAt = previewSentAt.Time
	}
	if sentAt.Valid {
		newsletter.SentAt = sentAt.Time
	}

	return newsletter, nil
}

func nullableUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

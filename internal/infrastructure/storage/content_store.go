package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"CommunityPress/internal/domain"
	"CommunityPress/internal/ports"
)

var contentColumns = []string{
	"id", "source_type", "source_name", "county", "url", "title", "body",
	"published_at", "fingerprint", "state", "scraped_at",
}

// ContentStore persists scraped items and verdicts in Postgres.
type ContentStore struct {
	db DB
}

var _ ports.ContentStore = (*ContentStore)(nil)

// NewContentStore wires a pgx-backed implementation.
func NewContentStore(db DB) *ContentStore {
	return &ContentStore{db: db}
}

// Ingest inserts the item in scraped state. A duplicate fingerprint among
// existing rows is a no-op reported as deduplicated, never re-filtered.
func (s *ContentStore) Ingest(ctx context.Context, item domain.RawItem) (ports.IngestResult, error) {
	if err := item.Validate(); err != nil {
		return "", err
	}

	publishedAt := item.PublishedAt
	if publishedAt.IsZero() {
		publishedAt = time.Now().UTC()
	}

	query, args, err := builder.
		Insert("content_items").
		Columns("id", "source_type", "source_name", "county", "url", "title", "body", "published_at", "fingerprint", "state").
		Values(
			uuid.New(),
			item.SourceType,
			item.SourceName,
			item.County,
			item.URL,
			item.Title,
			item.Body,
			publishedAt,
			domain.Fingerprint(item.URL, item.Title),
			domain.StateScraped,
		).
		Suffix("ON CONFLICT (fingerprint) DO NOTHING RETURNING id").
		ToSql()
	if err != nil {
		return "", fmt.Errorf("build insert: %w", err)
	}

	var id uuid.UUID
	if err := s.db.QueryRow(ctx, query, args...).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ports.IngestDeduplicated, nil
		}
		return "", fmt.Errorf("insert content: %w", err)
	}

	return ports.IngestInserted, nil
}

// ListUnfiltered returns items awaiting classification, oldest first.
func (s *ContentStore) ListUnfiltered(ctx context.Context, limit int) ([]domain.ContentItem, error) {
	query, args, err := builder.
		Select(contentColumns...).
		From("content_items").
		Where(sq.Eq{"state": domain.StateScraped}).
		OrderBy("scraped_at ASC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	return s.queryItems(ctx, query, args)
}

// RecordVerdict writes the verdict and advances the item state in one
// transaction. A second verdict for the same item is a conflict; the first
// verdict is never overwritten.
func (s *ContentStore) RecordVerdict(ctx context.Context, contentID uuid.UUID, verdict domain.FilterVerdict) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}

	return finishTx(ctx, tx, s.recordVerdictTx(ctx, tx, contentID, verdict))
}

func (s *ContentStore) recordVerdictTx(ctx context.Context, tx pgx.Tx, contentID uuid.UUID, verdict domain.FilterVerdict) error {
	filteredAt := verdict.FilteredAt
	if filteredAt.IsZero() {
		filteredAt = time.Now().UTC()
	}

	insert, args, err := builder.
		Insert("filter_verdicts").
		Columns("content_id", "decision", "rationale", "confidence",
			"is_event", "event_date", "event_time", "event_location", "filtered_at").
		Values(contentID, verdict.Decision, verdict.Rationale, verdict.Confidence,
			verdict.Event.IsEvent, nullableTime(verdict.Event.Date),
			verdict.Event.Time, verdict.Event.Location, filteredAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	if _, err := tx.Exec(ctx, insert, args...); err != nil {
		switch pgErrorCode(err) {
		case pgUniqueViolation:
			return fmt.Errorf("verdict for %s already recorded: %w", contentID, domain.ErrConflict)
		case pgForeignKeyViolation:
			return fmt.Errorf("content %s: %w", contentID, domain.ErrNotFound)
		}
		return fmt.Errorf("insert verdict: %w", err)
	}

	nextState := domain.StateFilteredRejected
	if verdict.Decision == domain.DecisionApprove {
		nextState = domain.StateFilteredApproved
	}

	update, args, err := builder.
		Update("content_items").
		Set("state", nextState).
		Where(sq.Eq{"id": contentID, "state": domain.StateScraped}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}

	tag, err := tx.Exec(ctx, update, args...)
	if err != nil {
		return fmt.Errorf("advance state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("content %s not in scraped state: %w", contentID, domain.ErrConflict)
	}

	return nil
}

// ListApprovedSince returns approved items published at or after the cutoff,
// grouped by source type then chronological.
func (s *ContentStore) ListApprovedSince(ctx context.Context, cutoff time.Time) ([]domain.ContentItem, error) {
	query, args, err := builder.
		Select(contentColumns...).
		From("content_items").
		Where(sq.Eq{"state": domain.StateFilteredApproved}).
		Where(sq.GtOrEq{"published_at": cutoff}).
		OrderBy("source_type ASC", "published_at ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	return s.queryItems(ctx, query, args)
}

// MarkUsed transitions the whole set to used or nothing at all. Any item not
// currently filtered_approved aborts the transaction with a conflict, which
// guards against double inclusion across overlapping composer runs.
func (s *ContentStore) MarkUsed(ctx context.Context, contentIDs []uuid.UUID) error {
	if len(contentIDs) == 0 {
		return nil
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}

	return finishTx(ctx, tx, func() error {
		update, args, err := builder.
			Update("content_items").
			Set("state", domain.StateUsed).
			Where(sq.Expr("id = ANY(?)", contentIDs)).
			Where(sq.Eq{"state": domain.StateFilteredApproved}).
			ToSql()
		if err != nil {
			return fmt.Errorf("build update: %w", err)
		}

		tag, err := tx.Exec(ctx, update, args...)
		if err != nil {
			return fmt.Errorf("mark used: %w", err)
		}
		if tag.RowsAffected() != int64(len(contentIDs)) {
			return fmt.Errorf("%d of %d items not in filtered_approved state: %w",
				int64(len(contentIDs))-tag.RowsAffected(), len(contentIDs), domain.ErrConflict)
		}
		return nil
	}())
}

// GetContent returns one item by id.
func (s *ContentStore) GetContent(ctx context.Context, id uuid.UUID) (domain.ContentItem, error) {
	query, args, err := builder.
		Select(contentColumns...).
		From("content_items").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return domain.ContentItem{}, fmt.Errorf("build select: %w", err)
	}

	items, err := s.queryItems(ctx, query, args)
	if err != nil {
		return domain.ContentItem{}, err
	}
	if len(items) == 0 {
		return domain.ContentItem{}, fmt.Errorf("content %s: %w", id, domain.ErrNotFound)
	}

	return items[0], nil
}

// GetVerdict returns the verdict recorded for a content item.
func (s *ContentStore) GetVerdict(ctx context.Context, contentID uuid.UUID) (domain.FilterVerdict, error) {
	query, args, err := builder.
		Select("content_id", "decision", "rationale", "confidence",
			"is_event", "event_date", "event_time", "event_location", "filtered_at").
		From("filter_verdicts").
		Where(sq.Eq{"content_id": contentID}).
		ToSql()
	if err != nil {
		return domain.FilterVerdict{}, fmt.Errorf("build select: %w", err)
	}

	var (
		verdict   domain.FilterVerdict
		eventDate *time.Time
	)
	err = s.db.QueryRow(ctx, query, args...).Scan(
		&verdict.ContentID, &verdict.Decision, &verdict.Rationale,
		&verdict.Confidence, &verdict.Event.IsEvent, &eventDate,
		&verdict.Event.Time, &verdict.Event.Location, &verdict.FilteredAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.FilterVerdict{}, fmt.Errorf("verdict for %s: %w", contentID, domain.ErrNotFound)
		}
		return domain.FilterVerdict{}, fmt.Errorf("query verdict: %w", err)
	}
	if eventDate != nil {
		verdict.Event.Date = *eventDate
	}

	return verdict, nil
}

// Stats summarizes pipeline counts for the admin surface.
func (s *ContentStore) Stats(ctx context.Context) (domain.ContentStats, error) {
	stats := domain.ContentStats{
		BySourceType: map[string]int{},
		ByCounty:     map[string]int{},
	}

	rows, err := s.db.Query(ctx, `SELECT state, source_type, county, COUNT(*) FROM content_items GROUP BY state, source_type, county`)
	if err != nil {
		return domain.ContentStats{}, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			state      string
			sourceType string
			county     string
			count      int
		)
		if err := rows.Scan(&state, &sourceType, &county, &count); err != nil {
			return domain.ContentStats{}, fmt.Errorf("scan stats: %w", err)
		}

		stats.Total += count
		switch domain.ContentState(state) {
		case domain.StateScraped:
			stats.Scraped += count
		case domain.StateFilteredApproved:
			stats.Approved += count
		case domain.StateFilteredRejected:
			stats.Rejected += count
		case domain.StateUsed:
			stats.Used += count
		}
		stats.BySourceType[sourceType] += count
		if county != "" {
			stats.ByCounty[county] += count
		}
	}

	if err := rows.Err(); err != nil {
		return domain.ContentStats{}, fmt.Errorf("iterate stats: %w", err)
	}

	return stats, nil
}

func (s *ContentStore) queryItems(ctx context.Context, query string, args []any) ([]domain.ContentItem, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query content: %w", err)
	}
	defer rows.Close()

	var items []domain.ContentItem
	for rows.Next() {
		var item domain.ContentItem
		err := rows.Scan(
			&item.ID, &item.SourceType, &item.SourceName, &item.County,
			&item.URL, &item.Title, &item.Body, &item.PublishedAt,
			&item.Fingerprint, &item.State, &item.ScrapedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan content: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate content: %w", err)
	}

	return items, nil
}

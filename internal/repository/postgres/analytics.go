package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ignite/intent-engine/internal/analytics"
	"github.com/ignite/intent-engine/internal/domain"
)

// AnalyticsRepo implements analytics.Store on the analytics_events table.
type AnalyticsRepo struct{ db *sql.DB }

// NewAnalyticsRepo creates a Postgres-backed analytics store.
func NewAnalyticsRepo(db *sql.DB) *AnalyticsRepo { return &AnalyticsRepo{db: db} }

// Write is idempotent on event_id, so redelivered records are ignored.
func (r *AnalyticsRepo) Write(ctx context.Context, rec analytics.Record) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO analytics_events
			(event_id, website_id, visitor_id, event_type, is_new, utm_source,
			 first_seen_at, score, session_count, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (event_id) DO NOTHING
	`, rec.EventID, rec.WebsiteID, rec.VisitorID, string(rec.EventType), rec.IsNew, rec.UTMSource,
		rec.FirstSeenAt, rec.Score, rec.SessionCount, rec.OccurredAt)
	if err != nil {
		return fmt.Errorf("write analytics event: %w", err)
	}
	return nil
}

func (r *AnalyticsRepo) Snapshots(ctx context.Context, websiteID string, from, to time.Time) ([]analytics.Snapshot, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT ON (visitor_id) visitor_id, first_seen_at, utm_source, score
		FROM analytics_events
		WHERE website_id = $1 AND occurred_at >= $2 AND occurred_at <= $3
		ORDER BY visitor_id, occurred_at DESC, event_id DESC
	`, websiteID, from, to)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var out []analytics.Snapshot
	for rows.Next() {
		var s analytics.Snapshot
		if err := rows.Scan(&s.VisitorID, &s.FirstSeenAt, &s.UTMSource, &s.Score); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	return out, nil
}

func (r *AnalyticsRepo) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM analytics_events WHERE occurred_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("prune analytics: %w", err)
	}
	return res.RowsAffected()
}

// Expired returns up to limit events older than before with event_id after
// afterID, for keyset pagination by the archiver.
func (r *AnalyticsRepo) Expired(ctx context.Context, before time.Time, afterID string, limit int) ([]analytics.Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT event_id, website_id, visitor_id, event_type, is_new, utm_source,
		       first_seen_at, score, session_count, occurred_at
		FROM analytics_events
		WHERE occurred_at < $1 AND event_id > $2
		ORDER BY event_id
		LIMIT $3
	`, before, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("query expired: %w", err)
	}
	defer rows.Close()

	var out []analytics.Record
	for rows.Next() {
		var rec analytics.Record
		var eventType string
		if err := rows.Scan(&rec.EventID, &rec.WebsiteID, &rec.VisitorID, &eventType, &rec.IsNew,
			&rec.UTMSource, &rec.FirstSeenAt, &rec.Score, &rec.SessionCount, &rec.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan expired: %w", err)
		}
		rec.EventType = domain.EventType(eventType)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query expired: %w", err)
	}
	return out, nil
}

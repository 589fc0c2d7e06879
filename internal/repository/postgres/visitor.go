package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ignite/intent-engine/internal/domain"
	"github.com/ignite/intent-engine/internal/identity"
)

// VisitorRepo implements identity.Store against PostgreSQL.
type VisitorRepo struct{ db *sql.DB }

// NewVisitorRepo creates a Postgres-backed visitor store.
func NewVisitorRepo(db *sql.DB) *VisitorRepo { return &VisitorRepo{db: db} }

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanVisitor(row rowScanner) (*domain.Visitor, error) {
	v := &domain.Visitor{}
	err := row.Scan(&v.ID, &v.WebsiteID, &v.ClientToken, &v.FirstSeenAt, &v.LastSeenAt,
		&v.Score, &v.UTMSource, &v.SessionCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (r *VisitorRepo) Find(ctx context.Context, websiteID, token string) (*domain.Visitor, error) {
	v, err := scanVisitor(r.db.QueryRowContext(ctx, `
		SELECT id, website_id, client_token, first_seen_at, last_seen_at,
		       score, utm_source, session_count
		FROM visitors
		WHERE website_id = $1 AND client_token = $2
	`, websiteID, token))
	if err != nil && !errors.Is(err, identity.ErrNotFound) {
		return nil, fmt.Errorf("find visitor: %w", err)
	}
	return v, err
}

// Insert relies on the (website_id, client_token) unique constraint: a
// conflicting insert returns no row.
func (r *VisitorRepo) Insert(ctx context.Context, v *domain.Visitor) (bool, error) {
	var id string
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO visitors
			(id, website_id, client_token, first_seen_at, last_seen_at,
			 score, utm_source, session_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (website_id, client_token) DO NOTHING
		RETURNING id
	`, v.ID, v.WebsiteID, v.ClientToken, v.FirstSeenAt, v.LastSeenAt,
		v.Score, v.UTMSource, v.SessionCount).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert visitor: %w", err)
	}
	return true, nil
}

// Update locks the visitor row for the duration of fn. The first-touch
// utm_source column is never rewritten.
func (r *VisitorRepo) Update(ctx context.Context, visitorID string, fn func(v *domain.Visitor) error) (*domain.Visitor, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	v, err := scanVisitor(tx.QueryRowContext(ctx, `
		SELECT id, website_id, client_token, first_seen_at, last_seen_at,
		       score, utm_source, session_count
		FROM visitors
		WHERE id = $1
		FOR UPDATE
	`, visitorID))
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("lock visitor: %w", err)
	}

	if err := fn(v); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE visitors
		SET last_seen_at = $1, score = $2, session_count = $3
		WHERE id = $4
	`, v.LastSeenAt, v.Score, v.SessionCount, v.ID); err != nil {
		return nil, fmt.Errorf("update visitor: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return v, nil
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ignite/intent-engine/internal/domain"
	"github.com/ignite/intent-engine/internal/site"
)

// SiteRepo implements site.Repository and site.Accounts against PostgreSQL.
type SiteRepo struct{ db *sql.DB }

// NewSiteRepo creates a Postgres-backed website repository.
func NewSiteRepo(db *sql.DB) *SiteRepo { return &SiteRepo{db: db} }

const selectWebsite = `
		SELECT w.id, w.user_id, w.domain, w.script_key,
		       COALESCE(a.plan, ''), w.created_at, w.deleted_at
		FROM websites w
		LEFT JOIN accounts a ON a.id = w.user_id`

func (r *SiteRepo) scanWebsite(row *sql.Row) (*domain.Website, error) {
	w := &domain.Website{}
	var plan string
	var deleted sql.NullTime
	err := row.Scan(&w.ID, &w.UserID, &w.Domain, &w.ScriptKey, &plan, &w.CreatedAt, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, site.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	w.Plan = domain.ParsePlanTier(plan)
	w.DeletedAt = nullTime(deleted)
	return w, nil
}

func (r *SiteRepo) ByScriptKey(ctx context.Context, key string) (*domain.Website, error) {
	w, err := r.scanWebsite(r.db.QueryRowContext(ctx, selectWebsite+`
		WHERE w.script_key = $1 AND w.deleted_at IS NULL
	`, key))
	if err != nil && !errors.Is(err, site.ErrNotFound) {
		return nil, fmt.Errorf("website by script key: %w", err)
	}
	return w, err
}

func (r *SiteRepo) Get(ctx context.Context, id string) (*domain.Website, error) {
	w, err := r.scanWebsite(r.db.QueryRowContext(ctx, selectWebsite+`
		WHERE w.id = $1 AND w.deleted_at IS NULL
	`, id))
	if err != nil && !errors.Is(err, site.ErrNotFound) {
		return nil, fmt.Errorf("get website: %w", err)
	}
	return w, err
}

func (r *SiteRepo) Create(ctx context.Context, w *domain.Website) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO websites (id, user_id, domain, script_key, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, w.ID, w.UserID, w.Domain, w.ScriptKey, w.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", site.ErrDuplicateDomain, w.Domain)
	}
	if err != nil {
		return fmt.Errorf("create website: %w", err)
	}
	return nil
}

// PlanFor returns the account's stored tier. Accounts without a row are
// treated as free.
func (r *SiteRepo) PlanFor(ctx context.Context, userID string) (domain.PlanTier, error) {
	var plan string
	err := r.db.QueryRowContext(ctx, `SELECT plan FROM accounts WHERE id = $1`, userID).Scan(&plan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.FallbackPlan, nil
	}
	if err != nil {
		return "", fmt.Errorf("plan for account: %w", err)
	}
	return domain.PlanTier(plan), nil
}

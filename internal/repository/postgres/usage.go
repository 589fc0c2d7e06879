package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/intent-engine/internal/domain"
)

// UsageRepo implements quota.Counter on the resource_usage table. Each
// increment is a single conditional upsert, so concurrent reservations
// cannot overshoot the limit.
type UsageRepo struct {
	db *sql.DB
	// grace is how long a counter must sit untouched before Reconcile may
	// lower it. A reservation is taken before its row is inserted, so a
	// recently bumped counter can legitimately run ahead of COUNT(*).
	grace time.Duration
}

// DefaultReconcileGrace comfortably exceeds the longest reserve-then-insert
// window of a request.
const DefaultReconcileGrace = 10 * time.Minute

// NewUsageRepo creates a Postgres-backed usage counter.
func NewUsageRepo(db *sql.DB) *UsageRepo {
	return &UsageRepo{db: db, grace: DefaultReconcileGrace}
}

func (r *UsageRepo) Increment(ctx context.Context, scopeID string, res domain.Resource, limit int) (bool, error) {
	var used int
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO resource_usage (scope_id, resource, used, updated_at)
		VALUES ($1, $2, 1, NOW())
		ON CONFLICT (scope_id, resource) DO UPDATE
			SET used = resource_usage.used + 1, updated_at = NOW()
			WHERE resource_usage.used < $3
		RETURNING used
	`, scopeID, string(res), limit).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("increment usage: %w", err)
	}
	return used <= limit, nil
}

func (r *UsageRepo) Decrement(ctx context.Context, scopeID string, res domain.Resource) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE resource_usage SET used = used - 1, updated_at = NOW()
		WHERE scope_id = $1 AND resource = $2 AND used > 0
	`, scopeID, string(res))
	if err != nil {
		return fmt.Errorf("decrement usage: %w", err)
	}
	return nil
}

func (r *UsageRepo) Count(ctx context.Context, scopeID string, res domain.Resource) (int, error) {
	var used int
	err := r.db.QueryRowContext(ctx, `
		SELECT used FROM resource_usage WHERE scope_id = $1 AND resource = $2
	`, scopeID, string(res)).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("count usage: %w", err)
	}
	return used, nil
}

// Reconcile rewrites drifted counters from the actual row counts, which
// recovers slots leaked by a crash between reserve and create. Counters are
// raised at any time but only lowered once idle for the grace period, so an
// in-flight reservation is never handed out a second time.
func (r *UsageRepo) Reconcile(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		WITH actual AS (
			SELECT website_id AS scope_id, 'visitors' AS resource, COUNT(*) AS n
			FROM visitors GROUP BY website_id
			UNION ALL
			SELECT website_id, 'campaigns', COUNT(*)
			FROM campaigns WHERE status <> 'archived' GROUP BY website_id
			UNION ALL
			SELECT user_id, 'websites', COUNT(*)
			FROM websites WHERE deleted_at IS NULL GROUP BY user_id
		)
		UPDATE resource_usage u
		SET used = COALESCE(a.n, 0), updated_at = NOW()
		FROM resource_usage u2
		LEFT JOIN actual a ON a.scope_id = u2.scope_id AND a.resource = u2.resource
		WHERE u.scope_id = u2.scope_id AND u.resource = u2.resource
		  AND u.used <> COALESCE(a.n, 0)
		  AND (COALESCE(a.n, 0) > u.used OR u.updated_at < NOW() - make_interval(secs => $1))
	`, r.grace.Seconds())
	if err != nil {
		return 0, fmt.Errorf("reconcile usage: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

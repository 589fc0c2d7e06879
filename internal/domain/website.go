package domain

import (
	"strings"
	"time"
)

// Website is a tracked property. Its ScriptKey is embedded in the public
// tracking snippet; the internal ID never leaves the server.
type Website struct {
	ID        string     `json:"id" db:"id"`
	UserID    string     `json:"user_id" db:"user_id"`
	Domain    string     `json:"domain" db:"domain"`
	ScriptKey string     `json:"script_key" db:"script_key"`
	Plan      PlanTier   `json:"plan" db:"plan"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

// IsDeleted reports whether the website has been soft-deleted.
func (w *Website) IsDeleted() bool {
	return w.DeletedAt != nil
}

// NormalizeDomain reduces a user-entered site address to its bare host:
// "HTTPS://www.Example.com:443/pricing/" → "example.com".
func NormalizeDomain(raw string) string {
	d := strings.ToLower(strings.TrimSpace(raw))
	if i := strings.Index(d, "://"); i >= 0 {
		d = d[i+3:]
	}
	if i := strings.IndexAny(d, "/?#"); i >= 0 {
		d = d[:i]
	}
	if i := strings.LastIndex(d, "@"); i >= 0 {
		d = d[i+1:]
	}
	if i := strings.LastIndex(d, ":"); i >= 0 {
		d = d[:i]
	}
	d = strings.TrimPrefix(d, "www.")
	return strings.TrimSuffix(d, ".")
}

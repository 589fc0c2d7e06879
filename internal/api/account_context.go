package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/ignite/intent-engine/internal/pkg/httputil"
)

// AccountHeader carries the authenticated account id. It is set by the
// gateway in front of this service, which owns sign-in.
const AccountHeader = "X-Account-ID"

type accountContextKey struct{}

// WithAccount returns a copy of ctx carrying accountID.
func WithAccount(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, accountContextKey{}, accountID)
}

// AccountFromContext returns the account id set by RequireAccount, or "".
func AccountFromContext(ctx context.Context) string {
	id, _ := ctx.Value(accountContextKey{}).(string)
	return id
}

// RequireAccount rejects requests without an account header and stores the
// account id in the request context.
func RequireAccount(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(AccountHeader))
		if id == "" {
			httputil.Error(w, http.StatusUnauthorized, "unauthorized", "missing "+AccountHeader+" header")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithAccount(r.Context(), id)))
	})
}

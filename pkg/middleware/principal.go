package middleware

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/platinummonkey/placebook/pkg/contextkeys"
	"github.com/platinummonkey/placebook/pkg/httputil"
	"github.com/platinummonkey/placebook/pkg/observability"
	"github.com/platinummonkey/placebook/pkg/rbac"
)

// UserIDHeader is set by the authenticating gateway in front of the API
const UserIDHeader = "X-User-ID"

// PrincipalResolver loads the principal of an authenticated user.
// *rbac.PostgresStore implements it.
type PrincipalResolver interface {
	LoadPrincipal(ctx context.Context, userID int64) (*rbac.Principal, error)
}

// Principal resolves the caller named by UserIDHeader and stores it on the
// context. Requests without the header continue anonymously; protected
// routes reject them. An unknown user is unauthorized.
func Principal(resolver PrincipalResolver, logger *observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get(UserIDHeader)
			if raw == "" {
				next.ServeHTTP(w, r)
				return
			}

			userID, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || userID <= 0 {
				httputil.WriteUnauthorized(w, "invalid user id")
				return
			}

			principal, err := resolver.LoadPrincipal(r.Context(), userID)
			if errors.Is(err, rbac.ErrNotFound) {
				httputil.WriteUnauthorized(w, "unknown user")
				return
			}
			if err != nil {
				observability.FromContext(r.Context(), logger).WithError(err).Error("failed to load principal")
				httputil.WriteInternalError(w)
				return
			}

			ctx := rbac.WithPrincipal(r.Context(), principal)
			ctx = contextkeys.WithUserID(ctx, raw)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

package rbac

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/placebook/pkg/httputil"
	"github.com/platinummonkey/placebook/pkg/observability"
)

// PermissionMiddleware guards mux routes with resolver checks
type PermissionMiddleware struct {
	resolver *Resolver
	logger   *observability.Logger
}

// NewPermissionMiddleware creates a new permission middleware
func NewPermissionMiddleware(resolver *Resolver, logger *observability.Logger) *PermissionMiddleware {
	return &PermissionMiddleware{resolver: resolver, logger: logger}
}

// RequireSiteRole requires at least role on the site named by the route
// variable idVar.
func (pm *PermissionMiddleware) RequireSiteRole(role SiteRole, idVar string) mux.MiddlewareFunc {
	return pm.guard(idVar, func(r *http.Request, p *Principal, id int64) error {
		return pm.resolver.AssertSitePermission(r.Context(), p.UserID, id, role)
	})
}

// RequirePlaceRole requires at least role on the place named by the route
// variable idVar; siteadmins of the owning site always pass.
func (pm *PermissionMiddleware) RequirePlaceRole(role PlaceRole, idVar string) mux.MiddlewareFunc {
	return pm.guard(idVar, func(r *http.Request, p *Principal, id int64) error {
		return pm.resolver.AssertPlacePermission(r.Context(), p.UserID, id, role)
	})
}

// RequireGlobalRole requires the principal's global role to be at least role
func (pm *PermissionMiddleware) RequireGlobalRole(role GlobalRole) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFromContext(r.Context())
			if !ok {
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}
			if !p.HasGlobalRole(role) {
				httputil.WriteDomainError(w, &PermissionDeniedError{RequiredRole: string(role), ResourceType: ResourceAudit})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (pm *PermissionMiddleware) guard(idVar string, check func(*http.Request, *Principal, int64) error) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFromContext(r.Context())
			if !ok {
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}
			id, ok := httputil.ParsePathInt64OrError(w, r, idVar)
			if !ok {
				return
			}
			if err := check(r, p, id); err != nil {
				if !IsPermissionDenied(err) {
					observability.FromContext(r.Context(), pm.logger).WithError(err).Error("permission check failed")
				}
				httputil.WriteDomainError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

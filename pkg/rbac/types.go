package rbac

import (
	"context"
	"time"

	"github.com/platinummonkey/placebook/pkg/contextkeys"
	"github.com/platinummonkey/placebook/pkg/entitlements"
)

// Principal is the authenticated actor of a request
type Principal struct {
	UserID     int64      `json:"userId"`
	GlobalRole GlobalRole `json:"globalRole"`
	// SiteIDs are the sites the principal holds any membership on.
	SiteIDs []int64 `json:"siteIds"`
}

// IsSuperadmin reports whether the principal bypasses every check
func (p *Principal) IsSuperadmin() bool {
	return p != nil && p.GlobalRole == GlobalSuperadmin
}

// HasGlobalRole reports whether the principal's global role is at least required
func (p *Principal) HasGlobalRole(required GlobalRole) bool {
	return p != nil && p.GlobalRole.Satisfies(required)
}

// SiteMembership grants a site-scoped role to a user
type SiteMembership struct {
	SiteID    int64     `json:"siteId"`
	UserID    int64     `json:"userId"`
	Role      SiteRole  `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

// PlaceMembership grants a place-scoped role to a user
type PlaceMembership struct {
	PlaceID   int64     `json:"placeId"`
	UserID    int64     `json:"userId"`
	Role      PlaceRole `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

// MembershipChange is the kind of a membership event
type MembershipChange string

const (
	MembershipUpsert MembershipChange = "upsert"
	MembershipRemove MembershipChange = "remove"
)

// MembershipEvent describes one grant or revocation
type MembershipEvent struct {
	Scope  entitlements.Scope
	Change MembershipChange
	// SiteID is the site of the membership, or the site owning PlaceID.
	SiteID  int64
	PlaceID int64
	// UserID is the member, ActorID the user who made the change.
	UserID  int64
	ActorID int64
	// Role is the granted role; empty on removal.
	Role string
}

// WithPrincipal stores the principal on the context
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return contextkeys.WithPrincipal(ctx, p)
}

// PrincipalFromContext returns the principal set by the auth middleware
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := contextkeys.GetPrincipal(ctx).(*Principal)
	return p, ok && p != nil
}

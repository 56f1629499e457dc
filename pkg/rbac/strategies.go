package rbac

import (
	"context"
	"errors"
)

// Decision is a strategy's verdict
type Decision int

const (
	// Continue defers to the next strategy in the chain.
	Continue Decision = iota
	Allow
	Deny
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	default:
		return "continue"
	}
}

// Request describes one permission check. PlaceID is nil for site checks and
// for site-level events.
type Request struct {
	Resource      ResourceType
	UserID        int64
	SiteID        int64
	PlaceID       *int64
	RequiredSite  SiteRole
	RequiredPlace PlaceRole
}

// Evaluation carries a request through a strategy chain and memoizes store
// lookups so later strategies do not repeat I/O.
type Evaluation struct {
	Request Request
	store   Store

	globalRole  *GlobalRole
	placeSiteID *int64
	siteRoles   map[int64]*SiteMembership
}

func newEvaluation(store Store, req Request) *Evaluation {
	return &Evaluation{Request: req, store: store, siteRoles: make(map[int64]*SiteMembership)}
}

// GlobalRole returns the user's global role
func (e *Evaluation) GlobalRole(ctx context.Context) (GlobalRole, error) {
	if e.globalRole == nil {
		role, err := e.store.GetGlobalRole(ctx, e.Request.UserID)
		if err != nil {
			return "", err
		}
		e.globalRole = &role
	}
	return *e.globalRole, nil
}

// SiteMembership returns the user's membership on siteID, or nil when absent
func (e *Evaluation) SiteMembership(ctx context.Context, siteID int64) (*SiteMembership, error) {
	if m, ok := e.siteRoles[siteID]; ok {
		return m, nil
	}
	m, err := e.store.GetSiteMembership(ctx, siteID, e.Request.UserID)
	if errors.Is(err, ErrNotFound) {
		m, err = nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.siteRoles[siteID] = m
	return m, nil
}

// PlaceSiteID resolves the owning site of the requested place
func (e *Evaluation) PlaceSiteID(ctx context.Context) (int64, error) {
	if e.placeSiteID == nil {
		siteID, err := e.store.GetPlaceSiteID(ctx, *e.Request.PlaceID)
		if err != nil {
			return 0, err
		}
		e.placeSiteID = &siteID
	}
	return *e.placeSiteID, nil
}

// Strategy is one step of a resolution chain
type Strategy interface {
	Name() string
	Decide(ctx context.Context, e *Evaluation) (Decision, error)
}

type strategyFunc struct {
	name string
	fn   func(ctx context.Context, e *Evaluation) (Decision, error)
}

func (s strategyFunc) Name() string { return s.name }

func (s strategyFunc) Decide(ctx context.Context, e *Evaluation) (Decision, error) {
	return s.fn(ctx, e)
}

// NewStrategy adapts a function into a named Strategy
func NewStrategy(name string, fn func(ctx context.Context, e *Evaluation) (Decision, error)) Strategy {
	return strategyFunc{name: name, fn: fn}
}

// SuperadminStrategy allows superadmins outright. A user that no longer
// exists is denied.
var SuperadminStrategy = NewStrategy("superadmin", func(ctx context.Context, e *Evaluation) (Decision, error) {
	role, err := e.GlobalRole(ctx)
	if err != nil {
		return Deny, err
	}
	if role == GlobalSuperadmin {
		return Allow, nil
	}
	return Continue, nil
})

// SiteMembershipStrategy compares the site membership with the required
// site role. It is terminal.
var SiteMembershipStrategy = NewStrategy("site-membership", func(ctx context.Context, e *Evaluation) (Decision, error) {
	m, err := e.SiteMembership(ctx, e.Request.SiteID)
	if err != nil {
		return Deny, err
	}
	if m != nil && m.Role.Satisfies(e.Request.RequiredSite) {
		return Allow, nil
	}
	return Deny, nil
})

// SiteadminCascadeStrategy allows siteadmins of the site owning the
// requested place. It resolves exactly one place-to-site hop.
var SiteadminCascadeStrategy = NewStrategy("siteadmin-cascade", func(ctx context.Context, e *Evaluation) (Decision, error) {
	siteID, err := e.PlaceSiteID(ctx)
	if err != nil {
		return Deny, err
	}
	return siteadminOn(ctx, e, siteID)
})

// EventSiteadminStrategy allows siteadmins of the site the event is
// created in.
var EventSiteadminStrategy = NewStrategy("event-siteadmin", func(ctx context.Context, e *Evaluation) (Decision, error) {
	return siteadminOn(ctx, e, e.Request.SiteID)
})

func siteadminOn(ctx context.Context, e *Evaluation, siteID int64) (Decision, error) {
	m, err := e.SiteMembership(ctx, siteID)
	if err != nil {
		return Deny, err
	}
	if m != nil && m.Role == SiteAdmin {
		return Allow, nil
	}
	return Continue, nil
}

// PlaceRequiredStrategy denies requests without a place; only the strategies
// before it can grant site-level events.
var PlaceRequiredStrategy = NewStrategy("place-required", func(ctx context.Context, e *Evaluation) (Decision, error) {
	if e.Request.PlaceID == nil {
		return Deny, nil
	}
	return Continue, nil
})

// PlaceMembershipStrategy compares the place membership with the required
// place role. It is terminal.
var PlaceMembershipStrategy = NewStrategy("place-membership", func(ctx context.Context, e *Evaluation) (Decision, error) {
	if e.Request.PlaceID == nil {
		return Deny, nil
	}
	m, err := e.store.GetPlaceMembership(ctx, *e.Request.PlaceID, e.Request.UserID)
	if errors.Is(err, ErrNotFound) {
		return Deny, nil
	}
	if err != nil {
		return Deny, err
	}
	if m.Role.Satisfies(e.Request.RequiredPlace) {
		return Allow, nil
	}
	return Deny, nil
})

// Default chains, in precedence order.
var (
	SiteChain  = []Strategy{SuperadminStrategy, SiteMembershipStrategy}
	PlaceChain = []Strategy{SuperadminStrategy, SiteadminCascadeStrategy, PlaceMembershipStrategy}
	EventChain = []Strategy{SuperadminStrategy, EventSiteadminStrategy, PlaceRequiredStrategy, PlaceMembershipStrategy}
)

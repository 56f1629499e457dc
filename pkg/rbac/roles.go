package rbac

import (
	"fmt"
	"strings"
)

// GlobalRole is a principal's platform-wide role
type GlobalRole string

const (
	GlobalViewer     GlobalRole = "viewer"
	GlobalEditor     GlobalRole = "editor"
	GlobalAdmin      GlobalRole = "admin"
	GlobalSuperadmin GlobalRole = "superadmin"
)

// SiteRole is a role held through a site membership
type SiteRole string

const (
	SiteViewer SiteRole = "viewer"
	SiteEditor SiteRole = "editor"
	SiteAdmin  SiteRole = "siteadmin"
)

// PlaceRole is a role held through a place membership
type PlaceRole string

const (
	PlaceEditor  PlaceRole = "editor"
	PlaceManager PlaceRole = "manager"
	PlaceOwner   PlaceRole = "owner"
)

// Each scope has its own rank table. Unknown roles rank 0.
var (
	globalRanks = map[GlobalRole]int{GlobalViewer: 1, GlobalEditor: 2, GlobalAdmin: 3, GlobalSuperadmin: 4}
	siteRanks   = map[SiteRole]int{SiteViewer: 1, SiteEditor: 2, SiteAdmin: 3}
	placeRanks  = map[PlaceRole]int{PlaceEditor: 1, PlaceManager: 2, PlaceOwner: 3}
)

// satisfies is true when both ranks are known and actual >= required.
func satisfies(actual, required int) bool {
	return actual > 0 && required > 0 && actual >= required
}

func (r GlobalRole) Rank() int { return globalRanks[r] }
func (r SiteRole) Rank() int   { return siteRanks[r] }
func (r PlaceRole) Rank() int  { return placeRanks[r] }

func (r GlobalRole) Valid() bool { return r.Rank() > 0 }
func (r SiteRole) Valid() bool   { return r.Rank() > 0 }
func (r PlaceRole) Valid() bool  { return r.Rank() > 0 }

// Satisfies reports whether r is at least required
func (r GlobalRole) Satisfies(required GlobalRole) bool {
	return satisfies(r.Rank(), required.Rank())
}

// Satisfies reports whether r is at least required
func (r SiteRole) Satisfies(required SiteRole) bool {
	return satisfies(r.Rank(), required.Rank())
}

// Satisfies reports whether r is at least required
func (r PlaceRole) Satisfies(required PlaceRole) bool {
	return satisfies(r.Rank(), required.Rank())
}

// IsAdministrative reports whether r counts towards a place's administrators
func (r PlaceRole) IsAdministrative() bool {
	return r.Satisfies(PlaceManager)
}

// ParseGlobalRole validates a global role name
func ParseGlobalRole(s string) (GlobalRole, error) {
	r := GlobalRole(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("unknown global role %q", s)
	}
	return r, nil
}

// ParseSiteRole validates a site role name
func ParseSiteRole(s string) (SiteRole, error) {
	r := SiteRole(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("unknown site role %q", s)
	}
	return r, nil
}

// ParsePlaceRole validates a place role name
func ParsePlaceRole(s string) (PlaceRole, error) {
	r := PlaceRole(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("unknown place role %q", s)
	}
	return r, nil
}

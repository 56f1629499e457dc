// Package rbac decides who may act on a site, a place, or a place's events.
//
// # Role hierarchies
//
// Three independent, strictly ordered hierarchies exist:
//
//	global: viewer < editor < admin < superadmin
//	site:   viewer < editor < siteadmin
//	place:  editor < manager < owner
//
// They are distinct Go types, so a site role can never be compared with a
// place role. The only cross-scope rule is that a siteadmin manages every
// place of its site.
//
// # Resolution
//
// Resolver runs an ordered chain of Strategy values per resource type. Each
// strategy returns Allow, Deny or Continue; the first non-Continue verdict
// wins and an exhausted chain denies:
//
//	site:  superadmin -> site-membership
//	place: superadmin -> siteadmin-cascade -> place-membership
//	event: superadmin -> event-siteadmin -> place-required -> place-membership(manager)
//
// Missing users, memberships or places deny (fail closed); store failures are
// returned as errors.
//
//	ok, err := resolver.HasPlacePermission(ctx, userID, placeID, rbac.PlaceManager)
//	if err := resolver.AssertSitePermission(ctx, userID, siteID, rbac.SiteEditor); err != nil {
//		httputil.WriteDomainError(w, err) // 403 for *PermissionDeniedError
//	}
package rbac

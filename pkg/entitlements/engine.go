package entitlements

// CanAddImage reports whether an entity holding current images may get one more.
func CanAddImage(plan Plan, current int64) bool {
	return plan.Limits().ImagesPerEntity.Allows(current)
}

// CanAddEvent reports whether one more event may be created.
func CanAddEvent(plan Plan, current int64) bool {
	return plan.Limits().Events.Allows(current)
}

// CanAddPlace reports whether a site with current places may add another.
func CanAddPlace(plan SitePlan, current int64) bool {
	return plan.Limits().PlacesPerSite.Allows(current)
}

// CanAddFeaturedPlace reports whether one more place may be featured.
func CanAddFeaturedPlace(plan SitePlan, currentFeatured int64) bool {
	return plan.Limits().FeaturedSlots.Allows(currentFeatured)
}

// CanHaveFeaturedPlaces reports whether the site tier has any featured slot.
func CanHaveFeaturedPlaces(plan SitePlan) bool {
	return plan.Limits().FeaturedSlots.Allows(0)
}

// CanUpgrade is true unless plan is already in the top tier of its scope.
// It only looks at tier position.
func CanUpgrade(plan Plan) bool {
	top, _ := rankBounds(plan.Scope())
	return plan.Rank() < top
}

// CanDowngrade is true unless plan is the bottom tier of its scope. Use
// CheckDowngrade to validate a concrete target against current usage.
func CanDowngrade(plan Plan) bool {
	_, bottom := rankBounds(plan.Scope())
	return plan.Rank() > bottom
}

func rankBounds(scope Scope) (top, bottom int) {
	plans := PlansFor(scope)
	if len(plans) == 0 {
		return 0, 0
	}
	top, bottom = plans[0].Rank(), plans[0].Rank()
	for _, p := range plans[1:] {
		if r := p.Rank(); r > top {
			top = r
		} else if r < bottom {
			bottom = r
		}
	}
	return top, bottom
}

// isLegacy marks tiers that are still honoured but never offered.
func isLegacy(plan Plan) bool {
	sp, ok := plan.(SitePlan)
	return ok && sp == SitePlanOfficial
}

package entitlements

import "fmt"

// Usage is the current consumption of a site or place, used to validate a
// plan change against the target tier.
type Usage struct {
	Places         int64 `json:"places"`
	FeaturedPlaces int64 `json:"featuredPlaces"`
	Events         int64 `json:"events"`
	// MaxImages is the highest image count held by any single entity.
	MaxImages          int64 `json:"maxImages"`
	Admins             int64 `json:"admins"`
	UsesCustomDomain   bool  `json:"usesCustomDomain"`
	RegistrationClosed bool  `json:"registrationClosed"`
}

// CheckDowngrade validates moving from one tier to another. Moves to the same
// or a higher rank always pass. Moves to a lower rank fail with a
// *PlanViolationError listing every cap the current usage would exceed.
func CheckDowngrade(from, to Plan, usage Usage) error {
	if from.Scope() != to.Scope() {
		return fmt.Errorf("cannot change %s plan %s to %s plan %s", from.Scope(), from, to.Scope(), to)
	}
	if to.Rank() >= from.Rank() {
		return nil
	}

	target := to.Limits()
	var violations []string
	check := func(feature Feature, limit Limit, count int64) {
		if !limit.Fits(count) {
			violations = append(violations, fmt.Sprintf("%s: %d in use, %s allows %s", feature, count, to, limit))
		}
	}

	if to.Scope() == ScopeSite {
		check(FeaturePlaces, target.PlacesPerSite, usage.Places)
	}
	check(FeatureFeaturedPlaces, target.FeaturedSlots, usage.FeaturedPlaces)
	check(FeatureEvents, target.Events, usage.Events)
	check(FeatureImages, target.ImagesPerEntity, usage.MaxImages)

	if usage.UsesCustomDomain && !target.CustomDomain {
		violations = append(violations, fmt.Sprintf("%s: in use, not included in %s", FeatureCustomDomain, to))
	}
	if usage.Admins > 1 && !target.MultiAdmin {
		violations = append(violations, fmt.Sprintf("%s: %d admins, %s allows 1", FeatureMultiAdmin, usage.Admins, to))
	}
	if usage.RegistrationClosed && target.PublicRegistrationRequired {
		violations = append(violations, fmt.Sprintf("%s: %s requires public registration", FeatureClosedRegistration, to))
	}

	if len(violations) == 0 {
		return nil
	}
	return &PlanViolationError{
		Plan:       to.String(),
		Feature:    "downgrade",
		Reason:     fmt.Sprintf("current usage exceeds %s limits", to),
		Violations: violations,
	}
}

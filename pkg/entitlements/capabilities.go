package entitlements

// Capabilities is the capability matrix of a plan as served to clients.
type Capabilities struct {
	Scope        Scope            `json:"scope"`
	Plan         string           `json:"plan"`
	Fallback     bool             `json:"fallback"`
	Limits       LimitRecord      `json:"limits"`
	Features     map[Feature]bool `json:"features"`
	CanUpgrade   bool             `json:"canUpgrade"`
	CanDowngrade bool             `json:"canDowngrade"`
}

// CapabilitiesFor builds the matrix of plan
func CapabilitiesFor(plan Plan) Capabilities {
	features := make(map[Feature]bool, len(featureLabels))
	for feature := range featureLabels {
		if feature == FeaturePlaces && plan.Scope() != ScopeSite {
			continue
		}
		features[feature] = evaluateState(plan, feature, 0) == GateEnabled
	}
	return Capabilities{
		Scope:        plan.Scope(),
		Plan:         plan.String(),
		Limits:       plan.Limits(),
		Features:     features,
		CanUpgrade:   CanUpgrade(plan),
		CanDowngrade: CanDowngrade(plan),
	}
}

// FallbackCapabilities is the lowest tier's matrix for scope, returned when
// no effective subscription exists.
func FallbackCapabilities(scope Scope) Capabilities {
	c := CapabilitiesFor(LowestPlan(scope))
	c.Fallback = true
	return c
}

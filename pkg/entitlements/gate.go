package entitlements

import (
	"fmt"

	"github.com/platinummonkey/placebook/pkg/observability"
)

// Feature names a plan-gated action
type Feature string

const (
	FeatureFeaturedPlaces     Feature = "featured_places"
	FeatureImages             Feature = "images"
	FeatureEvents             Feature = "events"
	FeaturePlaces             Feature = "places"
	FeatureCustomDomain       Feature = "custom_domain"
	FeatureMultiAdmin         Feature = "multi_admin"
	FeatureClosedRegistration Feature = "closed_registration"
)

var featureLabels = map[Feature]string{
	FeatureFeaturedPlaces:     "featured placement",
	FeatureImages:             "more images",
	FeatureEvents:             "events",
	FeaturePlaces:             "more places",
	FeatureCustomDomain:       "custom domains",
	FeatureMultiAdmin:         "multiple administrators",
	FeatureClosedRegistration: "disabling public registration",
}

// GateState is the outcome of a gate evaluation
type GateState string

const (
	GateEnabled GateState = "enabled"
	// GateDisabled means the plan does not include the feature at all.
	GateDisabled GateState = "disabled"
	// GateExhausted means the feature is included but its cap is reached.
	GateExhausted GateState = "exhausted"
)

// Gate is the result of evaluating a plan-gated action
type Gate struct {
	Feature   Feature   `json:"feature"`
	Plan      string    `json:"plan"`
	State     GateState `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	UpgradeTo string    `json:"upgradeTo,omitempty"`
}

// Allowed reports whether the action may proceed
func (g Gate) Allowed() bool {
	return g.State == GateEnabled
}

// Err returns a *PlanViolationError for a closed gate and nil otherwise
func (g Gate) Err() error {
	if g.Allowed() {
		return nil
	}
	return &PlanViolationError{Plan: g.Plan, Feature: g.Feature, Reason: g.Reason}
}

// Evaluate decides whether feature is available on plan, given current usage
// of the feature (ignored for boolean features).
func Evaluate(plan Plan, feature Feature, current int64) Gate {
	gate := Gate{Feature: feature, Plan: plan.String(), State: evaluateState(plan, feature, current)}
	if gate.State == GateEnabled {
		return gate
	}

	label, known := featureLabels[feature]
	if !known {
		gate.Reason = fmt.Sprintf("unknown feature %q", feature)
		return gate
	}

	if next := suggestUpgrade(plan, feature, current); next != nil {
		gate.UpgradeTo = next.String()
	}

	switch gate.State {
	case GateExhausted:
		gate.Reason = fmt.Sprintf("%s limit of %s reached on plan %s", feature, limitOf(plan.Limits(), feature), plan)
	default:
		gate.Reason = fmt.Sprintf("plan does not support %s", label)
	}
	if gate.UpgradeTo != "" {
		gate.Reason += "; upgrade to " + gate.UpgradeTo
	}
	return gate
}

func evaluateState(plan Plan, feature Feature, current int64) GateState {
	limits := plan.Limits()
	switch feature {
	case FeatureFeaturedPlaces, FeatureImages, FeatureEvents, FeaturePlaces:
		l := limitOf(limits, feature)
		if !l.Enabled() {
			return GateDisabled
		}
		if !l.Allows(current) {
			return GateExhausted
		}
		return GateEnabled
	case FeatureCustomDomain:
		return boolState(limits.CustomDomain)
	case FeatureMultiAdmin:
		return boolState(limits.MultiAdmin)
	case FeatureClosedRegistration:
		return boolState(!limits.PublicRegistrationRequired)
	default:
		return GateDisabled
	}
}

func boolState(ok bool) GateState {
	if ok {
		return GateEnabled
	}
	return GateDisabled
}

func limitOf(limits LimitRecord, feature Feature) Limit {
	switch feature {
	case FeatureFeaturedPlaces:
		return limits.FeaturedSlots
	case FeatureImages:
		return limits.ImagesPerEntity
	case FeatureEvents:
		return limits.Events
	case FeaturePlaces:
		return limits.PlacesPerSite
	}
	return Bounded(0)
}

// suggestUpgrade returns the cheapest non-legacy tier above plan that would
// open the gate, or nil.
func suggestUpgrade(plan Plan, feature Feature, current int64) Plan {
	for _, candidate := range PlansFor(plan.Scope()) {
		if candidate.Rank() <= plan.Rank() || isLegacy(candidate) {
			continue
		}
		if evaluateState(candidate, feature, current) == GateEnabled {
			return candidate
		}
	}
	return nil
}

// Evaluator wraps Evaluate and counts gate outcomes.
type Evaluator struct {
	metrics *observability.Metrics
}

// NewEvaluator creates an evaluator; metrics may be nil
func NewEvaluator(metrics *observability.Metrics) *Evaluator {
	return &Evaluator{metrics: metrics}
}

// Evaluate runs the gate and records its state
func (e *Evaluator) Evaluate(plan Plan, feature Feature, current int64) Gate {
	gate := Evaluate(plan, feature, current)
	e.metrics.RecordGate(string(feature), string(gate.State))
	return gate
}

// Require evaluates the gate and returns its violation, if any
func (e *Evaluator) Require(plan Plan, feature Feature, current int64) error {
	return e.Evaluate(plan, feature, current).Err()
}

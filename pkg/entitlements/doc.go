// Package entitlements maps plan tiers to their static limits and answers
// whether a plan-gated action is allowed.
//
// Everything here is a pure function of the tier, except where a caller
// passes in a current count to compare against a cap. Caps are Limit values,
// either Bounded(n) or Unbounded(); an unbounded cap admits any count and is
// serialized as "unlimited".
//
//	if !entitlements.CanAddImage(entitlements.PlacePlanFree, 3) {
//		return entitlements.Evaluate(plan, entitlements.FeatureImages, 3).Err()
//	}
package entitlements

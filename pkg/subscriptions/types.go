package subscriptions

import (
	"time"

	"github.com/platinummonkey/placebook/pkg/entitlements"
)

// Status is the lifecycle state of a subscription
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusCancelled Status = "CANCELLED"
	StatusExpired   Status = "EXPIRED"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// ChangeType classifies a history row
type ChangeType string

const (
	ChangeCreate ChangeType = "CREATE"
	ChangeStatus ChangeType = "STATUS_CHANGE"
	ChangePlan   ChangeType = "PLAN_CHANGE"
	ChangeExpire ChangeType = "EXPIRE"
)

// Subscription is the plan record of one site or one place
type Subscription struct {
	ID    int64              `json:"id"`
	Scope entitlements.Scope `json:"scope"`
	// OwnerID is the site id or place id, depending on Scope.
	OwnerID int64             `json:"ownerId"`
	Plan    entitlements.Plan `json:"plan"`
	Status  Status            `json:"status"`
	// ValidUntil nil means no expiry while ACTIVE.
	ValidUntil      *time.Time `json:"validUntil"`
	StatusChangedAt time.Time  `json:"statusChangedAt"`
}

// EffectiveAt reports whether the subscription grants its plan at now
func (s *Subscription) EffectiveAt(now time.Time) bool {
	if s == nil {
		return false
	}
	if s.Status != StatusActive && s.Status != StatusCancelled {
		return false
	}
	return s.ValidUntil == nil || s.ValidUntil.After(now)
}

// HistoryEntry is an insert-only record of one transition
type HistoryEntry struct {
	ID             int64              `json:"id"`
	Scope          entitlements.Scope `json:"scope"`
	SubscriptionID int64              `json:"subscriptionId"`
	ChangeType     ChangeType         `json:"changeType"`
	OldPlan        string             `json:"oldPlan,omitempty"`
	NewPlan        string             `json:"newPlan"`
	OldStatus      Status             `json:"oldStatus,omitempty"`
	NewStatus      Status             `json:"newStatus"`
	OldValidUntil  *time.Time         `json:"oldValidUntil"`
	NewValidUntil  *time.Time         `json:"newValidUntil"`
	Note           string             `json:"note,omitempty"`
	// ChangedBy is nil for transitions made by the expiry sweep.
	ChangedBy *int64    `json:"changedBy"`
	CreatedAt time.Time `json:"createdAt"`
}

// Expired is a row moved to EXPIRED by a sweep
type Expired struct {
	Subscription
	PreviousStatus Status
}

// ExpireResult reports one expiry sweep
type ExpireResult struct {
	Sites  int64 `json:"sites"`
	Places int64 `json:"places"`
	// Intents holds per-row history intents when history on expiry is
	// enabled.
	Intents []Intent `json:"-"`
}

// Entitlements is the effective plan of a site or place
type Entitlements struct {
	Capabilities entitlements.Capabilities `json:"capabilities"`
	// Subscription is the effective subscription, nil on fallback.
	Subscription *Subscription `json:"subscription"`
}

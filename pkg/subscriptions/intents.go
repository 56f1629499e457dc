package subscriptions

import (
	"github.com/platinummonkey/placebook/pkg/audit"
	"github.com/platinummonkey/placebook/pkg/entitlements"
)

// Intent is a side effect requested by a transition. Transitions return
// intents instead of performing them; a Dispatcher carries them out.
type Intent interface {
	kind() string
}

// HistoryIntent asks for a subscription_history row
type HistoryIntent struct {
	Entry HistoryEntry
}

func (HistoryIntent) kind() string { return "history" }

// AuditIntent asks for an event log row
type AuditIntent struct {
	Scope          entitlements.Scope
	OwnerID        int64
	SubscriptionID int64
	// ActorID is the user who triggered the change; zero for the sweep.
	ActorID     int64
	Action      audit.Action
	Description string
	Metadata    map[string]interface{}
}

func (AuditIntent) kind() string { return "audit" }

func entityTypeFor(scope entitlements.Scope) audit.EntityType {
	if scope == entitlements.ScopePlace {
		return audit.EntityPlaceSubscription
	}
	return audit.EntitySiteSubscription
}

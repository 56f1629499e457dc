package audit

import (
	"time"
)

// Action names an administrative action recorded in the event log
type Action string

const (
	ActionSubscriptionCancel     Action = "subscription.cancel"
	ActionSubscriptionResume     Action = "subscription.resume"
	ActionSubscriptionPlanChange Action = "subscription.plan_change"
	ActionSubscriptionExpire     Action = "subscription.expire"
	ActionEventLogDelete         Action = "event_log.delete"
	ActionSiteMemberUpsert       Action = "membership.site.upsert"
	ActionSiteMemberRemove       Action = "membership.site.remove"
	ActionPlaceMemberUpsert      Action = "membership.place.upsert"
	ActionPlaceMemberRemove      Action = "membership.place.remove"
)

// EntityType names the kind of record an entry is about
type EntityType string

const (
	EntitySiteSubscription  EntityType = "site_subscription"
	EntityPlaceSubscription EntityType = "place_subscription"
	EntityEventLog          EntityType = "event_log"
	EntityUser              EntityType = "user"
)

// Entry is a single write-once event log row
type Entry struct {
	ID int64 `json:"id"`
	// TenantID is the site the action happened in, if any.
	TenantID    *int64                 `json:"tenantId,omitempty"`
	UserID      *int64                 `json:"userId,omitempty"`
	Action      Action                 `json:"action"`
	EntityType  EntityType             `json:"entityType,omitempty"`
	EntityID    *int64                 `json:"entityId,omitempty"`
	Description string                 `json:"description,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"createdAt"`
}

// Filter selects event log rows. A nil TenantIDs means any tenant; a
// non-nil empty TenantIDs matches nothing.
type Filter struct {
	TenantIDs  []int64
	UserID     *int64
	Actions    []Action
	EntityType EntityType
	EntityID   *int64
	From       *time.Time
	To         *time.Time

	Limit  int
	Offset int
}

// Broad reports whether f carries none of the narrowing filters: user,
// action, entity type or date range. Tenant and entity id alone do not
// narrow.
func (f Filter) Broad() bool {
	return f.UserID == nil &&
		len(f.Actions) == 0 &&
		f.EntityType == "" &&
		f.From == nil &&
		f.To == nil
}

// Page is one page of List results
type Page struct {
	Entries []*Entry `json:"entries"`
	Total   int64    `json:"total"`
	Limit   int      `json:"limit"`
	Offset  int      `json:"offset"`
}

// DeleteResult reports a bulk deletion
type DeleteResult struct {
	Deleted int64 `json:"deleted"`
	// Remaining is the post-delete count of rows still matching the filter.
	Remaining int64  `json:"remaining"`
	Warning   string `json:"warning,omitempty"`
	// ArchiveLocation is set when the rows were archived before deletion.
	ArchiveLocation string `json:"archiveLocation,omitempty"`
}

// Int64 returns a pointer to v
func Int64(v int64) *int64 {
	return &v
}

package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/platinummonkey/placebook/pkg/async"
	"github.com/platinummonkey/placebook/pkg/entitlements"
	"github.com/platinummonkey/placebook/pkg/observability"
	"github.com/platinummonkey/placebook/pkg/rbac"
)

// Appender is the write side of the event log
type Appender interface {
	Append(ctx context.Context, entry *Entry) error
}

// Recorder appends entries on behalf of other components. Failures are
// logged and counted, never returned.
type Recorder struct {
	appender Appender
	logger   *observability.Logger
	metrics  *observability.Metrics
	timeout  time.Duration
}

// NewRecorder creates a recorder. logger and metrics may be nil.
func NewRecorder(appender Appender, logger *observability.Logger, metrics *observability.Metrics) *Recorder {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Recorder{appender: appender, logger: logger, metrics: metrics, timeout: 5 * time.Second}
}

// Record appends entry synchronously and reports whether it was stored
func (r *Recorder) Record(ctx context.Context, entry *Entry) bool {
	if err := r.appender.Append(ctx, entry); err != nil {
		r.fail(ctx, entry, err)
		return false
	}
	return true
}

// Go appends entry in the background
func (r *Recorder) Go(ctx context.Context, entry *Entry) {
	async.SafeGo(ctx, r.logger, r.timeout, "event log append", func(ctx context.Context) error {
		r.Record(ctx, entry)
		return nil
	})
}

var _ rbac.MembershipAuditor = (*Recorder)(nil)

// MembershipChanged records a membership grant or revocation in the
// background. The entry is attributed to the acting user and is about the
// member.
func (r *Recorder) MembershipChanged(ctx context.Context, event rbac.MembershipEvent) {
	entry := &Entry{
		Action:     membershipAction(event),
		EntityType: EntityUser,
		EntityID:   Int64(event.UserID),
		Metadata:   map[string]interface{}{"scope": string(event.Scope)},
	}
	if event.SiteID != 0 {
		entry.TenantID = Int64(event.SiteID)
	}
	if event.ActorID != 0 {
		entry.UserID = Int64(event.ActorID)
	}
	if event.PlaceID != 0 {
		entry.Metadata["placeId"] = event.PlaceID
	}

	owner := fmt.Sprintf("site %d", event.SiteID)
	if event.Scope == entitlements.ScopePlace {
		owner = fmt.Sprintf("place %d", event.PlaceID)
	}
	if event.Change == rbac.MembershipRemove {
		entry.Description = fmt.Sprintf("removed user %d from %s", event.UserID, owner)
	} else {
		entry.Metadata["role"] = event.Role
		entry.Description = fmt.Sprintf("granted %s on %s to user %d", event.Role, owner, event.UserID)
	}
	r.Go(ctx, entry)
}

func membershipAction(event rbac.MembershipEvent) Action {
	switch {
	case event.Scope == entitlements.ScopePlace && event.Change == rbac.MembershipRemove:
		return ActionPlaceMemberRemove
	case event.Scope == entitlements.ScopePlace:
		return ActionPlaceMemberUpsert
	case event.Change == rbac.MembershipRemove:
		return ActionSiteMemberRemove
	default:
		return ActionSiteMemberUpsert
	}
}

func (r *Recorder) fail(ctx context.Context, entry *Entry, err error) {
	r.metrics.RecordSideEffectError("audit")
	observability.FromContext(ctx, r.logger).WithFields(map[string]interface{}{
		"action":      entry.Action,
		"entity_type": entry.EntityType,
	}).WithError(err).Error("failed to append event log")
}

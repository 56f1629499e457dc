package subscriptions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/platinummonkey/placebook/pkg/async"
	"github.com/platinummonkey/placebook/pkg/audit"
	"github.com/platinummonkey/placebook/pkg/entitlements"
	"github.com/platinummonkey/placebook/pkg/observability"
)

// HistoryWriter is the write side of subscription history
type HistoryWriter interface {
	AppendHistory(ctx context.Context, entry *HistoryEntry) error
}

// OwnerResolver finds the users audit entries are attributed to.
// rbac.PostgresStore implements it.
type OwnerResolver interface {
	SiteAdminOf(ctx context.Context, siteID int64) (int64, error)
	PlaceOwnerOf(ctx context.Context, placeID int64) (int64, error)
	GetPlaceSiteID(ctx context.Context, placeID int64) (int64, error)
}

// Dispatcher carries out transition intents. A failed side effect is
// logged and counted but never fails the transition that requested it.
type Dispatcher struct {
	history  HistoryWriter
	recorder *audit.Recorder
	owners   OwnerResolver
	logger   *observability.Logger
	metrics  *observability.Metrics
	workers  int
	timeout  time.Duration

	inflight sync.WaitGroup
}

// DispatcherOption configures a Dispatcher
type DispatcherOption func(*Dispatcher)

// WithDispatchWorkers sets how many intents run concurrently. The default
// of one preserves intent order.
func WithDispatchWorkers(n int) DispatcherOption {
	return func(d *Dispatcher) { d.workers = n }
}

// WithDispatchLogger sets the logger
func WithDispatchLogger(l *observability.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// WithDispatchMetrics sets the metrics recorder
func WithDispatchMetrics(m *observability.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// NewDispatcher creates a dispatcher. owners may be nil, in which case
// audit entries are attributed to the acting user.
func NewDispatcher(history HistoryWriter, recorder *audit.Recorder, owners OwnerResolver, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		history:  history,
		recorder: recorder,
		owners:   owners,
		logger:   observability.NopLogger(),
		workers:  1,
		timeout:  5 * time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch performs intents and returns how many failed
func (d *Dispatcher) Dispatch(ctx context.Context, intents []Intent) int {
	if len(intents) == 0 {
		return 0
	}
	errs := async.Batch(ctx, intents, d.workers, d.timeout, d.perform)
	for _, err := range errs {
		observability.FromContext(ctx, d.logger).WithError(err).Warn("subscription side effect failed")
	}
	return len(errs)
}

// Go performs intents in the background. The work is detached from ctx's
// cancellation, so a client disconnecting after a transition committed
// does not drop its history or audit rows.
func (d *Dispatcher) Go(ctx context.Context, intents []Intent) {
	if len(intents) == 0 {
		return
	}
	d.inflight.Add(1)
	budget := d.timeout * time.Duration(len(intents)+1)
	async.SafeGo(ctx, d.logger, budget, "subscription side effects", func(ctx context.Context) error {
		defer d.inflight.Done()
		d.Dispatch(ctx, intents)
		return nil
	})
}

// Wait blocks until every batch started by Go has finished or ctx is done
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) perform(ctx context.Context, intent Intent) error {
	switch in := intent.(type) {
	case HistoryIntent:
		return d.writeHistory(ctx, in)
	case AuditIntent:
		// the recorder counts its own failures
		return d.writeAudit(ctx, in)
	default:
		return fmt.Errorf("unknown intent %T", intent)
	}
}

func (d *Dispatcher) writeHistory(ctx context.Context, in HistoryIntent) error {
	if d.history == nil {
		return nil
	}
	entry := in.Entry
	if err := d.history.AppendHistory(ctx, &entry); err != nil {
		d.metrics.RecordSideEffectError(in.kind())
		return fmt.Errorf("history for %s subscription %d: %w", entry.Scope, entry.SubscriptionID, err)
	}
	return nil
}

func (d *Dispatcher) writeAudit(ctx context.Context, in AuditIntent) error {
	if d.recorder == nil {
		return nil
	}
	metadata := map[string]interface{}{"scope": string(in.Scope), "ownerId": in.OwnerID}
	for k, v := range in.Metadata {
		metadata[k] = v
	}
	if in.ActorID != 0 {
		metadata["actorId"] = in.ActorID
	}

	entry := &audit.Entry{
		TenantID:    d.tenantOf(ctx, in),
		UserID:      d.attribute(ctx, in),
		Action:      in.Action,
		EntityType:  entityTypeFor(in.Scope),
		EntityID:    audit.Int64(in.SubscriptionID),
		Description: in.Description,
		Metadata:    metadata,
	}
	if !d.recorder.Record(ctx, entry) {
		return fmt.Errorf("audit %s for %s subscription %d not recorded", in.Action, in.Scope, in.SubscriptionID)
	}
	return nil
}

// attribute prefers the owner of the site or place and falls back to the
// acting user.
func (d *Dispatcher) attribute(ctx context.Context, in AuditIntent) *int64 {
	if d.owners != nil {
		var (
			owner int64
			err   error
		)
		if in.Scope == entitlements.ScopePlace {
			owner, err = d.owners.PlaceOwnerOf(ctx, in.OwnerID)
		} else {
			owner, err = d.owners.SiteAdminOf(ctx, in.OwnerID)
		}
		if err == nil {
			return audit.Int64(owner)
		}
		observability.FromContext(ctx, d.logger).WithFields(map[string]interface{}{
			"scope":    in.Scope,
			"owner_id": in.OwnerID,
		}).WithError(err).Debug("no owner to attribute subscription change to")
	}
	if in.ActorID != 0 {
		return audit.Int64(in.ActorID)
	}
	return nil
}

func (d *Dispatcher) tenantOf(ctx context.Context, in AuditIntent) *int64 {
	if in.Scope == entitlements.ScopeSite {
		return audit.Int64(in.OwnerID)
	}
	if d.owners == nil {
		return nil
	}
	siteID, err := d.owners.GetPlaceSiteID(ctx, in.OwnerID)
	if err != nil {
		return nil
	}
	return audit.Int64(siteID)
}

package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/placebook/pkg/audit"
	"github.com/platinummonkey/placebook/pkg/entitlements"
	"github.com/platinummonkey/placebook/pkg/observability"
	"github.com/platinummonkey/placebook/pkg/rbac"
)

const maxWriteAttempts = 3

// Result is a completed transition and the side effects it requests
type Result struct {
	Subscription *Subscription
	Intents      []Intent
}

// Lifecycle applies subscription state transitions. It performs no side
// effects itself; callers hand Result.Intents to a Dispatcher.
type Lifecycle struct {
	store         Store
	usage         UsageSource
	now           func() time.Time
	loc           *time.Location
	metrics       *observability.Metrics
	logger        *observability.Logger
	tracer        trace.Tracer
	expireHistory bool
}

// Option configures a Lifecycle
type Option func(*Lifecycle)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(l *Lifecycle) { l.now = now }
}

// WithLocation sets the timezone month boundaries are computed in
func WithLocation(loc *time.Location) Option {
	return func(l *Lifecycle) {
		if loc != nil {
			l.loc = loc
		}
	}
}

// WithUsage sets the usage source consulted on downgrades. Without one,
// downgrades are checked against zero usage.
func WithUsage(u UsageSource) Option {
	return func(l *Lifecycle) { l.usage = u }
}

// WithMetrics sets the metrics recorder
func WithMetrics(m *observability.Metrics) Option {
	return func(l *Lifecycle) { l.metrics = m }
}

// WithLogger sets the logger
func WithLogger(logger *observability.Logger) Option {
	return func(l *Lifecycle) { l.logger = logger }
}

// WithTracer sets the tracer
func WithTracer(t trace.Tracer) Option {
	return func(l *Lifecycle) { l.tracer = t }
}

// WithExpireHistory makes Expire emit a history intent per expired row
func WithExpireHistory(enabled bool) Option {
	return func(l *Lifecycle) { l.expireHistory = enabled }
}

// NewLifecycle creates a lifecycle over store
func NewLifecycle(store Store, opts ...Option) *Lifecycle {
	l := &Lifecycle{
		store:  store,
		now:    time.Now,
		loc:    time.UTC,
		logger: observability.NopLogger(),
		tracer: observability.Tracer(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

type statusTransition struct {
	name       string
	action     audit.Action
	target     Status
	check      func(Status) error
	validUntil func(now time.Time, loc *time.Location) time.Time
	// keepValidUntil reports whether a row leaving from keeps its expiry.
	keepValidUntil func(from Status) bool
}

var (
	cancelTransition = statusTransition{
		name:   "cancel",
		action: audit.ActionSubscriptionCancel,
		target: StatusCancelled,
		check: func(s Status) error {
			if s == StatusCancelled {
				return ErrAlreadyCancelled
			}
			return nil
		},
		validUntil: EndOfMonth,
		// an expired row must not regain its plan by being cancelled
		keepValidUntil: func(from Status) bool { return from == StatusExpired },
	}
	resumeTransition = statusTransition{
		name:   "resume",
		action: audit.ActionSubscriptionResume,
		target: StatusActive,
		check: func(s Status) error {
			if s != StatusCancelled {
				return ErrNotCancelled
			}
			return nil
		},
		validUntil: StartOfNextMonth,
	}
)

// Get returns a subscription by id
func (l *Lifecycle) Get(ctx context.Context, scope entitlements.Scope, id int64) (*Subscription, error) {
	return l.store.Get(ctx, scope, id)
}

// Cancel stops renewal. The subscription stays in force until the end of
// the current month; an EXPIRED one keeps its past expiry.
func (l *Lifecycle) Cancel(ctx context.Context, scope entitlements.Scope, id, actorID int64, note string) (*Result, error) {
	return l.applyStatus(ctx, cancelTransition, scope, id, actorID, note)
}

// Resume reverses a cancellation. The subscription becomes ACTIVE and valid
// until the first day of next month.
func (l *Lifecycle) Resume(ctx context.Context, scope entitlements.Scope, id, actorID int64, note string) (*Result, error) {
	return l.applyStatus(ctx, resumeTransition, scope, id, actorID, note)
}

func (l *Lifecycle) applyStatus(ctx context.Context, tr statusTransition, scope entitlements.Scope, id, actorID int64, note string) (result *Result, err error) {
	ctx, span := l.startSpan(ctx, "subscriptions."+tr.name, scope, id)
	defer func() { l.finish(span, scope, tr.name, err) }()

	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		sub, err := l.store.Get(ctx, scope, id)
		if err != nil {
			return nil, err
		}
		if reason := tr.check(sub.Status); reason != nil {
			return nil, &InvalidTransitionError{Transition: tr.name, From: sub.Status, Err: reason}
		}

		now := l.now()
		until := validUntilAfter(tr, sub, now, l.loc)
		updated, err := l.store.UpdateStatus(ctx, scope, id, sub.Status, tr.target, &until, now)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if errors.Is(err, ErrAlreadyExists) {
			// a newer live row supersedes this one
			return nil, &InvalidTransitionError{Transition: tr.name, From: sub.Status, Err: ErrAlreadyExists}
		}
		if err != nil {
			return nil, err
		}

		observability.FromContext(ctx, l.logger).WithFields(map[string]interface{}{
			"scope":           scope,
			"subscription_id": id,
			"from":            sub.Status,
			"to":              updated.Status,
			"actor_id":        actorID,
		}).Info("subscription " + tr.name)

		return &Result{
			Subscription: updated,
			Intents: []Intent{
				HistoryIntent{Entry: HistoryEntry{
					Scope:          scope,
					SubscriptionID: id,
					ChangeType:     ChangeStatus,
					OldPlan:        sub.Plan.String(),
					NewPlan:        updated.Plan.String(),
					OldStatus:      sub.Status,
					NewStatus:      updated.Status,
					OldValidUntil:  sub.ValidUntil,
					NewValidUntil:  updated.ValidUntil,
					Note:           note,
					ChangedBy:      actorPtr(actorID),
				}},
				AuditIntent{
					Scope:          scope,
					OwnerID:        updated.OwnerID,
					SubscriptionID: id,
					ActorID:        actorID,
					Action:         tr.action,
					Description:    fmt.Sprintf("%s subscription %d %s (%s → %s)", scope, id, tr.name, sub.Status, updated.Status),
					Metadata:       map[string]interface{}{"from": string(sub.Status), "to": string(updated.Status), "validUntil": until},
				},
			},
		}, nil
	}
	return nil, l.conflict(ctx, tr.name, scope, id)
}

func validUntilAfter(tr statusTransition, sub *Subscription, now time.Time, loc *time.Location) time.Time {
	if tr.keepValidUntil == nil || !tr.keepValidUntil(sub.Status) {
		return tr.validUntil(now, loc)
	}
	if sub.ValidUntil != nil {
		return *sub.ValidUntil
	}
	return sub.StatusChangedAt
}

// ChangePlan moves a subscription to another tier of the same scope.
// Downgrades are refused with an *entitlements.PlanViolationError when
// current usage exceeds the target tier.
func (l *Lifecycle) ChangePlan(ctx context.Context, scope entitlements.Scope, id int64, plan entitlements.Plan, actorID int64, note string) (result *Result, err error) {
	ctx, span := l.startSpan(ctx, "subscriptions.change_plan", scope, id)
	defer func() { l.finish(span, scope, "change_plan", err) }()

	if plan == nil || plan.Scope() != scope {
		return nil, fmt.Errorf("plan %v is not a %s plan", plan, scope)
	}

	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		sub, err := l.store.Get(ctx, scope, id)
		if err != nil {
			return nil, err
		}
		if sub.Status == StatusExpired {
			return nil, &InvalidTransitionError{Transition: "change_plan", From: sub.Status, Err: ErrExpired}
		}
		if sub.Plan == plan {
			return nil, &InvalidTransitionError{Transition: "change_plan", From: sub.Status, Err: ErrSamePlan}
		}
		if plan.Rank() < sub.Plan.Rank() {
			usage, err := l.usageOf(ctx, scope, sub.OwnerID)
			if err != nil {
				return nil, err
			}
			if err := entitlements.CheckDowngrade(sub.Plan, plan, usage); err != nil {
				return nil, err
			}
		}

		updated, err := l.store.UpdatePlan(ctx, scope, id, sub.Status, sub.Plan, plan)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}

		observability.FromContext(ctx, l.logger).WithFields(map[string]interface{}{
			"scope":           scope,
			"subscription_id": id,
			"from":            sub.Plan.String(),
			"to":              plan.String(),
			"actor_id":        actorID,
		}).Info("subscription plan changed")

		return &Result{
			Subscription: updated,
			Intents:      planChangeIntents(sub, updated, actorID, note),
		}, nil
	}
	return nil, l.conflict(ctx, "change_plan", scope, id)
}

// SetPlan puts the owner on plan, creating an ACTIVE subscription when it
// has none and changing the plan of the newest one otherwise.
func (l *Lifecycle) SetPlan(ctx context.Context, scope entitlements.Scope, ownerID int64, plan entitlements.Plan, actorID int64, note string) (*Result, error) {
	existing, err := l.store.FindByOwner(ctx, scope, ownerID)
	if err == nil && existing.Status != StatusExpired {
		return l.ChangePlan(ctx, scope, existing.ID, plan, actorID, note)
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if plan == nil || plan.Scope() != scope {
		return nil, fmt.Errorf("plan %v is not a %s plan", plan, scope)
	}

	created, err := l.store.Create(ctx, scope, ownerID, plan, l.now())
	if errors.Is(err, ErrAlreadyExists) {
		// lost a race with another create; change the winner's plan instead
		winner, ferr := l.store.FindByOwner(ctx, scope, ownerID)
		if ferr != nil {
			return nil, ferr
		}
		return l.ChangePlan(ctx, scope, winner.ID, plan, actorID, note)
	}
	l.metrics.RecordTransition(string(scope), "create", err)
	if err != nil {
		return nil, err
	}
	return &Result{
		Subscription: created,
		Intents:      planChangeIntents(existing, created, actorID, note),
	}, nil
}

func planChangeIntents(before, after *Subscription, actorID int64, note string) []Intent {
	entry := HistoryEntry{
		Scope:          after.Scope,
		SubscriptionID: after.ID,
		ChangeType:     ChangePlan,
		NewPlan:        after.Plan.String(),
		NewStatus:      after.Status,
		NewValidUntil:  after.ValidUntil,
		Note:           note,
		ChangedBy:      actorPtr(actorID),
	}
	metadata := map[string]interface{}{"to": after.Plan.String()}
	description := fmt.Sprintf("%s subscription %d created on %s", after.Scope, after.ID, after.Plan)

	// an expired predecessor is replaced, not changed
	if before != nil && before.ID == after.ID {
		entry.OldPlan = before.Plan.String()
		entry.OldStatus = before.Status
		entry.OldValidUntil = before.ValidUntil
		metadata["from"] = before.Plan.String()
		description = fmt.Sprintf("%s subscription %d plan %s → %s", after.Scope, after.ID, before.Plan, after.Plan)
	} else {
		entry.ChangeType = ChangeCreate
	}

	return []Intent{
		HistoryIntent{Entry: entry},
		AuditIntent{
			Scope:          after.Scope,
			OwnerID:        after.OwnerID,
			SubscriptionID: after.ID,
			ActorID:        actorID,
			Action:         audit.ActionSubscriptionPlanChange,
			Description:    description,
			Metadata:       metadata,
		},
	}
}

// Expire moves every overdue ACTIVE or CANCELLED subscription of both
// scopes to EXPIRED. Running it twice with the same clock expires nothing
// the second time.
func (l *Lifecycle) Expire(ctx context.Context) (*ExpireResult, error) {
	ctx, span := l.tracer.Start(ctx, "subscriptions.expire")
	defer span.End()

	now := l.now()
	var sites, places []Expired
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		sites, err = l.store.ExpireDue(gctx, entitlements.ScopeSite, now)
		return err
	})
	g.Go(func() error {
		var err error
		places, err = l.store.ExpireDue(gctx, entitlements.ScopePlace, now)
		return err
	})
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "expire failed")
		return nil, fmt.Errorf("failed to expire subscriptions: %w", err)
	}

	result := &ExpireResult{Sites: int64(len(sites)), Places: int64(len(places))}
	l.metrics.RecordExpired(string(entitlements.ScopeSite), result.Sites)
	l.metrics.RecordExpired(string(entitlements.ScopePlace), result.Places)
	span.SetAttributes(
		attribute.Int64("subscriptions.expired.sites", result.Sites),
		attribute.Int64("subscriptions.expired.places", result.Places),
	)

	if l.expireHistory {
		for _, batch := range [][]Expired{sites, places} {
			for _, e := range batch {
				result.Intents = append(result.Intents, HistoryIntent{Entry: HistoryEntry{
					Scope:          e.Scope,
					SubscriptionID: e.ID,
					ChangeType:     ChangeExpire,
					OldPlan:        e.Plan.String(),
					NewPlan:        e.Plan.String(),
					OldStatus:      e.PreviousStatus,
					NewStatus:      e.Status,
					OldValidUntil:  e.ValidUntil,
					NewValidUntil:  e.ValidUntil,
				}})
			}
		}
	}

	observability.FromContext(ctx, l.logger).WithFields(map[string]interface{}{
		"sites":  result.Sites,
		"places": result.Places,
	}).Info("expired subscriptions")
	return result, nil
}

// Current returns the newest subscription of the owner whatever its
// status, or nil when it never had one.
func (l *Lifecycle) Current(ctx context.Context, scope entitlements.Scope, ownerID int64) (*Subscription, error) {
	sub, err := l.store.FindByOwner(ctx, scope, ownerID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return sub, err
}

// Effective returns the subscription currently granting a plan to the
// owner, or nil when there is none.
func (l *Lifecycle) Effective(ctx context.Context, scope entitlements.Scope, ownerID int64) (*Subscription, error) {
	sub, err := l.Current(ctx, scope, ownerID)
	if err != nil || sub == nil {
		return nil, err
	}
	if !sub.EffectiveAt(l.now()) {
		return nil, nil
	}
	return sub, nil
}

// GetEntitlements returns the capabilities of the owner's effective plan,
// falling back to the lowest tier when no subscription is in force.
func (l *Lifecycle) GetEntitlements(ctx context.Context, scope entitlements.Scope, ownerID int64) (*Entitlements, error) {
	if !scope.Valid() {
		return nil, fmt.Errorf("unknown scope %q", scope)
	}
	sub, err := l.Effective(ctx, scope, ownerID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return &Entitlements{Capabilities: entitlements.FallbackCapabilities(scope)}, nil
	}
	return &Entitlements{Capabilities: entitlements.CapabilitiesFor(sub.Plan), Subscription: sub}, nil
}

var _ rbac.PlanSource = (*Lifecycle)(nil)

// EffectivePlan returns the plan in force for the owner, the lowest tier of
// the scope when no subscription is in force.
func (l *Lifecycle) EffectivePlan(ctx context.Context, scope entitlements.Scope, ownerID int64) (entitlements.Plan, error) {
	if !scope.Valid() {
		return nil, fmt.Errorf("unknown scope %q", scope)
	}
	sub, err := l.Effective(ctx, scope, ownerID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return entitlements.LowestPlan(scope), nil
	}
	return sub.Plan, nil
}

// History returns up to limit history rows of a subscription, newest first
func (l *Lifecycle) History(ctx context.Context, scope entitlements.Scope, id int64, limit int) ([]*HistoryEntry, error) {
	return l.store.ListHistory(ctx, scope, id, limit)
}

func (l *Lifecycle) usageOf(ctx context.Context, scope entitlements.Scope, ownerID int64) (entitlements.Usage, error) {
	if l.usage == nil {
		return entitlements.Usage{}, nil
	}
	usage, err := l.usage.Usage(ctx, scope, ownerID)
	if err != nil {
		return usage, fmt.Errorf("failed to load usage: %w", err)
	}
	return usage, nil
}

// conflict is returned when every attempt lost a race. The subscription is
// re-read so the caller sees the state it lost to.
func (l *Lifecycle) conflict(ctx context.Context, transition string, scope entitlements.Scope, id int64) error {
	current, err := l.store.Get(ctx, scope, id)
	if err != nil {
		return err
	}
	return &InvalidTransitionError{Transition: transition, From: current.Status, Err: ErrConflict}
}

func (l *Lifecycle) startSpan(ctx context.Context, name string, scope entitlements.Scope, id int64) (context.Context, trace.Span) {
	return l.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("subscription.scope", string(scope)),
		attribute.Int64("subscription.id", id),
	))
}

func (l *Lifecycle) finish(span trace.Span, scope entitlements.Scope, transition string, err error) {
	l.metrics.RecordTransition(string(scope), transition, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, transition+" failed")
	}
	span.End()
}

func actorPtr(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}

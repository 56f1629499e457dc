package rbac

import (
	"context"
	"errors"
	"fmt"

	"github.com/platinummonkey/placebook/pkg/observability"
)

const exhaustedChain = "exhausted"

// Resolver answers permission questions by running an ordered chain of
// strategies per resource type. The first Allow or Deny wins; an exhausted
// chain denies.
type Resolver struct {
	store   Store
	metrics *observability.Metrics
	logger  *observability.Logger

	siteChain  []Strategy
	placeChain []Strategy
	eventChain []Strategy
}

// Option configures a Resolver
type Option func(*Resolver)

// WithMetrics records every decision
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// WithLogger sets the logger used for debug traces of decisions
func WithLogger(l *observability.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// WithChains overrides the default strategy chains. Nil chains keep the
// default.
func WithChains(site, place, event []Strategy) Option {
	return func(r *Resolver) {
		if site != nil {
			r.siteChain = site
		}
		if place != nil {
			r.placeChain = place
		}
		if event != nil {
			r.eventChain = event
		}
	}
}

// NewResolver creates a resolver over store
func NewResolver(store Store, opts ...Option) *Resolver {
	r := &Resolver{
		store:      store,
		logger:     observability.NopLogger(),
		siteChain:  SiteChain,
		placeChain: PlaceChain,
		eventChain: EventChain,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// HasSitePermission reports whether userID holds at least required on siteID
func (r *Resolver) HasSitePermission(ctx context.Context, userID, siteID int64, required SiteRole) (bool, error) {
	return r.decide(ctx, r.siteChain, Request{
		Resource:     ResourceSite,
		UserID:       userID,
		SiteID:       siteID,
		RequiredSite: required,
	})
}

// HasPlacePermission reports whether userID holds at least required on
// placeID, directly or as siteadmin of the owning site.
func (r *Resolver) HasPlacePermission(ctx context.Context, userID, placeID int64, required PlaceRole) (bool, error) {
	return r.decide(ctx, r.placeChain, Request{
		Resource:      ResourcePlace,
		UserID:        userID,
		PlaceID:       &placeID,
		RequiredPlace: required,
	})
}

// CanCreateEventForPlace reports whether userID may create an event in
// siteID, optionally attached to placeID. Without a place only siteadmins
// (and superadmins) may proceed; with one, place manager is required.
func (r *Resolver) CanCreateEventForPlace(ctx context.Context, userID, siteID int64, placeID *int64) (bool, error) {
	return r.decide(ctx, r.eventChain, Request{
		Resource:      ResourceEvent,
		UserID:        userID,
		SiteID:        siteID,
		PlaceID:       placeID,
		RequiredPlace: PlaceManager,
	})
}

// AssertSitePermission is HasSitePermission returning *PermissionDeniedError
func (r *Resolver) AssertSitePermission(ctx context.Context, userID, siteID int64, required SiteRole) error {
	ok, err := r.HasSitePermission(ctx, userID, siteID, required)
	if err != nil {
		return err
	}
	if !ok {
		return &PermissionDeniedError{RequiredRole: string(required), ResourceType: ResourceSite, ResourceID: siteID}
	}
	return nil
}

// AssertPlacePermission is HasPlacePermission returning *PermissionDeniedError
func (r *Resolver) AssertPlacePermission(ctx context.Context, userID, placeID int64, required PlaceRole) error {
	ok, err := r.HasPlacePermission(ctx, userID, placeID, required)
	if err != nil {
		return err
	}
	if !ok {
		return &PermissionDeniedError{RequiredRole: string(required), ResourceType: ResourcePlace, ResourceID: placeID}
	}
	return nil
}

// AssertCanCreateEvent is CanCreateEventForPlace returning *PermissionDeniedError
func (r *Resolver) AssertCanCreateEvent(ctx context.Context, userID, siteID int64, placeID *int64) error {
	ok, err := r.CanCreateEventForPlace(ctx, userID, siteID, placeID)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if placeID == nil {
		return &PermissionDeniedError{RequiredRole: string(SiteAdmin), ResourceType: ResourceSite, ResourceID: siteID}
	}
	return &PermissionDeniedError{RequiredRole: string(PlaceManager), ResourceType: ResourcePlace, ResourceID: *placeID}
}

func (r *Resolver) decide(ctx context.Context, chain []Strategy, req Request) (bool, error) {
	e := newEvaluation(r.store, req)

	for _, s := range chain {
		d, err := s.Decide(ctx, e)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				r.record(req, s.Name(), false)
				return false, nil
			}
			return false, fmt.Errorf("permission check %s failed: %w", s.Name(), err)
		}
		switch d {
		case Allow:
			r.record(req, s.Name(), true)
			return true, nil
		case Deny:
			r.record(req, s.Name(), false)
			return false, nil
		}
	}

	r.record(req, exhaustedChain, false)
	return false, nil
}

func (r *Resolver) record(req Request, strategy string, allowed bool) {
	r.metrics.RecordPermission(string(req.Resource), strategy, allowed)
	r.logger.WithFields(map[string]interface{}{
		"resource": req.Resource,
		"user_id":  req.UserID,
		"site_id":  req.SiteID,
		"strategy": strategy,
		"allowed":  allowed,
	}).Debug("permission decision")
}

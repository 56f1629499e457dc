package rbac

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/placebook/pkg/entitlements"
	"github.com/platinummonkey/placebook/pkg/httputil"
	"github.com/platinummonkey/placebook/pkg/observability"
)

// MembershipStore is the write side used by the membership handlers
type MembershipStore interface {
	UpsertSiteMembership(ctx context.Context, m *SiteMembership) error
	RemoveSiteMembership(ctx context.Context, siteID, userID int64) error
	UpsertPlaceMembership(ctx context.Context, m *PlaceMembership) error
	RemovePlaceMembership(ctx context.Context, placeID, userID int64) error
	ListSiteMembers(ctx context.Context, siteID int64) ([]SiteMembership, error)
	ListPlaceMembers(ctx context.Context, placeID int64) ([]PlaceMembership, error)
}

// PlanSource reports the plan in force for a site or place.
// subscriptions.Lifecycle implements it.
type PlanSource interface {
	EffectivePlan(ctx context.Context, scope entitlements.Scope, ownerID int64) (entitlements.Plan, error)
}

// MembershipAuditor is told about every membership grant and revocation.
// audit.Recorder implements it; calls must not block.
type MembershipAuditor interface {
	MembershipChanged(ctx context.Context, event MembershipEvent)
}

// userInvalidator is implemented by CachedStore
type userInvalidator interface {
	InvalidateUser(userID int64)
}

// Handlers exposes membership management
type Handlers struct {
	store      MembershipStore
	readStore  Store
	middleware *PermissionMiddleware
	cache      userInvalidator
	plans      PlanSource
	gates      *entitlements.Evaluator
	auditor    MembershipAuditor
	logger     *observability.Logger
}

// HandlerOption configures Handlers
type HandlerOption func(*Handlers)

// WithPlanGate refuses a second administrator on a site or place whose plan
// does not include multiple administrators.
func WithPlanGate(plans PlanSource, gates *entitlements.Evaluator) HandlerOption {
	return func(h *Handlers) {
		h.plans = plans
		h.gates = gates
	}
}

// WithAuditor records membership changes
func WithAuditor(a MembershipAuditor) HandlerOption {
	return func(h *Handlers) { h.auditor = a }
}

// NewHandlers creates membership handlers. readStore is the store given to
// the resolver; when it is a CachedStore its entries are invalidated on
// every write.
func NewHandlers(store MembershipStore, readStore Store, middleware *PermissionMiddleware, logger *observability.Logger, opts ...HandlerOption) *Handlers {
	if logger == nil {
		logger = observability.NopLogger()
	}
	h := &Handlers{store: store, readStore: readStore, middleware: middleware, logger: logger}
	if inv, ok := readStore.(userInvalidator); ok {
		h.cache = inv
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.plans != nil && h.gates == nil {
		h.gates = entitlements.NewEvaluator(nil)
	}
	return h
}

// RegisterRoutes registers membership routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	sites := router.PathPrefix("/sites/{id:[0-9]+}/members").Subrouter()
	sites.Use(h.middleware.RequireSiteRole(SiteAdmin, "id"))
	sites.HandleFunc("", h.ListSiteMembers).Methods(http.MethodGet)
	sites.HandleFunc("/{userId:[0-9]+}", h.PutSiteMember).Methods(http.MethodPut)
	sites.HandleFunc("/{userId:[0-9]+}", h.DeleteSiteMember).Methods(http.MethodDelete)

	places := router.PathPrefix("/places/{id:[0-9]+}/members").Subrouter()
	places.Use(h.middleware.RequirePlaceRole(PlaceOwner, "id"))
	places.HandleFunc("", h.ListPlaceMembers).Methods(http.MethodGet)
	places.HandleFunc("/{userId:[0-9]+}", h.PutPlaceMember).Methods(http.MethodPut)
	places.HandleFunc("/{userId:[0-9]+}", h.DeletePlaceMember).Methods(http.MethodDelete)
}

type roleRequest struct {
	Role string `json:"role"`
}

// ListSiteMembers handles GET /sites/{id}/members
func (h *Handlers) ListSiteMembers(w http.ResponseWriter, r *http.Request) {
	siteID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	members, err := h.store.ListSiteMembers(r.Context(), siteID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if members == nil {
		members = []SiteMembership{}
	}
	httputil.WriteSuccess(w, members)
}

// ListPlaceMembers handles GET /places/{id}/members
func (h *Handlers) ListPlaceMembers(w http.ResponseWriter, r *http.Request) {
	placeID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	members, err := h.store.ListPlaceMembers(r.Context(), placeID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if members == nil {
		members = []PlaceMembership{}
	}
	httputil.WriteSuccess(w, members)
}

// PutSiteMember handles PUT /sites/{id}/members/{userId}
func (h *Handlers) PutSiteMember(w http.ResponseWriter, r *http.Request) {
	siteID, userID, ok := parseIDs(w, r)
	if !ok {
		return
	}
	var req roleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	role, err := ParseSiteRole(req.Role)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	if role == SiteAdmin {
		if err := h.checkSiteAdmins(r.Context(), siteID, userID); err != nil {
			h.fail(w, r, err)
			return
		}
	}

	m := &SiteMembership{SiteID: siteID, UserID: userID, Role: role}
	if err := h.store.UpsertSiteMembership(r.Context(), m); err != nil {
		h.fail(w, r, err)
		return
	}
	h.invalidate(userID)
	h.record(r, MembershipEvent{Scope: entitlements.ScopeSite, Change: MembershipUpsert, SiteID: siteID, UserID: userID, Role: string(role)})
	httputil.WriteSuccess(w, m)
}

// DeleteSiteMember handles DELETE /sites/{id}/members/{userId}
func (h *Handlers) DeleteSiteMember(w http.ResponseWriter, r *http.Request) {
	siteID, userID, ok := parseIDs(w, r)
	if !ok {
		return
	}
	if err := h.store.RemoveSiteMembership(r.Context(), siteID, userID); err != nil {
		h.fail(w, r, err)
		return
	}
	h.invalidate(userID)
	h.record(r, MembershipEvent{Scope: entitlements.ScopeSite, Change: MembershipRemove, SiteID: siteID, UserID: userID})
	httputil.WriteNoContent(w)
}

// PutPlaceMember handles PUT /places/{id}/members/{userId}
func (h *Handlers) PutPlaceMember(w http.ResponseWriter, r *http.Request) {
	placeID, userID, ok := parseIDs(w, r)
	if !ok {
		return
	}
	var req roleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	role, err := ParsePlaceRole(req.Role)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	if role.IsAdministrative() {
		if err := h.checkPlaceAdmins(r.Context(), placeID, userID); err != nil {
			h.fail(w, r, err)
			return
		}
	}

	m := &PlaceMembership{PlaceID: placeID, UserID: userID, Role: role}
	if err := h.store.UpsertPlaceMembership(r.Context(), m); err != nil {
		h.fail(w, r, err)
		return
	}
	h.invalidate(userID)
	h.record(r, MembershipEvent{Scope: entitlements.ScopePlace, Change: MembershipUpsert, PlaceID: placeID, UserID: userID, Role: string(role)})
	httputil.WriteSuccess(w, m)
}

// DeletePlaceMember handles DELETE /places/{id}/members/{userId}
func (h *Handlers) DeletePlaceMember(w http.ResponseWriter, r *http.Request) {
	placeID, userID, ok := parseIDs(w, r)
	if !ok {
		return
	}
	if err := h.store.RemovePlaceMembership(r.Context(), placeID, userID); err != nil {
		h.fail(w, r, err)
		return
	}
	h.invalidate(userID)
	h.record(r, MembershipEvent{Scope: entitlements.ScopePlace, Change: MembershipRemove, PlaceID: placeID, UserID: userID})
	httputil.WriteNoContent(w)
}

// checkSiteAdmins gates making userID a siteadmin when the site already has
// another one.
func (h *Handlers) checkSiteAdmins(ctx context.Context, siteID, userID int64) error {
	if h.plans == nil {
		return nil
	}
	members, err := h.store.ListSiteMembers(ctx, siteID)
	if err != nil {
		return err
	}
	var others int64
	for _, m := range members {
		if m.Role == SiteAdmin && m.UserID != userID {
			others++
		}
	}
	return h.requireMultiAdmin(ctx, entitlements.ScopeSite, siteID, others)
}

// checkPlaceAdmins gates making userID an owner or manager when the place
// already has another one.
func (h *Handlers) checkPlaceAdmins(ctx context.Context, placeID, userID int64) error {
	if h.plans == nil {
		return nil
	}
	members, err := h.store.ListPlaceMembers(ctx, placeID)
	if err != nil {
		return err
	}
	var others int64
	for _, m := range members {
		if m.Role.IsAdministrative() && m.UserID != userID {
			others++
		}
	}
	return h.requireMultiAdmin(ctx, entitlements.ScopePlace, placeID, others)
}

func (h *Handlers) requireMultiAdmin(ctx context.Context, scope entitlements.Scope, ownerID, others int64) error {
	if others == 0 {
		return nil
	}
	plan, err := h.plans.EffectivePlan(ctx, scope, ownerID)
	if err != nil {
		return err
	}
	return h.gates.Require(plan, entitlements.FeatureMultiAdmin, others)
}

// record hands a membership change to the auditor. Place events carry the
// owning site so they show up in that site's event log.
func (h *Handlers) record(r *http.Request, event MembershipEvent) {
	if h.auditor == nil {
		return
	}
	if principal, ok := PrincipalFromContext(r.Context()); ok {
		event.ActorID = principal.UserID
	}
	if event.Scope == entitlements.ScopePlace && h.readStore != nil {
		siteID, err := h.readStore.GetPlaceSiteID(r.Context(), event.PlaceID)
		if err != nil {
			observability.FromContext(r.Context(), h.logger).WithError(err).
				WithField("place_id", event.PlaceID).Warn("no site for place membership event")
		}
		event.SiteID = siteID
	}
	h.auditor.MembershipChanged(r.Context(), event)
}

func parseIDs(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return 0, 0, false
	}
	userID, ok := httputil.ParsePathInt64OrError(w, r, "userId")
	if !ok {
		return 0, 0, false
	}
	return id, userID, true
}

func (h *Handlers) invalidate(userID int64) {
	if h.cache != nil {
		h.cache.InvalidateUser(userID)
	}
}

func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	if !errors.Is(err, ErrNotFound) && !entitlements.IsPlanViolation(err) {
		observability.FromContext(r.Context(), h.logger).WithError(err).Error("membership request failed")
	}
	httputil.WriteDomainError(w, err)
}

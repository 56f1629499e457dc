package subscriptions

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/placebook/pkg/entitlements"
	"github.com/platinummonkey/placebook/pkg/httputil"
	"github.com/platinummonkey/placebook/pkg/observability"
	"github.com/platinummonkey/placebook/pkg/rbac"
)

const defaultHistoryLimit = 50

// Handlers exposes subscriptions and entitlements over HTTP
type Handlers struct {
	lifecycle  *Lifecycle
	dispatcher *Dispatcher
	middleware *rbac.PermissionMiddleware
	resolver   *rbac.Resolver
	logger     *observability.Logger
}

// NewHandlers creates subscription handlers
func NewHandlers(lifecycle *Lifecycle, dispatcher *Dispatcher, resolver *rbac.Resolver, logger *observability.Logger) *Handlers {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Handlers{
		lifecycle:  lifecycle,
		dispatcher: dispatcher,
		middleware: rbac.NewPermissionMiddleware(resolver, logger),
		resolver:   resolver,
		logger:     logger,
	}
}

// RegisterRoutes registers subscription and entitlement routes. Reading a
// site subscription needs site viewer, changing it siteadmin; reading a
// place subscription needs place editor, changing it place owner.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	h.registerScope(router, "/sites/{id:[0-9]+}/subscription", entitlements.ScopeSite,
		h.middleware.RequireSiteRole(rbac.SiteViewer, "id"),
		h.middleware.RequireSiteRole(rbac.SiteAdmin, "id"))
	h.registerScope(router, "/places/{id:[0-9]+}/subscription", entitlements.ScopePlace,
		h.middleware.RequirePlaceRole(rbac.PlaceEditor, "id"),
		h.middleware.RequirePlaceRole(rbac.PlaceOwner, "id"))

	router.HandleFunc("/entitlements", h.getEntitlements).Methods(http.MethodGet)
}

func (h *Handlers) registerScope(router *mux.Router, prefix string, scope entitlements.Scope, view, manage mux.MiddlewareFunc) {
	router.Handle(prefix, view(h.getSubscription(scope))).Methods(http.MethodGet)
	router.Handle(prefix, manage(h.putSubscription(scope))).Methods(http.MethodPut)
	router.Handle(prefix+"/{subId:[0-9]+}/cancel", manage(h.transition(scope, h.lifecycle.Cancel))).Methods(http.MethodPost)
	router.Handle(prefix+"/{subId:[0-9]+}/resume", manage(h.transition(scope, h.lifecycle.Resume))).Methods(http.MethodPost)
	router.Handle(prefix+"/{subId:[0-9]+}/history", manage(h.history(scope))).Methods(http.MethodGet)
}

type subscriptionView struct {
	Subscription *Subscription             `json:"subscription"`
	Effective    bool                      `json:"effective"`
	Capabilities entitlements.Capabilities `json:"capabilities"`
}

type planRequest struct {
	Plan string `json:"plan"`
	Note string `json:"note"`
}

type noteRequest struct {
	Note string `json:"note"`
}

// getSubscription handles GET /{sites|places}/{id}/subscription
func (h *Handlers) getSubscription(scope entitlements.Scope) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := httputil.ParsePathInt64OrError(w, r, "id")
		if !ok {
			return
		}
		sub, err := h.lifecycle.Current(r.Context(), scope, ownerID)
		if err != nil {
			h.fail(w, r, err)
			return
		}

		view := subscriptionView{Subscription: sub, Effective: sub.EffectiveAt(h.lifecycle.now())}
		if view.Effective {
			view.Capabilities = entitlements.CapabilitiesFor(sub.Plan)
		} else {
			view.Capabilities = entitlements.FallbackCapabilities(scope)
		}
		httputil.WriteSuccess(w, view)
	})
}

// putSubscription handles PUT /{sites|places}/{id}/subscription
func (h *Handlers) putSubscription(scope entitlements.Scope) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := httputil.ParsePathInt64OrError(w, r, "id")
		if !ok {
			return
		}
		var req planRequest
		if !httputil.ParseJSONOrError(w, r, &req) {
			return
		}
		plan, err := entitlements.ParsePlan(scope, req.Plan)
		if err != nil {
			httputil.WriteBadRequest(w, err.Error())
			return
		}

		result, err := h.lifecycle.SetPlan(r.Context(), scope, ownerID, plan, actorOf(r), req.Note)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		h.dispatcher.Go(r.Context(), result.Intents)
		httputil.WriteSuccess(w, result.Subscription)
	})
}

type transitionFunc func(ctx context.Context, scope entitlements.Scope, id, actorID int64, note string) (*Result, error)

// transition handles POST /{sites|places}/{id}/subscription/{subId}/{cancel|resume}
func (h *Handlers) transition(scope entitlements.Scope, apply transitionFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subID, ok := h.ownedSubscription(w, r, scope)
		if !ok {
			return
		}
		var req noteRequest
		if err := httputil.ParseJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
			httputil.WriteBadRequest(w, err.Error())
			return
		}

		result, err := apply(r.Context(), scope, subID, actorOf(r), req.Note)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		h.dispatcher.Go(r.Context(), result.Intents)
		httputil.WriteSuccess(w, result.Subscription)
	})
}

// history handles GET /{sites|places}/{id}/subscription/{subId}/history
func (h *Handlers) history(scope entitlements.Scope) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subID, ok := h.ownedSubscription(w, r, scope)
		if !ok {
			return
		}
		limit, err := httputil.ParseQueryInt(r, "limit", defaultHistoryLimit)
		if err != nil || limit <= 0 {
			httputil.WriteBadRequest(w, "limit must be a positive integer")
			return
		}
		if limit > 500 {
			limit = 500
		}

		entries, err := h.lifecycle.History(r.Context(), scope, subID, limit)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		httputil.WriteSuccess(w, entries)
	})
}

// getEntitlements handles GET /entitlements?siteId= or ?placeId=
func (h *Handlers) getEntitlements(w http.ResponseWriter, r *http.Request) {
	principal, ok := rbac.PrincipalFromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	siteID, err := httputil.ParseOptionalQueryInt64(r, "siteId")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	placeID, err := httputil.ParseOptionalQueryInt64(r, "placeId")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if (siteID == nil) == (placeID == nil) {
		httputil.WriteBadRequest(w, "exactly one of siteId or placeId is required")
		return
	}

	var (
		scope   entitlements.Scope
		ownerID int64
	)
	if siteID != nil {
		scope, ownerID = entitlements.ScopeSite, *siteID
		err = h.resolver.AssertSitePermission(r.Context(), principal.UserID, ownerID, rbac.SiteViewer)
	} else {
		scope, ownerID = entitlements.ScopePlace, *placeID
		err = h.resolver.AssertPlacePermission(r.Context(), principal.UserID, ownerID, rbac.PlaceEditor)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}

	ents, err := h.lifecycle.GetEntitlements(r.Context(), scope, ownerID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteSuccess(w, ents)
}

// ownedSubscription parses {subId} and checks it belongs to the owner in
// {id}. A subscription of another owner is reported as not found.
func (h *Handlers) ownedSubscription(w http.ResponseWriter, r *http.Request, scope entitlements.Scope) (int64, bool) {
	ownerID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return 0, false
	}
	subID, ok := httputil.ParsePathInt64OrError(w, r, "subId")
	if !ok {
		return 0, false
	}
	sub, err := h.lifecycle.Get(r.Context(), scope, subID)
	if err == nil && sub.OwnerID != ownerID {
		err = ErrNotFound
	}
	if err != nil {
		h.fail(w, r, err)
		return 0, false
	}
	return subID, true
}

func actorOf(r *http.Request) int64 {
	if p, ok := rbac.PrincipalFromContext(r.Context()); ok {
		return p.UserID
	}
	return 0
}

func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	if httputil.StatusFor(err) == http.StatusInternalServerError {
		observability.FromContext(r.Context(), h.logger).WithError(err).Error("subscription request failed")
	}
	httputil.WriteDomainError(w, err)
}

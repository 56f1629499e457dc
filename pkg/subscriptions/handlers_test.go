package subscriptions

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/placebook/pkg/audit"
	"github.com/platinummonkey/placebook/pkg/entitlements"
	"github.com/platinummonkey/placebook/pkg/rbac"
)

const (
	superID     int64 = 1
	siteAdminID int64 = 2
	viewerID    int64 = 3
	ownerID     int64 = 4
	editorID    int64 = 5
	outsiderID  int64 = 6
)

// rbacStore is a fixed membership graph: site 10 owns place 100.
type rbacStore struct{}

func (rbacStore) GetGlobalRole(_ context.Context, userID int64) (rbac.GlobalRole, error) {
	switch userID {
	case superID:
		return rbac.GlobalSuperadmin, nil
	case siteAdminID, viewerID, ownerID, editorID, outsiderID:
		return rbac.GlobalViewer, nil
	}
	return "", rbac.ErrNotFound
}

func (rbacStore) GetSiteMembership(_ context.Context, siteID, userID int64) (*rbac.SiteMembership, error) {
	roles := map[int64]rbac.SiteRole{siteAdminID: rbac.SiteAdmin, viewerID: rbac.SiteViewer}
	if role, ok := roles[userID]; ok && siteID == 10 {
		return &rbac.SiteMembership{SiteID: siteID, UserID: userID, Role: role}, nil
	}
	return nil, rbac.ErrNotFound
}

func (rbacStore) GetPlaceMembership(_ context.Context, placeID, userID int64) (*rbac.PlaceMembership, error) {
	roles := map[int64]rbac.PlaceRole{ownerID: rbac.PlaceOwner, editorID: rbac.PlaceEditor}
	if role, ok := roles[userID]; ok && placeID == 100 {
		return &rbac.PlaceMembership{PlaceID: placeID, UserID: userID, Role: role}, nil
	}
	return nil, rbac.ErrNotFound
}

func (rbacStore) GetPlaceSiteID(_ context.Context, placeID int64) (int64, error) {
	if placeID == 100 || placeID == 101 {
		return 10, nil
	}
	return 0, rbac.ErrNotFound
}

type handlerFixture struct {
	t          *testing.T
	router     *mux.Router
	store      *memStore
	appender   *memAppender
	dispatcher *Dispatcher
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	return newHandlerFixtureWith(t, &memAppender{})
}

func newHandlerFixtureWith(t *testing.T, appender audit.Appender) *handlerFixture {
	t.Helper()
	store := newMemStore()
	resolver := rbac.NewResolver(rbacStore{})
	dispatcher := NewDispatcher(store, audit.NewRecorder(appender, nil, nil), testOwners)

	router := mux.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if uid := r.Header.Get("X-Test-User"); uid != "" {
				id, err := strconv.ParseInt(uid, 10, 64)
				require.NoError(t, err)
				r = r.WithContext(rbac.WithPrincipal(r.Context(), &rbac.Principal{UserID: id}))
			}
			next.ServeHTTP(w, r)
		})
	})
	NewHandlers(newTestLifecycle(store), dispatcher, resolver, nil).RegisterRoutes(router)

	f := &handlerFixture{t: t, router: router, store: store, dispatcher: dispatcher}
	if mem, ok := appender.(*memAppender); ok {
		f.appender = mem
	}
	return f
}

// serve runs one request without waiting for its side effects
func (f *handlerFixture) serve(user int64, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	if user != 0 {
		req.Header.Set("X-Test-User", strconv.FormatInt(user, 10))
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

// do runs one request and waits for the side effects it started
func (f *handlerFixture) do(user int64, method, target, body string) *httptest.ResponseRecorder {
	rec := f.serve(user, method, target, body)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(f.t, f.dispatcher.Wait(ctx), "side effects did not finish")
	return rec
}

func decodeSubscription(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHandlers_GetSubscription(t *testing.T) {
	f := newHandlerFixture(t)
	f.store.add(entitlements.ScopeSite, 10, entitlements.SitePlanPro, StatusActive, nil)

	rec := f.do(viewerID, http.MethodGet, "/sites/10/subscription", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var view struct {
		Subscription struct {
			Plan   string `json:"plan"`
			Status string `json:"status"`
		} `json:"subscription"`
		Effective    bool `json:"effective"`
		Capabilities struct {
			Plan     string `json:"plan"`
			Fallback bool   `json:"fallback"`
		} `json:"capabilities"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "pro", view.Subscription.Plan)
	assert.True(t, view.Effective)
	assert.Equal(t, "pro", view.Capabilities.Plan)

	rec = f.do(outsiderID, http.MethodGet, "/sites/10/subscription", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(0, http.MethodGet, "/sites/10/subscription", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandlers_GetSubscription_None(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(editorID, http.MethodGet, "/places/100/subscription", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeSubscription(t, rec)
	assert.Nil(t, body["subscription"])
	assert.Equal(t, false, body["effective"])
	assert.Equal(t, true, body["capabilities"].(map[string]interface{})["fallback"])
}

func TestHandlers_PutSubscription(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(viewerID, http.MethodPut, "/sites/10/subscription", `{"plan":"business"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(siteAdminID, http.MethodPut, "/sites/10/subscription", `{"plan":"platinum"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(siteAdminID, http.MethodPut, "/sites/10/subscription", `{"plan":"business","note":"launch"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeSubscription(t, rec)
	assert.Equal(t, "business", body["plan"])
	assert.Equal(t, "ACTIVE", body["status"])

	rec = f.do(siteAdminID, http.MethodPut, "/sites/10/subscription", `{"plan":"business"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	assert.Equal(t, 1, f.store.historyCount())
	require.Len(t, f.appender.entries, 1)
	assert.Equal(t, audit.ActionSubscriptionPlanChange, f.appender.entries[0].Action)
}

func TestHandlers_CancelResume(t *testing.T) {
	f := newHandlerFixture(t)
	sub := f.store.add(entitlements.ScopeSite, 10, entitlements.SitePlanPro, StatusActive, nil)
	cancel := fmt.Sprintf("/sites/10/subscription/%d/cancel", sub.ID)
	resume := fmt.Sprintf("/sites/10/subscription/%d/resume", sub.ID)

	rec := f.do(viewerID, http.MethodPost, cancel, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(siteAdminID, http.MethodPost, cancel, `{"note":"moving"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeSubscription(t, rec)
	assert.Equal(t, "CANCELLED", body["status"])
	validUntil, err := time.Parse(time.RFC3339Nano, body["validUntil"].(string))
	require.NoError(t, err)
	assert.True(t, endOfMarch.Equal(validUntil))

	rec = f.do(siteAdminID, http.MethodPost, cancel, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "already cancelled")

	rec = f.do(superID, http.MethodPost, resume, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ACTIVE", decodeSubscription(t, rec)["status"])

	rec = f.do(siteAdminID, http.MethodPost, cancel, "{bad json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, 2, f.store.historyCount())
	require.Len(t, f.appender.entries, 2)
	assert.Equal(t, siteAdminID, *f.appender.entries[0].UserID)
}

// gatedAppender holds every append until release is closed
type gatedAppender struct {
	release chan struct{}
	mem     memAppender
}

func (g *gatedAppender) Append(ctx context.Context, entry *audit.Entry) error {
	select {
	case <-g.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return g.mem.Append(ctx, entry)
}

func TestHandlers_CancelDoesNotWaitForAudit(t *testing.T) {
	gate := &gatedAppender{release: make(chan struct{})}
	f := newHandlerFixtureWith(t, gate)
	sub := f.store.add(entitlements.ScopeSite, 10, entitlements.SitePlanPro, StatusActive, nil)

	reqCtx, cancelReq := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/sites/10/subscription/%d/cancel", sub.ID), nil).WithContext(reqCtx)
	req.Header.Set("X-Test-User", strconv.FormatInt(siteAdminID, 10))

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)
		done <- rec
	}()

	var rec *httptest.ResponseRecorder
	select {
	case rec = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cancel response waited on the audit append")
	}
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "CANCELLED", decodeSubscription(t, rec)["status"])

	// the client is gone before the append is allowed through
	cancelReq()
	close(gate.release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.dispatcher.Wait(ctx))

	assert.Equal(t, 1, f.store.historyCount())
	gate.mem.mu.Lock()
	defer gate.mem.mu.Unlock()
	require.Len(t, gate.mem.entries, 1)
	assert.Equal(t, audit.ActionSubscriptionCancel, gate.mem.entries[0].Action)
}

func TestHandlers_ForeignSubscription(t *testing.T) {
	f := newHandlerFixture(t)
	other := f.store.add(entitlements.ScopeSite, 20, entitlements.SitePlanPro, StatusActive, nil)

	// siteadmin of 10 addressing a subscription of site 20 through site 10
	rec := f.do(siteAdminID, http.MethodPost, fmt.Sprintf("/sites/10/subscription/%d/cancel", other.ID), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(siteAdminID, http.MethodPost, "/sites/10/subscription/999/cancel", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	got, err := f.store.Get(context.Background(), entitlements.ScopeSite, other.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
}

func TestHandlers_PlaceSubscription(t *testing.T) {
	f := newHandlerFixture(t)
	sub := f.store.add(entitlements.ScopePlace, 100, entitlements.PlacePlanBasic, StatusActive, nil)
	cancel := fmt.Sprintf("/places/100/subscription/%d/cancel", sub.ID)

	rec := f.do(editorID, http.MethodPost, cancel, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(ownerID, http.MethodPost, cancel, "")
	require.Equal(t, http.StatusOK, rec.Code)

	// siteadmins of the owning site manage its places
	rec = f.do(siteAdminID, http.MethodPost, fmt.Sprintf("/places/100/subscription/%d/resume", sub.ID), "")
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, f.appender.entries, 2)
	assert.Equal(t, ownerID, *f.appender.entries[0].UserID, "attributed to the place owner")
	assert.Equal(t, int64(10), *f.appender.entries[0].TenantID)
}

func TestHandlers_History(t *testing.T) {
	f := newHandlerFixture(t)
	sub := f.store.add(entitlements.ScopeSite, 10, entitlements.SitePlanPro, StatusActive, nil)
	f.do(siteAdminID, http.MethodPost, fmt.Sprintf("/sites/10/subscription/%d/cancel", sub.ID), "")
	f.do(siteAdminID, http.MethodPost, fmt.Sprintf("/sites/10/subscription/%d/resume", sub.ID), "")

	rec := f.do(siteAdminID, http.MethodGet, fmt.Sprintf("/sites/10/subscription/%d/history?limit=1", sub.ID), "")
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []HistoryEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, StatusCancelled, entries[0].OldStatus)
	assert.Equal(t, StatusActive, entries[0].NewStatus)

	rec = f.do(siteAdminID, http.MethodGet, fmt.Sprintf("/sites/10/subscription/%d/history?limit=-1", sub.ID), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlers_Entitlements(t *testing.T) {
	f := newHandlerFixture(t)
	f.store.add(entitlements.ScopeSite, 10, entitlements.SitePlanPro, StatusExpired, timePtr(testNow.Add(-time.Hour)))
	f.store.add(entitlements.ScopePlace, 100, entitlements.PlacePlanPro, StatusCancelled, timePtr(endOfMarch))

	rec := f.do(viewerID, http.MethodGet, "/entitlements?siteId=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var ents Entitlements
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ents))
	assert.Equal(t, "free", ents.Capabilities.Plan)
	assert.True(t, ents.Capabilities.Fallback)

	rec = f.do(editorID, http.MethodGet, "/entitlements?placeId=100", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeSubscription(t, rec)
	assert.Equal(t, "pro", body["capabilities"].(map[string]interface{})["plan"])

	tests := []struct {
		name   string
		user   int64
		target string
		want   int
	}{
		{"unauthenticated", 0, "/entitlements?siteId=10", http.StatusUnauthorized},
		{"no owner", viewerID, "/entitlements", http.StatusBadRequest},
		{"both owners", viewerID, "/entitlements?siteId=10&placeId=100", http.StatusBadRequest},
		{"bad id", viewerID, "/entitlements?siteId=abc", http.StatusBadRequest},
		{"outsider on site", outsiderID, "/entitlements?siteId=10", http.StatusForbidden},
		{"site viewer is not place editor", viewerID, "/entitlements?placeId=100", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.do(tt.user, http.MethodGet, tt.target, "").Code)
		})
	}
}

package audit

import (
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/placebook/pkg/rbac"
)

func newAuditRouter(store *memStore, principal *rbac.Principal) *mux.Router {
	router := mux.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if principal != nil {
				r = r.WithContext(rbac.WithPrincipal(r.Context(), principal))
			}
			next.ServeHTTP(w, r)
		})
	})
	NewHandlers(NewService(store), NewRecorder(store, nil, nil), nil).RegisterRoutes(router)
	return router
}

func serve(router http.Handler, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestHandlers_List(t *testing.T) {
	store := &memStore{}
	seed(store, 10, ActionSubscriptionCancel, 3)
	seed(store, 99, ActionSubscriptionCancel, 2)

	rec := serve(newAuditRouter(store, siteAdmin), http.MethodGet, "/admin/event-logs?limit=2")
	require.Equal(t, http.StatusOK, rec.Code)

	var page Page
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, int64(3), page.Total)
	assert.Len(t, page.Entries, 2)
	assert.Equal(t, 2, page.Limit)
}

func TestHandlers_List_Errors(t *testing.T) {
	store := &memStore{}

	rec := serve(newAuditRouter(store, nil), http.MethodGet, "/admin/event-logs")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(newAuditRouter(store, editor), http.MethodGet, "/admin/event-logs")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "admin")

	rec = serve(newAuditRouter(store, superadmin), http.MethodGet, "/admin/event-logs?userId=abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(newAuditRouter(store, superadmin), http.MethodGet, "/admin/event-logs?from=2026-02-01&to=2026-01-01")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlers_Export(t *testing.T) {
	store := &memStore{}
	seed(store, 10, ActionSubscriptionCancel, 2)

	rec := serve(newAuditRouter(store, superadmin), http.MethodGet, "/admin/event-logs/export?tenantId=10")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "attachment")

	records, err := csv.NewReader(strings.NewReader(rec.Body.String())).ReadAll()
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestHandlers_Delete(t *testing.T) {
	store := &memStore{}
	seed(store, 10, ActionSubscriptionCancel, 150)
	seed(store, 10, ActionSubscriptionResume, 40)
	router := newAuditRouter(store, superadmin)

	rec := serve(router, http.MethodDelete, "/admin/event-logs?tenantId=10")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "too broad")

	rec = serve(router, http.MethodDelete, "/admin/event-logs?tenantId=10&action=subscription.resume")
	require.Equal(t, http.StatusOK, rec.Code)

	var result DeleteResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, int64(40), result.Deleted)

	// the deletion itself is recorded in the background
	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		for _, e := range store.entries {
			if e.Action == ActionEventLogDelete {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHandlers_Delete_NonSuperadmin(t *testing.T) {
	rec := serve(newAuditRouter(&memStore{}, siteAdmin), http.MethodDelete, "/admin/event-logs?userId=1")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestParseFilter(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet,
		"/admin/event-logs?tenantId=1,2&tenantId=3&action=subscription.cancel&entityType=site_subscription&entityId=9&userId=4&from=2026-01-01&to=2026-01-31T23:59:59Z&limit=10&offset=20", nil)

	f, err := ParseFilter(req)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, f.TenantIDs)
	assert.Equal(t, []Action{ActionSubscriptionCancel}, f.Actions)
	assert.Equal(t, EntitySiteSubscription, f.EntityType)
	assert.Equal(t, int64(9), *f.EntityID)
	assert.Equal(t, int64(4), *f.UserID)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), *f.From)
	assert.Equal(t, 10, f.Limit)
	assert.Equal(t, 20, f.Offset)
	assert.False(t, f.Broad())

	_, err = ParseFilter(httptest.NewRequest(http.MethodGet, "/?tenantId=x", nil))
	assert.Error(t, err)
}

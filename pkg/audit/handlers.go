package audit

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/placebook/pkg/httputil"
	"github.com/platinummonkey/placebook/pkg/observability"
	"github.com/platinummonkey/placebook/pkg/rbac"
)

// Handlers provides HTTP handlers for the event log API
type Handlers struct {
	service  *Service
	recorder *Recorder
	logger   *observability.Logger
}

// NewHandlers creates event log handlers. recorder, when set, records bulk
// deletions in the event log itself.
func NewHandlers(service *Service, recorder *Recorder, logger *observability.Logger) *Handlers {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Handlers{service: service, recorder: recorder, logger: logger}
}

// RegisterRoutes registers event log routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/admin/event-logs", h.listEventLogs).Methods(http.MethodGet)
	router.HandleFunc("/admin/event-logs/export", h.exportEventLogs).Methods(http.MethodGet)
	router.HandleFunc("/admin/event-logs", h.deleteEventLogs).Methods(http.MethodDelete)
}

// listEventLogs handles GET /admin/event-logs
func (h *Handlers) listEventLogs(w http.ResponseWriter, r *http.Request) {
	principal, filter, ok := h.prepare(w, r)
	if !ok {
		return
	}
	page, err := h.service.List(r.Context(), principal, filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteSuccess(w, page)
}

// exportEventLogs handles GET /admin/event-logs/export
func (h *Handlers) exportEventLogs(w http.ResponseWriter, r *http.Request) {
	principal, filter, ok := h.prepare(w, r)
	if !ok {
		return
	}

	// Authorization failures must surface before the CSV headers go out.
	var buf strings.Builder
	if err := h.service.ExportCSV(r.Context(), principal, filter, &buf); err != nil {
		h.fail(w, r, err)
		return
	}

	filename := fmt.Sprintf("event-logs-%s.csv", time.Now().UTC().Format("20060102-150405"))
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(buf.String()))
}

// deleteEventLogs handles DELETE /admin/event-logs
func (h *Handlers) deleteEventLogs(w http.ResponseWriter, r *http.Request) {
	principal, filter, ok := h.prepare(w, r)
	if !ok {
		return
	}
	result, err := h.service.DeleteMany(r.Context(), principal, filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	if h.recorder != nil && result.Deleted > 0 {
		h.recorder.Go(r.Context(), &Entry{
			UserID:      Int64(principal.UserID),
			Action:      ActionEventLogDelete,
			EntityType:  EntityEventLog,
			Description: fmt.Sprintf("deleted %d event logs", result.Deleted),
			Metadata: map[string]interface{}{
				"deleted":   result.Deleted,
				"remaining": result.Remaining,
				"query":     r.URL.RawQuery,
			},
		})
	}
	httputil.WriteSuccess(w, result)
}

func (h *Handlers) prepare(w http.ResponseWriter, r *http.Request) (*rbac.Principal, Filter, bool) {
	principal, ok := rbac.PrincipalFromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return nil, Filter{}, false
	}
	filter, err := ParseFilter(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return nil, Filter{}, false
	}
	return principal, filter, true
}

func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	if httputil.StatusFor(err) >= http.StatusInternalServerError {
		observability.FromContext(r.Context(), h.logger).WithError(err).Error("event log request failed")
	}
	httputil.WriteDomainError(w, err)
}

// ParseFilter reads a Filter from query parameters. tenantId and action may
// repeat or hold comma separated values.
func ParseFilter(r *http.Request) (Filter, error) {
	var (
		f   Filter
		err error
	)
	q := r.URL.Query()

	for _, raw := range splitValues(q["tenantId"]) {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return f, fmt.Errorf("invalid tenantId %q", raw)
		}
		f.TenantIDs = append(f.TenantIDs, id)
	}
	for _, raw := range splitValues(q["action"]) {
		f.Actions = append(f.Actions, Action(raw))
	}
	f.EntityType = EntityType(strings.TrimSpace(q.Get("entityType")))

	if f.UserID, err = httputil.ParseOptionalQueryInt64(r, "userId"); err != nil {
		return f, err
	}
	if f.EntityID, err = httputil.ParseOptionalQueryInt64(r, "entityId"); err != nil {
		return f, err
	}
	if f.From, err = httputil.ParseOptionalQueryTime(r, "from"); err != nil {
		return f, err
	}
	if f.To, err = httputil.ParseOptionalQueryTime(r, "to"); err != nil {
		return f, err
	}
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return f, fmt.Errorf("to must not be before from")
	}
	if f.Limit, err = httputil.ParseQueryInt(r, "limit", 0); err != nil {
		return f, err
	}
	if f.Offset, err = httputil.ParseQueryInt(r, "offset", 0); err != nil {
		return f, err
	}
	return f, nil
}

func splitValues(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

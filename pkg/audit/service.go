package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/platinummonkey/placebook/pkg/observability"
	"github.com/platinummonkey/placebook/pkg/rbac"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// csvHeader is the fixed column order of ExportCSV
var csvHeader = []string{
	"id", "created_at", "tenant_id", "user_id", "action",
	"entity_type", "entity_id", "description",
}

// Service applies access rules on top of a Store
type Service struct {
	store     Store
	archiver  Archiver
	metrics   *observability.Metrics
	logger    *observability.Logger
	threshold int64
	now       func() time.Time
}

// ServiceOption configures a Service
type ServiceOption func(*Service)

// WithArchiver archives matching rows before every bulk delete
func WithArchiver(a Archiver) ServiceOption {
	return func(s *Service) { s.archiver = a }
}

// WithBroadDeleteThreshold overrides DefaultBroadDeleteThreshold
func WithBroadDeleteThreshold(n int64) ServiceOption {
	return func(s *Service) { s.threshold = n }
}

// WithServiceMetrics records deletions
func WithServiceMetrics(m *observability.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithServiceLogger sets the service logger
func WithServiceLogger(l *observability.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// NewService creates an event log service
func NewService(store Store, opts ...ServiceOption) *Service {
	s := &Service{
		store:     store,
		logger:    observability.NopLogger(),
		threshold: DefaultBroadDeleteThreshold,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// List returns one page of entries visible to principal
func (s *Service) List(ctx context.Context, principal *rbac.Principal, filter Filter) (*Page, error) {
	filter, err := authorize(principal, rbac.GlobalAdmin, filter)
	if err != nil {
		return nil, err
	}
	filter.Limit, filter.Offset = clampPage(filter.Limit, filter.Offset)

	total, err := s.store.Count(ctx, filter)
	if err != nil {
		return nil, err
	}
	entries, err := s.store.Query(ctx, filter)
	if err != nil {
		return nil, err
	}
	return &Page{Entries: entries, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

// ExportCSV writes every entry visible to principal as CSV. Pagination in
// filter is ignored.
func (s *Service) ExportCSV(ctx context.Context, principal *rbac.Principal, filter Filter, w io.Writer) error {
	filter, err := authorize(principal, rbac.GlobalAdmin, filter)
	if err != nil {
		return err
	}
	filter.Limit, filter.Offset = 0, 0

	entries, err := s.store.Query(ctx, filter)
	if err != nil {
		return err
	}
	return WriteCSV(w, entries)
}

// DeleteMany removes the entries matching filter. Only superadmins may call
// it. A broad filter matching more than the threshold is refused with
// *TooBroadError. Rows still matching after the delete are reported as a
// warning in the result.
func (s *Service) DeleteMany(ctx context.Context, principal *rbac.Principal, filter Filter) (*DeleteResult, error) {
	filter, err := authorize(principal, rbac.GlobalSuperadmin, filter)
	if err != nil {
		return nil, err
	}
	filter.Limit, filter.Offset = 0, 0

	matched, err := s.store.Count(ctx, filter)
	if err != nil {
		return nil, err
	}
	if filter.Broad() && matched > s.threshold {
		return nil, &TooBroadError{Matched: matched, Threshold: s.threshold}
	}

	result := &DeleteResult{}
	if s.archiver != nil && matched > 0 {
		location, err := s.archive(ctx, filter)
		if err != nil {
			return nil, err
		}
		result.ArchiveLocation = location
	}

	result.Deleted, err = s.store.Delete(ctx, filter)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordAuditDeleted(result.Deleted)

	remaining, err := s.store.Count(ctx, filter)
	if err != nil {
		s.logger.WithError(err).Warn("failed to verify event log deletion")
		result.Warning = "deletion could not be verified"
		return result, nil
	}
	result.Remaining = remaining
	if remaining > 0 {
		result.Warning = fmt.Sprintf("%d matching event logs remain after delete", remaining)
		s.logger.WithFields(map[string]interface{}{
			"deleted":   result.Deleted,
			"remaining": remaining,
		}).Warn("event logs remain after bulk delete")
	}
	return result, nil
}

func (s *Service) archive(ctx context.Context, filter Filter) (string, error) {
	entries, err := s.store.Query(ctx, filter)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := WriteCSV(&buf, entries); err != nil {
		return "", err
	}
	key := fmt.Sprintf("event-logs/%s-%d.csv", s.now().UTC().Format("20060102T150405Z"), len(entries))
	location, err := s.archiver.Archive(ctx, key, buf.Bytes())
	if err != nil {
		return "", fmt.Errorf("failed to archive event logs: %w", err)
	}
	return location, nil
}

// authorize checks principal's global role and narrows the tenant filter of
// non-superadmins to their own sites.
func authorize(principal *rbac.Principal, required rbac.GlobalRole, filter Filter) (Filter, error) {
	if !principal.HasGlobalRole(required) {
		return filter, &rbac.PermissionDeniedError{RequiredRole: string(required), ResourceType: rbac.ResourceAudit}
	}
	if principal.IsSuperadmin() {
		return filter, nil
	}
	filter.TenantIDs = narrow(filter.TenantIDs, principal.SiteIDs)
	return filter, nil
}

// narrow intersects requested with allowed. A nil request means all of
// allowed. The result is never nil.
func narrow(requested, allowed []int64) []int64 {
	out := []int64{}
	if requested == nil {
		return append(out, allowed...)
	}
	permitted := make(map[int64]struct{}, len(allowed))
	for _, id := range allowed {
		permitted[id] = struct{}{}
	}
	for _, id := range requested {
		if _, ok := permitted[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// WriteCSV writes entries with the fixed export header
func WriteCSV(w io.Writer, entries []*Entry) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}
	for _, e := range entries {
		row := []string{
			strconv.FormatInt(e.ID, 10),
			e.CreatedAt.UTC().Format(time.RFC3339Nano),
			formatInt64Ptr(e.TenantID),
			formatInt64Ptr(e.UserID),
			string(e.Action),
			string(e.EntityType),
			formatInt64Ptr(e.EntityID),
			e.Description,
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("CSV writer error: %w", err)
	}
	return nil
}

func formatInt64Ptr(val *int64) string {
	if val == nil {
		return ""
	}
	return strconv.FormatInt(*val, 10)
}

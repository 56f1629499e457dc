package subscriptions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/platinummonkey/placebook/pkg/entitlements"
)

// Store persists subscriptions and their history. Writes that change an
// existing row are conditional on the state the caller read and return
// ErrConflict when that state no longer holds.
type Store interface {
	Get(ctx context.Context, scope entitlements.Scope, id int64) (*Subscription, error)
	// FindByOwner returns the newest subscription of a site or place.
	FindByOwner(ctx context.Context, scope entitlements.Scope, ownerID int64) (*Subscription, error)
	Create(ctx context.Context, scope entitlements.Scope, ownerID int64, plan entitlements.Plan, at time.Time) (*Subscription, error)
	UpdateStatus(ctx context.Context, scope entitlements.Scope, id int64, from, to Status, validUntil *time.Time, at time.Time) (*Subscription, error)
	UpdatePlan(ctx context.Context, scope entitlements.Scope, id int64, status Status, from, to entitlements.Plan) (*Subscription, error)
	// ExpireDue moves every ACTIVE or CANCELLED row whose validUntil is
	// before now to EXPIRED.
	ExpireDue(ctx context.Context, scope entitlements.Scope, now time.Time) ([]Expired, error)
	AppendHistory(ctx context.Context, entry *HistoryEntry) error
	ListHistory(ctx context.Context, scope entitlements.Scope, subscriptionID int64, limit int) ([]*HistoryEntry, error)
}

type table struct {
	name  string
	owner string
}

var tables = map[entitlements.Scope]table{
	entitlements.ScopeSite:  {name: "site_subscriptions", owner: "site_id"},
	entitlements.ScopePlace: {name: "place_subscriptions", owner: "place_id"},
}

func tableFor(scope entitlements.Scope) (table, error) {
	t, ok := tables[scope]
	if !ok {
		return table{}, fmt.Errorf("unknown scope %q", scope)
	}
	return t, nil
}

// PostgresStore implements Store over the site_subscriptions,
// place_subscriptions and subscription_history tables.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new subscription store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func columns(t table) string {
	return "id, " + t.owner + ", plan, status, valid_until, status_changed_at"
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(row rowScanner, scope entitlements.Scope, extra ...interface{}) (*Subscription, error) {
	var (
		sub        Subscription
		plan       string
		validUntil sql.NullTime
	)
	dest := append([]interface{}{&sub.ID, &sub.OwnerID, &plan, &sub.Status, &validUntil, &sub.StatusChangedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	p, err := entitlements.ParsePlan(scope, plan)
	if err != nil {
		return nil, fmt.Errorf("subscription %d: %w", sub.ID, err)
	}
	sub.Scope = scope
	sub.Plan = p
	if validUntil.Valid {
		t := validUntil.Time
		sub.ValidUntil = &t
	}
	return &sub, nil
}

// Get returns a subscription by id
func (s *PostgresStore) Get(ctx context.Context, scope entitlements.Scope, id int64) (*Subscription, error) {
	t, err := tableFor(scope)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, columns(t), t.name)

	sub, err := scanSubscription(s.db.QueryRowContext(ctx, query, id), scope)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s subscription %d: %w", scope, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// FindByOwner returns the newest subscription of a site or place
func (s *PostgresStore) FindByOwner(ctx context.Context, scope entitlements.Scope, ownerID int64) (*Subscription, error) {
	t, err := tableFor(scope)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s = $1 ORDER BY id DESC LIMIT 1`, columns(t), t.name, t.owner)

	sub, err := scanSubscription(s.db.QueryRowContext(ctx, query, ownerID), scope)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s %d subscription: %w", scope, ownerID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find subscription: %w", err)
	}
	return sub, nil
}

// Create inserts an ACTIVE subscription with no expiry
func (s *PostgresStore) Create(ctx context.Context, scope entitlements.Scope, ownerID int64, plan entitlements.Plan, at time.Time) (*Subscription, error) {
	t, err := tableFor(scope)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (%s, plan, status, status_changed_at)
		VALUES ($1, $2, $3, $4)
		RETURNING %s
	`, t.name, t.owner, columns(t))

	sub, err := scanSubscription(s.db.QueryRowContext(ctx, query, ownerID, plan.String(), StatusActive, at), scope)
	if isUniqueViolation(err) {
		return nil, ErrAlreadyExists
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}
	return sub, nil
}

// UpdateStatus moves a subscription from one status to another
func (s *PostgresStore) UpdateStatus(ctx context.Context, scope entitlements.Scope, id int64, from, to Status, validUntil *time.Time, at time.Time) (*Subscription, error) {
	t, err := tableFor(scope)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		UPDATE %s SET status = $1, valid_until = $2, status_changed_at = $3
		WHERE id = $4 AND status = $5
		RETURNING %s
	`, t.name, columns(t))

	sub, err := scanSubscription(s.db.QueryRowContext(ctx, query, to, validUntil, at, id, from), scope)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConflict
	}
	if isUniqueViolation(err) {
		return nil, ErrAlreadyExists
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update subscription status: %w", err)
	}
	return sub, nil
}

// UpdatePlan changes the tier of a subscription without touching its status
func (s *PostgresStore) UpdatePlan(ctx context.Context, scope entitlements.Scope, id int64, status Status, from, to entitlements.Plan) (*Subscription, error) {
	t, err := tableFor(scope)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		UPDATE %s SET plan = $1
		WHERE id = $2 AND status = $3 AND plan = $4
		RETURNING %s
	`, t.name, columns(t))

	sub, err := scanSubscription(s.db.QueryRowContext(ctx, query, to.String(), id, status, from.String()), scope)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update subscription plan: %w", err)
	}
	return sub, nil
}

// ExpireDue expires overdue rows. Rows locked by a concurrent writer are
// skipped and picked up by the next sweep.
func (s *PostgresStore) ExpireDue(ctx context.Context, scope entitlements.Scope, now time.Time) ([]Expired, error) {
	t, err := tableFor(scope)
	if err != nil {
		return nil, err
	}
	live := pq.Array([]string{string(StatusActive), string(StatusCancelled)})
	query := fmt.Sprintf(`
		WITH due AS (
			SELECT id, status FROM %[1]s
			WHERE status = ANY($1) AND valid_until < $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE %[1]s s SET status = $3, status_changed_at = $2
		FROM due
		WHERE s.id = due.id
		RETURNING s.id, s.%[2]s, s.plan, s.status, s.valid_until, s.status_changed_at, due.status
	`, t.name, t.owner)

	rows, err := s.db.QueryContext(ctx, query, live, now, StatusExpired)
	if err != nil {
		return nil, fmt.Errorf("failed to expire %s subscriptions: %w", scope, err)
	}
	defer rows.Close()

	var expired []Expired
	for rows.Next() {
		var previous Status
		sub, err := scanSubscription(rows, scope, &previous)
		if err != nil {
			return nil, fmt.Errorf("failed to scan expired subscription: %w", err)
		}
		expired = append(expired, Expired{Subscription: *sub, PreviousStatus: previous})
	}
	return expired, rows.Err()
}

// AppendHistory inserts a history row and fills its ID and CreatedAt
func (s *PostgresStore) AppendHistory(ctx context.Context, entry *HistoryEntry) error {
	query := `
		INSERT INTO subscription_history
			(scope, subscription_id, change_type, old_plan, new_plan, old_status, new_status,
			 old_valid_until, new_valid_until, note, changed_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at
	`
	err := s.db.QueryRowContext(ctx, query,
		entry.Scope, entry.SubscriptionID, entry.ChangeType,
		nullString(entry.OldPlan), entry.NewPlan, nullString(string(entry.OldStatus)), entry.NewStatus,
		entry.OldValidUntil, entry.NewValidUntil, nullString(entry.Note), entry.ChangedBy,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append subscription history: %w", err)
	}
	return nil
}

// ListHistory returns the history of a subscription, newest first
func (s *PostgresStore) ListHistory(ctx context.Context, scope entitlements.Scope, subscriptionID int64, limit int) ([]*HistoryEntry, error) {
	query := `
		SELECT id, scope, subscription_id, change_type, COALESCE(old_plan, ''), new_plan,
		       COALESCE(old_status, ''), new_status, old_valid_until, new_valid_until,
		       COALESCE(note, ''), changed_by, created_at
		FROM subscription_history
		WHERE scope = $1 AND subscription_id = $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`
	rows, err := s.db.QueryContext(ctx, query, scope, subscriptionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscription history: %w", err)
	}
	defer rows.Close()

	entries := []*HistoryEntry{}
	for rows.Next() {
		var (
			e                  HistoryEntry
			oldUntil, newUntil sql.NullTime
			changedBy          sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.Scope, &e.SubscriptionID, &e.ChangeType, &e.OldPlan, &e.NewPlan,
			&e.OldStatus, &e.NewStatus, &oldUntil, &newUntil, &e.Note, &changedBy, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan subscription history: %w", err)
		}
		if oldUntil.Valid {
			e.OldValidUntil = &oldUntil.Time
		}
		if newUntil.Valid {
			e.NewValidUntil = &newUntil.Time
		}
		if changedBy.Valid {
			e.ChangedBy = &changedBy.Int64
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// isUniqueViolation reports whether err is a Postgres unique_violation,
// raised here when an owner would end up with two live subscriptions.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// Store persists event log rows
type Store interface {
	Append(ctx context.Context, entry *Entry) error
	Query(ctx context.Context, filter Filter) ([]*Entry, error)
	Count(ctx context.Context, filter Filter) (int64, error)
	Delete(ctx context.Context, filter Filter) (int64, error)
}

// PostgresStore implements Store over the event_logs table
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new event log store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const entryColumns = `id, tenant_id, user_id, action, entity_type, entity_id, description, metadata, created_at`

// Append inserts entry and fills its ID and CreatedAt
func (s *PostgresStore) Append(ctx context.Context, entry *Entry) error {
	var metadata interface{}
	if entry.Metadata != nil {
		data, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metadata = string(data)
	}

	query := `
		INSERT INTO event_logs (tenant_id, user_id, action, entity_type, entity_id, description, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`
	err := s.db.QueryRowContext(ctx, query,
		entry.TenantID, entry.UserID, entry.Action, nullString(string(entry.EntityType)),
		entry.EntityID, nullString(entry.Description), metadata,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append event log: %w", err)
	}
	return nil
}

// Query returns the rows matching filter, newest first
func (s *PostgresStore) Query(ctx context.Context, filter Filter) ([]*Entry, error) {
	where, args := whereClause(filter)
	query := `SELECT ` + entryColumns + ` FROM event_logs` + where + ` ORDER BY created_at DESC, id DESC`

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query event logs: %w", err)
	}
	defer rows.Close()

	entries := []*Entry{}
	for rows.Next() {
		e := &Entry{}
		var (
			entityType, description sql.NullString
			metadataJSON            []byte
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &e.UserID, &e.Action, &entityType, &e.EntityID,
			&description, &metadataJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event log: %w", err)
		}
		e.EntityType = EntityType(entityType.String)
		e.Description = description.String
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate event logs: %w", err)
	}
	return entries, nil
}

// Count returns the number of rows matching filter, ignoring pagination
func (s *PostgresStore) Count(ctx context.Context, filter Filter) (int64, error) {
	where, args := whereClause(filter)
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM event_logs`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count event logs: %w", err)
	}
	return n, nil
}

// Delete removes the rows matching filter, ignoring pagination
func (s *PostgresStore) Delete(ctx context.Context, filter Filter) (int64, error) {
	where, args := whereClause(filter)
	result, err := s.db.ExecContext(ctx, `DELETE FROM event_logs`+where, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete event logs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n, nil
}

func whereClause(f Filter) (string, []interface{}) {
	var (
		conds []string
		args  []interface{}
	)
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.TenantIDs != nil {
		add("tenant_id = ANY($%d)", pq.Array(f.TenantIDs))
	}
	if f.UserID != nil {
		add("user_id = $%d", *f.UserID)
	}
	if len(f.Actions) > 0 {
		actions := make([]string, len(f.Actions))
		for i, a := range f.Actions {
			actions[i] = string(a)
		}
		add("action = ANY($%d)", pq.Array(actions))
	}
	if f.EntityType != "" {
		add("entity_type = $%d", string(f.EntityType))
	}
	if f.EntityID != nil {
		add("entity_id = $%d", *f.EntityID)
	}
	if f.From != nil {
		add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("created_at <= $%d", *f.To)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Store is the read side the resolver needs. Implementations return
// ErrNotFound for missing rows.
type Store interface {
	GetGlobalRole(ctx context.Context, userID int64) (GlobalRole, error)
	GetSiteMembership(ctx context.Context, siteID, userID int64) (*SiteMembership, error)
	GetPlaceMembership(ctx context.Context, placeID, userID int64) (*PlaceMembership, error)
	// GetPlaceSiteID resolves the site a place belongs to.
	GetPlaceSiteID(ctx context.Context, placeID int64) (int64, error)
}

// PostgresStore implements Store and membership management over PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new RBAC store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// GetGlobalRole returns the global role of a user
func (s *PostgresStore) GetGlobalRole(ctx context.Context, userID int64) (GlobalRole, error) {
	var role GlobalRole
	err := s.db.QueryRowContext(ctx, `SELECT global_role FROM users WHERE id = $1`, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get global role: %w", err)
	}
	return role, nil
}

// GetSiteMembership returns the membership of a user on a site
func (s *PostgresStore) GetSiteMembership(ctx context.Context, siteID, userID int64) (*SiteMembership, error) {
	query := `
		SELECT site_id, user_id, role, created_at
		FROM site_memberships
		WHERE site_id = $1 AND user_id = $2
	`

	var m SiteMembership
	err := s.db.QueryRowContext(ctx, query, siteID, userID).Scan(&m.SiteID, &m.UserID, &m.Role, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("site membership %d/%d: %w", siteID, userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get site membership: %w", err)
	}
	return &m, nil
}

// GetPlaceMembership returns the membership of a user on a place
func (s *PostgresStore) GetPlaceMembership(ctx context.Context, placeID, userID int64) (*PlaceMembership, error) {
	query := `
		SELECT place_id, user_id, role, created_at
		FROM place_memberships
		WHERE place_id = $1 AND user_id = $2
	`

	var m PlaceMembership
	err := s.db.QueryRowContext(ctx, query, placeID, userID).Scan(&m.PlaceID, &m.UserID, &m.Role, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("place membership %d/%d: %w", placeID, userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get place membership: %w", err)
	}
	return &m, nil
}

// GetPlaceSiteID returns the owning site of a place
func (s *PostgresStore) GetPlaceSiteID(ctx context.Context, placeID int64) (int64, error) {
	var siteID int64
	err := s.db.QueryRowContext(ctx, `SELECT site_id FROM places WHERE id = $1`, placeID).Scan(&siteID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("place %d: %w", placeID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get place site: %w", err)
	}
	return siteID, nil
}

// LoadPrincipal builds the principal of a user: global role plus the ids of
// every site they are a member of.
func (s *PostgresStore) LoadPrincipal(ctx context.Context, userID int64) (*Principal, error) {
	role, err := s.GetGlobalRole(ctx, userID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT site_id FROM site_memberships WHERE user_id = $1 ORDER BY site_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list site memberships: %w", err)
	}
	defer rows.Close()

	p := &Principal{UserID: userID, GlobalRole: role, SiteIDs: []int64{}}
	for rows.Next() {
		var siteID int64
		if err := rows.Scan(&siteID); err != nil {
			return nil, fmt.Errorf("failed to scan site id: %w", err)
		}
		p.SiteIDs = append(p.SiteIDs, siteID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate site memberships: %w", err)
	}
	return p, nil
}

// UpsertSiteMembership creates or changes a site membership
func (s *PostgresStore) UpsertSiteMembership(ctx context.Context, m *SiteMembership) error {
	if !m.Role.Valid() {
		return fmt.Errorf("invalid site role %q", m.Role)
	}
	query := `
		INSERT INTO site_memberships (site_id, user_id, role, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (site_id, user_id) DO UPDATE SET role = EXCLUDED.role
		RETURNING created_at
	`
	if err := s.db.QueryRowContext(ctx, query, m.SiteID, m.UserID, m.Role, time.Now()).Scan(&m.CreatedAt); err != nil {
		return fmt.Errorf("failed to upsert site membership: %w", err)
	}
	return nil
}

// RemoveSiteMembership deletes a site membership
func (s *PostgresStore) RemoveSiteMembership(ctx context.Context, siteID, userID int64) error {
	return s.execOne(ctx, `DELETE FROM site_memberships WHERE site_id = $1 AND user_id = $2`, siteID, userID)
}

// UpsertPlaceMembership creates or changes a place membership
func (s *PostgresStore) UpsertPlaceMembership(ctx context.Context, m *PlaceMembership) error {
	if !m.Role.Valid() {
		return fmt.Errorf("invalid place role %q", m.Role)
	}
	query := `
		INSERT INTO place_memberships (place_id, user_id, role, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (place_id, user_id) DO UPDATE SET role = EXCLUDED.role
		RETURNING created_at
	`
	if err := s.db.QueryRowContext(ctx, query, m.PlaceID, m.UserID, m.Role, time.Now()).Scan(&m.CreatedAt); err != nil {
		return fmt.Errorf("failed to upsert place membership: %w", err)
	}
	return nil
}

// RemovePlaceMembership deletes a place membership
func (s *PostgresStore) RemovePlaceMembership(ctx context.Context, placeID, userID int64) error {
	return s.execOne(ctx, `DELETE FROM place_memberships WHERE place_id = $1 AND user_id = $2`, placeID, userID)
}

// ListSiteMembers returns the memberships of a site, highest role first
func (s *PostgresStore) ListSiteMembers(ctx context.Context, siteID int64) ([]SiteMembership, error) {
	query := `
		SELECT site_id, user_id, role, created_at
		FROM site_memberships
		WHERE site_id = $1
		ORDER BY array_position($2::text[], role), user_id
	`
	order := pq.Array([]string{string(SiteAdmin), string(SiteEditor), string(SiteViewer)})
	rows, err := s.db.QueryContext(ctx, query, siteID, order)
	if err != nil {
		return nil, fmt.Errorf("failed to list site members: %w", err)
	}
	defer rows.Close()

	var members []SiteMembership
	for rows.Next() {
		var m SiteMembership
		if err := rows.Scan(&m.SiteID, &m.UserID, &m.Role, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan site member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// ListPlaceMembers returns the memberships of a place, highest role first
func (s *PostgresStore) ListPlaceMembers(ctx context.Context, placeID int64) ([]PlaceMembership, error) {
	query := `
		SELECT place_id, user_id, role, created_at
		FROM place_memberships
		WHERE place_id = $1
		ORDER BY array_position($2::text[], role), user_id
	`
	order := pq.Array([]string{string(PlaceOwner), string(PlaceManager), string(PlaceEditor)})
	rows, err := s.db.QueryContext(ctx, query, placeID, order)
	if err != nil {
		return nil, fmt.Errorf("failed to list place members: %w", err)
	}
	defer rows.Close()

	var members []PlaceMembership
	for rows.Next() {
		var m PlaceMembership
		if err := rows.Scan(&m.PlaceID, &m.UserID, &m.Role, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan place member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// SiteAdminOf returns the earliest siteadmin of a site. It is used to
// attribute site subscription changes to an owning user.
func (s *PostgresStore) SiteAdminOf(ctx context.Context, siteID int64) (int64, error) {
	query := `
		SELECT user_id FROM site_memberships
		WHERE site_id = $1 AND role = $2
		ORDER BY created_at, user_id
		LIMIT 1
	`
	var userID int64
	err := s.db.QueryRowContext(ctx, query, siteID, SiteAdmin).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("siteadmin of site %d: %w", siteID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to find siteadmin: %w", err)
	}
	return userID, nil
}

// PlaceOwnerOf returns the earliest owner of a place
func (s *PostgresStore) PlaceOwnerOf(ctx context.Context, placeID int64) (int64, error) {
	query := `
		SELECT user_id FROM place_memberships
		WHERE place_id = $1 AND role = $2
		ORDER BY created_at, user_id
		LIMIT 1
	`
	var userID int64
	err := s.db.QueryRowContext(ctx, query, placeID, PlaceOwner).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("owner of place %d: %w", placeID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to find place owner: %w", err)
	}
	return userID, nil
}

func (s *PostgresStore) execOne(ctx context.Context, query string, args ...interface{}) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to delete membership: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

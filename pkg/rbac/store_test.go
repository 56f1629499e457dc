package rbac

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(db), mock
}

func TestPostgresStore_GetGlobalRole(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT global_role FROM users").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"global_role"}).AddRow("superadmin"))

	role, err := store.GetGlobalRole(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, GlobalSuperadmin, role)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetGlobalRole_NotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT global_role FROM users").
		WithArgs(int64(7)).
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetGlobalRole(context.Background(), 7)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_GetSiteMembership(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectQuery("SELECT site_id, user_id, role, created_at\\s+FROM site_memberships").
		WithArgs(int64(10), int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"site_id", "user_id", "role", "created_at"}).
			AddRow(int64(10), int64(2), "siteadmin", created))

	m, err := store.GetSiteMembership(context.Background(), 10, 2)
	require.NoError(t, err)
	assert.Equal(t, SiteAdmin, m.Role)
	assert.Equal(t, created, m.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetPlaceMembership_DBError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("FROM place_memberships").
		WithArgs(int64(100), int64(2)).
		WillReturnError(errors.New("boom"))

	_, err := store.GetPlaceMembership(context.Background(), 100, 2)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestPostgresStore_GetPlaceSiteID(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT site_id FROM places").
		WithArgs(int64(100)).
		WillReturnRows(sqlmock.NewRows([]string{"site_id"}).AddRow(int64(10)))
	mock.ExpectQuery("SELECT site_id FROM places").
		WithArgs(int64(101)).
		WillReturnError(sql.ErrNoRows)

	siteID, err := store.GetPlaceSiteID(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, int64(10), siteID)

	_, err = store.GetPlaceSiteID(context.Background(), 101)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_LoadPrincipal(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT global_role FROM users").
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"global_role"}).AddRow("editor"))
	mock.ExpectQuery("SELECT site_id FROM site_memberships").
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"site_id"}).AddRow(int64(10)).AddRow(int64(20)))

	p, err := store.LoadPrincipal(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, GlobalEditor, p.GlobalRole)
	assert.Equal(t, []int64{10, 20}, p.SiteIDs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertSiteMembership(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("INSERT INTO site_memberships").
		WithArgs(int64(10), int64(2), SiteEditor, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(created))

	m := &SiteMembership{SiteID: 10, UserID: 2, Role: SiteEditor}
	require.NoError(t, store.UpsertSiteMembership(context.Background(), m))
	assert.Equal(t, created, m.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertRejectsInvalidRole(t *testing.T) {
	store, _ := newMockStore(t)

	err := store.UpsertPlaceMembership(context.Background(), &PlaceMembership{PlaceID: 1, UserID: 2, Role: "siteadmin"})
	assert.Error(t, err)
}

func TestPostgresStore_RemoveMembership(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM site_memberships").
		WithArgs(int64(10), int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM place_memberships").
		WithArgs(int64(100), int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.NoError(t, store.RemoveSiteMembership(context.Background(), 10, 2))
	assert.ErrorIs(t, store.RemovePlaceMembership(context.Background(), 100, 2), ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListSiteMembers(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery("FROM site_memberships\\s+WHERE site_id = \\$1\\s+ORDER BY array_position").
		WithArgs(int64(10), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"site_id", "user_id", "role", "created_at"}).
			AddRow(int64(10), int64(2), "siteadmin", now).
			AddRow(int64(10), int64(3), "editor", now))

	members, err := store.ListSiteMembers(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, SiteAdmin, members[0].Role)
	assert.Equal(t, SiteEditor, members[1].Role)
}

func TestPostgresStore_ListPlaceMembers(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery("FROM place_memberships\\s+WHERE place_id = \\$1\\s+ORDER BY array_position").
		WithArgs(int64(100), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"place_id", "user_id", "role", "created_at"}).
			AddRow(int64(100), int64(4), "owner", now).
			AddRow(int64(100), int64(7), "manager", now))
	mock.ExpectQuery("FROM place_memberships").
		WithArgs(int64(101), sqlmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))

	members, err := store.ListPlaceMembers(context.Background(), 100)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, PlaceOwner, members[0].Role)
	assert.Equal(t, PlaceManager, members[1].Role)

	_, err = store.ListPlaceMembers(context.Background(), 101)
	assert.ErrorContains(t, err, "failed to list place members")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_OwnerLookups(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT user_id FROM site_memberships").
		WithArgs(int64(10), SiteAdmin).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow(int64(2)))
	mock.ExpectQuery("SELECT user_id FROM place_memberships").
		WithArgs(int64(100), PlaceOwner).
		WillReturnError(sql.ErrNoRows)

	userID, err := store.SiteAdminOf(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), userID)

	_, err = store.PlaceOwnerOf(context.Background(), 100)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

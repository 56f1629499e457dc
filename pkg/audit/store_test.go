package audit

import (
	"context"
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

func TestPostgresStore_Append(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("INSERT INTO event_logs").
		WithArgs(Int64(10), Int64(2), ActionSubscriptionCancel, "site_subscription", Int64(5), "cancelled", `{"plan":"pro"}`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(42), created))

	entry := &Entry{
		TenantID:    Int64(10),
		UserID:      Int64(2),
		Action:      ActionSubscriptionCancel,
		EntityType:  EntitySiteSubscription,
		EntityID:    Int64(5),
		Description: "cancelled",
		Metadata:    map[string]interface{}{"plan": "pro"},
	}
	require.NoError(t, store.Append(context.Background(), entry))
	assert.Equal(t, int64(42), entry.ID)
	assert.Equal(t, created, entry.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Append_NullableColumns(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("INSERT INTO event_logs").
		WithArgs(nil, nil, ActionEventLogDelete, nil, nil, nil, nil).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(1), time.Now()))

	require.NoError(t, store.Append(context.Background(), &Entry{Action: ActionEventLogDelete}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Query(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{"id", "tenant_id", "user_id", "action", "entity_type", "entity_id", "description", "metadata", "created_at"}).
		AddRow(int64(2), int64(10), int64(3), "subscription.resume", "site_subscription", int64(5), "resumed", []byte(`{"note":"x"}`), now).
		AddRow(int64(1), nil, nil, "event_log.delete", nil, nil, nil, nil, now)

	mock.ExpectQuery(`SELECT .+ FROM event_logs WHERE tenant_id = ANY\(\$1\) AND user_id = \$2 ORDER BY created_at DESC, id DESC LIMIT \$3 OFFSET \$4`).
		WithArgs(sqlmock.AnyArg(), int64(3), 20, 40).
		WillReturnRows(rows)

	entries, err := store.Query(context.Background(), Filter{
		TenantIDs: []int64{10},
		UserID:    Int64(3),
		Limit:     20,
		Offset:    40,
	})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ActionSubscriptionResume, entries[0].Action)
	assert.Equal(t, "x", entries[0].Metadata["note"])
	assert.Nil(t, entries[1].TenantID)
	assert.Empty(t, entries[1].EntityType)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountAndDelete(t *testing.T) {
	store, mock := newMockStore(t)
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM event_logs WHERE action = ANY\(\$1\) AND created_at >= \$2`).
		WithArgs(sqlmock.AnyArg(), from).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(7)))
	mock.ExpectExec(`DELETE FROM event_logs WHERE action = ANY\(\$1\) AND created_at >= \$2`).
		WithArgs(sqlmock.AnyArg(), from).
		WillReturnResult(sqlmock.NewResult(0, 7))

	f := Filter{Actions: []Action{ActionSubscriptionExpire}, From: &from, Limit: 10}
	n, err := store.Count(context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)

	deleted, err := store.Delete(context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, int64(7), deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountWithoutFilter(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`^SELECT COUNT\(\*\) FROM event_logs$`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(0)))

	_, err := store.Count(context.Background(), Filter{})
	require.NoError(t, err)
}

func TestPostgresStore_QueryError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("FROM event_logs").WillReturnError(errors.New("connection refused"))

	_, err := store.Query(context.Background(), Filter{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to query event logs")
}

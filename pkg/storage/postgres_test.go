package storage

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPingMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	return db, mock
}

func TestConnectionManager_ReplicaFallsBackToPrimary(t *testing.T) {
	primary, _ := newPingMock(t)
	defer primary.Close()

	cm := NewConnectionManagerFromDB(primary)
	assert.Same(t, primary, cm.Primary())
	assert.Same(t, primary, cm.Replica())
}

func TestConnectionManager_ReplicaRoundRobin(t *testing.T) {
	primary, _ := newPingMock(t)
	r1, _ := newPingMock(t)
	r2, _ := newPingMock(t)
	defer primary.Close()
	defer r1.Close()
	defer r2.Close()

	cm := NewConnectionManagerFromDB(primary, r1, r2)

	seen := map[*sql.DB]int{}
	for i := 0; i < 4; i++ {
		seen[cm.Replica()]++
	}
	assert.Equal(t, 2, seen[r1])
	assert.Equal(t, 2, seen[r2])
	assert.Zero(t, seen[primary])
}

func TestConnectionManager_HealthCheck(t *testing.T) {
	t.Run("primary down", func(t *testing.T) {
		primary, mock := newPingMock(t)
		defer primary.Close()
		mock.ExpectPing().WillReturnError(errors.New("connection refused"))

		cm := NewConnectionManagerFromDB(primary)
		err := cm.HealthCheck(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "primary unhealthy")
	})

	t.Run("one replica down is tolerated", func(t *testing.T) {
		primary, pm := newPingMock(t)
		r1, m1 := newPingMock(t)
		r2, m2 := newPingMock(t)
		defer primary.Close()
		defer r1.Close()
		defer r2.Close()
		pm.ExpectPing()
		m1.ExpectPing().WillReturnError(errors.New("down"))
		m2.ExpectPing()

		cm := NewConnectionManagerFromDB(primary, r1, r2)
		assert.NoError(t, cm.HealthCheck(context.Background()))
	})

	t.Run("all replicas down", func(t *testing.T) {
		primary, pm := newPingMock(t)
		r1, m1 := newPingMock(t)
		defer primary.Close()
		defer r1.Close()
		pm.ExpectPing()
		m1.ExpectPing().WillReturnError(errors.New("down"))

		cm := NewConnectionManagerFromDB(primary, r1)
		err := cm.HealthCheck(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "replica-0")
	})
}

func TestConnectionManager_RemoveUnhealthyReplicas(t *testing.T) {
	primary, _ := newPingMock(t)
	r1, m1 := newPingMock(t)
	r2, m2 := newPingMock(t)
	defer primary.Close()
	defer r2.Close()

	m1.ExpectPing().WillReturnError(errors.New("down"))
	m1.ExpectClose()
	m2.ExpectPing()

	cm := NewConnectionManagerFromDB(primary, r1, r2)
	assert.Equal(t, 1, cm.RemoveUnhealthyReplicas(context.Background()))
	assert.Same(t, r2, cm.Replica())
	assert.NoError(t, m1.ExpectationsWereMet())
}

func TestConnectionManager_Close(t *testing.T) {
	primary, pm := newPingMock(t)
	r1, m1 := newPingMock(t)
	pm.ExpectClose()
	m1.ExpectClose().WillReturnError(errors.New("boom"))

	cm := NewConnectionManagerFromDB(primary, r1)
	err := cm.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "replica-0 close error")
	assert.NoError(t, pm.ExpectationsWereMet())
	assert.NoError(t, m1.ExpectationsWereMet())

	// replicas are released; reads go to the primary handle
	assert.Same(t, primary, cm.Replica())
}

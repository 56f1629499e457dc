package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
)

func newMockDB(t *testing.T) (*HealthChecker, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewHealthChecker(db, nil), mock
}

func TestHealthChecker_Liveness(t *testing.T) {
	router := mux.NewRouter()
	RegisterHealthRoutes(router, NewHealthChecker(nil, nil))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var status HealthStatus
	if err := json.NewDecoder(rr.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Status != StatusHealthy {
		t.Errorf("expected healthy, got %s", status.Status)
	}
}

func TestHealthChecker_Check_DatabaseHealthy(t *testing.T) {
	checker, mock := newMockDB(t)
	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	status := checker.Check(context.Background())
	if status.Status != StatusHealthy {
		t.Errorf("expected healthy, got %s (%+v)", status.Status, status.Dependencies)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestHealthChecker_Readiness_DatabaseDown(t *testing.T) {
	checker, mock := newMockDB(t)
	mock.ExpectQuery("SELECT 1").WillReturnError(errors.New("connection refused"))

	rr := httptest.NewRecorder()
	checker.Readiness(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rr.Code)
	}
}

func TestHealthChecker_Check_RedisDownDegrades(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	checker := NewHealthChecker(nil, client)
	if got := checker.Check(context.Background()).Status; got != StatusHealthy {
		t.Fatalf("expected healthy with redis up, got %s", got)
	}

	mr.Close()
	if got := checker.Check(context.Background()).Status; got != StatusDegraded {
		t.Errorf("expected degraded with redis down, got %s", got)
	}
}

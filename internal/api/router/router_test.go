package router

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookline-ai/intake-platform/internal/audit"
	"github.com/bookline-ai/intake-platform/pkg/logging"
)

func newTestRouter(t *testing.T) (http.Handler, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := logging.New("error")
	auditSvc := audit.NewService(db, logger)

	return New(&Config{
		Logger:          logger,
		AdminAuthSecret: "admin-secret",
		AuditHandler:    audit.NewHandler(auditSvc, logger),
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	}), mock
}

func adminToken(t *testing.T, secret string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   "ops",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestRouterHealth(t *testing.T) {
	r, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestRouterMetricsExposed(t *testing.T) {
	r, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouterAdminRejectsAnonymous(t *testing.T) {
	r, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/audit-records", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRouterAdminAllowsValidToken(t *testing.T) {
	r, mock := newTestRouter(t)

	cols := []string{"id", "correlation_id", "actor_id", "action", "resource_type", "resource_id", "status", "error_summary", "metadata", "created_at"}
	mock.ExpectQuery("SELECT id, correlation_id").WillReturnRows(sqlmock.NewRows(cols))

	req := httptest.NewRequest(http.MethodGet, "/admin/audit-records", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken(t, "admin-secret"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"records":[],"count":0}`, rec.Body.String())
}

func TestRouterUnknownWebhookPlatform(t *testing.T) {
	r, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/instagram", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code, "no receiver registered for the platform")
}

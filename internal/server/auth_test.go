package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/loykin/svconsole/internal/auth"
	"github.com/loykin/svconsole/internal/service"
)

func newAuth(t *testing.T) *auth.Service {
	t.Helper()
	users := []auth.User{}
	for name, role := range map[string]string{"root": auth.RoleAdmin, "ops": auth.RoleOperator, "view": auth.RoleViewer} {
		h, err := auth.HashPassword(name+"-pw", bcrypt.MinCost)
		require.NoError(t, err)
		users = append(users, auth.User{Username: name, PasswordHash: h, Roles: []string{role}})
	}
	svc, err := auth.New(auth.Config{Enabled: true, JWTSecret: "test-secret", Users: users})
	require.NoError(t, err)
	return svc
}

func authReq(h http.Handler, method, path, user, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if user != "" {
		req.SetBasicAuth(user, user+"-pw")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuthRequiresCredentials(t *testing.T) {
	f := setupRouter(t, "/api", WithAuth(newAuth(t)))

	rec := authReq(f.h, http.MethodGet, "/api/services", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")

	rec = authReq(f.h, http.MethodGet, "/api/services", "view", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthPermissions(t *testing.T) {
	f := setupRouter(t, "/api", WithAuth(newAuth(t)))

	rec := authReq(f.h, http.MethodPost, "/api/services/task/start", "view", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = authReq(f.h, http.MethodDelete, "/api/logs", "view", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = authReq(f.h, http.MethodPost, "/api/services/task/start", "ops", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, service.Running, decode[service.Record](t, rec).Status)

	rec = authReq(f.h, http.MethodDelete, "/api/logs", "root", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLoginIssuesUsableToken(t *testing.T) {
	f := setupRouter(t, "/api", WithAuth(newAuth(t)))

	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{"username":"ops","password":"ops-pw"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	tok := decode[auth.Token](t, rec)
	assert.Equal(t, "Bearer", tok.Type)
	require.NotEmpty(t, tok.Value)

	rec = authReq(f.h, http.MethodPost, "/api/lifecycle/refresh", "", tok.Value)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = authReq(f.h, http.MethodGet, "/api/services", "", "not-a-token")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoginRejectsBadInput(t *testing.T) {
	f := setupRouter(t, "/api", WithAuth(newAuth(t)))

	for body, want := range map[string]int{
		`{"username":"ops","password":"wrong"}`: http.StatusUnauthorized,
		`not json`:                              http.StatusBadRequest,
	} {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(body))
		rec := httptest.NewRecorder()
		f.h.ServeHTTP(rec, req)
		assert.Equal(t, want, rec.Code, body)
	}
}

func TestLoginRouteAbsentWithoutAuth(t *testing.T) {
	f := setupRouter(t, "/api")
	rec := doReq(t, f.h, http.MethodPost, "/api/auth/login")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

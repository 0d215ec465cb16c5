package devserver

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func do(t *testing.T, s *Server, method, path, body, access string) (int, gjson.Result) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if access != "" {
		req.Header.Set("Authorization", "Bearer "+access)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec.Code, gjson.Parse(rec.Body.String())
}

func login(t *testing.T, s *Server) (access, refresh string) {
	t.Helper()
	code, res := do(t, s, http.MethodPost, "/api/auth/login", `{"email":"demo@example.com","password":"password"}`, "")
	require.Equal(t, http.StatusOK, code)
	return res.Get("accessToken").String(), res.Get("refreshToken").String()
}

func TestLogin(t *testing.T) {
	s := New(Options{})
	access, refresh := login(t, s)
	assert.NotEmpty(t, access)
	assert.NotEmpty(t, refresh)

	code, _ := do(t, s, http.MethodPost, "/api/auth/login", `{"email":"demo@example.com","password":"nope"}`, "")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = do(t, s, http.MethodPost, "/api/auth/login", `{}`, "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, res := do(t, s, http.MethodGet, "/api/users/me", "", access)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, DefaultEmail, res.Get("data.email").String())
	assert.Equal(t, 1, s.Hits("/api/users/me"))
}

func TestRefreshRotates(t *testing.T) {
	s := New(Options{})
	_, refresh := login(t, s)

	code, res := do(t, s, http.MethodPost, "/api/auth/refresh", `{"refreshToken":"`+refresh+`"}`, "")
	require.Equal(t, http.StatusOK, code)
	next := res.Get("data.refreshToken").String()
	assert.NotEqual(t, refresh, next)
	assert.NotEmpty(t, res.Get("data.accessToken").String())

	code, _ = do(t, s, http.MethodPost, "/api/auth/refresh", `{"refreshToken":"`+refresh+`"}`, "")
	assert.Equal(t, http.StatusUnauthorized, code, "refresh tokens are single use")
	assert.Equal(t, 2, s.Refreshes())

	s.FailRefresh(true)
	code, _ = do(t, s, http.MethodPost, "/api/auth/refresh", `{"refreshToken":"`+next+`"}`, "")
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestRevokeAccessTokens(t *testing.T) {
	s := New(Options{})
	access, _ := login(t, s)
	s.RevokeAccessTokens()

	code, _ := do(t, s, http.MethodGet, "/api/items", "", access)
	assert.Equal(t, http.StatusUnauthorized, code)
	_, res := do(t, s, http.MethodPost, "/api/auth/validate-token", `{"token":"`+access+`"}`, "")
	assert.False(t, res.Get("valid").Bool())
}

func TestExpiredAccessToken(t *testing.T) {
	now := time.Now()
	s := New(Options{Now: func() time.Time { return now }, AccessTTL: time.Minute})
	access, _ := login(t, s)
	now = now.Add(2 * time.Minute)

	code, _ := do(t, s, http.MethodGet, "/api/items", "", access)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestRegister(t *testing.T) {
	s := New(Options{})
	code, res := do(t, s, http.MethodPost, "/api/auth/register", `{"name":"","email":"x@example.com","password":"short"}`, "")
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.True(t, res.Get("errors.name").Exists())
	assert.True(t, res.Get("errors.password").Exists())

	code, res = do(t, s, http.MethodPost, "/api/auth/register", `{"name":"X","email":"x@example.com","password":"longenough"}`, "")
	assert.Equal(t, http.StatusCreated, code)
	assert.NotEmpty(t, res.Get("accessToken").String())

	code, _ = do(t, s, http.MethodPost, "/api/auth/register", `{"name":"X","email":"x@example.com","password":"longenough"}`, "")
	assert.Equal(t, http.StatusConflict, code)
}

func TestLogoutRevokesRefreshTokens(t *testing.T) {
	s := New(Options{})
	access, refresh := login(t, s)
	code, _ := do(t, s, http.MethodPost, "/api/auth/logout", "", access)
	assert.Equal(t, http.StatusNoContent, code)

	code, _ = do(t, s, http.MethodPost, "/api/auth/refresh", `{"refreshToken":"`+refresh+`"}`, "")
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestUpdateProfile(t *testing.T) {
	s := New(Options{})
	access, _ := login(t, s)
	code, res := do(t, s, http.MethodPut, "/api/users/profile", `{"name":"Renamed","notifications":true}`, access)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Renamed", res.Get("name").String())
}

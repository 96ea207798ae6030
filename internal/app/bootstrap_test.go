package app

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const adminPassword = "Vt7#qLmz9!Rkw2"

func memoryEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "")
	t.Setenv("APP_ENV", "test")
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("BCRYPT_COST", "4")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("CRON_SECRET", "cron-secret")
	t.Setenv("BOOTSTRAP_TENANT_CODE", "acme")
	t.Setenv("BOOTSTRAP_ADMIN_EMAIL", "admin@acme.test")
	t.Setenv("BOOTSTRAP_ADMIN_PASSWORD", adminPassword)
}

func build(t *testing.T) *Runtime {
	t.Helper()
	runtime, err := Build(Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = runtime.Close() })
	return runtime
}

func call(h http.Handler, method, target, body, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestBuild_MemoryBackendFlow(t *testing.T) {
	memoryEnv(t)
	runtime := build(t)
	h := runtime.Handler

	health := call(h, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, health.Code)
	assert.Contains(t, health.Body.String(), `"storage":"memory"`)

	login := call(h, http.MethodPost, "/auth/login",
		`{"email":"admin@acme.test","password":"`+adminPassword+`","tenant_code":"acme"}`, "")
	require.Equal(t, http.StatusOK, login.Code, login.Body.String())

	var pair struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	require.NoError(t, json.Unmarshal(login.Body.Bytes(), &pair))
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)

	validate := call(h, http.MethodGet, "/auth/validate", "", pair.AccessToken)
	require.Equal(t, http.StatusOK, validate.Code)
	var result struct {
		Valid  bool     `json:"valid"`
		UserID string   `json:"user_id"`
		Scopes []string `json:"scopes"`
	}
	require.NoError(t, json.Unmarshal(validate.Body.Bytes(), &result))
	assert.True(t, result.Valid)
	assert.Contains(t, result.Scopes, "auth:admin")

	unlock := call(h, http.MethodPost, "/admin/users/"+result.UserID+"/unlock", "", pair.AccessToken)
	assert.Equal(t, http.StatusOK, unlock.Code, unlock.Body.String())
	assert.Equal(t, http.StatusUnauthorized, call(h, http.MethodPost, "/admin/users/"+result.UserID+"/unlock", "", "").Code)

	refreshed := call(h, http.MethodPost, "/auth/refresh", `{"refresh_token":"`+pair.RefreshToken+`"}`, "")
	require.Equal(t, http.StatusOK, refreshed.Code, refreshed.Body.String())

	reset := call(h, http.MethodPost, "/auth/password-reset/request", `{"email":"nobody@acme.test","tenant_code":"acme"}`, "")
	assert.Equal(t, http.StatusOK, reset.Code, reset.Body.String())

	cleanup := call(h, http.MethodPost, "/internal/maintenance/cleanup", "", "cron-secret")
	assert.Equal(t, http.StatusOK, cleanup.Code)

	metrics := call(h, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, metrics.Code)
	assert.Contains(t, metrics.Body.String(), "http_requests_total")
}

func TestBuild_LoginRateLimited(t *testing.T) {
	memoryEnv(t)
	t.Setenv("LOGIN_RATE_LIMIT_MAX", "2")
	h := build(t).Handler

	body := `{"email":"admin@acme.test","password":"wrong","tenant_code":"acme"}`
	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusUnauthorized, call(h, http.MethodPost, "/auth/login", body, "").Code)
	}

	limited := call(h, http.MethodPost, "/auth/login", body, "")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.NotEmpty(t, limited.Header().Get("Retry-After"))
}

func TestBuild_RejectsWeakBootstrapPassword(t *testing.T) {
	memoryEnv(t)
	t.Setenv("BOOTSTRAP_ADMIN_PASSWORD", "password123")

	_, err := Build(Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BOOTSTRAP_ADMIN_PASSWORD is too weak")
}

func TestBuild_InvalidConfig(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	_, err := Build(Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

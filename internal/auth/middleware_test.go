package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
)

func newAuthManager(requireAuth bool) *Manager {
	return &Manager{
		config: Config{
			JWTSecret:       "middleware-test-secret",
			TokenExpiration: time.Hour,
			RequireAuth:     requireAuth,
		},
		secret: []byte("middleware-test-secret"),
	}
}

func newProtectedEcho(manager *Manager) *echo.Echo {
	e := echo.New()
	e.Use(manager.Middleware())
	e.GET("/protected", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	return e
}

func tokenFor(t *testing.T, manager *Manager, roles ...string) string {
	t.Helper()
	token, err := manager.GenerateToken(User{
		ID:    "ops-orderhub.example",
		Email: "ops@orderhub.example",
		Name:  "Ops Lead",
		Roles: roles,
	})
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	return token
}

func get(e *echo.Echo, path, authHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestMiddlewareAuthDisabled(t *testing.T) {
	e := newProtectedEcho(newAuthManager(false))

	rec := get(e, "/protected", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestMiddlewarePublicPaths(t *testing.T) {
	manager := newAuthManager(true)
	e := echo.New()
	e.Use(manager.Middleware())
	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "healthy")
	})
	e.POST("/login", func(c echo.Context) error {
		return c.String(http.StatusOK, "login")
	})

	rec := get(e, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/login", nil)
	loginRec := httptest.NewRecorder()
	e.ServeHTTP(loginRec, req)
	assert.Equal(t, http.StatusOK, loginRec.Code)
}

func TestMiddlewareRejectsBadHeaders(t *testing.T) {
	e := newProtectedEcho(newAuthManager(true))

	tests := []struct {
		name     string
		header   string
		wantBody string
	}{
		{"no header", "", "Missing authorization header"},
		{"no bearer prefix", "just-a-token", "Invalid authorization header format"},
		{"wrong scheme", "Basic dG9rZW4=", "Invalid authorization header format"},
		{"garbage token", "Bearer not.a.jwt", "Invalid token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(e, "/protected", tt.header)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantBody)
		})
	}
}

func TestMiddlewareValidToken(t *testing.T) {
	manager := newAuthManager(true)
	e := echo.New()
	e.Use(manager.Middleware())

	var seen *User
	e.GET("/protected", func(c echo.Context) error {
		seen = GetUserFromContext(c)
		return c.String(http.StatusOK, "ok")
	})

	rec := get(e, "/protected", "Bearer "+tokenFor(t, manager, RoleOperator))

	assert.Equal(t, http.StatusOK, rec.Code)
	if assert.NotNil(t, seen) {
		assert.Equal(t, "ops@orderhub.example", seen.Email)
		assert.Equal(t, []string{RoleOperator}, seen.Roles)
	}
}

func TestMiddlewareExpiredToken(t *testing.T) {
	manager := newAuthManager(true)
	manager.config.TokenExpiration = -time.Hour
	e := newProtectedEcho(manager)

	rec := get(e, "/protected", "Bearer "+tokenFor(t, manager, RoleAdmin))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid token")
}

func TestRequireRole(t *testing.T) {
	manager := newAuthManager(true)
	e := echo.New()
	e.Use(manager.Middleware())
	e.POST("/v1/killswitch", func(c echo.Context) error {
		return c.String(http.StatusOK, "armed")
	}, manager.RequireRole(RoleAdmin))

	tests := []struct {
		name     string
		roles    []string
		wantCode int
	}{
		{"admin allowed", []string{RoleAdmin}, http.StatusOK},
		{"admin among several", []string{RoleViewer, RoleAdmin}, http.StatusOK},
		{"operator denied", []string{RoleOperator}, http.StatusForbidden},
		{"viewer denied", []string{RoleViewer}, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/killswitch", nil)
			req.Header.Set("Authorization", "Bearer "+tokenFor(t, manager, tt.roles...))
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantCode == http.StatusForbidden {
				assert.Contains(t, rec.Body.String(), "Role 'admin' required")
			}
		})
	}
}

func TestRequireRoleAuthDisabled(t *testing.T) {
	manager := newAuthManager(false)
	e := echo.New()
	e.Use(manager.Middleware())
	e.POST("/v1/killswitch", func(c echo.Context) error {
		return c.String(http.StatusOK, "armed")
	}, manager.RequireRole(RoleAdmin))

	req := httptest.NewRequest(http.MethodPost, "/v1/killswitch", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTokenRoundTrip(t *testing.T) {
	manager := newAuthManager(true)

	user := User{
		ID:    "ops-orderhub.example",
		Email: "ops@orderhub.example",
		Name:  "Ops Lead",
		Roles: []string{RoleOperator, RoleViewer},
	}
	token, err := manager.GenerateToken(user)
	assert.NoError(t, err)
	assert.NotEmpty(t, token)

	got, err := manager.ValidateToken(token)
	assert.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)
	assert.Equal(t, user.Email, got.Email)
	assert.Equal(t, user.Roles, got.Roles)
}

func TestTokenRejectedAcrossSecrets(t *testing.T) {
	issuer := NewManager(Config{JWTSecret: "secret-one"})
	verifier := NewManager(Config{JWTSecret: "secret-two"})

	token, err := issuer.GenerateToken(User{ID: "x", Email: "x@orderhub.example"})
	assert.NoError(t, err)

	_, err = verifier.ValidateToken(token)
	assert.Error(t, err)
}

func TestHasRequiredRole(t *testing.T) {
	manager := NewManager(Config{
		JWTSecret:    "role-test-secret",
		AllowedRoles: []string{RoleAdmin, RoleOperator},
	})

	tests := []struct {
		name  string
		roles []string
		want  bool
	}{
		{"admin", []string{RoleAdmin}, true},
		{"operator", []string{RoleOperator}, true},
		{"viewer only", []string{RoleViewer}, false},
		{"mixed with match", []string{RoleViewer, RoleOperator}, true},
		{"none", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := manager.hasRequiredRole(&User{Roles: tt.roles})
			assert.Equal(t, tt.want, got)
		})
	}
}

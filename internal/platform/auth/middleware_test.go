package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func newContext(header string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/patients", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func expectStatus(t *testing.T, err error, code int) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected HTTP %d error, got nil", code)
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	c, _ := newContext("")
	err := JWTMiddleware(NewTokenIssuer(testSigningKey, time.Hour, ""))(okHandler)(c)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "Token abc123"},
		{"missing token", "Bearer"},
		{"empty value", "Bearer "},
		{"basic auth", "Basic dXNlcjpwYXNz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newContext(tt.header)
			err := JWTMiddleware(NewTokenIssuer(testSigningKey, time.Hour, ""))(okHandler)(c)
			expectStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	issuer := NewTokenIssuer(testSigningKey, time.Hour, "healthai")
	token, _, err := issuer.Issue("user-1", "drhouse", RoleDoctor)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	c, rec := newContext("Bearer " + token)
	var gotID, gotName string
	var gotRoles []string
	h := JWTMiddleware(issuer)(func(c echo.Context) error {
		ctx := c.Request().Context()
		gotID = UserIDFromContext(ctx)
		gotName = UsernameFromContext(ctx)
		gotRoles = RolesFromContext(ctx)
		return c.NoContent(http.StatusOK)
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if gotID != "user-1" || gotName != "drhouse" {
		t.Errorf("unexpected identity %q/%q", gotID, gotName)
	}
	if len(gotRoles) != 1 || gotRoles[0] != RoleDoctor {
		t.Errorf("unexpected roles %v", gotRoles)
	}
}

func TestJWTMiddleware_WrongKey(t *testing.T) {
	other := NewTokenIssuer([]byte("some-other-signing-key-entirely"), time.Hour, "")
	token, _, _ := other.Issue("user-1", "x", RoleDoctor)

	c, _ := newContext("Bearer " + token)
	err := JWTMiddleware(NewTokenIssuer(testSigningKey, time.Hour, ""))(okHandler)(c)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_PublicPathSkipsAuth(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/api/v1/auth/login")

	if err := JWTMiddleware(NewTokenIssuer(testSigningKey, time.Hour, ""))(okHandler)(c); err != nil {
		t.Fatalf("expected public path to pass, got %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestDevAuthMiddleware(t *testing.T) {
	issuer := NewTokenIssuer(testSigningKey, time.Hour, "")

	c, _ := newContext("")
	var roles []string
	var uid string
	h := DevAuthMiddleware(issuer, "dev-user")(func(c echo.Context) error {
		uid = UserIDFromContext(c.Request().Context())
		roles = RolesFromContext(c.Request().Context())
		return nil
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if uid != "dev-user" || len(roles) != 1 || roles[0] != RoleAdmin {
		t.Errorf("expected dev admin identity, got %q %v", uid, roles)
	}

	c, _ = newContext("Bearer garbage")
	expectStatus(t, h(c), http.StatusUnauthorized)
}

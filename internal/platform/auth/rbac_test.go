package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name     string
		roles    []string
		required []string
		want     int
	}{
		{"doctor allowed", []string{RoleDoctor}, []string{RoleDoctor}, http.StatusOK},
		{"admin passes doctor route", []string{RoleAdmin}, []string{RoleDoctor}, http.StatusOK},
		{"doctor denied admin route", []string{RoleDoctor}, []string{RoleAdmin}, http.StatusForbidden},
		{"no roles", nil, []string{RoleDoctor}, http.StatusForbidden},
		{"any of several", []string{RoleDoctor}, []string{RoleAdmin, RoleDoctor}, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req = req.WithContext(WithUser(context.Background(), "u1", "user", tt.roles))
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			err := RequireRole(tt.required...)(okHandler)(c)
			if tt.want == http.StatusOK {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			expectStatus(t, err, tt.want)
		})
	}
}

func TestValidRole(t *testing.T) {
	for role, want := range map[string]bool{
		RoleDoctor: true,
		RoleAdmin:  true,
		"nurse":    false,
		"":         false,
	} {
		if got := ValidRole(role); got != want {
			t.Errorf("ValidRole(%q) = %v, want %v", role, got, want)
		}
	}
}

func TestIsAdmin(t *testing.T) {
	ctx := WithUser(context.Background(), "u1", "root", []string{RoleAdmin})
	if !IsAdmin(ctx) {
		t.Error("expected admin")
	}
	if IsAdmin(WithUser(context.Background(), "u2", "doc", []string{RoleDoctor})) {
		t.Error("doctor must not be admin")
	}
	if IsAdmin(context.Background()) {
		t.Error("anonymous context must not be admin")
	}
}

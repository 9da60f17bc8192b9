package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func contextWithRoles(roles ...string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	ctx := context.WithValue(req.Context(), UserRolesKey, roles)
	return e.NewContext(req.WithContext(ctx), httptest.NewRecorder())
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name    string
		roles   []string
		allowed bool
	}{
		{"matching role", []string{RolePhysician}, true},
		{"second listed role", []string{RoleAnalyst}, true},
		{"admin bypass", []string{RoleAdmin}, true},
		{"other role", []string{"billing"}, false},
		{"no roles", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := contextWithRoles(tt.roles...)
			err := RequireRole(RolePhysician, RoleAnalyst)(okHandler)(c)
			if tt.allowed {
				if err != nil {
					t.Errorf("expected no error, got %v", err)
				}
				return
			}
			expectStatus(t, err, http.StatusForbidden)
		})
	}
}

func TestHasRole(t *testing.T) {
	if !HasRole([]string{"nurse"}, "physician", "nurse") {
		t.Error("expected nurse to satisfy physician or nurse")
	}
	if HasRole([]string{"nurse"}) {
		t.Error("expected no required roles to deny non-admins")
	}
	if !HasRole([]string{RoleAdmin}) {
		t.Error("expected admin to pass")
	}
}

func TestUserIDFromContext(t *testing.T) {
	ctx := context.WithValue(context.Background(), UserIDKey, "user-123")
	if uid := UserIDFromContext(ctx); uid != "user-123" {
		t.Errorf("expected user-123, got %s", uid)
	}
	if empty := UserIDFromContext(context.Background()); empty != "" {
		t.Errorf("expected empty string, got %s", empty)
	}
}

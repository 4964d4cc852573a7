package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kalambet/meirobo/internal/config"
	"github.com/kalambet/meirobo/internal/storage"
)

func TestTenantAuth(t *testing.T) {
	env := newTestEnv(t, nil)

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, TenantClaims{
		Tenant: "salao",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("signing expired token: %v", err)
	}
	foreign, err := IssueToken([]byte("other-secret"), "salao", time.Hour)
	if err != nil {
		t.Fatalf("issuing token: %v", err)
	}

	for _, tc := range []struct {
		name  string
		token string
		want  int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"garbage", "not-a-jwt", http.StatusUnauthorized},
		{"expired", expired, http.StatusUnauthorized},
		{"wrong key", foreign, http.StatusUnauthorized},
		{"other tenant", tenantToken(t, "barbearia"), http.StatusForbidden},
		{"valid", tenantToken(t, "salao"), http.StatusOK},
	} {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/tenants/salao/quota", nil)
			if tc.token != "" {
				req.Header.Set("Authorization", "Bearer "+tc.token)
			}
			rr := env.do(req)
			if rr.Code != tc.want {
				t.Fatalf("status = %d, want %d; body = %s", rr.Code, tc.want, rr.Body.String())
			}
		})
	}
}

func TestTenantAuth_RejectsUnsignedTokens(t *testing.T) {
	env := newTestEnv(t, nil)

	tok, err := jwt.NewWithClaims(jwt.SigningMethodNone, TenantClaims{Tenant: "salao"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("signing: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/v1/tenants/salao/quota", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	if rr := env.do(req); rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
}

func TestAuthorityGate(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Auth.AuthorityGate = true
		c.Auth.RestrictedPath = `^/v1/tenants/`
	})
	ctx := context.Background()
	if err := env.store.EnsureTenant(ctx, "salao", 1<<20); err != nil {
		t.Fatalf("ensure tenant: %v", err)
	}
	if err := env.store.EnsureTenant(ctx, "visitante", 1<<20); err != nil {
		t.Fatalf("ensure tenant: %v", err)
	}
	if err := env.store.SetTenantStatus(ctx, "visitante", storage.TenantGuestUnverified); err != nil {
		t.Fatalf("set status: %v", err)
	}

	for _, tc := range []struct {
		tenant string
		want   int
	}{
		{"salao", http.StatusOK},
		{"visitante", http.StatusForbidden},
		{"desconhecido", http.StatusForbidden},
	} {
		t.Run(tc.tenant, func(t *testing.T) {
			rr := env.do(tenantReq(t, http.MethodGet, "/v1/tenants/"+tc.tenant+"/quota", "", tc.tenant))
			if rr.Code != tc.want {
				t.Fatalf("status = %d, want %d; body = %s", rr.Code, tc.want, rr.Body.String())
			}
		})
	}

	// Unrestricted paths are not gated.
	if rr := env.do(httptest.NewRequest(http.MethodGet, "/health", nil)); rr.Code != http.StatusOK {
		t.Fatalf("health: status = %d", rr.Code)
	}
}

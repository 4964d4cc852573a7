package api

import (
	"bytes"
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/kalambet/meirobo/internal/channel"
	"github.com/kalambet/meirobo/internal/storage"
)

// TenantClaims are the claims of a tenant admin token.
type TenantClaims struct {
	Tenant string `json:"tenant"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 admin token for tenant.
func IssueToken(secret []byte, tenant string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := TenantClaims{
		Tenant: tenant,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  tenant,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// TenantAuth requires a bearer JWT whose tenant claim equals the {tenant}
// path parameter.
func TenantAuth(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if len(secret) == 0 || !strings.HasPrefix(auth, prefix) {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}

			var claims TenantClaims
			_, err := jwt.ParseWithClaims(auth[len(prefix):], &claims, func(*jwt.Token) (any, error) {
				return secret, nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
			if err != nil {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			if tenant := chi.URLParam(r, "tenant"); claims.Tenant == "" || claims.Tenant != tenant {
				httpError(w, http.StatusForbidden, "permission_error", "token does not grant access to tenant %q", tenant)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SharedSecret requires one of the task secret headers to equal secret.
func SharedSecret(secret string, headers ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost {
				ok := false
				for _, h := range headers {
					if v := r.Header.Get(h); v != "" && subtle.ConstantTimeCompare([]byte(v), []byte(secret)) == 1 {
						ok = true
						break
					}
				}
				if !ok || secret == "" {
					httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing task secret")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// TenantStatus reports a tenant's verification status.
type TenantStatus interface {
	GetTenant(ctx context.Context, id string) (storage.Tenant, error)
}

// AuthorityGate lets requests to restricted paths through only for
// verified tenants. The tenant is the path segment after the restricted
// prefix. Disabled, it is the identity. restricted must compile; config
// validation rejects a bad auth.restricted_path before the server starts.
func AuthorityGate(enabled bool, restricted string, tenants TenantStatus) func(http.Handler) http.Handler {
	if !enabled || restricted == "" {
		return func(next http.Handler) http.Handler { return next }
	}
	pattern := regexp.MustCompile(restricted)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			loc := pattern.FindStringIndex(r.URL.Path)
			if loc == nil {
				next.ServeHTTP(w, r)
				return
			}
			tenant, _, _ := strings.Cut(r.URL.Path[loc[1]:], "/")
			t, err := tenants.GetTenant(r.Context(), tenant)
			switch {
			case errors.Is(err, storage.ErrNotFound):
				httpError(w, http.StatusForbidden, "permission_error", "tenant is not verified")
				return
			case err != nil:
				httpError(w, http.StatusServiceUnavailable, "api_error", "checking tenant: %v", err)
				return
			case t.Status != storage.TenantVerified:
				httpError(w, http.StatusForbidden, "permission_error", "tenant is not verified")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WebhookSignature verifies the provider's HMAC signature on POST bodies.
// A bad signature is acknowledged with 200 and dropped so the provider
// does not retry it. Without a secret it is the identity.
func WebhookSignature(secret string, logger *slog.Logger) func(http.Handler) http.Handler {
	if secret == "" {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
			if err != nil {
				httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "reading body: %v", err)
				return
			}
			if err := channel.VerifySignature(secret, r.Header.Get(channel.SignatureHeader), body, time.Now()); err != nil {
				logger.Warn("webhook signature rejected", "remote", r.RemoteAddr, "error", err)
				writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}

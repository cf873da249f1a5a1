// Package middleware holds the HTTP middleware for the Attendra API:
// request logging, request tracing, and tenant extraction.
package middleware

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

// TenantIDKey is the context key for the resolved tenant reference.
const TenantIDKey contextKey = "tenant_id"

// TenantExtractor pulls the tenant reference off the request. It checks
// the X-Tenant-Id header, then the tenant query parameter. An empty value
// is allowed; handlers that require a tenant enforce it themselves, and
// the trigger path has its own agent-slug fallback.
func TenantExtractor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := strings.TrimSpace(r.Header.Get("X-Tenant-Id"))
		if tenantID == "" {
			tenantID = strings.TrimSpace(r.URL.Query().Get("tenant"))
		}

		ctx := context.WithValue(r.Context(), TenantIDKey, tenantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetTenantID retrieves the tenant reference from the request context.
func GetTenantID(ctx context.Context) string {
	if v, ok := ctx.Value(TenantIDKey).(string); ok {
		return v
	}
	return ""
}

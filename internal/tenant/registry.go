// Package tenant routes requests to the right tenant: it resolves a tenant
// id to a connection handle and hosting classification, resolves credentials
// without leaking platform secrets, and exposes the static tier gates.
//
// The Registry owns the per-process tenant cache. Reads are lock-free beyond
// an RWMutex read lock; the only writers are Invalidate and InvalidateAll,
// called synchronously from tenant mutation handlers so a subsequent resolve
// is guaranteed fresh.
package tenant

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/attendra/attendra/internal/store"
	"github.com/attendra/attendra/pkg/models"
)

// ConfigurationError means a tenant cannot be routed: unknown id, not
// provisioned yet, or missing credentials for its hosting type. It is
// never retried automatically and maps to a 4xx at the API surface.
type ConfigurationError struct {
	TenantID string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("tenant %q: %s", e.TenantID, e.Reason)
}

// ConnectionHandle is the routing result for one tenant. Shared tenants all
// carry the same platform pool; dedicated tenants carry a pool built from
// their own stored credentials. Pool is nil when the platform store is
// in-memory (local runs and tests).
type ConnectionHandle struct {
	TenantID    string
	HostingType models.HostingType
	Tier        models.Tier
	Pool        *pgxpool.Pool
	Shared      bool
}

// Credentials is the external, user-facing credential view. When the tenant
// rides on platform keys the secret fields are empty and UsesSharedKeys is
// set, so platform credentials never leave the process.
type Credentials struct {
	StoreURL       string `json:"store_url,omitempty"`
	StoreKey       string `json:"store_key,omitempty"`
	UsesSharedKeys bool   `json:"uses_shared_keys"`
}

// SessionCredentials is the internal credential view used only for agent
// session construction. Platform keys are substituted when the tenant's
// uses_shared_keys flag is set. Never serialize this into a response.
type SessionCredentials struct {
	StoreURL string
	StoreKey string
}

type cachedTenant struct {
	tenant *models.Tenant
	pool   *pgxpool.Pool // dedicated pool, built lazily, nil for shared
}

// Registry resolves tenants and caches the result per process.
type Registry struct {
	store       store.Store
	sharedPool  *pgxpool.Pool
	platformURL string
	platformKey string

	mu    sync.RWMutex
	cache map[string]*cachedTenant
}

// NewRegistry creates a tenant registry. sharedPool may be nil when the
// platform runs on the in-memory store; platformURL/platformKey back the
// internal shared-keys substitution path.
func NewRegistry(s store.Store, sharedPool *pgxpool.Pool, platformURL, platformKey string) *Registry {
	return &Registry{
		store:       s,
		sharedPool:  sharedPool,
		platformURL: platformURL,
		platformKey: platformKey,
		cache:       make(map[string]*cachedTenant),
	}
}

// Resolve routes a tenant id to a connection handle. Unknown, unready, or
// credential-less tenants fail with ConfigurationError; the handle is never
// partially populated.
func (r *Registry) Resolve(ctx context.Context, tenantID string) (*ConnectionHandle, error) {
	entry, err := r.lookup(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	t := entry.tenant
	if t.HostingType == models.HostingShared {
		return &ConnectionHandle{
			TenantID:    t.ID,
			HostingType: t.HostingType,
			Tier:        t.Tier,
			Pool:        r.sharedPool,
			Shared:      true,
		}, nil
	}

	pool, err := r.dedicatedPool(ctx, tenantID, entry)
	if err != nil {
		return nil, err
	}
	return &ConnectionHandle{
		TenantID:    t.ID,
		HostingType: t.HostingType,
		Tier:        t.Tier,
		Pool:        pool,
		Shared:      false,
	}, nil
}

// Tenant returns the cached tenant record, fetching on miss. Callers must
// treat the result as read-only.
func (r *Registry) Tenant(ctx context.Context, tenantID string) (*models.Tenant, error) {
	entry, err := r.lookup(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return entry.tenant, nil
}

// Credentials is the external credential view. It never returns platform
// secrets: shared-hosted tenants and tenants on platform keys get the
// UsesSharedKeys marker with empty secret fields.
func (r *Registry) Credentials(ctx context.Context, tenantID string) (*Credentials, error) {
	entry, err := r.lookup(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	t := entry.tenant
	if t.HostingType == models.HostingShared || t.UsesSharedKeys {
		return &Credentials{UsesSharedKeys: true}, nil
	}
	return &Credentials{StoreURL: t.StoreURL, StoreKey: t.StoreKey}, nil
}

// SessionCredentials is the internal resolution path used by session
// construction. It substitutes platform keys for shared-keys tenants.
func (r *Registry) SessionCredentials(ctx context.Context, tenantID string) (*SessionCredentials, error) {
	entry, err := r.lookup(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	t := entry.tenant
	if t.HostingType == models.HostingShared || t.UsesSharedKeys {
		return &SessionCredentials{StoreURL: r.platformURL, StoreKey: r.platformKey}, nil
	}
	if t.StoreURL == "" || t.StoreKey == "" {
		return nil, &ConfigurationError{TenantID: tenantID, Reason: "dedicated tenant has no stored credentials"}
	}
	return &SessionCredentials{StoreURL: t.StoreURL, StoreKey: t.StoreKey}, nil
}

// Invalidate drops a tenant from the cache, closing its dedicated pool if
// one was built. Tenant mutation handlers call this before responding.
func (r *Registry) Invalidate(tenantID string) {
	r.mu.Lock()
	entry, ok := r.cache[tenantID]
	delete(r.cache, tenantID)
	r.mu.Unlock()

	if ok && entry.pool != nil {
		entry.pool.Close()
	}
}

// InvalidateAll empties the cache.
func (r *Registry) InvalidateAll() {
	r.mu.Lock()
	old := r.cache
	r.cache = make(map[string]*cachedTenant)
	r.mu.Unlock()

	for _, entry := range old {
		if entry.pool != nil {
			entry.pool.Close()
		}
	}
}

// lookup returns the cached entry for a tenant, fetching and validating on
// miss.
func (r *Registry) lookup(ctx context.Context, tenantID string) (*cachedTenant, error) {
	r.mu.RLock()
	entry, ok := r.cache[tenantID]
	r.mu.RUnlock()
	if ok {
		return entry, nil
	}

	t, err := r.store.GetTenant(ctx, tenantID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, &ConfigurationError{TenantID: tenantID, Reason: "unknown tenant"}
		}
		return nil, fmt.Errorf("fetch tenant %s: %w", tenantID, err)
	}

	r.selfHeal(ctx, t)

	if err := validateTenant(t); err != nil {
		return nil, err
	}

	entry = &cachedTenant{tenant: t}
	r.mu.Lock()
	// Another goroutine may have raced the fetch; keep the first entry so
	// a dedicated pool is never built twice.
	if existing, ok := r.cache[tenantID]; ok {
		entry = existing
	} else {
		r.cache[tenantID] = entry
	}
	r.mu.Unlock()
	return entry, nil
}

// selfHeal promotes legacy dedicated tenants that predate provisioning
// tracking: valid credentials, stale non-ready status, no active job. The
// promotion persists once; a persistence failure only logs, since the
// in-memory record is already corrected and the next resolve retries.
func (r *Registry) selfHeal(ctx context.Context, t *models.Tenant) {
	if t.HostingType != models.HostingDedicated {
		return
	}
	if t.ProvisioningStatus == models.ProvisioningReady {
		return
	}
	if t.StoreURL == "" || t.StoreKey == "" || t.ProvisioningJobID != "" {
		return
	}

	t.ProvisioningStatus = models.ProvisioningReady
	if err := r.store.UpdateTenant(ctx, t); err != nil {
		log.Error().Err(err).Str("tenant", t.ID).Msg("Failed to persist provisioning auto-promotion")
		return
	}
	log.Info().Str("tenant", t.ID).Msg("Auto-promoted legacy tenant to ready")
}

func validateTenant(t *models.Tenant) error {
	if t.HostingType == models.HostingDedicated {
		if t.StoreURL == "" || t.StoreKey == "" {
			return &ConfigurationError{TenantID: t.ID, Reason: "dedicated tenant is missing credentials"}
		}
		if t.ProvisioningStatus != models.ProvisioningReady {
			return &ConfigurationError{
				TenantID: t.ID,
				Reason:   fmt.Sprintf("tenant is not ready (provisioning status %q)", t.ProvisioningStatus),
			}
		}
	}
	return nil
}

// dedicatedPool lazily builds and caches the tenant's own connection pool.
func (r *Registry) dedicatedPool(ctx context.Context, tenantID string, entry *cachedTenant) (*pgxpool.Pool, error) {
	r.mu.RLock()
	pool := entry.pool
	r.mu.RUnlock()
	if pool != nil {
		return pool, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if entry.pool != nil {
		return entry.pool, nil
	}
	pool, err := pgxpool.New(ctx, entry.tenant.StoreURL)
	if err != nil {
		return nil, &ConfigurationError{
			TenantID: tenantID,
			Reason:   fmt.Sprintf("dedicated connection failed: %v", err),
		}
	}
	entry.pool = pool
	log.Info().Str("tenant", tenantID).Msg("Opened dedicated tenant pool")
	return pool, nil
}

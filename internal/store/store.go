// Package store provides the storage interface and implementations for the
// Attendra platform. The in-memory store backs tests and zero-config local
// runs; PostgreSQL backs production, including the durable ambient run queue.
package store

import (
	"context"
	"errors"

	"github.com/attendra/attendra/pkg/models"
)

// Store is the primary storage interface. All handler and worker code
// depends on this interface, making it easy to swap between in-memory
// (tests) and PostgreSQL (production) implementations.
type Store interface {
	TenantStore
	AgentStore
	AbilityStore
	ConversationStore
	AmbientRunStore
	NotificationStore
	OutputEventStore

	// Ping checks if the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate creates the schema if it does not exist.
	Migrate(ctx context.Context) error
}

// ── Tenant Store ────────────────────────────────────────────

type TenantStore interface {
	ListTenants(ctx context.Context) ([]models.Tenant, error)
	GetTenant(ctx context.Context, id string) (*models.Tenant, error)
	CreateTenant(ctx context.Context, tenant *models.Tenant) error
	UpdateTenant(ctx context.Context, tenant *models.Tenant) error
	DeleteTenant(ctx context.Context, id string) error
}

// ── Agent Store ─────────────────────────────────────────────

type AgentStore interface {
	ListAgents(ctx context.Context, tenantID string) ([]models.Agent, error)
	GetAgent(ctx context.Context, tenantID, slug string) (*models.Agent, error)

	// FindAgentBySlug searches across all tenants. This is the O(tenants)
	// fallback used only when a trigger request omits the tenant reference.
	FindAgentBySlug(ctx context.Context, slug string) (*models.Agent, error)

	CreateAgent(ctx context.Context, agent *models.Agent) error
	UpdateAgent(ctx context.Context, agent *models.Agent) error
	DeleteAgent(ctx context.Context, tenantID, slug string) error
}

// ── Ability Store ───────────────────────────────────────────

type AbilityStore interface {
	ListAbilities(ctx context.Context, tenantID string) ([]models.Ability, error)
	GetAbility(ctx context.Context, id string) (*models.Ability, error)
	CreateAbility(ctx context.Context, ability *models.Ability) error
	UpdateAbility(ctx context.Context, ability *models.Ability) error
	DeleteAbility(ctx context.Context, id string) error
}

// ── Conversation Store ──────────────────────────────────────

type ConversationStore interface {
	SaveTurn(ctx context.Context, turn *models.Turn) error
	ListTurns(ctx context.Context, tenantID, conversationID string, limit int) ([]models.Turn, error)
}

// ── Ambient Run Store ───────────────────────────────────────

// AmbientRunStore is the durable queue boundary. ClaimPendingRuns is the
// only operation requiring cross-process exclusivity: it must atomically
// transition up to limit pending runs to running and return them, such
// that no two callers ever receive the same run.
type AmbientRunStore interface {
	EnqueueRun(ctx context.Context, run *models.AmbientAbilityRun) error
	ClaimPendingRuns(ctx context.Context, limit int) ([]models.AmbientAbilityRun, error)
	CompleteRun(ctx context.Context, id string, result map[string]interface{}, durationMs int64) error
	FailRun(ctx context.Context, id string, errMsg string, durationMs int64) error
	GetRun(ctx context.Context, id string) (*models.AmbientAbilityRun, error)
	ListRuns(ctx context.Context, tenantID string, status models.RunStatus, limit int) ([]models.AmbientAbilityRun, error)
}

// ── Notification Store ──────────────────────────────────────

type NotificationStore interface {
	CreateNotification(ctx context.Context, n *models.Notification) error
	ListNotifications(ctx context.Context, tenantID, userID string, unshownOnly bool) ([]models.Notification, error)

	// MarkNotificationShown is idempotent: marking an already-shown
	// notification is a no-op, not an error.
	MarkNotificationShown(ctx context.Context, id string) error
}

// ── Output Event Store ──────────────────────────────────────

// OutputEventStore carries the agent output channel the dispatcher's text
// path polls. Agent workers append events out-of-band.
type OutputEventStore interface {
	AppendOutputEvent(ctx context.Context, event *models.OutputEvent) error
	ListOutputEvents(ctx context.Context, conversationID string, afterSeq int64) ([]models.OutputEvent, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrSchemaMissing distinguishes "database reachable but schema not
// initialized" from ordinary query failures at bootstrap.
var ErrSchemaMissing = errors.New("store schema not initialized")

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// IsNotFound reports whether err is an ErrNotFound.
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}

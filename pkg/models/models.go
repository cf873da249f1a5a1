// Package models defines the shared data model for the Attendra platform:
// tenants, agents, abilities, conversations, ambient runs, and notifications.
package models

import "time"

// ── Tenant ───────────────────────────────────────────────────

// HostingType describes where a tenant's data lives.
type HostingType string

const (
	// HostingShared places the tenant on the platform's pooled database.
	HostingShared HostingType = "shared"
	// HostingDedicated gives the tenant its own database, reached through
	// the credentials stored on the tenant record.
	HostingDedicated HostingType = "dedicated"
)

// Tier is the tenant's plan tier. Feature and limit gates derive from it.
type Tier string

const (
	TierBase       Tier = "base"
	TierMid        Tier = "mid"
	TierEnterprise Tier = "enterprise"
)

// ProvisioningStatus tracks dedicated-database provisioning.
type ProvisioningStatus string

const (
	ProvisioningQueued     ProvisioningStatus = "queued"
	ProvisioningInProgress ProvisioningStatus = "provisioning"
	ProvisioningReady      ProvisioningStatus = "ready"
	ProvisioningFailed     ProvisioningStatus = "failed"
)

// Tenant is an isolated customer account.
//
// Invariants enforced by the tenant registry:
//   - a shared tenant never carries dedicated credentials on the active path
//   - a dedicated tenant must have non-empty StoreURL/StoreKey before it can
//     reach ProvisioningReady
type Tenant struct {
	ID                 string             `json:"id" db:"id"`
	Name               string             `json:"name" db:"name"`
	HostingType        HostingType        `json:"hosting_type" db:"hosting_type"`
	Tier               Tier               `json:"tier" db:"tier"`
	StoreURL           string             `json:"store_url,omitempty" db:"store_url"`
	StoreKey           string             `json:"store_key,omitempty" db:"store_key"`
	UsesSharedKeys     bool               `json:"uses_shared_keys" db:"uses_shared_keys"`
	ProvisioningStatus ProvisioningStatus `json:"provisioning_status" db:"provisioning_status"`
	ProvisioningJobID  string             `json:"provisioning_job_id,omitempty" db:"provisioning_job_id"`
	Features           map[string]bool    `json:"features,omitempty"`
	CreatedAt          time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at" db:"updated_at"`
}

// ── Agent ────────────────────────────────────────────────────

// Agent is a tenant-owned agent configuration. The slug is what trigger
// requests reference; it is unique across the platform.
type Agent struct {
	ID           string    `json:"id" db:"id"`
	TenantID     string    `json:"tenant_id" db:"tenant_id"`
	Slug         string    `json:"slug" db:"slug"`
	Name         string    `json:"name" db:"name"`
	Persona      string    `json:"persona,omitempty" db:"persona"`
	Tools        []string  `json:"tools,omitempty"`
	VoiceEnabled bool      `json:"voice_enabled" db:"voice_enabled"`
	TextEnabled  bool      `json:"text_enabled" db:"text_enabled"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// ── Trigger ──────────────────────────────────────────────────

// TriggerMode selects the session kind for a trigger request.
type TriggerMode string

const (
	ModeVoice TriggerMode = "voice"
	ModeText  TriggerMode = "text"
)

// TriggerRequest is the single entry point for starting or re-entering an
// agent session. Voice mode requires RoomName; text mode requires Message.
type TriggerRequest struct {
	AgentRef       string            `json:"agent_ref"`
	TenantRef      string            `json:"tenant_ref,omitempty"`
	Mode           TriggerMode       `json:"mode"`
	Message        string            `json:"message,omitempty"`
	RoomName       string            `json:"room_name,omitempty"`
	UserID         string            `json:"user_id"`
	SessionID      string            `json:"session_id,omitempty"`
	ConversationID string            `json:"conversation_id,omitempty"`
	Context        map[string]string `json:"context,omitempty"`
}

// ── Conversation ─────────────────────────────────────────────

// Citation is a source reference attached to an agent reply.
type Citation struct {
	Title string `json:"title,omitempty"`
	URL   string `json:"url,omitempty"`
}

// Turn is one user/agent exchange persisted to the tenant's data store.
type Turn struct {
	ID             string                 `json:"id" db:"id"`
	TenantID       string                 `json:"tenant_id" db:"tenant_id"`
	ConversationID string                 `json:"conversation_id" db:"conversation_id"`
	AgentSlug      string                 `json:"agent_slug" db:"agent_slug"`
	UserID         string                 `json:"user_id" db:"user_id"`
	UserMessage    string                 `json:"user_message" db:"user_message"`
	AgentMessage   string                 `json:"agent_message" db:"agent_message"`
	Citations      []Citation             `json:"citations,omitempty"`
	Structured     map[string]interface{} `json:"structured,omitempty"`
	CreatedAt      time.Time              `json:"created_at" db:"created_at"`
}

// ── Agent output events ──────────────────────────────────────

// OutputEventKind tags events on a room's output channel.
type OutputEventKind string

const (
	OutputDelta OutputEventKind = "delta"
	OutputDone  OutputEventKind = "done"
	OutputError OutputEventKind = "error"
)

// OutputEvent is one event emitted by an agent worker for a conversation.
// The dispatcher's text path polls these in sequence order.
type OutputEvent struct {
	ConversationID string                 `json:"conversation_id" db:"conversation_id"`
	Seq            int64                  `json:"seq" db:"seq"`
	Kind           OutputEventKind        `json:"kind" db:"kind"`
	Delta          string                 `json:"delta,omitempty" db:"delta"`
	Text           string                 `json:"text,omitempty" db:"text"`
	Citations      []Citation             `json:"citations,omitempty"`
	Structured     map[string]interface{} `json:"structured,omitempty"`
	Error          string                 `json:"error,omitempty" db:"error"`
	CreatedAt      time.Time              `json:"created_at" db:"created_at"`
}

// ── Abilities ────────────────────────────────────────────────

// AbilityType selects which executor runs an ambient ability.
type AbilityType string

const (
	AbilityBuiltin         AbilityType = "builtin"
	AbilityWebhook         AbilityType = "webhook"
	AbilityExternalTrigger AbilityType = "external_trigger"
)

// Ability is a tenant-owned ambient capability executed outside the
// interactive request cycle.
type Ability struct {
	ID          string            `json:"id" db:"id"`
	TenantID    string            `json:"tenant_id" db:"tenant_id"`
	Name        string            `json:"name" db:"name"`
	Type        AbilityType       `json:"type" db:"type"`
	Enabled     bool              `json:"enabled" db:"enabled"`
	PostSession bool              `json:"post_session" db:"post_session"`
	MinMessages int               `json:"min_messages" db:"min_messages"`
	WebhookURL  string            `json:"webhook_url,omitempty" db:"webhook_url"`
	AuthHeader  string            `json:"auth_header,omitempty" db:"auth_header"`
	AuthValue   string            `json:"auth_value,omitempty" db:"auth_value"`
	Config      map[string]string `json:"config,omitempty"`
	CreatedAt   time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at" db:"updated_at"`
}

// ── Ambient runs ─────────────────────────────────────────────

// TriggerType records why a run was enqueued.
type TriggerType string

const (
	TriggerPostSession TriggerType = "post_session"
	TriggerScheduled   TriggerType = "scheduled"
)

// RunStatus is the ambient run state machine. Transitions are monotonic:
// pending → running → {completed, failed}.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// AmbientAbilityRun is one unit of deferred work on the durable queue.
// The queue store owns its authoritative state; workers mutate it only
// through the store's atomic claim/commit operations.
type AmbientAbilityRun struct {
	ID             string                 `json:"id" db:"id"`
	AbilityID      string                 `json:"ability_id" db:"ability_id"`
	AbilityName    string                 `json:"ability_name" db:"ability_name"`
	AbilityType    AbilityType            `json:"ability_type" db:"ability_type"`
	TenantID       string                 `json:"tenant_id" db:"tenant_id"`
	UserID         string                 `json:"user_id,omitempty" db:"user_id"`
	ConversationID string                 `json:"conversation_id,omitempty" db:"conversation_id"`
	SessionID      string                 `json:"session_id,omitempty" db:"session_id"`
	TriggerType    TriggerType            `json:"trigger_type" db:"trigger_type"`
	Status         RunStatus              `json:"status" db:"status"`
	InputContext   map[string]interface{} `json:"input_context,omitempty"`
	OutputResult   map[string]interface{} `json:"output_result,omitempty"`
	Error          string                 `json:"error,omitempty" db:"error"`
	CreatedAt      time.Time              `json:"created_at" db:"created_at"`
	StartedAt      *time.Time             `json:"started_at,omitempty" db:"started_at"`
	FinishedAt     *time.Time             `json:"finished_at,omitempty" db:"finished_at"`
	DurationMs     int64                  `json:"duration_ms,omitempty" db:"duration_ms"`
}

// ── Notifications ────────────────────────────────────────────

// Notification is the side-channel record the interactive layer consumes
// after an ambient run completes. MarkShown is idempotent.
type Notification struct {
	ID        string     `json:"id" db:"id"`
	TenantID  string     `json:"tenant_id" db:"tenant_id"`
	UserID    string     `json:"user_id,omitempty" db:"user_id"`
	RunID     string     `json:"run_id" db:"run_id"`
	Message   string     `json:"message" db:"message"`
	Shown     bool       `json:"shown" db:"shown"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	ShownAt   *time.Time `json:"shown_at,omitempty" db:"shown_at"`
}

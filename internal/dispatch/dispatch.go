// Package dispatch turns a trigger request into a provisioned realtime
// session. Voice triggers provision or reuse a named room and hand back a
// join token; text triggers run a synchronous dispatch-and-poll cycle
// against an ephemeral room and return the completed turn.
//
// The dispatcher owns room lifecycle only for the duration of one trigger
// call. Idle room expiry and dispatch deduplication belong to the realtime
// bridge.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/attendra/attendra/internal/realtime"
	"github.com/attendra/attendra/internal/store"
	"github.com/attendra/attendra/internal/tenant"
	"github.com/attendra/attendra/pkg/models"
)

// Room metadata identity keys. These are written on room creation and
// preserved verbatim on every metadata merge afterwards.
const (
	metaTenantID       = "tenant_id"
	metaAgent          = "agent"
	metaConversationID = "conversation_id"
)

// OutputSource is the agent output channel the text path polls. Events
// arrive in sequence order; afterSeq filters already-consumed events.
type OutputSource interface {
	Events(ctx context.Context, conversationID string, afterSeq int64) ([]models.OutputEvent, error)
}

// StoreOutputSource adapts the store's output event log to OutputSource.
type StoreOutputSource struct {
	Store store.OutputEventStore
}

func (s *StoreOutputSource) Events(ctx context.Context, conversationID string, afterSeq int64) ([]models.OutputEvent, error) {
	return s.Store.ListOutputEvents(ctx, conversationID, afterSeq)
}

// AbilityLister is an optional collaborator that names the tenant's
// enabled abilities so they can ride along in the session context. The
// zero dependency is noAbilities, which lists nothing.
type AbilityLister interface {
	ListAbilities(ctx context.Context, tenantID string) ([]models.Ability, error)
}

type noAbilities struct{}

func (noAbilities) ListAbilities(context.Context, string) ([]models.Ability, error) {
	return nil, nil
}

// Proposer enqueues post-session ambient runs after a completed text turn.
type Proposer interface {
	ProposePostSession(ctx context.Context, tenantID, userID, conversationID, sessionID string, messageCount int, inputContext map[string]interface{}) (int, error)
}

// Options bounds the dispatcher's external calls and the text poll loop.
type Options struct {
	DispatchTimeout time.Duration
	TokenTTL        time.Duration
	PollInterval    time.Duration
	PollMaxWait     time.Duration
	PollMaxIters    int
}

// Dispatcher coordinates the trigger flow: validate, resolve tenant and
// agent, gate the mode, then run the voice or text path.
type Dispatcher struct {
	registry  *tenant.Registry
	rooms     realtime.RoomService
	store     store.Store
	output    OutputSource
	abilities AbilityLister
	proposer  Proposer
	opts      Options
}

// NewDispatcher creates a dispatcher. The ability lister defaults to a
// null object and the proposer to none; wire them with SetAbilityLister
// and SetProposer.
func NewDispatcher(reg *tenant.Registry, rooms realtime.RoomService, st store.Store, output OutputSource, opts Options) *Dispatcher {
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = 10 * time.Second
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 6 * time.Hour
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	if opts.PollMaxWait <= 0 {
		opts.PollMaxWait = 60 * time.Second
	}
	if opts.PollMaxIters <= 0 {
		opts.PollMaxIters = 240
	}
	return &Dispatcher{
		registry:  reg,
		rooms:     rooms,
		store:     st,
		output:    output,
		abilities: noAbilities{},
		opts:      opts,
	}
}

// SetAbilityLister replaces the null-object ability lister.
func (d *Dispatcher) SetAbilityLister(l AbilityLister) {
	if l != nil {
		d.abilities = l
	}
}

// SetProposer wires the post-session ambient run proposer.
func (d *Dispatcher) SetProposer(p Proposer) { d.proposer = p }

// Result is the outcome of one trigger call. Exactly one of Voice or Text
// is set, matching Mode.
type Result struct {
	Mode      models.TriggerMode
	TenantID  string
	AgentSlug string
	AgentName string
	Voice     *VoiceResult
	Text      *TextResult
}

// VoiceResult describes the provisioned voice session.
type VoiceResult struct {
	RoomName          string `json:"room_name"`
	Status            string `json:"status"` // created | existing
	Token             string `json:"token"`
	ConversationID    string `json:"conversation_id"`
	IsNewConversation bool   `json:"is_new_conversation"`
}

// TextResult is the completed synchronous text turn.
type TextResult struct {
	ConversationID    string                 `json:"conversation_id"`
	IsNewConversation bool                   `json:"is_new_conversation"`
	Text              string                 `json:"text"`
	Citations         []models.Citation      `json:"citations,omitempty"`
	Structured        map[string]interface{} `json:"structured,omitempty"`
}

// DeltaFunc receives partial text chunks as the text path polls them.
type DeltaFunc func(delta string)

// Dispatch runs one trigger end to end. onDelta may be nil; it is only
// called on the text path.
func (d *Dispatcher) Dispatch(ctx context.Context, req *models.TriggerRequest, onDelta DeltaFunc) (*Result, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	agent, err := d.resolveAgent(ctx, req)
	if err != nil {
		return nil, err
	}
	handle, err := d.registry.Resolve(ctx, agent.TenantID)
	if err != nil {
		return nil, err
	}

	// The gate runs before any external call: a denied mode must leave
	// zero side effects behind.
	switch modeDecision(agent, handle.Tier, req.Mode) {
	case DecisionDenied:
		return nil, &ModeDisabledError{
			Mode:   string(req.Mode),
			Reason: fmt.Sprintf("not enabled for agent %q on tier %q", agent.Slug, handle.Tier),
		}
	case DecisionNotApplicable:
		return nil, &ValidationError{Field: "mode", Reason: fmt.Sprintf("unknown mode %q", req.Mode)}
	}

	result := &Result{
		Mode:      req.Mode,
		TenantID:  agent.TenantID,
		AgentSlug: agent.Slug,
		AgentName: agent.Name,
	}

	switch req.Mode {
	case models.ModeVoice:
		result.Voice, err = d.dispatchVoice(ctx, req, agent, handle)
	case models.ModeText:
		result.Text, err = d.dispatchText(ctx, req, agent, handle, onDelta)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func validate(req *models.TriggerRequest) error {
	if req.AgentRef == "" {
		return &ValidationError{Field: "agent_ref", Reason: "required"}
	}
	if req.UserID == "" {
		return &ValidationError{Field: "user_id", Reason: "required"}
	}
	switch req.Mode {
	case models.ModeVoice:
		if req.RoomName == "" {
			return &ValidationError{Field: "room_name", Reason: "required for voice mode"}
		}
	case models.ModeText:
		if strings.TrimSpace(req.Message) == "" {
			return &ValidationError{Field: "message", Reason: "required for text mode"}
		}
	default:
		return &ValidationError{Field: "mode", Reason: fmt.Sprintf("must be %q or %q", models.ModeVoice, models.ModeText)}
	}
	return nil
}

// resolveAgent finds the agent by slug within the referenced tenant, or
// searches all tenants when the reference is omitted. The cross-tenant
// search is O(tenants) and exists only as a fallback for legacy callers.
func (d *Dispatcher) resolveAgent(ctx context.Context, req *models.TriggerRequest) (*models.Agent, error) {
	if req.TenantRef != "" {
		agent, err := d.store.GetAgent(ctx, req.TenantRef, req.AgentRef)
		if err != nil {
			if store.IsNotFound(err) {
				return nil, &ValidationError{Field: "agent_ref", Reason: fmt.Sprintf("agent %q not found in tenant %q", req.AgentRef, req.TenantRef)}
			}
			return nil, fmt.Errorf("resolve agent: %w", err)
		}
		return agent, nil
	}

	agent, err := d.store.FindAgentBySlug(ctx, req.AgentRef)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, &ValidationError{Field: "agent_ref", Reason: fmt.Sprintf("agent %q not found", req.AgentRef)}
		}
		return nil, fmt.Errorf("resolve agent: %w", err)
	}
	log.Debug().Str("agent", agent.Slug).Str("tenant", agent.TenantID).Msg("Tenant resolved by agent slug fallback")
	return agent, nil
}

// Decision is the three-way outcome of the mode gate.
type Decision int

const (
	DecisionNotApplicable Decision = iota
	DecisionAllowed
	DecisionDenied
)

// modeDecision intersects the per-agent mode flag with the tier feature
// gate. Pure; no I/O.
func modeDecision(agent *models.Agent, tier models.Tier, mode models.TriggerMode) Decision {
	switch mode {
	case models.ModeVoice:
		if agent.VoiceEnabled && tenant.HasFeature(tier, tenant.FeatureVoiceSessions) {
			return DecisionAllowed
		}
		return DecisionDenied
	case models.ModeText:
		if agent.TextEnabled && tenant.HasFeature(tier, tenant.FeatureTextSessions) {
			return DecisionAllowed
		}
		return DecisionDenied
	}
	return DecisionNotApplicable
}

// sessionContext builds the room metadata for an agent session: identity
// keys, persona, tools, enabled abilities, and the tenant's data store
// credentials via the internal resolution path.
func (d *Dispatcher) sessionContext(ctx context.Context, req *models.TriggerRequest, agent *models.Agent, conversationID string) (map[string]string, error) {
	creds, err := d.registry.SessionCredentials(ctx, agent.TenantID)
	if err != nil {
		return nil, err
	}

	meta := map[string]string{
		metaTenantID:       agent.TenantID,
		metaAgent:          agent.Slug,
		metaConversationID: conversationID,
		"user_id":          req.UserID,
		"persona":          agent.Persona,
		"store_url":        creds.StoreURL,
		"store_key":        creds.StoreKey,
	}
	if len(agent.Tools) > 0 {
		meta["tools"] = strings.Join(agent.Tools, ",")
	}
	if req.SessionID != "" {
		meta["session_id"] = req.SessionID
	}
	for k, v := range req.Context {
		if _, reserved := meta[k]; !reserved {
			meta[k] = v
		}
	}

	abilities, err := d.abilities.ListAbilities(ctx, agent.TenantID)
	if err != nil {
		log.Warn().Err(err).Str("tenant", agent.TenantID).Msg("Ability listing failed, continuing without")
	} else if len(abilities) > 0 {
		names := make([]string, 0, len(abilities))
		for _, a := range abilities {
			if a.Enabled {
				names = append(names, a.Name)
			}
		}
		if len(names) > 0 {
			meta["abilities"] = strings.Join(names, ",")
		}
	}
	return meta, nil
}

// conversationFor returns the conversation id for the request, minting one
// when absent.
func conversationFor(req *models.TriggerRequest) (id string, isNew bool) {
	if req.ConversationID != "" {
		return req.ConversationID, false
	}
	return uuid.NewString(), true
}

// callCtx bounds one external call against the realtime bridge.
func (d *Dispatcher) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d.opts.DispatchTimeout)
}

// Package ambient runs deferred ability work outside the interactive
// request cycle. The Worker polls the durable run queue, claims pending
// runs atomically at the store boundary, and delegates execution to the
// typed ability executors. A run failure is terminal and recorded; there
// is no automatic retry.
package ambient

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/attendra/attendra/pkg/models"
)

// Executor runs one ability type. Implementations return a JSON-friendly
// result map or an error; the worker records either as the run's terminal
// state.
type Executor interface {
	Type() models.AbilityType
	Execute(ctx context.Context, run *models.AmbientAbilityRun, ability *models.Ability) (map[string]interface{}, error)
}

// ── Builtin ─────────────────────────────────────────────────

// BuiltinFunc is one registered in-process ability handler.
type BuiltinFunc func(ctx context.Context, run *models.AmbientAbilityRun, ability *models.Ability) (map[string]interface{}, error)

// BuiltinExecutor runs abilities as registered Go functions keyed by
// ability name.
type BuiltinExecutor struct {
	handlers map[string]BuiltinFunc
}

// NewBuiltinExecutor returns an executor with the stock handlers
// registered.
func NewBuiltinExecutor() *BuiltinExecutor {
	e := &BuiltinExecutor{handlers: make(map[string]BuiltinFunc)}
	e.Register("summarize_session", summarizeSession)
	e.Register("echo", echoContext)
	return e
}

// Register adds or replaces a handler for an ability name.
func (e *BuiltinExecutor) Register(name string, fn BuiltinFunc) {
	e.handlers[name] = fn
}

func (e *BuiltinExecutor) Type() models.AbilityType { return models.AbilityBuiltin }

func (e *BuiltinExecutor) Execute(ctx context.Context, run *models.AmbientAbilityRun, ability *models.Ability) (map[string]interface{}, error) {
	fn, ok := e.handlers[ability.Name]
	if !ok {
		return nil, fmt.Errorf("no builtin handler registered for ability %q", ability.Name)
	}
	return fn(ctx, run, ability)
}

// summarizeSession produces a compact summary record from the run's input
// context. The interactive layer reads it back through the run result.
func summarizeSession(_ context.Context, run *models.AmbientAbilityRun, _ *models.Ability) (map[string]interface{}, error) {
	summary := map[string]interface{}{
		"conversation_id": run.ConversationID,
		"user_id":         run.UserID,
	}
	if v, ok := run.InputContext["message_count"]; ok {
		summary["message_count"] = v
	}
	if v, ok := run.InputContext["last_message"].(string); ok && v != "" {
		line := v
		if len(line) > 200 {
			line = strings.TrimSpace(line[:200]) + "..."
		}
		summary["closing_message"] = line
	}
	return summary, nil
}

// echoContext returns the input context unchanged. Useful as a smoke-test
// ability and in local development.
func echoContext(_ context.Context, run *models.AmbientAbilityRun, _ *models.Ability) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(run.InputContext))
	for k, v := range run.InputContext {
		out[k] = v
	}
	return out, nil
}

// ── External trigger ────────────────────────────────────────

// ExternalTriggerExecutor records a handoff reference for an external
// scheduler. The scheduler watches completed runs of this type and picks
// the trigger up out-of-band.
type ExternalTriggerExecutor struct{}

func NewExternalTriggerExecutor() *ExternalTriggerExecutor { return &ExternalTriggerExecutor{} }

func (e *ExternalTriggerExecutor) Type() models.AbilityType { return models.AbilityExternalTrigger }

func (e *ExternalTriggerExecutor) Execute(_ context.Context, run *models.AmbientAbilityRun, ability *models.Ability) (map[string]interface{}, error) {
	return map[string]interface{}{
		"handoff":     "external",
		"trigger_ref": uuid.NewString(),
		"ability":     ability.Name,
		"run_id":      run.ID,
	}, nil
}

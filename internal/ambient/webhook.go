package ambient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/attendra/attendra/pkg/models"
)

// webhookEnvelope is the fixed payload posted to webhook abilities. The
// shape is part of the external contract; fields are never removed.
type webhookEnvelope struct {
	RunID          string                 `json:"run_id"`
	AbilityID      string                 `json:"ability_id"`
	TenantID       string                 `json:"tenant_id"`
	UserID         string                 `json:"user_id,omitempty"`
	ConversationID string                 `json:"conversation_id,omitempty"`
	TriggerType    models.TriggerType     `json:"trigger_type"`
	InputContext   map[string]interface{} `json:"input_context,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
}

// WebhookExecutor posts the run envelope to the ability's configured URL.
// A non-2xx response or a timeout is a failure, never a retry: retrying
// a webhook the receiver already processed would double-deliver.
type WebhookExecutor struct {
	client *http.Client
}

// NewWebhookExecutor creates the webhook executor with a bounded per-call
// timeout.
func NewWebhookExecutor(timeout time.Duration) *WebhookExecutor {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &WebhookExecutor{
		client: &http.Client{Timeout: timeout},
	}
}

func (e *WebhookExecutor) Type() models.AbilityType { return models.AbilityWebhook }

func (e *WebhookExecutor) Execute(ctx context.Context, run *models.AmbientAbilityRun, ability *models.Ability) (map[string]interface{}, error) {
	if ability.WebhookURL == "" {
		return nil, fmt.Errorf("ability %q has no webhook URL configured", ability.Name)
	}

	envelope := webhookEnvelope{
		RunID:          run.ID,
		AbilityID:      ability.ID,
		TenantID:       run.TenantID,
		UserID:         run.UserID,
		ConversationID: run.ConversationID,
		TriggerType:    run.TriggerType,
		InputContext:   run.InputContext,
		Timestamp:      time.Now().UTC(),
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("encode webhook envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ability.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if ability.AuthHeader != "" && ability.AuthValue != "" {
		req.Header.Set(ability.AuthHeader, ability.AuthValue)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook POST %s: %w", ability.WebhookURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("webhook %s returned HTTP %d", ability.WebhookURL, resp.StatusCode)
	}

	result := map[string]interface{}{
		"delivered":   true,
		"status_code": resp.StatusCode,
	}
	// Receivers may answer with a JSON body; keep it if small and valid.
	if respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024)); err == nil && len(respBody) > 0 {
		var parsed map[string]interface{}
		if json.Unmarshal(respBody, &parsed) == nil {
			result["response"] = parsed
		}
	}
	return result, nil
}

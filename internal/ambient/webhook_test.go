package ambient_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/attendra/attendra/internal/ambient"
	"github.com/attendra/attendra/pkg/models"
)

func webhookFixtures(url string) (*models.AmbientAbilityRun, *models.Ability) {
	run := &models.AmbientAbilityRun{
		ID:             "run1",
		AbilityID:      "ab1",
		TenantID:       "t1",
		UserID:         "u1",
		ConversationID: "c1",
		TriggerType:    models.TriggerPostSession,
		InputContext:   map[string]interface{}{"message_count": float64(4)},
	}
	ability := &models.Ability{
		ID:         "ab1",
		TenantID:   "t1",
		Name:       "crm-update",
		Type:       models.AbilityWebhook,
		WebhookURL: url,
	}
	return run, ability
}

func TestWebhookDeliversEnvelope(t *testing.T) {
	var (
		gotBody   map[string]interface{}
		gotHeader http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ticket":"T-42"}`))
	}))
	defer srv.Close()

	run, ability := webhookFixtures(srv.URL)
	ability.AuthHeader = "X-Api-Key"
	ability.AuthValue = "hunter2"

	result, err := ambient.NewWebhookExecutor(time.Second).Execute(context.Background(), run, ability)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if gotHeader.Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %q", gotHeader.Get("Content-Type"))
	}
	if gotHeader.Get("X-Api-Key") != "hunter2" {
		t.Errorf("X-Api-Key = %q", gotHeader.Get("X-Api-Key"))
	}

	for key, want := range map[string]interface{}{
		"run_id":          "run1",
		"ability_id":      "ab1",
		"tenant_id":       "t1",
		"user_id":         "u1",
		"conversation_id": "c1",
		"trigger_type":    string(models.TriggerPostSession),
	} {
		if gotBody[key] != want {
			t.Errorf("envelope[%s] = %v, want %v", key, gotBody[key], want)
		}
	}
	if gotBody["timestamp"] == nil {
		t.Error("envelope has no timestamp")
	}
	input, _ := gotBody["input_context"].(map[string]interface{})
	if input["message_count"] != float64(4) {
		t.Errorf("input_context = %v", gotBody["input_context"])
	}

	if result["delivered"] != true {
		t.Errorf("delivered = %v", result["delivered"])
	}
	if result["status_code"] != http.StatusOK {
		t.Errorf("status_code = %v", result["status_code"])
	}
	resp, _ := result["response"].(map[string]interface{})
	if resp["ticket"] != "T-42" {
		t.Errorf("response = %v", result["response"])
	}
}

func TestWebhookNon2xxIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	run, ability := webhookFixtures(srv.URL)
	_, err := ambient.NewWebhookExecutor(time.Second).Execute(context.Background(), run, ability)
	if err == nil {
		t.Fatal("Execute succeeded on HTTP 502")
	}
	if !strings.Contains(err.Error(), "502") {
		t.Errorf("err = %v, want the status code surfaced", err)
	}
}

func TestWebhookTimeoutIsFailure(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		<-release
	}))
	defer func() {
		close(release)
		srv.Close()
	}()

	run, ability := webhookFixtures(srv.URL)
	start := time.Now()
	_, err := ambient.NewWebhookExecutor(50 * time.Millisecond).Execute(context.Background(), run, ability)
	if err == nil {
		t.Fatal("Execute succeeded past the timeout")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout took %s, budget was 50ms", elapsed)
	}
}

func TestWebhookMissingURLIsFailure(t *testing.T) {
	run, ability := webhookFixtures("")
	_, err := ambient.NewWebhookExecutor(time.Second).Execute(context.Background(), run, ability)
	if err == nil {
		t.Fatal("Execute succeeded with no webhook URL")
	}
}

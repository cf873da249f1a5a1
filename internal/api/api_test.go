package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/attendra/attendra/internal/api"
	"github.com/attendra/attendra/internal/api/handlers"
	"github.com/attendra/attendra/internal/config"
	"github.com/attendra/attendra/internal/dispatch"
	"github.com/attendra/attendra/internal/realtime"
	"github.com/attendra/attendra/internal/store"
	"github.com/attendra/attendra/internal/tenant"
	"github.com/attendra/attendra/pkg/models"
)

// stubRooms is a minimal in-memory room bridge for routing tests.
type stubRooms struct {
	rooms map[string]*realtime.Room
}

func newStubRooms() *stubRooms {
	return &stubRooms{rooms: make(map[string]*realtime.Room)}
}

func (f *stubRooms) CreateRoom(_ context.Context, name string, metadata map[string]string) (*realtime.Room, error) {
	room := &realtime.Room{Name: name, Metadata: metadata}
	f.rooms[name] = room
	return room, nil
}

func (f *stubRooms) GetRoom(_ context.Context, name string) (*realtime.Room, error) {
	room, ok := f.rooms[name]
	if !ok {
		return nil, realtime.ErrRoomNotFound
	}
	return room, nil
}

func (f *stubRooms) UpdateRoomMetadata(_ context.Context, name string, metadata map[string]string) (*realtime.Room, error) {
	room, ok := f.rooms[name]
	if !ok {
		return nil, realtime.ErrRoomNotFound
	}
	room.Metadata = metadata
	return room, nil
}

func (f *stubRooms) CreateDispatch(context.Context, string, string, map[string]string) error {
	return nil
}

func (f *stubRooms) IssueParticipantToken(identity, _ string, _ time.Duration) (string, error) {
	return "jwt-" + identity, nil
}

func newTestAPI(t *testing.T) (http.Handler, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })

	cfg := &config.Config{
		ServiceName: "attendra",
		Environment: "test",
		Version:     "test",
	}
	reg := tenant.NewRegistry(s, nil, "postgres://platform", "platform-secret")
	d := dispatch.NewDispatcher(reg, newStubRooms(), s, &dispatch.StoreOutputSource{Store: s}, dispatch.Options{
		PollInterval: time.Millisecond,
		PollMaxWait:  100 * time.Millisecond,
		PollMaxIters: 5,
	})
	d.SetAbilityLister(s)

	return api.NewRouter(handlers.New(cfg, s, reg, d)), s
}

func seedTenantAndAgent(t *testing.T, s store.Store, tier models.Tier) {
	t.Helper()
	ctx := context.Background()
	if err := s.CreateTenant(ctx, &models.Tenant{
		ID:                 "t1",
		Name:               "Tenant One",
		HostingType:        models.HostingShared,
		Tier:               tier,
		ProvisioningStatus: models.ProvisioningReady,
		CreatedAt:          time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed tenant: %v", err)
	}
	if err := s.CreateAgent(ctx, &models.Agent{
		ID:           "a1",
		TenantID:     "t1",
		Slug:         "demo",
		Name:         "Demo Agent",
		VoiceEnabled: true,
		TextEnabled:  true,
	}); err != nil {
		t.Fatalf("seed agent: %v", err)
	}
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}, headers map[string]string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var decoded map[string]interface{}
	if rec.Body.Len() > 0 {
		// Lists decode to nil here; tests needing them decode themselves.
		json.Unmarshal(rec.Body.Bytes(), &decoded)
	}
	return rec, decoded
}

func TestHealth(t *testing.T) {
	h, _ := newTestAPI(t)
	rec, body := doJSON(t, h, http.MethodGet, "/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["status"] != "ok" || body["store"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestVersion(t *testing.T) {
	h, _ := newTestAPI(t)
	rec, body := doJSON(t, h, http.MethodGet, "/version", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["service"] != "attendra" {
		t.Errorf("service = %v", body["service"])
	}
}

// ── Trigger ─────────────────────────────────────────────────

func TestTriggerVoice(t *testing.T) {
	h, s := newTestAPI(t)
	seedTenantAndAgent(t, s, models.TierMid)

	rec, body := doJSON(t, h, http.MethodPost, "/api/v1/trigger", map[string]interface{}{
		"agent_ref": "demo",
		"mode":      "voice",
		"room_name": "room-1",
		"user_id":   "u1",
	}, map[string]string{"X-Tenant-Id": "t1"})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %v", rec.Code, body)
	}
	if body["success"] != true {
		t.Errorf("success = %v", body["success"])
	}
	data, _ := body["data"].(map[string]interface{})
	if data["status"] != "created" {
		t.Errorf("data.status = %v", data["status"])
	}
	if data["token"] != "jwt-u1" {
		t.Errorf("data.token = %v", data["token"])
	}
	info, _ := body["agent_info"].(map[string]interface{})
	if info["slug"] != "demo" || info["tenant_id"] != "t1" {
		t.Errorf("agent_info = %v", info)
	}
}

func TestTriggerValidationIs400(t *testing.T) {
	h, s := newTestAPI(t)
	seedTenantAndAgent(t, s, models.TierMid)

	rec, body := doJSON(t, h, http.MethodPost, "/api/v1/trigger", map[string]interface{}{
		"mode":    "voice",
		"user_id": "u1",
	}, nil)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if body["success"] != false {
		t.Errorf("success = %v", body["success"])
	}
}

func TestTriggerDeniedModeIs403(t *testing.T) {
	h, s := newTestAPI(t)
	seedTenantAndAgent(t, s, models.TierBase) // base tier has no voice

	rec, _ := doJSON(t, h, http.MethodPost, "/api/v1/trigger", map[string]interface{}{
		"agent_ref": "demo",
		"mode":      "voice",
		"room_name": "room-1",
		"user_id":   "u1",
	}, map[string]string{"X-Tenant-Id": "t1"})

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

// ── Tenant administration ───────────────────────────────────

func TestTenantSecretsAreWriteOnly(t *testing.T) {
	h, s := newTestAPI(t)

	rec, body := doJSON(t, h, http.MethodPost, "/api/v1/tenants", map[string]interface{}{
		"name":      "Acme",
		"store_url": "postgres://acme",
		"store_key": "super-secret",
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %v", rec.Code, body)
	}
	if body["store_key"] != "********" {
		t.Errorf("create response store_key = %v, want masked", body["store_key"])
	}
	id, _ := body["id"].(string)
	if id == "" {
		t.Fatal("no id in create response")
	}

	// Sending an empty key on update keeps the stored one.
	rec, body = doJSON(t, h, http.MethodPut, "/api/v1/tenants/"+id+"/", map[string]interface{}{
		"name": "Acme Renamed",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d, body %v", rec.Code, body)
	}

	stored, err := s.GetTenant(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTenant: %v", err)
	}
	if stored.Name != "Acme Renamed" {
		t.Errorf("Name = %q", stored.Name)
	}
	if stored.StoreKey != "super-secret" {
		t.Errorf("StoreKey = %q, update clobbered the secret", stored.StoreKey)
	}

	rec, body = doJSON(t, h, http.MethodGet, "/api/v1/tenants/"+id+"/", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	if body["store_key"] != "********" {
		t.Errorf("get response store_key = %v, want masked", body["store_key"])
	}
}

func TestTenantCredentialsSharedMarker(t *testing.T) {
	h, s := newTestAPI(t)
	seedTenantAndAgent(t, s, models.TierMid)

	rec, body := doJSON(t, h, http.MethodGet, "/api/v1/tenants/t1/credentials", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %v", rec.Code, body)
	}
	if body["uses_shared_keys"] != true {
		t.Errorf("uses_shared_keys = %v", body["uses_shared_keys"])
	}
	if body["store_key"] != nil {
		t.Errorf("store_key leaked: %v", body["store_key"])
	}
}

func TestGetUnknownTenantIs404(t *testing.T) {
	h, _ := newTestAPI(t)
	rec, _ := doJSON(t, h, http.MethodGet, "/api/v1/tenants/ghost/", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

// ── Agents ──────────────────────────────────────────────────

func TestCreateAgentEnforcesTierLimit(t *testing.T) {
	h, s := newTestAPI(t)
	seedTenantAndAgent(t, s, models.TierBase) // base allows 2 agents; one is seeded

	headers := map[string]string{"X-Tenant-Id": "t1"}
	rec, _ := doJSON(t, h, http.MethodPost, "/api/v1/agents", map[string]interface{}{
		"slug": "second", "name": "Second",
	}, headers)
	if rec.Code != http.StatusCreated {
		t.Fatalf("second agent status = %d", rec.Code)
	}

	rec, body := doJSON(t, h, http.MethodPost, "/api/v1/agents", map[string]interface{}{
		"slug": "third", "name": "Third",
	}, headers)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("third agent status = %d, body %v, want 403", rec.Code, body)
	}
}

// ── Ambient runs & notifications ────────────────────────────

func TestScheduleRun(t *testing.T) {
	h, s := newTestAPI(t)
	seedTenantAndAgent(t, s, models.TierMid)
	ctx := context.Background()

	if err := s.CreateAbility(ctx, &models.Ability{
		ID: "ab1", TenantID: "t1", Name: "digest",
		Type: models.AbilityBuiltin, Enabled: true,
	}); err != nil {
		t.Fatalf("CreateAbility: %v", err)
	}

	rec, body := doJSON(t, h, http.MethodPost, "/api/v1/ambient/runs", map[string]interface{}{
		"ability_id": "ab1",
		"user_id":    "u1",
	}, map[string]string{"X-Tenant-Id": "t1"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %v", rec.Code, body)
	}
	if body["trigger_type"] != string(models.TriggerScheduled) {
		t.Errorf("trigger_type = %v", body["trigger_type"])
	}
	if body["status"] != string(models.RunPending) {
		t.Errorf("status = %v", body["status"])
	}

	runID, _ := body["id"].(string)
	rec, _ = doJSON(t, h, http.MethodGet, "/api/v1/ambient/runs/"+runID, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get run status = %d", rec.Code)
	}
}

func TestScheduleRunDisabledAbilityIs409(t *testing.T) {
	h, s := newTestAPI(t)
	seedTenantAndAgent(t, s, models.TierMid)

	if err := s.CreateAbility(context.Background(), &models.Ability{
		ID: "ab1", TenantID: "t1", Name: "digest",
		Type: models.AbilityBuiltin, Enabled: false,
	}); err != nil {
		t.Fatalf("CreateAbility: %v", err)
	}

	rec, _ := doJSON(t, h, http.MethodPost, "/api/v1/ambient/runs",
		map[string]interface{}{"ability_id": "ab1"}, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestMarkNotificationShownIsIdempotent(t *testing.T) {
	h, s := newTestAPI(t)

	if err := s.CreateNotification(context.Background(), &models.Notification{
		ID: "n1", TenantID: "t1", UserID: "u1", RunID: "run1",
		Message: "done", CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("CreateNotification: %v", err)
	}

	for i := 0; i < 2; i++ {
		rec, _ := doJSON(t, h, http.MethodPost, "/api/v1/notifications/n1/shown", nil, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("attempt %d status = %d, want 200", i+1, rec.Code)
		}
	}

	rec, _ := doJSON(t, h, http.MethodPost, "/api/v1/notifications/ghost/shown", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown notification status = %d, want 404", rec.Code)
	}
}

// ── Output channel ──────────────────────────────────────────

func TestOutputEventIngestAndList(t *testing.T) {
	h, _ := newTestAPI(t)

	rec, _ := doJSON(t, h, http.MethodPost, "/api/v1/conversations/c1/events", map[string]interface{}{
		"kind":  "delta",
		"delta": "Hel",
	}, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("ingest status = %d", rec.Code)
	}
	rec, _ = doJSON(t, h, http.MethodPost, "/api/v1/conversations/c1/events", map[string]interface{}{
		"kind": "done",
		"text": "Hello",
	}, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("ingest status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations/c1/events?after_seq=1", nil)
	recList := httptest.NewRecorder()
	h.ServeHTTP(recList, req)
	if recList.Code != http.StatusOK {
		t.Fatalf("list status = %d", recList.Code)
	}
	var events []models.OutputEvent
	if err := json.Unmarshal(recList.Body.Bytes(), &events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(events) != 1 || events[0].Kind != models.OutputDone {
		t.Fatalf("events = %v", events)
	}

	rec, _ = doJSON(t, h, http.MethodPost, "/api/v1/conversations/c1/events", map[string]interface{}{
		"kind": "bogus",
	}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bogus kind status = %d, want 400", rec.Code)
	}
}

package store_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/attendra/attendra/internal/store"
	"github.com/attendra/attendra/pkg/models"
)

func newTestStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	return s
}

func seedTenant(t *testing.T, s store.Store, id string) {
	t.Helper()
	err := s.CreateTenant(context.Background(), &models.Tenant{
		ID:                 id,
		Name:               "Tenant " + id,
		HostingType:        models.HostingShared,
		Tier:               models.TierMid,
		ProvisioningStatus: models.ProvisioningReady,
		CreatedAt:          time.Now().UTC(),
		UpdatedAt:          time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed tenant: %v", err)
	}
}

func TestTenantCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedTenant(t, s, "t1")

	got, err := s.GetTenant(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTenant: %v", err)
	}
	if got.Name != "Tenant t1" {
		t.Errorf("Name = %q, want %q", got.Name, "Tenant t1")
	}

	got.Tier = models.TierEnterprise
	if err := s.UpdateTenant(ctx, got); err != nil {
		t.Fatalf("UpdateTenant: %v", err)
	}
	updated, _ := s.GetTenant(ctx, "t1")
	if updated.Tier != models.TierEnterprise {
		t.Errorf("Tier = %q after update, want enterprise", updated.Tier)
	}

	if err := s.DeleteTenant(ctx, "t1"); err != nil {
		t.Fatalf("DeleteTenant: %v", err)
	}
	if _, err := s.GetTenant(ctx, "t1"); !store.IsNotFound(err) {
		t.Errorf("GetTenant after delete = %v, want not-found", err)
	}
}

func TestDeleteTenantCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedTenant(t, s, "t1")
	seedTenant(t, s, "t2")
	if err := s.CreateAgent(ctx, &models.Agent{ID: "a1", TenantID: "t1", Slug: "demo"}); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	if err := s.CreateAgent(ctx, &models.Agent{ID: "a2", TenantID: "t2", Slug: "keeper"}); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	if err := s.CreateAbility(ctx, &models.Ability{ID: "ab1", TenantID: "t1", Name: "digest", Type: models.AbilityBuiltin}); err != nil {
		t.Fatalf("CreateAbility: %v", err)
	}

	if err := s.DeleteTenant(ctx, "t1"); err != nil {
		t.Fatalf("DeleteTenant: %v", err)
	}

	if _, err := s.GetAgent(ctx, "t1", "demo"); !store.IsNotFound(err) {
		t.Errorf("agent survived tenant delete: %v", err)
	}
	abilities, err := s.ListAbilities(ctx, "t1")
	if err != nil {
		t.Fatalf("ListAbilities: %v", err)
	}
	if len(abilities) != 0 {
		t.Errorf("%d abilities survived tenant delete", len(abilities))
	}

	// Other tenants are untouched.
	if _, err := s.GetAgent(ctx, "t2", "keeper"); err != nil {
		t.Errorf("sibling tenant's agent lost: %v", err)
	}
}

func TestGetTenantUnknownIsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetTenant(context.Background(), "nope")
	if !store.IsNotFound(err) {
		t.Fatalf("err = %v, want not-found", err)
	}
}

func TestAgentLookupAndSlugFallback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTenant(t, s, "t1")

	agent := &models.Agent{
		ID:          "a1",
		TenantID:    "t1",
		Slug:        "helper",
		Name:        "Helper",
		TextEnabled: true,
	}
	if err := s.CreateAgent(ctx, agent); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	got, err := s.GetAgent(ctx, "t1", "helper")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if got.ID != "a1" {
		t.Errorf("ID = %q, want a1", got.ID)
	}

	// Cross-tenant fallback finds the same agent without a tenant ref.
	found, err := s.FindAgentBySlug(ctx, "helper")
	if err != nil {
		t.Fatalf("FindAgentBySlug: %v", err)
	}
	if found.TenantID != "t1" {
		t.Errorf("TenantID = %q, want t1", found.TenantID)
	}

	if _, err := s.FindAgentBySlug(ctx, "ghost"); !store.IsNotFound(err) {
		t.Errorf("FindAgentBySlug(ghost) = %v, want not-found", err)
	}
}

func TestClaimPendingRunsExactlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const pending = 20
	for i := 0; i < pending; i++ {
		err := s.EnqueueRun(ctx, &models.AmbientAbilityRun{
			ID:          fmt.Sprintf("run-%02d", i),
			AbilityID:   "ab1",
			AbilityType: models.AbilityBuiltin,
			TenantID:    "t1",
			TriggerType: models.TriggerPostSession,
			Status:      models.RunPending,
			CreatedAt:   time.Now().UTC().Add(time.Duration(i) * time.Millisecond),
		})
		if err != nil {
			t.Fatalf("EnqueueRun: %v", err)
		}
	}

	// N concurrent pollers must claim each run exactly once.
	const pollers = 8
	var wg sync.WaitGroup
	claims := make(chan string, pending*2)
	for i := 0; i < pollers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				runs, err := s.ClaimPendingRuns(ctx, 3)
				if err != nil {
					t.Errorf("ClaimPendingRuns: %v", err)
					return
				}
				if len(runs) == 0 {
					return
				}
				for _, r := range runs {
					claims <- r.ID
				}
			}
		}()
	}
	wg.Wait()
	close(claims)

	seen := make(map[string]int)
	for id := range claims {
		seen[id]++
	}
	if len(seen) != pending {
		t.Fatalf("claimed %d distinct runs, want %d", len(seen), pending)
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("run %s claimed %d times", id, n)
		}
	}

	// Everything is running now; nothing pending remains.
	left, err := s.ListRuns(ctx, "t1", models.RunPending, 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(left) != 0 {
		t.Errorf("%d runs still pending after claims", len(left))
	}
}

func TestClaimOrdersByCreation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 2; i >= 0; i-- {
		err := s.EnqueueRun(ctx, &models.AmbientAbilityRun{
			ID:          fmt.Sprintf("run-%d", i),
			AbilityID:   "ab1",
			AbilityType: models.AbilityBuiltin,
			TenantID:    "t1",
			TriggerType: models.TriggerScheduled,
			Status:      models.RunPending,
			CreatedAt:   base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("EnqueueRun: %v", err)
		}
	}

	runs, err := s.ClaimPendingRuns(ctx, 2)
	if err != nil {
		t.Fatalf("ClaimPendingRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("claimed %d runs, want 2", len(runs))
	}
	if runs[0].ID != "run-0" || runs[1].ID != "run-1" {
		t.Errorf("claim order = %s, %s; want run-0, run-1", runs[0].ID, runs[1].ID)
	}
	for _, r := range runs {
		if r.Status != models.RunRunning {
			t.Errorf("run %s status = %q, want running", r.ID, r.Status)
		}
		if r.StartedAt == nil {
			t.Errorf("run %s has no StartedAt", r.ID)
		}
	}
}

func TestCompleteAndFailRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"ok", "bad"} {
		if err := s.EnqueueRun(ctx, &models.AmbientAbilityRun{
			ID:          id,
			AbilityID:   "ab1",
			AbilityType: models.AbilityBuiltin,
			TenantID:    "t1",
			TriggerType: models.TriggerScheduled,
			Status:      models.RunPending,
			CreatedAt:   time.Now().UTC(),
		}); err != nil {
			t.Fatalf("EnqueueRun: %v", err)
		}
	}
	if _, err := s.ClaimPendingRuns(ctx, 2); err != nil {
		t.Fatalf("ClaimPendingRuns: %v", err)
	}

	if err := s.CompleteRun(ctx, "ok", map[string]interface{}{"n": 1}, 42); err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}
	done, _ := s.GetRun(ctx, "ok")
	if done.Status != models.RunCompleted || done.DurationMs != 42 || done.FinishedAt == nil {
		t.Errorf("completed run = %+v", done)
	}

	if err := s.FailRun(ctx, "bad", "boom", 7); err != nil {
		t.Fatalf("FailRun: %v", err)
	}
	failed, _ := s.GetRun(ctx, "bad")
	if failed.Status != models.RunFailed || failed.Error != "boom" {
		t.Errorf("failed run = %+v", failed)
	}

	// Terminal states cannot be re-committed.
	if err := s.CompleteRun(ctx, "ok", nil, 1); err == nil {
		t.Error("CompleteRun on completed run succeeded, want error")
	}
}

func TestMarkNotificationShownIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n := &models.Notification{
		ID:        "n1",
		TenantID:  "t1",
		UserID:    "u1",
		RunID:     "r1",
		Message:   "done",
		CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateNotification(ctx, n); err != nil {
		t.Fatalf("CreateNotification: %v", err)
	}

	if err := s.MarkNotificationShown(ctx, "n1"); err != nil {
		t.Fatalf("first MarkNotificationShown: %v", err)
	}
	if err := s.MarkNotificationShown(ctx, "n1"); err != nil {
		t.Fatalf("second MarkNotificationShown: %v", err)
	}

	list, err := s.ListNotifications(ctx, "t1", "u1", true)
	if err != nil {
		t.Fatalf("ListNotifications: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("%d unshown notifications after marking, want 0", len(list))
	}

	if err := s.MarkNotificationShown(ctx, "missing"); !store.IsNotFound(err) {
		t.Errorf("MarkNotificationShown(missing) = %v, want not-found", err)
	}
}

func TestOutputEventSequencing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, kind := range []models.OutputEventKind{models.OutputDelta, models.OutputDelta, models.OutputDone} {
		if err := s.AppendOutputEvent(ctx, &models.OutputEvent{
			ConversationID: "c1",
			Kind:           kind,
		}); err != nil {
			t.Fatalf("AppendOutputEvent: %v", err)
		}
	}

	all, err := s.ListOutputEvents(ctx, "c1", 0)
	if err != nil {
		t.Fatalf("ListOutputEvents: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d events, want 3", len(all))
	}
	for i, ev := range all {
		if ev.Seq != int64(i+1) {
			t.Errorf("event %d seq = %d, want %d", i, ev.Seq, i+1)
		}
	}

	tail, err := s.ListOutputEvents(ctx, "c1", 2)
	if err != nil {
		t.Fatalf("ListOutputEvents(after 2): %v", err)
	}
	if len(tail) != 1 || tail[0].Kind != models.OutputDone {
		t.Errorf("tail = %+v, want single done event", tail)
	}
}

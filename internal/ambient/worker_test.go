package ambient_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/attendra/attendra/internal/ambient"
	"github.com/attendra/attendra/internal/store"
	"github.com/attendra/attendra/pkg/models"
)

func newRunStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	return s
}

func seedAbility(t *testing.T, s store.Store, a *models.Ability) {
	t.Helper()
	if a.TenantID == "" {
		a.TenantID = "t1"
	}
	a.Enabled = true
	if err := s.CreateAbility(context.Background(), a); err != nil {
		t.Fatalf("CreateAbility: %v", err)
	}
}

func seedRun(t *testing.T, s store.Store, run *models.AmbientAbilityRun) {
	t.Helper()
	if run.TenantID == "" {
		run.TenantID = "t1"
	}
	run.Status = models.RunPending
	run.CreatedAt = time.Now().UTC()
	if err := s.EnqueueRun(context.Background(), run); err != nil {
		t.Fatalf("EnqueueRun: %v", err)
	}
}

// runWorker drives the polling loop until every listed run reaches a
// terminal status, then stops it.
func runWorker(t *testing.T, s store.Store, executors []ambient.Executor, runIDs ...string) {
	t.Helper()
	w := ambient.NewWorker(s, executors, ambient.WorkerOptions{
		BatchSize:  2,
		IdleSleep:  2 * time.Millisecond,
		ErrorSleep: 2 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Start(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		settled := true
		for _, id := range runIDs {
			run, err := s.GetRun(context.Background(), id)
			if err != nil {
				t.Fatalf("GetRun(%s): %v", id, err)
			}
			if run.Status != models.RunCompleted && run.Status != models.RunFailed {
				settled = false
			}
		}
		if settled {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestWorkerCompletesBuiltinRun(t *testing.T) {
	s := newRunStore(t)
	ctx := context.Background()

	seedAbility(t, s, &models.Ability{
		ID:   "ab1",
		Name: "summarize_session",
		Type: models.AbilityBuiltin,
	})
	seedRun(t, s, &models.AmbientAbilityRun{
		ID:             "run1",
		AbilityID:      "ab1",
		AbilityName:    "summarize_session",
		AbilityType:    models.AbilityBuiltin,
		UserID:         "u1",
		ConversationID: "c1",
		TriggerType:    models.TriggerPostSession,
		InputContext: map[string]interface{}{
			"message_count": 6,
			"last_message":  "thanks, that is all",
		},
	})

	runWorker(t, s, []ambient.Executor{ambient.NewBuiltinExecutor()}, "run1")

	run, err := s.GetRun(ctx, "run1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != models.RunCompleted {
		t.Fatalf("Status = %q (error %q), want completed", run.Status, run.Error)
	}
	if run.FinishedAt == nil {
		t.Error("FinishedAt not set")
	}
	if run.OutputResult["closing_message"] != "thanks, that is all" {
		t.Errorf("OutputResult = %v", run.OutputResult)
	}

	// Completion leaves an unshown notification behind.
	notifs, err := s.ListNotifications(ctx, "t1", "u1", true)
	if err != nil {
		t.Fatalf("ListNotifications: %v", err)
	}
	if len(notifs) != 1 {
		t.Fatalf("%d notifications, want 1", len(notifs))
	}
	if notifs[0].Shown {
		t.Error("notification created already shown")
	}
	if !strings.Contains(notifs[0].Message, "summarize_session") {
		t.Errorf("Message = %q", notifs[0].Message)
	}
	if notifs[0].RunID != "run1" {
		t.Errorf("RunID = %q", notifs[0].RunID)
	}
}

func TestWorkerFailsRunWithoutExecutor(t *testing.T) {
	s := newRunStore(t)

	seedAbility(t, s, &models.Ability{ID: "ab1", Name: "mystery", Type: "mystery"})
	seedRun(t, s, &models.AmbientAbilityRun{
		ID:          "run1",
		AbilityID:   "ab1",
		AbilityName: "mystery",
		AbilityType: "mystery",
		UserID:      "u1",
	})

	runWorker(t, s, []ambient.Executor{ambient.NewBuiltinExecutor()}, "run1")

	run, _ := s.GetRun(context.Background(), "run1")
	if run.Status != models.RunFailed {
		t.Fatalf("Status = %q, want failed", run.Status)
	}
	if !strings.Contains(run.Error, "no executor") {
		t.Errorf("Error = %q", run.Error)
	}

	// Failures do not notify.
	notifs, _ := s.ListNotifications(context.Background(), "t1", "u1", false)
	if len(notifs) != 0 {
		t.Errorf("%d notifications after failure, want 0", len(notifs))
	}
}

func TestWorkerFailsRunWhenAbilityMissing(t *testing.T) {
	s := newRunStore(t)

	seedRun(t, s, &models.AmbientAbilityRun{
		ID:          "run1",
		AbilityID:   "ghost",
		AbilityName: "ghost",
		AbilityType: models.AbilityBuiltin,
	})

	runWorker(t, s, []ambient.Executor{ambient.NewBuiltinExecutor()}, "run1")

	run, _ := s.GetRun(context.Background(), "run1")
	if run.Status != models.RunFailed {
		t.Fatalf("Status = %q, want failed", run.Status)
	}
}

// flakyClaimStore fails the first N claim calls, then delegates.
type flakyClaimStore struct {
	*store.MemoryStore

	mu       sync.Mutex
	failures int
	attempts int
}

func (f *flakyClaimStore) ClaimPendingRuns(ctx context.Context, limit int) ([]models.AmbientAbilityRun, error) {
	f.mu.Lock()
	f.attempts++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return nil, errors.New("queue unavailable")
	}
	return f.MemoryStore.ClaimPendingRuns(ctx, limit)
}

func (f *flakyClaimStore) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func TestWorkerBacksOffOnClaimErrorAndResumes(t *testing.T) {
	s := &flakyClaimStore{MemoryStore: store.NewMemoryStore(), failures: 3}
	t.Cleanup(func() { s.Close() })

	seedAbility(t, s, &models.Ability{ID: "ab1", Name: "echo", Type: models.AbilityBuiltin})
	seedRun(t, s, &models.AmbientAbilityRun{
		ID:           "run1",
		AbilityID:    "ab1",
		AbilityName:  "echo",
		AbilityType:  models.AbilityBuiltin,
		InputContext: map[string]interface{}{"k": "v"},
	})

	runWorker(t, s, []ambient.Executor{ambient.NewBuiltinExecutor()}, "run1")

	// The loop survived three claim failures and still drained the queue.
	run, err := s.GetRun(context.Background(), "run1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != models.RunCompleted {
		t.Fatalf("Status = %q (error %q), want completed", run.Status, run.Error)
	}
	if got := s.attemptCount(); got < 4 {
		t.Errorf("claim attempts = %d, want the 3 failures plus at least one success", got)
	}
}

// panicExecutor blows up on every run.
type panicExecutor struct{}

func (panicExecutor) Type() models.AbilityType { return "panicky" }

func (panicExecutor) Execute(context.Context, *models.AmbientAbilityRun, *models.Ability) (map[string]interface{}, error) {
	panic("executor bug")
}

func TestWorkerContainsExecutorPanic(t *testing.T) {
	s := newRunStore(t)
	ctx := context.Background()

	seedAbility(t, s, &models.Ability{ID: "ab-panic", Name: "kaboom", Type: "panicky"})
	seedAbility(t, s, &models.Ability{ID: "ab-echo", Name: "echo", Type: models.AbilityBuiltin})
	seedRun(t, s, &models.AmbientAbilityRun{
		ID:          "run-panic",
		AbilityID:   "ab-panic",
		AbilityName: "kaboom",
		AbilityType: "panicky",
	})
	seedRun(t, s, &models.AmbientAbilityRun{
		ID:           "run-echo",
		AbilityID:    "ab-echo",
		AbilityName:  "echo",
		AbilityType:  models.AbilityBuiltin,
		InputContext: map[string]interface{}{"k": "v"},
	})

	runWorker(t, s, []ambient.Executor{panicExecutor{}, ambient.NewBuiltinExecutor()},
		"run-panic", "run-echo")

	// The panicking run failed with the panic recorded.
	panicked, _ := s.GetRun(ctx, "run-panic")
	if panicked.Status != models.RunFailed {
		t.Fatalf("panicking run Status = %q, want failed", panicked.Status)
	}
	if !strings.Contains(panicked.Error, "executor panic") {
		t.Errorf("Error = %q", panicked.Error)
	}

	// The panic did not take the loop down with it.
	echoed, _ := s.GetRun(ctx, "run-echo")
	if echoed.Status != models.RunCompleted {
		t.Fatalf("sibling run Status = %q, want completed", echoed.Status)
	}
	if echoed.OutputResult["k"] != "v" {
		t.Errorf("echo OutputResult = %v", echoed.OutputResult)
	}
}

func TestExternalTriggerExecutorRecordsHandoff(t *testing.T) {
	exec := ambient.NewExternalTriggerExecutor()
	run := &models.AmbientAbilityRun{ID: "run1"}
	ability := &models.Ability{Name: "crm-sync", Type: models.AbilityExternalTrigger}

	result, err := exec.Execute(context.Background(), run, ability)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result["handoff"] != "external" {
		t.Errorf("handoff = %v", result["handoff"])
	}
	if result["trigger_ref"] == "" || result["trigger_ref"] == nil {
		t.Error("trigger_ref not set")
	}
	if result["run_id"] != "run1" {
		t.Errorf("run_id = %v", result["run_id"])
	}
}

func TestProposerEnqueuesEligibleAbilities(t *testing.T) {
	s := newRunStore(t)
	ctx := context.Background()

	seedAbility(t, s, &models.Ability{
		ID: "ab-any", Name: "always", Type: models.AbilityBuiltin,
		PostSession: true,
	})
	seedAbility(t, s, &models.Ability{
		ID: "ab-long", Name: "long-only", Type: models.AbilityBuiltin,
		PostSession: true, MinMessages: 4,
	})
	seedAbility(t, s, &models.Ability{
		ID: "ab-manual", Name: "manual", Type: models.AbilityBuiltin,
	})
	disabled := &models.Ability{
		ID: "ab-off", Name: "off", Type: models.AbilityBuiltin,
		TenantID: "t1", PostSession: true,
	}
	if err := s.CreateAbility(ctx, disabled); err != nil {
		t.Fatalf("CreateAbility: %v", err)
	}

	p := ambient.NewPostSessionProposer(s)

	// A short session clears only the threshold-free ability.
	n, err := p.ProposePostSession(ctx, "t1", "u1", "c1", "", 2, map[string]interface{}{"message_count": 2})
	if err != nil {
		t.Fatalf("ProposePostSession: %v", err)
	}
	if n != 1 {
		t.Fatalf("short session enqueued %d runs, want 1", n)
	}

	// A long session clears both post-session abilities.
	n, err = p.ProposePostSession(ctx, "t1", "u1", "c2", "", 6, map[string]interface{}{"message_count": 6})
	if err != nil {
		t.Fatalf("ProposePostSession: %v", err)
	}
	if n != 2 {
		t.Fatalf("long session enqueued %d runs, want 2", n)
	}

	runs, err := s.ListRuns(ctx, "t1", models.RunPending, 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("%d pending runs, want 3", len(runs))
	}
	for _, run := range runs {
		if run.TriggerType != models.TriggerPostSession {
			t.Errorf("run %s TriggerType = %q", run.ID, run.TriggerType)
		}
		if run.AbilityID == "ab-off" || run.AbilityID == "ab-manual" {
			t.Errorf("ineligible ability %s was enqueued", run.AbilityID)
		}
	}
}

func TestProposerBelowThresholdEnqueuesNothing(t *testing.T) {
	s := newRunStore(t)
	ctx := context.Background()

	seedAbility(t, s, &models.Ability{
		ID: "ab1", Name: "digest", Type: models.AbilityBuiltin,
		PostSession: true, MinMessages: 10,
	})

	n, err := ambient.NewPostSessionProposer(s).ProposePostSession(ctx, "t1", "u1", "c1", "", 4, nil)
	if err != nil {
		t.Fatalf("ProposePostSession: %v", err)
	}
	if n != 0 {
		t.Errorf("enqueued %d runs, want 0", n)
	}
	runs, _ := s.ListRuns(ctx, "t1", models.RunPending, 0)
	if len(runs) != 0 {
		t.Errorf("%d pending runs, want 0", len(runs))
	}
}

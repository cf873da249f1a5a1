package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/attendra/attendra/pkg/models"
)

// MemoryStore is a thread-safe in-memory Store. It backs tests and
// zero-config local runs. The claim operation holds the store mutex for
// the whole transition, which gives the same claim-once guarantee as the
// PostgreSQL implementation within a single process.
type MemoryStore struct {
	mu            sync.RWMutex
	tenants       map[string]*models.Tenant
	agents        map[string]*models.Agent // key: tenantID + "/" + slug
	abilities     map[string]*models.Ability
	turns         []models.Turn
	runs          map[string]*models.AmbientAbilityRun
	notifications map[string]*models.Notification
	events        map[string][]models.OutputEvent // key: conversationID
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants:       make(map[string]*models.Tenant),
		agents:        make(map[string]*models.Agent),
		abilities:     make(map[string]*models.Ability),
		runs:          make(map[string]*models.AmbientAbilityRun),
		notifications: make(map[string]*models.Notification),
		events:        make(map[string][]models.OutputEvent),
	}
}

func (s *MemoryStore) Ping(_ context.Context) error    { return nil }
func (s *MemoryStore) Close() error                    { return nil }
func (s *MemoryStore) Migrate(_ context.Context) error { return nil }

// ── Tenants ─────────────────────────────────────────────────

func (s *MemoryStore) ListTenants(_ context.Context) ([]models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetTenant(_ context.Context, id string) (*models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tenants[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "tenant", Key: id}
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) CreateTenant(_ context.Context, tenant *models.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *tenant
	s.tenants[tenant.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateTenant(_ context.Context, tenant *models.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tenants[tenant.ID]; !ok {
		return &ErrNotFound{Entity: "tenant", Key: tenant.ID}
	}
	cp := *tenant
	cp.UpdatedAt = time.Now().UTC()
	s.tenants[tenant.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteTenant(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tenants[id]; !ok {
		return &ErrNotFound{Entity: "tenant", Key: id}
	}
	delete(s.tenants, id)
	// Cascade like the relational schema does.
	for key, a := range s.agents {
		if a.TenantID == id {
			delete(s.agents, key)
		}
	}
	for key, a := range s.abilities {
		if a.TenantID == id {
			delete(s.abilities, key)
		}
	}
	return nil
}

// ── Agents ──────────────────────────────────────────────────

func agentKey(tenantID, slug string) string { return tenantID + "/" + slug }

func (s *MemoryStore) ListAgents(_ context.Context, tenantID string) ([]models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Agent
	for _, a := range s.agents {
		if a.TenantID == tenantID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func (s *MemoryStore) GetAgent(_ context.Context, tenantID, slug string) (*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.agents[agentKey(tenantID, slug)]
	if !ok {
		return nil, &ErrNotFound{Entity: "agent", Key: slug}
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) FindAgentBySlug(_ context.Context, slug string) (*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.agents {
		if a.Slug == slug {
			cp := *a
			return &cp, nil
		}
	}
	return nil, &ErrNotFound{Entity: "agent", Key: slug}
}

func (s *MemoryStore) CreateAgent(_ context.Context, agent *models.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *agent
	s.agents[agentKey(agent.TenantID, agent.Slug)] = &cp
	return nil
}

func (s *MemoryStore) UpdateAgent(_ context.Context, agent *models.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := agentKey(agent.TenantID, agent.Slug)
	if _, ok := s.agents[key]; !ok {
		return &ErrNotFound{Entity: "agent", Key: agent.Slug}
	}
	cp := *agent
	cp.UpdatedAt = time.Now().UTC()
	s.agents[key] = &cp
	return nil
}

func (s *MemoryStore) DeleteAgent(_ context.Context, tenantID, slug string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := agentKey(tenantID, slug)
	if _, ok := s.agents[key]; !ok {
		return &ErrNotFound{Entity: "agent", Key: slug}
	}
	delete(s.agents, key)
	return nil
}

// ── Abilities ───────────────────────────────────────────────

func (s *MemoryStore) ListAbilities(_ context.Context, tenantID string) ([]models.Ability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Ability
	for _, a := range s.abilities {
		if a.TenantID == tenantID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) GetAbility(_ context.Context, id string) (*models.Ability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.abilities[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "ability", Key: id}
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) CreateAbility(_ context.Context, ability *models.Ability) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *ability
	s.abilities[ability.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateAbility(_ context.Context, ability *models.Ability) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.abilities[ability.ID]; !ok {
		return &ErrNotFound{Entity: "ability", Key: ability.ID}
	}
	cp := *ability
	cp.UpdatedAt = time.Now().UTC()
	s.abilities[ability.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteAbility(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.abilities[id]; !ok {
		return &ErrNotFound{Entity: "ability", Key: id}
	}
	delete(s.abilities, id)
	return nil
}

// ── Conversations ───────────────────────────────────────────

func (s *MemoryStore) SaveTurn(_ context.Context, turn *models.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.turns = append(s.turns, *turn)
	return nil
}

func (s *MemoryStore) ListTurns(_ context.Context, tenantID, conversationID string, limit int) ([]models.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Turn
	for _, t := range s.turns {
		if t.TenantID == tenantID && t.ConversationID == conversationID {
			out = append(out, t)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// ── Ambient runs ────────────────────────────────────────────

func (s *MemoryStore) EnqueueRun(_ context.Context, run *models.AmbientAbilityRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *run
	if cp.Status == "" {
		cp.Status = models.RunPending
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.runs[run.ID] = &cp
	return nil
}

func (s *MemoryStore) ClaimPendingRuns(_ context.Context, limit int) ([]models.AmbientAbilityRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []*models.AmbientAbilityRun
	for _, r := range s.runs {
		if r.Status == models.RunPending {
			pending = append(pending, r)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}

	now := time.Now().UTC()
	claimed := make([]models.AmbientAbilityRun, 0, len(pending))
	for _, r := range pending {
		r.Status = models.RunRunning
		r.StartedAt = &now
		claimed = append(claimed, *r)
	}
	return claimed, nil
}

func (s *MemoryStore) CompleteRun(_ context.Context, id string, result map[string]interface{}, durationMs int64) error {
	return s.finishRun(id, models.RunCompleted, result, "", durationMs)
}

func (s *MemoryStore) FailRun(_ context.Context, id string, errMsg string, durationMs int64) error {
	return s.finishRun(id, models.RunFailed, nil, errMsg, durationMs)
}

func (s *MemoryStore) finishRun(id string, status models.RunStatus, result map[string]interface{}, errMsg string, durationMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[id]
	if !ok || r.Status != models.RunRunning {
		return &ErrNotFound{Entity: "running ambient run", Key: id}
	}
	now := time.Now().UTC()
	r.Status = status
	r.OutputResult = result
	r.Error = errMsg
	r.FinishedAt = &now
	r.DurationMs = durationMs
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (*models.AmbientAbilityRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.runs[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "ambient run", Key: id}
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) ListRuns(_ context.Context, tenantID string, status models.RunStatus, limit int) ([]models.AmbientAbilityRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.AmbientAbilityRun
	for _, r := range s.runs {
		if tenantID != "" && r.TenantID != tenantID {
			continue
		}
		if status != "" && r.Status != status {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ── Notifications ───────────────────────────────────────────

func (s *MemoryStore) CreateNotification(_ context.Context, n *models.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *n
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.notifications[n.ID] = &cp
	return nil
}

func (s *MemoryStore) ListNotifications(_ context.Context, tenantID, userID string, unshownOnly bool) ([]models.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Notification
	for _, n := range s.notifications {
		if tenantID != "" && n.TenantID != tenantID {
			continue
		}
		if userID != "" && n.UserID != userID {
			continue
		}
		if unshownOnly && n.Shown {
			continue
		}
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) MarkNotificationShown(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notifications[id]
	if !ok {
		return &ErrNotFound{Entity: "notification", Key: id}
	}
	if n.Shown {
		return nil // already delivered
	}
	now := time.Now().UTC()
	n.Shown = true
	n.ShownAt = &now
	return nil
}

// ── Output events ───────────────────────────────────────────

func (s *MemoryStore) AppendOutputEvent(_ context.Context, event *models.OutputEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *event
	if cp.Seq == 0 {
		cp.Seq = int64(len(s.events[event.ConversationID])) + 1
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.events[event.ConversationID] = append(s.events[event.ConversationID], cp)
	return nil
}

func (s *MemoryStore) ListOutputEvents(_ context.Context, conversationID string, afterSeq int64) ([]models.OutputEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.OutputEvent
	for _, e := range s.events[conversationID] {
		if e.Seq > afterSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

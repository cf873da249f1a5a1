package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/attendra/attendra/pkg/models"
)

// pgUndefinedTable is the PostgreSQL error code for a missing relation.
const pgUndefinedTable = "42P01"

// PostgresStore implements Store on a pgx connection pool. The pool is
// also the shared connection handle the tenant registry hands to
// shared-hosting tenants.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to PostgreSQL and verifies the schema exists.
// A reachable database without the platform schema returns
// ErrSchemaMissing so bootstrap can distinguish "run migrations" from
// "database down".
func NewPostgresStore(ctx context.Context, connURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.checkSchema(ctx); err != nil {
		if !errors.Is(err, ErrSchemaMissing) {
			pool.Close()
			return nil, err
		}
		log.Warn().Msg("schema not initialized, running migrations")
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("postgres migrate: %w", err)
		}
	}

	log.Info().Msg("postgres store initialized")
	return s, nil
}

// Pool exposes the shared connection pool for the tenant registry.
func (s *PostgresStore) Pool() *pgxpool.Pool { return s.pool }

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// checkSchema probes one table and maps undefined_table to ErrSchemaMissing.
func (s *PostgresStore) checkSchema(ctx context.Context) error {
	var one int
	err := s.pool.QueryRow(ctx, "SELECT 1 FROM tenants LIMIT 1").Scan(&one)
	if err == nil || errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUndefinedTable {
		return ErrSchemaMissing
	}
	return fmt.Errorf("schema check: %w", err)
}

// Migrate creates the platform schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS tenants (
		id                  TEXT PRIMARY KEY,
		name                TEXT NOT NULL,
		hosting_type        TEXT NOT NULL DEFAULT 'shared',
		tier                TEXT NOT NULL DEFAULT 'base',
		store_url           TEXT NOT NULL DEFAULT '',
		store_key           TEXT NOT NULL DEFAULT '',
		uses_shared_keys    BOOLEAN NOT NULL DEFAULT FALSE,
		provisioning_status TEXT NOT NULL DEFAULT 'queued',
		provisioning_job_id TEXT NOT NULL DEFAULT '',
		features            JSONB NOT NULL DEFAULT '{}',
		created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS agents (
		id            TEXT PRIMARY KEY,
		tenant_id     TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
		slug          TEXT NOT NULL UNIQUE,
		name          TEXT NOT NULL,
		persona       TEXT NOT NULL DEFAULT '',
		tools         JSONB NOT NULL DEFAULT '[]',
		voice_enabled BOOLEAN NOT NULL DEFAULT TRUE,
		text_enabled  BOOLEAN NOT NULL DEFAULT TRUE,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_agents_tenant ON agents (tenant_id);

	CREATE TABLE IF NOT EXISTS abilities (
		id           TEXT PRIMARY KEY,
		tenant_id    TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
		name         TEXT NOT NULL,
		type         TEXT NOT NULL,
		enabled      BOOLEAN NOT NULL DEFAULT TRUE,
		post_session BOOLEAN NOT NULL DEFAULT FALSE,
		min_messages INT NOT NULL DEFAULT 0,
		webhook_url  TEXT NOT NULL DEFAULT '',
		auth_header  TEXT NOT NULL DEFAULT '',
		auth_value   TEXT NOT NULL DEFAULT '',
		config       JSONB NOT NULL DEFAULT '{}',
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_abilities_tenant ON abilities (tenant_id);

	CREATE TABLE IF NOT EXISTS turns (
		id              TEXT PRIMARY KEY,
		tenant_id       TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		agent_slug      TEXT NOT NULL,
		user_id         TEXT NOT NULL DEFAULT '',
		user_message    TEXT NOT NULL DEFAULT '',
		agent_message   TEXT NOT NULL DEFAULT '',
		citations       JSONB NOT NULL DEFAULT '[]',
		structured      JSONB NOT NULL DEFAULT '{}',
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns (tenant_id, conversation_id, created_at);

	CREATE TABLE IF NOT EXISTS ambient_runs (
		id              TEXT PRIMARY KEY,
		ability_id      TEXT NOT NULL,
		ability_name    TEXT NOT NULL DEFAULT '',
		ability_type    TEXT NOT NULL,
		tenant_id       TEXT NOT NULL,
		user_id         TEXT NOT NULL DEFAULT '',
		conversation_id TEXT NOT NULL DEFAULT '',
		session_id      TEXT NOT NULL DEFAULT '',
		trigger_type    TEXT NOT NULL,
		status          TEXT NOT NULL DEFAULT 'pending',
		input_context   JSONB NOT NULL DEFAULT '{}',
		output_result   JSONB,
		error           TEXT NOT NULL DEFAULT '',
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		started_at      TIMESTAMPTZ,
		finished_at     TIMESTAMPTZ,
		duration_ms     BIGINT NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_ambient_runs_pending ON ambient_runs (status, created_at);
	CREATE INDEX IF NOT EXISTS idx_ambient_runs_tenant ON ambient_runs (tenant_id, created_at);

	CREATE TABLE IF NOT EXISTS notifications (
		id         TEXT PRIMARY KEY,
		tenant_id  TEXT NOT NULL,
		user_id    TEXT NOT NULL DEFAULT '',
		run_id     TEXT NOT NULL,
		message    TEXT NOT NULL DEFAULT '',
		shown      BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		shown_at   TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications (tenant_id, user_id, shown);

	CREATE TABLE IF NOT EXISTS output_events (
		conversation_id TEXT NOT NULL,
		seq             BIGINT NOT NULL,
		kind            TEXT NOT NULL,
		delta           TEXT NOT NULL DEFAULT '',
		text            TEXT NOT NULL DEFAULT '',
		citations       JSONB NOT NULL DEFAULT '[]',
		structured      JSONB NOT NULL DEFAULT '{}',
		error           TEXT NOT NULL DEFAULT '',
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (conversation_id, seq)
	);
	`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

// ── Tenants ─────────────────────────────────────────────────

const tenantColumns = `id, name, hosting_type, tier, store_url, store_key,
	uses_shared_keys, provisioning_status, provisioning_job_id, features,
	created_at, updated_at`

func scanTenant(row pgx.Row) (*models.Tenant, error) {
	var t models.Tenant
	var features []byte
	err := row.Scan(&t.ID, &t.Name, &t.HostingType, &t.Tier, &t.StoreURL,
		&t.StoreKey, &t.UsesSharedKeys, &t.ProvisioningStatus,
		&t.ProvisioningJobID, &features, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(features) > 0 {
		if err := json.Unmarshal(features, &t.Features); err != nil {
			return nil, fmt.Errorf("decode tenant features: %w", err)
		}
	}
	return &t, nil
}

func (s *PostgresStore) ListTenants(ctx context.Context) ([]models.Tenant, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+tenantColumns+` FROM tenants ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetTenant(ctx context.Context, id string) (*models.Tenant, error) {
	t, err := scanTenant(s.pool.QueryRow(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "tenant", Key: id}
	}
	return t, err
}

func (s *PostgresStore) CreateTenant(ctx context.Context, tenant *models.Tenant) error {
	features, err := jsonOrEmptyObject(tenant.Features)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tenants (id, name, hosting_type, tier, store_url, store_key,
			uses_shared_keys, provisioning_status, provisioning_job_id, features,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		tenant.ID, tenant.Name, tenant.HostingType, tenant.Tier,
		tenant.StoreURL, tenant.StoreKey, tenant.UsesSharedKeys,
		tenant.ProvisioningStatus, tenant.ProvisioningJobID, features,
		tenant.CreatedAt, tenant.UpdatedAt)
	return err
}

func (s *PostgresStore) UpdateTenant(ctx context.Context, tenant *models.Tenant) error {
	features, err := jsonOrEmptyObject(tenant.Features)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE tenants SET name = $2, hosting_type = $3, tier = $4,
			store_url = $5, store_key = $6, uses_shared_keys = $7,
			provisioning_status = $8, provisioning_job_id = $9, features = $10,
			updated_at = NOW()
		WHERE id = $1`,
		tenant.ID, tenant.Name, tenant.HostingType, tenant.Tier,
		tenant.StoreURL, tenant.StoreKey, tenant.UsesSharedKeys,
		tenant.ProvisioningStatus, tenant.ProvisioningJobID, features)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "tenant", Key: tenant.ID}
	}
	return nil
}

func (s *PostgresStore) DeleteTenant(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tenants WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "tenant", Key: id}
	}
	return nil
}

// ── Agents ──────────────────────────────────────────────────

const agentColumns = `id, tenant_id, slug, name, persona, tools,
	voice_enabled, text_enabled, created_at, updated_at`

func scanAgent(row pgx.Row) (*models.Agent, error) {
	var a models.Agent
	var tools []byte
	err := row.Scan(&a.ID, &a.TenantID, &a.Slug, &a.Name, &a.Persona, &tools,
		&a.VoiceEnabled, &a.TextEnabled, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(tools) > 0 {
		if err := json.Unmarshal(tools, &a.Tools); err != nil {
			return nil, fmt.Errorf("decode agent tools: %w", err)
		}
	}
	return &a, nil
}

func (s *PostgresStore) ListAgents(ctx context.Context, tenantID string) ([]models.Agent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE tenant_id = $1 ORDER BY slug`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetAgent(ctx context.Context, tenantID, slug string) (*models.Agent, error) {
	a, err := scanAgent(s.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE tenant_id = $1 AND slug = $2`, tenantID, slug))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "agent", Key: slug}
	}
	return a, err
}

func (s *PostgresStore) FindAgentBySlug(ctx context.Context, slug string) (*models.Agent, error) {
	a, err := scanAgent(s.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE slug = $1`, slug))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "agent", Key: slug}
	}
	return a, err
}

func (s *PostgresStore) CreateAgent(ctx context.Context, agent *models.Agent) error {
	tools, err := jsonOrEmptyArray(agent.Tools)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO agents (id, tenant_id, slug, name, persona, tools,
			voice_enabled, text_enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		agent.ID, agent.TenantID, agent.Slug, agent.Name, agent.Persona,
		tools, agent.VoiceEnabled, agent.TextEnabled, agent.CreatedAt, agent.UpdatedAt)
	return err
}

func (s *PostgresStore) UpdateAgent(ctx context.Context, agent *models.Agent) error {
	tools, err := jsonOrEmptyArray(agent.Tools)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE agents SET name = $3, persona = $4, tools = $5,
			voice_enabled = $6, text_enabled = $7, updated_at = NOW()
		WHERE tenant_id = $1 AND slug = $2`,
		agent.TenantID, agent.Slug, agent.Name, agent.Persona, tools,
		agent.VoiceEnabled, agent.TextEnabled)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "agent", Key: agent.Slug}
	}
	return nil
}

func (s *PostgresStore) DeleteAgent(ctx context.Context, tenantID, slug string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM agents WHERE tenant_id = $1 AND slug = $2`, tenantID, slug)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "agent", Key: slug}
	}
	return nil
}

// ── Abilities ───────────────────────────────────────────────

const abilityColumns = `id, tenant_id, name, type, enabled, post_session,
	min_messages, webhook_url, auth_header, auth_value, config,
	created_at, updated_at`

func scanAbility(row pgx.Row) (*models.Ability, error) {
	var a models.Ability
	var config []byte
	err := row.Scan(&a.ID, &a.TenantID, &a.Name, &a.Type, &a.Enabled,
		&a.PostSession, &a.MinMessages, &a.WebhookURL, &a.AuthHeader,
		&a.AuthValue, &config, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(config) > 0 {
		if err := json.Unmarshal(config, &a.Config); err != nil {
			return nil, fmt.Errorf("decode ability config: %w", err)
		}
	}
	return &a, nil
}

func (s *PostgresStore) ListAbilities(ctx context.Context, tenantID string) ([]models.Ability, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+abilityColumns+` FROM abilities WHERE tenant_id = $1 ORDER BY name`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Ability
	for rows.Next() {
		a, err := scanAbility(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetAbility(ctx context.Context, id string) (*models.Ability, error) {
	a, err := scanAbility(s.pool.QueryRow(ctx,
		`SELECT `+abilityColumns+` FROM abilities WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "ability", Key: id}
	}
	return a, err
}

func (s *PostgresStore) CreateAbility(ctx context.Context, ability *models.Ability) error {
	config, err := jsonOrEmptyObject(ability.Config)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO abilities (id, tenant_id, name, type, enabled, post_session,
			min_messages, webhook_url, auth_header, auth_value, config,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		ability.ID, ability.TenantID, ability.Name, ability.Type,
		ability.Enabled, ability.PostSession, ability.MinMessages,
		ability.WebhookURL, ability.AuthHeader, ability.AuthValue, config,
		ability.CreatedAt, ability.UpdatedAt)
	return err
}

func (s *PostgresStore) UpdateAbility(ctx context.Context, ability *models.Ability) error {
	config, err := jsonOrEmptyObject(ability.Config)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE abilities SET name = $2, type = $3, enabled = $4,
			post_session = $5, min_messages = $6, webhook_url = $7,
			auth_header = $8, auth_value = $9, config = $10, updated_at = NOW()
		WHERE id = $1`,
		ability.ID, ability.Name, ability.Type, ability.Enabled,
		ability.PostSession, ability.MinMessages, ability.WebhookURL,
		ability.AuthHeader, ability.AuthValue, config)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "ability", Key: ability.ID}
	}
	return nil
}

func (s *PostgresStore) DeleteAbility(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM abilities WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "ability", Key: id}
	}
	return nil
}

// ── Conversations ───────────────────────────────────────────

func (s *PostgresStore) SaveTurn(ctx context.Context, turn *models.Turn) error {
	citations, err := jsonOrEmptyArray(turn.Citations)
	if err != nil {
		return err
	}
	structured, err := jsonOrEmptyObject(turn.Structured)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO turns (id, tenant_id, conversation_id, agent_slug, user_id,
			user_message, agent_message, citations, structured, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		turn.ID, turn.TenantID, turn.ConversationID, turn.AgentSlug,
		turn.UserID, turn.UserMessage, turn.AgentMessage, citations,
		structured, turn.CreatedAt)
	return err
}

func (s *PostgresStore) ListTurns(ctx context.Context, tenantID, conversationID string, limit int) ([]models.Turn, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, conversation_id, agent_slug, user_id,
			user_message, agent_message, citations, structured, created_at
		FROM turns
		WHERE tenant_id = $1 AND conversation_id = $2
		ORDER BY created_at
		LIMIT $3`, tenantID, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Turn
	for rows.Next() {
		var t models.Turn
		var citations, structured []byte
		if err := rows.Scan(&t.ID, &t.TenantID, &t.ConversationID,
			&t.AgentSlug, &t.UserID, &t.UserMessage, &t.AgentMessage,
			&citations, &structured, &t.CreatedAt); err != nil {
			return nil, err
		}
		if len(citations) > 0 {
			if err := json.Unmarshal(citations, &t.Citations); err != nil {
				return nil, fmt.Errorf("decode turn citations: %w", err)
			}
		}
		if len(structured) > 0 {
			if err := json.Unmarshal(structured, &t.Structured); err != nil {
				return nil, fmt.Errorf("decode turn structured: %w", err)
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ── Ambient runs ────────────────────────────────────────────

const runColumns = `id, ability_id, ability_name, ability_type, tenant_id,
	user_id, conversation_id, session_id, trigger_type, status,
	input_context, output_result, error, created_at, started_at,
	finished_at, duration_ms`

func scanRun(row pgx.Row) (*models.AmbientAbilityRun, error) {
	var r models.AmbientAbilityRun
	var input, output []byte
	err := row.Scan(&r.ID, &r.AbilityID, &r.AbilityName, &r.AbilityType,
		&r.TenantID, &r.UserID, &r.ConversationID, &r.SessionID,
		&r.TriggerType, &r.Status, &input, &output, &r.Error,
		&r.CreatedAt, &r.StartedAt, &r.FinishedAt, &r.DurationMs)
	if err != nil {
		return nil, err
	}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &r.InputContext); err != nil {
			return nil, fmt.Errorf("decode run input: %w", err)
		}
	}
	if len(output) > 0 {
		if err := json.Unmarshal(output, &r.OutputResult); err != nil {
			return nil, fmt.Errorf("decode run output: %w", err)
		}
	}
	return &r, nil
}

func (s *PostgresStore) EnqueueRun(ctx context.Context, run *models.AmbientAbilityRun) error {
	input, err := jsonOrEmptyObject(run.InputContext)
	if err != nil {
		return err
	}
	if run.Status == "" {
		run.Status = models.RunPending
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO ambient_runs (id, ability_id, ability_name, ability_type,
			tenant_id, user_id, conversation_id, session_id, trigger_type,
			status, input_context, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		run.ID, run.AbilityID, run.AbilityName, run.AbilityType,
		run.TenantID, run.UserID, run.ConversationID, run.SessionID,
		run.TriggerType, run.Status, input, run.CreatedAt)
	return err
}

// ClaimPendingRuns atomically flips up to limit pending runs to running
// and returns them. FOR UPDATE SKIP LOCKED makes concurrent workers claim
// disjoint sets; the exclusivity lives entirely in this statement, never
// in process-local locking.
func (s *PostgresStore) ClaimPendingRuns(ctx context.Context, limit int) ([]models.AmbientAbilityRun, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := s.pool.Query(ctx, `
		UPDATE ambient_runs SET status = 'running', started_at = NOW()
		WHERE id IN (
			SELECT id FROM ambient_runs
			WHERE status = 'pending'
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+runColumns, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.AmbientAbilityRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CompleteRun(ctx context.Context, id string, result map[string]interface{}, durationMs int64) error {
	output, err := jsonOrEmptyObject(result)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE ambient_runs SET status = 'completed', output_result = $2,
			finished_at = NOW(), duration_ms = $3
		WHERE id = $1 AND status = 'running'`, id, output, durationMs)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "running ambient run", Key: id}
	}
	return nil
}

func (s *PostgresStore) FailRun(ctx context.Context, id string, errMsg string, durationMs int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE ambient_runs SET status = 'failed', error = $2,
			finished_at = NOW(), duration_ms = $3
		WHERE id = $1 AND status = 'running'`, id, errMsg, durationMs)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "running ambient run", Key: id}
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*models.AmbientAbilityRun, error) {
	r, err := scanRun(s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM ambient_runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "ambient run", Key: id}
	}
	return r, err
}

func (s *PostgresStore) ListRuns(ctx context.Context, tenantID string, status models.RunStatus, limit int) ([]models.AmbientAbilityRun, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + runColumns + ` FROM ambient_runs WHERE 1=1`
	args := []interface{}{}
	if tenantID != "" {
		args = append(args, tenantID)
		query += fmt.Sprintf(" AND tenant_id = $%d", len(args))
	}
	if status != "" {
		args = append(args, status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.AmbientAbilityRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// ── Notifications ───────────────────────────────────────────

func (s *PostgresStore) CreateNotification(ctx context.Context, n *models.Notification) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notifications (id, tenant_id, user_id, run_id, message, shown, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		n.ID, n.TenantID, n.UserID, n.RunID, n.Message, n.Shown, n.CreatedAt)
	return err
}

func (s *PostgresStore) ListNotifications(ctx context.Context, tenantID, userID string, unshownOnly bool) ([]models.Notification, error) {
	query := `SELECT id, tenant_id, user_id, run_id, message, shown, created_at, shown_at
		FROM notifications WHERE 1=1`
	args := []interface{}{}
	if tenantID != "" {
		args = append(args, tenantID)
		query += fmt.Sprintf(" AND tenant_id = $%d", len(args))
	}
	if userID != "" {
		args = append(args, userID)
		query += fmt.Sprintf(" AND user_id = $%d", len(args))
	}
	if unshownOnly {
		query += " AND NOT shown"
	}
	query += " ORDER BY created_at"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Notification
	for rows.Next() {
		var n models.Notification
		if err := rows.Scan(&n.ID, &n.TenantID, &n.UserID, &n.RunID,
			&n.Message, &n.Shown, &n.CreatedAt, &n.ShownAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkNotificationShown(ctx context.Context, id string) error {
	// Guarded update keeps the operation idempotent: a second call finds
	// shown=true and affects zero rows, which is fine as long as the row
	// exists at all.
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM notifications WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return &ErrNotFound{Entity: "notification", Key: id}
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE notifications SET shown = TRUE, shown_at = NOW()
		WHERE id = $1 AND NOT shown`, id)
	return err
}

// ── Output events ───────────────────────────────────────────

func (s *PostgresStore) AppendOutputEvent(ctx context.Context, event *models.OutputEvent) error {
	citations, err := jsonOrEmptyArray(event.Citations)
	if err != nil {
		return err
	}
	structured, err := jsonOrEmptyObject(event.Structured)
	if err != nil {
		return err
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.Seq == 0 {
		_, err = s.pool.Exec(ctx, `
			INSERT INTO output_events (conversation_id, seq, kind, delta, text,
				citations, structured, error, created_at)
			VALUES ($1,
				(SELECT COALESCE(MAX(seq), 0) + 1 FROM output_events WHERE conversation_id = $1),
				$2, $3, $4, $5, $6, $7, $8)`,
			event.ConversationID, event.Kind, event.Delta, event.Text,
			citations, structured, event.Error, event.CreatedAt)
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO output_events (conversation_id, seq, kind, delta, text,
			citations, structured, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		event.ConversationID, event.Seq, event.Kind, event.Delta, event.Text,
		citations, structured, event.Error, event.CreatedAt)
	return err
}

func (s *PostgresStore) ListOutputEvents(ctx context.Context, conversationID string, afterSeq int64) ([]models.OutputEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT conversation_id, seq, kind, delta, text, citations, structured, error, created_at
		FROM output_events
		WHERE conversation_id = $1 AND seq > $2
		ORDER BY seq`, conversationID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.OutputEvent
	for rows.Next() {
		var e models.OutputEvent
		var citations, structured []byte
		if err := rows.Scan(&e.ConversationID, &e.Seq, &e.Kind, &e.Delta,
			&e.Text, &citations, &structured, &e.Error, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(citations) > 0 {
			if err := json.Unmarshal(citations, &e.Citations); err != nil {
				return nil, fmt.Errorf("decode event citations: %w", err)
			}
		}
		if len(structured) > 0 {
			if err := json.Unmarshal(structured, &e.Structured); err != nil {
				return nil, fmt.Errorf("decode event structured: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ── JSON helpers ────────────────────────────────────────────

func jsonOrEmptyObject(v interface{}) ([]byte, error) {
	if v == nil || isNilMap(v) {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	return b, nil
}

func jsonOrEmptyArray(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	if string(b) == "null" {
		return []byte("[]"), nil
	}
	return b, nil
}

func isNilMap(v interface{}) bool {
	switch m := v.(type) {
	case map[string]interface{}:
		return m == nil
	case map[string]bool:
		return m == nil
	case map[string]string:
		return m == nil
	}
	return false
}

// Package store — PostgreSQL Store implementation backed by pgx.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/gproxy/gproxy/pkg/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on top of a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database and ensures the schema exists.
func NewPostgresStore(ctx context.Context, url string, maxConns int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS accounts (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	is_admin   BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS presets (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	account_id TEXT REFERENCES accounts(id) ON DELETE CASCADE,
	enabled    BOOLEAN NOT NULL DEFAULT TRUE,
	sort_order INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS preset_items (
	id         TEXT PRIMARY KEY,
	preset_id  TEXT NOT NULL REFERENCES presets(id) ON DELETE CASCADE,
	role       TEXT NOT NULL,
	item_type  TEXT NOT NULL,
	content    TEXT NOT NULL DEFAULT '',
	enabled    BOOLEAN NOT NULL DEFAULT TRUE,
	sort_order INTEGER NOT NULL DEFAULT 0,
	seq        BIGSERIAL
);
CREATE TABLE IF NOT EXISTS tenant_keys (
	id          TEXT PRIMARY KEY,
	key         TEXT NOT NULL UNIQUE,
	name        TEXT NOT NULL DEFAULT '',
	account_id  TEXT REFERENCES accounts(id) ON DELETE CASCADE,
	preset_id   TEXT REFERENCES presets(id) ON DELETE SET NULL,
	apply_regex BOOLEAN NOT NULL DEFAULT FALSE,
	enabled     BOOLEAN NOT NULL DEFAULT TRUE,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS upstream_credentials (
	id           TEXT PRIMARY KEY,
	secret       TEXT NOT NULL UNIQUE,
	enabled      BOOLEAN NOT NULL DEFAULT TRUE,
	usage_count  BIGINT NOT NULL DEFAULT 0,
	error_count  BIGINT NOT NULL DEFAULT 0,
	total_tokens BIGINT NOT NULL DEFAULT 0,
	last_status  TEXT NOT NULL DEFAULT 'active',
	last_used_at TIMESTAMPTZ,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS regex_rules (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	pattern     TEXT NOT NULL,
	replacement TEXT NOT NULL DEFAULT '',
	phase       TEXT NOT NULL,
	scope       TEXT NOT NULL,
	account_id  TEXT REFERENCES accounts(id) ON DELETE CASCADE,
	preset_id   TEXT REFERENCES presets(id) ON DELETE SET NULL,
	enabled     BOOLEAN NOT NULL DEFAULT TRUE,
	sort_order  INTEGER NOT NULL DEFAULT 0,
	seq         BIGSERIAL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS logs (
	id               TEXT PRIMARY KEY,
	tenant_key_id    TEXT,
	model            TEXT NOT NULL DEFAULT '',
	status_code      INTEGER NOT NULL DEFAULT 0,
	status           TEXT NOT NULL DEFAULT '',
	latency          DOUBLE PRECISION NOT NULL DEFAULT 0,
	ttft             DOUBLE PRECISION NOT NULL DEFAULT 0,
	is_stream        BOOLEAN NOT NULL DEFAULT FALSE,
	input_tokens     BIGINT NOT NULL DEFAULT 0,
	output_tokens    BIGINT NOT NULL DEFAULT 0,
	tokens_estimated BOOLEAN NOT NULL DEFAULT FALSE,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_tenant_keys_key ON tenant_keys(key);
CREATE INDEX IF NOT EXISTS idx_logs_created ON logs(created_at DESC);
`)
	return err
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// ── Auth ────────────────────────────────────────────────────

func (s *PostgresStore) Authenticate(ctx context.Context, key string) (*models.TenantKey, *models.Account, error) {
	row := s.pool.QueryRow(ctx, `
SELECT k.id, k.key, k.name, k.account_id, k.preset_id, k.apply_regex, k.enabled, k.created_at,
       a.id, a.name, a.is_admin, a.created_at
FROM tenant_keys k
JOIN accounts a ON a.id = k.account_id
WHERE k.key = $1 AND k.enabled`, key)

	var tk models.TenantKey
	var acct models.Account
	err := row.Scan(&tk.ID, &tk.Key, &tk.Name, &tk.AccountID, &tk.PresetID, &tk.ApplyRegex, &tk.Enabled, &tk.CreatedAt,
		&acct.ID, &acct.Name, &acct.IsAdmin, &acct.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, &ErrNotFound{Entity: "tenant key", Key: "<redacted>"}
	}
	if err != nil {
		return nil, nil, fmt.Errorf("authenticate: %w", err)
	}
	return &tk, &acct, nil
}

// ── Tenant Keys ─────────────────────────────────────────────

func (s *PostgresStore) ListTenantKeys(ctx context.Context, accountID string) ([]models.TenantKey, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, key, name, account_id, preset_id, apply_regex, enabled, created_at
FROM tenant_keys
WHERE ($1 = '' OR account_id = $1)
ORDER BY created_at`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list tenant keys: %w", err)
	}
	defer rows.Close()

	var out []models.TenantKey
	for rows.Next() {
		var tk models.TenantKey
		if err := rows.Scan(&tk.ID, &tk.Key, &tk.Name, &tk.AccountID, &tk.PresetID, &tk.ApplyRegex, &tk.Enabled, &tk.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, tk)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetTenantKey(ctx context.Context, id string) (*models.TenantKey, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, key, name, account_id, preset_id, apply_regex, enabled, created_at
FROM tenant_keys WHERE id = $1`, id)
	var tk models.TenantKey
	err := row.Scan(&tk.ID, &tk.Key, &tk.Name, &tk.AccountID, &tk.PresetID, &tk.ApplyRegex, &tk.Enabled, &tk.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "tenant key", Key: id}
	}
	if err != nil {
		return nil, err
	}
	return &tk, nil
}

func (s *PostgresStore) CreateTenantKey(ctx context.Context, key *models.TenantKey) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO tenant_keys (id, key, name, account_id, preset_id, apply_regex, enabled, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.Key, key.Name, key.AccountID, key.PresetID, key.ApplyRegex, key.Enabled, key.CreatedAt)
	if isUniqueViolation(err) {
		return &ErrConflict{Entity: "tenant key", Key: key.ID}
	}
	return err
}

func (s *PostgresStore) UpdateTenantKey(ctx context.Context, key *models.TenantKey) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE tenant_keys SET name = $2, preset_id = $3, apply_regex = $4, enabled = $5
WHERE id = $1`,
		key.ID, key.Name, key.PresetID, key.ApplyRegex, key.Enabled)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "tenant key", Key: key.ID}
	}
	return nil
}

func (s *PostgresStore) DeleteTenantKey(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tenant_keys WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "tenant key", Key: id}
	}
	return nil
}

// ── Upstream Credentials ────────────────────────────────────

func (s *PostgresStore) ListCredentials(ctx context.Context) ([]models.UpstreamCredential, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, secret, enabled, usage_count, error_count, total_tokens, last_status,
       COALESCE(last_used_at, 'epoch'::timestamptz), created_at
FROM upstream_credentials
ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var out []models.UpstreamCredential
	for rows.Next() {
		var c models.UpstreamCredential
		if err := rows.Scan(&c.ID, &c.Secret, &c.Enabled, &c.UsageCount, &c.ErrorCount, &c.TotalTokens,
			&c.LastStatus, &c.LastUsedAt, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetCredential(ctx context.Context, id string) (*models.UpstreamCredential, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, secret, enabled, usage_count, error_count, total_tokens, last_status,
       COALESCE(last_used_at, 'epoch'::timestamptz), created_at
FROM upstream_credentials WHERE id = $1`, id)
	var c models.UpstreamCredential
	err := row.Scan(&c.ID, &c.Secret, &c.Enabled, &c.UsageCount, &c.ErrorCount, &c.TotalTokens,
		&c.LastStatus, &c.LastUsedAt, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "credential", Key: id}
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) CreateCredential(ctx context.Context, cred *models.UpstreamCredential) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO upstream_credentials (id, secret, enabled, usage_count, error_count, total_tokens, last_status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		cred.ID, cred.Secret, cred.Enabled, cred.UsageCount, cred.ErrorCount, cred.TotalTokens, cred.LastStatus, cred.CreatedAt)
	if isUniqueViolation(err) {
		return &ErrConflict{Entity: "credential", Key: cred.ID}
	}
	return err
}

func (s *PostgresStore) UpdateCredential(ctx context.Context, cred *models.UpstreamCredential) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE upstream_credentials SET enabled = $2, last_status = $3 WHERE id = $1`,
		cred.ID, cred.Enabled, cred.LastStatus)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "credential", Key: cred.ID}
	}
	return nil
}

func (s *PostgresStore) DeleteCredential(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM upstream_credentials WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "credential", Key: id}
	}
	return nil
}

func (s *PostgresStore) UpdateCredentialStats(ctx context.Context, id string, delta models.CredentialDelta) error {
	lastUsed := any(nil)
	if !delta.LastUsedAt.IsZero() {
		lastUsed = delta.LastUsedAt
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE upstream_credentials SET
	usage_count  = usage_count + $2,
	error_count  = error_count + $3,
	total_tokens = total_tokens + $4,
	last_status  = CASE WHEN $5 <> '' THEN $5 ELSE last_status END,
	last_used_at = COALESCE($6, last_used_at),
	enabled      = CASE WHEN $7 THEN FALSE ELSE enabled END
WHERE id = $1`,
		id, delta.Uses, delta.Errors, delta.Tokens, delta.LastStatus, lastUsed, delta.Disable)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "credential", Key: id}
	}
	return nil
}

// ── Presets ─────────────────────────────────────────────────

func (s *PostgresStore) ListPresets(ctx context.Context, accountID string) ([]models.Preset, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, name, COALESCE(account_id, ''), enabled, sort_order, created_at
FROM presets
WHERE ($1 = '' OR account_id = $1)
ORDER BY sort_order, created_at`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list presets: %w", err)
	}
	defer rows.Close()

	var out []models.Preset
	for rows.Next() {
		var p models.Preset
		if err := rows.Scan(&p.ID, &p.Name, &p.AccountID, &p.Enabled, &p.SortOrder, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetPreset(ctx context.Context, id string) (*models.Preset, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, name, COALESCE(account_id, ''), enabled, sort_order, created_at
FROM presets WHERE id = $1`, id)
	var p models.Preset
	err := row.Scan(&p.ID, &p.Name, &p.AccountID, &p.Enabled, &p.SortOrder, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "preset", Key: id}
	}
	if err != nil {
		return nil, err
	}

	itemRows, err := s.pool.Query(ctx, `
SELECT id, role, item_type, content, enabled, sort_order
FROM preset_items WHERE preset_id = $1
ORDER BY sort_order, seq`, id)
	if err != nil {
		return nil, fmt.Errorf("preset items: %w", err)
	}
	defer itemRows.Close()
	for itemRows.Next() {
		var it models.PresetItem
		if err := itemRows.Scan(&it.ID, &it.Role, &it.Type, &it.Content, &it.Enabled, &it.SortOrder); err != nil {
			return nil, err
		}
		p.Items = append(p.Items, it)
	}
	if err := itemRows.Err(); err != nil {
		return nil, err
	}

	ruleRows, err := s.pool.Query(ctx, `
SELECT id, name, pattern, replacement, phase, scope, COALESCE(account_id, ''), preset_id, enabled, sort_order, created_at
FROM regex_rules WHERE scope = 'preset' AND preset_id = $1
ORDER BY sort_order, seq`, id)
	if err != nil {
		return nil, fmt.Errorf("preset rules: %w", err)
	}
	defer ruleRows.Close()
	for ruleRows.Next() {
		var r models.RegexRule
		if err := ruleRows.Scan(&r.ID, &r.Name, &r.Pattern, &r.Replacement, &r.Phase, &r.Scope,
			&r.AccountID, &r.PresetID, &r.Enabled, &r.SortOrder, &r.CreatedAt); err != nil {
			return nil, err
		}
		p.Rules = append(p.Rules, r)
	}
	return &p, ruleRows.Err()
}

func (s *PostgresStore) CreatePreset(ctx context.Context, preset *models.Preset) error {
	return s.writePreset(ctx, preset, true)
}

func (s *PostgresStore) UpdatePreset(ctx context.Context, preset *models.Preset) error {
	return s.writePreset(ctx, preset, false)
}

func (s *PostgresStore) writePreset(ctx context.Context, preset *models.Preset, create bool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if create {
		_, err = tx.Exec(ctx, `
INSERT INTO presets (id, name, account_id, enabled, sort_order, created_at)
VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6)`,
			preset.ID, preset.Name, preset.AccountID, preset.Enabled, preset.SortOrder, preset.CreatedAt)
	} else {
		var tag pgconn.CommandTag
		tag, err = tx.Exec(ctx, `
UPDATE presets SET name = $2, enabled = $3, sort_order = $4 WHERE id = $1`,
			preset.ID, preset.Name, preset.Enabled, preset.SortOrder)
		if err == nil && tag.RowsAffected() == 0 {
			return &ErrNotFound{Entity: "preset", Key: preset.ID}
		}
	}
	if err != nil {
		return err
	}

	// Items are replaced wholesale; sort-order ties keep insert order via seq.
	if _, err := tx.Exec(ctx, `DELETE FROM preset_items WHERE preset_id = $1`, preset.ID); err != nil {
		return err
	}
	for _, it := range preset.Items {
		if _, err := tx.Exec(ctx, `
INSERT INTO preset_items (id, preset_id, role, item_type, content, enabled, sort_order)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			it.ID, preset.ID, it.Role, it.Type, it.Content, it.Enabled, it.SortOrder); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) DeletePreset(ctx context.Context, id string) error {
	// tenant_keys.preset_id and regex_rules.preset_id are ON DELETE SET NULL;
	// preset-level rules lose their meaning without the preset, so drop them.
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM regex_rules WHERE scope = 'preset' AND preset_id = $1`, id); err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `DELETE FROM presets WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "preset", Key: id}
	}
	return tx.Commit(ctx)
}

// ── Regex Rules ─────────────────────────────────────────────

func (s *PostgresStore) ListAccountRegex(ctx context.Context, accountID string) ([]models.RegexRule, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, name, pattern, replacement, phase, scope, COALESCE(account_id, ''), preset_id, enabled, sort_order, created_at
FROM regex_rules WHERE scope = 'account' AND account_id = $1
ORDER BY sort_order, seq`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list account regex: %w", err)
	}
	defer rows.Close()

	var out []models.RegexRule
	for rows.Next() {
		var r models.RegexRule
		if err := rows.Scan(&r.ID, &r.Name, &r.Pattern, &r.Replacement, &r.Phase, &r.Scope,
			&r.AccountID, &r.PresetID, &r.Enabled, &r.SortOrder, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetRegexRule(ctx context.Context, id string) (*models.RegexRule, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, name, pattern, replacement, phase, scope, COALESCE(account_id, ''), preset_id, enabled, sort_order, created_at
FROM regex_rules WHERE id = $1`, id)
	var r models.RegexRule
	err := row.Scan(&r.ID, &r.Name, &r.Pattern, &r.Replacement, &r.Phase, &r.Scope,
		&r.AccountID, &r.PresetID, &r.Enabled, &r.SortOrder, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "regex rule", Key: id}
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) CreateRegexRule(ctx context.Context, rule *models.RegexRule) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO regex_rules (id, name, pattern, replacement, phase, scope, account_id, preset_id, enabled, sort_order, created_at)
VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10, $11)`,
		rule.ID, rule.Name, rule.Pattern, rule.Replacement, rule.Phase, rule.Scope,
		rule.AccountID, rule.PresetID, rule.Enabled, rule.SortOrder, rule.CreatedAt)
	return err
}

func (s *PostgresStore) UpdateRegexRule(ctx context.Context, rule *models.RegexRule) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE regex_rules SET name = $2, pattern = $3, replacement = $4, phase = $5, enabled = $6, sort_order = $7
WHERE id = $1`,
		rule.ID, rule.Name, rule.Pattern, rule.Replacement, rule.Phase, rule.Enabled, rule.SortOrder)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "regex rule", Key: rule.ID}
	}
	return nil
}

func (s *PostgresStore) DeleteRegexRule(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM regex_rules WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "regex rule", Key: id}
	}
	return nil
}

// ── Logs ────────────────────────────────────────────────────

func (s *PostgresStore) AppendLog(ctx context.Context, entry *models.LogEntry) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO logs (id, tenant_key_id, model, status_code, status, latency, ttft, is_stream, input_tokens, output_tokens, tokens_estimated, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		entry.ID, entry.TenantKeyID, entry.Model, entry.StatusCode, entry.Status, entry.Latency, entry.TTFT,
		entry.Stream, entry.InputTokens, entry.OutputTokens, entry.TokensEstimated, entry.CreatedAt)
	return err
}

func (s *PostgresStore) ListLogs(ctx context.Context, filter models.LogFilter) ([]models.LogEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
SELECT id, COALESCE(tenant_key_id, ''), model, status_code, status, latency, ttft, is_stream, input_tokens, output_tokens, tokens_estimated, created_at
FROM logs
WHERE ($1 = '' OR tenant_key_id = $1) AND ($2 = '' OR status = $2)
ORDER BY created_at DESC
LIMIT $3 OFFSET $4`, filter.TenantKeyID, filter.Status, limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	var out []models.LogEntry
	for rows.Next() {
		var e models.LogEntry
		if err := rows.Scan(&e.ID, &e.TenantKeyID, &e.Model, &e.StatusCode, &e.Status, &e.Latency, &e.TTFT,
			&e.Stream, &e.InputTokens, &e.OutputTokens, &e.TokensEstimated, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

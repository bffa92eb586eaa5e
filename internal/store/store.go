// Package store provides the storage interface and implementations for the
// gateway. The in-memory store (JSON snapshot persistence) is the zero-config
// default; PostgreSQL-backed persistence is selected by GPROXY_DATABASE_URL.
package store

import (
	"context"

	"github.com/gproxy/gproxy/pkg/models"
)

// Store is the primary storage interface. The request pipeline and the
// admin handlers depend on this interface, making it easy to swap between
// in-memory (tests) and PostgreSQL (production) implementations.
type Store interface {
	AuthStore
	TenantKeyStore
	CredentialStore
	PresetStore
	RegexStore
	LogStore

	// Ping checks if the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ── Auth ────────────────────────────────────────────────────

// AuthStore resolves inbound tenant keys on the hot path.
type AuthStore interface {
	// Authenticate resolves a raw key string to an enabled tenant key and
	// its owning account. Returns *ErrNotFound for unknown or disabled keys.
	Authenticate(ctx context.Context, key string) (*models.TenantKey, *models.Account, error)
}

// ── Tenant Key Store ────────────────────────────────────────

type TenantKeyStore interface {
	ListTenantKeys(ctx context.Context, accountID string) ([]models.TenantKey, error)
	GetTenantKey(ctx context.Context, id string) (*models.TenantKey, error)
	CreateTenantKey(ctx context.Context, key *models.TenantKey) error
	UpdateTenantKey(ctx context.Context, key *models.TenantKey) error
	DeleteTenantKey(ctx context.Context, id string) error
}

// ── Credential Store ────────────────────────────────────────

type CredentialStore interface {
	// ListCredentials returns every upstream credential, enabled or not.
	// The pool filters; the admin surface shows all.
	ListCredentials(ctx context.Context) ([]models.UpstreamCredential, error)
	GetCredential(ctx context.Context, id string) (*models.UpstreamCredential, error)

	// CreateCredential rejects duplicates of an existing secret.
	CreateCredential(ctx context.Context, cred *models.UpstreamCredential) error
	UpdateCredential(ctx context.Context, cred *models.UpstreamCredential) error
	DeleteCredential(ctx context.Context, id string) error

	// UpdateCredentialStats applies a settle delta to the persisted
	// counters. Called by the pool once per lease.
	UpdateCredentialStats(ctx context.Context, id string, delta models.CredentialDelta) error
}

// ── Preset Store ────────────────────────────────────────────

type PresetStore interface {
	ListPresets(ctx context.Context, accountID string) ([]models.Preset, error)

	// GetPreset returns the preset with its items and preset-level regex
	// rules, items sorted by SortOrder (ties by insertion order).
	GetPreset(ctx context.Context, id string) (*models.Preset, error)

	CreatePreset(ctx context.Context, preset *models.Preset) error
	UpdatePreset(ctx context.Context, preset *models.Preset) error

	// DeletePreset nulls the PresetID of every tenant key and regex rule
	// referencing it.
	DeletePreset(ctx context.Context, id string) error
}

// ── Regex Store ─────────────────────────────────────────────

type RegexStore interface {
	// ListAccountRegex returns the account-level rules for both phases,
	// sorted by SortOrder ascending.
	ListAccountRegex(ctx context.Context, accountID string) ([]models.RegexRule, error)

	GetRegexRule(ctx context.Context, id string) (*models.RegexRule, error)
	CreateRegexRule(ctx context.Context, rule *models.RegexRule) error
	UpdateRegexRule(ctx context.Context, rule *models.RegexRule) error
	DeleteRegexRule(ctx context.Context, id string) error
}

// ── Log Store ───────────────────────────────────────────────

type LogStore interface {
	// AppendLog persists one request summary row. May be called from the
	// recorder's background flusher.
	AppendLog(ctx context.Context, entry *models.LogEntry) error

	ListLogs(ctx context.Context, filter models.LogFilter) ([]models.LogEntry, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ErrConflict is returned on uniqueness violations (duplicate credential
// secret, duplicate tenant key string).
type ErrConflict struct {
	Entity string
	Key    string
}

func (e *ErrConflict) Error() string {
	return e.Entity + " already exists: " + e.Key
}

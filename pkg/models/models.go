// Package models defines the core data model shared by the store, the
// request pipeline, and the admin API.
package models

import "time"

// ── Accounts & Tenant Keys ──────────────────────────────────

// Account is the owner of tenant keys, presets, and regex rules.
// Account management itself (signup, email verification) lives outside
// this service; the gateway only reads accounts.
type Account struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	IsAdmin   bool      `json:"is_admin"`
	CreatedAt time.Time `json:"created_at"`
}

// TenantKeyPrefix marks locally issued tenant keys on the wire.
const TenantKeyPrefix = "gapi-"

// TenantKey is a credential the gateway issues to an end user. It
// authenticates inbound /v1/chat/completions requests and carries the
// per-key transformation settings.
type TenantKey struct {
	ID        string `json:"id"`
	Key       string `json:"key"` // gapi-<urlsafe random>, ≥128-bit secret
	Name      string `json:"name,omitempty"`
	AccountID string `json:"account_id"`

	// PresetID binds an optional preset; nil means the inbound messages
	// pass through unchanged. Deleting the preset nulls this reference.
	PresetID *string `json:"preset_id,omitempty"`

	// ApplyRegex toggles the account-level regex pipeline for requests
	// authenticated by this key. Preset-level rules always apply.
	ApplyRegex bool `json:"apply_regex"`

	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

// ── Upstream Credentials ────────────────────────────────────

// Synthetic values for UpstreamCredential.LastStatus. Any other value is
// the last observed HTTP status code, as a string.
const (
	CredentialStatusActive       = "active"
	CredentialStatusAutoDisabled = "auto_disabled"
)

// UpstreamCredential is a secret accepted by the upstream provider. The
// pool mutates the counters on every settle; an administrator may
// re-enable a credential after auto-disable.
type UpstreamCredential struct {
	ID          string    `json:"id"`
	Secret      string    `json:"secret"`
	Enabled     bool      `json:"enabled"`
	UsageCount  int64     `json:"usage_count"`
	ErrorCount  int64     `json:"error_count"`
	TotalTokens int64     `json:"total_tokens"`
	LastStatus  string    `json:"last_status"`
	LastUsedAt  time.Time `json:"last_used_at,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// CredentialDelta is applied to a credential's persisted counters after a
// lease settles.
type CredentialDelta struct {
	Uses       int64
	Errors     int64
	Tokens     int64
	LastStatus string
	Disable    bool
	LastUsedAt time.Time
}

// ── Presets ─────────────────────────────────────────────────

// Message roles understood by the expander and the upstream translation.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// PresetItem types.
const (
	ItemNormal    = "normal"     // emit the item's own role/content
	ItemUserInput = "user_input" // emit the last inbound user message
	ItemHistory   = "history"    // emit all inbound messages except the last user one
)

// Preset is an ordered message-template document bound to tenant keys.
type Preset struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	AccountID string       `json:"account_id"`
	Enabled   bool         `json:"enabled"`
	SortOrder int          `json:"sort_order"`
	Items     []PresetItem `json:"items"`
	// Rules are the preset-level regex rules, both phases. Loaded with
	// the preset so one store call serves the whole request.
	Rules     []RegexRule `json:"rules,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// PresetItem is one unit of message construction. Items are totally
// ordered by SortOrder, ties broken by insertion order.
type PresetItem struct {
	ID        string `json:"id"`
	Role      string `json:"role"` // system | user | assistant
	Type      string `json:"type"` // normal | user_input | history
	Content   string `json:"content"`
	Enabled   bool   `json:"enabled"`
	SortOrder int    `json:"sort_order"`
}

// ── Regex Rules ─────────────────────────────────────────────

// Rule phases: pre runs on the expanded request messages before dispatch,
// post runs on response text (per delta when streaming).
const (
	PhasePre  = "pre"
	PhasePost = "post"
)

// Rule scopes.
const (
	ScopeAccount = "account"
	ScopePreset  = "preset"
)

// RegexRule is an ordered substitution applied in a named phase. Patterns
// are validated at insertion time by the admin API; the pipeline skips
// rules whose pattern no longer compiles and keeps going.
type RegexRule struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Pattern     string    `json:"pattern"`
	Replacement string    `json:"replacement"` // supports $1, $2 backreferences
	Phase       string    `json:"phase"`       // pre | post
	Scope       string    `json:"scope"`       // account | preset
	AccountID   string    `json:"account_id,omitempty"`
	PresetID    *string   `json:"preset_id,omitempty"`
	Enabled     bool      `json:"enabled"`
	SortOrder   int       `json:"sort_order"`
	CreatedAt   time.Time `json:"created_at"`
}

// ── Chat Messages ───────────────────────────────────────────

// ChatMessage is the role/content pair used on both the inbound OpenAI
// surface and inside the expander.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ── Request Logs ────────────────────────────────────────────

// Synthetic status labels for LogEntry.Status.
const (
	LogStatusOK    = "ok"
	LogStatusError = "error"
)

// StatusClientClosed is recorded when the client disconnected before the
// request completed (nginx's 499 convention).
const StatusClientClosed = 499

// LogEntry summarizes one completed gateway request. Exactly one entry is
// written per inbound request, whatever the termination path.
type LogEntry struct {
	ID          string `json:"id"`
	TenantKeyID string `json:"tenant_key_id"`
	Model       string `json:"model"`
	StatusCode  int    `json:"status_code"`
	Status      string `json:"status"` // ok | error

	// Latency is the total wall time in seconds; TTFT the time to the
	// first streaming delta (zero when buffered or no delta arrived).
	Latency float64 `json:"latency"`
	TTFT    float64 `json:"ttft"`

	Stream       bool  `json:"is_stream"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	// TokensEstimated marks counts derived from the codepoints/4 fallback
	// when the upstream omitted usage metadata.
	TokensEstimated bool      `json:"tokens_estimated"`
	CreatedAt       time.Time `json:"created_at"`
}

// LogFilter narrows log listings on the admin surface.
type LogFilter struct {
	TenantKeyID string
	Status      string
	Limit       int
	Offset      int
}

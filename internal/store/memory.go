// Package store — in-memory Store implementation.
// Used when no database URL is configured (local dev, tests). Supports
// file-based snapshot persistence so data survives restarts.
package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gproxy/gproxy/pkg/models"
	"github.com/rs/zerolog/log"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Accounts    map[string]*models.Account            `json:"accounts"`
	TenantKeys  map[string]*models.TenantKey          `json:"tenant_keys"`
	Credentials map[string]*models.UpstreamCredential `json:"credentials"`
	Presets     map[string]*models.Preset             `json:"presets"`
	Rules       map[string]*models.RegexRule          `json:"rules"`
	Logs        []*models.LogEntry                    `json:"logs"`
}

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu          sync.RWMutex
	accounts    map[string]*models.Account            // key: id
	tenantKeys  map[string]*models.TenantKey          // key: id
	credentials map[string]*models.UpstreamCredential // key: id
	presets     map[string]*models.Preset             // key: id
	rules       map[string]*models.RegexRule          // key: id
	logs        []*models.LogEntry                    // append-only

	// ruleSeq preserves insertion order for sort-order ties.
	ruleSeq map[string]int
	itemSeq int

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutines to stop
	closeOnce    sync.Once
}

// NewMemoryStore creates a new in-memory store.
// If GPROXY_DATA_DIR is set, data is persisted to a JSON file in that
// directory; otherwise the store is purely in-memory.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		accounts:    make(map[string]*models.Account),
		tenantKeys:  make(map[string]*models.TenantKey),
		credentials: make(map[string]*models.UpstreamCredential),
		presets:     make(map[string]*models.Preset),
		rules:       make(map[string]*models.RegexRule),
		ruleSeq:     make(map[string]int),
		logs:        make([]*models.LogEntry, 0),
		saveCh:      make(chan struct{}, 1),
		doneCh:      make(chan struct{}),
	}

	if dataDir := os.Getenv("GPROXY_DATA_DIR"); dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "data.json")
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	return m
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
		// Already pending
	}
}

// saveLoop runs in a goroutine, debouncing save requests (max 1 write per 500ms).
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond) // debounce
			m.saveSnapshot()
		}
	}
}

func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{
		Accounts:    m.accounts,
		TenantKeys:  m.tenantKeys,
		Credentials: m.credentials,
		Presets:     m.presets,
		Rules:       m.rules,
		Logs:        m.logs,
	}
	data, err := json.MarshalIndent(&snap, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		log.Warn().Err(err).Msg("Snapshot marshal failed")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		log.Warn().Err(err).Msg("Snapshot write failed")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Warn().Err(err).Msg("Snapshot rename failed")
	}
}

func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Msg("Snapshot read failed")
		}
		return
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Snapshot corrupt, starting empty")
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if snap.Accounts != nil {
		m.accounts = snap.Accounts
	}
	if snap.TenantKeys != nil {
		m.tenantKeys = snap.TenantKeys
	}
	if snap.Credentials != nil {
		m.credentials = snap.Credentials
	}
	if snap.Presets != nil {
		m.presets = snap.Presets
	}
	if snap.Rules != nil {
		m.rules = snap.Rules
	}
	if snap.Logs != nil {
		m.logs = snap.Logs
	}
	for id := range m.rules {
		m.ruleSeq[id] = m.itemSeq
		m.itemSeq++
	}
}

// Ping always succeeds for the in-memory store.
func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

// Close flushes a final snapshot and stops background goroutines.
func (m *MemoryStore) Close() error {
	m.closeOnce.Do(func() {
		close(m.doneCh)
		if m.snapshotPath != "" {
			m.saveSnapshot()
		}
	})
	return nil
}

// ── Auth ────────────────────────────────────────────────────

func (m *MemoryStore) Authenticate(ctx context.Context, key string) (*models.TenantKey, *models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, tk := range m.tenantKeys {
		if tk.Key == key && tk.Enabled {
			acct := m.accounts[tk.AccountID]
			if acct == nil {
				return nil, nil, &ErrNotFound{Entity: "account", Key: tk.AccountID}
			}
			tkCopy := *tk
			acctCopy := *acct
			return &tkCopy, &acctCopy, nil
		}
	}
	return nil, nil, &ErrNotFound{Entity: "tenant key", Key: "<redacted>"}
}

// ── Accounts (seeding & tests) ──────────────────────────────

// PutAccount upserts an account. Accounts are managed outside the gateway;
// this exists for seeding and tests.
func (m *MemoryStore) PutAccount(ctx context.Context, acct *models.Account) error {
	m.mu.Lock()
	m.accounts[acct.ID] = acct
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Tenant Keys ─────────────────────────────────────────────

func (m *MemoryStore) ListTenantKeys(ctx context.Context, accountID string) ([]models.TenantKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.TenantKey
	for _, tk := range m.tenantKeys {
		if accountID == "" || tk.AccountID == accountID {
			out = append(out, *tk)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) GetTenantKey(ctx context.Context, id string) (*models.TenantKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tk, ok := m.tenantKeys[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "tenant key", Key: id}
	}
	cp := *tk
	return &cp, nil
}

func (m *MemoryStore) CreateTenantKey(ctx context.Context, key *models.TenantKey) error {
	m.mu.Lock()
	for _, tk := range m.tenantKeys {
		if tk.Key == key.Key {
			m.mu.Unlock()
			return &ErrConflict{Entity: "tenant key", Key: key.ID}
		}
	}
	cp := *key
	m.tenantKeys[key.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateTenantKey(ctx context.Context, key *models.TenantKey) error {
	m.mu.Lock()
	if _, ok := m.tenantKeys[key.ID]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "tenant key", Key: key.ID}
	}
	cp := *key
	m.tenantKeys[key.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteTenantKey(ctx context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.tenantKeys[id]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "tenant key", Key: id}
	}
	delete(m.tenantKeys, id)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Upstream Credentials ────────────────────────────────────

func (m *MemoryStore) ListCredentials(ctx context.Context) ([]models.UpstreamCredential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.UpstreamCredential, 0, len(m.credentials))
	for _, c := range m.credentials {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) GetCredential(ctx context.Context, id string) (*models.UpstreamCredential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.credentials[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "credential", Key: id}
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) CreateCredential(ctx context.Context, cred *models.UpstreamCredential) error {
	m.mu.Lock()
	for _, c := range m.credentials {
		if c.Secret == cred.Secret {
			m.mu.Unlock()
			return &ErrConflict{Entity: "credential", Key: cred.ID}
		}
	}
	cp := *cred
	m.credentials[cred.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateCredential(ctx context.Context, cred *models.UpstreamCredential) error {
	m.mu.Lock()
	if _, ok := m.credentials[cred.ID]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "credential", Key: cred.ID}
	}
	cp := *cred
	m.credentials[cred.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteCredential(ctx context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.credentials[id]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "credential", Key: id}
	}
	delete(m.credentials, id)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateCredentialStats(ctx context.Context, id string, delta models.CredentialDelta) error {
	m.mu.Lock()
	c, ok := m.credentials[id]
	if !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "credential", Key: id}
	}
	c.UsageCount += delta.Uses
	c.ErrorCount += delta.Errors
	c.TotalTokens += delta.Tokens
	if delta.LastStatus != "" {
		c.LastStatus = delta.LastStatus
	}
	if !delta.LastUsedAt.IsZero() {
		c.LastUsedAt = delta.LastUsedAt
	}
	if delta.Disable {
		c.Enabled = false
	}
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Presets ─────────────────────────────────────────────────

func (m *MemoryStore) ListPresets(ctx context.Context, accountID string) ([]models.Preset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Preset
	for _, p := range m.presets {
		if accountID == "" || p.AccountID == accountID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SortOrder != out[j].SortOrder {
			return out[i].SortOrder < out[j].SortOrder
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) GetPreset(ctx context.Context, id string) (*models.Preset, error) {
	m.mu.RLock()
	p, ok := m.presets[id]
	if !ok {
		m.mu.RUnlock()
		return nil, &ErrNotFound{Entity: "preset", Key: id}
	}
	cp := *p
	cp.Items = append([]models.PresetItem(nil), p.Items...)

	// Attach the preset-level rules, ordered.
	var rules []models.RegexRule
	seq := make(map[string]int)
	for _, r := range m.rules {
		if r.Scope == models.ScopePreset && r.PresetID != nil && *r.PresetID == id {
			rules = append(rules, *r)
			seq[r.ID] = m.ruleSeq[r.ID]
		}
	}
	m.mu.RUnlock()

	// Items keep insertion order on ties: SliceStable over the stored order.
	sort.SliceStable(cp.Items, func(i, j int) bool { return cp.Items[i].SortOrder < cp.Items[j].SortOrder })
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].SortOrder != rules[j].SortOrder {
			return rules[i].SortOrder < rules[j].SortOrder
		}
		return seq[rules[i].ID] < seq[rules[j].ID]
	})
	cp.Rules = rules
	return &cp, nil
}

func (m *MemoryStore) CreatePreset(ctx context.Context, preset *models.Preset) error {
	m.mu.Lock()
	cp := *preset
	cp.Items = append([]models.PresetItem(nil), preset.Items...)
	m.presets[preset.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdatePreset(ctx context.Context, preset *models.Preset) error {
	m.mu.Lock()
	if _, ok := m.presets[preset.ID]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "preset", Key: preset.ID}
	}
	cp := *preset
	cp.Items = append([]models.PresetItem(nil), preset.Items...)
	m.presets[preset.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeletePreset(ctx context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.presets[id]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "preset", Key: id}
	}
	delete(m.presets, id)

	// ON DELETE SET NULL semantics for referencing keys and rules.
	for _, tk := range m.tenantKeys {
		if tk.PresetID != nil && *tk.PresetID == id {
			tk.PresetID = nil
		}
	}
	for rid, r := range m.rules {
		if r.PresetID != nil && *r.PresetID == id {
			if r.Scope == models.ScopePreset {
				delete(m.rules, rid)
			} else {
				r.PresetID = nil
			}
		}
	}
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Regex Rules ─────────────────────────────────────────────

func (m *MemoryStore) ListAccountRegex(ctx context.Context, accountID string) ([]models.RegexRule, error) {
	m.mu.RLock()
	var out []models.RegexRule
	seq := make(map[string]int)
	for _, r := range m.rules {
		if r.Scope == models.ScopeAccount && r.AccountID == accountID {
			out = append(out, *r)
			seq[r.ID] = m.ruleSeq[r.ID]
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SortOrder != out[j].SortOrder {
			return out[i].SortOrder < out[j].SortOrder
		}
		return seq[out[i].ID] < seq[out[j].ID]
	})
	return out, nil
}

func (m *MemoryStore) GetRegexRule(ctx context.Context, id string) (*models.RegexRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rules[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "regex rule", Key: id}
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) CreateRegexRule(ctx context.Context, rule *models.RegexRule) error {
	m.mu.Lock()
	cp := *rule
	m.rules[rule.ID] = &cp
	m.ruleSeq[rule.ID] = m.itemSeq
	m.itemSeq++
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateRegexRule(ctx context.Context, rule *models.RegexRule) error {
	m.mu.Lock()
	if _, ok := m.rules[rule.ID]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "regex rule", Key: rule.ID}
	}
	cp := *rule
	m.rules[rule.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteRegexRule(ctx context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.rules[id]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "regex rule", Key: id}
	}
	delete(m.rules, id)
	delete(m.ruleSeq, id)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Logs ────────────────────────────────────────────────────

func (m *MemoryStore) AppendLog(ctx context.Context, entry *models.LogEntry) error {
	m.mu.Lock()
	cp := *entry
	m.logs = append(m.logs, &cp)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListLogs(ctx context.Context, filter models.LogFilter) ([]models.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.LogEntry
	// Newest first.
	for i := len(m.logs) - 1; i >= 0; i-- {
		e := m.logs[i]
		if filter.TenantKeyID != "" && e.TenantKeyID != filter.TenantKeyID {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		out = append(out, *e)
	}
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

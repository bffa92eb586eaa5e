package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gproxy/gproxy/pkg/models"
)

func newStore(t *testing.T) *MemoryStore {
	t.Helper()
	m := NewMemoryStore()
	t.Cleanup(func() { m.Close() })
	return m
}

func seedAccount(t *testing.T, m *MemoryStore, id string) {
	t.Helper()
	if err := m.PutAccount(context.Background(), &models.Account{ID: id, Name: id}); err != nil {
		t.Fatalf("PutAccount: %v", err)
	}
}

// ── Auth ────────────────────────────────────────────────────

func TestAuthenticate(t *testing.T) {
	m := newStore(t)
	ctx := context.Background()
	seedAccount(t, m, "acct1")

	err := m.CreateTenantKey(ctx, &models.TenantKey{
		ID: "tk1", Key: "gapi-good", AccountID: "acct1", Enabled: true,
	})
	if err != nil {
		t.Fatalf("CreateTenantKey: %v", err)
	}

	key, acct, err := m.Authenticate(ctx, "gapi-good")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if key.ID != "tk1" || acct.ID != "acct1" {
		t.Errorf("resolved %q/%q", key.ID, acct.ID)
	}

	if _, _, err := m.Authenticate(ctx, "gapi-unknown"); err == nil {
		t.Error("unknown key authenticated")
	}

	key.Enabled = false
	if err := m.UpdateTenantKey(ctx, key); err != nil {
		t.Fatalf("UpdateTenantKey: %v", err)
	}
	if _, _, err := m.Authenticate(ctx, "gapi-good"); err == nil {
		t.Error("disabled key authenticated")
	}
}

func TestCreateTenantKeyDuplicate(t *testing.T) {
	m := newStore(t)
	ctx := context.Background()
	seedAccount(t, m, "acct1")

	k := &models.TenantKey{ID: "tk1", Key: "gapi-dup", AccountID: "acct1", Enabled: true}
	if err := m.CreateTenantKey(ctx, k); err != nil {
		t.Fatalf("first create: %v", err)
	}
	err := m.CreateTenantKey(ctx, &models.TenantKey{ID: "tk2", Key: "gapi-dup", AccountID: "acct1"})
	var conflict *ErrConflict
	if !errors.As(err, &conflict) {
		t.Errorf("duplicate create = %v, want ErrConflict", err)
	}
}

// ── Credentials ─────────────────────────────────────────────

func TestCredentialStatsDelta(t *testing.T) {
	m := newStore(t)
	ctx := context.Background()

	err := m.CreateCredential(ctx, &models.UpstreamCredential{
		ID: "c1", Secret: "s1", Enabled: true, LastStatus: models.CredentialStatusActive,
	})
	if err != nil {
		t.Fatalf("CreateCredential: %v", err)
	}

	now := time.Now().UTC()
	err = m.UpdateCredentialStats(ctx, "c1", models.CredentialDelta{
		Uses: 1, Tokens: 20, LastStatus: "200", LastUsedAt: now,
	})
	if err != nil {
		t.Fatalf("UpdateCredentialStats: %v", err)
	}
	err = m.UpdateCredentialStats(ctx, "c1", models.CredentialDelta{
		Uses: 1, Errors: 1, LastStatus: models.CredentialStatusAutoDisabled, Disable: true, LastUsedAt: now,
	})
	if err != nil {
		t.Fatalf("UpdateCredentialStats: %v", err)
	}

	c, err := m.GetCredential(ctx, "c1")
	if err != nil {
		t.Fatalf("GetCredential: %v", err)
	}
	if c.UsageCount != 2 || c.ErrorCount != 1 || c.TotalTokens != 20 {
		t.Errorf("counters = %+v", c)
	}
	if c.Enabled {
		t.Error("credential still enabled after Disable delta")
	}
	if c.LastStatus != models.CredentialStatusAutoDisabled {
		t.Errorf("LastStatus = %q", c.LastStatus)
	}
}

func TestCreateCredentialDuplicateSecret(t *testing.T) {
	m := newStore(t)
	ctx := context.Background()

	if err := m.CreateCredential(ctx, &models.UpstreamCredential{ID: "c1", Secret: "same"}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	err := m.CreateCredential(ctx, &models.UpstreamCredential{ID: "c2", Secret: "same"})
	var conflict *ErrConflict
	if !errors.As(err, &conflict) {
		t.Errorf("duplicate secret = %v, want ErrConflict", err)
	}
}

// ── Presets ─────────────────────────────────────────────────

func TestGetPresetItemsSortedWithInsertionTieBreak(t *testing.T) {
	m := newStore(t)
	ctx := context.Background()
	seedAccount(t, m, "acct1")

	err := m.CreatePreset(ctx, &models.Preset{
		ID: "p1", Name: "p", AccountID: "acct1", Enabled: true,
		Items: []models.PresetItem{
			{ID: "late", Role: models.RoleUser, Type: models.ItemNormal, SortOrder: 5, Enabled: true},
			{ID: "tie-a", Role: models.RoleSystem, Type: models.ItemNormal, SortOrder: 1, Enabled: true},
			{ID: "tie-b", Role: models.RoleSystem, Type: models.ItemNormal, SortOrder: 1, Enabled: true},
		},
	})
	if err != nil {
		t.Fatalf("CreatePreset: %v", err)
	}

	ps, err := m.GetPreset(ctx, "p1")
	if err != nil {
		t.Fatalf("GetPreset: %v", err)
	}
	gotOrder := []string{ps.Items[0].ID, ps.Items[1].ID, ps.Items[2].ID}
	want := []string{"tie-a", "tie-b", "late"}
	for i := range want {
		if gotOrder[i] != want[i] {
			t.Fatalf("item order = %v, want %v", gotOrder, want)
		}
	}
}

func TestGetPresetIncludesPresetRulesSorted(t *testing.T) {
	m := newStore(t)
	ctx := context.Background()
	seedAccount(t, m, "acct1")
	pid := "p1"

	if err := m.CreatePreset(ctx, &models.Preset{ID: pid, Name: "p", AccountID: "acct1", Enabled: true}); err != nil {
		t.Fatalf("CreatePreset: %v", err)
	}
	for _, r := range []models.RegexRule{
		{ID: "r2", Name: "second", Pattern: "b", Phase: models.PhasePost, Scope: models.ScopePreset, PresetID: &pid, SortOrder: 2, Enabled: true},
		{ID: "r1", Name: "first", Pattern: "a", Phase: models.PhasePost, Scope: models.ScopePreset, PresetID: &pid, SortOrder: 1, Enabled: true},
	} {
		rule := r
		if err := m.CreateRegexRule(ctx, &rule); err != nil {
			t.Fatalf("CreateRegexRule: %v", err)
		}
	}

	ps, err := m.GetPreset(ctx, pid)
	if err != nil {
		t.Fatalf("GetPreset: %v", err)
	}
	if len(ps.Rules) != 2 || ps.Rules[0].ID != "r1" || ps.Rules[1].ID != "r2" {
		t.Errorf("rules = %+v, want r1 then r2", ps.Rules)
	}
}

func TestDeletePresetNullsReferences(t *testing.T) {
	m := newStore(t)
	ctx := context.Background()
	seedAccount(t, m, "acct1")
	pid := "p1"

	if err := m.CreatePreset(ctx, &models.Preset{ID: pid, Name: "p", AccountID: "acct1", Enabled: true}); err != nil {
		t.Fatalf("CreatePreset: %v", err)
	}
	err := m.CreateTenantKey(ctx, &models.TenantKey{
		ID: "tk1", Key: "gapi-x", AccountID: "acct1", PresetID: &pid, Enabled: true,
	})
	if err != nil {
		t.Fatalf("CreateTenantKey: %v", err)
	}
	err = m.CreateRegexRule(ctx, &models.RegexRule{
		ID: "r1", Name: "n", Pattern: "a", Phase: models.PhasePre,
		Scope: models.ScopePreset, PresetID: &pid, Enabled: true,
	})
	if err != nil {
		t.Fatalf("CreateRegexRule: %v", err)
	}

	if err := m.DeletePreset(ctx, pid); err != nil {
		t.Fatalf("DeletePreset: %v", err)
	}

	key, err := m.GetTenantKey(ctx, "tk1")
	if err != nil {
		t.Fatalf("GetTenantKey: %v", err)
	}
	if key.PresetID != nil {
		t.Errorf("tenant key still references deleted preset %q", *key.PresetID)
	}
	if _, err := m.GetRegexRule(ctx, "r1"); err == nil {
		t.Error("preset-scoped rule survived preset deletion")
	}
}

// ── Regex rules ─────────────────────────────────────────────

func TestListAccountRegexSortedAndScoped(t *testing.T) {
	m := newStore(t)
	ctx := context.Background()
	seedAccount(t, m, "acct1")
	seedAccount(t, m, "acct2")
	pid := "p1"

	rules := []models.RegexRule{
		{ID: "a2", Name: "a2", Pattern: "x", Phase: models.PhasePre, Scope: models.ScopeAccount, AccountID: "acct1", SortOrder: 2, Enabled: true},
		{ID: "a1", Name: "a1", Pattern: "x", Phase: models.PhasePost, Scope: models.ScopeAccount, AccountID: "acct1", SortOrder: 1, Enabled: true},
		{ID: "other", Name: "other", Pattern: "x", Phase: models.PhasePre, Scope: models.ScopeAccount, AccountID: "acct2", SortOrder: 0, Enabled: true},
		{ID: "preset", Name: "preset", Pattern: "x", Phase: models.PhasePre, Scope: models.ScopePreset, AccountID: "acct1", PresetID: &pid, SortOrder: 0, Enabled: true},
	}
	for _, r := range rules {
		rule := r
		if err := m.CreateRegexRule(ctx, &rule); err != nil {
			t.Fatalf("CreateRegexRule(%s): %v", rule.ID, err)
		}
	}

	got, err := m.ListAccountRegex(ctx, "acct1")
	if err != nil {
		t.Fatalf("ListAccountRegex: %v", err)
	}
	if len(got) != 2 || got[0].ID != "a1" || got[1].ID != "a2" {
		t.Errorf("rules = %+v, want a1 then a2 only", got)
	}
}

// ── Logs ────────────────────────────────────────────────────

func TestListLogsNewestFirstWithFilters(t *testing.T) {
	m := newStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	entries := []models.LogEntry{
		{ID: "l1", TenantKeyID: "tk1", Status: models.LogStatusOK, StatusCode: 200, CreatedAt: base},
		{ID: "l2", TenantKeyID: "tk2", Status: models.LogStatusError, StatusCode: 502, CreatedAt: base.Add(time.Second)},
		{ID: "l3", TenantKeyID: "tk1", Status: models.LogStatusError, StatusCode: 499, CreatedAt: base.Add(2 * time.Second)},
	}
	for _, e := range entries {
		entry := e
		if err := m.AppendLog(ctx, &entry); err != nil {
			t.Fatalf("AppendLog: %v", err)
		}
	}

	all, err := m.ListLogs(ctx, models.LogFilter{})
	if err != nil {
		t.Fatalf("ListLogs: %v", err)
	}
	if len(all) != 3 || all[0].ID != "l3" || all[2].ID != "l1" {
		t.Errorf("order = %v, want newest first", ids(all))
	}

	byKey, _ := m.ListLogs(ctx, models.LogFilter{TenantKeyID: "tk1"})
	if len(byKey) != 2 {
		t.Errorf("tenant filter returned %v", ids(byKey))
	}
	byStatus, _ := m.ListLogs(ctx, models.LogFilter{Status: models.LogStatusError})
	if len(byStatus) != 2 {
		t.Errorf("status filter returned %v", ids(byStatus))
	}
	paged, _ := m.ListLogs(ctx, models.LogFilter{Limit: 1, Offset: 1})
	if len(paged) != 1 || paged[0].ID != "l2" {
		t.Errorf("paged = %v, want [l2]", ids(paged))
	}
}

func ids(entries []models.LogEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

// ── Snapshot persistence ────────────────────────────────────

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("GPROXY_DATA_DIR", dir)

	m := NewMemoryStore()
	ctx := context.Background()
	seedAccount(t, m, "acct1")
	err := m.CreateTenantKey(ctx, &models.TenantKey{
		ID: "tk1", Key: "gapi-persist", AccountID: "acct1", Enabled: true,
	})
	if err != nil {
		t.Fatalf("CreateTenantKey: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := NewMemoryStore()
	defer reopened.Close()
	key, acct, err := reopened.Authenticate(ctx, "gapi-persist")
	if err != nil {
		t.Fatalf("Authenticate after reload: %v", err)
	}
	if key.ID != "tk1" || acct.ID != "acct1" {
		t.Errorf("reloaded %q/%q", key.ID, acct.ID)
	}
}

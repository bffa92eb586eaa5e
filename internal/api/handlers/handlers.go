// Package handlers implements the HTTP handlers for the gateway: the
// OpenAI-compatible completion surface and the admin CRUD for tenant keys,
// upstream credentials, presets, regex rules, and request logs.
package handlers

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gproxy/gproxy/internal/pool"
	"github.com/gproxy/gproxy/internal/proxy"
	"github.com/gproxy/gproxy/internal/rewrite"
	"github.com/gproxy/gproxy/internal/store"
	"github.com/gproxy/gproxy/pkg/models"
	"github.com/rs/zerolog/log"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store store.Store
	Proxy *proxy.Orchestrator
	Pool  *pool.Pool
}

func New(s store.Store, orch *proxy.Orchestrator, p *pool.Pool) *Handlers {
	return &Handlers{Store: s, Proxy: orch, Pool: p}
}

// ══════════════════════════════════════════════════════════════
// ── Completion surface ───────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ChatCompletion(w http.ResponseWriter, r *http.Request) {
	h.Proxy.HandleChatCompletion(w, r)
}

func (h *Handlers) ListModels(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Proxy.ModelCatalog())
}

// ══════════════════════════════════════════════════════════════
// ── Tenant Key Handlers ──────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListTenantKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.Store.ListTenantKeys(r.Context(), r.URL.Query().Get("account_id"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if keys == nil {
		keys = []models.TenantKey{}
	}
	respondJSON(w, http.StatusOK, keys)
}

func (h *Handlers) CreateTenantKey(w http.ResponseWriter, r *http.Request) {
	var req models.TenantKey
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.AccountID == "" {
		respondError(w, http.StatusBadRequest, "account_id is required")
		return
	}

	secret, err := generateTenantKey()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Key generation failed")
		return
	}
	req.ID = uuid.NewString()
	req.Key = secret
	req.Enabled = true
	req.CreatedAt = time.Now().UTC()

	if err := h.Store.CreateTenantKey(r.Context(), &req); err != nil {
		respondStoreError(w, err)
		return
	}
	log.Info().Str("tenant_key_id", req.ID).Str("account_id", req.AccountID).Msg("Tenant key created")
	respondJSON(w, http.StatusCreated, req)
}

func (h *Handlers) GetTenantKey(w http.ResponseWriter, r *http.Request) {
	key, err := h.Store.GetTenantKey(r.Context(), chi.URLParam(r, "keyId"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, key)
}

func (h *Handlers) UpdateTenantKey(w http.ResponseWriter, r *http.Request) {
	existing, err := h.Store.GetTenantKey(r.Context(), chi.URLParam(r, "keyId"))
	if err != nil {
		respondStoreError(w, err)
		return
	}

	var req struct {
		Name       *string `json:"name"`
		PresetID   *string `json:"preset_id"`
		ApplyRegex *bool   `json:"apply_regex"`
		Enabled    *bool   `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name != nil {
		existing.Name = *req.Name
	}
	if req.PresetID != nil {
		if *req.PresetID == "" {
			existing.PresetID = nil
		} else {
			existing.PresetID = req.PresetID
		}
	}
	if req.ApplyRegex != nil {
		existing.ApplyRegex = *req.ApplyRegex
	}
	if req.Enabled != nil {
		existing.Enabled = *req.Enabled
	}

	if err := h.Store.UpdateTenantKey(r.Context(), existing); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, existing)
}

func (h *Handlers) DeleteTenantKey(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DeleteTenantKey(r.Context(), chi.URLParam(r, "keyId")); err != nil {
		respondStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// generateTenantKey returns a gapi-prefixed secret with 256 bits of
// entropy, URL-safe base64 without padding.
func generateTenantKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return models.TenantKeyPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// ══════════════════════════════════════════════════════════════
// ── Credential Handlers ──────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// credentialView decorates a stored credential with the pool's volatile
// health score.
type credentialView struct {
	models.UpstreamCredential
	Score int `json:"score"`
}

func (h *Handlers) ListCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := h.Store.ListCredentials(r.Context())
	if err != nil {
		respondStoreError(w, err)
		return
	}
	scores := h.Pool.Scores()
	views := make([]credentialView, 0, len(creds))
	for _, c := range creds {
		score, seen := scores[c.ID]
		if !seen {
			score = 100
		}
		views = append(views, credentialView{UpstreamCredential: c, Score: score})
	}
	respondJSON(w, http.StatusOK, views)
}

func (h *Handlers) CreateCredential(w http.ResponseWriter, r *http.Request) {
	var req models.UpstreamCredential
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Secret == "" {
		respondError(w, http.StatusBadRequest, "secret is required")
		return
	}
	req.ID = uuid.NewString()
	req.Enabled = true
	req.LastStatus = models.CredentialStatusActive
	req.CreatedAt = time.Now().UTC()

	if err := h.Store.CreateCredential(r.Context(), &req); err != nil {
		respondStoreError(w, err)
		return
	}
	log.Info().Str("credential_id", req.ID).Msg("Upstream credential added")
	respondJSON(w, http.StatusCreated, req)
}

func (h *Handlers) UpdateCredential(w http.ResponseWriter, r *http.Request) {
	existing, err := h.Store.GetCredential(r.Context(), chi.URLParam(r, "credId"))
	if err != nil {
		respondStoreError(w, err)
		return
	}

	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Enabled != nil {
		existing.Enabled = *req.Enabled
		if *req.Enabled {
			// Administrator re-enable clears the auto-disable marker.
			existing.LastStatus = models.CredentialStatusActive
		}
	}

	if err := h.Store.UpdateCredential(r.Context(), existing); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, existing)
}

func (h *Handlers) DeleteCredential(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DeleteCredential(r.Context(), chi.URLParam(r, "credId")); err != nil {
		respondStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ══════════════════════════════════════════════════════════════
// ── Preset Handlers ──────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListPresets(w http.ResponseWriter, r *http.Request) {
	presets, err := h.Store.ListPresets(r.Context(), r.URL.Query().Get("account_id"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if presets == nil {
		presets = []models.Preset{}
	}
	respondJSON(w, http.StatusOK, presets)
}

func (h *Handlers) CreatePreset(w http.ResponseWriter, r *http.Request) {
	var req models.Preset
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.AccountID == "" {
		respondError(w, http.StatusBadRequest, "account_id is required")
		return
	}
	if err := validateItems(req.Items); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.ID = uuid.NewString()
	req.Enabled = true
	req.CreatedAt = time.Now().UTC()
	for i := range req.Items {
		if req.Items[i].ID == "" {
			req.Items[i].ID = uuid.NewString()
		}
	}

	if err := h.Store.CreatePreset(r.Context(), &req); err != nil {
		respondStoreError(w, err)
		return
	}
	log.Info().Str("preset_id", req.ID).Int("items", len(req.Items)).Msg("Preset created")
	respondJSON(w, http.StatusCreated, req)
}

func (h *Handlers) GetPreset(w http.ResponseWriter, r *http.Request) {
	ps, err := h.Store.GetPreset(r.Context(), chi.URLParam(r, "presetId"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ps)
}

func (h *Handlers) UpdatePreset(w http.ResponseWriter, r *http.Request) {
	existing, err := h.Store.GetPreset(r.Context(), chi.URLParam(r, "presetId"))
	if err != nil {
		respondStoreError(w, err)
		return
	}

	var req models.Preset
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := validateItems(req.Items); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name != "" {
		existing.Name = req.Name
	}
	existing.Enabled = req.Enabled
	existing.Items = req.Items
	for i := range existing.Items {
		if existing.Items[i].ID == "" {
			existing.Items[i].ID = uuid.NewString()
		}
	}

	if err := h.Store.UpdatePreset(r.Context(), existing); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, existing)
}

func (h *Handlers) DeletePreset(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DeletePreset(r.Context(), chi.URLParam(r, "presetId")); err != nil {
		respondStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func validateItems(items []models.PresetItem) error {
	for _, it := range items {
		switch it.Type {
		case models.ItemNormal, models.ItemUserInput, models.ItemHistory:
		default:
			return errors.New("item type must be normal, user_input, or history")
		}
		switch it.Role {
		case models.RoleSystem, models.RoleUser, models.RoleAssistant, "":
		default:
			return errors.New("item role must be system, user, or assistant")
		}
	}
	return nil
}

// ══════════════════════════════════════════════════════════════
// ── Regex Rule Handlers ──────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListRegexRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.Store.ListAccountRegex(r.Context(), r.URL.Query().Get("account_id"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if rules == nil {
		rules = []models.RegexRule{}
	}
	respondJSON(w, http.StatusOK, rules)
}

func (h *Handlers) CreateRegexRule(w http.ResponseWriter, r *http.Request) {
	var req models.RegexRule
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := validateRule(&req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.ID = uuid.NewString()
	req.Enabled = true
	req.CreatedAt = time.Now().UTC()

	if err := h.Store.CreateRegexRule(r.Context(), &req); err != nil {
		respondStoreError(w, err)
		return
	}
	log.Info().Str("rule_id", req.ID).Str("phase", req.Phase).Str("scope", req.Scope).Msg("Regex rule created")
	respondJSON(w, http.StatusCreated, req)
}

func (h *Handlers) UpdateRegexRule(w http.ResponseWriter, r *http.Request) {
	existing, err := h.Store.GetRegexRule(r.Context(), chi.URLParam(r, "ruleId"))
	if err != nil {
		respondStoreError(w, err)
		return
	}

	var req models.RegexRule
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Pattern != "" {
		existing.Pattern = req.Pattern
	}
	existing.Replacement = req.Replacement
	if req.Name != "" {
		existing.Name = req.Name
	}
	if req.Phase != "" {
		existing.Phase = req.Phase
	}
	existing.Enabled = req.Enabled
	existing.SortOrder = req.SortOrder
	if err := validateRule(existing); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.Store.UpdateRegexRule(r.Context(), existing); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, existing)
}

func (h *Handlers) DeleteRegexRule(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DeleteRegexRule(r.Context(), chi.URLParam(r, "ruleId")); err != nil {
		respondStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// validateRule rejects rules that would be skipped at request time. A
// pattern that does not compile never reaches the store.
func validateRule(rule *models.RegexRule) error {
	if rule.Phase != models.PhasePre && rule.Phase != models.PhasePost {
		return errors.New("phase must be pre or post")
	}
	switch rule.Scope {
	case models.ScopeAccount:
		if rule.AccountID == "" {
			return errors.New("account_id is required for account-scoped rules")
		}
	case models.ScopePreset:
		if rule.PresetID == nil || *rule.PresetID == "" {
			return errors.New("preset_id is required for preset-scoped rules")
		}
	default:
		return errors.New("scope must be account or preset")
	}
	if err := rewrite.Validate(rule.Pattern); err != nil {
		return errors.New("pattern does not compile: " + err.Error())
	}
	return nil
}

// ══════════════════════════════════════════════════════════════
// ── Log Handlers ─────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.LogFilter{
		TenantKeyID: q.Get("tenant_key_id"),
		Status:      q.Get("status"),
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}

	logs, err := h.Store.ListLogs(r.Context(), filter)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if logs == nil {
		logs = []models.LogEntry{}
	}
	respondJSON(w, http.StatusOK, logs)
}

// ══════════════════════════════════════════════════════════════
// ── Response helpers ─────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func respondStoreError(w http.ResponseWriter, err error) {
	var nf *store.ErrNotFound
	var conflict *store.ErrConflict
	switch {
	case errors.As(err, &nf):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &conflict):
		respondError(w, http.StatusConflict, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

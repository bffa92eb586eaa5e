package preset_test

import (
	"reflect"
	"testing"

	"github.com/gproxy/gproxy/internal/preset"
	"github.com/gproxy/gproxy/internal/vars"
	"github.com/gproxy/gproxy/pkg/models"
)

func msg(role, content string) models.ChatMessage {
	return models.ChatMessage{Role: role, Content: content}
}

func item(role, typ, content string, order int) models.PresetItem {
	return models.PresetItem{Role: role, Type: typ, Content: content, Enabled: true, SortOrder: order}
}

func TestNilPresetIsIdentity(t *testing.T) {
	inbound := []models.ChatMessage{msg("user", "Hi")}
	got := preset.Expand(nil, inbound, vars.NewScope(1))
	if !reflect.DeepEqual(got, inbound) {
		t.Errorf("Expand(nil) = %v, want inbound unchanged", got)
	}
}

func TestEmptyPresetAppendsLastUser(t *testing.T) {
	p := &models.Preset{}
	inbound := []models.ChatMessage{msg("user", "Hi")}
	got := preset.Expand(p, inbound, vars.NewScope(1))
	want := []models.ChatMessage{msg("user", "Hi")}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expand(empty preset) = %v, want %v", got, want)
	}
}

func TestNormalAndUserInput(t *testing.T) {
	p := &models.Preset{Items: []models.PresetItem{
		item("system", models.ItemNormal, "You are concise.", 0),
		item("user", models.ItemUserInput, "ignored", 1),
	}}
	inbound := []models.ChatMessage{
		msg("user", "first"),
		msg("assistant", "ack"),
		msg("user", "actual question"),
	}
	got := preset.Expand(p, inbound, vars.NewScope(1))
	want := []models.ChatMessage{
		msg("system", "You are concise."),
		msg("user", "actual question"),
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expand() = %v, want %v", got, want)
	}
}

func TestHistoryExcludesLastUser(t *testing.T) {
	p := &models.Preset{Items: []models.PresetItem{
		item("", models.ItemHistory, "", 0),
		item("user", models.ItemUserInput, "", 1),
	}}
	inbound := []models.ChatMessage{
		msg("user", "one"),
		msg("assistant", "two"),
		msg("user", "three"),
	}
	got := preset.Expand(p, inbound, vars.NewScope(1))
	want := []models.ChatMessage{
		msg("user", "one"),
		msg("assistant", "two"),
		msg("user", "three"),
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expand() = %v, want %v", got, want)
	}
}

func TestHistoryOnlyStillAppendsUser(t *testing.T) {
	p := &models.Preset{Items: []models.PresetItem{
		item("", models.ItemHistory, "", 0),
	}}
	inbound := []models.ChatMessage{
		msg("assistant", "earlier"),
		msg("user", "now"),
	}
	got := preset.Expand(p, inbound, vars.NewScope(1))
	want := []models.ChatMessage{
		msg("assistant", "earlier"),
		msg("user", "now"),
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expand() = %v, want %v", got, want)
	}
}

func TestDisabledItemsSkipped(t *testing.T) {
	disabled := item("system", models.ItemNormal, "hidden", 0)
	disabled.Enabled = false
	p := &models.Preset{Items: []models.PresetItem{
		disabled,
		item("user", models.ItemUserInput, "", 1),
	}}
	inbound := []models.ChatMessage{msg("user", "Hi")}
	got := preset.Expand(p, inbound, vars.NewScope(1))
	want := []models.ChatMessage{msg("user", "Hi")}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expand() = %v, want %v", got, want)
	}
}

func TestVariableExpansionInNormalItems(t *testing.T) {
	p := &models.Preset{Items: []models.PresetItem{
		item("system", models.ItemNormal, "d={{roll 1d1}}", 0),
		item("user", models.ItemUserInput, "", 1),
	}}
	inbound := []models.ChatMessage{msg("user", "Hi")}
	got := preset.Expand(p, inbound, vars.NewScope(1))
	if got[0].Content != "d=1" {
		t.Errorf("normal item content = %q, want %q", got[0].Content, "d=1")
	}
}

func TestSetvarScopeSpansItems(t *testing.T) {
	p := &models.Preset{Items: []models.PresetItem{
		item("system", models.ItemNormal, "{{setvar::hero::Ava}}", 0),
		item("system", models.ItemNormal, "The hero is {{getvar::hero}}.", 1),
		item("user", models.ItemUserInput, "", 2),
	}}
	inbound := []models.ChatMessage{msg("user", "go")}
	got := preset.Expand(p, inbound, vars.NewScope(1))
	if got[1].Content != "The hero is Ava." {
		t.Errorf("cross-item getvar = %q, want %q", got[1].Content, "The hero is Ava.")
	}
}

func TestAdjacentSameRoleNotMerged(t *testing.T) {
	p := &models.Preset{Items: []models.PresetItem{
		item("system", models.ItemNormal, "a", 0),
		item("system", models.ItemNormal, "b", 1),
		item("user", models.ItemUserInput, "", 2),
	}}
	inbound := []models.ChatMessage{msg("user", "Hi")}
	got := preset.Expand(p, inbound, vars.NewScope(1))
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3 (no merging)", len(got))
	}
	if got[0].Content != "a" || got[1].Content != "b" {
		t.Errorf("messages merged or reordered: %v", got)
	}
}

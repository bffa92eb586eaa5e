// Package preset turns a preset document plus the inbound conversation
// into the final message list sent upstream.
package preset

import (
	"github.com/gproxy/gproxy/internal/vars"
	"github.com/gproxy/gproxy/pkg/models"
)

// Expand walks the preset items in sort order and builds the outbound
// message list. A nil preset is the identity on the inbound messages.
//
// Item semantics:
//   - normal: the item's own role and content, after variable expansion
//   - user_input: the last inbound user message (item content ignored)
//   - history: every inbound message except the last user one, in order
//
// If no user_input item is present, the last inbound user message is
// appended at the end so a preset that forgets the user still works.
// Adjacent same-role messages are never merged.
func Expand(p *models.Preset, inbound []models.ChatMessage, scope *vars.Scope) []models.ChatMessage {
	if p == nil {
		return inbound
	}

	lastUser := -1
	for i := len(inbound) - 1; i >= 0; i-- {
		if inbound[i].Role == models.RoleUser {
			lastUser = i
			break
		}
	}

	out := make([]models.ChatMessage, 0, len(p.Items)+len(inbound))
	sawUserInput := false
	for _, item := range p.Items {
		if !item.Enabled {
			continue
		}
		switch item.Type {
		case models.ItemNormal:
			out = append(out, models.ChatMessage{
				Role:    item.Role,
				Content: scope.Expand(item.Content),
			})
		case models.ItemUserInput:
			if lastUser >= 0 {
				out = append(out, models.ChatMessage{
					Role:    models.RoleUser,
					Content: inbound[lastUser].Content,
				})
			}
			sawUserInput = true
		case models.ItemHistory:
			for i, msg := range inbound {
				if i == lastUser {
					continue
				}
				out = append(out, msg)
			}
		}
	}

	if !sawUserInput && lastUser >= 0 {
		out = append(out, inbound[lastUser])
	}
	return out
}

package manager

import (
	"context"

	"llamactx/internal/chat"
	"llamactx/pkg/types"
)

// GetFormattedChat renders messages into a prompt. Without an explicit
// template the model's own template is used when it has one, chatml otherwise.
func (c *LlamaContext) GetFormattedChat(ctx context.Context, messages []types.ChatMessage, template string) (string, error) {
	if template == "" && !c.Model.IsChatTemplateSupported {
		template = chat.TemplateChatML
	}
	return c.m.eng.GetFormattedChat(ctx, c.ID, chat.FormatChat(messages), template)
}

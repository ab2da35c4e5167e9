package agent

import (
	"encoding/json"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/relaydev/relay/pkg/models"
)

// decodeMessage converts an API response into the internal message
// form, preserving block order.
func decodeMessage(resp *anthropic.Message) models.Message {
	msg := models.Message{Role: models.RoleAssistant}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			msg.Content = append(msg.Content, models.TextBlock(block.Text))
		case "tool_use":
			msg.Content = append(msg.Content, models.ToolUseBlock(block.ID, block.Name, json.RawMessage(block.Input)))
		}
	}
	return msg
}

// messageParam converts an internal message to request form.
func messageParam(m models.Message) anthropic.MessageParam {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.Content))
	for _, b := range m.Content {
		switch b.Type {
		case models.BlockText:
			blocks = append(blocks, anthropic.NewTextBlock(b.Text))
		case models.BlockToolUse:
			blocks = append(blocks, anthropic.NewToolUseBlock(b.ID, b.Input, b.Name))
		case models.BlockToolResult:
			blocks = append(blocks, anthropic.NewToolResultBlock(b.ToolUseID, b.Content, b.IsError))
		}
	}
	if m.Role == models.RoleAssistant {
		return anthropic.NewAssistantMessage(blocks...)
	}
	return anthropic.NewUserMessage(blocks...)
}

// toolResultsParam builds the user turn answering a batch of tool
// calls, one tool_result block per call in dispatch order.
func toolResultsParam(results []models.ToolResult) anthropic.MessageParam {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(results))
	for _, r := range results {
		blocks = append(blocks, anthropic.NewToolResultBlock(r.ToolUseID, r.Content, r.IsError))
	}
	return anthropic.NewUserMessage(blocks...)
}

// toolCalls extracts the tool invocations from an assistant message.
func toolCalls(m models.Message) []models.ToolCall {
	uses := m.ToolUses()
	calls := make([]models.ToolCall, len(uses))
	for i, u := range uses {
		calls[i] = models.ToolCall{ID: u.ID, Name: u.Name, Input: u.Input}
	}
	return calls
}

// encodeTools converts tool descriptors to request form.
func encodeTools(descriptors []models.ToolDescriptor) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, 0, len(descriptors))
	for _, d := range descriptors {
		var schemaFields map[string]any
		if len(d.InputSchema) > 0 {
			if err := json.Unmarshal(d.InputSchema, &schemaFields); err != nil {
				schemaFields = nil
			}
		}
		u := anthropic.ToolUnionParamOfTool(anthropic.ToolInputSchemaParam{ExtraFields: schemaFields}, d.Name)
		if u.OfTool != nil {
			u.OfTool.Description = anthropic.String(d.Description)
		}
		tools = append(tools, u)
	}
	return tools
}

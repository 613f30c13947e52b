package types

import (
	"encoding/json"
)

// Conversation roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message represents a single message in a conversation.
type Message struct {
	Role    string `json:"role"`    // "user", "assistant" or "system"
	Content any    `json:"content"` // string or []ContentBlock
}

// UserMessage returns a user message with plain text content.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

// AssistantMessage returns an assistant message with plain text content.
func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: text}
}

// SystemMessage returns a system message with plain text content.
func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: text}
}

// ToolResultMessage returns a user message carrying one tool result.
func ToolResultMessage(toolUseID, output string) Message {
	return Message{
		Role: RoleUser,
		Content: []ContentBlock{ToolResultBlock{
			Type:      "tool_result",
			ToolUseID: toolUseID,
			Content:   []ContentBlock{TextBlock{Type: "text", Text: output}},
		}},
	}
}

// MarshalJSON handles the flexible Content field.
// - string -> "string"
// - ContentBlock -> [ContentBlock]
// - []ContentBlock -> [ContentBlock...]
func (m Message) MarshalJSON() ([]byte, error) {
	type rawMessage struct {
		Role    string `json:"role"`
		Content any    `json:"content"`
	}

	var content any
	switch c := m.Content.(type) {
	case string:
		content = c
	case ContentBlock:
		content = []ContentBlock{c}
	case []ContentBlock:
		content = c
	case []any:
		blocks := make([]ContentBlock, 0, len(c))
		for _, item := range c {
			if block, ok := item.(ContentBlock); ok {
				blocks = append(blocks, block)
			}
		}
		content = blocks
	default:
		content = m.Content
	}

	return json.Marshal(rawMessage{
		Role:    m.Role,
		Content: content,
	})
}

// UnmarshalJSON handles flexible Content parsing.
func (m *Message) UnmarshalJSON(data []byte) error {
	type rawMessage struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}

	var raw rawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	m.Role = raw.Role

	var str string
	if err := json.Unmarshal(raw.Content, &str); err == nil {
		m.Content = str
		return nil
	}

	blocks, err := UnmarshalContentBlocks(raw.Content)
	if err != nil {
		return err
	}
	m.Content = blocks
	return nil
}

// ContentBlocks returns Content as []ContentBlock regardless of input type.
func (m *Message) ContentBlocks() []ContentBlock {
	switch c := m.Content.(type) {
	case string:
		return []ContentBlock{TextBlock{Type: "text", Text: c}}
	case ContentBlock:
		return []ContentBlock{c}
	case []ContentBlock:
		return c
	case []any:
		blocks := make([]ContentBlock, 0, len(c))
		for _, item := range c {
			if block, ok := item.(ContentBlock); ok {
				blocks = append(blocks, block)
			}
		}
		return blocks
	default:
		return nil
	}
}

// TextContent returns the text content of the message if it's a simple string,
// or concatenates all text blocks if it's an array.
func (m *Message) TextContent() string {
	var text string
	for _, block := range m.ContentBlocks() {
		switch b := block.(type) {
		case TextBlock:
			text += b.Text
		case *TextBlock:
			text += b.Text
		}
	}
	return text
}

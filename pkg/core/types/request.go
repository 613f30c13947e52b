package types

// MessageRequest is the provider-neutral request a caller hands to a provider.
type MessageRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`

	// Generation parameters
	MaxTokens   int      `json:"max_tokens,omitempty"`
	System      any      `json:"system,omitempty"` // string or []ContentBlock
	Temperature *float64 `json:"temperature,omitempty"`

	// Tools
	Tools      []Tool      `json:"tools,omitempty"`
	ToolChoice *ToolChoice `json:"tool_choice,omitempty"`

	// Provider-specific extensions, keyed by provider name
	Extensions map[string]any `json:"extensions,omitempty"`
}

// SystemText flattens System into a single string.
func (r *MessageRequest) SystemText() string {
	switch s := r.System.(type) {
	case nil:
		return ""
	case string:
		return s
	case []ContentBlock:
		msg := Message{Content: s}
		return msg.TextContent()
	case ContentBlock:
		msg := Message{Content: s}
		return msg.TextContent()
	default:
		return ""
	}
}

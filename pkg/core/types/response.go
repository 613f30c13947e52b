package types

// MessageResponse is a completed assistant message.
type MessageResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"` // "message"
	Role       string         `json:"role"` // "assistant"
	Model      string         `json:"model"`
	Content    []ContentBlock `json:"content"`
	StopReason StopReason     `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// StopReason indicates why generation stopped.
type StopReason string

const (
	StopReasonEndTurn   StopReason = "end_turn"
	StopReasonMaxTokens StopReason = "max_tokens"
	StopReasonToolUse   StopReason = "tool_use"
	StopReasonCancelled StopReason = "cancelled"
	StopReasonFailed    StopReason = "failed"
)

// ToolUses returns all tool use blocks.
func (r *MessageResponse) ToolUses() []ToolUseBlock {
	var uses []ToolUseBlock
	for _, block := range r.Content {
		if tu, ok := block.(ToolUseBlock); ok {
			uses = append(uses, tu)
		}
		if tu, ok := block.(*ToolUseBlock); ok {
			uses = append(uses, *tu)
		}
	}
	return uses
}

package oai_realtime

import (
	"github.com/vango-go/vai-realtime/pkg/core/types"
)

// TurnResult is the outcome of one completed response: a *TextMessage or a
// *ToolCallMessage.
type TurnResult interface {
	Text() string
	TokenUsage() types.Usage
	isTurnResult()
}

// TextMessage is a response that finished without tool calls.
type TextMessage struct {
	ResponseID string
	Content    string
	Usage      types.Usage
	// StopReason is the server's response status ("completed", "incomplete",
	// "cancelled", "failed").
	StopReason string
}

func (m *TextMessage) Text() string            { return m.Content }
func (m *TextMessage) TokenUsage() types.Usage { return m.Usage }
func (*TextMessage) isTurnResult()             {}

// ToolCall is one function call requested by the model.
type ToolCall struct {
	CallID    string
	ItemID    string
	Name      string
	Arguments map[string]any
	// RawArguments is the argument text as streamed, kept even when it does
	// not decode to a JSON object.
	RawArguments string
}

// ToolCallMessage is a response that requested one or more tool calls. The
// caller answers it with SubmitToolResults.
type ToolCallMessage struct {
	ResponseID string
	Content    string
	Calls      []ToolCall
	Usage      types.Usage
	// StopReason is always "tool_calls"; Status keeps the server's value.
	StopReason string
	Status     string
}

func (m *ToolCallMessage) Text() string            { return m.Content }
func (m *ToolCallMessage) TokenUsage() types.Usage { return m.Usage }
func (*ToolCallMessage) isTurnResult()             {}

// AsMessage renders the tool calls as an assistant message with tool_use
// blocks, for callers that keep their own history.
func (m *ToolCallMessage) AsMessage() types.Message {
	blocks := make([]types.ContentBlock, 0, len(m.Calls)+1)
	if m.Content != "" {
		blocks = append(blocks, types.TextBlock{Type: "text", Text: m.Content})
	}
	for _, call := range m.Calls {
		blocks = append(blocks, types.ToolUseBlock{
			Type:  "tool_use",
			ID:    call.CallID,
			Name:  call.Name,
			Input: call.Arguments,
		})
	}
	return types.Message{Role: types.RoleAssistant, Content: blocks}
}

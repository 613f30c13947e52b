package oai_realtime

import (
	"encoding/json"

	"github.com/vango-go/vai-realtime/pkg/core/types"
)

// Conversation item types.
const (
	ItemTypeMessage            = "message"
	ItemTypeFunctionCall       = "function_call"
	ItemTypeFunctionCallOutput = "function_call_output"
)

// Content part types used in message items.
const (
	ContentTypeInputText = "input_text"
	ContentTypeText      = "text"
)

// Client event types.
const (
	eventSessionUpdate      = "session.update"
	eventConversationCreate = "conversation.item.create"
	eventResponseCreate     = "response.create"
)

// Server event types.
const (
	eventSessionCreated    = "session.created"
	eventSessionUpdated    = "session.updated"
	eventOutputTextDelta   = "response.output_text.delta"
	eventTextDelta         = "response.text.delta"
	eventFunctionArgsDelta = "response.function_call_arguments.delta"
	eventFunctionArgsDone  = "response.function_call_arguments.done"
	eventOutputItemDone    = "response.output_item.done"
	eventResponseDone      = "response.done"
	eventError             = "error"
)

const (
	defaultResponseStatus = "completed"
	toolCallsStopReason   = "tool_calls"
	defaultToolChoice     = "auto"
)

// ConversationItem is one item of the server-side conversation.
type ConversationItem struct {
	Type      string        `json:"type"`
	Role      string        `json:"role,omitempty"`
	Content   []ContentPart `json:"content,omitempty"`
	CallID    string        `json:"call_id,omitempty"`
	Name      string        `json:"name,omitempty"`
	Arguments string        `json:"arguments,omitempty"`
	Output    string        `json:"output,omitempty"`
}

// MarshalJSON always emits arguments for function calls and output for
// function call outputs, even when empty.
func (i ConversationItem) MarshalJSON() ([]byte, error) {
	type alias ConversationItem
	switch i.Type {
	case ItemTypeFunctionCall:
		return json.Marshal(struct {
			alias
			Arguments string `json:"arguments"`
		}{alias(i), i.Arguments})
	case ItemTypeFunctionCallOutput:
		return json.Marshal(struct {
			alias
			Output string `json:"output"`
		}{alias(i), i.Output})
	default:
		return json.Marshal(alias(i))
	}
}

// ContentPart is a typed text fragment of a message item.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ToolSchema is a function tool as declared in session.update.
type ToolSchema struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  ToolParameters `json:"parameters"`
}

// ToolParameters is the JSON schema of a function's arguments. Properties and
// Required are never null on the wire.
type ToolParameters struct {
	Type       string                      `json:"type"`
	Properties map[string]types.JSONSchema `json:"properties"`
	Required   []string                    `json:"required"`
}

// SessionConfig is the client-side session configuration sent in
// session.update.
type SessionConfig struct {
	Instructions string
	Tools        []types.Tool
	// ToolChoice nil means "auto" when tools are set.
	ToolChoice *types.ToolChoice
	// Parameters are merged on top of the session object, e.g. temperature
	// or max_response_output_tokens.
	Parameters map[string]any
}

type sessionUpdateEvent struct {
	EventID string         `json:"event_id,omitempty"`
	Type    string         `json:"type"`
	Session sessionPayload `json:"session"`
}

type sessionPayload struct {
	Modalities   []string     `json:"modalities"`
	Instructions string       `json:"instructions"`
	Tools        []ToolSchema `json:"tools,omitempty"`
	ToolChoice   any          `json:"tool_choice,omitempty"`
}

// toolChoiceFunction forces a call to one named function.
type toolChoiceFunction struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// reservedSessionFields are written by the session itself and cannot be set
// through parameters.
var reservedSessionFields = []string{"modalities", "instructions", "tools", "tool_choice"}

type conversationItemCreateEvent struct {
	EventID string           `json:"event_id,omitempty"`
	Type    string           `json:"type"`
	Item    ConversationItem `json:"item"`
}

type responseCreateEvent struct {
	EventID  string          `json:"event_id,omitempty"`
	Type     string          `json:"type"`
	Response responseOptions `json:"response"`
}

type responseOptions struct {
	Modalities []string `json:"modalities"`
}

var textModalities = []string{"text"}

package oai_realtime

import (
	"encoding/json"
	"strings"

	"github.com/vango-go/vai-realtime/pkg/core/types"
)

// systemInstructionPrefix marks system messages replayed as user items; the
// realtime conversation has no system role.
const systemInstructionPrefix = "[System instruction]: "

// MapMessages converts provider-neutral messages into conversation items, in
// order. The text of one message becomes a single message item, emitted
// before that message's tool items.
func MapMessages(messages []types.Message) ([]ConversationItem, error) {
	items := make([]ConversationItem, 0, len(messages))
	for i := range messages {
		mapped, err := mapMessage(i, &messages[i])
		if err != nil {
			return nil, err
		}
		items = append(items, mapped...)
	}
	return items, nil
}

func mapMessage(index int, msg *types.Message) ([]ConversationItem, error) {
	var (
		text      strings.Builder
		hasText   bool
		toolItems []ConversationItem
	)

	for _, block := range msg.ContentBlocks() {
		switch b := block.(type) {
		case types.TextBlock:
			text.WriteString(b.Text)
			hasText = true
		case *types.TextBlock:
			text.WriteString(b.Text)
			hasText = true
		case types.ToolUseBlock:
			item, err := functionCallItem(index, msg.Role, b)
			if err != nil {
				return nil, err
			}
			toolItems = append(toolItems, item)
		case *types.ToolUseBlock:
			item, err := functionCallItem(index, msg.Role, *b)
			if err != nil {
				return nil, err
			}
			toolItems = append(toolItems, item)
		case types.ToolResultBlock:
			item, err := functionOutputItem(index, msg.Role, b)
			if err != nil {
				return nil, err
			}
			toolItems = append(toolItems, item)
		case *types.ToolResultBlock:
			item, err := functionOutputItem(index, msg.Role, *b)
			if err != nil {
				return nil, err
			}
			toolItems = append(toolItems, item)
		default:
			return nil, invalidRequest("messages[%d]: unsupported content block %q", index, block.BlockType())
		}
	}

	// A message with no tool items always yields a message item, even if its
	// text is empty.
	emitText := hasText || len(toolItems) == 0

	items := make([]ConversationItem, 0, len(toolItems)+1)
	if emitText {
		item, err := textItem(index, msg.Role, text.String())
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return append(items, toolItems...), nil
}

func textItem(index int, role, text string) (ConversationItem, error) {
	switch role {
	case types.RoleUser:
		return messageItem(types.RoleUser, ContentTypeInputText, text), nil
	case types.RoleAssistant:
		return messageItem(types.RoleAssistant, ContentTypeText, text), nil
	case types.RoleSystem:
		return messageItem(types.RoleUser, ContentTypeInputText, systemInstructionPrefix+text), nil
	default:
		return ConversationItem{}, invalidRequest("messages[%d]: unsupported role %q", index, role)
	}
}

func messageItem(role, contentType, text string) ConversationItem {
	return ConversationItem{
		Type:    ItemTypeMessage,
		Role:    role,
		Content: []ContentPart{{Type: contentType, Text: text}},
	}
}

func functionCallItem(index int, role string, b types.ToolUseBlock) (ConversationItem, error) {
	if role != types.RoleAssistant {
		return ConversationItem{}, invalidRequest("messages[%d]: tool_use blocks are only valid in assistant messages", index)
	}
	if b.ID == "" {
		return ConversationItem{}, invalidRequest("messages[%d]: tool_use block is missing an id", index)
	}
	input := b.Input
	if input == nil {
		input = map[string]any{}
	}
	args, err := json.Marshal(input)
	if err != nil {
		return ConversationItem{}, invalidRequest("messages[%d]: encode tool_use input: %v", index, err)
	}
	return ConversationItem{
		Type:      ItemTypeFunctionCall,
		CallID:    b.ID,
		Name:      b.Name,
		Arguments: string(args),
	}, nil
}

func functionOutputItem(index int, role string, b types.ToolResultBlock) (ConversationItem, error) {
	if role != types.RoleUser {
		return ConversationItem{}, invalidRequest("messages[%d]: tool_result blocks are only valid in user messages", index)
	}
	if b.ToolUseID == "" {
		return ConversationItem{}, invalidRequest("messages[%d]: tool_result block is missing tool_use_id", index)
	}
	return ConversationItem{
		Type:   ItemTypeFunctionCallOutput,
		CallID: b.ToolUseID,
		Output: b.Text(),
	}, nil
}

// ToolOutput is the result of running one tool call.
type ToolOutput struct {
	CallID string
	// Output is sent verbatim when it is a string or raw JSON and
	// JSON-encoded otherwise.
	Output any
}

func toolOutputItems(outputs []ToolOutput) ([]ConversationItem, error) {
	if len(outputs) == 0 {
		return nil, invalidRequest("no tool outputs to submit")
	}
	items := make([]ConversationItem, 0, len(outputs))
	for i, out := range outputs {
		if out.CallID == "" {
			return nil, invalidRequest("outputs[%d]: call id is required", i)
		}
		text, err := encodeToolOutput(out.Output)
		if err != nil {
			return nil, invalidRequest("outputs[%d]: encode output: %v", i, err)
		}
		items = append(items, ConversationItem{
			Type:   ItemTypeFunctionCallOutput,
			CallID: out.CallID,
			Output: text,
		})
	}
	return items, nil
}

func encodeToolOutput(v any) (string, error) {
	switch o := v.(type) {
	case nil:
		return "", nil
	case string:
		return o, nil
	case json.RawMessage:
		return string(o), nil
	case []byte:
		return string(o), nil
	default:
		data, err := json.Marshal(o)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
}

// MapTools converts function tools into session tool declarations.
func MapTools(tools []types.Tool) ([]ToolSchema, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	schemas := make([]ToolSchema, 0, len(tools))
	for i, tool := range tools {
		if tool.Type != "" && tool.Type != types.ToolTypeFunction {
			return nil, invalidRequest("tools[%d]: tool type %q is not supported by realtime sessions", i, tool.Type)
		}
		if tool.Name == "" {
			return nil, invalidRequest("tools[%d]: name is required", i)
		}
		schemas = append(schemas, ToolSchema{
			Type:        types.ToolTypeFunction,
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  toolParameters(tool.InputSchema),
		})
	}
	return schemas, nil
}

// MapToolChoice converts a tool choice into the session tool_choice value.
// A nil choice maps to "auto" when tools are set and is omitted otherwise.
func MapToolChoice(choice *types.ToolChoice, tools []types.Tool) (any, error) {
	if choice == nil {
		if len(tools) == 0 {
			return nil, nil
		}
		return defaultToolChoice, nil
	}
	switch choice.Type {
	case "auto", "none":
		return choice.Type, nil
	case "required":
		if len(tools) == 0 {
			return nil, invalidRequest("tool choice %q needs at least one tool", choice.Type)
		}
		return choice.Type, nil
	case "tool":
		if choice.Name == "" {
			return nil, invalidRequest("tool choice %q requires a tool name", choice.Type)
		}
		for _, tool := range tools {
			if tool.Name == choice.Name {
				return toolChoiceFunction{Type: types.ToolTypeFunction, Name: choice.Name}, nil
			}
		}
		return nil, invalidRequest("tool choice names unknown tool %q", choice.Name)
	default:
		return nil, invalidRequest("tool choice %q is not supported by realtime sessions", choice.Type)
	}
}

func toolParameters(schema *types.JSONSchema) ToolParameters {
	params := ToolParameters{
		Type:       "object",
		Properties: map[string]types.JSONSchema{},
		Required:   []string{},
	}
	if schema == nil {
		return params
	}
	for name, prop := range schema.Properties {
		params.Properties[name] = prop
	}
	if len(schema.Required) > 0 {
		params.Required = append(params.Required, schema.Required...)
	}
	return params
}

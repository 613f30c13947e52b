package types

// ToolTypeFunction is the only tool type a realtime session can carry.
const ToolTypeFunction = "function"

// Tool represents a tool that the model can use.
type Tool struct {
	Type        string      `json:"type"` // "function"
	Name        string      `json:"name,omitempty"`
	Description string      `json:"description,omitempty"`
	InputSchema *JSONSchema `json:"input_schema,omitempty"`
}

// ToolChoice specifies how the model should choose tools.
type ToolChoice struct {
	Type string `json:"type"`           // "auto", "none", "required", "tool"
	Name string `json:"name,omitempty"` // Required when type="tool"
}

// JSONSchema represents the subset of JSON Schema used for tool parameters
// and structured output.
type JSONSchema struct {
	Type                 string                `json:"type"`
	Properties           map[string]JSONSchema `json:"properties,omitempty"`
	Required             []string              `json:"required,omitempty"`
	Description          string                `json:"description,omitempty"`
	Enum                 []string              `json:"enum,omitempty"`
	Items                *JSONSchema           `json:"items,omitempty"`
	AdditionalProperties *bool                 `json:"additionalProperties,omitempty"`
}

// NewFunctionTool creates a new function tool.
func NewFunctionTool(name, description string, schema *JSONSchema) Tool {
	return Tool{
		Type:        ToolTypeFunction,
		Name:        name,
		Description: description,
		InputSchema: schema,
	}
}

// ToolChoiceAuto returns a ToolChoice that lets the model decide.
func ToolChoiceAuto() *ToolChoice {
	return &ToolChoice{Type: "auto"}
}

// ToolChoiceNone prevents the model from using tools.
func ToolChoiceNone() *ToolChoice {
	return &ToolChoice{Type: "none"}
}

// ToolChoiceRequired forces the model to call at least one tool.
func ToolChoiceRequired() *ToolChoice {
	return &ToolChoice{Type: "required"}
}

// ToolChoiceTool forces the model to call the named tool.
func ToolChoiceTool(name string) *ToolChoice {
	return &ToolChoice{Type: "tool", Name: name}
}

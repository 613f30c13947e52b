package oai_realtime

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/vango-go/vai-realtime/pkg/core/types"
)

func TestMapMessages_Roles(t *testing.T) {
	items, err := MapMessages([]types.Message{
		types.SystemMessage("Be brief."),
		types.UserMessage("Hi"),
		types.AssistantMessage("Hello!"),
	})
	if err != nil {
		t.Fatalf("MapMessages() error = %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("len(items) = %d, want 3", len(items))
	}

	tests := []struct {
		role, contentType, text string
	}{
		{"user", ContentTypeInputText, "[System instruction]: Be brief."},
		{"user", ContentTypeInputText, "Hi"},
		{"assistant", ContentTypeText, "Hello!"},
	}
	for i, tt := range tests {
		item := items[i]
		if item.Type != ItemTypeMessage || item.Role != tt.role {
			t.Fatalf("items[%d] = %+v, want message/%s", i, item, tt.role)
		}
		if len(item.Content) != 1 || item.Content[0].Type != tt.contentType || item.Content[0].Text != tt.text {
			t.Fatalf("items[%d].Content = %+v, want %s %q", i, item.Content, tt.contentType, tt.text)
		}
	}
}

func TestMapMessages_ToolBlocks(t *testing.T) {
	items, err := MapMessages([]types.Message{
		{
			Role: types.RoleAssistant,
			Content: []types.ContentBlock{
				types.TextBlock{Type: "text", Text: "Looking it up."},
				types.ToolUseBlock{Type: "tool_use", ID: "call_1", Name: "lookup", Input: map[string]any{"q": "go"}},
			},
		},
		types.ToolResultMessage("call_1", `{"hits":3}`),
	})
	if err != nil {
		t.Fatalf("MapMessages() error = %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("len(items) = %d, want 3", len(items))
	}
	if items[0].Type != ItemTypeMessage || items[0].Content[0].Text != "Looking it up." {
		t.Fatalf("items[0] = %+v", items[0])
	}
	call := items[1]
	if call.Type != ItemTypeFunctionCall || call.CallID != "call_1" || call.Name != "lookup" || call.Arguments != `{"q":"go"}` {
		t.Fatalf("items[1] = %+v", call)
	}
	out := items[2]
	if out.Type != ItemTypeFunctionCallOutput || out.CallID != "call_1" || out.Output != `{"hits":3}` {
		t.Fatalf("items[2] = %+v", out)
	}
}

func TestMapMessages_EmptyToolInputIsObject(t *testing.T) {
	items, err := MapMessages([]types.Message{{
		Role:    types.RoleAssistant,
		Content: []types.ContentBlock{types.ToolUseBlock{Type: "tool_use", ID: "c1", Name: "now"}},
	}})
	if err != nil {
		t.Fatalf("MapMessages() error = %v", err)
	}
	if len(items) != 1 || items[0].Arguments != "{}" {
		t.Fatalf("items = %+v, want one function_call with {}", items)
	}
}

func TestMapMessages_Errors(t *testing.T) {
	tests := []struct {
		name string
		msg  types.Message
	}{
		{"unknown role", types.Message{Role: "tool", Content: "x"}},
		{"tool use from user", types.Message{Role: types.RoleUser, Content: []types.ContentBlock{
			types.ToolUseBlock{Type: "tool_use", ID: "c1", Name: "f"},
		}}},
		{"tool result from assistant", types.Message{Role: types.RoleAssistant, Content: []types.ContentBlock{
			types.ToolResultBlock{Type: "tool_result", ToolUseID: "c1"},
		}}},
		{"tool use without id", types.Message{Role: types.RoleAssistant, Content: []types.ContentBlock{
			types.ToolUseBlock{Type: "tool_use", Name: "f"},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := MapMessages([]types.Message{tt.msg})
			if TypeOf(err) != ErrInvalidRequest {
				t.Fatalf("err = %v, want %s", err, ErrInvalidRequest)
			}
		})
	}
}

func TestConversationItem_MarshalKeepsEmptyOutput(t *testing.T) {
	data, err := json.Marshal(ConversationItem{Type: ItemTypeFunctionCallOutput, CallID: "c1"})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if got := gjson.GetBytes(data, "output"); !got.Exists() || got.String() != "" {
		t.Fatalf("output = %v in %s, want empty string", got, data)
	}
	if gjson.GetBytes(data, "arguments").Exists() {
		t.Fatalf("unexpected arguments in %s", data)
	}

	data, err = json.Marshal(ConversationItem{Type: ItemTypeMessage, Role: "user", Content: []ContentPart{{Type: ContentTypeInputText, Text: "hi"}}})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if gjson.GetBytes(data, "output").Exists() || gjson.GetBytes(data, "call_id").Exists() {
		t.Fatalf("message item carries tool fields: %s", data)
	}
}

func TestMapTools_Defaults(t *testing.T) {
	schemas, err := MapTools([]types.Tool{
		types.NewFunctionTool("now", "Current time", nil),
		types.NewFunctionTool("lookup", "Search", &types.JSONSchema{
			Type:       "object",
			Properties: map[string]types.JSONSchema{"q": {Type: "string"}},
			Required:   []string{"q"},
		}),
	})
	if err != nil {
		t.Fatalf("MapTools() error = %v", err)
	}

	data, err := json.Marshal(schemas)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	doc := gjson.ParseBytes(data)
	if got := doc.Get("0.parameters.properties").Raw; got != "{}" {
		t.Fatalf("properties = %s, want {}", got)
	}
	if got := doc.Get("0.parameters.required").Raw; got != "[]" {
		t.Fatalf("required = %s, want []", got)
	}
	if got := doc.Get("0.type").String(); got != "function" {
		t.Fatalf("type = %q, want function", got)
	}
	if got := doc.Get("1.parameters.properties.q.type").String(); got != "string" {
		t.Fatalf("q.type = %q, want string", got)
	}
	if got := doc.Get("1.parameters.required.0").String(); got != "q" {
		t.Fatalf("required[0] = %q, want q", got)
	}
}

func TestMapTools_RejectsNonFunction(t *testing.T) {
	_, err := MapTools([]types.Tool{{Type: "web_search"}})
	if TypeOf(err) != ErrInvalidRequest {
		t.Fatalf("err = %v, want %s", err, ErrInvalidRequest)
	}
	_, err = MapTools([]types.Tool{{Type: "function"}})
	if err == nil || !strings.Contains(err.Error(), "name is required") {
		t.Fatalf("err = %v, want missing name", err)
	}
}

func TestToolOutputItems_Encoding(t *testing.T) {
	items, err := toolOutputItems([]ToolOutput{
		{CallID: "a", Output: "plain"},
		{CallID: "b", Output: map[string]any{"ok": true}},
		{CallID: "c", Output: json.RawMessage(`[1,2]`)},
		{CallID: "d"},
	})
	if err != nil {
		t.Fatalf("toolOutputItems() error = %v", err)
	}
	want := []string{"plain", `{"ok":true}`, "[1,2]", ""}
	for i, item := range items {
		if item.Type != ItemTypeFunctionCallOutput || item.Output != want[i] {
			t.Fatalf("items[%d] = %+v, want output %q", i, item, want[i])
		}
	}

	if _, err := toolOutputItems([]ToolOutput{{Output: "x"}}); TypeOf(err) != ErrInvalidRequest {
		t.Fatalf("missing call id err = %v", err)
	}
	if _, err := toolOutputItems(nil); TypeOf(err) != ErrInvalidRequest {
		t.Fatalf("empty outputs err = %v", err)
	}
}

func TestSessionUpdate_MergesParameters(t *testing.T) {
	s := New("sk-test",
		WithInstructions("Be brief."),
		WithTools(types.NewFunctionTool("now", "Current time", nil)),
		WithParameters(map[string]any{
			"temperature":                0.6,
			"max_response_output_tokens": 256,
			"x.y":                        "dotted",
		}),
	)

	data, err := s.sessionUpdate()
	if err != nil {
		t.Fatalf("sessionUpdate() error = %v", err)
	}
	doc := gjson.ParseBytes(data)

	if got := doc.Get("type").String(); got != "session.update" {
		t.Fatalf("type = %q", got)
	}
	if id := doc.Get("event_id").String(); !strings.HasPrefix(id, "evt_") {
		t.Fatalf("event_id = %q, want evt_ prefix", id)
	}
	if got := doc.Get("session.modalities").Raw; got != `["text"]` {
		t.Fatalf("modalities = %s", got)
	}
	if got := doc.Get("session.instructions").String(); got != "Be brief." {
		t.Fatalf("instructions = %q", got)
	}
	if got := doc.Get("session.tool_choice").String(); got != "auto" {
		t.Fatalf("tool_choice = %q", got)
	}
	if got := doc.Get("session.tools.0.name").String(); got != "now" {
		t.Fatalf("tools[0].name = %q", got)
	}
	if got := doc.Get("session.temperature").Float(); got != 0.6 {
		t.Fatalf("temperature = %v", got)
	}
	if got := doc.Get("session.max_response_output_tokens").Int(); got != 256 {
		t.Fatalf("max_response_output_tokens = %v", got)
	}
	if got := doc.Get(`session.x\.y`).String(); got != "dotted" {
		t.Fatalf("x.y = %q in %s", got, data)
	}
}

func TestSessionUpdate_NoToolsOmitsToolChoice(t *testing.T) {
	data, err := New("sk-test").sessionUpdate()
	if err != nil {
		t.Fatalf("sessionUpdate() error = %v", err)
	}
	if gjson.GetBytes(data, "session.tools").Exists() || gjson.GetBytes(data, "session.tool_choice").Exists() {
		t.Fatalf("unexpected tool fields in %s", data)
	}
}

func TestSessionUpdate_RejectsReservedParameters(t *testing.T) {
	s := New("sk-test", WithParameters(map[string]any{"tool_choice": "required"}))
	if _, err := s.sessionUpdate(); TypeOf(err) != ErrInvalidRequest {
		t.Fatalf("err = %v, want %s", err, ErrInvalidRequest)
	}
}

func TestMapToolChoice(t *testing.T) {
	tools := []types.Tool{types.NewFunctionTool("lookup", "", nil)}
	tests := []struct {
		name    string
		choice  *types.ToolChoice
		tools   []types.Tool
		want    string
		wantErr bool
	}{
		{name: "nil with tools", tools: tools, want: `"auto"`},
		{name: "nil without tools", want: `null`},
		{name: "auto", choice: types.ToolChoiceAuto(), tools: tools, want: `"auto"`},
		{name: "none without tools", choice: types.ToolChoiceNone(), want: `"none"`},
		{name: "required", choice: types.ToolChoiceRequired(), tools: tools, want: `"required"`},
		{name: "required without tools", choice: types.ToolChoiceRequired(), wantErr: true},
		{name: "named", choice: types.ToolChoiceTool("lookup"), tools: tools, want: `{"type":"function","name":"lookup"}`},
		{name: "named unknown", choice: types.ToolChoiceTool("weather"), tools: tools, wantErr: true},
		{name: "named without name", choice: &types.ToolChoice{Type: "tool"}, tools: tools, wantErr: true},
		{name: "unsupported type", choice: &types.ToolChoice{Type: "any"}, tools: tools, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MapToolChoice(tt.choice, tt.tools)
			if tt.wantErr {
				if TypeOf(err) != ErrInvalidRequest {
					t.Fatalf("err = %v, want %s", err, ErrInvalidRequest)
				}
				return
			}
			if err != nil {
				t.Fatalf("MapToolChoice() error = %v", err)
			}
			data, _ := json.Marshal(got)
			if string(data) != tt.want {
				t.Fatalf("MapToolChoice() = %s, want %s", data, tt.want)
			}
		})
	}
}

func TestEndpoint(t *testing.T) {
	s := New("k", WithBaseURL("ws://localhost:9000/v1/realtime"), WithModel("gpt-test"))
	if got, want := s.Endpoint(), "ws://localhost:9000/v1/realtime?model=gpt-test"; got != want {
		t.Fatalf("Endpoint() = %q, want %q", got, want)
	}
	if got, want := New("k").Endpoint(), "wss://api.openai.com/v1/realtime?model=gpt-4o-realtime-preview"; got != want {
		t.Fatalf("default Endpoint() = %q, want %q", got, want)
	}
}

func TestStripCodeFence(t *testing.T) {
	tests := []struct{ in, want string }{
		{`{"a":1}`, `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n{\"a\":1}\n```\n", `{"a":1}`},
		{"  {\"a\":1}  ", `{"a":1}`},
	}
	for _, tt := range tests {
		if got := stripCodeFence(tt.in); got != tt.want {
			t.Errorf("stripCodeFence(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

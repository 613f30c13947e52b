package oai_realtime

import (
	"context"
	"reflect"

	"github.com/vango-go/vai-realtime/pkg/core/types"
)

// ProviderCapabilities describes what a provider supports.
type ProviderCapabilities struct {
	Vision           bool
	AudioInput       bool
	AudioOutput      bool
	Tools            bool
	ToolStreaming    bool
	StructuredOutput bool
}

// providerName is also the key of this provider's request extensions.
const providerName = "oai-realtime"

// Provider exposes a Session through the provider-neutral message API.
//
// The realtime conversation lives on the server: each CreateMessage call
// appends req.Messages to it, so callers pass only the messages the server
// has not seen yet.
type Provider struct {
	session *Session

	// Configuration from the options, overlaid by each request.
	baseParams     map[string]any
	baseToolChoice *types.ToolChoice

	// Call ids of the last tool_use response, awaiting results.
	pending map[string]bool
}

// NewProvider creates a provider backed by a new Session.
func NewProvider(apiKey string, opts ...Option) *Provider {
	s := New(apiKey, opts...)
	return &Provider{
		session:        s,
		baseParams:     cloneParams(s.config.Parameters),
		baseToolChoice: cloneToolChoice(s.config.ToolChoice),
	}
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return providerName
}

// Capabilities returns what this provider supports.
func (p *Provider) Capabilities() ProviderCapabilities {
	return ProviderCapabilities{
		Vision:           false,
		AudioInput:       false,
		AudioOutput:      false,
		Tools:            true,
		ToolStreaming:    true,
		StructuredOutput: true,
	}
}

// Session returns the underlying session.
func (p *Provider) Session() *Session {
	return p.session
}

// CreateMessage runs one turn. System, Tools, ToolChoice, Temperature,
// MaxTokens and Extensions["oai-realtime"] are applied to the session
// configuration when they differ from what was last sent.
//
// A request made only of tool results answers the previous response's calls
// on the live session; it fails with ErrNotConnected once that session is
// gone.
func (p *Provider) CreateMessage(ctx context.Context, req *types.MessageRequest) (*types.MessageResponse, error) {
	if req == nil {
		return nil, invalidRequest("request is required")
	}
	if req.Model != "" && req.Model != p.session.model {
		return nil, invalidRequest("model %q differs from the session model %q", req.Model, p.session.model)
	}
	params, err := p.requestParameters(req)
	if err != nil {
		return nil, err
	}
	choice := req.ToolChoice
	if choice == nil {
		choice = p.baseToolChoice
	}
	if _, err := MapToolChoice(choice, req.Tools); err != nil {
		return nil, err
	}

	if instructions := req.SystemText(); instructions != p.session.config.Instructions {
		p.session.SetInstructions(instructions)
	}
	if !reflect.DeepEqual(normalizeTools(req.Tools), normalizeTools(p.session.config.Tools)) {
		p.session.SetTools(req.Tools)
	}
	if !reflect.DeepEqual(choice, p.session.config.ToolChoice) {
		p.session.SetToolChoice(choice)
	}
	if !reflect.DeepEqual(params, p.session.config.Parameters) {
		p.session.SetParameters(params)
	}

	var result TurnResult
	if outputs, ok := pendingToolOutputs(req.Messages); ok {
		result, err = p.submit(ctx, outputs)
	} else {
		result, err = p.session.Chat(ctx, req.Messages)
	}
	if err != nil {
		return nil, err
	}

	resp := p.toMessageResponse(result)
	p.pending = nil
	if uses := resp.ToolUses(); len(uses) > 0 {
		p.pending = make(map[string]bool, len(uses))
		for _, use := range uses {
			p.pending[use.ID] = true
		}
	}
	return resp, nil
}

func (p *Provider) submit(ctx context.Context, outputs []ToolOutput) (TurnResult, error) {
	switch p.session.State() {
	case StateDisconnected, StateClosed:
		return nil, &Error{Type: ErrNotConnected, Message: "no live session to submit tool results to"}
	}
	if len(p.pending) == 0 {
		return nil, &Error{Type: ErrInvalidState, Message: "no tool calls are pending"}
	}
	for _, out := range outputs {
		if !p.pending[out.CallID] {
			return nil, invalidRequest("tool result for unknown call %q", out.CallID)
		}
	}
	return p.session.SubmitToolResults(ctx, outputs)
}

// requestParameters overlays the request's generation settings on the
// parameters given at construction.
func (p *Provider) requestParameters(req *types.MessageRequest) (map[string]any, error) {
	params := cloneParams(p.baseParams)
	set := func(key string, value any) {
		if params == nil {
			params = make(map[string]any)
		}
		params[key] = value
	}

	if raw, ok := req.Extensions[providerName]; ok {
		ext, ok := raw.(map[string]any)
		if !ok {
			return nil, invalidRequest("extensions[%q] must be an object", providerName)
		}
		if err := checkParameters(ext); err != nil {
			return nil, err
		}
		for k, v := range ext {
			set(k, v)
		}
	}
	if req.Temperature != nil {
		set("temperature", *req.Temperature)
	}
	if req.MaxTokens < 0 {
		return nil, invalidRequest("max_tokens must not be negative")
	}
	if req.MaxTokens > 0 {
		set("max_response_output_tokens", req.MaxTokens)
	}
	return params, nil
}

// Close closes the underlying session.
func (p *Provider) Close() error {
	return p.session.Close()
}

func normalizeTools(tools []types.Tool) []types.Tool {
	if len(tools) == 0 {
		return nil
	}
	return tools
}

// pendingToolOutputs reports whether messages consist only of tool results,
// which answer the previous turn's calls.
func pendingToolOutputs(messages []types.Message) ([]ToolOutput, bool) {
	if len(messages) == 0 {
		return nil, false
	}
	var outputs []ToolOutput
	for i := range messages {
		if messages[i].Role != types.RoleUser {
			return nil, false
		}
		for _, block := range messages[i].ContentBlocks() {
			switch b := block.(type) {
			case types.ToolResultBlock:
				outputs = append(outputs, ToolOutput{CallID: b.ToolUseID, Output: b.Text()})
			case *types.ToolResultBlock:
				outputs = append(outputs, ToolOutput{CallID: b.ToolUseID, Output: b.Text()})
			default:
				return nil, false
			}
		}
	}
	return outputs, len(outputs) > 0
}

func (p *Provider) toMessageResponse(result TurnResult) *types.MessageResponse {
	resp := &types.MessageResponse{
		Type:     "message",
		Role:     types.RoleAssistant,
		Model:    p.session.model,
		Usage:    result.TokenUsage(),
		Metadata: map[string]any{"session_id": p.session.SessionID()},
	}

	switch r := result.(type) {
	case *ToolCallMessage:
		msg := r.AsMessage()
		resp.ID = r.ResponseID
		resp.Content = msg.ContentBlocks()
		resp.StopReason = types.StopReasonToolUse
	case *TextMessage:
		resp.ID = r.ResponseID
		resp.Content = []types.ContentBlock{types.TextBlock{Type: "text", Text: r.Content}}
		resp.StopReason = stopReason(r.StopReason)
	}
	return resp
}

func stopReason(status string) types.StopReason {
	switch status {
	case "incomplete":
		return types.StopReasonMaxTokens
	case "cancelled":
		return types.StopReasonCancelled
	case "failed":
		return types.StopReasonFailed
	default:
		return types.StopReasonEndTurn
	}
}

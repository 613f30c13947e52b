package types

import (
	"encoding/json"
	"fmt"
)

// ContentBlock is the interface for all content types carried by a Message.
// INPUT:  text, tool_result
// OUTPUT: text, tool_use
type ContentBlock interface {
	BlockType() string
}

// TextBlock represents text content.
type TextBlock struct {
	Type string `json:"type"` // "text"
	Text string `json:"text"`
}

func (t TextBlock) BlockType() string { return "text" }

// ToolUseBlock represents a tool call from the model.
type ToolUseBlock struct {
	Type  string         `json:"type"` // "tool_use"
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

func (t ToolUseBlock) BlockType() string { return "tool_use" }

// ToolResultBlock carries the output of a tool call back to the model.
type ToolResultBlock struct {
	Type      string         `json:"type"` // "tool_result"
	ToolUseID string         `json:"tool_use_id"`
	Content   []ContentBlock `json:"content"`
	IsError   bool           `json:"is_error,omitempty"`
}

func (t ToolResultBlock) BlockType() string { return "tool_result" }

// Text concatenates the text blocks of the result.
func (t ToolResultBlock) Text() string {
	var out string
	for _, block := range t.Content {
		switch b := block.(type) {
		case TextBlock:
			out += b.Text
		case *TextBlock:
			out += b.Text
		}
	}
	return out
}

// MarshalJSON implements custom JSON marshaling for ToolResultBlock.
func (t ToolResultBlock) MarshalJSON() ([]byte, error) {
	m := map[string]any{
		"type":        "tool_result",
		"tool_use_id": t.ToolUseID,
	}
	if t.IsError {
		m["is_error"] = true
	}

	if len(t.Content) > 0 {
		contentJSON := make([]json.RawMessage, len(t.Content))
		for i, block := range t.Content {
			b, err := json.Marshal(block)
			if err != nil {
				return nil, err
			}
			contentJSON[i] = b
		}
		m["content"] = contentJSON
	}

	return json.Marshal(m)
}

// UnmarshalContentBlock deserializes a content block from JSON.
func UnmarshalContentBlock(data []byte) (ContentBlock, error) {
	var typeHolder struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &typeHolder); err != nil {
		return nil, err
	}

	switch typeHolder.Type {
	case "text":
		var block TextBlock
		if err := json.Unmarshal(data, &block); err != nil {
			return nil, err
		}
		return block, nil

	case "tool_use":
		var block ToolUseBlock
		if err := json.Unmarshal(data, &block); err != nil {
			return nil, err
		}
		return block, nil

	case "tool_result":
		var raw struct {
			ToolUseID string          `json:"tool_use_id"`
			Content   json.RawMessage `json:"content"`
			IsError   bool            `json:"is_error"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
		block := ToolResultBlock{Type: "tool_result", ToolUseID: raw.ToolUseID, IsError: raw.IsError}

		// Content may be a bare string or an array of blocks.
		var str string
		if len(raw.Content) > 0 && json.Unmarshal(raw.Content, &str) == nil {
			block.Content = []ContentBlock{TextBlock{Type: "text", Text: str}}
			return block, nil
		}
		if len(raw.Content) > 0 && string(raw.Content) != "null" {
			nested, err := UnmarshalContentBlocks(raw.Content)
			if err != nil {
				return nil, err
			}
			block.Content = nested
		}
		return block, nil

	default:
		return nil, fmt.Errorf("unsupported content block type %q", typeHolder.Type)
	}
}

// UnmarshalContentBlocks deserializes a slice of content blocks from JSON.
func UnmarshalContentBlocks(data []byte) ([]ContentBlock, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	blocks := make([]ContentBlock, len(raw))
	for i, r := range raw {
		block, err := UnmarshalContentBlock(r)
		if err != nil {
			return nil, err
		}
		blocks[i] = block
	}
	return blocks, nil
}

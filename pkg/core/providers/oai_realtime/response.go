package oai_realtime

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/vango-go/vai-realtime/pkg/core/types"
)

// assembler folds the server events of one response into a TurnResult.
type assembler struct {
	text       strings.Builder
	calls      map[string]*toolCallAccumulator
	order      []string
	usage      types.Usage
	status     string
	responseID string
}

// toolCallAccumulator accumulates a single function call.
type toolCallAccumulator struct {
	CallID    string
	ItemID    string
	Name      string
	Arguments strings.Builder
}

func newAssembler() *assembler {
	return &assembler{calls: make(map[string]*toolCallAccumulator)}
}

// handle applies one server event. It returns the text delta carried by the
// event, if any, and done once response.done has been applied. An error
// event is returned as *Error and ends the response.
func (a *assembler) handle(event gjson.Result) (delta string, done bool, err error) {
	switch event.Get("type").String() {
	case eventOutputTextDelta, eventTextDelta:
		delta = event.Get("delta").String()
		a.text.WriteString(delta)
		return delta, false, nil

	case eventFunctionArgsDelta:
		acc := a.call(event.Get("call_id").String(), event.Get("item_id").String())
		acc.Arguments.WriteString(event.Get("delta").String())

	case eventFunctionArgsDone:
		acc := a.call(event.Get("call_id").String(), event.Get("item_id").String())
		if args := event.Get("arguments"); args.Exists() {
			acc.Arguments.Reset()
			acc.Arguments.WriteString(args.String())
		}
		if name := event.Get("name").String(); name != "" {
			acc.Name = name
		}

	case eventOutputItemDone:
		if item := event.Get("item"); item.Get("type").String() == ItemTypeFunctionCall {
			a.mergeItem(item)
		}

	case eventResponseDone:
		a.finish(event.Get("response"))
		return "", true, nil

	case eventError:
		return "", false, serverError(event)
	}
	return "", false, nil
}

func (a *assembler) call(callID, itemID string) *toolCallAccumulator {
	if acc, ok := a.calls[callID]; ok {
		if acc.ItemID == "" {
			acc.ItemID = itemID
		}
		return acc
	}
	acc := &toolCallAccumulator{CallID: callID, ItemID: itemID}
	a.calls[callID] = acc
	a.order = append(a.order, callID)
	return acc
}

// mergeItem applies a completed function_call item. Empty arguments never
// replace streamed ones.
func (a *assembler) mergeItem(item gjson.Result) {
	acc := a.call(item.Get("call_id").String(), item.Get("id").String())
	if name := item.Get("name").String(); name != "" {
		acc.Name = name
	}
	if args := item.Get("arguments").String(); args != "" {
		acc.Arguments.Reset()
		acc.Arguments.WriteString(args)
	}
}

func (a *assembler) finish(resp gjson.Result) {
	a.responseID = resp.Get("id").String()
	a.status = resp.Get("status").String()
	if a.status == "" {
		a.status = defaultResponseStatus
	}

	usage := resp.Get("usage")
	a.usage.InputTokens = int(firstOf(usage, "input_tokens", "prompt_tokens").Int())
	a.usage.OutputTokens = int(firstOf(usage, "output_tokens", "completion_tokens").Int())
	if total := usage.Get("total_tokens"); total.Exists() {
		a.usage.TotalTokens = int(total.Int())
	} else {
		a.usage.TotalTokens = a.usage.InputTokens + a.usage.OutputTokens
	}

	backfillText := a.text.Len() == 0
	resp.Get("output").ForEach(func(_, item gjson.Result) bool {
		switch item.Get("type").String() {
		case ItemTypeFunctionCall:
			callID := item.Get("call_id").String()
			if _, seen := a.calls[callID]; callID != "" && !seen {
				a.mergeItem(item)
			}
		case ItemTypeMessage:
			if !backfillText {
				return true
			}
			item.Get("content").ForEach(func(_, part gjson.Result) bool {
				switch part.Get("type").String() {
				case ContentTypeText, "output_text":
					a.text.WriteString(part.Get("text").String())
				}
				return true
			})
		}
		return true
	})
}

func firstOf(obj gjson.Result, keys ...string) gjson.Result {
	for _, key := range keys {
		if v := obj.Get(key); v.Exists() {
			return v
		}
	}
	return gjson.Result{}
}

func (a *assembler) result() TurnResult {
	if len(a.order) == 0 {
		return &TextMessage{
			ResponseID: a.responseID,
			Content:    a.text.String(),
			Usage:      a.usage,
			StopReason: a.status,
		}
	}

	calls := make([]ToolCall, 0, len(a.order))
	for _, id := range a.order {
		acc := a.calls[id]
		raw := acc.Arguments.String()
		calls = append(calls, ToolCall{
			CallID:       acc.CallID,
			ItemID:       acc.ItemID,
			Name:         acc.Name,
			Arguments:    decodeArguments(raw),
			RawArguments: raw,
		})
	}
	return &ToolCallMessage{
		ResponseID: a.responseID,
		Content:    a.text.String(),
		Calls:      calls,
		Usage:      a.usage,
		StopReason: toolCallsStopReason,
		Status:     a.status,
	}
}

// decodeArguments returns the arguments as a JSON object. Empty or invalid
// text yields an empty map.
func decodeArguments(raw string) map[string]any {
	args := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return args
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil || decoded == nil {
		return args
	}
	return decoded
}

func serverError(event gjson.Result) *Error {
	e := event.Get("error")
	msg := e.Get("message").String()
	if msg == "" {
		msg = "server reported an error"
	}
	return &Error{
		Type:      ErrServer,
		Message:   msg,
		Code:      firstOf(e, "code", "type").String(),
		EventType: eventError,
	}
}

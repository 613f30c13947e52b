package rttest

// SessionCreated is the first server event of a connection.
func SessionCreated(id string) map[string]any {
	return map[string]any{
		"type":     "session.created",
		"event_id": "event_created",
		"session":  map[string]any{"id": id, "object": "realtime.session"},
	}
}

// SessionUpdated acknowledges session.update.
func SessionUpdated() map[string]any {
	return map[string]any{
		"type":    "session.updated",
		"session": map[string]any{"object": "realtime.session"},
	}
}

// TextDelta is a response.output_text.delta event.
func TextDelta(delta string) map[string]any {
	return map[string]any{"type": "response.output_text.delta", "delta": delta}
}

// ArgumentsDelta is a response.function_call_arguments.delta event.
func ArgumentsDelta(callID, delta string) map[string]any {
	return map[string]any{
		"type":    "response.function_call_arguments.delta",
		"call_id": callID,
		"item_id": "item_" + callID,
		"delta":   delta,
	}
}

// ArgumentsDone is a response.function_call_arguments.done event.
func ArgumentsDone(callID, name, arguments string) map[string]any {
	return map[string]any{
		"type":      "response.function_call_arguments.done",
		"call_id":   callID,
		"item_id":   "item_" + callID,
		"name":      name,
		"arguments": arguments,
	}
}

// FunctionCallItemDone is a response.output_item.done event for a
// function_call item.
func FunctionCallItemDone(callID, name, arguments string) map[string]any {
	return map[string]any{
		"type": "response.output_item.done",
		"item": map[string]any{
			"id":        "item_" + callID,
			"type":      "function_call",
			"call_id":   callID,
			"name":      name,
			"arguments": arguments,
		},
	}
}

// ResponseDone is a response.done event with usage.
func ResponseDone(status string, inputTokens, outputTokens int) map[string]any {
	return map[string]any{
		"type": "response.done",
		"response": map[string]any{
			"id":     "resp_test",
			"status": status,
			"usage": map[string]any{
				"input_tokens":  inputTokens,
				"output_tokens": outputTokens,
				"total_tokens":  inputTokens + outputTokens,
			},
			"output": []any{},
		},
	}
}

// ErrorEvent is a server error event.
func ErrorEvent(code, message string) map[string]any {
	return map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    "invalid_request_error",
			"code":    code,
			"message": message,
		},
	}
}

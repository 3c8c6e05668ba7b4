package models

import "encoding/json"

// ToolCall is an LLM request to execute a named tool. IDs are unique within
// a run.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ArgumentsJSON returns the arguments serialized as JSON. Marshal failures
// degrade to an empty object so transcripts stay well-formed.
func (c *ToolCall) ArgumentsJSON() json.RawMessage {
	if c.Arguments == nil {
		return json.RawMessage("{}")
	}
	data, err := json.Marshal(c.Arguments)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}

// CloneToolCalls returns a deep-enough copy of the call list. Argument maps
// are copied one level deep; values are treated as immutable JSON.
func CloneToolCalls(calls []ToolCall) []ToolCall {
	if calls == nil {
		return nil
	}
	out := make([]ToolCall, len(calls))
	copy(out, calls)
	for i := range out {
		if calls[i].Arguments != nil {
			args := make(map[string]any, len(calls[i].Arguments))
			for k, v := range calls[i].Arguments {
				args[k] = v
			}
			out[i].Arguments = args
		}
	}
	return out
}

// ToolResult is the outcome of a single tool invocation. Result and Error
// are mutually exclusive: a failed invocation carries a nil Result and a
// non-empty Error.
type ToolResult struct {
	CallID string `json:"call_id"`
	Name   string `json:"name"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Failed reports whether the invocation produced an error.
func (r *ToolResult) Failed() bool {
	return r.Error != ""
}

// Content renders the result the way it is folded into the transcript:
// the JSON-encoded result value on success, the error object on failure.
func (r *ToolResult) Content() string {
	if r.Error != "" {
		data, err := json.Marshal(map[string]string{"error": r.Error})
		if err != nil {
			return r.Error
		}
		return string(data)
	}
	data, err := json.Marshal(r.Result)
	if err != nil {
		return "null"
	}
	return string(data)
}

// ToolSchema is the declared surface of a tool as shown to a backend:
// its name, description, and JSON-Schema parameter projection.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

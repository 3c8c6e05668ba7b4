// Package models defines the shared data model of the agent execution core:
// messages, tool calls, run results, trace spans, and checkpoints.
package models

import "strings"

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentKind identifies the type of a content part.
type ContentKind string

const (
	ContentText        ContentKind = "text"
	ContentImageURL    ContentKind = "image_url"
	ContentImageBase64 ContentKind = "image_base64"
)

// ContentPart is one element of a multimodal message body.
// Text-only messages use Message.Content directly and carry no parts.
type ContentPart struct {
	Kind ContentKind `json:"kind"`

	// Text is set when Kind is ContentText.
	Text string `json:"text,omitempty"`

	// URL and Detail are set when Kind is ContentImageURL.
	URL    string `json:"url,omitempty"`
	Detail string `json:"detail,omitempty"`

	// Data and MimeType are set when Kind is ContentImageBase64.
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// TextPart builds a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Kind: ContentText, Text: text}
}

// ImageURLPart builds an image-by-URL content part.
func ImageURLPart(url, detail string) ContentPart {
	return ContentPart{Kind: ContentImageURL, URL: url, Detail: detail}
}

// ImageBase64Part builds an inline base64 image content part.
func ImageBase64Part(data, mimeType string) ContentPart {
	return ContentPart{Kind: ContentImageBase64, Data: data, MimeType: mimeType}
}

// Message is a single turn in a conversation transcript.
//
// Content holds plain text. When Parts is non-empty the message body is the
// ordered part list and Content is ignored by backends; Text() abstracts over
// both representations.
type Message struct {
	Role    Role          `json:"role"`
	Content string        `json:"content,omitempty"`
	Parts   []ContentPart `json:"parts,omitempty"`

	// ToolCalls is set on assistant messages that request tool execution.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID and Name are set on tool messages and reference the
	// assistant tool call this message answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
	Name       string `json:"name,omitempty"`
}

// Text returns the textual content of the message. For multimodal messages
// the text parts are concatenated in order.
func (m *Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Kind == ContentText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// IsMultimodal reports whether the message carries non-text content parts.
func (m *Message) IsMultimodal() bool {
	for _, p := range m.Parts {
		if p.Kind != ContentText {
			return true
		}
	}
	return false
}

// SystemMessage builds a system message.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// UserMessage builds a plain-text user message.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// AssistantMessage builds an assistant message.
func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// ToolMessage builds a tool result message answering the given call.
func ToolMessage(callID, name, content string) Message {
	return Message{Role: RoleTool, ToolCallID: callID, Name: name, Content: content}
}

// CloneMessages returns a deep copy of the transcript. Checkpoints and run
// results must not alias the orchestrator's working transcript.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	for i := range out {
		if len(msgs[i].Parts) > 0 {
			out[i].Parts = append([]ContentPart(nil), msgs[i].Parts...)
		}
		if len(msgs[i].ToolCalls) > 0 {
			out[i].ToolCalls = CloneToolCalls(msgs[i].ToolCalls)
		}
	}
	return out
}

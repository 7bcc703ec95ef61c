package llm

import (
	"encoding/json"
	"strings"
)

// Message roles understood by the completion backend.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ContentPart is one element of a multimodal message body.
type ContentPart struct {
	Type     string    `json:"type"` // "text" or "image_url"
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL carries an inline image, typically a base64 data URL.
type ImageURL struct {
	URL string `json:"url"`
}

// TextPart builds a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: "text", Text: text}
}

// ImagePart builds an inline-image content part.
func ImagePart(url string) ContentPart {
	return ContentPart{Type: "image_url", ImageURL: &ImageURL{URL: url}}
}

// Message represents a single conversation turn on the wire. Content is
// either plain text (Content) or an ordered list of typed parts (Parts);
// when Parts is non-empty it wins.
type Message struct {
	Role       string
	Content    string
	Parts      []ContentPart
	ToolCalls  []ToolCall
	ToolCallID string
	Name       string
}

type wireMessage struct {
	Role       string     `json:"role"`
	Content    any        `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// MarshalJSON renders Content as a string or a part array depending on
// whether typed parts are present.
func (m Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{
		Role:       m.Role,
		ToolCalls:  m.ToolCalls,
		ToolCallID: m.ToolCallID,
		Name:       m.Name,
	}
	if len(m.Parts) > 0 {
		w.Content = m.Parts
	} else {
		w.Content = m.Content
	}
	return json.Marshal(w)
}

// UnmarshalJSON accepts both string and part-array content.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		Role       string          `json:"role"`
		Content    json.RawMessage `json:"content"`
		ToolCalls  []ToolCall      `json:"tool_calls"`
		ToolCallID string          `json:"tool_call_id"`
		Name       string          `json:"name"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Role = raw.Role
	m.ToolCalls = raw.ToolCalls
	m.ToolCallID = raw.ToolCallID
	m.Name = raw.Name
	m.Content = ""
	m.Parts = nil
	trimmed := strings.TrimSpace(string(raw.Content))
	switch {
	case trimmed == "" || trimmed == "null":
	case trimmed[0] == '[':
		return json.Unmarshal(raw.Content, &m.Parts)
	default:
		return json.Unmarshal(raw.Content, &m.Content)
	}
	return nil
}

// Text returns the textual content of the message, joining text parts when
// the body is multimodal.
func (m Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var texts []string
	for _, p := range m.Parts {
		if p.Type == "text" && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// HasImage reports whether the message carries an inline image part.
func (m Message) HasImage() bool {
	for _, p := range m.Parts {
		if p.Type == "image_url" {
			return true
		}
	}
	return false
}

// WithoutImages returns a copy of the history with image parts removed.
// A message whose only content was an image keeps a textual placeholder so
// the turn structure stays intact.
func WithoutImages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		if !m.HasImage() {
			out[i] = m
			continue
		}
		stripped := m
		stripped.Parts = nil
		if text := m.Text(); text != "" {
			stripped.Content = text
		} else {
			stripped.Content = "[image omitted]"
		}
		out[i] = stripped
	}
	return out
}

// ToolCall is the wire form of a tool invocation request.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"` // always "function"
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the tool name and its serialized argument payload.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ParsedToolCall is a tool call with its argument payload decoded. The
// argument mapping is only valid once the stream that produced it has
// signalled completion.
type ParsedToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Wire converts the parsed call back to its wire form.
func (p ParsedToolCall) Wire() ToolCall {
	args, err := json.Marshal(p.Arguments)
	if err != nil {
		args = []byte("{}")
	}
	return ToolCall{
		ID:   p.ID,
		Type: "function",
		Function: FunctionCall{
			Name:      p.Name,
			Arguments: string(args),
		},
	}
}

// Tool is a tool-catalog entry in the wire format.
type Tool struct {
	Type     string       `json:"type"` // always "function"
	Function ToolFunction `json:"function"`
}

// ToolFunction describes a callable tool and its parameter schema.
type ToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Request describes one completion call.
type Request struct {
	Messages    []Message
	Tools       []Tool
	Temperature float64
	MaxTokens   int
}

// Usage tracks token consumption as reported by the backend.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is a fully-assembled model response.
type Completion struct {
	Text         string
	ToolCalls    []ParsedToolCall
	FinishReason string
	Usage        *Usage
}

// Stream event types.
const (
	StreamText          = "text"
	StreamToolCallStart = "tool_call_start"
	StreamToolCallDelta = "tool_call_delta"
	StreamToolCallEnd   = "tool_call_end"
	StreamDone          = "done"
)

// StreamEvent is one element of the lazy event sequence produced by an
// in-flight completion request.
type StreamEvent struct {
	Type string
	// Text carries a content fragment for StreamText and an argument
	// fragment for StreamToolCallDelta.
	Text string
	// Index is the positional tool-call index for tool-call events.
	Index int
	// ToolCall is set on StreamToolCallStart (name and id only) and on
	// StreamToolCallEnd (fully assembled, arguments decoded).
	ToolCall *ParsedToolCall
	// FinishReason is set on StreamDone.
	FinishReason string
}

// Package openai defines the OpenAI-compatible wire types served by the HTTP
// boundary and consumed by the dispatcher. The dispatcher works with these
// parsed forms only; HTTP encoding/decoding lives in the server package.
package openai

import (
	"encoding/json"
	"fmt"
)

// =============================================================================
// CHAT COMPLETION REQUEST
// =============================================================================

// ChatCompletionRequest is the body of POST /v1/chat/completions.
// ConversationID is a non-standard extension that binds the request to a
// server-side conversation for session affinity and memory recording.
type ChatCompletionRequest struct {
	Model            string          `json:"model"`
	Messages         []ChatMessage   `json:"messages"`
	Temperature      *float32        `json:"temperature,omitempty"`
	TopP             *float32        `json:"top_p,omitempty"`
	N                *int            `json:"n,omitempty"`
	Stream           bool            `json:"stream,omitempty"`
	Stop             []string        `json:"stop,omitempty"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	PresencePenalty  *float32        `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float32        `json:"frequency_penalty,omitempty"`
	User             string          `json:"user,omitempty"`
	ConversationID   string          `json:"conversation_id,omitempty"`
	Tools            []Tool          `json:"tools,omitempty"`
	ToolChoice       json.RawMessage `json:"tool_choice,omitempty"`
}

// ChatMessage is a single message in a chat exchange.
type ChatMessage struct {
	Role      string          `json:"role"`
	Content   *MessageContent `json:"content,omitempty"`
	Name      string          `json:"name,omitempty"`
	ToolCalls []ToolCall      `json:"tool_calls,omitempty"`
}

// Text returns the plain-text rendering of the message content, concatenating
// text parts and ignoring image parts. Empty when content is absent.
func (m ChatMessage) Text() string {
	if m.Content == nil {
		return ""
	}
	return m.Content.Text()
}

// MessageContent is either a plain string or an array of typed parts, per the
// OpenAI wire format. The JSON form is untagged; Parts is authoritative when
// IsArray is set.
type MessageContent struct {
	IsArray bool
	Value   string
	Parts   []ContentPart
}

// NewTextContent wraps a plain string as message content.
func NewTextContent(s string) *MessageContent {
	return &MessageContent{Value: s}
}

// Text concatenates all text carried by the content.
func (c *MessageContent) Text() string {
	if c == nil {
		return ""
	}
	if !c.IsArray {
		return c.Value
	}
	var out string
	for _, p := range c.Parts {
		if p.Type == "text" {
			out += p.Text
		}
	}
	return out
}

// UnmarshalJSON accepts both the string form and the array-of-parts form.
func (c *MessageContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.IsArray = false
		c.Value = s
		c.Parts = nil
		return nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("message content must be a string or an array of parts: %w", err)
	}
	c.IsArray = true
	c.Parts = parts
	c.Value = ""
	return nil
}

// MarshalJSON writes back whichever form the content carries.
func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.IsArray {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Value)
}

// ContentPart is one element of an array-form message content.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL references an image by URL or data URI.
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// =============================================================================
// CHAT COMPLETION RESPONSE
// =============================================================================

// ChatCompletionResponse is the non-streaming completion result.
type ChatCompletionResponse struct {
	ID             string       `json:"id"`
	Object         string       `json:"object"`
	Created        int64        `json:"created"`
	Model          string       `json:"model"`
	Choices        []ChatChoice `json:"choices"`
	Usage          Usage        `json:"usage"`
	ConversationID string       `json:"conversation_id,omitempty"`
}

// ChatChoice is one completion alternative.
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// Usage reports token accounting for a completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// =============================================================================
// STREAMING
// =============================================================================

// ChatCompletionChunk is one SSE frame of a streamed completion.
type ChatCompletionChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []StreamChoice `json:"choices"`
}

// StreamChoice carries the delta for one alternative.
type StreamChoice struct {
	Index        int          `json:"index"`
	Delta        DeltaMessage `json:"delta"`
	FinishReason *string      `json:"finish_reason"`
}

// DeltaMessage is the incremental payload of a stream chunk.
type DeltaMessage struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// =============================================================================
// TOOLS
// =============================================================================

// Tool declares a function the model may call.
type Tool struct {
	Type     string             `json:"type"`
	Function FunctionDefinition `json:"function"`
}

// FunctionDefinition describes a callable function.
type FunctionDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolCall is a function invocation emitted by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the name and JSON-encoded arguments of a call.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// =============================================================================
// MODELS
// =============================================================================

// Model is one entry of GET /v1/models.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelList is the GET /v1/models envelope.
type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

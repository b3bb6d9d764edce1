// Package claude adapts the Claude CLI as an execution backend. A Runner
// starts sessions; a Session accepts one turn at a time and streams the
// CLI's stream-json output back as events until a terminal result.
//
// Two session flavors exist: one-shot sessions spawn a fresh process per
// turn (--print mode), interactive sessions keep a process alive across
// turns and feed it user messages over stdin. Both kill the whole process
// group on stop so tool subprocesses never outlive the session.
package claude

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// =============================================================================
// EVENT TYPES
// =============================================================================

const (
	EventSystem    = "system"
	EventAssistant = "assistant"
	EventUser      = "user"
	EventResult    = "result"
	EventError     = "error"

	// Subtype on synthetic results emitted when the CLI exits without
	// producing its own terminal event.
	SubtypeProcessDied = "process_died"
	SubtypeInterrupted = "interrupted"
)

// Event is one line of the CLI's stream-json output. Data holds the full
// original JSON object so callers can dig out fields the adapter does not
// model.
type Event struct {
	Type    string          `json:"type"`
	Subtype string          `json:"subtype,omitempty"`
	Data    json.RawMessage `json:"-"`
}

// ParseEvent decodes a single stream-json line.
func ParseEvent(line []byte) (Event, error) {
	var head struct {
		Type    string `json:"type"`
		Subtype string `json:"subtype"`
	}
	if err := json.Unmarshal(line, &head); err != nil {
		return Event{}, fmt.Errorf("malformed stream-json line: %w", err)
	}
	if head.Type == "" {
		return Event{}, fmt.Errorf("stream-json line missing type")
	}
	data := make(json.RawMessage, len(line))
	copy(data, line)
	return Event{Type: head.Type, Subtype: head.Subtype, Data: data}, nil
}

// Terminal reports whether this event ends the turn.
func (e Event) Terminal() bool {
	return e.Type == EventResult || e.Type == EventError
}

// IsError reports whether the event carries an error outcome: an error
// event, or a result flagged is_error.
func (e Event) IsError() bool {
	if e.Type == EventError {
		return true
	}
	if e.Type != EventResult {
		return false
	}
	var body struct {
		IsError bool `json:"is_error"`
	}
	if err := json.Unmarshal(e.Data, &body); err != nil {
		return false
	}
	return body.IsError
}

// AssistantText extracts the text parts of an assistant message event.
// Returns "" for other event types.
func (e Event) AssistantText() string {
	if e.Type != EventAssistant {
		return ""
	}
	var body struct {
		Message struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(e.Data, &body); err != nil {
		return ""
	}
	var buf bytes.Buffer
	for _, part := range body.Message.Content {
		if part.Type == "text" {
			buf.WriteString(part.Text)
		}
	}
	return buf.String()
}

// ToolUse is one tool invocation inside an assistant message.
type ToolUse struct {
	Name  string
	Input map[string]any
}

// ToolUses extracts the tool invocations from an assistant message event.
// Returns nil for other event types and for messages with no tool calls.
func (e Event) ToolUses() []ToolUse {
	if e.Type != EventAssistant {
		return nil
	}
	var body struct {
		Message struct {
			Content []struct {
				Type  string         `json:"type"`
				Name  string         `json:"name"`
				Input map[string]any `json:"input"`
			} `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(e.Data, &body); err != nil {
		return nil
	}
	var uses []ToolUse
	for _, part := range body.Message.Content {
		if part.Type == "tool_use" && part.Name != "" {
			uses = append(uses, ToolUse{Name: part.Name, Input: part.Input})
		}
	}
	return uses
}

// ResultText extracts the final result string from a result event.
func (e Event) ResultText() string {
	if e.Type != EventResult {
		return ""
	}
	var body struct {
		Result string `json:"result"`
	}
	if err := json.Unmarshal(e.Data, &body); err != nil {
		return ""
	}
	return body.Result
}

// Usage extracts token counts from a result event when the CLI reported
// them. ok is false when the event has no usage block.
func (e Event) Usage() (input, output int, ok bool) {
	if e.Type != EventResult {
		return 0, 0, false
	}
	var body struct {
		Usage *struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(e.Data, &body); err != nil || body.Usage == nil {
		return 0, 0, false
	}
	return body.Usage.InputTokens, body.Usage.OutputTokens, true
}

// Sidechain reports whether the event came from a tool subagent rather
// than the main conversation. Sidechain traffic is skipped when relaying
// a turn.
func (e Event) Sidechain() bool {
	var body struct {
		IsSidechain bool `json:"isSidechain"`
	}
	if err := json.Unmarshal(e.Data, &body); err != nil {
		return false
	}
	return body.IsSidechain
}

// =============================================================================
// EVENT CONSTRUCTORS
// =============================================================================

// NewAssistantEvent builds an assistant event carrying a single text part.
// Used by the fake runner and by tests.
func NewAssistantEvent(text string) Event {
	data, _ := json.Marshal(map[string]any{
		"type": EventAssistant,
		"message": map[string]any{
			"role":    "assistant",
			"content": []map[string]any{{"type": "text", "text": text}},
		},
	})
	return Event{Type: EventAssistant, Data: data}
}

// NewToolUseEvent builds an assistant event carrying a single tool
// invocation. Used by the fake runner and by tests.
func NewToolUseEvent(name string, input map[string]any) Event {
	data, _ := json.Marshal(map[string]any{
		"type": EventAssistant,
		"message": map[string]any{
			"role": "assistant",
			"content": []map[string]any{{
				"type":  "tool_use",
				"name":  name,
				"input": input,
			}},
		},
	})
	return Event{Type: EventAssistant, Data: data}
}

// NewResultEvent builds a terminal result event.
func NewResultEvent(text string, isError bool) Event {
	subtype := "success"
	if isError {
		subtype = "error"
	}
	data, _ := json.Marshal(map[string]any{
		"type":     EventResult,
		"subtype":  subtype,
		"result":   text,
		"is_error": isError,
	})
	return Event{Type: EventResult, Subtype: subtype, Data: data}
}

// NewResultEventWithUsage builds a terminal result event carrying token
// counts, mirroring what the CLI reports on success.
func NewResultEventWithUsage(text string, inputTokens, outputTokens int) Event {
	data, _ := json.Marshal(map[string]any{
		"type":     EventResult,
		"subtype":  "success",
		"result":   text,
		"is_error": false,
		"usage": map[string]int{
			"input_tokens":  inputTokens,
			"output_tokens": outputTokens,
		},
	})
	return Event{Type: EventResult, Subtype: "success", Data: data}
}

// syntheticResult builds a terminal event for conditions the CLI never
// reported itself, such as the process dying mid-turn.
func syntheticResult(subtype, text string, isError bool) Event {
	data, _ := json.Marshal(map[string]any{
		"type":     EventResult,
		"subtype":  subtype,
		"result":   text,
		"is_error": isError,
	})
	return Event{Type: EventResult, Subtype: subtype, Data: data}
}

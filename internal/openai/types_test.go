package openai

import (
	"encoding/json"
	"testing"
)

func TestChatCompletionRequest_ContentForms(t *testing.T) {
	body := `{
		"model": "claude-sonnet-4-20250514",
		"messages": [
			{"role": "system", "content": "be brief"},
			{"role": "user", "content": [
				{"type": "text", "text": "what is "},
				{"type": "text", "text": "this"},
				{"type": "image_url", "image_url": {"url": "https://example.com/cat.png"}}
			]}
		]
	}`
	var req ChatCompletionRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if len(req.Messages) != 2 {
		t.Fatalf("decoded %d messages, want 2", len(req.Messages))
	}

	sys := req.Messages[0]
	if sys.Content.IsArray {
		t.Error("string content decoded as array")
	}
	if got := sys.Text(); got != "be brief" {
		t.Errorf("system Text() = %q, want %q", got, "be brief")
	}

	user := req.Messages[1]
	if !user.Content.IsArray {
		t.Fatal("array content decoded as string")
	}
	if len(user.Content.Parts) != 3 {
		t.Fatalf("decoded %d parts, want 3", len(user.Content.Parts))
	}
	if got := user.Text(); got != "what is this" {
		t.Errorf("user Text() = %q, want %q (image parts ignored)", got, "what is this")
	}
	img := user.Content.Parts[2]
	if img.ImageURL == nil || img.ImageURL.URL != "https://example.com/cat.png" {
		t.Errorf("image part = %+v, want URL preserved", img)
	}
}

func TestMessageContent_RejectsOtherShapes(t *testing.T) {
	for _, body := range []string{`42`, `{"text": "hi"}`, `[42]`} {
		var c MessageContent
		if err := json.Unmarshal([]byte(body), &c); err == nil {
			t.Errorf("content %s decoded without error", body)
		}
	}
}

func TestMessageContent_MarshalKeepsForm(t *testing.T) {
	plain, err := json.Marshal(ChatMessage{Role: "user", Content: NewTextContent("hi")})
	if err != nil {
		t.Fatalf("marshal string form: %v", err)
	}
	if want := `{"role":"user","content":"hi"}`; string(plain) != want {
		t.Errorf("string form = %s, want %s", plain, want)
	}

	arr, err := json.Marshal(MessageContent{
		IsArray: true,
		Parts:   []ContentPart{{Type: "text", Text: "hi"}},
	})
	if err != nil {
		t.Fatalf("marshal array form: %v", err)
	}
	if want := `[{"type":"text","text":"hi"}]`; string(arr) != want {
		t.Errorf("array form = %s, want %s", arr, want)
	}
}

func TestChatMessage_TextNilContent(t *testing.T) {
	if got := (ChatMessage{Role: "assistant"}).Text(); got != "" {
		t.Errorf("Text() on nil content = %q, want empty", got)
	}
}

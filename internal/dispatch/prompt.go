package dispatch

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"nexus/internal/openai"
)

// renderPrompt flattens an OpenAI message array into the single turn
// string the CLI receives. History messages are prefixed with their
// role; the final message is appended bare so the CLI treats it as the
// live turn. An optional context block goes first. Image parts become
// "Image: <ref>" lines; data URIs are staged to temp files the CLI can
// open, and the staged paths are returned for cleanup after the turn.
func renderPrompt(messages []openai.ChatMessage, contextBlock string) (string, []string) {
	var b strings.Builder
	var staged []string

	if contextBlock != "" {
		b.WriteString(contextBlock)
		b.WriteString("\n")
	}

	for i, msg := range messages {
		text := contentText(msg.Content)
		for _, ref := range imageRefs(msg.Content) {
			if strings.HasPrefix(ref, "data:") {
				path, err := stageDataURI(ref)
				if err != nil {
					continue
				}
				staged = append(staged, path)
				ref = path
			}
			text += fmt.Sprintf("\n\nImage: %s\n", ref)
		}

		if i == len(messages)-1 {
			b.WriteString(text)
			break
		}
		switch msg.Role {
		case "user":
			b.WriteString("User: " + text + "\n")
		case "assistant":
			b.WriteString("Assistant: " + text + "\n")
		case "system":
			b.WriteString("System: " + text + "\n")
		}
	}
	return b.String(), staged
}

// contentText renders message content to plain text. Array text parts
// join with single spaces; image parts are handled separately.
func contentText(c *openai.MessageContent) string {
	if c == nil {
		return ""
	}
	if !c.IsArray {
		return c.Value
	}
	var texts []string
	for _, p := range c.Parts {
		if p.Type == "text" && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, " ")
}

// imageRefs collects the image references of an array-form content, in
// order: plain URLs and data URIs alike.
func imageRefs(c *openai.MessageContent) []string {
	if c == nil || !c.IsArray {
		return nil
	}
	var refs []string
	for _, p := range c.Parts {
		if p.ImageURL != nil && p.ImageURL.URL != "" {
			refs = append(refs, p.ImageURL.URL)
		}
	}
	return refs
}

// lastUserText returns the text of the newest user message. It doubles
// as the retrieval query for context injection and as the recorded user
// content for the turn.
func lastUserText(messages []openai.ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != "user" {
			continue
		}
		if text := contentText(messages[i].Content); strings.TrimSpace(text) != "" {
			return text
		}
	}
	return ""
}

// stageDataURI decodes a base64 data URI into a temp file and returns
// its path.
func stageDataURI(uri string) (string, error) {
	comma := strings.Index(uri, ",")
	if comma < 0 {
		return "", fmt.Errorf("malformed data URI")
	}
	meta, payload := uri[:comma], uri[comma+1:]
	if !strings.Contains(meta, "base64") {
		return "", fmt.Errorf("data URI is not base64 encoded")
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("failed to decode image data: %w", err)
	}

	ext := ".png"
	switch {
	case strings.Contains(meta, "jpeg"), strings.Contains(meta, "jpg"):
		ext = ".jpg"
	case strings.Contains(meta, "gif"):
		ext = ".gif"
	case strings.Contains(meta, "webp"):
		ext = ".webp"
	}
	path := filepath.Join(os.TempDir(), "claude_image_"+uuid.NewString()+ext)
	if err := os.WriteFile(path, raw, 0600); err != nil {
		return "", fmt.Errorf("failed to write staged image: %w", err)
	}
	return path, nil
}

// cleanupStaged removes the temp files staged for one turn.
func cleanupStaged(paths []string) {
	for _, p := range paths {
		_ = os.Remove(p)
	}
}

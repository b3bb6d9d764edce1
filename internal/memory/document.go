// Package memory gives the API long-term recall across conversations.
// Completed turns are indexed in Meilisearch as message documents;
// before each new turn the injector searches that history, scores the
// candidates against the work at hand, and renders the winners into a
// context block prepended to the backend prompt.
package memory

import (
	"time"

	"github.com/google/uuid"
)

// MessageDocument is one indexed message. Immutable once appended;
// removed only when its conversation is purged. JSON tags double as
// the index attribute names.
type MessageDocument struct {
	ID             string   `json:"id"`
	ConversationID string   `json:"conversation_id"`
	Role           string   `json:"role"`
	Content        string   `json:"content"`
	TurnIndex      int      `json:"turn_index"`
	CreatedAt      int64    `json:"created_at"`
	Cwd            string   `json:"cwd,omitempty"`
	FilesTouched   []string `json:"files_touched,omitempty"`
	Summary        string   `json:"summary,omitempty"`
}

// NewMessageDocument stamps a fresh document with an id and the current
// time.
func NewMessageDocument(conversationID, role, content string, turnIndex int) MessageDocument {
	return MessageDocument{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		TurnIndex:      turnIndex,
		CreatedAt:      time.Now().Unix(),
	}
}

// DisplayContent prefers the extractive summary when one exists.
func (d *MessageDocument) DisplayContent() string {
	if d.Summary != "" {
		return d.Summary
	}
	return d.Content
}

// NeedsSummary reports whether the content is long enough to warrant a
// summary it does not yet have.
func (d *MessageDocument) NeedsSummary(threshold int) bool {
	if threshold <= 0 {
		threshold = DefaultSummaryThreshold
	}
	return d.Summary == "" && len(d.Content) > threshold
}

// ConversationDocument is the per-conversation rollup kept in the
// conversations index. It exists purely for that index; SQLite holds
// the authoritative registry row.
type ConversationDocument struct {
	ID             string   `json:"id"`
	ContentPreview string   `json:"content_preview"`
	Model          string   `json:"model"`
	CreatedAt      int64    `json:"created_at"`
	UpdatedAt      int64    `json:"updated_at"`
	MessageCount   int      `json:"message_count"`
	Cwd            string   `json:"cwd,omitempty"`
	FilesSummary   []string `json:"files_summary,omitempty"`
}

// NewConversationDocument seeds a rollup from the opening user content.
// The preview keeps the first 100 runes.
func NewConversationDocument(id, model, content string) ConversationDocument {
	now := time.Now().Unix()
	return ConversationDocument{
		ID:             id,
		ContentPreview: truncateRunes(content, 100),
		Model:          model,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// UpdateFromMessage folds one appended message into the rollup. The
// first cwd seen sticks; files accumulate in first-seen order.
func (c *ConversationDocument) UpdateFromMessage(msg *MessageDocument) {
	c.UpdatedAt = msg.CreatedAt
	c.MessageCount = msg.TurnIndex + 1
	if c.Cwd == "" && msg.Cwd != "" {
		c.Cwd = msg.Cwd
	}
	for _, f := range msg.FilesTouched {
		if !containsString(c.FilesSummary, f) {
			c.FilesSummary = append(c.FilesSummary, f)
		}
	}
}

// ContextQuery carries what the current turn reveals about itself:
// the text to search for plus the cwd and files already in play.
type ContextQuery struct {
	Query string
	Cwd   string
	Files []string
}

// ScoredCandidate pairs a retrieved document with its score breakdown
// so ranking decisions stay inspectable.
type ScoredCandidate struct {
	Document MessageDocument
	Score    RelevanceScore
}

// ContextBlock is the rendered prefix for one request, together with
// the candidates that made the cut.
type ContextBlock struct {
	Text  string
	Items []ScoredCandidate
}

// IDs lists the document ids in the block, in rendered order.
func (b *ContextBlock) IDs() []string {
	ids := make([]string, len(b.Items))
	for i := range b.Items {
		ids[i] = b.Items[i].Document.ID
	}
	return ids
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

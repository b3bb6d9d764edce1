package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"
)

// ErrBackendUnavailable wraps every failure to reach the search
// backend. Request-path callers treat it as "no memory available",
// never as a request failure.
var ErrBackendUnavailable = errors.New("memory backend unavailable")

const (
	// DefaultMessagesIndex holds one document per indexed message.
	DefaultMessagesIndex = "nexus_messages"
	// DefaultConversationsIndex holds one rollup document per
	// conversation.
	DefaultConversationsIndex = "nexus_conversations"

	taskPollInterval = 50 * time.Millisecond
)

// StoreOptions configures the Meilisearch connection.
type StoreOptions struct {
	URL    string
	APIKey string

	// Per-call budget, applied as the HTTP client timeout and as the
	// bound on indexing-task waits.
	Timeout time.Duration

	MessagesIndex      string
	ConversationsIndex string
}

// Store persists conversation history in Meilisearch and serves the
// ranked full-text lookups the injector runs before each turn.
type Store struct {
	client        *meilisearch.Client
	messages      *meilisearch.Index
	conversations *meilisearch.Index
	timeout       time.Duration
	logger        *zap.Logger
}

// NewStore builds a store for the given backend. It does not touch the
// network; call Setup once at boot to create and configure the
// indexes.
func NewStore(opts StoreOptions, logger *zap.Logger) *Store {
	if opts.MessagesIndex == "" {
		opts.MessagesIndex = DefaultMessagesIndex
	}
	if opts.ConversationsIndex == "" {
		opts.ConversationsIndex = DefaultConversationsIndex
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	client := meilisearch.NewClient(meilisearch.ClientConfig{
		Host:    opts.URL,
		APIKey:  opts.APIKey,
		Timeout: opts.Timeout,
	})
	return &Store{
		client:        client,
		messages:      client.Index(opts.MessagesIndex),
		conversations: client.Index(opts.ConversationsIndex),
		timeout:       opts.Timeout,
		logger:        logger,
	}
}

// Setup creates both indexes and pushes their attribute settings. Safe
// to run on every boot: creating an index that already exists is a
// rejected task, not an error.
func (s *Store) Setup(ctx context.Context) error {
	if err := s.ensureIndex(ctx, s.messages.UID, &meilisearch.Settings{
		SearchableAttributes: []string{"content", "summary", "role"},
		FilterableAttributes: []string{"conversation_id", "role", "cwd", "created_at"},
		SortableAttributes:   []string{"created_at", "turn_index"},
	}); err != nil {
		return err
	}
	return s.ensureIndex(ctx, s.conversations.UID, &meilisearch.Settings{
		SearchableAttributes: []string{"content_preview", "model"},
		FilterableAttributes: []string{"model", "cwd", "created_at", "updated_at"},
		SortableAttributes:   []string{"created_at", "updated_at", "message_count"},
	})
}

func (s *Store) ensureIndex(ctx context.Context, uid string, settings *meilisearch.Settings) error {
	info, err := s.client.CreateIndex(&meilisearch.IndexConfig{Uid: uid, PrimaryKey: "id"})
	if err != nil {
		return fmt.Errorf("%w: create index %s: %v", ErrBackendUnavailable, uid, err)
	}
	task, err := s.waitTask(ctx, info.TaskUID)
	if err != nil {
		return err
	}
	if task.Status != meilisearch.TaskStatusSucceeded {
		s.logger.Debug("index already exists", zap.String("index", uid))
	}
	info, err = s.client.Index(uid).UpdateSettings(settings)
	if err != nil {
		return fmt.Errorf("%w: update settings for %s: %v", ErrBackendUnavailable, uid, err)
	}
	return s.waitSucceeded(ctx, info.TaskUID, "configure index "+uid)
}

// Append indexes one message and waits for the indexing task to
// finish, so a message is durable before anything can retrieve it.
func (s *Store) Append(ctx context.Context, doc *MessageDocument) error {
	return s.AppendBatch(ctx, []MessageDocument{*doc})
}

// AppendBatch indexes several messages in one task.
func (s *Store) AppendBatch(ctx context.Context, docs []MessageDocument) error {
	if len(docs) == 0 {
		return nil
	}
	info, err := s.messages.AddDocuments(docs)
	if err != nil {
		return fmt.Errorf("%w: index messages: %v", ErrBackendUnavailable, err)
	}
	return s.waitSucceeded(ctx, info.TaskUID, "index messages")
}

// Filters narrows a Search. The zero value searches across every
// conversation, which is what the injector wants.
type Filters struct {
	ConversationID string
}

// Hit is one search candidate: the stored document plus the backend's
// normalized ranking score.
type Hit struct {
	MessageDocument
	RankingScore float64 `json:"_rankingScore"`
}

// Search returns up to limit text-ranked candidates for the query.
func (s *Store) Search(ctx context.Context, query string, f Filters, limit int) ([]Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	req := &meilisearch.SearchRequest{
		Limit:            int64(limit),
		ShowRankingScore: true,
	}
	if f.ConversationID != "" {
		req.Filter = conversationFilter(f.ConversationID)
	}
	resp, err := s.messages.Search(query, req)
	if err != nil {
		return nil, fmt.Errorf("%w: search: %v", ErrBackendUnavailable, err)
	}
	return decodeHits(resp.Hits)
}

// ListMessages returns one conversation's messages in turn order,
// with the total count for pagination.
func (s *Store) ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]MessageDocument, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		limit = 100
	}
	resp, err := s.messages.Search("", &meilisearch.SearchRequest{
		Limit:  int64(limit),
		Offset: int64(offset),
		Filter: conversationFilter(conversationID),
		Sort:   []string{"turn_index:asc", "created_at:asc"},
	})
	if err != nil {
		return nil, 0, fmt.Errorf("%w: list messages: %v", ErrBackendUnavailable, err)
	}
	hits, err := decodeHits(resp.Hits)
	if err != nil {
		return nil, 0, err
	}
	docs := make([]MessageDocument, len(hits))
	for i := range hits {
		docs[i] = hits[i].MessageDocument
	}
	return docs, resp.EstimatedTotalHits, nil
}

// UpdateConversation upserts the conversation rollup document.
func (s *Store) UpdateConversation(ctx context.Context, doc *ConversationDocument) error {
	info, err := s.conversations.AddDocuments([]ConversationDocument{*doc})
	if err != nil {
		return fmt.Errorf("%w: index conversation: %v", ErrBackendUnavailable, err)
	}
	return s.waitSucceeded(ctx, info.TaskUID, "index conversation")
}

// GetConversation fetches one conversation rollup.
func (s *Store) GetConversation(ctx context.Context, id string) (*ConversationDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var doc ConversationDocument
	if err := s.conversations.GetDocument(id, nil, &doc); err != nil {
		return nil, fmt.Errorf("%w: get conversation: %v", ErrBackendUnavailable, err)
	}
	return &doc, nil
}

// PurgeConversation removes a conversation's messages, then its
// rollup. Message removal runs first so a failure cannot leave
// messages orphaned behind a deleted rollup.
func (s *Store) PurgeConversation(ctx context.Context, id string) error {
	info, err := s.messages.DeleteDocumentsByFilter(conversationFilter(id))
	if err != nil {
		return fmt.Errorf("%w: purge messages: %v", ErrBackendUnavailable, err)
	}
	if err := s.waitSucceeded(ctx, info.TaskUID, "purge messages"); err != nil {
		return err
	}
	info, err = s.conversations.DeleteDocument(id)
	if err != nil {
		return fmt.Errorf("%w: purge conversation: %v", ErrBackendUnavailable, err)
	}
	return s.waitSucceeded(ctx, info.TaskUID, "purge conversation")
}

// Health reports whether the backend answers at all.
func (s *Store) Health(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.client.Health(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// StoreStats counts the indexed documents.
type StoreStats struct {
	Messages      int64 `json:"messages"`
	Conversations int64 `json:"conversations"`
}

// Stats reads document counts from both indexes.
func (s *Store) Stats(ctx context.Context) (StoreStats, error) {
	if err := ctx.Err(); err != nil {
		return StoreStats{}, err
	}
	ms, err := s.messages.GetStats()
	if err != nil {
		return StoreStats{}, fmt.Errorf("%w: message index stats: %v", ErrBackendUnavailable, err)
	}
	cs, err := s.conversations.GetStats()
	if err != nil {
		return StoreStats{}, fmt.Errorf("%w: conversation index stats: %v", ErrBackendUnavailable, err)
	}
	return StoreStats{
		Messages:      ms.NumberOfDocuments,
		Conversations: cs.NumberOfDocuments,
	}, nil
}

func conversationFilter(id string) string {
	return fmt.Sprintf("conversation_id = %q", id)
}

// waitTask blocks until the task reaches a terminal status or the
// call budget runs out.
func (s *Store) waitTask(ctx context.Context, taskUID int64) (*meilisearch.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	task, err := s.client.WaitForTask(taskUID, meilisearch.WaitParams{
		Context:  ctx,
		Interval: taskPollInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: wait for task %d: %v", ErrBackendUnavailable, taskUID, err)
	}
	return task, nil
}

func (s *Store) waitSucceeded(ctx context.Context, taskUID int64, op string) error {
	task, err := s.waitTask(ctx, taskUID)
	if err != nil {
		return err
	}
	if task.Status != meilisearch.TaskStatusSucceeded {
		return fmt.Errorf("%s: task %d finished %s", op, taskUID, task.Status)
	}
	return nil
}

// decodeHits round-trips the backend's loosely typed hits through JSON
// into typed documents, picking up _rankingScore on the way.
func decodeHits(raw []interface{}) ([]Hit, error) {
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode hits: %w", err)
	}
	var hits []Hit
	if err := json.Unmarshal(buf, &hits); err != nil {
		return nil, fmt.Errorf("decode hits: %w", err)
	}
	return hits, nil
}

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"nexus/internal/cache"
	"nexus/internal/claude"
	"nexus/internal/conversation"
	"nexus/internal/memory"
	"nexus/internal/openai"
	"nexus/internal/pool"
)

// messageHistoryLimit caps how many stored messages a conversation
// detail response embeds.
const messageHistoryLimit = 100

// =============================================================================
// CHAT
// =============================================================================

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req openai.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "invalid request body: "+err.Error())
		return
	}
	if len(req.Messages) == 0 {
		s.badRequest(w, "messages must not be empty")
		return
	}
	if req.Stream {
		s.streamCompletion(w, r, &req)
		return
	}
	resp, err := s.dispatcher.Complete(r.Context(), &req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// streamCompletion renders dispatcher chunks as SSE. Headers are held
// back until the first chunk so early failures still get a real status
// code; after that, errors ride the stream as a data event.
func (s *Server) streamCompletion(w http.ResponseWriter, r *http.Request, req *openai.ChatCompletionRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.internalError(w, "streaming unsupported")
		return
	}

	streaming := false
	emit := func(chunk *openai.ChatCompletionChunk) error {
		if !streaming {
			h := w.Header()
			h.Set("Content-Type", "text/event-stream")
			h.Set("Cache-Control", "no-cache")
			h.Set("Connection", "keep-alive")
			w.WriteHeader(http.StatusOK)
			streaming = true
		}
		data, err := json.Marshal(chunk)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if _, err := s.dispatcher.Stream(r.Context(), req, emit); err != nil {
		if !streaming {
			s.writeError(w, err)
			return
		}
		_, errType, code := statusFor(err)
		if data, merr := json.Marshal(openai.NewErrorResponse(err.Error(), errType, code)); merr == nil {
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
		return
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// =============================================================================
// MODELS
// =============================================================================

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	catalogue := claude.Models()
	list := openai.ModelList{
		Object: "list",
		Data:   make([]openai.Model, 0, len(catalogue)),
	}
	for _, m := range catalogue {
		list.Data = append(list.Data, openai.Model{
			ID:      m.ID,
			Object:  "model",
			Created: s.started.Unix(),
			OwnedBy: "anthropic",
		})
	}
	s.writeJSON(w, http.StatusOK, list)
}

// =============================================================================
// CONVERSATIONS
// =============================================================================

type createConversationRequest struct {
	Model       string `json:"model"`
	ProjectPath string `json:"project_path"`
}

type conversationListResponse struct {
	Conversations []*conversation.Conversation `json:"conversations"`
}

type conversationDetail struct {
	*conversation.Conversation
	Messages      []memory.MessageDocument `json:"messages,omitempty"`
	TotalMessages int64                    `json:"total_messages,omitempty"`
}

type deleteConversationResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	// The body is optional; an empty one creates a conversation on the
	// default model.
	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.badRequest(w, "invalid request body: "+err.Error())
		return
	}
	model := req.Model
	if model == "" {
		model = claude.DefaultModel
	}
	conv, err := s.registry.Create(r.Context(), "", model, req.ProjectPath)
	if err != nil {
		s.internalError(w, "failed to create conversation: "+err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.badRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}
	convs, err := s.registry.List(r.Context(), limit)
	if err != nil {
		s.internalError(w, "failed to list conversations: "+err.Error())
		return
	}
	if convs == nil {
		convs = []*conversation.Conversation{}
	}
	s.writeJSON(w, http.StatusOK, conversationListResponse{Conversations: convs})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	conv, err := s.registry.Get(r.Context(), id)
	if err != nil {
		s.internalError(w, "failed to load conversation: "+err.Error())
		return
	}
	if conv == nil {
		s.notFound(w, "conversation not found: "+id)
		return
	}
	detail := conversationDetail{Conversation: conv}
	if s.memory != nil && r.URL.Query().Get("include_messages") == "true" {
		msgs, total, err := s.memory.ListMessages(r.Context(), id, messageHistoryLimit, 0)
		if err != nil {
			s.logger.Warn("failed to load conversation messages",
				zap.String("conversation_id", id), zap.Error(err))
		} else {
			detail.Messages = msgs
			detail.TotalMessages = total
		}
	}
	s.writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	found, err := s.registry.Delete(r.Context(), id)
	if err != nil {
		s.internalError(w, "failed to delete conversation: "+err.Error())
		return
	}
	if !found {
		s.notFound(w, "conversation not found: "+id)
		return
	}
	s.dispatcher.DropState(id)
	if s.memory != nil {
		// Best effort: a missing memory index must not fail the delete.
		if err := s.memory.PurgeConversation(r.Context(), id); err != nil {
			s.logger.Warn("failed to purge conversation documents",
				zap.String("conversation_id", id), zap.Error(err))
		}
	}
	s.writeJSON(w, http.StatusOK, deleteConversationResponse{
		ID:      id,
		Object:  "conversation.deleted",
		Deleted: true,
	})
}

// =============================================================================
// SESSIONS
// =============================================================================

type interruptResponse struct {
	Status         string `json:"status"`
	ConversationID string `json:"conversation_id"`
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("conversation_id")
	sent, err := s.pool.InterruptConversation(id)
	if err != nil {
		s.internalError(w, "failed to interrupt session: "+err.Error())
		return
	}
	if !sent {
		s.notFound(w, "no active session for conversation: "+id)
		return
	}
	s.writeJSON(w, http.StatusOK, interruptResponse{
		Status:         "interrupted",
		ConversationID: id,
	})
}

// =============================================================================
// STATS / HEALTH
// =============================================================================

type statsResponse struct {
	Pool          pool.Stats    `json:"pool"`
	Cache         cache.Stats   `json:"cache"`
	Memory        memorySection `json:"memory"`
	Conversations int           `json:"conversations"`
	Version       string        `json:"version"`
	UptimeSeconds int64         `json:"uptime_seconds"`
}

type memorySection struct {
	Enabled       bool   `json:"enabled"`
	Messages      int64  `json:"messages,omitempty"`
	Conversations int64  `json:"conversations,omitempty"`
	Error         string `json:"error,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		Pool:          s.pool.Stats(),
		Cache:         s.cache.Stats(),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	}
	if count, err := s.registry.Count(r.Context()); err != nil {
		s.logger.Warn("failed to count conversations", zap.Error(err))
	} else {
		resp.Conversations = count
	}
	if s.memory != nil {
		resp.Memory.Enabled = true
		if stats, err := s.memory.Stats(r.Context()); err != nil {
			resp.Memory.Error = err.Error()
		} else {
			resp.Memory.Messages = stats.Messages
			resp.Memory.Conversations = stats.Conversations
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "OK")
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.notFound(w, "unknown route: "+r.URL.Path)
}

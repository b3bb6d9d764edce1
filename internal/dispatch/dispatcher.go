// Package dispatch turns OpenAI chat requests into Claude CLI turns. Per
// request it resolves the conversation, consults the response cache,
// leases a session from the pool, injects retrieved context ahead of the
// prompt, relays the event stream until a terminal result, and records
// the exchange into memory off the response path.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"nexus/internal/cache"
	"nexus/internal/claude"
	"nexus/internal/conversation"
	"nexus/internal/memory"
	"nexus/internal/openai"
	"nexus/internal/pool"
)

// =============================================================================
// OPTIONS
// =============================================================================

// Options configure the dispatcher.
type Options struct {
	// DispatchTimeout bounds one backend turn.
	DispatchTimeout time.Duration

	// AcquireTimeout bounds the wait for a pool session.
	AcquireTimeout time.Duration

	// DefaultModel is used when a request names none.
	DefaultModel string

	// SummaryThreshold is the content length beyond which recorded
	// messages get an extractive summary.
	SummaryThreshold int

	// RecordTimeout bounds the off-path memory write for one turn.
	RecordTimeout time.Duration
}

// =============================================================================
// COLLABORATOR INTERFACES
// =============================================================================

// ContextSource produces the retrieved-history block injected ahead of a
// prompt. *memory.Injector satisfies it.
type ContextSource interface {
	ContextPrefix(ctx context.Context, q memory.ContextQuery) (*memory.ContextBlock, error)
}

// Recorder is the slice of the memory store the dispatcher records turns
// through. *memory.Store satisfies it. A nil Recorder disables memory
// recording; registry bookkeeping still happens.
type Recorder interface {
	AppendBatch(ctx context.Context, docs []memory.MessageDocument) error
	UpdateConversation(ctx context.Context, doc *memory.ConversationDocument) error
	GetConversation(ctx context.Context, id string) (*memory.ConversationDocument, error)
}

// =============================================================================
// DISPATCHER
// =============================================================================

// convState is the in-process side of one conversation: the tool-context
// aggregator and the turn counter its memory documents are indexed by.
type convState struct {
	mu        sync.Mutex
	agg       *memory.TurnAggregator
	turnIndex int
	convDoc   *memory.ConversationDocument
}

// Dispatcher routes chat completions through the session pool.
type Dispatcher struct {
	pool     *pool.Pool
	cache    *cache.Cache
	registry *conversation.Registry
	contexts ContextSource
	recorder Recorder
	opts     Options
	logger   *zap.Logger

	mu     sync.Mutex
	states map[string]*convState

	recordWG sync.WaitGroup
}

// New creates a dispatcher. contexts and recorder may be nil when memory
// is disabled.
func New(p *pool.Pool, c *cache.Cache, reg *conversation.Registry, contexts ContextSource, recorder Recorder, opts Options, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = 5 * time.Minute
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = 30 * time.Second
	}
	if opts.SummaryThreshold <= 0 {
		opts.SummaryThreshold = memory.DefaultSummaryThreshold
	}
	if opts.RecordTimeout <= 0 {
		opts.RecordTimeout = 15 * time.Second
	}
	return &Dispatcher{
		pool:     p,
		cache:    c,
		registry: reg,
		contexts: contexts,
		recorder: recorder,
		opts:     opts,
		logger:   logger,
		states:   make(map[string]*convState),
	}
}

// Close waits for in-flight recording goroutines to finish.
func (d *Dispatcher) Close() {
	d.recordWG.Wait()
}

// Complete serves a non-streaming chat completion.
func (d *Dispatcher) Complete(ctx context.Context, req *openai.ChatCompletionRequest) (*openai.ChatCompletionResponse, error) {
	return d.run(ctx, req, nil)
}

// Stream serves a streaming chat completion, calling emit for each
// chunk in order. An emit error aborts the turn. The assembled response
// is returned for callers that want the final text and usage.
func (d *Dispatcher) Stream(ctx context.Context, req *openai.ChatCompletionRequest, emit func(*openai.ChatCompletionChunk) error) (*openai.ChatCompletionResponse, error) {
	if emit == nil {
		return nil, fmt.Errorf("stream requires an emit function")
	}
	return d.run(ctx, req, emit)
}

// DropState forgets the in-process state of a conversation. Called when
// the conversation is deleted.
func (d *Dispatcher) DropState(conversationID string) {
	d.mu.Lock()
	delete(d.states, conversationID)
	d.mu.Unlock()
}

// run is the request state machine shared by Complete and Stream.
func (d *Dispatcher) run(ctx context.Context, req *openai.ChatCompletionRequest, emit func(*openai.ChatCompletionChunk) error) (*openai.ChatCompletionResponse, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("request has no messages")
	}
	model := req.Model
	if model == "" {
		model = d.opts.DefaultModel
	}
	streaming := emit != nil
	start := time.Now()

	conv, err := d.resolveConversation(ctx, req.ConversationID, model)
	if err != nil {
		return nil, err
	}
	st := d.state(conv)
	userText := lastUserText(req.Messages)

	// Context injection runs before the cache check: the block is part
	// of the fingerprint under the context-sensitive policy, and it
	// needs no session.
	blockText := ""
	if block := d.contextBlock(ctx, st, userText); block != nil {
		blockText = block.Text
	}

	var fp string
	if !streaming {
		fp = d.cache.Fingerprint(model, req.Messages, req.Tools, blockText)
		if resp, ok := d.cache.Lookup(fp); ok {
			resp.ConversationID = conv.ID
			d.logger.Debug("served from cache",
				zap.String("conversation_id", conv.ID))
			return resp, nil
		}
	}

	acquireCtx, cancelAcquire := context.WithTimeout(ctx, d.opts.AcquireTimeout)
	lease, err := d.pool.Acquire(acquireCtx, pool.AcquireOptions{
		ConversationID: conv.ID,
		Model:          model,
		WorkingDir:     conv.ProjectPath,
	})
	cancelAcquire()
	if err != nil {
		return nil, err
	}

	// A new turn starts: clear last turn's files, keep the cwd. The
	// injection query above already snapshotted the old state.
	st.mu.Lock()
	st.agg.Reset()
	st.mu.Unlock()

	prompt, staged := renderPrompt(req.Messages, blockText)
	defer cleanupStaged(staged)

	id := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()

	var deltaSeen bool
	var onDelta func(string) error
	if streaming {
		roleSent := false
		onDelta = func(delta string) error {
			if !roleSent {
				roleSent = true
				if err := emit(newChunk(id, created, model, openai.DeltaMessage{Role: "assistant"}, nil)); err != nil {
					return err
				}
			}
			deltaSeen = true
			return emit(newChunk(id, created, model, openai.DeltaMessage{Content: delta}, nil))
		}
	}

	turn, err := d.dispatchTurn(ctx, lease, st, prompt, onDelta)
	if err != nil {
		return nil, err
	}

	// Snapshot the turn's tool context before the session goes back to
	// the pool, so the next turn's Reset cannot race the record.
	st.mu.Lock()
	turnIndex := st.turnIndex
	st.turnIndex++
	tc := st.agg.Finalize()
	st.mu.Unlock()
	lease.Release(pool.OutcomeOK)

	if !turn.usageKnown {
		// The CLI reported no usage; estimate at roughly four
		// characters per token.
		turn.inputTokens = len(prompt) / 4
		turn.outputTokens = len(turn.text) / 4
	}
	usage := openai.Usage{
		PromptTokens:     turn.inputTokens,
		CompletionTokens: turn.outputTokens,
		TotalTokens:      turn.inputTokens + turn.outputTokens,
	}

	resp := &openai.ChatCompletionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: created,
		Model:   model,
		Choices: []openai.ChatChoice{{
			Index: 0,
			Message: openai.ChatMessage{
				Role:    "assistant",
				Content: openai.NewTextContent(turn.text),
			},
			FinishReason: "stop",
		}},
		Usage:          usage,
		ConversationID: conv.ID,
	}

	d.scheduleRecord(st, conv, model, userText, turn.text, usage.TotalTokens, turnIndex, tc)

	if streaming {
		// One-shot turns may carry all their text on the result event;
		// make sure the stream delivered it before closing out.
		if !deltaSeen && turn.text != "" {
			if err := onDelta(turn.text); err != nil {
				return nil, err
			}
		}
		reason := "stop"
		if err := emit(newChunk(id, created, model, openai.DeltaMessage{}, &reason)); err != nil {
			return nil, err
		}
	} else {
		d.cache.Insert(fp, resp)
	}

	d.logger.Info("turn complete",
		zap.String("conversation_id", conv.ID),
		zap.String("model", model),
		zap.Bool("streaming", streaming),
		zap.Int("completion_chars", len(turn.text)),
		zap.Duration("elapsed", time.Since(start)))
	return resp, nil
}

// =============================================================================
// TURN DISPATCH
// =============================================================================

type turnOutcome struct {
	text         string
	inputTokens  int
	outputTokens int
	usageKnown   bool
}

// dispatchTurn sends the prompt on the leased session and consumes
// events until a terminal result, feeding tool uses to the aggregator
// and deltas to onDelta. On error the lease has been released fatally;
// on success the caller releases after snapshotting the aggregator.
func (d *Dispatcher) dispatchTurn(ctx context.Context, lease *pool.Lease, st *convState, prompt string, onDelta func(string) error) (*turnOutcome, error) {
	turnCtx, cancel := context.WithTimeout(ctx, d.opts.DispatchTimeout)
	defer cancel()

	events, err := lease.Session().Send(turnCtx, prompt)
	if err != nil {
		lease.Release(pool.OutcomeFatal)
		return nil, fmt.Errorf("%w: %v", ErrBackendDispatch, err)
	}

	var text strings.Builder
	for {
		select {
		case <-turnCtx.Done():
			// Caller gone or turn over time. The process may still be
			// generating; interrupt it and throw the session away.
			_ = lease.Session().Interrupt()
			lease.Release(pool.OutcomeFatal)
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("%w after %s", ErrTimeout, d.opts.DispatchTimeout)

		case ev, ok := <-events:
			if !ok {
				lease.Release(pool.OutcomeFatal)
				return nil, fmt.Errorf("%w: event stream ended without a result", ErrBackendDispatch)
			}
			if ev.Sidechain() {
				continue
			}
			switch ev.Type {
			case claude.EventAssistant:
				for _, use := range ev.ToolUses() {
					st.mu.Lock()
					st.agg.Observe(use.Name, use.Input)
					st.mu.Unlock()
				}
				delta := ev.AssistantText()
				if delta == "" {
					continue
				}
				text.WriteString(delta)
				if onDelta != nil {
					if err := onDelta(delta); err != nil {
						// The consumer is gone; stop generating.
						_ = lease.Session().Interrupt()
						lease.Release(pool.OutcomeFatal)
						return nil, err
					}
				}

			case claude.EventResult, claude.EventError:
				if ev.IsError() {
					lease.Release(pool.OutcomeFatal)
					return nil, fmt.Errorf("%w: %s", ErrBackendDispatch, errorDetail(ev))
				}
				out := &turnOutcome{text: text.String()}
				if out.text == "" {
					out.text = ev.ResultText()
				}
				if in, outTok, ok := ev.Usage(); ok {
					out.inputTokens, out.outputTokens, out.usageKnown = in, outTok, true
				}
				return out, nil
			}
		}
	}
}

// errorDetail digs a human-readable reason out of a terminal error
// event.
func errorDetail(ev claude.Event) string {
	if s := ev.ResultText(); s != "" {
		return s
	}
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(ev.Data, &body); err == nil && body.Message != "" {
		return body.Message
	}
	if ev.Subtype != "" {
		return ev.Subtype
	}
	return "backend error"
}

func newChunk(id string, created int64, model string, delta openai.DeltaMessage, finish *string) *openai.ChatCompletionChunk {
	return &openai.ChatCompletionChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Choices: []openai.StreamChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	}
}

// =============================================================================
// CONVERSATION STATE
// =============================================================================

// resolveConversation maps the request to a registry row, creating one
// when needed. Unknown client-supplied ids are adopted rather than
// rejected, so clients may mint their own.
func (d *Dispatcher) resolveConversation(ctx context.Context, id, model string) (*conversation.Conversation, error) {
	if id != "" {
		conv, err := d.registry.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve conversation: %w", err)
		}
		if conv != nil {
			return conv, nil
		}
	}
	return d.registry.Create(ctx, id, model, "")
}

// state returns the in-process state for a conversation, creating it on
// first use. The turn counter seeds from the registry so a restart
// keeps counting instead of starting over.
func (d *Dispatcher) state(conv *conversation.Conversation) *convState {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.states[conv.ID]
	if !ok {
		st = &convState{
			agg:       memory.NewTurnAggregator(conv.ProjectPath),
			turnIndex: conv.MessageCount / 2,
		}
		d.states[conv.ID] = st
	}
	return st
}

// contextBlock snapshots the conversation's tool context and asks the
// injector for a prefix. Failures degrade to no context.
func (d *Dispatcher) contextBlock(ctx context.Context, st *convState, query string) *memory.ContextBlock {
	if d.contexts == nil || query == "" {
		return nil
	}
	st.mu.Lock()
	q := memory.ContextQuery{
		Query: query,
		Cwd:   st.agg.Cwd(),
		Files: st.agg.Files(),
	}
	st.mu.Unlock()

	block, err := d.contexts.ContextPrefix(ctx, q)
	if err != nil {
		d.logger.Warn("context injection failed", zap.Error(err))
		return nil
	}
	return block
}

// =============================================================================
// RECORDING
// =============================================================================

// scheduleRecord writes the exchange to memory and the registry on a
// background goroutine. Best effort: failures are logged, never
// surfaced.
func (d *Dispatcher) scheduleRecord(st *convState, conv *conversation.Conversation, model, userText, assistantText string, totalTokens, turnIndex int, tc memory.ToolContext) {
	d.recordWG.Add(1)
	go func() {
		defer d.recordWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.opts.RecordTimeout)
		defer cancel()
		d.record(ctx, st, conv, model, userText, assistantText, totalTokens, turnIndex, tc)
	}()
}

func (d *Dispatcher) record(ctx context.Context, st *convState, conv *conversation.Conversation, model, userText, assistantText string, totalTokens, turnIndex int, tc memory.ToolContext) {
	// Registry counters move whether or not memory is on.
	if err := d.registry.Touch(ctx, conv.ID, 2, totalTokens); err != nil {
		d.logger.Warn("conversation touch failed",
			zap.String("conversation_id", conv.ID), zap.Error(err))
	}
	if d.recorder == nil {
		return
	}

	var docs []memory.MessageDocument
	if userText != "" {
		doc := memory.NewMessageDocument(conv.ID, "user", userText, turnIndex)
		doc.Cwd = tc.Cwd
		if doc.NeedsSummary(d.opts.SummaryThreshold) {
			doc.Summary = memory.Summarize(userText, d.opts.SummaryThreshold)
		}
		docs = append(docs, doc)
	}
	if assistantText != "" {
		doc := memory.NewMessageDocument(conv.ID, "assistant", assistantText, turnIndex)
		doc.Cwd = tc.Cwd
		doc.FilesTouched = tc.Files
		if doc.NeedsSummary(d.opts.SummaryThreshold) {
			doc.Summary = memory.Summarize(assistantText, d.opts.SummaryThreshold)
		}
		docs = append(docs, doc)
	}
	if len(docs) == 0 {
		return
	}

	if err := d.recorder.AppendBatch(ctx, docs); err != nil {
		d.logger.Warn("memory append failed",
			zap.String("conversation_id", conv.ID), zap.Error(err))
		return
	}

	convDoc := d.conversationDoc(ctx, st, conv.ID, model, userText)
	st.mu.Lock()
	for i := range docs {
		convDoc.UpdateFromMessage(&docs[i])
	}
	snapshot := *convDoc
	snapshot.FilesSummary = append([]string(nil), convDoc.FilesSummary...)
	st.mu.Unlock()

	if err := d.recorder.UpdateConversation(ctx, &snapshot); err != nil {
		d.logger.Warn("conversation document update failed",
			zap.String("conversation_id", conv.ID), zap.Error(err))
	}
}

// conversationDoc returns the cached conversation document, hydrating
// it from the store on first use so message counts survive restarts.
func (d *Dispatcher) conversationDoc(ctx context.Context, st *convState, convID, model, preview string) *memory.ConversationDocument {
	st.mu.Lock()
	doc := st.convDoc
	st.mu.Unlock()
	if doc != nil {
		return doc
	}

	if existing, err := d.recorder.GetConversation(ctx, convID); err == nil && existing != nil {
		doc = existing
	} else {
		fresh := memory.NewConversationDocument(convID, model, preview)
		doc = &fresh
	}

	st.mu.Lock()
	if st.convDoc == nil {
		st.convDoc = doc
	} else {
		doc = st.convDoc
	}
	st.mu.Unlock()
	return doc
}

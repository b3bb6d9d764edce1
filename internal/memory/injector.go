package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

// Searcher is the slice of the store the injector needs. Narrow so
// tests can stub it.
type Searcher interface {
	Search(ctx context.Context, query string, f Filters, limit int) ([]Hit, error)
}

// InjectorOptions sets the initial selection knobs. MinRelevance and
// MaxItems can be changed at runtime through the setters.
type InjectorOptions struct {
	Enabled      bool
	MinRelevance float64
	MaxItems     int
	TokenBudget  int
	SearchFanout int
}

// Injector turns indexed history into the context block prepended to a
// backend prompt. It degrades to "no context" on any backend trouble;
// it never fails a request.
type Injector struct {
	store  Searcher
	scorer *Scorer
	logger *zap.Logger

	enabled bool
	fanout  int
	budget  int

	mu           sync.Mutex
	minRelevance float64
	maxItems     int
}

// NewInjector wires the injector to its store and scorer.
func NewInjector(store Searcher, scorer *Scorer, opts InjectorOptions, logger *zap.Logger) *Injector {
	if opts.MaxItems <= 0 {
		opts.MaxItems = 5
	}
	if opts.TokenBudget <= 0 {
		opts.TokenBudget = 2000
	}
	if opts.SearchFanout <= 0 {
		opts.SearchFanout = 50
	}
	return &Injector{
		store:        store,
		scorer:       scorer,
		logger:       logger,
		enabled:      opts.Enabled,
		fanout:       opts.SearchFanout,
		budget:       opts.TokenBudget,
		minRelevance: opts.MinRelevance,
		maxItems:     opts.MaxItems,
	}
}

// SetMinRelevance is a hot-reload target for
// memory.min_relevance_score.
func (in *Injector) SetMinRelevance(v float64) {
	in.mu.Lock()
	in.minRelevance = v
	in.mu.Unlock()
}

// SetMaxItems is a hot-reload target for memory.max_context_items.
func (in *Injector) SetMaxItems(n int) {
	if n <= 0 {
		return
	}
	in.mu.Lock()
	in.maxItems = n
	in.mu.Unlock()
}

// ContextPrefix searches history for the query, scores and selects
// candidates, and renders them into a block. A nil block with a nil
// error means "nothing to inject": injection disabled, empty query,
// nothing above the relevance floor, or the backend out of reach.
func (in *Injector) ContextPrefix(ctx context.Context, q ContextQuery) (*ContextBlock, error) {
	in.mu.Lock()
	minRelevance, maxItems := in.minRelevance, in.maxItems
	in.mu.Unlock()

	if !in.enabled || strings.TrimSpace(q.Query) == "" {
		return nil, nil
	}

	hits, err := in.store.Search(ctx, q.Query, Filters{}, in.fanout)
	if err != nil {
		if errors.Is(err, ErrBackendUnavailable) {
			in.logger.Debug("memory backend unavailable, no context injected", zap.Error(err))
		} else {
			in.logger.Warn("context search failed", zap.Error(err))
		}
		return nil, nil
	}
	if len(hits) == 0 {
		return nil, nil
	}

	now := time.Now()
	candidates := make([]ScoredCandidate, 0, len(hits))
	for _, h := range hits {
		score := in.scorer.Score(h, q, now)
		if score.Total < minRelevance {
			continue
		}
		candidates = append(candidates, ScoredCandidate{Document: h.MessageDocument, Score: score})
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score.Total != candidates[j].Score.Total {
			return candidates[i].Score.Total > candidates[j].Score.Total
		}
		return candidates[i].Document.CreatedAt > candidates[j].Document.CreatedAt
	})
	if len(candidates) > maxItems {
		candidates = candidates[:maxItems]
	}
	candidates = applyCharBudget(candidates, in.budget*4)

	block := &ContextBlock{
		Text:  renderContext(candidates, now),
		Items: candidates,
	}
	in.logger.Debug("context injected",
		zap.Int("items", len(block.Items)),
		zap.Strings("ids", block.IDs()))
	return block, nil
}

// applyCharBudget keeps candidates in order until the budget is
// spent. The first candidate always survives, over budget or not -
// an empty block defeats the point.
func applyCharBudget(candidates []ScoredCandidate, budget int) []ScoredCandidate {
	kept := candidates[:0]
	used := 0
	for i, c := range candidates {
		n := len(c.Document.DisplayContent())
		if i > 0 && used+n > budget {
			break
		}
		kept = append(kept, c)
		used += n
	}
	return kept
}

func renderContext(items []ScoredCandidate, now time.Time) string {
	var b strings.Builder
	b.WriteString("## Relevant history\n\n")
	for i := range items {
		doc := &items[i].Document
		fmt.Fprintf(&b, "%d. [%s] (%s, conv %s#%d)\n   \"%s\"\n\n",
			i+1,
			formatAge(now.Unix()-doc.CreatedAt),
			doc.Role,
			shortID(doc.ConversationID),
			doc.TurnIndex,
			truncateRunes(doc.DisplayContent(), 200),
		)
	}
	b.WriteString("---\n\n## Current conversation\n")
	return b.String()
}

// formatAge renders an age in seconds the way a person would say it.
func formatAge(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	switch {
	case seconds < 3600:
		m := seconds / 60
		if m < 1 {
			m = 1
		}
		return fmt.Sprintf("%dm ago", m)
	case seconds < 86400:
		return fmt.Sprintf("%dh ago", seconds/3600)
	default:
		d := seconds / 86400
		if d == 1 {
			return "yesterday"
		}
		return fmt.Sprintf("%dd ago", d)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

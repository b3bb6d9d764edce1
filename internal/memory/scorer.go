package memory

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// RelevanceScore is one candidate's score broken into components, so
// ranking decisions can be inspected and asserted on.
type RelevanceScore struct {
	Semantic     float64 `json:"semantic"`
	CwdMatch     float64 `json:"cwd_match"`
	FilesOverlap float64 `json:"files_overlap"`
	Recency      float64 `json:"recency"`
	Total        float64 `json:"total"`
}

// ScorerConfig weights the components. The four weights must sum to 1
// within 0.01.
type ScorerConfig struct {
	SemanticWeight float64
	CwdWeight      float64
	FilesWeight    float64
	RecencyWeight  float64

	// Hours for the recency term to decay by a factor of e.
	RecencyDecayHours float64
}

// DefaultScorerConfig weights semantic rank highest, then cwd
// proximity, file overlap, and recency.
func DefaultScorerConfig() ScorerConfig {
	return ScorerConfig{
		SemanticWeight:    0.4,
		CwdWeight:         0.3,
		FilesWeight:       0.2,
		RecencyWeight:     0.1,
		RecencyDecayHours: 24,
	}
}

// Scorer ranks retrieved messages against the current turn. Pure: the
// reference time is an argument, so identical inputs always produce
// identical scores.
type Scorer struct {
	cfg ScorerConfig
}

// NewScorer validates the weights and returns a ready scorer.
func NewScorer(cfg ScorerConfig) (*Scorer, error) {
	sum := cfg.SemanticWeight + cfg.CwdWeight + cfg.FilesWeight + cfg.RecencyWeight
	if math.Abs(sum-1.0) > 0.01 {
		return nil, fmt.Errorf("scorer weights sum to %.3f, want 1.0", sum)
	}
	if cfg.RecencyDecayHours <= 0 {
		cfg.RecencyDecayHours = 24
	}
	return &Scorer{cfg: cfg}, nil
}

// Score rates one search hit against the current turn at the given
// reference time.
func (s *Scorer) Score(hit Hit, q ContextQuery, now time.Time) RelevanceScore {
	sc := RelevanceScore{
		Semantic:     clamp01(hit.RankingScore),
		CwdMatch:     cwdMatchScore(q.Cwd, hit.Cwd),
		FilesOverlap: jaccard(q.Files, hit.FilesTouched),
		Recency:      s.recency(hit.CreatedAt, now),
	}
	sc.Total = s.cfg.SemanticWeight*sc.Semantic +
		s.cfg.CwdWeight*sc.CwdMatch +
		s.cfg.FilesWeight*sc.FilesOverlap +
		s.cfg.RecencyWeight*sc.Recency
	return sc
}

// recency decays exponentially with age. Future timestamps score a
// full 1.0 rather than extrapolating past it.
func (s *Scorer) recency(createdAt int64, now time.Time) float64 {
	age := now.Sub(time.Unix(createdAt, 0))
	if age <= 0 {
		return 1.0
	}
	return math.Exp(-age.Hours() / s.cfg.RecencyDecayHours)
}

// cwdMatchScore is exactly one of 0, 0.5, or 1: equal paths score
// 1.0, an ancestor/descendant pair on '/' boundaries scores 0.5, and
// anything else - including a missing side - scores 0.
func cwdMatchScore(current, stored string) float64 {
	if current == "" || stored == "" {
		return 0
	}
	a := strings.TrimRight(current, "/")
	b := strings.TrimRight(stored, "/")
	switch {
	case a == b:
		return 1.0
	case pathWithin(a, b) || pathWithin(b, a):
		return 0.5
	}
	return 0
}

// pathWithin reports whether child sits under parent on a path
// boundary, so /srv/appdata never matches /srv/app.
func pathWithin(child, parent string) bool {
	return strings.HasPrefix(child, parent+"/")
}

// jaccard is |A∩B| / |A∪B| over the two file sets, 0 when the union
// is empty. Symmetric; duplicate entries collapse.
func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	as := make(map[string]bool, len(a))
	for _, f := range a {
		as[f] = true
	}
	bs := make(map[string]bool, len(b))
	inter := 0
	for _, f := range b {
		if bs[f] {
			continue
		}
		bs[f] = true
		if as[f] {
			inter++
		}
	}
	union := len(as) + len(bs) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

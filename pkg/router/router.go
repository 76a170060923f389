// Package router decides how each caller question gets answered.
//
// Questions inside the clinic's domain go through the knowledge base;
// a strong match on a curated pair is spoken verbatim with no model
// call at all, weaker matches ground the model with retrieved passages,
// and everything else falls through to open generation. The router
// never fails a turn: retrieval errors degrade to open generation.
package router

import (
	"context"
	"log/slog"
	"strings"

	"github.com/voxfront/voxfront/pkg/kb"
)

// Strategy is the chosen answering path for a turn.
type Strategy string

const (
	// StrategyDirect speaks a curated answer verbatim, no generation.
	StrategyDirect Strategy = "direct"

	// StrategyGrounded generates with retrieved passages in the prompt.
	StrategyGrounded Strategy = "grounded"

	// StrategyOpen generates without retrieval.
	StrategyOpen Strategy = "open"
)

// Tier labels the confidence band behind a decision.
type Tier string

const (
	TierHigh Tier = "high"
	TierMid  Tier = "mid"
	TierLow  Tier = "low"
	TierNone Tier = "none"
)

// Decision is the routing outcome for one caller question.
type Decision struct {
	Strategy Strategy
	Tier     Tier

	// Answer is the curated response, set only for StrategyDirect.
	Answer string

	// Passages are the retrieved hits, set for StrategyGrounded.
	Passages []kb.Result

	// TopScore is the best similarity seen, for logging.
	TopScore float64
}

// Searcher is the retrieval interface the router consumes.
type Searcher interface {
	Search(ctx context.Context, query string, k int) ([]kb.Result, error)
}

// Config holds routing thresholds. All scores are cosine similarity,
// higher is better.
type Config struct {
	// MinScore drops hits below it entirely.
	MinScore float64

	// MidScore is the grounded-generation band floor.
	MidScore float64

	// HighScore is the verbatim-answer band floor.
	HighScore float64

	// TopK is how many hits to retrieve.
	TopK int

	// Keywords gate retrieval: a question containing none of them skips
	// the knowledge base. Empty list disables the gate.
	Keywords []string

	Logger *slog.Logger
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		MinScore:  0.40,
		MidScore:  0.60,
		HighScore: 0.85,
		TopK:      3,
	}
}

// Router gates each turn through the knowledge base.
type Router struct {
	index  Searcher
	config Config
	logger *slog.Logger
}

// New creates a router over the given index. A nil index routes
// everything open.
func New(index Searcher, config Config) *Router {
	if config.TopK <= 0 {
		config.TopK = 3
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		index:  index,
		config: config,
		logger: logger.With("component", "router"),
	}
}

// Route picks the answering strategy for one caller question.
func (r *Router) Route(ctx context.Context, query string) Decision {
	if r.index == nil || !r.inDomain(query) {
		return Decision{Strategy: StrategyOpen, Tier: TierNone}
	}

	hits, err := r.index.Search(ctx, query, r.config.TopK)
	if err != nil {
		r.logger.Warn("retrieval failed, answering open", "error", err)
		return Decision{Strategy: StrategyOpen, Tier: TierNone}
	}

	kept := hits[:0:len(hits)]
	for _, h := range hits {
		if h.Score >= r.config.MinScore {
			kept = append(kept, h)
		}
	}
	if len(kept) == 0 {
		return Decision{Strategy: StrategyOpen, Tier: TierNone}
	}

	top := kept[0]
	switch {
	case top.Score >= r.config.HighScore && top.Entry.Kind == kb.KindQA:
		return Decision{
			Strategy: StrategyDirect,
			Tier:     TierHigh,
			Answer:   top.Entry.Answer,
			TopScore: top.Score,
		}
	case top.Score >= r.config.MidScore:
		return Decision{
			Strategy: StrategyGrounded,
			Tier:     TierMid,
			Passages: kept,
			TopScore: top.Score,
		}
	default:
		return Decision{
			Strategy: StrategyGrounded,
			Tier:     TierLow,
			Passages: kept,
			TopScore: top.Score,
		}
	}
}

// inDomain reports whether the question mentions any domain keyword.
func (r *Router) inDomain(query string) bool {
	if len(r.config.Keywords) == 0 {
		return true
	}
	q := strings.ToLower(query)
	for _, kw := range r.config.Keywords {
		if strings.Contains(q, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

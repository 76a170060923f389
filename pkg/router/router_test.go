package router

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/voxfront/voxfront/pkg/kb"
)

// mockIndex serves scripted hits and records search calls.
type mockIndex struct {
	mu    sync.Mutex
	hits  []kb.Result
	err   error
	calls int
}

func (m *mockIndex) Search(ctx context.Context, query string, k int) ([]kb.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	if k > len(m.hits) {
		k = len(m.hits)
	}
	return m.hits[:k], nil
}

func (m *mockIndex) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func qaHit(score float64, answer string) kb.Result {
	return kb.Result{
		Entry: kb.Entry{Kind: kb.KindQA, Question: "q", Answer: answer},
		Score: score,
	}
}

func textHit(score float64) kb.Result {
	return kb.Result{
		Entry: kb.Entry{Kind: kb.KindText, Text: "passage"},
		Score: score,
	}
}

func TestRoute(t *testing.T) {
	config := DefaultConfig()

	t.Run("strong curated match answers verbatim", func(t *testing.T) {
		index := &mockIndex{hits: []kb.Result{qaHit(0.92, "We open at eight.")}}
		r := New(index, config)

		d := r.Route(context.Background(), "what time do you open")
		if d.Strategy != StrategyDirect || d.Tier != TierHigh {
			t.Fatalf("expected direct/high, got %s/%s", d.Strategy, d.Tier)
		}
		if d.Answer != "We open at eight." {
			t.Errorf("curated answer not carried: %q", d.Answer)
		}
		if len(d.Passages) != 0 {
			t.Error("direct decisions carry no passages")
		}
	})

	t.Run("mid score grounds generation", func(t *testing.T) {
		index := &mockIndex{hits: []kb.Result{qaHit(0.65, "a"), textHit(0.55)}}
		r := New(index, config)

		d := r.Route(context.Background(), "do I need to fast")
		if d.Strategy != StrategyGrounded || d.Tier != TierMid {
			t.Fatalf("expected grounded/mid, got %s/%s", d.Strategy, d.Tier)
		}
		if len(d.Passages) != 2 {
			t.Errorf("expected 2 passages, got %d", len(d.Passages))
		}
	})

	t.Run("high score on free text stays grounded", func(t *testing.T) {
		index := &mockIndex{hits: []kb.Result{textHit(0.91)}}
		r := New(index, config)

		d := r.Route(context.Background(), "fasting rules")
		if d.Strategy != StrategyGrounded {
			t.Errorf("text hits never answer verbatim, got %s", d.Strategy)
		}
	})

	t.Run("low score grounds weakly", func(t *testing.T) {
		index := &mockIndex{hits: []kb.Result{textHit(0.45)}}
		r := New(index, config)

		d := r.Route(context.Background(), "something vague")
		if d.Strategy != StrategyGrounded || d.Tier != TierLow {
			t.Fatalf("expected grounded/low, got %s/%s", d.Strategy, d.Tier)
		}
	})

	t.Run("below minimum goes open", func(t *testing.T) {
		index := &mockIndex{hits: []kb.Result{textHit(0.2), textHit(0.1)}}
		r := New(index, config)

		d := r.Route(context.Background(), "unrelated")
		if d.Strategy != StrategyOpen || d.Tier != TierNone {
			t.Fatalf("expected open/none, got %s/%s", d.Strategy, d.Tier)
		}
	})

	t.Run("off-domain question skips retrieval", func(t *testing.T) {
		index := &mockIndex{hits: []kb.Result{qaHit(0.99, "a")}}
		cfg := config
		cfg.Keywords = []string{"open", "parking", "appointment"}
		r := New(index, cfg)

		d := r.Route(context.Background(), "tell me a joke")
		if d.Strategy != StrategyOpen {
			t.Fatalf("expected open, got %s", d.Strategy)
		}
		if index.callCount() != 0 {
			t.Errorf("expected zero retrieval calls, got %d", index.callCount())
		}

		// An in-domain question does hit the index.
		r.Route(context.Background(), "where can I find Parking")
		if index.callCount() != 1 {
			t.Errorf("expected one retrieval call, got %d", index.callCount())
		}
	})

	t.Run("retrieval error degrades to open", func(t *testing.T) {
		index := &mockIndex{err: errors.New("embedder down")}
		r := New(index, config)

		d := r.Route(context.Background(), "what time do you open")
		if d.Strategy != StrategyOpen || d.Tier != TierNone {
			t.Fatalf("expected open on error, got %s/%s", d.Strategy, d.Tier)
		}
	})

	t.Run("nil index routes open", func(t *testing.T) {
		r := New(nil, config)
		if d := r.Route(context.Background(), "anything"); d.Strategy != StrategyOpen {
			t.Errorf("expected open, got %s", d.Strategy)
		}
	})

	t.Run("raising thresholds never adds kb answers", func(t *testing.T) {
		queries := []float64{0.3, 0.45, 0.62, 0.7, 0.86, 0.95}
		count := func(cfg Config) int {
			n := 0
			for _, score := range queries {
				index := &mockIndex{hits: []kb.Result{qaHit(score, "a")}}
				d := New(index, cfg).Route(context.Background(), "q")
				if d.Strategy != StrategyOpen {
					n++
				}
			}
			return n
		}

		base := count(config)
		for _, raised := range []Config{
			{MinScore: 0.5, MidScore: 0.6, HighScore: 0.85, TopK: 3},
			{MinScore: 0.4, MidScore: 0.75, HighScore: 0.85, TopK: 3},
			{MinScore: 0.4, MidScore: 0.6, HighScore: 0.95, TopK: 3},
			{MinScore: 0.6, MidScore: 0.8, HighScore: 0.99, TopK: 3},
		} {
			if got := count(raised); got > base {
				t.Errorf("raising thresholds %+v increased kb answers: %d > %d", raised, got, base)
			}
		}
	})
}

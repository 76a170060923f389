// Package kb holds the clinic knowledge base: a small curated corpus
// embedded once at startup and searched by cosine similarity at call
// time. The index is read-only after Load, so concurrent searches need
// no locking.
package kb

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/voxfront/voxfront/pkg/inference"
)

// Kind distinguishes curated question/answer pairs from free text.
type Kind string

const (
	// KindQA is a curated pair whose Answer can be spoken verbatim.
	KindQA Kind = "qa"

	// KindText is background material used only for grounding.
	KindText Kind = "text"
)

// Entry is one knowledge base item.
type Entry struct {
	// ID identifies the entry in logs.
	ID string `yaml:"id"`

	// Kind is qa or text. Defaults to text when a Question is absent.
	Kind Kind `yaml:"kind"`

	// Question is the canonical phrasing for qa entries.
	Question string `yaml:"question"`

	// Answer is the curated response for qa entries.
	Answer string `yaml:"answer"`

	// Text is the content for text entries.
	Text string `yaml:"text"`

	// Tags are free-form labels.
	Tags []string `yaml:"tags"`
}

// content returns the text that gets embedded for this entry.
func (e *Entry) content() string {
	if e.Kind == KindQA {
		return e.Question
	}
	return e.Text
}

// Result is one search hit.
type Result struct {
	Entry Entry

	// Score is cosine similarity against the query, higher is better.
	Score float64
}

// Embedder is the subset of the inference provider the index needs.
type Embedder interface {
	Embed(ctx context.Context, req *inference.EmbedRequest) (*inference.EmbedResponse, error)
}

// Errors returned by the index.
var (
	ErrEmptyCorpus = errors.New("kb: corpus has no entries")
	ErrNotLoaded   = errors.New("kb: index not loaded")
)

type corpusFile struct {
	Entries []Entry `yaml:"entries"`
}

// Index is the in-memory vector index over the corpus.
type Index struct {
	embedder Embedder
	entries  []Entry
	vectors  [][]float64
}

// LoadFile reads a YAML corpus and builds the index.
func LoadFile(ctx context.Context, path string, embedder Embedder) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("kb: read corpus: %w", err)
	}
	return Load(ctx, data, embedder)
}

// Load parses YAML corpus data and embeds every entry.
func Load(ctx context.Context, data []byte, embedder Embedder) (*Index, error) {
	var corpus corpusFile
	if err := yaml.Unmarshal(data, &corpus); err != nil {
		return nil, fmt.Errorf("kb: parse corpus: %w", err)
	}

	entries := make([]Entry, 0, len(corpus.Entries))
	for i, e := range corpus.Entries {
		if e.Kind == "" {
			if e.Question != "" {
				e.Kind = KindQA
			} else {
				e.Kind = KindText
			}
		}
		switch e.Kind {
		case KindQA:
			if e.Question == "" || e.Answer == "" {
				return nil, fmt.Errorf("kb: entry %d (%s): qa entries need question and answer", i, e.ID)
			}
		case KindText:
			if e.Text == "" {
				return nil, fmt.Errorf("kb: entry %d (%s): text entries need text", i, e.ID)
			}
		default:
			return nil, fmt.Errorf("kb: entry %d (%s): unknown kind %q", i, e.ID, e.Kind)
		}
		entries = append(entries, e)
	}
	if len(entries) == 0 {
		return nil, ErrEmptyCorpus
	}

	inputs := make([]string, len(entries))
	for i := range entries {
		inputs[i] = entries[i].content()
	}

	resp, err := embedder.Embed(ctx, &inference.EmbedRequest{Input: inputs})
	if err != nil {
		return nil, fmt.Errorf("kb: embed corpus: %w", err)
	}
	if len(resp.Embeddings) != len(entries) {
		return nil, fmt.Errorf("kb: embedder returned %d vectors for %d entries", len(resp.Embeddings), len(entries))
	}

	vectors := make([][]float64, len(entries))
	for i, v := range resp.Embeddings {
		vectors[i] = normalize(v)
	}

	return &Index{embedder: embedder, entries: entries, vectors: vectors}, nil
}

// Len returns the entry count.
func (idx *Index) Len() int {
	if idx == nil {
		return 0
	}
	return len(idx.entries)
}

// Search embeds the query and returns the top k entries by cosine
// similarity, best first.
func (idx *Index) Search(ctx context.Context, query string, k int) ([]Result, error) {
	if idx == nil || len(idx.entries) == 0 {
		return nil, ErrNotLoaded
	}
	query = strings.TrimSpace(query)
	if query == "" || k <= 0 {
		return nil, nil
	}

	resp, err := idx.embedder.Embed(ctx, &inference.EmbedRequest{Input: []string{query}})
	if err != nil {
		return nil, fmt.Errorf("kb: embed query: %w", err)
	}
	if len(resp.Embeddings) != 1 {
		return nil, fmt.Errorf("kb: embedder returned %d vectors for one query", len(resp.Embeddings))
	}
	qv := normalize(resp.Embeddings[0])

	results := make([]Result, 0, len(idx.entries))
	for i := range idx.entries {
		results = append(results, Result{
			Entry: idx.entries[i],
			Score: dot(qv, idx.vectors[i]),
		})
	}
	sort.SliceStable(results, func(a, b int) bool {
		return results[a].Score > results[b].Score
	})

	if k > len(results) {
		k = len(results)
	}
	return results[:k], nil
}

// normalize scales a vector to unit length so dot product equals cosine
// similarity.
func normalize(v []float64) []float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	if sum == 0 {
		return v
	}
	inv := 1 / math.Sqrt(sum)
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = x * inv
	}
	return out
}

func dot(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}

package orchestrator

import (
	"sync"
	"time"
)

// TurnMetrics tracks latency through one caller turn. All durations are
// measured from the final transcript, the moment the caller stopped
// talking and the pipeline took over.
type TurnMetrics struct {
	Strategy string

	TranscriptAt    time.Time // final ASR result received
	FirstSentenceAt time.Time // first reply sentence ready
	FirstAudioAt    time.Time // first synthesized audio enqueued
	CompleteAt      time.Time // last audio enqueued

	ToFirstSentence time.Duration
	ToFirstAudio    time.Duration
	Total           time.Duration

	Sentences int
}

// Snapshot is a point-in-time view of the collector for /metrics.
type Snapshot struct {
	TurnsByStrategy map[string]int64
	BargeIns        int64
	Apologies       int64
	LastTurn        TurnMetrics
	AvgToFirstAudio time.Duration
}

// Collector aggregates turn metrics across calls. Goroutine safe.
type Collector struct {
	mu      sync.Mutex
	active  map[string]*TurnMetrics
	turns   map[string]int64
	history []TurnMetrics

	bargeIns  int64
	apologies int64
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{
		active: make(map[string]*TurnMetrics),
		turns:  make(map[string]int64),
	}
}

// StartTurn opens a turn for the session at its final transcript.
func (c *Collector) StartTurn(sessionID, strategy string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active[sessionID] = &TurnMetrics{
		Strategy:     strategy,
		TranscriptAt: time.Now(),
	}
}

// MarkFirstSentence records the first reply sentence for the session's
// open turn.
func (c *Collector) MarkFirstSentence(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.active[sessionID]
	if t == nil || !t.FirstSentenceAt.IsZero() {
		return
	}
	t.FirstSentenceAt = time.Now()
	t.ToFirstSentence = t.FirstSentenceAt.Sub(t.TranscriptAt)
}

// MarkSentence counts one emitted sentence and records first audio.
func (c *Collector) MarkSentence(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.active[sessionID]
	if t == nil {
		return
	}
	t.Sentences++
	if t.FirstAudioAt.IsZero() {
		t.FirstAudioAt = time.Now()
		t.ToFirstAudio = t.FirstAudioAt.Sub(t.TranscriptAt)
	}
}

// CompleteTurn closes the session's open turn and folds it into the
// aggregates.
func (c *Collector) CompleteTurn(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.active[sessionID]
	if t == nil {
		return
	}
	delete(c.active, sessionID)

	t.CompleteAt = time.Now()
	t.Total = t.CompleteAt.Sub(t.TranscriptAt)

	c.turns[t.Strategy]++
	c.history = append(c.history, *t)
	if len(c.history) > 100 {
		c.history = c.history[1:]
	}
}

// AbandonTurn drops the session's open turn without counting it, for
// barge-in and teardown.
func (c *Collector) AbandonTurn(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, sessionID)
}

// CountBargeIn increments the interruption counter.
func (c *Collector) CountBargeIn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bargeIns++
}

// CountApology increments the degraded-turn counter.
func (c *Collector) CountApology() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apologies++
}

// Snapshot returns current aggregates.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	turns := make(map[string]int64, len(c.turns))
	for k, v := range c.turns {
		turns[k] = v
	}

	snap := Snapshot{
		TurnsByStrategy: turns,
		BargeIns:        c.bargeIns,
		Apologies:       c.apologies,
	}
	if len(c.history) > 0 {
		snap.LastTurn = c.history[len(c.history)-1]
		var sum time.Duration
		for _, t := range c.history {
			sum += t.ToFirstAudio
		}
		snap.AvgToFirstAudio = sum / time.Duration(len(c.history))
	}
	return snap
}

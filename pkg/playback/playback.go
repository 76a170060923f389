// Package playback paces synthesized audio out to the carrier.
//
// The carrier accepts media frames as fast as we can write them, but its
// playout buffer is shallow and anything buffered there cannot be
// recalled cleanly on barge-in. The scheduler therefore meters chunks
// out at roughly real-time speed and keeps the carrier-side buffer
// small, so a cancel takes effect within a chunk or two of wall time.
package playback

import (
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxfront/voxfront/pkg/g711"
)

// Sink receives paced audio. Implemented by the carrier media stream.
type Sink interface {
	// SendMedia writes one µ-law chunk to the caller.
	SendMedia(chunk []byte) error

	// SendMark asks the carrier to report when playout reaches this point.
	SendMark(name string) error

	// SendClear flushes the carrier's playout buffer.
	SendClear() error
}

// Config holds scheduler tuning. Zero values take defaults.
type Config struct {
	// ChunkMs is the duration of one outbound chunk.
	ChunkMs int

	// HighWater is the unacknowledged chunk count above which pacing
	// slows down.
	HighWater int

	// PrimeMs delays the first chunk of utterances shorter than itself,
	// letting very short clips accumulate before playout starts.
	PrimeMs int

	// QueueDepth bounds the utterance queue.
	QueueDepth int

	Logger *slog.Logger
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.ChunkMs <= 0 {
		out.ChunkMs = 20
	}
	if out.HighWater <= 0 {
		out.HighWater = 10
	}
	if out.PrimeMs <= 0 {
		out.PrimeMs = 120
	}
	if out.QueueDepth <= 0 {
		out.QueueDepth = 64
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// chunkBytes is the µ-law byte count per chunk, one byte per sample.
func (c Config) chunkBytes() int {
	return g711.CarrierRate * c.ChunkMs / 1000
}

type utterance struct {
	audio []byte
	epoch uint64
}

// Scheduler paces one call's outbound audio. Utterances play in FIFO
// order; Cancel drops everything queued and tells the carrier to flush.
type Scheduler struct {
	sink   Sink
	config Config
	logger *slog.Logger

	mu    sync.Mutex
	queue []utterance
	epoch uint64

	inflight atomic.Int64
	sent     atomic.Int64

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewScheduler creates and starts a scheduler writing to sink.
func NewScheduler(sink Sink, config Config) *Scheduler {
	cfg := config.withDefaults()
	s := &Scheduler{
		sink:   sink,
		config: cfg,
		logger: cfg.Logger.With("component", "playback"),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Enqueue adds one utterance of µ-law audio to the playout queue.
// Returns false when the queue is full or the scheduler is closed.
func (s *Scheduler) Enqueue(audio []byte) bool {
	if len(audio) == 0 {
		return true
	}
	select {
	case <-s.done:
		return false
	default:
	}

	s.mu.Lock()
	if len(s.queue) >= s.config.QueueDepth {
		s.mu.Unlock()
		s.logger.Warn("playout queue full, dropping utterance", "bytes", len(audio))
		return false
	}
	s.queue = append(s.queue, utterance{audio: audio, epoch: s.epoch})
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// Cancel drops all queued audio, stops the in-progress utterance, and
// flushes the carrier playout buffer. The scheduler stays usable for
// subsequent utterances.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	s.epoch++
	dropped := len(s.queue)
	s.queue = nil
	s.mu.Unlock()

	s.inflight.Store(0)

	if err := s.sink.SendClear(); err != nil {
		s.logger.Warn("carrier clear failed", "error", err)
	}
	if dropped > 0 {
		s.logger.Debug("playout cancelled", "dropped_utterances", dropped)
	}
}

// Ack reports carrier playout progress, releasing backpressure.
func (s *Scheduler) Ack(chunks int) {
	if chunks <= 0 {
		return
	}
	if v := s.inflight.Add(-int64(chunks)); v < 0 {
		s.inflight.Store(0)
	}
}

// Inflight returns the unacknowledged chunk count.
func (s *Scheduler) Inflight() int {
	return int(s.inflight.Load())
}

// SentChunks returns the total chunk count sent since creation.
func (s *Scheduler) SentChunks() int {
	return int(s.sent.Load())
}

// Close stops the scheduler. Queued audio is discarded.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Scheduler) run() {
	for {
		utt, ok := s.pop()
		if !ok {
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		s.play(utt)
	}
}

func (s *Scheduler) pop() (utterance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return utterance{}, false
	}
	utt := s.queue[0]
	s.queue = s.queue[1:]
	return utt, true
}

func (s *Scheduler) play(utt utterance) {
	chunkBytes := s.config.chunkBytes()
	primeBytes := g711.CarrierRate * s.config.PrimeMs / 1000

	// Short clips start after a small buffer delay so the carrier does
	// not underrun mid-clip.
	if len(utt.audio) < primeBytes {
		if !s.sleep(time.Duration(s.config.PrimeMs/2) * time.Millisecond) {
			return
		}
	}

	for offset := 0; offset < len(utt.audio); offset += chunkBytes {
		end := offset + chunkBytes
		if end > len(utt.audio) {
			end = len(utt.audio)
		}

		if !s.sendChunk(utt.epoch, utt.audio[offset:end]) {
			return
		}

		if !s.sleep(s.chunkDelay()) {
			return
		}
	}
}

// sendChunk writes one chunk unless the utterance's epoch has been
// cancelled. The epoch check and the write happen under the same lock
// Cancel takes, so no chunk of a cancelled utterance escapes after
// Cancel returns.
func (s *Scheduler) sendChunk(epoch uint64, chunk []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if epoch != s.epoch {
		return false
	}
	if err := s.sink.SendMedia(chunk); err != nil {
		s.logger.Warn("media send failed", "error", err)
		return false
	}
	s.inflight.Add(1)
	seq := s.sent.Add(1)

	// A mark per chunk lets the carrier's playout reports drive Ack, so
	// the in-flight count tracks what the caller has actually heard.
	if err := s.sink.SendMark(strconv.FormatInt(seq, 10)); err != nil {
		s.logger.Warn("mark send failed", "error", err)
	}
	return true
}

// chunkDelay returns the inter-chunk pause. At or below the high-water
// mark this is real-time pacing; above it the delay grows in proportion
// to the backlog.
func (s *Scheduler) chunkDelay() time.Duration {
	base := time.Duration(s.config.ChunkMs) * time.Millisecond
	inflight := s.inflight.Load()
	hw := int64(s.config.HighWater)
	if inflight <= hw {
		return base
	}
	return base * time.Duration(inflight) / time.Duration(hw)
}

func (s *Scheduler) sleep(d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-s.done:
		return false
	}
}

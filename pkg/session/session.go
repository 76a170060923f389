// Package session owns per-call state. One Session exists per active
// carrier call; the Registry indexes sessions by the carrier's stream id
// and guarantees teardown runs exactly once per session.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/voxfront/voxfront/pkg/inference"
)

var (
	// ErrSessionExists is returned when a stream id is already registered.
	ErrSessionExists = errors.New("session: stream already registered")

	// ErrSessionNotFound is returned for unknown stream ids.
	ErrSessionNotFound = errors.New("session: not found")
)

// Session is the mutable state for one active call. History, flags, and
// queues are exclusively owned by the session; nothing here is shared
// across calls.
type Session struct {
	ID        string
	StreamSID string
	CreatedAt time.Time

	mu       sync.Mutex
	history  []inference.Message
	maxTurns int

	generating atomic.Bool
	cleared    atomic.Bool

	genMu     sync.Mutex
	genCancel context.CancelFunc

	closerMu sync.Mutex
	closers  []closer

	teardown sync.Once
	logger   *slog.Logger
}

type closer struct {
	name string
	fn   func() error
}

// TrySetGenerating atomically claims the session's single generation slot.
// Returns false if a generation is already active.
func (s *Session) TrySetGenerating() bool {
	return s.generating.CompareAndSwap(false, true)
}

// ClearGenerating releases the generation slot. Safe to call when no
// generation is active.
func (s *Session) ClearGenerating() {
	s.generating.Store(false)
}

// IsGenerating reports whether a generation is active for this session.
func (s *Session) IsGenerating() bool {
	return s.generating.Load()
}

// SetGenerationCancel stores the cancel func for the in-flight generation.
func (s *Session) SetGenerationCancel(cancel context.CancelFunc) {
	s.genMu.Lock()
	s.genCancel = cancel
	s.genMu.Unlock()
}

// CancelGeneration cancels the in-flight generation, if any.
func (s *Session) CancelGeneration() {
	s.genMu.Lock()
	cancel := s.genCancel
	s.genCancel = nil
	s.genMu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// MarkCleared sets the interruption flag. The playback scheduler and reply
// streamer poll this before every chunk and every token.
func (s *Session) MarkCleared() {
	s.cleared.Store(true)
}

// ResetCleared clears the interruption flag for a fresh turn.
func (s *Session) ResetCleared() {
	s.cleared.Store(false)
}

// IsCleared reports whether the current turn has been interrupted.
func (s *Session) IsCleared() bool {
	return s.cleared.Load()
}

// AppendTurn records one conversation message, trimming the oldest turns
// once the bound is exceeded. Only bare user text and final reply text
// belong here, never retrieval-augmented prompts.
func (s *Session) AppendTurn(msg inference.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history, msg)

	// Two messages per turn: user and assistant.
	max := s.maxTurns * 2
	if max > 0 && len(s.history) > max {
		s.history = s.history[len(s.history)-max:]
	}
}

// History returns a copy of the recorded turns.
func (s *Session) History() []inference.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]inference.Message, len(s.history))
	copy(out, s.history)
	return out
}

// AddCloser registers a resource to release on teardown. Closers run in
// reverse registration order.
func (s *Session) AddCloser(name string, fn func() error) {
	s.closerMu.Lock()
	s.closers = append(s.closers, closer{name: name, fn: fn})
	s.closerMu.Unlock()
}

// Destroy cancels any in-flight generation and releases every registered
// resource. Idempotent: the second and later calls are no-ops.
func (s *Session) Destroy() {
	s.teardown.Do(func() {
		s.MarkCleared()
		s.CancelGeneration()

		s.closerMu.Lock()
		closers := s.closers
		s.closers = nil
		s.closerMu.Unlock()

		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].fn(); err != nil {
				s.logger.Warn("closer failed during teardown",
					"closer", closers[i].name,
					"error", err,
				)
			}
		}

		s.logger.Info("session destroyed",
			"session_id", s.ID,
			"stream_sid", s.StreamSID,
			"age", time.Since(s.CreatedAt).Round(time.Millisecond),
		)
	})
}

// Registry indexes active sessions by carrier stream id.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	maxTurns int
	logger   *slog.Logger
}

// NewRegistry creates an empty registry. maxTurns bounds per-session
// conversation history.
func NewRegistry(maxTurns int, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		maxTurns: maxTurns,
		logger:   logger.With("component", "session.registry"),
	}
}

// Create registers a new session for a carrier stream.
func (r *Registry) Create(streamSID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[streamSID]; exists {
		return nil, ErrSessionExists
	}

	sess := &Session{
		ID:        uuid.NewString(),
		StreamSID: streamSID,
		CreatedAt: time.Now(),
		maxTurns:  r.maxTurns,
		logger:    r.logger,
	}
	r.sessions[streamSID] = sess

	r.logger.Info("session created",
		"session_id", sess.ID,
		"stream_sid", streamSID,
		"active", len(r.sessions),
	)
	return sess, nil
}

// Get looks up the session for a stream id.
func (r *Registry) Get(streamSID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[streamSID]
	return sess, ok
}

// Destroy removes and tears down the session for a stream id. Destroying
// an unknown or already-destroyed stream is a no-op.
func (r *Registry) Destroy(streamSID string) {
	r.mu.Lock()
	sess, ok := r.sessions[streamSID]
	if ok {
		delete(r.sessions, streamSID)
	}
	r.mu.Unlock()

	if ok {
		sess.Destroy()
	}
}

// DestroyAll tears down every active session. Used on shutdown.
func (r *Registry) DestroyAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Destroy()
	}
}

// Count returns the number of active sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

package stt

import (
	"context"
	"sync"
	"time"
)

// Mock implements Provider for testing.
type Mock struct {
	// StartStreamFunc overrides stream creation.
	StartStreamFunc func(ctx context.Context) (Stream, error)
	HealthFunc      func(ctx context.Context) error

	// Scripted results served by default streams, in order.
	Scripted []Result

	mu      sync.Mutex
	calls   []string
	streams []*MockStream
}

// NewMock creates a mock provider.
func NewMock() *Mock {
	return &Mock{}
}

// WithError returns a mock where stream creation fails with err.
func (m *Mock) WithError(err error) *Mock {
	m.StartStreamFunc = func(ctx context.Context) (Stream, error) {
		return nil, err
	}
	m.HealthFunc = func(ctx context.Context) error {
		return err
	}
	return m
}

// WithResults scripts the results future streams will deliver.
func (m *Mock) WithResults(results ...Result) *Mock {
	m.Scripted = results
	return m
}

func (m *Mock) record(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, method)
}

// CallCount returns the number of calls to the given method.
func (m *Mock) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, c := range m.calls {
		if c == method {
			count++
		}
	}
	return count
}

// Streams returns all streams the mock has created.
func (m *Mock) Streams() []*MockStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	streams := make([]*MockStream, len(m.streams))
	copy(streams, m.streams)
	return streams
}

// StartStream returns a scripted stream by default.
func (m *Mock) StartStream(ctx context.Context) (Stream, error) {
	m.record("StartStream")
	if m.StartStreamFunc != nil {
		return m.StartStreamFunc(ctx)
	}

	stream := NewMockStream()
	m.mu.Lock()
	m.streams = append(m.streams, stream)
	scripted := m.Scripted
	m.mu.Unlock()

	go func() {
		for _, r := range scripted {
			if r.Timestamp.IsZero() {
				r.Timestamp = time.Now()
			}
			if !stream.Deliver(r) {
				return
			}
		}
	}()
	return stream, nil
}

// Health succeeds by default.
func (m *Mock) Health(ctx context.Context) error {
	m.record("Health")
	if m.HealthFunc != nil {
		return m.HealthFunc(ctx)
	}
	return nil
}

// Close records the call.
func (m *Mock) Close() error {
	m.record("Close")
	return nil
}

// MockStream is a controllable Stream for tests. Tests push results with
// Deliver and inspect received audio with Audio.
type MockStream struct {
	mu      sync.Mutex
	audio   [][]byte
	results chan Result
	done    chan struct{}
	closed  bool
	err     error
}

// NewMockStream creates an open mock stream.
func NewMockStream() *MockStream {
	return &MockStream{
		results: make(chan Result, 32),
		done:    make(chan struct{}),
	}
}

// SendAudio records the chunk.
func (s *MockStream) SendAudio(pcm16 []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	chunk := make([]byte, len(pcm16))
	copy(chunk, pcm16)
	s.audio = append(s.audio, chunk)
	return nil
}

// Audio returns all chunks sent so far.
func (s *MockStream) Audio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	audio := make([][]byte, len(s.audio))
	copy(audio, s.audio)
	return audio
}

// Deliver pushes a result to the consumer. Returns false if the stream
// is closed or the buffer is full.
func (s *MockStream) Deliver(r Result) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.results <- r:
		return true
	default:
		return false
	}
}

// Fail records a terminal error and closes the results channel.
func (s *MockStream) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.err = err
	s.closed = true
	close(s.done)
	close(s.results)
}

func (s *MockStream) Results() <-chan Result {
	return s.results
}

func (s *MockStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *MockStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	close(s.results)
	return nil
}

// Verify mocks implement their interfaces at compile time.
var (
	_ Provider = (*Mock)(nil)
	_ Stream   = (*MockStream)(nil)
)

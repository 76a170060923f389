package tts

import (
	"context"
	"sync"
	"time"
)

// Mock implements Provider for testing.
// Configure behavior via the function fields, or use the defaults which
// return µ-law silence sized to a fixed speaking rate.
type Mock struct {
	SynthesizeFunc func(ctx context.Context, text string) (*AudioResult, error)
	StreamFunc     func(ctx context.Context, text string) (AudioStream, error)
	HealthFunc     func(ctx context.Context) error
	CloseFunc      func() error

	// Latency is added before every Synthesize and Stream call.
	Latency time.Duration

	mu    sync.Mutex
	calls []MockCall
}

// MockCall records a single call to the mock.
type MockCall struct {
	Method string
	Text   string
	Time   time.Time
}

// NewMock creates a mock provider with default behavior.
func NewMock() *Mock {
	return &Mock{}
}

// WithError returns a mock where every operation fails with err.
func (m *Mock) WithError(err error) *Mock {
	m.SynthesizeFunc = func(ctx context.Context, text string) (*AudioResult, error) {
		return nil, err
	}
	m.StreamFunc = func(ctx context.Context, text string) (AudioStream, error) {
		return nil, err
	}
	m.HealthFunc = func(ctx context.Context) error {
		return err
	}
	return m
}

// WithLatency returns a mock that sleeps before responding.
func (m *Mock) WithLatency(d time.Duration) *Mock {
	m.Latency = d
	return m
}

func (m *Mock) record(method, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MockCall{
		Method: method,
		Text:   text,
		Time:   time.Now(),
	})
}

// Calls returns a copy of all recorded calls.
func (m *Mock) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	calls := make([]MockCall, len(m.calls))
	copy(calls, m.calls)
	return calls
}

// CallCount returns the number of calls to the given method.
func (m *Mock) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, c := range m.calls {
		if c.Method == method {
			count++
		}
	}
	return count
}

// Reset clears recorded calls.
func (m *Mock) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

func (m *Mock) wait(ctx context.Context) error {
	if m.Latency <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(m.Latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// mockAudio generates µ-law silence sized to roughly 15 chars/second of
// speech, one byte per sample at 8kHz.
func mockAudio(text string) []byte {
	seconds := float64(len(text)) / 15.0
	n := int(seconds * 8000)
	if n < 160 {
		n = 160
	}
	audio := make([]byte, n)
	for i := range audio {
		audio[i] = 0xFF // µ-law zero
	}
	return audio
}

func mockFormat() AudioFormat {
	return AudioFormat{
		Encoding:   EncodingULaw,
		SampleRate: 8000,
		Channels:   1,
		BitDepth:   8,
	}
}

// Synthesize records the call and returns silence by default.
func (m *Mock) Synthesize(ctx context.Context, text string) (*AudioResult, error) {
	m.record("Synthesize", text)
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	if m.SynthesizeFunc != nil {
		return m.SynthesizeFunc(ctx, text)
	}

	audio := mockAudio(text)
	format := mockFormat()
	return &AudioResult{
		Audio:     audio,
		Format:    format,
		Duration:  EstimateDuration(format.Encoding, len(audio)),
		CharCount: len(text),
	}, nil
}

// Stream records the call and returns the default audio in chunks.
func (m *Mock) Stream(ctx context.Context, text string) (AudioStream, error) {
	m.record("Stream", text)
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	if m.StreamFunc != nil {
		return m.StreamFunc(ctx, text)
	}
	return NewMockStream(mockAudio(text), mockFormat()), nil
}

// Health records the call and succeeds by default.
func (m *Mock) Health(ctx context.Context) error {
	m.record("Health", "")
	if m.HealthFunc != nil {
		return m.HealthFunc(ctx)
	}
	return nil
}

// Close records the call and succeeds by default.
func (m *Mock) Close() error {
	m.record("Close", "")
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

// MockStream is an in-memory AudioStream for tests.
type MockStream struct {
	format    AudioFormat
	chunks    [][]byte
	pos       int
	closed    bool
	ChunkSize int
}

// NewMockStream creates a stream serving the audio in fixed-size chunks.
func NewMockStream(audio []byte, format AudioFormat) *MockStream {
	const chunkSize = 1024
	var chunks [][]byte
	for len(audio) > 0 {
		n := chunkSize
		if n > len(audio) {
			n = len(audio)
		}
		chunks = append(chunks, audio[:n])
		audio = audio[n:]
	}
	return &MockStream{format: format, chunks: chunks, ChunkSize: chunkSize}
}

// Read returns the next chunk, or nil when exhausted.
func (s *MockStream) Read() ([]byte, error) {
	if s.closed {
		return nil, ErrStreamClosed
	}
	if s.pos >= len(s.chunks) {
		return nil, nil
	}
	chunk := s.chunks[s.pos]
	s.pos++
	return chunk, nil
}

func (s *MockStream) Close() error {
	s.closed = true
	return nil
}

func (s *MockStream) Format() AudioFormat {
	return s.format
}

// Verify mocks implement their interfaces at compile time.
var (
	_ Provider    = (*Mock)(nil)
	_ AudioStream = (*MockStream)(nil)
)

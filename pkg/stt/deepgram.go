package stt

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxfront/voxfront/internal/httpc"
)

const (
	deepgramWSHost   = "api.deepgram.com"
	deepgramHTTPBase = "https://api.deepgram.com/v1"
)

// Deepgram implements Provider using the Deepgram live transcription
// WebSocket API. One socket is dialed per call and stays open for the
// call's duration.
type Deepgram struct {
	config *Config
	logger *slog.Logger
}

// NewDeepgram creates a Deepgram STT provider.
func NewDeepgram(opts ...Option) (*Deepgram, error) {
	config := DefaultConfig()
	config.Apply(opts...)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Deepgram{
		config: config,
		logger: logger.With("component", "stt.deepgram"),
	}, nil
}

// StartStream dials the live transcription socket for one call.
func (d *Deepgram) StartStream(ctx context.Context) (Stream, error) {
	query := url.Values{
		"encoding":        {"linear16"},
		"sample_rate":     {strconv.Itoa(d.config.SampleRate)},
		"channels":        {"1"},
		"model":           {d.config.Model},
		"language":        {d.config.Language},
		"interim_results": {strconv.FormatBool(d.config.InterimResults)},
		"endpointing":     {strconv.Itoa(d.config.EndpointingMs)},
		"vad_events":      {"true"},
	}

	u := url.URL{
		Scheme:   "wss",
		Host:     deepgramWSHost,
		Path:     "/v1/listen",
		RawQuery: query.Encode(),
	}
	if d.config.BaseURL != "" {
		parsed, err := url.Parse(d.config.BaseURL)
		if err != nil {
			return nil, WrapError("deepgram", fmt.Errorf("parse base url: %w", err))
		}
		u.Scheme = parsed.Scheme
		u.Host = parsed.Host
		if parsed.Path != "" {
			u.Path = parsed.Path
		}
	}

	header := http.Header{}
	header.Set("Authorization", "Token "+d.config.APIKey)

	conn, err := d.dial(ctx, u.String(), header)
	if err != nil {
		return nil, err
	}

	s := &deepgramStream{
		conn:    conn,
		config:  d.config,
		results: make(chan Result, 32),
		send:    make(chan []byte, 64),
		done:    make(chan struct{}),
		logger:  d.logger,
	}
	go s.readLoop()
	go s.writeLoop()

	d.logger.Debug("recognition stream opened",
		"model", d.config.Model,
		"sample_rate", d.config.SampleRate,
	)
	return s, nil
}

// dial connects with backoff. A handshake rejection is returned as an
// APIError and never retried: bad credentials do not heal.
func (d *Deepgram) dial(ctx context.Context, url string, header http.Header) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.config.ConnectTimeout}

	var lastErr error
	delay := d.config.RetryDelay
	for attempt := 0; attempt <= d.config.MaxRetries; attempt++ {
		if attempt > 0 {
			d.logger.Warn("recognition dial retry", "attempt", attempt, "error", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, WrapError("deepgram", ctx.Err())
			}
			delay *= 2
		}

		conn, resp, err := dialer.DialContext(ctx, url, header)
		if err == nil {
			return conn, nil
		}
		if resp != nil {
			return nil, &APIError{
				Provider:   "deepgram",
				StatusCode: resp.StatusCode,
				Message:    "websocket handshake failed",
			}
		}
		lastErr = err
	}
	return nil, WrapError("deepgram", lastErr)
}

// Health verifies the API key against the projects endpoint.
func (d *Deepgram) Health(ctx context.Context) error {
	base := deepgramHTTPBase
	if d.config.BaseURL != "" {
		base = d.config.BaseURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/projects", nil)
	if err != nil {
		return WrapError("deepgram", err)
	}
	req.Header.Set("Authorization", "Token "+d.config.APIKey)

	resp, err := httpc.Do(req)
	if err != nil {
		return WrapError("deepgram", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &APIError{
			Provider:   "deepgram",
			StatusCode: resp.StatusCode,
			Message:    "health check failed",
		}
	}
	return nil
}

// Close releases resources. Streams own their connections.
func (d *Deepgram) Close() error {
	return nil
}

// deepgramStream is one live recognition socket.
type deepgramStream struct {
	conn    *websocket.Conn
	config  *Config
	results chan Result
	send    chan []byte
	done    chan struct{}
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
	err    error
}

// Wire message shapes for the live transcription protocol.
type deepgramMessage struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
	Duration float64 `json:"duration"`
}

type deepgramControl struct {
	Type string `json:"type"`
}

// SendAudio queues an audio chunk for the socket. Drops the chunk with a
// warning when the send buffer is full; stale audio is worse than a gap.
func (s *deepgramStream) SendAudio(pcm16 []byte) error {
	if s.isClosed() {
		return ErrStreamClosed
	}

	chunk := make([]byte, len(pcm16))
	copy(chunk, pcm16)

	select {
	case s.send <- chunk:
		return nil
	case <-s.done:
		return ErrStreamClosed
	default:
		s.logger.Warn("audio send buffer full, dropping chunk", "bytes", len(chunk))
		return nil
	}
}

func (s *deepgramStream) Results() <-chan Result {
	return s.results
}

func (s *deepgramStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *deepgramStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *deepgramStream) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.err = err
	}
}

func (s *deepgramStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)

	// Best effort close handshake so the server flushes final results.
	s.conn.WriteJSON(deepgramControl{Type: "CloseStream"})
	return s.conn.Close()
}

func (s *deepgramStream) writeLoop() {
	keepalive := time.NewTicker(s.config.KeepAliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-s.done:
			return
		case chunk := <-s.send:
			if err := s.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				s.logger.Warn("audio write failed", "error", err)
				return
			}
		case <-keepalive.C:
			if err := s.conn.WriteJSON(deepgramControl{Type: "KeepAlive"}); err != nil {
				return
			}
		}
	}
}

func (s *deepgramStream) readLoop() {
	defer close(s.results)

	for {
		if s.config.ReadTimeout > 0 {
			s.conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		}

		var msg deepgramMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.fail(WrapError("deepgram", err))
			}
			return
		}

		switch msg.Type {
		case "SpeechStarted":
			s.deliver(Result{
				SpeechStarted: true,
				Timestamp:     time.Now(),
			})
		case "Results":
			if len(msg.Channel.Alternatives) == 0 {
				continue
			}
			alt := msg.Channel.Alternatives[0]
			if alt.Transcript == "" && !msg.IsFinal {
				continue
			}
			s.deliver(Result{
				Text:       alt.Transcript,
				IsFinal:    msg.IsFinal,
				Confidence: alt.Confidence,
				Duration:   time.Duration(msg.Duration * float64(time.Second)),
				Timestamp:  time.Now(),
			})
		}
	}
}

func (s *deepgramStream) deliver(r Result) {
	select {
	case s.results <- r:
	case <-s.done:
	}
}

// Verify implementations at compile time.
var (
	_ Provider = (*Deepgram)(nil)
	_ Stream   = (*deepgramStream)(nil)
)

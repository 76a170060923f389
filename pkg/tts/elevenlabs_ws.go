package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

const elevenLabsWSHost = "api.elevenlabs.io"

// ElevenLabsWS implements Provider using the ElevenLabs WebSocket API.
// One connection is dialed per utterance. The socket starts returning
// audio before synthesis of the full text finishes, so time to first
// chunk is lower than the HTTP streaming endpoint for long utterances.
type ElevenLabsWS struct {
	config *Config
	logger *slog.Logger
}

// NewElevenLabsWS creates a WebSocket-based ElevenLabs provider.
func NewElevenLabsWS(opts ...Option) (*ElevenLabsWS, error) {
	config := DefaultConfig()
	config.Apply(opts...)

	if err := config.ValidateWithVoice(); err != nil {
		return nil, err
	}
	if _, ok := elevenLabsFormats[config.OutputFormat]; !ok {
		return nil, WrapError("elevenlabs_ws", fmt.Errorf("unsupported output format %q", config.OutputFormat))
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &ElevenLabsWS{
		config: config,
		logger: logger.With("component", "tts.elevenlabs_ws"),
	}, nil
}

// wsInitMessage opens the synthesis session on a fresh socket.
type wsInitMessage struct {
	Text          string                   `json:"text"`
	VoiceSettings *elevenLabsVoiceSettings `json:"voice_settings,omitempty"`
	APIKey        string                   `json:"xi_api_key"`
}

type wsTextMessage struct {
	Text  string `json:"text"`
	Flush bool   `json:"flush,omitempty"`
}

type wsAudioMessage struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// Synthesize streams the utterance over a WebSocket and returns the
// accumulated audio.
func (e *ElevenLabsWS) Synthesize(ctx context.Context, text string) (*AudioResult, error) {
	start := time.Now()

	stream, err := e.Stream(ctx, text)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var buf bytes.Buffer
	var latencyMs int64
	for {
		chunk, err := stream.Read()
		if err != nil {
			return nil, err
		}
		if chunk == nil {
			break
		}
		if buf.Len() == 0 && len(chunk) > 0 {
			latencyMs = time.Since(start).Milliseconds()
		}
		buf.Write(chunk)
	}

	format := stream.Format()
	return &AudioResult{
		Audio:     buf.Bytes(),
		Format:    format,
		Duration:  EstimateDuration(format.Encoding, buf.Len()),
		CharCount: len(text),
		LatencyMs: latencyMs,
	}, nil
}

// Stream dials a fresh synthesis socket for one utterance and returns
// audio chunks as the server produces them.
func (e *ElevenLabsWS) Stream(ctx context.Context, text string) (AudioStream, error) {
	u := url.URL{
		Scheme: "wss",
		Host:   elevenLabsWSHost,
		Path:   fmt.Sprintf("/v1/text-to-speech/%s/stream-input", e.config.VoiceID),
		RawQuery: url.Values{
			"model_id":      {e.config.ModelID},
			"output_format": {elevenLabsFormats[e.config.OutputFormat]},
		}.Encode(),
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, &APIError{
				Provider:   "elevenlabs_ws",
				StatusCode: resp.StatusCode,
				Message:    "websocket handshake failed",
			}
		}
		return nil, WrapError("elevenlabs_ws", err)
	}

	settings := e.config.VoiceSettings
	init := wsInitMessage{
		Text: " ",
		VoiceSettings: &elevenLabsVoiceSettings{
			Stability:       settings.Stability,
			SimilarityBoost: settings.SimilarityBoost,
			Style:           settings.Style,
			UseSpeakerBoost: settings.SpeakerBoost,
		},
		APIKey: e.config.APIKey,
	}
	if err := conn.WriteJSON(init); err != nil {
		conn.Close()
		return nil, WrapError("elevenlabs_ws", fmt.Errorf("send init: %w", err))
	}
	if err := conn.WriteJSON(wsTextMessage{Text: text + " ", Flush: true}); err != nil {
		conn.Close()
		return nil, WrapError("elevenlabs_ws", fmt.Errorf("send text: %w", err))
	}
	// Empty text closes the input side; the server finishes and hangs up.
	if err := conn.WriteJSON(wsTextMessage{Text: ""}); err != nil {
		conn.Close()
		return nil, WrapError("elevenlabs_ws", fmt.Errorf("send end: %w", err))
	}

	s := &wsStream{
		conn:   conn,
		format: e.format(),
		chunks: make(chan []byte, 32),
		errc:   make(chan error, 1),
		done:   make(chan struct{}),
		logger: e.logger,
	}
	go s.readLoop(e.config.StreamTimeout)
	return s, nil
}

func (e *ElevenLabsWS) format() AudioFormat {
	enc := e.config.OutputFormat
	bitDepth := 16
	if enc == EncodingULaw {
		bitDepth = 8
	}
	return AudioFormat{
		Encoding:   enc,
		SampleRate: SampleRateFromEncoding(enc),
		Channels:   1,
		BitDepth:   bitDepth,
	}
}

// Health checks connectivity by dialing and immediately closing a socket.
func (e *ElevenLabsWS) Health(ctx context.Context) error {
	u := url.URL{
		Scheme: "wss",
		Host:   elevenLabsWSHost,
		Path:   fmt.Sprintf("/v1/text-to-speech/%s/stream-input", e.config.VoiceID),
		RawQuery: url.Values{"model_id": {e.config.ModelID}}.Encode(),
	}
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return WrapError("elevenlabs_ws", err)
	}
	return conn.Close()
}

// Close releases resources. Connections are per-utterance and owned by
// their streams.
func (e *ElevenLabsWS) Close() error {
	return nil
}

// wsStream adapts the per-utterance socket to AudioStream.
type wsStream struct {
	conn   *websocket.Conn
	format AudioFormat
	chunks chan []byte
	errc   chan error
	done   chan struct{}
	closed bool
	logger *slog.Logger
}

func (s *wsStream) readLoop(timeout time.Duration) {
	defer close(s.chunks)

	for {
		if timeout > 0 {
			s.conn.SetReadDeadline(time.Now().Add(timeout))
		}

		var msg wsAudioMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			select {
			case s.errc <- WrapError("elevenlabs_ws", err):
			default:
			}
			return
		}

		if msg.Error != "" {
			select {
			case s.errc <- WrapError("elevenlabs_ws", fmt.Errorf("%s: %s", msg.Error, msg.Message)):
			default:
			}
			return
		}

		if msg.Audio != "" {
			audio, err := base64.StdEncoding.DecodeString(msg.Audio)
			if err != nil {
				select {
				case s.errc <- WrapError("elevenlabs_ws", fmt.Errorf("decode audio: %w", err)):
				default:
				}
				return
			}
			select {
			case s.chunks <- audio:
			case <-s.done:
				return
			}
		}

		if msg.IsFinal {
			return
		}
	}
}

// Read returns the next audio chunk, or nil when the utterance is done.
func (s *wsStream) Read() ([]byte, error) {
	if s.closed {
		return nil, ErrStreamClosed
	}
	select {
	case err := <-s.errc:
		return nil, err
	case chunk, ok := <-s.chunks:
		if !ok {
			// Drain a terminal error that raced with channel close.
			select {
			case err := <-s.errc:
				return nil, err
			default:
			}
			return nil, nil
		}
		return chunk, nil
	}
}

func (s *wsStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	return s.conn.Close()
}

func (s *wsStream) Format() AudioFormat {
	return s.format
}

// Verify ElevenLabsWS implements Provider at compile time.
var _ Provider = (*ElevenLabsWS)(nil)

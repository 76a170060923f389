package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/voxfront/voxfront/internal/httpc"
)

const elevenLabsBaseURL = "https://api.elevenlabs.io/v1"

// elevenLabsFormats maps internal encodings to ElevenLabs output_format values.
var elevenLabsFormats = map[Encoding]string{
	EncodingULaw:  "ulaw_8000",
	EncodingPCM16: "pcm_16000",
	EncodingPCM24: "pcm_24000",
	EncodingMP3:   "mp3_44100_128",
}

// ElevenLabs implements Provider using the ElevenLabs HTTP API.
// The default output format is µ-law at 8kHz, which plays on the phone
// leg without transcoding.
type ElevenLabs struct {
	config     *Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewElevenLabs creates an ElevenLabs TTS provider.
func NewElevenLabs(opts ...Option) (*ElevenLabs, error) {
	config := DefaultConfig()
	config.Apply(opts...)

	if config.BaseURL == "" {
		config.BaseURL = elevenLabsBaseURL
	}
	if err := config.ValidateWithVoice(); err != nil {
		return nil, err
	}
	if _, ok := elevenLabsFormats[config.OutputFormat]; !ok {
		return nil, WrapError("elevenlabs", fmt.Errorf("unsupported output format %q", config.OutputFormat))
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &ElevenLabs{
		config:     config,
		httpClient: httpc.NewClient(config.Timeout),
		logger:     logger.With("component", "tts.elevenlabs"),
	}, nil
}

type elevenLabsRequest struct {
	Text          string                   `json:"text"`
	ModelID       string                   `json:"model_id"`
	VoiceSettings *elevenLabsVoiceSettings `json:"voice_settings,omitempty"`
}

type elevenLabsVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
	UseSpeakerBoost bool    `json:"use_speaker_boost"`
}

// Synthesize converts text to audio in a single request.
func (e *ElevenLabs) Synthesize(ctx context.Context, text string) (*AudioResult, error) {
	start := time.Now()

	resp, err := e.request(ctx, text, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, WrapError("elevenlabs", fmt.Errorf("read audio: %w", err))
	}

	format := e.format()
	latency := time.Since(start)
	e.logger.Debug("synthesis complete",
		"chars", len(text),
		"bytes", len(audio),
		"latency_ms", latency.Milliseconds(),
	)

	return &AudioResult{
		Audio:     audio,
		Format:    format,
		Duration:  EstimateDuration(format.Encoding, len(audio)),
		CharCount: len(text),
		LatencyMs: latency.Milliseconds(),
	}, nil
}

// Stream starts synthesis and returns audio chunks as they arrive.
// Lower time to first byte than Synthesize for long utterances.
func (e *ElevenLabs) Stream(ctx context.Context, text string) (AudioStream, error) {
	resp, err := e.request(ctx, text, true)
	if err != nil {
		return nil, err
	}

	return &httpStream{
		body:   resp.Body,
		format: e.format(),
	}, nil
}

func (e *ElevenLabs) request(ctx context.Context, text string, stream bool) (*http.Response, error) {
	endpoint := fmt.Sprintf("%s/text-to-speech/%s", e.config.BaseURL, e.config.VoiceID)
	if stream {
		endpoint += "/stream"
	}
	endpoint += "?output_format=" + elevenLabsFormats[e.config.OutputFormat]

	settings := e.config.VoiceSettings
	payload := elevenLabsRequest{
		Text:    text,
		ModelID: e.config.ModelID,
		VoiceSettings: &elevenLabsVoiceSettings{
			Stability:       settings.Stability,
			SimilarityBoost: settings.SimilarityBoost,
			Style:           settings.Style,
			UseSpeakerBoost: settings.SpeakerBoost,
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, WrapError("elevenlabs", fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, WrapError("elevenlabs", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", e.config.APIKey)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, WrapError("elevenlabs", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, &APIError{
			Provider:   "elevenlabs",
			StatusCode: resp.StatusCode,
			Message:    string(msg),
		}
	}

	return resp, nil
}

func (e *ElevenLabs) format() AudioFormat {
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

// Health verifies the API key by fetching the voices list.
func (e *ElevenLabs) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.config.BaseURL+"/voices", nil)
	if err != nil {
		return WrapError("elevenlabs", err)
	}
	req.Header.Set("xi-api-key", e.config.APIKey)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return WrapError("elevenlabs", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &APIError{
			Provider:   "elevenlabs",
			StatusCode: resp.StatusCode,
			Message:    "health check failed",
		}
	}
	return nil
}

// Close releases resources. The HTTP client holds no persistent connections.
func (e *ElevenLabs) Close() error {
	return nil
}

// httpStream wraps a chunked HTTP response body as an AudioStream.
type httpStream struct {
	body   io.ReadCloser
	format AudioFormat
	closed bool
	buf    [4096]byte
}

// Read returns the next audio chunk, or nil when the stream ends.
func (s *httpStream) Read() ([]byte, error) {
	if s.closed {
		return nil, ErrStreamClosed
	}

	n, err := s.body.Read(s.buf[:])
	if n > 0 {
		chunk := make([]byte, n)
		copy(chunk, s.buf[:n])
		return chunk, nil
	}
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []byte{}, nil
}

func (s *httpStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.body.Close()
}

func (s *httpStream) Format() AudioFormat {
	return s.format
}

// Verify ElevenLabs implements Provider at compile time.
var _ Provider = (*ElevenLabs)(nil)

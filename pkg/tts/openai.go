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

const (
	openAIBaseURL      = "https://api.openai.com/v1"
	openAIDefaultModel = "tts-1"
	openAIDefaultVoice = "alloy"
)

// OpenAI implements Provider using the OpenAI speech API. It serves as
// the fallback behind ElevenLabs. The API emits 24kHz linear PCM, so
// playback converts through pkg/g711 before the phone leg.
type OpenAI struct {
	config     *Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAI creates an OpenAI TTS provider.
func NewOpenAI(opts ...Option) (*OpenAI, error) {
	config := DefaultConfig()
	config.ModelID = openAIDefaultModel
	config.VoiceID = openAIDefaultVoice
	config.OutputFormat = EncodingPCM24
	config.Apply(opts...)

	if config.BaseURL == "" {
		config.BaseURL = openAIBaseURL
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &OpenAI{
		config:     config,
		httpClient: httpc.NewClient(config.Timeout),
		logger:     logger.With("component", "tts.openai"),
	}, nil
}

type openAISpeechRequest struct {
	Model          string  `json:"model"`
	Input          string  `json:"input"`
	Voice          string  `json:"voice"`
	ResponseFormat string  `json:"response_format"`
	Speed          float64 `json:"speed,omitempty"`
}

// Synthesize converts text to audio in a single request.
func (o *OpenAI) Synthesize(ctx context.Context, text string) (*AudioResult, error) {
	start := time.Now()

	resp, err := o.request(ctx, text)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, WrapError("openai", fmt.Errorf("read audio: %w", err))
	}

	format := o.format()
	latency := time.Since(start)
	o.logger.Debug("synthesis complete",
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

// Stream returns audio chunks as the response body arrives.
func (o *OpenAI) Stream(ctx context.Context, text string) (AudioStream, error) {
	resp, err := o.request(ctx, text)
	if err != nil {
		return nil, err
	}

	return &httpStream{
		body:   resp.Body,
		format: o.format(),
	}, nil
}

func (o *OpenAI) request(ctx context.Context, text string) (*http.Response, error) {
	// The speech endpoint's "pcm" format is 24kHz mono signed 16-bit.
	responseFormat := "pcm"
	if o.config.OutputFormat == EncodingMP3 {
		responseFormat = "mp3"
	}

	payload := openAISpeechRequest{
		Model:          o.config.ModelID,
		Input:          text,
		Voice:          o.config.VoiceID,
		ResponseFormat: responseFormat,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, WrapError("openai", fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.config.BaseURL+"/audio/speech", bytes.NewReader(body))
	if err != nil {
		return nil, WrapError("openai", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.config.APIKey)

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, WrapError("openai", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, &APIError{
			Provider:   "openai",
			StatusCode: resp.StatusCode,
			Message:    string(msg),
		}
	}

	return resp, nil
}

func (o *OpenAI) format() AudioFormat {
	enc := o.config.OutputFormat
	return AudioFormat{
		Encoding:   enc,
		SampleRate: SampleRateFromEncoding(enc),
		Channels:   1,
		BitDepth:   16,
	}
}

// Health verifies the API key against the models endpoint.
func (o *OpenAI) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.config.BaseURL+"/models", nil)
	if err != nil {
		return WrapError("openai", err)
	}
	req.Header.Set("Authorization", "Bearer "+o.config.APIKey)

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return WrapError("openai", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &APIError{
			Provider:   "openai",
			StatusCode: resp.StatusCode,
			Message:    "health check failed",
		}
	}
	return nil
}

// Close releases resources.
func (o *OpenAI) Close() error {
	return nil
}

// Verify OpenAI implements Provider at compile time.
var _ Provider = (*OpenAI)(nil)

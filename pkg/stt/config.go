package stt

import (
	"log/slog"
	"time"
)

// Config holds STT provider configuration.
// Use functional options (WithXxx) to set these values.
type Config struct {
	// Provider credentials
	APIKey  string
	BaseURL string

	// Recognition configuration
	Model      string
	Language   string
	SampleRate int

	// InterimResults enables partial transcripts before utterance end.
	// Required for barge-in detection.
	InterimResults bool

	// EndpointingMs is the silence duration that closes an utterance.
	EndpointingMs int

	// Timeouts
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration

	// KeepAliveInterval is how often to ping an idle stream.
	KeepAliveInterval time.Duration

	// Retry configuration for the initial dial. Auth failures are not
	// retried.
	MaxRetries int
	RetryDelay time.Duration

	// Observability
	Logger *slog.Logger
}

// Option is a functional option for configuring STT providers.
type Option func(*Config)

// WithAPIKey sets the API key for the provider.
func WithAPIKey(key string) Option {
	return func(c *Config) { c.APIKey = key }
}

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *Config) { c.BaseURL = url }
}

// WithModel sets the recognition model.
func WithModel(model string) Option {
	return func(c *Config) { c.Model = model }
}

// WithLanguage sets the recognition language.
func WithLanguage(lang string) Option {
	return func(c *Config) { c.Language = lang }
}

// WithSampleRate sets the input sample rate in Hz.
func WithSampleRate(rate int) Option {
	return func(c *Config) { c.SampleRate = rate }
}

// WithInterimResults enables or disables partial transcripts.
func WithInterimResults(enabled bool) Option {
	return func(c *Config) { c.InterimResults = enabled }
}

// WithEndpointing sets the end-of-utterance silence threshold.
func WithEndpointing(ms int) Option {
	return func(c *Config) { c.EndpointingMs = ms }
}

// WithConnectTimeout sets the WebSocket handshake timeout.
func WithConnectTimeout(timeout time.Duration) Option {
	return func(c *Config) { c.ConnectTimeout = timeout }
}

// WithRetry sets the dial retry count and backoff base delay.
func WithRetry(maxRetries int, delay time.Duration) Option {
	return func(c *Config) {
		c.MaxRetries = maxRetries
		c.RetryDelay = delay
	}
}

// WithLogger sets the structured logger for the provider.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// DefaultConfig returns sensible defaults for phone audio upsampled
// to 16kHz.
func DefaultConfig() *Config {
	return &Config{
		Model:             "nova-2",
		Language:          "en-US",
		SampleRate:        16000,
		InterimResults:    true,
		EndpointingMs:     300,
		ConnectTimeout:    10 * time.Second,
		ReadTimeout:       30 * time.Second,
		KeepAliveInterval: 5 * time.Second,
		MaxRetries:        2,
		RetryDelay:        250 * time.Millisecond,
		Logger:            slog.Default(),
	}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return ErrNoAPIKey
	}
	if c.SampleRate <= 0 {
		return ErrBadSampleRate
	}
	return nil
}

// Package config loads voxfront configuration from a YAML file with
// environment variable overrides for secrets and deploy-time settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"
)

// Config is the top-level service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Audio     AudioConfig     `yaml:"audio"`
	Playback  PlaybackConfig  `yaml:"playback"`
	STT       ProviderConfig  `yaml:"stt"`
	TTS       ProviderConfig  `yaml:"tts"`
	Inference InferenceConfig `yaml:"inference"`
	Knowledge KnowledgeConfig `yaml:"knowledge"`
	Router    RouterConfig    `yaml:"router"`
	Replier   ReplierConfig   `yaml:"replier"`
	BargeIn   BargeInConfig   `yaml:"barge_in"`
	LogLevel  string          `yaml:"log_level"`
}

// ServerConfig configures the HTTP/WebSocket listener.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// AudioConfig configures the carrier-side codec path.
type AudioConfig struct {
	// Gain is a fixed linear amplification applied after µ-law decode to
	// improve recognition on quiet phone lines. 1.0 disables it.
	Gain float64 `yaml:"gain"`
}

// PlaybackConfig configures the paced playback scheduler.
type PlaybackConfig struct {
	ChunkMs   int `yaml:"chunk_ms"`   // chunk duration, 15-40ms
	HighWater int `yaml:"high_water"` // in-flight chunks before throttling
	PrimeMs   int `yaml:"prime_ms"`   // initial buffer delay for short utterances
}

// ProviderConfig holds credentials and endpoints for a speech provider.
type ProviderConfig struct {
	APIKey         string        `yaml:"api_key"`
	BaseURL        string        `yaml:"base_url"`
	Model          string        `yaml:"model"`
	Voice          string        `yaml:"voice"`
	Timeout        time.Duration `yaml:"timeout"`
	FallbackAPIKey string        `yaml:"fallback_api_key"`
}

// InferenceConfig holds reply-generator settings.
type InferenceConfig struct {
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	EmbedModel  string        `yaml:"embed_model"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float64       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
}

// KnowledgeConfig points at the clinic corpus.
type KnowledgeConfig struct {
	CorpusPath string `yaml:"corpus_path"`
}

// RouterConfig holds the confidence-gate thresholds. Scores are cosine
// similarity, higher is better.
type RouterConfig struct {
	Keywords  []string `yaml:"keywords"`
	TopK      int      `yaml:"top_k"`
	MinScore  float64  `yaml:"min_score"`
	MidScore  float64  `yaml:"mid_score"`
	HighScore float64  `yaml:"high_score"`
}

// ReplierConfig holds conversation and generation settings.
type ReplierConfig struct {
	SystemPrompt string `yaml:"system_prompt"`
	MaxTurns     int    `yaml:"max_turns"`
	Greeting     string `yaml:"greeting"`
	Apology      string `yaml:"apology"`
}

// BargeInConfig tunes the interruption controller.
type BargeInConfig struct {
	MinWords  int           `yaml:"min_words"`
	MinChars  int           `yaml:"min_chars"`
	MinSpeech time.Duration `yaml:"min_speech"`
	Cooldown  time.Duration `yaml:"cooldown"`
}

// Default returns the built-in defaults. Load applies these before reading
// the file, so a partial config file is fine.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Audio:  AudioConfig{Gain: 2.0},
		Playback: PlaybackConfig{
			ChunkMs:   20,
			HighWater: 10,
			PrimeMs:   60,
		},
		STT: ProviderConfig{
			BaseURL: "wss://api.deepgram.com/v1/listen",
			Model:   "nova-2-phonecall",
			Timeout: 10 * time.Second,
		},
		TTS: ProviderConfig{
			Model:   "eleven_turbo_v2_5",
			Voice:   "21m00Tcm4TlvDq8ikWAM",
			Timeout: 30 * time.Second,
		},
		Inference: InferenceConfig{
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			EmbedModel:  "text-embedding-3-small",
			MaxTokens:   200,
			Temperature: 0.4,
			Timeout:     30 * time.Second,
		},
		Knowledge: KnowledgeConfig{CorpusPath: "clinic_kb.yaml"},
		Router: RouterConfig{
			Keywords: []string{
				"hour", "open", "close", "appointment", "schedule", "doctor",
				"insurance", "location", "address", "parking", "prescription",
				"refill", "billing", "cost", "visit", "clinic", "office",
			},
			TopK:      3,
			MinScore:  0.40,
			MidScore:  0.60,
			HighScore: 0.85,
		},
		Replier: ReplierConfig{
			SystemPrompt: "You are the front desk assistant for a medical clinic. " +
				"Answer briefly and clearly, as if speaking on the phone. " +
				"If you do not know something, say so and offer to take a message.",
			MaxTurns: 10,
			Greeting: "Thank you for calling the clinic. How can I help you today?",
			Apology: "I'm sorry, I'm having trouble right now. " +
				"Could you say that again?",
		},
		BargeIn: BargeInConfig{
			MinWords:  2,
			MinChars:  5,
			MinSpeech: 150 * time.Millisecond,
			Cooldown:  500 * time.Millisecond,
		},
		LogLevel: "info",
	}
}

// Load reads the YAML file at path, layered over Default, then applies
// environment overrides. A missing file is not an error: env-only deploys
// are supported.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto the config. Secrets should
// come from the environment, not the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		}
	}
	if v := os.Getenv("STT_API_KEY"); v != "" {
		c.STT.APIKey = v
	}
	if v := os.Getenv("TTS_API_KEY"); v != "" {
		c.TTS.APIKey = v
	}
	if v := os.Getenv("TTS_VOICE"); v != "" {
		c.TTS.Voice = v
	}
	if v := os.Getenv("TTS_FALLBACK_API_KEY"); v != "" {
		c.TTS.FallbackAPIKey = v
	}
	if v := os.Getenv("INFERENCE_API_KEY"); v != "" {
		c.Inference.APIKey = v
	}
	if v := os.Getenv("INFERENCE_BASE_URL"); v != "" {
		c.Inference.BaseURL = v
	}
	if v := os.Getenv("KB_CORPUS"); v != "" {
		c.Knowledge.CorpusPath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// Validate checks threshold ordering and required ranges. Provider keys are
// checked where the providers are constructed, not here, so tests can load
// configs without credentials.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Server.Port)
	}
	if c.Playback.ChunkMs < 10 || c.Playback.ChunkMs > 60 {
		return fmt.Errorf("config: chunk_ms %d out of range", c.Playback.ChunkMs)
	}
	r := c.Router
	if !(r.MinScore <= r.MidScore && r.MidScore <= r.HighScore) {
		return fmt.Errorf("config: router thresholds must be ordered min <= mid <= high")
	}
	if r.TopK <= 0 {
		return fmt.Errorf("config: router top_k must be positive")
	}
	return nil
}

// Package bargein detects the caller speaking over the agent.
//
// While the agent is playing audio, interim transcripts feed a small
// state machine. Enough interim speech (by word count, character count,
// or sustained duration) triggers an interruption: the orchestrator
// cancels generation and flushes playback. A cooldown keeps one burst
// of speech from triggering repeatedly.
package bargein

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/voxfront/voxfront/pkg/stt"
)

// State is the detector's position in a potential interruption.
type State int

const (
	// StateIdle means no caller speech during playback.
	StateIdle State = iota

	// StateListening means interim speech is accumulating.
	StateListening

	// StateTriggered means an interruption just fired.
	StateTriggered
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateTriggered:
		return "triggered"
	default:
		return "unknown"
	}
}

// Config holds detection thresholds. Zero values take defaults.
type Config struct {
	// MinWords triggers on an interim transcript with this many words.
	MinWords int

	// MinChars triggers on an interim transcript this long.
	MinChars int

	// MinSpeechDur triggers on continuous interim speech lasting this
	// long, even before words decode.
	MinSpeechDur time.Duration

	// Cooldown suppresses re-triggering after an interruption.
	Cooldown time.Duration

	Logger *slog.Logger
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MinWords <= 0 {
		out.MinWords = 2
	}
	if out.MinChars <= 0 {
		out.MinChars = 5
	}
	if out.MinSpeechDur <= 0 {
		out.MinSpeechDur = 150 * time.Millisecond
	}
	if out.Cooldown <= 0 {
		out.Cooldown = 500 * time.Millisecond
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Detector is the per-call interruption state machine.
type Detector struct {
	config    Config
	onTrigger func()
	logger    *slog.Logger

	// now is swappable for tests.
	now func() time.Time

	mu          sync.Mutex
	state       State
	speechStart time.Time
	lastTrigger time.Time
}

// New creates a detector. onTrigger fires once per interruption.
func New(onTrigger func(), config Config) *Detector {
	cfg := config.withDefaults()
	return &Detector{
		config:    cfg,
		onTrigger: onTrigger,
		logger:    cfg.Logger.With("component", "bargein"),
		now:       time.Now,
	}
}

// State returns the current detector state.
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// HandleResult feeds one recognition result to the detector. playing
// reports whether agent audio is currently going out; results outside
// playback never trigger. Returns true when this result fired an
// interruption.
func (d *Detector) HandleResult(r stt.Result, playing bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()

	// A final transcript ends the utterance; the turn pipeline owns it
	// from here.
	if r.IsFinal {
		d.state = StateIdle
		d.speechStart = time.Time{}
		return false
	}

	if !playing {
		d.state = StateIdle
		d.speechStart = time.Time{}
		return false
	}

	if d.state == StateIdle {
		d.state = StateListening
		d.speechStart = now
	}

	if !d.shouldTrigger(r, now) {
		return false
	}

	if now.Sub(d.lastTrigger) < d.config.Cooldown {
		d.logger.Debug("interruption suppressed by cooldown")
		return false
	}

	d.state = StateTriggered
	d.lastTrigger = now
	d.logger.Info("caller interruption",
		"text", r.Text,
		"confidence", r.Confidence,
	)
	if d.onTrigger != nil {
		// Fire outside the lock so the handler can feed results back.
		d.mu.Unlock()
		d.onTrigger()
		d.mu.Lock()
	}
	d.state = StateIdle
	d.speechStart = time.Time{}
	return true
}

func (d *Detector) shouldTrigger(r stt.Result, now time.Time) bool {
	text := strings.TrimSpace(r.Text)
	if len(strings.Fields(text)) >= d.config.MinWords {
		return true
	}
	if len(text) >= d.config.MinChars {
		return true
	}
	if !d.speechStart.IsZero() && now.Sub(d.speechStart) > d.config.MinSpeechDur {
		return true
	}
	return false
}

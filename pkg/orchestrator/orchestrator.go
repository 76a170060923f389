// Package orchestrator wires one phone call end to end: carrier media
// in, recognition, routing, reply generation, synthesis, and paced
// playout back to the caller.
//
// Each stage hands work to the next through the bus or a per-turn
// goroutine; nothing in the audio path waits on a slower stage. A
// provider failure degrades the turn to a spoken apology and the call
// continues.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/voxfront/voxfront/pkg/bargein"
	"github.com/voxfront/voxfront/pkg/bus"
	"github.com/voxfront/voxfront/pkg/carrier"
	"github.com/voxfront/voxfront/pkg/g711"
	"github.com/voxfront/voxfront/pkg/inference"
	"github.com/voxfront/voxfront/pkg/playback"
	"github.com/voxfront/voxfront/pkg/replier"
	"github.com/voxfront/voxfront/pkg/router"
	"github.com/voxfront/voxfront/pkg/session"
	"github.com/voxfront/voxfront/pkg/stt"
	"github.com/voxfront/voxfront/pkg/tts"
)

const (
	transcriptQueue  = "transcripts"
	synthQueuePrefix = "synthesis."

	defaultGreeting = "Thank you for calling the clinic. How can I help you today?"
	defaultApology  = "I'm sorry, I'm having trouble right now. Could you say that again?"
)

// Config holds orchestrator tuning. Zero values take defaults.
type Config struct {
	// Greeting is spoken when a call connects.
	Greeting string

	// Apology is spoken when a turn fails at a provider boundary.
	Apology string

	// InputGain scales inbound caller audio before recognition.
	InputGain float64

	// ProviderTimeout bounds each routing and synthesis call.
	ProviderTimeout time.Duration

	// Playback configures each call's playout scheduler.
	Playback playback.Config

	// BargeIn configures each call's interruption detector.
	BargeIn bargein.Config

	Logger *slog.Logger
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Greeting == "" {
		out.Greeting = defaultGreeting
	}
	if out.Apology == "" {
		out.Apology = defaultApology
	}
	if out.InputGain <= 0 {
		out.InputGain = 1.0
	}
	if out.ProviderTimeout <= 0 {
		out.ProviderTimeout = 10 * time.Second
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// call is one live phone call's moving parts.
type call struct {
	sess      *session.Session
	stream    *carrier.MediaStream
	scheduler *playback.Scheduler
	sttStream stt.Stream
	detector  *bargein.Detector
	synthQ    string
}

// Orchestrator implements carrier.Handler over the full pipeline.
type Orchestrator struct {
	registry *session.Registry
	sttProv  stt.Provider
	ttsProv  tts.Provider
	router   *router.Router
	replier  *replier.Replier
	bus      *bus.Bus
	metrics  *Collector
	config   Config
	logger   *slog.Logger

	mu    sync.RWMutex
	calls map[string]*call
}

// New wires the pipeline. The transcript queue is declared and consumed
// immediately.
func New(
	registry *session.Registry,
	sttProv stt.Provider,
	ttsProv tts.Provider,
	rtr *router.Router,
	rep *replier.Replier,
	b *bus.Bus,
	config Config,
) (*Orchestrator, error) {
	cfg := config.withDefaults()
	o := &Orchestrator{
		registry: registry,
		sttProv:  sttProv,
		ttsProv:  ttsProv,
		router:   rtr,
		replier:  rep,
		bus:      b,
		metrics:  NewCollector(),
		config:   cfg,
		logger:   cfg.Logger.With("component", "orchestrator"),
		calls:    make(map[string]*call),
	}

	if err := b.Declare(transcriptQueue, 64); err != nil {
		return nil, fmt.Errorf("orchestrator: declare transcripts: %w", err)
	}
	if err := b.Subscribe(transcriptQueue, o.onTranscript); err != nil {
		return nil, fmt.Errorf("orchestrator: subscribe transcripts: %w", err)
	}
	return o, nil
}

// Metrics returns the turn metrics collector.
func (o *Orchestrator) Metrics() *Collector {
	return o.metrics
}

// ActiveCalls returns the live call count.
func (o *Orchestrator) ActiveCalls() int {
	return o.registry.Count()
}

// OnCallStart opens the pipeline for a new call.
func (o *Orchestrator) OnCallStart(stream *carrier.MediaStream, start *carrier.StartData) error {
	sid := start.StreamSID

	sess, err := o.registry.Create(sid)
	if err != nil {
		return fmt.Errorf("orchestrator: create session: %w", err)
	}

	sttStream, err := o.sttProv.StartStream(context.Background())
	if err != nil {
		o.registry.Destroy(sid)
		return fmt.Errorf("orchestrator: open recognition: %w", err)
	}

	scheduler := playback.NewScheduler(stream, o.config.Playback)

	c := &call{
		sess:      sess,
		stream:    stream,
		scheduler: scheduler,
		sttStream: sttStream,
		synthQ:    synthQueuePrefix + sid,
	}
	c.detector = bargein.New(func() { o.interrupt(c) }, o.config.BargeIn)

	if err := o.bus.Declare(c.synthQ, 16); err != nil {
		sttStream.Close()
		scheduler.Close()
		o.registry.Destroy(sid)
		return fmt.Errorf("orchestrator: declare synthesis queue: %w", err)
	}
	if err := o.bus.Subscribe(c.synthQ, func(msg bus.Message) error {
		return o.synthesize(c, msg)
	}); err != nil {
		o.bus.Delete(c.synthQ)
		sttStream.Close()
		scheduler.Close()
		o.registry.Destroy(sid)
		return fmt.Errorf("orchestrator: subscribe synthesis queue: %w", err)
	}

	sess.AddCloser("recognition", sttStream.Close)
	sess.AddCloser("playback", func() error { scheduler.Close(); return nil })
	sess.AddCloser("synthesis-queue", func() error { o.bus.Delete(c.synthQ); return nil })
	sess.AddCloser("media-stream", stream.Close)

	o.mu.Lock()
	o.calls[sid] = c
	o.mu.Unlock()

	go o.consumeResults(c)

	if o.config.Greeting != "" {
		o.say(c, o.config.Greeting)
	}

	o.logger.Info("call connected", "stream", sid, "session", sess.ID)
	return nil
}

// OnMedia feeds one inbound µ-law frame to recognition.
func (o *Orchestrator) OnMedia(streamSID string, ulaw []byte) {
	c := o.lookup(streamSID)
	if c == nil {
		return
	}

	samples := g711.DecodeWithGain(ulaw, o.config.InputGain)
	pcm16k := g711.Upsample8to16(samples)
	if err := c.sttStream.SendAudio(g711.SamplesToBytes(pcm16k)); err != nil {
		if !errors.Is(err, stt.ErrStreamClosed) {
			o.logger.Warn("recognition send failed", "stream", streamSID, "error", err)
		}
	}
}

// OnMark releases playout backpressure for one chunk.
func (o *Orchestrator) OnMark(streamSID, name string) {
	if c := o.lookup(streamSID); c != nil {
		c.scheduler.Ack(1)
	}
}

// OnCallStop tears the call down. Idempotent via the session registry.
func (o *Orchestrator) OnCallStop(streamSID string) {
	o.mu.Lock()
	c, ok := o.calls[streamSID]
	delete(o.calls, streamSID)
	o.mu.Unlock()
	if !ok {
		return
	}

	o.metrics.AbandonTurn(c.sess.ID)
	o.registry.Destroy(streamSID)
	o.logger.Info("call ended", "stream", streamSID, "session", c.sess.ID)
}

// Shutdown ends every live call.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	sids := make([]string, 0, len(o.calls))
	for sid := range o.calls {
		sids = append(sids, sid)
	}
	o.mu.Unlock()

	for _, sid := range sids {
		o.OnCallStop(sid)
	}
}

func (o *Orchestrator) lookup(streamSID string) *call {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.calls[streamSID]
}

// consumeResults pumps one call's recognition results until the stream
// closes.
func (o *Orchestrator) consumeResults(c *call) {
	for r := range c.sttStream.Results() {
		playing := c.sess.IsGenerating() || c.scheduler.Inflight() > 0

		if !r.IsFinal {
			c.detector.HandleResult(r, playing)
			continue
		}
		c.detector.HandleResult(r, playing)

		text := strings.TrimSpace(r.Text)
		if text == "" {
			continue
		}

		err := o.bus.Publish(transcriptQueue, bus.Message{
			SessionID: c.stream.StreamSID(),
			Payload:   text,
		})
		if err != nil {
			o.logger.Warn("transcript publish failed", "session", c.sess.ID, "error", err)
		}
	}

	if err := c.sttStream.Err(); err != nil {
		o.logger.Error("recognition stream failed", "session", c.sess.ID, "error", err)
		if o.lookup(c.stream.StreamSID()) != nil {
			o.say(c, o.config.Apology)
		}
	}
}

// onTranscript dispatches one final transcript to its call's turn.
func (o *Orchestrator) onTranscript(msg bus.Message) error {
	c := o.lookup(msg.SessionID)
	if c == nil {
		return fmt.Errorf("orchestrator: transcript for ended call %s", msg.SessionID)
	}
	text, ok := msg.Payload.(string)
	if !ok || text == "" {
		return fmt.Errorf("orchestrator: bad transcript payload")
	}

	// One goroutine per turn keeps the dispatcher free for other calls.
	go o.handleTurn(c, text)
	return nil
}

// handleTurn runs one caller question through routing, generation, and
// synthesis.
func (o *Orchestrator) handleTurn(c *call, text string) {
	sess := c.sess
	sess.ResetCleared()

	routeCtx, cancel := context.WithTimeout(context.Background(), o.config.ProviderTimeout)
	decision := o.router.Route(routeCtx, text)
	cancel()

	o.metrics.StartTurn(sess.ID, string(decision.Strategy))
	o.logger.Debug("turn routed",
		"session", sess.ID,
		"strategy", decision.Strategy,
		"tier", decision.Tier,
		"score", decision.TopScore,
	)

	switch decision.Strategy {
	case router.StrategyDirect:
		// Curated answers skip generation entirely.
		sess.AppendTurn(inference.NewUserMessage(text))
		sess.AppendTurn(inference.NewAssistantMessage(decision.Answer))
		o.metrics.MarkFirstSentence(sess.ID)
		o.say(c, decision.Answer)

	default:
		err := o.replier.StreamReply(context.Background(), sess, text, decision, func(sentence string) {
			o.metrics.MarkFirstSentence(sess.ID)
			o.say(c, sentence)
		})
		switch {
		case errors.Is(err, replier.ErrBusy):
			o.logger.Warn("turn dropped, generation busy", "session", sess.ID)
			o.metrics.AbandonTurn(sess.ID)
			return
		case err != nil:
			o.logger.Error("generation failed", "session", sess.ID, "error", err)
			o.metrics.CountApology()
			o.say(c, o.config.Apology)
		}
	}

	if sess.IsCleared() {
		o.metrics.AbandonTurn(sess.ID)
		return
	}
	o.metrics.CompleteTurn(sess.ID)
}

// say queues one utterance for synthesis.
func (o *Orchestrator) say(c *call, text string) {
	err := o.bus.Publish(c.synthQ, bus.Message{
		SessionID: c.stream.StreamSID(),
		Payload:   text,
	})
	if err != nil {
		o.logger.Warn("synthesis publish failed", "session", c.sess.ID, "error", err)
	}
}

// synthesize turns one sentence into µ-law audio and hands it to the
// scheduler.
func (o *Orchestrator) synthesize(c *call, msg bus.Message) error {
	text, ok := msg.Payload.(string)
	if !ok || text == "" {
		return fmt.Errorf("orchestrator: bad synthesis payload")
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.config.ProviderTimeout)
	defer cancel()

	stream, err := o.ttsProv.Stream(ctx, text)
	if err != nil {
		o.logger.Error("synthesis failed", "session", c.sess.ID, "error", err)
		return err
	}
	defer stream.Close()

	var audio []byte
	for {
		chunk, err := stream.Read()
		if err != nil {
			o.logger.Error("synthesis read failed", "session", c.sess.ID, "error", err)
			return err
		}
		if chunk == nil {
			break
		}
		audio = append(audio, chunk...)
	}

	ulaw := toCarrierULaw(audio, stream.Format())
	if len(ulaw) == 0 {
		return nil
	}

	// A barge-in between generation and synthesis means the caller is
	// already talking over this sentence; drop it.
	if c.sess.IsCleared() {
		return nil
	}

	c.scheduler.Enqueue(ulaw)
	o.metrics.MarkSentence(c.sess.ID)
	return nil
}

// toCarrierULaw converts provider audio to 8kHz µ-law.
func toCarrierULaw(audio []byte, format tts.AudioFormat) []byte {
	if format.Encoding == tts.EncodingULaw {
		return audio
	}
	pcm := g711.BytesToSamples(audio)
	if format.SampleRate != g711.CarrierRate {
		pcm = g711.Resample(pcm, format.SampleRate, g711.CarrierRate)
	}
	return g711.Encode(pcm)
}

// interrupt handles a caller barge-in: stop generating, stop playing,
// flush the carrier.
func (o *Orchestrator) interrupt(c *call) {
	o.metrics.CountBargeIn()
	o.metrics.AbandonTurn(c.sess.ID)

	c.sess.MarkCleared()
	c.sess.CancelGeneration()
	c.scheduler.Cancel()

	o.logger.Info("barge-in", "session", c.sess.ID)
}

// Verify Orchestrator implements the carrier handler at compile time.
var _ carrier.Handler = (*Orchestrator)(nil)

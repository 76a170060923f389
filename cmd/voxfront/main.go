// voxfront: clinic front-desk voice agent
// Answers phone calls over a carrier media-stream websocket, transcribes
// the caller, routes each question through the clinic knowledge base,
// and speaks the reply back with barge-in support.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/voxfront/voxfront/internal/config"
	"github.com/voxfront/voxfront/internal/log"
	"github.com/voxfront/voxfront/pkg/bargein"
	"github.com/voxfront/voxfront/pkg/bus"
	"github.com/voxfront/voxfront/pkg/carrier"
	"github.com/voxfront/voxfront/pkg/inference"
	"github.com/voxfront/voxfront/pkg/kb"
	"github.com/voxfront/voxfront/pkg/orchestrator"
	"github.com/voxfront/voxfront/pkg/playback"
	"github.com/voxfront/voxfront/pkg/replier"
	"github.com/voxfront/voxfront/pkg/router"
	"github.com/voxfront/voxfront/pkg/session"
	"github.com/voxfront/voxfront/pkg/stt"
	"github.com/voxfront/voxfront/pkg/tts"
)

var (
	version    = "1.0.0"
	configPath = flag.String("config", "voxfront.yaml", "Path to config file")
	debug      = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	log.Init(cfg.LogLevel)

	fmt.Println()
	fmt.Println("📞 voxfront v" + version)
	fmt.Println("   Clinic front-desk voice agent")
	fmt.Println()

	// Reply generation and embeddings share one client.
	infer, err := inference.NewClient(
		inference.WithAPIKey(cfg.Inference.APIKey),
		inference.WithBaseURL(cfg.Inference.BaseURL),
		inference.WithModel(cfg.Inference.Model),
		inference.WithEmbedModel(cfg.Inference.EmbedModel),
		inference.WithMaxTokens(cfg.Inference.MaxTokens),
		inference.WithTemperature(cfg.Inference.Temperature),
		inference.WithTimeout(cfg.Inference.Timeout),
	)
	if err != nil {
		log.Error("inference client", "error", err)
		os.Exit(1)
	}
	defer infer.Close()

	sttProv, err := stt.NewDeepgram(
		stt.WithAPIKey(cfg.STT.APIKey),
		stt.WithBaseURL(cfg.STT.BaseURL),
		stt.WithModel(cfg.STT.Model),
		stt.WithConnectTimeout(cfg.STT.Timeout),
	)
	if err != nil {
		log.Error("recognition provider", "error", err)
		os.Exit(1)
	}
	defer sttProv.Close()

	ttsProv, err := buildTTS(cfg)
	if err != nil {
		log.Error("synthesis provider", "error", err)
		os.Exit(1)
	}
	defer ttsProv.Close()

	// A missing or empty corpus is not fatal: the router answers
	// everything open until the knowledge base is provisioned.
	var index router.Searcher
	loadCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	idx, err := kb.LoadFile(loadCtx, cfg.Knowledge.CorpusPath, infer)
	cancel()
	if err != nil {
		log.Warn("knowledge base unavailable, answering open",
			"path", cfg.Knowledge.CorpusPath, "error", err)
	} else {
		index = idx
		log.Info("knowledge base loaded", "path", cfg.Knowledge.CorpusPath, "entries", idx.Len())
	}

	rtr := router.New(index, router.Config{
		MinScore:  cfg.Router.MinScore,
		MidScore:  cfg.Router.MidScore,
		HighScore: cfg.Router.HighScore,
		TopK:      cfg.Router.TopK,
		Keywords:  cfg.Router.Keywords,
	})
	rep := replier.New(infer, replier.Config{Preamble: cfg.Replier.SystemPrompt})

	registry := session.NewRegistry(cfg.Replier.MaxTurns, log.L())
	b := bus.New(log.L())

	orch, err := orchestrator.New(registry, sttProv, ttsProv, rtr, rep, b, orchestrator.Config{
		Greeting:        cfg.Replier.Greeting,
		Apology:         cfg.Replier.Apology,
		InputGain:       cfg.Audio.Gain,
		ProviderTimeout: cfg.TTS.Timeout,
		Playback: playback.Config{
			ChunkMs:   cfg.Playback.ChunkMs,
			HighWater: cfg.Playback.HighWater,
			PrimeMs:   cfg.Playback.PrimeMs,
		},
		BargeIn: bargein.Config{
			MinWords:     cfg.BargeIn.MinWords,
			MinChars:     cfg.BargeIn.MinChars,
			MinSpeechDur: cfg.BargeIn.MinSpeech,
			Cooldown:     cfg.BargeIn.Cooldown,
		},
	})
	if err != nil {
		log.Error("orchestrator", "error", err)
		os.Exit(1)
	}

	app := fiber.New(fiber.Config{
		AppName:               "voxfront",
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(cors.New())

	carrier.NewServer(orch, log.L()).Register(app)

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"version": version,
			"calls":   orch.ActiveCalls(),
		})
	})

	app.Get("/metrics", func(c *fiber.Ctx) error {
		snap := orch.Metrics().Snapshot()
		out := fmt.Sprintf(`# HELP voxfront_active_calls Live call count
# TYPE voxfront_active_calls gauge
voxfront_active_calls %d

# HELP voxfront_barge_ins_total Caller interruptions handled
# TYPE voxfront_barge_ins_total counter
voxfront_barge_ins_total %d

# HELP voxfront_apologies_total Turns that failed into the apology line
# TYPE voxfront_apologies_total counter
voxfront_apologies_total %d

# HELP voxfront_first_audio_ms Average transcript-to-first-audio latency
# TYPE voxfront_first_audio_ms gauge
voxfront_first_audio_ms %d
`, orch.ActiveCalls(), snap.BargeIns, snap.Apologies, snap.AvgToFirstAudio.Milliseconds())
		for strategy, n := range snap.TurnsByStrategy {
			out += fmt.Sprintf("voxfront_turns_total{strategy=%q} %d\n", strategy, n)
		}
		return c.SendString(out)
	})

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		log.Info("🚀 listening", "addr", addr)
		log.Info("   media stream", "url", fmt.Sprintf("ws://localhost:%d/ws/media", cfg.Server.Port))
		log.Info("   health", "url", fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port))

		if err := app.Listen(addr); err != nil {
			log.Error("server", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("👋 shutting down")

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}

	orch.Shutdown()
	registry.DestroyAll()
	b.Close()

	log.Info("✅ goodbye")
}

// buildTTS wires the synthesis chain: ElevenLabs speaks µ-law natively,
// with an optional OpenAI fallback that gets resampled downstream.
func buildTTS(cfg *config.Config) (tts.Provider, error) {
	primary, err := tts.NewElevenLabs(
		tts.WithAPIKey(cfg.TTS.APIKey),
		tts.WithVoice(cfg.TTS.Voice),
		tts.WithModel(cfg.TTS.Model),
		tts.WithOutputFormat(tts.EncodingULaw),
		tts.WithTimeout(cfg.TTS.Timeout),
	)
	if err != nil {
		return nil, err
	}
	if cfg.TTS.FallbackAPIKey == "" {
		return primary, nil
	}

	fallback, err := tts.NewOpenAI(
		tts.WithAPIKey(cfg.TTS.FallbackAPIKey),
		tts.WithTimeout(cfg.TTS.Timeout),
	)
	if err != nil {
		return nil, err
	}
	return tts.NewChain(primary, fallback)
}

package carrier

import (
	"log/slog"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
)

// Handler receives call lifecycle and media events. Implemented by the
// orchestrator.
type Handler interface {
	// OnCallStart fires when a start event opens a stream. The returned
	// error refuses the call and closes the socket.
	OnCallStart(stream *MediaStream, start *StartData) error

	// OnMedia delivers one inbound µ-law frame.
	OnMedia(streamSID string, ulaw []byte)

	// OnMark fires when the carrier reports playout reached a mark.
	OnMark(streamSID, name string)

	// OnCallStop fires when the stream ends, by stop event or socket
	// close. Always called exactly once per started call.
	OnCallStop(streamSID string)
}

// Server owns the media-stream endpoint.
type Server struct {
	handler Handler
	logger  *slog.Logger
}

// NewServer creates the media endpoint around a handler.
func NewServer(handler Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		handler: handler,
		logger:  logger.With("component", "carrier"),
	}
}

// Register mounts the websocket media route on a fiber app.
func (s *Server) Register(app *fiber.App) {
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/media", websocket.New(func(c *websocket.Conn) {
		s.serve(c)
	}))
}

// serve pumps one call's socket until it closes.
func (s *Server) serve(c Conn) {
	var stream *MediaStream
	started := false

	defer func() {
		if started {
			s.handler.OnCallStop(stream.StreamSID())
		}
		if stream != nil {
			stream.Close()
		}
	}()

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			return
		}

		env, err := ParseEnvelope(data)
		if err != nil {
			s.logger.Warn("bad media message", "error", err)
			continue
		}

		switch env.Event {
		case EventStart:
			if env.Start == nil || env.Start.StreamSID == "" {
				s.logger.Warn("start event missing stream sid")
				return
			}
			if started {
				s.logger.Warn("duplicate start event", "stream", env.Start.StreamSID)
				continue
			}
			stream = NewMediaStream(env.Start.StreamSID, c)
			if err := s.handler.OnCallStart(stream, env.Start); err != nil {
				s.logger.Warn("call refused", "stream", env.Start.StreamSID, "error", err)
				return
			}
			started = true
			s.logger.Info("call started", "stream", env.Start.StreamSID)

		case EventMedia:
			if !started || env.StreamSID != stream.StreamSID() {
				s.logger.Warn("media for unknown stream", "stream", env.StreamSID)
				continue
			}
			audio, err := env.Media.Audio()
			if err != nil {
				s.logger.Warn("bad media payload", "error", err)
				continue
			}
			if len(audio) > 0 {
				s.handler.OnMedia(env.StreamSID, audio)
			}

		case EventMark:
			if !started || env.StreamSID != stream.StreamSID() || env.Mark == nil {
				continue
			}
			s.handler.OnMark(env.StreamSID, env.Mark.Name)

		case EventStop:
			s.logger.Info("call stopped", "stream", env.StreamSID)
			return

		default:
			s.logger.Warn("unknown media event", "event", env.Event)
		}
	}
}

package carrier

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
)

// fakeConn scripts inbound frames and records outbound writes.
type fakeConn struct {
	mu     sync.Mutex
	reads  [][]byte
	writes [][]byte
	pos    int
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pos >= len(f.reads) {
		return 0, nil, io.EOF
	}
	data := f.reads[f.pos]
	f.pos++
	return textMessage, data, nil
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := make([]byte, len(data))
	copy(c, data)
	f.writes = append(f.writes, c)
	return nil
}

func (f *fakeConn) Close() error { return nil }

func (f *fakeConn) queue(env *Envelope) {
	data, _ := env.Bytes()
	f.reads = append(f.reads, data)
}

func (f *fakeConn) queueRaw(data string) {
	f.reads = append(f.reads, []byte(data))
}

// recordingHandler captures handler callbacks.
type recordingHandler struct {
	mu       sync.Mutex
	started  []string
	media    [][]byte
	marks    []string
	stopped  []string
	startErr error
	stream   *MediaStream
}

func (h *recordingHandler) OnCallStart(stream *MediaStream, start *StartData) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.startErr != nil {
		return h.startErr
	}
	h.started = append(h.started, start.StreamSID)
	h.stream = stream
	return nil
}

func (h *recordingHandler) OnMedia(streamSID string, ulaw []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := make([]byte, len(ulaw))
	copy(c, ulaw)
	h.media = append(h.media, c)
}

func (h *recordingHandler) OnMark(streamSID, name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.marks = append(h.marks, name)
}

func (h *recordingHandler) OnCallStop(streamSID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = append(h.stopped, streamSID)
}

func startEnvelope(sid string) *Envelope {
	start := &StartData{StreamSID: sid}
	start.MediaFormat.Encoding = "audio/x-mulaw"
	start.MediaFormat.SampleRate = 8000
	start.MediaFormat.Channels = 1
	return &Envelope{Event: EventStart, Start: start}
}

func TestServe(t *testing.T) {
	t.Run("full call lifecycle", func(t *testing.T) {
		conn := &fakeConn{}
		conn.queue(startEnvelope("MZ123"))
		conn.queue(NewMediaEnvelope("MZ123", []byte{0xFF, 0x7F}))
		conn.queue(NewMarkEnvelope("MZ123", "utt-1"))
		conn.queue(&Envelope{Event: EventStop, StreamSID: "MZ123"})

		handler := &recordingHandler{}
		NewServer(handler, nil).serve(conn)

		if len(handler.started) != 1 || handler.started[0] != "MZ123" {
			t.Fatalf("start not delivered: %v", handler.started)
		}
		if len(handler.media) != 1 || len(handler.media[0]) != 2 {
			t.Fatalf("media not delivered: %v", handler.media)
		}
		if len(handler.marks) != 1 || handler.marks[0] != "utt-1" {
			t.Errorf("mark not delivered: %v", handler.marks)
		}
		if len(handler.stopped) != 1 {
			t.Errorf("expected exactly one stop, got %v", handler.stopped)
		}
	})

	t.Run("socket close without stop still fires OnCallStop", func(t *testing.T) {
		conn := &fakeConn{}
		conn.queue(startEnvelope("MZ1"))
		// No stop event; reads end with EOF.

		handler := &recordingHandler{}
		NewServer(handler, nil).serve(conn)

		if len(handler.stopped) != 1 || handler.stopped[0] != "MZ1" {
			t.Errorf("expected stop on socket close, got %v", handler.stopped)
		}
	})

	t.Run("media before start is ignored", func(t *testing.T) {
		conn := &fakeConn{}
		conn.queue(NewMediaEnvelope("MZ9", []byte{0xFF}))

		handler := &recordingHandler{}
		NewServer(handler, nil).serve(conn)

		if len(handler.media) != 0 {
			t.Error("media before start must be dropped")
		}
		if len(handler.stopped) != 0 {
			t.Error("no stop for a never-started call")
		}
	})

	t.Run("media for a different stream is ignored", func(t *testing.T) {
		conn := &fakeConn{}
		conn.queue(startEnvelope("MZ1"))
		conn.queue(NewMediaEnvelope("OTHER", []byte{0xFF}))

		handler := &recordingHandler{}
		NewServer(handler, nil).serve(conn)

		if len(handler.media) != 0 {
			t.Error("media for a foreign stream must be dropped")
		}
	})

	t.Run("malformed json skipped", func(t *testing.T) {
		conn := &fakeConn{}
		conn.queueRaw("{not json")
		conn.queue(startEnvelope("MZ1"))
		conn.queue(NewMediaEnvelope("MZ1", []byte{0xFF}))

		handler := &recordingHandler{}
		NewServer(handler, nil).serve(conn)

		if len(handler.media) != 1 {
			t.Error("expected pump to survive malformed frames")
		}
	})

	t.Run("refused call closes without stop", func(t *testing.T) {
		conn := &fakeConn{}
		conn.queue(startEnvelope("MZ1"))
		conn.queue(NewMediaEnvelope("MZ1", []byte{0xFF}))

		handler := &recordingHandler{startErr: errors.New("at capacity")}
		NewServer(handler, nil).serve(conn)

		if len(handler.media) != 0 || len(handler.stopped) != 0 {
			t.Error("refused call must not receive media or stop")
		}
	})
}

func TestMediaStream(t *testing.T) {
	t.Run("send media wraps payload", func(t *testing.T) {
		conn := &fakeConn{}
		stream := NewMediaStream("MZ1", conn)

		audio := []byte{0x00, 0x7F, 0xFF}
		if err := stream.SendMedia(audio); err != nil {
			t.Fatalf("SendMedia: %v", err)
		}

		var env Envelope
		if err := json.Unmarshal(conn.writes[0], &env); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if env.Event != EventMedia || env.StreamSID != "MZ1" {
			t.Errorf("unexpected envelope %+v", env)
		}
		decoded, _ := base64.StdEncoding.DecodeString(env.Media.Payload)
		if len(decoded) != 3 || decoded[2] != 0xFF {
			t.Errorf("payload not preserved: %v", decoded)
		}
	})

	t.Run("clear and mark envelopes", func(t *testing.T) {
		conn := &fakeConn{}
		stream := NewMediaStream("MZ1", conn)

		stream.SendClear()
		stream.SendMark("utt-3")

		var clear, mark Envelope
		json.Unmarshal(conn.writes[0], &clear)
		json.Unmarshal(conn.writes[1], &mark)
		if clear.Event != EventClear {
			t.Errorf("expected clear, got %s", clear.Event)
		}
		if mark.Event != EventMark || mark.Mark.Name != "utt-3" {
			t.Errorf("unexpected mark envelope %+v", mark)
		}
	})

	t.Run("send after close fails", func(t *testing.T) {
		stream := NewMediaStream("MZ1", &fakeConn{})
		stream.Close()
		if err := stream.SendMedia([]byte{0xFF}); !errors.Is(err, ErrStreamClosed) {
			t.Errorf("expected ErrStreamClosed, got %v", err)
		}
	})
}

func TestParseEnvelope(t *testing.T) {
	t.Run("round trip media", func(t *testing.T) {
		env := NewMediaEnvelope("MZ1", []byte{1, 2, 3})
		data, _ := env.Bytes()

		parsed, err := ParseEnvelope(data)
		if err != nil {
			t.Fatalf("ParseEnvelope: %v", err)
		}
		audio, err := parsed.Media.Audio()
		if err != nil || len(audio) != 3 {
			t.Errorf("audio lost: %v, %v", audio, err)
		}
	})

	t.Run("missing event rejected", func(t *testing.T) {
		if _, err := ParseEnvelope([]byte(`{"streamSid":"x"}`)); err == nil {
			t.Error("expected error for missing event")
		}
	})

	t.Run("bad base64 payload", func(t *testing.T) {
		m := &MediaData{Payload: "!!!not-base64!!!"}
		if _, err := m.Audio(); err == nil {
			t.Error("expected decode error")
		}
	})
}

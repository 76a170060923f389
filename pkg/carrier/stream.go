package carrier

import (
	"errors"
	"sync"
)

// ErrStreamClosed is returned when writing to a closed media stream.
var ErrStreamClosed = errors.New("carrier: stream closed")

// Conn is the subset of the websocket connection the stream needs.
// Satisfied by the fiber contrib websocket connection.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (int, []byte, error)
	Close() error
}

const textMessage = 1

// MediaStream is the outbound half of one call's media socket. Writes
// are serialized; the websocket allows a single writer.
type MediaStream struct {
	streamSID string

	mu     sync.Mutex
	conn   Conn
	closed bool
}

// NewMediaStream wraps an upgraded connection for a started call.
func NewMediaStream(streamSID string, c Conn) *MediaStream {
	return &MediaStream{streamSID: streamSID, conn: c}
}

// StreamSID returns the carrier's stream identifier.
func (s *MediaStream) StreamSID() string {
	return s.streamSID
}

// SendMedia writes one µ-law chunk to the caller.
func (s *MediaStream) SendMedia(chunk []byte) error {
	return s.send(NewMediaEnvelope(s.streamSID, chunk))
}

// SendMark asks the carrier to echo when playout reaches this point.
func (s *MediaStream) SendMark(name string) error {
	return s.send(NewMarkEnvelope(s.streamSID, name))
}

// SendClear flushes the carrier's playout buffer.
func (s *MediaStream) SendClear() error {
	return s.send(NewClearEnvelope(s.streamSID))
}

func (s *MediaStream) send(env *Envelope) error {
	data, err := env.Bytes()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	return s.conn.WriteMessage(textMessage, data)
}

// Close marks the stream closed. The connection itself is owned by the
// fiber handler and closes when the handler returns.
func (s *MediaStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

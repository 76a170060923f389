// Package carrier speaks the telephony provider's media-stream
// protocol: JSON events over a WebSocket, one connection per call,
// audio as base64 µ-law payloads.
package carrier

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Event identifies a media-stream message.
type Event string

const (
	// EventStart opens a call's media stream.
	EventStart Event = "start"

	// EventMedia carries one audio frame, either direction.
	EventMedia Event = "media"

	// EventStop closes the stream.
	EventStop Event = "stop"

	// EventMark echoes back when playout reaches a named point.
	EventMark Event = "mark"

	// EventClear flushes the carrier's playout buffer.
	EventClear Event = "clear"
)

// Envelope is the wire frame for every media-stream message.
type Envelope struct {
	Event     Event      `json:"event"`
	StreamSID string     `json:"streamSid,omitempty"`
	Start     *StartData `json:"start,omitempty"`
	Media     *MediaData `json:"media,omitempty"`
	Mark      *MarkData  `json:"mark,omitempty"`
}

// StartData describes the call opening the stream.
type StartData struct {
	StreamSID  string   `json:"streamSid"`
	AccountSID string   `json:"accountSid,omitempty"`
	CallSID    string   `json:"callSid,omitempty"`
	Tracks     []string `json:"tracks,omitempty"`
	MediaFormat struct {
		Encoding   string `json:"encoding"`
		SampleRate int    `json:"sampleRate"`
		Channels   int    `json:"channels"`
	} `json:"mediaFormat"`
}

// MediaData carries one base64 µ-law audio frame.
type MediaData struct {
	Payload   string `json:"payload"`
	Timestamp string `json:"timestamp,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
}

// MarkData names a playout checkpoint.
type MarkData struct {
	Name string `json:"name"`
}

// ParseEnvelope decodes one wire frame.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("carrier: parse message: %w", err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("carrier: message missing event")
	}
	return &env, nil
}

// Audio decodes the frame's µ-law payload.
func (m *MediaData) Audio() ([]byte, error) {
	if m == nil || m.Payload == "" {
		return nil, nil
	}
	audio, err := base64.StdEncoding.DecodeString(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("carrier: decode payload: %w", err)
	}
	return audio, nil
}

// NewMediaEnvelope wraps µ-law audio for the wire.
func NewMediaEnvelope(streamSID string, ulaw []byte) *Envelope {
	return &Envelope{
		Event:     EventMedia,
		StreamSID: streamSID,
		Media:     &MediaData{Payload: base64.StdEncoding.EncodeToString(ulaw)},
	}
}

// NewMarkEnvelope asks the carrier to echo when playout reaches here.
func NewMarkEnvelope(streamSID, name string) *Envelope {
	return &Envelope{
		Event:     EventMark,
		StreamSID: streamSID,
		Mark:      &MarkData{Name: name},
	}
}

// NewClearEnvelope flushes the carrier playout buffer.
func NewClearEnvelope(streamSID string) *Envelope {
	return &Envelope{
		Event:     EventClear,
		StreamSID: streamSID,
	}
}

// Bytes returns the JSON-encoded envelope.
func (e *Envelope) Bytes() ([]byte, error) {
	return json.Marshal(e)
}

// Package stt provides streaming speech-to-text for the caller leg.
//
// Callers open one recognition stream per call, feed it 16kHz mono PCM16
// audio, and consume interim and final transcripts from the results
// channel. Interim results drive barge-in detection; final results drive
// the answer pipeline.
//
// Example usage:
//
//	provider, _ := stt.NewDeepgram(stt.WithAPIKey(os.Getenv("STT_API_KEY")))
//	stream, _ := provider.StartStream(ctx)
//	defer stream.Close()
//
//	go func() {
//	    for result := range stream.Results() {
//	        handle(result)
//	    }
//	}()
//	stream.SendAudio(pcm16)
package stt

import (
	"context"
	"time"
)

// Provider defines the speech-to-text provider interface.
type Provider interface {
	// StartStream opens a recognition stream for one call.
	// The stream accepts 16kHz mono PCM16 audio.
	StartStream(ctx context.Context) (Stream, error)

	// Health checks provider connectivity and API key validity.
	Health(ctx context.Context) error

	// Close releases any resources held by the provider.
	Close() error
}

// Stream is a live recognition stream.
type Stream interface {
	// SendAudio submits an audio chunk for recognition.
	// Returns ErrStreamClosed after Close.
	SendAudio(pcm16 []byte) error

	// Results returns the transcript channel. The channel is closed when
	// the stream ends, after which Err reports any terminal error.
	Results() <-chan Result

	// Err returns the terminal stream error, if any. Valid after the
	// results channel closes.
	Err() error

	// Close ends the stream and releases its connection.
	Close() error
}

// Result is one transcription event, interim or final.
type Result struct {
	// Text is the transcript for the current utterance so far.
	Text string

	// IsFinal marks the end of an utterance. Interim results for the
	// same utterance may revise earlier text.
	IsFinal bool

	// Confidence is the provider's confidence in the transcript (0-1).
	Confidence float64

	// SpeechStarted marks the onset of speech before any words decode.
	SpeechStarted bool

	// Duration is the audio duration covered by this result.
	Duration time.Duration

	// Timestamp is when the result was received.
	Timestamp time.Time
}

package stt

import (
	"context"

	"github.com/harunnryd/rekrut/pkg/frames"
)

// Recognizer opens recognition streams for one vendor.
type Recognizer interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Open starts a fresh stream. Streams are not restartable: after a
	// failure the caller opens a new one.
	Open(ctx context.Context, opts Options) (Stream, error)
}

// Stream is one live recognition session.
type Stream interface {
	// Send forwards one inbound audio frame.
	Send(frame frames.AudioFrame) error
	// Events yields partial and final transcripts. It is closed when the
	// stream ends, after which Err reports why.
	Events() <-chan frames.TranscriptEvent
	// Err returns a *errorsx.RecognitionError after an upstream failure and
	// nil after a clean Close.
	Err() error
	Close() error
}

// Options contains vendor-agnostic stream configuration.
type Options struct {
	SessionID  string
	SampleRate int
	Encoding   string
	Language   string
}

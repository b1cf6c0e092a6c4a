package tts

import (
	"context"

	"github.com/harunnryd/rekrut/pkg/frames"
)

// Synthesizer turns utterances into audio for one vendor.
type Synthesizer interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Synthesize starts streaming audio for text. Cancelling ctx stops frame
	// production; Frames is then closed without further output.
	Synthesize(ctx context.Context, text string) (Stream, error)
}

// Stream is one utterance being synthesized.
type Stream interface {
	// Frames yields audio in playback order and is closed when the utterance
	// completes, fails or is cancelled.
	Frames() <-chan frames.AudioFrame
	// Err returns a *errorsx.SynthesisError after an upstream failure.
	Err() error
}

// Options contains vendor-agnostic synthesis configuration.
type Options struct {
	SampleRate int
	Encoding   string
}

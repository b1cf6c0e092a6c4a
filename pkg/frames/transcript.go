package frames

import (
	"strings"
	"time"
)

type TranscriptKind string

const (
	TranscriptPartial TranscriptKind = "partial"
	TranscriptFinal   TranscriptKind = "final"
	// SpeechStarted carries no text; it marks voice activity onset.
	SpeechStarted TranscriptKind = "speech_started"
)

// TranscriptEvent is produced by a recognizer stream. Start and End are
// offsets from the beginning of that stream.
type TranscriptEvent struct {
	Kind       TranscriptKind
	Text       string
	Confidence float64
	Start      time.Duration
	End        time.Duration
	Received   time.Time
}

func (e TranscriptEvent) IsFinal() bool { return e.Kind == TranscriptFinal }

// HasSpeech reports whether the event indicates the candidate is talking.
func (e TranscriptEvent) HasSpeech() bool {
	if e.Kind == SpeechStarted {
		return true
	}
	return strings.TrimSpace(e.Text) != ""
}

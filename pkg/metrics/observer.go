package metrics

import "time"

// Event names emitted by the interview pipeline.
const (
	EventStateChange     = "state_change"
	EventBargeIn         = "barge_in"
	EventTurnLatency     = "turn_latency_ms"
	EventFrameDropped    = "frames_dropped"
	EventRecognizerRetry = "recognizer_retry"
	EventSynthesisFailed = "synthesis_failed"
	EventSessionEnded    = "session_ended"
	EventAudioIn         = "audio_in"
	EventAudioOut        = "audio_out"
)

type Event struct {
	Name      string
	Time      time.Time
	SessionID string
	Value     float64
	Tags      map[string]string
	Fields    map[string]any
}

type Observer interface {
	RecordEvent(ev Event)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(Event) {}

// Multi fans one event out to several observers, skipping nils.
type Multi []Observer

func (m Multi) RecordEvent(ev Event) {
	for _, obs := range m {
		if obs != nil {
			obs.RecordEvent(ev)
		}
	}
}

// Flush flushes every member that supports it and returns the first error.
func (m Multi) Flush() error {
	var first error
	for _, obs := range m {
		if f, ok := obs.(Flusher); ok {
			if err := f.Flush(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

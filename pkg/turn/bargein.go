package turn

import (
	"strings"

	"github.com/harunnryd/rekrut/pkg/frames"
)

// Strategy decides whether candidate speech may interrupt the interviewer.
type Strategy interface {
	Name() string
	BargeInEnabled() bool
}

type AggressiveStrategy struct{}

func (AggressiveStrategy) Name() string         { return "aggressive" }
func (AggressiveStrategy) BargeInEnabled() bool { return true }

type PoliteStrategy struct{}

func (PoliteStrategy) Name() string         { return "polite" }
func (PoliteStrategy) BargeInEnabled() bool { return false }

// StrategyFor maps the barge_in config toggle to a strategy.
func StrategyFor(enabled bool) Strategy {
	if enabled {
		return AggressiveStrategy{}
	}
	return PoliteStrategy{}
}

// BargeInDetector recognizes candidate speech onset while the interviewer
// is talking.
type BargeInDetector struct {
	Strategy Strategy

	// MinWords is the shortest partial that counts as an interruption when
	// the recognizer does not report voice activity. Backchannel such as
	// "mm" stays below it.
	MinWords int

	// UseVAD treats speech_started events as onset.
	UseVAD bool
}

func (d BargeInDetector) Interrupts(state State, ev frames.TranscriptEvent) bool {
	if d.Strategy == nil || !d.Strategy.BargeInEnabled() || !state.Speaking() {
		return false
	}
	if ev.Kind == frames.SpeechStarted {
		return d.UseVAD
	}
	min := d.MinWords
	if min <= 0 {
		min = 1
	}
	return len(strings.Fields(ev.Text)) >= min
}

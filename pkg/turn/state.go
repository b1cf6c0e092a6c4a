package turn

// State is a session orchestrator state.
type State int

const (
	StateConnecting State = iota
	StateGreeting
	StateListening
	StateThinking
	StateSpeaking
	StateEnding
	StateEnded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateGreeting:
		return "GREETING"
	case StateListening:
		return "LISTENING"
	case StateThinking:
		return "THINKING"
	case StateSpeaking:
		return "SPEAKING"
	case StateEnding:
		return "ENDING"
	case StateEnded:
		return "ENDED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateFailed
}

// Speaking reports whether a synthesizer stream is forwarded in this state.
func (s State) Speaking() bool {
	return s == StateGreeting || s == StateSpeaking
}

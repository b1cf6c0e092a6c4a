package errorsx

import (
	"errors"
	"fmt"
	"time"
)

// ErrSessionNotFound is returned by registry lookups for unknown ids.
var ErrSessionNotFound = errors.New("session not found")

// TransportError ends the session: the media connection is gone or was never
// usable.
type TransportError struct {
	Transport string
	Op        string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %s: %v", e.Transport, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) ReasonCode() ReasonCode { return explicitOr(e.Err, ReasonTransportClosed) }

// RecognitionError fails the current recognizer stream. The orchestrator
// retries once with a fresh stream before giving up.
type RecognitionError struct {
	Provider string
	Err      error
}

func (e *RecognitionError) Error() string {
	return fmt.Sprintf("recognizer %s: %v", e.Provider, e.Err)
}

func (e *RecognitionError) Unwrap() error { return e.Err }

func (e *RecognitionError) ReasonCode() ReasonCode { return explicitOr(e.Err, ReasonSTTStream) }

// SynthesisError fails a single utterance.
type SynthesisError struct {
	Provider string
	Text     string
	Err      error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("synthesizer %s: %v", e.Provider, e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }

func (e *SynthesisError) ReasonCode() ReasonCode { return explicitOr(e.Err, ReasonTTSStream) }

// DialogueTimeoutError means the dialogue engine did not decide in time.
type DialogueTimeoutError struct {
	After time.Duration
}

func (e *DialogueTimeoutError) Error() string {
	return fmt.Sprintf("dialogue engine timed out after %s", e.After)
}

func (e *DialogueTimeoutError) ReasonCode() ReasonCode { return ReasonDialogueTimeout }

// DuplicateSessionError guards against duplicate webhook delivery.
type DuplicateSessionError struct {
	ExternalID string
	SessionID  string
}

func (e *DuplicateSessionError) Error() string {
	return fmt.Sprintf("external id %q already bound to live session %s", e.ExternalID, e.SessionID)
}

func (e *DuplicateSessionError) ReasonCode() ReasonCode { return ReasonSessionDuplicate }

// SessionFatal reports whether err must move a session to FAILED.
// Recognition errors are fatal only once the retry budget is spent, which
// the caller tracks.
func SessionFatal(err error) bool {
	if err == nil {
		return false
	}
	var te *TransportError
	return errors.As(err, &te)
}

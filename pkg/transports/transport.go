package transports

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/harunnryd/rekrut/pkg/frames"
	"github.com/harunnryd/rekrut/pkg/interview"
)

// Transport normalizes one kind of real-time media connection into a
// bidirectional audio frame stream. Implementations own their network
// lifecycle.
type Transport interface {
	Kind() interview.Kind
	// Attach blocks until the media connection for cfg is usable or fails
	// with a *errorsx.TransportError.
	Attach(ctx context.Context, cfg SessionConfig) (Stream, error)
}

// Stream is one attached media connection. Inbound frames arrive in strict
// arrival order; outbound frames are transmitted in submission order.
type Stream interface {
	Inbound() <-chan frames.AudioFrame
	Send(ctx context.Context, frame frames.AudioFrame) error
	// Clear discards outbound audio that was queued but not yet played.
	Clear() error
	// Done is closed when the connection ends; Err then reports a
	// *errorsx.TransportError, or nil for a normal hangup.
	Done() <-chan struct{}
	Err() error
	Close() error
}

// PlaybackWaiter is implemented by streams that can tell when queued
// outbound audio has actually been played to the candidate.
type PlaybackWaiter interface {
	WaitPlayback(ctx context.Context) error
}

// Farewell is implemented by streams that can show the candidate a
// disconnect message before closing.
type Farewell interface {
	SayGoodbye(status interview.Status, reason string) error
}

// RoomDescriptor is the pull-model join handle for WEB sessions.
type RoomDescriptor struct {
	Room      string    `json:"room"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CallLeg is the push-model descriptor reported by the telephony webhook.
type CallLeg struct {
	CallSID    string `json:"call_sid"`
	AccountSID string `json:"account_sid,omitempty"`
	From       string `json:"from,omitempty"`
	To         string `json:"to,omitempty"`
	Direction  string `json:"direction,omitempty"`
	// SessionID is set when the call was dialed for an existing session.
	SessionID string `json:"session_id,omitempty"`
}

type SessionConfig struct {
	SessionID   string
	Kind        interview.Kind
	CandidateID string
	JobID       string
	Room        *RoomDescriptor
	CallLeg     *CallLeg
}

// ExternalID is the transport-supplied identity used for duplicate
// detection: the call SID for PHONE, the room for WEB.
func (c SessionConfig) ExternalID() string {
	switch c.Kind {
	case interview.KindPhone:
		if c.CallLeg != nil {
			return c.CallLeg.CallSID
		}
	case interview.KindWeb:
		if c.Room != nil {
			return c.Room.Room
		}
	}
	return ""
}

func (c SessionConfig) Direction() string {
	if c.CallLeg != nil && c.CallLeg.Direction != "" {
		return c.CallLeg.Direction
	}
	if c.Kind == interview.KindWeb {
		return "inbound"
	}
	return ""
}

func (c SessionConfig) Validate() error {
	switch c.Kind {
	case interview.KindWeb:
		if c.Room == nil || strings.TrimSpace(c.Room.Room) == "" || strings.TrimSpace(c.Room.Token) == "" {
			return errors.New("web session requires a room/token descriptor")
		}
	case interview.KindPhone:
		if c.CallLeg == nil {
			return errors.New("phone session requires a call-leg descriptor")
		}
	default:
		return errors.New("session config requires a transport kind")
	}
	return nil
}

// OutboundDialer allows transports to initiate outbound calls.
type OutboundDialer interface {
	Dial(ctx context.Context, to, from string, opts DialOptions) (callSID string, err error)
}

// DialOptions carries optional outbound dial settings.
type DialOptions struct {
	URL                  string
	SessionID            string
	SendDigits           string
	StatusCallback       string
	StatusCallbackEvents []string
}

// Route is an HTTP endpoint a transport needs mounted. An empty Method
// mounts the handler for every method so it can reject the others itself.
type Route struct {
	Method  string
	Path    string
	Handler http.Handler
}

type RouteProvider interface {
	Routes() []Route
}

// ReadyReporter allows transports to expose readiness metadata (e.g., webhook URLs).
// Implementations are optional and used for informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}

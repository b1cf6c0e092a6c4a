// Package mock provides an in-memory transport for tests and the offline
// demo. Tests drive the candidate side through Stream.
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/harunnryd/rekrut/pkg/errorsx"
	"github.com/harunnryd/rekrut/pkg/frames"
	"github.com/harunnryd/rekrut/pkg/interview"
	"github.com/harunnryd/rekrut/pkg/transports"
)

var errStreamClosed = errors.New("mock stream closed")

// Transport attaches every session immediately.
type Transport struct {
	kind interview.Kind

	mu         sync.Mutex
	streams    map[string]*Stream
	failAttach error
	attached   chan *Stream
}

func New(kind interview.Kind) *Transport {
	return &Transport{
		kind:     kind,
		streams:  make(map[string]*Stream),
		attached: make(chan *Stream, 64),
	}
}

func (t *Transport) Kind() interview.Kind { return t.kind }

// FailAttach makes subsequent Attach calls fail with err.
func (t *Transport) FailAttach(err error) {
	t.mu.Lock()
	t.failAttach = err
	t.mu.Unlock()
}

func (t *Transport) Attach(ctx context.Context, cfg transports.SessionConfig) (transports.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, &errorsx.TransportError{Transport: "mock", Op: "attach", Err: err}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failAttach != nil {
		return nil, &errorsx.TransportError{Transport: "mock", Op: "attach", Err: t.failAttach}
	}
	s := NewStream(cfg.SessionID)
	t.streams[cfg.SessionID] = s
	select {
	case t.attached <- s:
	default:
	}
	return s, nil
}

// CreateRoom issues a WEB join descriptor; the mock attaches without a
// browser, so the room only has to pass validation.
func (t *Transport) CreateRoom(sessionID string) transports.RoomDescriptor {
	return transports.RoomDescriptor{
		Room:      "room-" + sessionID,
		Token:     "token-" + sessionID,
		ExpiresAt: time.Now().Add(15 * time.Minute).UTC(),
	}
}

func (t *Transport) ReleaseRoom(string) {}

func (t *Transport) OfferURL(room string) string { return "/rtc/rooms/" + room + "/offer" }

// Attached delivers streams as sessions attach.
func (t *Transport) Attached() <-chan *Stream { return t.attached }

func (t *Transport) Stream(sessionID string) *Stream {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streams[sessionID]
}

// Sent is one outbound item in transmission order; Clear marks a flush.
type Sent struct {
	Frame frames.AudioFrame
	Clear bool
}

type Stream struct {
	*transports.Pipe
	ID string

	seq frames.Sequencer

	mu       sync.Mutex
	sent     []Sent
	closed   bool
	goodbye  interview.Status
	farewell string
	notify   chan struct{}
}

func NewStream(id string) *Stream {
	return &Stream{
		Pipe:   transports.NewPipe("mock", 1024, nil),
		ID:     id,
		notify: make(chan struct{}, 1),
	}
}

// Push delivers one candidate frame carrying payload.
func (s *Stream) Push(payload []byte) bool {
	return s.Deliver(frames.NewMulawFrame(s.seq.Next(), time.Now(), payload))
}

// PushSilence delivers n frames of µ-law silence.
func (s *Stream) PushSilence(n int) {
	for _, f := range frames.Silence(&s.seq, n) {
		s.Deliver(f)
	}
}

// Hangup ends the stream like a normal candidate hangup.
func (s *Stream) Hangup() { s.End(nil) }

// Drop ends the stream with a transport error.
func (s *Stream) Drop(cause error) {
	s.End(&errorsx.TransportError{Transport: "mock", Op: "read", Err: cause})
}

func (s *Stream) Send(ctx context.Context, f frames.AudioFrame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &errorsx.TransportError{Transport: "mock", Op: "send", Err: errStreamClosed}
	}
	select {
	case <-s.Done():
		return &errorsx.TransportError{Transport: "mock", Op: "send", Err: errStreamClosed}
	default:
	}
	s.sent = append(s.sent, Sent{Frame: f})
	s.signal()
	return nil
}

func (s *Stream) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, Sent{Clear: true})
	s.signal()
	return nil
}

func (s *Stream) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Activity fires after outbound frames or clears were recorded.
func (s *Stream) Activity() <-chan struct{} { return s.notify }

func (s *Stream) WaitPlayback(context.Context) error { return nil }

func (s *Stream) SayGoodbye(status interview.Status, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.goodbye = status
	s.farewell = reason
	return nil
}

// Goodbye returns what SayGoodbye recorded.
func (s *Stream) Goodbye() (interview.Status, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.goodbye, s.farewell
}

func (s *Stream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.End(nil)
	return nil
}

func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Sent returns a copy of the outbound log.
func (s *Stream) Sent() []Sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Sent(nil), s.sent...)
}

// FramesSent counts outbound audio frames.
func (s *Stream) FramesSent() int {
	n := 0
	for _, item := range s.Sent() {
		if !item.Clear {
			n++
		}
	}
	return n
}

// Clears counts flush markers.
func (s *Stream) Clears() int {
	n := 0
	for _, item := range s.Sent() {
		if item.Clear {
			n++
		}
	}
	return n
}

var (
	_ transports.Transport      = (*Transport)(nil)
	_ transports.PlaybackWaiter = (*Stream)(nil)
	_ transports.Farewell       = (*Stream)(nil)
)

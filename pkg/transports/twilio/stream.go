package twilio

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/rekrut/pkg/errorsx"
	"github.com/harunnryd/rekrut/pkg/frames"
	"github.com/harunnryd/rekrut/pkg/priority"
	"github.com/harunnryd/rekrut/pkg/transports"
)

var errStreamClosed = errors.New("media stream closed")

// mediaStream is one Twilio Media Streams websocket bound to a session.
type mediaStream struct {
	*transports.Pipe

	conn      *websocket.Conn
	queue     *priority.PriorityQueue
	logger    *slog.Logger
	seq       frames.Sequencer
	sessionID string
	streamSID string
	callSID   string

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	onEnd  func(*mediaStream)

	marksMu sync.Mutex
	marks   map[string]chan struct{}
	markSeq atomic.Int64

	outDropped atomic.Int64
}

func newMediaStream(conn *websocket.Conn, start *TwilioStart, sessionID string, cfg Config, logger *slog.Logger) *mediaStream {
	ctx, cancel := context.WithCancel(context.Background())
	return &mediaStream{
		Pipe:      transports.NewPipe("twilio", cfg.InboundBuffer, logger),
		conn:      conn,
		queue:     priority.New(8, cfg.OutboundBuffer, 4),
		logger:    logger,
		sessionID: sessionID,
		streamSID: start.StreamID,
		callSID:   start.CallSID,
		ctx:       ctx,
		cancel:    cancel,
		marks:     make(map[string]chan struct{}),
	}
}

func (s *mediaStream) deliverMedia(m *TwilioMedia) {
	payload, err := base64.StdEncoding.DecodeString(m.Payload)
	if err != nil {
		s.logger.Debug("twilio_media_decode_failed", "reason_code", string(errorsx.ReasonTransportCodec))
		return
	}
	s.Deliver(frames.NewMulawFrame(s.seq.Next(), time.Now(), payload))
}

func (s *mediaStream) Send(ctx context.Context, f frames.AudioFrame) error {
	select {
	case <-s.Done():
		return &errorsx.TransportError{Transport: "twilio", Op: "send", Err: errStreamClosed}
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	b, err := json.Marshal(outboundMessage{
		Event:     "media",
		StreamSID: s.streamSID,
		Media:     &TwilioMedia{Payload: base64.StdEncoding.EncodeToString(f.Payload)},
	})
	if err != nil {
		return err
	}
	if !s.queue.TryPushLow(b) {
		n := s.outDropped.Add(1)
		if n == 1 || n%50 == 0 {
			s.logger.Warn("outbound_frame_dropped", "seq", f.Seq, "dropped_total", n)
		}
	}
	return nil
}

// Clear drops queued media locally and tells Twilio to flush what it has
// buffered for playback.
func (s *mediaStream) Clear() error {
	dropped := s.queue.DropLow()
	b, err := json.Marshal(outboundMessage{Event: "clear", StreamSID: s.streamSID})
	if err != nil {
		return err
	}
	if !s.queue.TryPushHigh(b) {
		return &errorsx.TransportError{Transport: "twilio", Op: "clear", Err: errStreamClosed}
	}
	s.logger.Debug("twilio_clear", "dropped_frames", dropped)
	return nil
}

// WaitPlayback sends a mark behind the queued media and waits for Twilio to
// echo it, which happens once the audio before it has played.
func (s *mediaStream) WaitPlayback(ctx context.Context) error {
	name := fmt.Sprintf("rk-%d", s.markSeq.Add(1))
	ch := make(chan struct{})
	s.marksMu.Lock()
	s.marks[name] = ch
	s.marksMu.Unlock()
	defer func() {
		s.marksMu.Lock()
		delete(s.marks, name)
		s.marksMu.Unlock()
	}()

	b, err := json.Marshal(outboundMessage{Event: "mark", StreamSID: s.streamSID, Mark: &TwilioMark{Name: name}})
	if err != nil {
		return err
	}
	if !s.queue.TryPushLow(b) {
		return &errorsx.TransportError{Transport: "twilio", Op: "mark", Err: errStreamClosed}
	}
	select {
	case <-ch:
		return nil
	case <-s.Done():
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *mediaStream) resolveMark(name string) {
	s.marksMu.Lock()
	defer s.marksMu.Unlock()
	if ch, ok := s.marks[name]; ok {
		close(ch)
		delete(s.marks, name)
	}
}

func (s *mediaStream) writeLoop() {
	for {
		item, ok := s.queue.Pop(s.ctx)
		if !ok {
			return
		}
		msg, _ := item.([]byte)
		_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			s.end(&errorsx.TransportError{Transport: "twilio", Op: "write", Err: err})
			return
		}
	}
}

func (s *mediaStream) Close() error {
	if s.end(nil) {
		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"), deadline)
	}
	return s.conn.Close()
}

// end finishes the stream once; err nil means a normal hangup.
func (s *mediaStream) end(err error) bool {
	if !s.End(err) {
		return false
	}
	s.once.Do(func() {
		s.queue.Close()
		s.cancel()
		if err != nil {
			_ = s.conn.Close()
		}
		if s.onEnd != nil {
			s.onEnd(s)
		}
	})
	return true
}

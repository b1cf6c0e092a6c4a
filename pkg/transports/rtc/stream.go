package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/rekrut/pkg/errorsx"
	"github.com/harunnryd/rekrut/pkg/frames"
	"github.com/harunnryd/rekrut/pkg/interview"
	"github.com/harunnryd/rekrut/pkg/transports"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
)

var errPeerClosed = errors.New("peer connection closed")

// peerStream paces outbound µ-law onto a PCMU track one 20ms sample per tick
// and turns inbound RTP payloads into frames.
type peerStream struct {
	*transports.Pipe

	pc     *webrtc.PeerConnection
	track  *webrtc.TrackLocalStaticSample
	out    chan []byte
	logger *slog.Logger
	seq    frames.Sequencer

	control atomic.Pointer[webrtc.DataChannel]
	writing atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	onEnd  func(*peerStream)

	outDropped atomic.Int64
}

func newPeerStream(pc *webrtc.PeerConnection, track *webrtc.TrackLocalStaticSample, cfg Config, logger *slog.Logger) *peerStream {
	ctx, cancel := context.WithCancel(context.Background())
	return &peerStream{
		Pipe:   transports.NewPipe("rtc", cfg.InboundBuffer, logger),
		pc:     pc,
		track:  track,
		out:    make(chan []byte, cfg.OutboundBuffer),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *peerStream) setControl(dc *webrtc.DataChannel) {
	s.control.Store(dc)
}

func (s *peerStream) readLoop(remote *webrtc.TrackRemote) {
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		payload := make([]byte, len(pkt.Payload))
		copy(payload, pkt.Payload)
		s.Deliver(frames.NewMulawFrame(s.seq.Next(), time.Now(), payload))
	}
}

func (s *peerStream) pacer() {
	ticker := time.NewTicker(frames.FrameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			select {
			case data := <-s.out:
				s.writing.Store(true)
				if err := s.track.WriteSample(media.Sample{Data: data, Duration: frames.FrameInterval}); err != nil {
					s.logger.Debug("rtc_write_sample_failed", "error", err.Error())
				}
				s.writing.Store(false)
			default:
			}
		}
	}
}

func (s *peerStream) Send(ctx context.Context, f frames.AudioFrame) error {
	select {
	case <-s.Done():
		return &errorsx.TransportError{Transport: "rtc", Op: "send", Err: errPeerClosed}
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	select {
	case s.out <- f.Payload:
	default:
		n := s.outDropped.Add(1)
		if n == 1 || n%50 == 0 {
			s.logger.Warn("outbound_frame_dropped", "seq", f.Seq, "dropped_total", n)
		}
	}
	return nil
}

func (s *peerStream) Clear() error {
	for {
		select {
		case <-s.out:
		default:
			return nil
		}
	}
}

// WaitPlayback returns once the pacer has written every queued sample.
func (s *peerStream) WaitPlayback(ctx context.Context) error {
	ticker := time.NewTicker(frames.FrameInterval)
	defer ticker.Stop()
	for {
		if len(s.out) == 0 && !s.writing.Load() {
			return nil
		}
		select {
		case <-ticker.C:
		case <-s.Done():
			return s.Err()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SayGoodbye tells the browser why the session ended.
func (s *peerStream) SayGoodbye(status interview.Status, reason string) error {
	dc := s.control.Load()
	if dc == nil {
		return nil
	}
	b, err := json.Marshal(map[string]string{
		"type":   "session_ended",
		"status": string(status),
		"reason": reason,
	})
	if err != nil {
		return err
	}
	return dc.SendText(string(b))
}

func (s *peerStream) Close() error {
	s.end(nil)
	return s.pc.Close()
}

func (s *peerStream) end(err error) {
	if !s.End(err) {
		return
	}
	s.once.Do(func() {
		s.cancel()
		if err != nil {
			go func() { _ = s.pc.Close() }()
		}
		if s.onEnd != nil {
			s.onEnd(s)
		}
	})
}

package mock

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/rekrut/pkg/adapters/stt"
	"github.com/harunnryd/rekrut/pkg/errorsx"
	"github.com/harunnryd/rekrut/pkg/frames"
)

type RecognizerConfig struct {
	// Answers are replayed in order, one per candidate turn, once
	// FramesPerAnswer inbound frames arrived. Zero FramesPerAnswer disables
	// auto answering; tests then drive streams with Say.
	Answers         []string
	FramesPerAnswer int
	Confidence      float64

	// FailOpens makes the next n Open calls fail.
	FailOpens int
}

// Recognizer is a scripted recognizer for tests and the offline demo.
type Recognizer struct {
	cfg RecognizerConfig

	mu        sync.Mutex
	streams   []*Stream
	failOpens int
	answer    int
	opened    chan *Stream
}

func NewRecognizer(cfg RecognizerConfig) *Recognizer {
	if cfg.Confidence == 0 {
		cfg.Confidence = 0.95
	}
	return &Recognizer{cfg: cfg, failOpens: cfg.FailOpens, opened: make(chan *Stream, 16)}
}

func (r *Recognizer) Name() string { return "mock" }

func (r *Recognizer) Open(ctx context.Context, _ stt.Options) (stt.Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failOpens > 0 {
		r.failOpens--
		return nil, &errorsx.RecognitionError{Provider: "mock", Err: errorsx.Wrap(context.DeadlineExceeded, errorsx.ReasonSTTConnect)}
	}
	s := &Stream{parent: r, events: make(chan frames.TranscriptEvent, 64), started: time.Now()}
	r.streams = append(r.streams, s)
	select {
	case r.opened <- s:
	default:
	}
	go func() {
		select {
		case <-ctx.Done():
			s.finish(nil)
		case <-s.doneCh():
		}
	}()
	return s, nil
}

// Opened delivers streams as they are opened.
func (r *Recognizer) Opened() <-chan *Stream { return r.opened }

func (r *Recognizer) Streams() []*Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Stream(nil), r.streams...)
}

// Latest returns the most recently opened stream.
func (r *Recognizer) Latest() *Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.streams) == 0 {
		return nil
	}
	return r.streams[len(r.streams)-1]
}

func (r *Recognizer) nextAnswer() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.cfg.Answers) == 0 {
		return "", false
	}
	a := r.cfg.Answers[r.answer%len(r.cfg.Answers)]
	r.answer++
	return a, true
}

type Stream struct {
	parent  *Recognizer
	events  chan frames.TranscriptEvent
	started time.Time

	mu       sync.Mutex
	done     chan struct{}
	finished bool
	err      error
	received int
	frames   int
}

func (s *Stream) doneCh() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		s.done = make(chan struct{})
	}
	return s.done
}

func (s *Stream) Send(frame frames.AudioFrame) error {
	s.mu.Lock()
	if s.finished {
		err := s.err
		s.mu.Unlock()
		if err == nil {
			err = &errorsx.RecognitionError{Provider: "mock", Err: errorsx.Wrap(context.Canceled, errorsx.ReasonSTTSend)}
		}
		return err
	}
	s.received++
	s.frames++
	trigger := s.parent.cfg.FramesPerAnswer > 0 && s.frames >= s.parent.cfg.FramesPerAnswer
	if trigger {
		s.frames = 0
	}
	s.mu.Unlock()
	if trigger {
		if answer, ok := s.parent.nextAnswer(); ok {
			s.Say(answer)
		}
	}
	return nil
}

// Received returns how many audio frames reached this stream.
func (s *Stream) Received() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}

func (s *Stream) Events() <-chan frames.TranscriptEvent { return s.events }

func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) Close() error {
	s.finish(nil)
	return nil
}

// Emit pushes one event; it is a no-op once the stream ended.
func (s *Stream) Emit(ev frames.TranscriptEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	if ev.Received.IsZero() {
		ev.Received = time.Now()
	}
	select {
	case s.events <- ev:
	default:
	}
}

// Say emits speech onset, a partial and the final transcript of text.
func (s *Stream) Say(text string) {
	s.SayWithConfidence(text, s.parent.cfg.Confidence)
}

func (s *Stream) SayWithConfidence(text string, confidence float64) {
	offset := time.Since(s.started)
	s.Emit(frames.TranscriptEvent{Kind: frames.SpeechStarted, Start: offset, End: offset})
	words := strings.Fields(text)
	if len(words) > 1 {
		s.Emit(frames.TranscriptEvent{Kind: frames.TranscriptPartial, Text: strings.Join(words[:len(words)/2], " "), Confidence: confidence / 2, Start: offset})
	}
	s.Emit(frames.TranscriptEvent{Kind: frames.TranscriptFinal, Text: text, Confidence: confidence, Start: offset, End: time.Since(s.started)})
}

// Fail ends the stream with a RecognitionError.
func (s *Stream) Fail(reason string) {
	s.finish(&errorsx.RecognitionError{Provider: "mock", Err: errorsx.Wrap(errString(reason), errorsx.ReasonSTTStream)})
}

func (s *Stream) finish(err error) {
	done := s.doneCh()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	s.err = err
	close(s.events)
	close(done)
}

type errString string

func (e errString) Error() string { return string(e) }

var _ stt.Recognizer = (*Recognizer)(nil)

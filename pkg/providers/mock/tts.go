package mock

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/rekrut/pkg/adapters/tts"
	"github.com/harunnryd/rekrut/pkg/errorsx"
	"github.com/harunnryd/rekrut/pkg/frames"
)

type SynthesizerConfig struct {
	FramesPerUtterance int
	FrameDelay         time.Duration

	// FailContaining fails any utterance whose text contains the substring.
	FailContaining string

	// FailAll fails every utterance.
	FailAll bool
}

// Synthesizer emits µ-law silence frames for every utterance.
type Synthesizer struct {
	cfg SynthesizerConfig

	mu     sync.Mutex
	spoken []string
}

func NewSynthesizer(cfg SynthesizerConfig) *Synthesizer {
	if cfg.FramesPerUtterance <= 0 {
		cfg.FramesPerUtterance = 3
	}
	return &Synthesizer{cfg: cfg}
}

func (s *Synthesizer) Name() string { return "mock" }

func (s *Synthesizer) Synthesize(ctx context.Context, text string) (tts.Stream, error) {
	s.mu.Lock()
	s.spoken = append(s.spoken, text)
	s.mu.Unlock()

	if s.cfg.FailAll || (s.cfg.FailContaining != "" && strings.Contains(text, s.cfg.FailContaining)) {
		return nil, &errorsx.SynthesisError{Provider: "mock", Text: text, Err: errorsx.Wrap(errString("scripted failure"), errorsx.ReasonTTSStream)}
	}

	st := &synthStream{out: make(chan frames.AudioFrame)}
	go func() {
		defer close(st.out)
		var seq frames.Sequencer
		for _, f := range frames.Silence(&seq, s.cfg.FramesPerUtterance) {
			if s.cfg.FrameDelay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(s.cfg.FrameDelay):
				}
			}
			select {
			case <-ctx.Done():
				return
			case st.out <- f:
			}
		}
	}()
	return st, nil
}

// Spoken returns every text passed to Synthesize, in call order.
func (s *Synthesizer) Spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.spoken...)
}

type synthStream struct {
	out chan frames.AudioFrame
}

func (s *synthStream) Frames() <-chan frames.AudioFrame { return s.out }
func (s *synthStream) Err() error                       { return nil }

var _ tts.Synthesizer = (*Synthesizer)(nil)

package pipeline

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/rekrut/pkg/adapters/tts"
	"github.com/harunnryd/rekrut/pkg/frames"
	"github.com/harunnryd/rekrut/pkg/transports"
)

type utteranceKind int

const (
	uttGreeting utteranceKind = iota
	uttPrompt
	uttReprompt
	uttApology
	uttClosing
	uttFailure
)

func (k utteranceKind) String() string {
	switch k {
	case uttGreeting:
		return "greeting"
	case uttPrompt:
		return "prompt"
	case uttReprompt:
		return "reprompt"
	case uttApology:
		return "apology"
	case uttClosing:
		return "closing"
	case uttFailure:
		return "failure"
	}
	return "unknown"
}

// wordsPerSecond approximates synthesized speech pace for interrupted turns.
const wordsPerSecond = 2.5

// utterance is one interviewer utterance in flight. The gate serializes
// frame forwarding with cancellation: once stop returns, no further frame
// of this utterance reaches the transport.
type utterance struct {
	kind     utteranceKind
	replaces utteranceKind
	text     string
	started  time.Time
	cancel   context.CancelFunc

	gate      sync.Mutex
	cancelled bool
	played    time.Duration
	frames    int
	firstAt   time.Time
}

type speechResult struct {
	u   *utterance
	err error
}

func (u *utterance) forward(ctx context.Context, stream transports.Stream, f frames.AudioFrame) bool {
	u.gate.Lock()
	defer u.gate.Unlock()
	if u.cancelled || ctx.Err() != nil {
		return false
	}
	if err := stream.Send(ctx, f); err != nil {
		return false
	}
	if u.frames == 0 {
		u.firstAt = time.Now()
	}
	u.frames++
	u.played += f.Duration()
	return true
}

// stop cancels synthesis and closes the gate. It returns how much audio was
// forwarded.
func (u *utterance) stop() time.Duration {
	u.gate.Lock()
	u.cancelled = true
	played := u.played
	u.gate.Unlock()
	if u.cancel != nil {
		u.cancel()
	}
	return played
}

func (u *utterance) firstFrameAt() time.Time {
	u.gate.Lock()
	defer u.gate.Unlock()
	return u.firstAt
}

func (u *utterance) playedSoFar() time.Duration {
	u.gate.Lock()
	defer u.gate.Unlock()
	return u.played
}

// play synthesizes u.text and forwards frames until the synthesizer is done
// or u is stopped.
func play(ctx context.Context, synth tts.Synthesizer, stream transports.Stream, u *utterance) error {
	st, err := synth.Synthesize(ctx, u.text)
	if err != nil {
		return err
	}
	for f := range st.Frames() {
		if !u.forward(ctx, stream, f) {
			return nil
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return st.Err()
}

// spokenPrefix estimates the part of text heard after played audio.
func spokenPrefix(text string, played time.Duration) string {
	words := strings.Fields(text)
	n := int(math.Ceil(played.Seconds() * wordsPerSecond))
	if n < 1 {
		n = 1
	}
	if n >= len(words) {
		return strings.Join(words, " ")
	}
	return strings.Join(words[:n], " ")
}

// deadline is a re-armable timer whose channel is nil while disarmed.
type deadline struct {
	t *time.Timer
}

func (d *deadline) arm(after time.Duration) {
	d.stop()
	if after > 0 {
		d.t = time.NewTimer(after)
	}
}

func (d *deadline) stop() {
	if d.t != nil {
		d.t.Stop()
		d.t = nil
	}
}

func (d *deadline) C() <-chan time.Time {
	if d.t == nil {
		return nil
	}
	return d.t.C
}

// fired marks the timer consumed after its channel delivered.
func (d *deadline) fired() { d.t = nil }

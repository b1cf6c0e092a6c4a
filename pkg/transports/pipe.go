package transports

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/harunnryd/rekrut/pkg/frames"
)

// Pipe is the inbound half shared by stream implementations: a bounded,
// ordered frame queue plus end-of-stream signalling. A single producer
// calls Deliver; overflow drops the newest frame instead of growing.
type Pipe struct {
	name   string
	in     chan frames.AudioFrame
	done   chan struct{}
	logger *slog.Logger

	mu      sync.RWMutex
	ended   bool
	err     error
	dropped atomic.Int64
	OnDrop  func(total int64)
}

func NewPipe(name string, buffer int, logger *slog.Logger) *Pipe {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipe{
		name:   name,
		in:     make(chan frames.AudioFrame, buffer),
		done:   make(chan struct{}),
		logger: logger,
	}
}

func (p *Pipe) Inbound() <-chan frames.AudioFrame { return p.in }

func (p *Pipe) Done() <-chan struct{} { return p.done }

func (p *Pipe) Err() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.err
}

func (p *Pipe) Dropped() int64 { return p.dropped.Load() }

// Deliver queues one inbound frame without blocking. It returns false when
// the frame was dropped or the pipe already ended.
func (p *Pipe) Deliver(f frames.AudioFrame) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.ended {
		return false
	}
	select {
	case p.in <- f:
		return true
	default:
	}
	n := p.dropped.Add(1)
	if n == 1 || n%50 == 0 {
		p.logger.Warn("inbound_frame_dropped",
			slog.String("transport", p.name),
			slog.Uint64("seq", f.Seq),
			slog.Int64("dropped_total", n))
	}
	if p.OnDrop != nil {
		p.OnDrop(n)
	}
	return false
}

// End closes the pipe once. The first error wins; nil means a normal hangup.
func (p *Pipe) End(err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ended {
		return false
	}
	p.ended = true
	p.err = err
	close(p.in)
	close(p.done)
	return true
}

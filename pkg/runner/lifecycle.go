package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

type Options struct {
	Drainer Drainer
	Hooks   Hooks
	// Deadline bounds the whole drain. Defaults to 40s.
	Deadline time.Duration
	Banner   io.Writer
}

// Lifecycle runs the process from start to a drained stop. Stop may be
// called from any goroutine, before or after Run.
type Lifecycle struct {
	opts  Options
	state atomic.Int32

	mu     sync.Mutex
	cancel context.CancelFunc

	stopping chan struct{}
	once     sync.Once
	stopErr  error
}

func New(opts Options) *Lifecycle {
	if opts.Deadline <= 0 {
		opts.Deadline = 40 * time.Second
	}
	return &Lifecycle{opts: opts, stopping: make(chan struct{})}
}

// Run blocks until ctx is cancelled or Stop is called, then drains.
func (l *Lifecycle) Run(ctx context.Context) error {
	if !l.state.CompareAndSwap(int32(StateNew), int32(StateStarting)) {
		return ErrNotStartable
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	l.mu.Lock()
	l.cancel = cancel
	l.mu.Unlock()

	PrintBanner(l.opts.Banner)
	if l.opts.Hooks.OnStart != nil {
		l.opts.Hooks.OnStart()
	}
	l.state.CompareAndSwap(int32(StateStarting), int32(StateServing))
	select {
	case <-ctx.Done():
	case <-l.stopping:
	}
	return l.stop()
}

func (l *Lifecycle) Stop() error {
	l.mu.Lock()
	if l.cancel != nil {
		l.cancel()
	}
	l.mu.Unlock()
	return l.stop()
}

func (l *Lifecycle) State() State { return State(l.state.Load()) }

func (l *Lifecycle) stop() error {
	l.once.Do(func() {
		close(l.stopping)
		l.state.Store(int32(StateDraining))
		if l.opts.Drainer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), l.opts.Deadline)
			err := l.opts.Drainer.Drain(ctx)
			cancel()
			switch {
			case errors.Is(err, context.DeadlineExceeded):
				l.stopErr = fmt.Errorf("%w after %s", ErrDrainTimeout, l.opts.Deadline)
			case err != nil:
				l.stopErr = fmt.Errorf("runner: drain: %w", err)
			}
		}
		if l.opts.Hooks.OnStop != nil {
			l.opts.Hooks.OnStop()
		}
		l.state.Store(int32(StateStopped))
	})
	return l.stopErr
}

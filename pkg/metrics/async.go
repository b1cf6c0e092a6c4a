package metrics

import (
	"sync"
	"sync/atomic"
)

// AsyncObserver moves observer work off the session loop. A full buffer
// drops the event and counts it; RecordEvent never blocks.
type AsyncObserver struct {
	inner    Observer
	queue    chan Event
	quit     chan struct{}
	finished chan struct{}
	dropped  atomic.Int64
	stop     sync.Once
}

func NewAsyncObserver(inner Observer, buffer int) *AsyncObserver {
	if buffer <= 0 {
		buffer = 256
	}
	a := &AsyncObserver{
		inner:    inner,
		queue:    make(chan Event, buffer),
		quit:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	go a.deliver()
	return a
}

func (a *AsyncObserver) RecordEvent(ev Event) {
	if a == nil {
		return
	}
	select {
	case <-a.quit:
		return
	default:
	}
	select {
	case a.queue <- ev:
	default:
		a.dropped.Add(1)
	}
}

func (a *AsyncObserver) Dropped() int64 { return a.dropped.Load() }

// Close delivers the backlog, flushes the inner observer when it supports
// Flusher and returns the flush error. Events recorded concurrently with
// Close may be lost.
func (a *AsyncObserver) Close() error {
	if a == nil {
		return nil
	}
	a.stop.Do(func() { close(a.quit) })
	<-a.finished
	if f, ok := a.inner.(Flusher); ok {
		return f.Flush()
	}
	return nil
}

func (a *AsyncObserver) deliver() {
	defer close(a.finished)
	for {
		select {
		case ev := <-a.queue:
			a.inner.RecordEvent(ev)
		case <-a.quit:
			for {
				select {
				case ev := <-a.queue:
					a.inner.RecordEvent(ev)
				default:
					return
				}
			}
		}
	}
}

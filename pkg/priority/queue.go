// Package priority orders outbound transport messages so control messages
// (clear, mark) overtake queued media.
package priority

import (
	"context"
	"sync"
	"sync/atomic"
)

type Stats struct {
	HighPush int64
	LowPush  int64
	HighPop  int64
	LowPop   int64
	Dropped  int64
}

type Queue interface {
	TryPushHigh(f any) bool
	TryPushLow(f any) bool
	Pop(ctx context.Context) (any, bool)
	DropLow() int
	Close()
	Stats() Stats
}

// PriorityQueue holds two bounded lanes. Pop prefers the high lane but
// yields to the low lane after fairness consecutive high pops.
type PriorityQueue struct {
	high     chan any
	low      chan any
	signal   chan struct{}
	done     chan struct{}
	once     sync.Once
	fairness int
	streak   int

	highPush atomic.Int64
	lowPush  atomic.Int64
	highPop  atomic.Int64
	lowPop   atomic.Int64
	dropped  atomic.Int64
}

func New(highCap, lowCap, fairness int) *PriorityQueue {
	if fairness <= 0 {
		fairness = 3
	}
	return &PriorityQueue{
		high:     make(chan any, highCap),
		low:      make(chan any, lowCap),
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		fairness: fairness,
	}
}

func (q *PriorityQueue) TryPushHigh(f any) bool {
	if q.closed() {
		return false
	}
	select {
	case q.high <- f:
		q.highPush.Add(1)
		q.notify()
		return true
	default:
		return false
	}
}

func (q *PriorityQueue) TryPushLow(f any) bool {
	if q.closed() {
		return false
	}
	select {
	case q.low <- f:
		q.lowPush.Add(1)
		q.notify()
		return true
	default:
		return false
	}
}

// Pop blocks until an item is available, ctx ends, or the queue closes.
// It must be called from a single goroutine.
func (q *PriorityQueue) Pop(ctx context.Context) (any, bool) {
	for {
		if q.streak < q.fairness {
			select {
			case f := <-q.high:
				q.streak++
				q.highPop.Add(1)
				return f, true
			default:
			}
		}
		select {
		case f := <-q.low:
			q.streak = 0
			q.lowPop.Add(1)
			return f, true
		default:
		}
		select {
		case f := <-q.high:
			q.streak++
			q.highPop.Add(1)
			return f, true
		default:
		}
		select {
		case <-q.signal:
		case <-ctx.Done():
			return nil, false
		case <-q.done:
			return nil, false
		}
	}
}

// DropLow discards everything queued in the low lane and returns the count.
func (q *PriorityQueue) DropLow() int {
	n := 0
	for {
		select {
		case <-q.low:
			n++
		default:
			q.dropped.Add(int64(n))
			return n
		}
	}
}

// Pending reports how many items are queued in both lanes.
func (q *PriorityQueue) Pending() int {
	return len(q.high) + len(q.low)
}

func (q *PriorityQueue) Close() {
	q.once.Do(func() { close(q.done) })
}

func (q *PriorityQueue) closed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

func (q *PriorityQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *PriorityQueue) Stats() Stats {
	return Stats{
		HighPush: q.highPush.Load(),
		LowPush:  q.lowPush.Load(),
		HighPop:  q.highPop.Load(),
		LowPop:   q.lowPop.Load(),
		Dropped:  q.dropped.Load(),
	}
}

package metrics

import (
	"math"
	"sync/atomic"
)

// SamplingObserver forwards every n-th event of the listed names and passes
// all other events through. Dropped-frame warnings can fire fifty times a
// second on a congested call.
type SamplingObserver struct {
	inner   Observer
	every   uint64
	names   map[string]struct{}
	counter atomic.Uint64
}

func NewSamplingObserver(inner Observer, rate float64, names ...string) *SamplingObserver {
	rate = math.Max(0, math.Min(1, rate))
	var every uint64
	if rate > 0 {
		every = uint64(math.Max(1, math.Round(1/rate)))
	}
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return &SamplingObserver{inner: inner, every: every, names: set}
}

func (s *SamplingObserver) RecordEvent(ev Event) {
	if _, sampled := s.names[ev.Name]; !sampled {
		s.inner.RecordEvent(ev)
		return
	}
	if s.every == 0 {
		return
	}
	if s.counter.Add(1)%s.every == 0 {
		s.inner.RecordEvent(ev)
	}
}

func (s *SamplingObserver) Flush() error {
	if f, ok := s.inner.(Flusher); ok {
		return f.Flush()
	}
	return nil
}

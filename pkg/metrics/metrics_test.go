package metrics

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestSamplingObserverOnlySamplesListedNames(t *testing.T) {
	mem := NewMemoryObserver()
	s := NewSamplingObserver(mem, 0.5, EventFrameDropped)
	for i := 0; i < 4; i++ {
		s.RecordEvent(Event{Name: EventFrameDropped})
	}
	s.RecordEvent(Event{Name: EventBargeIn})
	if got := len(mem.Named(EventFrameDropped)); got != 2 {
		t.Fatalf("expected 2 sampled drops, got %d", got)
	}
	if got := len(mem.Named(EventBargeIn)); got != 1 {
		t.Fatalf("expected barge_in to pass through, got %d", got)
	}
}

func TestAsyncObserverDeliversBeforeClose(t *testing.T) {
	mem := NewMemoryObserver()
	a := NewAsyncObserver(mem, 16)
	for i := 0; i < 10; i++ {
		a.RecordEvent(Event{Name: EventStateChange, Time: time.Now()})
	}
	a.Close()
	if got := len(mem.Events()) + int(a.Dropped()); got != 10 {
		t.Fatalf("expected all events delivered or counted, got %d", got)
	}
	a.RecordEvent(Event{Name: EventStateChange})
	if len(mem.Events()) > 10 {
		t.Fatalf("events after close must be ignored")
	}
}

func TestMultiAndJSONL(t *testing.T) {
	var buf bytes.Buffer
	mem := NewMemoryObserver()
	m := Multi{mem, nil, NewJSONLObserver(&buf)}
	m.RecordEvent(Event{Name: EventTurnLatency, SessionID: "s-1", Value: 420})
	if len(mem.Events()) != 1 {
		t.Fatalf("expected memory observer to receive event")
	}
	line := buf.String()
	if !strings.Contains(line, `"event":"turn_latency_ms"`) || !strings.Contains(line, `"session_id":"s-1"`) {
		t.Fatalf("unexpected jsonl line %q", line)
	}
	if err := m.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

type flushCounter struct {
	Observer
	flushes int
}

func (f *flushCounter) Flush() error { f.flushes++; return nil }

func TestAsyncCloseFlushesThroughSampling(t *testing.T) {
	inner := &flushCounter{Observer: NewMemoryObserver()}
	a := NewAsyncObserver(NewSamplingObserver(inner, 0.5, EventAudioIn), 4)
	a.RecordEvent(Event{Name: EventAudioIn})
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if inner.flushes != 1 {
		t.Fatalf("expected one flush, got %d", inner.flushes)
	}
}

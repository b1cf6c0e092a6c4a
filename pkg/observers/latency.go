package observers

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/harunnryd/rekrut/pkg/metrics"
)

// LatencyObserver collects the delay between a committed candidate turn and
// the first audible frame of the reply, and logs a per-session summary when
// the session ends.
type LatencyObserver struct {
	mu     sync.Mutex
	traces map[string]*trace
	log    *slog.Logger
}

type trace struct {
	samples  []float64
	bargeIns int
}

// LatencyStats summarizes turn latencies in milliseconds.
type LatencyStats struct {
	Turns    int
	AvgMS    float64
	P50MS    float64
	MaxMS    float64
	BargeIns int
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		traces: make(map[string]*trace),
		log:    log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.Event) {
	if ev.SessionID == "" {
		return
	}
	o.mu.Lock()
	t := o.traces[ev.SessionID]
	if t == nil {
		t = &trace{}
		o.traces[ev.SessionID] = t
	}
	switch ev.Name {
	case metrics.EventTurnLatency:
		t.samples = append(t.samples, ev.Value)
	case metrics.EventBargeIn:
		t.bargeIns++
	case metrics.EventSessionEnded:
		delete(o.traces, ev.SessionID)
		o.mu.Unlock()
		o.logSummary(ev.SessionID, t.stats())
		return
	}
	o.mu.Unlock()
}

// Stats returns the running summary of a live session.
func (o *LatencyObserver) Stats(sessionID string) LatencyStats {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t := o.traces[sessionID]; t != nil {
		return t.stats()
	}
	return LatencyStats{}
}

func (t *trace) stats() LatencyStats {
	out := LatencyStats{Turns: len(t.samples), BargeIns: t.bargeIns}
	if len(t.samples) == 0 {
		return out
	}
	sorted := append([]float64(nil), t.samples...)
	sort.Float64s(sorted)
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	out.AvgMS = sum / float64(len(sorted))
	out.P50MS = sorted[len(sorted)/2]
	out.MaxMS = sorted[len(sorted)-1]
	return out
}

func (o *LatencyObserver) logSummary(sessionID string, s LatencyStats) {
	if s.Turns == 0 && s.BargeIns == 0 {
		return
	}
	o.log.Info("latency",
		"session_id", sessionID,
		"turns", s.Turns,
		"avg_ms", int64(s.AvgMS),
		"p50_ms", int64(s.P50MS),
		"max_ms", int64(s.MaxMS),
		"barge_ins", s.BargeIns,
	)
}

var _ metrics.Observer = (*LatencyObserver)(nil)

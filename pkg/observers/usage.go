package observers

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/rekrut/pkg/metrics"
)

// UsageSummary is the billable footprint of one session.
type UsageSummary struct {
	SessionID         string  `json:"session_id"`
	Status            string  `json:"status,omitempty"`
	RecognizedSeconds float64 `json:"recognized_audio_seconds"`
	SynthesizedSecs   float64 `json:"synthesized_audio_seconds"`
	Utterances        int     `json:"utterances"`
	RecognizerRetries int     `json:"recognizer_retries"`
	DurationSeconds   float64 `json:"duration_seconds"`
	RecordedAtUTC     string  `json:"recorded_at_utc"`
}

// UsageObserver accumulates audio time per session and writes
// <dir>/<session_id>.usage.json when the session ends.
type UsageObserver struct {
	dir   string
	now   func() time.Time
	mu    sync.Mutex
	stats map[string]*UsageSummary
}

func NewUsageObserver(dir string) *UsageObserver {
	return &UsageObserver{dir: dir, now: time.Now, stats: make(map[string]*UsageSummary)}
}

func (o *UsageObserver) RecordEvent(ev metrics.Event) {
	if strings.TrimSpace(o.dir) == "" || ev.SessionID == "" {
		return
	}
	o.mu.Lock()
	stat := o.stats[ev.SessionID]
	if stat == nil {
		stat = &UsageSummary{SessionID: ev.SessionID}
		o.stats[ev.SessionID] = stat
	}
	switch ev.Name {
	case metrics.EventAudioIn:
		stat.RecognizedSeconds += ev.Value
	case metrics.EventAudioOut:
		stat.SynthesizedSecs += ev.Value
		stat.Utterances++
	case metrics.EventRecognizerRetry:
		stat.RecognizerRetries++
	case metrics.EventSessionEnded:
		stat.DurationSeconds = ev.Value
		stat.Status = ev.Tags["status"]
		delete(o.stats, ev.SessionID)
		o.mu.Unlock()
		_ = o.write(stat)
		return
	}
	o.mu.Unlock()
}

// Summary returns the running totals of a live session.
func (o *UsageObserver) Summary(sessionID string) (UsageSummary, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	stat := o.stats[sessionID]
	if stat == nil {
		return UsageSummary{}, false
	}
	return *stat, true
}

// Close writes the summaries of sessions that never reported an end.
func (o *UsageObserver) Close() error {
	o.mu.Lock()
	pending := o.stats
	o.stats = make(map[string]*UsageSummary)
	o.mu.Unlock()
	var errOut error
	for _, stat := range pending {
		errOut = errors.Join(errOut, o.write(stat))
	}
	return errOut
}

func (o *UsageObserver) write(stat *UsageSummary) error {
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return err
	}
	stat.RecordedAtUTC = o.now().UTC().Format(time.RFC3339)
	b, err := json.MarshalIndent(stat, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(o.dir, safeID(stat.SessionID)+".usage.json"), b, 0o644)
}

var _ metrics.Observer = (*UsageObserver)(nil)

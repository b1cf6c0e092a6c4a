package observers

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/rekrut/pkg/metrics"
)

func TestTimelineObserverWritesJSONL(t *testing.T) {
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)

	obs.RecordEvent(metrics.Event{Name: metrics.EventBargeIn, Time: time.Now(), SessionID: "sess/1", Value: 420})
	obs.RecordEvent(metrics.Event{Name: metrics.EventSessionEnded, Time: time.Now(), SessionID: "sess/1", Tags: map[string]string{"status": "ENDED"}})

	b, err := os.ReadFile(filepath.Join(dir, "sess_1.timeline.jsonl"))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 3 || !strings.Contains(lines[0], "barge_in") {
		t.Fatalf("unexpected timeline %q", string(b))
	}
	var summary struct {
		Event  string         `json:"event"`
		Counts map[string]int `json:"counts"`
	}
	if err := json.Unmarshal([]byte(lines[2]), &summary); err != nil || summary.Event != "timeline_summary" || summary.Counts["barge_in"] != 1 {
		t.Fatalf("unexpected summary line %q (%v)", lines[2], err)
	}
	if obs.isOpen("sess_1.timeline.jsonl") {
		t.Fatalf("expected file closed after session_ended")
	}
	_ = obs.Close()
}

func TestTimelineTracksStateAndElapsed(t *testing.T) {
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)
	start := time.Now()
	obs.RecordEvent(metrics.Event{Name: metrics.EventStateChange, Time: start, SessionID: "s1", Tags: map[string]string{"from": "GREETING", "to": "LISTENING"}})
	obs.RecordEvent(metrics.Event{Name: metrics.EventTurnLatency, Time: start.Add(1500 * time.Millisecond), SessionID: "s1", Value: 640})
	_ = obs.Close()

	b, err := os.ReadFile(filepath.Join(dir, "s1.timeline.jsonl"))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	var last struct {
		ElapsedMS int64  `json:"elapsed_ms"`
		State     string `json:"state"`
	}
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &last); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if last.ElapsedMS != 1500 || last.State != "LISTENING" {
		t.Fatalf("unexpected line %+v", last)
	}
}

func TestTimelinePurgeSkipsOpenSessions(t *testing.T) {
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)
	obs.RecordEvent(metrics.Event{Name: metrics.EventStateChange, Time: time.Now(), SessionID: "live"})
	obs.RecordEvent(metrics.Event{Name: metrics.EventSessionEnded, Time: time.Now(), SessionID: "done"})
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	n, err := obs.Purge(context.Background(), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one purged file, got %d", n)
	}
	if _, err := os.Stat(filepath.Join(dir, "live.timeline.jsonl")); err != nil {
		t.Fatalf("open timeline must survive: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "notes.txt")); err != nil {
		t.Fatalf("foreign files must survive: %v", err)
	}
	_ = obs.Close()
}

func TestUsageObserverWritesSummary(t *testing.T) {
	dir := t.TempDir()
	obs := NewUsageObserver(dir)
	obs.RecordEvent(metrics.Event{Name: metrics.EventAudioOut, SessionID: "s1", Value: 2.5})
	obs.RecordEvent(metrics.Event{Name: metrics.EventAudioOut, SessionID: "s1", Value: 1.5})
	obs.RecordEvent(metrics.Event{Name: metrics.EventRecognizerRetry, SessionID: "s1", Value: 1})
	if s, ok := obs.Summary("s1"); !ok || s.SynthesizedSecs != 4 {
		t.Fatalf("unexpected running summary %+v", s)
	}
	obs.RecordEvent(metrics.Event{Name: metrics.EventAudioIn, SessionID: "s1", Value: 30})
	obs.RecordEvent(metrics.Event{Name: metrics.EventSessionEnded, SessionID: "s1", Value: 61, Tags: map[string]string{"status": "ENDED"}})

	b, err := os.ReadFile(filepath.Join(dir, "s1.usage.json"))
	if err != nil {
		t.Fatalf("read usage: %v", err)
	}
	var got UsageSummary
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Utterances != 2 || got.RecognizedSeconds != 30 || got.RecognizerRetries != 1 || got.Status != "ENDED" || got.DurationSeconds != 61 {
		t.Fatalf("unexpected summary %+v", got)
	}
	if _, ok := obs.Summary("s1"); ok {
		t.Fatalf("expected session forgotten after end")
	}
}

func TestLatencyObserverSummarizes(t *testing.T) {
	var buf bytes.Buffer
	obs := NewLatencyObserver(slog.New(slog.NewTextHandler(&buf, nil)))
	for _, v := range []float64{300, 900, 600} {
		obs.RecordEvent(metrics.Event{Name: metrics.EventTurnLatency, SessionID: "s1", Value: v})
	}
	obs.RecordEvent(metrics.Event{Name: metrics.EventBargeIn, SessionID: "s1"})

	st := obs.Stats("s1")
	if st.Turns != 3 || st.AvgMS != 600 || st.P50MS != 600 || st.MaxMS != 900 || st.BargeIns != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
	obs.RecordEvent(metrics.Event{Name: metrics.EventSessionEnded, SessionID: "s1"})
	if !strings.Contains(buf.String(), "p50_ms=600") {
		t.Fatalf("expected summary log, got %q", buf.String())
	}
	if obs.Stats("s1").Turns != 0 {
		t.Fatalf("expected trace dropped after end")
	}
}

func TestLoggerObserverLevels(t *testing.T) {
	var buf bytes.Buffer
	obs := NewLoggerObserver(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	obs.RecordEvent(metrics.Event{Name: metrics.EventStateChange, SessionID: "s1"})
	obs.RecordEvent(metrics.Event{Name: metrics.EventRecognizerRetry, SessionID: "s1", Value: 1})
	out := buf.String()
	if strings.Contains(out, "state_change") {
		t.Fatalf("state changes are debug only: %q", out)
	}
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "recognizer_retry") {
		t.Fatalf("expected recognizer retry warning, got %q", out)
	}
}

package observers

import (
	"encoding/json"
	"errors"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/rekrut/pkg/metrics"
	"github.com/harunnryd/rekrut/pkg/redact"
)

const timelineSuffix = ".timeline.jsonl"

// TimelineObserver keeps one JSONL trace per interview under dir. Every line
// carries the offset from the session's first event and the interviewer
// state at that moment; session_ended appends a closing summary line.
type TimelineObserver struct {
	dir string

	mu   sync.Mutex
	open map[string]*timeline
}

type timeline struct {
	f       *os.File
	started time.Time
	state   string
	counts  map[string]int
}

type timelineLine struct {
	Time      time.Time         `json:"time"`
	ElapsedMS int64             `json:"elapsed_ms"`
	State     string            `json:"state,omitempty"`
	Event     string            `json:"event"`
	Value     float64           `json:"value,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
	Fields    map[string]any    `json:"fields,omitempty"`
	Counts    map[string]int    `json:"counts,omitempty"`
}

func NewTimelineObserver(dir string) *TimelineObserver {
	return &TimelineObserver{dir: dir, open: make(map[string]*timeline)}
}

func (o *TimelineObserver) RecordEvent(ev metrics.Event) {
	id := safeID(ev.SessionID)
	if id == "" || strings.TrimSpace(o.dir) == "" {
		return
	}
	at := ev.Time
	if at.IsZero() {
		at = time.Now()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	tl := o.timelineFor(id, at)
	if tl == nil {
		return
	}
	if ev.Name == metrics.EventStateChange && ev.Tags["to"] != "" {
		tl.state = ev.Tags["to"]
	}
	tl.counts[ev.Name]++

	line := timelineLine{
		Time:      at.UTC(),
		ElapsedMS: at.Sub(tl.started).Milliseconds(),
		State:     tl.state,
		Event:     ev.Name,
		Value:     ev.Value,
		Tags:      maps.Clone(ev.Tags),
		Fields:    redactFields(ev.Fields),
	}
	tl.write(line)
	if ev.Name != metrics.EventSessionEnded {
		return
	}
	line.Event = "timeline_summary"
	line.Value, line.Tags, line.Fields = 0, nil, nil
	line.Counts = tl.counts
	tl.write(line)
	_ = tl.f.Close()
	delete(o.open, id)
}

// Close flushes and closes every trace still open.
func (o *TimelineObserver) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var err error
	for id, tl := range o.open {
		err = errors.Join(err, tl.f.Close())
		delete(o.open, id)
	}
	return err
}

// timelineFor must be called with o.mu held.
func (o *TimelineObserver) timelineFor(id string, at time.Time) *timeline {
	if tl := o.open[id]; tl != nil {
		return tl
	}
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return nil
	}
	f, err := os.OpenFile(filepath.Join(o.dir, id+timelineSuffix), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil
	}
	tl := &timeline{f: f, started: at, counts: make(map[string]int)}
	o.open[id] = tl
	return tl
}

func (tl *timeline) write(line timelineLine) {
	b, err := json.Marshal(line)
	if err != nil {
		return
	}
	_, _ = tl.f.Write(append(b, '\n'))
}

func (o *TimelineObserver) isOpen(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.open[strings.TrimSuffix(name, timelineSuffix)]
	return ok
}

var unsafeIDChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

func safeID(id string) string {
	return unsafeIDChars.ReplaceAllString(strings.TrimSpace(id), "_")
}

// redactFields masks contact details in string fields; transcript snippets
// can carry phone numbers and emails.
func redactFields(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if s, ok := v.(string); ok {
			v = redact.Text(s)
		}
		out[k] = v
	}
	return out
}

var _ metrics.Observer = (*TimelineObserver)(nil)

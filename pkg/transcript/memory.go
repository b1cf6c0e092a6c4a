package transcript

import (
	"context"
	"sort"
	"sync"

	"github.com/harunnryd/rekrut/pkg/interview"
)

// Memory keeps everything in process. It backs tests and the offline demo.
type Memory struct {
	mu        sync.Mutex
	turns     map[string][]interview.Turn
	records   map[string]interview.Record
	finalized map[string]int
	notes     map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{
		turns:     make(map[string][]interview.Turn),
		records:   make(map[string]interview.Record),
		finalized: make(map[string]int),
		notes:     make(map[string][]byte),
	}
}

func (m *Memory) Append(_ context.Context, sess interview.Session, turn interview.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns[sess.ID] = append(m.turns[sess.ID], turn)
	return nil
}

func (m *Memory) Finalize(_ context.Context, rec interview.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.Turns = append([]interview.Turn(nil), rec.Turns...)
	m.records[rec.ID] = rec
	m.finalized[rec.ID]++
	return nil
}

// Annotate attaches an evaluation document to a finalized record.
func (m *Memory) Annotate(_ context.Context, id string, evaluation []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return ErrLogNotFound
	}
	m.notes[id] = append([]byte(nil), evaluation...)
	return nil
}

// Turns returns the appended turns of a session.
func (m *Memory) Turns(id string) []interview.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]interview.Turn(nil), m.turns[id]...)
}

// FinalizeCount reports how many times a session was finalized.
func (m *Memory) FinalizeCount(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finalized[id]
}

func (m *Memory) Record(id string) (interview.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	return rec, ok
}

func (m *Memory) List(context.Context) ([]Summary, error) {
	m.mu.Lock()
	out := make([]Summary, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, summarize(rec))
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

func (m *Memory) Get(_ context.Context, id string) (Log, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return Log{}, ErrLogNotFound
	}
	log := NewLog(rec)
	log.Evaluation = m.notes[id]
	return log, nil
}

var (
	_ Sink      = (*Memory)(nil)
	_ Reader    = (*Memory)(nil)
	_ Annotator = (*Memory)(nil)
)

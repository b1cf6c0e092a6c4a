package transcript

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/rekrut/pkg/interview"
)

func sampleRecord(id string, ended time.Time) interview.Record {
	start := ended.Add(-time.Minute)
	return interview.Record{
		Session: interview.Session{ID: id, Kind: interview.KindPhone, CandidateID: "c1", JobID: "j1", StartedAt: start},
		Status:  interview.StatusEnded,
		Reason:  "script_complete",
		Turns: []interview.Turn{
			{Seq: 1, Role: interview.RoleInterviewer, Text: "Tell me about yourself.", StartedAt: start, EndedAt: start.Add(time.Second)},
			{Seq: 2, Role: interview.RoleCandidate, Text: "I build payment systems in Go.", StartedAt: start.Add(2 * time.Second), EndedAt: start.Add(5 * time.Second)},
		},
		EndedAt: ended,
		Context: interview.Context{JobDescription: strings.Repeat("x", 600)},
	}
}

func TestFileSinkAppendsAndFinalizes(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir, nil)
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	ctx := context.Background()
	rec := sampleRecord("sess-1", time.Now().UTC())
	for _, turn := range rec.Turns {
		if err := sink.Append(ctx, rec.Session, turn); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	f, err := os.Open(filepath.Join(dir, "sess-1.jsonl"))
	if err != nil {
		t.Fatalf("open turn log: %v", err)
	}
	lines := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines++
	}
	f.Close()
	if lines != 2 {
		t.Fatalf("expected 2 turn lines, got %d", lines)
	}

	if err := sink.Finalize(ctx, rec); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	log, err := sink.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if log.Status != interview.StatusEnded || log.ExchangeCount != 1 || len(log.Turns) != 2 {
		t.Fatalf("unexpected log: %+v", log)
	}
	if len([]rune(log.JobDescription)) != contextPreview {
		t.Fatalf("expected job description truncated to %d, got %d", contextPreview, len(log.JobDescription))
	}
	if _, err := os.Stat(filepath.Join(dir, "interview_sess-1.json")); err != nil {
		t.Fatalf("expected interview_sess-1.json: %v", err)
	}
}

func TestFileSinkListNewestFirstAndNotFound(t *testing.T) {
	sink, err := NewFileSink(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	ctx := context.Background()
	now := time.Now().UTC()
	_ = sink.Finalize(ctx, sampleRecord("old", now.Add(-time.Hour)))
	_ = sink.Finalize(ctx, sampleRecord("new", now))

	list, err := sink.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].SessionID != "new" || list[1].SessionID != "old" {
		t.Fatalf("unexpected order: %+v", list)
	}
	if _, err := sink.Get(ctx, "missing"); !errors.Is(err, ErrLogNotFound) {
		t.Fatalf("expected ErrLogNotFound, got %v", err)
	}
}

func TestFileSinkAnnotate(t *testing.T) {
	sink, _ := NewFileSink(t.TempDir(), nil)
	ctx := context.Background()
	_ = sink.Finalize(ctx, sampleRecord("s1", time.Now().UTC()))
	if err := sink.Annotate(ctx, "s1", []byte(`{"decision":"ACCEPT"}`)); err != nil {
		t.Fatalf("annotate: %v", err)
	}
	log, _ := sink.Get(ctx, "s1")
	if !strings.Contains(string(log.Evaluation), "ACCEPT") {
		t.Fatalf("expected evaluation attached, got %s", log.Evaluation)
	}
	if err := sink.Annotate(ctx, "nope", []byte(`{}`)); !errors.Is(err, ErrLogNotFound) {
		t.Fatalf("expected ErrLogNotFound, got %v", err)
	}
}

func TestFileSinkPurgeSkipsOpenLogs(t *testing.T) {
	dir := t.TempDir()
	sink, _ := NewFileSink(dir, nil)
	ctx := context.Background()
	rec := sampleRecord("done", time.Now().UTC())
	_ = sink.Append(ctx, rec.Session, rec.Turns[0])
	_ = sink.Finalize(ctx, rec)
	live := sampleRecord("live", time.Now().UTC())
	_ = sink.Append(ctx, live.Session, live.Turns[0])

	n := Sweep(ctx, time.Nanosecond, nil, sink)
	if n != 2 {
		t.Fatalf("expected 2 files purged, got %d", n)
	}
	if _, err := os.Stat(filepath.Join(dir, "live.jsonl")); err != nil {
		t.Fatalf("open turn log must survive purge: %v", err)
	}
	_ = sink.Close()
}

func TestSQLiteSinkRoundTrip(t *testing.T) {
	sink, err := OpenSQLite(filepath.Join(t.TempDir(), "transcripts.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sink.Close()
	ctx := context.Background()
	rec := sampleRecord("sql-1", time.Now().UTC())
	for _, turn := range rec.Turns {
		if err := sink.Append(ctx, rec.Session, turn); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := sink.Finalize(ctx, rec); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	turns, err := sink.Turns(ctx, "sql-1")
	if err != nil || len(turns) != 2 || turns[0].Seq != 1 || turns[1].Role != interview.RoleCandidate {
		t.Fatalf("unexpected turns %+v err=%v", turns, err)
	}
	list, err := sink.List(ctx)
	if err != nil || len(list) != 1 || list[0].ExchangeCount != 1 {
		t.Fatalf("unexpected list %+v err=%v", list, err)
	}
	if err := sink.Annotate(ctx, "sql-1", []byte(`{"decision":"REJECT"}`)); err != nil {
		t.Fatalf("annotate: %v", err)
	}
	log, err := sink.Get(ctx, "sql-1")
	if err != nil || !strings.Contains(string(log.Evaluation), "REJECT") {
		t.Fatalf("unexpected log %+v err=%v", log, err)
	}
	if _, err := sink.Get(ctx, "missing"); !errors.Is(err, ErrLogNotFound) {
		t.Fatalf("expected ErrLogNotFound, got %v", err)
	}

	n, err := sink.Purge(ctx, time.Now().Add(time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("expected one purged record, got %d err=%v", n, err)
	}
	if turns, _ := sink.Turns(ctx, "sql-1"); len(turns) != 0 {
		t.Fatalf("expected turns purged, got %d", len(turns))
	}
}

type failingSink struct{ Nop }

func (failingSink) Append(context.Context, interview.Session, interview.Turn) error {
	return errors.New("disk full")
}

func TestMultiAttemptsEverySink(t *testing.T) {
	mem := NewMemory()
	m := Multi{failingSink{}, nil, mem}
	rec := sampleRecord("m1", time.Now().UTC())
	if err := m.Append(context.Background(), rec.Session, rec.Turns[0]); err == nil {
		t.Fatalf("expected joined error")
	}
	if got := len(mem.Turns("m1")); got != 1 {
		t.Fatalf("expected memory sink to receive the turn, got %d", got)
	}
	if err := m.Finalize(context.Background(), rec); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if mem.FinalizeCount("m1") != 1 {
		t.Fatalf("expected one finalize")
	}
}

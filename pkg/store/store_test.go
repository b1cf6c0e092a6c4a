package store

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/harunnryd/rekrut/pkg/evaluation"
	"github.com/harunnryd/rekrut/pkg/interview"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestResolveBuildsInterviewContext(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	job := &Job{Title: "Backend Engineer", Description: "Go services", ScriptID: "backend"}
	if err := db.SaveJob(ctx, job); err != nil {
		t.Fatalf("save job: %v", err)
	}
	app := &Application{JobID: job.ID, CandidateID: "cand-1", CandidateName: "Sam", ResumeSummary: "5 years Go"}
	if err := db.SaveApplication(ctx, app); err != nil {
		t.Fatalf("save application: %v", err)
	}

	ic, err := db.Resolve(ctx, "cand-1", job.ID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ic.ApplicationID != app.ID || ic.JobTitle != "Backend Engineer" || ic.JobDescription != "Go services" {
		t.Fatalf("unexpected context %+v", ic)
	}
	if ic.CandidateName != "Sam" || ic.ResumeSummary != "5 years Go" || ic.ScriptID != "backend" {
		t.Fatalf("unexpected context %+v", ic)
	}
	if _, err := db.Resolve(ctx, "cand-2", job.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCompleteUpdatesApplication(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	job := &Job{Title: "Analyst"}
	_ = db.SaveJob(ctx, job)
	app := &Application{JobID: job.ID, CandidateID: "cand-1"}
	_ = db.SaveApplication(ctx, app)

	if err := db.MarkInterviewing(ctx, app.ID, "sess-1"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	got, _ := db.Application(ctx, app.ID)
	if got.Status != StatusInterviewing || got.SessionID != "sess-1" {
		t.Fatalf("unexpected application %+v", got)
	}

	ended := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := interview.Record{Session: interview.Session{ID: "sess-1"}, EndedAt: ended, Context: interview.Context{ApplicationID: app.ID}}
	res := evaluation.Result{OverallScore: 7.5, Decision: evaluation.DecisionAccept}
	if err := db.Complete(ctx, NewOutcome(rec, res)); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, err := db.Application(ctx, app.ID)
	if err != nil {
		t.Fatalf("application: %v", err)
	}
	if got.Status != StatusAccepted || got.InterviewedAt == nil || !got.InterviewedAt.Equal(ended) {
		t.Fatalf("unexpected application %+v", got)
	}
	var stored evaluation.Result
	if err := json.Unmarshal([]byte(got.Evaluation), &stored); err != nil || stored.OverallScore != 7.5 {
		t.Fatalf("unexpected evaluation %q: %v", got.Evaluation, err)
	}

	if err := db.Complete(ctx, Outcome{ApplicationID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNewOutcomeStatus(t *testing.T) {
	rec := interview.Record{Session: interview.Session{ID: "sess-9"}}
	for _, tc := range []struct {
		decision evaluation.Decision
		want     string
	}{
		{evaluation.DecisionAccept, StatusAccepted},
		{evaluation.DecisionReject, StatusRejected},
		{evaluation.DecisionPending, StatusRejected},
	} {
		out := NewOutcome(rec, evaluation.Result{Decision: tc.decision})
		if out.Status != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.decision, tc.want, out.Status)
		}
		if out.ApplicationID != "sess-9" {
			t.Fatalf("expected session id fallback, got %q", out.ApplicationID)
		}
	}
}

func TestHTTPClientPatchesApplication(t *testing.T) {
	var method, path, auth string
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, path, auth = r.Method, r.URL.Path, r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL+"/", "secret")
	out := Outcome{
		ApplicationID: "app-1",
		Status:        StatusRejected,
		Evaluation:    evaluation.Result{OverallScore: 3, Decision: evaluation.DecisionReject},
		InterviewedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	if err := c.Complete(context.Background(), out); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if method != http.MethodPatch || path != "/api/applications/app-1" || auth != "Bearer secret" {
		t.Fatalf("unexpected request %s %s %q", method, path, auth)
	}
	if body["status"] != "rejected" || body["interviewedAt"] != "2026-03-01T10:00:00Z" {
		t.Fatalf("unexpected body %v", body)
	}
	ev, ok := body["evaluation"].(map[string]any)
	if !ok || ev["decision"] != "REJECT" {
		t.Fatalf("unexpected evaluation %v", body["evaluation"])
	}
}

func TestHTTPClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/applications/gone" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "")
	if err := c.Complete(context.Background(), Outcome{ApplicationID: "gone"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := c.Complete(context.Background(), Outcome{ApplicationID: "boom"}); err == nil {
		t.Fatalf("expected server error")
	}
	if err := c.Complete(context.Background(), Outcome{}); err == nil {
		t.Fatalf("expected missing id error")
	}
}

package rekrut

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/rekrut/pkg/errorsx"
	"github.com/harunnryd/rekrut/pkg/evaluation"
	"github.com/harunnryd/rekrut/pkg/interview"
	"github.com/harunnryd/rekrut/pkg/pipeline"
	"github.com/harunnryd/rekrut/pkg/providers/mock"
	"github.com/harunnryd/rekrut/pkg/store"
	"github.com/harunnryd/rekrut/pkg/transcript"
	"github.com/harunnryd/rekrut/pkg/transports"
	transportmock "github.com/harunnryd/rekrut/pkg/transports/mock"
	"github.com/harunnryd/rekrut/pkg/turn"
)

const acceptReply = `{"technical_fit": 8, "experience_relevance": 7, "communication": 8, "problem_solving": 7, "culture_fit": 8, "overall_score": 7.5, "summary": "Solid.", "strengths": ["Go"], "areas_of_concern": []}`

type stubApps struct {
	mu       sync.Mutex
	ictx     interview.Context
	err      error
	marked   []string
	outcomes chan store.Outcome
}

func newStubApps() *stubApps {
	return &stubApps{
		ictx:     interview.Context{ApplicationID: "app-1", JobTitle: "Backend Engineer", JobDescription: "Go services"},
		outcomes: make(chan store.Outcome, 4),
	}
}

func (s *stubApps) Resolve(_ context.Context, candidateID, jobID string) (interview.Context, error) {
	if s.err != nil {
		return interview.Context{}, s.err
	}
	return s.ictx, nil
}

func (s *stubApps) MarkInterviewing(_ context.Context, applicationID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, applicationID)
	return nil
}

func (s *stubApps) Complete(_ context.Context, out store.Outcome) error {
	s.outcomes <- out
	return nil
}

func (s *stubApps) Marked() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.marked...)
}

// dialingTransport stays in CONNECTING until the session is cancelled,
// like a phone call that is still ringing.
type dialingTransport struct {
	mu      sync.Mutex
	dialed  []string
	callSID string
	dialErr error
}

func (d *dialingTransport) Kind() interview.Kind { return interview.KindPhone }

func (d *dialingTransport) Attach(ctx context.Context, _ transports.SessionConfig) (transports.Stream, error) {
	<-ctx.Done()
	return nil, &errorsx.TransportError{Transport: "test", Op: "attach", Err: ctx.Err()}
}

func (d *dialingTransport) Dial(_ context.Context, to, _ string, opts transports.DialOptions) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dialErr != nil {
		return "", d.dialErr
	}
	d.dialed = append(d.dialed, to+"#"+opts.SessionID)
	return d.callSID, nil
}

type testEngine struct {
	*Engine
	web   *transportmock.Transport
	rec   *mock.Recognizer
	synth *mock.Synthesizer
	apps  *stubApps
}

func testEngineConfig(t *testing.T) Config {
	t.Helper()
	cfg := Config{
		Server:      ServerConfig{Addr: "127.0.0.1:0", ShutdownGraceMS: 200},
		Transports:  TransportsConfig{WebRTC: TransportConfig{Enabled: true}},
		Recognizer:  VendorConfig{Provider: "mock"},
		Synthesizer: VendorConfig{Provider: "mock"},
		LLM:         VendorConfig{Provider: "mock"},
		Pipeline: pipeline.Settings{
			SilenceTimeoutMS:  30,
			ThinkingTimeoutMS: 1000,
			ClosingTimeoutMS:  500,
			NoInputTimeoutMS:  5000,
		},
		Dialogue: DialogueConfig{
			Engine:    "scripted",
			Questions: []string{"Tell me about a system you built.", "How do you debug production issues?"},
		},
		Storage: StorageConfig{Driver: "file", LogsDir: t.TempDir()},
		Evaluation: EvaluationConfig{
			Enabled:   true,
			Workers:   1,
			QueueSize: 4,
			Config:    evaluation.Config{Backoff: time.Millisecond},
		},
	}
	return cfg
}

func newTestEngine(t *testing.T, phone transports.Transport) *testEngine {
	t.Helper()
	te := &testEngine{
		web:   transportmock.New(interview.KindWeb),
		rec:   mock.NewRecognizer(mock.RecognizerConfig{}),
		synth: mock.NewSynthesizer(mock.SynthesizerConfig{}),
		apps:  newStubApps(),
	}
	e, err := NewEngine(EngineOptions{
		Config:      testEngineConfig(t),
		Web:         te.web,
		Phone:       phone,
		Recognizer:  te.rec,
		Synthesizer: te.synth,
		LLM:         mock.NewLLM(mock.LLMConfig{Responses: []string{acceptReply}}),
		Resolver:    te.apps,
		Recorder:    te.apps,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	te.Engine = e
	t.Cleanup(func() { _ = e.Stop() })
	return te
}

func (te *testEngine) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	r := httptest.NewRequest(method, path, &buf)
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	te.Server().ServeHTTP(w, r)
	return w
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitRecord(t *testing.T, h *pipeline.Handle) interview.Record {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("session %s did not stop, state %s", h.ID(), h.State())
	}
	rec, ok := h.Record()
	if !ok {
		t.Fatalf("expected a final record")
	}
	return rec
}

func TestWebInterviewEndToEnd(t *testing.T) {
	te := newTestEngine(t, nil)

	w := te.do(t, http.MethodPost, "/interviews/web", InterviewRequest{CandidateID: "cand-1", JobID: "job-1"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var out WebInterview
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.SessionID == "" || out.Token == "" || out.OfferURL != "/rtc/rooms/"+out.Room+"/offer" {
		t.Fatalf("unexpected join descriptor: %+v", out)
	}
	if got := te.apps.Marked(); len(got) != 1 || got[0] != "app-1" {
		t.Fatalf("expected application marked interviewing, got %v", got)
	}

	h, err := te.Registry().Lookup(out.SessionID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	answers := []string{
		"I built a billing pipeline that processed millions of events",
		"I start from the metrics and then read the traces carefully",
	}
	for i, a := range answers {
		n := 2 * (i + 1)
		waitFor(t, "listening", func() bool {
			return h.State() == turn.StateListening && len(h.Turns()) == n
		})
		te.rec.Latest().Say(a)
	}

	rec := waitRecord(t, h)
	if rec.Status != interview.StatusEnded || len(rec.Turns) != 6 {
		t.Fatalf("expected ENDED with 6 turns, got %s with %d:\n%s", rec.Status, len(rec.Turns), rec.Transcript())
	}
	if rec.Context.ApplicationID != "app-1" {
		t.Fatalf("expected resolved context on the record, got %+v", rec.Context)
	}

	select {
	case outcome := <-te.apps.outcomes:
		if outcome.ApplicationID != "app-1" || outcome.Status != store.StatusAccepted {
			t.Fatalf("unexpected outcome: %+v", outcome)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("application was never updated")
	}

	w = te.do(t, http.MethodGet, "/logs/"+out.SessionID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var l transcript.Log
	if err := json.Unmarshal(w.Body.Bytes(), &l); err != nil {
		t.Fatalf("decode log: %v", err)
	}
	if l.ExchangeCount != 2 || len(l.Evaluation) == 0 {
		t.Fatalf("expected 2 exchanges and an evaluation, got %d / %s", l.ExchangeCount, l.Evaluation)
	}

	w = te.do(t, http.MethodGet, "/logs", nil)
	var list []transcript.Summary
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil || len(list) != 1 {
		t.Fatalf("expected one log summary, got %s", w.Body.String())
	}
}

func TestWebInterviewUsesInlineContextWhenUnresolved(t *testing.T) {
	te := newTestEngine(t, nil)
	te.apps.err = store.ErrNotFound

	out, err := te.StartWeb(context.Background(), InterviewRequest{
		CandidateID:    "cand-2",
		JobID:          "job-2",
		JobDescription: "Inline description",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	h, err := te.Registry().Lookup(out.SessionID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got := h.Snapshot().Context.JobDescription; got != "Inline description" {
		t.Fatalf("expected inline context, got %q", got)
	}
	if len(te.apps.Marked()) != 0 {
		t.Fatalf("nothing should be marked without an application id")
	}

	w := te.do(t, http.MethodDelete, "/interviews/"+out.SessionID, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	rec := waitRecord(t, h)
	if rec.Status != interview.StatusEnded || rec.Reason != "terminated" {
		t.Fatalf("expected ENDED/terminated, got %s/%s", rec.Status, rec.Reason)
	}

	w = te.do(t, http.MethodDelete, "/interviews/"+out.SessionID, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for a repeated delete, got %d", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil || body["status"] != "ended" {
		t.Fatalf("expected status ended, got %s", w.Body.String())
	}
	w = te.do(t, http.MethodDelete, "/interviews/no-such-session", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown id, got %d", w.Code)
	}
}

func TestPhoneInterviewBusyFailsPendingSession(t *testing.T) {
	phone := &dialingTransport{callSID: "CA-busy"}
	te := newTestEngine(t, phone)

	w := te.do(t, http.MethodPost, "/interviews/phone", InterviewRequest{CandidateID: "c", JobID: "j", PhoneNumber: "+15550001111"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var out PhoneInterview
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.CallSID != "CA-busy" || out.Status != "calling" {
		t.Fatalf("unexpected dial result: %+v", out)
	}
	h, err := te.Registry().LookupExternal("CA-busy")
	if err != nil || h.ID() != out.SessionID {
		t.Fatalf("expected call sid bound to the session, got %v", err)
	}

	te.CallStatus(context.Background(), "CA-busy", "busy")
	rec := waitRecord(t, h)
	if rec.Status != interview.StatusFailed || rec.Reason != "busy" {
		t.Fatalf("expected FAILED/busy, got %s/%s", rec.Status, rec.Reason)
	}
	select {
	case o := <-te.apps.outcomes:
		t.Fatalf("an unanswered call must not update the application: %+v", o)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPhoneInterviewValidation(t *testing.T) {
	te := newTestEngine(t, nil)
	w := te.do(t, http.MethodPost, "/interviews/phone", InterviewRequest{CandidateID: "c", JobID: "j", PhoneNumber: "+15550001111"})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a phone transport, got %d", w.Code)
	}

	te = newTestEngine(t, &dialingTransport{callSID: "CA1"})
	w = te.do(t, http.MethodPost, "/interviews/phone", InterviewRequest{CandidateID: "c", JobID: "j"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without a phone number, got %d", w.Code)
	}
}

func TestPhoneInterviewDialFailureAbortsSession(t *testing.T) {
	te := newTestEngine(t, &dialingTransport{dialErr: errors.New("carrier rejected")})
	w := te.do(t, http.MethodPost, "/interviews/phone", InterviewRequest{CandidateID: "c", JobID: "j", PhoneNumber: "+15550001111"})
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d: %s", w.Code, w.Body.String())
	}
	waitFor(t, "session aborted", func() bool { return te.Registry().Count() == 0 })
}

func TestIncomingCallRejectsDuplicateWebhook(t *testing.T) {
	te := newTestEngine(t, &dialingTransport{})
	leg := transports.CallLeg{CallSID: "CA-in", From: "+15550002222", Direction: "inbound"}

	id, err := te.IncomingCall(context.Background(), leg)
	if err != nil {
		t.Fatalf("incoming call: %v", err)
	}
	_, err = te.IncomingCall(context.Background(), leg)
	var dup *errorsx.DuplicateSessionError
	if !errors.As(err, &dup) || dup.SessionID != id {
		t.Fatalf("expected duplicate for %s, got %v", id, err)
	}
	if err := te.Terminate(id); err != nil {
		t.Fatalf("terminate: %v", err)
	}
}

func TestIncomingCallClaimsDialedSession(t *testing.T) {
	te := newTestEngine(t, &dialingTransport{callSID: "CA-out"})
	out, err := te.StartPhone(context.Background(), InterviewRequest{CandidateID: "c", JobID: "j", PhoneNumber: "+15550003333"})
	if err != nil {
		t.Fatalf("start phone: %v", err)
	}
	leg := transports.CallLeg{CallSID: "CA-out", SessionID: out.SessionID, Direction: "outbound-api"}
	id, err := te.IncomingCall(context.Background(), leg)
	if err != nil || id != out.SessionID {
		t.Fatalf("expected webhook to claim %s, got %s / %v", out.SessionID, id, err)
	}
	if _, err := te.IncomingCall(context.Background(), leg); !errorsx.HasReason(err, errorsx.ReasonSessionDuplicate) {
		t.Fatalf("expected duplicate on redelivery, got %v", err)
	}
}

func TestCallStatusIgnoresAttachedSessions(t *testing.T) {
	te := newTestEngine(t, &dialingTransport{})
	te.CallStatus(context.Background(), "CA-unknown", "no_answer")

	out, err := te.StartWeb(context.Background(), InterviewRequest{CandidateID: "c", JobID: "j"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	h, _ := te.Registry().Lookup(out.SessionID)
	waitFor(t, "attached", func() bool { return h.State() != turn.StateConnecting })
	te.CallStatus(context.Background(), out.Room, "failed")
	if h.State().Terminal() {
		t.Fatalf("an attached session must not be aborted by a call status")
	}
}

package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/rekrut/pkg/dialogue"
	"github.com/harunnryd/rekrut/pkg/errorsx"
	"github.com/harunnryd/rekrut/pkg/interview"
	"github.com/harunnryd/rekrut/pkg/providers/mock"
	"github.com/harunnryd/rekrut/pkg/transcript"
	"github.com/harunnryd/rekrut/pkg/transports"
	transportmock "github.com/harunnryd/rekrut/pkg/transports/mock"
)

func newTestRegistry(sink transcript.Sink) *Registry {
	tr := transportmock.New(interview.KindPhone)
	script := testScript()
	cfg := testConfig()
	cfg.NoInputTimeout = time.Minute
	return NewRegistry(func(sess interview.Session, sc transports.SessionConfig) (*Orchestrator, error) {
		return NewOrchestrator(sess, sc, interview.Context{}, Deps{
			Transport:   tr,
			Recognizer:  mock.NewRecognizer(mock.RecognizerConfig{}),
			Synthesizer: mock.NewSynthesizer(mock.SynthesizerConfig{}),
			Engine:      dialogue.NewScriptedEngine(script, dialogue.DefaultPolicy()),
			Script:      script,
			Sink:        sink,
		}, cfg), nil
	}, nil)
}

func phoneConfig(callSID string) transports.SessionConfig {
	return transports.SessionConfig{Kind: interview.KindPhone, CallLeg: &transports.CallLeg{CallSID: callSID}}
}

func waitDone(t *testing.T, h *Handle) interview.Record {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("session %s did not stop", h.ID())
	}
	rec, ok := h.Record()
	if !ok {
		t.Fatalf("expected a final record")
	}
	return rec
}

func TestRegistryRejectsDuplicateExternalID(t *testing.T) {
	reg := newTestRegistry(transcript.NewMemory())
	h, err := reg.Create(phoneConfig("CA100"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = reg.Create(phoneConfig("CA100"))
	var dup *errorsx.DuplicateSessionError
	if !errors.As(err, &dup) || dup.SessionID != h.ID() {
		t.Fatalf("expected DuplicateSessionError for %s, got %v", h.ID(), err)
	}
	if !errorsx.HasReason(err, errorsx.ReasonSessionDuplicate) {
		t.Fatalf("expected session_duplicate reason")
	}
	if got, err := reg.LookupExternal("CA100"); err != nil || got != h {
		t.Fatalf("expected external lookup to resolve, got %v", err)
	}
	_ = reg.Terminate(h.ID())
	waitDone(t, h)
}

func TestRegistryConcurrentCreateOnlyOneWins(t *testing.T) {
	reg := newTestRegistry(transcript.NewMemory())
	var wg sync.WaitGroup
	var mu sync.Mutex
	var created []*Handle
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if h, err := reg.Create(phoneConfig("CA200")); err == nil {
				mu.Lock()
				created = append(created, h)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if len(created) != 1 {
		t.Fatalf("expected exactly one session, got %d", len(created))
	}
	reg.TerminateAll()
	waitDone(t, created[0])
}

func TestRegistryTerminateIsIdempotent(t *testing.T) {
	sink := transcript.NewMemory()
	reg := newTestRegistry(sink)
	var hooked []interview.Record
	var mu sync.Mutex
	reg.OnFinalized(func(rec interview.Record) {
		mu.Lock()
		hooked = append(hooked, rec)
		mu.Unlock()
	})

	h, err := reg.Create(phoneConfig("CA300"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := reg.Terminate(h.ID()); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if err := reg.Terminate(h.ID()); err != nil && !errors.Is(err, errorsx.ErrSessionNotFound) {
		t.Fatalf("second terminate: %v", err)
	}
	rec := waitDone(t, h)
	if rec.Status != interview.StatusEnded || rec.Reason != "terminated" {
		t.Fatalf("expected ENDED/terminated, got %s/%s", rec.Status, rec.Reason)
	}

	if err := reg.Terminate(h.ID()); err != nil {
		t.Fatalf("terminate after the session ended: %v", err)
	}
	if !reg.Ended(h.ID()) {
		t.Fatalf("expected the finished id to be remembered")
	}
	if _, err := reg.Lookup(h.ID()); !errors.Is(err, errorsx.ErrSessionNotFound) {
		t.Fatalf("expected lookup miss after removal")
	}
	if err := reg.Terminate("no-such-session"); !errors.Is(err, errorsx.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound for an unknown id, got %v", err)
	}
	if sink.FinalizeCount(h.ID()) != 1 {
		t.Fatalf("expected one finalize, got %d", sink.FinalizeCount(h.ID()))
	}
	mu.Lock()
	defer mu.Unlock()
	if len(hooked) != 1 || hooked[0].ID != h.ID() {
		t.Fatalf("expected one finalized hook call, got %d", len(hooked))
	}
	if _, err := reg.Create(phoneConfig("CA300")); err != nil {
		t.Fatalf("external id must be reusable after removal: %v", err)
	}
	reg.TerminateAll()
}

func TestRegistryForgetsEndedSessionsAfterRetention(t *testing.T) {
	reg := newTestRegistry(transcript.NewMemory())
	now := time.Now()
	reg.now = func() time.Time { return now }

	h, err := reg.Create(phoneConfig("CA310"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := reg.Terminate(h.ID()); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	waitDone(t, h)

	if err := reg.Terminate(h.ID()); err != nil {
		t.Fatalf("repeat terminate: %v", err)
	}
	reg.mu.Lock()
	now = now.Add(endedRetention + time.Second)
	reg.mu.Unlock()
	if err := reg.Terminate(h.ID()); !errors.Is(err, errorsx.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound once retention passed, got %v", err)
	}
}

func TestRegistryClaimAndBind(t *testing.T) {
	reg := newTestRegistry(transcript.NewMemory())
	h, err := reg.Create(transports.SessionConfig{SessionID: "dialed", Kind: interview.KindPhone, CallLeg: &transports.CallLeg{Direction: "outbound-api"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !h.Claim() || h.Claim() {
		t.Fatalf("expected only the first claim to succeed")
	}
	if err := reg.BindExternal("dialed", "CA400"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if got, err := reg.LookupExternal("CA400"); err != nil || got.ID() != "dialed" {
		t.Fatalf("expected bound call sid to resolve")
	}
	if err := reg.BindExternal("missing", "CA401"); !errors.Is(err, errorsx.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	reg.TerminateAll()
	waitDone(t, h)
}

func TestRegistryDrainRefusesAndStops(t *testing.T) {
	reg := newTestRegistry(transcript.NewMemory())
	h, err := reg.Create(phoneConfig("CA500"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := reg.Drain(context.Background(), 20*time.Millisecond); err != nil {
		t.Fatalf("drain: %v", err)
	}
	waitDone(t, h)
	if reg.Count() != 0 {
		t.Fatalf("expected empty registry, got %d", reg.Count())
	}
	if _, err := reg.Create(phoneConfig("CA501")); !errorsx.HasReason(err, errorsx.ReasonSessionDraining) {
		t.Fatalf("expected session_draining, got %v", err)
	}
}

func TestRegistryRejectsInvalidConfig(t *testing.T) {
	reg := newTestRegistry(transcript.NewMemory())
	if _, err := reg.Create(transports.SessionConfig{Kind: interview.KindWeb}); err == nil {
		t.Fatalf("expected web session without room to be rejected")
	}
}

type pendingTransport struct{}

func (pendingTransport) Kind() interview.Kind { return interview.KindPhone }

func (pendingTransport) Attach(ctx context.Context, _ transports.SessionConfig) (transports.Stream, error) {
	<-ctx.Done()
	return nil, &errorsx.TransportError{Transport: "pending", Op: "attach", Err: ctx.Err()}
}

func TestRegistryAbortRecordsReason(t *testing.T) {
	script := testScript()
	reg := NewRegistry(func(sess interview.Session, sc transports.SessionConfig) (*Orchestrator, error) {
		return NewOrchestrator(sess, sc, interview.Context{}, Deps{
			Transport:   pendingTransport{},
			Recognizer:  mock.NewRecognizer(mock.RecognizerConfig{}),
			Synthesizer: mock.NewSynthesizer(mock.SynthesizerConfig{}),
			Engine:      dialogue.NewScriptedEngine(script, dialogue.DefaultPolicy()),
			Script:      script,
		}, testConfig()), nil
	}, nil)

	h, err := reg.Create(transports.SessionConfig{Kind: interview.KindPhone, CallLeg: &transports.CallLeg{To: "+15550100"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := reg.Abort(h.ID(), "busy"); err != nil {
		t.Fatalf("abort: %v", err)
	}
	rec := waitDone(t, h)
	if rec.Status != interview.StatusFailed || rec.Reason != "busy" {
		t.Fatalf("expected FAILED/busy, got %s/%s", rec.Status, rec.Reason)
	}
	if err := reg.Abort(h.ID(), "busy"); !errors.Is(err, errorsx.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/rekrut/pkg/errorsx"
	"github.com/harunnryd/rekrut/pkg/interview"
	"github.com/harunnryd/rekrut/pkg/logging"
	"github.com/harunnryd/rekrut/pkg/transports"
	"github.com/harunnryd/rekrut/pkg/turn"
)

// Factory builds the orchestrator for a new session.
type Factory func(sess interview.Session, sc transports.SessionConfig) (*Orchestrator, error)

// Handle is the registry's view of one live or just-finished session.
type Handle struct {
	orch    *Orchestrator
	cancel  context.CancelCauseFunc
	done    chan struct{}
	claimed atomic.Bool
	created time.Time

	mu     sync.RWMutex
	record *interview.Record
}

func (h *Handle) ID() string                  { return h.orch.Session().ID }
func (h *Handle) Session() interview.Session  { return h.orch.Session() }
func (h *Handle) State() turn.State           { return h.orch.State() }
func (h *Handle) Done() <-chan struct{}       { return h.done }
func (h *Handle) Orchestrator() *Orchestrator { return h.orch }
func (h *Handle) CreatedAt() time.Time        { return h.created }
func (h *Handle) Snapshot() interview.Record  { return h.orch.Record() }
func (h *Handle) Turns() []interview.Turn     { return h.orch.Turns() }

func (h *Handle) finished(rec interview.Record) {
	h.mu.Lock()
	h.record = &rec
	h.mu.Unlock()
	close(h.done)
}

// Claim marks the session's media leg as bound. Only the first caller
// succeeds, so a redelivered webhook cannot attach twice.
func (h *Handle) Claim() bool { return h.claimed.CompareAndSwap(false, true) }

// Record returns the final record once Done is closed.
func (h *Handle) Record() (interview.Record, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.record == nil {
		return interview.Record{}, false
	}
	return *h.record, true
}

// endedRetention is how long a finished session id is remembered so that
// a repeated terminate stays a no-op.
const endedRetention = 15 * time.Minute

// Registry maps session ids and transport identities to live sessions.
// Creation and lookup are atomic with respect to each other.
type Registry struct {
	factory Factory
	logger  *slog.Logger
	now     func() time.Time

	mu         sync.Mutex
	byID       map[string]*Handle
	byExternal map[string]string
	ended      map[string]time.Time
	hooks      []func(interview.Record)

	draining atomic.Bool
	wg       sync.WaitGroup
}

func NewRegistry(factory Factory, logger *slog.Logger) *Registry {
	return &Registry{
		factory:    factory,
		logger:     logging.NewComponentLogger(logger, "registry"),
		now:        time.Now,
		byID:       make(map[string]*Handle),
		byExternal: make(map[string]string),
		ended:      make(map[string]time.Time),
	}
}

// OnFinalized registers fn to run with every record after its session
// stops. Hooks run on the session goroutine in registration order.
func (r *Registry) OnFinalized(fn func(interview.Record)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, fn)
}

// Create registers a session and starts its orchestrator. A second create
// for the same session id or external id of a live session fails with
// *errorsx.DuplicateSessionError.
func (r *Registry) Create(sc transports.SessionConfig) (*Handle, error) {
	if r.draining.Load() {
		return nil, errorsx.Wrap(errors.New("registry is draining"), errorsx.ReasonSessionDraining)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	if sc.SessionID == "" {
		sc.SessionID = uuid.NewString()
	}
	ext := sc.ExternalID()

	r.mu.Lock()
	if _, ok := r.byID[sc.SessionID]; ok {
		r.mu.Unlock()
		return nil, errorsx.Wrap(&errorsx.DuplicateSessionError{ExternalID: ext, SessionID: sc.SessionID}, errorsx.ReasonSessionDuplicate)
	}
	if ext != "" {
		if live, ok := r.byExternal[ext]; ok {
			r.mu.Unlock()
			return nil, errorsx.Wrap(&errorsx.DuplicateSessionError{ExternalID: ext, SessionID: live}, errorsx.ReasonSessionDuplicate)
		}
	}
	sess := interview.Session{
		ID:          sc.SessionID,
		ExternalID:  ext,
		Kind:        sc.Kind,
		CandidateID: sc.CandidateID,
		JobID:       sc.JobID,
		Direction:   sc.Direction(),
		StartedAt:   time.Now().UTC(),
	}
	orch, err := r.factory(sess, sc)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	h := &Handle{orch: orch, cancel: cancel, done: make(chan struct{}), created: sess.StartedAt}
	if sc.CallLeg != nil && sc.CallLeg.CallSID != "" {
		h.claimed.Store(true)
	}
	r.byID[sess.ID] = h
	if ext != "" {
		r.byExternal[ext] = sess.ID
	}
	r.wg.Add(1)
	r.mu.Unlock()

	r.logger.Info("session_created", "session_id", sess.ID, "kind", string(sess.Kind), "external_id", ext)
	go r.run(ctx, h)
	return h, nil
}

func (r *Registry) run(ctx context.Context, h *Handle) {
	defer r.wg.Done()
	rec := h.orch.Run(ctx)
	h.cancel(nil)

	r.mu.Lock()
	delete(r.byID, rec.ID)
	for ext, id := range r.byExternal {
		if id == rec.ID {
			delete(r.byExternal, ext)
		}
	}
	now := r.now()
	for id, at := range r.ended {
		if now.Sub(at) > endedRetention {
			delete(r.ended, id)
		}
	}
	r.ended[rec.ID] = now
	hooks := append([]func(interview.Record){}, r.hooks...)
	r.mu.Unlock()

	h.finished(rec)
	for _, fn := range hooks {
		fn(rec)
	}
}

// BindExternal associates an external id learned after creation, such as
// the call SID of a dialed call, with a live session.
func (r *Registry) BindExternal(id, ext string) error {
	if ext == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; !ok {
		return errNotFound
	}
	if live, ok := r.byExternal[ext]; ok && live != id {
		return errorsx.Wrap(&errorsx.DuplicateSessionError{ExternalID: ext, SessionID: live}, errorsx.ReasonSessionDuplicate)
	}
	r.byExternal[ext] = id
	return nil
}

var errNotFound = errorsx.Wrap(errorsx.ErrSessionNotFound, errorsx.ReasonSessionNotFound)

// Lookup returns ErrSessionNotFound for unknown or removed ids.
func (r *Registry) Lookup(id string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.byID[id]; ok {
		return h, nil
	}
	return nil, errNotFound
}

func (r *Registry) LookupExternal(ext string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.byID[r.byExternal[ext]]; ok && ext != "" {
		return h, nil
	}
	return nil, errNotFound
}

// Terminate asks a live session to stop. Repeated calls are no-ops, also
// for a session that ended within endedRetention. Unknown ids return
// ErrSessionNotFound.
func (r *Registry) Terminate(id string) error {
	h, err := r.Lookup(id)
	if err != nil {
		if r.Ended(id) {
			return nil
		}
		return err
	}
	h.cancel(nil)
	return nil
}

// Ended reports whether id belongs to a session that finished within
// endedRetention.
func (r *Registry) Ended(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	at, ok := r.ended[id]
	return ok && r.now().Sub(at) <= endedRetention
}

// Abort stops a live session that has not attached yet, recording reason
// (such as a carrier "busy") as its failure reason. A session that is
// already attached ends as if terminated.
func (r *Registry) Abort(id, reason string) error {
	h, err := r.Lookup(id)
	if err != nil {
		return err
	}
	h.cancel(&AbortError{Reason: reason})
	return nil
}

// AbortError is the cancellation cause set by Abort.
type AbortError struct {
	Reason string
}

func (e *AbortError) Error() string { return "session aborted: " + e.Reason }

// List returns the live sessions, oldest first.
func (r *Registry) List() []*Handle {
	r.mu.Lock()
	out := make([]*Handle, 0, len(r.byID))
	for _, h := range r.byID {
		out = append(out, h)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].created.Before(out[j].created) })
	return out
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// SetDraining stops Create from accepting new sessions.
func (r *Registry) SetDraining(v bool) { r.draining.Store(v) }
func (r *Registry) Draining() bool     { return r.draining.Load() }

// TerminateAll stops every live session.
func (r *Registry) TerminateAll() {
	for _, h := range r.List() {
		h.cancel(nil)
	}
}

// WaitForEmpty blocks until every session goroutine returned or ctx ends.
func (r *Registry) WaitForEmpty(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// Drain refuses new sessions, lets live ones finish within grace and then
// terminates the rest.
func (r *Registry) Drain(ctx context.Context, grace time.Duration) error {
	r.SetDraining(true)
	live := r.Count()
	r.logger.Info("registry_draining", "live_sessions", live, "grace_ms", grace.Milliseconds())
	if live == 0 {
		return nil
	}
	gctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if r.WaitForEmpty(gctx) {
		return nil
	}
	r.logger.Warn("registry_drain_grace_expired", "live_sessions", r.Count())
	r.TerminateAll()
	if !r.WaitForEmpty(ctx) {
		return ctx.Err()
	}
	return nil
}

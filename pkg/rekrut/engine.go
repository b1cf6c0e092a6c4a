package rekrut

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/rekrut/pkg/adapters/stt"
	"github.com/harunnryd/rekrut/pkg/adapters/tts"
	"github.com/harunnryd/rekrut/pkg/configutil"
	"github.com/harunnryd/rekrut/pkg/dialogue"
	"github.com/harunnryd/rekrut/pkg/errorsx"
	"github.com/harunnryd/rekrut/pkg/evaluation"
	"github.com/harunnryd/rekrut/pkg/interview"
	"github.com/harunnryd/rekrut/pkg/llm"
	"github.com/harunnryd/rekrut/pkg/logging"
	"github.com/harunnryd/rekrut/pkg/metrics"
	"github.com/harunnryd/rekrut/pkg/observers"
	"github.com/harunnryd/rekrut/pkg/pipeline"
	"github.com/harunnryd/rekrut/pkg/redact"
	"github.com/harunnryd/rekrut/pkg/runner"
	"github.com/harunnryd/rekrut/pkg/store"
	"github.com/harunnryd/rekrut/pkg/transcript"
	"github.com/harunnryd/rekrut/pkg/transports"
	"github.com/harunnryd/rekrut/pkg/transports/rtc"
	"github.com/harunnryd/rekrut/pkg/transports/twilio"
	"github.com/harunnryd/rekrut/pkg/turn"
)

var (
	ErrWebUnavailable   = errors.New("web interviews are not enabled")
	ErrPhoneUnavailable = errors.New("phone interviews are not enabled")
	ErrInvalidRequest   = errors.New("invalid request")
)

// RoomIssuer is a WEB transport that hands out join descriptors.
type RoomIssuer interface {
	transports.Transport
	CreateRoom(sessionID string) transports.RoomDescriptor
	ReleaseRoom(name string)
	OfferURL(room string) string
}

type callHandlerSetter interface {
	SetCallHandler(h twilio.CallHandler)
}

type stopper interface {
	Stop() error
}

type interviewMarker interface {
	MarkInterviewing(ctx context.Context, applicationID, sessionID string) error
}

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry

	// Web and Phone replace the transports built from config.
	Web   RoomIssuer
	Phone transports.Transport

	// Recognizer, Synthesizer and LLM replace the configured providers.
	Recognizer  stt.Recognizer
	Synthesizer tts.Synthesizer
	LLM         llm.Client

	// Resolver and Recorder replace the configured application store.
	Resolver store.Resolver
	Recorder store.Recorder

	// Banner receives the startup banner; nil prints none.
	Banner io.Writer
	Logger *slog.Logger
}

// Engine wires the interview pipeline to its transports, storage, HTTP API
// and post-interview processing.
type Engine struct {
	cfg       Config
	logger    *slog.Logger
	providers *ProviderRegistry

	registry *pipeline.Registry
	runner   *pipeline.Runner
	server   *Server

	web   RoomIssuer
	phone transports.Transport

	recognizer  stt.Recognizer
	synthesizer tts.Synthesizer
	llm         llm.Client

	sink      transcript.Sink
	reader    transcript.Reader
	annotator transcript.Annotator
	purgers   []transcript.Purger

	sqlite   *transcript.SQLiteSink
	apps     *store.DB
	resolver store.Resolver
	recorder store.Recorder
	marker   interviewMarker

	dispatcher *Dispatcher
	observer   metrics.Observer
	asyncObs   *metrics.AsyncObserver
	timeline   *observers.TimelineObserver
	usage      *observers.UsageObserver

	pending sync.Map
	closers []func() error

	ctx    context.Context
	cancel context.CancelFunc
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = logging.Setup(cfg.Logging, os.Stdout)
	}
	redact.SetEnabled(cfg.Logging.Redact)

	providers := opts.Providers
	if providers == nil {
		providers = NewProviderRegistry()
		RegisterBuiltinProviders(providers)
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:       cfg,
		logger:    logging.NewComponentLogger(logger, "engine"),
		providers: providers,
		ctx:       ctx,
		cancel:    cancel,
	}

	logger.Info("rekrut_init",
		"environment", cfg.Environment,
		"recognizer", cfg.Recognizer.Provider,
		"synthesizer", cfg.Synthesizer.Provider,
		"llm", cfg.LLM.Provider,
		"dialogue_engine", cfg.Dialogue.Engine,
		"storage", cfg.Storage.Driver,
	)
	pipeline.LogConfiguration(cfg.PipelineConfig())

	steps := []func(EngineOptions) error{
		e.buildObservers,
		e.buildProviders,
		e.buildStorage,
		e.buildApplications,
		e.buildTransports,
	}
	for _, step := range steps {
		if err := step(opts); err != nil {
			e.closeAll()
			cancel()
			return nil, err
		}
	}
	e.buildDispatcher(logger)

	e.registry = pipeline.NewRegistry(e.newOrchestrator, logger)
	e.registry.OnFinalized(e.onFinalized)
	if setter, ok := e.phone.(callHandlerSetter); ok {
		setter.SetCallHandler(e)
	}
	e.server = NewServer(e, logger)

	hooks := runner.Hooks{
		OnStart: func() {
			fields := []any{"message", "Rekrut Ready", "addr", cfg.Server.Addr}
			for _, tr := range []any{e.web, e.phone} {
				if rr, ok := tr.(transports.ReadyReporter); ok {
					for k, v := range rr.ReadyFields() {
						fields = append(fields, k, v)
					}
				}
			}
			e.logger.Info("engine_ready", fields...)
		},
		OnStop: e.shutdown,
	}
	e.runner = pipeline.NewRunner(e.registry, hooks, cfg.ShutdownGrace(), opts.Banner)
	return e, nil
}

func (e *Engine) buildObservers(EngineOptions) error {
	obs := metrics.Multi{observers.NewLatencyObserver(e.logger), observers.NewLoggerObserver(e.logger)}
	if dir := strings.TrimSpace(e.cfg.Storage.ArtifactsDir); dir != "" {
		e.timeline = observers.NewTimelineObserver(dir)
		e.usage = observers.NewUsageObserver(dir)
		obs = append(obs, e.timeline, e.usage)
		e.purgers = append(e.purgers, e.timeline)
	}
	if path := strings.TrimSpace(e.cfg.Metrics.EventsPath); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("metrics events dir: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("metrics events file: %w", err)
		}
		obs = append(obs, metrics.NewJSONLObserver(f))
		e.closers = append(e.closers, f.Close)
	}
	var root metrics.Observer = obs
	if rate := e.cfg.Metrics.SampleRate; rate > 0 && rate < 1 {
		root = metrics.NewSamplingObserver(obs, rate, e.cfg.Metrics.SampledEvents...)
	}
	e.asyncObs = metrics.NewAsyncObserver(root, 2048)
	e.observer = e.asyncObs
	return nil
}

func (e *Engine) buildProviders(opts EngineOptions) error {
	var err error
	e.recognizer = opts.Recognizer
	if e.recognizer == nil {
		if e.recognizer, err = e.providers.BuildRecognizer(e.cfg.Recognizer.Provider, e.cfg); err != nil {
			return fmt.Errorf("recognizer: %w", err)
		}
	}
	e.synthesizer = opts.Synthesizer
	if e.synthesizer == nil {
		if e.synthesizer, err = e.providers.BuildSynthesizer(e.cfg.Synthesizer.Provider, e.cfg); err != nil {
			return fmt.Errorf("synthesizer: %w", err)
		}
	}
	e.llm = opts.LLM
	needLLM := e.cfg.Evaluation.Enabled || strings.EqualFold(e.cfg.Dialogue.Engine, "conversational")
	if e.llm == nil && needLLM {
		if e.llm, err = e.providers.BuildLLM(e.cfg.LLM.Provider, e.cfg); err != nil {
			return fmt.Errorf("llm: %w", err)
		}
	}
	return nil
}

func (e *Engine) buildStorage(EngineOptions) error {
	driver := strings.ToLower(strings.TrimSpace(e.cfg.Storage.Driver))
	var sinks transcript.Multi
	var annotators multiAnnotator

	if driver == "" || driver == "file" || driver == "both" {
		fs, err := transcript.NewFileSink(e.cfg.Storage.LogsDir, e.logger)
		if err != nil {
			return err
		}
		e.closers = append(e.closers, fs.Close)
		sinks = append(sinks, fs)
		annotators = append(annotators, fs)
		e.purgers = append(e.purgers, fs)
		e.reader = fs
	}
	if driver == "sqlite" || driver == "both" {
		ss, err := transcript.OpenSQLite(e.cfg.Storage.DSN)
		if err != nil {
			return err
		}
		e.closers = append(e.closers, ss.Close)
		sinks = append(sinks, ss)
		annotators = append(annotators, ss)
		e.purgers = append(e.purgers, ss)
		if e.reader == nil {
			e.reader = ss
		}
		e.sqlite = ss
	}
	e.sink = sinks
	e.annotator = annotators
	return nil
}

func (e *Engine) buildApplications(opts EngineOptions) error {
	e.resolver, e.recorder = opts.Resolver, opts.Recorder
	if e.resolver != nil || e.recorder != nil {
		e.marker, _ = opts.Resolver.(interviewMarker)
		return nil
	}
	apps := e.cfg.Storage.Applications
	switch strings.ToLower(strings.TrimSpace(apps.Backend)) {
	case "sqlite":
		var err error
		if e.sqlite != nil {
			e.apps, err = store.New(e.sqlite.DB())
		} else {
			e.apps, err = store.Open(e.cfg.Storage.DSN)
			if err == nil {
				e.closers = append(e.closers, e.apps.Close)
			}
		}
		if err != nil {
			return fmt.Errorf("application store: %w", err)
		}
		e.resolver, e.recorder, e.marker = e.apps, e.apps, e.apps
	case "http":
		e.recorder = store.NewHTTPClient(apps.BaseURL, apps.Token)
	}
	return nil
}

func (e *Engine) buildTransports(opts EngineOptions) error {
	e.web, e.phone = opts.Web, opts.Phone
	if e.web == nil && e.cfg.Transports.WebRTC.Enabled {
		var rc rtc.Config
		if err := configutil.DecodeSettings(e.cfg.Transports.WebRTC.Settings, &rc); err != nil {
			return fmt.Errorf("transports.webrtc.settings: %w", err)
		}
		e.web = rtc.New(rc)
	}
	if e.phone == nil && e.cfg.Transports.Twilio.Enabled {
		settings := e.cfg.Transports.Twilio.Settings
		if err := configutil.ValidateSettings("transports.twilio.settings", settings, configutil.Schema{
			Required: []string{"auth_token"},
			Optional: []string{"account_sid", "from_number", "public_url", "server_addr", "voice_path", "media_path",
				"status_callback_path", "attach_timeout", "inbound_buffer", "outbound_buffer", "allow_any_origin", "allowed_origins"},
		}); err != nil {
			return err
		}
		var tc twilio.Config
		if err := configutil.DecodeSettings(settings, &tc); err != nil {
			return fmt.Errorf("transports.twilio.settings: %w", err)
		}
		tc.PublicURL = configutil.StringValue(tc.PublicURL, e.cfg.Server.PublicURL)
		tc.ServerAddr = configutil.StringValue(tc.ServerAddr, e.cfg.Server.Addr)
		e.phone = twilio.New(tc)
	}
	if e.web == nil && e.phone == nil {
		return errors.New("no transport enabled")
	}
	return nil
}

func (e *Engine) buildDispatcher(logger *slog.Logger) {
	var ev Evaluator
	if e.cfg.Evaluation.Enabled && e.llm != nil {
		ev = evaluation.New(e.llm, e.cfg.Evaluation.Config, logger)
	}
	e.dispatcher = NewDispatcher(ev, e.annotator, e.recorder, DispatcherOptions{
		Workers:   e.cfg.Evaluation.Workers,
		QueueSize: e.cfg.Evaluation.QueueSize,
		Retries:   2,
	}, logger)
}

func (e *Engine) newOrchestrator(sess interview.Session, sc transports.SessionConfig) (*pipeline.Orchestrator, error) {
	tr := e.transportFor(sess.Kind)
	if tr == nil {
		return nil, fmt.Errorf("no transport for %s sessions", sess.Kind)
	}
	var ictx interview.Context
	if v, ok := e.pending.LoadAndDelete(sess.ID); ok {
		ictx = v.(interview.Context)
	}
	script := e.cfg.Script(ictx.ScriptID)
	var engine dialogue.Engine = dialogue.NewScriptedEngine(script, e.cfg.Policy())
	if strings.EqualFold(e.cfg.Dialogue.Engine, "conversational") && e.llm != nil {
		engine = dialogue.NewConversationalEngine(engine, e.llm)
	}
	return pipeline.NewOrchestrator(sess, sc, ictx, pipeline.Deps{
		Transport:   tr,
		Recognizer:  e.recognizer,
		Synthesizer: e.synthesizer,
		Engine:      engine,
		Script:      script,
		Sink:        e.sink,
		Observer:    e.observer,
		Logger:      e.logger,
	}, e.cfg.PipelineConfig()), nil
}

func (e *Engine) transportFor(kind interview.Kind) transports.Transport {
	switch kind {
	case interview.KindWeb:
		if e.web != nil {
			return e.web
		}
	case interview.KindPhone:
		if e.phone != nil {
			return e.phone
		}
	}
	return nil
}

func (e *Engine) onFinalized(rec interview.Record) {
	e.logger.Info("interview_finished",
		"session_id", rec.ID,
		"status", string(rec.Status),
		"reason", rec.Reason,
		"exchanges", rec.Exchanges())
	if err := e.dispatcher.Submit(rec); err != nil {
		e.logger.Warn("post_interview_dropped", "session_id", rec.ID, "error", err.Error())
	}
}

// InterviewRequest starts a WEB or PHONE interview. Inline context fields
// fill whatever the application store does not know.
type InterviewRequest struct {
	CandidateID    string `json:"candidate_id"`
	JobID          string `json:"job_id"`
	PhoneNumber    string `json:"phone_number,omitempty"`
	ApplicationID  string `json:"application_id,omitempty"`
	CandidateName  string `json:"candidate_name,omitempty"`
	JobTitle       string `json:"job_title,omitempty"`
	JobDescription string `json:"job_description,omitempty"`
	ResumeSummary  string `json:"resume_summary,omitempty"`
	ScriptID       string `json:"script_id,omitempty"`
}

type WebInterview struct {
	SessionID string    `json:"session_id"`
	Room      string    `json:"room"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	OfferURL  string    `json:"offer_url"`
}

type PhoneInterview struct {
	SessionID string `json:"session_id"`
	CallSID   string `json:"call_sid"`
	Status    string `json:"status"`
}

// StartWeb creates a WEB session and returns the room the candidate joins.
func (e *Engine) StartWeb(ctx context.Context, req InterviewRequest) (WebInterview, error) {
	if e.web == nil {
		return WebInterview{}, ErrWebUnavailable
	}
	id := uuid.NewString()
	room := e.web.CreateRoom(id)
	ictx := e.resolveContext(ctx, req)
	h, err := e.create(ictx, transports.SessionConfig{
		SessionID:   id,
		Kind:        interview.KindWeb,
		CandidateID: req.CandidateID,
		JobID:       req.JobID,
		Room:        &room,
	})
	if err != nil {
		e.web.ReleaseRoom(room.Room)
		return WebInterview{}, err
	}
	e.markInterviewing(ctx, ictx, h.ID())
	return WebInterview{
		SessionID: h.ID(),
		Room:      room.Room,
		Token:     room.Token,
		ExpiresAt: room.ExpiresAt,
		OfferURL:  e.web.OfferURL(room.Room),
	}, nil
}

// StartPhone creates a PHONE session and dials the candidate. The session
// attaches once the carrier reports the answered call.
func (e *Engine) StartPhone(ctx context.Context, req InterviewRequest) (PhoneInterview, error) {
	dialer, ok := e.phone.(transports.OutboundDialer)
	if !ok {
		return PhoneInterview{}, ErrPhoneUnavailable
	}
	if strings.TrimSpace(req.PhoneNumber) == "" {
		return PhoneInterview{}, fmt.Errorf("%w: phone_number is required", ErrInvalidRequest)
	}
	id := uuid.NewString()
	ictx := e.resolveContext(ctx, req)
	h, err := e.create(ictx, transports.SessionConfig{
		SessionID:   id,
		Kind:        interview.KindPhone,
		CandidateID: req.CandidateID,
		JobID:       req.JobID,
		CallLeg:     &transports.CallLeg{To: req.PhoneNumber, Direction: "outbound-api", SessionID: id},
	})
	if err != nil {
		return PhoneInterview{}, err
	}

	dctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	callSID, err := dialer.Dial(dctx, req.PhoneNumber, "", transports.DialOptions{SessionID: id})
	if err != nil {
		e.logger.Error("outbound_dial_failed", "session_id", id, "error", err.Error())
		_ = e.registry.Abort(id, "dial_failed")
		return PhoneInterview{}, errorsx.Wrapf(err, errorsx.ReasonTransportAttach, "dial %s", redact.Phone(req.PhoneNumber))
	}
	if err := e.registry.BindExternal(id, callSID); err != nil {
		e.logger.Warn("outbound_bind_failed", "session_id", id, "call_sid", callSID, "error", err.Error())
	}
	e.logger.Info("outbound_dial_started", "session_id", id, "call_sid", callSID)
	e.markInterviewing(ctx, ictx, h.ID())
	return PhoneInterview{SessionID: id, CallSID: callSID, Status: "calling"}, nil
}

func (e *Engine) create(ictx interview.Context, sc transports.SessionConfig) (*pipeline.Handle, error) {
	e.pending.Store(sc.SessionID, ictx)
	h, err := e.registry.Create(sc)
	if err != nil {
		e.pending.Delete(sc.SessionID)
		return nil, err
	}
	return h, nil
}

func (e *Engine) resolveContext(ctx context.Context, req InterviewRequest) interview.Context {
	ictx := interview.Context{
		ApplicationID:  req.ApplicationID,
		CandidateName:  req.CandidateName,
		JobTitle:       req.JobTitle,
		JobDescription: req.JobDescription,
		ResumeSummary:  req.ResumeSummary,
		ScriptID:       req.ScriptID,
	}
	if e.resolver == nil || req.CandidateID == "" || req.JobID == "" {
		return ictx
	}
	rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	found, err := e.resolver.Resolve(rctx, req.CandidateID, req.JobID)
	if err != nil {
		level := slog.LevelWarn
		if errors.Is(err, store.ErrNotFound) {
			level = slog.LevelInfo
		}
		e.logger.Log(ctx, level, "application_resolve_failed", "candidate_id", req.CandidateID, "job_id", req.JobID, "error", err.Error())
		return ictx
	}
	for _, f := range []struct {
		dst *string
		src string
	}{
		{&found.ApplicationID, ictx.ApplicationID},
		{&found.CandidateName, ictx.CandidateName},
		{&found.JobTitle, ictx.JobTitle},
		{&found.JobDescription, ictx.JobDescription},
		{&found.ResumeSummary, ictx.ResumeSummary},
		{&found.ScriptID, ictx.ScriptID},
	} {
		if strings.TrimSpace(*f.dst) == "" {
			*f.dst = f.src
		}
	}
	return found
}

func (e *Engine) markInterviewing(ctx context.Context, ictx interview.Context, sessionID string) {
	if e.marker == nil || ictx.ApplicationID == "" {
		return
	}
	if err := e.marker.MarkInterviewing(ctx, ictx.ApplicationID, sessionID); err != nil {
		e.logger.Warn("application_mark_failed", "application_id", ictx.ApplicationID, "session_id", sessionID, "error", err.Error())
	}
}

// IncomingCall implements twilio.CallHandler.
func (e *Engine) IncomingCall(_ context.Context, leg transports.CallLeg) (string, error) {
	if leg.SessionID != "" {
		h, err := e.registry.Lookup(leg.SessionID)
		if err != nil {
			return "", err
		}
		if !h.Claim() {
			return "", errorsx.Wrap(&errorsx.DuplicateSessionError{ExternalID: leg.CallSID, SessionID: h.ID()}, errorsx.ReasonSessionDuplicate)
		}
		if err := e.registry.BindExternal(h.ID(), leg.CallSID); err != nil {
			return "", err
		}
		return h.ID(), nil
	}
	if h, err := e.registry.LookupExternal(leg.CallSID); err == nil {
		return "", errorsx.Wrap(&errorsx.DuplicateSessionError{ExternalID: leg.CallSID, SessionID: h.ID()}, errorsx.ReasonSessionDuplicate)
	}
	h, err := e.registry.Create(transports.SessionConfig{
		Kind:    interview.KindPhone,
		CallLeg: &leg,
	})
	if err != nil {
		return "", err
	}
	return h.ID(), nil
}

// CallStatus implements twilio.CallHandler. A call that ends before its
// media stream attached fails the session with the carrier status.
func (e *Engine) CallStatus(_ context.Context, callSID, status string) {
	if status == "completed" {
		return
	}
	h, err := e.registry.LookupExternal(callSID)
	if err != nil || h.State() != turn.StateConnecting {
		return
	}
	e.logger.Info("call_ended_before_attach", "session_id", h.ID(), "call_sid", callSID, "status", status)
	_ = e.registry.Abort(h.ID(), status)
}

// SessionView is the live snapshot served by GET /interviews/:id.
type SessionView struct {
	interview.Session
	State string           `json:"state"`
	Turns []interview.Turn `json:"turns"`
}

func (e *Engine) Session(id string) (SessionView, error) {
	h, err := e.registry.Lookup(id)
	if err != nil {
		return SessionView{}, err
	}
	return SessionView{Session: h.Session(), State: h.State().String(), Turns: h.Turns()}, nil
}

func (e *Engine) Terminate(id string) error {
	return e.registry.Terminate(id)
}

// Ended reports whether id finished recently.
func (e *Engine) Ended(id string) bool {
	return e.registry.Ended(id)
}

func (e *Engine) Logs(ctx context.Context) ([]transcript.Summary, error) {
	if e.reader == nil {
		return []transcript.Summary{}, nil
	}
	return e.reader.List(ctx)
}

func (e *Engine) Log(ctx context.Context, id string) (transcript.Log, error) {
	if e.reader == nil {
		return transcript.Log{}, transcript.ErrLogNotFound
	}
	return e.reader.Get(ctx, id)
}

// Health reports readiness. Draining counts as unhealthy.
type Health struct {
	Status       string   `json:"status"`
	State        string   `json:"state"`
	LiveSessions int      `json:"live_sessions"`
	Transports   []string `json:"transports"`
}

func (e *Engine) Health() (Health, error) {
	h := Health{Status: "ok", State: e.runner.State().String(), LiveSessions: e.registry.Count(), Transports: []string{}}
	if e.web != nil {
		h.Transports = append(h.Transports, string(e.web.Kind()))
	}
	if e.phone != nil {
		h.Transports = append(h.Transports, string(e.phone.Kind()))
	}
	if e.registry.Draining() {
		h.Status = "draining"
		return h, errors.New("engine is draining")
	}
	return h, nil
}

// Start serves the HTTP API and runs the lifecycle until Stop or ctx ends.
func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if hours := e.cfg.Storage.RetentionHours; hours > 0 && len(e.purgers) > 0 {
		go transcript.RunRetention(e.ctx, time.Hour, time.Duration(hours)*time.Hour, e.logger, e.purgers...)
	}
	go func() {
		if err := e.server.Start(e.cfg.Server.Addr); err != nil {
			e.logger.Error("http_server_failed", "error", err.Error())
		}
	}()
	go func() {
		_ = e.runner.Run(ctx)
	}()
	return nil
}

func (e *Engine) Stop() error {
	e.cancel()
	return e.runner.Stop()
}

func (e *Engine) shutdown() {
	for _, tr := range []any{e.web, e.phone} {
		if s, ok := tr.(stopper); ok {
			_ = s.Stop()
		}
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = e.server.Shutdown(sctx)
	cancel()

	dctx, dcancel := context.WithTimeout(context.Background(), 2*time.Minute)
	_ = e.dispatcher.Close(dctx)
	dcancel()

	e.closeAll()
	e.logger.Info("shutdown", "goroutines", runtime.NumGoroutine(), "live_sessions", e.registry.Count())
}

func (e *Engine) closeAll() {
	if e.asyncObs != nil {
		if err := e.asyncObs.Close(); err != nil {
			e.logger.Warn("metrics_flush_failed", "error", err.Error())
		}
		if n := e.asyncObs.Dropped(); n > 0 {
			e.logger.Warn("metrics_events_dropped", "count", n)
		}
	}
	if e.timeline != nil {
		_ = e.timeline.Close()
	}
	if e.usage != nil {
		_ = e.usage.Close()
	}
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			e.logger.Warn("close_failed", "error", err.Error())
		}
	}
	e.closers = nil
}

func (e *Engine) Registry() *pipeline.Registry { return e.registry }
func (e *Engine) Config() Config               { return e.cfg }
func (e *Engine) Server() *Server              { return e.server }

type multiAnnotator []transcript.Annotator

func (m multiAnnotator) Annotate(ctx context.Context, id string, evaluation []byte) error {
	var errs []error
	for _, a := range m {
		if err := a.Annotate(ctx, id, evaluation); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ twilio.CallHandler = (*Engine)(nil)

package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/rekrut/pkg/adapters/stt"
	"github.com/harunnryd/rekrut/pkg/adapters/tts"
	"github.com/harunnryd/rekrut/pkg/dialogue"
	"github.com/harunnryd/rekrut/pkg/errorsx"
	"github.com/harunnryd/rekrut/pkg/frames"
	"github.com/harunnryd/rekrut/pkg/interview"
	"github.com/harunnryd/rekrut/pkg/logging"
	"github.com/harunnryd/rekrut/pkg/metrics"
	"github.com/harunnryd/rekrut/pkg/redact"
	"github.com/harunnryd/rekrut/pkg/transcript"
	"github.com/harunnryd/rekrut/pkg/transports"
	"github.com/harunnryd/rekrut/pkg/turn"
)

const (
	sinkTimeout     = 5 * time.Second
	finalizeTimeout = 10 * time.Second

	reasonTerminated = "terminated"
	reasonHangup     = "candidate_hangup"
	reasonNoInput    = "no_input"
)

// Deps are the collaborators one orchestrator drives.
type Deps struct {
	Transport   transports.Transport
	Recognizer  stt.Recognizer
	Synthesizer tts.Synthesizer
	Engine      dialogue.Engine
	Script      dialogue.Script
	Sink        transcript.Sink
	Observer    metrics.Observer
	Logger      *slog.Logger
}

type decisionResult struct {
	seq int
	d   dialogue.Decision
	err error
}

// answer accumulates recognizer output for the candidate turn in progress.
type answer struct {
	finals  []string
	partial string
	confSum float64
	confN   int
	started time.Time
	last    time.Time
	waited  bool
}

func (a *answer) confidence() float64 {
	if a.confN == 0 {
		return 0
	}
	return a.confSum / float64(a.confN)
}

type recognizerRef struct {
	s stt.Stream
}

// Orchestrator owns one interview session: its state machine, its turn
// sequence and its recognizer and synthesizer streams. Everything except
// the inbound audio pump and provider calls runs on the Run goroutine.
type Orchestrator struct {
	session interview.Session
	sc      transports.SessionConfig
	ictx    interview.Context
	deps    Deps
	cfg     Config
	machine *turn.Machine
	logger  *slog.Logger
	now     func() time.Time

	stream      transports.Stream
	rec         stt.Stream
	recRef      atomic.Pointer[recognizerRef]
	recFailures int
	framesIn    atomic.Int64
	audioIn     atomic.Int64

	mu     sync.RWMutex
	turns  []interview.Turn
	record *interview.Record

	current    *utterance
	speechDone chan speechResult
	decisions  chan decisionResult
	quit       chan struct{}

	cursor      dialogue.Cursor
	consulted   bool
	pending     answer
	lastAnswer  string
	confidence  float64
	answers     int
	reprompts   int
	thinkSeq    int
	thinkCancel context.CancelFunc
	thinkFrom   time.Time
	committedAt time.Time
	finalized   bool

	silence deadline
	noInput deadline
	think   deadline
}

func NewOrchestrator(session interview.Session, sc transports.SessionConfig, ictx interview.Context, deps Deps, cfg Config) *Orchestrator {
	if deps.Sink == nil {
		deps.Sink = transcript.Nop{}
	}
	if deps.Observer == nil {
		deps.Observer = metrics.NoopObserver{}
	}
	if session.StartedAt.IsZero() {
		session.StartedAt = time.Now().UTC()
	}
	o := &Orchestrator{
		session:    session,
		sc:         sc,
		ictx:       ictx,
		deps:       deps,
		cfg:        cfg,
		machine:    turn.NewMachine(),
		logger:     logging.ForSession(deps.Logger, session.ID, string(session.Kind)),
		now:        func() time.Time { return time.Now().UTC() },
		speechDone: make(chan speechResult, 1),
		decisions:  make(chan decisionResult, 1),
		quit:       make(chan struct{}),
	}
	o.machine.AddListener(turn.ListenerFunc(func(ev turn.StateChange) {
		o.logger.Debug("state_change", "from", ev.FromState.String(), "to", ev.ToState.String(), "reason", ev.Reason)
		o.emit(metrics.EventStateChange, 1, map[string]string{
			"from":   ev.FromState.String(),
			"to":     ev.ToState.String(),
			"reason": ev.Reason,
		})
	}))
	return o
}

func (o *Orchestrator) Session() interview.Session { return o.session }
func (o *Orchestrator) State() turn.State           { return o.machine.State() }
func (o *Orchestrator) Machine() *turn.Machine      { return o.machine }

// Turns returns a copy of the committed turns.
func (o *Orchestrator) Turns() []interview.Turn {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]interview.Turn(nil), o.turns...)
}

// Record returns the finalized record, or a live ACTIVE view before that.
func (o *Orchestrator) Record() interview.Record {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.record != nil {
		rec := *o.record
		rec.Turns = append([]interview.Turn(nil), o.record.Turns...)
		return rec
	}
	return interview.Record{
		Session: o.session,
		Status:  interview.StatusActive,
		Turns:   append([]interview.Turn(nil), o.turns...),
		Context: o.ictx,
	}
}

// Run drives the session until it ends or fails. Cancelling ctx ends the
// session without a closing utterance.
func (o *Orchestrator) Run(ctx context.Context) interview.Record {
	defer close(o.quit)
	defer o.stopTimers()

	o.logger.Info("session_started", "candidate_id", o.session.CandidateID, "job_id", o.session.JobID, "direction", o.session.Direction)

	stream, err := o.deps.Transport.Attach(ctx, o.sc)
	if err != nil {
		reason := errorsx.ReasonTransportAttach
		if ctx.Err() != nil {
			reason = reasonTerminated
			var abort *AbortError
			if errors.As(context.Cause(ctx), &abort) && abort.Reason != "" {
				reason = errorsx.ReasonCode(abort.Reason)
			}
		}
		o.failSession(err, reason)
		return o.Record()
	}
	o.stream = stream
	o.logger.Info("transport_attached")

	if err := o.openRecognizer(ctx); err != nil && !o.retryRecognizer(ctx, err) {
		return o.Record()
	}
	go o.pump()

	maxTimer := time.NewTimer(o.cfg.MaxSessionDuration)
	defer maxTimer.Stop()

	o.transition(turn.StateGreeting, "attached")
	o.speak(ctx, uttGreeting, uttGreeting, o.deps.Script.Phrases.Greeting)

	for !o.machine.State().Terminal() {
		o.step(ctx, maxTimer.C)
	}
	return o.Record()
}

// step handles one event. A due end-of-turn wins over anything else that
// became ready in the same tick.
func (o *Orchestrator) step(ctx context.Context, maxC <-chan time.Time) {
	select {
	case <-o.silence.C():
		o.silence.fired()
		o.onSilence(ctx)
		return
	default:
	}

	select {
	case <-ctx.Done():
		o.end(interview.StatusEnded, reasonTerminated, "")
	case <-o.stream.Done():
		o.onTransportDone()
	case ev, ok := <-o.recEvents():
		if !ok {
			o.onRecognizerClosed(ctx)
			return
		}
		o.onTranscript(ctx, ev)
	case <-o.silence.C():
		o.silence.fired()
		o.onSilence(ctx)
	case <-o.noInput.C():
		o.noInput.fired()
		o.onNoInput(ctx)
	case res := <-o.speechDone:
		o.onSpeechDone(ctx, res)
	case res := <-o.decisions:
		o.onDecision(ctx, res)
	case <-o.think.C():
		o.think.fired()
		o.onThinkingTimeout()
	case <-maxC:
		o.logger.Info("max_session_duration_reached", "after_ms", o.cfg.MaxSessionDuration.Milliseconds())
		o.end(interview.StatusEnded, string(dialogue.EndMaxDuration), o.deps.Script.Phrases.Closing)
	}
}

func (o *Orchestrator) recEvents() <-chan frames.TranscriptEvent {
	if o.rec == nil {
		return nil
	}
	return o.rec.Events()
}

func (o *Orchestrator) pump() {
	for f := range o.stream.Inbound() {
		o.framesIn.Add(1)
		o.audioIn.Add(int64(f.Duration()))
		if ref := o.recRef.Load(); ref != nil {
			_ = ref.s.Send(f)
		}
	}
}

func (o *Orchestrator) openRecognizer(ctx context.Context) error {
	s, err := o.deps.Recognizer.Open(ctx, stt.Options{
		SessionID:  o.session.ID,
		SampleRate: frames.TelephonyRate,
		Encoding:   string(frames.CodecMulaw),
		Language:   o.cfg.Language,
	})
	if err != nil {
		return err
	}
	o.rec = s
	o.recRef.Store(&recognizerRef{s: s})
	return nil
}

// retryRecognizer reopens the recognizer within the retry budget. It fails
// the session and returns false once the budget is spent.
func (o *Orchestrator) retryRecognizer(ctx context.Context, err error) bool {
	for {
		o.recFailures++
		if o.recFailures > o.cfg.RecognizerRetries {
			o.flushPartial()
			o.failSession(err, errorsx.ReasonSTTStream)
			return false
		}
		o.logger.Warn("recognizer_retry",
			"attempt", o.recFailures,
			"error", err.Error(),
			"reason_code", string(errorsx.Reason(err)),
		)
		o.emit(metrics.EventRecognizerRetry, float64(o.recFailures), nil)
		if err = o.openRecognizer(ctx); err == nil {
			return true
		}
	}
}

func (o *Orchestrator) onRecognizerClosed(ctx context.Context) {
	err := o.rec.Err()
	o.rec = nil
	o.recRef.Store(nil)
	if ctx.Err() != nil {
		o.end(interview.StatusEnded, reasonTerminated, "")
		return
	}
	if err == nil {
		err = &errorsx.RecognitionError{Provider: o.deps.Recognizer.Name(), Err: errorsx.Wrap(errors.New("stream closed"), errorsx.ReasonSTTStream)}
	}
	o.retryRecognizer(ctx, err)
}

// flushPartial commits whatever the candidate said before the recognizer
// was lost.
func (o *Orchestrator) flushPartial() {
	if o.machine.State() != turn.StateListening {
		return
	}
	text := strings.Join(o.pending.finals, " ")
	if text == "" {
		text = strings.TrimSpace(o.pending.partial)
	}
	if text == "" {
		return
	}
	o.appendTurn(interview.Turn{
		Role:       interview.RoleCandidate,
		Text:       text,
		StartedAt:  o.pending.started,
		EndedAt:    o.pending.last,
		Confidence: o.pending.confidence(),
	})
	o.pending = answer{}
}

func (o *Orchestrator) onTranscript(ctx context.Context, ev frames.TranscriptEvent) {
	o.recFailures = 0
	if o.current != nil && o.cfg.BargeIn.Interrupts(o.machine.State(), ev) {
		o.bargeIn()
	}
	switch o.machine.State() {
	case turn.StateListening:
	case turn.StateThinking:
		o.onLateFinal(ctx, ev)
		return
	default:
		return
	}

	switch ev.Kind {
	case frames.SpeechStarted:
		o.noInput.stop()
		if o.pending.started.IsZero() {
			o.pending.started = o.now()
		}
		// Onset that never yields words lapses back to no-input handling.
		o.silence.arm(o.onsetWindow())
		return
	case frames.TranscriptPartial:
		if strings.TrimSpace(ev.Text) == "" {
			return
		}
		o.pending.partial = strings.TrimSpace(ev.Text)
	case frames.TranscriptFinal:
		if strings.TrimSpace(ev.Text) == "" {
			return
		}
		o.pending.finals = append(o.pending.finals, strings.TrimSpace(ev.Text))
		o.pending.partial = ""
		if ev.Confidence > 0 {
			o.pending.confSum += ev.Confidence
			o.pending.confN++
		}
	default:
		return
	}
	o.noInput.stop()
	if o.pending.started.IsZero() {
		o.pending.started = o.now()
	}
	o.pending.last = o.now()
	o.silence.arm(o.cfg.SilenceTimeout)
}

func (o *Orchestrator) onSilence(ctx context.Context) {
	if o.machine.State() != turn.StateListening {
		return
	}
	text := strings.Join(o.pending.finals, " ")
	if text == "" {
		if o.pending.partial == "" {
			o.onsetLapsed(ctx)
			return
		}
		// Give the recognizer one more window to finalize.
		if !o.pending.waited {
			o.pending.waited = true
			o.silence.arm(o.cfg.SilenceTimeout)
			return
		}
		text = o.pending.partial
	}

	conf := o.pending.confidence()
	o.appendTurn(interview.Turn{
		Role:       interview.RoleCandidate,
		Text:       text,
		StartedAt:  o.pending.started,
		EndedAt:    o.pending.last,
		Confidence: conf,
	})
	o.logger.Info("candidate_turn",
		"words", len(strings.Fields(text)),
		"confidence", conf,
		"text", redact.Preview(redact.Text(text), 80),
	)
	o.pending = answer{}
	o.answers++
	o.lastAnswer = text
	o.confidence = conf
	o.reprompts = 0
	o.committedAt = o.now()

	o.transition(turn.StateThinking, "end_of_turn")
	o.decide(ctx, text)
}

func (o *Orchestrator) onsetWindow() time.Duration {
	if o.cfg.NoInputTimeout > o.cfg.SilenceTimeout {
		return o.cfg.NoInputTimeout
	}
	return o.cfg.SilenceTimeout
}

// onsetLapsed handles speech onset that produced no transcript.
func (o *Orchestrator) onsetLapsed(ctx context.Context) {
	o.pending = answer{}
	o.logger.Debug("speech_onset_lapsed")
	if !o.consulted {
		// The greeting was cut off before the first question.
		o.transition(turn.StateThinking, "greeted")
		o.decide(ctx, "")
		return
	}
	o.noInput.arm(o.cfg.NoInputTimeout)
}

// onLateFinal records a final that lands after the answer was committed and
// asks the engine again with the answer extended. The retry shares the
// original THINKING budget.
func (o *Orchestrator) onLateFinal(ctx context.Context, ev frames.TranscriptEvent) {
	text := strings.TrimSpace(ev.Text)
	if ev.Kind != frames.TranscriptFinal || text == "" {
		return
	}
	now := o.now()
	o.appendTurn(interview.Turn{
		Role:       interview.RoleCandidate,
		Text:       text,
		StartedAt:  now,
		EndedAt:    now,
		Confidence: ev.Confidence,
	})
	o.logger.Info("candidate_turn_continued",
		"words", len(strings.Fields(text)),
		"text", redact.Preview(redact.Text(text), 80),
	)

	left := o.cfg.ThinkingTimeout - now.Sub(o.thinkFrom)
	if left <= 0 {
		return
	}
	if ev.Confidence > 0 {
		if o.confidence > 0 {
			o.confidence = (o.confidence + ev.Confidence) / 2
		} else {
			o.confidence = ev.Confidence
		}
	}
	o.lastAnswer = strings.TrimSpace(o.lastAnswer + " " + text)
	o.cancelThinking()
	o.decideWithin(ctx, o.lastAnswer, left)
}

func (o *Orchestrator) decide(ctx context.Context, final string) {
	o.thinkFrom = o.now()
	o.decideWithin(ctx, final, o.cfg.ThinkingTimeout)
}

func (o *Orchestrator) decideWithin(ctx context.Context, final string, limit time.Duration) {
	o.consulted = true
	o.thinkSeq++
	seq := o.thinkSeq
	snap := dialogue.Snapshot{
		SessionID:  o.session.ID,
		StartedAt:  o.session.StartedAt,
		Now:        o.now(),
		Cursor:     o.cursor,
		Answers:    o.answers,
		Confidence: o.confidence,
		History:    o.Turns(),
		Context:    o.ictx,
	}
	tctx, cancel := context.WithTimeout(ctx, limit)
	o.thinkCancel = cancel
	o.think.arm(limit)
	go func() {
		d, err := o.deps.Engine.NextUtterance(tctx, snap, final)
		select {
		case o.decisions <- decisionResult{seq: seq, d: d, err: err}:
		case <-o.quit:
		}
	}()
}

func (o *Orchestrator) cancelThinking() {
	o.think.stop()
	o.thinkSeq++
	if o.thinkCancel != nil {
		o.thinkCancel()
		o.thinkCancel = nil
	}
}

func (o *Orchestrator) onDecision(ctx context.Context, res decisionResult) {
	if res.seq != o.thinkSeq || o.machine.State() != turn.StateThinking {
		return
	}
	o.cancelThinking()
	if res.err != nil {
		if errors.Is(res.err, context.DeadlineExceeded) {
			o.timedOut()
			return
		}
		o.logger.Error("dialogue_engine_failed", "error", res.err.Error(), "reason_code", string(errorsx.ReasonDialogueEngine))
		o.failSession(res.err, errorsx.ReasonDialogueEngine)
		return
	}

	d := res.d
	o.cursor = d.Cursor
	if d.End {
		o.logger.Info("interview_complete", "reason", string(d.Reason), "answers", o.answers)
		o.end(interview.StatusEnded, string(d.Reason), d.Text)
		return
	}
	reason := "next_question"
	if d.FollowUp {
		reason = "follow_up"
	}
	o.transition(turn.StateSpeaking, reason)
	o.speak(ctx, uttPrompt, uttPrompt, d.Text)
}

func (o *Orchestrator) onThinkingTimeout() {
	if o.machine.State() != turn.StateThinking {
		return
	}
	o.cancelThinking()
	o.timedOut()
}

func (o *Orchestrator) timedOut() {
	err := &errorsx.DialogueTimeoutError{After: o.cfg.ThinkingTimeout}
	o.logger.Warn("dialogue_timeout", "error", err.Error(), "reason_code", string(errorsx.ReasonDialogueTimeout))
	o.end(interview.StatusTimedOut, string(errorsx.ReasonDialogueTimeout), o.deps.Script.Phrases.Closing)
}

// speak starts an utterance; its outcome arrives on speechDone. replaces is
// the kind whose continuation applies when the utterance completes.
func (o *Orchestrator) speak(ctx context.Context, kind, replaces utteranceKind, text string) {
	uctx, cancel := context.WithCancel(ctx)
	u := &utterance{kind: kind, replaces: replaces, text: text, started: o.now(), cancel: cancel}
	o.current = u
	go func() {
		var err error
		if strings.TrimSpace(u.text) != "" {
			err = play(uctx, o.deps.Synthesizer, o.stream, u)
		}
		cancel()
		select {
		case o.speechDone <- speechResult{u: u, err: err}:
		case <-o.quit:
		}
	}()
}

func (o *Orchestrator) onSpeechDone(ctx context.Context, res speechResult) {
	u := res.u
	if u != o.current {
		return
	}
	o.current = nil

	if res.err != nil {
		o.logger.Warn("synthesis_failed",
			"utterance", u.kind.String(),
			"error", res.err.Error(),
			"reason_code", string(errorsx.Reason(res.err)),
		)
		o.emit(metrics.EventSynthesisFailed, 1, map[string]string{"utterance": u.kind.String()})
		if played := u.playedSoFar(); played > 0 {
			o.appendTurn(interview.Turn{
				Role:        interview.RoleInterviewer,
				Text:        spokenPrefix(u.text, played),
				StartedAt:   u.started,
				EndedAt:     o.now(),
				Interrupted: true,
			})
		}
		if apology := o.deps.Script.Phrases.Apology; u.kind != uttApology && strings.TrimSpace(apology) != "" {
			o.speak(ctx, uttApology, u.replaces, apology)
			return
		}
		o.continueAfter(ctx, u.replaces)
		return
	}

	if strings.TrimSpace(u.text) != "" {
		o.appendTurn(interview.Turn{
			Role:      interview.RoleInterviewer,
			Text:      u.text,
			StartedAt: u.started,
			EndedAt:   o.now(),
		})
	}
	o.emitAudioOut(u.kind, u.playedSoFar())
	if first := u.firstFrameAt(); u.kind == uttPrompt && !first.IsZero() && !o.committedAt.IsZero() {
		o.emit(metrics.EventTurnLatency, float64(first.Sub(o.committedAt).Milliseconds()), nil)
		o.committedAt = time.Time{}
	}
	o.continueAfter(ctx, u.replaces)
}

func (o *Orchestrator) continueAfter(ctx context.Context, kind utteranceKind) {
	if kind == uttGreeting {
		o.transition(turn.StateThinking, "greeted")
		o.decide(ctx, "")
		return
	}
	o.transition(turn.StateListening, "utterance_done")
	o.noInput.arm(o.cfg.NoInputTimeout)
}

// interrupt stops the current utterance, flushes queued audio and records
// what the candidate heard.
func (o *Orchestrator) interrupt() (utteranceKind, time.Duration, bool) {
	u := o.current
	if u == nil {
		return 0, 0, false
	}
	o.current = nil
	played := u.stop()
	o.emitAudioOut(u.kind, played)
	if err := o.stream.Clear(); err != nil {
		o.logger.Warn("transport_clear_failed", "error", err.Error())
	}
	if strings.TrimSpace(u.text) != "" {
		o.appendTurn(interview.Turn{
			Role:        interview.RoleInterviewer,
			Text:        spokenPrefix(u.text, played),
			StartedAt:   u.started,
			EndedAt:     o.now(),
			Interrupted: true,
		})
	}
	return u.kind, played, true
}

func (o *Orchestrator) bargeIn() {
	kind, played, ok := o.interrupt()
	if !ok {
		return
	}
	o.logger.Info("barge_in", "utterance", kind.String(), "played_ms", played.Milliseconds())
	o.emit(metrics.EventBargeIn, float64(played.Milliseconds()), map[string]string{"utterance": kind.String()})
	o.transition(turn.StateListening, "barge_in")
}

func (o *Orchestrator) onNoInput(ctx context.Context) {
	if o.machine.State() != turn.StateListening || !o.pending.started.IsZero() {
		return
	}
	phrases := o.deps.Script.Phrases.NoInput
	if o.reprompts >= o.cfg.MaxReprompts || len(phrases) == 0 {
		o.logger.Info("no_input_limit", "reprompts", o.reprompts)
		o.end(interview.StatusEnded, reasonNoInput, o.deps.Script.Phrases.Closing)
		return
	}
	i := o.reprompts
	if i >= len(phrases) {
		i = len(phrases) - 1
	}
	o.reprompts++
	o.logger.Info("reprompt", "attempt", o.reprompts)
	o.transition(turn.StateThinking, "no_input")
	o.transition(turn.StateSpeaking, "reprompt")
	o.speak(ctx, uttReprompt, uttReprompt, phrases[i])
}

func (o *Orchestrator) onTransportDone() {
	if err := o.stream.Err(); err != nil {
		o.failSession(err, errorsx.ReasonTransportClosed)
		return
	}
	o.logger.Info("candidate_hangup")
	o.end(interview.StatusEnded, reasonHangup, "")
}

// end runs ENDING: closing speech, farewell, finalize, release.
func (o *Orchestrator) end(status interview.Status, reason, closing string) {
	if st := o.machine.State(); st.Terminal() || st == turn.StateEnding {
		return
	}
	o.stopTimers()
	o.cancelThinking()
	o.interrupt()
	o.transition(turn.StateEnding, reason)

	o.speakFinal(uttClosing, closing)
	o.farewell(status, reason)
	o.closeRecognizer()
	o.finalize(status, reason)
	o.closeStream()
	o.transition(turn.StateEnded, reason)
}

func (o *Orchestrator) failSession(err error, reason errorsx.ReasonCode) {
	if o.machine.State().Terminal() {
		return
	}
	o.stopTimers()
	o.cancelThinking()
	if o.stream != nil {
		o.interrupt()
	}
	o.logger.Error("session_failed", "error", err.Error(), "reason_code", string(reason))
	o.machine.Fail(string(reason))

	o.speakFinal(uttFailure, o.deps.Script.Phrases.Failure)
	o.farewell(interview.StatusFailed, string(reason))
	o.closeRecognizer()
	o.finalize(interview.StatusFailed, string(reason))
	o.closeStream()
}

// speakFinal plays a last utterance synchronously, bounded by
// ClosingTimeout, and waits for the transport to drain it.
func (o *Orchestrator) speakFinal(kind utteranceKind, text string) {
	if strings.TrimSpace(text) == "" || !o.streamAlive() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.ClosingTimeout)
	defer cancel()

	u := &utterance{kind: kind, replaces: kind, text: text, started: o.now()}
	err := play(ctx, o.deps.Synthesizer, o.stream, u)
	cut := ctx.Err() != nil
	played := u.stop()
	if err != nil {
		o.logger.Warn("synthesis_failed", "utterance", kind.String(), "error", err.Error(), "reason_code", string(errorsx.Reason(err)))
		o.emit(metrics.EventSynthesisFailed, 1, map[string]string{"utterance": kind.String()})
	}
	switch {
	case err == nil && !cut:
		o.appendTurn(interview.Turn{Role: interview.RoleInterviewer, Text: text, StartedAt: u.started, EndedAt: o.now()})
	case played > 0:
		o.appendTurn(interview.Turn{Role: interview.RoleInterviewer, Text: spokenPrefix(text, played), StartedAt: u.started, EndedAt: o.now(), Interrupted: true})
	}
	if w, ok := o.stream.(transports.PlaybackWaiter); ok && !cut {
		if err := w.WaitPlayback(ctx); err != nil {
			o.logger.Debug("playback_wait_cut", "error", err.Error())
		}
	}
}

func (o *Orchestrator) farewell(status interview.Status, reason string) {
	if !o.streamAlive() {
		return
	}
	if f, ok := o.stream.(transports.Farewell); ok {
		if err := f.SayGoodbye(status, reason); err != nil {
			o.logger.Debug("farewell_failed", "error", err.Error())
		}
	}
}

func (o *Orchestrator) streamAlive() bool {
	if o.stream == nil {
		return false
	}
	select {
	case <-o.stream.Done():
		return false
	default:
		return true
	}
}

func (o *Orchestrator) closeRecognizer() {
	o.recRef.Store(nil)
	if o.rec != nil {
		_ = o.rec.Close()
		o.rec = nil
	}
}

func (o *Orchestrator) closeStream() {
	if o.stream != nil {
		_ = o.stream.Close()
	}
}

func (o *Orchestrator) stopTimers() {
	o.silence.stop()
	o.noInput.stop()
	o.think.stop()
}

// finalize hands the record to the sink exactly once.
func (o *Orchestrator) finalize(status interview.Status, reason string) {
	if o.finalized {
		return
	}
	o.finalized = true

	o.mu.Lock()
	rec := interview.Record{
		Session: o.session,
		Status:  status,
		Reason:  reason,
		Turns:   append([]interview.Turn(nil), o.turns...),
		EndedAt: o.now(),
		Context: o.ictx,
	}
	o.record = &rec
	o.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	if err := o.deps.Sink.Finalize(ctx, rec); err != nil {
		o.logger.Error("transcript_finalize_failed", "error", err.Error(), "reason_code", string(errorsx.ReasonSinkWrite))
	}

	duration := rec.EndedAt.Sub(o.session.StartedAt)
	if d, ok := o.stream.(interface{ Dropped() int64 }); ok {
		if n := d.Dropped(); n > 0 {
			o.emit(metrics.EventFrameDropped, float64(n), map[string]string{"direction": "inbound"})
		}
	}
	if in := time.Duration(o.audioIn.Load()); in > 0 {
		o.emit(metrics.EventAudioIn, in.Seconds(), nil)
	}
	o.deps.Observer.RecordEvent(metrics.Event{
		Name:      metrics.EventSessionEnded,
		Time:      rec.EndedAt,
		SessionID: o.session.ID,
		Value:     duration.Seconds(),
		Tags:      map[string]string{"status": string(status), "reason": reason, "kind": string(o.session.Kind)},
		Fields:    map[string]any{"turns": len(rec.Turns), "exchanges": rec.Exchanges(), "frames_in": o.framesIn.Load()},
	})
	o.logger.Info("session_ended",
		"status", string(status),
		"reason", reason,
		"turns", len(rec.Turns),
		"exchanges", rec.Exchanges(),
		"duration_ms", duration.Milliseconds(),
	)
}

// appendTurn commits t. Timestamps are clamped so turns never overlap.
func (o *Orchestrator) appendTurn(t interview.Turn) {
	o.mu.Lock()
	if t.StartedAt.IsZero() {
		t.StartedAt = o.now()
	}
	if n := len(o.turns); n > 0 && t.StartedAt.Before(o.turns[n-1].EndedAt) {
		t.StartedAt = o.turns[n-1].EndedAt
	}
	if t.EndedAt.Before(t.StartedAt) {
		t.EndedAt = t.StartedAt
	}
	t.Seq = len(o.turns) + 1
	o.turns = append(o.turns, t)
	o.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()
	if err := o.deps.Sink.Append(ctx, o.session, t); err != nil {
		o.logger.Error("transcript_append_failed", "seq", t.Seq, "error", err.Error(), "reason_code", string(errorsx.ReasonSinkWrite))
	}
}

func (o *Orchestrator) transition(to turn.State, reason string) {
	if err := o.machine.Transition(to, reason); err != nil {
		o.logger.Warn("invalid_transition", "error", err.Error())
	}
}

func (o *Orchestrator) emit(name string, value float64, tags map[string]string) {
	o.deps.Observer.RecordEvent(metrics.Event{
		Name:      name,
		Time:      o.now(),
		SessionID: o.session.ID,
		Value:     value,
		Tags:      tags,
	})
}

func (o *Orchestrator) emitAudioOut(kind utteranceKind, played time.Duration) {
	if played <= 0 {
		return
	}
	o.emit(metrics.EventAudioOut, played.Seconds(), map[string]string{"utterance": kind.String()})
}

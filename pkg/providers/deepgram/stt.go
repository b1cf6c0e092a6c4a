package deepgram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/harunnryd/rekrut/pkg/adapters/stt"
	"github.com/harunnryd/rekrut/pkg/errorsx"
	"github.com/harunnryd/rekrut/pkg/frames"
	"github.com/harunnryd/rekrut/pkg/logging"
	"github.com/harunnryd/rekrut/pkg/redact"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

const providerName = "deepgram"

type Config struct {
	APIKey         string
	Model          string
	Language       string
	SampleRate     int
	Encoding       string
	Interim        bool
	VADEvents      bool
	UtteranceEndMS int
	EventBuffer    int
}

// Recognizer opens Deepgram live transcription websockets.
type Recognizer struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Recognizer {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = frames.TelephonyRate
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "mulaw"
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.Language == "" {
		cfg.Language = "en-US"
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	return &Recognizer{
		cfg:    cfg,
		logger: logging.NewComponentLogger(slog.Default(), "deepgram_stt"),
	}
}

func (r *Recognizer) Name() string { return providerName }

func (r *Recognizer) Open(ctx context.Context, opts stt.Options) (stt.Stream, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	rate := r.cfg.SampleRate
	if opts.SampleRate > 0 {
		rate = opts.SampleRate
	}
	encoding := r.cfg.Encoding
	if opts.Encoding != "" {
		encoding = opts.Encoding
	}
	language := r.cfg.Language
	if opts.Language != "" {
		language = opts.Language
	}

	sctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	s := &stream{
		ctx:       sctx,
		cancel:    cancel,
		pr:        pr,
		pw:        pw,
		events:    make(chan frames.TranscriptEvent, r.cfg.EventBuffer),
		logger:    r.logger.With(slog.String("session_id", opts.SessionID)),
		sessionID: opts.SessionID,
	}

	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          r.cfg.Model,
		Language:       language,
		Encoding:       encoding,
		SampleRate:     rate,
		Channels:       1,
		InterimResults: r.cfg.Interim,
		VadEvents:      r.cfg.VADEvents,
		SmartFormat:    true,
		Punctuate:      true,
	}
	if r.cfg.UtteranceEndMS > 0 {
		transcriptOptions.UtteranceEndMs = strconv.Itoa(r.cfg.UtteranceEndMS)
	}

	s.logger.Info("deepgram_stream_opening",
		slog.String("model", r.cfg.Model),
		slog.String("encoding", encoding),
		slog.Int("sample_rate", rate),
		slog.Bool("vad_events", r.cfg.VADEvents))

	dg, err := client.NewWSUsingCallback(sctx, r.cfg.APIKey, &interfaces.ClientOptions{EnableKeepAlive: true}, transcriptOptions, &callback{s: s})
	if err != nil {
		cancel()
		return nil, &errorsx.RecognitionError{Provider: providerName, Err: errorsx.Wrap(err, errorsx.ReasonSTTConnect)}
	}
	s.dg = dg
	if !dg.Connect() {
		cancel()
		return nil, &errorsx.RecognitionError{Provider: providerName, Err: errorsx.Wrap(errors.New("deepgram connection failed"), errorsx.ReasonSTTConnect)}
	}
	s.started = time.Now()

	go func() {
		if err := dg.Stream(pr); err != nil && sctx.Err() == nil {
			s.fail(errorsx.Wrap(err, errorsx.ReasonSTTStream))
		}
	}()
	go func() {
		<-sctx.Done()
		s.finish(nil)
	}()
	return s, nil
}

type stream struct {
	ctx       context.Context
	cancel    context.CancelFunc
	dg        *client.WSCallback
	pr        *io.PipeReader
	pw        *io.PipeWriter
	events    chan frames.TranscriptEvent
	logger    *slog.Logger
	sessionID string
	started   time.Time

	mu       sync.Mutex
	err      error
	finished bool
	sendMu   sync.RWMutex
	metaSeen bool
}

func (s *stream) Send(frame frames.AudioFrame) error {
	if s.ctx.Err() != nil {
		if err := s.Err(); err != nil {
			return err
		}
		return &errorsx.RecognitionError{Provider: providerName, Err: errorsx.Wrap(io.ErrClosedPipe, errorsx.ReasonSTTSend)}
	}
	if _, err := s.pw.Write(frame.Payload); err != nil {
		s.fail(errorsx.Wrap(err, errorsx.ReasonSTTSend))
		return s.Err()
	}
	return nil
}

func (s *stream) Events() <-chan frames.TranscriptEvent { return s.events }

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *stream) Close() error {
	s.finish(nil)
	return nil
}

func (s *stream) fail(err error) {
	s.logger.Error("deepgram_stream_failed", slog.String("error", err.Error()))
	s.finish(&errorsx.RecognitionError{Provider: providerName, Err: err})
}

// finish tears the stream down once. The first error wins.
func (s *stream) finish(err error) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.err = err
	s.mu.Unlock()

	s.cancel()
	_ = s.pw.Close()
	if s.dg != nil {
		s.dg.Stop()
	}
	// Wait for in-flight emits before closing the channel.
	s.sendMu.Lock()
	close(s.events)
	s.sendMu.Unlock()
	s.logger.Info("deepgram_stream_closed", slog.Bool("failed", err != nil))
}

func (s *stream) emit(ev frames.TranscriptEvent) {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	s.mu.Lock()
	done := s.finished
	s.mu.Unlock()
	if done {
		return
	}
	if ev.Kind == frames.TranscriptPartial || ev.Kind == frames.SpeechStarted {
		select {
		case s.events <- ev:
		default:
			s.logger.Warn("deepgram_event_dropped", slog.String("kind", string(ev.Kind)))
		}
		return
	}
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

type callback struct {
	s *stream
}

func (c *callback) Open(*msginterfaces.OpenResponse) error {
	c.s.logger.Info("deepgram_connection_opened")
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	alt := mr.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return nil
	}
	kind := frames.TranscriptPartial
	if mr.IsFinal || mr.SpeechFinal {
		kind = frames.TranscriptFinal
	}
	start := seconds(mr.Start)
	c.s.logger.Debug("transcript_received",
		slog.String("kind", string(kind)),
		slog.String("transcript", redact.Preview(alt.Transcript, 80)),
		slog.Float64("confidence", alt.Confidence))
	c.s.emit(frames.TranscriptEvent{
		Kind:       kind,
		Text:       alt.Transcript,
		Confidence: alt.Confidence,
		Start:      start,
		End:        start + seconds(mr.Duration),
		Received:   time.Now(),
	})
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	if !c.s.metaSeen {
		c.s.metaSeen = true
		c.s.logger.Info("deepgram_metadata_received", slog.String("request_id", md.RequestID))
	}
	return nil
}

func (c *callback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	at := seconds(ssr.Timestamp)
	c.s.emit(frames.TranscriptEvent{Kind: frames.SpeechStarted, Start: at, End: at, Received: time.Now()})
	return nil
}

// UtteranceEnd is informational. End of turn is decided by the session's
// silence timer, not the vendor.
func (c *callback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	c.s.logger.Debug("utterance_end_event", slog.Float64("last_word_end", ur.LastWordEnd))
	return nil
}

func (c *callback) Close(*msginterfaces.CloseResponse) error {
	if c.s.ctx.Err() == nil {
		c.s.fail(errorsx.Wrap(errors.New("deepgram closed the connection"), errorsx.ReasonSTTStream))
	}
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.s.fail(errorsx.Wrap(fmt.Errorf("deepgram error %s: %s", er.ErrCode, er.ErrMsg), errorsx.ReasonSTTStream))
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.s.logger.Debug("deepgram_unhandled_event", slog.Int("bytes", len(byData)))
	return nil
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

var _ stt.Recognizer = (*Recognizer)(nil)

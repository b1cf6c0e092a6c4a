package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/rekrut/pkg/adapters/tts"
	"github.com/harunnryd/rekrut/pkg/errorsx"
	"github.com/harunnryd/rekrut/pkg/frames"
	"github.com/harunnryd/rekrut/pkg/logging"
	"github.com/harunnryd/rekrut/pkg/resilience"
)

const (
	providerName   = "elevenlabs"
	defaultBaseURL = "wss://api.elevenlabs.io/v1"
)

type Config struct {
	APIKey       string
	VoiceID      string
	ModelID      string
	OutputFormat string
	BaseURL      string
	Stability    float64
	Similarity   float64
	FrameBuffer  int
}

// Synthesizer opens one stream-input websocket per utterance so that a
// cancelled utterance can be torn down without affecting the next one.
type Synthesizer struct {
	cfg    Config
	dialer websocket.Dialer
	logger *slog.Logger
}

func New(cfg Config) *Synthesizer {
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = "ulaw_8000"
	}
	if cfg.ModelID == "" {
		cfg.ModelID = "eleven_turbo_v2_5"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Stability == 0 {
		cfg.Stability = 0.5
	}
	if cfg.Similarity == 0 {
		cfg.Similarity = 0.8
	}
	if cfg.FrameBuffer <= 0 {
		cfg.FrameBuffer = 64
	}
	return &Synthesizer{
		cfg:    cfg,
		dialer: websocket.Dialer{Proxy: http.ProxyFromEnvironment},
		logger: logging.NewComponentLogger(slog.Default(), "elevenlabs_tts"),
	}
}

func (s *Synthesizer) Name() string { return providerName }

func (s *Synthesizer) Synthesize(ctx context.Context, text string) (tts.Stream, error) {
	text = strings.TrimSpace(text)
	if s.cfg.APIKey == "" || s.cfg.VoiceID == "" {
		return nil, s.synthErr(text, errors.New("missing elevenlabs config"), errorsx.ReasonTTSConnect)
	}
	if text == "" {
		return nil, s.synthErr(text, errors.New("empty utterance"), errorsx.ReasonTTSStream)
	}
	u, err := s.buildURL()
	if err != nil {
		return nil, s.synthErr(text, err, errorsx.ReasonTTSConnect)
	}

	conn, resp, err := s.dialer.DialContext(ctx, u, http.Header{"xi-api-key": []string{s.cfg.APIKey}})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return nil, s.synthErr(text, resilience.RateLimitError{Provider: providerName, Message: resp.Status}, errorsx.ReasonTTSRateLimit)
		}
		return nil, s.synthErr(text, err, errorsx.ReasonTTSConnect)
	}

	st := &stream{
		conn:   conn,
		out:    make(chan frames.AudioFrame, s.cfg.FrameBuffer),
		text:   text,
		logger: s.logger,
	}
	init := map[string]any{
		"text": " ",
		"voice_settings": map[string]any{
			"stability":        s.cfg.Stability,
			"similarity_boost": s.cfg.Similarity,
		},
		"generation_config": map[string]any{
			"chunk_length_schedule": []int{120, 160, 250, 290},
		},
	}
	// An empty text message marks end of input; the server then drains and
	// reports isFinal.
	for _, msg := range []map[string]any{init, {"text": text + " ", "try_trigger_generation": true}, {"text": ""}} {
		if err := st.send(msg); err != nil {
			_ = conn.Close()
			return nil, s.synthErr(text, err, errorsx.ReasonTTSStream)
		}
	}
	s.logger.Debug("elevenlabs_utterance_started", slog.Int("chars", len(text)))

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()
	go func() {
		defer close(stop)
		st.readLoop(ctx)
	}()
	return st, nil
}

func (s *Synthesizer) buildURL() (string, error) {
	base, err := url.Parse(strings.TrimRight(s.cfg.BaseURL, "/") + "/text-to-speech/" + url.PathEscape(s.cfg.VoiceID) + "/stream-input")
	if err != nil {
		return "", err
	}
	q := url.Values{}
	q.Set("model_id", s.cfg.ModelID)
	q.Set("output_format", s.cfg.OutputFormat)
	q.Set("optimize_streaming_latency", "4")
	base.RawQuery = q.Encode()
	return base.String(), nil
}

func (s *Synthesizer) synthErr(text string, err error, reason errorsx.ReasonCode) error {
	return &errorsx.SynthesisError{Provider: providerName, Text: text, Err: errorsx.Wrap(err, reason)}
}

type stream struct {
	conn   *websocket.Conn
	out    chan frames.AudioFrame
	text   string
	logger *slog.Logger
	seq    frames.Sequencer

	writeMu sync.Mutex
	mu      sync.Mutex
	err     error
}

type message struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (st *stream) Frames() <-chan frames.AudioFrame { return st.out }

func (st *stream) Err() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.err
}

func (st *stream) send(payload map[string]any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	st.writeMu.Lock()
	defer st.writeMu.Unlock()
	return st.conn.WriteMessage(websocket.TextMessage, b)
}

func (st *stream) readLoop(ctx context.Context) {
	defer close(st.out)
	defer st.conn.Close()

	var pending []byte
	for {
		_, data, err := st.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				st.flushPending(ctx, pending)
				return
			}
			st.fail(err)
			return
		}
		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			st.logger.Warn("elevenlabs_message_invalid", slog.String("error", err.Error()))
			continue
		}
		if msg.Error != "" {
			st.fail(fmt.Errorf("%s: %s", msg.Error, msg.Message))
			return
		}
		if msg.Audio != "" {
			raw, err := base64.StdEncoding.DecodeString(msg.Audio)
			if err != nil {
				st.fail(err)
				return
			}
			pending = append(pending, raw...)
			whole := len(pending) - len(pending)%frames.MulawFrameBytes
			for _, f := range frames.Chunk(&st.seq, pending[:whole], frames.MulawFrameBytes, nil) {
				if !st.emit(ctx, f) {
					return
				}
			}
			pending = append(pending[:0], pending[whole:]...)
		}
		if msg.IsFinal {
			st.flushPending(ctx, pending)
			return
		}
	}
}

func (st *stream) flushPending(ctx context.Context, pending []byte) {
	for _, f := range frames.Chunk(&st.seq, pending, frames.MulawFrameBytes, nil) {
		if !st.emit(ctx, f) {
			return
		}
	}
}

func (st *stream) emit(ctx context.Context, f frames.AudioFrame) bool {
	select {
	case st.out <- f:
		return true
	case <-ctx.Done():
		return false
	}
}

func (st *stream) fail(err error) {
	st.logger.Error("elevenlabs_stream_failed", slog.String("error", err.Error()))
	st.mu.Lock()
	st.err = &errorsx.SynthesisError{Provider: providerName, Text: st.text, Err: errorsx.Wrap(err, errorsx.ReasonTTSStream)}
	st.mu.Unlock()
}

var _ tts.Synthesizer = (*Synthesizer)(nil)

// Package twilio carries PHONE interviews over Twilio Programmable Voice and
// Media Streams.
package twilio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/rekrut/pkg/errorsx"
	"github.com/harunnryd/rekrut/pkg/interview"
	"github.com/harunnryd/rekrut/pkg/logging"
	"github.com/harunnryd/rekrut/pkg/transports"
	twilioclient "github.com/twilio/twilio-go/client"
	"github.com/twilio/twilio-go/twiml"
)

// SessionParam names the Stream parameter and webhook query value that carry
// the interview session id.
const SessionParam = "session_id"

var errAttachTimeout = errors.New("media stream did not start in time")

type Config struct {
	ServerAddr         string        `mapstructure:"server_addr"`
	PublicURL          string        `mapstructure:"public_url"`
	AuthToken          string        `mapstructure:"auth_token"`
	AccountSID         string        `mapstructure:"account_sid"`
	FromNumber         string        `mapstructure:"from_number"`
	VoicePath          string        `mapstructure:"voice_path"`
	MediaPath          string        `mapstructure:"media_path"`
	StatusCallbackPath string        `mapstructure:"status_callback_path"`
	AttachTimeout      time.Duration `mapstructure:"attach_timeout"`
	InboundBuffer      int           `mapstructure:"inbound_buffer"`
	OutboundBuffer     int           `mapstructure:"outbound_buffer"`
	AllowAnyOrigin     bool          `mapstructure:"allow_any_origin"`
	AllowedOrigins     []string      `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.VoicePath == "" {
		c.VoicePath = "/telephony/voice-webhook"
	}
	if c.MediaPath == "" {
		c.MediaPath = "/telephony/media"
	}
	if c.StatusCallbackPath == "" {
		c.StatusCallbackPath = "/telephony/status-callback"
	}
	if c.AttachTimeout <= 0 {
		c.AttachTimeout = 75 * time.Second
	}
	if c.InboundBuffer <= 0 {
		c.InboundBuffer = 256
	}
	if c.OutboundBuffer <= 0 {
		c.OutboundBuffer = 3000
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// CallHandler binds call legs reported by the voice webhook to sessions.
type CallHandler interface {
	// IncomingCall returns the session id serving leg. A repeated webhook for
	// a live call yields *errorsx.DuplicateSessionError.
	IncomingCall(ctx context.Context, leg transports.CallLeg) (string, error)
	// CallStatus reports a terminal call status such as busy or no_answer.
	CallStatus(ctx context.Context, callSID, status string)
}

type attachResult struct {
	stream *mediaStream
	err    error
}

type Transport struct {
	cfg      Config
	upgrader websocket.Upgrader
	logger   *slog.Logger
	dialer   *Dialer

	handlerMu sync.RWMutex
	handler   CallHandler

	mu      sync.Mutex
	waiters map[string]chan attachResult
	ready   map[string]*mediaStream
	streams map[string]*mediaStream
	calls   map[string]string

	draining atomic.Bool
}

func New(cfg Config) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger:  logging.NewComponentLogger(nil, "twilio"),
		dialer:  NewDialer(cfg),
		waiters: make(map[string]chan attachResult),
		ready:   make(map[string]*mediaStream),
		streams: make(map[string]*mediaStream),
		calls:   make(map[string]string),
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	return t
}

func (t *Transport) Kind() interview.Kind { return interview.KindPhone }

func (t *Transport) SetCallHandler(h CallHandler) {
	t.handlerMu.Lock()
	t.handler = h
	t.handlerMu.Unlock()
}

func (t *Transport) callHandler() CallHandler {
	t.handlerMu.RLock()
	defer t.handlerMu.RUnlock()
	return t.handler
}

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"webhook_url":         t.voiceWebhookURL(),
		"media_url":           t.mediaURL(nil),
		"status_callback_url": t.statusCallbackURL(),
	}
}

// Routes lists the endpoints Twilio calls. The webhooks accept any method so
// they can answer 405 themselves.
func (t *Transport) Routes() []transports.Route {
	return []transports.Route{
		{Path: t.cfg.VoicePath, Handler: http.HandlerFunc(t.HandleVoiceWebhook)},
		{Method: http.MethodGet, Path: t.cfg.MediaPath, Handler: t},
		{Path: t.cfg.StatusCallbackPath, Handler: http.HandlerFunc(t.HandleStatusCallback)},
	}
}

// Attach waits for the media stream Twilio opens after the voice webhook.
func (t *Transport) Attach(ctx context.Context, cfg transports.SessionConfig) (transports.Stream, error) {
	if cfg.Kind != interview.KindPhone {
		return nil, &errorsx.TransportError{Transport: "twilio", Op: "attach", Err: fmt.Errorf("unsupported session kind %q", cfg.Kind)}
	}
	if err := cfg.Validate(); err != nil {
		return nil, &errorsx.TransportError{Transport: "twilio", Op: "attach", Err: err}
	}
	id := cfg.SessionID
	ch := make(chan attachResult, 1)

	t.mu.Lock()
	if s := t.ready[id]; s != nil {
		delete(t.ready, id)
		t.streams[id] = s
		t.mu.Unlock()
		return s, nil
	}
	t.waiters[id] = ch
	if sid := cfg.CallLeg.CallSID; sid != "" {
		t.calls[sid] = id
	}
	t.mu.Unlock()

	timer := time.NewTimer(t.cfg.AttachTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.stream, nil
	case <-ctx.Done():
		t.abandonWaiter(id, ch)
		return nil, &errorsx.TransportError{Transport: "twilio", Op: "attach", Err: ctx.Err()}
	case <-timer.C:
		t.abandonWaiter(id, ch)
		return nil, &errorsx.TransportError{Transport: "twilio", Op: "attach", Err: errAttachTimeout}
	}
}

func (t *Transport) abandonWaiter(id string, ch chan attachResult) {
	t.mu.Lock()
	if t.waiters[id] == ch {
		delete(t.waiters, id)
	}
	t.mu.Unlock()
	select {
	case res := <-ch:
		if res.stream != nil {
			_ = res.stream.Close()
		}
	default:
	}
}

// ServeHTTP upgrades the Twilio Media Streams websocket.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	var stream *mediaStream
	defer func() {
		if stream == nil {
			_ = conn.Close()
		}
	}()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if stream != nil {
				stream.end(&errorsx.TransportError{Transport: "twilio", Op: "read", Err: err})
			}
			return
		}
		var evt TwilioEvent
		if err := json.Unmarshal(msg, &evt); err != nil {
			continue
		}
		switch evt.Event {
		case "start":
			if evt.Start == nil || stream != nil {
				continue
			}
			s := newMediaStream(conn, evt.Start, evt.Start.CustomParameters[SessionParam], t.cfg, t.logger)
			if !t.bind(s) {
				t.logger.Warn("twilio_stream_unbound",
					"call_sid", evt.Start.CallSID,
					"stream_sid", evt.Start.StreamID)
				return
			}
			stream = s
			stream.logger = logging.ForSession(t.logger, s.sessionID, string(interview.KindPhone))
			go stream.writeLoop()
		case "media":
			if stream == nil || evt.Media == nil {
				continue
			}
			stream.deliverMedia(evt.Media)
		case "mark":
			if stream != nil && evt.Mark != nil {
				stream.resolveMark(evt.Mark.Name)
			}
		case "dtmf":
			if stream != nil && evt.DTMF != nil {
				stream.logger.Debug("twilio_dtmf_ignored", "digit", evt.DTMF.Digit)
			}
		case "stop":
			if stream != nil {
				stream.end(nil)
				_ = conn.Close()
			}
			return
		}
	}
}

// bind associates a started stream with its session, handing it to a
// waiting Attach or parking it until Attach arrives.
func (t *Transport) bind(s *mediaStream) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s.sessionID == "" {
		s.sessionID = t.calls[s.callSID]
	}
	id := s.sessionID
	if id == "" {
		return false
	}
	if t.streams[id] != nil || t.ready[id] != nil {
		return false
	}
	s.onEnd = t.detach
	if s.callSID != "" {
		t.calls[s.callSID] = id
	}
	if ch := t.waiters[id]; ch != nil {
		delete(t.waiters, id)
		t.streams[id] = s
		ch <- attachResult{stream: s}
		return true
	}
	t.ready[id] = s
	return true
}

func (t *Transport) detach(s *mediaStream) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.streams[s.sessionID] == s {
		delete(t.streams, s.sessionID)
	}
	if t.ready[s.sessionID] == s {
		delete(t.ready, s.sessionID)
	}
	if s.callSID != "" && t.calls[s.callSID] == s.sessionID {
		delete(t.calls, s.callSID)
	}
}

// HandleVoiceWebhook answers Twilio's voice webhook with TwiML that connects
// the call to our media stream.
func (t *Transport) HandleVoiceWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.AuthToken != "" && !t.validateTwilioRequest(r) {
		t.logger.Warn("twilio_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	leg := transports.CallLeg{
		CallSID:    r.FormValue("CallSid"),
		AccountSID: r.FormValue("AccountSid"),
		From:       r.FormValue("From"),
		To:         r.FormValue("To"),
		Direction:  r.FormValue("Direction"),
		SessionID:  r.URL.Query().Get(SessionParam),
	}
	if leg.CallSID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	handler := t.callHandler()
	if handler == nil || t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	sessionID, err := handler.IncomingCall(r.Context(), leg)
	if err != nil {
		var dup *errorsx.DuplicateSessionError
		if errors.As(err, &dup) {
			t.logger.Warn("twilio_duplicate_webhook",
				"call_sid", leg.CallSID,
				"session_id", dup.SessionID,
				"reason_code", string(errorsx.ReasonSessionDuplicate))
			w.WriteHeader(http.StatusConflict)
			return
		}
		t.logger.Error("twilio_incoming_call_rejected", "call_sid", leg.CallSID, "error", err.Error())
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	t.mu.Lock()
	t.calls[leg.CallSID] = sessionID
	t.mu.Unlock()

	body, err := t.connectTwiML(r, sessionID)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(body))
}

func (t *Transport) connectTwiML(r *http.Request, sessionID string) (string, error) {
	stream := &twiml.VoiceStream{
		Url: t.mediaURL(r),
		InnerElements: []twiml.Element{
			&twiml.VoiceParameter{Name: SessionParam, Value: sessionID},
		},
	}
	return twiml.Voice([]twiml.Element{
		&twiml.VoiceConnect{InnerElements: []twiml.Element{stream}},
	})
}

// HandleStatusCallback relays terminal call statuses. A call that ends before
// its media stream starts fails the pending Attach.
func (t *Transport) HandleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.AuthToken != "" && !t.validateTwilioRequest(r) {
		t.logger.Warn("twilio_status_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	callSID := r.FormValue("CallSid")
	reason := normalizeCallEndReason(r.FormValue("CallStatus"))
	if reason == "" || callSID == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	t.logger.Info("twilio_call_status", "call_sid", callSID, "status", reason)
	if reason != "completed" {
		t.failPending(callSID, reason)
	}
	if h := t.callHandler(); h != nil {
		h.CallStatus(r.Context(), callSID, reason)
	}
	w.WriteHeader(http.StatusOK)
}

func (t *Transport) failPending(callSID, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.calls[callSID]
	if id == "" {
		return
	}
	if ch := t.waiters[id]; ch != nil {
		delete(t.waiters, id)
		ch <- attachResult{err: &errorsx.TransportError{Transport: "twilio", Op: "dial", Err: fmt.Errorf("call %s", reason)}}
	}
}

// Dial places an outbound call whose webhook resolves to opts.SessionID.
func (t *Transport) Dial(ctx context.Context, to, from string, opts transports.DialOptions) (string, error) {
	if from == "" {
		from = t.cfg.FromNumber
	}
	return t.dialer.Dial(ctx, to, from, opts)
}

// Hangup ends a call through the REST API.
func (t *Transport) Hangup(ctx context.Context, callSID string) error {
	return t.dialer.Hangup(ctx, callSID)
}

// Stop refuses new media streams and closes the open ones.
func (t *Transport) Stop() error {
	t.draining.Store(true)
	t.mu.Lock()
	open := make([]*mediaStream, 0, len(t.streams)+len(t.ready))
	for _, s := range t.streams {
		open = append(open, s)
	}
	for _, s := range t.ready {
		open = append(open, s)
	}
	t.mu.Unlock()
	for _, s := range open {
		_ = s.Close()
	}
	return nil
}

func (t *Transport) mediaURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		return "wss://" + normalizePublicURL(t.cfg.PublicURL) + t.cfg.MediaPath
	}
	host := ""
	if r != nil {
		host = r.Host
	}
	if host == "" {
		host = localAddr(t.cfg.ServerAddr)
	}
	return "wss://" + host + t.cfg.MediaPath
}

func (t *Transport) voiceWebhookURL() string {
	return publicHTTPURL(t.cfg, t.cfg.VoicePath)
}

func (t *Transport) statusCallbackURL() string {
	return publicHTTPURL(t.cfg, t.cfg.StatusCallbackPath)
}

func publicHTTPURL(cfg Config, path string) string {
	if cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(cfg.PublicURL) + path
	}
	return "http://" + localAddr(cfg.ServerAddr) + path
}

func localAddr(addr string) string {
	if addr == "" {
		addr = ":8080"
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return addr
}

func withSessionParam(raw, sessionID string) string {
	if sessionID == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set(SessionParam, sessionID)
	u.RawQuery = q.Encode()
	return u.String()
}

func (t *Transport) validateTwilioRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" || t.cfg.AuthToken == "" {
		return false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	validator := twilioclient.NewRequestValidator(t.cfg.AuthToken)
	return validator.ValidateBody(t.requestURL(r), body, signature)
}

func (t *Transport) requestURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		base := strings.TrimRight(t.cfg.PublicURL, "/")
		if !strings.Contains(base, "://") {
			base = "https://" + base
		}
		return base + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = localAddr(t.cfg.ServerAddr)
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimRight(strings.TrimSpace(r.Header.Get("Origin")), "/")
	if origin == "" {
		return true
	}
	originHost := strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://")
	for _, allowed := range t.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

func normalizeCallEndReason(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return ""
	case "queued", "initiated", "ringing", "in-progress", "inprogress", "answered":
		return ""
	case "completed", "call_ended", "call-ended", "hangup":
		return "completed"
	case "busy":
		return "busy"
	case "no_answer", "noanswer", "no-answer":
		return "no_answer"
	case "canceled", "cancelled":
		return "canceled"
	case "failed", "error":
		return "failed"
	default:
		return "unknown"
	}
}

func normalizePublicURL(v string) string {
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	return strings.TrimRight(v, "/")
}

package twilio

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/rekrut/pkg/errorsx"
	"github.com/harunnryd/rekrut/pkg/frames"
	"github.com/harunnryd/rekrut/pkg/interview"
	"github.com/harunnryd/rekrut/pkg/transports"
)

type stubHandler struct {
	mu       sync.Mutex
	legs     []transports.CallLeg
	statuses []string
	seen     map[string]bool
}

func (h *stubHandler) IncomingCall(_ context.Context, leg transports.CallLeg) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.seen == nil {
		h.seen = make(map[string]bool)
	}
	if h.seen[leg.CallSID] {
		return "", &errorsx.DuplicateSessionError{ExternalID: leg.CallSID, SessionID: "sess-" + leg.CallSID}
	}
	h.seen[leg.CallSID] = true
	h.legs = append(h.legs, leg)
	if leg.SessionID != "" {
		return leg.SessionID, nil
	}
	return "sess-" + leg.CallSID, nil
}

func (h *stubHandler) CallStatus(_ context.Context, callSID, status string) {
	h.mu.Lock()
	h.statuses = append(h.statuses, callSID+":"+status)
	h.mu.Unlock()
}

func signedForm(t *testing.T, tr *Transport, target string, params map[string]string) *http.Request {
	t.Helper()
	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", computeSignature(tr.cfg.AuthToken, tr.requestURL(req), params))
	return req
}

func TestVoiceWebhookSignatureAndMethod(t *testing.T) {
	tr := New(Config{AuthToken: "token", PublicURL: "https://example.com"})
	tr.SetCallHandler(&stubHandler{})

	w := httptest.NewRecorder()
	tr.HandleVoiceWebhook(w, httptest.NewRequest(http.MethodGet, "https://example.com/telephony/voice-webhook", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}

	params := map[string]string{"CallSid": "CA123", "From": "+123"}
	req := signedForm(t, tr, "https://example.com/telephony/voice-webhook", params)
	req.Header.Set("X-Twilio-Signature", "invalid")
	w = httptest.NewRecorder()
	tr.HandleVoiceWebhook(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	tr.HandleVoiceWebhook(w, signedForm(t, tr, "https://example.com/telephony/voice-webhook", params))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "<Connect>") || !strings.Contains(body, "wss://example.com/telephony/media") {
		t.Fatalf("expected connect stream twiml, got %s", body)
	}
	if !strings.Contains(body, `name="session_id"`) || !strings.Contains(body, `value="sess-CA123"`) {
		t.Fatalf("expected session parameter, got %s", body)
	}
}

func TestVoiceWebhookDuplicateIsConflict(t *testing.T) {
	tr := New(Config{})
	h := &stubHandler{}
	tr.SetCallHandler(h)
	params := map[string]string{"CallSid": "CA1", "Direction": "inbound"}

	w := httptest.NewRecorder()
	tr.HandleVoiceWebhook(w, signedForm(t, tr, "https://example.com/telephony/voice-webhook", params))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	w = httptest.NewRecorder()
	tr.HandleVoiceWebhook(w, signedForm(t, tr, "https://example.com/telephony/voice-webhook", params))
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
	if len(h.legs) != 1 {
		t.Fatalf("expected a single session, got %d", len(h.legs))
	}
}

func TestVoiceWebhookCarriesDialedSession(t *testing.T) {
	tr := New(Config{})
	h := &stubHandler{}
	tr.SetCallHandler(h)
	w := httptest.NewRecorder()
	tr.HandleVoiceWebhook(w, signedForm(t, tr, "https://example.com/telephony/voice-webhook?session_id=abc",
		map[string]string{"CallSid": "CA9", "Direction": "outbound-api"}))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if h.legs[0].SessionID != "abc" || !strings.Contains(w.Body.String(), `value="abc"`) {
		t.Fatalf("expected dialed session id to be used")
	}
}

func TestVoiceWebhookWithoutHandler(t *testing.T) {
	tr := New(Config{})
	w := httptest.NewRecorder()
	tr.HandleVoiceWebhook(w, signedForm(t, tr, "https://example.com/telephony/voice-webhook", map[string]string{"CallSid": "CA1"}))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func startMediaServer(t *testing.T, tr *Transport) (*websocket.Conn, func()) {
	t.Helper()
	srv := httptest.NewServer(tr)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial: %v", err)
	}
	return conn, func() {
		_ = conn.Close()
		srv.Close()
	}
}

func writeEvent(t *testing.T, conn *websocket.Conn, evt TwilioEvent) {
	t.Helper()
	if err := conn.WriteJSON(evt); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readOutbound(t *testing.T, conn *websocket.Conn) outboundMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg outboundMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func phoneConfig(id, callSID string) transports.SessionConfig {
	return transports.SessionConfig{
		SessionID: id,
		Kind:      interview.KindPhone,
		CallLeg:   &transports.CallLeg{CallSID: callSID},
	}
}

func TestMediaStreamRoundTrip(t *testing.T) {
	tr := New(Config{AttachTimeout: 2 * time.Second})
	conn, done := startMediaServer(t, tr)
	defer done()

	attached := make(chan transports.Stream, 1)
	go func() {
		s, err := tr.Attach(context.Background(), phoneConfig("sess-1", "CA1"))
		if err != nil {
			t.Errorf("attach: %v", err)
		}
		attached <- s
	}()
	time.Sleep(20 * time.Millisecond)
	writeEvent(t, conn, TwilioEvent{Event: "start", Start: &TwilioStart{
		CallSID:          "CA1",
		StreamID:         "MZ1",
		CustomParameters: map[string]string{SessionParam: "sess-1"},
	}})

	var stream transports.Stream
	select {
	case stream = <-attached:
	case <-time.After(2 * time.Second):
		t.Fatalf("attach did not complete")
	}
	if stream == nil {
		t.Fatalf("nil stream")
	}

	payload := []byte{1, 2, 3}
	writeEvent(t, conn, TwilioEvent{Event: "media", Media: &TwilioMedia{Payload: base64.StdEncoding.EncodeToString(payload)}})
	select {
	case f := <-stream.Inbound():
		if f.Seq != 1 || string(f.Payload) != string(payload) || f.Codec != frames.CodecMulaw {
			t.Fatalf("unexpected inbound frame %+v", f)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected inbound frame")
	}

	if err := stream.Send(context.Background(), frames.NewMulawFrame(1, time.Now(), []byte{9, 9})); err != nil {
		t.Fatalf("send: %v", err)
	}
	msg := readOutbound(t, conn)
	if msg.Event != "media" || msg.StreamSID != "MZ1" || msg.Media == nil {
		t.Fatalf("expected media message, got %+v", msg)
	}

	if err := stream.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if msg := readOutbound(t, conn); msg.Event != "clear" {
		t.Fatalf("expected clear, got %q", msg.Event)
	}

	waiter, ok := stream.(transports.PlaybackWaiter)
	if !ok {
		t.Fatalf("expected playback waiter")
	}
	waitErr := make(chan error, 1)
	go func() { waitErr <- waiter.WaitPlayback(context.Background()) }()
	mark := readOutbound(t, conn)
	if mark.Event != "mark" || mark.Mark == nil {
		t.Fatalf("expected mark, got %+v", mark)
	}
	writeEvent(t, conn, TwilioEvent{Event: "mark", Mark: &TwilioMark{Name: mark.Mark.Name}})
	select {
	case err := <-waitErr:
		if err != nil {
			t.Fatalf("wait playback: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("mark echo not observed")
	}

	writeEvent(t, conn, TwilioEvent{Event: "stop", Stop: &TwilioStop{CallSID: "CA1"}})
	select {
	case <-stream.Done():
	case <-time.After(time.Second):
		t.Fatalf("expected stream to end")
	}
	if stream.Err() != nil {
		t.Fatalf("stop must be a normal hangup, got %v", stream.Err())
	}
}

func TestMediaStreamDropIsTransportError(t *testing.T) {
	tr := New(Config{})
	conn, done := startMediaServer(t, tr)
	defer done()

	writeEvent(t, conn, TwilioEvent{Event: "start", Start: &TwilioStart{
		CallSID:          "CA2",
		StreamID:         "MZ2",
		CustomParameters: map[string]string{SessionParam: "sess-2"},
	}})
	time.Sleep(20 * time.Millisecond)
	stream, err := tr.Attach(context.Background(), phoneConfig("sess-2", "CA2"))
	if err != nil {
		t.Fatalf("attach parked stream: %v", err)
	}
	_ = conn.Close()
	select {
	case <-stream.Done():
	case <-time.After(time.Second):
		t.Fatalf("expected stream to end")
	}
	var te *errorsx.TransportError
	if !errors.As(stream.Err(), &te) {
		t.Fatalf("expected transport error, got %v", stream.Err())
	}
}

func TestAttachTimesOut(t *testing.T) {
	tr := New(Config{AttachTimeout: 20 * time.Millisecond})
	_, err := tr.Attach(context.Background(), phoneConfig("sess-3", "CA3"))
	var te *errorsx.TransportError
	if !errors.As(err, &te) || te.Op != "attach" {
		t.Fatalf("expected attach transport error, got %v", err)
	}
}

func TestStatusCallbackFailsPendingAttach(t *testing.T) {
	tr := New(Config{AuthToken: "token", PublicURL: "https://example.com", AttachTimeout: 2 * time.Second})
	h := &stubHandler{}
	tr.SetCallHandler(h)

	errs := make(chan error, 1)
	go func() {
		_, err := tr.Attach(context.Background(), phoneConfig("sess-4", "CA4"))
		errs <- err
	}()
	time.Sleep(20 * time.Millisecond)

	w := httptest.NewRecorder()
	tr.HandleStatusCallback(w, signedForm(t, tr, "https://example.com/telephony/status-callback",
		map[string]string{"CallSid": "CA4", "CallStatus": "no-answer"}))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	select {
	case err := <-errs:
		if err == nil || !strings.Contains(err.Error(), "no_answer") {
			t.Fatalf("expected no_answer failure, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("attach not released")
	}
	if len(h.statuses) != 1 || h.statuses[0] != "CA4:no_answer" {
		t.Fatalf("unexpected statuses %v", h.statuses)
	}
}

func TestNormalizeCallEndReason(t *testing.T) {
	cases := map[string]string{
		"ringing":   "",
		"completed": "completed",
		"no-answer": "no_answer",
		"busy":      "busy",
		"failed":    "failed",
		"canceled":  "canceled",
		"weird":     "unknown",
	}
	for in, want := range cases {
		if got := normalizeCallEndReason(in); got != want {
			t.Fatalf("%s: expected %q, got %q", in, want, got)
		}
	}
}

func TestOutboundMessageShape(t *testing.T) {
	b, _ := json.Marshal(outboundMessage{Event: "clear", StreamSID: "MZ"})
	if string(b) != `{"event":"clear","streamSid":"MZ"}` {
		t.Fatalf("unexpected clear payload %s", b)
	}
}

func computeSignature(authToken, url string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	base := url
	for _, k := range keys {
		base += k + params[k]
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	_, _ = mac.Write([]byte(base))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Package rtc carries WEB interviews over a WebRTC peer connection. The
// candidate's browser joins a room with a one-time token and exchanges a
// single SDP offer/answer over HTTP.
package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harunnryd/rekrut/pkg/errorsx"
	"github.com/harunnryd/rekrut/pkg/interview"
	"github.com/harunnryd/rekrut/pkg/logging"
	"github.com/harunnryd/rekrut/pkg/transports"
	"github.com/pion/interceptor"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"
)

var (
	errUnknownRoom   = errors.New("unknown room")
	errRoomExpired   = errors.New("room token expired")
	errJoinTimeout   = errors.New("candidate did not join in time")
	errMissingPCMU   = errors.New("offer must include PCMU/8000 audio")
	errAlreadyJoined = errors.New("room already joined")
)

type Config struct {
	ICEServers     []string      `mapstructure:"ice_servers"`
	OfferPath      string        `mapstructure:"offer_path"`
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	AttachTimeout  time.Duration `mapstructure:"attach_timeout"`
	GatherTimeout  time.Duration `mapstructure:"gather_timeout"`
	InboundBuffer  int           `mapstructure:"inbound_buffer"`
	OutboundBuffer int           `mapstructure:"outbound_buffer"`
}

func (c Config) withDefaults() Config {
	if c.OfferPath == "" {
		c.OfferPath = "/rtc/rooms/:room/offer"
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = 15 * time.Minute
	}
	if c.AttachTimeout <= 0 {
		c.AttachTimeout = c.TokenTTL
	}
	if c.GatherTimeout <= 0 {
		c.GatherTimeout = 10 * time.Second
	}
	if c.InboundBuffer <= 0 {
		c.InboundBuffer = 256
	}
	if c.OutboundBuffer <= 0 {
		c.OutboundBuffer = 3000
	}
	return c
}

// SessionDescription mirrors the browser's RTCSessionDescriptionInit.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type offerRequest struct {
	Room  string `json:"room"`
	Token string `json:"token"`
	SessionDescription
}

type attachResult struct {
	stream *peerStream
	err    error
}

type room struct {
	desc      transports.RoomDescriptor
	sessionID string
	joined    bool
	waiter    chan attachResult
	parked    *peerStream
	stream    *peerStream
}

type Transport struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	rooms map[string]*room
}

func New(cfg Config) *Transport {
	return &Transport{
		cfg:    cfg.withDefaults(),
		logger: logging.NewComponentLogger(nil, "rtc"),
		now:    time.Now,
		rooms:  make(map[string]*room),
	}
}

func (t *Transport) Kind() interview.Kind { return interview.KindWeb }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"offer_path":  t.cfg.OfferPath,
		"ice_servers": len(t.cfg.ICEServers),
	}
}

func (t *Transport) Routes() []transports.Route {
	return []transports.Route{
		{Path: t.cfg.OfferPath, Handler: http.HandlerFunc(t.HandleOffer)},
	}
}

// CreateRoom issues a join descriptor for sessionID.
func (t *Transport) CreateRoom(sessionID string) transports.RoomDescriptor {
	desc := transports.RoomDescriptor{
		Room:      "room-" + uuid.NewString(),
		Token:     uuid.NewString(),
		ExpiresAt: t.now().Add(t.cfg.TokenTTL).UTC(),
	}
	t.mu.Lock()
	t.rooms[desc.Room] = &room{desc: desc, sessionID: sessionID}
	t.mu.Unlock()
	return desc
}

// OfferURL is the path the candidate posts its SDP offer to.
func (t *Transport) OfferURL(room string) string {
	return strings.Replace(t.cfg.OfferPath, ":room", room, 1)
}

// ReleaseRoom forgets a room that will never be attached.
func (t *Transport) ReleaseRoom(name string) {
	t.mu.Lock()
	r := t.rooms[name]
	delete(t.rooms, name)
	t.mu.Unlock()
	if r != nil && r.stream != nil {
		_ = r.stream.Close()
	}
}

// Attach waits for the candidate to join the room and for the peer
// connection to reach the connected state.
func (t *Transport) Attach(ctx context.Context, cfg transports.SessionConfig) (transports.Stream, error) {
	if cfg.Kind != interview.KindWeb {
		return nil, &errorsx.TransportError{Transport: "rtc", Op: "attach", Err: fmt.Errorf("unsupported session kind %q", cfg.Kind)}
	}
	if err := cfg.Validate(); err != nil {
		return nil, &errorsx.TransportError{Transport: "rtc", Op: "attach", Err: err}
	}
	ch := make(chan attachResult, 1)

	t.mu.Lock()
	r := t.rooms[cfg.Room.Room]
	if r == nil || r.desc.Token != cfg.Room.Token {
		t.mu.Unlock()
		return nil, &errorsx.TransportError{Transport: "rtc", Op: "attach", Err: errUnknownRoom}
	}
	if r.parked != nil {
		s := r.parked
		r.parked = nil
		t.mu.Unlock()
		return s, nil
	}
	r.waiter = ch
	wait := t.cfg.AttachTimeout
	if until := r.desc.ExpiresAt.Sub(t.now()); until < wait {
		wait = until
	}
	t.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.stream, nil
	case <-ctx.Done():
		t.ReleaseRoom(cfg.Room.Room)
		return nil, &errorsx.TransportError{Transport: "rtc", Op: "attach", Err: ctx.Err()}
	case <-timer.C:
		t.ReleaseRoom(cfg.Room.Room)
		return nil, &errorsx.TransportError{Transport: "rtc", Op: "attach", Err: errJoinTimeout}
	}
}

// HandleOffer accepts the candidate's SDP offer and returns our answer.
func (t *Transport) HandleOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req offerRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid offer body")
		return
	}
	if req.Type != "offer" || strings.TrimSpace(req.SDP) == "" {
		writeError(w, http.StatusBadRequest, "invalid offer")
		return
	}
	if name := roomFromPath(t.cfg.OfferPath, r.URL.Path); name != "" {
		req.Room = name
	}
	rm, err := t.claimRoom(req.Room, req.Token)
	switch {
	case errors.Is(err, errUnknownRoom):
		writeError(w, http.StatusForbidden, err.Error())
		return
	case errors.Is(err, errRoomExpired):
		writeError(w, http.StatusGone, err.Error())
		return
	case errors.Is(err, errAlreadyJoined):
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if ok, perr := offerHasPCMU(req.SDP); perr != nil || !ok {
		t.unclaimRoom(rm)
		writeError(w, http.StatusBadRequest, errMissingPCMU.Error())
		return
	}

	answer, err := t.negotiate(r.Context(), rm, req.SessionDescription)
	if err != nil {
		t.unclaimRoom(rm)
		t.logger.Error("rtc_negotiation_failed", "room", req.Room, "error", err.Error())
		writeError(w, http.StatusInternalServerError, "negotiation failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(answer)
}

func (t *Transport) claimRoom(name, token string) (*room, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.rooms[name]
	if r == nil || token == "" || r.desc.Token != token {
		return nil, errUnknownRoom
	}
	if t.now().After(r.desc.ExpiresAt) {
		return nil, errRoomExpired
	}
	if r.joined {
		return nil, errAlreadyJoined
	}
	r.joined = true
	return r, nil
}

func (t *Transport) unclaimRoom(r *room) {
	t.mu.Lock()
	r.joined = false
	t.mu.Unlock()
}

func (t *Transport) negotiate(ctx context.Context, rm *room, offer SessionDescription) (SessionDescription, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: pcmuCapability(),
		PayloadType:        0,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return SessionDescription{}, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return SessionDescription{}, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithInterceptorRegistry(ir))

	var ice []webrtc.ICEServer
	if len(t.cfg.ICEServers) > 0 {
		ice = []webrtc.ICEServer{{URLs: t.cfg.ICEServers}}
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: ice})
	if err != nil {
		return SessionDescription{}, err
	}
	track, err := webrtc.NewTrackLocalStaticSample(pcmuCapability(), "interviewer-audio", "rekrut")
	if err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	logger := logging.ForSession(t.logger, rm.sessionID, string(interview.KindWeb))
	stream := newPeerStream(pc, track, t.cfg, logger)
	stream.onEnd = func(*peerStream) { t.forget(rm.desc.Room) }
	t.mu.Lock()
	rm.stream = stream
	t.mu.Unlock()
	t.wire(pc, stream, rm)

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	gatherCtx, cancel := context.WithTimeout(ctx, t.cfg.GatherTimeout)
	defer cancel()
	select {
	case <-gathered:
	case <-gatherCtx.Done():
		_ = pc.Close()
		return SessionDescription{}, fmt.Errorf("ice gathering: %w", gatherCtx.Err())
	}
	local := pc.LocalDescription()
	if local == nil {
		_ = pc.Close()
		return SessionDescription{}, errors.New("no local description")
	}
	go stream.pacer()
	return SessionDescription{Type: "answer", SDP: local.SDP}, nil
}

func (t *Transport) wire(pc *webrtc.PeerConnection, stream *peerStream, rm *room) {
	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		stream.logger.Info("rtc_remote_track", "codec", remote.Codec().MimeType)
		go stream.readLoop(remote)
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != "control" {
			return
		}
		stream.setControl(dc)
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			if strings.EqualFold(strings.TrimSpace(string(msg.Data)), "hangup") {
				stream.logger.Info("rtc_candidate_hangup")
				_ = stream.Close()
			}
		})
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		if state == webrtc.ICEConnectionStateFailed {
			stream.end(&errorsx.TransportError{Transport: "rtc", Op: "ice", Err: errors.New("ice connection failed")})
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		stream.logger.Debug("rtc_connection_state", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateConnected:
			t.deliver(rm, stream)
		case webrtc.PeerConnectionStateFailed:
			stream.end(&errorsx.TransportError{Transport: "rtc", Op: "connection", Err: errors.New("peer connection failed")})
		case webrtc.PeerConnectionStateClosed:
			stream.end(nil)
		}
	})
}

func (t *Transport) deliver(rm *room, stream *peerStream) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rm.waiter != nil {
		rm.waiter <- attachResult{stream: stream}
		rm.waiter = nil
		return
	}
	rm.parked = stream
}

func (t *Transport) forget(name string) {
	t.mu.Lock()
	delete(t.rooms, name)
	t.mu.Unlock()
}

// Stop closes every joined peer connection.
func (t *Transport) Stop() error {
	t.mu.Lock()
	names := make([]string, 0, len(t.rooms))
	for name := range t.rooms {
		names = append(names, name)
	}
	t.mu.Unlock()
	for _, name := range names {
		t.ReleaseRoom(name)
	}
	return nil
}

func pcmuCapability() webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000, Channels: 1}
}

// offerHasPCMU reports whether any audio section offers G.711 µ-law.
func offerHasPCMU(raw string) (bool, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return false, err
	}
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media != "audio" {
			continue
		}
		for _, f := range md.MediaName.Formats {
			if f == "0" {
				return true, nil
			}
		}
		for _, a := range md.Attributes {
			if a.Key == "rtpmap" && strings.Contains(strings.ToUpper(a.Value), "PCMU/8000") {
				return true, nil
			}
		}
	}
	return false, nil
}

// roomFromPath extracts the :room segment of pattern from path.
func roomFromPath(pattern, path string) string {
	want := strings.Split(strings.Trim(pattern, "/"), "/")
	got := strings.Split(strings.Trim(path, "/"), "/")
	if len(want) != len(got) {
		return ""
	}
	room := ""
	for i, seg := range want {
		switch {
		case seg == ":room":
			room = got[i]
		case seg != got[i]:
			return ""
		}
	}
	return room
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

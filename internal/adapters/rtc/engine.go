// Package rtc is the pion-backed media engine: transports are
// PeerConnections, producers pump local RTP tracks, consumers wrap
// remote tracks. The negotiation blobs it exchanges through the
// controller's hooks are SDP descriptions.
package rtc

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/voxkit/voxkit/internal/core"
	"github.com/voxkit/voxkit/internal/domain"
)

var (
	ErrNotLoaded     = errors.New("engine not loaded")
	ErrNoProduceHook = errors.New("produce hook not wired")
	ErrTrackNotRTP   = errors.New("track does not expose RTP packets")
	ErrConsumeWait   = errors.New("remote track did not arrive")
)

// RTPSource is implemented by tracks that expose their media as RTP
// packets; producer pumps read from it.
type RTPSource interface {
	ReadRTP() (*rtp.Packet, error)
}

func DefaultConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}
}

type routerCaps struct {
	Codecs []struct {
		Kind      core.MediaKind `json:"kind"`
		MimeType  string         `json:"mime_type"`
		ClockRate uint32         `json:"clock_rate"`
		Channels  uint16         `json:"channels"`
	} `json:"codecs"`
}

// Engine implements core.MediaEngine on pion.
type Engine struct {
	cfg webrtc.Configuration

	mu         sync.Mutex
	loaded     bool
	caps       json.RawMessage
	transports []*transport
}

func NewEngine(cfg webrtc.Configuration) *Engine {
	return &Engine{cfg: cfg}
}

// Load intersects the server's capability description with what we
// support and records the result for consume intents.
func (e *Engine) Load(routerCapabilities json.RawMessage) error {
	var router routerCaps
	if len(routerCapabilities) > 0 {
		if err := json.Unmarshal(routerCapabilities, &router); err != nil {
			return err
		}
	}

	local := routerCaps{}
	supported := map[string]bool{
		webrtc.MimeTypeOpus: true,
		webrtc.MimeTypeVP8:  true,
	}
	for _, c := range router.Codecs {
		if supported[c.MimeType] {
			local.Codecs = append(local.Codecs, c)
		}
	}
	caps, err := json.Marshal(local)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.loaded = true
	e.caps = caps
	e.mu.Unlock()
	log.Info().Str("module", "rtc").Int("codecs", len(local.Codecs)).Msg("engine loaded")
	return nil
}

func (e *Engine) Loaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loaded
}

func (e *Engine) Capabilities() json.RawMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.caps
}

func (e *Engine) CreateSendTransport(info core.TransportInfo) (core.SendTransport, error) {
	t, err := e.newTransport(info)
	if err != nil {
		return nil, err
	}
	return &sendTransport{transport: t}, nil
}

func (e *Engine) CreateRecvTransport(info core.TransportInfo) (core.RecvTransport, error) {
	t, err := e.newTransport(info)
	if err != nil {
		return nil, err
	}
	rt := &recvTransport{transport: t, arrivals: make(map[string]chan *webrtc.TrackRemote)}
	t.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().Str("module", "rtc").
			Str("kind", track.Kind().String()).
			Str("stream_id", track.StreamID()).
			Msg("remote track")
		rt.deliver(track)
	})
	return rt, nil
}

func (e *Engine) newTransport(info core.TransportInfo) (*transport, error) {
	e.mu.Lock()
	loaded := e.loaded
	e.mu.Unlock()
	if !loaded {
		return nil, ErrNotLoaded
	}

	pc, err := webrtc.NewPeerConnection(e.cfg)
	if err != nil {
		return nil, err
	}
	t := &transport{id: info.ID, params: info.Params, pc: pc}
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Str("transport", string(info.ID)).Str("ice_state", s.String()).Msg("ICE state")
	})

	e.mu.Lock()
	e.transports = append(e.transports, t)
	e.mu.Unlock()
	return t, nil
}

// Close drops the loaded state and closes every transport still open.
func (e *Engine) Close() {
	e.mu.Lock()
	transports := e.transports
	e.transports = nil
	e.loaded = false
	e.caps = nil
	e.mu.Unlock()

	for _, t := range transports {
		t.Close()
	}
}

type transportDTLS struct {
	SDP string `json:"sdp"`
}

type transport struct {
	id     domain.TransportID
	params json.RawMessage
	pc     *webrtc.PeerConnection

	mu        sync.Mutex
	onConnect core.ConnectHook

	connectOnce sync.Once
	connectErr  error
}

func (t *transport) ID() domain.TransportID { return t.id }

func (t *transport) OnConnect(fn core.ConnectHook) {
	t.mu.Lock()
	t.onConnect = fn
	t.mu.Unlock()
}

// connect finalizes the local description and runs the connect hook's
// gateway round trip. Exactly-once: concurrent producers share one
// negotiation.
func (t *transport) connect() error {
	t.connectOnce.Do(func() {
		offer, err := t.pc.CreateOffer(nil)
		if err != nil {
			t.connectErr = err
			return
		}
		gathered := webrtc.GatheringCompletePromise(t.pc)
		if err := t.pc.SetLocalDescription(offer); err != nil {
			t.connectErr = err
			return
		}
		<-gathered

		t.mu.Lock()
		hook := t.onConnect
		t.mu.Unlock()
		if hook == nil {
			return
		}
		dtls, err := json.Marshal(transportDTLS{SDP: t.pc.LocalDescription().SDP})
		if err != nil {
			t.connectErr = err
			return
		}
		t.connectErr = hook(dtls)
	})
	return t.connectErr
}

func (t *transport) Close() {
	if t.pc == nil {
		return
	}
	if err := t.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("transport", string(t.id)).Msg("close error")
	}
}

type sendTransport struct {
	*transport

	hookMu    sync.Mutex
	onProduce core.ProduceHook
}

func (t *sendTransport) OnProduce(fn core.ProduceHook) {
	t.hookMu.Lock()
	t.onProduce = fn
	t.hookMu.Unlock()
}

func (t *sendTransport) Produce(track core.Track, appData core.AppData) (core.Producer, error) {
	t.hookMu.Lock()
	hook := t.onProduce
	t.hookMu.Unlock()
	if hook == nil {
		return nil, ErrNoProduceHook
	}
	src, ok := track.(RTPSource)
	if !ok {
		return nil, ErrTrackNotRTP
	}

	local, err := webrtc.NewTrackLocalStaticRTP(codecFor(track.Kind()), track.ID(), "voxkit")
	if err != nil {
		return nil, err
	}
	sender, err := t.pc.AddTrack(local)
	if err != nil {
		return nil, err
	}
	if err := t.connect(); err != nil {
		_ = t.pc.RemoveTrack(sender)
		return nil, err
	}

	rtpParams, err := json.Marshal(struct {
		MimeType  string `json:"mime_type"`
		ClockRate uint32 `json:"clock_rate"`
	}{local.Codec().MimeType, local.Codec().ClockRate})
	if err != nil {
		return nil, err
	}
	id, err := hook(track.Kind(), rtpParams, appData)
	if err != nil {
		_ = t.pc.RemoveTrack(sender)
		return nil, err
	}

	p := newProducer(id, track, src, local, sender, t.pc)
	log.Info().Str("module", "rtc").Str("producer", string(id)).Str("kind", string(track.Kind())).Msg("producing")
	return p, nil
}

type recvTransport struct {
	*transport

	arrMu    sync.Mutex
	arrivals map[string]chan *webrtc.TrackRemote
}

func (t *recvTransport) deliver(track *webrtc.TrackRemote) {
	t.arrMu.Lock()
	ch, ok := t.arrivals[track.StreamID()]
	if !ok {
		ch = make(chan *webrtc.TrackRemote, 1)
		t.arrivals[track.StreamID()] = ch
	}
	t.arrMu.Unlock()
	select {
	case ch <- track:
	default:
	}
}

// Consume negotiates one inbound track. The server tags the remote
// track's stream id with the producer id, which is how arrivals are
// matched back to consume calls.
func (t *recvTransport) Consume(opts core.ConsumerOptions) (core.Consumer, error) {
	dir := webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}
	if _, err := t.pc.AddTransceiverFromKind(webrtcKind(opts.Kind), dir); err != nil {
		return nil, err
	}
	if err := t.connect(); err != nil {
		return nil, err
	}

	t.arrMu.Lock()
	ch, ok := t.arrivals[string(opts.Producer)]
	if !ok {
		ch = make(chan *webrtc.TrackRemote, 1)
		t.arrivals[string(opts.Producer)] = ch
	}
	t.arrMu.Unlock()

	select {
	case remote := <-ch:
		return newConsumer(opts, remote), nil
	case <-time.After(10 * time.Second):
		return nil, ErrConsumeWait
	}
}

func codecFor(kind core.MediaKind) webrtc.RTPCodecCapability {
	if kind == core.MediaVideo {
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
}

func webrtcKind(kind core.MediaKind) webrtc.RTPCodecType {
	if kind == core.MediaVideo {
		return webrtc.RTPCodecTypeVideo
	}
	return webrtc.RTPCodecTypeAudio
}

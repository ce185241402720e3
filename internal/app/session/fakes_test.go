package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/voxkit/voxkit/internal/app"
	"github.com/voxkit/voxkit/internal/core"
	"github.com/voxkit/voxkit/internal/domain"
)

// fakeGateway records intents and hands them to a scripted server that
// resolves the matching confirmation synchronously. Wait channels are
// buffered, so settling inside Send is safe and keeps tests
// deterministic.
type fakeGateway struct {
	mu      sync.Mutex
	sent    []core.Dispatch
	handler func(core.Dispatch)
	sendErr error
}

func (g *fakeGateway) Send(d core.Dispatch) error {
	g.mu.Lock()
	g.sent = append(g.sent, d)
	h := g.handler
	err := g.sendErr
	g.mu.Unlock()
	if err != nil {
		return err
	}
	if h != nil {
		h(d)
	}
	return nil
}

func (g *fakeGateway) sentTypes() []core.EventType {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]core.EventType, len(g.sent))
	for i, d := range g.sent {
		out[i] = d.Type
	}
	return out
}

// scriptedServer plays the SFU side of the negotiation.
type scriptedServer struct {
	waits      *app.WaitRegistry
	self       domain.UserID
	joined     joinedBody
	joinError  string
	produceSeq int

	// dropConnect silences transport-connect confirmations, leaving the
	// negotiation waits pending.
	dropConnect bool

	// onRoomJoin/onConsume run before the confirmation is resolved, so
	// tests can race other work against an in-flight operation.
	onRoomJoin func()
	onConsume  func(core.Dispatch)
}

func (s *scriptedServer) handle(d core.Dispatch) {
	switch d.Type {
	case core.EvtRoomJoin:
		if s.onRoomJoin != nil {
			s.onRoomJoin()
		}
		if s.joinError != "" {
			s.waits.Resolve(core.Dispatch{
				Type: core.EvtError, Room: d.Room, Channel: d.Channel, Token: d.Token, Code: s.joinError,
			})
			return
		}
		raw, _ := json.Marshal(s.joined)
		s.waits.Resolve(core.Dispatch{
			Type: core.EvtRoomJoined, Room: d.Room, Channel: d.Channel, Token: d.Token, Data: raw,
		})
	case core.EvtTransportCreate:
		var b struct {
			Direction string `json:"direction"`
		}
		_ = json.Unmarshal(d.Data, &b)
		s.waits.Resolve(core.Dispatch{
			Type:      core.EvtTransportCreated,
			Room:      d.Room,
			Channel:   d.Channel,
			Token:     d.Token,
			Transport: domain.TransportID("t-" + b.Direction),
			Data:      d.Data,
		})
	case core.EvtTransportConnect:
		if s.dropConnect {
			return
		}
		s.waits.Resolve(core.Dispatch{
			Type: core.EvtTransportConnected, Room: d.Room, Channel: d.Channel, Transport: d.Transport, Token: d.Token,
		})
	case core.EvtProduce:
		s.produceSeq++
		s.waits.Resolve(core.Dispatch{
			Type:      core.EvtProduced,
			Room:      d.Room,
			Channel:   d.Channel,
			Transport: d.Transport,
			Token:     d.Token,
			User:      s.self,
			Producer:  domain.ProducerID(fmt.Sprintf("p-local-%d", s.produceSeq)),
		})
	case core.EvtConsume:
		if s.onConsume != nil {
			s.onConsume(d)
		}
		body, _ := json.Marshal(consumedBody{
			ID:            domain.ConsumerID("c-" + string(d.Producer)),
			Kind:          core.MediaAudio,
			RTPParameters: json.RawMessage(`{}`),
		})
		s.waits.Resolve(core.Dispatch{
			Type: core.EvtConsumed, Room: d.Room, Channel: d.Channel, Token: d.Token, Producer: d.Producer, Data: body,
		})
	}
}

type fakeEngine struct {
	mu     sync.Mutex
	caps   json.RawMessage
	loaded bool
	closed int
	sendT  *fakeSendTransport
	recvT  *fakeRecvTransport
}

func (e *fakeEngine) Load(caps json.RawMessage) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.caps = caps
	e.loaded = true
	return nil
}

func (e *fakeEngine) Loaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loaded
}

func (e *fakeEngine) Capabilities() json.RawMessage {
	return json.RawMessage(`{"codecs":["opus"]}`)
}

func (e *fakeEngine) CreateSendTransport(info core.TransportInfo) (core.SendTransport, error) {
	t := &fakeSendTransport{fakeTransport: fakeTransport{id: info.ID}}
	e.mu.Lock()
	e.sendT = t
	e.mu.Unlock()
	return t, nil
}

func (e *fakeEngine) CreateRecvTransport(info core.TransportInfo) (core.RecvTransport, error) {
	t := &fakeRecvTransport{fakeTransport: fakeTransport{id: info.ID}}
	e.mu.Lock()
	e.recvT = t
	e.mu.Unlock()
	return t, nil
}

func (e *fakeEngine) Close() {
	e.mu.Lock()
	e.closed++
	e.mu.Unlock()
}

type fakeTransport struct {
	id        domain.TransportID
	onConnect core.ConnectHook
	connected bool
	closed    bool
}

func (t *fakeTransport) ID() domain.TransportID      { return t.id }
func (t *fakeTransport) OnConnect(h core.ConnectHook) { t.onConnect = h }
func (t *fakeTransport) Close()                      { t.closed = true }

func (t *fakeTransport) connect() error {
	if t.connected {
		return nil
	}
	if t.onConnect == nil {
		return errors.New("no connect hook")
	}
	t.connected = true
	return t.onConnect(json.RawMessage(`{"fingerprint":"aa:bb"}`))
}

type fakeSendTransport struct {
	fakeTransport
	onProduce core.ProduceHook
	producers []*fakeProducer
}

func (t *fakeSendTransport) OnProduce(h core.ProduceHook) { t.onProduce = h }

func (t *fakeSendTransport) Produce(track core.Track, appData core.AppData) (core.Producer, error) {
	if err := t.connect(); err != nil {
		return nil, err
	}
	if t.onProduce == nil {
		return nil, errors.New("no produce hook")
	}
	id, err := t.onProduce(track.Kind(), json.RawMessage(`{"codecs":[]}`), appData)
	if err != nil {
		return nil, err
	}
	p := &fakeProducer{id: id, kind: track.Kind(), track: track, source: appData.Source}
	t.producers = append(t.producers, p)
	return p, nil
}

type fakeRecvTransport struct {
	fakeTransport
	consumers []*fakeConsumer
}

func (t *fakeRecvTransport) Consume(opts core.ConsumerOptions) (core.Consumer, error) {
	if err := t.connect(); err != nil {
		return nil, err
	}
	c := &fakeConsumer{opts: opts, track: &fakeTrack{id: "remote-" + string(opts.ID), kind: opts.Kind, enabled: true}}
	t.consumers = append(t.consumers, c)
	return c, nil
}

type fakeProducer struct {
	id     domain.ProducerID
	kind   core.MediaKind
	track  core.Track
	source core.TrackSource
	paused bool
	closed bool
}

func (p *fakeProducer) ID() domain.ProducerID { return p.id }
func (p *fakeProducer) Kind() core.MediaKind  { return p.kind }
func (p *fakeProducer) Pause()                { p.paused = true }
func (p *fakeProducer) Resume()               { p.paused = false }
func (p *fakeProducer) Paused() bool          { return p.paused }
func (p *fakeProducer) Close()                { p.closed = true }

func (p *fakeProducer) ReplaceTrack(t core.Track) error {
	if ft, ok := t.(*fakeTrack); ok && ft.src != nil {
		ft.src.logf("replace %s", ft.id)
	}
	p.track = t
	return nil
}

type fakeConsumer struct {
	opts   core.ConsumerOptions
	track  *fakeTrack
	closed bool
}

func (c *fakeConsumer) ID() domain.ConsumerID         { return c.opts.ID }
func (c *fakeConsumer) ProducerID() domain.ProducerID { return c.opts.Producer }
func (c *fakeConsumer) Kind() core.MediaKind          { return c.opts.Kind }
func (c *fakeConsumer) Track() core.Track             { return c.track }
func (c *fakeConsumer) Close()                        { c.closed = true }

type fakeTrack struct {
	id       string
	kind     core.MediaKind
	src      *fakeSource
	enabled  bool
	stopped  bool
	onEnded  func()
	applyErr error
	applied  []core.CaptureOptions
	opts     core.CaptureOptions
}

func (t *fakeTrack) ID() string             { return t.id }
func (t *fakeTrack) Kind() core.MediaKind   { return t.kind }
func (t *fakeTrack) SetEnabled(v bool)      { t.enabled = v }
func (t *fakeTrack) Enabled() bool          { return t.enabled }
func (t *fakeTrack) OnEnded(fn func())      { t.onEnded = fn }

func (t *fakeTrack) ApplyConstraints(opts core.CaptureOptions) error {
	t.applied = append(t.applied, opts)
	if t.applyErr != nil {
		return t.applyErr
	}
	t.opts = opts
	return nil
}

func (t *fakeTrack) Stop() {
	if t.stopped {
		return
	}
	t.stopped = true
	if t.src != nil {
		t.src.logf("stop %s", t.id)
	}
	if t.onEnded != nil {
		t.onEnded()
	}
}

// fakePCMTrack additionally exposes a PCM frame stream for metering.
type fakePCMTrack struct {
	fakeTrack
	frames chan []byte
}

func (t *fakePCMTrack) Frames() <-chan []byte { return t.frames }

func (t *fakePCMTrack) Stop() {
	if t.stopped {
		return
	}
	t.fakeTrack.Stop()
	close(t.frames)
}

type fakeSource struct {
	mu         sync.Mutex
	captures   []*fakeTrack
	displays   []*fakeTrack
	pcmTracks  []*fakePCMTrack
	log        []string
	pcm        bool
	captureErr error
	applyErr   error
}

func (s *fakeSource) logf(format string, args ...any) {
	s.mu.Lock()
	s.log = append(s.log, fmt.Sprintf(format, args...))
	s.mu.Unlock()
}

func (s *fakeSource) events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.log))
	copy(out, s.log)
	return out
}

func (s *fakeSource) CaptureAudio(opts core.CaptureOptions) (core.Track, error) {
	s.mu.Lock()
	if s.captureErr != nil {
		s.mu.Unlock()
		return nil, s.captureErr
	}
	base := fakeTrack{
		id:       fmt.Sprintf("mic-%d", len(s.captures)+1),
		kind:     core.MediaAudio,
		src:      s,
		enabled:  true,
		applyErr: s.applyErr,
		opts:     opts,
	}
	s.log = append(s.log, "capture "+base.id)
	if s.pcm {
		tr := &fakePCMTrack{fakeTrack: base, frames: make(chan []byte, 8)}
		s.captures = append(s.captures, &tr.fakeTrack)
		s.pcmTracks = append(s.pcmTracks, tr)
		s.mu.Unlock()
		return tr, nil
	}
	tr := &fakeTrack{}
	*tr = base
	s.captures = append(s.captures, tr)
	s.mu.Unlock()
	return tr, nil
}

func (s *fakeSource) CaptureDisplay() (core.Track, error) {
	s.mu.Lock()
	tr := &fakeTrack{
		id:      fmt.Sprintf("screen-%d", len(s.displays)+1),
		kind:    core.MediaVideo,
		src:     s,
		enabled: true,
	}
	s.displays = append(s.displays, tr)
	s.log = append(s.log, "capture "+tr.id)
	s.mu.Unlock()
	return tr, nil
}

type fakeSink struct {
	mu        sync.Mutex
	volumes   []int
	plays     int
	playErr   error
	outputErr error
	output    string
	closed    bool
}

func (s *fakeSink) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plays++
	return s.playErr
}

func (s *fakeSink) SetVolume(v int) {
	s.mu.Lock()
	s.volumes = append(s.volumes, v)
	s.mu.Unlock()
}

func (s *fakeSink) SetOutputDevice(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outputErr != nil {
		return s.outputErr
	}
	s.output = id
	return nil
}

func (s *fakeSink) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *fakeSink) lastVolume() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.volumes) == 0 {
		return -1
	}
	return s.volumes[len(s.volumes)-1]
}

type fakeSinkFactory struct {
	mu      sync.Mutex
	sinks   []*fakeSink
	playErr error
}

func (f *fakeSinkFactory) NewSink(core.Track) core.PlaybackSink {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeSink{playErr: f.playErr}
	f.sinks = append(f.sinks, s)
	return s
}

type rig struct {
	waits  *app.WaitRegistry
	gw     *fakeGateway
	srv    *scriptedServer
	engine *fakeEngine
	source *fakeSource
	sinks  *fakeSinkFactory
	ctrl   *Controller
}

func newRig(t *testing.T) *rig {
	t.Helper()
	waits := app.NewWaitRegistry()
	srv := &scriptedServer{waits: waits, self: "me"}
	gw := &fakeGateway{handler: srv.handle}
	engine := &fakeEngine{}
	source := &fakeSource{}
	sinks := &fakeSinkFactory{}
	ctrl := New(gw, waits, engine, source, sinks, "me", Config{AwaitTimeout: time.Second})
	return &rig{waits: waits, gw: gw, srv: srv, engine: engine, source: source, sinks: sinks, ctrl: ctrl}
}

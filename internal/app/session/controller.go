// Package session holds the media-session state machine: one user's
// participation in one voice channel, from join negotiation through
// producer/consumer lifecycle to teardown.
package session

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/voxkit/voxkit/internal/app"
	"github.com/voxkit/voxkit/internal/core"
	"github.com/voxkit/voxkit/internal/domain"
)

var (
	ErrNoSession = errors.New("no active session")

	// errStale marks work superseded by a newer join or cleanup. Never
	// surfaced to callers; superseded steps just stop producing effects.
	errStale = errors.New("stale session token")
)

type Config struct {
	AwaitTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.AwaitTimeout <= 0 {
		c.AwaitTimeout = 10 * time.Second
	}
	return c
}

type consumerEntry struct {
	consumer core.Consumer
	sink     core.PlaybackSink
	user     domain.UserID
}

// Controller drives the media engine through transport, producer and
// consumer negotiation over the gateway. Cancellation is token-based:
// every asynchronous step captures the session token at its start and
// becomes a no-op once a newer join or cleanup advances it.
type Controller struct {
	gw     core.Sender
	waits  *app.WaitRegistry
	engine core.MediaEngine
	source core.MediaSource
	sinks  core.SinkFactory
	self   domain.UserID
	cfg    Config

	onSpeaking func(bool)
	onJoined   func([]domain.VoiceState)

	mu          sync.Mutex
	token       uint64
	room        domain.RoomID
	channel     domain.ChannelID
	policy      domain.MediaPolicy
	prefs       map[domain.UserID]domain.AudioPreference
	sendT       core.SendTransport
	recvT       core.RecvTransport
	mic         core.Producer
	micTrack    core.Track
	screen      core.Producer
	screenTrack core.Track
	consumers   map[domain.ProducerID]*consumerEntry
	// closedProducers remembers producer ids the server already closed
	// this session, so a consume that was still negotiating when the
	// close arrived cannot install an orphan. Cleared on cleanup.
	closedProducers map[domain.ProducerID]struct{}
	blocked         []*consumerEntry
}

func New(
	gw core.Sender,
	waits *app.WaitRegistry,
	engine core.MediaEngine,
	source core.MediaSource,
	sinks core.SinkFactory,
	self domain.UserID,
	cfg Config,
) *Controller {
	return &Controller{
		gw:              gw,
		waits:           waits,
		engine:          engine,
		source:          source,
		sinks:           sinks,
		self:            self,
		cfg:             cfg.withDefaults(),
		prefs:           make(map[domain.UserID]domain.AudioPreference),
		consumers:       make(map[domain.ProducerID]*consumerEntry),
		closedProducers: make(map[domain.ProducerID]struct{}),
	}
}

// OnSpeaking registers the local speaking-detection callback. Set before
// joining.
func (c *Controller) OnSpeaking(fn func(bool)) { c.onSpeaking = fn }

// OnJoined receives the authoritative membership snapshot carried by the
// join confirmation, e.g. to seed a reconciler. Set before joining.
func (c *Controller) OnJoined(fn func([]domain.VoiceState)) { c.onJoined = fn }

func (c *Controller) Room() domain.RoomID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

func (c *Controller) Channel() domain.ChannelID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel
}

// CaptureTrack exposes the live microphone track, e.g. for UI metering.
func (c *Controller) CaptureTrack() core.Track {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.micTrack
}

func (c *Controller) Policy() domain.MediaPolicy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policy
}

// Snapshot is a read-only view for diagnostics.
type Snapshot struct {
	Room         domain.RoomID      `json:"room"`
	Channel      domain.ChannelID   `json:"channel"`
	Token        uint64             `json:"token"`
	Policy       domain.MediaPolicy `json:"policy"`
	MicActive    bool               `json:"mic_active"`
	ScreenActive bool               `json:"screen_active"`
	Consumers    int                `json:"consumers"`
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Room:         c.room,
		Channel:      c.channel,
		Token:        c.token,
		Policy:       c.policy,
		MicActive:    c.mic != nil,
		ScreenActive: c.screen != nil,
		Consumers:    len(c.consumers),
	}
}

func (c *Controller) stale(tok uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token != tok
}

func (c *Controller) currentCapture(track core.Track) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.micTrack == track
}

// Cleanup tears down every owned resource and advances the session token
// so all in-flight work for the previous session becomes a no-op. Safe
// to call when nothing is active.
func (c *Controller) Cleanup() {
	c.mu.Lock()
	c.token++
	entries := c.consumers
	c.consumers = make(map[domain.ProducerID]*consumerEntry)
	c.closedProducers = make(map[domain.ProducerID]struct{})
	c.blocked = nil
	mic, micTrack := c.mic, c.micTrack
	c.mic, c.micTrack = nil, nil
	screen, screenTrack := c.screen, c.screenTrack
	c.screen, c.screenTrack = nil, nil
	sendT, recvT := c.sendT, c.recvT
	c.sendT, c.recvT = nil, nil
	room, channel := c.room, c.channel
	c.room, c.channel = "", ""
	c.mu.Unlock()

	for _, e := range entries {
		if e.sink != nil {
			e.sink.Close()
		}
		e.consumer.Close()
	}
	if screen != nil {
		screen.Close()
	}
	if screenTrack != nil {
		screenTrack.Stop()
	}
	if mic != nil {
		mic.Close()
	}
	if micTrack != nil {
		micTrack.Stop()
	}
	if sendT != nil {
		sendT.Close()
	}
	if recvT != nil {
		recvT.Close()
	}
	c.engine.Close()

	if room != "" {
		c.waits.RejectByScope(room, channel, app.ErrWaitCanceled)
		log.Info().Str("module", "session").Str("room", string(room)).Msg("session cleaned up")
	}
}

// HandleDispatch folds a live server push into the session. Events
// outside the current room/channel, and echoes of our own producers, are
// ignored.
func (c *Controller) HandleDispatch(d core.Dispatch) {
	c.mu.Lock()
	room, channel, tok := c.room, c.channel, c.token
	c.mu.Unlock()
	if room == "" || d.Room != room {
		return
	}
	if d.Channel != "" && d.Channel != channel {
		return
	}

	switch d.Type {
	case core.EvtNewProducer:
		kind := core.MediaAudio
		var body struct {
			Kind core.MediaKind `json:"kind"`
		}
		if len(d.Data) > 0 && json.Unmarshal(d.Data, &body) == nil && body.Kind != "" {
			kind = body.Kind
		}
		if err := c.consume(d.User, d.Producer, kind, tok); err != nil && !errors.Is(err, errStale) {
			log.Warn().Err(err).
				Str("module", "session").
				Str("producer", string(d.Producer)).
				Msg("consume failed")
		}
	case core.EvtProducerClosed:
		c.closeConsumer(d.Producer)
	case core.EvtUserLeft:
		c.closeUserConsumers(d.User)
	}
}

func (c *Controller) watchLevels(track core.Track, tok uint64) {
	if c.onSpeaking == nil {
		return
	}
	src, ok := track.(core.PCMSource)
	if !ok {
		return
	}
	go func() {
		m := NewMeter(0, 0)
		for frame := range src.Frames() {
			// A hot-swap leaves this goroutine on the superseded track;
			// it must go quiet, not race the fresh track's meter.
			if c.stale(tok) || !c.currentCapture(track) {
				return
			}
			if speaking, changed := m.Update(frame, time.Now()); changed {
				c.onSpeaking(speaking)
			}
		}
		if !c.stale(tok) && c.currentCapture(track) && m.Speaking() {
			c.onSpeaking(false)
		}
	}()
}

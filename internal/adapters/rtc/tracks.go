package rtc

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/voxkit/voxkit/internal/core"
	"github.com/voxkit/voxkit/internal/domain"
)

// producer pumps RTP from a local capture track into the transport.
type producer struct {
	id    domain.ProducerID
	kind  core.MediaKind
	local *webrtc.TrackLocalStaticRTP

	srcMu sync.Mutex
	track core.Track
	src   RTPSource

	paused atomic.Bool
	cancel context.CancelFunc

	pc     *webrtc.PeerConnection
	sender *webrtc.RTPSender
}

func newProducer(
	id domain.ProducerID,
	track core.Track,
	src RTPSource,
	local *webrtc.TrackLocalStaticRTP,
	sender *webrtc.RTPSender,
	pc *webrtc.PeerConnection,
) *producer {
	ctx, cancel := context.WithCancel(context.Background())
	p := &producer{
		id:     id,
		kind:   track.Kind(),
		local:  local,
		track:  track,
		src:    src,
		cancel: cancel,
		pc:     pc,
		sender: sender,
	}
	go p.pump(ctx)
	return p
}

// pump forwards packets until the producer closes or the source dries
// up. Paused producers keep reading so the source does not back up, but
// write nothing.
func (p *producer) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		p.srcMu.Lock()
		src := p.src
		p.srcMu.Unlock()

		pkt, err := src.ReadRTP()
		if err != nil {
			log.Debug().Err(err).Str("module", "rtc").Str("producer", string(p.id)).Msg("pump source done")
			return
		}
		if p.paused.Load() {
			continue
		}
		if err := p.local.WriteRTP(pkt); err != nil {
			log.Error().Err(err).Str("module", "rtc").Str("producer", string(p.id)).Msg("pump write error")
			return
		}
	}
}

func (p *producer) ID() domain.ProducerID { return p.id }
func (p *producer) Kind() core.MediaKind  { return p.kind }
func (p *producer) Pause()                { p.paused.Store(true) }
func (p *producer) Resume()               { p.paused.Store(false) }
func (p *producer) Paused() bool          { return p.paused.Load() }

// ReplaceTrack hot-swaps the capture source without renegotiating.
func (p *producer) ReplaceTrack(t core.Track) error {
	src, ok := t.(RTPSource)
	if !ok {
		return ErrTrackNotRTP
	}
	p.srcMu.Lock()
	p.track = t
	p.src = src
	p.srcMu.Unlock()
	return nil
}

func (p *producer) Close() {
	p.cancel()
	if err := p.pc.RemoveTrack(p.sender); err != nil {
		log.Debug().Err(err).Str("module", "rtc").Str("producer", string(p.id)).Msg("remove track")
	}
}

// consumer wraps one remote track.
type consumer struct {
	id       domain.ConsumerID
	producer domain.ProducerID
	kind     core.MediaKind
	track    *remoteTrack
}

func newConsumer(opts core.ConsumerOptions, remote *webrtc.TrackRemote) *consumer {
	return &consumer{
		id:       opts.ID,
		producer: opts.Producer,
		kind:     opts.Kind,
		track:    &remoteTrack{remote: remote, enabled: true},
	}
}

func (c *consumer) ID() domain.ConsumerID         { return c.id }
func (c *consumer) ProducerID() domain.ProducerID { return c.producer }
func (c *consumer) Kind() core.MediaKind          { return c.kind }
func (c *consumer) Track() core.Track             { return c.track }

func (c *consumer) Close() {
	c.track.Stop()
}

// remoteTrack adapts a pion TrackRemote to the core track port. Playback
// sinks that understand RTP read it through the RTPSource side.
type remoteTrack struct {
	remote *webrtc.TrackRemote

	mu      sync.Mutex
	enabled bool
	stopped bool
	onEnded func()
}

func (t *remoteTrack) ID() string { return t.remote.ID() }

func (t *remoteTrack) Kind() core.MediaKind {
	if t.remote.Kind() == webrtc.RTPCodecTypeVideo {
		return core.MediaVideo
	}
	return core.MediaAudio
}

func (t *remoteTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *remoteTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *remoteTrack) ApplyConstraints(core.CaptureOptions) error {
	return core.ErrConstraintsUnsupported
}

func (t *remoteTrack) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnded = fn
	t.mu.Unlock()
}

// ReadRTP lets RTP-aware playback sinks drain the remote track.
func (t *remoteTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := t.remote.ReadRTP()
	return pkt, err
}

func (t *remoteTrack) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	fn := t.onEnded
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Package media provides development implementations of the capture and
// playback ports: a silence-generating source and discarding sinks.
// Real clients plug in an OS capture backend instead.
package media

import (
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"

	"github.com/voxkit/voxkit/internal/core"
)

const frameInterval = 20 * time.Millisecond

// opus silence frame
var silencePayload = []byte{0xf8, 0xff, 0xfe}

// SilentSource hands out synthetic tracks that pace silence at the
// usual 20ms cadence.
type SilentSource struct{}

func (SilentSource) CaptureAudio(opts core.CaptureOptions) (core.Track, error) {
	return newSilentTrack(core.MediaAudio, opts), nil
}

func (SilentSource) CaptureDisplay() (core.Track, error) {
	return newSilentTrack(core.MediaVideo, core.CaptureOptions{}), nil
}

type silentTrack struct {
	id   string
	kind core.MediaKind

	mu      sync.Mutex
	opts    core.CaptureOptions
	enabled bool
	stopped bool
	onEnded func()

	seq    uint16
	ts     uint32
	frames chan []byte
	done   chan struct{}
}

func newSilentTrack(kind core.MediaKind, opts core.CaptureOptions) *silentTrack {
	t := &silentTrack{
		id:      uuid.NewString(),
		kind:    kind,
		opts:    opts,
		enabled: true,
		frames:  make(chan []byte, 8),
		done:    make(chan struct{}),
	}
	go t.feedPCM()
	return t
}

func (t *silentTrack) feedPCM() {
	tick := time.NewTicker(frameInterval)
	defer tick.Stop()
	zero := make([]byte, 960*2) // 20ms mono at 48kHz
	for {
		select {
		case <-t.done:
			close(t.frames)
			return
		case <-tick.C:
			select {
			case t.frames <- zero:
			default:
			}
		}
	}
}

func (t *silentTrack) ID() string           { return t.id }
func (t *silentTrack) Kind() core.MediaKind { return t.kind }

func (t *silentTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *silentTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// ApplyConstraints always succeeds; the track is synthetic.
func (t *silentTrack) ApplyConstraints(opts core.CaptureOptions) error {
	t.mu.Lock()
	t.opts = opts
	t.mu.Unlock()
	return nil
}

func (t *silentTrack) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnded = fn
	t.mu.Unlock()
}

func (t *silentTrack) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	fn := t.onEnded
	t.mu.Unlock()
	close(t.done)
	if fn != nil {
		fn()
	}
}

// Frames exposes zero PCM for level metering.
func (t *silentTrack) Frames() <-chan []byte { return t.frames }

// ReadRTP paces silence packets so producer pumps have something to
// forward.
func (t *silentTrack) ReadRTP() (*rtp.Packet, error) {
	select {
	case <-t.done:
		return nil, io.EOF
	case <-time.After(frameInterval):
	}
	t.mu.Lock()
	t.seq++
	t.ts += 960
	pkt := &rtp.Packet{
		Header:  rtp.Header{Version: 2, SequenceNumber: t.seq, Timestamp: t.ts},
		Payload: silencePayload,
	}
	t.mu.Unlock()
	return pkt, nil
}

// NullSinkFactory builds sinks that accept every call and discard the
// media.
type NullSinkFactory struct{}

func (NullSinkFactory) NewSink(core.Track) core.PlaybackSink { return &nullSink{} }

type nullSink struct{}

func (*nullSink) Play() error                 { return nil }
func (*nullSink) SetVolume(int)               {}
func (*nullSink) SetOutputDevice(string) error { return nil }
func (*nullSink) Close()                      {}

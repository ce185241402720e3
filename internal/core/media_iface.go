package core

import (
	"encoding/json"
	"errors"

	"github.com/voxkit/voxkit/internal/domain"
)

type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// TrackSource tags a producer's origin so receivers can tell a screen
// capture from a camera or microphone.
type TrackSource string

const (
	SourceMic    TrackSource = "mic"
	SourceScreen TrackSource = "screen"
)

var (
	// ErrConstraintsUnsupported means the capture backend cannot retarget
	// the live track in place; callers reacquire and hot-swap instead.
	ErrConstraintsUnsupported = errors.New("constraints unsupported")

	// ErrPlaybackBlocked means the runtime refused to start playback
	// (autoplay policy); retried on the next user interaction.
	ErrPlaybackBlocked = errors.New("playback blocked")

	// ErrPermissionDenied means the user or OS denied device access.
	ErrPermissionDenied = errors.New("capture permission denied")
)

type CaptureOptions struct {
	DeviceID         string
	NoiseSuppression bool
}

// Track abstracts one local or remote media track.
type Track interface {
	ID() string
	Kind() MediaKind
	SetEnabled(bool)
	Enabled() bool
	// ApplyConstraints retargets the live track in place; returns
	// ErrConstraintsUnsupported when the backend cannot.
	ApplyConstraints(CaptureOptions) error
	// OnEnded fires when capture stops outside our control, e.g. the user
	// ends a screen share from the system picker.
	OnEnded(func())
	Stop()
}

// PCMSource is implemented by capture tracks that expose raw 16-bit LE
// PCM frames for local level metering. Frames closes when the track stops.
type PCMSource interface {
	Frames() <-chan []byte
}

// MediaSource acquires local capture tracks.
// Owned by the environment; the controller must Stop() what it takes.
type MediaSource interface {
	CaptureAudio(CaptureOptions) (Track, error)
	CaptureDisplay() (Track, error)
}

// PlaybackSink plays one remote track on an output device.
type PlaybackSink interface {
	Play() error
	SetVolume(volume int) // 0..100
	SetOutputDevice(id string) error
	Close()
}

type SinkFactory interface {
	NewSink(Track) PlaybackSink
}

type AppData struct {
	Source TrackSource `json:"source"`
}

// TransportInfo is the server's description of a created transport.
// Params is the opaque negotiation blob the engine understands; the
// controller only relays it.
type TransportInfo struct {
	ID     domain.TransportID
	Params json.RawMessage
}

// ConnectHook answers the engine's connect negotiation: it must complete
// the gateway round trip for the DTLS parameters before returning.
// Called exactly once per transport.
type ConnectHook func(dtlsParameters json.RawMessage) error

// ProduceHook answers the engine's produce negotiation and hands back the
// server-assigned producer id.
type ProduceHook func(kind MediaKind, rtpParameters json.RawMessage, appData AppData) (domain.ProducerID, error)

type Transport interface {
	ID() domain.TransportID
	OnConnect(ConnectHook)
	Close()
}

type SendTransport interface {
	Transport
	OnProduce(ProduceHook)
	Produce(t Track, appData AppData) (Producer, error)
}

type ConsumerOptions struct {
	ID            domain.ConsumerID
	Producer      domain.ProducerID
	Kind          MediaKind
	RTPParameters json.RawMessage
}

type RecvTransport interface {
	Transport
	Consume(ConsumerOptions) (Consumer, error)
}

type Producer interface {
	ID() domain.ProducerID
	Kind() MediaKind
	Pause()
	Resume()
	Paused() bool
	ReplaceTrack(Track) error
	Close()
}

type Consumer interface {
	ID() domain.ConsumerID
	ProducerID() domain.ProducerID
	Kind() MediaKind
	Track() Track
	Close()
}

// MediaEngine is the external media capability (ICE/DTLS/SRTP and the
// produce/consume abstraction). The controller drives it through these
// calls and answers its negotiation hooks via the gateway.
type MediaEngine interface {
	Load(routerCapabilities json.RawMessage) error
	Loaded() bool
	// Capabilities reports the local capability description sent along
	// with consume intents. Valid after Load.
	Capabilities() json.RawMessage
	CreateSendTransport(TransportInfo) (SendTransport, error)
	CreateRecvTransport(TransportInfo) (RecvTransport, error)
	Close()
}

package session

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/voxkit/voxkit/internal/app"
	"github.com/voxkit/voxkit/internal/core"
	"github.com/voxkit/voxkit/internal/domain"
)

const (
	directionSend = "send"
	directionRecv = "recv"
)

// RemoteProducer describes a producer already present at join time.
type RemoteProducer struct {
	ID   domain.ProducerID `json:"id"`
	User domain.UserID     `json:"user"`
	Kind core.MediaKind    `json:"kind"`
}

type joinedBody struct {
	RouterCapabilities json.RawMessage      `json:"router_capabilities"`
	Producers          []RemoteProducer     `json:"producers"`
	States             []domain.VoiceState  `json:"states"`
}

// Join starts a new session in the given channel, tearing down any
// previous one first. A failure mid-join triggers an implicit Cleanup so
// no partial resources leak. Superseded joins (a newer Join or Cleanup
// advanced the token) return nil.
func (c *Controller) Join(room domain.RoomID, channel domain.ChannelID, policy domain.MediaPolicy) error {
	c.Cleanup()

	c.mu.Lock()
	c.token++
	tok := c.token
	c.room, c.channel, c.policy = room, channel, policy
	c.mu.Unlock()

	log.Info().Str("module", "session").
		Str("room", string(room)).
		Str("channel", string(channel)).
		Uint64("token", tok).
		Msg("joining")

	if err := c.join(room, channel, policy, tok); err != nil {
		// A canceled wait means a newer Join or Cleanup swept this scope.
		if errors.Is(err, errStale) || errors.Is(err, app.ErrWaitCanceled) {
			return nil
		}
		c.Cleanup()
		return err
	}
	return nil
}

// Leave announces departure to the server and tears the session down.
// The announcement is best effort; local teardown happens regardless.
func (c *Controller) Leave() {
	c.mu.Lock()
	room, channel := c.room, c.channel
	c.mu.Unlock()
	if room == "" {
		return
	}
	if err := c.gw.Send(core.Dispatch{Type: core.EvtRoomLeave, Room: room, Channel: channel}); err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("leave not sent")
	}
	c.Cleanup()
}

func (c *Controller) join(room domain.RoomID, channel domain.ChannelID, policy domain.MediaPolicy, tok uint64) error {
	scope := app.Scope{Room: room, Channel: channel, Token: tok}

	joined, err := c.waits.AwaitEither(
		app.WaitSpec{Type: core.EvtRoomJoined, Scope: scope, Timeout: c.cfg.AwaitTimeout},
		scope,
		func() error {
			return c.gw.Send(core.Dispatch{Type: core.EvtRoomJoin, Room: room, Channel: channel, Token: tok})
		},
	)
	if err != nil {
		return fmt.Errorf("join room: %w", err)
	}
	if c.stale(tok) {
		return errStale
	}

	var body joinedBody
	if err := json.Unmarshal(joined.Data, &body); err != nil {
		return fmt.Errorf("joined payload: %w", err)
	}
	if c.onJoined != nil {
		c.onJoined(body.States)
	}

	if err := c.engine.Load(body.RouterCapabilities); err != nil {
		return fmt.Errorf("engine load: %w", err)
	}

	// Send transport plus the microphone producer.
	sendInfo, err := c.createTransport(directionSend, room, channel, tok)
	if err != nil {
		return err
	}
	sendT, err := c.engine.CreateSendTransport(sendInfo)
	if err != nil {
		return fmt.Errorf("create send transport: %w", err)
	}
	c.wireConnect(sendT, room, channel, tok)
	c.wireProduce(sendT, room, channel, tok)
	c.mu.Lock()
	if c.token != tok {
		c.mu.Unlock()
		sendT.Close()
		return errStale
	}
	c.sendT = sendT
	c.mu.Unlock()

	micTrack, err := c.source.CaptureAudio(core.CaptureOptions{
		DeviceID:         policy.InputDeviceID,
		NoiseSuppression: policy.NoiseSuppression,
	})
	if err != nil {
		return fmt.Errorf("capture audio: %w", err)
	}
	if c.stale(tok) {
		micTrack.Stop()
		return errStale
	}

	mic, err := sendT.Produce(micTrack, core.AppData{Source: core.SourceMic})
	if err != nil {
		micTrack.Stop()
		return fmt.Errorf("produce mic: %w", err)
	}
	if policy.Muted {
		// No audio must leave the client while muted, not just attenuated.
		mic.Pause()
		micTrack.SetEnabled(false)
	}
	c.mu.Lock()
	if c.token != tok {
		c.mu.Unlock()
		mic.Close()
		micTrack.Stop()
		return errStale
	}
	c.mic, c.micTrack = mic, micTrack
	c.mu.Unlock()
	c.watchLevels(micTrack, tok)

	// Recv transport, then consumers for everyone already producing.
	recvInfo, err := c.createTransport(directionRecv, room, channel, tok)
	if err != nil {
		return err
	}
	recvT, err := c.engine.CreateRecvTransport(recvInfo)
	if err != nil {
		return fmt.Errorf("create recv transport: %w", err)
	}
	c.wireConnect(recvT, room, channel, tok)
	c.mu.Lock()
	if c.token != tok {
		c.mu.Unlock()
		recvT.Close()
		return errStale
	}
	c.recvT = recvT
	c.mu.Unlock()

	for _, p := range body.Producers {
		if c.stale(tok) {
			return errStale
		}
		if err := c.consume(p.User, p.ID, p.Kind, tok); err != nil {
			if errors.Is(err, errStale) {
				return errStale
			}
			return fmt.Errorf("consume %s: %w", p.ID, err)
		}
	}

	log.Info().Str("module", "session").
		Str("room", string(room)).
		Str("channel", string(channel)).
		Int("remote_producers", len(body.Producers)).
		Msg("session active")
	return nil
}

func (c *Controller) createTransport(dir string, room domain.RoomID, channel domain.ChannelID, tok uint64) (core.TransportInfo, error) {
	scope := app.Scope{Room: room, Channel: channel, Token: tok}
	payload, err := json.Marshal(struct {
		Direction string `json:"direction"`
	}{dir})
	if err != nil {
		return core.TransportInfo{}, err
	}

	created, err := c.waits.AwaitEither(
		app.WaitSpec{
			Type:    core.EvtTransportCreated,
			Scope:   scope,
			Timeout: c.cfg.AwaitTimeout,
			Match: func(d core.Dispatch) bool {
				var b struct {
					Direction string `json:"direction"`
				}
				return json.Unmarshal(d.Data, &b) == nil && b.Direction == dir
			},
		},
		scope,
		func() error {
			return c.gw.Send(core.Dispatch{
				Type: core.EvtTransportCreate, Room: room, Channel: channel, Token: tok, Data: payload,
			})
		},
	)
	if err != nil {
		return core.TransportInfo{}, fmt.Errorf("create %s transport: %w", dir, err)
	}
	return core.TransportInfo{ID: created.Transport, Params: created.Data}, nil
}

// wireConnect bridges the engine's connect negotiation hook to a gateway
// round trip: the engine suspends until the scoped confirmation (or a
// racing error dispatch) arrives.
func (c *Controller) wireConnect(t core.Transport, room domain.RoomID, channel domain.ChannelID, tok uint64) {
	t.OnConnect(func(dtlsParameters json.RawMessage) error {
		if c.stale(tok) {
			return errStale
		}
		// Room and channel stay in the scope so a cleanup sweep cancels
		// these waits along with the rest of the session's.
		scope := app.Scope{Room: room, Channel: channel, Transport: t.ID()}
		_, err := c.waits.AwaitEither(
			app.WaitSpec{Type: core.EvtTransportConnected, Scope: scope, Timeout: c.cfg.AwaitTimeout},
			scope,
			func() error {
				return c.gw.Send(core.Dispatch{
					Type:      core.EvtTransportConnect,
					Room:      room,
					Channel:   channel,
					Transport: t.ID(),
					Token:     tok,
					Data:      dtlsParameters,
				})
			},
		)
		return err
	})
}

// wireProduce bridges the produce hook the same way. The produced event
// is keyed additionally by our own user id to disambiguate from other
// users producing concurrently.
func (c *Controller) wireProduce(t core.SendTransport, room domain.RoomID, channel domain.ChannelID, tok uint64) {
	t.OnProduce(func(kind core.MediaKind, rtpParameters json.RawMessage, appData core.AppData) (domain.ProducerID, error) {
		if c.stale(tok) {
			return "", errStale
		}
		payload, err := json.Marshal(struct {
			Kind          core.MediaKind  `json:"kind"`
			RTPParameters json.RawMessage `json:"rtp_parameters"`
			AppData       core.AppData    `json:"app_data"`
		}{kind, rtpParameters, appData})
		if err != nil {
			return "", err
		}
		scope := app.Scope{Room: room, Channel: channel, Transport: t.ID()}
		produced, err := c.waits.AwaitEither(
			app.WaitSpec{
				Type:    core.EvtProduced,
				Scope:   scope,
				Timeout: c.cfg.AwaitTimeout,
				Match: func(d core.Dispatch) bool {
					return d.User == c.self
				},
			},
			scope,
			func() error {
				return c.gw.Send(core.Dispatch{
					Type:      core.EvtProduce,
					Room:      room,
					Channel:   channel,
					Transport: t.ID(),
					Token:     tok,
					Data:      payload,
				})
			},
		)
		if err != nil {
			return "", err
		}
		return produced.Producer, nil
	})
}

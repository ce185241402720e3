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

type consumedBody struct {
	ID            domain.ConsumerID `json:"id"`
	Kind          core.MediaKind    `json:"kind"`
	RTPParameters json.RawMessage   `json:"rtp_parameters"`
}

// consume negotiates one consumer for a remote producer and attaches its
// playback sink. Idempotent per producer id; producers owned by the
// local user are skipped (echo suppression).
func (c *Controller) consume(user domain.UserID, producer domain.ProducerID, kind core.MediaKind, tok uint64) error {
	if user == c.self {
		return nil
	}

	c.mu.Lock()
	if _, ok := c.consumers[producer]; ok {
		c.mu.Unlock()
		return nil
	}
	if _, closed := c.closedProducers[producer]; closed {
		c.mu.Unlock()
		return nil
	}
	room, channel := c.room, c.channel
	recvT := c.recvT
	deafened := c.policy.Deafened
	outputDevice := c.policy.OutputDeviceID
	pref, hasPref := c.prefs[user]
	c.mu.Unlock()

	if recvT == nil {
		return ErrNoSession
	}
	if !hasPref {
		pref = domain.DefaultAudioPreference()
	}

	payload, err := json.Marshal(struct {
		RTPCapabilities json.RawMessage `json:"rtp_capabilities"`
	}{c.engine.Capabilities()})
	if err != nil {
		return err
	}

	scope := app.Scope{Room: room, Channel: channel, Token: tok}
	consumed, err := c.waits.AwaitEither(
		app.WaitSpec{
			Type:    core.EvtConsumed,
			Scope:   scope,
			Timeout: c.cfg.AwaitTimeout,
			Match: func(d core.Dispatch) bool {
				return d.Producer == producer
			},
		},
		scope,
		func() error {
			return c.gw.Send(core.Dispatch{
				Type: core.EvtConsume, Room: room, Channel: channel, Producer: producer, Token: tok, Data: payload,
			})
		},
	)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	if c.stale(tok) {
		return errStale
	}

	var body consumedBody
	if err := json.Unmarshal(consumed.Data, &body); err != nil {
		return fmt.Errorf("consumed payload: %w", err)
	}
	if body.Kind == "" {
		body.Kind = kind
	}

	cons, err := recvT.Consume(core.ConsumerOptions{
		ID:            body.ID,
		Producer:      producer,
		Kind:          body.Kind,
		RTPParameters: body.RTPParameters,
	})
	if err != nil {
		return fmt.Errorf("engine consume: %w", err)
	}

	sink := c.sinks.NewSink(cons.Track())
	sink.SetVolume(pref.Effective(deafened))
	if outputDevice != "" {
		// Best effort; unsupported sinks fall back to the default output.
		if err := sink.SetOutputDevice(outputDevice); err != nil {
			log.Debug().Err(err).Str("module", "session").Msg("output device not applied")
		}
	}

	entry := &consumerEntry{consumer: cons, sink: sink, user: user}
	c.mu.Lock()
	if c.token != tok {
		c.mu.Unlock()
		sink.Close()
		cons.Close()
		return errStale
	}
	if _, ok := c.consumers[producer]; ok {
		// Lost a duplicate-notification race; keep the first consumer.
		c.mu.Unlock()
		sink.Close()
		cons.Close()
		return nil
	}
	if _, closed := c.closedProducers[producer]; closed {
		// The producer was closed while this consume was negotiating.
		c.mu.Unlock()
		sink.Close()
		cons.Close()
		return nil
	}
	c.consumers[producer] = entry
	c.mu.Unlock()

	if err := sink.Play(); err != nil {
		if errors.Is(err, core.ErrPlaybackBlocked) {
			c.mu.Lock()
			c.blocked = append(c.blocked, entry)
			c.mu.Unlock()
			log.Info().Str("module", "session").
				Str("producer", string(producer)).
				Msg("playback blocked, will retry on user interaction")
		} else {
			log.Warn().Err(err).Str("module", "session").Str("producer", string(producer)).Msg("playback failed")
		}
	}

	log.Info().Str("module", "session").
		Str("producer", string(producer)).
		Str("user", string(user)).
		Str("kind", string(body.Kind)).
		Msg("consuming")
	return nil
}

// ResumePlayback retries sinks whose playback was blocked by the
// runtime's autoplay policy. Call on a user interaction.
func (c *Controller) ResumePlayback() {
	c.mu.Lock()
	blocked := c.blocked
	c.blocked = nil
	c.mu.Unlock()

	var still []*consumerEntry
	for _, e := range blocked {
		if err := e.sink.Play(); errors.Is(err, core.ErrPlaybackBlocked) {
			still = append(still, e)
		}
	}
	if len(still) > 0 {
		c.mu.Lock()
		c.blocked = append(c.blocked, still...)
		c.mu.Unlock()
	}
}

func (c *Controller) closeConsumer(producer domain.ProducerID) {
	c.mu.Lock()
	entry, ok := c.consumers[producer]
	delete(c.consumers, producer)
	c.closedProducers[producer] = struct{}{}
	c.mu.Unlock()
	if !ok {
		return
	}
	entry.sink.Close()
	entry.consumer.Close()
	log.Info().Str("module", "session").Str("producer", string(producer)).Msg("consumer closed")
}

// closeUserConsumers tears down every consumer owned by a departed user.
func (c *Controller) closeUserConsumers(user domain.UserID) {
	c.mu.Lock()
	var gone []*consumerEntry
	for id, entry := range c.consumers {
		if entry.user == user {
			gone = append(gone, entry)
			delete(c.consumers, id)
			c.closedProducers[id] = struct{}{}
		}
	}
	c.mu.Unlock()

	for _, entry := range gone {
		entry.sink.Close()
		entry.consumer.Close()
	}
	if len(gone) > 0 {
		log.Info().Str("module", "session").Str("user", string(user)).Int("count", len(gone)).Msg("user consumers closed")
	}
}

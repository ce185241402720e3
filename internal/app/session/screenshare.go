package session

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/voxkit/voxkit/internal/core"
)

// StartScreenShare acquires a display capture and produces it on the
// existing send transport, independent of the microphone producer. The
// capture's own end signal (e.g. the user stopping the share from the
// system picker) triggers the same teardown as StopScreenShare.
func (c *Controller) StartScreenShare() error {
	c.mu.Lock()
	sendT := c.sendT
	tok := c.token
	active := c.screen != nil
	c.mu.Unlock()

	if sendT == nil {
		return ErrNoSession
	}
	if active {
		return nil
	}

	track, err := c.source.CaptureDisplay()
	if err != nil {
		return fmt.Errorf("capture display: %w", err)
	}
	track.OnEnded(func() {
		c.StopScreenShare()
	})

	prod, err := sendT.Produce(track, core.AppData{Source: core.SourceScreen})
	if err != nil {
		track.Stop()
		return fmt.Errorf("produce screen: %w", err)
	}

	c.mu.Lock()
	if c.token != tok || c.screen != nil {
		c.mu.Unlock()
		prod.Close()
		track.Stop()
		return nil
	}
	c.screen, c.screenTrack = prod, track
	c.mu.Unlock()

	log.Info().Str("module", "session").Str("producer", string(prod.ID())).Msg("screen share started")
	return nil
}

// StopScreenShare closes only the screen producer and its capture,
// leaving the microphone untouched. Idempotent.
func (c *Controller) StopScreenShare() {
	c.mu.Lock()
	prod, track := c.screen, c.screenTrack
	c.screen, c.screenTrack = nil, nil
	c.mu.Unlock()

	if prod == nil {
		return
	}
	prod.Close()
	if track != nil {
		track.Stop()
	}
	log.Info().Str("module", "session").Msg("screen share stopped")
}

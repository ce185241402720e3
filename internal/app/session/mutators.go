package session

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/voxkit/voxkit/internal/core"
	"github.com/voxkit/voxkit/internal/domain"
)

// SetMuted pauses or resumes the local producer and toggles the capture
// track so no audio leaves the client while muted.
func (c *Controller) SetMuted(muted bool) {
	c.mu.Lock()
	c.policy.Muted = muted
	mic, micTrack := c.mic, c.micTrack
	c.mu.Unlock()

	if mic == nil {
		return
	}
	if muted {
		mic.Pause()
		micTrack.SetEnabled(false)
	} else {
		mic.Resume()
		micTrack.SetEnabled(true)
	}
	log.Info().Str("module", "session").Bool("muted", muted).Msg("mute changed")
}

// SetDeafened forces every consumer sink to zero output, independent of
// per-user preference, until un-deafened.
func (c *Controller) SetDeafened(deafened bool) {
	c.mu.Lock()
	c.policy.Deafened = deafened
	type target struct {
		sink   core.PlaybackSink
		volume int
	}
	targets := make([]target, 0, len(c.consumers))
	for _, entry := range c.consumers {
		pref, ok := c.prefs[entry.user]
		if !ok {
			pref = domain.DefaultAudioPreference()
		}
		targets = append(targets, target{entry.sink, pref.Effective(deafened)})
	}
	c.mu.Unlock()

	for _, t := range targets {
		t.sink.SetVolume(t.volume)
	}
	log.Info().Str("module", "session").Bool("deafened", deafened).Msg("deafen changed")
}

// SetUserAudioPreference stores the per-user playback preference and
// recomputes only that user's sinks.
func (c *Controller) SetUserAudioPreference(user domain.UserID, pref domain.AudioPreference) {
	c.mu.Lock()
	c.prefs[user] = pref
	deafened := c.policy.Deafened
	var sinks []core.PlaybackSink
	for _, entry := range c.consumers {
		if entry.user == user {
			sinks = append(sinks, entry.sink)
		}
	}
	c.mu.Unlock()

	volume := pref.Effective(deafened)
	for _, s := range sinks {
		s.SetVolume(volume)
	}
}

// SetAudioOutputDevice retargets all sinks, best effort: sinks that do
// not support output selection keep the default device.
func (c *Controller) SetAudioOutputDevice(id string) {
	c.mu.Lock()
	c.policy.OutputDeviceID = id
	sinks := make([]core.PlaybackSink, 0, len(c.consumers))
	for _, entry := range c.consumers {
		sinks = append(sinks, entry.sink)
	}
	c.mu.Unlock()

	for _, s := range sinks {
		if err := s.SetOutputDevice(id); err != nil {
			log.Debug().Err(err).Str("module", "session").Msg("output device not applied")
		}
	}
}

// SetAudioInputDevice switches the capture device, hot-swapping the
// track when in-place constraints are unsupported.
func (c *Controller) SetAudioInputDevice(id string) error {
	c.mu.Lock()
	c.policy.InputDeviceID = id
	c.mu.Unlock()
	return c.retargetCapture()
}

// SetNoiseSuppression toggles noise suppression on the capture track.
func (c *Controller) SetNoiseSuppression(on bool) error {
	c.mu.Lock()
	c.policy.NoiseSuppression = on
	c.mu.Unlock()
	return c.retargetCapture()
}

// retargetCapture applies the current capture policy to the live track.
// Prefers in-place constraint application; otherwise acquires a fresh
// track, swaps it into the producer, and only then stops the old one so
// there is no dead-air window and never a duplicate producer.
func (c *Controller) retargetCapture() error {
	c.mu.Lock()
	opts := core.CaptureOptions{
		DeviceID:         c.policy.InputDeviceID,
		NoiseSuppression: c.policy.NoiseSuppression,
	}
	track, mic := c.micTrack, c.mic
	muted := c.policy.Muted
	tok := c.token
	c.mu.Unlock()

	if track == nil {
		// Not in a session; the policy applies at the next join.
		return nil
	}

	err := track.ApplyConstraints(opts)
	if err == nil {
		return nil
	}
	if !errors.Is(err, core.ErrConstraintsUnsupported) {
		return fmt.Errorf("apply constraints: %w", err)
	}

	fresh, err := c.source.CaptureAudio(opts)
	if err != nil {
		return fmt.Errorf("reacquire capture: %w", err)
	}
	fresh.SetEnabled(!muted)

	if mic != nil {
		if err := mic.ReplaceTrack(fresh); err != nil {
			fresh.Stop()
			return fmt.Errorf("replace track: %w", err)
		}
	}

	c.mu.Lock()
	if c.token != tok {
		c.mu.Unlock()
		fresh.Stop()
		return nil
	}
	old := c.micTrack
	c.micTrack = fresh
	c.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	c.watchLevels(fresh, tok)
	log.Info().Str("module", "session").Str("device", opts.DeviceID).Msg("capture retargeted")
	return nil
}

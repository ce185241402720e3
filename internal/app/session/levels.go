package session

import (
	"math"
	"time"
)

const (
	defaultSpeakingThreshold = 0.02
	defaultSpeakingHang      = 300 * time.Millisecond
)

// RMSEnergy computes the root-mean-square energy of 16-bit signed
// little-endian PCM, normalized to 0.0..1.0.
func RMSEnergy(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < len(pcm)-1; i += 2 {
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8
		normalized := float64(sample) / 32768.0
		sum += normalized * normalized
	}
	return math.Sqrt(sum / float64(samples))
}

// Meter turns local capture frames into a speaking flag. A hang window
// keeps the flag up across short pauses so it does not flap mid-word.
type Meter struct {
	threshold float64
	hang      time.Duration
	speaking  bool
	lastLoud  time.Time
}

func NewMeter(threshold float64, hang time.Duration) *Meter {
	if threshold <= 0 {
		threshold = defaultSpeakingThreshold
	}
	if hang <= 0 {
		hang = defaultSpeakingHang
	}
	return &Meter{threshold: threshold, hang: hang}
}

// Update feeds one PCM frame and reports the current flag plus whether
// it changed.
func (m *Meter) Update(frame []byte, now time.Time) (speaking, changed bool) {
	if RMSEnergy(frame) >= m.threshold {
		m.lastLoud = now
		if !m.speaking {
			m.speaking = true
			return true, true
		}
		return true, false
	}
	if m.speaking && now.Sub(m.lastLoud) > m.hang {
		m.speaking = false
		return false, true
	}
	return m.speaking, false
}

func (m *Meter) Speaking() bool {
	return m.speaking
}

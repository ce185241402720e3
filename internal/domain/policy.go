package domain

// MediaPolicy is the local user's capture/output policy. Mutable at any
// time; the session controller applies changes to live producers and
// consumers without a rejoin when the device supports it.
type MediaPolicy struct {
	Muted            bool   `json:"muted"`
	Deafened         bool   `json:"deafened"`
	NoiseSuppression bool   `json:"noise_suppression"`
	InputDeviceID    string `json:"input_device_id"`
	OutputDeviceID   string `json:"output_device_id"`
}

// AudioPreference is the per-remote-user playback preference.
type AudioPreference struct {
	Muted  bool `json:"muted"`
	Volume int  `json:"volume"` // 0..100
}

// DefaultAudioPreference is unmuted at full volume.
func DefaultAudioPreference() AudioPreference {
	return AudioPreference{Muted: false, Volume: 100}
}

// Effective returns the volume to apply to a consumer sink given the
// local deafened flag. Deafened forces zero regardless of preference.
func (p AudioPreference) Effective(deafened bool) int {
	if deafened || p.Muted {
		return 0
	}
	if p.Volume < 0 {
		return 0
	}
	if p.Volume > 100 {
		return 100
	}
	return p.Volume
}

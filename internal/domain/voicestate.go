package domain

// VoiceState is one user's authoritative participation state in a voice
// channel, as reported by the server.
type VoiceState struct {
	User     UserID    `json:"user"`
	Room     RoomID    `json:"room"`
	Channel  ChannelID `json:"channel"`
	Muted    bool      `json:"muted"`
	Deafened bool      `json:"deafened"`
	Sharing  bool      `json:"sharing"`
}

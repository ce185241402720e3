// Package domain contains entity without logic, just meta-data
package domain

type (
	// RoomID identifies a voice-enabled container (guild/workspace).
	RoomID string
	// ChannelID identifies a voice channel inside a room.
	ChannelID string

	TransportID string
	ProducerID  string
	ConsumerID  string
)

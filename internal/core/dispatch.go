package core

import (
	"encoding/json"
	"fmt"

	"github.com/voxkit/voxkit/internal/domain"
)

// EventType discriminates gateway dispatch events.
type EventType string

const (
	EvtRoomJoin   EventType = "room_join"
	EvtRoomJoined EventType = "room_joined"
	EvtRoomLeave  EventType = "room_leave"

	EvtTransportCreate    EventType = "transport_create"
	EvtTransportCreated   EventType = "transport_created"
	EvtTransportConnect   EventType = "transport_connect"
	EvtTransportConnected EventType = "transport_connected"

	EvtProduce  EventType = "produce"
	EvtProduced EventType = "produced"
	EvtConsume  EventType = "consume"
	EvtConsumed EventType = "consumed"

	EvtNewProducer    EventType = "new_producer"
	EvtProducerClosed EventType = "producer_closed"
	EvtUserLeft       EventType = "user_left"
	EvtVoiceState     EventType = "voice_state"

	EvtError EventType = "error"
)

// Dispatch is one event on the gateway, either a client intent or a
// server push. Scope fields are zero when the event does not carry them.
type Dispatch struct {
	Type      EventType          `json:"type"`
	Room      domain.RoomID      `json:"room,omitempty"`
	Channel   domain.ChannelID   `json:"channel,omitempty"`
	Transport domain.TransportID `json:"transport,omitempty"`
	User      domain.UserID      `json:"user,omitempty"`
	Producer  domain.ProducerID  `json:"producer,omitempty"`
	Token     uint64             `json:"token,omitempty"`
	Code      string             `json:"code,omitempty"`
	Data      json.RawMessage    `json:"data,omitempty"`
}

// DispatchError carries a server-reported error code for a scoped
// operation, surfaced when an error dispatch wins the race against the
// awaited confirmation.
type DispatchError struct {
	Code string
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("server error: %s", e.Code)
}

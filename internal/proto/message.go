package proto

import "encoding/json"

// Inbound is the envelope for messages coming from the client.
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

const (
	ProtocolVersion = 1

	// InboundTypeLeave is the explicit leave button.
	InboundTypeLeave = "leave"
	// InboundTypeUnload is sent from the page-close handler.
	InboundTypeUnload = "unload"

	OutboundTypeEvent = "event"
	OutboundTypeError = "error"

	EventJoined    = "joined"
	EventRoomState = "room_state"
	EventRoomGone  = "room_gone"
	EventLeft      = "left"
)

// Outbound is the envelope for messages sent to the client.
type Outbound struct {
	Type  string `json:"type"`
	Event string `json:"event,omitempty"`
	Data  any    `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`
}

// EventJoinedData confirms the session the connection is attached to.
type EventJoinedData struct {
	Room          string `json:"room"`
	ParticipantID string `json:"participant_id"`
	Protocol      int    `json:"protocol"`
	GraceWindowMS int64  `json:"grace_window_ms"`
}

// EventRoomStateData is a full snapshot of the room.
type EventRoomStateData struct {
	Room         string   `json:"room"`
	Name         string   `json:"name"`
	Participants []string `json:"participants"`
	CreatedAt    int64    `json:"created_at"`
}

// EventRoomGoneData tells the client the room no longer exists.
type EventRoomGoneData struct {
	Room string `json:"room"`
}

// EventLeftData acknowledges a leave requested over the connection.
type EventLeftData struct {
	Room   string `json:"room"`
	Manual bool   `json:"manual"`
}

// Error describes a protocol-level error response.
type Error struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

package audio

import (
	"context"
	"errors"

	"github.com/cespare/xxhash/v2"
)

// ErrDisabled is returned when no audio backend is configured.
var ErrDisabled = errors.New("audio disabled")

// JoinInfo contains what a client needs to connect to the audio transport.
type JoinInfo struct {
	URL      string `json:"url"`       // WebSocket URL (e.g., ws://localhost:7880)
	Token    string `json:"token"`     // time-limited credential
	RoomName string `json:"room_name"` // transport room name
	Identity string `json:"identity"`  // participant identity in the room
	UID      uint32 `json:"uid"`       // numeric participant identifier
}

// Engine abstracts the real-time audio backend. Membership and audio fail
// independently: a participant can be listed in a room without a working
// audio connection.
type Engine interface {
	// JoinInfo issues join credentials for participantID in roomID.
	JoinInfo(ctx context.Context, roomID, participantID string) (*JoinInfo, error)
}

// UID derives the stable numeric identifier presented to the audio transport.
// Zero is reserved by most transports for "assign one", so it is never returned.
func UID(participantID string) uint32 {
	uid := uint32(xxhash.Sum64String(participantID))
	if uid == 0 {
		uid = 1
	}
	return uid
}

// Disabled is an Engine that refuses every request.
type Disabled struct{}

// JoinInfo always returns ErrDisabled.
func (Disabled) JoinInfo(context.Context, string, string) (*JoinInfo, error) {
	return nil, ErrDisabled
}

package livekit

import (
	"context"
	"fmt"
	"time"

	"github.com/livekit/protocol/auth"

	"github.com/vovakirdan/hushroom/internal/audio"
)

// DefaultTokenTTL is used when no token lifetime is configured.
const DefaultTokenTTL = time.Hour

// Engine implements audio.Engine using LiveKit as the media backend.
type Engine struct {
	apiKey    string
	apiSecret string
	wsURL     string
	ttl       time.Duration
}

// New creates a new LiveKit engine.
func New(apiKey, apiSecret, wsURL string, ttl time.Duration) *Engine {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Engine{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		wsURL:     wsURL,
		ttl:       ttl,
	}
}

// RoomName maps a room ID to its LiveKit room.
// LiveKit creates rooms on demand when the first participant connects.
func RoomName(roomID string) string {
	return "hushroom-" + roomID
}

// JoinInfo creates join credentials for a participant.
func (e *Engine) JoinInfo(_ context.Context, roomID, participantID string) (*audio.JoinInfo, error) {
	if roomID == "" || participantID == "" {
		return nil, fmt.Errorf("room and participant are required")
	}

	roomName := RoomName(roomID)
	uid := audio.UID(participantID)

	at := auth.NewAccessToken(e.apiKey, e.apiSecret)
	grant := &auth.VideoGrant{
		RoomJoin: true,
		Room:     roomName,
	}
	at.SetVideoGrant(grant).
		SetIdentity(participantID).
		SetName(fmt.Sprintf("listener-%d", uid)).
		SetValidFor(e.ttl)

	token, err := at.ToJWT()
	if err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}

	return &audio.JoinInfo{
		URL:      e.wsURL,
		Token:    token,
		RoomName: roomName,
		Identity: participantID,
		UID:      uid,
	}, nil
}

// Ensure Engine implements audio.Engine
var _ audio.Engine = (*Engine)(nil)

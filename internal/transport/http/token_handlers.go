package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/hushroom/internal/audio"
	"github.com/vovakirdan/hushroom/internal/store"
)

// TokenHandlers issues audio transport credentials.
type TokenHandlers struct {
	engine audio.Engine
	store  store.RoomStore
	log    *zerolog.Logger
}

// NewTokenHandlers creates a new token handlers instance.
func NewTokenHandlers(engine audio.Engine, st store.RoomStore, logger *zerolog.Logger) *TokenHandlers {
	if engine == nil {
		engine = audio.Disabled{}
	}
	return &TokenHandlers{engine: engine, store: st, log: logger}
}

// TokenRequest names the room and participant a credential is issued for.
type TokenRequest struct {
	Room          string `json:"room" binding:"required"`
	ParticipantID string `json:"participant_id" binding:"required"`
}

// IssueToken returns a time-limited audio credential to a current member of
// the room.
// POST /api/token
func (h *TokenHandlers) IssueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	room, err := h.store.GetRoom(c.Request.Context(), req.Room)
	if err != nil {
		if errors.Is(err, store.ErrRoomNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "room not found"})
			return
		}
		h.log.Error().Err(err).Str("room_id", req.Room).Msg("failed to get room")
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "store unavailable"})
		return
	}
	if !room.Has(req.ParticipantID) {
		c.JSON(http.StatusForbidden, ErrorResponse{Error: "not a member of this room"})
		return
	}

	info, err := h.engine.JoinInfo(c.Request.Context(), req.Room, req.ParticipantID)
	if err != nil {
		if errors.Is(err, audio.ErrDisabled) {
			c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "audio is not configured"})
			return
		}
		h.log.Error().Err(err).Str("room_id", req.Room).Str("participant_id", req.ParticipantID).Msg("failed to issue token")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}

	c.JSON(http.StatusOK, info)
}

package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/hushroom/internal/membership"
	"github.com/vovakirdan/hushroom/internal/store"
)

const maxBeaconBytes = 4 << 10

// RoomHandlers provides HTTP handlers for room management endpoints.
type RoomHandlers struct {
	manager *membership.Manager
	store   store.Store
	log     *zerolog.Logger
}

// NewRoomHandlers creates a new room handlers instance.
func NewRoomHandlers(manager *membership.Manager, st store.Store, logger *zerolog.Logger) *RoomHandlers {
	return &RoomHandlers{
		manager: manager,
		store:   st,
		log:     logger,
	}
}

// CreateRoomRequest represents the create room request body.
type CreateRoomRequest struct {
	Name          string `json:"name" binding:"required,max=64"`
	ParticipantID string `json:"participant_id" binding:"required"`
}

// ParticipantRequest identifies the participant acting on a room.
type ParticipantRequest struct {
	ParticipantID string `json:"participant_id" binding:"required"`
}

// LeaveRequest ends a participant's membership. Manual defaults to true;
// false is the teardown signal of a client without a websocket, and the leave
// waits out the grace window.
type LeaveRequest struct {
	ParticipantID string `json:"participant_id" binding:"required"`
	Manual        *bool  `json:"manual"`
}

// RoomResponse represents a room in API responses.
type RoomResponse struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Participants []string `json:"participants"`
	CreatedAt    string   `json:"created_at"`
}

// SessionResponse describes a participant's membership.
type SessionResponse struct {
	RoomID        string `json:"room_id"`
	ParticipantID string `json:"participant_id"`
	State         string `json:"state"`
}

func roomResponse(room *store.Room) RoomResponse {
	participants := room.Participants
	if participants == nil {
		participants = []string{}
	}
	return RoomResponse{
		ID:           room.ID,
		Name:         room.Name,
		Participants: participants,
		CreatedAt:    room.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// ListRooms lists all rooms, newest first.
// GET /api/rooms
func (h *RoomHandlers) ListRooms(c *gin.Context) {
	rooms, err := h.store.ListRooms(c.Request.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("failed to list rooms")
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "store unavailable"})
		return
	}

	response := make([]RoomResponse, 0, len(rooms))
	for _, room := range rooms {
		response = append(response, roomResponse(room))
	}

	h.log.Debug().Int("room_count", len(rooms)).Msg("rooms listed")
	c.JSON(http.StatusOK, response)
}

// CreateRoom creates a room with the caller as its first participant.
// POST /api/rooms
func (h *RoomHandlers) CreateRoom(c *gin.Context) {
	var req CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid create room request")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	room, _, err := h.manager.Create(c.Request.Context(), req.Name, req.ParticipantID)
	if err != nil {
		h.log.Warn().Err(err).Str("room_name", req.Name).Msg("failed to create room")
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, roomResponse(room))
}

// GetRoom returns the current state of one room.
// GET /api/rooms/:id
func (h *RoomHandlers) GetRoom(c *gin.Context) {
	room, err := h.store.GetRoom(c.Request.Context(), c.Param("id"))
	if err != nil {
		if !errors.Is(err, store.ErrRoomNotFound) {
			h.log.Error().Err(err).Str("room_id", c.Param("id")).Msg("failed to get room")
		}
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, roomResponse(room))
}

// JoinRoom adds the participant to the room.
// POST /api/rooms/:id/join
func (h *RoomHandlers) JoinRoom(c *gin.Context) {
	var req ParticipantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	s, err := h.manager.Join(c.Request.Context(), c.Param("id"), req.ParticipantID)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, SessionResponse{
		RoomID:        s.RoomID,
		ParticipantID: s.ParticipantID,
		State:         s.State().String(),
	})
}

// LeaveRoom removes the participant, right away unless manual is false.
// Leaving never fails.
// POST /api/rooms/:id/leave
func (h *RoomHandlers) LeaveRoom(c *gin.Context) {
	var req LeaveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	manual := req.Manual == nil || *req.Manual

	// Detached so a client hanging up mid-request cannot abort the removal.
	h.manager.Leave(context.WithoutCancel(c.Request.Context()), c.Param("id"), req.ParticipantID, manual)
	c.Status(http.StatusNoContent)
}

// UnloadRoom receives the page-close beacon. Beacons cannot read responses,
// so it always answers 204.
// POST /api/rooms/:id/unload
func (h *RoomHandlers) UnloadRoom(c *gin.Context) {
	participantID := c.Query("participant_id")
	if participantID == "" {
		// sendBeacon posts text/plain, so the body is decoded regardless of content type.
		var req ParticipantRequest
		if err := json.NewDecoder(io.LimitReader(c.Request.Body, maxBeaconBytes)).Decode(&req); err == nil {
			participantID = req.ParticipantID
		}
	}
	if participantID == "" {
		h.log.Debug().Str("room_id", c.Param("id")).Msg("unload beacon without participant")
		c.Status(http.StatusNoContent)
		return
	}

	h.manager.Unload(c.Param("id"), participantID)
	c.Status(http.StatusNoContent)
}

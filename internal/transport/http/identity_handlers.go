package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// IdentityHandlers mints pseudonymous participant identifiers.
type IdentityHandlers struct {
	log *zerolog.Logger
}

// NewIdentityHandlers creates a new identity handlers instance.
func NewIdentityHandlers(logger *zerolog.Logger) *IdentityHandlers {
	return &IdentityHandlers{log: logger}
}

// IdentityResponse carries a freshly minted participant identifier.
type IdentityResponse struct {
	ParticipantID string `json:"participant_id"`
}

// CreateIdentity returns a new participant identifier for the client to
// persist locally.
// POST /api/identity
func (h *IdentityHandlers) CreateIdentity(c *gin.Context) {
	id := uuid.NewString()
	h.log.Debug().Str("participant_id", id).Msg("identity minted")
	c.JSON(http.StatusCreated, IdentityResponse{ParticipantID: id})
}

package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	stdhttp "net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/hushroom/internal/membership"
	"github.com/vovakirdan/hushroom/internal/proto"
)

const (
	inboundLimit  = 30
	inboundWindow = time.Minute
)

// WSHandler upgrades HTTP connections and attaches them to a room session.
//
// A connection is one view of the session: closing it is a teardown signal
// that starts the grace window, while an inbound leave or unload ends the
// session outright.
type WSHandler struct {
	manager        *membership.Manager
	originPatterns []string
	clock          clock.Clock
	log            *zerolog.Logger
}

// NewWSHandler builds a new WebSocket handler.
func NewWSHandler(manager *membership.Manager, originPatterns []string, logger *zerolog.Logger) *WSHandler {
	return &WSHandler{
		manager:        manager,
		originPatterns: originPatterns,
		clock:          clock.New(),
		log:            logger,
	}
}

func (h *WSHandler) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	roomID := r.URL.Query().Get("room")
	participantID := r.URL.Query().Get("participant_id")
	if roomID == "" || participantID == "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(stdhttp.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "room and participant_id are required"})
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer conn.CloseNow()

	log := h.log.With().
		Str("conn_id", uuid.NewString()).
		Str("room_id", roomID).
		Str("participant_id", participantID).
		Logger()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	session, detach, err := h.manager.Attach(ctx, roomID, participantID)
	if err != nil {
		ce := membership.ToCoreError(err)
		log.Info().Err(err).Msg("ws join failed")
		_ = wsjson.Write(ctx, conn, proto.Outbound{
			Type:  proto.OutboundTypeError,
			Error: &proto.Error{Code: ce.Code, Msg: ce.Message},
		})
		conn.Close(websocket.StatusPolicyViolation, ce.Code)
		return
	}
	defer detach()

	states, err := session.Observe(ctx)
	if err != nil {
		log.Error().Err(err).Msg("observe room")
		conn.Close(websocket.StatusInternalError, "observe failed")
		return
	}

	if err := wsjson.Write(ctx, conn, proto.Outbound{
		Type:  proto.OutboundTypeEvent,
		Event: proto.EventJoined,
		Data: proto.EventJoinedData{
			Room:          roomID,
			ParticipantID: participantID,
			Protocol:      proto.ProtocolVersion,
			GraceWindowMS: h.manager.GraceWindow().Milliseconds(),
		},
	}); err != nil {
		log.Warn().Err(err).Msg("write joined event")
		return
	}
	log.Debug().Msg("ws attached")

	errCh := make(chan error, 2)
	go func() {
		errCh <- h.readLoop(ctx, conn, session, &log)
	}()
	go func() {
		errCh <- h.writeLoop(ctx, conn, session, states, &log)
	}()

	err = <-errCh
	cancel() // stop the other goroutine
	<-errCh

	status := websocket.StatusNormalClosure
	reason := "closing"
	if err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, io.EOF) {
			err = nil
		}
		if s := websocket.CloseStatus(err); s != -1 {
			status = s
		}
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			err = nil
		}
		if err != nil {
			if status == websocket.StatusNormalClosure {
				status = websocket.StatusInternalError
			}
			reason = err.Error()
			log.Warn().Err(err).Msg("ws connection closed with error")
		}
	}

	conn.Close(status, reason)
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, s *membership.Session, log *zerolog.Logger) error {
	limiter := newRateLimiter(inboundLimit, inboundWindow, h.clock)

	for {
		var inbound proto.Inbound
		if err := wsjson.Read(ctx, conn, &inbound); err != nil {
			return err
		}

		if !limiter.allow() {
			if err := writeError(ctx, conn, "rate_limited", "too many messages"); err != nil {
				return err
			}
			continue
		}

		switch inbound.Type {
		case proto.InboundTypeLeave:
			log.Debug().Msg("ws leave")
			// Runs detached so a closing socket cannot abort the removal.
			h.manager.Leave(context.WithoutCancel(ctx), s.RoomID, s.ParticipantID, true)
		case proto.InboundTypeUnload:
			log.Debug().Msg("ws unload")
			h.manager.Unload(s.RoomID, s.ParticipantID)
		default:
			if err := writeError(ctx, conn, membership.ErrCodeBadRequest, "unknown message type"); err != nil {
				return err
			}
		}
	}
}

// writeLoop returns nil once the session is over; the close that follows is
// a normal closure.
func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, s *membership.Session, states <-chan membership.RoomState, log *zerolog.Logger) error {
	for {
		select {
		case state, ok := <-states:
			if !ok {
				return ctx.Err()
			}
			if state.Gone {
				return writeEnded(ctx, conn, s)
			}
			if err := wsjson.Write(ctx, conn, outboundRoomState(state)); err != nil {
				log.Warn().Err(err).Msg("write room state")
				return err
			}
		case <-s.Done():
			return writeEnded(ctx, conn, s)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func outboundRoomState(state membership.RoomState) proto.Outbound {
	participants := state.Participants
	if participants == nil {
		participants = []string{}
	}
	return proto.Outbound{
		Type:  proto.OutboundTypeEvent,
		Event: proto.EventRoomState,
		Data: proto.EventRoomStateData{
			Room:         state.ID,
			Name:         state.Name,
			Participants: participants,
			CreatedAt:    state.CreatedAt.Unix(),
		},
	}
}

// writeEnded tells the client why the session is over. A room deleted after
// the session's own leave is reported as a leave.
func writeEnded(ctx context.Context, conn *websocket.Conn, s *membership.Session) error {
	select {
	case <-s.Done():
		if !s.Vanished() {
			return wsjson.Write(ctx, conn, proto.Outbound{
				Type:  proto.OutboundTypeEvent,
				Event: proto.EventLeft,
				Data:  proto.EventLeftData{Room: s.RoomID, Manual: s.Manual()},
			})
		}
	default:
	}
	return writeRoomGone(ctx, conn, s.RoomID)
}

func writeRoomGone(ctx context.Context, conn *websocket.Conn, roomID string) error {
	return wsjson.Write(ctx, conn, proto.Outbound{
		Type:  proto.OutboundTypeEvent,
		Event: proto.EventRoomGone,
		Data:  proto.EventRoomGoneData{Room: roomID},
	})
}

func writeError(ctx context.Context, conn *websocket.Conn, code, msg string) error {
	return wsjson.Write(ctx, conn, proto.Outbound{
		Type:  proto.OutboundTypeError,
		Error: &proto.Error{Code: code, Msg: msg},
	})
}

package http

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/vovakirdan/hushroom/internal/membership"
	"github.com/vovakirdan/hushroom/internal/proto"
)

func TestWebSocketRequiresRoomAndParticipant(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := env.server.Client().Get(env.server.URL + "/ws?room=r1")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.StatusCode)
	}
}

func TestWebSocketJoinStreamsRoomState(t *testing.T) {
	env := newTestEnv(t, nil)
	room := env.createRoom(t, "lobby", "p1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := env.dial(ctx, t, room.ID, "p2")
	defer conn.Close(websocket.StatusNormalClosure, "done")

	joined := readEvent(ctx, t, conn, proto.EventJoined)
	var jd proto.EventJoinedData
	if err := json.Unmarshal(joined.Data, &jd); err != nil {
		t.Fatalf("unmarshal joined: %v", err)
	}
	if jd.Room != room.ID || jd.ParticipantID != "p2" || jd.GraceWindowMS != 3000 {
		t.Fatalf("unexpected joined payload %+v", jd)
	}

	var state proto.EventRoomStateData
	for len(state.Participants) != 2 {
		out := readEvent(ctx, t, conn, proto.EventRoomState)
		if err := json.Unmarshal(out.Data, &state); err != nil {
			t.Fatalf("unmarshal room state: %v", err)
		}
	}
	if state.Name != "lobby" {
		t.Fatalf("unexpected room state %+v", state)
	}
}

func TestWebSocketReconnectWithinGrace(t *testing.T) {
	env := newTestEnv(t, nil)
	room := env.createRoom(t, "lobby", "p1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := env.dial(ctx, t, room.ID, "p2")
	readEvent(ctx, t, conn, proto.EventJoined)
	session := env.manager.Coordinator("p2").Session()
	conn.Close(websocket.StatusGoingAway, "navigating")

	eventually(t, "leave pending", func() bool {
		return session.State() == membership.StateLeavePending
	})

	conn = env.dial(ctx, t, room.ID, "p2")
	defer conn.Close(websocket.StatusNormalClosure, "done")
	readEvent(ctx, t, conn, proto.EventJoined)

	if session.State() != membership.StateJoined {
		t.Fatalf("expected pending leave cancelled, got %s", session.State())
	}

	env.clock.Add(10 * time.Second)
	time.Sleep(20 * time.Millisecond)

	got := decode[RoomResponse](t, env.do(t, http.MethodGet, "/api/rooms/"+room.ID, ""))
	if len(got.Participants) != 2 {
		t.Fatalf("expected p2 still present, got %v", got.Participants)
	}
}

func TestWebSocketDisconnectLeavesAfterGrace(t *testing.T) {
	env := newTestEnv(t, nil)
	room := env.createRoom(t, "lobby", "p1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// The creator's REST session is kept alive by the connection.
	conn := env.dial(ctx, t, room.ID, "p1")
	readEvent(ctx, t, conn, proto.EventJoined)
	session := env.manager.Coordinator("p1").Session()
	conn.Close(websocket.StatusGoingAway, "tab closed")

	eventually(t, "leave pending", func() bool {
		return session.State() == membership.StateLeavePending
	})
	env.clock.Add(3 * time.Second)

	eventually(t, "room deleted", func() bool { return !env.roomExists(t, room.ID) })
}

func TestWebSocketLeaveMessage(t *testing.T) {
	env := newTestEnv(t, nil)
	room := env.createRoom(t, "lobby", "p1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := env.dial(ctx, t, room.ID, "p1")
	defer conn.CloseNow()
	readEvent(ctx, t, conn, proto.EventJoined)

	if err := wsjson.Write(ctx, conn, proto.Inbound{Type: proto.InboundTypeLeave}); err != nil {
		t.Fatalf("write leave: %v", err)
	}

	left := readEvent(ctx, t, conn, proto.EventLeft)
	var ld proto.EventLeftData
	if err := json.Unmarshal(left.Data, &ld); err != nil {
		t.Fatalf("unmarshal left: %v", err)
	}
	if !ld.Manual || ld.Room != room.ID {
		t.Fatalf("unexpected left payload %+v", ld)
	}
	if env.roomExists(t, room.ID) {
		t.Fatal("expected room deleted after manual leave")
	}
}

func TestWebSocketRoomGone(t *testing.T) {
	env := newTestEnv(t, nil)
	room := env.createRoom(t, "lobby", "p1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := env.dial(ctx, t, room.ID, "p2")
	defer conn.CloseNow()
	readEvent(ctx, t, conn, proto.EventJoined)

	if err := env.store.DeleteRoom(ctx, room.ID); err != nil {
		t.Fatalf("delete room: %v", err)
	}

	gone := readEvent(ctx, t, conn, proto.EventRoomGone)
	var gd proto.EventRoomGoneData
	if err := json.Unmarshal(gone.Data, &gd); err != nil {
		t.Fatalf("unmarshal room gone: %v", err)
	}
	if gd.Room != room.ID {
		t.Fatalf("unexpected room gone payload %+v", gd)
	}

	var out wsOutbound
	if err := wsjson.Read(ctx, conn, &out); err == nil {
		t.Fatalf("expected the server to close the connection, got %+v", out)
	}
}

func TestWebSocketJoinMissingRoom(t *testing.T) {
	env := newTestEnv(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := env.dial(ctx, t, "missing", "p1")
	defer conn.CloseNow()

	out := readEvent(ctx, t, conn, proto.OutboundTypeError)
	if out.Error == nil || out.Error.Code != membership.ErrCodeRoomNotFound {
		t.Fatalf("unexpected error payload %+v", out.Error)
	}
}

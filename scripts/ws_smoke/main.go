// Command ws_smoke walks a running server through one room session:
// identity, room creation, websocket attach, and a manual leave.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/vovakirdan/hushroom/internal/proto"
)

func main() {
	base := flag.String("addr", "http://localhost:8080", "server base URL")
	name := flag.String("room", "smoke test", "room name to create")
	timeout := flag.Duration("timeout", 5*time.Second, "total timeout for the run")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var identity struct {
		ParticipantID string `json:"participant_id"`
	}
	mustPost(ctx, *base+"/api/identity", nil, &identity)

	var room struct {
		ID string `json:"id"`
	}
	mustPost(ctx, *base+"/api/rooms", map[string]string{
		"name":           *name,
		"participant_id": identity.ParticipantID,
	}, &room)
	fmt.Printf("participant=%s room=%s\n", identity.ParticipantID, room.ID)

	wsURL := strings.Replace(*base, "http", "ws", 1) + "/ws?room=" + room.ID + "&participant_id=" + identity.ParticipantID
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		log.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	for {
		var outbound struct {
			Type  string          `json:"type"`
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		if err := wsjson.Read(ctx, conn, &outbound); err != nil {
			log.Fatalf("read: %v", err)
		}
		fmt.Printf("received type=%s event=%s data=%s\n", outbound.Type, outbound.Event, outbound.Data)

		switch outbound.Event {
		case proto.EventRoomState:
			if err := wsjson.Write(ctx, conn, proto.Inbound{Type: proto.InboundTypeLeave}); err != nil {
				log.Fatalf("send leave: %v", err)
			}
		case proto.EventLeft, proto.EventRoomGone:
			return
		}
	}
}

func mustPost(ctx context.Context, url string, body, out any) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			log.Fatalf("encode: %v", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		log.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("post %s: %v", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		log.Fatalf("post %s: status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		log.Fatalf("decode %s: %v", url, err)
	}
}

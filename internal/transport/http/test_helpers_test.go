package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/hushroom/internal/audio"
	"github.com/vovakirdan/hushroom/internal/config"
	"github.com/vovakirdan/hushroom/internal/membership"
	"github.com/vovakirdan/hushroom/internal/proto"
	"github.com/vovakirdan/hushroom/internal/store"
	"github.com/vovakirdan/hushroom/internal/store/sqlite"
)

type testEnv struct {
	server  *httptest.Server
	handler http.Handler
	store   store.Store
	manager *membership.Manager
	clock   *clock.Mock
}

func newTestEnv(t *testing.T, engine audio.Engine) *testEnv {
	t.Helper()

	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	disabledLogger := zerolog.New(nil)
	mock := clock.NewMock()
	manager := membership.NewManager(st, membership.Options{
		GraceWindow: 3 * time.Second,
		Clock:       mock,
		Logger:      &disabledLogger,
	})

	cfg := config.Default()
	cfg.Addr = ":0"
	cfg.CORSOrigins = []string{"http://localhost:5173"}

	handler := NewHandler(manager, st, engine, &cfg, &disabledLogger)
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	return &testEnv{
		server:  ts,
		handler: handler,
		store:   st,
		manager: manager,
		clock:   mock,
	}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp := httptest.NewRecorder()
	e.handler.ServeHTTP(resp, req)
	return resp
}

func decode[T any](t *testing.T, resp *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	if err := json.Unmarshal(resp.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to unmarshal response %q: %v", resp.Body.String(), err)
	}
	return v
}

func (e *testEnv) createRoom(t *testing.T, name, participantID string) RoomResponse {
	t.Helper()

	resp := e.do(t, http.MethodPost, "/api/rooms", `{"name":"`+name+`","participant_id":"`+participantID+`"}`)
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", resp.Code, resp.Body.String())
	}
	return decode[RoomResponse](t, resp)
}

func (e *testEnv) roomExists(t *testing.T, roomID string) bool {
	t.Helper()
	_, err := e.store.GetRoom(context.Background(), roomID)
	if err != nil && !errors.Is(err, store.ErrRoomNotFound) {
		t.Fatalf("get room: %v", err)
	}
	return err == nil
}

func (e *testEnv) dial(ctx context.Context, t *testing.T, roomID, participantID string) *websocket.Conn {
	t.Helper()

	wsURL := strings.Replace(e.server.URL, "http", "ws", 1) + "/ws?room=" + roomID + "&participant_id=" + participantID
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

type wsOutbound struct {
	Type  string          `json:"type"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	Error *proto.Error    `json:"error"`
}

// readEvent reads until an outbound with the given event (or error type) arrives.
func readEvent(ctx context.Context, t *testing.T, conn *websocket.Conn, event string) wsOutbound {
	t.Helper()

	for {
		var out wsOutbound
		if err := wsjson.Read(ctx, conn, &out); err != nil {
			t.Fatalf("read %s: %v", event, err)
		}
		if out.Event == event || (event == proto.OutboundTypeError && out.Type == proto.OutboundTypeError) {
			return out
		}
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/typeracer/go/internal/docstore"
	"github.com/mcdev12/typeracer/go/internal/docstore/memory"
	"github.com/mcdev12/typeracer/go/internal/feed"
	"github.com/mcdev12/typeracer/go/internal/race"
)

const testText = "the quick brown fox"

type testServer struct {
	t       *testing.T
	store   *memory.Store
	clock   *clockwork.FakeClock
	service *Service
	http    *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	store := memory.New()
	clock := clockwork.NewFakeClock()
	rules := race.DefaultRules()

	observer, err := store.Open(context.Background())
	require.NoError(t, err)

	sessions := BackendSessions(store, race.Config{
		Sentences: race.FixedSentence(testText),
		Rules:     rules,
		Clock:     clock,
	})
	service := NewService(DefaultConfig(), sessions, NewStoreStateProvider(observer, nil, rules, clock), nil)

	mux := http.NewServeMux()
	service.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		_ = service.Stop()
	})

	return &testServer{t: t, store: store, clock: clock, service: service, http: srv}
}

func (s *testServer) dial(playerID string) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(s.http.URL, "http") + "/ws/race?player_id=" + playerID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(s.t, err)
	s.t.Cleanup(func() { conn.Close() })
	return conn
}

type received struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func send(t *testing.T, conn *websocket.Conn, msg ClientMessage) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

// readUntil reads messages until one of type typ satisfies match.
func readUntil(t *testing.T, conn *websocket.Conn, typ string, match func(json.RawMessage) bool) json.RawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var msg received
		require.NoError(t, conn.ReadJSON(&msg), "waiting for %s", typ)
		if msg.Type == typ && (match == nil || match(msg.Data)) {
			return msg.Data
		}
	}
}

func viewMatches(cond func(race.RoomView) bool) func(json.RawMessage) bool {
	return func(data json.RawMessage) bool {
		var view race.RoomView
		return json.Unmarshal(data, &view) == nil && cond(view)
	}
}

func createRoom(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	send(t, conn, ClientMessage{Type: MsgCreateRoom})
	var created RoomCreatedPayload
	require.NoError(t, json.Unmarshal(readUntil(t, conn, MsgRoomCreated, nil), &created))
	require.NotEmpty(t, created.RoomID)
	return created.RoomID
}

func TestWebSocketCreateAndJoin(t *testing.T) {
	srv := newTestServer(t)
	alice := srv.dial("alice")
	bob := srv.dial("bob")

	roomID := createRoom(t, alice)
	readUntil(t, alice, MsgRoomSnapshot, viewMatches(func(v race.RoomView) bool {
		return v.ID == roomID && v.Self == "alice" && v.Text == testText
	}))

	send(t, bob, ClientMessage{Type: MsgJoinRoom, RoomID: strings.ToLower(roomID)})
	readUntil(t, bob, MsgRoomSnapshot, viewMatches(func(v race.RoomView) bool {
		return v.ID == roomID && len(v.Players) == 2
	}))
	readUntil(t, alice, MsgRoomSnapshot, viewMatches(func(v race.RoomView) bool {
		return len(v.Players) == 2
	}))

	require.Eventually(t, func() bool {
		stats := srv.service.GetStats()
		return stats["total_connections"] == 2 && stats["active_rooms"] == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWebSocketCommandErrors(t *testing.T) {
	srv := newTestServer(t)
	conn := srv.dial("alice")

	tests := []struct {
		name string
		msg  string
		code string
	}{
		{name: "join missing room", msg: `{"type":"join_room","room_id":"NOPE42"}`, code: "room_not_found"},
		{name: "typing outside room", msg: `{"type":"submit_text","text":"the"}`, code: "not_in_room"},
		{name: "unknown command", msg: `{"type":"dance"}`, code: "unknown_command"},
		{name: "malformed json", msg: `{"type":`, code: "bad_message"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(tt.msg)))
			var payload ErrorPayload
			require.NoError(t, json.Unmarshal(readUntil(t, conn, MsgError, nil), &payload))
			assert.Equal(t, tt.code, payload.Code)
		})
	}
}

func TestWebSocketDisconnectRemovesPlayer(t *testing.T) {
	srv := newTestServer(t)
	alice := srv.dial("alice")
	bob := srv.dial("bob")

	roomID := createRoom(t, alice)
	send(t, bob, ClientMessage{Type: MsgJoinRoom, RoomID: roomID})
	readUntil(t, alice, MsgRoomSnapshot, viewMatches(func(v race.RoomView) bool {
		return len(v.Players) == 2
	}))

	require.NoError(t, bob.Close())

	readUntil(t, alice, MsgRoomSnapshot, viewMatches(func(v race.RoomView) bool {
		return len(v.Players) == 1 && v.Players[0].ID == "alice"
	}))
}

func TestWebSocketReadyStartsCountdown(t *testing.T) {
	srv := newTestServer(t)
	alice := srv.dial("alice")
	bob := srv.dial("bob")

	roomID := createRoom(t, alice)
	send(t, bob, ClientMessage{Type: MsgJoinRoom, RoomID: roomID})
	readUntil(t, bob, MsgRoomSnapshot, viewMatches(func(v race.RoomView) bool {
		return len(v.Players) == 2
	}))

	send(t, alice, ClientMessage{Type: MsgMarkReady})
	send(t, bob, ClientMessage{Type: MsgMarkReady})

	readUntil(t, bob, MsgRoomSnapshot, viewMatches(func(v race.RoomView) bool {
		return v.Status == race.StatusCountdown && v.Countdown != nil && *v.Countdown == 3
	}))
}

func TestStateEndpoint(t *testing.T) {
	srv := newTestServer(t)
	alice := srv.dial("alice")
	roomID := createRoom(t, alice)

	resp, err := http.Get(srv.http.URL + "/api/rooms/" + roomID + "/state")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var state RoomStateResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&state))
	assert.Equal(t, roomID, state.Room.ID)
	assert.Equal(t, race.StatusWaiting, state.Room.Status)
	assert.Nil(t, state.TimeLeft)

	missing, err := http.Get(srv.http.URL + "/api/rooms/NOPE42/state")
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

type fakeProvider struct {
	races []feed.RaceSummary
	err   error
	limit int
}

func (f *fakeProvider) GetRoomState(ctx context.Context, roomID string) (*RoomStateResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &RoomStateResponse{Room: race.Room{ID: roomID, Status: race.StatusRunning}}, nil
}

func (f *fakeProvider) RecentRaces(ctx context.Context, limit int) ([]feed.RaceSummary, error) {
	f.limit = limit
	return f.races, f.err
}

func TestStateHandlerRoutes(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		path       string
		provider   *fakeProvider
		wantStatus int
		wantLimit  int
	}{
		{name: "room state", method: http.MethodGet, path: "/api/rooms/ABC123/state", provider: &fakeProvider{}, wantStatus: http.StatusOK},
		{name: "room state wrong method", method: http.MethodPost, path: "/api/rooms/ABC123/state", provider: &fakeProvider{}, wantStatus: http.StatusMethodNotAllowed},
		{name: "room state store failure", method: http.MethodGet, path: "/api/rooms/ABC123/state", provider: &fakeProvider{err: errors.New("boom")}, wantStatus: http.StatusInternalServerError},
		{name: "unknown room route", method: http.MethodGet, path: "/api/rooms/ABC123/players", provider: &fakeProvider{}, wantStatus: http.StatusNotFound},
		{name: "recent default limit", method: http.MethodGet, path: "/api/races/recent", provider: &fakeProvider{}, wantStatus: http.StatusOK, wantLimit: 20},
		{name: "recent explicit limit", method: http.MethodGet, path: "/api/races/recent?limit=5", provider: &fakeProvider{}, wantStatus: http.StatusOK, wantLimit: 5},
		{name: "recent bad limit", method: http.MethodGet, path: "/api/races/recent?limit=-1", provider: &fakeProvider{}, wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			NewStateHandler(tt.provider).RegisterStateRoutes(mux)

			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantLimit > 0 {
				assert.Equal(t, tt.wantLimit, tt.provider.limit)
			}
		})
	}
}

func TestExtractRoomIDFromPath(t *testing.T) {
	assert.Equal(t, "ABC123", extractRoomIDFromPath("/api/rooms/ABC123/state"))
	assert.Empty(t, extractRoomIDFromPath("/api/rooms/ABC/123/state"))
	assert.Empty(t, extractRoomIDFromPath("/api/rooms/ABC123"))
	assert.Empty(t, extractRoomIDFromPath("/rooms/ABC123/state"))
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, "race_in_progress", errorCode(race.ErrRaceInProgress))
	assert.Equal(t, "empty_text", errorCode(race.ErrEmptyText))
	assert.Equal(t, "store_error", errorCode(docstore.ErrClientClosed))
}

func TestWebSocketRejectsUnusablePlayerID(t *testing.T) {
	srv := newTestServer(t)

	url := "ws" + strings.TrimPrefix(srv.http.URL, "http") + "/ws/race?player_id=alice%2Fready"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if conn != nil {
		conn.Close()
	}
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	state, err := http.Get(srv.http.URL + "/api/rooms/ABC.1/state")
	require.NoError(t, err)
	state.Body.Close()
	assert.Equal(t, http.StatusNotFound, state.StatusCode)
}

package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorelay/chatrelay/internal/auth"
	"github.com/gorelay/chatrelay/internal/database"
	"github.com/gorelay/chatrelay/internal/stats"
	"github.com/gorelay/chatrelay/internal/testutil"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testSigningKey = []byte("test_signing_key")

// newTestRelayServer creates a RelayServer backed by the given mock
// repository and a permissive stats mock.
func newTestRelayServer(t *testing.T, db database.ChatRepository) *RelayServer {
	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything).Times(3)
	su.On("Incr", mock.Anything).Maybe()
	su.On("Decr", mock.Anything).Maybe()

	rs, err := NewRelayServer(testutil.TestLogger(t), db, auth.NewTokenVerifier(testSigningKey), su, 50)
	require.NoError(t, err, "failed to create test RelayServer")
	return rs
}

// startWsServer serves the relay's websocket endpoint the way the API
// layer does: upgrade first, then hand off to ServeConn.
func startWsServer(t *testing.T, rs *RelayServer) *httptest.Server {
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/{room_id}", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		go rs.ServeConn(conn, r.PathValue("room_id"), r.URL.Query().Get("token"))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func dialWs(t *testing.T, srv *httptest.Server, roomParam, token string) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + roomParam
	if token != "" {
		url += "?token=" + token
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err, "failed to dial test server")
	t.Cleanup(func() { conn.Close() })
	return conn
}

func testToken(t *testing.T, subject string, userId int, exp time.Duration) string {
	token, err := auth.NewTokenVerifier(testSigningKey).CreateToken(subject, userId, exp)
	require.NoError(t, err, "failed to create test token")
	return token
}

func readEvent(t *testing.T, conn *websocket.Conn) ServerEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err, "expected to read an event frame")

	var event ServerEvent
	require.NoError(t, json.Unmarshal(raw, &event), "expected frame to be valid JSON")
	return event
}

func sendChat(t *testing.T, conn *websocket.Conn, content string) {
	t.Helper()
	err := conn.WriteJSON(ClientEvent{Type: EventChatMessage, Content: content})
	require.NoError(t, err, "expected chat event write to succeed")
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, code), "expected close code %d, got %v", code, err)
}

func TestAdmission_Rejections(t *testing.T) {
	tcases := []struct {
		name      string
		roomParam string
		token     func(t *testing.T) string
		setupDb   func(db *database.MockChatRepository)
	}{
		{
			name:      "missing token",
			roomParam: "1",
			token:     func(t *testing.T) string { return "" },
		},
		{
			name:      "expired token with valid signature",
			roomParam: "1",
			token:     func(t *testing.T) string { return testToken(t, "testuser", 1, -time.Minute) },
		},
		{
			name:      "garbage token",
			roomParam: "1",
			token:     func(t *testing.T) string { return "not.a.token" },
		},
		{
			name:      "room id not numeric",
			roomParam: "lobby",
			token:     func(t *testing.T) string { return testToken(t, "testuser", 1, time.Hour) },
		},
		{
			name:      "unknown room",
			roomParam: "99",
			token:     func(t *testing.T) string { return testToken(t, "testuser", 1, time.Hour) },
			setupDb: func(db *database.MockChatRepository) {
				db.On("GetRoom", 99).Return(database.Room{}, sql.ErrNoRows)
			},
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			db := &database.MockChatRepository{}
			if tc.setupDb != nil {
				tc.setupDb(db)
			}
			defer db.AssertExpectations(t)

			rs := newTestRelayServer(t, db)
			srv := startWsServer(t, rs)

			conn := dialWs(t, srv, tc.roomParam, tc.token(t))

			// every admission failure looks the same to the client
			expectClose(t, conn, websocket.ClosePolicyViolation)
		})
	}
}

func TestAdmission_NoResourceRegisteredOnRejection(t *testing.T) {
	db := &database.MockChatRepository{}
	db.On("GetRoom", 99).Return(database.Room{}, sql.ErrNoRows)
	defer db.AssertExpectations(t)

	rs := newTestRelayServer(t, db)
	srv := startWsServer(t, rs)

	conn := dialWs(t, srv, "99", testToken(t, "testuser", 1, time.Hour))
	expectClose(t, conn, websocket.ClosePolicyViolation)

	assert.Equal(t, 0, rs.registry.Count(99), "expected no connection registered for a rejected admission")
}

func TestHistoryReplay(t *testing.T) {
	base := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	history := []database.Message{
		{Id: 1, RoomId: 1, SenderSubject: "alice", Content: "first", CreatedAt: base},
		{Id: 2, RoomId: 1, SenderSubject: "bob", Content: "second", CreatedAt: base.Add(time.Second)},
		{Id: 3, RoomId: 1, SenderSubject: "alice", Content: "third", CreatedAt: base.Add(2 * time.Second)},
	}

	db := &database.MockChatRepository{}
	db.On("GetRoom", 1).Return(database.Room{Id: 1, Name: "general"}, nil)
	db.On("RecentMessages", 1, 50).Return(history, nil)
	defer db.AssertExpectations(t)

	rs := newTestRelayServer(t, db)
	srv := startWsServer(t, rs)

	conn := dialWs(t, srv, "1", testToken(t, "carol", 3, time.Hour))

	for i, msg := range history {
		event := readEvent(t, conn)
		assert.Equal(t, EventChatMessage, event.Type, "expected replay frame %d to be a chat event", i)
		assert.Equal(t, msg.Content, event.Content, "expected replay frame %d content in stored order", i)
		assert.Equal(t, msg.SenderSubject, event.Username, "expected replay frame %d username", i)
		assert.Equal(t, msg.CreatedAt.Format(time.RFC3339Nano), event.Timestamp, "expected replay frame %d timestamp", i)
	}
}

func TestHistoryReplay_StoreFailureClosesConnection(t *testing.T) {
	db := &database.MockChatRepository{}
	db.On("GetRoom", 1).Return(database.Room{Id: 1}, nil)
	db.On("RecentMessages", 1, 50).Return([]database.Message{}, errors.New("db down"))
	defer db.AssertExpectations(t)

	rs := newTestRelayServer(t, db)
	srv := startWsServer(t, rs)

	conn := dialWs(t, srv, "1", testToken(t, "testuser", 1, time.Hour))
	expectClose(t, conn, websocket.CloseInternalServerErr)
}

func TestChatMessage_PersistThenBroadcast(t *testing.T) {
	stored := database.Message{
		Id:            10,
		RoomId:        1,
		SenderSubject: "alice",
		SenderUserId:  1,
		Content:       "hello room",
		CreatedAt:     time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC),
	}

	db := &database.MockChatRepository{}
	db.On("GetRoom", 1).Return(database.Room{Id: 1}, nil).Twice()
	db.On("RecentMessages", 1, 50).Return([]database.Message{}, nil).Twice()
	db.On("CreateMessage", database.CreateMessageParams{
		RoomId:        1,
		SenderSubject: "alice",
		SenderUserId:  1,
		Content:       "hello room",
	}).Return(stored, nil).Once()
	defer db.AssertExpectations(t)

	rs := newTestRelayServer(t, db)
	srv := startWsServer(t, rs)

	sender := dialWs(t, srv, "1", testToken(t, "alice", 1, time.Hour))
	receiver := dialWs(t, srv, "1", testToken(t, "bob", 2, time.Hour))

	require.Eventually(t, func() bool { return rs.registry.Count(1) == 2 },
		time.Second, 10*time.Millisecond, "expected both clients to be registered")

	sendChat(t, sender, "hello room")

	for name, conn := range map[string]*websocket.Conn{"sender": sender, "receiver": receiver} {
		event := readEvent(t, conn)
		assert.Equal(t, EventChatMessage, event.Type, "expected %s to receive a chat event", name)
		assert.Equal(t, stored.Content, event.Content, "expected %s to receive the message content", name)
		assert.Equal(t, stored.SenderSubject, event.Username, "expected %s to see the sender's username", name)
		// the broadcast frame carries the stored record's timestamp,
		// proving persistence completed before fan-out
		assert.Equal(t, stored.CreatedAt.Format(time.RFC3339Nano), event.Timestamp,
			"expected %s to receive the persisted timestamp", name)
	}
}

func TestChatMessage_SenderOrderPreserved(t *testing.T) {
	db := &database.MockChatRepository{}
	db.On("GetRoom", 1).Return(database.Room{Id: 1}, nil).Twice()
	db.On("RecentMessages", 1, 50).Return([]database.Message{}, nil).Twice()

	const count = 20
	for i := 0; i < count; i++ {
		content := fmt.Sprintf("msg-%d", i)
		db.On("CreateMessage", database.CreateMessageParams{
			RoomId:        1,
			SenderSubject: "alice",
			SenderUserId:  1,
			Content:       content,
		}).Return(database.Message{
			Id:            i + 1,
			RoomId:        1,
			SenderSubject: "alice",
			SenderUserId:  1,
			Content:       content,
			CreatedAt:     time.Now().UTC(),
		}, nil).Once()
	}
	defer db.AssertExpectations(t)

	rs := newTestRelayServer(t, db)
	srv := startWsServer(t, rs)

	sender := dialWs(t, srv, "1", testToken(t, "alice", 1, time.Hour))
	receiver := dialWs(t, srv, "1", testToken(t, "bob", 2, time.Hour))

	require.Eventually(t, func() bool { return rs.registry.Count(1) == 2 },
		time.Second, 10*time.Millisecond, "expected both clients to be registered")

	for i := 0; i < count; i++ {
		sendChat(t, sender, fmt.Sprintf("msg-%d", i))
	}

	for i := 0; i < count; i++ {
		event := readEvent(t, receiver)
		assert.Equal(t, fmt.Sprintf("msg-%d", i), event.Content,
			"expected receiver to observe the sender's messages in order")
	}
}

func TestChatMessage_BadFramesFailOnlyThemselves(t *testing.T) {
	stored := database.Message{
		Id: 1, RoomId: 1, SenderSubject: "alice", SenderUserId: 1,
		Content: "still here", CreatedAt: time.Now().UTC(),
	}

	db := &database.MockChatRepository{}
	db.On("GetRoom", 1).Return(database.Room{Id: 1}, nil)
	db.On("RecentMessages", 1, 50).Return([]database.Message{}, nil)
	db.On("CreateMessage", mock.Anything).Return(stored, nil).Once()
	defer db.AssertExpectations(t)

	rs := newTestRelayServer(t, db)
	srv := startWsServer(t, rs)

	conn := dialWs(t, srv, "1", testToken(t, "alice", 1, time.Hour))

	require.Eventually(t, func() bool { return rs.registry.Count(1) == 1 },
		time.Second, 10*time.Millisecond, "expected client to be registered")

	// malformed JSON: one error ack, session stays active
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	event := readEvent(t, conn)
	assert.NotEmpty(t, event.Error, "expected an error ack for malformed JSON")

	// empty content: one error ack, no persistence
	sendChat(t, conn, "")
	event = readEvent(t, conn)
	assert.NotEmpty(t, event.Error, "expected an error ack for empty content")

	// unrecognized event type: silently ignored
	require.NoError(t, conn.WriteJSON(ClientEvent{Type: "typing_indicator"}))

	// the session is still usable for a well-formed frame
	sendChat(t, conn, "still here")
	event = readEvent(t, conn)
	assert.Equal(t, EventChatMessage, event.Type, "expected the session to remain active")
	assert.Equal(t, "still here", event.Content, "expected the well-formed frame to be broadcast")
}

func TestChatMessage_StoreFailureDropsBroadcast(t *testing.T) {
	db := &database.MockChatRepository{}
	db.On("GetRoom", 1).Return(database.Room{Id: 1}, nil).Twice()
	db.On("RecentMessages", 1, 50).Return([]database.Message{}, nil).Twice()
	db.On("CreateMessage", mock.MatchedBy(func(p database.CreateMessageParams) bool {
		return p.Content == "doomed"
	})).Return(database.Message{}, errors.New("insert failed")).Once()
	db.On("CreateMessage", mock.MatchedBy(func(p database.CreateMessageParams) bool {
		return p.Content == "delivered"
	})).Return(database.Message{
		Id: 2, RoomId: 1, SenderSubject: "alice", SenderUserId: 1,
		Content: "delivered", CreatedAt: time.Now().UTC(),
	}, nil).Once()
	defer db.AssertExpectations(t)

	rs := newTestRelayServer(t, db)
	srv := startWsServer(t, rs)

	sender := dialWs(t, srv, "1", testToken(t, "alice", 1, time.Hour))
	receiver := dialWs(t, srv, "1", testToken(t, "bob", 2, time.Hour))

	require.Eventually(t, func() bool { return rs.registry.Count(1) == 2 },
		time.Second, 10*time.Millisecond, "expected both clients to be registered")

	sendChat(t, sender, "doomed")
	event := readEvent(t, sender)
	assert.NotEmpty(t, event.Error, "expected a store failure ack on the sender")

	sendChat(t, sender, "delivered")

	// the receiver's first frame is the second message: the failed one
	// was never broadcast
	event = readEvent(t, receiver)
	assert.Equal(t, "delivered", event.Content, "expected the unpersisted message to be dropped from fan-out")
}

func TestDisconnect_IsolatedFromRoom(t *testing.T) {
	db := &database.MockChatRepository{}
	db.On("GetRoom", 1).Return(database.Room{Id: 1}, nil).Times(3)
	db.On("RecentMessages", 1, 50).Return([]database.Message{}, nil).Times(3)
	db.On("CreateMessage", mock.Anything).Return(database.Message{
		Id: 1, RoomId: 1, SenderSubject: "alice", SenderUserId: 1,
		Content: "anyone there?", CreatedAt: time.Now().UTC(),
	}, nil).Once()
	defer db.AssertExpectations(t)

	rs := newTestRelayServer(t, db)
	srv := startWsServer(t, rs)

	alice := dialWs(t, srv, "1", testToken(t, "alice", 1, time.Hour))
	bob := dialWs(t, srv, "1", testToken(t, "bob", 2, time.Hour))
	carol := dialWs(t, srv, "1", testToken(t, "carol", 3, time.Hour))

	require.Eventually(t, func() bool { return rs.registry.Count(1) == 3 },
		time.Second, 10*time.Millisecond, "expected all three clients to be registered")

	// carol drops without a close handshake
	carol.Close()

	require.Eventually(t, func() bool { return rs.registry.Count(1) == 2 },
		2*time.Second, 10*time.Millisecond, "expected the dead connection to be deregistered")

	sendChat(t, alice, "anyone there?")

	event := readEvent(t, bob)
	assert.Equal(t, "anyone there?", event.Content, "expected the remaining clients to keep exchanging messages")
}

func TestRelayServerShutdown(t *testing.T) {
	db := &database.MockChatRepository{}
	db.On("GetRoom", 1).Return(database.Room{Id: 1}, nil)
	db.On("RecentMessages", 1, 50).Return([]database.Message{}, nil)
	defer db.AssertExpectations(t)

	rs := newTestRelayServer(t, db)
	srv := startWsServer(t, rs)

	dialWs(t, srv, "1", testToken(t, "alice", 1, time.Hour))

	require.Eventually(t, func() bool { return rs.registry.Count(1) == 1 },
		time.Second, 10*time.Millisecond, "expected client to be registered")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := rs.Shutdown(ctx)
	assert.NoError(t, err, "expected shutdown to complete before the deadline")
	assert.Equal(t, 0, rs.registry.Count(1), "expected all connections to be deregistered after shutdown")
}

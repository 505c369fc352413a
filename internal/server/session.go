package server

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/gorelay/chatrelay/internal/auth"
	"github.com/gorelay/chatrelay/internal/database"
	"github.com/gorelay/chatrelay/internal/stats"
	"github.com/gorilla/websocket"
	"github.com/teris-io/shortid"
)

// RelayServer drives one session per websocket connection: admission,
// history replay, then the read-validate-persist-broadcast loop.
type RelayServer struct {
	log          *log.Logger
	db           database.ChatRepository
	verifier     *auth.TokenVerifier
	registry     *Registry
	stats        stats.StatsProvider
	historyLimit int
	clients      map[*Client]struct{}
	clientsLock  sync.Mutex
	sessions     sync.WaitGroup
}

func NewRelayServer(logger *log.Logger, db database.ChatRepository, verifier *auth.TokenVerifier, su stats.StatsProvider, historyLimit int) (*RelayServer, error) {
	for _, metric := range []string{stats.ActiveConnections, stats.MessagesStored, stats.BroadcastsSent} {
		su.RegisterMetric(metric)
	}

	return &RelayServer{
		log:          logger,
		db:           db,
		verifier:     verifier,
		registry:     NewRegistry(logger),
		stats:        su,
		historyLimit: historyLimit,
		clients:      make(map[*Client]struct{}),
	}, nil
}

// ServeConn runs the session for an upgraded connection until the peer
// disconnects or a fatal protocol error occurs. roomParam and token
// arrive unparsed from the handshake request; every admission failure
// is answered with the same policy-violation close code so a caller
// cannot probe which check rejected it.
func (rs *RelayServer) ServeConn(conn *websocket.Conn, roomParam, token string) {
	sessionId, err := shortid.Generate()
	if err != nil {
		sessionId = strconv.FormatInt(time.Now().UnixNano(), 36)
	}

	if token == "" {
		rs.reject(conn, sessionId, websocket.ClosePolicyViolation, "missing token")
		return
	}

	identity, err := rs.verifier.Verify(token)
	if err != nil {
		rs.reject(conn, sessionId, websocket.ClosePolicyViolation, "token rejected")
		return
	}

	roomId, err := strconv.Atoi(roomParam)
	if err != nil {
		rs.reject(conn, sessionId, websocket.ClosePolicyViolation, "bad room id")
		return
	}

	if _, err := rs.db.GetRoom(roomId); err != nil {
		rs.reject(conn, sessionId, websocket.ClosePolicyViolation, "unknown room")
		return
	}

	client := NewClient(identity, conn, sessionId, rs.log)
	rs.addClient(client)
	rs.registry.Add(roomId, client)
	rs.stats.Incr(stats.ActiveConnections)
	rs.log.Printf("session %s: admitted %q to room %d", sessionId, identity.Subject, roomId)

	rs.sessions.Add(1)
	defer func() {
		rs.registry.Remove(roomId, client)
		rs.removeClient(client)
		client.close()
		rs.stats.Decr(stats.ActiveConnections)
		rs.sessions.Done()
		rs.log.Printf("session %s: closed", sessionId)
	}()

	go client.writePump()

	if !rs.replayHistory(client, roomId) {
		return
	}

	rs.readLoop(client, roomId)
}

// replayHistory streams the room's recent messages to a newly admitted
// client, oldest first, each as a discrete chat event.
func (rs *RelayServer) replayHistory(client *Client, roomId int) bool {
	messages, err := rs.db.RecentMessages(roomId, rs.historyLimit)
	if err != nil {
		rs.log.Printf("session %s: history replay: %v", client.sessionId, err)
		client.writeClose(websocket.CloseInternalServerErr)
		return false
	}

	for _, msg := range messages {
		if !client.queueEvent(ChatEvent(msg)) {
			return false
		}
	}

	return true
}

func (rs *RelayServer) readLoop(client *Client, roomId int) {
	conn := client.conn
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error { conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				rs.log.Printf("session %s: read: %v", client.sessionId, err)
				client.writeClose(websocket.CloseInternalServerErr)
			}
			return
		}

		rs.handleFrame(client, roomId, raw)
	}
}

// handleFrame processes one inbound frame. A bad frame fails only
// itself: the client gets an error event and the session stays active.
func (rs *RelayServer) handleFrame(client *Client, roomId int, raw []byte) {
	var event ClientEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		rs.log.Printf("session %s: parse frame: %v", client.sessionId, err)
		client.queueEvent(ErrInvalidEvent())
		return
	}

	if event.Type != EventChatMessage {
		// reserved for future event kinds
		return
	}

	if event.Content == "" {
		client.queueEvent(ErrEmptyContent())
		return
	}

	msg, err := rs.db.CreateMessage(database.CreateMessageParams{
		RoomId:        roomId,
		SenderSubject: client.identity.Subject,
		SenderUserId:  client.identity.UserId,
		Content:       event.Content,
	})
	if err != nil {
		rs.log.Printf("session %s: store message: %v", client.sessionId, err)
		client.queueEvent(ErrStoreFailed())
		return
	}
	rs.stats.Incr(stats.MessagesStored)

	rs.registry.Broadcast(roomId, ChatEvent(msg))
	rs.stats.Incr(stats.BroadcastsSent)
}

// reject closes a connection that failed admission. Only the numeric
// close code reaches the peer; the reason stays in the server log.
func (rs *RelayServer) reject(conn *websocket.Conn, sessionId string, code int, reason string) {
	rs.log.Printf("session %s: admission rejected: %s", sessionId, reason)
	deadline := time.Now().Add(writeWait)
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), deadline)
	conn.Close()
}

func (rs *RelayServer) addClient(c *Client) {
	rs.clientsLock.Lock()
	defer rs.clientsLock.Unlock()
	rs.clients[c] = struct{}{}
}

func (rs *RelayServer) removeClient(c *Client) {
	rs.clientsLock.Lock()
	defer rs.clientsLock.Unlock()
	delete(rs.clients, c)
}

// Registry exposes the connection registry, primarily for tests.
func (rs *RelayServer) Registry() *Registry {
	return rs.registry
}

// Shutdown closes every live connection and waits for their sessions to
// finish their cleanup, or for ctx to expire.
func (rs *RelayServer) Shutdown(ctx context.Context) error {
	rs.clientsLock.Lock()
	for c := range rs.clients {
		c.close()
	}
	rs.clientsLock.Unlock()

	done := make(chan struct{})
	go func() {
		rs.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

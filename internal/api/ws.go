package api

import (
	"net/http"
	"slices"

	"github.com/gorilla/websocket"
)

// serveWs upgrades the connection and hands it to the relay. The bearer
// token travels as a query parameter because not every websocket client
// can set handshake headers; admission itself happens in the relay so
// rejections surface as websocket close codes rather than HTTP statuses.
func (a *ChatRelayApp) serveWs(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(a.allowedOrigins, origin)
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Println("error upgrading connection:", err)
		return
	}

	go a.relay.ServeConn(conn, r.PathValue("room_id"), r.URL.Query().Get("token"))
}

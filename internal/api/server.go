package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorelay/chatrelay/internal/auth"
	"github.com/gorelay/chatrelay/internal/config"
	"github.com/gorelay/chatrelay/internal/database"
	"github.com/gorelay/chatrelay/internal/server"
	"github.com/gorelay/chatrelay/internal/usersync"
	"github.com/gorilla/handlers"
)

const defaultTokenExpiration = 30 * time.Minute

type ChatRelayApp struct {
	log            *log.Logger
	db             database.ChatRepository
	srv            *http.Server
	relay          *server.RelayServer
	verifier       *auth.TokenVerifier
	syncer         *usersync.Syncer
	allowedOrigins []string
	historyLimit   int
}

func NewChatRelayApp(mux *http.ServeMux, logger *log.Logger, relay *server.RelayServer,
	db database.ChatRepository, verifier *auth.TokenVerifier, syncer *usersync.Syncer, cfg *config.Config) *ChatRelayApp {
	a := &ChatRelayApp{
		log:            logger,
		db:             db,
		relay:          relay,
		verifier:       verifier,
		syncer:         syncer,
		allowedOrigins: cfg.AllowedOrigins,
		historyLimit:   cfg.HistoryLimit,
	}

	mux.HandleFunc("GET /healthz", a.healthCheck)
	mux.HandleFunc("POST /api/auth/register", a.createAccount)
	mux.HandleFunc("POST /api/auth/login", a.login)
	mux.Handle("GET /api/auth/session", a.authMiddleware(a.session))
	mux.Handle("POST /api/rooms", a.authMiddleware(a.createRoom))
	mux.Handle("GET /api/rooms", a.authMiddleware(a.getRooms))
	mux.Handle("GET /api/messages", a.authMiddleware(a.getMessages))
	mux.HandleFunc("GET /ws/{room_id}", a.serveWs)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = a.errorHandler(h)

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	a.srv = srv
	return a
}

func (a *ChatRelayApp) Start() error {
	a.log.Printf("starting server on %s\n", a.srv.Addr)
	return a.srv.ListenAndServe()
}

func (a *ChatRelayApp) Shutdown(ctx context.Context) error {
	a.log.Println("shutting down HTTP server...")
	if err := a.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}

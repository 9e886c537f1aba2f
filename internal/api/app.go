// Package api exposes the HTTP surface: channel and message endpoints,
// presence, capability token issuance, and the websocket upgrade.
package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/jfarrow/channelchat/internal/chat"
	"github.com/jfarrow/channelchat/internal/config"
	"github.com/jfarrow/channelchat/internal/database"
	"github.com/jfarrow/channelchat/internal/fanout"
	"github.com/jfarrow/channelchat/internal/identity"
	"github.com/jfarrow/channelchat/internal/presence"
	"github.com/jfarrow/channelchat/internal/token"
)

type ChatApp struct {
	log            *log.Logger
	db             database.ChatRepository
	mux            *http.Server
	store          *chat.Store
	reconciler     *presence.Reconciler
	issuer         *token.Issuer
	idp            identity.Provider
	hub            *fanout.Hub
	channels       []config.Channel
	allowedOrigins []string
	heartbeat      time.Duration
	echoMessages   bool
}

func NewChatApp(mux *http.ServeMux, logger *log.Logger, db database.ChatRepository, store *chat.Store,
	reconciler *presence.Reconciler, issuer *token.Issuer, idp identity.Provider,
	hub *fanout.Hub, cfg *config.Config) *ChatApp {
	s := &ChatApp{
		log:            logger,
		db:             db,
		store:          store,
		reconciler:     reconciler,
		issuer:         issuer,
		idp:            idp,
		hub:            hub,
		channels:       cfg.Channels,
		allowedOrigins: cfg.AllowedOrigins,
		heartbeat:      cfg.HeartbeatInterval,
		echoMessages:   cfg.EchoMessages,
	}

	mux.HandleFunc("GET /healthz", s.healthz)
	mux.Handle("GET /api/channels", s.authMiddleware(s.getChannels))
	mux.Handle("GET /api/messages", s.authMiddleware(s.getMessages))
	mux.Handle("POST /api/messages", s.authMiddleware(s.postMessage))
	mux.Handle("DELETE /api/messages", s.authMiddleware(s.deleteMessage))
	mux.Handle("GET /api/presence", s.authMiddleware(s.getPresence))
	mux.Handle("POST /api/presence", s.authMiddleware(s.postPresence))
	mux.Handle("DELETE /api/presence", s.authMiddleware(s.deletePresence))
	mux.Handle("GET /api/token", s.authMiddleware(s.getToken))
	mux.Handle("POST /api/sync-user", s.authMiddleware(s.syncUser))
	mux.HandleFunc("GET /ws", s.serveWs)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization", "X-Session-Id"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	s.mux = srv
	return s
}

func (s *ChatApp) Start() error {
	s.log.Printf("starting server on %s\n", s.mux.Addr)
	return s.mux.ListenAndServe()
}

func (s *ChatApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}

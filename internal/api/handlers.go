package api

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/jfarrow/channelchat/internal/database"
	"github.com/jfarrow/channelchat/internal/fanout"
	"github.com/jfarrow/channelchat/internal/identity"
	"github.com/jfarrow/channelchat/internal/session"
	"github.com/jfarrow/channelchat/internal/types"
)

type PostMessageRequest struct {
	ChannelName string `json:"channelName"`
	Content     string `json:"content"`
}

type PresenceRequest struct {
	ChannelName string `json:"channelName"`
	// Action is advisory metadata for logs ("join" or "heartbeat");
	// both perform the identical write.
	Action string `json:"action"`
}

type MessagesResponse struct {
	Messages []types.Message `json:"messages"`
}

type MessageResponse struct {
	Message types.Message `json:"message"`
}

type PresenceResponse struct {
	Users []types.PresenceEntry `json:"users"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

type ChannelsResponse struct {
	Channels []types.Channel `json:"channels"`
}

type SuccessResponse struct {
	Success bool `json:"success"`
}

func (s *ChatApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *ChatApp) writeError(w http.ResponseWriter, err error) {
	errResp := mapError(err)
	if errResp.StatusCode == http.StatusInternalServerError {
		s.log.Printf("internal error: %v", err)
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *ChatApp) getChannels(w http.ResponseWriter, r *http.Request) {
	channels := make([]types.Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		dbCh, err := s.db.GetChannelByName(r.Context(), ch.Name)
		if err != nil {
			s.writeError(w, err)
			return
		}
		channels = append(channels, types.Channel{
			Id:       dbCh.Id,
			Name:     ch.Name,
			ReadOnly: ch.ReadOnly,
		})
	}

	s.writeJson(w, http.StatusOK, ChannelsResponse{Channels: channels})
}

func (s *ChatApp) getMessages(w http.ResponseWriter, r *http.Request) {
	channel := r.URL.Query().Get("channel")
	if channel == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var limit int
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		var err error
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	messages, err := s.store.History(r.Context(), channel, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if messages == nil {
		messages = []types.Message{}
	}
	s.writeJson(w, http.StatusOK, MessagesResponse{Messages: messages})
}

func (s *ChatApp) postMessage(w http.ResponseWriter, r *http.Request) {
	caller, ok := Caller(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req PostMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	// Tags the fan-out event's origin so the posting connection can skip
	// its own echo.
	sessionId := r.Header.Get("X-Session-Id")

	msg, err := s.store.Append(r.Context(), caller, req.ChannelName, req.Content, sessionId)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusCreated, MessageResponse{Message: msg})
}

func (s *ChatApp) deleteMessage(w http.ResponseWriter, r *http.Request) {
	caller, ok := Caller(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	channel := r.URL.Query().Get("channel")
	idStr := r.URL.Query().Get("id")
	if channel == "" || idStr == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	messageId, err := strconv.Atoi(idStr)
	if err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.store.Delete(r.Context(), caller, channel, messageId); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *ChatApp) getPresence(w http.ResponseWriter, r *http.Request) {
	channel := r.URL.Query().Get("channel")
	if channel == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	entries, err := s.reconciler.OnlineUsers(r.Context(), channel)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if entries == nil {
		entries = []types.PresenceEntry{}
	}
	s.writeJson(w, http.StatusOK, PresenceResponse{Users: entries})
}

func (s *ChatApp) postPresence(w http.ResponseWriter, r *http.Request) {
	caller, ok := Caller(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req PresenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.ChannelName == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	user := types.User{
		Id:          caller.Id,
		Username:    caller.Username,
		AvatarUrl:   caller.AvatarUrl,
		IsModerator: caller.IsModerator,
	}

	var err error
	if req.Action == "heartbeat" {
		err = s.reconciler.Heartbeat(r.Context(), user, req.ChannelName)
	} else {
		err = s.reconciler.Join(r.Context(), user, req.ChannelName)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, SuccessResponse{Success: true})
}

func (s *ChatApp) deletePresence(w http.ResponseWriter, r *http.Request) {
	caller, ok := Caller(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	channel := r.URL.Query().Get("channel")
	if channel == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	user := types.User{
		Id:       caller.Id,
		Username: caller.Username,
	}

	if err := s.reconciler.Leave(r.Context(), user, channel); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, SuccessResponse{Success: true})
}

func (s *ChatApp) getToken(w http.ResponseWriter, r *http.Request) {
	caller, ok := Caller(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	signed, err := s.issuer.Issue(caller)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, TokenResponse{Token: signed})
}

func (s *ChatApp) syncUser(w http.ResponseWriter, r *http.Request) {
	caller, ok := Caller(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	user, err := s.db.UpsertUser(r.Context(), database.UpsertUserParams{
		Id:          caller.Id,
		Username:    caller.Username,
		AvatarUrl:   caller.AvatarUrl,
		IsModerator: caller.IsModerator,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, types.User{
		Id:          user.Id,
		Username:    user.Username,
		AvatarUrl:   user.AvatarUrl,
		IsModerator: user.IsModerator,
		UpdatedAt:   user.UpdatedAt,
	})
}

func (s *ChatApp) healthz(w http.ResponseWriter, _ *http.Request) {
	if err := s.db.Ping(); err != nil {
		s.log.Printf("healthz: %v", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// serveWs authenticates with the capability token rather than the
// session credential: websocket clients pass the token minted by
// GET /api/token as the access_token query parameter.
func (s *ChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	tokenString := r.URL.Query().Get("access_token")
	if tokenString == "" {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	clientId, grant, err := s.issuer.Verify(tokenString)
	if err != nil {
		s.log.Printf("ws auth: %v", err)
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				// if no origin header, allow the request
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	// The capability token only carries the client id; presence and
	// message events want the full profile when we have one.
	caller := identity.Identity{Id: clientId}
	if user, err := s.db.GetUserById(r.Context(), clientId); err == nil {
		caller = identity.Identity{
			Id:          user.Id,
			Username:    user.Username,
			AvatarUrl:   user.AvatarUrl,
			IsModerator: user.IsModerator,
		}
	} else {
		s.log.Printf("ws: resolve user %q: %v", clientId, err)
	}

	views := &channelViews{
		manager: session.NewManager(s.log, s.store, s.reconciler, s.hub.Fanout(), s.heartbeat, s.echoMessages),
		caller:  caller,
	}

	client := fanout.NewWsClient(clientId, grant, conn, s.hub, views, s.log)

	s.hub.RegisterChan <- client
	go client.Write()
	go client.Read()
}

// channelViews drives the connection's server-side channel view: a
// subscribe mounts the channel (history, presence join, heartbeat), an
// unsubscribe or disconnect unmounts it and sends the leave.
type channelViews struct {
	manager *session.Manager
	caller  identity.Identity
}

func (v *channelViews) Open(ctx context.Context, channel string) error {
	_, err := v.manager.Open(ctx, v.caller, channel)
	return err
}

func (v *channelViews) Close(channel string) {
	v.manager.CloseIf(channel)
}

func (v *channelViews) Shutdown() {
	v.manager.Close()
}

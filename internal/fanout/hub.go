package fanout

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jfarrow/channelchat/internal/stats"
	"github.com/jfarrow/channelchat/internal/token"
	"github.com/teris-io/shortid"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 1024
)

// Hub bridges the Fanout to websocket clients. Each connected client
// subscribes to channels its capability token permits; events published
// anywhere on the Fanout are pushed down every subscribed socket.
type Hub struct {
	log            *log.Logger
	fanout         Fanout
	stats          stats.StatsProvider
	echoMessages   bool
	clients        map[*WsClient]struct{}
	clientsLock    sync.Mutex
	RegisterChan   chan *WsClient
	deRegisterChan chan *WsClient
	stop           chan struct{}
	done           chan struct{}
}

func NewHub(logger *log.Logger, f Fanout, st stats.StatsProvider, echoMessages bool) *Hub {
	return &Hub{
		log:            logger,
		fanout:         f,
		stats:          st,
		echoMessages:   echoMessages,
		clients:        make(map[*WsClient]struct{}),
		RegisterChan:   make(chan *WsClient),
		deRegisterChan: make(chan *WsClient),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.RegisterChan:
			h.log.Printf("adding connection %q for client %q", client.sessionId, client.clientId)
			h.addClient(client)
		case client := <-h.deRegisterChan:
			h.log.Printf("removing connection %q for client %q", client.sessionId, client.clientId)
			h.removeClient(client)
		case <-h.stop:
			h.clientsLock.Lock()
			for c := range h.clients {
				c.stopClient()
			}
			h.clientsLock.Unlock()
			close(h.done)
			return
		}
	}
}

func (h *Hub) Shutdown() {
	close(h.stop)
	<-h.done
}

// Fanout exposes the hub's event source so connection-scoped consumers
// can share it.
func (h *Hub) Fanout() Fanout {
	return h.fanout
}

func (h *Hub) addClient(c *WsClient) {
	h.clientsLock.Lock()
	defer h.clientsLock.Unlock()
	h.clients[c] = struct{}{}
	h.stats.Incr(stats.MetricActiveConnections)
}

func (h *Hub) removeClient(c *WsClient) {
	h.clientsLock.Lock()
	defer h.clientsLock.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		h.stats.Decr(stats.MetricActiveConnections)
	}
}

// ViewController follows a connection's active channel: subscribing
// makes the channel the active view (history load, presence join,
// heartbeating), unsubscribing or disconnecting tears it down.
type ViewController interface {
	Open(ctx context.Context, channel string) error
	Close(channel string)
	Shutdown()
}

type WsClient struct {
	conn      *websocket.Conn
	hub       *Hub
	log       *log.Logger
	clientId  string
	sessionId string
	grant     token.Capability
	views     ViewController
	send      chan Event
	subs      map[string]func()
	subsLock  sync.Mutex
	stop      chan struct{}
	stopOnce  sync.Once
}

func NewWsClient(clientId string, grant token.Capability, conn *websocket.Conn, h *Hub, views ViewController, l *log.Logger) *WsClient {
	sid, err := shortid.Generate()
	if err != nil {
		// shortid only fails on a misconfigured generator; fall back to
		// the client id so the connection is still traceable.
		sid = clientId
	}

	return &WsClient{
		conn:      conn,
		hub:       h,
		log:       l,
		clientId:  clientId,
		sessionId: sid,
		grant:     grant,
		views:     views,
		send:      make(chan Event, 256),
		subs:      make(map[string]func()),
		stop:      make(chan struct{}),
	}
}

// SessionId identifies this connection; it doubles as the event origin
// for echo suppression.
func (c *WsClient) SessionId() string {
	return c.sessionId
}

type clientFrame struct {
	Subscribe   *subscribeFrame `json:"subscribe,omitempty"`
	Unsubscribe *subscribeFrame `json:"unsubscribe,omitempty"`
}

type subscribeFrame struct {
	Channel string `json:"channel"`
}

func (c *WsClient) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Println("write exiting")
	}()

	for {
		select {
		case event, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := json.Marshal(event)
			if err != nil {
				c.log.Println("failed to serialize event:", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *WsClient) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Println("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		var frame clientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.log.Println("error parsing frame:", err)
			continue
		}

		switch {
		case frame.Subscribe != nil:
			c.subscribe(frame.Subscribe.Channel)
		case frame.Unsubscribe != nil:
			c.unsubscribe(frame.Unsubscribe.Channel)
		}
	}
}

func (c *WsClient) subscribe(channel string) {
	if !c.grant.Allows(channel, "subscribe") {
		c.log.Printf("client %q lacks subscribe capability on %q", c.clientId, channel)
		return
	}

	c.subsLock.Lock()
	if _, ok := c.subs[channel]; ok {
		c.subsLock.Unlock()
		return
	}

	unsub, err := c.hub.fanout.Subscribe(channel, func(event Event) {
		// Presence events always flow; only a publisher's own message
		// echo is optional.
		if !c.hub.echoMessages && event.Kind == EventMessage && event.ClientId == c.sessionId {
			return
		}
		c.queueEvent(event)
	})
	if err != nil {
		c.subsLock.Unlock()
		c.log.Printf("subscribe %q: %v", channel, err)
		return
	}

	c.subs[channel] = unsub
	c.subsLock.Unlock()

	// The view mount does its own I/O; events keep flowing on the raw
	// subscription even when it fails.
	if c.views != nil {
		if err := c.views.Open(context.Background(), channel); err != nil {
			c.log.Printf("open view %q for client %q: %v", channel, c.clientId, err)
		}
	}
}

func (c *WsClient) unsubscribe(channel string) {
	c.subsLock.Lock()
	if unsub, ok := c.subs[channel]; ok {
		unsub()
		delete(c.subs, channel)
	}
	c.subsLock.Unlock()

	if c.views != nil {
		c.views.Close(channel)
	}
}

func (c *WsClient) queueEvent(event Event) bool {
	select {
	case c.send <- event:
	default:
		c.log.Println("failed to send event to client, channel is full")
		return false
	}

	return true
}

func (c *WsClient) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *WsClient) stopClient() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

func (c *WsClient) cleanup() {
	c.subsLock.Lock()
	for channel, unsub := range c.subs {
		unsub()
		delete(c.subs, channel)
	}
	c.subsLock.Unlock()

	if c.views != nil {
		c.views.Shutdown()
	}

	// The hub's loop may already have exited; a stopped hub has no
	// client set left to deregister from.
	select {
	case c.hub.deRegisterChan <- c:
	case <-c.hub.stop:
	}
	c.stopClient()
}

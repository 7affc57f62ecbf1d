// Package ws fans market data and private order events out to WebSocket
// subscribers, with per-topic sequencing and replay for gap recovery.
package ws

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/velora-exchange/velora/pkg/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Message wraps a payload with its topic and a per-topic sequence number.
// Sequence numbers are monotonically increasing within a topic; clients
// that observe a gap request a replay via {"subscribe": {...}, "since": n}.
type Message struct {
	Topic string          `json:"topic"`
	Seq   uint64          `json:"seq"`
	Data  json.RawMessage `json:"data"`
}

// ringBuffer holds the last N messages for a topic.
type ringBuffer struct {
	buf   []Message
	size  int
	start int
	count int
}

func newRingBuffer(size int) *ringBuffer {
	return &ringBuffer{buf: make([]Message, size), size: size}
}

func (r *ringBuffer) add(msg Message) {
	idx := (r.start + r.count) % r.size
	if r.count == r.size {
		r.start = (r.start + 1) % r.size
		r.count--
	}
	r.buf[idx] = msg
	r.count++
}

// getSince returns buffered messages with Seq > since, oldest first.
func (r *ringBuffer) getSince(since uint64) []Message {
	var out []Message
	for i := 0; i < r.count; i++ {
		msg := r.buf[(r.start+i)%r.size]
		if msg.Seq > since {
			out = append(out, msg)
		}
	}
	return out
}

// topicState carries the sequence counter and replay buffer for one topic.
type topicState struct {
	seq uint64
	buf *ringBuffer
}

// Client is a single WebSocket connection with its own send queue.
type Client struct {
	userID        string
	conn          *websocket.Conn
	send          chan Message
	subscriptions map[string]struct{}
	subMu         sync.Mutex
	hub           *Hub
}

func (c *Client) subscribed(topic string) bool {
	c.subMu.Lock()
	_, ok := c.subscriptions[topic]
	c.subMu.Unlock()
	return ok
}

// canSubscribe gates private topics: a connection may only subscribe to
// its own user topic. Market topics are open to everyone.
func (c *Client) canSubscribe(topic string) bool {
	if strings.HasPrefix(topic, userTopicPrefix) {
		return topic == UserTopic(c.userID)
	}
	return true
}

// Hub owns all connected clients and the per-topic replay buffers.
type Hub struct {
	logger     *zap.Logger
	replaySize int
	sendBuffer int

	register   chan *Client
	unregister chan *Client
	broadcast  chan Message

	topicMu sync.Mutex
	topics  map[string]*topicState

	clientMu sync.RWMutex
	clients  map[*Client]struct{}

	upgrader websocket.Upgrader
}

// NewHub creates a hub and starts its dispatch loop. replaySize bounds the
// per-topic replay buffer; sendBuffer sizes each client's send queue.
func NewHub(logger *zap.Logger, replaySize, sendBuffer int) *Hub {
	if replaySize <= 0 {
		replaySize = 1000
	}
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	h := &Hub{
		logger:     logger,
		replaySize: replaySize,
		sendBuffer: sendBuffer,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan Message, 1024),
		topics:     make(map[string]*topicState),
		clients:    make(map[*Client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case client := <-h.register:
			h.clientMu.Lock()
			h.clients[client] = struct{}{}
			h.clientMu.Unlock()
			metrics.WSConnections.Inc()
		case client := <-h.unregister:
			h.clientMu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				metrics.WSConnections.Dec()
			}
			h.clientMu.Unlock()
		case msg := <-h.broadcast:
			h.clientMu.RLock()
			for c := range h.clients {
				if !c.subscribed(msg.Topic) {
					continue
				}
				select {
				case c.send <- msg:
				default:
					h.logger.Warn("slow websocket client, dropping message",
						zap.String("user", c.userID),
						zap.String("topic", msg.Topic))
				}
			}
			h.clientMu.RUnlock()
		}
	}
}

func (h *Hub) topic(name string) *topicState {
	ts, ok := h.topics[name]
	if !ok {
		ts = &topicState{buf: newRingBuffer(h.replaySize)}
		h.topics[name] = ts
	}
	return ts
}

// Publish marshals v and broadcasts it on topic with the topic's next
// sequence number. Ordering is guaranteed within a topic only.
func (h *Hub) Publish(topic string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("websocket payload marshal failed",
			zap.String("topic", topic), zap.Error(err))
		return
	}
	h.topicMu.Lock()
	ts := h.topic(topic)
	ts.seq++
	msg := Message{Topic: topic, Seq: ts.seq, Data: data}
	ts.buf.add(msg)
	// the broadcast handoff happens under the same lock that assigns the
	// sequence, so messages reach the dispatch loop in sequence order
	h.broadcast <- msg
	h.topicMu.Unlock()
}

// Replay returns buffered messages on topic with Seq > since.
func (h *Hub) Replay(topic string, since uint64) []Message {
	h.topicMu.Lock()
	defer h.topicMu.Unlock()
	ts, ok := h.topics[topic]
	if !ok {
		return nil
	}
	return ts.buf.getSince(since)
}

// ServeWS upgrades the request and registers the connection. userID scopes
// the private topic the client may subscribe to.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &Client{
		userID:        userID,
		conn:          conn,
		send:          make(chan Message, h.sendBuffer),
		subscriptions: make(map[string]struct{}),
		hub:           h,
	}
	h.register <- c
	go c.writePump()
	go c.readPump()
}

// subscribeRequest is the client-side control frame.
type subscribeRequest struct {
	Subscribe   []string `json:"subscribe,omitempty"`
	Unsubscribe []string `json:"unsubscribe,omitempty"`
	Since       uint64   `json:"since,omitempty"`
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var req subscribeRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			continue
		}
		for _, topic := range req.Subscribe {
			if !c.canSubscribe(topic) {
				c.hub.logger.Warn("subscription to foreign private topic rejected",
					zap.String("user", c.userID),
					zap.String("topic", topic))
				continue
			}
			c.subMu.Lock()
			c.subscriptions[topic] = struct{}{}
			c.subMu.Unlock()
			for _, m := range c.hub.Replay(topic, req.Since) {
				select {
				case c.send <- m:
				default:
				}
			}
		}
		for _, topic := range req.Unsubscribe {
			c.subMu.Lock()
			delete(c.subscriptions, topic)
			c.subMu.Unlock()
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Topic helpers keep naming consistent across the engine and API layers.

const userTopicPrefix = "user."

// MarketTopic is the public stream of trades and book deltas for a market.
func MarketTopic(marketID string) string { return "market." + marketID }

// UserTopic is the private stream of order acks for one user.
func UserTopic(userID string) string { return userTopicPrefix + userID }

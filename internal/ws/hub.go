// Package ws provides a sharded WebSocket hub that streams trades, book
// deltas and halt transitions with per-topic replay buffers.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Aidin1998/pincex_matching/internal/trading/model"
	"github.com/Aidin1998/pincex_matching/pkg/metrics"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Message wraps a WebSocket payload with sequencing for replay.
type Message struct {
	Topic string          `json:"topic"`
	Seq   uint64          `json:"seq"`
	Data  json.RawMessage `json:"data"`
}

// Config holds configuration for the hub
type Config struct {
	Shards       int
	ReplaySize   int
	SendBuffer   int
	MaxClients   int
	PingInterval time.Duration
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		Shards:       16,
		ReplaySize:   1000,
		SendBuffer:   256,
		MaxClients:   10000,
		PingInterval: 30 * time.Second,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  60 * time.Second,
	}
}

// Topic returns the feed topic for an event. Halts share one topic across
// symbols so dashboards can watch every halt with a single subscription.
func Topic(ev model.Event) string {
	switch ev.Type {
	case model.EventTrade:
		return "trades:" + ev.Symbol
	case model.EventBookDelta:
		return "depth:" + ev.Symbol
	case model.EventHalt, model.EventResume:
		return "halts"
	default:
		return "orders:" + ev.Symbol
	}
}

// ringBuffer holds the last N messages for a topic.
type ringBuffer struct {
	mu    sync.RWMutex
	buf   []Message
	start int
	count int
}

func newRingBuffer(size int) *ringBuffer {
	return &ringBuffer{buf: make([]Message, size)}
}

// add appends a message, overwriting old entries when full.
func (r *ringBuffer) add(msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := (r.start + r.count) % len(r.buf)
	if r.count == len(r.buf) {
		r.start = (r.start + 1) % len(r.buf)
		r.count--
	}
	r.buf[idx] = msg
	r.count++
}

// getSince returns messages with Seq > since.
func (r *ringBuffer) getSince(since uint64) []Message {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Message
	for i := 0; i < r.count; i++ {
		msg := r.buf[(r.start+i)%len(r.buf)]
		if msg.Seq > since {
			out = append(out, msg)
		}
	}
	return out
}

// Client represents a single WebSocket connection.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan Message
	hub  *Hub

	mu            sync.RWMutex
	subscriptions map[string]struct{}
	closed        bool
}

// offer queues msg without blocking. onlySubscribed skips clients not
// subscribed to msg.Topic.
func (c *Client) offer(msg Message, onlySubscribed bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	if _, ok := c.subscriptions[msg.Topic]; onlySubscribed && !ok {
		return
	}
	select {
	case c.send <- msg:
	default:
		metrics.WSDropped.Inc()
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Hub fans feed messages out to subscribed clients. It implements the
// dispatcher's Publisher interface.
type Hub struct {
	cfg    Config
	shards []*hubShard

	broadcast chan Message
	clients   atomic.Int64

	bufMu   sync.Mutex
	buffers map[string]*ringBuffer
	nextSeq atomic.Uint64

	upgrader websocket.Upgrader
	logger   *zap.Logger
}

type hubShard struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
}

// subscription is the client control frame:
// {"subscribe":["trades:BTCUSD"],"since":42} or {"unsubscribe":["halts"]}.
type subscription struct {
	Subscribe   []string `json:"subscribe"`
	Unsubscribe []string `json:"unsubscribe"`
	Since       uint64   `json:"since"`
}

// NewHub creates a hub. Call Run to start delivery.
func NewHub(cfg Config, logger *zap.Logger) *Hub {
	def := DefaultConfig()
	if cfg.Shards <= 0 {
		cfg.Shards = def.Shards
	}
	if cfg.ReplaySize <= 0 {
		cfg.ReplaySize = def.ReplaySize
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:       cfg,
		shards:    make([]*hubShard, cfg.Shards),
		broadcast: make(chan Message, 1024),
		buffers:   make(map[string]*ringBuffer),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger.Named("ws_hub"),
	}
	for i := range h.shards {
		h.shards[i] = &hubShard{clients: make(map[*Client]struct{})}
	}
	return h
}

// Run delivers broadcast messages until ctx ends, then disconnects every
// client.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return nil
		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *Hub) deliver(msg Message) {
	h.buffer(msg.Topic).add(msg)
	for _, sh := range h.shards {
		sh.mu.RLock()
		for c := range sh.clients {
			c.offer(msg, true)
		}
		sh.mu.RUnlock()
	}
}

func (h *Hub) buffer(topic string) *ringBuffer {
	h.bufMu.Lock()
	defer h.bufMu.Unlock()
	buf, ok := h.buffers[topic]
	if !ok {
		buf = newRingBuffer(h.cfg.ReplaySize)
		h.buffers[topic] = buf
	}
	return buf
}

func (h *Hub) shardFor(key string) *hubShard {
	hasher := fnv.New32a()
	hasher.Write([]byte(key))
	return h.shards[hasher.Sum32()%uint32(len(h.shards))]
}

func (h *Hub) Name() string { return "ws" }

// Publish broadcasts events on their feed topics.
func (h *Hub) Publish(ctx context.Context, events []model.Event) error {
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode %s event: %w", ev.Type, err)
		}
		if err := h.Broadcast(ctx, Topic(ev), data); err != nil {
			return err
		}
	}
	return nil
}

// Broadcast publishes a message to a topic for all subscribed clients.
func (h *Hub) Broadcast(ctx context.Context, topic string, data []byte) error {
	msg := Message{Topic: topic, Seq: h.nextSeq.Add(1), Data: data}
	select {
	case h.broadcast <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Replay returns buffered messages for topic since the given sequence.
func (h *Hub) Replay(topic string, since uint64) []Message {
	h.bufMu.Lock()
	buf, ok := h.buffers[topic]
	h.bufMu.Unlock()
	if !ok {
		return nil
	}
	return buf.getSince(since)
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	return int(h.clients.Load())
}

// ServeWS upgrades HTTP to WS and registers the client under clientID.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, clientID string) {
	if h.cfg.MaxClients > 0 && h.Clients() >= h.cfg.MaxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("upgrade failed", zap.String("client_id", clientID), zap.Error(err))
		return
	}
	c := &Client{
		id:            clientID,
		conn:          conn,
		send:          make(chan Message, h.cfg.SendBuffer),
		subscriptions: make(map[string]struct{}),
		hub:           h,
	}
	h.register(c)
	go c.writePump()
	go c.readPump()
}

func (h *Hub) register(c *Client) {
	sh := h.shardFor(c.id)
	sh.mu.Lock()
	sh.clients[c] = struct{}{}
	sh.mu.Unlock()
	metrics.WSClients.Set(float64(h.clients.Add(1)))
	h.logger.Debug("client connected", zap.String("client_id", c.id))
}

func (h *Hub) unregister(c *Client) {
	sh := h.shardFor(c.id)
	sh.mu.Lock()
	_, ok := sh.clients[c]
	delete(sh.clients, c)
	sh.mu.Unlock()
	if ok {
		metrics.WSClients.Set(float64(h.clients.Add(-1)))
		h.logger.Debug("client disconnected", zap.String("client_id", c.id))
	}
	c.close()
}

func (h *Hub) closeAll() {
	for _, sh := range h.shards {
		sh.mu.RLock()
		clients := make([]*Client, 0, len(sh.clients))
		for c := range sh.clients {
			clients = append(clients, c)
		}
		sh.mu.RUnlock()
		for _, c := range clients {
			h.unregister(c)
		}
	}
}

// readPump handles incoming control frames and subscription requests.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.ReadTimeout))
		return nil
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var req subscription
		if err := json.Unmarshal(raw, &req); err != nil {
			continue
		}
		c.mu.Lock()
		for _, topic := range req.Unsubscribe {
			delete(c.subscriptions, topic)
		}
		for _, topic := range req.Subscribe {
			c.subscriptions[topic] = struct{}{}
		}
		c.mu.Unlock()
		for _, topic := range req.Subscribe {
			for _, m := range c.hub.Replay(topic, req.Since) {
				c.offer(m, false)
			}
		}
	}
}

// writePump sends messages and heartbeats to the client.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

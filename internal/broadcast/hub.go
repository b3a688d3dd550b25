// Package broadcast fans quote and position updates out to connected
// dashboard clients over WebSocket. Every client gets a bounded send
// queue; when a client falls behind, the oldest queued update is dropped
// so the client converges on current state, and the client is marked
// degraded until it drains.
package broadcast

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/marketlens/marketlens/internal/config"
	"github.com/marketlens/marketlens/internal/subscription"
	"github.com/marketlens/marketlens/pkg/metrics"
	"github.com/marketlens/marketlens/pkg/models"
)

const clientShards = 8

const mirrorTimeout = 5 * time.Second

// envelope is a pre-encoded stream message queued for delivery.
type envelope struct {
	kind   string
	symbol string
	data   []byte
}

// Client is one WebSocket connection and its send queue.
type Client struct {
	id       string
	conn     *websocket.Conn
	send     chan envelope
	hub      *Hub
	degraded atomic.Bool
}

// ID returns the server-assigned client identifier announced in the
// hello frame.
func (c *Client) ID() string { return c.id }

// enqueue places an update on the client queue without ever blocking.
// On overflow the oldest queued update is discarded first. Callers are
// serialized (the hub loop, plus the handshake before registration), so
// the pop below always frees a slot for the push.
func (c *Client) enqueue(env envelope) {
	select {
	case c.send <- env:
		return
	default:
	}

	select {
	case <-c.send:
		metrics.BroadcastDrops.Inc()
		c.markDegraded()
	default:
	}
	select {
	case c.send <- env:
	default:
		metrics.BroadcastDrops.Inc()
	}
}

func (c *Client) markDegraded() {
	if c.degraded.CompareAndSwap(false, true) {
		metrics.DegradedClients.Inc()
	}
}

func (c *Client) clearDegraded() {
	if c.degraded.CompareAndSwap(true, false) {
		metrics.DegradedClients.Dec()
	}
}

type hubShard struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// Hub routes published updates to the clients the subscription registry
// names for each symbol. Fan-out happens on a single loop; per-client
// queues keep a slow client from ever blocking the loop or its peers.
type Hub struct {
	cfg      config.BroadcastConfig
	registry *subscription.Registry
	mirror   MirrorBackend
	logger   *zap.Logger

	shards []*hubShard

	register   chan *Client
	unregister chan *Client
	publish    chan envelope
	mirrorCh   chan envelope

	upgrader websocket.Upgrader

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHub starts the fan-out loop. mirror may be nil when cross-replica
// mirroring is disabled.
func NewHub(cfg config.BroadcastConfig, registry *subscription.Registry, mirror MirrorBackend, logger *zap.Logger) *Hub {
	h := &Hub{
		cfg:        cfg,
		registry:   registry,
		mirror:     mirror,
		logger:     logger,
		shards:     make([]*hubShard, clientShards),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		publish:    make(chan envelope, 1024),
		mirrorCh:   make(chan envelope, 256),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		done: make(chan struct{}),
	}
	for i := range h.shards {
		h.shards[i] = &hubShard{clients: make(map[string]*Client)}
	}
	h.wg.Add(1)
	go h.run()
	if h.mirror != nil {
		h.wg.Add(1)
		go h.mirrorPump()
	}
	return h
}

// Stop shuts the fan-out loop down, closes every client connection and
// the mirror backend.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()
		if h.mirror != nil {
			if err := h.mirror.Close(); err != nil {
				h.logger.Warn("close mirror", zap.Error(err))
			}
		}
	})
}

func (h *Hub) run() {
	defer h.wg.Done()
	for {
		select {
		case <-h.done:
			h.closeAll()
			return
		case c := <-h.register:
			h.addClient(c)
		case c := <-h.unregister:
			h.removeClient(c)
		case env := <-h.publish:
			h.fanOut(env)
		}
	}
}

func (h *Hub) shardFor(clientID string) *hubShard {
	hasher := fnv.New32a()
	hasher.Write([]byte(clientID))
	return h.shards[hasher.Sum32()%clientShards]
}

func (h *Hub) client(clientID string) *Client {
	sh := h.shardFor(clientID)
	sh.mu.RLock()
	c := sh.clients[clientID]
	sh.mu.RUnlock()
	return c
}

func (h *Hub) addClient(c *Client) {
	sh := h.shardFor(c.id)
	sh.mu.Lock()
	sh.clients[c.id] = c
	sh.mu.Unlock()
	metrics.ConnectedClients.Inc()
	h.logger.Info("client connected", zap.String("client_id", c.id))
}

// removeClient forgets the client and its subscriptions. Safe to call
// from both the read and write paths; only the first call for a given
// connection takes effect.
func (h *Hub) removeClient(c *Client) {
	sh := h.shardFor(c.id)
	sh.mu.Lock()
	cur, ok := sh.clients[c.id]
	if ok && cur == c {
		delete(sh.clients, c.id)
	}
	sh.mu.Unlock()
	if !ok || cur != c {
		return
	}
	close(c.send)
	c.clearDegraded()
	h.registry.RemoveClient(c.id)
	metrics.ConnectedClients.Dec()
	h.logger.Info("client disconnected", zap.String("client_id", c.id))
}

func (h *Hub) closeAll() {
	for _, sh := range h.shards {
		sh.mu.Lock()
		for id, c := range sh.clients {
			delete(sh.clients, id)
			close(c.send)
			c.clearDegraded()
			metrics.ConnectedClients.Dec()
		}
		sh.mu.Unlock()
	}
}

// fanOut delivers to exactly the clients subscribed to the symbol at
// publish time, then hands the delta to the mirror.
func (h *Hub) fanOut(env envelope) {
	for _, id := range h.registry.SubscribersOf(env.symbol) {
		c := h.client(id)
		if c == nil {
			continue
		}
		c.enqueue(env)
		metrics.BroadcastEnqueued.WithLabelValues(env.kind).Inc()
	}
	if h.mirror != nil {
		select {
		case h.mirrorCh <- env:
		default:
			h.logger.Warn("mirror backlog full, dropping delta", zap.String("symbol", env.symbol))
		}
	}
}

func (h *Hub) mirrorPump() {
	defer h.wg.Done()
	for {
		select {
		case <-h.done:
			return
		case env := <-h.mirrorCh:
			ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
			if err := h.mirror.Publish(ctx, env.data); err != nil {
				h.logger.Warn("mirror publish", zap.String("symbol", env.symbol), zap.Error(err))
			}
			cancel()
		}
	}
}

// PublishQuote pushes a quote update to every subscriber of the symbol.
// Staleness travels inside the payload so the UI renders stale values
// flagged instead of mistaking them for live ones.
func (h *Hub) PublishQuote(quote models.Quote, freshness models.Freshness) {
	h.send(models.MessageTypeQuote, quote.Symbol, models.StreamMessage{
		Type:      models.MessageTypeQuote,
		Symbol:    quote.Symbol,
		Payload:   quote,
		Staleness: freshness.String(),
	})
}

// PublishPosition pushes a recomputed position to subscribers of its
// underlying symbol.
func (h *Hub) PublishPosition(position models.Position) {
	staleness := models.FreshnessFresh
	if position.Stale {
		staleness = models.FreshnessStale
	}
	h.send(models.MessageTypePosition, position.Symbol, models.StreamMessage{
		Type:      models.MessageTypePosition,
		Symbol:    position.Symbol,
		Payload:   position,
		Staleness: staleness.String(),
	})
}

func (h *Hub) send(kind, symbol string, msg models.StreamMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("encode stream message", zap.String("type", kind), zap.Error(err))
		return
	}
	select {
	case h.publish <- envelope{kind: kind, symbol: symbol, data: data}:
	case <-h.done:
	}
}

// drop asks the hub loop to forget a client. Used by both pumps, so a
// write failure removes the client even before the reader notices.
func (h *Hub) drop(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Connected reports whether a client with the given id currently holds
// an open stream. The subscription REST surface uses it to reject
// control requests for dead sessions.
func (h *Hub) Connected(clientID string) bool {
	return h.client(clientID) != nil
}

// Stats summarizes hub occupancy for the status surface.
type Stats struct {
	Connected int `json:"connected"`
	Degraded  int `json:"degraded"`
}

// Stats counts connected and degraded clients.
func (h *Hub) Stats() Stats {
	var s Stats
	for _, sh := range h.shards {
		sh.mu.RLock()
		for _, c := range sh.clients {
			s.Connected++
			if c.degraded.Load() {
				s.Degraded++
			}
		}
		sh.mu.RUnlock()
	}
	return s
}

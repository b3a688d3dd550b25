package broadcast

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/marketlens/marketlens/pkg/models"
)

type helloPayload struct {
	ClientID string `json:"client_id"`
}

// ServeWS upgrades the request, assigns the connection a client id,
// announces it in a hello frame, and starts the pumps. Subscriptions
// arrive afterwards, over control frames or the REST control channel.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade", zap.Error(err))
		return
	}
	c := &Client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan envelope, h.cfg.ClientQueueSize),
		hub:  h,
	}

	hello := models.StreamMessage{
		Type:    models.MessageTypeHello,
		Payload: helloPayload{ClientID: c.id},
	}
	if data, err := json.Marshal(hello); err == nil {
		c.enqueue(envelope{kind: models.MessageTypeHello, data: data})
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

// readPump consumes control frames until the connection dies. Frames
// use the shape {"subscribe":["AAPL"],"unsubscribe":["MSFT"]}; symbols
// are normalized to upper case.
func (c *Client) readPump() {
	defer func() {
		c.hub.drop(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(c.hub.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongTimeout))
		return nil
	})
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var req map[string][]string
		if err := json.Unmarshal(msg, &req); err != nil {
			c.hub.logger.Debug("bad control frame",
				zap.String("client_id", c.id), zap.Error(err))
			continue
		}
		for _, symbol := range req["subscribe"] {
			if s := normalizeSymbol(symbol); s != "" {
				c.hub.registry.Subscribe(c.id, s)
			}
		}
		for _, symbol := range req["unsubscribe"] {
			if s := normalizeSymbol(symbol); s != "" {
				c.hub.registry.Unsubscribe(c.id, s)
			}
		}
	}
}

// writePump drains the send queue and keeps the connection alive with
// pings. A write failure removes the client without waiting for the
// reader to notice.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case env, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, env.data); err != nil {
				c.hub.drop(c)
				return
			}
			if len(c.send) == 0 {
				c.clearDegraded()
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.drop(c)
				return
			}
		}
	}
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

package websocket

import (
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/KevinKickass/RegisterMapper/internal/auth"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Time allowed for the first (auth) message
	authWait = 10 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 8192

	// Send channel buffer size
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client represents a WebSocket client connection
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger *zap.Logger

	mu      sync.RWMutex
	devices []string
}

func (c *Client) remoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// wants reports whether a message about device should reach the client.
func (c *Client) wants(device string) bool {
	if device == "" {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.devices) == 0 || slices.Contains(c.devices, device)
}

func (c *Client) subscribe(devices []string) {
	c.mu.Lock()
	c.devices = slices.Clone(devices)
	c.mu.Unlock()
}

// readPump handles reading messages from the WebSocket connection. Until the
// client is registered only readPump writes to c.send.
func (c *Client) readPump(registered bool) {
	defer func() {
		if registered {
			c.hub.remove(c)
			c.conn.Close()
		} else {
			// writePump flushes pending messages, then closes the connection
			close(c.send)
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if !registered {
		c.conn.SetReadDeadline(time.Now().Add(authWait))
	}

	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure) {
				c.logger.Warn("WebSocket read error",
					zap.Error(err),
					zap.String("remote_addr", c.remoteAddr()))
			}
			return
		}

		if registered {
			c.handleMessage(msg)
			continue
		}

		// First message MUST be authentication
		if !c.authenticate(msg) {
			return
		}
		c.conn.SetReadDeadline(time.Time{})

		if !c.hub.add(c) {
			return
		}
		registered = true
	}
}

func (c *Client) authenticate(msg clientMessage) bool {
	if msg.Type != "auth" || msg.Token == "" {
		c.queue(NewMessage(MessageTypeAuthFailed, "First message must be authentication"))
		return false
	}

	permissions, err := c.hub.authService.Authenticate(msg.Token)
	if err != nil || !slices.Contains(permissions, auth.PermRead) {
		c.logger.Warn("WebSocket authentication failed",
			zap.String("remote_addr", c.remoteAddr()))
		c.queue(NewMessage(MessageTypeAuthFailed, "Invalid or expired token"))
		return false
	}

	c.queue(NewMessage(MessageTypeAuthSuccess, map[string]any{"permissions": permissions}))
	c.logger.Info("WebSocket client authenticated",
		zap.String("remote_addr", c.remoteAddr()),
		zap.Any("permissions", permissions))
	return true
}

func (c *Client) handleMessage(msg clientMessage) {
	switch msg.Type {
	case "subscribe":
		c.subscribe(msg.Devices)
		c.hub.sendTo(c, NewMessage(MessageTypeSubscribed, map[string]any{"devices": msg.Devices}))
	default:
		c.logger.Debug("Unknown client message",
			zap.String("remote_addr", c.remoteAddr()),
			zap.String("type", msg.Type))
		c.hub.sendTo(c, NewMessage(MessageTypeError, "unknown message type: "+msg.Type))
	}
}

// queue is only used before the client is registered.
func (c *Client) queue(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.send <- data
}

// writePump handles writing messages to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

// ServeWs handles WebSocket upgrade requests. With auth enabled the first
// message must be {"type":"auth","token":"..."}.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("WebSocket upgrade error",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr))
		return
	}

	client := &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		logger: hub.logger,
	}

	registered := false
	if !hub.authService.Enabled() {
		if !hub.add(client) {
			conn.Close()
			return
		}
		registered = true
	}

	// Start read and write pumps in separate goroutines
	go client.writePump()
	go client.readPump(registered)
}

package main

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rosset/ragserve/progress"
)

const (
	wsWriteWait  = 10 * time.Second
	wsSendBuffer = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The progress feed carries no secrets and browsers cannot attach
	// Authorization headers to WebSocket upgrades.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsClient adapts one WebSocket connection to a progress.Sink. All writes
// go through a single goroutine draining out.
type wsClient struct {
	conn *websocket.Conn
	out  chan any

	closeOnce sync.Once
	done      chan struct{}
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{
		conn: conn,
		out:  make(chan any, wsSendBuffer),
		done: make(chan struct{}),
	}
}

// Send implements progress.Sink. It never blocks: a full buffer or closed
// connection reports an error and the bus drops the sink.
func (c *wsClient) Send(ev progress.Event) error {
	select {
	case <-c.done:
		return errors.New("connection closed")
	case c.out <- ev:
		return nil
	default:
		return errors.New("slow consumer")
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// writePump serializes all frames onto the connection.
func (c *wsClient) writePump() {
	for {
		select {
		case msg := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// GET /ws/{clientID}
//
// Pushes ingestion progress events for the client id. The client sends
// "ping" text frames as heartbeats and receives {"type":"pong"}.
func (h *handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("clientID")
	if clientID == "" {
		writeError(w, http.StatusBadRequest, "client id is required")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "client_id", clientID, "error", err)
		return
	}

	client := newWSClient(conn)
	h.engine.Bus().Subscribe(clientID, client)
	defer func() {
		h.engine.Bus().Unsubscribe(clientID, client)
		client.close()
	}()

	go client.writePump()
	slog.Info("websocket connected", "client_id", clientID)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("websocket read error", "client_id", clientID, "error", err)
			}
			break
		}
		if msgType == websocket.TextMessage && strings.TrimSpace(string(data)) == "ping" {
			select {
			case client.out <- map[string]string{"type": "pong"}:
			case <-client.done:
				return
			default:
			}
		}
	}
	slog.Info("websocket disconnected", "client_id", clientID)
}

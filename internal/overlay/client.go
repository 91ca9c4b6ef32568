package overlay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	logx "chatalert/pkg/logx"
)

const (
	// Time allowed to write a frame to the renderer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the renderer.
	pongWait = 60 * time.Second

	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4096

	sendBuffer = 256

	commandTimeout = 2 * time.Second
)

type client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	log  logx.Logger
}

func newClient(hub *Hub, conn *websocket.Conn) *client {
	id := uuid.NewString()
	return &client{
		id:   id,
		hub:  hub,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		log:  hub.log.With(logx.String("client", id)),
	}
}

// readPump applies renderer messages until the connection fails. It blocks.
func (c *client) readPump(ctx context.Context) {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn("renderer read error", logx.Err(err))
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Debug("bad renderer message", logx.Err(err))
			continue
		}

		cctx, cancel := context.WithTimeout(ctx, commandTimeout)
		err = c.hub.handle(cctx, c, msg)
		cancel()
		if err != nil {
			c.log.Warn("renderer command failed", logx.String("type", msg.Type), logx.String("id", msg.ID), logx.Err(err))
		}
	}
}

// writePump drains send into the connection and keeps it alive with pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel.
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			// One frame per websocket message so renderers can parse each as JSON.
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

package main

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 54 * time.Second
	maxFrameSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one websocket connection. The gateway owns the connection and
// its pumps; sessionID and roomCode are the relay's per-connection context
// and are only ever touched from the relay loop.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	addr string

	sessionID string
	roomCode  string
}

// trySend queues payload for the write pump without blocking. Reports false
// when the buffer is full, which the relay treats as a silent skip.
func (c *Client) trySend(payload []byte) bool {
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func serveWS(cfg *Config, rl *Relay) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		client := &Client{
			conn: conn,
			send: make(chan []byte, 32),
			addr: realIP(r),
		}
		logf(cfg, "RELAY: Client connected from %s", client.addr)

		go client.writePump()
		client.readPump(rl)

		logf(cfg, "RELAY: Client disconnected from %s", client.addr)
	}
}

// readPump forwards inbound frames to the relay. Any read error, including a
// clean close, ends the connection and surfaces as a close event, which the
// relay handles exactly like an explicit leave.
func (c *Client) readPump(rl *Relay) {
	defer func() {
		rl.closes <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logf(rl.cfg, "RELAY: Transport error from %s: %v", c.addr, err)
			}
			return
		}
		rl.frames <- frame{client: c, data: data}
	}
}

// writePump drains the send buffer onto the wire and keeps the connection
// alive with pings. The ping also guarantees the pump notices a dead
// connection even when the room goes quiet.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

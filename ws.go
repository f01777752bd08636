// Connection plumbing. Each WebSocket gets one Client with its own
// outbound queue; a Client carries no identity until an attach-host or
// join succeeds, and all role checks happen inside the owning session.

package main

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Client struct {
	conn *websocket.Conn
	send chan any

	// Identity binding; owned by the session's lock after attach.
	isHost        bool
	participantID string
}

func newClient(conn *websocket.Conn) *Client {
	return &Client{
		conn: conn,
		send: make(chan any, 8),
	}
}

// serveWS upgrades the connection for the session named in the URL and
// runs its pumps. An unknown code is answered before upgrading.
func serveWS(cfg *Config, store *SessionStore) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		code := ps.ByName("code")

		sess, ok := store.Get(code)
		if !ok {
			http.Error(w, "game not found", http.StatusNotFound)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		client := newClient(conn)

		select {
		case sess.bind <- client:
		case <-sess.done:
			_ = conn.Close()
			return
		}

		go client.writePump()
		client.readPump(sess)
	}
}

func (c *Client) readPump(s *Session) {
	defer func() {
		select {
		case s.unbind <- c:
		case <-s.done:
		}
		_ = c.conn.Close()
	}()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			// Unparsable input is reported, never fatal. The session
			// rejects the empty Type, and only if c is still bound.
			msg = ClientMessage{}
		}

		if msg.Type == "leave" {
			return
		}

		select {
		case s.events <- inbound{client: c, msg: msg}:
		case <-s.done:
			return
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

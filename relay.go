/*
Copyright © 2025 Seednode <seednode@seedno.de>
*/

package main

import (
	"context"
	"net/http"
	"time"

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

// Relay is the server context shared by every connection handler. All room
// state lives here; nothing is package-global.
type Relay struct {
	cfg *Config

	rooms     *RoomDirectory
	players   *PlayerRegistry
	bindings  *Bindings
	broadcast *BroadcastService
	sessions  *Sessions
	router    *Router
}

func newRelay(cfg *Config) *Relay {
	rooms := newRoomDirectory(cfg.roomCodeLength)
	players := newPlayerRegistry()
	bindings := newBindings()
	broadcast := newBroadcastService(cfg, bindings)
	sessions := newSessions(cfg, rooms, players, bindings)

	return &Relay{
		cfg:       cfg,
		rooms:     rooms,
		players:   players,
		bindings:  bindings,
		broadcast: broadcast,
		sessions:  sessions,
		router:    newRouter(cfg, sessions, broadcast),
	}
}

// open registers a new connection and greets it.
func (r *Relay) open(c *Conn) {
	r.bindings.Add(c)
	r.broadcast.Send(c, newEvent(eventConnected, connectedData{
		ConnectionID: c.ID(),
		Version:      releaseVersion,
	}))
}

// closeConn runs the disconnect transition for c and stops its writer.
func (r *Relay) closeConn(c *Conn) {
	r.broadcast.Flush(r.sessions.Disconnect(c))
	c.close()
}

func (r *Relay) serveWS() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		ws, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			logf(r.cfg, "ERROR: WebSocket upgrade from %s failed: %v", realIP(req), err)
			return
		}

		c := newConn(ws, r.cfg.sendBuffer)
		r.open(c)

		logf(r.cfg, "RELAY: Connection %s opened from %s", c.ID(), realIP(req))

		go c.writePump()
		r.readPump(c)
	}
}

func (r *Relay) readPump(c *Conn) {
	defer func() {
		r.closeConn(c)
		_ = c.ws.Close()

		logf(r.cfg, "RELAY: Connection %s closed", c.ID())
	}()

	c.ws.SetReadLimit(r.cfg.maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				logf(r.cfg, "RELAY: Connection %s read error: %v", c.ID(), err)
			}
			return
		}

		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		r.router.Dispatch(c, msg)
	}
}

// reapIdle periodically tears down rooms idle longer than the configured
// room timeout, until ctx is done.
func (r *Relay) reapIdle(ctx context.Context) {
	timeout := r.cfg.roomTimeout
	if timeout <= 0 {
		return
	}

	ticker := time.NewTicker(max(timeout/2, time.Second))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.broadcast.Flush(r.sessions.Reap(now.Add(-timeout)))
		}
	}
}

// Close stops every live connection. Each one then runs the normal
// disconnect transition from its read loop.
func (r *Relay) Close() {
	logf(r.cfg, "STOP: Closing %d connections across %d rooms", r.bindings.Len(), r.rooms.Len())

	for _, c := range r.bindings.All() {
		c.close()
	}
}

func registerRelay(cfg *Config, r *Relay, mux *httprouter.Router) {
	mux.GET(cfg.prefix+"/ws", r.serveWS())
}

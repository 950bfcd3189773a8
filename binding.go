/*
Copyright © 2025 Seednode <seednode@seedno.de>
*/

package main

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

var (
	errConnClosed     = errors.New("connection closed")
	errSendBufferFull = errors.New("send buffer full")
)

// Conn is one live client connection. Outbound messages go through send,
// which a single writePump drains, so each client sees messages in the
// order they were queued.
type Conn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

func newConn(ws *websocket.Conn, buffer int) *Conn {
	return &Conn{
		id:   uuid.NewString(),
		ws:   ws,
		send: make(chan []byte, buffer),
	}
}

func (c *Conn) ID() string {
	return c.id
}

// enqueue never blocks. A full queue drops the message.
func (c *Conn) enqueue(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errConnClosed
	}

	select {
	case c.send <- data:
		return nil
	default:
		return errSendBufferFull
	}
}

// close stops the write pump once queued messages are flushed. Safe to call
// more than once.
func (c *Conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type binding struct {
	roomID   string
	playerID string
}

func (b binding) bound() bool {
	return b.roomID != ""
}

// Bindings tracks every open connection and the (room, player) pair it is
// currently acting for, if any. It is the only table that holds
// connections.
type Bindings struct {
	mu    sync.RWMutex
	conns map[*Conn]binding
}

func newBindings() *Bindings {
	return &Bindings{
		conns: make(map[*Conn]binding),
	}
}

func (b *Bindings) Add(c *Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.conns[c]; !ok {
		b.conns[c] = binding{}
	}
}

// Drop forgets c entirely and returns the binding it held.
func (b *Bindings) Drop(c *Conn) (binding, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	bd, ok := b.conns[c]
	if !ok {
		return binding{}, false
	}
	delete(b.conns, c)
	return bd, bd.bound()
}

func (b *Bindings) Bind(c *Conn, roomID, playerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.conns[c] = binding{
		roomID:   roomID,
		playerID: playerID,
	}
}

// Unbind clears c's binding and returns what it was. c stays registered.
func (b *Bindings) Unbind(c *Conn) (binding, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	bd, ok := b.conns[c]
	if !ok || !bd.bound() {
		return binding{}, false
	}
	b.conns[c] = binding{}
	return bd, true
}

func (b *Bindings) Lookup(c *Conn) (binding, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bd, ok := b.conns[c]
	return bd, ok && bd.bound()
}

// ByPlayer returns the connection currently acting for playerID.
func (b *Bindings) ByPlayer(playerID string) (*Conn, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for c, bd := range b.conns {
		if bd.bound() && bd.playerID == playerID {
			return c, true
		}
	}
	return nil, false
}

// InRoom snapshots the connections bound to roomID, minus exclude.
func (b *Bindings) InRoom(roomID string, exclude *Conn) []*Conn {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*Conn
	for c, bd := range b.conns {
		if c == exclude || bd.roomID != roomID || !bd.bound() {
			continue
		}
		out = append(out, c)
	}
	return out
}

// UnbindRoom clears every binding to roomID and returns the affected
// connections.
func (b *Bindings) UnbindRoom(roomID string) []*Conn {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*Conn
	for c, bd := range b.conns {
		if bd.bound() && bd.roomID == roomID {
			b.conns[c] = binding{}
			out = append(out, c)
		}
	}
	return out
}

func (b *Bindings) All() []*Conn {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*Conn, 0, len(b.conns))
	for c := range b.conns {
		out = append(out, c)
	}
	return out
}

func (b *Bindings) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.conns)
}

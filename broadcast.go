/*
Copyright © 2025 Seednode <seednode@seedno.de>
*/

package main

import (
	"encoding/json"
)

// delivery is one event addressed to a fixed set of connections. The set is
// captured while the state change that produced the event is still locked.
type delivery struct {
	to    []*Conn
	event Event
}

// outbox collects the deliveries a single inbound message produces. It is
// flushed only after the lifecycle lock is released.
type outbox []delivery

func (o *outbox) direct(c *Conn, ev Event) {
	*o = append(*o, delivery{to: []*Conn{c}, event: ev})
}

func (o *outbox) room(to []*Conn, ev Event) {
	*o = append(*o, delivery{to: to, event: ev})
}

// BroadcastService fans events out to connections. Delivery is best
// effort: a failed recipient is logged and skipped.
type BroadcastService struct {
	cfg      *Config
	bindings *Bindings
}

func newBroadcastService(cfg *Config, bindings *Bindings) *BroadcastService {
	return &BroadcastService{
		cfg:      cfg,
		bindings: bindings,
	}
}

// Broadcast sends ev to every connection bound to roomID except exclude,
// and returns how many connections accepted it.
func (b *BroadcastService) Broadcast(roomID string, ev Event, exclude *Conn) int {
	return b.deliver(b.bindings.InRoom(roomID, exclude), ev)
}

// Send delivers ev to a single connection.
func (b *BroadcastService) Send(c *Conn, ev Event) bool {
	return b.deliver([]*Conn{c}, ev) == 1
}

func (b *BroadcastService) Flush(out outbox) {
	for _, d := range out {
		b.deliver(d.to, d.event)
	}
}

func (b *BroadcastService) deliver(to []*Conn, ev Event) int {
	if len(to) == 0 {
		return 0
	}

	data, err := json.Marshal(ev)
	if err != nil {
		logf(b.cfg, "ERROR: Failed to encode %s event: %v", ev.Type, err)
		return 0
	}

	sent := 0
	for _, c := range to {
		if err := c.enqueue(data); err != nil {
			logf(b.cfg, "RELAY: Dropped %s for connection %s: %v", ev.Type, c.ID(), err)
			continue
		}
		sent++
	}

	return sent
}

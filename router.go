/*
Copyright © 2025 Seednode <seednode@seedno.de>
*/

package main

import (
	"encoding/json"
	"fmt"
)

type handlerFunc func(s *Sessions, c *Conn, body json.RawMessage) (outbox, error)

// handlers is the complete set of inbound message types.
var handlers = map[string]handlerFunc{
	typeRoomCreate: func(s *Sessions, c *Conn, body json.RawMessage) (outbox, error) {
		var req createRoomRequest
		if err := decodeBody(body, &req); err != nil {
			return nil, err
		}
		return s.CreateRoom(c, req)
	},
	typeRoomJoin: func(s *Sessions, c *Conn, body json.RawMessage) (outbox, error) {
		var req joinRoomRequest
		if err := decodeBody(body, &req); err != nil {
			return nil, err
		}
		return s.JoinRoom(c, req)
	},
	typeRoomLeave: func(s *Sessions, c *Conn, _ json.RawMessage) (outbox, error) {
		return s.Leave(c), nil
	},
	typeRoomList: func(s *Sessions, c *Conn, _ json.RawMessage) (outbox, error) {
		var out outbox
		out.direct(c, newEvent(eventRoomList, s.ListRooms(true)))
		return out, nil
	},
	typeGameStart: func(s *Sessions, c *Conn, body json.RawMessage) (outbox, error) {
		var req startGameRequest
		if err := decodeBody(body, &req); err != nil {
			return nil, err
		}
		return s.StartGame(c, req)
	},
	typePhaseUpdate: func(s *Sessions, c *Conn, body json.RawMessage) (outbox, error) {
		var req phaseUpdateRequest
		if err := decodeBody(body, &req); err != nil {
			return nil, err
		}
		return s.UpdatePhase(c, req)
	},
	typeClueFound: func(s *Sessions, c *Conn, body json.RawMessage) (outbox, error) {
		var req clueFoundRequest
		if err := decodeBody(body, &req); err != nil {
			return nil, err
		}
		return s.FoundClue(c, req)
	},
	typeVote: func(s *Sessions, c *Conn, body json.RawMessage) (outbox, error) {
		var req voteRequest
		if err := decodeBody(body, &req); err != nil {
			return nil, err
		}
		return s.CastVote(c, req)
	},
	typeChatMessage: func(s *Sessions, c *Conn, body json.RawMessage) (outbox, error) {
		var req chatRequest
		if err := decodeBody(body, &req); err != nil {
			return nil, err
		}
		return s.Chat(c, req)
	},
}

// Router decodes inbound messages and runs the matching handler. Nothing a
// client sends can take its connection down: failures are answered with an
// error event to that client alone.
type Router struct {
	cfg       *Config
	sessions  *Sessions
	broadcast *BroadcastService
	handlers  map[string]handlerFunc
}

func newRouter(cfg *Config, sessions *Sessions, broadcast *BroadcastService) *Router {
	return &Router{
		cfg:       cfg,
		sessions:  sessions,
		broadcast: broadcast,
		handlers:  handlers,
	}
}

// Dispatch handles one inbound message to completion, including sending
// everything it produced, before returning.
func (rt *Router) Dispatch(c *Conn, msg []byte) {
	msgType, body, err := decodeEnvelope(msg)
	if err != nil {
		logf(rt.cfg, "RELAY: Malformed message from %s: %v", c.ID(), err)
		rt.broadcast.Send(c, errorEvent(err))
		return
	}

	handler, ok := rt.handlers[msgType]
	if !ok {
		logf(rt.cfg, "RELAY: Unknown message type %q from %s", msgType, c.ID())
		rt.broadcast.Send(c, errorEvent(fmt.Errorf("%w: %q", ErrUnknownMessageType, msgType)))
		return
	}

	out, err := rt.run(handler, c, body)
	rt.broadcast.Flush(out)

	if err != nil {
		logf(rt.cfg, "RELAY: %s from %s failed: %v", msgType, c.ID(), err)
		rt.broadcast.Send(c, errorEvent(err))
	}
}

func (rt *Router) run(handler handlerFunc, c *Conn, body json.RawMessage) (out outbox, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("internal error handling message: %v", r)
		}
	}()

	return handler(rt.sessions, c, body)
}

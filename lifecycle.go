/*
Copyright © 2025 Seednode <seednode@seedno.de>
*/

package main

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// Sessions enacts every room transition: create, join, leave, host
// migration, start and teardown. Each transition runs under mu so that the
// room directory, the player registry and the connection bindings change
// together; the events it produces are returned in an outbox and sent by
// the caller after mu is released.
type Sessions struct {
	cfg *Config

	mu       sync.Mutex
	rooms    *RoomDirectory
	players  *PlayerRegistry
	bindings *Bindings
}

func newSessions(cfg *Config, rooms *RoomDirectory, players *PlayerRegistry, bindings *Bindings) *Sessions {
	return &Sessions{
		cfg:      cfg,
		rooms:    rooms,
		players:  players,
		bindings: bindings,
	}
}

func normalizeRoomID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

func (s *Sessions) CreateRoom(c *Conn, req createRoomRequest) (outbox, error) {
	req.PlayerID = strings.TrimSpace(req.PlayerID)
	req.PlayerName = strings.TrimSpace(req.PlayerName)

	switch {
	case req.PlayerID == "":
		return nil, malformed("missing playerId")
	case req.PlayerName == "":
		return nil, malformed("missing playerName")
	case req.ScriptID == "":
		return nil, malformed("missing scriptId")
	case req.MaxPlayers == nil:
		return nil, malformed("missing maxPlayers")
	case *req.MaxPlayers < 1:
		return nil, fmt.Errorf("%w (got %d)", ErrInvalidCapacity, *req.MaxPlayers)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out outbox
	s.releaseLocked(c, req.PlayerID, &out)

	now := time.Now()
	host := Player{
		ID:       req.PlayerID,
		Name:     req.PlayerName,
		IsHost:   true,
		Online:   true,
		JoinedAt: now,
	}

	roomID := s.rooms.Create(Room{
		Name:       strings.TrimSpace(req.RoomName),
		HostID:     host.ID,
		ScriptID:   req.ScriptID,
		MaxPlayers: *req.MaxPlayers,
		Players:    []Player{host},
		Status:     StatusWaiting,
		CreatedAt:  now,
	})
	s.players.Add(host, roomID)
	s.bindings.Bind(c, roomID, host.ID)

	room, _ := s.rooms.Get(roomID)
	data := roomData{RoomID: roomID, Room: room, Player: &host}

	out.direct(c, newEvent(eventRoomCreated, data))
	out.room(s.bindings.InRoom(roomID, c), newEvent(eventPlayerJoined, data))

	logf(s.cfg, "ROOMS: %q created room %s (script %q, max %d)", host.Name, roomID, room.ScriptID, room.MaxPlayers)

	return out, nil
}

func (s *Sessions) JoinRoom(c *Conn, req joinRoomRequest) (outbox, error) {
	roomID := normalizeRoomID(req.RoomID)
	req.PlayerID = strings.TrimSpace(req.PlayerID)
	req.PlayerName = strings.TrimSpace(req.PlayerName)

	switch {
	case roomID == "":
		return nil, malformed("missing roomId")
	case req.PlayerID == "":
		return nil, malformed("missing playerId")
	case req.PlayerName == "":
		return nil, malformed("missing playerName")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms.Get(roomID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}

	var out outbox

	// Already a member: this connection takes over the seat.
	if _, memberOf, ok := s.players.Get(req.PlayerID); ok && memberOf == roomID {
		s.rebindLocked(c, roomID, req.PlayerID, &out)

		room, _ = s.rooms.Get(roomID)
		player := room.Players[room.indexOf(req.PlayerID)]
		out.direct(c, newEvent(eventRoomJoined, roomData{RoomID: roomID, Room: room, Player: &player}))

		return out, nil
	}

	// A connection already seated here under another id swaps seats in
	// place, so the room never empties in between.
	outgoing := ""
	if bd, ok := s.bindings.Lookup(c); ok && bd.roomID == roomID {
		outgoing = bd.playerID
	}

	if err := checkJoinable(&room, outgoing); err != nil {
		return nil, err
	}

	if outgoing == "" {
		s.releaseLocked(c, req.PlayerID, &out)
	} else {
		s.releasePlayerLocked(c, req.PlayerID, &out)
	}

	player := Player{
		ID:       req.PlayerID,
		Name:     req.PlayerName,
		Online:   true,
		JoinedAt: time.Now(),
	}

	room, err := s.rooms.Mutate(roomID, func(r *Room) error {
		if err := checkJoinable(r, outgoing); err != nil {
			return err
		}
		r.Players = append(r.Players, player)
		return nil
	})
	if err != nil {
		return out, err
	}

	s.players.Add(player, roomID)

	if outgoing != "" {
		s.bindings.Unbind(c)
		s.departLocked(roomID, outgoing, &out)

		room, _ = s.rooms.Get(roomID)
		player = room.Players[room.indexOf(player.ID)]
	}

	s.bindings.Bind(c, roomID, player.ID)

	data := roomData{RoomID: roomID, Room: room, Player: &player}
	out.direct(c, newEvent(eventRoomJoined, data))
	out.room(s.bindings.InRoom(roomID, c), newEvent(eventPlayerJoined, data))

	logf(s.cfg, "ROOMS: %q joined room %s (%d/%d)", player.Name, roomID, len(room.Players), room.MaxPlayers)

	return out, nil
}

// checkJoinable reports whether r has a free seat. A seat held by outgoing
// is about to be vacated and counts as free.
func checkJoinable(r *Room, outgoing string) error {
	if r.Status != StatusWaiting {
		return fmt.Errorf("%w: %s is %s", ErrRoomNotJoinable, r.ID, r.Status)
	}

	seated := len(r.Players)
	if outgoing != "" && r.indexOf(outgoing) >= 0 {
		seated--
	}
	if seated >= r.MaxPlayers {
		return fmt.Errorf("%w: %s has %d/%d players", ErrRoomFull, r.ID, len(r.Players), r.MaxPlayers)
	}
	return nil
}

// Leave handles an explicit room:leave. It is a no-op for a connection
// that is not in a room.
func (s *Sessions) Leave(c *Conn) outbox {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out outbox
	if bd, ok := s.bindings.Unbind(c); ok {
		s.departLocked(bd.roomID, bd.playerID, &out)
	}
	return out
}

// Disconnect forgets c and runs the same transition as Leave for whatever
// it was bound to.
func (s *Sessions) Disconnect(c *Conn) outbox {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out outbox
	if bd, ok := s.bindings.Drop(c); ok {
		s.departLocked(bd.roomID, bd.playerID, &out)
	}
	return out
}

// releaseLocked clears whatever c and playerID are currently attached to,
// so they can be bound somewhere new.
func (s *Sessions) releaseLocked(c *Conn, playerID string, out *outbox) {
	if bd, ok := s.bindings.Unbind(c); ok {
		s.departLocked(bd.roomID, bd.playerID, out)
	}

	s.releasePlayerLocked(c, playerID, out)
}

// releasePlayerLocked clears playerID's seat and any other connection bound
// to it, leaving c untouched.
func (s *Sessions) releasePlayerLocked(c *Conn, playerID string, out *outbox) {
	if other, ok := s.bindings.ByPlayer(playerID); ok && other != c {
		s.bindings.Unbind(other)
	}

	if _, roomID, ok := s.players.Get(playerID); ok {
		s.departLocked(roomID, playerID, out)
	}
}

// rebindLocked moves playerID's seat in roomID onto c.
func (s *Sessions) rebindLocked(c *Conn, roomID, playerID string, out *outbox) {
	if other, ok := s.bindings.ByPlayer(playerID); ok && other != c {
		s.bindings.Unbind(other)
	}

	if bd, ok := s.bindings.Lookup(c); ok && (bd.roomID != roomID || bd.playerID != playerID) {
		s.bindings.Unbind(c)
		s.departLocked(bd.roomID, bd.playerID, out)
	}

	s.bindings.Bind(c, roomID, playerID)

	logf(s.cfg, "ROOMS: Connection %s took over player %s in room %s", c.ID(), playerID, roomID)
}

// departLocked removes playerID from roomID and from the registry in one
// step, promotes the oldest remaining member if the host left, and deletes
// the room when nobody is left.
func (s *Sessions) departLocked(roomID, playerID string, out *outbox) {
	player, registeredRoom, ok := s.players.Get(playerID)
	if !ok || registeredRoom != roomID {
		return
	}

	wasHost := false
	room, err := s.rooms.Mutate(roomID, func(r *Room) error {
		i := r.indexOf(playerID)
		if i < 0 {
			return fmt.Errorf("player %s is not in room %s", playerID, roomID)
		}

		wasHost = r.Players[i].IsHost
		r.Players = slices.Delete(r.Players, i, i+1)

		if wasHost && len(r.Players) > 0 {
			r.Players[0].IsHost = true
			r.HostID = r.Players[0].ID
		}
		return nil
	})
	s.players.Remove(playerID)

	if err != nil {
		logf(s.cfg, "ERROR: Removing %s from %s: %v", playerID, roomID, err)
		return
	}

	if len(room.Players) == 0 {
		logf(s.cfg, "ROOMS: %q left room %s, room closed", player.Name, roomID)
		return
	}

	recipients := s.bindings.InRoom(roomID, nil)

	if wasHost {
		newHost := room.Players[0]
		s.players.SetHost(newHost.ID, true)

		out.room(recipients, newEvent(eventHostChanged, hostChangedData{
			RoomID:           roomID,
			HostID:           newHost.ID,
			HostName:         newHost.Name,
			PreviousHostID:   player.ID,
			PreviousHostName: player.Name,
			Room:             room,
		}))

		logf(s.cfg, "ROOMS: Host %q left room %s, %q is now host", player.Name, roomID, newHost.Name)
		return
	}

	out.room(recipients, newEvent(eventPlayerLeft, playerLeftData{
		RoomID:     roomID,
		PlayerID:   player.ID,
		PlayerName: player.Name,
		Room:       room,
	}))

	logf(s.cfg, "ROOMS: %q left room %s", player.Name, roomID)
}

func (s *Sessions) StartGame(c *Conn, req startGameRequest) (outbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bd, ok := s.bindings.Lookup(c)
	if !ok {
		return nil, fmt.Errorf("%w: not in a room", ErrRoomNotFound)
	}

	room, err := s.rooms.Mutate(bd.roomID, func(r *Room) error {
		if r.HostID != bd.playerID {
			return ErrNotHost
		}
		if r.Status != StatusWaiting {
			return ErrGameInProgress
		}
		r.Status = StatusPlaying
		if req.Phase != "" {
			r.Phase = req.Phase
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var out outbox
	out.room(s.bindings.InRoom(room.ID, nil), newEvent(eventGameStarted, roomData{RoomID: room.ID, Room: room}))

	logf(s.cfg, "ROOMS: Game started in room %s with %d players", room.ID, len(room.Players))

	return out, nil
}

// relay stamps data with the sender's registered identity and the server
// clock, then addresses it to the sender's room. A connection whose room is
// gone gets nothing back.
func (s *Sessions) relay(c *Conn, eventType string, data relayData, excludeSender bool, apply func(*Room)) outbox {
	s.mu.Lock()
	defer s.mu.Unlock()

	bd, ok := s.bindings.Lookup(c)
	if !ok {
		return nil
	}

	player, roomID, ok := s.players.Get(bd.playerID)
	if !ok || roomID != bd.roomID {
		return nil
	}

	if _, err := s.rooms.Mutate(roomID, func(r *Room) error {
		if apply != nil {
			apply(r)
		}
		return nil
	}); err != nil {
		logf(s.cfg, "RELAY: Dropped %s for room %s: %v", eventType, roomID, err)
		return nil
	}

	data.RoomID = roomID
	data.PlayerID = player.ID
	data.PlayerName = player.Name
	data.Timestamp = time.Now().UnixMilli()

	var exclude *Conn
	if excludeSender {
		exclude = c
	}

	var out outbox
	out.room(s.bindings.InRoom(roomID, exclude), newEvent(eventType, data))
	return out
}

func (s *Sessions) UpdatePhase(c *Conn, req phaseUpdateRequest) (outbox, error) {
	phase := strings.TrimSpace(req.Phase)
	if phase == "" {
		return nil, malformed("missing phase")
	}

	return s.relay(c, eventPhaseChanged, relayData{Phase: phase}, false, func(r *Room) {
		r.Phase = phase
	}), nil
}

func (s *Sessions) FoundClue(c *Conn, req clueFoundRequest) (outbox, error) {
	if req.ClueID == "" {
		return nil, malformed("missing clueId")
	}

	return s.relay(c, eventClueDiscovered, relayData{ClueID: req.ClueID}, false, nil), nil
}

func (s *Sessions) CastVote(c *Conn, req voteRequest) (outbox, error) {
	if req.TargetPlayerID == "" {
		return nil, malformed("missing targetPlayerId")
	}

	return s.relay(c, eventVoteCast, relayData{TargetPlayerID: req.TargetPlayerID}, false, nil), nil
}

func (s *Sessions) Chat(c *Conn, req chatRequest) (outbox, error) {
	text := req.Message
	if text == "" {
		text = req.Content
	}

	switch {
	case strings.TrimSpace(text) == "":
		return nil, malformed("missing message")
	case utf8.RuneCountInString(text) > s.cfg.maxChatLength:
		return nil, malformed("message longer than %d characters", s.cfg.maxChatLength)
	}

	return s.relay(c, eventChatMessage, relayData{Message: text}, true, nil), nil
}

// ListRooms returns summaries of live rooms, oldest first.
func (s *Sessions) ListRooms(onlyWaiting bool) []RoomSummary {
	rooms := s.rooms.List()

	out := make([]RoomSummary, 0, len(rooms))
	for _, room := range rooms {
		if onlyWaiting && room.Status != StatusWaiting {
			continue
		}
		out = append(out, room.summary())
	}
	return out
}

// Reap tears down every room idle since before cutoff. Its connections are
// unbound and told the room is closed.
func (s *Sessions) Reap(cutoff time.Time) outbox {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out outbox
	for _, room := range s.rooms.List() {
		if !room.LastActive.Before(cutoff) {
			continue
		}

		for _, p := range room.Players {
			s.players.Remove(p.ID)
		}
		s.rooms.Remove(room.ID)

		out.room(s.bindings.UnbindRoom(room.ID), newEvent(eventRoomClosed, roomClosedData{
			RoomID: room.ID,
			Reason: "idle",
		}))

		logf(s.cfg, "ROOMS: Reaped idle room %s (%d players)", room.ID, len(room.Players))
	}

	return out
}

package main

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type wireEvent struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Code      string          `json:"code"`
	Message   string          `json:"message"`
	Timestamp int64           `json:"timestamp"`
}

func testConfig() *Config {
	return &Config{
		maxChatLength:  200,
		maxMessageSize: 8192,
		port:           8080,
		roomCodeLength: 6,
		sendBuffer:     64,
	}
}

func newTestRelay() *Relay {
	return newRelay(testConfig())
}

func newTestConn(r *Relay) *Conn {
	c := newConn(nil, r.cfg.sendBuffer)
	r.bindings.Add(c)
	return c
}

func nextEvent(t *testing.T, c *Conn) wireEvent {
	t.Helper()

	select {
	case data := <-c.send:
		var ev wireEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("Failed to unmarshal event: %v", err)
		}
		return ev
	case <-time.After(100 * time.Millisecond):
		t.Fatal("No event received within timeout")
	}

	return wireEvent{}
}

func expectEvent(t *testing.T, c *Conn, eventType string) wireEvent {
	t.Helper()

	ev := nextEvent(t, c)
	if ev.Type != eventType {
		t.Fatalf("Expected event %q, got %q (%s)", eventType, ev.Type, ev.Message)
	}
	return ev
}

func expectError(t *testing.T, c *Conn, code string) wireEvent {
	t.Helper()

	ev := expectEvent(t, c, eventError)
	if ev.Code != code {
		t.Fatalf("Expected error code %q, got %q (%s)", code, ev.Code, ev.Message)
	}
	return ev
}

func expectNoEvent(t *testing.T, c *Conn) {
	t.Helper()

	select {
	case data := <-c.send:
		t.Fatalf("Expected no event, got %s", data)
	default:
	}
}

func dispatch(t *testing.T, r *Relay, c *Conn, msgType string, data any) {
	t.Helper()

	msg, err := json.Marshal(map[string]any{
		"type": msgType,
		"data": data,
	})
	if err != nil {
		t.Fatalf("Failed to marshal message: %v", err)
	}
	r.router.Dispatch(c, msg)
}

func createRoom(t *testing.T, r *Relay, c *Conn, playerID, name string, maxPlayers int) string {
	t.Helper()

	dispatch(t, r, c, typeRoomCreate, map[string]any{
		"playerId":   playerID,
		"playerName": name,
		"scriptId":   "esther-story",
		"maxPlayers": maxPlayers,
	})

	ev := expectEvent(t, c, eventRoomCreated)

	var data roomData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		t.Fatalf("Failed to unmarshal room data: %v", err)
	}
	return data.RoomID
}

func joinRoom(t *testing.T, r *Relay, c *Conn, roomID, playerID, name string) {
	t.Helper()

	dispatch(t, r, c, typeRoomJoin, map[string]any{
		"roomId":     roomID,
		"playerId":   playerID,
		"playerName": name,
	})
}

func playerIDs(room Room) []string {
	ids := make([]string, 0, len(room.Players))
	for _, p := range room.Players {
		ids = append(ids, p.ID)
	}
	return ids
}

func assertSingleHost(t *testing.T, room Room, hostID string) {
	t.Helper()

	hosts := 0
	for _, p := range room.Players {
		if p.IsHost {
			hosts++
			if p.ID != hostID {
				t.Errorf("Expected %s to be host, got %s", hostID, p.ID)
			}
		}
	}
	if hosts != 1 {
		t.Errorf("Expected exactly 1 host, got %d", hosts)
	}
	if room.HostID != hostID {
		t.Errorf("Expected hostId %s, got %s", hostID, room.HostID)
	}
}

func TestCreateRoomRegistersHost(t *testing.T) {
	r := newTestRelay()
	a := newTestConn(r)

	roomID := createRoom(t, r, a, "a", "Alice", 4)

	if len(roomID) != 6 {
		t.Errorf("Expected 6 character room code, got %q", roomID)
	}

	room, ok := r.rooms.Get(roomID)
	if !ok {
		t.Fatal("Room was not created")
	}
	if room.Status != StatusWaiting {
		t.Errorf("Expected status waiting, got %s", room.Status)
	}
	assertSingleHost(t, room, "a")

	player, inRoom, ok := r.players.Get("a")
	if !ok || inRoom != roomID || !player.IsHost {
		t.Errorf("Registry entry wrong: %+v in %q (ok=%v)", player, inRoom, ok)
	}

	bd, ok := r.bindings.Lookup(a)
	if !ok || bd.roomID != roomID || bd.playerID != "a" {
		t.Errorf("Connection binding wrong: %+v", bd)
	}
}

func TestJoinFullRoomFails(t *testing.T) {
	r := newTestRelay()
	a, b, c := newTestConn(r), newTestConn(r), newTestConn(r)

	roomID := createRoom(t, r, a, "a", "Alice", 2)

	joinRoom(t, r, b, roomID, "b", "Bob")
	expectEvent(t, b, eventRoomJoined)
	expectEvent(t, a, eventPlayerJoined)

	joinRoom(t, r, c, roomID, "c", "Carol")
	expectError(t, c, "RoomFull")

	expectNoEvent(t, a)
	expectNoEvent(t, b)

	room, _ := r.rooms.Get(roomID)
	ids := playerIDs(room)
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Errorf("Expected players [a b], got %v", ids)
	}
	if _, _, ok := r.players.Get("c"); ok {
		t.Error("Rejected player should not be registered")
	}
	if _, ok := r.bindings.Lookup(c); ok {
		t.Error("Rejected connection should not be bound")
	}
}

func TestJoinAcknowledgesWithSnapshot(t *testing.T) {
	r := newTestRelay()
	a, b := newTestConn(r), newTestConn(r)

	roomID := createRoom(t, r, a, "a", "Alice", 4)
	joinRoom(t, r, b, roomID, "b", "Bob")

	ev := expectEvent(t, b, eventRoomJoined)

	var data roomData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		t.Fatalf("Failed to unmarshal: %v", err)
	}
	if data.RoomID != roomID || len(data.Room.Players) != 2 {
		t.Errorf("Unexpected snapshot: %+v", data)
	}
	if data.Player == nil || data.Player.ID != "b" || data.Player.IsHost {
		t.Errorf("Unexpected player in ack: %+v", data.Player)
	}

	// The joiner gets the ack, not the playerJoined broadcast.
	expectNoEvent(t, b)

	joined := expectEvent(t, a, eventPlayerJoined)
	if err := json.Unmarshal(joined.Data, &data); err != nil {
		t.Fatalf("Failed to unmarshal: %v", err)
	}
	if data.Player == nil || data.Player.Name != "Bob" {
		t.Errorf("Unexpected player in broadcast: %+v", data.Player)
	}
}

func TestJoinNormalizesRoomCode(t *testing.T) {
	r := newTestRelay()
	a, b := newTestConn(r), newTestConn(r)

	roomID := createRoom(t, r, a, "a", "Alice", 4)
	joinRoom(t, r, b, "  "+strings.ToLower(roomID)+" ", "b", "Bob")

	expectEvent(t, b, eventRoomJoined)
}

func TestHostDisconnectPromotesNextPlayer(t *testing.T) {
	r := newTestRelay()
	a, b := newTestConn(r), newTestConn(r)

	roomID := createRoom(t, r, a, "a", "Alice", 4)
	joinRoom(t, r, b, roomID, "b", "Bob")
	expectEvent(t, b, eventRoomJoined)
	expectEvent(t, a, eventPlayerJoined)

	r.closeConn(a)

	ev := expectEvent(t, b, eventHostChanged)

	var data hostChangedData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		t.Fatalf("Failed to unmarshal: %v", err)
	}
	if data.HostID != "b" || data.HostName != "Bob" {
		t.Errorf("Expected Bob as new host, got %s (%s)", data.HostID, data.HostName)
	}
	if data.PreviousHostID != "a" {
		t.Errorf("Expected previous host a, got %s", data.PreviousHostID)
	}
	expectNoEvent(t, b)

	room, ok := r.rooms.Get(roomID)
	if !ok {
		t.Fatal("Room should survive while players remain")
	}
	if room.Status != StatusWaiting {
		t.Errorf("Status should be unchanged, got %s", room.Status)
	}
	assertSingleHost(t, room, "b")

	if player, _, _ := r.players.Get("b"); !player.IsHost {
		t.Error("Registry should record b as host")
	}
	if _, _, ok := r.players.Get("a"); ok {
		t.Error("Departed player should be removed from registry")
	}
}

func TestHostMigrationFollowsJoinOrder(t *testing.T) {
	r := newTestRelay()
	a, b, c, d := newTestConn(r), newTestConn(r), newTestConn(r), newTestConn(r)

	roomID := createRoom(t, r, a, "a", "Alice", 4)
	joinRoom(t, r, b, roomID, "b", "Bob")
	joinRoom(t, r, c, roomID, "c", "Carol")
	joinRoom(t, r, d, roomID, "d", "Dave")

	// A non-host leaving does not move the host.
	dispatch(t, r, c, typeRoomLeave, nil)
	room, _ := r.rooms.Get(roomID)
	assertSingleHost(t, room, "a")

	dispatch(t, r, a, typeRoomLeave, nil)
	room, _ = r.rooms.Get(roomID)
	assertSingleHost(t, room, "b")

	dispatch(t, r, b, typeRoomLeave, nil)
	room, _ = r.rooms.Get(roomID)
	assertSingleHost(t, room, "d")
}

func TestNonHostLeaveEmitsPlayerLeft(t *testing.T) {
	r := newTestRelay()
	a, b := newTestConn(r), newTestConn(r)

	roomID := createRoom(t, r, a, "a", "Alice", 4)
	joinRoom(t, r, b, roomID, "b", "Bob")
	expectEvent(t, b, eventRoomJoined)
	expectEvent(t, a, eventPlayerJoined)

	dispatch(t, r, b, typeRoomLeave, nil)

	ev := expectEvent(t, a, eventPlayerLeft)

	var data playerLeftData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		t.Fatalf("Failed to unmarshal: %v", err)
	}
	if data.PlayerID != "b" || data.PlayerName != "Bob" || len(data.Room.Players) != 1 {
		t.Errorf("Unexpected playerLeft payload: %+v", data)
	}
	expectNoEvent(t, b)
}

func TestLastPlayerLeavingDestroysRoom(t *testing.T) {
	r := newTestRelay()
	a, d := newTestConn(r), newTestConn(r)

	roomID := createRoom(t, r, a, "a", "Alice", 4)

	r.closeConn(a)

	if _, ok := r.rooms.Get(roomID); ok {
		t.Fatal("Room should be destroyed when its last player leaves")
	}
	if r.players.Len() != 0 {
		t.Errorf("Expected empty registry, got %d players", r.players.Len())
	}

	joinRoom(t, r, d, roomID, "d", "Dave")
	expectError(t, d, "RoomNotFound")

	if _, ok := r.rooms.Get(roomID); ok {
		t.Error("Failed join must not resurrect the room")
	}
}

func TestLeaveIsIdempotent(t *testing.T) {
	r := newTestRelay()
	a, b := newTestConn(r), newTestConn(r)

	roomID := createRoom(t, r, a, "a", "Alice", 4)
	joinRoom(t, r, b, roomID, "b", "Bob")
	expectEvent(t, b, eventRoomJoined)
	expectEvent(t, a, eventPlayerJoined)

	dispatch(t, r, b, typeRoomLeave, nil)
	expectEvent(t, a, eventPlayerLeft)

	dispatch(t, r, b, typeRoomLeave, nil)
	r.closeConn(b)
	r.closeConn(b)

	expectNoEvent(t, a)

	room, _ := r.rooms.Get(roomID)
	if len(room.Players) != 1 {
		t.Errorf("Expected 1 player, got %d", len(room.Players))
	}
}

func TestStartGameRequiresHost(t *testing.T) {
	r := newTestRelay()
	a, b := newTestConn(r), newTestConn(r)

	roomID := createRoom(t, r, a, "a", "Alice", 4)
	joinRoom(t, r, b, roomID, "b", "Bob")
	expectEvent(t, b, eventRoomJoined)
	expectEvent(t, a, eventPlayerJoined)

	dispatch(t, r, b, typeGameStart, nil)
	expectError(t, b, "NotHost")
	expectNoEvent(t, a)

	room, _ := r.rooms.Get(roomID)
	if room.Status != StatusWaiting {
		t.Errorf("Expected status waiting, got %s", room.Status)
	}
}

func TestStartGameBroadcastsSnapshot(t *testing.T) {
	r := newTestRelay()
	a, b := newTestConn(r), newTestConn(r)

	roomID := createRoom(t, r, a, "a", "Alice", 4)
	joinRoom(t, r, b, roomID, "b", "Bob")
	expectEvent(t, b, eventRoomJoined)
	expectEvent(t, a, eventPlayerJoined)

	dispatch(t, r, a, typeGameStart, map[string]any{"phase": "character_introduction"})

	for _, c := range []*Conn{a, b} {
		ev := expectEvent(t, c, eventGameStarted)

		var data roomData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			t.Fatalf("Failed to unmarshal: %v", err)
		}
		if data.Room.Status != StatusPlaying || data.Room.Phase != "character_introduction" {
			t.Errorf("Unexpected started snapshot: %+v", data.Room)
		}
	}

	dispatch(t, r, a, typeGameStart, nil)
	expectError(t, a, "GameInProgress")

	before := r.players.Len()
	if before != 2 {
		t.Errorf("Starting should not touch the registry, got %d players", before)
	}
}

func TestStartGameOutsideRoom(t *testing.T) {
	r := newTestRelay()
	a := newTestConn(r)

	dispatch(t, r, a, typeGameStart, nil)
	expectError(t, a, "RoomNotFound")
}

func TestJoinStartedRoomFails(t *testing.T) {
	r := newTestRelay()
	a, b := newTestConn(r), newTestConn(r)

	roomID := createRoom(t, r, a, "a", "Alice", 4)
	dispatch(t, r, a, typeGameStart, nil)
	expectEvent(t, a, eventGameStarted)

	joinRoom(t, r, b, roomID, "b", "Bob")
	expectError(t, b, "RoomNotJoinable")

	if _, err := r.rooms.Mutate(roomID, func(room *Room) error {
		room.Status = StatusEnded
		return nil
	}); err != nil {
		t.Fatalf("Mutate returned error: %v", err)
	}

	joinRoom(t, r, b, roomID, "b", "Bob")
	expectError(t, b, "RoomNotJoinable")
}

func TestCreateRoomValidation(t *testing.T) {
	r := newTestRelay()
	a := newTestConn(r)

	dispatch(t, r, a, typeRoomCreate, map[string]any{
		"playerId":   "a",
		"playerName": "Alice",
		"scriptId":   "esther-story",
		"maxPlayers": 0,
	})
	expectError(t, a, "InvalidCapacity")

	dispatch(t, r, a, typeRoomCreate, map[string]any{
		"playerId":   "a",
		"playerName": "Alice",
		"scriptId":   "esther-story",
	})
	expectError(t, a, "MalformedMessage")

	dispatch(t, r, a, typeRoomCreate, map[string]any{
		"playerName": "Alice",
		"scriptId":   "esther-story",
		"maxPlayers": 4,
	})
	expectError(t, a, "MalformedMessage")

	if r.rooms.Len() != 0 {
		t.Errorf("No room should exist, got %d", r.rooms.Len())
	}
}

func TestChatIsStampedByServer(t *testing.T) {
	r := newTestRelay()
	a, b, c := newTestConn(r), newTestConn(r), newTestConn(r)

	roomID := createRoom(t, r, a, "a", "Alice", 4)
	joinRoom(t, r, b, roomID, "b", "Bob")
	joinRoom(t, r, c, roomID, "c", "Carol")
	expectEvent(t, b, eventRoomJoined)
	expectEvent(t, c, eventRoomJoined)
	expectEvent(t, a, eventPlayerJoined)
	expectEvent(t, a, eventPlayerJoined)
	expectEvent(t, b, eventPlayerJoined)

	before := time.Now().UnixMilli()

	dispatch(t, r, b, typeChatMessage, map[string]any{
		"message":    "hi",
		"playerName": "Mallory",
		"playerId":   "a",
		"timestamp":  1,
	})

	for _, recipient := range []*Conn{a, c} {
		ev := expectEvent(t, recipient, eventChatMessage)

		var data relayData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			t.Fatalf("Failed to unmarshal: %v", err)
		}
		if data.Message != "hi" {
			t.Errorf("Expected message 'hi', got %q", data.Message)
		}
		if data.PlayerName != "Bob" || data.PlayerID != "b" {
			t.Errorf("Expected sender Bob (b), got %s (%s)", data.PlayerName, data.PlayerID)
		}
		if data.Timestamp < before {
			t.Errorf("Expected server timestamp >= %d, got %d", before, data.Timestamp)
		}
		if data.RoomID != roomID {
			t.Errorf("Expected room %s, got %s", roomID, data.RoomID)
		}
	}

	expectNoEvent(t, b)
}

func TestChatAcceptsContentField(t *testing.T) {
	r := newTestRelay()
	a, b := newTestConn(r), newTestConn(r)

	roomID := createRoom(t, r, a, "a", "Alice", 4)
	joinRoom(t, r, b, roomID, "b", "Bob")
	expectEvent(t, b, eventRoomJoined)
	expectEvent(t, a, eventPlayerJoined)

	dispatch(t, r, a, typeChatMessage, map[string]any{"content": "hello"})

	ev := expectEvent(t, b, eventChatMessage)

	var data relayData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		t.Fatalf("Failed to unmarshal: %v", err)
	}
	if data.Message != "hello" {
		t.Errorf("Expected 'hello', got %q", data.Message)
	}
}

func TestChatValidation(t *testing.T) {
	r := newTestRelay()
	r.cfg.maxChatLength = 5
	a := newTestConn(r)

	createRoom(t, r, a, "a", "Alice", 4)

	dispatch(t, r, a, typeChatMessage, map[string]any{"message": "   "})
	expectError(t, a, "MalformedMessage")

	dispatch(t, r, a, typeChatMessage, map[string]any{"message": "too long"})
	expectError(t, a, "MalformedMessage")
}

func TestBroadcastStaysInRoom(t *testing.T) {
	r := newTestRelay()
	a, b := newTestConn(r), newTestConn(r)
	x, y := newTestConn(r), newTestConn(r)

	room1 := createRoom(t, r, a, "a", "Alice", 4)
	joinRoom(t, r, b, room1, "b", "Bob")
	expectEvent(t, b, eventRoomJoined)
	expectEvent(t, a, eventPlayerJoined)

	room2 := createRoom(t, r, x, "x", "Xena", 4)
	joinRoom(t, r, y, room2, "y", "Yuri")
	expectEvent(t, y, eventRoomJoined)
	expectEvent(t, x, eventPlayerJoined)

	dispatch(t, r, a, typeChatMessage, map[string]any{"message": "room one only"})
	dispatch(t, r, a, typePhaseUpdate, map[string]any{"phase": "palace_life"})
	dispatch(t, r, a, typeClueFound, map[string]any{"clueId": "letter"})

	expectEvent(t, b, eventChatMessage)
	expectEvent(t, b, eventPhaseChanged)
	expectEvent(t, b, eventClueDiscovered)

	expectNoEvent(t, x)
	expectNoEvent(t, y)
}

func TestPhaseAndClueRelay(t *testing.T) {
	r := newTestRelay()
	a, b := newTestConn(r), newTestConn(r)

	roomID := createRoom(t, r, a, "a", "Alice", 4)
	joinRoom(t, r, b, roomID, "b", "Bob")
	expectEvent(t, b, eventRoomJoined)
	expectEvent(t, a, eventPlayerJoined)

	dispatch(t, r, a, typePhaseUpdate, map[string]any{"phase": "crisis_emerges"})

	for _, c := range []*Conn{a, b} {
		ev := expectEvent(t, c, eventPhaseChanged)

		var data relayData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			t.Fatalf("Failed to unmarshal: %v", err)
		}
		if data.Phase != "crisis_emerges" || data.PlayerName != "Alice" {
			t.Errorf("Unexpected phase payload: %+v", data)
		}
	}

	room, _ := r.rooms.Get(roomID)
	if room.Phase != "crisis_emerges" {
		t.Errorf("Expected recorded phase crisis_emerges, got %q", room.Phase)
	}

	dispatch(t, r, b, typeClueFound, map[string]any{"clueId": "royal-decree"})
	ev := expectEvent(t, a, eventClueDiscovered)

	var data relayData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		t.Fatalf("Failed to unmarshal: %v", err)
	}
	if data.ClueID != "royal-decree" || data.PlayerID != "b" {
		t.Errorf("Unexpected clue payload: %+v", data)
	}
	expectEvent(t, b, eventClueDiscovered)

	dispatch(t, r, b, typeVote, map[string]any{"targetPlayerId": "a"})
	expectEvent(t, a, eventVoteCast)
	expectEvent(t, b, eventVoteCast)

	dispatch(t, r, b, typePhaseUpdate, map[string]any{})
	expectError(t, b, "MalformedMessage")
}

func TestRelayAfterRoomClosedIsDropped(t *testing.T) {
	r := newTestRelay()
	a := newTestConn(r)

	roomID := createRoom(t, r, a, "a", "Alice", 4)
	dispatch(t, r, a, typeRoomLeave, nil)

	dispatch(t, r, a, typePhaseUpdate, map[string]any{"phase": "final_judgment"})
	dispatch(t, r, a, typeChatMessage, map[string]any{"message": "anyone?"})

	expectNoEvent(t, a)

	if _, ok := r.rooms.Get(roomID); ok {
		t.Error("Relay must not resurrect a closed room")
	}
}

func TestRejoinTakesOverSeat(t *testing.T) {
	r := newTestRelay()
	a, b, b2 := newTestConn(r), newTestConn(r), newTestConn(r)

	roomID := createRoom(t, r, a, "a", "Alice", 2)
	joinRoom(t, r, b, roomID, "b", "Bob")
	expectEvent(t, b, eventRoomJoined)
	expectEvent(t, a, eventPlayerJoined)

	// The room is full, but b is already a member.
	joinRoom(t, r, b2, roomID, "b", "Bob")
	expectEvent(t, b2, eventRoomJoined)
	expectNoEvent(t, a)

	if _, ok := r.bindings.Lookup(b); ok {
		t.Error("Old connection should be unbound")
	}

	// The stale socket closing must not remove the player.
	r.closeConn(b)
	expectNoEvent(t, a)

	room, _ := r.rooms.Get(roomID)
	if len(room.Players) != 2 {
		t.Errorf("Expected 2 players, got %d", len(room.Players))
	}
}

func TestJoiningAnotherRoomLeavesTheFirst(t *testing.T) {
	r := newTestRelay()
	a, b, x := newTestConn(r), newTestConn(r), newTestConn(r)

	room1 := createRoom(t, r, a, "a", "Alice", 4)
	joinRoom(t, r, b, room1, "b", "Bob")
	expectEvent(t, b, eventRoomJoined)
	expectEvent(t, a, eventPlayerJoined)

	room2 := createRoom(t, r, x, "x", "Xena", 4)

	joinRoom(t, r, b, room2, "b", "Bob")
	expectEvent(t, b, eventRoomJoined)
	expectEvent(t, a, eventPlayerLeft)
	expectEvent(t, x, eventPlayerJoined)

	_, inRoom, _ := r.players.Get("b")
	if inRoom != room2 {
		t.Errorf("Expected b in %s, got %s", room2, inRoom)
	}

	first, _ := r.rooms.Get(room1)
	if len(first.Players) != 1 {
		t.Errorf("Expected 1 player left in first room, got %d", len(first.Players))
	}
}

func TestConcurrentJoinsRespectCapacity(t *testing.T) {
	r := newTestRelay()
	host := newTestConn(r)

	roomID := createRoom(t, r, host, "host", "Host", 3)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		joined  int
		full    int
		players = 20
	)

	for i := 0; i < players; i++ {
		c := newTestConn(r)
		id := string(rune('A' + i))

		wg.Add(1)
		go func() {
			defer wg.Done()

			_, err := r.sessions.JoinRoom(c, joinRoomRequest{
				RoomID:     roomID,
				PlayerID:   id,
				PlayerName: id,
			})

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				joined++
			case errors.Is(err, ErrRoomFull):
				full++
			default:
				t.Errorf("Unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if joined != 2 || full != players-2 {
		t.Errorf("Expected 2 joins and %d full, got %d and %d", players-2, joined, full)
	}

	room, _ := r.rooms.Get(roomID)
	if len(room.Players) != 3 {
		t.Errorf("Expected 3 players, got %d", len(room.Players))
	}
}

func TestListRooms(t *testing.T) {
	r := newTestRelay()
	a, b, c := newTestConn(r), newTestConn(r), newTestConn(r)

	waiting := createRoom(t, r, a, "a", "Alice", 4)
	createRoom(t, r, b, "b", "Bob", 4)
	dispatch(t, r, b, typeGameStart, nil)
	expectEvent(t, b, eventGameStarted)

	dispatch(t, r, c, typeRoomList, nil)
	ev := expectEvent(t, c, eventRoomList)

	var rooms []RoomSummary
	if err := json.Unmarshal(ev.Data, &rooms); err != nil {
		t.Fatalf("Failed to unmarshal: %v", err)
	}
	if len(rooms) != 1 || rooms[0].ID != waiting {
		t.Fatalf("Expected only waiting room %s, got %+v", waiting, rooms)
	}
	if rooms[0].HostName != "Alice" || rooms[0].PlayerCount != 1 || rooms[0].MaxPlayers != 4 {
		t.Errorf("Unexpected summary: %+v", rooms[0])
	}

	if all := r.sessions.ListRooms(false); len(all) != 2 {
		t.Errorf("Expected 2 rooms in full listing, got %d", len(all))
	}
}

func TestReapClosesIdleRooms(t *testing.T) {
	r := newTestRelay()
	a, b := newTestConn(r), newTestConn(r)

	roomID := createRoom(t, r, a, "a", "Alice", 4)
	joinRoom(t, r, b, roomID, "b", "Bob")
	expectEvent(t, b, eventRoomJoined)
	expectEvent(t, a, eventPlayerJoined)

	if out := r.sessions.Reap(time.Now().Add(-time.Hour)); len(out) != 0 {
		t.Fatalf("Active room should not be reaped, got %d deliveries", len(out))
	}

	r.broadcast.Flush(r.sessions.Reap(time.Now().Add(time.Minute)))

	for _, c := range []*Conn{a, b} {
		ev := expectEvent(t, c, eventRoomClosed)

		var data roomClosedData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			t.Fatalf("Failed to unmarshal: %v", err)
		}
		if data.RoomID != roomID {
			t.Errorf("Expected closed room %s, got %s", roomID, data.RoomID)
		}

		if _, ok := r.bindings.Lookup(c); ok {
			t.Error("Reaped connections should be unbound")
		}
	}

	if r.rooms.Len() != 0 || r.players.Len() != 0 {
		t.Errorf("Expected no rooms or players, got %d and %d", r.rooms.Len(), r.players.Len())
	}
}

func TestRejoinOwnRoomUnderNewID(t *testing.T) {
	r := newTestRelay()
	a := newTestConn(r)

	roomID := createRoom(t, r, a, "a", "Alice", 1)

	joinRoom(t, r, a, roomID, "b", "Alice")
	ev := expectEvent(t, a, eventRoomJoined)
	expectNoEvent(t, a)

	var data roomData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		t.Fatalf("Failed to unmarshal room data: %v", err)
	}
	if data.Player == nil || data.Player.ID != "b" || !data.Player.IsHost {
		t.Errorf("Expected b to be seated as host, got %+v", data.Player)
	}

	room, ok := r.rooms.Get(roomID)
	if !ok {
		t.Fatal("Room should survive a seat change")
	}
	if ids := playerIDs(room); len(ids) != 1 || ids[0] != "b" {
		t.Errorf("Expected only b in room, got %v", ids)
	}
	assertSingleHost(t, room, "b")

	if _, _, ok := r.players.Get("a"); ok {
		t.Error("Old player id should be unregistered")
	}
	if bd, ok := r.bindings.Lookup(a); !ok || bd.playerID != "b" || bd.roomID != roomID {
		t.Errorf("Connection binding wrong: %+v", bd)
	}
}

func TestRejoinOwnFullRoomPromotesOldestMember(t *testing.T) {
	r := newTestRelay()
	a, x := newTestConn(r), newTestConn(r)

	roomID := createRoom(t, r, a, "a", "Alice", 2)

	joinRoom(t, r, x, roomID, "x", "Xavier")
	expectEvent(t, x, eventRoomJoined)
	expectEvent(t, a, eventPlayerJoined)

	joinRoom(t, r, a, roomID, "b", "Beatrice")
	expectEvent(t, a, eventRoomJoined)

	expectEvent(t, x, eventHostChanged)
	expectEvent(t, x, eventPlayerJoined)

	room, ok := r.rooms.Get(roomID)
	if !ok {
		t.Fatal("Room should survive a seat change")
	}
	if ids := playerIDs(room); len(ids) != 2 || ids[0] != "x" || ids[1] != "b" {
		t.Errorf("Expected [x b], got %v", ids)
	}
	assertSingleHost(t, room, "x")
}

/*
Copyright © 2025 Seednode <seednode@seedno.de>
*/

package main

import (
	"bytes"
	"encoding/json"
	"time"
)

// Inbound message types
const (
	typeRoomCreate  = "room:create"
	typeRoomJoin    = "room:join"
	typeRoomLeave   = "room:leave"
	typeRoomList    = "room:list"
	typeGameStart   = "game:start"
	typePhaseUpdate = "game:phaseUpdate"
	typeClueFound   = "game:clueFound"
	typeVote        = "game:vote"
	typeChatMessage = "chat:message"
)

// Outbound event types
const (
	eventConnected      = "connected"
	eventError          = "error"
	eventRoomCreated    = "room:created"
	eventRoomJoined     = "room:joined"
	eventPlayerJoined   = "room:playerJoined"
	eventPlayerLeft     = "room:playerLeft"
	eventHostChanged    = "room:hostChanged"
	eventRoomClosed     = "room:closed"
	eventRoomList       = "room:list"
	eventGameStarted    = "game:started"
	eventPhaseChanged   = "game:phaseChanged"
	eventClueDiscovered = "game:clueDiscovered"
	eventVoteCast       = "game:voteCast"
	eventChatMessage    = "chat:message"
)

// envelope is the outer shape of every inbound message. The body may sit
// under "data", under "payload", or flat beside "type".
type envelope struct {
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func isEmptyJSON(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// decodeEnvelope returns the declared type and the raw body of msg.
func decodeEnvelope(msg []byte) (string, json.RawMessage, error) {
	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return "", nil, malformed("%v", err)
	}
	if env.Type == "" {
		return "", nil, malformed("missing type")
	}

	switch {
	case !isEmptyJSON(env.Data):
		return env.Type, env.Data, nil
	case !isEmptyJSON(env.Payload):
		return env.Type, env.Payload, nil
	default:
		return env.Type, json.RawMessage(msg), nil
	}
}

func decodeBody(body json.RawMessage, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return malformed("%v", err)
	}
	return nil
}

type createRoomRequest struct {
	PlayerID   string `json:"playerId"`
	PlayerName string `json:"playerName"`
	ScriptID   string `json:"scriptId"`
	RoomName   string `json:"roomName,omitempty"`
	MaxPlayers *int   `json:"maxPlayers"`
}

type joinRoomRequest struct {
	RoomID     string `json:"roomId"`
	PlayerID   string `json:"playerId"`
	PlayerName string `json:"playerName"`
}

type startGameRequest struct {
	Phase string `json:"phase,omitempty"`
}

type phaseUpdateRequest struct {
	Phase string `json:"phase"`
}

type clueFoundRequest struct {
	ClueID string `json:"clueId"`
}

type voteRequest struct {
	TargetPlayerID string `json:"targetPlayerId"`
}

type chatRequest struct {
	Message string `json:"message"`
	Content string `json:"content"`
}

// Event is every message the relay sends to a client.
type Event struct {
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func newEvent(eventType string, data any) Event {
	return Event{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
}

func errorEvent(err error) Event {
	return Event{
		Type:      eventError,
		Code:      errorCode(err),
		Message:   err.Error(),
		Timestamp: time.Now().UnixMilli(),
	}
}

type connectedData struct {
	ConnectionID string `json:"connectionId"`
	Version      string `json:"version"`
}

type roomData struct {
	RoomID string  `json:"roomId"`
	Room   Room    `json:"room"`
	Player *Player `json:"player,omitempty"`
}

type playerLeftData struct {
	RoomID     string `json:"roomId"`
	PlayerID   string `json:"playerId"`
	PlayerName string `json:"playerName"`
	Room       Room   `json:"room"`
}

type hostChangedData struct {
	RoomID           string `json:"roomId"`
	HostID           string `json:"hostId"`
	HostName         string `json:"hostName"`
	PreviousHostID   string `json:"previousHostId"`
	PreviousHostName string `json:"previousHostName"`
	Room             Room   `json:"room"`
}

type roomClosedData struct {
	RoomID string `json:"roomId"`
	Reason string `json:"reason"`
}

// relayData is the server-stamped body of phase, clue, vote and chat events.
// Sender identity and time always come from the relay, never the client.
type relayData struct {
	RoomID         string `json:"roomId"`
	PlayerID       string `json:"playerId"`
	PlayerName     string `json:"playerName"`
	Phase          string `json:"phase,omitempty"`
	ClueID         string `json:"clueId,omitempty"`
	TargetPlayerID string `json:"targetPlayerId,omitempty"`
	Message        string `json:"message,omitempty"`
	Timestamp      int64  `json:"timestamp"`
}

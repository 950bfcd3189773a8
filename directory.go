/*
Copyright © 2025 Seednode <seednode@seedno.de>
*/

package main

import (
	"crypto/rand"
	"slices"
	"strings"
	"sync"
	"time"
)

// Room codes avoid characters that are easy to misread aloud (0/O, 1/I).
const roomCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

type RoomStatus string

const (
	StatusWaiting RoomStatus = "waiting"
	StatusPlaying RoomStatus = "playing"
	StatusEnded   RoomStatus = "ended"
)

// Player holds the data we store server-side for one room member.
type Player struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	IsHost   bool      `json:"isHost"`
	Online   bool      `json:"online"`
	JoinedAt time.Time `json:"joinedAt"`
}

// Room is one game session. Players are kept in join order, which decides
// host succession.
type Room struct {
	ID         string     `json:"id"`
	Name       string     `json:"name,omitempty"`
	HostID     string     `json:"hostId"`
	ScriptID   string     `json:"scriptId"`
	MaxPlayers int        `json:"maxPlayers"`
	Players    []Player   `json:"players"`
	Status     RoomStatus `json:"status"`
	Phase      string     `json:"phase,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastActive time.Time  `json:"lastActive"`
}

func (r Room) clone() Room {
	r.Players = slices.Clone(r.Players)
	return r
}

func (r *Room) indexOf(playerID string) int {
	return slices.IndexFunc(r.Players, func(p Player) bool {
		return p.ID == playerID
	})
}

func (r *Room) host() (Player, bool) {
	i := r.indexOf(r.HostID)
	if i < 0 {
		return Player{}, false
	}
	return r.Players[i], true
}

// RoomSummary is the public listing view of a room.
type RoomSummary struct {
	ID          string     `json:"id"`
	Name        string     `json:"name,omitempty"`
	ScriptID    string     `json:"scriptId"`
	HostName    string     `json:"hostName"`
	PlayerCount int        `json:"playerCount"`
	MaxPlayers  int        `json:"maxPlayers"`
	Status      RoomStatus `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
}

func (r Room) summary() RoomSummary {
	host, _ := r.host()
	return RoomSummary{
		ID:          r.ID,
		Name:        r.Name,
		ScriptID:    r.ScriptID,
		HostName:    host.Name,
		PlayerCount: len(r.Players),
		MaxPlayers:  r.MaxPlayers,
		Status:      r.Status,
		CreatedAt:   r.CreatedAt,
	}
}

// RoomDirectory owns every live room, keyed by room code. Callers only ever
// see copies; changes go through Mutate.
type RoomDirectory struct {
	mu         sync.RWMutex
	rooms      map[string]*Room
	codeLength int
}

func newRoomDirectory(codeLength int) *RoomDirectory {
	return &RoomDirectory{
		rooms:      make(map[string]*Room),
		codeLength: codeLength,
	}
}

func randomRoomCode(n int) string {
	const max = byte(255 - (256 % len(roomCodeAlphabet)))

	out := make([]byte, 0, n)
	buf := make([]byte, n*2)

	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}

		for _, b := range buf {
			if b <= max {
				out = append(out, roomCodeAlphabet[int(b)%len(roomCodeAlphabet)])
				if len(out) == n {
					return string(out)
				}
			}
		}
	}

	return string(out)
}

// Create stores room under a freshly drawn code that no live room uses,
// and returns that code.
func (d *RoomDirectory) Create(room Room) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := randomRoomCode(d.codeLength)
	for {
		if _, exists := d.rooms[id]; !exists {
			break
		}
		id = randomRoomCode(d.codeLength)
	}

	room = room.clone()
	room.ID = id
	if room.CreatedAt.IsZero() {
		room.CreatedAt = time.Now()
	}
	room.LastActive = room.CreatedAt
	d.rooms[id] = &room

	return id
}

func (d *RoomDirectory) Get(id string) (Room, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	room, ok := d.rooms[id]
	if !ok {
		return Room{}, false
	}
	return room.clone(), true
}

func (d *RoomDirectory) Remove(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.rooms[id]; !ok {
		return false
	}
	delete(d.rooms, id)
	return true
}

// Mutate applies fn to a copy of the room and stores the result, all under
// the directory lock. If fn fails the stored room is untouched. A room left
// with no players is deleted; the returned copy then has an empty player
// list.
func (d *RoomDirectory) Mutate(id string, fn func(*Room) error) (Room, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	current, ok := d.rooms[id]
	if !ok {
		return Room{}, ErrRoomNotFound
	}

	next := current.clone()
	if err := fn(&next); err != nil {
		return current.clone(), err
	}
	next.ID = id
	next.LastActive = time.Now()

	if len(next.Players) == 0 {
		delete(d.rooms, id)
		return next, nil
	}

	d.rooms[id] = &next
	return next.clone(), nil
}

// List returns copies of all rooms, oldest first.
func (d *RoomDirectory) List() []Room {
	d.mu.RLock()
	out := make([]Room, 0, len(d.rooms))
	for _, room := range d.rooms {
		out = append(out, room.clone())
	}
	d.mu.RUnlock()

	slices.SortFunc(out, func(a, b Room) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})

	return out
}

func (d *RoomDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return len(d.rooms)
}

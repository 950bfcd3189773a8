/*
Copyright © 2025 Seednode <seednode@seedno.de>
*/

package main

import (
	"sync"
)

// Player ids come from the client and are trusted as given. Anyone who
// sends another player's id acts as that player.

type registryEntry struct {
	player Player
	roomID string
}

// PlayerRegistry maps every present player id to its room. It holds no
// reference to connections; whether a player's room still exists is the
// lifecycle manager's concern.
type PlayerRegistry struct {
	mu      sync.RWMutex
	players map[string]registryEntry
}

func newPlayerRegistry() *PlayerRegistry {
	return &PlayerRegistry{
		players: make(map[string]registryEntry),
	}
}

func (pr *PlayerRegistry) Add(player Player, roomID string) {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	pr.players[player.ID] = registryEntry{
		player: player,
		roomID: roomID,
	}
}

func (pr *PlayerRegistry) Get(playerID string) (Player, string, bool) {
	pr.mu.RLock()
	defer pr.mu.RUnlock()

	entry, ok := pr.players[playerID]
	return entry.player, entry.roomID, ok
}

// SetHost records a host change for a registered player.
func (pr *PlayerRegistry) SetHost(playerID string, isHost bool) bool {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	entry, ok := pr.players[playerID]
	if !ok {
		return false
	}
	entry.player.IsHost = isHost
	pr.players[playerID] = entry
	return true
}

func (pr *PlayerRegistry) Remove(playerID string) bool {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	if _, ok := pr.players[playerID]; !ok {
		return false
	}
	delete(pr.players, playerID)
	return true
}

func (pr *PlayerRegistry) Len() int {
	pr.mu.RLock()
	defer pr.mu.RUnlock()

	return len(pr.players)
}

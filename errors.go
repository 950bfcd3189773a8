/*
Copyright © 2025 Seednode <seednode@seedno.de>
*/

package main

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
)

var (
	ErrRoomNotFound       = errors.New("room not found")
	ErrRoomFull           = errors.New("room is full")
	ErrRoomNotJoinable    = errors.New("room is not accepting new players")
	ErrNotHost            = errors.New("only the host may do that")
	ErrInvalidCapacity    = errors.New("maximum player count must be at least 1")
	ErrMalformedMessage   = errors.New("malformed message")
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrGameInProgress     = errors.New("game has already started")
)

// errorCode returns the wire code for err, or "Internal" when err does not
// wrap one of the relay's sentinel errors.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrRoomNotFound):
		return "RoomNotFound"
	case errors.Is(err, ErrRoomFull):
		return "RoomFull"
	case errors.Is(err, ErrRoomNotJoinable):
		return "RoomNotJoinable"
	case errors.Is(err, ErrNotHost):
		return "NotHost"
	case errors.Is(err, ErrInvalidCapacity):
		return "InvalidCapacity"
	case errors.Is(err, ErrMalformedMessage):
		return "MalformedMessage"
	case errors.Is(err, ErrUnknownMessageType):
		return "UnknownMessageType"
	case errors.Is(err, ErrGameInProgress):
		return "GameInProgress"
	default:
		return "Internal"
	}
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrMalformedMessage}, args...)...)
}

func logf(cfg *Config, format string, args ...any) {
	if !cfg.verbose {
		return
	}

	log.Printf("%s | "+format, append([]any{time.Now().Format(logDate)}, args...)...)
}

func newPage(title, body string) string {
	var htmlBody strings.Builder

	htmlBody.WriteString(`<!DOCTYPE html><html lang="en"><head>`)
	htmlBody.WriteString(`<meta charset="utf-8"><style>`)
	htmlBody.WriteString(`html,body{font-family:system-ui,sans-serif;margin:2rem;color:#222;}</style>`)
	htmlBody.WriteString(fmt.Sprintf("<title>%s</title></head>", title))
	htmlBody.WriteString(fmt.Sprintf("<body>%s</body></html>", body))

	return htmlBody.String()
}

package domain

import "strings"

const (
	DefaultRoom    RoomName = "default"
	MaxRoomNameLen          = 128
)

type RoomName string

// NormalizeRoom trims the name and falls back to def when it is empty or
// too long.
func NormalizeRoom(name string, def RoomName) RoomName {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > MaxRoomNameLen {
		if def == "" {
			return DefaultRoom
		}
		return def
	}
	return RoomName(name)
}

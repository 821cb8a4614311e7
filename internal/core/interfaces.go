package core

import "github.com/dkeye/cowrite/internal/domain"

// Document is the mergeable document capability a Session wraps. Apply must
// reject a malformed update without mutating the document.
type Document interface {
	StateVector() []byte
	Diff(stateVector []byte) ([]byte, error)
	Apply(update []byte) error
}

// PublishResult reports delivery stats/backpressure to the hub.
type PublishResult struct {
	SendTo  int
	Dropped []Peer
}

// RoomInfo is a read-only view for APIs (no transport fields).
type RoomInfo struct {
	Name        domain.RoomName `json:"name"`
	Connections int             `json:"connections"`
	Presence    []PresenceDTO   `json:"presence"`
}

type PresenceDTO struct {
	ID    domain.ConnID `json:"id"`
	Name  string        `json:"name"`
	Color string        `json:"color"`
	Token string        `json:"token,omitempty"`
}

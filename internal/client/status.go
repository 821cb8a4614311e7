package client

import (
	"time"

	"github.com/dkeye/cowrite/internal/domain"
)

type Status int

const (
	StatusOffline Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	// StatusDisconnected is terminal: the backoff schedule ran out.
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusOffline:
		return "offline"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

type EventKind int

const (
	EventStatus EventKind = iota
	EventDocument
	EventPresence
	EventLatency
	EventMesh
)

// Event is delivered on Provider.Events. Only the fields matching Kind are
// set.
type Event struct {
	Kind    EventKind
	Status  Status
	Text    string
	Peers   []domain.Presence
	Latency time.Duration
	// Mesh is true when the fallback mesh became active.
	Mesh bool
	Err  error
}

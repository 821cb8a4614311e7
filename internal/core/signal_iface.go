package core

import (
	"errors"

	"github.com/dkeye/cowrite/internal/domain"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrPeerClosed   = errors.New("peer closed")
)

// Frame is an encoded protocol message.
type Frame []byte

// Peer is the transport endpoint of one relay connection.
// Owned by the adapter; the hub calls Close() exactly once through cleanup.
type Peer interface {
	ID() domain.ConnID
	// TrySend queues f without blocking and returns ErrBackpressure when the
	// queue is full.
	TrySend(f Frame) error
	Close()
}

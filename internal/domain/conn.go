package domain

import "github.com/google/uuid"

type ConnID string

func NewConnID() ConnID { return ConnID(uuid.NewString()) }

// ConnState is the lifecycle state of a relay connection.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateActive
	StateIdle
	StateErrored
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateIdle:
		return "idle"
	case StateErrored:
		return "errored"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Origin tags an applied update with where it came from. The zero value is
// the local origin.
type Origin struct {
	conn ConnID
}

var LocalOrigin = Origin{}

func RemoteOrigin(id ConnID) Origin { return Origin{conn: id} }

func (o Origin) IsLocal() bool { return o.conn == "" }

// Conn returns the originating connection for a remote origin.
func (o Origin) Conn() (ConnID, bool) { return o.conn, o.conn != "" }

func (o Origin) String() string {
	if o.IsLocal() {
		return "local"
	}
	return "remote:" + string(o.conn)
}

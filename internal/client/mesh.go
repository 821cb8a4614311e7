package client

//go:generate mockgen -source=mesh.go -destination=mock_mesh_test.go -package=client

import "context"

// Mesh is the secondary peer-to-peer transport. It carries the same binary
// frames as the relay and is only active while the relay link is down.
type Mesh interface {
	Activate(ctx context.Context, h MeshHandler) error
	Broadcast(frame []byte)
	Send(peer string, frame []byte) error
	Deactivate()
}

// MeshHandler receives mesh callbacks. Implementations of Mesh must not hold
// their own locks while calling it.
type MeshHandler interface {
	PeerUp(peer string)
	PeerDown(peer string)
	Frame(peer string, frame []byte)
}

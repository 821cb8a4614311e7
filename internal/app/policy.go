package app

import (
	"fmt"

	"github.com/dkeye/cowrite/internal/core"
	"github.com/rs/zerolog/log"
)

type BackpressureAction int

const (
	KickMember BackpressureAction = iota
	DropFrame
)

// Policy decides what happens to a peer whose send queue is full.
type Policy interface {
	OnBackPressure(room *core.Room, peer core.Peer) BackpressureAction
}

// SimplePolicy kicks every slow peer.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(room *core.Room, peer core.Peer) BackpressureAction {
	log.Debug().Str("module", "app.policy").Str("room", string(room.Name())).Str("conn", string(peer.ID())).Msg("send queue full")
	return KickMember
}

// DropPolicy keeps slow peers connected; they miss the frame and catch up
// with a STEP1 resync.
type DropPolicy struct{}

func (DropPolicy) OnBackPressure(room *core.Room, peer core.Peer) BackpressureAction {
	log.Debug().Str("module", "app.policy").Str("room", string(room.Name())).Str("conn", string(peer.ID())).Msg("send queue full, dropping frame")
	return DropFrame
}

// PolicyByName maps the backpressure config value to a Policy.
func PolicyByName(name string) (Policy, error) {
	switch name {
	case "", "kick":
		return SimplePolicy{}, nil
	case "drop":
		return DropPolicy{}, nil
	default:
		return nil, fmt.Errorf("unknown backpressure policy %q", name)
	}
}

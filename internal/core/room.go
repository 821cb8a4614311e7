package core

import (
	"sort"
	"time"

	"github.com/dkeye/cowrite/internal/domain"
	"github.com/rs/zerolog/log"
)

// Room pairs one document session and one presence registry with the set of
// connected peers. It is owned by the hub loop and not safe for concurrent
// use. It never closes adapter-owned resources.
type Room struct {
	name      domain.RoomName
	session   *Session
	presence  *PresenceRegistry
	peers     map[domain.ConnID]Peer
	createdAt time.Time
}

func NewRoom(name domain.RoomName, session *Session) *Room {
	return &Room{
		name:      name,
		session:   session,
		presence:  NewPresenceRegistry(),
		peers:     make(map[domain.ConnID]Peer),
		createdAt: time.Now(),
	}
}

func (r *Room) Name() domain.RoomName       { return r.name }
func (r *Room) Session() *Session           { return r.session }
func (r *Room) Presence() *PresenceRegistry { return r.presence }
func (r *Room) CreatedAt() time.Time        { return r.createdAt }
func (r *Room) Len() int                    { return len(r.peers) }
func (r *Room) Empty() bool                 { return len(r.peers) == 0 }

func (r *Room) Peer(id domain.ConnID) (Peer, bool) {
	p, ok := r.peers[id]
	return p, ok
}

func (r *Room) Join(p Peer) {
	r.peers[p.ID()] = p
	log.Info().Str("module", "core.room").Str("room", string(r.name)).Str("conn", string(p.ID())).Int("peers", len(r.peers)).Msg("peer joined")
}

// Leave removes id from the connection set and reports whether it was there.
func (r *Room) Leave(id domain.ConnID) bool {
	if _, ok := r.peers[id]; !ok {
		return false
	}
	delete(r.peers, id)
	log.Info().Str("module", "core.room").Str("room", string(r.name)).Str("conn", string(id)).Int("peers", len(r.peers)).Msg("peer left")
	return true
}

// PeerIDs returns the connection set ordered by ID.
func (r *Room) PeerIDs() []domain.ConnID {
	out := make([]domain.ConnID, 0, len(r.peers))
	for id := range r.peers {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Broadcast sends data to every peer except the origin connection. A local
// origin reaches every peer.
func (r *Room) Broadcast(from domain.Origin, data Frame) PublishResult {
	res := PublishResult{}
	skip, _ := from.Conn()
	for id, p := range r.peers {
		if skip != "" && id == skip {
			continue
		}
		if err := p.TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, p)
			continue
		}
		res.SendTo++
	}
	log.Debug().Str("module", "core.room").Str("room", string(r.name)).Str("from", from.String()).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

package app

import (
	"sort"
	"time"

	"github.com/dkeye/cowrite/internal/core"
	"github.com/dkeye/cowrite/internal/domain"
	"github.com/rs/zerolog/log"
)

type dormantSession struct {
	session *core.Session
	expires time.Time
}

// getOrCreateRoom returns the live room for name, reviving a dormant session
// when one is still retained.
func (h *Hub) getOrCreateRoom(name domain.RoomName) *core.Room {
	if r, ok := h.rooms[name]; ok {
		return r
	}
	var session *core.Session
	if d, ok := h.dormant[name]; ok {
		delete(h.dormant, name)
		session = d.session
		log.Info().Str("module", "app.registry").Str("room", string(name)).Msg("revived dormant session")
	} else {
		session = core.NewSession(h.newDoc())
	}
	r := core.NewRoom(name, session)
	h.rooms[name] = r
	h.syncGauges()
	log.Info().Str("module", "app.registry").Str("room", string(name)).Msg("room created")
	return r
}

// evaluateTeardown removes r from the registry when its connection set is
// empty. The presence registry goes with it; the session is retained for
// RoomTTL.
func (h *Hub) evaluateTeardown(r *core.Room) {
	if !r.Empty() {
		return
	}
	if cur, ok := h.rooms[r.Name()]; !ok || cur != r {
		return
	}
	delete(h.rooms, r.Name())
	if h.opts.RoomTTL > 0 {
		h.dormant[r.Name()] = dormantSession{session: r.Session(), expires: h.now().Add(h.opts.RoomTTL)}
	}
	h.syncGauges()
	log.Info().Str("module", "app.registry").Str("room", string(r.Name())).Dur("retain", h.opts.RoomTTL).Msg("room torn down")
}

func (h *Hub) evictDormant(now time.Time) {
	for name, d := range h.dormant {
		if now.Before(d.expires) {
			continue
		}
		delete(h.dormant, name)
		log.Info().Str("module", "app.registry").Str("room", string(name)).Msg("dormant session released")
	}
	h.syncGauges()
}

func (h *Hub) syncGauges() {
	h.metrics.ActiveRooms.Set(float64(len(h.rooms)))
	h.metrics.DormantSessions.Set(float64(len(h.dormant)))
	h.metrics.ActiveConnections.Set(float64(len(h.conns)))
}

func (h *Hub) roomInfos() []core.RoomInfo {
	out := make([]core.RoomInfo, 0, len(h.rooms))
	for _, r := range h.rooms {
		info := core.RoomInfo{Name: r.Name(), Connections: r.Len()}
		for _, id := range r.PeerIDs() {
			dto := core.PresenceDTO{ID: id}
			if p, ok := r.Presence().Get(id); ok {
				dto.Name, dto.Color = p.Name, p.Color
			}
			if c, ok := h.conns[id]; ok {
				dto.Token = c.token
			}
			info.Presence = append(info.Presence, dto)
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Status is a point-in-time view of the hub.
type Status struct {
	Connections   int           `json:"connections"`
	Rooms         int           `json:"rooms"`
	Dormant       int           `json:"dormant"`
	DroppedFrames uint64        `json:"dropped_frames"`
	Uptime        time.Duration `json:"-"`
}

func (h *Hub) status() Status {
	return Status{
		Connections:   len(h.conns),
		Rooms:         len(h.rooms),
		Dormant:       len(h.dormant),
		DroppedFrames: h.dropped,
		Uptime:        h.now().Sub(h.startedAt),
	}
}

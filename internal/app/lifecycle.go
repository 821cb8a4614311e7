package app

import (
	"sort"
	"time"

	"github.com/dkeye/cowrite/internal/core"
	"github.com/dkeye/cowrite/internal/domain"
	"github.com/dkeye/cowrite/internal/protocol"
	"github.com/rs/zerolog/log"
)

type connection struct {
	peer         core.Peer
	room         *core.Room
	token        string
	state        domain.ConnState
	connectedAt  time.Time
	lastActivity time.Time
	pings        int
}

func (c *connection) id() domain.ConnID { return c.peer.ID() }

func (h *Hub) onJoin(e joinEvent) {
	id := e.peer.ID()
	if _, dup := h.conns[id]; dup {
		log.Warn().Str("module", "app.lifecycle").Str("conn", string(id)).Msg("duplicate connection id, closing")
		e.peer.Close()
		return
	}
	name := e.room
	if name == "" {
		name = h.opts.DefaultRoom
	}
	room := h.getOrCreateRoom(name)
	now := h.now()
	c := &connection{
		peer:         e.peer,
		room:         room,
		token:        e.token,
		state:        domain.StateConnecting,
		connectedAt:  now,
		lastActivity: now,
	}
	h.conns[id] = c
	room.Join(e.peer)
	h.syncGauges()

	if !h.handshake(c) {
		return
	}
	c.state = domain.StateActive
	log.Info().Str("module", "app.lifecycle").Str("conn", string(id)).Str("room", string(name)).Str("token", e.token).Msg("connection active")
}

// handshake sends the server state vector, the full document and the
// current presence table to a freshly joined connection.
func (h *Hub) handshake(c *connection) bool {
	session := c.room.Session()
	snapshot, err := session.Snapshot()
	if err != nil {
		log.Error().Err(err).Str("module", "app.lifecycle").Str("room", string(c.room.Name())).Msg("snapshot failed")
		h.cleanup(c, domain.StateErrored, core.ReasonClosed)
		return false
	}
	frames := []core.Frame{
		protocol.EncodeSync(protocol.SyncStep1, session.StateVector()),
		protocol.EncodeSync(protocol.SyncStep2, snapshot),
	}
	if c.room.Presence().Len() > 0 {
		frames = append(frames, core.EncodePresence(c.room.Presence().Snapshot(), nil))
	}
	for _, f := range frames {
		if !h.send(c, f) {
			return false
		}
	}
	return true
}

// send queues f for c and schedules a kick when the queue is full.
func (h *Hub) send(c *connection, f core.Frame) bool {
	if err := c.peer.TrySend(f); err != nil {
		if h.policy.OnBackPressure(c.room, c.peer) == KickMember {
			h.kick(c.id())
		}
		return false
	}
	return true
}

func (h *Hub) touch(c *connection) {
	c.lastActivity = h.now()
	c.state = domain.StateActive
	c.pings = 0
}

func (h *Hub) onClose(e closeEvent) {
	c, ok := h.conns[e.id]
	if !ok {
		return
	}
	if e.err != nil {
		log.Debug().Err(e.err).Str("module", "app.lifecycle").Str("conn", string(e.id)).Msg("transport error")
		h.cleanup(c, domain.StateErrored, core.ReasonClosed)
		return
	}
	h.cleanup(c, domain.StateClosed, core.ReasonClosed)
}

// heartbeat reaps connections idle past StaleAfter and pings those idle past
// WatchWindow. Active connections get no traffic.
func (h *Hub) heartbeat(now time.Time) {
	for _, c := range h.sortedConns() {
		idle := now.Sub(c.lastActivity)
		switch {
		case idle > h.opts.StaleAfter:
			h.metrics.ConnectionsReaped.Inc()
			log.Info().Str("module", "app.lifecycle").Str("conn", string(c.id())).Dur("idle", idle).Msg("reaping stale connection")
			h.cleanup(c, domain.StateErrored, core.ReasonTimeout)
		case idle > h.opts.WatchWindow:
			c.state = domain.StateIdle
			c.pings++
			h.send(c, protocol.EncodePing())
		}
	}
}

func (h *Hub) kick(id domain.ConnID) {
	h.kicks = append(h.kicks, id)
}

// flushKicks runs deferred backpressure kicks. A kick may broadcast a
// presence removal that overflows another queue, so it loops until empty.
func (h *Hub) flushKicks() {
	for len(h.kicks) > 0 {
		id := h.kicks[0]
		h.kicks = h.kicks[1:]
		c, ok := h.conns[id]
		if !ok {
			continue
		}
		h.metrics.ConnectionsKicked.Inc()
		log.Warn().Str("module", "app.lifecycle").Str("conn", string(id)).Msg("kicking slow connection")
		h.cleanup(c, domain.StateErrored, core.ReasonBackpressure)
	}
}

// cleanup is the only way a connection leaves the hub. Order: presence
// removal and its broadcast, connection-set removal, room teardown, then the
// transport close.
func (h *Hub) cleanup(c *connection, final domain.ConnState, reason string) {
	id := c.id()
	if cur, ok := h.conns[id]; !ok || cur != c {
		return
	}
	room := c.room

	if rm, ok := room.Presence().Remove(id, reason); ok {
		h.publish(room, domain.RemoteOrigin(id), core.EncodePresence(nil, []core.Removal{rm}), "presence")
	}

	room.Leave(id)
	delete(h.conns, id)
	h.syncGauges()

	h.evaluateTeardown(room)

	c.state = final
	c.peer.Close()
	log.Info().Str("module", "app.lifecycle").Str("conn", string(id)).Str("room", string(room.Name())).Str("state", final.String()).Str("reason", reason).Msg("connection cleaned up")
}

func (h *Hub) sortedConns() []*connection {
	out := make([]*connection, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id() < out[j].id() })
	return out
}

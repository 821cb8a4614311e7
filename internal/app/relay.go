package app

import (
	"github.com/dkeye/cowrite/internal/core"
	"github.com/dkeye/cowrite/internal/domain"
	"github.com/dkeye/cowrite/internal/metrics"
	"github.com/dkeye/cowrite/internal/protocol"
	"github.com/rs/zerolog/log"
)

func (h *Hub) onFrame(e frameEvent) {
	c, ok := h.conns[e.id]
	if !ok {
		return
	}
	h.touch(c)

	if !e.binary {
		h.drop(c, metrics.DropProtocol, protocol.ErrNotBinary)
		return
	}
	msg, err := protocol.Decode(e.data)
	if err != nil {
		h.drop(c, metrics.DropProtocol, err)
		return
	}

	switch msg.Type {
	case protocol.MessageSync:
		h.onSync(c, msg)
	case protocol.MessagePresence:
		h.onPresence(c, msg)
	case protocol.MessagePing:
		h.send(c, protocol.EncodePong())
	case protocol.MessagePong:
	}
}

func (h *Hub) onSync(c *connection, msg *protocol.Message) {
	session := c.room.Session()
	switch msg.Step {
	case protocol.SyncStep1:
		diff, err := session.DiffSince(msg.Payload)
		if err != nil {
			h.drop(c, metrics.DropMerge, err)
			return
		}
		h.send(c, protocol.EncodeSync(protocol.SyncStep2, diff))
	case protocol.SyncStep2, protocol.SyncUpdate:
		change, ok, err := session.Apply(msg.Payload, domain.RemoteOrigin(c.id()))
		if err != nil {
			h.drop(c, metrics.DropMerge, err)
			return
		}
		if !ok {
			return
		}
		h.metrics.UpdatesApplied.Inc()
		h.publish(c.room, change.Origin, protocol.EncodeSync(protocol.SyncUpdate, change.Update), "update")
	}
}

func (h *Hub) onPresence(c *connection, msg *protocol.Message) {
	changed, removed := c.room.Presence().Apply(c.id(), msg.Presence)
	if len(changed) == 0 && len(removed) == 0 {
		return
	}
	h.publish(c.room, domain.RemoteOrigin(c.id()), core.EncodePresence(changed, removed), "presence")
}

// publish fans frame out to every peer of room except the origin and hands
// full queues to the backpressure policy.
func (h *Hub) publish(room *core.Room, from domain.Origin, frame core.Frame, kind string) {
	res := room.Broadcast(from, frame)
	h.metrics.FramesBroadcast.WithLabelValues(kind).Add(float64(res.SendTo))
	for _, slow := range res.Dropped {
		switch h.policy.OnBackPressure(room, slow) {
		case KickMember:
			h.kick(slow.ID())
		case DropFrame:
		}
	}
}

func (h *Hub) drop(c *connection, reason string, err error) {
	h.dropped++
	h.metrics.FramesDropped.WithLabelValues(reason).Inc()
	log.Warn().Err(err).Str("module", "app.relay").Str("conn", string(c.id())).Str("reason", reason).Msg("frame dropped")
}

package core

import (
	"sort"
	"time"

	"github.com/dkeye/cowrite/internal/domain"
	"github.com/dkeye/cowrite/internal/protocol"
)

// Removal reasons.
const (
	ReasonClosed       = "connection closed"
	ReasonTimeout      = "heartbeat timeout"
	ReasonBackpressure = "backpressure"
	ReasonShutdown     = "server shutdown"
	ReasonLeft         = "left"
)

type Removal struct {
	ConnID domain.ConnID
	Reason string
}

// PresenceRegistry is the ephemeral presence table of one room.
type PresenceRegistry struct {
	entries map[domain.ConnID]domain.Presence
	now     func() time.Time
}

func NewPresenceRegistry() *PresenceRegistry {
	return &PresenceRegistry{
		entries: make(map[domain.ConnID]domain.Presence),
		now:     time.Now,
	}
}

func (r *PresenceRegistry) Len() int { return len(r.entries) }

func (r *PresenceRegistry) Get(id domain.ConnID) (domain.Presence, bool) {
	p, ok := r.entries[id]
	return p, ok
}

// Apply records what a connection published. A connection owns exactly one
// entry, so only the last entry of a frame counts and it is keyed by the
// sender regardless of the ID on the wire. A removed entry withdraws the
// sender's own presence. It returns the upserted entry and the removal that
// changed the table, at most one of each.
func (r *PresenceRegistry) Apply(from domain.ConnID, updates []protocol.PresenceEntry) ([]domain.Presence, []Removal) {
	if len(updates) == 0 {
		return nil, nil
	}
	u := updates[len(updates)-1]
	if u.Removed {
		if rm, ok := r.Remove(from, ReasonLeft); ok {
			return nil, []Removal{rm}
		}
		return nil, nil
	}
	p := domain.Presence{
		ConnID:    from,
		Name:      u.Name,
		Color:     u.Color,
		Cursor:    domain.Cursor{Anchor: int(u.Anchor), Head: int(u.Head)},
		UpdatedAt: r.now(),
	}
	if err := p.Validate(); err != nil {
		return nil, nil
	}
	prev, existed := r.entries[from]
	r.entries[from] = p
	if existed && prev.SameState(p) {
		return nil, nil
	}
	return []domain.Presence{p}, nil
}

// Remove drops the entry owned by id.
func (r *PresenceRegistry) Remove(id domain.ConnID, reason string) (Removal, bool) {
	if _, ok := r.entries[id]; !ok {
		return Removal{}, false
	}
	delete(r.entries, id)
	return Removal{ConnID: id, Reason: reason}, true
}

// Snapshot returns every entry ordered by connection ID.
func (r *PresenceRegistry) Snapshot() []domain.Presence {
	out := make([]domain.Presence, 0, len(r.entries))
	for _, p := range r.entries {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnID < out[j].ConnID })
	return out
}

// EncodePresence builds a PRESENCE frame from upserts and removals.
func EncodePresence(entries []domain.Presence, removals []Removal) Frame {
	wire := make([]protocol.PresenceEntry, 0, len(entries)+len(removals))
	for _, p := range entries {
		wire = append(wire, ToWire(p))
	}
	for _, rm := range removals {
		wire = append(wire, protocol.PresenceEntry{ID: string(rm.ConnID), Removed: true, Reason: rm.Reason})
	}
	return protocol.EncodePresence(wire)
}

func ToWire(p domain.Presence) protocol.PresenceEntry {
	var at int64
	if !p.UpdatedAt.IsZero() {
		at = p.UpdatedAt.UnixMilli()
	}
	return protocol.PresenceEntry{
		ID:        string(p.ConnID),
		Name:      p.Name,
		Color:     p.Color,
		Anchor:    int64(p.Cursor.Anchor),
		Head:      int64(p.Cursor.Head),
		UpdatedAt: at,
	}
}

func FromWire(e protocol.PresenceEntry) domain.Presence {
	p := domain.Presence{
		ConnID: domain.ConnID(e.ID),
		Name:   e.Name,
		Color:  e.Color,
		Cursor: domain.Cursor{Anchor: int(e.Anchor), Head: int(e.Head)},
	}
	if e.UpdatedAt > 0 {
		p.UpdatedAt = time.UnixMilli(e.UpdatedAt)
	}
	return p
}

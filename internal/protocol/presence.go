package protocol

import (
	"fmt"
)

const (
	presenceUpsert  byte = 0
	presenceRemoved byte = 1
)

// PresenceEntry is the wire form of one presence change. A removed entry
// carries only ID and Reason.
type PresenceEntry struct {
	ID        string
	Removed   bool
	Reason    string
	Name      string
	Color     string
	Anchor    int64
	Head      int64
	UpdatedAt int64 // unix ms
}

func encodePresence(e *Encoder, entries []PresenceEntry) {
	e.WriteUvarint(uint64(len(entries)))
	for _, p := range entries {
		e.WriteString(p.ID)
		if p.Removed {
			_ = e.WriteByte(presenceRemoved)
			e.WriteString(p.Reason)
			continue
		}
		_ = e.WriteByte(presenceUpsert)
		e.WriteString(p.Name)
		e.WriteString(p.Color)
		e.WriteSvarint(p.Anchor)
		e.WriteSvarint(p.Head)
		if p.UpdatedAt < 0 {
			e.WriteUvarint(0)
		} else {
			e.WriteUvarint(uint64(p.UpdatedAt))
		}
	}
}

func decodePresence(d *Decoder) ([]PresenceEntry, error) {
	if d.Remaining() == 0 {
		return nil, fmt.Errorf("%w: missing presence payload", ErrTruncated)
	}
	count, err := d.ReadUvarint()
	if err != nil {
		return nil, fmt.Errorf("%w: presence count: %v", ErrTruncated, err)
	}
	if count > MaxEntries || count > uint64(d.Remaining()) {
		return nil, fmt.Errorf("%w: %d entries", ErrBadPresence, count)
	}

	out := make([]PresenceEntry, 0, count)
	for i := uint64(0); i < count; i++ {
		p, err := decodeEntry(d)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrBadPresence, i, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func decodeEntry(d *Decoder) (PresenceEntry, error) {
	var p PresenceEntry
	var err error
	if p.ID, err = d.ReadString(); err != nil {
		return p, err
	}
	kind, err := d.ReadByte()
	if err != nil {
		return p, err
	}
	switch kind {
	case presenceRemoved:
		p.Removed = true
		p.Reason, err = d.ReadString()
		return p, err
	case presenceUpsert:
	default:
		return p, fmt.Errorf("unknown entry kind %d", kind)
	}
	if p.Name, err = d.ReadString(); err != nil {
		return p, err
	}
	if p.Color, err = d.ReadString(); err != nil {
		return p, err
	}
	if p.Anchor, err = d.ReadSvarint(); err != nil {
		return p, err
	}
	if p.Head, err = d.ReadSvarint(); err != nil {
		return p, err
	}
	at, err := d.ReadUvarint()
	if err != nil {
		return p, err
	}
	p.UpdatedAt = int64(at)
	return p, nil
}

package crdt

import (
	"encoding/binary"
	"fmt"
	"sort"
	"unicode/utf8"
)

const maxOps = 1 << 20

func encodeStateVector(sv map[uint64]uint64) []byte {
	clients := make([]uint64, 0, len(sv))
	for c := range sv {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })

	buf := binary.AppendUvarint(nil, uint64(len(clients)))
	for _, c := range clients {
		buf = binary.AppendUvarint(buf, c)
		buf = binary.AppendUvarint(buf, sv[c])
	}
	return buf
}

func decodeStateVector(b []byte) (map[uint64]uint64, error) {
	sv := make(map[uint64]uint64)
	if len(b) == 0 {
		return sv, nil
	}
	r := reader{buf: b}
	n, err := r.uvarint()
	if err != nil || n > uint64(len(b)) {
		return nil, fmt.Errorf("%w: count", ErrMalformedStateVector)
	}
	for i := uint64(0); i < n; i++ {
		c, err := r.uvarint()
		if err != nil {
			return nil, fmt.Errorf("%w: client %d", ErrMalformedStateVector, i)
		}
		clock, err := r.uvarint()
		if err != nil {
			return nil, fmt.Errorf("%w: clock %d", ErrMalformedStateVector, i)
		}
		sv[c] = clock
	}
	return sv, nil
}

// Update layout: varint count, then per op: kind byte, client, clock,
// lamport; inserts add a has-origin byte, the origin ID when set, and the
// rune; deletes add the target ID.
func encodeOps(ops []op) []byte {
	buf := binary.AppendUvarint(nil, uint64(len(ops)))
	for _, o := range ops {
		buf = append(buf, byte(o.kind))
		buf = binary.AppendUvarint(buf, o.id.Client)
		buf = binary.AppendUvarint(buf, o.id.Clock)
		buf = binary.AppendUvarint(buf, o.lamport)
		switch o.kind {
		case opInsert:
			if o.hasOrigin {
				buf = append(buf, 1)
				buf = binary.AppendUvarint(buf, o.origin.Client)
				buf = binary.AppendUvarint(buf, o.origin.Clock)
			} else {
				buf = append(buf, 0)
			}
			buf = binary.AppendUvarint(buf, uint64(o.value))
		case opDelete:
			buf = binary.AppendUvarint(buf, o.target.Client)
			buf = binary.AppendUvarint(buf, o.target.Clock)
		}
	}
	return buf
}

func decodeOps(b []byte) ([]op, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrMalformedUpdate)
	}
	r := reader{buf: b}
	n, err := r.uvarint()
	if err != nil || n > maxOps || n > uint64(len(b)) {
		return nil, fmt.Errorf("%w: op count", ErrMalformedUpdate)
	}
	ops := make([]op, 0, n)
	for i := uint64(0); i < n; i++ {
		o, err := r.op()
		if err != nil {
			return nil, fmt.Errorf("%w: op %d: %v", ErrMalformedUpdate, i, err)
		}
		ops = append(ops, o)
	}
	if r.pos != len(b) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedUpdate, len(b)-r.pos)
	}
	return ops, nil
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.pos:])
	if n <= 0 {
		return 0, fmt.Errorf("bad varint at %d", r.pos)
	}
	r.pos += n
	return v, nil
}

func (r *reader) next() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, fmt.Errorf("short buffer at %d", r.pos)
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) id() (ID, error) {
	c, err := r.uvarint()
	if err != nil {
		return ID{}, err
	}
	clock, err := r.uvarint()
	if err != nil {
		return ID{}, err
	}
	return ID{Client: c, Clock: clock}, nil
}

func (r *reader) op() (op, error) {
	var o op
	kind, err := r.next()
	if err != nil {
		return o, err
	}
	o.kind = opKind(kind)
	if o.id, err = r.id(); err != nil {
		return o, err
	}
	if o.lamport, err = r.uvarint(); err != nil {
		return o, err
	}
	switch o.kind {
	case opInsert:
		has, err := r.next()
		if err != nil {
			return o, err
		}
		if has > 1 {
			return o, fmt.Errorf("bad origin flag %d", has)
		}
		if has == 1 {
			o.hasOrigin = true
			if o.origin, err = r.id(); err != nil {
				return o, err
			}
		}
		v, err := r.uvarint()
		if err != nil {
			return o, err
		}
		if v > utf8.MaxRune || !utf8.ValidRune(rune(v)) {
			return o, fmt.Errorf("invalid rune %d", v)
		}
		o.value = rune(v)
	case opDelete:
		if o.target, err = r.id(); err != nil {
			return o, err
		}
	default:
		return o, fmt.Errorf("unknown op kind %d", kind)
	}
	return o, nil
}

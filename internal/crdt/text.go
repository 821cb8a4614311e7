// Package crdt implements a replicated growable array (RGA) over runes.
//
// Every replica owns a client ID and a contiguous clock. An operation is
// identified by (client, clock) and ordered by a Lamport timestamp. A state
// vector maps each client to the next clock expected from it, so the delta a
// peer is missing is every operation at or above its vector entry.
package crdt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
)

var (
	ErrMalformedUpdate      = errors.New("crdt: malformed update")
	ErrMalformedStateVector = errors.New("crdt: malformed state vector")
)

// ID identifies one operation.
type ID struct {
	Client uint64
	Clock  uint64
}

type opKind byte

const (
	opInsert opKind = 0
	opDelete opKind = 1
)

type op struct {
	kind    opKind
	id      ID
	lamport uint64

	// insert
	hasOrigin bool
	origin    ID
	value     rune

	// delete
	target ID
}

type item struct {
	id      ID
	lamport uint64
	value   rune
	deleted bool
}

// Text is a concurrent text document. It is safe for concurrent use.
type Text struct {
	mu      sync.Mutex
	client  uint64
	lamport uint64
	items   []*item
	index   map[ID]*item
	log     map[uint64][]op
	pending []op
}

func New(client uint64) *Text {
	return &Text{
		client: client,
		index:  make(map[ID]*item),
		log:    make(map[uint64][]op),
	}
}

// NewRandom returns a Text with a random client ID.
func NewRandom() *Text {
	u := uuid.New()
	return New(binary.BigEndian.Uint64(u[:8]))
}

func (t *Text) Client() uint64 { return t.client }

func (t *Text) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var b strings.Builder
	for _, it := range t.items {
		if !it.deleted {
			b.WriteRune(it.value)
		}
	}
	return b.String()
}

// Len returns the number of visible runes.
func (t *Text) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, it := range t.items {
		if !it.deleted {
			n++
		}
	}
	return n
}

// Insert inserts s before the visible rune at pos and returns the update
// describing the edit. pos is clamped to [0, Len()].
func (t *Text) Insert(pos int, s string) []byte {
	if s == "" {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	var origin *item
	if pos > 0 {
		origin = t.visibleAt(pos - 1)
	}
	ops := make([]op, 0, utf8.RuneCountInString(s))
	for _, r := range s {
		o := op{
			kind:    opInsert,
			id:      ID{Client: t.client, Clock: t.nextClock(t.client)},
			lamport: t.lamport + 1,
			value:   r,
		}
		if origin != nil {
			o.hasOrigin = true
			o.origin = origin.id
		}
		t.integrate(o)
		origin = t.index[o.id]
		ops = append(ops, o)
	}
	return encodeOps(ops)
}

// Delete removes n visible runes starting at pos and returns the update.
func (t *Text) Delete(pos, n int) []byte {
	if n <= 0 || pos < 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	var targets []ID
	seen := 0
	for _, it := range t.items {
		if it.deleted {
			continue
		}
		if seen >= pos && seen < pos+n {
			targets = append(targets, it.id)
		}
		seen++
	}
	if len(targets) == 0 {
		return nil
	}
	ops := make([]op, 0, len(targets))
	for _, target := range targets {
		o := op{
			kind:    opDelete,
			id:      ID{Client: t.client, Clock: t.nextClock(t.client)},
			lamport: t.lamport + 1,
			target:  target,
		}
		t.integrate(o)
		ops = append(ops, o)
	}
	return encodeOps(ops)
}

// StateVector encodes the next expected clock of every known client.
func (t *Text) StateVector() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	sv := make(map[uint64]uint64, len(t.log))
	for c, ops := range t.log {
		sv[c] = uint64(len(ops))
	}
	return encodeStateVector(sv)
}

// Diff returns every operation the holder of stateVector is missing. An empty
// or nil vector yields the full document.
func (t *Text) Diff(stateVector []byte) ([]byte, error) {
	sv, err := decodeStateVector(stateVector)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []op
	for _, c := range t.clients() {
		ops := t.log[c]
		from := sv[c]
		if from < uint64(len(ops)) {
			out = append(out, ops[from:]...)
		}
	}
	return encodeOps(out), nil
}

// Apply merges an update. Operations already seen are skipped and operations
// whose dependencies are missing wait until they arrive. The update is
// validated in full before anything is integrated.
func (t *Text) Apply(update []byte) error {
	ops, err := decodeOps(update)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, o := range ops {
		if o.id.Clock < t.nextClock(o.id.Client) || t.isPending(o.id) {
			continue
		}
		t.pending = append(t.pending, o)
	}
	t.drain()
	return nil
}

// Pending returns the number of operations waiting for dependencies.
func (t *Text) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *Text) drain() {
	for progressed := true; progressed; {
		progressed = false
		rest := t.pending[:0]
		for _, o := range t.pending {
			if t.ready(o) {
				t.integrate(o)
				progressed = true
				continue
			}
			if o.id.Clock < t.nextClock(o.id.Client) {
				continue
			}
			rest = append(rest, o)
		}
		t.pending = rest
	}
}

func (t *Text) ready(o op) bool {
	if o.id.Clock != t.nextClock(o.id.Client) {
		return false
	}
	switch o.kind {
	case opInsert:
		if !o.hasOrigin {
			return true
		}
		_, ok := t.index[o.origin]
		return ok
	case opDelete:
		_, ok := t.index[o.target]
		return ok
	}
	return false
}

func (t *Text) integrate(o op) {
	switch o.kind {
	case opInsert:
		pos := 0
		if o.hasOrigin {
			pos = t.indexOf(o.origin) + 1
		}
		for pos < len(t.items) && precedes(t.items[pos], o) {
			pos++
		}
		it := &item{id: o.id, lamport: o.lamport, value: o.value}
		t.items = append(t.items, nil)
		copy(t.items[pos+1:], t.items[pos:])
		t.items[pos] = it
		t.index[o.id] = it
	case opDelete:
		t.index[o.target].deleted = true
	}
	t.log[o.id.Client] = append(t.log[o.id.Client], o)
	if o.lamport > t.lamport {
		t.lamport = o.lamport
	}
}

// precedes reports whether an existing item stays ahead of a concurrent
// insert sharing its origin.
func precedes(it *item, o op) bool {
	if it.lamport != o.lamport {
		return it.lamport > o.lamport
	}
	return it.id.Client > o.id.Client
}

func (t *Text) indexOf(id ID) int {
	for i, it := range t.items {
		if it.id == id {
			return i
		}
	}
	return -1
}

func (t *Text) visibleAt(pos int) *item {
	var last *item
	seen := 0
	for _, it := range t.items {
		if it.deleted {
			continue
		}
		last = it
		if seen == pos {
			return it
		}
		seen++
	}
	return last
}

func (t *Text) nextClock(client uint64) uint64 {
	return uint64(len(t.log[client]))
}

func (t *Text) isPending(id ID) bool {
	for _, o := range t.pending {
		if o.id == id {
			return true
		}
	}
	return false
}

func (t *Text) clients() []uint64 {
	out := make([]uint64, 0, len(t.log))
	for c := range t.log {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (i ID) String() string {
	return fmt.Sprintf("%d@%d", i.Clock, i.Client)
}

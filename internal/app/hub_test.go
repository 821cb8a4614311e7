package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/cowrite/internal/core"
	"github.com/dkeye/cowrite/internal/crdt"
	"github.com/dkeye/cowrite/internal/domain"
	"github.com/dkeye/cowrite/internal/metrics"
	"github.com/dkeye/cowrite/internal/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type testPeer struct {
	id  domain.ConnID
	out chan core.Frame

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newPeer(id domain.ConnID, queue int) *testPeer {
	return &testPeer{id: id, out: make(chan core.Frame, queue), done: make(chan struct{})}
}

func (p *testPeer) ID() domain.ConnID { return p.id }

func (p *testPeer) TrySend(f core.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return core.ErrPeerClosed
	}
	select {
	case p.out <- f:
		return nil
	default:
		return core.ErrBackpressure
	}
}

func (p *testPeer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.done)
	}
}

func (p *testPeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	return c.t
}

type harness struct {
	hub     *Hub
	metrics *metrics.Metrics
	clock   *fakeClock
}

func testOptions() Options {
	return Options{
		HeartbeatInterval: time.Hour, // ticks are driven by the test
		WatchWindow:       10 * time.Second,
		StaleAfter:        30 * time.Second,
		RoomTTL:           time.Minute,
	}
}

func startHub(t *testing.T, opts Options, extra ...Option) *harness {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m := metrics.New(prometheus.NewRegistry())
	hub := NewHub(opts, m, append([]Option{WithClock(clock.Now)}, extra...)...)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = hub.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-hub.Done()
	})
	return &harness{hub: hub, metrics: m, clock: clock}
}

// barrier waits until every previously posted event has been handled.
func (h *harness) barrier(t *testing.T) Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := h.hub.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	return st
}

func (h *harness) tick(t *testing.T, d time.Duration) {
	t.Helper()
	if err := h.hub.post(tickEvent{at: h.clock.Advance(d)}); err != nil {
		t.Fatal(err)
	}
	h.barrier(t)
}

func (h *harness) join(t *testing.T, id domain.ConnID, room domain.RoomName) *testPeer {
	t.Helper()
	p := newPeer(id, 64)
	if err := h.hub.Register(p, room, "token-"+string(id)); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	h.barrier(t)
	return p
}

func next(t *testing.T, p *testPeer) *protocol.Message {
	t.Helper()
	select {
	case f := <-p.out:
		msg, err := protocol.Decode(f)
		if err != nil {
			t.Fatalf("peer %s got undecodable frame %x: %v", p.id, f, err)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("peer %s: no frame received", p.id)
		return nil
	}
}

func nextOf(t *testing.T, p *testPeer, typ protocol.MessageType) *protocol.Message {
	t.Helper()
	for {
		if msg := next(t, p); msg.Type == typ {
			return msg
		}
	}
}

func expectNone(t *testing.T, p *testPeer) {
	t.Helper()
	if n := len(p.out); n != 0 {
		t.Fatalf("peer %s has %d unexpected frames", p.id, n)
	}
}

// skipHandshake consumes STEP1 and STEP2 and returns the snapshot.
func skipHandshake(t *testing.T, p *testPeer) []byte {
	t.Helper()
	if msg := next(t, p); msg.Type != protocol.MessageSync || msg.Step != protocol.SyncStep1 {
		t.Fatalf("first frame = %v/%v, want SYNC/STEP1", msg.Type, msg.Step)
	}
	msg := next(t, p)
	if msg.Type != protocol.MessageSync || msg.Step != protocol.SyncStep2 {
		t.Fatalf("second frame = %v/%v, want SYNC/STEP2", msg.Type, msg.Step)
	}
	return msg.Payload
}

func presenceFrame(name string, anchor int64) []byte {
	return protocol.EncodePresence([]protocol.PresenceEntry{{Name: name, Color: "#123456", Anchor: anchor, Head: anchor}})
}

func TestJoinHandshakeIncludesPresenceSnapshot(t *testing.T) {
	h := startHub(t, testOptions())

	a := h.join(t, "a", "doc")
	skipHandshake(t, a)
	expectNone(t, a)

	h.hub.Deliver("a", presenceFrame("Ada", 0), true)
	b := h.join(t, "b", "doc")
	skipHandshake(t, b)

	msg := next(t, b)
	if msg.Type != protocol.MessagePresence {
		t.Fatalf("third frame = %v, want PRESENCE", msg.Type)
	}
	if len(msg.Presence) != 1 || msg.Presence[0].ID != "a" || msg.Presence[0].Name != "Ada" {
		t.Errorf("presence snapshot = %+v", msg.Presence)
	}
	expectNone(t, a)

	st := h.barrier(t)
	if st.Connections != 2 || st.Rooms != 1 {
		t.Errorf("Status = %+v, want 2 connections in 1 room", st)
	}
}

func TestLateJoinerGetsEveryPresenceEntry(t *testing.T) {
	h := startHub(t, testOptions())

	names := map[domain.ConnID]string{"d": "Dee", "b": "Bo", "a": "Ada", "c": "Cy"}
	for _, id := range []domain.ConnID{"d", "b", "a", "c"} {
		h.join(t, id, "doc")
		h.hub.Deliver(id, presenceFrame(names[id], 0), true)
	}
	h.barrier(t)

	late := h.join(t, "z", "doc")
	skipHandshake(t, late)
	msg := next(t, late)
	if msg.Type != protocol.MessagePresence {
		t.Fatalf("third frame = %v, want PRESENCE", msg.Type)
	}
	if len(msg.Presence) != len(names) {
		t.Fatalf("snapshot has %d entries, want %d: %+v", len(msg.Presence), len(names), msg.Presence)
	}
	for i, want := range []domain.ConnID{"a", "b", "c", "d"} {
		e := msg.Presence[i]
		if domain.ConnID(e.ID) != want || e.Name != names[want] || e.Removed {
			t.Errorf("entry %d = %+v, want %s/%s", i, e, want, names[want])
		}
	}
	expectNone(t, late)
}

func TestUpdateNeverReturnsToOrigin(t *testing.T) {
	h := startHub(t, testOptions())
	a, b, c := h.join(t, "a", "doc"), h.join(t, "b", "doc"), h.join(t, "c", "doc")
	for _, p := range []*testPeer{a, b, c} {
		skipHandshake(t, p)
	}

	author := crdt.New(1)
	update := protocol.EncodeSync(protocol.SyncUpdate, author.Insert(0, "hi"))
	h.hub.Deliver("a", update, true)
	h.barrier(t)

	for _, p := range []*testPeer{b, c} {
		msg := next(t, p)
		if msg.Type != protocol.MessageSync || msg.Step != protocol.SyncUpdate {
			t.Fatalf("peer %s got %v/%v, want SYNC/UPDATE", p.id, msg.Type, msg.Step)
		}
		replica := crdt.New(2)
		if err := replica.Apply(msg.Payload); err != nil {
			t.Fatal(err)
		}
		if replica.String() != "hi" {
			t.Errorf("peer %s replica = %q", p.id, replica.String())
		}
	}
	expectNone(t, a)

	// a replayed update integrates nothing and is not rebroadcast
	h.hub.Deliver("b", update, true)
	h.barrier(t)
	expectNone(t, a)
	expectNone(t, c)

	if got := testutil.ToFloat64(h.metrics.UpdatesApplied); got != 1 {
		t.Errorf("updates applied = %v, want 1", got)
	}
}

func TestStep1AnsweredWithDiff(t *testing.T) {
	h := startHub(t, testOptions())
	a := h.join(t, "a", "doc")
	skipHandshake(t, a)

	author := crdt.New(1)
	h.hub.Deliver("a", protocol.EncodeSync(protocol.SyncStep2, author.Insert(0, "abc")), true)
	h.hub.Deliver("a", protocol.EncodeSync(protocol.SyncStep1, author.StateVector()), true)
	h.barrier(t)

	msg := next(t, a)
	if msg.Step != protocol.SyncStep2 {
		t.Fatalf("reply = %v, want STEP2", msg.Step)
	}
	if err := author.Apply(msg.Payload); err != nil {
		t.Fatalf("diff does not apply: %v", err)
	}
	if author.String() != "abc" {
		t.Errorf("author = %q", author.String())
	}
}

func TestMalformedFramesAreDroppedAndCounted(t *testing.T) {
	h := startHub(t, testOptions())
	a, b := h.join(t, "a", "doc"), h.join(t, "b", "doc")
	skipHandshake(t, a)
	skipHandshake(t, b)

	h.hub.Deliver("a", []byte{0x00}, true)       // truncated
	h.hub.Deliver("a", []byte{0x02, 0x00}, true) // reserved AUTH
	h.hub.Deliver("a", []byte{0x09}, true)       // unknown type
	h.hub.Deliver("a", []byte("hello"), false)   // text message
	// rejected by the document
	h.hub.Deliver("a", protocol.EncodeSync(protocol.SyncUpdate, []byte{0x07}), true)

	st := h.barrier(t)
	if st.DroppedFrames != 5 {
		t.Errorf("DroppedFrames = %d, want 5", st.DroppedFrames)
	}
	if got := testutil.ToFloat64(h.metrics.FramesDropped.WithLabelValues(metrics.DropProtocol)); got != 4 {
		t.Errorf("protocol drops = %v, want 4", got)
	}
	if got := testutil.ToFloat64(h.metrics.FramesDropped.WithLabelValues(metrics.DropMerge)); got != 1 {
		t.Errorf("merge drops = %v, want 1", got)
	}
	if a.isClosed() || st.Connections != 2 {
		t.Fatalf("malformed frames must not close the connection")
	}
	expectNone(t, b)

	h.hub.Deliver("a", protocol.EncodeSync(protocol.SyncUpdate, crdt.New(5).Insert(0, "ok")), true)
	h.barrier(t)
	if msg := next(t, b); msg.Step != protocol.SyncUpdate {
		t.Errorf("valid update after garbage not relayed: %v", msg.Step)
	}
}

func TestCloseBroadcastsPresenceRemoval(t *testing.T) {
	h := startHub(t, testOptions())
	a, b := h.join(t, "a", "doc"), h.join(t, "b", "doc")
	skipHandshake(t, a)
	skipHandshake(t, b)

	h.hub.Deliver("a", presenceFrame("Ada", 3), true)
	h.barrier(t)
	if msg := next(t, b); msg.Type != protocol.MessagePresence || msg.Presence[0].ID != "a" {
		t.Fatalf("presence upsert = %+v", msg)
	}
	expectNone(t, a)

	h.hub.Disconnect("a", nil)
	st := h.barrier(t)

	msg := next(t, b)
	if msg.Type != protocol.MessagePresence || len(msg.Presence) != 1 {
		t.Fatalf("removal frame = %+v", msg)
	}
	if e := msg.Presence[0]; !e.Removed || e.ID != "a" || e.Reason != core.ReasonClosed {
		t.Errorf("removal = %+v", e)
	}
	if !a.isClosed() {
		t.Errorf("transport of a not closed")
	}
	if st.Connections != 1 {
		t.Errorf("Connections = %d, want 1", st.Connections)
	}
}

func TestHeartbeatPingsThenReaps(t *testing.T) {
	h := startHub(t, testOptions())
	a, b := h.join(t, "a", "doc"), h.join(t, "b", "doc")
	skipHandshake(t, a)
	skipHandshake(t, b)
	h.hub.Deliver("a", presenceFrame("Ada", 0), true)
	h.barrier(t)
	next(t, b) // a's presence

	h.tick(t, 5*time.Second)
	expectNone(t, a)
	expectNone(t, b)

	h.tick(t, 6*time.Second)
	if msg := next(t, a); msg.Type != protocol.MessagePing {
		t.Fatalf("a got %v, want PING", msg.Type)
	}
	if msg := next(t, b); msg.Type != protocol.MessagePing {
		t.Fatalf("b got %v, want PING", msg.Type)
	}

	h.hub.Deliver("b", protocol.EncodePong(), true)
	h.tick(t, 20*time.Second)

	if !a.isClosed() {
		t.Fatalf("stale connection a was not reaped")
	}
	msg := nextOf(t, b, protocol.MessagePresence)
	if e := msg.Presence[0]; !e.Removed || e.ID != "a" || e.Reason != core.ReasonTimeout {
		t.Errorf("removal = %+v", e)
	}
	if b.isClosed() {
		t.Errorf("b answered the ping and must stay open")
	}
	if got := testutil.ToFloat64(h.metrics.ConnectionsReaped); got != 1 {
		t.Errorf("reaped = %v, want 1", got)
	}
}

func TestPingIsAnsweredWithPong(t *testing.T) {
	h := startHub(t, testOptions())
	a := h.join(t, "a", "doc")
	skipHandshake(t, a)
	h.hub.Deliver("a", protocol.EncodePing(), true)
	h.barrier(t)
	if msg := next(t, a); msg.Type != protocol.MessagePong {
		t.Errorf("got %v, want PONG", msg.Type)
	}
}

func TestRoomTeardownAndDormantRevival(t *testing.T) {
	h := startHub(t, testOptions())
	a := h.join(t, "a", "notes")
	skipHandshake(t, a)
	h.hub.Deliver("a", protocol.EncodeSync(protocol.SyncUpdate, crdt.New(1).Insert(0, "hello")), true)
	h.hub.Disconnect("a", errors.New("reset by peer"))

	st := h.barrier(t)
	if st.Rooms != 0 || st.Dormant != 1 {
		t.Fatalf("Status = %+v, want 0 rooms and 1 dormant session", st)
	}
	rooms, err := h.hub.Rooms(context.Background())
	if err != nil || len(rooms) != 0 {
		t.Fatalf("Rooms() = %v, %v; dormant sessions are not rooms", rooms, err)
	}

	b := h.join(t, "b", "notes")
	replica := crdt.New(2)
	if err := replica.Apply(skipHandshake(t, b)); err != nil {
		t.Fatal(err)
	}
	if replica.String() != "hello" {
		t.Errorf("revived snapshot = %q, want hello", replica.String())
	}

	h.hub.Disconnect("b", nil)
	h.tick(t, 2*time.Minute)
	if st := h.barrier(t); st.Dormant != 0 {
		t.Errorf("dormant session not released after TTL: %+v", st)
	}
}

func TestRoomTeardownWithoutRetention(t *testing.T) {
	opts := testOptions()
	opts.RoomTTL = 0
	h := startHub(t, opts)

	a := h.join(t, "a", "notes")
	skipHandshake(t, a)
	h.hub.Deliver("a", protocol.EncodeSync(protocol.SyncUpdate, crdt.New(1).Insert(0, "gone")), true)
	h.hub.Disconnect("a", nil)
	if st := h.barrier(t); st.Rooms != 0 || st.Dormant != 0 {
		t.Fatalf("Status = %+v", st)
	}

	b := h.join(t, "b", "notes")
	replica := crdt.New(2)
	if err := replica.Apply(skipHandshake(t, b)); err != nil {
		t.Fatal(err)
	}
	if replica.String() != "" {
		t.Errorf("new room should start empty, got %q", replica.String())
	}
}

func TestRoomsListing(t *testing.T) {
	h := startHub(t, testOptions())
	h.join(t, "a", "beta")
	h.join(t, "b", "alpha")
	h.join(t, "c", "")
	h.hub.Deliver("b", presenceFrame("Bo", 0), true)

	rooms, err := h.hub.Rooms(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(rooms) != 3 || rooms[0].Name != "alpha" || rooms[2].Name != domain.DefaultRoom {
		t.Fatalf("Rooms() = %+v", rooms)
	}
	if p := rooms[0].Presence; len(p) != 1 || p[0].Name != "Bo" || p[0].Token != "token-b" {
		t.Errorf("alpha presence = %+v", p)
	}
}

func TestBackpressureKicksSlowPeer(t *testing.T) {
	h := startHub(t, testOptions())
	a := h.join(t, "a", "doc")
	skipHandshake(t, a)

	slow := newPeer("slow", 2) // room for the handshake only
	if err := h.hub.Register(slow, "doc", ""); err != nil {
		t.Fatal(err)
	}
	h.hub.Deliver("a", presenceFrame("Ada", 0), true)
	st := h.barrier(t)

	if !slow.isClosed() {
		t.Fatalf("slow peer was not kicked")
	}
	if st.Connections != 1 {
		t.Errorf("Connections = %d, want 1", st.Connections)
	}
	if got := testutil.ToFloat64(h.metrics.ConnectionsKicked); got != 1 {
		t.Errorf("kicked = %v, want 1", got)
	}
	expectNone(t, a)
}

func TestDropPolicyKeepsSlowPeer(t *testing.T) {
	h := startHub(t, testOptions(), WithPolicy(DropPolicy{}))
	a := h.join(t, "a", "doc")
	skipHandshake(t, a)

	slow := newPeer("slow", 2) // room for the handshake only
	if err := h.hub.Register(slow, "doc", ""); err != nil {
		t.Fatal(err)
	}
	h.hub.Deliver("a", presenceFrame("Ada", 0), true)
	st := h.barrier(t)

	if slow.isClosed() {
		t.Fatal("slow peer was kicked under the drop policy")
	}
	if st.Connections != 2 {
		t.Errorf("Connections = %d, want 2", st.Connections)
	}
	if got := testutil.ToFloat64(h.metrics.ConnectionsKicked); got != 0 {
		t.Errorf("kicked = %v, want 0", got)
	}

	// once drained the peer receives later frames again
	skipHandshake(t, slow)
	h.hub.Deliver("a", presenceFrame("Ada", 3), true)
	h.barrier(t)
	if msg := next(t, slow); msg.Type != protocol.MessagePresence || msg.Presence[0].Anchor != 3 {
		t.Errorf("slow peer got %+v, want the new presence", msg)
	}
}

func TestPolicyByName(t *testing.T) {
	for name, want := range map[string]Policy{"": SimplePolicy{}, "kick": SimplePolicy{}, "drop": DropPolicy{}} {
		got, err := PolicyByName(name)
		if err != nil || got != want {
			t.Errorf("PolicyByName(%q) = %T, %v", name, got, err)
		}
	}
	if _, err := PolicyByName("ignore"); err == nil {
		t.Error("unknown policy should fail")
	}
}

type panickyDoc struct{ core.Document }

func (panickyDoc) Apply([]byte) error { panic("boom") }

func TestPanicInHandlerIsRecovered(t *testing.T) {
	h := startHub(t, testOptions(), WithDocumentFactory(func() core.Document {
		return panickyDoc{Document: crdt.New(0)}
	}))
	a := h.join(t, "a", "doc")
	skipHandshake(t, a)

	h.hub.Deliver("a", protocol.EncodeSync(protocol.SyncUpdate, crdt.New(1).Insert(0, "x")), true)
	st := h.barrier(t)
	if st.Connections != 1 {
		t.Errorf("hub lost state after panic: %+v", st)
	}
	if got := testutil.ToFloat64(h.metrics.PanicsRecovered); got != 1 {
		t.Errorf("panics = %v, want 1", got)
	}
}

func TestStopClosesEveryConnection(t *testing.T) {
	h := startHub(t, testOptions())
	a, b := h.join(t, "a", "x"), h.join(t, "b", "y")

	h.hub.Stop()
	<-h.hub.Done()
	if !a.isClosed() || !b.isClosed() {
		t.Errorf("connections left open after Stop")
	}
	if err := h.hub.Register(newPeer("c", 4), "x", ""); !errors.Is(err, ErrHubStopped) {
		t.Errorf("Register() after stop = %v, want ErrHubStopped", err)
	}
}

// Two editors share a document: each sees the other's text and presence.
func TestTwoEditorsConverge(t *testing.T) {
	h := startHub(t, testOptions())
	a, b := h.join(t, "a", "demo"), h.join(t, "b", "demo")
	docA, docB := crdt.New(1), crdt.New(2)
	for _, pair := range []struct {
		p   *testPeer
		doc *crdt.Text
	}{{a, docA}, {b, docB}} {
		if err := pair.doc.Apply(skipHandshake(t, pair.p)); err != nil {
			t.Fatal(err)
		}
	}

	h.hub.Deliver("a", protocol.EncodeSync(protocol.SyncUpdate, docA.Insert(0, "Hello")), true)
	h.hub.Deliver("a", presenceFrame("A", 5), true)
	h.barrier(t)
	if err := docB.Apply(nextOf(t, b, protocol.MessageSync).Payload); err != nil {
		t.Fatal(err)
	}
	if msg := nextOf(t, b, protocol.MessagePresence); msg.Presence[0].Anchor != 5 {
		t.Errorf("cursor of A = %+v", msg.Presence[0])
	}

	h.hub.Deliver("b", protocol.EncodeSync(protocol.SyncUpdate, docB.Insert(docB.Len(), " World")), true)
	h.barrier(t)
	if err := docA.Apply(nextOf(t, a, protocol.MessageSync).Payload); err != nil {
		t.Fatal(err)
	}

	if docA.String() != "Hello World" || docB.String() != docA.String() {
		t.Errorf("a=%q b=%q, want Hello World", docA.String(), docB.String())
	}
}

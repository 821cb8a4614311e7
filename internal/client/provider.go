// Package client is the consumer side of the relay: a Provider keeps a local
// document in sync over a reconnecting relay link and falls back to a peer
// mesh while the relay is unreachable.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/cowrite/internal/core"
	"github.com/dkeye/cowrite/internal/crdt"
	"github.com/dkeye/cowrite/internal/domain"
	"github.com/dkeye/cowrite/internal/protocol"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

var (
	ErrAlreadyRunning = errors.New("client: already connected")
	ErrNotConnected   = errors.New("client: no live transport")
)

const eventBuffer = 256

type Option func(*Provider)

func WithMesh(m Mesh) Option { return func(p *Provider) { p.mesh = m } }

func WithBackoff(b Backoff) Option { return func(p *Provider) { p.backoff = b } }

// WithProbe samples relay latency every interval while connected or not.
func WithProbe(pr *Probe, interval time.Duration) Option {
	return func(p *Provider) {
		p.probe = pr
		p.probeEvery = interval
	}
}

func WithDocument(doc *crdt.Text) Option { return func(p *Provider) { p.doc = doc } }

// WithKeepalive sets how long the relay link may stay inbound-silent before
// the provider pings the relay. Keep it below the transport read timeout.
// Zero disables keepalive pings.
func WithKeepalive(watch time.Duration) Option { return func(p *Provider) { p.keepalive = watch } }

type Provider struct {
	transport  Transport
	mesh       Mesh
	probe      *Probe
	probeEvery time.Duration
	keepalive  time.Duration
	backoff    Backoff
	doc        *crdt.Text
	events     chan Event

	// unix nanos of the last frame read from the relay link
	lastInbound atomic.Int64

	mu         sync.Mutex
	status     Status
	link       Link
	meshActive bool
	self       domain.Presence
	hasSelf    bool
	peers      map[domain.ConnID]domain.Presence
	meshPeers  map[string]struct{}
	latency    time.Duration
	cancel     context.CancelFunc
	wg         *conc.WaitGroup
}

func NewProvider(t Transport, opts ...Option) *Provider {
	p := &Provider{
		transport:  t,
		backoff:    DefaultBackoff(),
		probeEvery: 10 * time.Second,
		keepalive:  15 * time.Second,
		events:     make(chan Event, eventBuffer),
		peers:      make(map[domain.ConnID]domain.Presence),
		meshPeers:  make(map[string]struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	if p.doc == nil {
		p.doc = crdt.NewRandom()
	}
	return p
}

// Connect starts the reconnect loop. After the provider reports
// StatusDisconnected, call Disconnect before connecting again.
func (p *Provider) Connect(ctx context.Context) error {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	wg := conc.NewWaitGroup()
	p.cancel, p.wg = cancel, wg
	p.mu.Unlock()

	wg.Go(func() { p.run(ctx) })
	if p.probe != nil {
		wg.Go(func() { p.probeLoop(ctx) })
	}
	return nil
}

// Disconnect cancels any in-flight dial or backoff sleep, closes the live
// link and waits for the provider goroutines to exit.
func (p *Provider) Disconnect() {
	p.mu.Lock()
	cancel, wg := p.cancel, p.wg
	p.cancel, p.wg = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	wg.Wait()
	p.deactivateMesh()
	p.setStatus(StatusOffline)
}

func (p *Provider) Events() <-chan Event { return p.events }

func (p *Provider) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Provider) Latency() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latency
}

func (p *Provider) MeshActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.meshActive
}

func (p *Provider) Text() string { return p.doc.String() }

// Peers returns the presence of everyone else in the room, ordered by
// connection ID.
func (p *Provider) Peers() []domain.Presence {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peersLocked()
}

// Insert and Delete always succeed locally. Without a live transport the
// change waits in the document until the next handshake.
func (p *Provider) Insert(pos int, s string) { p.publish(p.doc.Insert(pos, s)) }

func (p *Provider) Delete(pos, n int) { p.publish(p.doc.Delete(pos, n)) }

func (p *Provider) SetPresence(name, color string, cursor domain.Cursor) error {
	self := domain.Presence{Name: name, Color: color, Cursor: cursor, UpdatedAt: time.Now()}
	if err := self.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	p.self, p.hasSelf = self, true
	p.mu.Unlock()
	p.broadcast(presenceFrame(self))
	return nil
}

// Resync re-sends local presence and re-runs the sync handshake over the
// live transport without reconnecting.
func (p *Provider) Resync() error {
	full, err := p.doc.Diff(nil)
	if err != nil {
		return fmt.Errorf("resync: %w", err)
	}
	p.mu.Lock()
	link, meshActive := p.link, p.meshActive
	self, hasSelf := p.self, p.hasSelf
	p.mu.Unlock()

	var frames [][]byte
	if hasSelf {
		frames = append(frames, presenceFrame(self))
	}
	frames = append(frames,
		protocol.EncodeSync(protocol.SyncStep1, p.doc.StateVector()),
		protocol.EncodeSync(protocol.SyncStep2, full),
	)

	switch {
	case link != nil:
		for _, f := range frames {
			if err := link.WriteFrame(f); err != nil {
				return fmt.Errorf("resync: %w", err)
			}
		}
	case meshActive:
		for _, f := range frames {
			p.mesh.Broadcast(f)
		}
	default:
		return ErrNotConnected
	}
	log.Info().Str("module", "client").Msg("resync sent")
	return nil
}

func (p *Provider) run(ctx context.Context) {
	failures := 0
	lost := false
	for {
		if failures > 0 || lost {
			p.setStatus(StatusReconnecting)
		} else {
			p.setStatus(StatusConnecting)
		}

		link, err := p.transport.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			log.Warn().Err(err).Str("module", "client").Int("attempt", failures).Msg("relay dial failed")
			if p.backoff.Exhausted(failures) {
				p.setStatus(StatusDisconnected)
				return
			}
			p.activateMesh(ctx)
			if !sleepCtx(ctx, p.backoff.Delay(failures-1)) {
				return
			}
			continue
		}

		failures = 0
		p.deactivateMesh()
		err = p.serve(ctx, link)
		if ctx.Err() != nil {
			return
		}
		lost = true
		log.Warn().Err(err).Str("module", "client").Msg("relay link lost")
		p.activateMesh(ctx)
	}
}

func (p *Provider) serve(ctx context.Context, link Link) error {
	stop := context.AfterFunc(ctx, func() { _ = link.Close() })
	defer stop()

	p.attach(link)
	defer p.detach(link)

	p.lastInbound.Store(time.Now().UnixNano())
	if p.keepalive > 0 {
		kctx, kcancel := context.WithCancel(ctx)
		var wg conc.WaitGroup
		defer wg.Wait()
		defer kcancel()
		wg.Go(func() { p.keepaliveLoop(kctx, link) })
	}

	for {
		frame, err := link.ReadFrame()
		if err != nil {
			return err
		}
		p.lastInbound.Store(time.Now().UnixNano())
		p.handle("", frame, link.WriteFrame)
	}
}

// keepaliveLoop pings the relay once the link has been inbound-silent for
// the keepalive window. The relay never pings a connection that keeps
// writing.
func (p *Provider) keepaliveLoop(ctx context.Context, link Link) {
	t := time.NewTicker(p.keepalive / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if now.Sub(time.Unix(0, p.lastInbound.Load())) < p.keepalive {
				continue
			}
			if err := link.WriteFrame(protocol.EncodePing()); err != nil {
				log.Debug().Err(err).Str("module", "client").Msg("keepalive ping")
			}
		}
	}
}

func (p *Provider) attach(link Link) {
	p.mu.Lock()
	p.link = link
	// the relay sends a fresh presence snapshot on every handshake
	clear(p.peers)
	clear(p.meshPeers)
	self, hasSelf := p.self, p.hasSelf
	peers := p.peersLocked()
	p.mu.Unlock()

	p.setStatus(StatusConnected)
	p.emit(Event{Kind: EventPresence, Peers: peers})
	if hasSelf {
		if err := link.WriteFrame(presenceFrame(self)); err != nil {
			log.Debug().Err(err).Str("module", "client").Msg("presence write")
		}
	}
}

func (p *Provider) detach(link Link) {
	p.mu.Lock()
	if p.link == link {
		p.link = nil
	}
	p.mu.Unlock()
	_ = link.Close()
}

// handle processes one inbound frame. from is empty for the relay and the
// mesh peer ID otherwise; reply answers the sender.
func (p *Provider) handle(from string, frame []byte, reply func([]byte) error) {
	msg, err := protocol.Decode(frame)
	if err != nil {
		log.Debug().Err(err).Str("module", "client").Str("from", from).Msg("dropping frame")
		return
	}
	switch msg.Type {
	case protocol.MessageSync:
		switch msg.Step {
		case protocol.SyncStep1:
			diff, err := p.doc.Diff(msg.Payload)
			if err != nil {
				log.Debug().Err(err).Str("module", "client").Msg("bad state vector")
				return
			}
			p.reply(reply, protocol.EncodeSync(protocol.SyncStep2, diff))
		case protocol.SyncStep2, protocol.SyncUpdate:
			p.applyRemote(msg.Payload)
		}
	case protocol.MessagePresence:
		p.applyPresence(from, msg.Presence)
	case protocol.MessagePing:
		p.reply(reply, protocol.EncodePong())
	case protocol.MessagePong:
	}
}

func (p *Provider) reply(reply func([]byte) error, frame []byte) {
	if err := reply(frame); err != nil {
		log.Debug().Err(err).Str("module", "client").Msg("reply failed")
	}
}

func (p *Provider) applyRemote(update []byte) {
	before := p.doc.StateVector()
	if err := p.doc.Apply(update); err != nil {
		log.Debug().Err(err).Str("module", "client").Msg("rejected update")
		return
	}
	if bytes.Equal(before, p.doc.StateVector()) {
		return
	}
	p.emit(Event{Kind: EventDocument, Text: p.doc.String()})
}

func (p *Provider) applyPresence(from string, entries []protocol.PresenceEntry) {
	p.mu.Lock()
	for _, e := range entries {
		if from != "" {
			// mesh peers can only speak for themselves
			e.ID = from
			p.meshPeers[from] = struct{}{}
		}
		id := domain.ConnID(e.ID)
		if e.Removed {
			delete(p.peers, id)
			continue
		}
		p.peers[id] = core.FromWire(e)
	}
	peers := p.peersLocked()
	p.mu.Unlock()
	p.emit(Event{Kind: EventPresence, Peers: peers})
}

func (p *Provider) publish(update []byte) {
	if update == nil {
		return
	}
	p.broadcast(protocol.EncodeSync(protocol.SyncUpdate, update))
}

func (p *Provider) broadcast(frame []byte) {
	p.mu.Lock()
	link, meshActive := p.link, p.meshActive
	p.mu.Unlock()
	switch {
	case link != nil:
		// a failed write surfaces in the read loop
		if err := link.WriteFrame(frame); err != nil {
			log.Debug().Err(err).Str("module", "client").Msg("relay write")
		}
	case meshActive:
		p.mesh.Broadcast(frame)
	}
}

func (p *Provider) activateMesh(ctx context.Context) {
	if p.mesh == nil {
		return
	}
	p.mu.Lock()
	active := p.meshActive
	p.mu.Unlock()
	if active {
		return
	}
	if err := p.mesh.Activate(ctx, meshHandler{p}); err != nil {
		log.Warn().Err(err).Str("module", "client").Msg("mesh activation failed")
		return
	}
	p.mu.Lock()
	p.meshActive = true
	p.mu.Unlock()
	log.Info().Str("module", "client").Msg("mesh fallback active")
	p.emit(Event{Kind: EventMesh, Mesh: true})
}

func (p *Provider) deactivateMesh() {
	p.mu.Lock()
	if !p.meshActive {
		p.mu.Unlock()
		return
	}
	p.meshActive = false
	for id := range p.meshPeers {
		delete(p.peers, domain.ConnID(id))
	}
	clear(p.meshPeers)
	p.mu.Unlock()

	p.mesh.Deactivate()
	log.Info().Str("module", "client").Msg("mesh fallback stopped")
	p.emit(Event{Kind: EventMesh, Mesh: false})
}

func (p *Provider) probeLoop(ctx context.Context) {
	t := time.NewTicker(p.probeEvery)
	defer t.Stop()
	for {
		rtt, err := p.probe.Measure(ctx)
		if err == nil {
			p.mu.Lock()
			p.latency = rtt
			p.mu.Unlock()
			p.emit(Event{Kind: EventLatency, Latency: rtt})
		} else if ctx.Err() == nil {
			log.Debug().Err(err).Str("module", "client").Msg("health probe")
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (p *Provider) setStatus(s Status) {
	p.mu.Lock()
	if p.status == s {
		p.mu.Unlock()
		return
	}
	p.status = s
	p.mu.Unlock()
	log.Info().Str("module", "client").Str("status", s.String()).Msg("status")
	p.emit(Event{Kind: EventStatus, Status: s})
}

func (p *Provider) emit(ev Event) {
	select {
	case p.events <- ev:
	default:
		log.Debug().Str("module", "client").Int("kind", int(ev.Kind)).Msg("event buffer full, dropping")
	}
}

func (p *Provider) peersLocked() []domain.Presence {
	out := make([]domain.Presence, 0, len(p.peers))
	for _, pr := range p.peers {
		out = append(out, pr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnID < out[j].ConnID })
	return out
}

type meshHandler struct{ p *Provider }

func (h meshHandler) PeerUp(peer string) {
	h.p.mu.Lock()
	self, hasSelf := h.p.self, h.p.hasSelf
	h.p.mu.Unlock()

	send := func(b []byte) error { return h.p.mesh.Send(peer, b) }
	h.p.reply(send, protocol.EncodeSync(protocol.SyncStep1, h.p.doc.StateVector()))
	if hasSelf {
		h.p.reply(send, presenceFrame(self))
	}
}

func (h meshHandler) PeerDown(peer string) {
	h.p.mu.Lock()
	delete(h.p.peers, domain.ConnID(peer))
	delete(h.p.meshPeers, peer)
	peers := h.p.peersLocked()
	h.p.mu.Unlock()
	h.p.emit(Event{Kind: EventPresence, Peers: peers})
}

func (h meshHandler) Frame(peer string, frame []byte) {
	h.p.handle(peer, frame, func(b []byte) error { return h.p.mesh.Send(peer, b) })
}

func presenceFrame(self domain.Presence) []byte {
	return protocol.EncodePresence([]protocol.PresenceEntry{core.ToWire(self)})
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

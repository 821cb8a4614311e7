package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/cowrite/internal/config"
	"github.com/dkeye/cowrite/internal/core"
	"github.com/dkeye/cowrite/internal/crdt"
	"github.com/dkeye/cowrite/internal/domain"
	"github.com/dkeye/cowrite/internal/metrics"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/panics"
)

var ErrHubStopped = errors.New("hub stopped")

type Options struct {
	HeartbeatInterval time.Duration
	WatchWindow       time.Duration
	StaleAfter        time.Duration
	RoomTTL           time.Duration
	DefaultRoom       domain.RoomName
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		WatchWindow:       cfg.WatchWindow,
		StaleAfter:        cfg.StaleAfter,
		RoomTTL:           cfg.RoomTTL,
		DefaultRoom:       domain.NormalizeRoom(cfg.DefaultRoom, domain.DefaultRoom),
	}
}

type Option func(*Hub)

func WithPolicy(p Policy) Option { return func(h *Hub) { h.policy = p } }

// WithDocumentFactory sets how sessions for new rooms are created.
func WithDocumentFactory(f func() core.Document) Option {
	return func(h *Hub) { h.newDoc = f }
}

func WithClock(now func() time.Time) Option { return func(h *Hub) { h.now = now } }

// Hub is the relay's single event loop. It owns the room registry, every
// session and presence registry, and the lifecycle state of every
// connection. Adapters talk to it only through its exported methods, which
// post events onto its inbound channel.
type Hub struct {
	opts    Options
	policy  Policy
	metrics *metrics.Metrics
	newDoc  func() core.Document
	now     func() time.Time

	// loop-owned
	rooms   map[domain.RoomName]*core.Room
	dormant map[domain.RoomName]dormantSession
	conns   map[domain.ConnID]*connection
	kicks   []domain.ConnID
	dropped uint64

	events    chan event
	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
	startedAt time.Time
}

func NewHub(opts Options, m *metrics.Metrics, options ...Option) *Hub {
	if opts.DefaultRoom == "" {
		opts.DefaultRoom = domain.DefaultRoom
	}
	h := &Hub{
		opts:    opts,
		policy:  SimplePolicy{},
		metrics: m,
		newDoc:  func() core.Document { return crdt.New(0) },
		now:     time.Now,
		rooms:   make(map[domain.RoomName]*core.Room),
		dormant: make(map[domain.RoomName]dormantSession),
		conns:   make(map[domain.ConnID]*connection),
		events:  make(chan event, 1024),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, o := range options {
		o(h)
	}
	h.startedAt = h.now()
	return h
}

func (h *Hub) DefaultRoom() domain.RoomName { return h.opts.DefaultRoom }

// Run processes events until ctx is cancelled or Stop is called. On exit
// every remaining connection goes through cleanup.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.opts.HeartbeatInterval)
	defer ticker.Stop()
	defer close(h.done)

	log.Info().Str("module", "app.hub").Dur("heartbeat", h.opts.HeartbeatInterval).Dur("stale_after", h.opts.StaleAfter).Msg("hub started")
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return nil
		case <-h.stop:
			h.shutdown()
			return nil
		case ev := <-h.events:
			h.dispatch(ev)
		case <-ticker.C:
			h.dispatch(tickEvent{at: h.now()})
		}
	}
}

func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} { return h.done }

// Register joins peer to room and starts its sync handshake.
func (h *Hub) Register(peer core.Peer, room domain.RoomName, token string) error {
	return h.post(joinEvent{peer: peer, room: room, token: token})
}

// Deliver hands an inbound transport message to the hub.
func (h *Hub) Deliver(id domain.ConnID, data []byte, binary bool) {
	_ = h.post(frameEvent{id: id, data: data, binary: binary})
}

// Disconnect reports that the transport of id is gone. A nil err is a clean
// close.
func (h *Hub) Disconnect(id domain.ConnID, err error) {
	_ = h.post(closeEvent{id: id, err: err})
}

// Status returns a consistent snapshot of the hub counters.
func (h *Hub) Status(ctx context.Context) (Status, error) {
	var st Status
	err := h.query(ctx, func() { st = h.status() })
	return st, err
}

// Rooms lists live rooms ordered by name. Dormant sessions are not rooms.
func (h *Hub) Rooms(ctx context.Context) ([]core.RoomInfo, error) {
	var out []core.RoomInfo
	err := h.query(ctx, func() { out = h.roomInfos() })
	return out, err
}

func (h *Hub) post(ev event) error {
	select {
	case <-h.done:
		return ErrHubStopped
	default:
	}
	select {
	case h.events <- ev:
		return nil
	case <-h.done:
		return ErrHubStopped
	}
}

func (h *Hub) query(ctx context.Context, fn func()) error {
	reply := make(chan struct{})
	if err := h.post(queryEvent{fn: fn, reply: reply}); err != nil {
		return err
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return ErrHubStopped
	}
}

func (h *Hub) dispatch(ev event) {
	var pc panics.Catcher
	pc.Try(func() {
		h.handle(ev)
		h.flushKicks()
	})
	if r := pc.Recovered(); r != nil {
		h.metrics.PanicsRecovered.Inc()
		log.Error().Str("module", "app.hub").Str("event", fmt.Sprintf("%T", ev)).Str("panic", r.String()).Msg("recovered from panic")
	}
}

func (h *Hub) handle(ev event) {
	switch e := ev.(type) {
	case joinEvent:
		h.onJoin(e)
	case frameEvent:
		h.onFrame(e)
	case closeEvent:
		h.onClose(e)
	case tickEvent:
		h.heartbeat(e.at)
		h.evictDormant(e.at)
	case queryEvent:
		e.fn()
		close(e.reply)
	}
}

func (h *Hub) shutdown() {
	for _, c := range h.sortedConns() {
		h.cleanup(c, domain.StateClosed, core.ReasonShutdown)
	}
	h.kicks = nil
	log.Info().Str("module", "app.hub").Msg("hub stopped")
}

type event interface{ hubEvent() }

type joinEvent struct {
	peer  core.Peer
	room  domain.RoomName
	token string
}

type frameEvent struct {
	id     domain.ConnID
	data   []byte
	binary bool
}

type closeEvent struct {
	id  domain.ConnID
	err error
}

type tickEvent struct{ at time.Time }

type queryEvent struct {
	fn    func()
	reply chan struct{}
}

func (joinEvent) hubEvent()  {}
func (frameEvent) hubEvent() {}
func (closeEvent) hubEvent() {}
func (tickEvent) hubEvent()  {}
func (queryEvent) hubEvent() {}

package rtc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/cowrite/internal/adapters/signal"
	"github.com/dkeye/cowrite/internal/client"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

var ErrUnknownPeer = errors.New("rtc: unknown mesh peer")

var _ client.Mesh = (*Mesh)(nil)

// Mesh is the client's fallback transport: a full mesh of data channels
// negotiated through the relay's /signal switchboard. The newest member
// offers to everyone already present.
type Mesh struct {
	url    string
	config webrtc.Configuration
	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	self    string
	links   map[string]*PeerLink
	handler client.MeshHandler
	cancel  context.CancelFunc
	done    chan struct{}

	wmu sync.Mutex
}

func NewMesh(signalURL string, cfg webrtc.Configuration) *Mesh {
	return &Mesh{url: signalURL, config: cfg, dialer: websocket.DefaultDialer}
}

func (m *Mesh) Activate(ctx context.Context, h client.MeshHandler) error {
	conn, _, err := m.dialer.DialContext(ctx, m.url, nil)
	if err != nil {
		return fmt.Errorf("mesh signal dial: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	m.mu.Lock()
	m.conn = conn
	m.handler = h
	m.cancel = cancel
	m.done = done
	m.links = make(map[string]*PeerLink)
	m.mu.Unlock()

	context.AfterFunc(ctx, func() { _ = conn.Close() })
	go m.readLoop(conn, done)
	log.Info().Str("module", "rtc").Str("url", m.url).Msg("mesh signaling connected")
	return nil
}

func (m *Mesh) Deactivate() {
	m.mu.Lock()
	cancel, done, links := m.cancel, m.done, m.links
	m.cancel, m.done, m.links = nil, nil, nil
	m.handler = nil
	m.conn = nil
	m.self = ""
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	for _, l := range links {
		l.Close()
	}
	<-done
	log.Info().Str("module", "rtc").Msg("mesh deactivated")
}

func (m *Mesh) Broadcast(frame []byte) {
	for _, l := range m.openLinks() {
		if err := l.Send(frame); err != nil {
			log.Debug().Err(err).Str("module", "rtc").Str("peer", l.Peer()).Msg("broadcast send")
		}
	}
}

func (m *Mesh) Send(peer string, frame []byte) error {
	m.mu.Lock()
	l, ok := m.links[peer]
	m.mu.Unlock()
	if !ok {
		return ErrUnknownPeer
	}
	return l.Send(frame)
}

// Self returns the switchboard-assigned ID, empty until welcomed.
func (m *Mesh) Self() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.self
}

// Peers lists peers with an open data channel.
func (m *Mesh) Peers() []string {
	links := m.openLinks()
	out := make([]string, 0, len(links))
	for _, l := range links {
		out = append(out, l.Peer())
	}
	sort.Strings(out)
	return out
}

func (m *Mesh) openLinks() []*PeerLink {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*PeerLink, 0, len(m.links))
	for _, l := range m.links {
		if l.Open() {
			out = append(out, l)
		}
	}
	return out
}

func (m *Mesh) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Str("module", "rtc").Msg("signal read loop exit")
			return
		}
		var env signal.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn().Err(err).Str("module", "rtc").Msg("bad signal json")
			continue
		}
		m.onSignal(env)
	}
}

func (m *Mesh) onSignal(env signal.Envelope) {
	switch env.Type {
	case signal.TypeWelcome:
		m.mu.Lock()
		m.self = env.ID
		m.mu.Unlock()
		for _, peer := range env.Peers {
			m.offer(peer)
		}
	case signal.TypePeerJoined:
		log.Debug().Str("module", "rtc").Str("peer", env.From).Msg("peer joined, awaiting offer")
	case signal.TypePeerLeft:
		m.dropPeer(env.From)
	case signal.TypeOffer:
		m.answer(env.From, env.SDP)
	case signal.TypeAnswer:
		l := m.link(env.From)
		if l == nil {
			return
		}
		if err := l.ApplyAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: env.SDP}); err != nil {
			log.Warn().Err(err).Str("module", "rtc").Str("peer", env.From).Msg("apply answer")
			m.dropPeer(env.From)
		}
	case signal.TypeCandidate:
		l := m.link(env.From)
		if l == nil || env.Candidate == nil {
			return
		}
		if err := l.AddICECandidate(*env.Candidate); err != nil {
			log.Debug().Err(err).Str("module", "rtc").Str("peer", env.From).Msg("add candidate")
		}
	case signal.TypeError:
		log.Warn().Str("module", "rtc").Str("to", env.To).Str("error", env.Error).Msg("switchboard error")
	}
}

func (m *Mesh) offer(peer string) {
	l, err := m.newLink(peer)
	if err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("peer", peer).Msg("new peer link")
		return
	}
	desc, err := l.CreateOffer()
	if err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("peer", peer).Msg("create offer")
		m.dropPeer(peer)
		return
	}
	m.signal(signal.Envelope{Type: signal.TypeOffer, To: peer, SDP: desc.SDP})
}

func (m *Mesh) answer(peer, sdp string) {
	l, err := m.newLink(peer)
	if err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("peer", peer).Msg("new peer link")
		return
	}
	desc, err := l.ApplyOfferAndCreateAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp})
	if err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("peer", peer).Msg("apply offer")
		m.dropPeer(peer)
		return
	}
	m.signal(signal.Envelope{Type: signal.TypeAnswer, To: peer, SDP: desc.SDP})
}

func (m *Mesh) newLink(peer string) (*PeerLink, error) {
	l, err := NewPeerLink(m.config, peer)
	if err != nil {
		return nil, err
	}
	l.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		m.signal(signal.Envelope{Type: signal.TypeCandidate, To: peer, Candidate: &ci})
	})
	l.OnOpen(func() {
		if h := m.currentHandler(); h != nil {
			h.PeerUp(peer)
		}
	})
	l.OnMessage(func(frame []byte) {
		if h := m.currentHandler(); h != nil {
			h.Frame(peer, frame)
		}
	})
	l.OnClosed(func() {
		if !m.removeLink(peer, l) {
			return
		}
		if h := m.currentHandler(); h != nil {
			h.PeerDown(peer)
		}
	})
	l.Start()

	m.mu.Lock()
	if m.links == nil {
		m.mu.Unlock()
		l.Close()
		return nil, errors.New("rtc: mesh not active")
	}
	old := m.links[peer]
	m.links[peer] = l
	m.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return l, nil
}

func (m *Mesh) link(peer string) *PeerLink {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.links[peer]
}

func (m *Mesh) removeLink(peer string, l *PeerLink) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.links[peer] != l {
		return false
	}
	delete(m.links, peer)
	return true
}

func (m *Mesh) dropPeer(peer string) {
	l := m.link(peer)
	if l == nil {
		return
	}
	// pc.Close does not always report a state change; the hook runs once.
	l.Close()
	l.fireClosed()
}

func (m *Mesh) currentHandler() client.MeshHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handler
}

func (m *Mesh) signal(env signal.Envelope) {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return
	}
	b, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("module", "rtc").Msg("signal marshal")
		return
	}
	m.wmu.Lock()
	defer m.wmu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		log.Debug().Err(err).Str("module", "rtc").Msg("signal write")
	}
}

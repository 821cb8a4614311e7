package signal

import (
	"sort"
	"sync"
	"time"

	"github.com/dkeye/cowrite/internal/domain"
	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Signaling message types.
const (
	TypeWelcome    = "welcome"
	TypePeerJoined = "peer-joined"
	TypePeerLeft   = "peer-left"
	TypeOffer      = "offer"
	TypeAnswer     = "answer"
	TypeCandidate  = "candidate"
	TypePing       = "ping"
	TypePong       = "pong"
	TypeError      = "error"
)

// Envelope is the JSON message exchanged on the mesh signaling channel.
// Offers, answers and candidates are addressed with To and stamped with
// From by the switchboard.
type Envelope struct {
	Type      string                   `json:"type"`
	ID        string                   `json:"id,omitempty"`
	From      string                   `json:"from,omitempty"`
	To        string                   `json:"to,omitempty"`
	Peers     []string                 `json:"peers,omitempty"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	Error     string                   `json:"error,omitempty"`
}

// Switchboard relays WebRTC offers, answers and ICE candidates between the
// members of a room so clients can build a data-channel mesh while the
// relay is unreachable for them. It never terminates WebRTC itself.
type Switchboard struct {
	mu          sync.RWMutex
	rooms       map[domain.RoomName]map[string]*WsSignalConn
	limiter     *RateLimiter
	defaultRoom domain.RoomName
}

// NewSwitchboard places peers that name no room in defaultRoom.
func NewSwitchboard(defaultRoom domain.RoomName) *Switchboard {
	return &Switchboard{
		rooms:       make(map[domain.RoomName]map[string]*WsSignalConn),
		limiter:     NewRateLimiter(200, 10*time.Second),
		defaultRoom: domain.NormalizeRoom(string(defaultRoom), domain.DefaultRoom),
	}
}

type WsSignalConn struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(b []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (sb *Switchboard) HandleSignal(c *gin.Context, room string) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal.switchboard").Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(64 * 1024)

	name := domain.NormalizeRoom(room, sb.defaultRoom)
	sc := &WsSignalConn{id: uuid.NewString(), conn: ws, send: make(chan []byte, 64)}
	peers := sb.join(name, sc)

	sb.sendJSON(sc, Envelope{Type: TypeWelcome, ID: sc.id, Peers: peers})
	sb.broadcast(name, sc.id, Envelope{Type: TypePeerJoined, From: sc.id})
	log.Info().Str("module", "signal.switchboard").Str("peer", sc.id).Str("room", string(name)).Int("others", len(peers)).Msg("mesh peer joined")

	go sb.writePump(sc)
	go sb.readPump(name, sc)
}

// Peers returns the mesh members of room ordered by ID.
func (sb *Switchboard) Peers(room domain.RoomName) []string {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	out := make([]string, 0, len(sb.rooms[room]))
	for id := range sb.rooms[room] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (sb *Switchboard) join(room domain.RoomName, sc *WsSignalConn) []string {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	members, ok := sb.rooms[room]
	if !ok {
		members = make(map[string]*WsSignalConn)
		sb.rooms[room] = members
	}
	others := make([]string, 0, len(members))
	for id := range members {
		others = append(others, id)
	}
	sort.Strings(others)
	members[sc.id] = sc
	return others
}

func (sb *Switchboard) leave(room domain.RoomName, id string) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	members := sb.rooms[room]
	delete(members, id)
	if len(members) == 0 {
		delete(sb.rooms, room)
	}
}

func (sb *Switchboard) lookup(room domain.RoomName, id string) (*WsSignalConn, bool) {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	sc, ok := sb.rooms[room][id]
	return sc, ok
}

func (sb *Switchboard) broadcast(room domain.RoomName, from string, env Envelope) {
	sb.mu.RLock()
	targets := make([]*WsSignalConn, 0, len(sb.rooms[room]))
	for id, sc := range sb.rooms[room] {
		if id != from {
			targets = append(targets, sc)
		}
	}
	sb.mu.RUnlock()
	for _, sc := range targets {
		sb.sendJSON(sc, env)
	}
}

func (sb *Switchboard) sendJSON(sc *WsSignalConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal.switchboard").Msg("sendJSON marshal")
		return
	}
	if !sc.TrySend(b) {
		log.Warn().Str("module", "signal.switchboard").Str("peer", sc.id).Msg("signal queue full, message dropped")
	}
}

func (sb *Switchboard) writePump(sc *WsSignalConn) {
	defer func() {
		_ = sc.conn.Close()
	}()
	for data := range sc.send {
		if err := sc.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return
		}
		if err := sc.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Debug().Err(err).Str("module", "signal.switchboard").Str("peer", sc.id).Msg("writePump write error")
			return
		}
	}
}

func (sb *Switchboard) readPump(room domain.RoomName, sc *WsSignalConn) {
	defer func() {
		sb.leave(room, sc.id)
		sb.limiter.Forget(sc.id)
		sb.broadcast(room, sc.id, Envelope{Type: TypePeerLeft, From: sc.id})
		sc.Close()
		log.Info().Str("module", "signal.switchboard").Str("peer", sc.id).Str("room", string(room)).Msg("mesh peer left")
	}()

	for {
		_, data, err := sc.conn.ReadMessage()
		if err != nil {
			return
		}
		sb.handleSignal(room, sc, data)
	}
}

func (sb *Switchboard) handleSignal(room domain.RoomName, sc *WsSignalConn, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn().Err(err).Str("module", "signal.switchboard").Msg("bad json")
		return
	}

	switch env.Type {
	case TypeOffer, TypeAnswer, TypeCandidate:
		if !sb.limiter.Allow(sc.id) {
			sb.sendJSON(sc, Envelope{Type: TypeError, Error: "rate limited"})
			return
		}
		target, ok := sb.lookup(room, env.To)
		if !ok {
			sb.sendJSON(sc, Envelope{Type: TypeError, To: env.To, Error: "unknown peer"})
			return
		}
		env.From = sc.id
		sb.sendJSON(target, env)
	case TypePing:
		sb.sendJSON(sc, Envelope{Type: TypePong})
	default:
		log.Warn().Str("module", "signal.switchboard").Str("type", env.Type).Msg("unknown signal")
	}
}

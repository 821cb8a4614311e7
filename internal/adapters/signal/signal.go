package signal

import (
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/cowrite/internal/app"
	"github.com/dkeye/cowrite/internal/config"
	"github.com/dkeye/cowrite/internal/core"
	"github.com/dkeye/cowrite/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// RelayController upgrades relay requests and wires each websocket to the
// hub as a core.Peer.
type RelayController struct {
	Hub       *app.Hub
	ReadLimit int64
	SendQueue int
	Limiter   *RateLimiter
}

func NewRelayController(hub *app.Hub, cfg *config.Config) *RelayController {
	return &RelayController{
		Hub:       hub,
		ReadLimit: cfg.ReadLimit,
		SendQueue: cfg.SendQueue,
		Limiter:   NewRateLimiter(20, 10*time.Second),
	}
}

// WsPeer is the websocket side of one relay connection. Close only closes
// the send queue; the write pump flushes it and then closes the socket.
type WsPeer struct {
	id   domain.ConnID
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func newWsPeer(conn *websocket.Conn, queue int) *WsPeer {
	return &WsPeer{
		id:   domain.NewConnID(),
		conn: conn,
		send: make(chan core.Frame, queue),
	}
}

func (p *WsPeer) ID() domain.ConnID { return p.id }

func (p *WsPeer) TrySend(f core.Frame) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return core.ErrPeerClosed
	}
	select {
	case p.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (p *WsPeer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.send)
}

func (ctl *RelayController) HandleRelay(c *gin.Context, room string) {
	token := c.GetString("client_token")
	if ctl.Limiter != nil && !ctl.Limiter.Allow(token) {
		log.Warn().Str("module", "signal").Str("token", token).Msg("relay connect rate limited")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many connection attempts"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	if ctl.ReadLimit > 0 {
		ws.SetReadLimit(ctl.ReadLimit)
	}

	peer := newWsPeer(ws, ctl.SendQueue)
	name := domain.NormalizeRoom(room, ctl.Hub.DefaultRoom())
	if err := ctl.Hub.Register(peer, name, token); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("hub register")
		_ = ws.Close()
		return
	}
	log.Info().Str("module", "signal").Str("conn", string(peer.id)).Str("room", string(name)).Msg("relay connection opened")

	go ctl.writePump(peer)
	go ctl.readPump(peer)
}

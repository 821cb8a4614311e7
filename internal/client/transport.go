package client

//go:generate mockgen -source=transport.go -destination=mock_transport_test.go -package=client

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

// Transport opens links to the relay.
type Transport interface {
	Dial(ctx context.Context) (Link, error)
}

// Link is one live relay connection carrying binary protocol frames.
// ReadFrame blocks until a frame arrives or the link fails; Close unblocks
// it.
type Link interface {
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
	Close() error
}

// WSTransport dials the relay websocket endpoint.
type WSTransport struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer
	// ReadTimeout bounds the silence on a link; it should match the
	// server's stale threshold so a half-open socket is noticed.
	ReadTimeout time.Duration
}

func NewWSTransport(url string, readTimeout time.Duration) *WSTransport {
	return &WSTransport{URL: url, Dialer: websocket.DefaultDialer, ReadTimeout: readTimeout}
}

func (t *WSTransport) Dial(ctx context.Context) (Link, error) {
	d := t.Dialer
	if d == nil {
		d = websocket.DefaultDialer
	}
	conn, _, err := d.DialContext(ctx, t.URL, t.Header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", t.URL, err)
	}
	return &wsLink{conn: conn, readTimeout: t.ReadTimeout}, nil
}

type wsLink struct {
	conn        *websocket.Conn
	readTimeout time.Duration

	wmu sync.Mutex
}

// ReadFrame skips text frames; the relay only speaks binary.
func (l *wsLink) ReadFrame() ([]byte, error) {
	for {
		if l.readTimeout > 0 {
			if err := l.conn.SetReadDeadline(time.Now().Add(l.readTimeout)); err != nil {
				return nil, err
			}
		}
		mt, data, err := l.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.BinaryMessage {
			return data, nil
		}
		log.Debug().Str("module", "client").Int("message_type", mt).Msg("dropping non-binary frame")
	}
}

func (l *wsLink) WriteFrame(frame []byte) error {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	if err := l.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return l.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (l *wsLink) Close() error {
	l.wmu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = l.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	l.wmu.Unlock()
	return l.conn.Close()
}

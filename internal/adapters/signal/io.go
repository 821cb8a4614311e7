package signal

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (ctl *RelayController) writePump(p *WsPeer) {
	defer func() {
		_ = p.conn.Close()
	}()
	for data := range p.send {
		if err := p.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			log.Error().Err(err).Str("module", "signal").Str("conn", string(p.id)).Msg("writePump set deadline")
			return
		}
		if err := p.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
			log.Debug().Err(err).Str("module", "signal").Str("conn", string(p.id)).Msg("writePump write error")
			return
		}
	}
	// send queue closed by the hub
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

func (ctl *RelayController) readPump(p *WsPeer) {
	for {
		mt, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				ctl.Hub.Disconnect(p.id, nil)
			} else {
				ctl.Hub.Disconnect(p.id, err)
			}
			log.Debug().Err(err).Str("module", "signal").Str("conn", string(p.id)).Msg("readPump closing")
			return
		}
		ctl.Hub.Deliver(p.id, data, mt == websocket.BinaryMessage)
	}
}

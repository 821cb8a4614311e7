package rtc

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const channelLabel = "cowrite"

var ErrChannelNotOpen = errors.New("rtc: data channel not open")

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

// PeerLink is one data-channel connection to a mesh peer. The side that
// creates the offer also creates the channel; the answering side adopts it
// from OnDataChannel.
type PeerLink struct {
	pc   *webrtc.PeerConnection
	peer string

	mu        sync.Mutex
	dc        *webrtc.DataChannel
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	closed    bool

	onICE     func(webrtc.ICECandidateInit)
	onOpen    func()
	onMessage func([]byte)
	onClosed  func()
}

func NewPeerLink(cfg webrtc.Configuration, peer string) (*PeerLink, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return &PeerLink{pc: pc, peer: peer}, nil
}

func (l *PeerLink) Peer() string { return l.peer }

// Start installs the connection callbacks. Set the On* hooks before calling
// it.
func (l *PeerLink) Start() {
	l.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Debug().Str("module", "rtc").Str("peer", l.peer).Str("peer_connection_state", s.String()).Msg("peer state")
		if s == webrtc.PeerConnectionStateFailed ||
			s == webrtc.PeerConnectionStateClosed ||
			s == webrtc.PeerConnectionStateDisconnected {
			l.fireClosed()
		}
	})

	l.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil && l.onICE != nil {
			l.onICE(cand.ToJSON())
		}
	})

	l.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != channelLabel {
			return
		}
		l.adopt(dc)
	})
}

// CreateOffer opens the data channel and returns the local offer.
func (l *PeerLink) CreateOffer() (*webrtc.SessionDescription, error) {
	ordered := true
	dc, err := l.pc.CreateDataChannel(channelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, err
	}
	l.adopt(dc)

	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	return l.pc.LocalDescription(), nil
}

func (l *PeerLink) ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := l.setRemote(offer); err != nil {
		return nil, err
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	return l.pc.LocalDescription(), nil
}

func (l *PeerLink) ApplyAnswer(answer webrtc.SessionDescription) error {
	return l.setRemote(answer)
}

// AddICECandidate queues candidates that arrive before the remote
// description.
func (l *PeerLink) AddICECandidate(ci webrtc.ICECandidateInit) error {
	l.mu.Lock()
	if !l.remoteSet {
		l.pending = append(l.pending, ci)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()
	return l.pc.AddICECandidate(ci)
}

func (l *PeerLink) setRemote(desc webrtc.SessionDescription) error {
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return err
	}
	l.mu.Lock()
	l.remoteSet = true
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()
	for _, ci := range pending {
		if err := l.pc.AddICECandidate(ci); err != nil {
			log.Debug().Err(err).Str("module", "rtc").Str("peer", l.peer).Msg("queued candidate rejected")
		}
	}
	return nil
}

func (l *PeerLink) adopt(dc *webrtc.DataChannel) {
	l.mu.Lock()
	l.dc = dc
	l.mu.Unlock()

	dc.OnOpen(func() {
		log.Info().Str("module", "rtc").Str("peer", l.peer).Msg("data channel open")
		if l.onOpen != nil {
			l.onOpen()
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if msg.IsString || l.onMessage == nil {
			return
		}
		l.onMessage(msg.Data)
	})
	dc.OnClose(func() { l.fireClosed() })
}

func (l *PeerLink) Send(frame []byte) error {
	l.mu.Lock()
	dc := l.dc
	l.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrChannelNotOpen
	}
	return dc.Send(frame)
}

func (l *PeerLink) Open() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dc != nil && l.dc.ReadyState() == webrtc.DataChannelStateOpen
}

func (l *PeerLink) SignalingState() webrtc.SignalingState { return l.pc.SignalingState() }

func (l *PeerLink) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	if err := l.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("peer", l.peer).Msg("close error")
	} else {
		log.Debug().Str("module", "rtc").Str("peer", l.peer).Msg("closed")
	}
}

func (l *PeerLink) fireClosed() {
	l.mu.Lock()
	fn := l.onClosed
	l.onClosed = nil
	l.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (l *PeerLink) OnICECandidate(fn func(webrtc.ICECandidateInit)) { l.onICE = fn }

func (l *PeerLink) OnOpen(fn func()) { l.onOpen = fn }

func (l *PeerLink) OnMessage(fn func([]byte)) { l.onMessage = fn }

// OnClosed fires at most once, on channel close or peer connection failure.
func (l *PeerLink) OnClosed(fn func()) { l.onClosed = fn }

package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/Teleconsult/internal/core"
	"github.com/dkeye/Teleconsult/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

func DefaultWebRTCConfig(urls []string) webrtc.Configuration {
	if len(urls) == 0 {
		urls = DefaultICEServers
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: urls}},
	}
}

// CodecRegistrar fills the media engine with the codecs the capturer encodes to.
type CodecRegistrar func(*webrtc.MediaEngine) error

// NewAPI builds a pion API with the default interceptors and pion logging
// routed through zerolog.
func NewAPI(codecs CodecRegistrar, lf logging.LoggerFactory) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if codecs == nil {
		codecs = (*webrtc.MediaEngine).RegisterDefaultCodecs
	}
	if err := codecs(m); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	se := webrtc.SettingEngine{}
	if lf != nil {
		se.LoggerFactory = lf
	}
	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	), nil
}

// NewFactory returns a factory creating one WebRTCConnection per session.
// sink, when set, receives the RTP of every remote track.
func NewFactory(api *webrtc.API, cfg webrtc.Configuration, sink RemoteSink) core.PeerConnectionFactory {
	return func(sid domain.SessionID) (core.PeerConnection, error) {
		return NewWebRTCConnection(api, cfg, sid, sink)
	}
}

// WebRTCConnection adapts a pion PeerConnection to core.PeerConnection.
type WebRTCConnection struct {
	pc   *webrtc.PeerConnection
	sid  domain.SessionID
	sink RemoteSink

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	onICE   func(webrtc.ICECandidateInit)
	onTrack func(core.RemoteTrackInfo)
	onState func(domain.ConnectionState)
	onDC    func(core.DataChannel)
}

func NewWebRTCConnection(api *webrtc.API, cfg webrtc.Configuration, sid domain.SessionID, sink RemoteSink) (*WebRTCConnection, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &WebRTCConnection{pc: pc, sid: sid, sink: sink, ctx: ctx, cancel: cancel}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Debug().Str("module", "webrtc").Str("sid", string(sid)).Str("ice_state", s.String()).Msg("ICE state")
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "webrtc").Str("sid", string(sid)).Str("peer_connection_state", s.String()).Msg("Peer state")
		c.mu.Lock()
		fn := c.onState
		c.mu.Unlock()
		if fn != nil {
			fn(connectionState(s))
		}
	})

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		c.mu.Lock()
		fn := c.onICE
		c.mu.Unlock()
		if fn == nil {
			return
		}
		if cand == nil {
			// gathering complete
			fn(webrtc.ICECandidateInit{})
			return
		}
		fn(cand.ToJSON())
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		info := core.RemoteTrackInfo{ID: track.ID(), StreamID: track.StreamID(), Kind: domain.TrackKind(track.Kind().String())}
		log.Info().
			Str("module", "webrtc").
			Str("sid", string(sid)).
			Str("kind", string(info.Kind)).
			Str("track_id", info.ID).
			Str("stream_id", info.StreamID).
			Msg("OnTrack received")
		go pump(c.ctx, sid, track, info, c.sink)
		c.mu.Lock()
		fn := c.onTrack
		c.mu.Unlock()
		if fn != nil {
			fn(info)
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		c.mu.Lock()
		fn := c.onDC
		c.mu.Unlock()
		if fn == nil {
			_ = dc.Close()
			return
		}
		fn(&dataChannel{dc: dc})
	})

	return c, nil
}

func connectionState(s webrtc.PeerConnectionState) domain.ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return domain.ConnectionConnecting
	case webrtc.PeerConnectionStateConnected:
		return domain.ConnectionConnected
	case webrtc.PeerConnectionStateDisconnected:
		return domain.ConnectionDisconnected
	case webrtc.PeerConnectionStateFailed:
		return domain.ConnectionFailed
	case webrtc.PeerConnectionStateClosed:
		return domain.ConnectionClosed
	}
	return domain.ConnectionNew
}

func (c *WebRTCConnection) AddTrack(t core.LocalTrack) (core.Sender, error) {
	rs, err := c.pc.AddTrack(t.RTPTrack())
	if err != nil {
		return nil, err
	}
	go drainRTCP(c.ctx, rs)
	return &sender{rs: rs, track: t}, nil
}

func (c *WebRTCConnection) CreateDataChannel(label string) (core.DataChannel, error) {
	dc, err := c.pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, err
	}
	return &dataChannel{dc: dc}, nil
}

func (c *WebRTCConnection) OnDataChannel(fn func(core.DataChannel)) {
	c.mu.Lock()
	c.onDC = fn
	c.mu.Unlock()
}

// CreateOffer sets the offer as local description. Candidates trickle
// through OnICECandidate.
func (c *WebRTCConnection) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	return c.createLocal(ctx, c.pc.CreateOffer)
}

func (c *WebRTCConnection) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	return c.createLocal(ctx, func(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
		return c.pc.CreateAnswer(nil)
	})
}

func (c *WebRTCConnection) createLocal(
	ctx context.Context,
	create func(*webrtc.OfferOptions) (webrtc.SessionDescription, error),
) (webrtc.SessionDescription, error) {
	var none webrtc.SessionDescription
	if err := ctx.Err(); err != nil {
		return none, err
	}
	sd, err := create(nil)
	if err != nil {
		return none, err
	}
	if err := ctx.Err(); err != nil {
		return none, err
	}
	if err := c.pc.SetLocalDescription(sd); err != nil {
		return none, err
	}
	return sd, nil
}

func (c *WebRTCConnection) SetRemoteDescription(sd webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(sd)
}

func (c *WebRTCConnection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *WebRTCConnection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

// OnTrack sets application-level callback for remote tracks.
func (c *WebRTCConnection) OnTrack(fn func(core.RemoteTrackInfo)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *WebRTCConnection) OnConnectionStateChange(fn func(domain.ConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *WebRTCConnection) Close() error {
	c.cancel()
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "webrtc").Str("sid", string(c.sid)).Msg("close error")
		return err
	}
	log.Info().Str("module", "webrtc").Str("sid", string(c.sid)).Msg("closed")
	return nil
}

type sender struct {
	rs *webrtc.RTPSender

	mu    sync.Mutex
	track core.LocalTrack
}

func (s *sender) ReplaceTrack(t core.LocalTrack) error {
	if t == nil {
		return errors.New("replace track: nil track")
	}
	if err := s.rs.ReplaceTrack(t.RTPTrack()); err != nil {
		return err
	}
	s.mu.Lock()
	s.track = t
	s.mu.Unlock()
	return nil
}

func (s *sender) Track() core.LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

// drainRTCP keeps the sender's interceptors fed until the connection closes.
func drainRTCP(ctx context.Context, rs *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for ctx.Err() == nil {
		if _, _, err := rs.Read(buf); err != nil {
			return
		}
	}
}

type dataChannel struct {
	dc *webrtc.DataChannel
}

func (d *dataChannel) Label() string { return d.dc.Label() }

func (d *dataChannel) Send(b []byte) error {
	if d.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return fmt.Errorf("data channel %s is %s", d.dc.Label(), d.dc.ReadyState())
	}
	return d.dc.SendText(string(b))
}

func (d *dataChannel) OnOpen(fn func()) { d.dc.OnOpen(fn) }

func (d *dataChannel) OnMessage(fn func([]byte)) {
	d.dc.OnMessage(func(msg webrtc.DataChannelMessage) { fn(msg.Data) })
}

func (d *dataChannel) OnClose(fn func()) { d.dc.OnClose(fn) }

func (d *dataChannel) Close() error { return d.dc.Close() }

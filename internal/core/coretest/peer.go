package coretest

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/Teleconsult/internal/core"
	"github.com/dkeye/Teleconsult/internal/domain"
	"github.com/pion/webrtc/v4"
)

// ValidSDP parses with pion/sdp.
const ValidSDP = "v=0\r\n" +
	"o=- 4215775240449105457 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n"

var errNoRemoteDescription = errors.New("remote description not set")

type Sender struct {
	mu         sync.Mutex
	track      core.LocalTrack
	replaced   int
	ReplaceErr error
}

func (s *Sender) ReplaceTrack(t core.LocalTrack) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ReplaceErr != nil {
		return s.ReplaceErr
	}
	s.track = t
	s.replaced++
	return nil
}

func (s *Sender) Track() core.LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *Sender) SetReplaceErr(err error) {
	s.mu.Lock()
	s.ReplaceErr = err
	s.mu.Unlock()
}

type DataChannel struct {
	label string

	mu        sync.Mutex
	open      bool
	closed    bool
	peer      *DataChannel
	sent      [][]byte
	onOpen    func()
	onMessage func([]byte)
	onClose   func()
}

func NewDataChannel(label string) *DataChannel { return &DataChannel{label: label} }

// NewDataChannelPair returns two linked ends; Send on one is delivered to
// the other synchronously and in order.
func NewDataChannelPair(label string) (*DataChannel, *DataChannel) {
	a, b := NewDataChannel(label), NewDataChannel(label)
	a.peer, b.peer = b, a
	return a, b
}

func (d *DataChannel) Label() string { return d.label }

func (d *DataChannel) Send(b []byte) error {
	d.mu.Lock()
	if !d.open || d.closed {
		d.mu.Unlock()
		return errors.New("data channel not open")
	}
	d.sent = append(d.sent, append([]byte(nil), b...))
	peer := d.peer
	d.mu.Unlock()
	if peer != nil {
		peer.deliver(b)
	}
	return nil
}

func (d *DataChannel) deliver(b []byte) {
	d.mu.Lock()
	fn := d.onMessage
	d.mu.Unlock()
	if fn != nil {
		fn(append([]byte(nil), b...))
	}
}

func (d *DataChannel) OnOpen(fn func()) {
	d.mu.Lock()
	d.onOpen = fn
	d.mu.Unlock()
}

func (d *DataChannel) OnMessage(fn func([]byte)) {
	d.mu.Lock()
	d.onMessage = fn
	d.mu.Unlock()
}

func (d *DataChannel) OnClose(fn func()) {
	d.mu.Lock()
	d.onClose = fn
	d.mu.Unlock()
}

func (d *DataChannel) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.open = false
	fn := d.onClose
	d.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

// Open marks the channel open and fires OnOpen.
func (d *DataChannel) Open() {
	d.mu.Lock()
	d.open = true
	fn := d.onOpen
	d.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (d *DataChannel) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *DataChannel) Sent() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.sent...)
}

type PeerConnection struct {
	OfferErr  error
	AnswerErr error
	RemoteErr error
	// Block, when non-nil, holds CreateOffer/CreateAnswer until closed or ctx ends.
	Block chan struct{}
	// Entered receives a value whenever a blocking negotiation step starts.
	Entered chan struct{}

	mu       sync.Mutex
	senders  []*Sender
	channels []*DataChannel
	remote   *webrtc.SessionDescription
	local    *webrtc.SessionDescription
	applied  []webrtc.ICECandidateInit
	closed   int

	onICE   func(webrtc.ICECandidateInit)
	onTrack func(core.RemoteTrackInfo)
	onState func(domain.ConnectionState)
	onDC    func(core.DataChannel)
}

func NewPeerConnection() *PeerConnection {
	return &PeerConnection{Entered: make(chan struct{}, 8)}
}

func (p *PeerConnection) AddTrack(t core.LocalTrack) (core.Sender, error) {
	s := &Sender{track: t}
	p.mu.Lock()
	p.senders = append(p.senders, s)
	p.mu.Unlock()
	return s, nil
}

func (p *PeerConnection) CreateDataChannel(label string) (core.DataChannel, error) {
	dc := NewDataChannel(label)
	p.mu.Lock()
	p.channels = append(p.channels, dc)
	p.mu.Unlock()
	return dc, nil
}

func (p *PeerConnection) OnDataChannel(fn func(core.DataChannel)) {
	p.mu.Lock()
	p.onDC = fn
	p.mu.Unlock()
}

func (p *PeerConnection) wait(ctx context.Context) error {
	select {
	case p.Entered <- struct{}{}:
	default:
	}
	if p.Block == nil {
		return nil
	}
	select {
	case <-p.Block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *PeerConnection) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := p.wait(ctx); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if p.OfferErr != nil {
		return webrtc.SessionDescription{}, p.OfferErr
	}
	sd := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: ValidSDP}
	p.mu.Lock()
	p.local = &sd
	p.mu.Unlock()
	return sd, nil
}

func (p *PeerConnection) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := p.wait(ctx); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if p.AnswerErr != nil {
		return webrtc.SessionDescription{}, p.AnswerErr
	}
	sd := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: ValidSDP}
	p.mu.Lock()
	p.local = &sd
	p.mu.Unlock()
	return sd, nil
}

func (p *PeerConnection) SetRemoteDescription(sd webrtc.SessionDescription) error {
	if p.RemoteErr != nil {
		return p.RemoteErr
	}
	p.mu.Lock()
	p.remote = &sd
	p.mu.Unlock()
	return nil
}

// AddICECandidate rejects candidates before the remote description, like pion.
func (p *PeerConnection) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return errNoRemoteDescription
	}
	p.applied = append(p.applied, c)
	return nil
}

func (p *PeerConnection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onICE = fn
	p.mu.Unlock()
}

func (p *PeerConnection) OnTrack(fn func(core.RemoteTrackInfo)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *PeerConnection) OnConnectionStateChange(fn func(domain.ConnectionState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *PeerConnection) Close() error {
	p.mu.Lock()
	p.closed++
	p.mu.Unlock()
	return nil
}

// SetState simulates a transport state change.
func (p *PeerConnection) SetState(st domain.ConnectionState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

// EmitTrack simulates remote media arriving.
func (p *PeerConnection) EmitTrack(info core.RemoteTrackInfo) {
	p.mu.Lock()
	fn := p.onTrack
	p.mu.Unlock()
	if fn != nil {
		fn(info)
	}
}

// EmitICECandidate simulates a locally gathered candidate.
func (p *PeerConnection) EmitICECandidate(c webrtc.ICECandidateInit) {
	p.mu.Lock()
	fn := p.onICE
	p.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

// EmitDataChannel simulates the remote side opening a channel.
func (p *PeerConnection) EmitDataChannel(dc core.DataChannel) {
	p.mu.Lock()
	fn := p.onDC
	p.mu.Unlock()
	if fn != nil {
		fn(dc)
	}
}

// ConnectChannel links the first locally created channel of p to remote:
// remote receives the peer end through OnDataChannel, then both ends open.
func (p *PeerConnection) ConnectChannel(remote *PeerConnection) {
	p.mu.Lock()
	var local *DataChannel
	if len(p.channels) > 0 {
		local = p.channels[0]
	}
	p.mu.Unlock()
	if local == nil {
		return
	}
	far := NewDataChannel(local.label)
	local.mu.Lock()
	local.peer, far.peer = far, local
	local.mu.Unlock()
	remote.EmitDataChannel(far)
	local.Open()
	far.Open()
}

func (p *PeerConnection) Applied() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.applied...)
}

func (p *PeerConnection) Remote() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

func (p *PeerConnection) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed > 0
}

func (p *PeerConnection) Senders() []*Sender {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Sender(nil), p.senders...)
}

// VideoSender returns the sender currently carrying a video track.
func (p *PeerConnection) VideoSender() *Sender {
	for _, s := range p.Senders() {
		if t := s.Track(); t != nil && t.Kind() == domain.TrackVideo {
			return s
		}
	}
	return nil
}

func (p *PeerConnection) Channel(i int) *DataChannel {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i >= len(p.channels) {
		return nil
	}
	return p.channels[i]
}

// PeerFactory records every PeerConnection it creates.
type PeerFactory struct {
	mu   sync.Mutex
	pcs  []*PeerConnection
	Err  error
	Hook func(*PeerConnection)
}

func (f *PeerFactory) New(domain.SessionID) (core.PeerConnection, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	pc := NewPeerConnection()
	if f.Hook != nil {
		f.Hook(pc)
	}
	f.mu.Lock()
	f.pcs = append(f.pcs, pc)
	f.mu.Unlock()
	return pc, nil
}

func (f *PeerFactory) Last() *PeerConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pcs) == 0 {
		return nil
	}
	return f.pcs[len(f.pcs)-1]
}

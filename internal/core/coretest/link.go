package coretest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/dkeye/Calls/internal/core"
	"github.com/dkeye/Calls/internal/domain"
	"github.com/pion/webrtc/v4"
)

const sdpPrefix = "fake:"

// Network pairs fake connections through the SDP they exchange. Once an
// answer is applied both ends report LinkConnected unless Hold is set.
type Network struct {
	mu    sync.Mutex
	seq   int
	conns map[string]*Conn
	hold  bool
}

func NewNetwork() *Network {
	return &Network{conns: make(map[string]*Conn)}
}

// Hold keeps new pairs from reaching the connected state.
func (n *Network) Hold(hold bool) {
	n.mu.Lock()
	n.hold = hold
	n.mu.Unlock()
}

// Factory returns a LinkFactory for the endpoint self.
func (n *Network) Factory(self domain.PeerID) core.LinkFactory {
	return func(peer domain.PeerID) (core.MediaConnection, error) {
		n.mu.Lock()
		defer n.mu.Unlock()
		n.seq++
		c := &Conn{
			net:     n,
			id:      fmt.Sprintf("%s-%d", self, n.seq),
			Local:   self,
			Remote:  peer,
			senders: make(map[webrtc.RTPCodecType]webrtc.TrackLocal),
		}
		n.conns[c.id] = c
		return c, nil
	}
}

// Conns returns the connections self created towards peer, oldest first.
func (n *Network) Conns(self, peer domain.PeerID) []*Conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*Conn
	for i := 1; i <= n.seq; i++ {
		if c, ok := n.conns[fmt.Sprintf("%s-%d", self, i)]; ok && c.Remote == peer {
			out = append(out, c)
		}
	}
	return out
}

// Last returns the newest connection self created towards peer.
func (n *Network) Last(self, peer domain.PeerID) *Conn {
	cs := n.Conns(self, peer)
	if len(cs) == 0 {
		return nil
	}
	return cs[len(cs)-1]
}

func (n *Network) lookup(sdp string) *Conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conns[strings.TrimPrefix(sdp, sdpPrefix)]
}

func (n *Network) held() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.hold
}

// Replacement records one ReplaceTrack call.
type Replacement struct {
	Kind  webrtc.RTPCodecType
	Track webrtc.TrackLocal
}

// Conn is a MediaConnection that only exists in memory.
type Conn struct {
	net    *Network
	id     string
	Local  domain.PeerID
	Remote domain.PeerID

	mu           sync.Mutex
	closed       bool
	started      bool
	state        core.LinkState
	peer         *Conn
	senders      map[webrtc.RTPCodecType]webrtc.TrackLocal
	added        []webrtc.TrackLocal
	replacements []Replacement
	channels     []*Channel

	onState func(core.LinkState)
	onDC    func(core.DataChannel)
}

func (c *Conn) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return core.ErrConnectionDone
	}
	c.started = true
	c.mu.Unlock()
	go func() {
		<-ctx.Done()
		c.Close()
	}()
	return nil
}

func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	peer := c.peer
	chans := c.channels
	c.mu.Unlock()

	for _, ch := range chans {
		_ = ch.Close()
	}
	c.SetState(core.LinkClosed)
	if peer != nil {
		peer.SetState(core.LinkClosed)
	}
}

func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) CreateOffer(_ context.Context) (*webrtc.SessionDescription, error) {
	if c.IsClosed() {
		return nil, core.ErrConnectionDone
	}
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdpPrefix + c.id}, nil
}

func (c *Conn) ApplyOfferAndCreateAnswer(_ context.Context, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if c.IsClosed() {
		return nil, core.ErrConnectionDone
	}
	remote := c.net.lookup(offer.SDP)
	if remote == nil {
		return nil, fmt.Errorf("unknown offer %q", offer.SDP)
	}
	c.mu.Lock()
	c.peer = remote
	c.mu.Unlock()
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdpPrefix + c.id}, nil
}

func (c *Conn) ApplyAnswer(answer webrtc.SessionDescription) error {
	if c.IsClosed() {
		return core.ErrConnectionDone
	}
	remote := c.net.lookup(answer.SDP)
	if remote == nil {
		return fmt.Errorf("unknown answer %q", answer.SDP)
	}
	c.mu.Lock()
	c.peer = remote
	chans := append([]*Channel(nil), c.channels...)
	c.mu.Unlock()

	for _, ch := range chans {
		far := &Channel{label: ch.label}
		remote.mu.Lock()
		remote.channels = append(remote.channels, far)
		onDC := remote.onDC
		remote.mu.Unlock()
		ch.pair(far)
		if onDC != nil {
			onDC(far)
		}
		ch.open()
		far.open()
	}

	if !c.net.held() {
		go func() {
			remote.SetState(core.LinkConnected)
			c.SetState(core.LinkConnected)
		}()
	}
	return nil
}

func (c *Conn) AddLocalTrack(track webrtc.TrackLocal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrConnectionDone
	}
	c.senders[track.Kind()] = track
	c.added = append(c.added, track)
	return nil
}

func (c *Conn) ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.senders[kind]; !ok {
		return core.ErrNoSender
	}
	c.senders[kind] = track
	c.replacements = append(c.replacements, Replacement{Kind: kind, Track: track})
	return nil
}

func (c *Conn) SenderTrack(kind webrtc.RTPCodecType) webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.senders[kind]
}

func (c *Conn) OpenDataChannel(label string) (core.DataChannel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, core.ErrConnectionDone
	}
	ch := &Channel{label: label}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *Conn) OnDataChannel(fn func(core.DataChannel)) {
	c.mu.Lock()
	c.onDC = fn
	c.mu.Unlock()
}

func (c *Conn) OnTrack(func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
}

func (c *Conn) OnStateChange(fn func(core.LinkState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// SetState reports a connectivity change. A closed connection only reports
// LinkClosed, once.
func (c *Conn) SetState(s core.LinkState) {
	c.mu.Lock()
	if c.state == core.LinkClosed || (c.closed && s != core.LinkClosed) {
		c.mu.Unlock()
		return
	}
	c.state = s
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (c *Conn) State() core.LinkState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Added returns the tracks attached before negotiation.
func (c *Conn) Added() []webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.TrackLocal(nil), c.added...)
}

func (c *Conn) Replacements() []Replacement {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Replacement(nil), c.replacements...)
}

// Channel is one end of an in-memory data channel.
type Channel struct {
	label string

	mu     sync.Mutex
	peer   *Channel
	isOpen bool
	onOpen func()
	onMsg  func([]byte)
}

func (ch *Channel) pair(other *Channel) {
	ch.mu.Lock()
	ch.peer = other
	ch.mu.Unlock()
	other.mu.Lock()
	other.peer = ch
	other.mu.Unlock()
}

func (ch *Channel) open() {
	ch.mu.Lock()
	ch.isOpen = true
	fn := ch.onOpen
	ch.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (ch *Channel) Label() string { return ch.label }

func (ch *Channel) Send(b []byte) error {
	ch.mu.Lock()
	peer, isOpen := ch.peer, ch.isOpen
	ch.mu.Unlock()
	if !isOpen || peer == nil {
		return core.ErrChannelClosed
	}
	peer.mu.Lock()
	fn, peerOpen := peer.onMsg, peer.isOpen
	peer.mu.Unlock()
	if !peerOpen {
		return core.ErrChannelClosed
	}
	if fn != nil {
		fn(append([]byte(nil), b...))
	}
	return nil
}

func (ch *Channel) OnOpen(fn func()) {
	ch.mu.Lock()
	ch.onOpen = fn
	isOpen := ch.isOpen
	ch.mu.Unlock()
	if isOpen {
		fn()
	}
}

func (ch *Channel) OnMessage(fn func([]byte)) {
	ch.mu.Lock()
	ch.onMsg = fn
	ch.mu.Unlock()
}

func (ch *Channel) Close() error {
	ch.mu.Lock()
	ch.isOpen = false
	peer := ch.peer
	ch.mu.Unlock()
	if peer != nil {
		peer.mu.Lock()
		peer.isOpen = false
		peer.mu.Unlock()
	}
	return nil
}

// NewChannelPair returns two open ends of one channel.
func NewChannelPair(label string) (*Channel, *Channel) {
	a, b := &Channel{label: label}, &Channel{label: label}
	a.pair(b)
	a.open()
	b.open()
	return a, b
}

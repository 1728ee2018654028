package rtc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Calls/internal/config"
	"github.com/dkeye/Calls/internal/core"
	"github.com/dkeye/Calls/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const pliInterval = 3 * time.Second

// API builds peer connections that share one media engine.
type API struct {
	api *webrtc.API
	cfg webrtc.Configuration
}

// NewAPI registers codecs through populate, or the pion defaults when it is
// nil, together with the default interceptors and the audio level extension.
func NewAPI(cfg config.RTC, populate func(*webrtc.MediaEngine)) (*API, error) {
	m := &webrtc.MediaEngine{}
	if populate != nil {
		populate(m)
	} else if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	if err := m.RegisterHeaderExtension(
		webrtc.RTPHeaderExtensionCapability{URI: core.AudioLevelURI},
		webrtc.RTPCodecTypeAudio,
	); err != nil {
		return nil, err
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepAlive)

	servers := make([]webrtc.ICEServer, 0, len(cfg.ICEServers))
	for _, u := range cfg.ICEServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}

	return &API{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(se),
		),
		cfg: webrtc.Configuration{ICEServers: servers},
	}, nil
}

func (a *API) NewConnection(peer domain.PeerID) (*WebRTCConnection, error) {
	pc, err := a.api.NewPeerConnection(a.cfg)
	if err != nil {
		return nil, err
	}
	return &WebRTCConnection{
		pc:      pc,
		peer:    peer,
		senders: make(map[webrtc.RTPCodecType]*webrtc.RTPSender),
	}, nil
}

// Link adapts NewConnection to core.LinkFactory.
func (a *API) Link(peer domain.PeerID) (core.MediaConnection, error) {
	c, err := a.NewConnection(peer)
	if err != nil {
		return nil, err
	}
	return c, nil
}

type WebRTCConnection struct {
	pc     *webrtc.PeerConnection
	peer   domain.PeerID
	cancel context.CancelFunc
	closed atomic.Bool

	mu      sync.Mutex
	senders map[webrtc.RTPCodecType]*webrtc.RTPSender

	onTrack       func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	onState       func(core.LinkState)
	onDataChannel func(core.DataChannel)
}

func (c *WebRTCConnection) Start(ctx context.Context) error {
	if c.closed.Load() {
		return core.ErrConnectionDone
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Debug().Str("module", "webrtc").Str("peer", string(c.peer)).Str("ice_state", s.String()).Msg("ICE state")
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "webrtc").Str("peer", string(c.peer)).Str("peer_connection_state", s.String()).Msg("Peer state")
		if fn := c.onState; fn != nil {
			fn(linkState(s))
		}
	})

	c.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if fn := c.onDataChannel; fn != nil {
			fn(&dataChannel{dc: dc})
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "webrtc").
			Str("peer", string(c.peer)).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			go c.requestKeyframes(ctx, track)
		}
		if c.onTrack != nil {
			c.onTrack(ctx, track, receiver)
		}
	})

	go func() {
		<-ctx.Done()
		c.Close()
	}()
	return nil
}

// requestKeyframes sends a PLI right away and then periodically so decoding
// recovers quickly after loss.
func (c *WebRTCConnection) requestKeyframes(ctx context.Context, track *webrtc.TrackRemote) {
	send := func() error {
		return c.pc.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
		})
	}
	if err := send(); err != nil {
		return
	}
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := send(); err != nil {
				return
			}
		}
	}
}

func linkState(s webrtc.PeerConnectionState) core.LinkState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return core.LinkConnecting
	case webrtc.PeerConnectionStateConnected:
		return core.LinkConnected
	case webrtc.PeerConnectionStateDisconnected:
		return core.LinkDisconnected
	case webrtc.PeerConnectionStateFailed:
		return core.LinkFailed
	case webrtc.PeerConnectionStateClosed:
		return core.LinkClosed
	}
	return core.LinkNew
}

func (c *WebRTCConnection) CreateOffer(ctx context.Context) (*webrtc.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return c.pc.LocalDescription(), nil
}

func (c *WebRTCConnection) ApplyOfferAndCreateAnswer(ctx context.Context, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return nil, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}

	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return c.pc.LocalDescription(), nil
}

func (c *WebRTCConnection) ApplyAnswer(answer webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(answer)
}

func (c *WebRTCConnection) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "webrtc").Str("peer", string(c.peer)).Msg("close error")
	} else {
		log.Info().Str("module", "webrtc").Str("peer", string(c.peer)).Msg("closed")
	}
}

func (c *WebRTCConnection) IsClosed() bool { return c.closed.Load() }

// OnTrack sets application-level callback for remote tracks.
func (c *WebRTCConnection) OnTrack(fn func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	c.onTrack = fn
}

func (c *WebRTCConnection) OnStateChange(fn func(core.LinkState)) { c.onState = fn }

func (c *WebRTCConnection) OnDataChannel(fn func(core.DataChannel)) { c.onDataChannel = fn }

// AddLocalTrack attaches a local track to the PeerConnection.
func (c *WebRTCConnection) AddLocalTrack(track webrtc.TrackLocal) error {
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.senders[track.Kind()] = sender
	c.mu.Unlock()

	// Interceptors only run while RTCP is read.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (c *WebRTCConnection) sender(kind webrtc.RTPCodecType) *webrtc.RTPSender {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.senders[kind]
}

func (c *WebRTCConnection) ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error {
	s := c.sender(kind)
	if s == nil {
		return core.ErrNoSender
	}
	return s.ReplaceTrack(track)
}

func (c *WebRTCConnection) SenderTrack(kind webrtc.RTPCodecType) webrtc.TrackLocal {
	s := c.sender(kind)
	if s == nil {
		return nil
	}
	return s.Track()
}

func (c *WebRTCConnection) OpenDataChannel(label string) (core.DataChannel, error) {
	dc, err := c.pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, err
	}
	return &dataChannel{dc: dc}, nil
}

type dataChannel struct {
	dc *webrtc.DataChannel
}

func (d *dataChannel) Label() string { return d.dc.Label() }

func (d *dataChannel) Send(b []byte) error {
	if d.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return core.ErrChannelClosed
	}
	return d.dc.SendText(string(b))
}

func (d *dataChannel) OnOpen(fn func()) { d.dc.OnOpen(fn) }

func (d *dataChannel) OnMessage(fn func([]byte)) {
	d.dc.OnMessage(func(msg webrtc.DataChannelMessage) { fn(msg.Data) })
}

func (d *dataChannel) Close() error {
	err := d.dc.Close()
	if errors.Is(err, webrtc.ErrConnectionClosed) {
		return nil
	}
	return err
}

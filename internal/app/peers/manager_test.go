package peers

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Calls/internal/adapters/signal"
	"github.com/dkeye/Calls/internal/app"
	"github.com/dkeye/Calls/internal/app/devices"
	"github.com/dkeye/Calls/internal/app/vad"
	"github.com/dkeye/Calls/internal/core"
	"github.com/dkeye/Calls/internal/core/coretest"
	"github.com/dkeye/Calls/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) add(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) count(typ EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

type channels struct {
	mu       sync.Mutex
	attached map[domain.PeerID]core.DataChannel
}

func (c *channels) Attach(peer domain.PeerID, ch core.DataChannel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attached == nil {
		c.attached = make(map[domain.PeerID]core.DataChannel)
	}
	c.attached[peer] = ch
}

func (c *channels) Detach(peer domain.PeerID, ch core.DataChannel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attached[peer] == ch {
		delete(c.attached, peer)
	}
}

func (c *channels) get(peer domain.PeerID) core.DataChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attached[peer]
}

type side struct {
	id    domain.PeerID
	m     *Manager
	dev   *devices.Manager
	src   *coretest.Source
	mixer *coretest.Mixer
	rec   *recorder
	chans *channels
}

type pair struct {
	net   *coretest.Network
	store *signal.MemoryStore
	clock *clock.Mock
	a, b  *side
}

// newPair builds two managers on one network. b answers every offer; a is
// expected to dial.
func newPair(t *testing.T, media domain.MediaKind) *pair {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	p := &pair{
		net:   coretest.NewNetwork(),
		store: signal.NewMemoryStore(),
		clock: clock.NewMock(),
	}
	mk := func(id domain.PeerID) *side {
		s := &side{
			id:    id,
			src:   coretest.NewSource(),
			mixer: &coretest.Mixer{},
			rec:   &recorder{},
			chans: &channels{},
		}
		s.dev = devices.NewManager(s.src)
		stream, err := s.dev.Acquire(ctx, media)
		require.NoError(t, err)
		s.dev.Use(stream)

		s.m = NewManager(id, p.net.Factory(id), p.store, s.dev)
		s.m.Mixer = s.mixer
		s.m.Caps = app.NewStaticCapabilities([]string{"vip"})
		s.m.Channels = s.chans
		s.m.Clock = p.clock
		s.m.ReconnectWait = 10 * time.Millisecond
		return s
	}
	p.a, p.b = mk("peer-a"), mk("peer-b")

	for _, s := range []*side{p.a, p.b} {
		s.m.OnEvent(func(ev Event) {
			s.rec.add(ev)
			if ev.Type == InboundOffer {
				go func() { _ = s.m.Answer(ctx, ev.Offer, s.dev.Outgoing()) }()
			}
		})
		go func() { _ = s.m.Serve(ctx) }()
	}
	require.Eventually(t, func() bool {
		return p.store.Registered("peer-a") && p.store.Registered("peer-b")
	}, waitFor, 5*time.Millisecond)
	return p
}

func (p *pair) connect(t *testing.T) {
	t.Helper()
	require.NoError(t, p.a.m.Dial(context.Background(), p.b.id, "rec-1", p.a.dev.Outgoing()))
	require.Eventually(t, func() bool {
		return p.a.rec.count(LinkUp) == 1 && p.b.rec.count(LinkUp) == 1
	}, waitFor, 5*time.Millisecond)
}

func TestDialAnswerOpensLinkAndChannel(t *testing.T) {
	p := newPair(t, domain.MediaVideo)
	p.connect(t)

	conn := p.net.Last(p.a.id, p.b.id)
	require.Len(t, conn.Added(), 2)

	links := p.b.m.Links()
	require.Len(t, links, 1)
	require.Equal(t, "rec-1", links[0].RecordID)
	require.Equal(t, core.LinkConnected, links[0].State)

	got := make(chan []byte, 1)
	require.Eventually(t, func() bool { return p.b.chans.get(p.a.id) != nil }, waitFor, 5*time.Millisecond)
	p.b.chans.get(p.a.id).OnMessage(func(b []byte) { got <- b })
	require.NoError(t, p.a.chans.get(p.b.id).Send([]byte("ping")))
	require.Equal(t, []byte("ping"), <-got)
}

func TestGracePeriod(t *testing.T) {
	p := newPair(t, domain.MediaAudio)
	p.connect(t)
	conn := p.net.Last(p.a.id, p.b.id)

	conn.SetState(core.LinkDisconnected)
	p.clock.Add(2 * time.Second)
	conn.SetState(core.LinkConnected)
	p.clock.Add(5 * time.Second)
	require.Never(t, func() bool { return p.a.rec.count(LinkDown) > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	conn.SetState(core.LinkDisconnected)
	p.clock.Add(2 * time.Second)
	require.Zero(t, p.a.rec.count(LinkDown))
	p.clock.Add(time.Second)
	require.Eventually(t, func() bool { return p.a.rec.count(LinkDown) == 1 }, waitFor, 5*time.Millisecond)
	require.Empty(t, p.a.m.Links())
}

func TestFailedLinkIsDownImmediately(t *testing.T) {
	p := newPair(t, domain.MediaAudio)
	p.connect(t)

	p.net.Last(p.a.id, p.b.id).SetState(core.LinkFailed)
	require.Eventually(t, func() bool { return p.a.rec.count(LinkDown) == 1 }, waitFor, 5*time.Millisecond)
	require.True(t, p.net.Last(p.a.id, p.b.id).IsClosed())
}

func TestReinviteReplacesLink(t *testing.T) {
	p := newPair(t, domain.MediaAudio)
	p.connect(t)
	first := p.net.Conns(p.b.id, p.a.id)
	require.Len(t, first, 1)

	require.NoError(t, p.a.m.Dial(context.Background(), p.b.id, "rec-2", p.a.dev.Outgoing()))
	require.Eventually(t, func() bool { return len(p.net.Conns(p.b.id, p.a.id)) == 2 }, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool { return first[0].IsClosed() }, waitFor, 5*time.Millisecond)

	// Replaced links never report themselves down.
	require.Never(t, func() bool {
		return p.a.rec.count(LinkDown) > 0 || p.b.rec.count(LinkDown) > 0
	}, 50*time.Millisecond, 5*time.Millisecond)
	links := p.b.m.Links()
	require.Len(t, links, 1)
	require.Equal(t, "rec-2", links[0].RecordID)
}

func TestCloseAllIsSilentLocally(t *testing.T) {
	p := newPair(t, domain.MediaAudio)
	p.connect(t)

	p.a.m.CloseAll()
	p.a.m.CloseAll()
	require.Empty(t, p.a.m.Links())
	require.Nil(t, p.a.chans.get(p.b.id))
	require.Eventually(t, func() bool { return p.b.rec.count(LinkDown) == 1 }, waitFor, 5*time.Millisecond)
	require.Zero(t, p.a.rec.count(LinkDown))
}

func TestDialAfterCancelRefused(t *testing.T) {
	p := newPair(t, domain.MediaAudio)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.a.m.Dial(ctx, p.b.id, "rec-1", p.a.dev.Outgoing())
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, p.a.m.Links())
	require.True(t, p.net.Last(p.a.id, p.b.id).IsClosed())
}

func TestScreenShareVideoCall(t *testing.T) {
	p := newPair(t, domain.MediaVideo)
	p.a.src.SystemAudio = true
	p.connect(t)
	conn := p.net.Last(p.a.id, p.b.id)
	ctx := context.Background()

	camera := conn.SenderTrack(webrtc.RTPCodecTypeVideo)
	mic := conn.SenderTrack(webrtc.RTPCodecTypeAudio)

	require.NoError(t, p.a.m.StartScreenShare(ctx, domain.User{ID: "alice"}, true))
	require.ErrorIs(t, p.a.m.StartScreenShare(ctx, domain.User{ID: "alice"}, true), domain.ErrScreenSharing)
	require.Equal(t, 1280, p.a.src.DisplayRequests[0].Width)
	require.Equal(t, 1, p.a.mixer.Calls)

	var audioSwaps []webrtc.TrackLocal
	for _, r := range conn.Replacements() {
		if r.Kind == webrtc.RTPCodecTypeAudio {
			audioSwaps = append(audioSwaps, r.Track)
		}
	}
	require.Len(t, audioSwaps, 1, "audio is replaced exactly once")
	require.Equal(t, p.a.mixer.Mixed[0], audioSwaps[0])
	display := conn.SenderTrack(webrtc.RTPCodecTypeVideo)
	require.NotEqual(t, camera, display)

	require.NoError(t, p.a.m.StopScreenShare(ctx))
	require.Equal(t, camera, conn.SenderTrack(webrtc.RTPCodecTypeVideo))
	require.Equal(t, mic, conn.SenderTrack(webrtc.RTPCodecTypeAudio))
	require.True(t, display.(*coretest.Track).Stopped())
	require.True(t, p.a.mixer.Mixed[0].Stopped())
	require.False(t, camera.(*coretest.Track).Stopped())
	require.ErrorIs(t, p.a.m.StopScreenShare(ctx), domain.ErrNoScreenShare)
}

func TestScreenShareQualityByCapability(t *testing.T) {
	p := newPair(t, domain.MediaVideo)
	ctx := context.Background()

	require.NoError(t, p.a.m.StartScreenShare(ctx, domain.User{ID: "vip"}, true))
	req := p.a.src.DisplayRequests[0]
	require.Equal(t, 1920, req.Width)
	require.Equal(t, 60, req.FrameRate)
	require.NoError(t, p.a.m.StopScreenShare(ctx))
}

func TestScreenShareMixFailureFallsBack(t *testing.T) {
	p := newPair(t, domain.MediaVideo)
	p.a.src.SystemAudio = true
	p.a.mixer.Err = errors.New("no mixer")
	p.connect(t)
	conn := p.net.Last(p.a.id, p.b.id)

	require.NoError(t, p.a.m.StartScreenShare(context.Background(), domain.User{ID: "alice"}, true))
	for _, r := range conn.Replacements() {
		require.NotEqual(t, webrtc.RTPCodecTypeAudio, r.Kind, "raw mic stays on the sender")
	}
}

func TestScreenShareVoiceCallRenegotiates(t *testing.T) {
	p := newPair(t, domain.MediaAudio)
	p.connect(t)
	ctx := context.Background()

	require.NoError(t, p.a.m.StartScreenShare(ctx, domain.User{ID: "alice"}, false))
	require.True(t, p.a.m.Sharing())
	conns := p.net.Conns(p.a.id, p.b.id)
	require.Len(t, conns, 2, "a link without a video sender is recreated")
	require.Len(t, conns[1].Added(), 2)
	require.True(t, conns[0].IsClosed())

	// The partner treats the new offer as a replacement of the same call.
	require.Never(t, func() bool {
		return p.a.rec.count(LinkDown) > 0 || p.b.rec.count(LinkDown) > 0
	}, 50*time.Millisecond, 5*time.Millisecond)
	for _, s := range []*side{p.a, p.b} {
		links := s.m.Links()
		require.Len(t, links, 1)
		require.Equal(t, "rec-1", links[0].RecordID)
		require.Equal(t, core.LinkConnected, links[0].State)
	}
	require.Eventually(t, func() bool { return p.b.chans.get(p.a.id) != nil }, waitFor, 5*time.Millisecond)
	require.NotNil(t, p.a.chans.get(p.b.id), "soundboard channel follows the new link")

	require.NoError(t, p.a.m.StopScreenShare(ctx))
	require.False(t, p.a.m.Sharing())
	require.Nil(t, conns[1].SenderTrack(webrtc.RTPCodecTypeVideo))
	require.False(t, conns[1].IsClosed())
}

func TestUnansweredRenegotiationKeepsOldLink(t *testing.T) {
	p := newPair(t, domain.MediaAudio)
	p.connect(t)
	old := p.net.Last(p.a.id, p.b.id)

	// b stops answering.
	p.b.m.OnEvent(p.b.rec.add)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := p.a.m.Renegotiate(ctx, p.b.id, p.a.dev.Outgoing())
	require.ErrorIs(t, err, domain.ErrRenegotiate)

	require.False(t, old.IsClosed())
	require.True(t, p.net.Last(p.a.id, p.b.id).IsClosed(), "the staged link is dropped")
	links := p.a.m.Links()
	require.Len(t, links, 1)
	require.Equal(t, core.LinkConnected, links[0].State)
	require.Zero(t, p.a.rec.count(LinkDown))
	require.Zero(t, p.b.rec.count(LinkDown))
}

func TestConcurrentRenegotiationSettles(t *testing.T) {
	p := newPair(t, domain.MediaAudio)
	p.connect(t)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	errs := make(chan error, 2)
	for _, s := range []*side{p.a, p.b} {
		peer := p.b.id
		if s == p.b {
			peer = p.a.id
		}
		go func() { errs <- s.m.Renegotiate(ctx, peer, s.dev.Outgoing()) }()
	}
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	require.Eventually(t, func() bool {
		la, lb := p.a.m.Links(), p.b.m.Links()
		return len(la) == 1 && len(lb) == 1 &&
			la[0].State == core.LinkConnected && lb[0].State == core.LinkConnected
	}, waitFor, 5*time.Millisecond)
	require.Zero(t, p.a.rec.count(LinkDown))
	require.Zero(t, p.b.rec.count(LinkDown))
}

func TestShareEndedEvent(t *testing.T) {
	p := newPair(t, domain.MediaVideo)
	require.NoError(t, p.a.m.StartScreenShare(context.Background(), domain.User{ID: "alice"}, true))

	var display *coretest.Track
	for _, tr := range p.a.src.Tracks() {
		if strings.HasPrefix(tr.ID(), "screen-") {
			display = tr
		}
	}
	require.NotNil(t, display)
	display.End(nil)
	require.Equal(t, 1, p.a.rec.count(ShareEnded))
}

func TestRemoteLevelExpires(t *testing.T) {
	clk := clock.NewMock()
	l := newRemoteLevel(clk)
	require.Zero(t, l.Level())

	l.set(0)
	require.InDelta(t, 1.0, l.Level(), 1e-9)
	l.set(20)
	require.InDelta(t, 0.1, l.Level(), 1e-9)

	clk.Add(600 * time.Millisecond)
	require.Zero(t, l.Level())
}

func TestStampedAudioLevelMarksPeerSpeaking(t *testing.T) {
	clk := clock.NewMock()
	level := newRemoteLevel(clk)
	d := vad.NewDetector(clk, 50*time.Millisecond, 0.05)
	d.Attach("peer-b", level)

	send := func(dBov uint8) {
		ext, err := rtp.AudioLevelExtension{Level: dBov, Voice: dBov < 50}.Marshal()
		require.NoError(t, err)
		out := rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 111}, Payload: []byte{0xf8}}
		require.NoError(t, out.Header.SetExtension(1, ext))
		wire, err := out.Marshal()
		require.NoError(t, err)

		var in rtp.Packet
		require.NoError(t, in.Unmarshal(wire))
		readLevel(&in, 1, level)
	}

	send(20)
	require.Equal(t, map[domain.PeerID]bool{"peer-b": true}, d.Sample())

	send(60)
	require.Equal(t, map[domain.PeerID]bool{"peer-b": false}, d.Sample())

	send(10)
	require.Equal(t, map[domain.PeerID]bool{"peer-b": true}, d.Sample())
	clk.Add(time.Second)
	require.Equal(t, map[domain.PeerID]bool{"peer-b": false}, d.Sample(), "a silent sender expires")
}

type downRendezvous struct {
	core.Rendezvous
	calls int
}

func (d *downRendezvous) Register(context.Context, domain.PeerID) (<-chan core.Offer, error) {
	d.calls++
	return nil, errors.New("unreachable")
}

func TestServeGivesUpAfterOneRetry(t *testing.T) {
	rdv := &downRendezvous{}
	m := NewManager("peer-a", coretest.NewNetwork().Factory("peer-a"), rdv, devices.NewManager(coretest.NewSource()))
	m.ReconnectWait = time.Millisecond
	rec := &recorder{}
	m.OnEvent(rec.add)

	err := m.Serve(context.Background())
	require.ErrorIs(t, err, domain.ErrRendezvousDown)
	require.Equal(t, 2, rdv.calls)
	require.Equal(t, 1, rec.count(TransportLost))
}

func TestServeReRegistersAfterLoss(t *testing.T) {
	p := newPair(t, domain.MediaAudio)
	p.store.DropRegistration(p.b.id)
	require.Eventually(t, func() bool { return p.store.Registered(p.b.id) }, waitFor, 5*time.Millisecond)
	p.connect(t)
}
